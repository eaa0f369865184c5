package lockorder

import "sync"

// OrderedMutex is a sync.Mutex that consults a Guard around every
// acquisition. A nil guard degrades to a plain mutex. The hierarchy check
// is advisory: on a violation the configured policy (panic or log) is
// applied and, under PolicyLog, the acquisition still proceeds.
type OrderedMutex struct {
	mu    sync.Mutex
	guard *Guard
	level Level
	name  string
}

// NewOrderedMutex creates a mutex registered at the given hierarchy level.
func NewOrderedMutex(guard *Guard, level Level, name string) *OrderedMutex {
	return &OrderedMutex{guard: guard, level: level, name: name}
}

// Lock acquires the mutex, checking the hierarchy first.
func (m *OrderedMutex) Lock() {
	g := m.guard
	if g == nil || !g.Enabled() {
		m.mu.Lock()
		return
	}
	if !g.CanAcquire(m.level, m.name) {
		g.reportViolation(m.level, m.name)
	}
	m.mu.Lock()
	g.RecordAcquired(m.level, m.name)
}

// Unlock releases the mutex and pops the guard record.
func (m *OrderedMutex) Unlock() {
	g := m.guard
	if g == nil || !g.Enabled() {
		m.mu.Unlock()
		return
	}
	g.RecordReleased(m.level, m.name)
	m.mu.Unlock()
}

// Level returns the hierarchy level this mutex is registered at.
func (m *OrderedMutex) Level() Level { return m.level }

// Name returns the diagnostic name of this mutex.
func (m *OrderedMutex) Name() string { return m.name }
