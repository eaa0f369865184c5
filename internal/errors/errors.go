// Package errors provides centralized error handling for camguard components.
// Errors carry a component name, a category and arbitrary key/value context so
// that callers and log output can group failures without string matching.
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"time"
)

// ErrorCategory represents the type of error for categorization.
type ErrorCategory string

const (
	CategoryValidation    ErrorCategory = "validation"
	CategoryDuplicateID   ErrorCategory = "duplicate-id"
	CategoryCapacity      ErrorCategory = "capacity-exceeded"
	CategoryWorkerInit    ErrorCategory = "worker-initialization"
	CategoryRuntimeHealth ErrorCategory = "runtime-health"
	CategoryLockOrder     ErrorCategory = "lock-order"
	CategoryMonitoring    ErrorCategory = "monitoring-stall"
	CategoryTelemetry     ErrorCategory = "telemetry-probe"
	CategoryTracking      ErrorCategory = "cross-camera-tracking"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryGeneric       ErrorCategory = "generic"
)

// EnhancedError wraps an error with component, category and context metadata.
type EnhancedError struct {
	Err       error
	Component string
	Category  ErrorCategory
	Context   map[string]any
	Timestamp time.Time
}

// Error implements the error interface.
func (ee *EnhancedError) Error() string {
	return ee.Err.Error()
}

// Unwrap exposes the wrapped error for errors.Is / errors.As chains.
func (ee *EnhancedError) Unwrap() error {
	return ee.Err
}

// Is matches either the wrapped chain or another EnhancedError's category.
func (ee *EnhancedError) Is(target error) bool {
	if other, ok := target.(*EnhancedError); ok {
		return ee.Category == other.Category
	}
	return stderrors.Is(ee.Err, target)
}

// GetContext returns a copy of the context map.
func (ee *EnhancedError) GetContext() map[string]any {
	if ee.Context == nil {
		return nil
	}
	c := make(map[string]any, len(ee.Context))
	maps.Copy(c, ee.Context)
	return c
}

// ErrorBuilder provides a fluent API for constructing enhanced errors.
type ErrorBuilder struct {
	err       error
	component string
	category  ErrorCategory
	context   map[string]any
}

// New creates a new ErrorBuilder wrapping the given error.
func New(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err, category: CategoryGeneric}
}

// Newf creates a new ErrorBuilder from a formatted message.
func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

// Component sets the component where the error occurred.
func (eb *ErrorBuilder) Component(component string) *ErrorBuilder {
	eb.component = component
	return eb
}

// Category sets the error category.
func (eb *ErrorBuilder) Category(category ErrorCategory) *ErrorBuilder {
	eb.category = category
	return eb
}

// Context adds a key/value pair to the error context.
func (eb *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if eb.context == nil {
		eb.context = make(map[string]any)
	}
	eb.context[key] = value
	return eb
}

// Timing records an operation name and duration in the error context.
func (eb *ErrorBuilder) Timing(operation string, duration time.Duration) *ErrorBuilder {
	return eb.Context("operation", operation).Context("duration_ms", duration.Milliseconds())
}

// Build constructs the final EnhancedError.
func (eb *ErrorBuilder) Build() *EnhancedError {
	return &EnhancedError{
		Err:       eb.err,
		Component: eb.component,
		Category:  eb.category,
		Context:   eb.context,
		Timestamp: time.Now(),
	}
}

// NewStd creates a plain sentinel error, for use with Is.
func NewStd(text string) error {
	return stderrors.New(text)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// IsCategory reports whether err carries the given category anywhere in its chain.
func IsCategory(err error, category ErrorCategory) bool {
	var ee *EnhancedError
	if stderrors.As(err, &ee) {
		return ee.Category == category
	}
	return false
}
