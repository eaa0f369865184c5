package supervisor

import "time"

// PipelineStats is a point-in-time snapshot of one supervised worker.
type PipelineStats struct {
	SourceID        string
	InstanceID      string // unique per worker instance, survives id reuse
	Protocol        string
	URL             string
	Running         bool
	Healthy         bool
	FrameRate       float64
	ProcessedFrames uint64
	DroppedFrames   uint64
	LastError       string
	Uptime          time.Duration
}

// SystemStats aggregates pipeline stats with the latest telemetry
// snapshot and supervisor health.
type SystemStats struct {
	TotalPipelines   int
	RunningPipelines int
	HealthyPipelines int

	TotalFrameRate       float64
	TotalProcessedFrames uint64
	TotalDroppedFrames   uint64

	CPUUsage          float64
	MemoryUsedPercent float64
	GPUMemory         string
	GPUUtilization    float64
	GPUTemperature    float64

	ActiveGlobalTracks int

	MonitoringCycles  uint64
	MonitoringHealthy bool

	RecentEvictions []string

	Uptime time.Duration
}
