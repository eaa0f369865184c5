package telemetry

// GPUUnavailable is the placeholder published for GPU fields when no
// hardware telemetry collaborator is present or a probe fails.
const GPUUnavailable = "N/A"

// GPUProbe is the optional hardware telemetry collaborator. It is probed
// once at sampler start; a zero device count or probe error disables GPU
// sampling for the life of the sampler without failing startup.
type GPUProbe interface {
	DeviceCount() (int, error)
	// MemoryInfo returns used and total device memory in bytes.
	MemoryInfo() (used, total uint64, err error)
	// UtilizationRates returns GPU utilization as a percentage.
	UtilizationRates() (float64, error)
	// Temperature returns the device temperature in degrees Celsius.
	Temperature() (float64, error)
}
