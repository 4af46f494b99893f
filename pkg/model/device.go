package model

// DeviceType classifies the hardware class of an edge device.
type DeviceType string

const (
	DeviceTypeJetson    DeviceType = "jetson"
	DeviceTypeRaspberry DeviceType = "raspberry_pi"
	DeviceTypeServer    DeviceType = "server"
	DeviceTypeGateway   DeviceType = "gateway"
)

// DeviceInfo is the immutable capability descriptor a device reports at
// registration. It is never mutated afterwards; runtime state lives in
// SystemMetrics and EdgeCapabilities.
type DeviceInfo struct {
	DeviceID        string     `json:"device_id"`
	DeviceType      DeviceType `json:"device_type"`
	HardwareVersion string     `json:"hardware_version"`
	SoftwareVersion string     `json:"software_version"`

	// Accelerator runtime versions, empty on CPU-only devices.
	CUDAVersion     string `json:"cuda_version,omitempty"`
	TensorRTVersion string `json:"tensorrt_version,omitempty"`

	MemoryTotalBytes  int64 `json:"memory_total_bytes"`
	StorageTotalBytes int64 `json:"storage_total_bytes"`
	AcceleratorCount  int   `json:"accelerator_count"`

	Capabilities []string `json:"capabilities"`
}

// HasCapability reports whether the device advertises the given capability tag.
func (d *DeviceInfo) HasCapability(tag string) bool {
	for _, c := range d.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// AcceleratorMetrics holds optional per-device accelerator telemetry.
// Pointer fields distinguish "not reported" from zero.
type AcceleratorMetrics struct {
	UtilizationPercent *float64 `json:"utilization_percent,omitempty"`
	MemoryUsedBytes    *int64   `json:"memory_used_bytes,omitempty"`
	MemoryTotalBytes   *int64   `json:"memory_total_bytes,omitempty"`
	TemperatureCelsius *float64 `json:"temperature_celsius,omitempty"`
}

// SystemMetrics is a point-in-time telemetry sample produced on each
// heartbeat tick. Samples are kept only in a short rolling window.
type SystemMetrics struct {
	Timestamp int64 `json:"timestamp"`

	CPUPercent       float64 `json:"cpu_percent"`
	MemoryUsedBytes  int64   `json:"memory_used_bytes"`
	MemoryTotalBytes int64   `json:"memory_total_bytes"`
	DiskUsedBytes    int64   `json:"disk_used_bytes"`
	DiskTotalBytes   int64   `json:"disk_total_bytes"`

	NetworkRxBytes int64 `json:"network_rx_bytes"`
	NetworkTxBytes int64 `json:"network_tx_bytes"`

	Accelerator *AcceleratorMetrics `json:"accelerator,omitempty"`
}

// DeviceStatus is the registry's view of a device's liveness.
type DeviceStatus string

const (
	DeviceOnline   DeviceStatus = "online"
	DeviceDegraded DeviceStatus = "degraded"
	DeviceOffline  DeviceStatus = "offline"
)

// DeviceRecord is the control-plane registry entry for one device: its
// immutable descriptor plus the most recently observed runtime state.
type DeviceRecord struct {
	Info            DeviceInfo    `json:"info"`
	Status          DeviceStatus  `json:"status"`
	LastHeartbeat   int64         `json:"last_heartbeat"`
	LastMetrics     SystemMetrics `json:"last_metrics"`
	ActiveJobs      []string      `json:"active_jobs"`
	SoftwareVersion string        `json:"software_version"`
	UptimeSeconds   int64         `json:"uptime_seconds"`
}

// EdgeCapabilities is the per-device runtime snapshot used for inference
// routing. Snapshots are replaced wholesale on each update (last-write-wins),
// never merged field-by-field.
type EdgeCapabilities struct {
	DeviceID        string             `json:"device_id"`
	AvailableModels []string           `json:"available_models"`
	MaxBatchSize    int                `json:"max_batch_size"`
	LatencyEstimate map[string]float64 `json:"latency_estimate_ms,omitempty"`
	CurrentLoad     float64            `json:"current_load"`
	Available       bool               `json:"available"`
}

// HasModel reports whether the device currently advertises the model.
func (c *EdgeCapabilities) HasModel(name string) bool {
	for _, m := range c.AvailableModels {
		if m == name {
			return true
		}
	}
	return false
}
