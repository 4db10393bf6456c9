package types

import "time"

// HostUsage is a single reading of host-level resources.
type HostUsage struct {
	CPUCores      float64 `json:"cpu_cores"`   // logical cores
	CPUPercent    float64 `json:"cpu_percent"` // 0-100 across all cores
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	DiskUsedMB    float64 `json:"disk_used_mb"`
	DiskTotalMB   float64 `json:"disk_total_mb"`
	NetBytesSent  uint64  `json:"net_bytes_sent"`
	NetBytesRecv  uint64  `json:"net_bytes_recv"`
}

// ProcessUsage is a reading for one OS process.
type ProcessUsage struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
}

// ResourceSnapshot is one sample of the host plus per-agent usage.
type ResourceSnapshot struct {
	Time   time.Time               `json:"time"`
	Host   HostUsage               `json:"host"`
	Agents map[string]ProcessUsage `json:"agents,omitempty"` // instance id -> usage
}

// CPUPercent returns host CPU utilisation.
func (s *ResourceSnapshot) CPUPercent() float64 { return s.Host.CPUPercent }

// MemoryPercent returns host memory utilisation.
func (s *ResourceSnapshot) MemoryPercent() float64 {
	if s.Host.MemoryTotalMB == 0 {
		return 0
	}
	return s.Host.MemoryUsedMB / s.Host.MemoryTotalMB * 100
}

// DiskPercent returns host disk utilisation.
func (s *ResourceSnapshot) DiskPercent() float64 {
	if s.Host.DiskTotalMB == 0 {
		return 0
	}
	return s.Host.DiskUsedMB / s.Host.DiskTotalMB * 100
}

// Clone returns a deep copy of the snapshot.
func (s *ResourceSnapshot) Clone() *ResourceSnapshot {
	c := *s
	if s.Agents != nil {
		c.Agents = make(map[string]ProcessUsage, len(s.Agents))
		for k, v := range s.Agents {
			c.Agents[k] = v
		}
	}
	return &c
}

// Resource names used by thresholds and events.
const (
	ResourceCPU    = "cpu"
	ResourceMemory = "memory"
	ResourceDisk   = "disk"
)

// Severity of a threshold crossing.
type Severity string

const (
	SeverityNormal   Severity = "normal"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Threshold is a warning/critical pair in percent.
type Threshold struct {
	Warning  float64 `json:"warning" yaml:"warning" koanf:"warning"`
	Critical float64 `json:"critical" yaml:"critical" koanf:"critical"`
}

// Level classifies value against the threshold.
func (t Threshold) Level(value float64) Severity {
	switch {
	case t.Critical > 0 && value >= t.Critical:
		return SeverityCritical
	case t.Warning > 0 && value >= t.Warning:
		return SeverityWarning
	default:
		return SeverityNormal
	}
}

// Thresholds holds per-resource thresholds.
type Thresholds struct {
	CPU    Threshold `json:"cpu" yaml:"cpu" koanf:"cpu"`
	Memory Threshold `json:"memory" yaml:"memory" koanf:"memory"`
	Disk   Threshold `json:"disk" yaml:"disk" koanf:"disk"`
}

// For returns the threshold of the named resource.
func (t Thresholds) For(resource string) Threshold {
	switch resource {
	case ResourceCPU:
		return t.CPU
	case ResourceMemory:
		return t.Memory
	default:
		return t.Disk
	}
}

// ThresholdEvent is emitted when a resource changes severity level.
type ThresholdEvent struct {
	Resource string    `json:"resource"`
	Previous Severity  `json:"previous"`
	Severity Severity  `json:"severity"`
	Value    float64   `json:"value"`
	Limit    float64   `json:"limit,omitempty"`
	Time     time.Time `json:"time"`
}
