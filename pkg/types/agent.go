// Package types provides shared type definitions for the reel orchestrator.
package types

import "time"

// Requirement is the resource footprint an agent needs while it works.
type Requirement struct {
	CPU      float64 `json:"cpu" yaml:"cpu"`             // cores
	MemoryMB float64 `json:"memory_mb" yaml:"memory_mb"` // resident memory
	DiskMB   float64 `json:"disk_mb" yaml:"disk_mb"`     // scratch disk
}

// Max returns the per-dimension maximum of r and o.
func (r Requirement) Max(o Requirement) Requirement {
	if o.CPU > r.CPU {
		r.CPU = o.CPU
	}
	if o.MemoryMB > r.MemoryMB {
		r.MemoryMB = o.MemoryMB
	}
	if o.DiskMB > r.DiskMB {
		r.DiskMB = o.DiskMB
	}
	return r
}

// Add returns the per-dimension sum of r and o.
func (r Requirement) Add(o Requirement) Requirement {
	return Requirement{
		CPU:      r.CPU + o.CPU,
		MemoryMB: r.MemoryMB + o.MemoryMB,
		DiskMB:   r.DiskMB + o.DiskMB,
	}
}

// IsZero reports whether no dimension is requested.
func (r Requirement) IsZero() bool {
	return r.CPU == 0 && r.MemoryMB == 0 && r.DiskMB == 0
}

// AgentKind describes a deployable kind of agent.
// Stored as YAML and immutable once registered.
type AgentKind struct {
	Name         string            `json:"name" yaml:"name"`
	Description  string            `json:"description,omitempty" yaml:"description,omitempty"`
	Capabilities []string          `json:"capabilities" yaml:"capabilities"` // action names
	Requirement  Requirement       `json:"requirement" yaml:"requirement"`
	Dependencies []string          `json:"dependencies,omitempty" yaml:"dependencies,omitempty"` // other kind names
	Driver       string            `json:"driver,omitempty" yaml:"driver,omitempty"`             // "local", "sim"
	Command      []string          `json:"command,omitempty" yaml:"command,omitempty"`           // for the local driver
	Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// HasCapability reports whether the kind can perform action.
func (k *AgentKind) HasCapability(action string) bool {
	if len(k.Capabilities) == 0 {
		return true
	}
	for _, c := range k.Capabilities {
		if c == action {
			return true
		}
	}
	return false
}

// InstanceState is the lifecycle state of a deployed agent instance.
type InstanceState string

const (
	InstanceStarting     InstanceState = "starting"
	InstanceRunning      InstanceState = "running"
	InstanceDegraded     InstanceState = "degraded"
	InstanceUnresponsive InstanceState = "unresponsive"
	InstanceTerminated   InstanceState = "terminated"
)

// UsageSample is one resource reading for an instance.
type UsageSample struct {
	Time       time.Time `json:"time"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
}

// CallStats counts action invocations against an instance.
type CallStats struct {
	Invocations int64     `json:"invocations"`
	Errors      int64     `json:"errors"`
	InFlight    int       `json:"in_flight"`
	LastCallAt  time.Time `json:"last_call_at,omitzero"`
}

// ErrorRate returns errors over invocations.
func (s CallStats) ErrorRate() float64 {
	if s.Invocations == 0 {
		return 0
	}
	return float64(s.Errors) / float64(s.Invocations)
}

// AgentInstance represents a deployed agent.
type AgentInstance struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	Driver    string            `json:"driver"`
	PID       int               `json:"pid,omitempty"` // local driver only
	State     InstanceState     `json:"state"`
	Config    map[string]string `json:"config,omitempty"`
	Usage     []UsageSample     `json:"usage,omitempty"`
	Stats     CallStats         `json:"stats"`
	Restarts  int               `json:"restarts"`
	StartedAt time.Time         `json:"started_at"`
	StoppedAt *time.Time        `json:"stopped_at,omitempty"`
	LastError string            `json:"last_error,omitempty"`
}

// Clone returns a deep copy of the instance.
func (i *AgentInstance) Clone() *AgentInstance {
	c := *i
	c.Config = cloneStrings(i.Config)
	c.Usage = append([]UsageSample(nil), i.Usage...)
	if i.StoppedAt != nil {
		t := *i.StoppedAt
		c.StoppedAt = &t
	}
	return &c
}

// ActionStatus is the outcome an agent reports for an action.
type ActionStatus string

const (
	ActionSuccess ActionStatus = "success"
	ActionFailed  ActionStatus = "failed"
	ActionError   ActionStatus = "error"
)

// ActionResult is what an agent returns from executeAction.
type ActionResult struct {
	Status   ActionStatus   `json:"status"`
	Data     map[string]any `json:"data,omitempty"`
	Warnings []string       `json:"warnings,omitempty"`
	Message  string         `json:"message,omitempty"`
}

// OK reports whether the action succeeded.
func (r *ActionResult) OK() bool {
	return r != nil && r.Status == ActionSuccess
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
