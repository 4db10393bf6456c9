package types

import "time"

// HealthStatus is the evaluated health of a component.
type HealthStatus string

const (
	HealthHealthy      HealthStatus = "healthy"
	HealthDegraded     HealthStatus = "degraded"
	HealthCritical     HealthStatus = "critical"
	HealthUnresponsive HealthStatus = "unresponsive"
)

// CheckStatus is the outcome of a single health check.
type CheckStatus string

const (
	CheckOK       CheckStatus = "ok"
	CheckWarning  CheckStatus = "warning"
	CheckCritical CheckStatus = "critical"
)

// CheckResult is one check that contributed to a HealthRecord.
type CheckResult struct {
	Name     string            `json:"name"`
	Status   CheckStatus       `json:"status"`
	Message  string            `json:"message"`
	Details  map[string]string `json:"details,omitempty"`
	Duration Duration          `json:"duration"`
}

// OrchestratorComponent names the orchestrator itself in health records.
const OrchestratorComponent = "orchestrator"

// HealthRecord is the evaluated health of one component for one cycle.
type HealthRecord struct {
	Component string        `json:"component"` // "orchestrator" or an instance id
	Status    HealthStatus  `json:"status"`
	Checks    []CheckResult `json:"checks"`
	Streak    int           `json:"streak"` // consecutive unhealthy cycles
	CheckedAt time.Time     `json:"checked_at"`
}

// Healing actions the orchestrator can take.
type HealingAction string

const (
	HealRestartInstance   HealingAction = "restart_instance"
	HealFreeIdleResources HealingAction = "free_idle_resources"
	HealRebalance         HealingAction = "rebalance"
)

// HealingRequest asks the orchestrator to act on an unhealthy component.
type HealingRequest struct {
	Action    HealingAction `json:"action"`
	Component string        `json:"component"`
	Kind      string        `json:"kind,omitempty"`
	Status    HealthStatus  `json:"status"`
	Reason    string        `json:"reason"`
	Forced    bool          `json:"forced,omitempty"`
	At        time.Time     `json:"at"`
}

// HealingOutcome records what came of a HealingRequest.
type HealingOutcome struct {
	Request   HealingRequest `json:"request"`
	Success   bool           `json:"success"`
	Escalated bool           `json:"escalated"`
	Detail    string         `json:"detail"`
	At        time.Time      `json:"at"`
}

// SystemHealth is the aggregate answer to getSystemHealth.
type SystemHealth struct {
	Orchestrator *HealthRecord            `json:"orchestrator"`
	Agents       map[string]*HealthRecord `json:"agents"`
	Resources    *ResourceSnapshot        `json:"resources,omitempty"`
	Engine       EngineStats              `json:"engine"`
}
