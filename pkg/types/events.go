package types

import "time"

// Event types broadcast to subscribers.
const (
	EventRunUpdate = "run_update"
	EventThreshold = "threshold"
	EventHealing   = "healing"
	EventInstance  = "instance"
	EventAlert     = "alert"
)

// RunEvent is published whenever a run changes status or records a step.
type RunEvent struct {
	Type string       `json:"type"`
	Run  *WorkflowRun `json:"run"`
	Time time.Time    `json:"time"`
}

// Alert is raised for failures an operator should look at.
type Alert struct {
	Source  string    `json:"source"` // "workflow" or "healing"
	Message string    `json:"message"`
	RunID   string    `json:"run_id,omitempty"`
	Step    string    `json:"step,omitempty"`
	Code    string    `json:"code,omitempty"`
	Time    time.Time `json:"time"`
}

// InstanceEvent reports an instance lifecycle change.
type InstanceEvent struct {
	Instance *AgentInstance `json:"instance"`
	Reason   string         `json:"reason,omitempty"`
	Time     time.Time      `json:"time"`
}

// WebSocketMessage represents a message sent over WebSocket for real-time updates.
type WebSocketMessage struct {
	Type    string `json:"type"`    // "run_update", "threshold", "healing", "instance", "alert"
	Payload any    `json:"payload"` // The actual data
}
