package types

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads and writes as "30s" in JSON and YAML.
type Duration time.Duration

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "1m30s" or a number of seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(x * float64(time.Second)))
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// ContinuePolicy decides whether a run proceeds after a non-success step.
type ContinuePolicy string

const (
	ContinueOnSuccess ContinuePolicy = "on-success-only"
	ContinueAlways    ContinuePolicy = "on-any-result"
)

// Step is one agent action inside a workflow definition.
type Step struct {
	Name         string            `json:"name" yaml:"name"`
	Agent        string            `json:"agent" yaml:"agent"` // AgentKind name
	Action       string            `json:"action" yaml:"action"`
	Params       map[string]any    `json:"params,omitempty" yaml:"params,omitempty"`
	Inputs       map[string]string `json:"inputs,omitempty" yaml:"inputs,omitempty"` // param <- "step" or "step.key"
	Continue     ContinuePolicy    `json:"continue,omitempty" yaml:"continue,omitempty"`
	Timeout      Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	FallbackData map[string]any    `json:"fallback_data,omitempty" yaml:"fallback_data,omitempty"`
}

// Policy returns the step's continuation policy, defaulting to on-success-only.
func (s *Step) Policy() ContinuePolicy {
	if s.Continue == "" {
		return ContinueOnSuccess
	}
	return s.Continue
}

// RecoveryMatch selects the failures a recovery strategy applies to.
// Empty fields match anything.
type RecoveryMatch struct {
	ErrorCode       string `json:"error_code,omitempty" yaml:"error_code,omitempty"`
	Step            string `json:"step,omitempty" yaml:"step,omitempty"`
	MessageContains string `json:"message_contains,omitempty" yaml:"message_contains,omitempty"`
}

// Recovery actions available to declarative strategies.
const (
	RecoverRestartAgent  = "restart_agent"
	RecoverFallbackData  = "fallback_data"
	RecoverSkipRemaining = "skip_remaining"
	RecoverNotify        = "notify"
)

// RecoverySpec is a declarative (predicate, action) recovery strategy.
type RecoverySpec struct {
	Name   string        `json:"name" yaml:"name"`
	When   RecoveryMatch `json:"when" yaml:"when"`
	Action string        `json:"action" yaml:"action"`
}

// WorkflowDefinition is a named, ordered list of steps.
type WorkflowDefinition struct {
	Name           string         `json:"name" yaml:"name"`
	Description    string         `json:"description,omitempty" yaml:"description,omitempty"`
	Steps          []Step         `json:"steps" yaml:"steps"`
	RequiredParams []string       `json:"required_params,omitempty" yaml:"required_params,omitempty"`
	Requirement    *Requirement   `json:"requirement,omitempty" yaml:"requirement,omitempty"` // overrides the estimate
	Recovery       []RecoverySpec `json:"recovery,omitempty" yaml:"recovery,omitempty"`
}

// StepIndex returns the position of the named step, or -1.
func (d *WorkflowDefinition) StepIndex(name string) int {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return i
		}
	}
	return -1
}

// RunStatus is the state of a workflow run.
type RunStatus string

const (
	RunQueued            RunStatus = "queued"
	RunStarting          RunStatus = "starting"
	RunRunning           RunStatus = "running"
	RunCompleted         RunStatus = "completed"
	RunPartialCompletion RunStatus = "partial_completion"
	RunStepFailed        RunStatus = "step_failed"
	RunRecovered         RunStatus = "recovered"
	RunFailed            RunStatus = "failed"
	RunCancelled         RunStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunPartialCompletion, RunRecovered, RunFailed, RunCancelled:
		return true
	}
	return false
}

// Transition records one status change of a run.
type Transition struct {
	From   RunStatus `json:"from"`
	To     RunStatus `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Step resolutions recorded when a step result came from a fallback.
const (
	ResolvedRetry      = "retried"
	ResolvedSkip       = "skipped"
	ResolvedSubstitute = "substituted"
	ResolvedStrategy   = "recovered"
)

// StepResult is the log entry of one executed step.
type StepResult struct {
	Step       string        `json:"step"`
	Agent      string        `json:"agent"`
	Action     string        `json:"action"`
	InstanceID string        `json:"instance_id,omitempty"`
	Attempts   int           `json:"attempts"`
	Result     *ActionResult `json:"result,omitempty"`
	Error      string        `json:"error,omitempty"`
	Resolution string        `json:"resolution,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// WorkflowReport summarises a finished run.
type WorkflowReport struct {
	RunID           string    `json:"run_id"`
	Definition      string    `json:"definition"`
	Status          RunStatus `json:"status"`
	TotalSteps      int       `json:"total_steps"`
	Executed        int       `json:"executed"`
	Succeeded       int       `json:"succeeded"`
	Failed          int       `json:"failed"`
	Skipped         int       `json:"skipped"`
	Substituted     int       `json:"substituted"`
	Warnings        []string  `json:"warnings,omitempty"`
	Duration        Duration  `json:"duration"`
	Recommendations []string  `json:"recommendations,omitempty"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// WorkflowRun is one submission of a workflow definition.
type WorkflowRun struct {
	ID          string            `json:"id"`
	Definition  string            `json:"definition"`
	Params      map[string]any    `json:"params,omitempty"`
	Secrets     *EncryptedPayload `json:"secrets,omitempty"` // sealed, never plaintext
	Priority    int               `json:"priority"`          // lower runs first
	Requirement Requirement       `json:"requirement"`
	Status      RunStatus         `json:"status"`
	History     []Transition      `json:"history"`
	Steps       []StepResult      `json:"steps"`
	Report      *WorkflowReport   `json:"report,omitempty"`
	Error       string            `json:"error,omitempty"`
	SubmittedAt time.Time         `json:"submitted_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	FinishedAt  *time.Time        `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of the run.
func (r *WorkflowRun) Clone() *WorkflowRun {
	c := *r
	c.Params = CloneMap(r.Params)
	if r.Secrets != nil {
		s := *r.Secrets
		c.Secrets = &s
	}
	c.History = append([]Transition(nil), r.History...)
	c.Steps = make([]StepResult, len(r.Steps))
	for i, s := range r.Steps {
		if s.Result != nil {
			res := *s.Result
			res.Data = CloneMap(s.Result.Data)
			res.Warnings = append([]string(nil), s.Result.Warnings...)
			s.Result = &res
		}
		c.Steps[i] = s
	}
	if r.Report != nil {
		rep := *r.Report
		rep.Warnings = append([]string(nil), r.Report.Warnings...)
		rep.Recommendations = append([]string(nil), r.Report.Recommendations...)
		c.Report = &rep
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// RunFilter defines criteria for listing runs.
type RunFilter struct {
	Status     []RunStatus `json:"status,omitempty"`
	Definition string      `json:"definition,omitempty"`
	Limit      int         `json:"limit,omitempty"`
}

// Matches reports whether run satisfies the filter.
func (f *RunFilter) Matches(run *WorkflowRun) bool {
	if f == nil {
		return true
	}
	if f.Definition != "" && run.Definition != f.Definition {
		return false
	}
	if len(f.Status) == 0 {
		return true
	}
	for _, s := range f.Status {
		if run.Status == s {
			return true
		}
	}
	return false
}

// EngineStats is a point-in-time view of the workflow engine.
type EngineStats struct {
	Queued        int               `json:"queued"`
	Running       int               `json:"running"`
	MaxConcurrent int               `json:"max_concurrent"`
	ByStatus      map[RunStatus]int `json:"by_status"`
}

// CloneMap deep-copies a JSON-like map.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return CloneMap(x)
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = cloneValue(x[i])
		}
		return out
	case []string:
		return append([]string(nil), x...)
	default:
		return v
	}
}
