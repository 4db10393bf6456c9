package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roea-ai/reel/pkg/types"
)

// CodeTimeout is the error code given to steps that exceeded their timeout.
const CodeTimeout = "TIMEOUT"

// Failure describes an execution-level error of one step.
type Failure struct {
	RunID      string
	Definition string
	Step       *types.Step
	StepIndex  int
	InstanceID string // instance that served the step, if one was reached
	Code       string
	Err        error
}

// Message returns the error text.
func (f *Failure) Message() string {
	if f.Err == nil {
		return ""
	}
	return f.Err.Error()
}

func newFailure(run *types.WorkflowRun, step *types.Step, index int, instanceID string, err error) *Failure {
	code := string(types.CodeOf(err))
	if errors.Is(err, context.DeadlineExceeded) {
		code = CodeTimeout
	}
	return &Failure{
		RunID:      run.ID,
		Definition: run.Definition,
		Step:       step,
		StepIndex:  index,
		InstanceID: instanceID,
		Code:       code,
		Err:        err,
	}
}

// Predicate decides whether a strategy applies. It must not have side effects.
type Predicate func(f *Failure) bool

// RecoveryHooks are the side effects recovery actions may use.
type RecoveryHooks interface {
	RestartInstance(ctx context.Context, id string) error
	RestartKind(ctx context.Context, kind string) error
	Notify(f *Failure)
}

// Action attempts recovery. A nil error means the run is recovered; the
// returned result, if any, is recorded for the failed step.
type Action func(ctx context.Context, f *Failure, hooks RecoveryHooks) (*types.ActionResult, error)

// Strategy is one (predicate, action) recovery pair.
type Strategy struct {
	Name    string
	Match   Predicate
	Recover Action
}

// errNotRecovered marks an action that ran but did not recover the run.
var errNotRecovered = errors.New("not recovered")

// CompileStrategies turns declarative recovery specs into strategies, in
// declared order.
func CompileStrategies(specs []types.RecoverySpec) ([]Strategy, error) {
	out := make([]Strategy, 0, len(specs))
	for i, spec := range specs {
		action, err := compileAction(spec.Action)
		if err != nil {
			return nil, err
		}
		name := spec.Name
		if name == "" {
			name = fmt.Sprintf("%s#%d", spec.Action, i+1)
		}
		out = append(out, Strategy{Name: name, Match: compileMatch(spec.When), Recover: action})
	}
	return out, nil
}

func compileMatch(m types.RecoveryMatch) Predicate {
	return func(f *Failure) bool {
		if m.ErrorCode != "" && !strings.EqualFold(m.ErrorCode, f.Code) {
			return false
		}
		if m.Step != "" && m.Step != f.Step.Name {
			return false
		}
		if m.MessageContains != "" && !strings.Contains(strings.ToLower(f.Message()), strings.ToLower(m.MessageContains)) {
			return false
		}
		return true
	}
}

func compileAction(name string) (Action, error) {
	switch name {
	case types.RecoverRestartAgent:
		return restartAgent, nil
	case types.RecoverFallbackData:
		return fallbackData, nil
	case types.RecoverSkipRemaining:
		return skipRemaining, nil
	case types.RecoverNotify:
		return notify, nil
	default:
		return nil, types.ValidationError("unknown recovery action %q", name)
	}
}

// restartAgent restarts the instance that faulted. When no instance could
// be reached it restarts the step's kind instead.
func restartAgent(ctx context.Context, f *Failure, hooks RecoveryHooks) (*types.ActionResult, error) {
	if f.InstanceID != "" && !errors.Is(f.Err, types.ErrAgentUnavailable) {
		if err := hooks.RestartInstance(ctx, f.InstanceID); err != nil {
			return nil, fmt.Errorf("failed to restart %s: %w", f.InstanceID, err)
		}
		return nil, nil
	}
	if err := hooks.RestartKind(ctx, f.Step.Agent); err != nil {
		return nil, fmt.Errorf("failed to restart %s: %w", f.Step.Agent, err)
	}
	return nil, nil
}

// fallbackData records the step's fallback data as its result.
func fallbackData(ctx context.Context, f *Failure, hooks RecoveryHooks) (*types.ActionResult, error) {
	if f.Step.FallbackData == nil {
		return nil, fmt.Errorf("step %s has no fallback data", f.Step.Name)
	}
	return &types.ActionResult{
		Status:   types.ActionSuccess,
		Data:     types.CloneMap(f.Step.FallbackData),
		Warnings: []string{fmt.Sprintf("step %s used fallback data", f.Step.Name)},
	}, nil
}

// skipRemaining ends the run without executing further steps.
func skipRemaining(ctx context.Context, f *Failure, hooks RecoveryHooks) (*types.ActionResult, error) {
	return nil, nil
}

// notify raises an alert and leaves the failure to the fallbacks.
func notify(ctx context.Context, f *Failure, hooks RecoveryHooks) (*types.ActionResult, error) {
	hooks.Notify(f)
	return nil, errNotRecovered
}
