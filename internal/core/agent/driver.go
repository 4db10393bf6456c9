package agent

import (
	"context"

	"github.com/roea-ai/reel/pkg/types"
)

// PingAction is the action name drivers treat as a liveness probe.
const PingAction = "__ping"

// Handle is a live connection to one deployed agent instance.
type Handle interface {
	// ExecuteAction invokes an action. A returned error is an invocation
	// fault; a non-success status is an ordinary result.
	ExecuteAction(ctx context.Context, action string, params map[string]any) (*types.ActionResult, error)

	// Ping checks that the agent still answers.
	Ping(ctx context.Context) error

	// PID returns the OS process id, or 0 if the agent has none.
	PID() int

	// Stop shuts the agent down.
	Stop(ctx context.Context) error
}

// StartRequest contains everything a driver needs to start an instance.
type StartRequest struct {
	InstanceID string
	Kind       *types.AgentKind
	Config     map[string]string
}

// Driver starts agent instances.
type Driver interface {
	// Name returns the driver name referenced by AgentKind.Driver.
	Name() string

	// Start launches an instance and returns once it can accept actions.
	Start(ctx context.Context, req *StartRequest) (Handle, error)
}
