// Package sim provides an in-process agent driver that simulates media agents.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roea-ai/reel/internal/core/agent"
	"github.com/roea-ai/reel/pkg/types"
)

// SimulateParam lets callers steer the default handler: "failed", "error",
// "fault" or "warn".
const SimulateParam = "simulate"

// Handler produces the result of an action.
type Handler func(ctx context.Context, kind *types.AgentKind, action string, params map[string]any) (*types.ActionResult, error)

// Driver starts simulated agent instances.
type Driver struct {
	name    string
	handler Handler
	latency time.Duration

	mu      sync.Mutex
	handles map[string]*Handle
	starts  int
	startFn func(req *agent.StartRequest) error
}

// Option configures a Driver.
type Option func(*Driver)

// WithName overrides the driver name.
func WithName(name string) Option {
	return func(d *Driver) { d.name = name }
}

// WithHandler replaces the default action handler.
func WithHandler(h Handler) Option {
	return func(d *Driver) { d.handler = h }
}

// WithLatency adds a delay to every action.
func WithLatency(latency time.Duration) Option {
	return func(d *Driver) { d.latency = latency }
}

// WithStartHook runs fn before every start; a returned error fails the start.
func WithStartHook(fn func(req *agent.StartRequest) error) Option {
	return func(d *Driver) { d.startFn = fn }
}

// NewDriver creates a simulated Driver.
func NewDriver(opts ...Option) *Driver {
	d := &Driver{
		name:    "sim",
		handler: DefaultHandler,
		handles: make(map[string]*Handle),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name returns the driver name.
func (d *Driver) Name() string {
	return d.name
}

// Start creates a simulated instance.
func (d *Driver) Start(ctx context.Context, req *agent.StartRequest) (agent.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.startFn != nil {
		if err := d.startFn(req); err != nil {
			return nil, err
		}
	}

	h := &Handle{driver: d, id: req.InstanceID, kind: req.Kind}

	d.mu.Lock()
	d.handles[req.InstanceID] = h
	d.starts++
	d.mu.Unlock()

	return h, nil
}

// Handle returns the latest handle started for an instance.
func (d *Driver) Handle(instanceID string) *Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handles[instanceID]
}

// Starts returns how many instances were started.
func (d *Driver) Starts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.starts
}

// Handle is a simulated agent instance.
type Handle struct {
	driver *Driver
	id     string
	kind   *types.AgentKind

	mu      sync.Mutex
	pingErr error
	stopped bool
	calls   int
}

// ErrStopped is returned by a stopped handle.
var ErrStopped = errors.New("agent stopped")

// SetPingError makes Ping fail with err until cleared with nil.
func (h *Handle) SetPingError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pingErr = err
}

// Calls returns the number of actions executed.
func (h *Handle) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

// Stopped reports whether Stop was called.
func (h *Handle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// ExecuteAction runs the driver's handler.
func (h *Handle) ExecuteAction(ctx context.Context, action string, params map[string]any) (*types.ActionResult, error) {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil, ErrStopped
	}
	h.calls++
	h.mu.Unlock()

	if h.driver.latency > 0 {
		select {
		case <-time.After(h.driver.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return h.driver.handler(ctx, h.kind, action, params)
}

// Ping fails when stopped or when a ping error is set.
func (h *Handle) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return ErrStopped
	}
	return h.pingErr
}

// PID returns 0; simulated agents have no process.
func (h *Handle) PID() int {
	return 0
}

// Stop marks the handle stopped.
func (h *Handle) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	return nil
}

// DefaultHandler succeeds for any capability of the kind and fabricates an
// output reference. The SimulateParam parameter forces other outcomes.
func DefaultHandler(ctx context.Context, kind *types.AgentKind, action string, params map[string]any) (*types.ActionResult, error) {
	if !kind.HasCapability(action) {
		return &types.ActionResult{
			Status:  types.ActionFailed,
			Message: fmt.Sprintf("%s does not support action %s", kind.Name, action),
		}, nil
	}

	result := &types.ActionResult{
		Status: types.ActionSuccess,
		Data: map[string]any{
			"kind":   kind.Name,
			"action": action,
			"output": fmt.Sprintf("%s/%s-%d", kind.Name, action, time.Now().UnixNano()),
		},
	}

	mode, _ := params[SimulateParam].(string)
	switch mode {
	case "failed":
		result.Status = types.ActionFailed
		result.Message = "simulated failure"
	case "error":
		result.Status = types.ActionError
		result.Message = "simulated error"
	case "fault":
		return nil, fmt.Errorf("simulated fault in %s", action)
	case "warn":
		result.Warnings = []string{fmt.Sprintf("%s completed with degraded quality", action)}
	}
	return result, nil
}
