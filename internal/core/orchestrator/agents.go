package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roea-ai/reel/internal/core/agent"
	"github.com/roea-ai/reel/internal/core/resource"
	"github.com/roea-ai/reel/internal/core/workflow"
	"github.com/roea-ai/reel/pkg/types"
)

// Lookup resolves an agent kind.
func (o *Orchestrator) Lookup(name string) (*types.AgentKind, error) {
	return o.registry.Lookup(name)
}

// RegisterKind adds an agent kind to the catalog and persists it.
func (o *Orchestrator) RegisterKind(kind *types.AgentKind) error {
	if err := o.registry.Register(kind); err != nil {
		return err
	}
	if o.catalog != nil {
		if err := o.catalog.SaveKind(kind); err != nil {
			o.log.Error().Err(err).Str("kind", kind.Name).Msg("Failed to persist agent kind")
		}
	}
	o.log.Info().Str("kind", kind.Name).Strs("capabilities", kind.Capabilities).Msg("Registered agent kind")
	return nil
}

// DeployAgent starts a new instance of a kind. Every dependency must have a
// running instance first; otherwise nothing is started.
func (o *Orchestrator) DeployAgent(ctx context.Context, kindName string, config map[string]string) (*types.AgentInstance, error) {
	kind, err := o.registry.Lookup(kindName)
	if err != nil {
		return nil, err
	}

	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()
	return o.deployLocked(ctx, kind, config)
}

func (o *Orchestrator) deployLocked(ctx context.Context, kind *types.AgentKind, config map[string]string) (*types.AgentInstance, error) {
	unmet, err := o.registry.CheckDependencies(kind.Name)
	if err != nil {
		return nil, err
	}
	if len(unmet) > 0 {
		return nil, types.NewError(types.CodeDependency, "agent kind %s has unmet dependencies: %s",
			kind.Name, strings.Join(unmet, ", ")).
			With("kind", kind.Name).
			With("unmet", unmet)
	}

	driver, err := o.driverFor(kind)
	if err != nil {
		return nil, err
	}
	if o.resources.Latest() != nil && !o.resources.CanAdmit(kind.Requirement) {
		return nil, types.NewError(types.CodeResourceUnavail, "not enough free resources to deploy %s", kind.Name).
			With("kind", kind.Name)
	}

	id := fmt.Sprintf("%s-%s", kind.Name, uuid.NewString()[:8])
	handle, err := driver.Start(ctx, &agent.StartRequest{InstanceID: id, Kind: kind, Config: config})
	if err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", kind.Name, err)
	}

	inst := &types.AgentInstance{
		ID:        id,
		Kind:      kind.Name,
		Driver:    driver.Name(),
		PID:       handle.PID(),
		State:     types.InstanceRunning,
		Config:    config,
		StartedAt: time.Now(),
	}
	if err := o.registry.AddInstance(inst, handle); err != nil {
		handle.Stop(ctx)
		return nil, err
	}

	o.persistInstance(inst)
	o.instanceEvent(inst, "deployed")
	o.log.Info().
		Str("instance", id).
		Str("kind", kind.Name).
		Str("driver", driver.Name()).
		Int("pid", inst.PID).
		Msg("Agent deployed")
	return inst.Clone(), nil
}

// TerminateAgent stops an instance and removes it from the registry.
func (o *Orchestrator) TerminateAgent(ctx context.Context, id string) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()
	return o.terminateLocked(ctx, id, "terminated")
}

func (o *Orchestrator) terminateLocked(ctx context.Context, id, reason string) error {
	inst, handle, err := o.registry.RemoveInstance(id)
	if err != nil {
		return err
	}
	if handle != nil {
		if err := handle.Stop(ctx); err != nil {
			o.log.Warn().Err(err).Str("instance", id).Msg("Agent did not stop cleanly")
		}
	}

	o.persistInstance(inst)
	o.instanceEvent(inst, reason)
	o.log.Info().Str("instance", id).Str("kind", inst.Kind).Str("reason", reason).Msg("Agent terminated")
	return nil
}

// DeployAll deploys one instance of every kind that has none, in
// dependency order.
func (o *Orchestrator) DeployAll(ctx context.Context) error {
	var pending []*types.AgentKind
	for _, k := range o.registry.Kinds() {
		if o.registry.Count(k.Name) == 0 {
			pending = append(pending, k)
		}
	}

	var errs []error
	for len(pending) > 0 {
		var blocked []*types.AgentKind
		blockedErr := make(map[string]error)
		for _, k := range pending {
			_, err := o.DeployAgent(ctx, k.Name, nil)
			switch {
			case err == nil:
			case errors.Is(err, types.ErrDependency):
				blocked = append(blocked, k)
				blockedErr[k.Name] = err
			default:
				errs = append(errs, err)
			}
		}
		if len(blocked) == len(pending) {
			for _, k := range blocked {
				errs = append(errs, blockedErr[k.Name])
			}
			break
		}
		pending = blocked
	}
	return errors.Join(errs...)
}

// Instances returns all deployed instances.
func (o *Orchestrator) Instances() []*types.AgentInstance {
	return o.registry.Instances()
}

// InstanceCounts returns the number of instances per state.
func (o *Orchestrator) InstanceCounts() map[types.InstanceState]int {
	counts := make(map[types.InstanceState]int)
	for _, inst := range o.registry.Instances() {
		counts[inst.State]++
	}
	return counts
}

// Invoke runs action on the least busy usable instance of kind.
func (o *Orchestrator) Invoke(ctx context.Context, kind, action string, params map[string]any) (string, *types.ActionResult, error) {
	id, handle, err := o.registry.Pick(kind)
	if err != nil {
		return "", nil, err
	}

	o.registry.BeginCall(id)
	res, err := handle.ExecuteAction(ctx, action, params)

	// Error statuses count against the instance's error rate
	fault := err
	if fault == nil && res != nil && res.Status == types.ActionError {
		fault = fmt.Errorf("%s: %s", action, res.Message)
	}
	o.registry.EndCall(id, fault)

	return id, res, err
}

// RestartKind restarts every instance of kind, or deploys one when the kind
// has none. It fails only if no instance could be brought back.
func (o *Orchestrator) RestartKind(ctx context.Context, kind string) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	insts := o.registry.InstancesOf(kind)
	if len(insts) == 0 {
		k, err := o.registry.Lookup(kind)
		if err != nil {
			return err
		}
		_, err = o.deployLocked(ctx, k, nil)
		return err
	}

	var errs []error
	for _, inst := range insts {
		if err := o.restartLocked(ctx, inst.ID); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(insts) {
		return errors.Join(errs...)
	}
	return nil
}

// RestartInstance restarts one instance, leaving its siblings alone.
func (o *Orchestrator) RestartInstance(ctx context.Context, id string) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()
	return o.restartLocked(ctx, id)
}

// restartLocked replaces the handle of an instance, keeping its id.
func (o *Orchestrator) restartLocked(ctx context.Context, id string) error {
	inst, err := o.registry.Instance(id)
	if err != nil {
		return err
	}
	kind, err := o.registry.Lookup(inst.Kind)
	if err != nil {
		return err
	}
	driver, err := o.driverFor(kind)
	if err != nil {
		return err
	}

	if old, err := o.registry.Handle(id); err == nil && old != nil {
		if err := old.Stop(ctx); err != nil {
			o.log.Debug().Err(err).Str("instance", id).Msg("Stopping old agent handle failed")
		}
	}

	handle, err := driver.Start(ctx, &agent.StartRequest{InstanceID: id, Kind: kind, Config: inst.Config})
	if err != nil {
		o.registry.SetState(id, types.InstanceUnresponsive, err.Error())
		o.persistCurrent(id, "restart failed")
		return fmt.Errorf("failed to restart %s: %w", id, err)
	}
	if err := o.registry.ReplaceHandle(id, handle); err != nil {
		handle.Stop(ctx)
		return err
	}

	o.persistCurrent(id, "restarted")
	o.log.Info().Str("instance", id).Str("kind", kind.Name).Msg("Agent restarted")
	return nil
}

// Notify raises an operator alert for a failed workflow step.
func (o *Orchestrator) Notify(f *workflow.Failure) {
	o.log.Error().
		Str("run", f.RunID).
		Str("definition", f.Definition).
		Str("step", f.Step.Name).
		Str("code", f.Code).
		Msg(f.Message())

	o.broadcast(types.EventAlert, &types.Alert{
		Source:  "workflow",
		Message: fmt.Sprintf("step %s of %s failed: %s", f.Step.Name, f.Definition, f.Message()),
		RunID:   f.RunID,
		Step:    f.Step.Name,
		Code:    f.Code,
		Time:    time.Now(),
	})
}

// syncState applies an instance's evaluated health to its lifecycle state.
func (o *Orchestrator) syncState(rec *types.HealthRecord) {
	inst, err := o.registry.Instance(rec.Component)
	if err != nil {
		return
	}
	if inst.State == types.InstanceStarting || inst.State == types.InstanceTerminated {
		return
	}

	var state types.InstanceState
	switch rec.Status {
	case types.HealthHealthy:
		state = types.InstanceRunning
	case types.HealthUnresponsive:
		state = types.InstanceUnresponsive
	default:
		state = types.InstanceDegraded
	}
	if inst.State == state {
		return
	}

	var reasons []string
	for _, c := range rec.Checks {
		if c.Status != types.CheckOK {
			reasons = append(reasons, c.Message)
		}
	}
	reason := strings.Join(reasons, "; ")

	if err := o.registry.SetState(inst.ID, state, reason); err != nil {
		return
	}
	if reason == "" {
		reason = "healthy"
	}
	o.persistCurrent(inst.ID, reason)
	o.log.Info().
		Str("instance", inst.ID).
		Str("from", string(inst.State)).
		Str("to", string(state)).
		Msg("Agent state changed")
}

func (o *Orchestrator) driverFor(kind *types.AgentKind) (agent.Driver, error) {
	name := kind.Driver
	if name == "" {
		name = DefaultDriver
	}
	d, ok := o.drivers[name]
	if !ok {
		return nil, types.ValidationError("agent kind %s uses unknown driver %q", kind.Name, name)
	}
	return d, nil
}

func (o *Orchestrator) processTargets() []resource.Target {
	var targets []resource.Target
	for _, inst := range o.registry.Instances() {
		if inst.PID > 0 && inst.State != types.InstanceTerminated {
			targets = append(targets, resource.Target{InstanceID: inst.ID, PID: inst.PID})
		}
	}
	return targets
}

func (o *Orchestrator) persistInstance(inst *types.AgentInstance) {
	if o.instances == nil {
		return
	}
	if err := o.instances.SaveInstance(inst); err != nil {
		o.log.Error().Err(err).Str("instance", inst.ID).Msg("Failed to persist instance")
	}
}

// persistCurrent saves and announces the registry's current view of id.
func (o *Orchestrator) persistCurrent(id, reason string) {
	inst, err := o.registry.Instance(id)
	if err != nil {
		return
	}
	o.persistInstance(inst)
	o.instanceEvent(inst, reason)
}

func (o *Orchestrator) instanceEvent(inst *types.AgentInstance, reason string) {
	o.broadcast(types.EventInstance, &types.InstanceEvent{
		Instance: inst.Clone(),
		Reason:   reason,
		Time:     time.Now(),
	})
}
