package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/roea-ai/reel/pkg/types"
)

// TriggerSelfHealing runs a forced health cycle and executes every healing
// request it raises. It returns the outcomes in request order.
func (o *Orchestrator) TriggerSelfHealing(ctx context.Context) []*types.HealingOutcome {
	requests := o.health.Check(ctx, true)
	outcomes := make([]*types.HealingOutcome, 0, len(requests))
	for _, req := range requests {
		outcomes = append(outcomes, o.Heal(ctx, req))
	}
	return outcomes
}

func (o *Orchestrator) consumeHealing(ctx context.Context) error {
	for {
		select {
		case req := <-o.health.Requests():
			o.Heal(ctx, req)
		case <-ctx.Done():
			return nil
		}
	}
}

// Heal executes one healing request. A failed action is escalated: logged
// at error level, persisted and broadcast as an alert.
func (o *Orchestrator) Heal(ctx context.Context, req types.HealingRequest) *types.HealingOutcome {
	var detail string
	var err error
	switch req.Action {
	case types.HealRestartInstance:
		detail, err = o.healRestart(ctx, req)
	case types.HealRebalance:
		detail, err = o.healRebalance(ctx, req)
	case types.HealFreeIdleResources:
		detail, err = o.healFreeIdle(ctx)
	default:
		err = fmt.Errorf("unknown healing action %q", req.Action)
	}

	outcome := &types.HealingOutcome{
		Request: req,
		Success: err == nil,
		Detail:  detail,
		At:      time.Now(),
	}
	if err != nil {
		outcome.Escalated = true
		outcome.Detail = err.Error()
		o.log.Error().
			Err(err).
			Str("component", req.Component).
			Str("action", string(req.Action)).
			Str("reason", req.Reason).
			Msg("Healing failed, escalating")
		o.broadcast(types.EventAlert, &types.Alert{
			Source:  "healing",
			Message: fmt.Sprintf("%s on %s failed: %v", req.Action, req.Component, err),
			Time:    outcome.At,
		})
	} else {
		o.log.Info().
			Str("component", req.Component).
			Str("action", string(req.Action)).
			Msg(detail)
	}

	o.recordOutcome(outcome)
	return outcome
}

func (o *Orchestrator) healRestart(ctx context.Context, req types.HealingRequest) (string, error) {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	if _, err := o.registry.Instance(req.Component); err != nil {
		return fmt.Sprintf("instance %s already terminated", req.Component), nil
	}
	if err := o.restartLocked(ctx, req.Component); err != nil {
		return "", err
	}
	return fmt.Sprintf("restarted instance %s", req.Component), nil
}

// healRebalance shifts load away from a degraded instance. Picking prefers
// running instances, so a running sibling is enough; otherwise one is
// deployed.
func (o *Orchestrator) healRebalance(ctx context.Context, req types.HealingRequest) (string, error) {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	inst, err := o.registry.Instance(req.Component)
	if err != nil {
		return fmt.Sprintf("instance %s already terminated", req.Component), nil
	}

	running := 0
	for _, other := range o.registry.InstancesOf(inst.Kind) {
		if other.ID != inst.ID && other.State == types.InstanceRunning {
			running++
		}
	}
	if running > 0 {
		return fmt.Sprintf("%d running %s instance(s) preferred over %s", running, inst.Kind, inst.ID), nil
	}

	kind, err := o.registry.Lookup(inst.Kind)
	if err != nil {
		return "", err
	}
	replacement, err := o.deployLocked(ctx, kind, inst.Config)
	if err != nil {
		return "", fmt.Errorf("failed to deploy a replacement for %s: %w", inst.ID, err)
	}
	return fmt.Sprintf("deployed %s to take load from %s", replacement.ID, inst.ID), nil
}

// healFreeIdle terminates instances that hold resources without doing
// work. One usable instance of each kind is always kept, as are instances
// with calls in flight.
func (o *Orchestrator) healFreeIdle(ctx context.Context) (string, error) {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	byKind := make(map[string][]*types.AgentInstance)
	for _, inst := range o.registry.Instances() {
		byKind[inst.Kind] = append(byKind[inst.Kind], inst)
	}

	var freed []string
	for _, insts := range byKind {
		sort.Slice(insts, func(i, j int) bool {
			if rank(insts[i]) != rank(insts[j]) {
				return rank(insts[i]) < rank(insts[j])
			}
			return insts[i].ID < insts[j].ID
		})

		kept := 0
		for _, inst := range insts {
			usable := rank(inst) < 2
			if inst.Stats.InFlight > 0 || inst.State == types.InstanceStarting {
				if usable {
					kept++
				}
				continue
			}
			if usable && kept == 0 {
				kept++
				continue
			}
			if err := o.terminateLocked(ctx, inst.ID, "freed idle resources"); err != nil {
				continue
			}
			freed = append(freed, inst.ID)
		}
	}

	if len(freed) == 0 {
		return "", errors.New("no idle instances to free")
	}
	sort.Strings(freed)
	return fmt.Sprintf("terminated %d idle instance(s): %s", len(freed), strings.Join(freed, ", ")), nil
}

// rank orders instances by how useful they are to keep.
func rank(inst *types.AgentInstance) int {
	switch inst.State {
	case types.InstanceRunning:
		return 0
	case types.InstanceDegraded:
		return 1
	default:
		return 2
	}
}

func (o *Orchestrator) recordOutcome(outcome *types.HealingOutcome) {
	o.outcomesMu.Lock()
	o.outcomes = append(o.outcomes, outcome)
	if len(o.outcomes) > maxOutcomes {
		o.outcomes = append([]*types.HealingOutcome(nil), o.outcomes[len(o.outcomes)-maxOutcomes:]...)
	}
	o.outcomesMu.Unlock()

	if o.healing != nil {
		if err := o.healing.RecordOutcome(outcome); err != nil {
			o.log.Error().Err(err).Msg("Failed to persist healing outcome")
		}
	}
	if o.metrics != nil {
		o.metrics.HealingFinished(outcome)
	}
	o.broadcast(types.EventHealing, outcome)
}

// HealingHistory returns recent healing outcomes, newest first.
func (o *Orchestrator) HealingHistory(limit int) ([]*types.HealingOutcome, error) {
	if o.healing != nil {
		return o.healing.ListOutcomes(limit)
	}

	o.outcomesMu.RLock()
	defer o.outcomesMu.RUnlock()

	out := make([]*types.HealingOutcome, 0, len(o.outcomes))
	for i := len(o.outcomes) - 1; i >= 0; i-- {
		out = append(out, o.outcomes[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
