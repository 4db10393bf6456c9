package orchestrator

import (
	"errors"

	"github.com/roea-ai/reel/internal/core/workflow"
	"github.com/roea-ai/reel/pkg/types"
)

// RegisterWorkflowDefinition validates, registers and persists a workflow
// definition. An empty definition name takes name.
func (o *Orchestrator) RegisterWorkflowDefinition(name string, def *types.WorkflowDefinition) error {
	if def == nil {
		return types.ValidationError("workflow definition is required")
	}
	d := *def
	if d.Name == "" {
		d.Name = name
	}
	if name != "" && d.Name != name {
		return types.ValidationError("definition name %q does not match %q", d.Name, name)
	}

	if err := o.engine.RegisterDefinition(&d); err != nil {
		return err
	}
	if o.catalog != nil {
		if err := o.catalog.SaveDefinition(&d); err != nil {
			o.log.Error().Err(err).Str("definition", d.Name).Msg("Failed to persist workflow definition")
		}
	}
	return nil
}

// SubmitWorkflow queues a run and returns its id.
func (o *Orchestrator) SubmitWorkflow(req *workflow.SubmitRequest) (string, error) {
	if req == nil {
		return "", types.ValidationError("submission is required")
	}
	return o.engine.Submit(req)
}

// GetWorkflowStatus returns a run snapshot. Runs finished by an earlier
// process are read from the store.
func (o *Orchestrator) GetWorkflowStatus(id string) (*types.WorkflowRun, error) {
	run, err := o.engine.Get(id)
	if err == nil || o.runs == nil || !errors.Is(err, types.ErrNotFound) {
		return run, err
	}
	return o.runs.GetRun(id)
}

// ListWorkflows returns runs known to this process matching filter.
func (o *Orchestrator) ListWorkflows(filter *types.RunFilter) []*types.WorkflowRun {
	return o.engine.List(filter)
}

// CancelWorkflow cancels a queued, starting or running run.
func (o *Orchestrator) CancelWorkflow(id string) error {
	return o.engine.Cancel(id)
}

// GetSystemHealth returns the latest evaluated health of the orchestrator
// and every instance, with the latest resource snapshot.
func (o *Orchestrator) GetSystemHealth() *types.SystemHealth {
	sh := &types.SystemHealth{
		Agents:    make(map[string]*types.HealthRecord),
		Resources: o.resources.Latest(),
		Engine:    o.engine.Stats(),
	}
	for component, rec := range o.health.Records() {
		if component == types.OrchestratorComponent {
			sh.Orchestrator = rec
			continue
		}
		sh.Agents[component] = rec
	}
	return sh
}
