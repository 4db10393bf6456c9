package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roea-ai/reel/pkg/types"
)

func TestQueueOrdersByPriorityThenSubmission(t *testing.T) {
	q := newRunQueue()
	q.add("c", 5, 1)
	q.add("a", 1, 2)
	q.add("b", 1, 3)
	q.add("d", 9, 4)

	assert.True(t, q.remove("d"))
	assert.False(t, q.remove("d"))

	head, ok := q.peek()
	require.True(t, ok)
	assert.Equal(t, "a", head)

	var order []string
	for {
		id, ok := q.next()
		if !ok {
			break
		}
		order = append(order, id)
	}
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Empty(t, q.byID)
}

func TestTransitions(t *testing.T) {
	assert.True(t, CanTransition(types.RunQueued, types.RunStarting))
	assert.True(t, CanTransition(types.RunRunning, types.RunStepFailed))
	assert.True(t, CanTransition(types.RunStepFailed, types.RunRecovered))

	assert.False(t, CanTransition(types.RunRunning, types.RunQueued))
	assert.False(t, CanTransition(types.RunStepFailed, types.RunCompleted))
	for _, terminal := range []types.RunStatus{types.RunCompleted, types.RunPartialCompletion, types.RunRecovered, types.RunFailed, types.RunCancelled} {
		assert.True(t, terminal.Terminal())
		assert.False(t, CanTransition(terminal, types.RunCompleted))
		assert.False(t, CanTransition(terminal, types.RunCancelled))
	}
	assert.False(t, cancellable(types.RunStepFailed))
}

func TestValidateDefinition(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *types.WorkflowDefinition)
		errMsg string
	}{
		{"valid", func(d *types.WorkflowDefinition) {}, ""},
		{"no name", func(d *types.WorkflowDefinition) { d.Name = "" }, "name is required"},
		{"no steps", func(d *types.WorkflowDefinition) { d.Steps = nil }, "has no steps"},
		{"duplicate step", func(d *types.WorkflowDefinition) { d.Steps[1].Name = "cut" }, "duplicate step"},
		{"missing action", func(d *types.WorkflowDefinition) { d.Steps[0].Action = "" }, "needs an agent and an action"},
		{"bad policy", func(d *types.WorkflowDefinition) { d.Steps[0].Continue = "sometimes" }, "unknown continue policy"},
		{"forward input", func(d *types.WorkflowDefinition) { d.Steps[0].Inputs = map[string]string{"x": "publish.url"} }, "not an earlier step"},
		{"bad recovery", func(d *types.WorkflowDefinition) {
			d.Recovery = []types.RecoverySpec{{Action: "pray"}}
		}, "unknown action"},
		{"recovery step", func(d *types.WorkflowDefinition) {
			d.Recovery = []types.RecoverySpec{{When: types.RecoveryMatch{Step: "nope"}, Action: types.RecoverNotify}}
		}, "unknown step"},
		{"negative requirement", func(d *types.WorkflowDefinition) { d.Requirement = &types.Requirement{CPU: -1} }, "negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := twoSteps("promo")
			tt.mutate(def)
			err := ValidateDefinition(def)
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, types.ErrValidation)
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestEstimateRequirementOverride(t *testing.T) {
	agents := newFakeAgents()
	def := twoSteps("promo")

	req, err := EstimateRequirement(def, agents)
	require.NoError(t, err)
	assert.Equal(t, types.Requirement{CPU: 2, MemoryMB: 2048, DiskMB: 10}, req)

	def.Requirement = &types.Requirement{CPU: 0.5}
	req, err = EstimateRequirement(def, agents)
	require.NoError(t, err)
	assert.Equal(t, types.Requirement{CPU: 0.5}, req)
}

func TestCompiledPredicatesArePure(t *testing.T) {
	strategies, err := CompileStrategies([]types.RecoverySpec{
		{Name: "timeouts", When: types.RecoveryMatch{ErrorCode: "timeout", Step: "cut"}, Action: types.RecoverSkipRemaining},
	})
	require.NoError(t, err)
	require.Len(t, strategies, 1)

	step := &types.Step{Name: "cut", Agent: "video-editor", Action: "cut"}
	run := &types.WorkflowRun{ID: "r1", Definition: "promo"}
	f := newFailure(run, step, 0, "", context.DeadlineExceeded)
	assert.Equal(t, CodeTimeout, f.Code)

	for i := 0; i < 3; i++ {
		assert.True(t, strategies[0].Match(f))
	}
	other := newFailure(run, &types.Step{Name: "publish"}, 1, "", context.DeadlineExceeded)
	assert.False(t, strategies[0].Match(other))
	assert.False(t, strategies[0].Match(newFailure(run, step, 0, "", errors.New("boom"))))

	_, err = CompileStrategies([]types.RecoverySpec{{Action: "pray"}})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestFallbackDataAction(t *testing.T) {
	f := &Failure{Step: &types.Step{Name: "cut"}}
	_, err := fallbackData(context.Background(), f, newFakeAgents())
	assert.Error(t, err)

	f.Step.FallbackData = map[string]any{"clip": "placeholder.mp4"}
	res, err := fallbackData(context.Background(), f, newFakeAgents())
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, "placeholder.mp4", res.Data["clip"])
}

func TestBuildReport(t *testing.T) {
	start := time.Now().Add(-time.Hour)
	end := time.Now()
	run := &types.WorkflowRun{
		ID:         "r1",
		Definition: "promo",
		Status:     types.RunRecovered,
		StartedAt:  &start,
		FinishedAt: &end,
		Steps: []types.StepResult{
			{Step: "a", Result: &types.ActionResult{Status: types.ActionSuccess, Warnings: []string{"w1", "w2"}}},
			{Step: "b", Error: "crashed", Resolution: types.ResolvedSkip},
			{Step: "c", Error: "crashed", Resolution: types.ResolvedSubstitute, Result: &types.ActionResult{Status: types.ActionSuccess}},
			{Step: "d", Error: "crashed"},
		},
	}
	cfg := types.DefaultConfig().Workflow
	cfg.WarningCeiling = 1

	report := BuildReport(run, 5, cfg)
	assert.Equal(t, 5, report.TotalSteps)
	assert.Equal(t, 4, report.Executed)
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Substituted)
	assert.Equal(t, []string{"w1", "w2"}, report.Warnings)
	assert.Len(t, report.Recommendations, 4)
	assert.InDelta(t, time.Hour.Seconds(), report.Duration.Std().Seconds(), 1)
}
