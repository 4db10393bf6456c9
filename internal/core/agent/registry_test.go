package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roea-ai/reel/pkg/types"
)

type nopHandle struct{ pid int }

func (h *nopHandle) ExecuteAction(context.Context, string, map[string]any) (*types.ActionResult, error) {
	return &types.ActionResult{Status: types.ActionSuccess}, nil
}
func (h *nopHandle) Ping(context.Context) error { return nil }
func (h *nopHandle) PID() int                   { return h.pid }
func (h *nopHandle) Stop(context.Context) error { return nil }

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, k := range BuiltinKinds() {
		require.NoError(t, r.Register(k))
	}
	return r
}

func addRunning(t *testing.T, r *Registry, id, kind string) {
	t.Helper()
	require.NoError(t, r.AddInstance(&types.AgentInstance{ID: id, Kind: kind, State: types.InstanceRunning}, &nopHandle{}))
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := newTestRegistry(t)

	err := r.Register(&types.AgentKind{Name: "asset-store"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrAlreadyRegistered))
}

func TestRegisterValidates(t *testing.T) {
	r := NewRegistry()

	assert.ErrorIs(t, r.Register(&types.AgentKind{}), types.ErrValidation)
	assert.ErrorIs(t, r.Register(&types.AgentKind{Name: "x", Requirement: types.Requirement{CPU: -1}}), types.ErrValidation)
	assert.ErrorIs(t, r.Register(&types.AgentKind{Name: "x", Dependencies: []string{"x"}}), types.ErrValidation)
}

func TestLookupFailsClosed(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Lookup("nope")
	assert.ErrorIs(t, err, types.ErrNotFound)

	kind, err := r.Lookup("video-editor")
	require.NoError(t, err)
	kind.Capabilities[0] = "mutated"

	again, err := r.Lookup("video-editor")
	require.NoError(t, err)
	assert.Equal(t, "cut", again.Capabilities[0])
}

func TestCheckDependencies(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(&types.AgentKind{Name: "orphan", Dependencies: []string{"ghost", "asset-store"}}))

	unmet, err := r.CheckDependencies("video-editor")
	require.NoError(t, err)
	assert.Equal(t, []string{"asset-store"}, unmet)

	addRunning(t, r, "asset-1", "asset-store")
	unmet, err = r.CheckDependencies("video-editor")
	require.NoError(t, err)
	assert.Empty(t, unmet)

	unmet, err = r.CheckDependencies("orphan")
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost"}, unmet)

	_, err = r.CheckDependencies("nope")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestCheckDependenciesIgnoresNonRunning(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.AddInstance(&types.AgentInstance{ID: "asset-1", Kind: "asset-store"}, &nopHandle{}))

	unmet, err := r.CheckDependencies("video-editor")
	require.NoError(t, err)
	assert.Equal(t, []string{"asset-store"}, unmet)
}

func TestInstanceCountTracksRemoval(t *testing.T) {
	r := newTestRegistry(t)
	addRunning(t, r, "a", "asset-store")
	addRunning(t, r, "b", "asset-store")
	assert.Equal(t, 2, r.Count("asset-store"))

	inst, _, err := r.RemoveInstance("a")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceTerminated, inst.State)
	assert.NotNil(t, inst.StoppedAt)
	assert.Equal(t, 1, r.Count("asset-store"))

	_, _, err = r.RemoveInstance("a")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestAddInstanceRequiresKnownKind(t *testing.T) {
	r := NewRegistry()
	err := r.AddInstance(&types.AgentInstance{ID: "x", Kind: "nope"}, &nopHandle{})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestPickPrefersRunningAndIdle(t *testing.T) {
	r := newTestRegistry(t)

	_, _, err := r.Pick("asset-store")
	assert.ErrorIs(t, err, types.ErrAgentUnavailable)

	addRunning(t, r, "a", "asset-store")
	addRunning(t, r, "b", "asset-store")
	r.BeginCall("a")

	id, _, err := r.Pick("asset-store")
	require.NoError(t, err)
	assert.Equal(t, "b", id)

	require.NoError(t, r.SetState("b", types.InstanceDegraded, "slow"))
	id, _, err = r.Pick("asset-store")
	require.NoError(t, err)
	assert.Equal(t, "a", id)

	require.NoError(t, r.SetState("a", types.InstanceUnresponsive, "timeout"))
	id, _, err = r.Pick("asset-store")
	require.NoError(t, err)
	assert.Equal(t, "b", id)
}

func TestCallStats(t *testing.T) {
	r := newTestRegistry(t)
	addRunning(t, r, "a", "asset-store")

	r.BeginCall("a")
	r.EndCall("a", nil)
	r.BeginCall("a")
	r.EndCall("a", errors.New("boom"))

	inst, err := r.Instance("a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), inst.Stats.Invocations)
	assert.Equal(t, int64(1), inst.Stats.Errors)
	assert.Equal(t, 0, inst.Stats.InFlight)
	assert.InDelta(t, 0.5, inst.Stats.ErrorRate(), 0.001)
	assert.Equal(t, "boom", inst.LastError)
}

func TestRecordUsageIsBounded(t *testing.T) {
	r := newTestRegistry(t)
	addRunning(t, r, "a", "asset-store")

	for i := 0; i < maxUsageSamples+10; i++ {
		r.RecordUsage("a", types.UsageSample{CPUPercent: float64(i)})
	}

	inst, err := r.Instance("a")
	require.NoError(t, err)
	require.Len(t, inst.Usage, maxUsageSamples)
	assert.Equal(t, float64(maxUsageSamples+9), inst.Usage[maxUsageSamples-1].CPUPercent)
}

func TestReplaceHandleResetsInstance(t *testing.T) {
	r := newTestRegistry(t)
	addRunning(t, r, "a", "asset-store")
	require.NoError(t, r.SetState("a", types.InstanceUnresponsive, "timeout"))
	r.BeginCall("a")
	r.EndCall("a", errors.New("boom"))

	require.NoError(t, r.ReplaceHandle("a", &nopHandle{pid: 42}))

	inst, err := r.Instance("a")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceRunning, inst.State)
	assert.Equal(t, 42, inst.PID)
	assert.Equal(t, 1, inst.Restarts)
	assert.Zero(t, inst.Stats.Invocations)
	assert.Empty(t, inst.LastError)
}
