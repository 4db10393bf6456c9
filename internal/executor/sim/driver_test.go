package sim

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roea-ai/reel/internal/core/agent"
	"github.com/roea-ai/reel/pkg/types"
)

func startHandle(t *testing.T, d *Driver) *Handle {
	t.Helper()
	kind := &types.AgentKind{Name: "video-editor", Capabilities: []string{"render"}}
	h, err := d.Start(context.Background(), &agent.StartRequest{InstanceID: "v-1", Kind: kind})
	require.NoError(t, err)
	return h.(*Handle)
}

func TestDefaultHandlerOutcomes(t *testing.T) {
	h := startHandle(t, NewDriver())
	ctx := context.Background()

	res, err := h.ExecuteAction(ctx, "render", nil)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, "video-editor", res.Data["kind"])

	res, err = h.ExecuteAction(ctx, "publish", nil)
	require.NoError(t, err)
	assert.Equal(t, types.ActionFailed, res.Status)

	res, err = h.ExecuteAction(ctx, "render", map[string]any{SimulateParam: "error"})
	require.NoError(t, err)
	assert.Equal(t, types.ActionError, res.Status)

	res, err = h.ExecuteAction(ctx, "render", map[string]any{SimulateParam: "warn"})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Len(t, res.Warnings, 1)

	_, err = h.ExecuteAction(ctx, "render", map[string]any{SimulateParam: "fault"})
	assert.Error(t, err)
	assert.Equal(t, 5, h.Calls())
}

func TestPingAndStop(t *testing.T) {
	d := NewDriver()
	h := startHandle(t, d)
	ctx := context.Background()

	require.NoError(t, h.Ping(ctx))
	h.SetPingError(errors.New("hung"))
	assert.Error(t, h.Ping(ctx))
	h.SetPingError(nil)

	require.NoError(t, h.Stop(ctx))
	assert.ErrorIs(t, h.Ping(ctx), ErrStopped)
	_, err := h.ExecuteAction(ctx, "render", nil)
	assert.ErrorIs(t, err, ErrStopped)
	assert.Same(t, h, d.Handle("v-1"))
	assert.Equal(t, 1, d.Starts())
}

func TestStartHookFailsStart(t *testing.T) {
	d := NewDriver(WithStartHook(func(*agent.StartRequest) error { return errors.New("no capacity") }))
	_, err := d.Start(context.Background(), &agent.StartRequest{InstanceID: "x", Kind: &types.AgentKind{Name: "k"}})
	assert.Error(t, err)
	assert.Zero(t, d.Starts())
}
