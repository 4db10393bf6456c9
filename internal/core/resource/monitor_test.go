package resource

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roea-ai/reel/pkg/types"
)

type fakeSampler struct {
	mu    sync.Mutex
	host  types.HostUsage
	procs map[int]types.ProcessUsage
	err   error
	calls int
}

func (f *fakeSampler) Host(context.Context) (types.HostUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.host, f.err
}

func (f *fakeSampler) Process(_ context.Context, pid int) (types.ProcessUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.procs[pid]
	if !ok {
		return u, errors.New("no such process")
	}
	return u, nil
}

func (f *fakeSampler) set(h types.HostUsage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.host = h
}

// idleHost has 10 cores, 10000MB memory and 10000MB disk, all 10% used.
func idleHost() types.HostUsage {
	return types.HostUsage{
		CPUCores:      10,
		CPUPercent:    10,
		MemoryUsedMB:  1000,
		MemoryTotalMB: 10000,
		DiskUsedMB:    1000,
		DiskTotalMB:   10000,
	}
}

func newTestMonitor(s Sampler) *Monitor {
	return NewMonitor(s, types.DefaultConfig().Resources, zerolog.Nop())
}

func TestCanAdmitRequiresSnapshot(t *testing.T) {
	m := newTestMonitor(&fakeSampler{host: idleHost()})
	assert.False(t, m.CanAdmit(types.Requirement{}))
	assert.Nil(t, m.Latest())
}

func TestCanAdmitKeepsMargin(t *testing.T) {
	f := &fakeSampler{host: idleHost()}
	m := newTestMonitor(f)
	_, err := m.Sample(context.Background())
	require.NoError(t, err)

	// 80% of 10 cores is 8; 1 core is used.
	assert.True(t, m.CanAdmit(types.Requirement{CPU: 6.9}))
	assert.False(t, m.CanAdmit(types.Requirement{CPU: 7.5}))
	assert.True(t, m.CanAdmit(types.Requirement{MemoryMB: 6900}))
	assert.False(t, m.CanAdmit(types.Requirement{MemoryMB: 7100}))
	assert.False(t, m.CanAdmit(types.Requirement{DiskMB: 7500}))
}

func TestReservationsCountAgainstCapacity(t *testing.T) {
	m := newTestMonitor(&fakeSampler{host: idleHost()})
	_, err := m.Sample(context.Background())
	require.NoError(t, err)

	req := types.Requirement{CPU: 4, MemoryMB: 1000}
	require.True(t, m.CanAdmit(req))
	m.Reserve("run-1", req)
	assert.False(t, m.CanAdmit(req))
	assert.Equal(t, 4.0, m.Reserved().CPU)

	m.Release("run-1")
	m.Release("unknown")
	assert.True(t, m.CanAdmit(req))
}

func TestCanAdmitReadsOnlyLatestSnapshot(t *testing.T) {
	f := &fakeSampler{host: idleHost()}
	m := newTestMonitor(f)
	_, err := m.Sample(context.Background())
	require.NoError(t, err)

	busy := idleHost()
	busy.CPUPercent = 95
	f.set(busy)

	assert.True(t, m.CanAdmit(types.Requirement{CPU: 1}))
	assert.Equal(t, 1, f.calls)

	_, err = m.Sample(context.Background())
	require.NoError(t, err)
	assert.False(t, m.CanAdmit(types.Requirement{CPU: 1}))
}

func TestThresholdEventsOnLevelChange(t *testing.T) {
	f := &fakeSampler{host: idleHost()}
	m := newTestMonitor(f)
	events := m.Subscribe("test")
	ctx := context.Background()

	_, err := m.Sample(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)

	h := idleHost()
	h.CPUPercent = 85
	f.set(h)
	_, err = m.Sample(ctx)
	require.NoError(t, err)
	ev := <-events
	assert.Equal(t, types.ResourceCPU, ev.Resource)
	assert.Equal(t, types.SeverityWarning, ev.Severity)
	assert.Equal(t, 80.0, ev.Limit)

	// Same level again emits nothing.
	_, err = m.Sample(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)

	h.CPUPercent = 92
	h.DiskUsedMB = 9600
	f.set(h)
	_, err = m.Sample(ctx)
	require.NoError(t, err)
	got := map[string]types.Severity{}
	for i := 0; i < 2; i++ {
		ev := <-events
		got[ev.Resource] = ev.Severity
	}
	assert.Equal(t, types.SeverityCritical, got[types.ResourceCPU])
	assert.Equal(t, types.SeverityCritical, got[types.ResourceDisk])

	f.set(idleHost())
	_, err = m.Sample(ctx)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, types.SeverityNormal, m.Levels()[types.ResourceCPU])

	m.Unsubscribe("test")
}

func TestSampleCollectsAgentUsage(t *testing.T) {
	f := &fakeSampler{
		host:  idleHost(),
		procs: map[int]types.ProcessUsage{100: {CPUPercent: 12, MemoryMB: 300}},
	}
	m := newTestMonitor(f)
	m.SetTargets(func() []Target {
		return []Target{{InstanceID: "a", PID: 100}, {InstanceID: "b", PID: 200}, {InstanceID: "sim"}}
	})
	var got []string
	m.OnUsage(func(id string, s types.UsageSample) {
		got = append(got, id)
		assert.Equal(t, 300.0, s.MemoryMB)
	})

	snap, err := m.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got)
	assert.Len(t, snap.Agents, 1)
	assert.Equal(t, 12.0, snap.Agents["a"].CPUPercent)
}

func TestHistoryIsBounded(t *testing.T) {
	cfg := types.DefaultConfig().Resources
	cfg.History = 3
	m := NewMonitor(&fakeSampler{host: idleHost()}, cfg, zerolog.Nop())

	for i := 0; i < 5; i++ {
		_, err := m.Sample(context.Background())
		require.NoError(t, err)
	}
	assert.Len(t, m.History(), 3)
}

func TestSampleErrorKeepsPreviousSnapshot(t *testing.T) {
	f := &fakeSampler{host: idleHost()}
	m := newTestMonitor(f)
	_, err := m.Sample(context.Background())
	require.NoError(t, err)

	f.mu.Lock()
	f.err = errors.New("sampler down")
	f.mu.Unlock()

	_, err = m.Sample(context.Background())
	assert.Error(t, err)
	assert.NotNil(t, m.Latest())
}

func TestRunStopsWithContext(t *testing.T) {
	cfg := types.DefaultConfig().Resources
	cfg.Interval = 10 * time.Millisecond
	f := &fakeSampler{host: idleHost()}
	m := NewMonitor(f, cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.calls >= 3
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
