// Package resource samples host and agent resource usage and answers
// admission queries.
package resource

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/roea-ai/reel/pkg/types"
)

// Target is an agent instance whose process usage is sampled.
type Target struct {
	InstanceID string
	PID        int
}

// Monitor samples resources on a fixed interval.
type Monitor struct {
	sampler    Sampler
	interval   time.Duration
	margin     float64
	thresholds types.Thresholds
	log        zerolog.Logger

	latest atomic.Pointer[types.ResourceSnapshot]

	mu          sync.Mutex
	history     []*types.ResourceSnapshot
	historySize int
	levels      map[string]types.Severity
	targets     func() []Target
	onUsage     func(instanceID string, sample types.UsageSample)

	// Admission reservations held by running workflows
	reservedMu sync.Mutex
	reserved   map[string]types.Requirement

	// Event subscribers
	subscribersMu sync.RWMutex
	subscribers   map[string]chan *types.ThresholdEvent
}

// NewMonitor creates a resource Monitor.
func NewMonitor(sampler Sampler, cfg types.ResourceConfig, log zerolog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.History <= 0 {
		cfg.History = 60
	}
	if cfg.Margin < 0 || cfg.Margin >= 1 {
		cfg.Margin = 0.2
	}

	return &Monitor{
		sampler:     sampler,
		interval:    cfg.Interval,
		margin:      cfg.Margin,
		thresholds:  cfg.Thresholds,
		historySize: cfg.History,
		log:         log.With().Str("component", "resource-monitor").Logger(),
		levels:      make(map[string]types.Severity),
		reserved:    make(map[string]types.Requirement),
		subscribers: make(map[string]chan *types.ThresholdEvent),
	}
}

// SetTargets sets the function listing the agent processes to sample.
func (m *Monitor) SetTargets(fn func() []Target) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets = fn
}

// OnUsage registers a callback receiving each per-instance sample.
func (m *Monitor) OnUsage(fn func(instanceID string, sample types.UsageSample)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUsage = fn
}

// Run samples immediately and then on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	if _, err := m.Sample(ctx); err != nil {
		m.log.Warn().Err(err).Msg("Initial resource sample failed")
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := m.Sample(ctx); err != nil {
				m.log.Warn().Err(err).Msg("Resource sample failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Sample takes one snapshot, publishes it and evaluates thresholds.
func (m *Monitor) Sample(ctx context.Context) (*types.ResourceSnapshot, error) {
	host, err := m.sampler.Host(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	targets, onUsage := m.targets, m.onUsage
	m.mu.Unlock()

	snap := &types.ResourceSnapshot{
		Time:   time.Now(),
		Host:   host,
		Agents: make(map[string]types.ProcessUsage),
	}
	if targets != nil {
		for _, t := range targets() {
			if t.PID <= 0 {
				continue
			}
			usage, err := m.sampler.Process(ctx, t.PID)
			if err != nil {
				m.log.Debug().Err(err).Str("instance", t.InstanceID).Msg("Skipping agent usage")
				continue
			}
			snap.Agents[t.InstanceID] = usage
			if onUsage != nil {
				onUsage(t.InstanceID, types.UsageSample{Time: snap.Time, CPUPercent: usage.CPUPercent, MemoryMB: usage.MemoryMB})
			}
		}
	}

	m.latest.Store(snap)

	m.mu.Lock()
	m.history = append(m.history, snap)
	if n := len(m.history); n > m.historySize {
		m.history = append([]*types.ResourceSnapshot(nil), m.history[n-m.historySize:]...)
	}
	events := m.evaluate(snap)
	m.mu.Unlock()

	for _, ev := range events {
		m.log.Warn().
			Str("resource", ev.Resource).
			Str("severity", string(ev.Severity)).
			Float64("value", ev.Value).
			Msg("Resource threshold crossed")
		m.emitEvent(ev)
	}

	return snap.Clone(), nil
}

// evaluate returns an event for every resource whose level changed.
// Caller holds m.mu.
func (m *Monitor) evaluate(snap *types.ResourceSnapshot) []*types.ThresholdEvent {
	values := []struct {
		resource string
		value    float64
	}{
		{types.ResourceCPU, snap.CPUPercent()},
		{types.ResourceMemory, snap.MemoryPercent()},
		{types.ResourceDisk, snap.DiskPercent()},
	}

	var events []*types.ThresholdEvent
	for _, v := range values {
		th := m.thresholds.For(v.resource)
		level := th.Level(v.value)
		prev, ok := m.levels[v.resource]
		if !ok {
			prev = types.SeverityNormal
		}
		if level == prev {
			continue
		}
		m.levels[v.resource] = level

		limit := th.Warning
		if level == types.SeverityCritical {
			limit = th.Critical
		}
		events = append(events, &types.ThresholdEvent{
			Resource: v.resource,
			Previous: prev,
			Severity: level,
			Value:    v.value,
			Limit:    limit,
			Time:     snap.Time,
		})
	}
	return events
}

// Latest returns a copy of the most recent snapshot, or nil before the
// first sample.
func (m *Monitor) Latest() *types.ResourceSnapshot {
	snap := m.latest.Load()
	if snap == nil {
		return nil
	}
	return snap.Clone()
}

// History returns the retained snapshots, oldest first.
func (m *Monitor) History() []*types.ResourceSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*types.ResourceSnapshot, len(m.history))
	for i, s := range m.history {
		out[i] = s.Clone()
	}
	return out
}

// Levels returns the current severity of each resource.
func (m *Monitor) Levels() map[string]types.Severity {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]types.Severity, 3)
	for _, r := range []string{types.ResourceCPU, types.ResourceMemory, types.ResourceDisk} {
		out[r] = types.SeverityNormal
		if l, ok := m.levels[r]; ok {
			out[r] = l
		}
	}
	return out
}

// Thresholds returns the configured thresholds.
func (m *Monitor) Thresholds() types.Thresholds {
	return m.thresholds
}

// CanAdmit reports whether req fits within capacity minus the safety margin
// on every dimension, counting current usage and outstanding reservations.
// It only reads the latest completed snapshot.
func (m *Monitor) CanAdmit(req types.Requirement) bool {
	snap := m.latest.Load()
	if snap == nil {
		return false
	}

	reserved := m.Reserved()
	limit := 1 - m.margin
	host := snap.Host

	usedCPU := host.CPUPercent / 100 * host.CPUCores
	return fits(usedCPU, reserved.CPU, req.CPU, host.CPUCores, limit) &&
		fits(host.MemoryUsedMB, reserved.MemoryMB, req.MemoryMB, host.MemoryTotalMB, limit) &&
		fits(host.DiskUsedMB, reserved.DiskMB, req.DiskMB, host.DiskTotalMB, limit)
}

func fits(used, reserved, req, capacity, limit float64) bool {
	return used+reserved+req <= limit*capacity
}

// Reserve holds req against capacity until Release is called with the same id.
func (m *Monitor) Reserve(id string, req types.Requirement) {
	m.reservedMu.Lock()
	defer m.reservedMu.Unlock()
	m.reserved[id] = req
}

// Release drops a reservation. Unknown ids are ignored.
func (m *Monitor) Release(id string) {
	m.reservedMu.Lock()
	defer m.reservedMu.Unlock()
	delete(m.reserved, id)
}

// Reserved returns the sum of outstanding reservations.
func (m *Monitor) Reserved() types.Requirement {
	m.reservedMu.Lock()
	defer m.reservedMu.Unlock()

	var total types.Requirement
	for _, r := range m.reserved {
		total = total.Add(r)
	}
	return total
}

// Subscribe returns a channel receiving threshold events.
func (m *Monitor) Subscribe(id string) <-chan *types.ThresholdEvent {
	m.subscribersMu.Lock()
	defer m.subscribersMu.Unlock()

	ch := make(chan *types.ThresholdEvent, 100)
	m.subscribers[id] = ch
	return ch
}

// Unsubscribe closes and removes a subscription.
func (m *Monitor) Unsubscribe(id string) {
	m.subscribersMu.Lock()
	defer m.subscribersMu.Unlock()

	if ch, ok := m.subscribers[id]; ok {
		close(ch)
		delete(m.subscribers, id)
	}
}

func (m *Monitor) emitEvent(ev *types.ThresholdEvent) {
	m.subscribersMu.RLock()
	defer m.subscribersMu.RUnlock()

	for _, ch := range m.subscribers {
		select {
		case ch <- ev:
		default:
			// Channel full, skip
		}
	}
}
