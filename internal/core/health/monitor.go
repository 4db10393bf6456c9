// Package health evaluates orchestrator and agent health and raises healing
// requests for sustained problems.
package health

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/roea-ai/reel/internal/core/agent"
	"github.com/roea-ai/reel/pkg/types"
)

// ResourceSource exposes the latest resource snapshot.
type ResourceSource interface {
	Latest() *types.ResourceSnapshot
	Thresholds() types.Thresholds
}

// EngineSource exposes workflow engine statistics.
type EngineSource interface {
	Stats() types.EngineStats
}

// InstanceSource lists deployed instances and their handles.
type InstanceSource interface {
	Instances() []*types.AgentInstance
	Handle(id string) (agent.Handle, error)
}

// ProcessSampler reads the usage of an OS process.
type ProcessSampler interface {
	Process(ctx context.Context, pid int) (types.ProcessUsage, error)
}

// Monitor runs health checks on a fixed interval, independent of resource
// sampling. It never changes instance state itself.
type Monitor struct {
	cfg       types.HealthConfig
	resources ResourceSource
	engine    EngineSource
	instances InstanceSource
	sampler   ProcessSampler
	log       zerolog.Logger

	requests chan types.HealingRequest

	mu         sync.RWMutex
	records    map[string]*types.HealthRecord
	history    map[string][]*types.HealthRecord
	onEvaluate func(rec *types.HealthRecord)

	// Serializes check cycles
	cycleMu sync.Mutex
}

// NewMonitor creates a health Monitor.
func NewMonitor(cfg types.HealthConfig, resources ResourceSource, engine EngineSource, instances InstanceSource, sampler ProcessSampler, log zerolog.Logger) *Monitor {
	def := types.DefaultConfig().Health
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.SustainCycles <= 0 {
		cfg.SustainCycles = def.SustainCycles
	}
	if cfg.History <= 0 {
		cfg.History = def.History
	}

	return &Monitor{
		cfg:       cfg,
		resources: resources,
		engine:    engine,
		instances: instances,
		sampler:   sampler,
		log:       log.With().Str("component", "health-monitor").Logger(),
		requests:  make(chan types.HealingRequest, 32),
		records:   make(map[string]*types.HealthRecord),
		history:   make(map[string][]*types.HealthRecord),
	}
}

// OnEvaluate registers a callback receiving every instance record.
func (m *Monitor) OnEvaluate(fn func(rec *types.HealthRecord)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEvaluate = fn
}

// Requests returns the channel carrying healing requests from Run.
func (m *Monitor) Requests() <-chan types.HealingRequest {
	return m.requests
}

// Run evaluates health once at start and then on every interval until ctx
// is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	if !m.deliver(ctx, m.Check(ctx, false)) {
		return nil
	}
	for {
		select {
		case <-ticker.C:
			if !m.deliver(ctx, m.Check(ctx, false)) {
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Monitor) deliver(ctx context.Context, requests []types.HealingRequest) bool {
	for _, req := range requests {
		select {
		case m.requests <- req:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// Check runs one evaluation cycle and returns the healing requests it
// raises. Without force a component must stay unhealthy for the configured
// number of consecutive cycles; with force one cycle is enough.
func (m *Monitor) Check(ctx context.Context, force bool) []types.HealingRequest {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	var requests []types.HealingRequest

	orch := m.checkOrchestrator(ctx)
	m.store(orch)
	if req, ok := m.orchestratorRequest(orch, force); ok {
		requests = append(requests, req)
	}

	seen := map[string]bool{types.OrchestratorComponent: true}
	for _, inst := range m.instances.Instances() {
		if inst.State == types.InstanceStarting || inst.State == types.InstanceTerminated {
			continue
		}
		seen[inst.ID] = true

		rec := m.checkInstance(ctx, inst)
		m.store(rec)
		m.notify(rec)
		if req, ok := m.instanceRequest(inst, rec, force); ok {
			requests = append(requests, req)
		}
	}
	m.prune(seen)

	for _, req := range requests {
		m.log.Warn().
			Str("component", req.Component).
			Str("action", string(req.Action)).
			Str("status", string(req.Status)).
			Msg(req.Reason)
	}
	return requests
}

func (m *Monitor) orchestratorRequest(rec *types.HealthRecord, force bool) (types.HealingRequest, bool) {
	if rec.Status == types.HealthHealthy || !m.due(rec, force) {
		return types.HealingRequest{}, false
	}
	for _, c := range rec.Checks {
		if c.Name == "resource_usage" && c.Status != types.CheckOK {
			m.resetStreak(rec.Component)
			return types.HealingRequest{
				Action:    types.HealFreeIdleResources,
				Component: rec.Component,
				Status:    rec.Status,
				Reason:    "resource pressure: " + c.Message,
				Forced:    force,
				At:        time.Now(),
			}, true
		}
	}
	return types.HealingRequest{}, false
}

func (m *Monitor) instanceRequest(inst *types.AgentInstance, rec *types.HealthRecord, force bool) (types.HealingRequest, bool) {
	if rec.Status == types.HealthHealthy || !m.due(rec, force) {
		return types.HealingRequest{}, false
	}

	action := types.HealRebalance
	if rec.Status == types.HealthUnresponsive {
		action = types.HealRestartInstance
	}
	m.resetStreak(rec.Component)

	var reasons []string
	for _, c := range rec.Checks {
		if c.Status != types.CheckOK {
			reasons = append(reasons, c.Message)
		}
	}
	return types.HealingRequest{
		Action:    action,
		Component: inst.ID,
		Kind:      inst.Kind,
		Status:    rec.Status,
		Reason:    strings.Join(reasons, "; "),
		Forced:    force,
		At:        time.Now(),
	}, true
}

func (m *Monitor) due(rec *types.HealthRecord, force bool) bool {
	if force {
		return rec.Streak >= 1
	}
	return rec.Streak >= m.cfg.SustainCycles
}

// checkOrchestrator runs the orchestrator's check battery.
func (m *Monitor) checkOrchestrator(ctx context.Context) *types.HealthRecord {
	checks := []types.CheckResult{
		timed(func() types.CheckResult { return m.checkResourceUsage() }),
		timed(func() types.CheckResult { return m.checkQueueDepth() }),
		timed(func() types.CheckResult { return m.checkProcessMemory(ctx) }),
		timed(func() types.CheckResult { return m.checkResponsiveness() }),
	}
	return &types.HealthRecord{
		Component: types.OrchestratorComponent,
		Status:    Aggregate(checks, m.cfg.MaxWarnings),
		Checks:    checks,
		CheckedAt: time.Now(),
	}
}

// Aggregate folds check results: any critical check makes the component
// critical, more than maxWarnings warnings make it degraded.
func Aggregate(checks []types.CheckResult, maxWarnings int) types.HealthStatus {
	warnings := 0
	for _, c := range checks {
		switch c.Status {
		case types.CheckCritical:
			return types.HealthCritical
		case types.CheckWarning:
			warnings++
		}
	}
	if warnings > maxWarnings {
		return types.HealthDegraded
	}
	return types.HealthHealthy
}

func (m *Monitor) checkResourceUsage() types.CheckResult {
	check := types.CheckResult{Name: "resource_usage", Status: types.CheckOK}

	snap := m.resources.Latest()
	if snap == nil {
		check.Status = types.CheckWarning
		check.Message = "no resource sample yet"
		return check
	}

	th := m.resources.Thresholds()
	values := map[string]float64{
		types.ResourceCPU:    snap.CPUPercent(),
		types.ResourceMemory: snap.MemoryPercent(),
		types.ResourceDisk:   snap.DiskPercent(),
	}
	check.Details = make(map[string]string, len(values))

	var problems []string
	for _, name := range []string{types.ResourceCPU, types.ResourceMemory, types.ResourceDisk} {
		v := values[name]
		check.Details[name+"_percent"] = fmt.Sprintf("%.1f", v)
		switch th.For(name).Level(v) {
		case types.SeverityCritical:
			check.Status = types.CheckCritical
			problems = append(problems, fmt.Sprintf("%s critical at %.1f%%", name, v))
		case types.SeverityWarning:
			if check.Status == types.CheckOK {
				check.Status = types.CheckWarning
			}
			problems = append(problems, fmt.Sprintf("%s high at %.1f%%", name, v))
		}
	}

	if len(problems) == 0 {
		check.Message = "resource usage normal"
	} else {
		check.Message = strings.Join(problems, ", ")
	}
	return check
}

func (m *Monitor) checkQueueDepth() types.CheckResult {
	stats := m.engine.Stats()
	check := types.CheckResult{
		Name:    "queue_depth",
		Status:  types.CheckOK,
		Message: fmt.Sprintf("Queued runs: %d", stats.Queued),
		Details: map[string]string{
			"queued":  fmt.Sprintf("%d", stats.Queued),
			"running": fmt.Sprintf("%d", stats.Running),
		},
	}
	if m.cfg.QueueWarning > 0 && stats.Queued > m.cfg.QueueWarning {
		check.Status = types.CheckWarning
		check.Message = fmt.Sprintf("Deep queue: %d runs", stats.Queued)
	}
	if m.cfg.QueueCritical > 0 && stats.Queued > m.cfg.QueueCritical {
		check.Status = types.CheckCritical
		check.Message = fmt.Sprintf("Critical queue depth: %d runs", stats.Queued)
	}
	return check
}

func (m *Monitor) checkProcessMemory(ctx context.Context) types.CheckResult {
	check := types.CheckResult{Name: "process_memory", Status: types.CheckOK}

	usage, err := m.sampler.Process(ctx, os.Getpid())
	if err != nil {
		check.Status = types.CheckWarning
		check.Message = fmt.Sprintf("cannot read own memory: %v", err)
		return check
	}

	check.Message = fmt.Sprintf("Resident memory: %.2f MB", usage.MemoryMB)
	check.Details = map[string]string{"rss_mb": fmt.Sprintf("%.2f", usage.MemoryMB)}
	if m.cfg.MemoryWarningMB > 0 && usage.MemoryMB > m.cfg.MemoryWarningMB {
		check.Status = types.CheckWarning
		check.Message = fmt.Sprintf("High memory usage: %.2f MB", usage.MemoryMB)
	}
	if m.cfg.MemoryCriticalMB > 0 && usage.MemoryMB > m.cfg.MemoryCriticalMB {
		check.Status = types.CheckCritical
		check.Message = fmt.Sprintf("Critical memory usage: %.2f MB", usage.MemoryMB)
	}
	return check
}

// checkResponsiveness times a round trip through the engine's locks.
func (m *Monitor) checkResponsiveness() types.CheckResult {
	start := time.Now()
	m.engine.Stats()
	elapsed := time.Since(start)

	check := types.CheckResult{
		Name:    "responsiveness",
		Status:  types.CheckOK,
		Message: fmt.Sprintf("Engine answered in %s", elapsed),
	}
	if m.cfg.ResponsivenessWarn > 0 && elapsed > m.cfg.ResponsivenessWarn {
		check.Status = types.CheckWarning
		check.Message = fmt.Sprintf("Slow engine response: %s", elapsed)
	}
	return check
}

// checkInstance probes one instance.
func (m *Monitor) checkInstance(ctx context.Context, inst *types.AgentInstance) *types.HealthRecord {
	rec := &types.HealthRecord{Component: inst.ID, Status: types.HealthHealthy, CheckedAt: time.Now()}

	ping := timed(func() types.CheckResult {
		c := types.CheckResult{Name: "ping", Status: types.CheckOK, Message: "agent answered"}
		h, err := m.instances.Handle(inst.ID)
		if err == nil {
			pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
			err = h.Ping(pctx)
			cancel()
		}
		if err != nil {
			c.Status = types.CheckCritical
			c.Message = fmt.Sprintf("agent did not answer: %v", err)
		}
		return c
	})
	rec.Checks = append(rec.Checks, ping)
	if ping.Status != types.CheckOK {
		rec.Status = types.HealthUnresponsive
		return rec
	}

	rate := inst.Stats.ErrorRate()
	errCheck := types.CheckResult{
		Name:    "error_rate",
		Status:  types.CheckOK,
		Message: fmt.Sprintf("Error rate %.2f over %d calls", rate, inst.Stats.Invocations),
	}
	if inst.Stats.Invocations >= m.cfg.MinCalls && rate > m.cfg.ErrorRate {
		errCheck.Status = types.CheckWarning
		errCheck.Message = fmt.Sprintf("High error rate %.2f over %d calls", rate, inst.Stats.Invocations)
		rec.Status = types.HealthDegraded
	}
	rec.Checks = append(rec.Checks, errCheck)
	return rec
}

func timed(fn func() types.CheckResult) types.CheckResult {
	start := time.Now()
	c := fn()
	c.Duration = types.Duration(time.Since(start))
	return c
}

// store overwrites the current record and appends it to bounded history.
func (m *Monitor) store(rec *types.HealthRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.records[rec.Component]; ok && rec.Status != types.HealthHealthy {
		rec.Streak = prev.Streak + 1
	} else if rec.Status != types.HealthHealthy {
		rec.Streak = 1
	}
	m.records[rec.Component] = rec

	h := append(m.history[rec.Component], rec)
	if len(h) > m.cfg.History {
		h = append([]*types.HealthRecord(nil), h[len(h)-m.cfg.History:]...)
	}
	m.history[rec.Component] = h
}

func (m *Monitor) resetStreak(component string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[component]; ok {
		rec.Streak = 0
	}
}

func (m *Monitor) notify(rec *types.HealthRecord) {
	m.mu.RLock()
	fn := m.onEvaluate
	m.mu.RUnlock()
	if fn != nil {
		fn(cloneRecord(rec))
	}
}

// prune drops records of components that no longer exist.
func (m *Monitor) prune(seen map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.records {
		if !seen[id] {
			delete(m.records, id)
			delete(m.history, id)
		}
	}
}

// Record returns the latest record of a component.
func (m *Monitor) Record(component string) (*types.HealthRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[component]
	if !ok {
		return nil, false
	}
	return cloneRecord(rec), true
}

// Records returns the latest record of every component.
func (m *Monitor) Records() map[string]*types.HealthRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*types.HealthRecord, len(m.records))
	for id, rec := range m.records {
		out[id] = cloneRecord(rec)
	}
	return out
}

// History returns the retained records of a component, oldest first.
func (m *Monitor) History(component string) []*types.HealthRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h := m.history[component]
	out := make([]*types.HealthRecord, len(h))
	for i, rec := range h {
		out[i] = cloneRecord(rec)
	}
	return out
}

// Components returns the ids that have a record, sorted.
func (m *Monitor) Components() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func cloneRecord(rec *types.HealthRecord) *types.HealthRecord {
	c := *rec
	c.Checks = make([]types.CheckResult, len(rec.Checks))
	for i, chk := range rec.Checks {
		if chk.Details != nil {
			d := make(map[string]string, len(chk.Details))
			for k, v := range chk.Details {
				d[k] = v
			}
			chk.Details = d
		}
		c.Checks[i] = chk
	}
	return &c
}
