// Package workflow schedules and executes workflow runs across agents.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/roea-ai/reel/pkg/types"
)

// Agents resolves kinds and invokes actions on running instances.
type Agents interface {
	KindLookup
	RecoveryHooks
	// Invoke runs action on an available instance of kind. It fails with
	// AgentNotAvailable when no instance is running.
	Invoke(ctx context.Context, kind, action string, params map[string]any) (string, *types.ActionResult, error)
}

// Admission answers whether a run fits and holds its reservation.
type Admission interface {
	CanAdmit(req types.Requirement) bool
	Reserve(id string, req types.Requirement)
	Release(id string)
}

// Sealer encrypts run secrets at rest.
type Sealer interface {
	Seal(secrets map[string]string) (*types.EncryptedPayload, error)
	Open(payload *types.EncryptedPayload) (map[string]string, error)
}

// RunStore persists runs after every change.
type RunStore interface {
	SaveRun(run *types.WorkflowRun) error
}

// Observer receives run and step measurements.
type Observer interface {
	RunSubmitted(definition string)
	RunFinished(definition string, status types.RunStatus, d time.Duration)
	StepFinished(agent, action string, d time.Duration, fault error)
}

// Deps are the collaborators of an Engine. Sealer, Store and Observer are
// optional.
type Deps struct {
	Agents    Agents
	Admission Admission
	Sealer    Sealer
	Store     RunStore
	Observer  Observer
}

// SubmitRequest is a workflow submission.
type SubmitRequest struct {
	Definition string            `json:"definition"`
	Params     map[string]any    `json:"params,omitempty"`
	Secrets    map[string]string `json:"secrets,omitempty"`
	Priority   *int              `json:"priority,omitempty"`
}

// Engine queues runs and executes their steps.
type Engine struct {
	cfg  types.WorkflowConfig
	deps Deps
	log  zerolog.Logger

	defsMu sync.RWMutex
	defs   map[string]*definitionEntry

	// Runs, queue and slot accounting
	mu       sync.Mutex
	runs     map[string]*runState
	queue    *runQueue
	seq      uint64
	running  int
	lastGood map[string]map[string]any // definition/step -> data

	// Orders persistence and events per run
	saveMu sync.Mutex

	wake chan struct{}
	wg   sync.WaitGroup

	subscribersMu sync.RWMutex
	subscribers   map[string]chan *types.RunEvent
}

type definitionEntry struct {
	def        *types.WorkflowDefinition
	strategies []Strategy
}

type runState struct {
	run      *types.WorkflowRun
	entry    *definitionEntry
	slotHeld bool
	rev      uint64 // guarded by Engine.mu
	saved    uint64 // guarded by Engine.saveMu
}

// NewEngine creates a workflow Engine.
func NewEngine(cfg types.WorkflowConfig, deps Deps, log zerolog.Logger) *Engine {
	def := types.DefaultConfig().Workflow
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.RecheckInterval <= 0 {
		cfg.RecheckInterval = def.RecheckInterval
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = def.StepTimeout
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}

	return &Engine{
		cfg:         cfg,
		deps:        deps,
		log:         log.With().Str("component", "workflow-engine").Logger(),
		defs:        make(map[string]*definitionEntry),
		runs:        make(map[string]*runState),
		queue:       newRunQueue(),
		lastGood:    make(map[string]map[string]any),
		wake:        make(chan struct{}, 1),
		subscribers: make(map[string]chan *types.RunEvent),
	}
}

// RegisterDefinition validates and adds a workflow definition.
func (e *Engine) RegisterDefinition(def *types.WorkflowDefinition) error {
	if err := ValidateDefinition(def); err != nil {
		return err
	}
	if err := CheckAgents(def, e.deps.Agents); err != nil {
		return err
	}
	strategies, err := CompileStrategies(def.Recovery)
	if err != nil {
		return err
	}

	e.defsMu.Lock()
	defer e.defsMu.Unlock()

	if _, ok := e.defs[def.Name]; ok {
		return types.NewError(types.CodeAlreadyRegistered, "workflow definition already registered: %s", def.Name)
	}
	e.defs[def.Name] = &definitionEntry{def: cloneDefinition(def), strategies: strategies}
	e.log.Info().Str("definition", def.Name).Int("steps", len(def.Steps)).Msg("Registered workflow definition")
	return nil
}

// Definition returns a copy of a registered definition.
func (e *Engine) Definition(name string) (*types.WorkflowDefinition, error) {
	entry, err := e.definition(name)
	if err != nil {
		return nil, err
	}
	return cloneDefinition(entry.def), nil
}

func (e *Engine) definition(name string) (*definitionEntry, error) {
	e.defsMu.RLock()
	defer e.defsMu.RUnlock()

	entry, ok := e.defs[name]
	if !ok {
		return nil, types.NotFoundError("workflow definition", name)
	}
	return entry, nil
}

// Definitions returns copies of all definitions sorted by name.
func (e *Engine) Definitions() []*types.WorkflowDefinition {
	e.defsMu.RLock()
	defer e.defsMu.RUnlock()

	out := make([]*types.WorkflowDefinition, 0, len(e.defs))
	for _, entry := range e.defs {
		out = append(out, cloneDefinition(entry.def))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Submit validates a submission and queues a new run.
func (e *Engine) Submit(req *SubmitRequest) (string, error) {
	if req == nil || req.Definition == "" {
		return "", types.ValidationError("workflow definition name is required")
	}
	entry, err := e.definition(req.Definition)
	if err != nil {
		return "", err
	}
	for _, p := range entry.def.RequiredParams {
		_, inParams := req.Params[p]
		_, inSecrets := req.Secrets[p]
		if !inParams && !inSecrets {
			return "", types.ValidationError("workflow %s requires parameter %s", req.Definition, p).With("param", p)
		}
	}
	requirement, err := EstimateRequirement(entry.def, e.deps.Agents)
	if err != nil {
		return "", fmt.Errorf("failed to estimate requirement: %w", err)
	}

	var sealed *types.EncryptedPayload
	if len(req.Secrets) > 0 {
		if e.deps.Sealer == nil {
			return "", types.ValidationError("secrets are not supported without an encryption identity")
		}
		if sealed, err = e.deps.Sealer.Seal(req.Secrets); err != nil {
			return "", fmt.Errorf("failed to seal secrets: %w", err)
		}
	}

	priority := e.cfg.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}

	now := time.Now()
	run := &types.WorkflowRun{
		ID:          uuid.NewString(),
		Definition:  req.Definition,
		Params:      types.CloneMap(req.Params),
		Secrets:     sealed,
		Priority:    priority,
		Requirement: requirement,
		Status:      types.RunQueued,
		History:     []types.Transition{{To: types.RunQueued, At: now}},
		Steps:       []types.StepResult{},
		SubmittedAt: now,
	}

	rs := &runState{run: run, entry: entry}
	e.mu.Lock()
	e.enqueueLocked(rs)
	snapshot, rev := e.snapshotLocked(rs)
	e.mu.Unlock()

	e.deps.Observer.RunSubmitted(run.Definition)
	e.log.Info().
		Str("run", run.ID).
		Str("definition", run.Definition).
		Int("priority", priority).
		Msg("Workflow submitted")
	e.changed(rs, snapshot, rev)
	e.signal()
	return run.ID, nil
}

// enqueueLocked registers a queued run. Caller holds e.mu.
func (e *Engine) enqueueLocked(rs *runState) {
	e.seq++
	e.runs[rs.run.ID] = rs
	e.queue.add(rs.run.ID, rs.run.Priority, e.seq)
}

// Adopt takes over a run persisted by a previous process. Queued runs are
// queued again; other non-terminal runs fail.
func (e *Engine) Adopt(run *types.WorkflowRun) error {
	run = run.Clone()

	e.mu.Lock()
	if _, ok := e.runs[run.ID]; ok {
		e.mu.Unlock()
		return types.NewError(types.CodeAlreadyRegistered, "run already known: %s", run.ID)
	}

	entry, defErr := e.definition(run.Definition)
	rs := &runState{run: run, entry: entry}
	switch {
	case run.Status.Terminal():
		e.runs[run.ID] = rs
		e.mu.Unlock()
		return nil
	case run.Status == types.RunQueued && defErr == nil:
		e.enqueueLocked(rs)
		snapshot, rev := e.snapshotLocked(rs)
		e.mu.Unlock()
		e.changed(rs, snapshot, rev)
		e.signal()
		return nil
	}

	e.runs[run.ID] = rs
	reason := "orchestrator restarted"
	if defErr != nil {
		reason = defErr.Error()
	}
	total := len(run.Steps)
	if entry != nil {
		total = len(entry.def.Steps)
	}
	now := time.Now()
	run.History = append(run.History, types.Transition{From: run.Status, To: types.RunFailed, At: now, Reason: reason})
	run.Status = types.RunFailed
	run.Error = reason
	run.FinishedAt = &now
	run.Report = BuildReport(run, total, e.cfg)
	snapshot, rev := e.snapshotLocked(rs)
	e.mu.Unlock()

	e.changed(rs, snapshot, rev)
	return nil
}

// Get returns a snapshot of a run.
func (e *Engine) Get(id string) (*types.WorkflowRun, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rs, ok := e.runs[id]
	if !ok {
		return nil, types.NotFoundError("workflow run", id)
	}
	return rs.run.Clone(), nil
}

// List returns runs matching filter, newest first.
func (e *Engine) List(filter *types.RunFilter) []*types.WorkflowRun {
	e.mu.Lock()
	out := make([]*types.WorkflowRun, 0, len(e.runs))
	for _, rs := range e.runs {
		if filter.Matches(rs.run) {
			out = append(out, rs.run.Clone())
		}
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.After(out[j].SubmittedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter != nil && filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Stats returns queue and status counts.
func (e *Engine) Stats() types.EngineStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := types.EngineStats{
		Queued:        e.queue.Len(),
		Running:       e.running,
		MaxConcurrent: e.cfg.MaxConcurrent,
		ByStatus:      make(map[types.RunStatus]int),
	}
	for _, rs := range e.runs {
		stats.ByStatus[rs.run.Status]++
	}
	return stats
}

// Cancel stops a queued, starting or running run. A step already in flight
// is not interrupted; its result is discarded.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	rs, ok := e.runs[id]
	if !ok {
		e.mu.Unlock()
		return types.NotFoundError("workflow run", id)
	}
	if !cancellable(rs.run.Status) {
		status := rs.run.Status
		e.mu.Unlock()
		return types.NewError(types.CodeInvalidState, "workflow run %s is %s and cannot be cancelled", id, status).
			With("status", status)
	}

	e.queue.remove(id)
	e.finishLocked(rs, types.RunCancelled, "cancelled by request")
	snapshot, rev := e.snapshotLocked(rs)
	e.mu.Unlock()

	e.log.Info().Str("run", id).Msg("Workflow cancelled")
	e.changed(rs, snapshot, rev)
	e.signal()
	return nil
}

// Run dispatches queued runs until ctx is done, then waits for in-flight
// runs up to the shutdown timeout.
func (e *Engine) Run(ctx context.Context) error {
	timer := time.NewTimer(e.cfg.RecheckInterval)
	defer timer.Stop()

	for {
		e.dispatch(ctx)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(e.cfg.RecheckInterval)

		select {
		case <-e.wake:
		case <-timer.C:
		case <-ctx.Done():
			if !e.Wait(e.cfg.ShutdownTimeout) {
				e.log.Warn().Msg("Workflow runs still in flight at shutdown")
			}
			return nil
		}
	}
}

// Wait blocks until no run goroutine is active or timeout elapses.
func (e *Engine) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	if timeout <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// dispatch starts head runs while a slot is open and the head is admitted.
// A head run that does not fit blocks the runs behind it.
func (e *Engine) dispatch(ctx context.Context) {
	for ctx.Err() == nil {
		e.mu.Lock()
		if e.running >= e.cfg.MaxConcurrent {
			e.mu.Unlock()
			return
		}
		id, ok := e.queue.peek()
		if !ok {
			e.mu.Unlock()
			return
		}
		rs := e.runs[id]
		if !e.deps.Admission.CanAdmit(rs.run.Requirement) {
			e.mu.Unlock()
			e.log.Debug().Str("run", id).Msg("Waiting for resource headroom")
			return
		}

		e.queue.next()
		e.running++
		rs.slotHeld = true
		e.deps.Admission.Reserve(id, rs.run.Requirement)
		e.transitionLocked(rs, types.RunStarting, "")
		now := time.Now()
		rs.run.StartedAt = &now
		snapshot, rev := e.snapshotLocked(rs)
		e.mu.Unlock()

		e.changed(rs, snapshot, rev)
		e.wg.Add(1)
		go e.execute(ctx, rs)
	}
}

// transitionLocked moves a run to a new status. Caller holds e.mu.
func (e *Engine) transitionLocked(rs *runState, to types.RunStatus, reason string) bool {
	from := rs.run.Status
	if !CanTransition(from, to) {
		e.log.Debug().
			Str("run", rs.run.ID).
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("Ignoring illegal run transition")
		return false
	}
	rs.run.Status = to
	rs.run.History = append(rs.run.History, types.Transition{From: from, To: to, At: time.Now(), Reason: reason})
	return true
}

// finishLocked moves a run to a terminal status, attaches its report and
// frees its slot. Caller holds e.mu.
func (e *Engine) finishLocked(rs *runState, status types.RunStatus, reason string) bool {
	if !e.transitionLocked(rs, status, reason) {
		return false
	}
	now := time.Now()
	rs.run.FinishedAt = &now
	if status == types.RunFailed || status == types.RunPartialCompletion {
		rs.run.Error = reason
	}
	total := len(rs.run.Steps)
	if rs.entry != nil {
		total = len(rs.entry.def.Steps)
	}
	rs.run.Report = BuildReport(rs.run, total, e.cfg)
	e.releaseLocked(rs)

	start := rs.run.SubmittedAt
	if rs.run.StartedAt != nil {
		start = *rs.run.StartedAt
	}
	e.deps.Observer.RunFinished(rs.run.Definition, status, now.Sub(start))
	return true
}

func (e *Engine) releaseLocked(rs *runState) {
	if !rs.slotHeld {
		return
	}
	rs.slotHeld = false
	e.running--
	e.deps.Admission.Release(rs.run.ID)
}

// snapshotLocked copies a run and stamps the copy with a revision.
// Caller holds e.mu.
func (e *Engine) snapshotLocked(rs *runState) (*types.WorkflowRun, uint64) {
	rs.rev++
	return rs.run.Clone(), rs.rev
}

// changed persists and publishes a run snapshot. Snapshots older than the
// last one handled for the run are dropped.
func (e *Engine) changed(rs *runState, run *types.WorkflowRun, rev uint64) {
	e.saveMu.Lock()
	defer e.saveMu.Unlock()

	if rev <= rs.saved {
		return
	}
	rs.saved = rev

	if e.deps.Store != nil {
		if err := e.deps.Store.SaveRun(run); err != nil {
			e.log.Error().Err(err).Str("run", run.ID).Msg("Failed to persist run")
		}
	}
	e.publish(&types.RunEvent{Type: types.EventRunUpdate, Run: run, Time: time.Now()})
}

// advance applies a status change from the run goroutine. It returns false
// when the run was cancelled meanwhile.
func (e *Engine) advance(rs *runState, to types.RunStatus, reason string) bool {
	e.mu.Lock()
	if rs.run.Status == types.RunCancelled {
		e.mu.Unlock()
		return false
	}
	ok := e.transitionLocked(rs, to, reason)
	snapshot, rev := e.snapshotLocked(rs)
	e.mu.Unlock()

	if ok {
		e.changed(rs, snapshot, rev)
	}
	return true
}

func (e *Engine) finish(rs *runState, status types.RunStatus, reason string) {
	e.mu.Lock()
	ok := e.finishLocked(rs, status, reason)
	snapshot, rev := e.snapshotLocked(rs)
	e.mu.Unlock()

	if !ok {
		return
	}
	e.log.Info().
		Str("run", rs.run.ID).
		Str("status", string(status)).
		Str("reason", reason).
		Msg("Workflow finished")
	e.changed(rs, snapshot, rev)
	e.signal()
}

// record appends a step result unless the run was cancelled meanwhile.
func (e *Engine) record(rs *runState, sr types.StepResult) bool {
	e.mu.Lock()
	if rs.run.Status == types.RunCancelled {
		e.mu.Unlock()
		return false
	}
	rs.run.Steps = append(rs.run.Steps, sr)
	snapshot, rev := e.snapshotLocked(rs)
	e.mu.Unlock()

	e.changed(rs, snapshot, rev)
	return true
}

func (e *Engine) cancelled(rs *runState) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return rs.run.Status == types.RunCancelled
}

func (e *Engine) status(rs *runState) types.RunStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return rs.run.Status
}

// execute runs the steps of one run in order.
func (e *Engine) execute(ctx context.Context, rs *runState) {
	defer e.wg.Done()

	if !e.advance(rs, types.RunRunning, "") {
		return
	}

	def := rs.entry.def
	var secrets map[string]string
	if rs.run.Secrets != nil {
		opened, err := e.openSecrets(rs.run.Secrets)
		if err != nil {
			e.finish(rs, types.RunFailed, fmt.Sprintf("failed to open secrets: %v", err))
			return
		}
		secrets = opened
	}

	results := make(map[string]map[string]any, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		if e.cancelled(rs) {
			return
		}
		if ctx.Err() != nil {
			e.finish(rs, types.RunFailed, "orchestrator shutting down")
			return
		}

		sr, fault := e.runStep(ctx, rs, step, secrets, results)
		if e.cancelled(rs) {
			// The run was cancelled while the step was in flight.
			return
		}

		if fault != nil {
			if ctx.Err() != nil {
				// Shutdown aborted the step; that is not an agent fault.
				if e.record(rs, sr) {
					e.finish(rs, types.RunFailed, "orchestrator shutting down")
				}
				return
			}
			if !e.advance(rs, types.RunStepFailed, fault.Error()) {
				return
			}
			f := newFailure(rs.run, step, i, sr.InstanceID, fault)
			out := e.recover(ctx, rs, f, secrets, results, sr)
			if !e.record(rs, out.result) {
				return
			}
			switch out.kind {
			case outcomeRecovered:
				e.finish(rs, types.RunRecovered, fmt.Sprintf("recovered by %s after step %s failed", out.strategy, step.Name))
				return
			case outcomeFailed:
				reason := fmt.Sprintf("step %s failed: %v", step.Name, fault)
				if ctx.Err() != nil {
					reason = "orchestrator shutting down"
				}
				e.finish(rs, types.RunFailed, reason)
				return
			}
			sr = out.result
		} else if !e.record(rs, sr) {
			return
		}

		if sr.Result.OK() {
			if sr.Result.Data != nil {
				results[step.Name] = sr.Result.Data
			}
			if sr.Resolution == "" || sr.Resolution == types.ResolvedRetry {
				e.remember(def.Name, step.Name, sr.Result.Data)
			}
			continue
		}
		if sr.Resolution == types.ResolvedSkip || step.Policy() == types.ContinueAlways {
			continue
		}

		reason := fmt.Sprintf("step %s did not succeed", step.Name)
		if sr.Result != nil && sr.Result.Message != "" {
			reason += ": " + sr.Result.Message
		}
		if e.status(rs) == types.RunStepFailed {
			e.finish(rs, types.RunFailed, reason)
		} else {
			e.finish(rs, types.RunPartialCompletion, reason)
		}
		return
	}

	if e.status(rs) == types.RunStepFailed {
		e.finish(rs, types.RunRecovered, "completed after recovering failed steps")
		return
	}
	e.finish(rs, types.RunCompleted, "")
}

func (e *Engine) openSecrets(payload *types.EncryptedPayload) (map[string]string, error) {
	if e.deps.Sealer == nil {
		return nil, errors.New("no encryption identity configured")
	}
	return e.deps.Sealer.Open(payload)
}

// runStep resolves inputs and invokes the step once.
func (e *Engine) runStep(ctx context.Context, rs *runState, step *types.Step, secrets map[string]string, results map[string]map[string]any) (types.StepResult, error) {
	sr := types.StepResult{
		Step:      step.Name,
		Agent:     step.Agent,
		Action:    step.Action,
		StartedAt: time.Now(),
	}

	params, err := resolveParams(rs.run.Params, secrets, step, results)
	if err != nil {
		sr.Error = err.Error()
		sr.FinishedAt = time.Now()
		return sr, err
	}

	instanceID, result, err := e.invoke(ctx, step, params)
	sr.Attempts = 1
	sr.InstanceID = instanceID
	sr.Result = result
	sr.FinishedAt = time.Now()
	if err != nil {
		sr.Error = err.Error()
	}
	return sr, err
}

func (e *Engine) invoke(ctx context.Context, step *types.Step, params map[string]any) (string, *types.ActionResult, error) {
	timeout := e.cfg.StepTimeout
	if step.Timeout > 0 {
		timeout = step.Timeout.Std()
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	instanceID, result, err := e.deps.Agents.Invoke(stepCtx, step.Agent, step.Action, params)
	if err == nil && result == nil {
		err = fmt.Errorf("agent %s returned no result for %s", step.Agent, step.Action)
	}
	e.deps.Observer.StepFinished(step.Agent, step.Action, time.Since(start), err)
	return instanceID, result, err
}

// resolveParams layers submission params, secrets, static step params and
// mapped prior results, later layers winning.
func resolveParams(submitted map[string]any, secrets map[string]string, step *types.Step, results map[string]map[string]any) (map[string]any, error) {
	params := types.CloneMap(submitted)
	if params == nil {
		params = make(map[string]any)
	}
	for k, v := range secrets {
		params[k] = v
	}
	for k, v := range types.CloneMap(step.Params) {
		params[k] = v
	}
	for param, ref := range step.Inputs {
		source, key, hasKey := strings.Cut(ref, ".")
		data, ok := results[source]
		if !ok {
			return nil, types.ValidationError("input %s: step %s produced no result", param, source)
		}
		if !hasKey {
			params[param] = types.CloneMap(data)
			continue
		}
		v, ok := data[key]
		if !ok {
			return nil, types.ValidationError("input %s: step %s result has no %s", param, source, key)
		}
		params[param] = v
	}
	return params, nil
}

func (e *Engine) remember(definition, step string, data map[string]any) {
	if data == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastGood[definition+"/"+step] = types.CloneMap(data)
}

func (e *Engine) lastResult(definition, step string) (map[string]any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	data, ok := e.lastGood[definition+"/"+step]
	return types.CloneMap(data), ok
}

type outcomeKind int

const (
	outcomeFailed outcomeKind = iota
	outcomeRecovered
	outcomeResumed
)

type recoveryOutcome struct {
	kind     outcomeKind
	strategy string
	result   types.StepResult
}

// recover offers a failure to the definition's strategies, then to the
// retry, skip and substitute fallbacks.
func (e *Engine) recover(ctx context.Context, rs *runState, f *Failure, secrets map[string]string, results map[string]map[string]any, failed types.StepResult) recoveryOutcome {
	log := e.log.With().Str("run", f.RunID).Str("step", f.Step.Name).Str("code", f.Code).Logger()

	for _, s := range rs.entry.strategies {
		if !s.Match(f) {
			continue
		}
		result, err := s.Recover(ctx, f, e.deps.Agents)
		if err == nil {
			log.Info().Str("strategy", s.Name).Msg("Recovery strategy succeeded")
			sr := failed
			sr.Resolution = types.ResolvedStrategy
			if result != nil {
				sr.Result = result
			}
			return recoveryOutcome{kind: outcomeRecovered, strategy: s.Name, result: sr}
		}
		log.Warn().Err(err).Str("strategy", s.Name).Msg("Recovery strategy did not recover the run")
		break
	}

	if sr, ok := e.retry(ctx, rs, f, secrets, results, failed); ok {
		log.Info().Int("attempts", sr.Attempts).Msg("Step succeeded on retry")
		return recoveryOutcome{kind: outcomeResumed, result: sr}
	}
	if ctx.Err() != nil {
		log.Warn().Msg("Shutdown interrupted recovery")
		return recoveryOutcome{kind: outcomeFailed, result: failed}
	}

	if f.Step.Policy() == types.ContinueAlways {
		log.Info().Msg("Skipping failed step")
		sr := failed
		sr.Resolution = types.ResolvedSkip
		return recoveryOutcome{kind: outcomeResumed, result: sr}
	}

	data := types.CloneMap(f.Step.FallbackData)
	source := "fallback data"
	if data == nil {
		if last, ok := e.lastResult(f.Definition, f.Step.Name); ok {
			data, source = last, "last successful result"
		}
	}
	if data != nil {
		log.Info().Str("source", source).Msg("Substituting step result")
		sr := failed
		sr.Resolution = types.ResolvedSubstitute
		sr.Result = &types.ActionResult{
			Status:   types.ActionSuccess,
			Data:     data,
			Warnings: []string{fmt.Sprintf("step %s substituted with %s", f.Step.Name, source)},
		}
		return recoveryOutcome{kind: outcomeResumed, result: sr}
	}

	log.Error().Err(f.Err).Msg("Recovery exhausted")
	return recoveryOutcome{kind: outcomeFailed, result: failed}
}

// retry re-invokes the failed step with exponential backoff. Input
// resolution errors are not retried.
func (e *Engine) retry(ctx context.Context, rs *runState, f *Failure, secrets map[string]string, results map[string]map[string]any, failed types.StepResult) (types.StepResult, bool) {
	if e.cfg.RetryAttempts < 1 || errors.Is(f.Err, types.ErrValidation) {
		return failed, false
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryInterval
	b.MaxElapsedTime = e.cfg.RetryMaxElapsed

	sr := failed
	op := func() error {
		if e.cancelled(rs) {
			return backoff.Permanent(errors.New("run cancelled"))
		}
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		params, err := resolveParams(rs.run.Params, secrets, f.Step, results)
		if err != nil {
			return backoff.Permanent(err)
		}
		sr.Attempts++
		instanceID, result, err := e.invoke(ctx, f.Step, params)
		if err != nil {
			sr.Error = err.Error()
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		sr.InstanceID = instanceID
		sr.Result = result
		sr.Error = ""
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.cfg.RetryAttempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return failed, false
	}
	sr.Resolution = types.ResolvedRetry
	sr.FinishedAt = time.Now()
	return sr, true
}

// Subscribe returns a channel receiving run events.
func (e *Engine) Subscribe(id string) <-chan *types.RunEvent {
	e.subscribersMu.Lock()
	defer e.subscribersMu.Unlock()

	ch := make(chan *types.RunEvent, 100)
	e.subscribers[id] = ch
	return ch
}

// Unsubscribe closes and removes a subscription.
func (e *Engine) Unsubscribe(id string) {
	e.subscribersMu.Lock()
	defer e.subscribersMu.Unlock()

	if ch, ok := e.subscribers[id]; ok {
		close(ch)
		delete(e.subscribers, id)
	}
}

func (e *Engine) publish(ev *types.RunEvent) {
	e.subscribersMu.RLock()
	defer e.subscribersMu.RUnlock()

	for _, ch := range e.subscribers {
		select {
		case ch <- ev:
		default:
			// Channel full, skip
		}
	}
}

type nopObserver struct{}

func (nopObserver) RunSubmitted(string)                                {}
func (nopObserver) RunFinished(string, types.RunStatus, time.Duration) {}
func (nopObserver) StepFinished(string, string, time.Duration, error)  {}
