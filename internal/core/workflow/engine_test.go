package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roea-ai/reel/pkg/types"
)

type invokeFunc func(ctx context.Context, params map[string]any) (*types.ActionResult, error)

type fakeAgents struct {
	mu       sync.Mutex
	kinds    map[string]*types.AgentKind
	handlers map[string]invokeFunc // by action
	calls    []string
	params   []map[string]any
	restarts []string
	bounced  []string // instance restarts
	notified []*Failure
}

func newFakeAgents() *fakeAgents {
	return &fakeAgents{
		kinds: map[string]*types.AgentKind{
			"video-editor":     {Name: "video-editor", Requirement: types.Requirement{CPU: 2, MemoryMB: 2048}},
			"social-publisher": {Name: "social-publisher", Capabilities: []string{"publish"}, Requirement: types.Requirement{CPU: 0.25, DiskMB: 10}},
		},
		handlers: make(map[string]invokeFunc),
	}
}

func (f *fakeAgents) Lookup(name string) (*types.AgentKind, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.kinds[name]
	if !ok {
		return nil, types.NotFoundError("agent kind", name)
	}
	c := *k
	return &c, nil
}

func (f *fakeAgents) handle(action string, fn invokeFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[action] = fn
}

func (f *fakeAgents) Invoke(ctx context.Context, kind, action string, params map[string]any) (string, *types.ActionResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, action)
	f.params = append(f.params, params)
	h := f.handlers[action]
	f.mu.Unlock()

	if h == nil {
		return kind + "-1", &types.ActionResult{Status: types.ActionSuccess, Data: map[string]any{"out": action}}, nil
	}
	res, err := h(ctx, params)
	return kind + "-1", res, err
}

func (f *fakeAgents) RestartInstance(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bounced = append(f.bounced, id)
	return nil
}

func (f *fakeAgents) RestartKind(_ context.Context, kind string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, kind)
	return nil
}

func (f *fakeAgents) Notify(fl *Failure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, fl)
}

func (f *fakeAgents) callList() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeAdmission struct {
	mu       sync.Mutex
	allow    bool
	reserved map[string]types.Requirement
}

func (a *fakeAdmission) CanAdmit(types.Requirement) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allow
}

func (a *fakeAdmission) Reserve(id string, req types.Requirement) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reserved[id] = req
}

func (a *fakeAdmission) Release(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, id)
}

func (a *fakeAdmission) setAllow(v bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allow = v
}

func (a *fakeAdmission) reservations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.reserved)
}

// jsonSealer stands in for the age sealer.
type jsonSealer struct{}

func (jsonSealer) Seal(secrets map[string]string) (*types.EncryptedPayload, error) {
	b, err := json.Marshal(secrets)
	if err != nil {
		return nil, err
	}
	return &types.EncryptedPayload{Version: 1, Ciphertext: string(b)}, nil
}

func (jsonSealer) Open(p *types.EncryptedPayload) (map[string]string, error) {
	var out map[string]string
	err := json.Unmarshal([]byte(p.Ciphertext), &out)
	return out, err
}

type memStore struct {
	mu   sync.Mutex
	runs map[string]*types.WorkflowRun
}

func (s *memStore) SaveRun(run *types.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
	return nil
}

func (s *memStore) status(id string) types.RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[id]; ok {
		return r.Status
	}
	return ""
}

type harness struct {
	engine    *Engine
	agents    *fakeAgents
	admission *fakeAdmission
	store     *memStore
}

func testConfig() types.WorkflowConfig {
	cfg := types.DefaultConfig().Workflow
	cfg.RecheckInterval = 10 * time.Millisecond
	cfg.RetryInterval = time.Millisecond
	cfg.RetryMaxElapsed = time.Second
	cfg.ShutdownTimeout = time.Second
	return cfg
}

func newHarness(t *testing.T, cfg types.WorkflowConfig) *harness {
	t.Helper()
	h := &harness{
		agents:    newFakeAgents(),
		admission: &fakeAdmission{allow: true, reserved: make(map[string]types.Requirement)},
		store:     &memStore{runs: make(map[string]*types.WorkflowRun)},
	}
	h.engine = NewEngine(cfg, Deps{
		Agents:    h.agents,
		Admission: h.admission,
		Sealer:    jsonSealer{},
		Store:     h.store,
	}, zerolog.Nop())
	return h
}

// start runs the dispatcher until the test ends.
func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.engine.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) register(t *testing.T, def *types.WorkflowDefinition) {
	t.Helper()
	require.NoError(t, h.engine.RegisterDefinition(def))
}

func (h *harness) submit(t *testing.T, def string, params map[string]any) string {
	t.Helper()
	id, err := h.engine.Submit(&SubmitRequest{Definition: def, Params: params})
	require.NoError(t, err)
	return id
}

func (h *harness) waitFor(t *testing.T, id string, status types.RunStatus) *types.WorkflowRun {
	t.Helper()
	require.Eventually(t, func() bool {
		run, err := h.engine.Get(id)
		return err == nil && run.Status == status
	}, 3*time.Second, 5*time.Millisecond, "run %s never reached %s", id, status)
	run, err := h.engine.Get(id)
	require.NoError(t, err)
	return run
}

func twoSteps(name string) *types.WorkflowDefinition {
	return &types.WorkflowDefinition{
		Name: name,
		Steps: []types.Step{
			{Name: "cut", Agent: "video-editor", Action: "cut"},
			{Name: "publish", Agent: "social-publisher", Action: "publish"},
		},
	}
}

func assertLegalHistory(t *testing.T, run *types.WorkflowRun) {
	t.Helper()
	for _, tr := range run.History[1:] {
		assert.True(t, CanTransition(tr.From, tr.To), "illegal transition %s -> %s", tr.From, tr.To)
	}
}

func fault(msg string) invokeFunc {
	return func(context.Context, map[string]any) (*types.ActionResult, error) {
		return nil, errors.New(msg)
	}
}

func TestRunCompletes(t *testing.T) {
	h := newHarness(t, testConfig())
	h.register(t, twoSteps("promo"))
	h.start(t)

	id := h.submit(t, "promo", map[string]any{"title": "launch"})
	run := h.waitFor(t, id, types.RunCompleted)

	assert.Len(t, run.Steps, 2)
	assert.Equal(t, []string{"cut", "publish"}, h.agents.callList())
	require.NotNil(t, run.Report)
	assert.Equal(t, 2, run.Report.Succeeded)
	assert.Empty(t, run.Report.Recommendations)
	assert.Equal(t, types.Requirement{CPU: 2, MemoryMB: 2048, DiskMB: 10}, run.Requirement)
	assertLegalHistory(t, run)
	assert.Equal(t, 0, h.admission.reservations())

	require.Eventually(t, func() bool { return h.store.status(id) == types.RunCompleted }, time.Second, 5*time.Millisecond)
}

func TestOnSuccessOnlyHaltsAsPartialCompletion(t *testing.T) {
	h := newHarness(t, testConfig())
	h.register(t, twoSteps("promo"))
	h.agents.handle("cut", func(context.Context, map[string]any) (*types.ActionResult, error) {
		return &types.ActionResult{Status: types.ActionFailed, Message: "codec unsupported"}, nil
	})
	h.start(t)

	id := h.submit(t, "promo", nil)
	run := h.waitFor(t, id, types.RunPartialCompletion)

	assert.Len(t, run.Steps, 1)
	assert.Equal(t, []string{"cut"}, h.agents.callList())
	assert.Contains(t, run.Error, "codec unsupported")
	assert.Equal(t, 1, run.Report.Failed)
}

func TestOnAnyResultContinues(t *testing.T) {
	h := newHarness(t, testConfig())
	def := twoSteps("promo")
	def.Steps[0].Continue = types.ContinueAlways
	h.register(t, def)
	h.agents.handle("cut", func(context.Context, map[string]any) (*types.ActionResult, error) {
		return &types.ActionResult{Status: types.ActionError, Warnings: []string{"dropped frames"}}, nil
	})
	h.start(t)

	id := h.submit(t, "promo", nil)
	run := h.waitFor(t, id, types.RunCompleted)
	assert.Len(t, run.Steps, 2)
	assert.Equal(t, []string{"dropped frames"}, run.Report.Warnings)
}

func TestEqualPriorityIsFIFOAndCapHoldsSecondRun(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	h := newHarness(t, cfg)
	h.register(t, &types.WorkflowDefinition{
		Name:  "render",
		Steps: []types.Step{{Name: "render", Agent: "video-editor", Action: "render"}},
	})

	gate := make(chan struct{})
	var mu sync.Mutex
	var order []string
	h.agents.handle("render", func(ctx context.Context, params map[string]any) (*types.ActionResult, error) {
		mu.Lock()
		order = append(order, params["tag"].(string))
		mu.Unlock()
		if params["tag"] == "A" {
			<-gate
		}
		return &types.ActionResult{Status: types.ActionSuccess}, nil
	})

	a := h.submit(t, "render", map[string]any{"tag": "A"})
	b := h.submit(t, "render", map[string]any{"tag": "B"})
	h.start(t)

	h.waitFor(t, a, types.RunRunning)
	time.Sleep(50 * time.Millisecond)
	run, err := h.engine.Get(b)
	require.NoError(t, err)
	assert.Equal(t, types.RunQueued, run.Status)
	assert.Equal(t, 1, h.engine.Stats().Running)

	close(gate)
	h.waitFor(t, a, types.RunCompleted)
	h.waitFor(t, b, types.RunCompleted)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A", "B"}, order)
}

func TestLowerPriorityValueStartsFirst(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	h := newHarness(t, cfg)
	h.register(t, twoSteps("promo"))

	low, high := 9, 1
	first, err := h.engine.Submit(&SubmitRequest{Definition: "promo", Priority: &low})
	require.NoError(t, err)
	second, err := h.engine.Submit(&SubmitRequest{Definition: "promo", Priority: &high})
	require.NoError(t, err)
	h.start(t)

	r1 := h.waitFor(t, first, types.RunCompleted)
	r2 := h.waitFor(t, second, types.RunCompleted)
	assert.True(t, r2.StartedAt.Before(*r1.StartedAt))
}

func TestAdmissionDeniedKeepsRunQueued(t *testing.T) {
	h := newHarness(t, testConfig())
	h.register(t, twoSteps("promo"))
	h.admission.setAllow(false)
	h.start(t)

	id := h.submit(t, "promo", nil)
	time.Sleep(60 * time.Millisecond)

	run, err := h.engine.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.RunQueued, run.Status)
	assert.Equal(t, 1, h.engine.Stats().Queued)
	assert.Empty(t, h.agents.callList())

	h.admission.setAllow(true)
	h.waitFor(t, id, types.RunCompleted)
}

func TestMatchingStrategyShortCircuits(t *testing.T) {
	h := newHarness(t, testConfig())
	def := twoSteps("promo")
	def.Recovery = []types.RecoverySpec{
		{Name: "never", When: types.RecoveryMatch{Step: "publish"}, Action: types.RecoverSkipRemaining},
		{Name: "disk", When: types.RecoveryMatch{MessageContains: "disk full"}, Action: types.RecoverSkipRemaining},
	}
	h.register(t, def)
	h.agents.handle("cut", fault("write failed: disk full"))
	h.start(t)

	id := h.submit(t, "promo", nil)
	run := h.waitFor(t, id, types.RunRecovered)

	assert.Equal(t, []string{"cut"}, h.agents.callList())
	require.Len(t, run.Steps, 1)
	assert.Equal(t, types.ResolvedStrategy, run.Steps[0].Resolution)
	assert.Contains(t, run.History[len(run.History)-1].Reason, "disk")
	assertLegalHistory(t, run)
	assert.Contains(t, run.Report.Recommendations[len(run.Report.Recommendations)-1], "recovery")
}

func TestRestartAgentStrategy(t *testing.T) {
	h := newHarness(t, testConfig())
	def := twoSteps("promo")
	def.Recovery = []types.RecoverySpec{{When: types.RecoveryMatch{ErrorCode: string(types.CodeAgentUnavailable)}, Action: types.RecoverRestartAgent}}
	h.register(t, def)
	h.agents.handle("cut", func(context.Context, map[string]any) (*types.ActionResult, error) {
		return nil, types.NewError(types.CodeAgentUnavailable, "no available instance of agent kind video-editor")
	})
	h.start(t)

	id := h.submit(t, "promo", nil)
	h.waitFor(t, id, types.RunRecovered)

	h.agents.mu.Lock()
	defer h.agents.mu.Unlock()
	assert.Equal(t, []string{"video-editor"}, h.agents.restarts)
	assert.Empty(t, h.agents.bounced)
}

func TestRestartAgentStrategyRestartsFaultingInstance(t *testing.T) {
	h := newHarness(t, testConfig())
	def := twoSteps("promo")
	def.Recovery = []types.RecoverySpec{{When: types.RecoveryMatch{MessageContains: "segfault"}, Action: types.RecoverRestartAgent}}
	h.register(t, def)
	h.agents.handle("cut", fault("encoder segfault"))
	h.start(t)

	id := h.submit(t, "promo", nil)
	run := h.waitFor(t, id, types.RunRecovered)
	assert.Equal(t, "video-editor-1", run.Steps[0].InstanceID)

	h.agents.mu.Lock()
	defer h.agents.mu.Unlock()
	assert.Equal(t, []string{"video-editor-1"}, h.agents.bounced)
	assert.Empty(t, h.agents.restarts)
}

func TestTimeoutMatchesTimeoutCode(t *testing.T) {
	h := newHarness(t, testConfig())
	def := twoSteps("promo")
	def.Steps[0].Timeout = types.Duration(20 * time.Millisecond)
	def.Recovery = []types.RecoverySpec{{When: types.RecoveryMatch{ErrorCode: CodeTimeout}, Action: types.RecoverSkipRemaining}}
	h.register(t, def)
	h.agents.handle("cut", func(ctx context.Context, _ map[string]any) (*types.ActionResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h.start(t)

	id := h.submit(t, "promo", nil)
	run := h.waitFor(t, id, types.RunRecovered)
	assert.Len(t, run.Steps, 1)
}

func TestNotifyFallsThroughToRetry(t *testing.T) {
	h := newHarness(t, testConfig())
	def := twoSteps("promo")
	def.Recovery = []types.RecoverySpec{{Action: types.RecoverNotify}}
	h.register(t, def)

	var mu sync.Mutex
	calls := 0
	h.agents.handle("cut", func(context.Context, map[string]any) (*types.ActionResult, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, errors.New("connection reset")
		}
		return &types.ActionResult{Status: types.ActionSuccess, Data: map[string]any{"clip": "c1"}}, nil
	})
	h.start(t)

	id := h.submit(t, "promo", nil)
	run := h.waitFor(t, id, types.RunRecovered)

	require.Len(t, run.Steps, 2)
	assert.Equal(t, types.ResolvedRetry, run.Steps[0].Resolution)
	assert.Equal(t, 2, run.Steps[0].Attempts)
	assert.Empty(t, run.Steps[0].Error)
	assert.Equal(t, "c1", run.Steps[0].Result.Data["clip"])
	assert.Equal(t, []string{"cut", "cut", "publish"}, h.agents.callList())

	h.agents.mu.Lock()
	defer h.agents.mu.Unlock()
	require.Len(t, h.agents.notified, 1)
	assert.Equal(t, "cut", h.agents.notified[0].Step.Name)
}

func TestSkipFallbackForAnyResultStep(t *testing.T) {
	cfg := testConfig()
	cfg.RetryAttempts = 2
	h := newHarness(t, cfg)
	def := twoSteps("promo")
	def.Steps[0].Continue = types.ContinueAlways
	h.register(t, def)
	h.agents.handle("cut", fault("crashed"))
	h.start(t)

	id := h.submit(t, "promo", nil)
	run := h.waitFor(t, id, types.RunRecovered)

	require.Len(t, run.Steps, 2)
	assert.Equal(t, types.ResolvedSkip, run.Steps[0].Resolution)
	assert.Equal(t, 1, run.Report.Skipped)
	assert.Equal(t, []string{"cut", "cut", "cut", "publish"}, h.agents.callList())
}

func TestSubstituteFallbackFeedsLaterSteps(t *testing.T) {
	cfg := testConfig()
	cfg.RetryAttempts = 1
	h := newHarness(t, cfg)
	def := twoSteps("promo")
	def.Steps[0].FallbackData = map[string]any{"clip": "cached.mp4"}
	def.Steps[1].Inputs = map[string]string{"video": "cut.clip"}
	h.register(t, def)
	h.agents.handle("cut", fault("crashed"))
	h.start(t)

	id := h.submit(t, "promo", nil)
	run := h.waitFor(t, id, types.RunRecovered)

	require.Len(t, run.Steps, 2)
	assert.Equal(t, types.ResolvedSubstitute, run.Steps[0].Resolution)
	assert.Equal(t, 1, run.Report.Substituted)

	h.agents.mu.Lock()
	defer h.agents.mu.Unlock()
	assert.Equal(t, "cached.mp4", h.agents.params[len(h.agents.params)-1]["video"])
}

func TestSubstituteUsesLastSuccessfulResult(t *testing.T) {
	cfg := testConfig()
	cfg.RetryAttempts = 1
	h := newHarness(t, cfg)
	def := twoSteps("promo")
	def.Steps[1].Inputs = map[string]string{"video": "cut.clip"}
	h.register(t, def)
	h.agents.handle("cut", func(context.Context, map[string]any) (*types.ActionResult, error) {
		return &types.ActionResult{Status: types.ActionSuccess, Data: map[string]any{"clip": "first.mp4"}}, nil
	})
	h.start(t)

	first := h.submit(t, "promo", nil)
	h.waitFor(t, first, types.RunCompleted)

	h.agents.handle("cut", fault("crashed"))
	second := h.submit(t, "promo", nil)
	run := h.waitFor(t, second, types.RunRecovered)
	assert.Equal(t, "first.mp4", run.Steps[0].Result.Data["clip"])
}

func TestExhaustedRecoveryFails(t *testing.T) {
	cfg := testConfig()
	cfg.RetryAttempts = 2
	h := newHarness(t, cfg)
	h.register(t, twoSteps("promo"))
	h.agents.handle("cut", fault("crashed"))
	h.start(t)

	id := h.submit(t, "promo", nil)
	run := h.waitFor(t, id, types.RunFailed)

	require.Len(t, run.Steps, 1)
	assert.Equal(t, "crashed", run.Steps[0].Error)
	assert.Equal(t, 1, run.Report.Failed)
	assert.NotEmpty(t, run.Report.Recommendations)
	assert.Equal(t, []string{"cut", "cut", "cut"}, h.agents.callList())
	assertLegalHistory(t, run)
}

func TestShutdownMidStepFailsWithoutRecovery(t *testing.T) {
	h := newHarness(t, testConfig())
	def := twoSteps("promo")
	def.Steps[0].FallbackData = map[string]any{"clip": "cached.mp4"}
	def.Recovery = []types.RecoverySpec{{Action: types.RecoverSkipRemaining}}
	h.register(t, def)
	h.agents.handle("cut", func(ctx context.Context, _ map[string]any) (*types.ActionResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.engine.Run(ctx)
		close(done)
	}()

	id := h.submit(t, "promo", nil)
	require.Eventually(t, func() bool { return len(h.agents.callList()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	run, err := h.engine.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.RunFailed, run.Status)
	assert.Equal(t, "orchestrator shutting down", run.Error)
	require.Len(t, run.Steps, 1)
	assert.Empty(t, run.Steps[0].Resolution)
	assert.Equal(t, []string{"cut"}, h.agents.callList())
	assertLegalHistory(t, run)
	for _, tr := range run.History {
		assert.NotEqual(t, types.RunStepFailed, tr.To)
	}
}

func TestCancelAfterResumedFaultIsInvalidState(t *testing.T) {
	cfg := testConfig()
	cfg.RetryAttempts = 1
	h := newHarness(t, cfg)
	def := twoSteps("promo")
	def.Steps[0].Continue = types.ContinueAlways
	h.register(t, def)
	h.agents.handle("cut", fault("crashed"))
	gate := make(chan struct{})
	h.agents.handle("publish", func(context.Context, map[string]any) (*types.ActionResult, error) {
		<-gate
		return &types.ActionResult{Status: types.ActionSuccess}, nil
	})
	h.start(t)

	id := h.submit(t, "promo", nil)
	require.Eventually(t, func() bool { return len(h.agents.callList()) == 3 }, time.Second, 5*time.Millisecond)

	err := h.engine.Cancel(id)
	assert.ErrorIs(t, err, types.ErrInvalidState)

	close(gate)
	run := h.waitFor(t, id, types.RunRecovered)
	assert.Len(t, run.Steps, 2)
	assertLegalHistory(t, run)
}

func TestUnresolvedInputIsNotRetried(t *testing.T) {
	h := newHarness(t, testConfig())
	def := twoSteps("promo")
	def.Steps[1].Inputs = map[string]string{"video": "cut.missing"}
	h.register(t, def)
	h.start(t)

	id := h.submit(t, "promo", nil)
	run := h.waitFor(t, id, types.RunFailed)
	assert.Contains(t, run.Error, "has no missing")
	assert.Equal(t, []string{"cut"}, h.agents.callList())
}

func TestParameterLayering(t *testing.T) {
	h := newHarness(t, testConfig())
	def := twoSteps("promo")
	def.Steps[0].Params = map[string]any{"preset": "1080p", "title": "static"}
	def.Steps[1].Inputs = map[string]string{"clip": "cut"}
	h.register(t, def)
	h.start(t)

	id, err := h.engine.Submit(&SubmitRequest{
		Definition: "promo",
		Params:     map[string]any{"title": "submitted", "lang": "en"},
		Secrets:    map[string]string{"api_token": "s3cret"},
	})
	require.NoError(t, err)
	run := h.waitFor(t, id, types.RunCompleted)

	require.NotNil(t, run.Secrets)
	assert.NotContains(t, run.Params, "api_token")

	h.agents.mu.Lock()
	defer h.agents.mu.Unlock()
	cut := h.agents.params[0]
	assert.Equal(t, "static", cut["title"])
	assert.Equal(t, "en", cut["lang"])
	assert.Equal(t, "1080p", cut["preset"])
	assert.Equal(t, "s3cret", cut["api_token"])
	assert.Equal(t, map[string]any{"out": "cut"}, h.agents.params[1]["clip"])
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, testConfig())
	def := twoSteps("promo")
	def.RequiredParams = []string{"source"}
	h.register(t, def)

	_, err := h.engine.Submit(&SubmitRequest{Definition: "nope"})
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = h.engine.Submit(&SubmitRequest{Definition: "promo"})
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = h.engine.Submit(&SubmitRequest{Definition: "promo", Secrets: map[string]string{"source": "s3://bucket/raw.mov"}})
	assert.NoError(t, err)

	assert.Empty(t, h.engine.List(&types.RunFilter{Status: []types.RunStatus{types.RunFailed}}))
	assert.Len(t, h.engine.List(nil), 1)
}

func TestRegisterDefinitionErrors(t *testing.T) {
	h := newHarness(t, testConfig())
	h.register(t, twoSteps("promo"))

	err := h.engine.RegisterDefinition(twoSteps("promo"))
	assert.ErrorIs(t, err, types.ErrAlreadyRegistered)

	bad := twoSteps("other")
	bad.Steps[1].Agent = "ghost"
	assert.ErrorIs(t, h.engine.RegisterDefinition(bad), types.ErrValidation)

	bad = twoSteps("other")
	bad.Steps[1].Action = "render"
	assert.ErrorIs(t, h.engine.RegisterDefinition(bad), types.ErrValidation)

	_, err = h.engine.Definition("other")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Len(t, h.engine.Definitions(), 1)
}

func TestCancelQueuedRun(t *testing.T) {
	h := newHarness(t, testConfig())
	h.register(t, twoSteps("promo"))

	id := h.submit(t, "promo", nil)
	require.NoError(t, h.engine.Cancel(id))

	run, err := h.engine.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.RunCancelled, run.Status)
	assert.Equal(t, 0, h.engine.Stats().Queued)
	require.NotNil(t, run.Report)

	h.start(t)
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, h.agents.callList())
}

func TestCancelDiscardsInFlightStep(t *testing.T) {
	h := newHarness(t, testConfig())
	h.register(t, twoSteps("promo"))

	gate := make(chan struct{})
	h.agents.handle("cut", func(context.Context, map[string]any) (*types.ActionResult, error) {
		<-gate
		return &types.ActionResult{Status: types.ActionSuccess}, nil
	})
	h.start(t)

	id := h.submit(t, "promo", nil)
	h.waitFor(t, id, types.RunRunning)
	require.Eventually(t, func() bool { return len(h.agents.callList()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.engine.Cancel(id))
	assert.Equal(t, 0, h.admission.reservations())
	assert.Equal(t, 0, h.engine.Stats().Running)

	close(gate)
	require.True(t, h.engine.Wait(time.Second))

	run, err := h.engine.Get(id)
	require.NoError(t, err)
	assert.Equal(t, types.RunCancelled, run.Status)
	assert.Empty(t, run.Steps)
	assert.Equal(t, []string{"cut"}, h.agents.callList())
	assertLegalHistory(t, run)
}

func TestCancelTerminalRunIsInvalidState(t *testing.T) {
	h := newHarness(t, testConfig())
	h.register(t, twoSteps("promo"))
	h.start(t)

	id := h.submit(t, "promo", nil)
	before := h.waitFor(t, id, types.RunCompleted)

	err := h.engine.Cancel(id)
	assert.ErrorIs(t, err, types.ErrInvalidState)

	after, err := h.engine.Get(id)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	assert.ErrorIs(t, h.engine.Cancel("missing"), types.ErrNotFound)
}

func TestGetIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig())
	h.register(t, twoSteps("promo"))
	id := h.submit(t, "promo", map[string]any{"nested": map[string]any{"k": "v"}})

	first, err := h.engine.Get(id)
	require.NoError(t, err)
	second, err := h.engine.Get(id)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	first.Params["nested"].(map[string]any)["k"] = "changed"
	third, err := h.engine.Get(id)
	require.NoError(t, err)
	assert.Equal(t, second, third)
}

func TestAdoptRestoredRuns(t *testing.T) {
	h := newHarness(t, testConfig())
	h.register(t, twoSteps("promo"))

	queued := &types.WorkflowRun{ID: "q", Definition: "promo", Status: types.RunQueued, SubmittedAt: time.Now()}
	running := &types.WorkflowRun{ID: "r", Definition: "promo", Status: types.RunRunning, SubmittedAt: time.Now()}
	done := &types.WorkflowRun{ID: "d", Definition: "promo", Status: types.RunCompleted, SubmittedAt: time.Now()}
	orphan := &types.WorkflowRun{ID: "o", Definition: "gone", Status: types.RunQueued, SubmittedAt: time.Now()}
	for _, r := range []*types.WorkflowRun{queued, running, done, orphan} {
		require.NoError(t, h.engine.Adopt(r))
	}
	assert.ErrorIs(t, h.engine.Adopt(done), types.ErrAlreadyRegistered)

	run, _ := h.engine.Get("r")
	assert.Equal(t, types.RunFailed, run.Status)
	assert.Equal(t, "orchestrator restarted", run.Error)

	run, _ = h.engine.Get("o")
	assert.Equal(t, types.RunFailed, run.Status)

	h.start(t)
	h.waitFor(t, "q", types.RunCompleted)

	run, _ = h.engine.Get("d")
	assert.Equal(t, types.RunCompleted, run.Status)
}

func TestSubscribeReceivesRunUpdates(t *testing.T) {
	h := newHarness(t, testConfig())
	h.register(t, twoSteps("promo"))
	events := h.engine.Subscribe("test")
	t.Cleanup(func() { h.engine.Unsubscribe("test") })
	h.start(t)

	id := h.submit(t, "promo", nil)
	h.waitFor(t, id, types.RunCompleted)

	var last types.RunStatus
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-events:
				assert.Equal(t, types.EventRunUpdate, ev.Type)
				last = ev.Run.Status
			default:
				return last == types.RunCompleted
			}
		}
	}, time.Second, 5*time.Millisecond)
}
