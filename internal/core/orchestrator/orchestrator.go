// Package orchestrator composes the agent registry, the resource and health
// monitors and the workflow engine behind the daemon's boundary operations.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/roea-ai/reel/internal/core/agent"
	"github.com/roea-ai/reel/internal/core/health"
	"github.com/roea-ai/reel/internal/core/resource"
	"github.com/roea-ai/reel/internal/core/workflow"
	"github.com/roea-ai/reel/internal/store"
	"github.com/roea-ai/reel/internal/telemetry"
	"github.com/roea-ai/reel/pkg/types"
)

// DefaultDriver runs kinds that do not name a driver.
const DefaultDriver = "local"

// maxOutcomes bounds the in-memory healing log.
const maxOutcomes = 100

// Options are the optional collaborators of an Orchestrator.
type Options struct {
	Drivers []agent.Driver
	Sampler resource.Sampler
	Sealer  workflow.Sealer    // nil rejects submissions carrying secrets
	Store   *store.Store       // nil keeps everything in memory
	Metrics *telemetry.Metrics // nil disables instrumentation
}

// Orchestrator is the single authority over agent instances and runs.
type Orchestrator struct {
	cfg       *types.Config
	log       zerolog.Logger
	registry  *agent.Registry
	drivers   map[string]agent.Driver
	resources *resource.Monitor
	health    *health.Monitor
	engine    *workflow.Engine
	metrics   *telemetry.Metrics

	runs      *store.RunStore
	instances *store.InstanceStore
	catalog   *store.CatalogStore
	healing   *store.HealingStore

	// Serializes deploy, terminate and restart
	lifecycleMu sync.Mutex

	outcomesMu sync.RWMutex
	outcomes   []*types.HealingOutcome

	// Event subscribers
	subscribersMu sync.RWMutex
	subscribers   map[string]chan *types.WebSocketMessage
}

// New creates an Orchestrator over registry.
func New(cfg *types.Config, registry *agent.Registry, opts Options, log zerolog.Logger) (*Orchestrator, error) {
	if opts.Sampler == nil {
		return nil, errors.New("orchestrator: a resource sampler is required")
	}

	o := &Orchestrator{
		cfg:         cfg,
		log:         log.With().Str("component", "orchestrator").Logger(),
		registry:    registry,
		drivers:     make(map[string]agent.Driver),
		metrics:     opts.Metrics,
		subscribers: make(map[string]chan *types.WebSocketMessage),
	}
	for _, d := range opts.Drivers {
		o.drivers[d.Name()] = d
	}
	if opts.Store != nil {
		o.runs = store.NewRunStore(opts.Store)
		o.instances = store.NewInstanceStore(opts.Store)
		o.catalog = store.NewCatalogStore(opts.Store)
		o.healing = store.NewHealingStore(opts.Store)
	}

	o.resources = resource.NewMonitor(opts.Sampler, cfg.Resources, log)
	o.resources.SetTargets(o.processTargets)
	o.resources.OnUsage(registry.RecordUsage)

	deps := workflow.Deps{
		Agents:    o,
		Admission: o.resources,
		Sealer:    opts.Sealer,
	}
	if o.runs != nil {
		deps.Store = o.runs
	}
	if opts.Metrics != nil {
		deps.Observer = opts.Metrics
	}
	o.engine = workflow.NewEngine(cfg.Workflow, deps, log)

	o.health = health.NewMonitor(cfg.Health, o.resources, o.engine, registry, opts.Sampler, log)
	o.health.OnEvaluate(o.syncState)

	return o, nil
}

// Registry returns the agent registry.
func (o *Orchestrator) Registry() *agent.Registry { return o.registry }

// Resources returns the resource monitor.
func (o *Orchestrator) Resources() *resource.Monitor { return o.resources }

// Health returns the health monitor.
func (o *Orchestrator) Health() *health.Monitor { return o.health }

// Engine returns the workflow engine.
func (o *Orchestrator) Engine() *workflow.Engine { return o.engine }

// Run starts the background loops and blocks until ctx is done. On return
// every deployed instance has been stopped.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info().
		Int("kinds", len(o.registry.Kinds())).
		Int("definitions", len(o.engine.Definitions())).
		Msg("Orchestrator started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.resources.Run(gctx) })
	g.Go(func() error { return o.health.Run(gctx) })
	g.Go(func() error { return o.engine.Run(gctx) })
	g.Go(func() error { return o.consumeHealing(gctx) })

	err := g.Wait()
	o.shutdown()
	return err
}

func (o *Orchestrator) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Agents.StopTimeout+time.Second)
	defer cancel()

	for _, inst := range o.registry.Instances() {
		if err := o.TerminateAgent(ctx, inst.ID); err != nil {
			o.log.Warn().Err(err).Str("instance", inst.ID).Msg("Failed to stop agent at shutdown")
		}
	}
	o.log.Info().Msg("Orchestrator stopped")
}

// Restore reloads what a previous process persisted: agent kinds, workflow
// definitions and unfinished runs. Instances never survive a restart and are
// recorded as terminated.
func (o *Orchestrator) Restore() error {
	if o.catalog == nil {
		return nil
	}

	kinds, err := o.catalog.ListKinds()
	if err != nil {
		return err
	}
	for _, k := range kinds {
		if err := o.registry.Register(k); err != nil && !errors.Is(err, types.ErrAlreadyRegistered) {
			o.log.Warn().Err(err).Str("kind", k.Name).Msg("Skipping stored agent kind")
		}
	}

	defs, err := o.catalog.ListDefinitions()
	if err != nil {
		return err
	}
	for _, d := range defs {
		if err := o.engine.RegisterDefinition(d); err != nil && !errors.Is(err, types.ErrAlreadyRegistered) {
			o.log.Warn().Err(err).Str("definition", d.Name).Msg("Skipping stored workflow definition")
		}
	}

	stale, err := o.instances.MarkAllTerminated("orchestrator restarted")
	if err != nil {
		return err
	}

	runs, err := o.runs.ListRuns(&types.RunFilter{Status: []types.RunStatus{
		types.RunQueued, types.RunStarting, types.RunRunning, types.RunStepFailed,
	}})
	if err != nil {
		return err
	}
	for _, run := range runs {
		if err := o.engine.Adopt(run); err != nil {
			o.log.Warn().Err(err).Str("run", run.ID).Msg("Failed to adopt stored run")
		}
	}

	o.log.Info().
		Int("kinds", len(kinds)).
		Int("definitions", len(defs)).
		Int("runs", len(runs)).
		Int("stale_instances", stale).
		Msg("Restored persisted state")
	return nil
}

// Subscribe returns a channel of instance, healing and alert events.
func (o *Orchestrator) Subscribe(id string) <-chan *types.WebSocketMessage {
	o.subscribersMu.Lock()
	defer o.subscribersMu.Unlock()

	ch := make(chan *types.WebSocketMessage, 100)
	o.subscribers[id] = ch
	return ch
}

// Unsubscribe removes a subscriber.
func (o *Orchestrator) Unsubscribe(id string) {
	o.subscribersMu.Lock()
	defer o.subscribersMu.Unlock()

	if ch, ok := o.subscribers[id]; ok {
		close(ch)
		delete(o.subscribers, id)
	}
}

func (o *Orchestrator) broadcast(eventType string, payload any) {
	msg := &types.WebSocketMessage{Type: eventType, Payload: payload}

	o.subscribersMu.RLock()
	defer o.subscribersMu.RUnlock()

	for _, ch := range o.subscribers {
		select {
		case ch <- msg:
		default:
			// Channel full, skip
		}
	}
}
