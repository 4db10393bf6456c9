package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/roea-ai/reel/pkg/types"
)

// Metrics records workflow, agent and healing activity.
type Metrics struct {
	runsSubmitted metric.Int64Counter
	runsFinished  metric.Int64Counter
	runDuration   metric.Float64Histogram
	stepDuration  metric.Float64Histogram
	stepFaults    metric.Int64Counter
	healing       metric.Int64Counter
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.runsSubmitted, err = meter.Int64Counter(
		"reel.workflow.runs.submitted",
		metric.WithDescription("Workflow runs accepted, by definition"),
	); err != nil {
		return nil, err
	}
	if m.runsFinished, err = meter.Int64Counter(
		"reel.workflow.runs.finished",
		metric.WithDescription("Workflow runs reaching a terminal status"),
	); err != nil {
		return nil, err
	}
	if m.runDuration, err = meter.Float64Histogram(
		"reel.workflow.run.duration",
		metric.WithDescription("Run duration from start to terminal status"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.stepDuration, err = meter.Float64Histogram(
		"reel.agent.action.duration",
		metric.WithDescription("Agent action latency"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.stepFaults, err = meter.Int64Counter(
		"reel.agent.action.faults",
		metric.WithDescription("Agent actions that raised an execution error"),
	); err != nil {
		return nil, err
	}
	if m.healing, err = meter.Int64Counter(
		"reel.healing.actions",
		metric.WithDescription("Healing actions taken, by action and outcome"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// RunSubmitted counts an accepted submission.
func (m *Metrics) RunSubmitted(definition string) {
	m.runsSubmitted.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("definition", definition)))
}

// RunFinished counts a terminal run and records its duration.
func (m *Metrics) RunFinished(definition string, status types.RunStatus, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("definition", definition),
		attribute.String("status", string(status)),
	)
	m.runsFinished.Add(context.Background(), 1, attrs)
	m.runDuration.Record(context.Background(), d.Seconds(), attrs)
}

// StepFinished records one agent action.
func (m *Metrics) StepFinished(agent, action string, d time.Duration, fault error) {
	attrs := metric.WithAttributes(
		attribute.String("agent", agent),
		attribute.String("action", action),
	)
	m.stepDuration.Record(context.Background(), d.Seconds(), attrs)
	if fault != nil {
		m.stepFaults.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("agent", agent),
			attribute.String("action", action),
			attribute.String("error.code", string(types.CodeOf(fault))),
		))
	}
}

// HealingFinished counts a healing outcome.
func (m *Metrics) HealingFinished(outcome *types.HealingOutcome) {
	m.healing.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("action", string(outcome.Request.Action)),
		attribute.Bool("success", outcome.Success),
		attribute.Bool("escalated", outcome.Escalated),
	))
}

// Gauges are the point-in-time sources observed at collection.
type Gauges struct {
	Engine    func() types.EngineStats
	Instances func() map[types.InstanceState]int
	Resources func() *types.ResourceSnapshot
}

// RegisterGauges registers observable gauges backed by g.
func RegisterGauges(meter metric.Meter, g Gauges) (metric.Registration, error) {
	queued, err := meter.Int64ObservableGauge("reel.workflow.queued",
		metric.WithDescription("Runs waiting for admission"))
	if err != nil {
		return nil, err
	}
	running, err := meter.Int64ObservableGauge("reel.workflow.running",
		metric.WithDescription("Runs holding an execution slot"))
	if err != nil {
		return nil, err
	}
	instances, err := meter.Int64ObservableGauge("reel.agent.instances",
		metric.WithDescription("Agent instances by state"))
	if err != nil {
		return nil, err
	}
	usage, err := meter.Float64ObservableGauge("reel.host.utilization",
		metric.WithDescription("Host utilisation by resource"),
		metric.WithUnit("%"))
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		if g.Engine != nil {
			stats := g.Engine()
			o.ObserveInt64(queued, int64(stats.Queued))
			o.ObserveInt64(running, int64(stats.Running))
		}
		if g.Instances != nil {
			for state, n := range g.Instances() {
				o.ObserveInt64(instances, int64(n), metric.WithAttributes(attribute.String("state", string(state))))
			}
		}
		if g.Resources != nil {
			if snap := g.Resources(); snap != nil {
				o.ObserveFloat64(usage, snap.CPUPercent(), metric.WithAttributes(attribute.String("resource", types.ResourceCPU)))
				o.ObserveFloat64(usage, snap.MemoryPercent(), metric.WithAttributes(attribute.String("resource", types.ResourceMemory)))
				o.ObserveFloat64(usage, snap.DiskPercent(), metric.WithAttributes(attribute.String("resource", types.ResourceDisk)))
			}
		}
		return nil
	}, queued, running, instances, usage)
}
