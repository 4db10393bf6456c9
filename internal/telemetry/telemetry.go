// Package telemetry exports orchestrator metrics through OpenTelemetry.
package telemetry

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/roea-ai/reel/pkg/types"
)

// ServiceName is the service.name resource attribute.
const ServiceName = "reeld"

// Init builds the global MeterProvider. When export is disabled metrics are
// still recorded but never leave the process. The returned function flushes
// and stops the provider.
func Init(cfg types.TelemetryConfig, w io.Writer, version string) (*sdkmetric.MeterProvider, func(context.Context) error, error) {
	res := resource.NewSchemaless(
		attribute.String("service.name", ServiceName),
		attribute.String("service.version", version),
	)

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.Enabled {
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
		if err != nil {
			return nil, nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.Interval)),
		))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	return mp, mp.Shutdown, nil
}
