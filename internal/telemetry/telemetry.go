// Copyright NodeGuarder, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package telemetry exports agent self-metrics over OTLP gRPC: exit events
// observed and lost, cron failures detected, and report delivery outcomes.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	metricsdk "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc/credentials/insecure"
)

const meterName = "github.com/nodeguarder/nodeguarder"

// Telemetry records agent self-metrics. The zero value is not usable; use
// New or Disabled.
type Telemetry struct {
	logger   logr.Logger
	provider *metricsdk.MeterProvider
	meter    metric.Meter

	exitEvents   metric.Int64Counter
	lostSamples  metric.Int64Counter
	cronEvents   metric.Int64Counter
	reportsSent  metric.Int64Counter
	queueDepth   metric.Int64ObservableGauge
	queueDepthCb metric.Registration
}

// New creates a Telemetry exporting over OTLP gRPC to cfg.Endpoint.
func New(ctx context.Context, cfg Config, logger logr.Logger) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithTimeout(cfg.Timeout),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(insecure.NewCredentials()))
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlpmetricgrpc.WithHeaders(cfg.Headers))
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		"",
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	)

	provider := metricsdk.NewMeterProvider(
		metricsdk.WithReader(metricsdk.NewPeriodicReader(
			exporter,
			metricsdk.WithInterval(cfg.Interval),
		)),
		metricsdk.WithResource(res),
	)

	t := &Telemetry{
		logger:   logger.WithName("telemetry"),
		provider: provider,
	}
	if err := t.initInstruments(provider.Meter(meterName)); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := provider.Shutdown(shutdownCtx); serr != nil {
			t.logger.Error(serr, "failed to shut down meter provider")
		}
		return nil, err
	}
	return t, nil
}

// Disabled creates a Telemetry whose instruments record nothing.
func Disabled() *Telemetry {
	t := &Telemetry{logger: logr.Discard()}
	// noop instrument constructors never fail
	_ = t.initInstruments(noop.NewMeterProvider().Meter(meterName))
	return t
}

func (t *Telemetry) initInstruments(meter metric.Meter) error {
	var err error

	t.exitEvents, err = meter.Int64Counter("nodeguarder.exit_events",
		metric.WithDescription("Exit events delivered by the kernel probe"))
	if err != nil {
		return fmt.Errorf("failed to create exit events counter: %w", err)
	}

	t.lostSamples, err = meter.Int64Counter("nodeguarder.lost_samples",
		metric.WithDescription("Perf buffer samples dropped before the agent could read them"))
	if err != nil {
		return fmt.Errorf("failed to create lost samples counter: %w", err)
	}

	t.cronEvents, err = meter.Int64Counter("nodeguarder.cron_events",
		metric.WithDescription("Cron failures and timeouts detected"))
	if err != nil {
		return fmt.Errorf("failed to create cron events counter: %w", err)
	}

	t.reportsSent, err = meter.Int64Counter("nodeguarder.reports",
		metric.WithDescription("Report delivery attempts to the dashboard"))
	if err != nil {
		return fmt.Errorf("failed to create reports counter: %w", err)
	}

	t.queueDepth, err = meter.Int64ObservableGauge("nodeguarder.queue_depth",
		metric.WithDescription("Payloads spooled in the local queue"))
	if err != nil {
		return fmt.Errorf("failed to create queue depth gauge: %w", err)
	}

	t.meter = meter
	return nil
}

// ObserveQueueDepth registers size as the source for the queue depth gauge.
func (t *Telemetry) ObserveQueueDepth(size func() (int, error)) error {
	reg, err := t.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		n, err := size()
		if err != nil {
			return err
		}
		o.ObserveInt64(t.queueDepth, int64(n))
		return nil
	}, t.queueDepth)
	if err != nil {
		return fmt.Errorf("failed to register queue depth callback: %w", err)
	}
	t.queueDepthCb = reg
	return nil
}

// RecordExitEvents counts exit events read from the perf buffer.
func (t *Telemetry) RecordExitEvents(ctx context.Context, n int64) {
	t.exitEvents.Add(ctx, n)
}

// RecordLostSamples counts perf samples the kernel dropped.
func (t *Telemetry) RecordLostSamples(ctx context.Context, n int64) {
	t.lostSamples.Add(ctx, n)
}

// RecordCronEvent counts one detected cron event of the given type.
func (t *Telemetry) RecordCronEvent(ctx context.Context, eventType string) {
	t.cronEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// RecordReport counts one delivery attempt and its outcome.
func (t *Telemetry) RecordReport(ctx context.Context, kind string, delivered bool) {
	t.reportsSent.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("delivered", delivered),
	))
}

// Shutdown flushes pending exports and stops the provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.queueDepthCb != nil {
		if err := t.queueDepthCb.Unregister(); err != nil {
			t.logger.Error(err, "failed to unregister queue depth callback")
		}
	}
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
