// Package telemetry emits the engine's OpenTelemetry metrics: stage
// transitions, sync flushes, and the one-shot workflow-completion event.
// With no meter provider configured it is a no-op, so the engine never
// forces an exporter on its host application.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/siftsec/introspect"

// Emitter wraps the engine's metric instruments.
type Emitter struct {
	stageTransitions metric.Int64Counter
	syncFlushes      metric.Int64Counter
	completions      metric.Int64Counter
}

// NewEmitter builds an Emitter from provider; a nil provider yields a
// no-op emitter.
func NewEmitter(provider metric.MeterProvider) (*Emitter, error) {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	meter := provider.Meter(meterName)

	stageTransitions, err := meter.Int64Counter("introspect.stage.transitions",
		metric.WithDescription("Pipeline stage transitions by stage and resulting status"))
	if err != nil {
		return nil, err
	}
	syncFlushes, err := meter.Int64Counter("introspect.sync.flushed_records",
		metric.WithDescription("Records written per persistence flush by collection"))
	if err != nil {
		return nil, err
	}
	completions, err := meter.Int64Counter("introspect.workflow.completions",
		metric.WithDescription("Workflow completion events"))
	if err != nil {
		return nil, err
	}

	return &Emitter{
		stageTransitions: stageTransitions,
		syncFlushes:      syncFlushes,
		completions:      completions,
	}, nil
}

// StageTransition records one stage reaching a terminal status.
func (e *Emitter) StageTransition(ctx context.Context, stage, status string) {
	e.stageTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("status", status),
	))
}

// SyncFlush records one persistence flush.
func (e *Emitter) SyncFlush(ctx context.Context, collection string, records int) {
	e.syncFlushes.Add(ctx, int64(records), metric.WithAttributes(
		attribute.String("collection", collection),
	))
}

// WorkflowComplete records the workflow reaching zero remaining work. The
// aggregator guarantees at-most-once per session.
func (e *Emitter) WorkflowComplete(ctx context.Context) {
	e.completions.Add(ctx, 1)
}
