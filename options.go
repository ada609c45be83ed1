package introspect

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Option configures an Engine at construction.
type Option func(*engineOptions)

type engineOptions struct {
	logger        *slog.Logger
	meterProvider metric.MeterProvider
	callbacks     Callbacks

	concurrencyCap    int
	dispatchTick      time.Duration
	reconcileTick     time.Duration
	syncDebounce      time.Duration
	aggregateDebounce time.Duration
}

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(o *engineOptions) {
		o.logger = logger
	}
}

// WithMeterProvider enables telemetry on the given provider. Without it
// the engine records metrics to a no-op meter.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(o *engineOptions) {
		o.meterProvider = provider
	}
}

// WithCallbacks wires the presentation callback surface. All callbacks are
// optional and must be fast: they run on pipeline goroutines.
func WithCallbacks(cb Callbacks) Option {
	return func(o *engineOptions) {
		o.callbacks = cb
	}
}

// WithConcurrencyCap overrides the configured cap on simultaneous remote
// search jobs.
func WithConcurrencyCap(n int) Option {
	return func(o *engineOptions) {
		o.concurrencyCap = n
	}
}

// WithDispatchTick overrides the dispatch loop interval.
func WithDispatchTick(d time.Duration) Option {
	return func(o *engineOptions) {
		o.dispatchTick = d
	}
}

// WithReconcileTick overrides the reconciliation loop interval.
func WithReconcileTick(d time.Duration) Option {
	return func(o *engineOptions) {
		o.reconcileTick = d
	}
}

// WithSyncDebounce overrides the persistence writer debounce window.
func WithSyncDebounce(d time.Duration) Option {
	return func(o *engineOptions) {
		o.syncDebounce = d
	}
}

// WithAggregateDebounce overrides the summary recomputation debounce.
func WithAggregateDebounce(d time.Duration) Option {
	return func(o *engineOptions) {
		o.aggregateDebounce = d
	}
}
