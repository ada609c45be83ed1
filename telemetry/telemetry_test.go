package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumValue(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestEmitter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	e, err := NewEmitter(provider)
	require.NoError(t, err)

	ctx := context.Background()
	e.StageTransition(ctx, "step-cim", "success")
	e.StageTransition(ctx, "step-cim", "failure")
	e.SyncFlush(ctx, "products", 7)
	e.WorkflowComplete(ctx)

	metrics := collect(t, reader)

	transitions, ok := metrics["introspect.stage.transitions"]
	require.True(t, ok)
	assert.Equal(t, int64(2), sumValue(t, transitions))

	flushes, ok := metrics["introspect.sync.flushed_records"]
	require.True(t, ok)
	assert.Equal(t, int64(7), sumValue(t, flushes))

	completions, ok := metrics["introspect.workflow.completions"]
	require.True(t, ok)
	assert.Equal(t, int64(1), sumValue(t, completions))
}

func TestEmitterNilProviderIsNoop(t *testing.T) {
	e, err := NewEmitter(nil)
	require.NoError(t, err)

	// Must not panic.
	ctx := context.Background()
	e.StageTransition(ctx, "step-init", "success")
	e.SyncFlush(ctx, "categories", 1)
	e.WorkflowComplete(ctx)
}
