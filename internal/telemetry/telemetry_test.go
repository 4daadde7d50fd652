package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestInstrumentsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	ins, err := NewInstruments(mp.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	ins.Recalculations.Add(ctx, 2)
	ins.Transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", "complete")))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	sums := map[string]int64{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		if s, ok := m.Data.(metricdata.Sum[int64]); ok {
			for _, dp := range s.DataPoints {
				sums[m.Name] += dp.Value
			}
		}
	}
	assert.Equal(t, int64(2), sums["casetrack.recalculations"])
	assert.Equal(t, int64(1), sums["casetrack.transitions"])
}

func TestNoopInstruments(t *testing.T) {
	ins := Noop()
	require.NotNil(t, ins)
	ins.Conflicts.Add(context.Background(), 1)
}

func TestInitDisabled(t *testing.T) {
	t.Setenv("CASETRACK_OTEL_ENABLED", "")
	require.NoError(t, Init(Options{}))
	Shutdown(context.Background())
}
