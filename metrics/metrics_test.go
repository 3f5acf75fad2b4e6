package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

var (
	_ Collector = NoOp{}
	_ Collector = (*OTelCollector)(nil)
	_ Collector = (*PrometheusCollector)(nil)
)

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewPrometheusCollector(reg, "test")
	require.NoError(t, err)

	c.RecordSession(OutcomeCommitted, 20*time.Millisecond)
	c.RecordSession(OutcomeAborted, time.Millisecond)
	c.RecordSession(OutcomeCommitted, time.Millisecond)
	c.RecordRows(5, 2, 1)
	c.RecordConflict("parent", "Data", "Replace")
	c.RecordConflict("parent", "Data", "Replace")
	c.RecordError("CONFLICT_ABORT")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.sessions.WithLabelValues(OutcomeCommitted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.sessions.WithLabelValues(OutcomeAborted)))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.rows.WithLabelValues("applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.rows.WithLabelValues("skipped")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.conflicts.WithLabelValues("parent", "Data", "Replace")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.errs.WithLabelValues("CONFLICT_ABORT")))

	_, err = NewPrometheusCollector(reg, "test")
	assert.Error(t, err, "duplicate registration")
}

func sumOf(t *testing.T, rm metricdata.ResourceMetrics, name string, attr attribute.KeyValue) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			var total int64
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attr.Key); ok && v == attr.Value {
					total += dp.Value
				}
			}
			return total
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestOTelCollector(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	c, err := NewOTelCollector(provider.Meter("test"))
	require.NoError(t, err)

	c.RecordSession(OutcomeCommitted, 3*time.Millisecond)
	c.RecordSession(OutcomeAborted, time.Millisecond)
	c.RecordRows(4, 1, 0)
	c.RecordConflict("be_Prop", "Data", "Replace")
	c.RecordError("HANDLER_ERROR")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	assert.Equal(t, int64(1), sumOf(t, rm, "cset.apply.sessions", attribute.String("outcome", OutcomeCommitted)))
	assert.Equal(t, int64(1), sumOf(t, rm, "cset.apply.sessions", attribute.String("outcome", OutcomeAborted)))
	assert.Equal(t, int64(4), sumOf(t, rm, "cset.apply.rows", attribute.String("outcome", "applied")))
	assert.Equal(t, int64(1), sumOf(t, rm, "cset.apply.conflicts", attribute.String("table", "be_Prop")))
	assert.Equal(t, int64(1), sumOf(t, rm, "cset.apply.errors", attribute.String("code", "HANDLER_ERROR")))
}

func TestNoOp(t *testing.T) {
	var c Collector = NoOp{}
	c.RecordSession(OutcomeCommitted, time.Second)
	c.RecordRows(1, 1, 1)
	c.RecordConflict("t", "Data", "Skip")
	c.RecordError("IO_ERROR")
}
