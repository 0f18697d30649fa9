package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere returns the value of the int64 sum data point carrying key=value.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	t.Fatalf("metric %q: data point with %s=%s not found", name, key, value)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"chatstream.round.first_delta", m.FirstDelta},
		{"chatstream.http.request.duration", m.HTTPRequestDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecordRound(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordRound(ctx, OutcomeOK, 100*time.Millisecond)
	m.RecordRound(ctx, OutcomeOK, 200*time.Millisecond)
	m.RecordRound(ctx, OutcomeAbort, time.Second)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "chatstream.rounds", "outcome", OutcomeOK); got != 2 {
		t.Errorf("rounds{outcome=ok} = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "chatstream.rounds", "outcome", OutcomeAbort); got != 1 {
		t.Errorf("rounds{outcome=abort} = %d, want 1", got)
	}

	met := findMetric(rm, "chatstream.round.duration")
	if met == nil {
		t.Fatal("round duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("round duration is not a histogram")
	}
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	if total != 3 {
		t.Errorf("round duration samples = %d, want 3", total)
	}
}

func TestRecordToolNotification(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordToolNotification(ctx, "ok")
	m.RecordToolNotification(ctx, "error")
	m.RecordToolNotification(ctx, "ok")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "chatstream.tool_notifications", "status", "ok"); got != 2 {
		t.Errorf("tool_notifications{status=ok} = %d, want 2", got)
	}
}

func TestRecordTransportError(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTransportError(ctx, "http")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "chatstream.transport.errors", "kind", "http"); got != 1 {
		t.Errorf("transport.errors{kind=http} = %d, want 1", got)
	}
}

func TestRecordFailover(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFailover(ctx, "status")
	m.RecordFailover(ctx, "status")
	m.RecordFailover(ctx, "circuit_open")

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "chatstream.transport.failovers", "reason", "status"); got != 2 {
		t.Errorf("failovers{reason=status} = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "chatstream.transport.failovers", "reason", "circuit_open"); got != 1 {
		t.Errorf("failovers{reason=circuit_open} = %d, want 1", got)
	}
}

func TestActiveRoundsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveRounds.Add(ctx, 1)
	m.ActiveRounds.Add(ctx, 1)
	m.ActiveRounds.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "chatstream.active_rounds")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("active_rounds = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
