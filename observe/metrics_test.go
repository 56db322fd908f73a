package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

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

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

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

func TestRecordConnect(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordConnect(ctx, "ok", 250*time.Millisecond)
	m.RecordConnect(ctx, "capability_unavailable", 0)

	rm := collect(t, reader)
	connects := findMetric(rm, "revo.session.connects")
	if connects == nil {
		t.Fatal("revo.session.connects not found")
	}
	sum, ok := connects.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("connects data type = %T; want Sum[int64]", connects.Data)
	}
	if len(sum.DataPoints) != 2 {
		t.Fatalf("connects data points = %d; want 2", len(sum.DataPoints))
	}

	dur := findMetric(rm, "revo.session.connect.duration")
	if dur == nil {
		t.Fatal("revo.session.connect.duration not found")
	}
	hist, ok := dur.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("duration data type = %T", dur.Data)
	}
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Errorf("duration should hold exactly one observation for the ok attempt")
	}
}

func TestRecordToolCall_Attributes(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordToolCall(context.Background(), "create_procedure", "ok", 10*time.Millisecond)

	rm := collect(t, reader)
	calls := findMetric(rm, "revo.tool.calls")
	if calls == nil {
		t.Fatal("revo.tool.calls not found")
	}
	sum := calls.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 1 {
		t.Fatalf("data points = %d; want 1", len(sum.DataPoints))
	}
	dp := sum.DataPoints[0]
	if dp.Value != 1 {
		t.Errorf("value = %d; want 1", dp.Value)
	}
	if v, ok := dp.Attributes.Value(attribute.Key("tool")); !ok || v.AsString() != "create_procedure" {
		t.Errorf("tool attribute = %v; want create_procedure", v)
	}
}

func TestActiveSessionsUpDown(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	active := findMetric(rm, "revo.sessions.active")
	if active == nil {
		t.Fatal("revo.sessions.active not found")
	}
	sum := active.Data.(metricdata.Sum[int64])
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("active sessions = %d; want 1", got)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics should return the same instance")
	}
}
