// Package observe holds the OpenTelemetry metric instruments recorded by the
// live voice engine and the exporter wiring that serves them on /metrics.
//
// Tests should build a [Metrics] with [NewMetrics] on a private
// [metric.MeterProvider]; production code uses [DefaultMetrics], which binds to
// the global provider installed by [InitProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/room4-2/revo-live"

// Metrics groups every instrument. All fields are safe for concurrent use.
type Metrics struct {
	// ActiveSessions tracks engines currently in the Connected state.
	ActiveSessions metric.Int64UpDownCounter

	// SessionConnects counts connect attempts. Attribute: status.
	SessionConnects metric.Int64Counter

	// ConnectDuration measures connect() from Connecting to Connected.
	ConnectDuration metric.Float64Histogram

	// FramesSent counts encoded microphone frames handed to the channel.
	FramesSent metric.Int64Counter

	// FramesDropped counts microphone frames discarded because the capture
	// queue was full.
	FramesDropped metric.Int64Counter

	// ChunksScheduled counts inbound audio chunks placed on the output timeline.
	ChunksScheduled metric.Int64Counter

	// DecodeFailures counts inbound chunks dropped because they could not be decoded.
	DecodeFailures metric.Int64Counter

	// Interruptions counts remote interruption signals.
	Interruptions metric.Int64Counter

	// ToolCalls counts tool invocations. Attributes: tool, status.
	ToolCalls metric.Int64Counter

	// ToolDuration measures tool handler latency.
	ToolDuration metric.Float64Histogram
}

var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSessions, err = m.Int64UpDownCounter("revo.sessions.active",
		metric.WithDescription("Number of connected live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionConnects, err = m.Int64Counter("revo.session.connects",
		metric.WithDescription("Live session connect attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("revo.session.connect.duration",
		metric.WithDescription("Time from connect() to the remote ready signal."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("revo.audio.frames_sent",
		metric.WithDescription("Encoded microphone frames sent to the remote endpoint."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("revo.audio.frames_dropped",
		metric.WithDescription("Microphone frames dropped before reaching the engine."),
	); err != nil {
		return nil, err
	}
	if met.ChunksScheduled, err = m.Int64Counter("revo.audio.chunks_scheduled",
		metric.WithDescription("Remote audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.DecodeFailures, err = m.Int64Counter("revo.audio.decode_failures",
		metric.WithDescription("Remote audio chunks dropped on decode failure."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("revo.playback.interruptions",
		metric.WithDescription("Remote interruption signals that flushed playback."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("revo.tool.calls",
		metric.WithDescription("Tool invocations by tool name and outcome."),
	); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = m.Float64Histogram("revo.tool.duration",
		metric.WithDescription("Latency of local tool handlers."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level instance bound to the global
// meter provider. Panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordConnect records the outcome of one connect attempt.
func (m *Metrics) RecordConnect(ctx context.Context, status string, took time.Duration) {
	m.SessionConnects.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if status == "ok" {
		m.ConnectDuration.Record(ctx, took.Seconds())
	}
}

// RecordToolCall records one tool invocation.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, took time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("status", status),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolDuration.Record(ctx, took.Seconds(), attrs)
}
