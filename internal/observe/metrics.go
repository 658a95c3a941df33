// Package observe provides observability primitives for wakeline:
// OpenTelemetry metrics, tracing, trace-aware logging, and HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by the provider set up in [InitProvider]. Components receive a
// *[Metrics] explicitly; tests build one with [NewMetrics] over a manual
// reader. [DefaultMetrics] binds to the global provider.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all wakeline metrics.
const meterName = "github.com/MrWong99/wakeline"

// Metrics holds the OpenTelemetry instruments for wakeline. All fields are
// safe for concurrent use.
type Metrics struct {
	// ConversationDuration tracks how long conversations last, by outcome.
	ConversationDuration metric.Float64Histogram

	// HandshakeDuration tracks connect + session.configured latency.
	HandshakeDuration metric.Float64Histogram

	// Conversations counts finished conversations. Attribute: outcome.
	Conversations metric.Int64Counter

	// WakeDetections counts wake-phrase activations. Attribute: keyword.
	WakeDetections metric.Int64Counter

	// BargeIns counts interrupted responses. Attribute: source (local, server).
	BargeIns metric.Int64Counter

	// StaleChunksDropped counts audio chunks discarded because their
	// response was no longer live.
	StaleChunksDropped metric.Int64Counter

	// ConnectionAttempts counts dial attempts. Attribute: status.
	ConnectionAttempts metric.Int64Counter

	// MusicCommands counts music commands. Attributes: action, status.
	MusicCommands metric.Int64Counter

	// ActiveConversations is 1 while a conversation is live.
	ActiveConversations metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request time. Attributes: method, path,
	// status.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds for network latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// conversationBuckets are histogram boundaries in seconds for whole
// conversations.
var conversationBuckets = []float64{
	5, 15, 30, 60, 120, 300, 600,
}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ConversationDuration, err = m.Float64Histogram("wakeline.conversation.duration",
		metric.WithDescription("Duration of a conversation from wake to teardown."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(conversationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HandshakeDuration, err = m.Float64Histogram("wakeline.handshake.duration",
		metric.WithDescription("Latency of dialing and configuring a realtime session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Conversations, err = m.Int64Counter("wakeline.conversations",
		metric.WithDescription("Finished conversations by outcome."),
	); err != nil {
		return nil, err
	}
	if met.WakeDetections, err = m.Int64Counter("wakeline.wake.detections",
		metric.WithDescription("Wake-phrase detections by keyword."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("wakeline.barge_ins",
		metric.WithDescription("Assistant responses interrupted by the user, by detection source."),
	); err != nil {
		return nil, err
	}
	if met.StaleChunksDropped, err = m.Int64Counter("wakeline.audio.stale_chunks",
		metric.WithDescription("Assistant audio chunks dropped after their response was interrupted."),
	); err != nil {
		return nil, err
	}
	if met.ConnectionAttempts, err = m.Int64Counter("wakeline.connection.attempts",
		metric.WithDescription("Realtime connection attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.MusicCommands, err = m.Int64Counter("wakeline.music.commands",
		metric.WithDescription("Music commands by action and status."),
	); err != nil {
		return nil, err
	}

	if met.ActiveConversations, err = m.Int64UpDownCounter("wakeline.active_conversations",
		metric.WithDescription("Number of live conversations (0 or 1)."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("wakeline.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] bound to
// [otel.GetMeterProvider], creating it on first call.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordConversation records a finished conversation.
func (m *Metrics) RecordConversation(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.Conversations.Add(ctx, 1, attrs)
	m.ConversationDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordWake records a wake-phrase detection.
func (m *Metrics) RecordWake(ctx context.Context, keyword string) {
	m.WakeDetections.Add(ctx, 1, metric.WithAttributes(attribute.String("keyword", keyword)))
}

// RecordBargeIn records an interrupted response.
func (m *Metrics) RecordBargeIn(ctx context.Context, source string) {
	m.BargeIns.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordConnectAttempt records one dial attempt.
func (m *Metrics) RecordConnectAttempt(ctx context.Context, status string) {
	m.ConnectionAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordMusicCommand records an executed music command.
func (m *Metrics) RecordMusicCommand(ctx context.Context, action string, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m.MusicCommands.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("status", status),
	))
}
