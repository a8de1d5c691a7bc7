// Package observe provides the OpenTelemetry metrics for the dialler. A
// Prometheus exporter bridge is installed by [InitProvider] so metrics are
// scraped from the standard /metrics endpoint. Tests should use [NewMetrics]
// with a private meter provider to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all dialler metrics.
const meterName = "github.com/mwhited/outcall"

// Metrics holds all metric instruments for the application. The underlying
// OTel types handle their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// OriginationDuration tracks carrier create-call round trips.
	OriginationDuration metric.Float64Histogram

	// STTDuration tracks time from first audio chunk to final transcript.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks dialogue-turn inference latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks synthesis and transcode time per utterance.
	TTSDuration metric.Float64Histogram

	// --- Counters ---

	// CallsCompleted counts terminal calls. Attribute: status.
	CallsCompleted metric.Int64Counter

	// FailedOriginations counts create-call refusals. Attribute: reason.
	FailedOriginations metric.Int64Counter

	// WebhookEvents counts carrier webhook deliveries. Attribute: event_type.
	WebhookEvents metric.Int64Counter

	// Transfers counts successful blind transfers.
	Transfers metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of in-flight call attempts.
	ActiveCalls metric.Int64UpDownCounter

	// ActiveStreams tracks the number of live carrier media WebSockets.
	ActiveStreams metric.Int64UpDownCounter

	// QueueDepth tracks the dispatcher queue length.
	QueueDepth metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for the
// voice-pipeline stages.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] using the given meter
// provider. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.OriginationDuration, err = m.Float64Histogram("outcall.origination.duration",
		metric.WithDescription("Latency of carrier create-call requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTDuration, err = m.Float64Histogram("outcall.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("outcall.llm.duration",
		metric.WithDescription("Latency of dialogue-turn inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("outcall.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.CallsCompleted, err = m.Int64Counter("outcall.calls.completed",
		metric.WithDescription("Terminal calls by final status."),
	); err != nil {
		return nil, err
	}
	if met.FailedOriginations, err = m.Int64Counter("outcall.originations.failed",
		metric.WithDescription("Carrier create-call refusals by reason."),
	); err != nil {
		return nil, err
	}
	if met.WebhookEvents, err = m.Int64Counter("outcall.webhook.events",
		metric.WithDescription("Carrier webhook deliveries by event type."),
	); err != nil {
		return nil, err
	}
	if met.Transfers, err = m.Int64Counter("outcall.transfers",
		metric.WithDescription("Successful blind transfers to a human agent."),
	); err != nil {
		return nil, err
	}

	if met.ActiveCalls, err = m.Int64UpDownCounter("outcall.active_calls",
		metric.WithDescription("Number of in-flight call attempts."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("outcall.active_streams",
		metric.WithDescription("Number of live carrier media WebSockets."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("outcall.queue_depth",
		metric.WithDescription("Dispatcher queue length."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from the global meter provider.
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

// RecordCallCompleted increments the terminal-call counter for a status.
func (m *Metrics) RecordCallCompleted(ctx context.Context, status string) {
	m.CallsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordFailedOrigination increments the refusal counter for a reason tag.
func (m *Metrics) RecordFailedOrigination(ctx context.Context, reason string) {
	m.FailedOriginations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordWebhookEvent increments the webhook counter for an event type.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, eventType string) {
	m.WebhookEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}
