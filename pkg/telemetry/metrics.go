package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-relay/pkg/domain"
)

var (
	metricsOnce           sync.Once
	metricsInitErr        error
	upstreamRequests      metric.Int64Counter
	upstreamFailures      metric.Int64Counter
	upstreamLatency       metric.Float64Histogram
	upstreamResponseBytes metric.Int64Histogram
	decisionCounter       metric.Int64Counter
)

// RelayMetrics captures one upstream fetch.
type RelayMetrics struct {
	Class      domain.ResourceClass
	Reason     domain.Reason
	ErrorClass string
	Status     int
	Bytes      int
	Duration   time.Duration
}

// RecordRelayMetrics emits counters and histograms describing an upstream fetch.
func RecordRelayMetrics(ctx context.Context, m RelayMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	outcome := string(m.Reason)
	if outcome == "" {
		outcome = "ok"
	}
	attrs := []attribute.KeyValue{
		attribute.String("relay.class", string(m.Class)),
		attribute.String("relay.outcome", outcome),
	}
	if m.Status > 0 {
		attrs = append(attrs, attribute.Int("http.response.status_code", m.Status))
	}

	upstreamRequests.Add(ctx, 1, metric.WithAttributes(attrs...))

	if m.Duration > 0 {
		upstreamLatency.Record(ctx, float64(m.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if m.Reason == domain.ReasonNetworkError {
		upstreamFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("relay.class", string(m.Class)),
			attribute.String("error.type", m.ErrorClass),
		))
		return
	}

	upstreamResponseBytes.Record(ctx, int64(m.Bytes), metric.WithAttributes(attribute.String("relay.class", string(m.Class))))
}

// RecordDecision counts validation outcomes per class and reason.
func RecordDecision(ctx context.Context, class domain.ResourceClass, decision domain.Decision) {
	if err := ensureMetrics(); err != nil {
		return
	}

	outcome := "accepted"
	if !decision.Accepted {
		outcome = string(decision.Reason)
	}
	decisionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("relay.class", string(class)),
		attribute.String("relay.decision", outcome),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("polis.relay")

		upstreamRequests, metricsInitErr = meter.Int64Counter(
			"relay.upstream.requests_total",
			metric.WithDescription("Upstream fetches partitioned by class and outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		upstreamFailures, metricsInitErr = meter.Int64Counter(
			"relay.upstream.failures_total",
			metric.WithDescription("Upstream fetches that produced no response"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		upstreamLatency, metricsInitErr = meter.Float64Histogram(
			"relay.upstream.duration_ms",
			metric.WithDescription("Observed upstream fetch latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		upstreamResponseBytes, metricsInitErr = meter.Int64Histogram(
			"relay.upstream.response_bytes",
			metric.WithDescription("Size of buffered upstream bodies"),
			metric.WithUnit("By"),
		)
		if metricsInitErr != nil {
			return
		}

		decisionCounter, metricsInitErr = meter.Int64Counter(
			"relay.decisions_total",
			metric.WithDescription("Validation decisions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}

// RecordRejection attaches a rejection event to span. The event carries the
// reason and class only.
func RecordRejection(span trace.Span, class domain.ResourceClass, reason domain.Reason) {
	if span == nil || !span.IsRecording() {
		return
	}

	span.AddEvent("relay.rejected", trace.WithAttributes(
		attribute.String("relay.class", string(class)),
		attribute.String("relay.reason", string(reason)),
	))
}
