package exchanger

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/dcabot/internal/infra/telemetry"
)

type restMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

func newRESTMetrics() *restMetrics {
	meter := otel.Meter("exchanger.rest")
	m := &restMetrics{}
	m.requests, _ = meter.Int64Counter("exchanger.rest.requests",
		metric.WithDescription("REST calls issued against the exchange"),
		metric.WithUnit("{request}"))
	m.duration, _ = meter.Float64Histogram("exchanger.rest.duration",
		metric.WithDescription("Latency of exchange REST calls"),
		metric.WithUnit("ms"))
	return m
}

func (m *restMetrics) observe(ctx context.Context, operation, result string, started time.Time) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(telemetry.OperationResultAttributes(operation, result)...)
	if m.requests != nil {
		m.requests.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, float64(time.Since(started).Microseconds())/1000, attrs)
	}
}

type streamMetrics struct {
	transitions metric.Int64Counter
	reconnects  metric.Int64Counter
	messages    metric.Int64Counter
}

func newStreamMetrics() *streamMetrics {
	meter := otel.Meter("exchanger.stream")
	m := &streamMetrics{}
	m.transitions, _ = meter.Int64Counter("exchanger.stream.state_transitions",
		metric.WithDescription("Connection state transitions of the stream ingester"),
		metric.WithUnit("{transition}"))
	m.reconnects, _ = meter.Int64Counter("exchanger.stream.reconnects",
		metric.WithDescription("Reconnect attempts scheduled by the stream ingester"),
		metric.WithUnit("{attempt}"))
	m.messages, _ = meter.Int64Counter("exchanger.stream.messages",
		metric.WithDescription("Stream messages received by type"),
		metric.WithUnit("{message}"))
	return m
}

func (m *streamMetrics) transition(symbol string, to ConnectionState) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.ConnectionAttributes(symbol, to.String())...))
}

func (m *streamMetrics) reconnect(symbol string) {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.Add(context.Background(), 1,
		metric.WithAttributes(telemetry.ConnectionAttributes(symbol, StateReconnecting.String())...))
}

func (m *streamMetrics) message(ctx context.Context, symbol, messageType string) {
	if m == nil || m.messages == nil {
		return
	}
	m.messages.Add(ctx, 1, metric.WithAttributes(telemetry.MessageAttributes(symbol, messageType)...))
}
