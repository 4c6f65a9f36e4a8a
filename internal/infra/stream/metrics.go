package stream

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/derivgate/internal/infra/telemetry"
)

type sessionMetrics struct {
	base []attribute.KeyValue

	reconnects  metric.Int64Counter
	messages    metric.Int64Counter
	dropped     metric.Int64Counter
	transitions metric.Int64Counter
	latency     metric.Float64Histogram
}

func newSessionMetrics(session string) *sessionMetrics {
	meter := otel.Meter("derivgate.stream")
	m := &sessionMetrics{
		base:        telemetry.SessionAttributes(telemetry.Environment(), session),
		reconnects:  nil,
		messages:    nil,
		dropped:     nil,
		transitions: nil,
		latency:     nil,
	}

	m.reconnects, _ = meter.Int64Counter("derivgate_stream_reconnects",
		metric.WithDescription("Connection lifetimes ended, by whether the session had reached ready"),
		metric.WithUnit("{reconnect}"))
	m.messages, _ = meter.Int64Counter("derivgate_stream_messages",
		metric.WithDescription("Data messages dispatched to feed handlers"),
		metric.WithUnit("{message}"))
	m.dropped, _ = meter.Int64Counter("derivgate_stream_dropped",
		metric.WithDescription("Inbound messages dropped"),
		metric.WithUnit("{message}"))
	m.transitions, _ = meter.Int64Counter("derivgate_stream_state_transitions",
		metric.WithDescription("Session state transitions"),
		metric.WithUnit("{transition}"))
	m.latency, _ = meter.Float64Histogram("derivgate_stream_latency",
		metric.WithDescription("One-way heartbeat latency estimated as half the ping round trip"),
		metric.WithUnit("ms"))
	return m
}

func (m *sessionMetrics) attrs(extra ...attribute.KeyValue) metric.MeasurementOption {
	all := make([]attribute.KeyValue, 0, len(m.base)+len(extra))
	all = append(all, m.base...)
	all = append(all, extra...)
	return metric.WithAttributes(all...)
}

func (m *sessionMetrics) recordReconnect(result string) {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.Add(context.Background(), 1, m.attrs(telemetry.AttrResult.String(result)))
}

func (m *sessionMetrics) recordMessage(feed string) {
	if m == nil || m.messages == nil {
		return
	}
	m.messages.Add(context.Background(), 1, m.attrs(telemetry.AttrFeed.String(feed)))
}

func (m *sessionMetrics) recordDropped(reason string) {
	if m == nil || m.dropped == nil {
		return
	}
	m.dropped.Add(context.Background(), 1, m.attrs(telemetry.AttrReason.String(reason)))
}

func (m *sessionMetrics) recordState(state State) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(context.Background(), 1, m.attrs(telemetry.AttrConnectionState.String(state.String())))
}

func (m *sessionMetrics) recordLatency(d time.Duration) {
	if m == nil || m.latency == nil {
		return
	}
	m.latency.Record(context.Background(), float64(d.Microseconds())/1000, m.attrs())
}
