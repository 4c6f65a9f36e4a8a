package rest

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/derivgate/errs"
	"github.com/coachpo/derivgate/internal/infra/telemetry"
)

type clientMetrics struct {
	exchange string
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

func newClientMetrics(exchange string) *clientMetrics {
	meter := otel.Meter("derivgate.rest")
	m := &clientMetrics{exchange: exchange, requests: nil, duration: nil}
	m.requests, _ = meter.Int64Counter("derivgate_rest_requests",
		metric.WithDescription("REST requests sent to the exchange"),
		metric.WithUnit("{request}"))
	m.duration, _ = meter.Float64Histogram("derivgate_rest_duration",
		metric.WithDescription("REST request duration including limiter queue time"),
		metric.WithUnit("ms"))
	return m
}

func (m *clientMetrics) record(ctx context.Context, operation string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	result := telemetry.ResultSuccess
	if err != nil {
		result = string(errs.CodeOf(err))
		if result == "" {
			result = telemetry.ResultError
		}
	}
	attrs := metric.WithAttributes(telemetry.RequestAttributes(telemetry.Environment(), m.exchange, operation, result)...)
	if m.requests != nil {
		m.requests.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}
}
