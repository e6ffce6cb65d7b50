package redroute

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/joomcode/errorx"
)

// Metrics receives one observation per facade call: command kind, latency,
// outcome and how many routing retries the call needed. The core never
// chooses a metrics backend; callers inject whatever collector they run.
type Metrics interface {
	Observe(ctx context.Context, command string, latency time.Duration, retries int, err error)
}

// NopMetrics discards observations.
type NopMetrics struct{}

func (NopMetrics) Observe(context.Context, string, time.Duration, int, error) {}

// OTelMetrics reports observations through an OpenTelemetry meter.
type OTelMetrics struct {
	calls   metric.Int64Counter
	latency metric.Float64Histogram
	retries metric.Int64Counter
}

// NewOTelMetrics builds the instrument set on the given meter.
func NewOTelMetrics(meter metric.Meter) (*OTelMetrics, error) {
	calls, err := meter.Int64Counter("redroute.commands",
		metric.WithDescription("commands executed by outcome"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("redroute.command.duration",
		metric.WithDescription("command latency"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter("redroute.command.retries",
		metric.WithDescription("routing retries consumed"))
	if err != nil {
		return nil, err
	}
	return &OTelMetrics{calls: calls, latency: latency, retries: retries}, nil
}

func (m *OTelMetrics) Observe(ctx context.Context, command string, latency time.Duration, retries int, err error) {
	attrs := metric.WithAttributes(
		attribute.String("command", command),
		attribute.Bool("success", err == nil),
		attribute.String("error_kind", errorKind(err)),
	)
	m.calls.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(latency)/float64(time.Millisecond), attrs)
	if retries > 0 {
		m.retries.Add(ctx, int64(retries), attrs)
	}
}

func errorKind(err error) string {
	if err == nil {
		return ""
	}
	if e := errorx.Cast(err); e != nil {
		return e.Type().FullName()
	}
	return "unknown"
}
