package services

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const metricNamespace = "github.com/hanko-field/checkout/internal/services"

type checkoutMetrics struct {
	created   metric.Int64Counter
	rejected  metric.Int64Counter
	cancelled metric.Int64Counter
	latency   metric.Float64Histogram
}

func newCheckoutMetrics(meter metric.Meter, logger func(context.Context, string, map[string]any)) *checkoutMetrics {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(metricNamespace)
	}
	m := &checkoutMetrics{}
	var err error

	if m.created, err = meter.Int64Counter(
		"checkout.orders.created",
		metric.WithDescription("Orders committed by checkout"),
	); err != nil {
		logger(context.Background(), "checkout.metrics.register.failed", map[string]any{"metric": "created", "error": err.Error()})
	}
	if m.rejected, err = meter.Int64Counter(
		"checkout.orders.rejected",
		metric.WithDescription("Checkout attempts rejected, labelled by reason"),
	); err != nil {
		logger(context.Background(), "checkout.metrics.register.failed", map[string]any{"metric": "rejected", "error": err.Error()})
	}
	if m.cancelled, err = meter.Int64Counter(
		"checkout.orders.cancelled",
		metric.WithDescription("Orders cancelled with inventory released"),
	); err != nil {
		logger(context.Background(), "checkout.metrics.register.failed", map[string]any{"metric": "cancelled", "error": err.Error()})
	}
	if m.latency, err = meter.Float64Histogram(
		"checkout.create.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds of createOrder calls"),
	); err != nil {
		logger(context.Background(), "checkout.metrics.register.failed", map[string]any{"metric": "latency", "error": err.Error()})
	}
	return m
}

func (m *checkoutMetrics) recordCreated(ctx context.Context, started time.Time, withCoupon bool) {
	if m.created != nil {
		m.created.Add(ctx, 1, metric.WithAttributes(attribute.Bool("coupon", withCoupon)))
	}
	m.observeLatency(ctx, started, "created")
}

func (m *checkoutMetrics) recordRejected(ctx context.Context, started time.Time, reason string) {
	if m.rejected != nil {
		m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
	m.observeLatency(ctx, started, "rejected")
}

func (m *checkoutMetrics) recordCancelled(ctx context.Context) {
	if m.cancelled != nil {
		m.cancelled.Add(ctx, 1)
	}
}

func (m *checkoutMetrics) observeLatency(ctx context.Context, started time.Time, outcome string) {
	if m.latency == nil || started.IsZero() {
		return
	}
	elapsed := float64(time.Since(started).Microseconds()) / 1000
	m.latency.Record(ctx, elapsed, metric.WithAttributes(attribute.String("outcome", outcome)))
}
