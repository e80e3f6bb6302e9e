package offlinecache

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/always-cache/offline-cache"

// metrics holds the worker instruments.
type metrics struct {
	requests      metric.Int64Counter
	evictions     metric.Int64Counter
	errors        metric.Int64Counter
	fetchDuration metric.Float64Histogram
}

// newMetrics creates the instruments on meter, or on a noop meter if meter is nil.
func newMetrics(meter metric.Meter) (*metrics, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter(meterName)
	}

	requests, err := meter.Int64Counter(
		"offline_cache.requests",
		metric.WithDescription("Requests handled, by class and outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	evictions, err := meter.Int64Counter(
		"offline_cache.evictions",
		metric.WithDescription("Entries removed by eviction, expiry and purge"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	errors, err := meter.Int64Counter(
		"offline_cache.errors",
		metric.WithDescription("Errors reported by the worker"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	fetchDuration, err := meter.Float64Histogram(
		"offline_cache.fetch.duration_ms",
		metric.WithDescription("Network fetch duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &metrics{
		requests:      requests,
		evictions:     evictions,
		errors:        errors,
		fetchDuration: fetchDuration,
	}, nil
}

func (m *metrics) request(ctx context.Context, class, outcome string) {
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("class", class),
		attribute.String("outcome", outcome),
	))
}

func (m *metrics) evicted(ctx context.Context, store, reason string, n int) {
	if n <= 0 {
		return
	}
	m.evictions.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("store", store),
		attribute.String("reason", reason),
	))
}

func (m *metrics) failure(ctx context.Context, op string) {
	m.errors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (m *metrics) fetched(ctx context.Context, d time.Duration, err error) {
	m.fetchDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
		attribute.Bool("error", err != nil),
	))
}
