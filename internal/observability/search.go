package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SearchMetrics records query engine metrics.
type SearchMetrics interface {
	RecordSearch(ctx context.Context, status string, duration time.Duration)
	RecordCacheLookup(ctx context.Context, hit bool)
}

type searchMetrics struct {
	searches metric.Int64Counter
	duration metric.Float64Histogram
	cache    metric.Int64Counter
}

// NewSearchMetrics creates SearchMetrics. Returns (nil, nil) when meter is nil
// (metrics disabled).
func NewSearchMetrics(meter metric.Meter) (SearchMetrics, error) {
	if meter == nil {
		//nolint:nilnil // intentional: callers use "if metrics != nil" when metrics disabled
		return nil, nil
	}

	searches, err := meter.Int64Counter(
		MetricNameSearches,
		metric.WithDescription("Total searches by status"),
	)
	if err != nil {
		return nil, fmt.Errorf("create searches counter: %w", err)
	}

	duration, err := meter.Float64Histogram(
		MetricNameSearchDuration,
		metric.WithDescription("Search duration (seconds)"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create search duration histogram: %w", err)
	}

	cache, err := meter.Int64Counter(
		MetricNameSearchCache,
		metric.WithDescription("Query embedding cache lookups by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("create search cache counter: %w", err)
	}

	return &searchMetrics{searches: searches, duration: duration, cache: cache}, nil
}

func (m *searchMetrics) RecordSearch(ctx context.Context, status string, duration time.Duration) {
	if status != "success" && status != "error" {
		status = "other"
	}
	m.searches.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrStatus, status)))
	m.duration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String(AttrStatus, status)))
}

func (m *searchMetrics) RecordCacheLookup(ctx context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cache.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
