// Package observability provides OpenTelemetry metrics (Prometheus exporter)
// and logging helpers for the vidscope services.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	prometheusexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const (
	meterScope         = "github.com/vidscope/vidscope/internal/observability"
	defaultServiceName = "vidscope"
	cardinalityLimit   = 2000
)

// latencyHistogramBoundaries are Prometheus-style buckets (seconds) for
// request and search duration histograms.
var latencyHistogramBoundaries = []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5}

// APIMetrics records HTTP server metrics.
type APIMetrics interface {
	RecordRequest(ctx context.Context, method, route, statusClass string, duration time.Duration)
}

// MeterProviderShutdown is the subset of the SDK MeterProvider needed for shutdown.
type MeterProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// MeterProviderConfig holds configuration for creating the MeterProvider.
type MeterProviderConfig struct {
	// ServiceName is used in the resource (default: vidscope).
	ServiceName string
}

// NewMeterProvider creates a MeterProvider with Prometheus exporter and
// returns the provider, an HTTP handler for /metrics, and the Meter that the
// per-concern metric constructors hang off. Caller must call provider.Shutdown
// on exit. When metrics are disabled, call sites pass nil metrics instead.
func NewMeterProvider(_ context.Context, cfg MeterProviderConfig) (MeterProviderShutdown, http.Handler, metric.Meter, error) {
	serviceNameVal := cfg.ServiceName
	if serviceNameVal == "" {
		serviceNameVal = defaultServiceName
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceNameVal),
	)

	reg := prometheus.NewRegistry()

	exporter, err := prometheusexporter.New(
		prometheusexporter.WithRegisterer(reg),
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
		sdkmetric.WithCardinalityLimit(cardinalityLimit),
		sdkmetric.WithView(
			sdkmetric.NewView(
				sdkmetric.Instrument{Name: MetricNameRequestDuration},
				sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: latencyHistogramBoundaries}},
			),
			sdkmetric.NewView(
				sdkmetric.Instrument{Name: MetricNameSearchDuration},
				sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: latencyHistogramBoundaries}},
			),
		),
	)

	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return mp, metricsHandler, mp.Meter(meterScope), nil
}

// NewAPIMetrics creates APIMetrics. Returns (nil, nil) when meter is nil
// (metrics disabled).
func NewAPIMetrics(meter metric.Meter) (APIMetrics, error) {
	if meter == nil {
		//nolint:nilnil // intentional: callers use "if metrics != nil" when metrics disabled
		return nil, nil
	}

	requestCount, err := meter.Int64Counter(
		MetricNameRequestCount,
		metric.WithDescription("Total HTTP requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("create request count counter: %w", err)
	}

	requestDuration, err := meter.Float64Histogram(
		MetricNameRequestDuration,
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create request duration histogram: %w", err)
	}

	return &apiMetrics{requestCount: requestCount, requestDuration: requestDuration}, nil
}

type apiMetrics struct {
	requestCount    metric.Int64Counter
	requestDuration metric.Float64Histogram
}

func (m *apiMetrics) RecordRequest(ctx context.Context, method, route, statusClass string, duration time.Duration) {
	attrs := attribute.NewSet(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.String("status_class", statusClass),
	)
	m.requestCount.Add(ctx, 1, metric.WithAttributeSet(attrs))

	durAttrs := attribute.NewSet(
		attribute.String("method", method),
		attribute.String("route", route),
	)
	m.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributeSet(durAttrs))
}
