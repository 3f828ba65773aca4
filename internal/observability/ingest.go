package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// IngestMetrics records ingestion pipeline metrics (enqueue, worker).
// Methods accept ctx for future exemplar support.
type IngestMetrics interface {
	RecordJobsEnqueued(ctx context.Context, count int64)
	RecordOutcome(ctx context.Context, outcome string)
	RecordDuration(ctx context.Context, duration time.Duration, outcome string)
	RecordWorkerError(ctx context.Context, reason string)
	RecordFramesIndexed(ctx context.Context, count int64)
}

type ingestMetrics struct {
	jobsEnqueued  metric.Int64Counter
	outcomes      metric.Int64Counter
	duration      metric.Float64Histogram
	workerErrors  metric.Int64Counter
	framesIndexed metric.Int64Counter
}

// NewIngestMetrics creates IngestMetrics. Returns (nil, nil) when meter is nil
// (metrics disabled).
func NewIngestMetrics(meter metric.Meter) (IngestMetrics, error) {
	if meter == nil {
		//nolint:nilnil // intentional: callers use "if metrics != nil" when metrics disabled
		return nil, nil
	}

	jobsEnqueued, err := meter.Int64Counter(
		MetricNameIngestJobsEnqueued,
		metric.WithDescription("Total ingestion jobs enqueued"),
	)
	if err != nil {
		return nil, fmt.Errorf("create ingest jobs enqueued counter: %w", err)
	}

	outcomes, err := meter.Int64Counter(
		MetricNameIngestOutcomes,
		metric.WithDescription("Total ingestion attempt outcomes by status"),
	)
	if err != nil {
		return nil, fmt.Errorf("create ingest outcomes counter: %w", err)
	}

	duration, err := meter.Float64Histogram(
		MetricNameIngestDuration,
		metric.WithDescription("Ingestion attempt duration (seconds)"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create ingest duration histogram: %w", err)
	}

	workerErrors, err := meter.Int64Counter(
		MetricNameIngestWorkerErrors,
		metric.WithDescription("Total ingestion worker errors by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("create ingest worker errors counter: %w", err)
	}

	framesIndexed, err := meter.Int64Counter(
		MetricNameFramesIndexed,
		metric.WithDescription("Total frames written to the vector index"),
	)
	if err != nil {
		return nil, fmt.Errorf("create frames indexed counter: %w", err)
	}

	return &ingestMetrics{
		jobsEnqueued:  jobsEnqueued,
		outcomes:      outcomes,
		duration:      duration,
		workerErrors:  workerErrors,
		framesIndexed: framesIndexed,
	}, nil
}

func (m *ingestMetrics) RecordJobsEnqueued(ctx context.Context, count int64) {
	m.jobsEnqueued.Add(ctx, count)
}

func (m *ingestMetrics) RecordOutcome(ctx context.Context, outcome string) {
	outcome = normalizeIngestOutcome(outcome)
	m.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrOutcome, outcome)))
}

func (m *ingestMetrics) RecordDuration(ctx context.Context, duration time.Duration, outcome string) {
	outcome = normalizeIngestOutcome(outcome)
	m.duration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String(AttrOutcome, outcome)))
}

func (m *ingestMetrics) RecordWorkerError(ctx context.Context, reason string) {
	reason = NormalizeReason(reason, AllowedWorkerErrorReasons)
	m.workerErrors.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrReason, reason)))
}

func (m *ingestMetrics) RecordFramesIndexed(ctx context.Context, count int64) {
	m.framesIndexed.Add(ctx, count)
}

func normalizeIngestOutcome(outcome string) string {
	if AllowedIngestOutcomes[outcome] {
		return outcome
	}

	return "other"
}

// RegisterQueueDepthGauge exports the ingestion queue backlog as an
// observable gauge. depth is called on every scrape; it is the autoscaling
// signal for worker capacity. No-op when meter is nil.
func RegisterQueueDepthGauge(meter metric.Meter, depth func(ctx context.Context) (int64, error)) error {
	if meter == nil {
		return nil
	}

	gauge, err := meter.Int64ObservableGauge(
		MetricNameQueueDepth,
		metric.WithDescription("Pending ingestion queue messages (visible or leased)"),
	)
	if err != nil {
		return fmt.Errorf("create queue depth gauge: %w", err)
	}

	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		n, err := depth(ctx)
		if err != nil {
			return fmt.Errorf("observe queue depth: %w", err)
		}
		o.ObserveInt64(gauge, n)
		return nil
	}, gauge)
	if err != nil {
		return fmt.Errorf("register queue depth callback: %w", err)
	}

	return nil
}
