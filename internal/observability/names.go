package observability

// Metric names (Prometheus / OpenTelemetry).
const (
	MetricNameRequestCount    = "vidscope_http_requests_total"
	MetricNameRequestDuration = "vidscope_http_request_duration_seconds"

	MetricNameIngestJobsEnqueued = "vidscope_ingest_jobs_enqueued_total"
	MetricNameIngestOutcomes     = "vidscope_ingest_outcomes_total"
	MetricNameIngestDuration     = "vidscope_ingest_duration_seconds"
	MetricNameIngestWorkerErrors = "vidscope_ingest_worker_errors_total"
	MetricNameFramesIndexed      = "vidscope_frames_indexed_total"
	MetricNameQueueDepth         = "vidscope_ingest_queue_depth"

	MetricNameSearches       = "vidscope_searches_total"
	MetricNameSearchDuration = "vidscope_search_duration_seconds"
	MetricNameSearchCache    = "vidscope_search_cache_total"
)

// Attribute keys.
const (
	AttrReason  = "reason"
	AttrStatus  = "status"
	AttrOutcome = "outcome"
)

// AllowedIngestOutcomes for vidscope_ingest_outcomes_total and the duration
// histogram (bounded cardinality).
var AllowedIngestOutcomes = map[string]bool{
	"indexed":       true,
	"retry":         true,
	"dead_lettered": true,
	"cancelled":     true,
	"stale":         true,
}

// AllowedWorkerErrorReasons for vidscope_ingest_worker_errors_total.
var AllowedWorkerErrorReasons = map[string]bool{
	"claim_failed":  true,
	"blob_fetch":    true,
	"sampling":      true,
	"embedding":     true,
	"index_write":   true,
	"ledger_update": true,
	"lease_lost":    true,
	"queue":         true,
}

// NormalizeReason returns reason if in allowed, otherwise "other".
func NormalizeReason(reason string, allowed map[string]bool) string {
	if allowed[reason] {
		return reason
	}

	return "other"
}
