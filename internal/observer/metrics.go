package observer

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsEnabled = true // Flag to control metric collection

	// Labels for standard webhook metrics
	webhookLabels = []string{"company_id"}
	// Labels for routing decisions
	routingLabels = []string{"decision", "company_id"}
	// Labels for tracking specific processing actions
	processingActionLabels = []string{"company_id", "action", "error_type"}

	// Webhook Counters
	WebhooksReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contest_engine_webhooks_received_total",
			Help: "Total number of webhook deliveries received from the WhatsApp gateway.",
		},
		webhookLabels,
	)
	WebhooksProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contest_engine_webhooks_processed_total",
			Help: "Total number of webhook deliveries successfully processed.",
		},
		webhookLabels,
	)
	WebhooksDuplicateTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contest_engine_webhooks_duplicate_total",
			Help: "Total number of webhook redeliveries suppressed by message id dedup.",
		},
		webhookLabels,
	)
	WebhooksFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contest_engine_webhooks_failed_total",
			Help: "Total number of webhook deliveries that failed processing.",
		},
		webhookLabels,
	)

	// Routing decision counter
	RoutingDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contest_engine_routing_decisions_total",
			Help: "Total count of routing decisions, labeled by decision kind.",
		},
		routingLabels,
	)

	// Histogram for inbound processing duration
	InboundProcessingDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contest_engine_inbound_processing_duration_seconds",
			Help:    "Histogram of inbound message processing durations.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		webhookLabels,
	)

	// Counter for post-processing actions (ack, nak, dlq equivalents)
	ProcessingActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contest_engine_processing_actions_total",
			Help: "Total count of specific actions taken after processing, labeled by error type.",
		},
		processingActionLabels,
	)

	// Global metrics instance
	Metrics *metricsStore
)

// Metrics related to the receipt pipeline worker pool
var (
	pipelineFetchRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "receipt_pipeline_fetch_requests_total",
		Help: "Total number of fetch requests made to the receipt job stream.",
	})
	pipelineFetchErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "receipt_pipeline_fetch_errors_total",
		Help: "Total number of errors encountered during receipt job fetch requests.",
	})
	pipelineWorkersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "receipt_pipeline_workers_active",
		Help: "Current number of active worker goroutines in the pipeline pool.",
	})

	pipelineTenantLabels = []string{"company_id"}
	pipelineStageLabels  = []string{"company_id", "stage"}

	pipelineJobsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receipt_pipeline_jobs_submitted_total",
			Help: "Total number of receipt jobs submitted to the pipeline worker pool.",
		},
		pipelineTenantLabels,
	)
	pipelineProcessingDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "receipt_pipeline_processing_duration_seconds",
			Help:    "Histogram of end-to-end processing durations for receipt jobs.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		pipelineTenantLabels,
	)
	pipelineStageRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receipt_pipeline_stage_retries_total",
			Help: "Total number of retry attempts for pipeline stages.",
		},
		pipelineStageLabels,
	)
	pipelineStageFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receipt_pipeline_stage_failures_total",
			Help: "Total number of pipeline stage failures.",
		},
		pipelineStageLabels,
	)
	pipelineJobsExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receipt_pipeline_jobs_exhausted_total",
			Help: "Total number of receipt jobs parked for manual review after exceeding the retry budget.",
		},
		pipelineTenantLabels,
	)
	pipelineVerdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receipt_pipeline_verdicts_total",
			Help: "Total number of validation verdicts produced, labeled by verdict.",
		},
		[]string{"company_id", "verdict"},
	)
)

// Labels for database operations
var (
	dbOperationLabels = []string{"operation", "entity", "company_id", "status"}

	DatabaseOperationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contest_engine_db_operation_duration_seconds",
			Help:    "Histogram of database operation durations.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
		dbOperationLabels,
	)
)

// --- Gateway Send Metrics ---
var (
	gatewayLabels = []string{"company_id"}

	gatewaySendsAttemptedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contest_engine_gateway_sends_attempted_total",
			Help: "Total number of outbound messages the engine attempted to send.",
		},
		gatewayLabels,
	)
	gatewaySendsDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contest_engine_gateway_sends_delivered_total",
			Help: "Total number of outbound messages accepted by the WhatsApp gateway.",
		},
		gatewayLabels,
	)
	gatewaySendErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contest_engine_gateway_send_errors_total",
			Help: "Total number of errors encountered while sending to the gateway.",
		},
		gatewayLabels,
	)
	gatewaySendDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contest_engine_gateway_send_duration_seconds",
			Help:    "Histogram of gateway send durations, including retries.",
			Buckets: prometheus.DefBuckets,
		},
		gatewayLabels,
	)
)

// --- Notifier Metrics ---
var (
	notifierLabels = []string{"company_id", "status"}

	notifierNotificationsSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contest_engine_notifications_sent_total",
			Help: "Total number of adjudication notifications sent to customers, labeled by entry status.",
		},
		notifierLabels,
	)
	notifierNotificationsSuppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contest_engine_notifications_suppressed_total",
			Help: "Total number of adjudication notifications suppressed by the dedup window.",
		},
		notifierLabels,
	)
)

// metricsStore holds references to all Prometheus metrics.
type metricsStore struct{}

// InitMetrics initializes and registers the Prometheus metrics if enabled.
// Call this function during application startup.
func InitMetrics(enabled bool) {
	if !enabled {
		return
	}

	metricsEnabled = true

	// Metrics are auto-registered via promauto; this hook exists for any
	// future global setup (custom collectors, global labels).
	Metrics = &metricsStore{}
}

// IncWebhooksReceived increments the webhooks received counter.
func IncWebhooksReceived(tenant string) {
	if !metricsEnabled {
		return
	}
	WebhooksReceivedTotal.WithLabelValues(sanitizeTenant(tenant)).Inc()
}

// IncWebhooksProcessed increments the webhooks processed counter.
func IncWebhooksProcessed(tenant string) {
	if !metricsEnabled {
		return
	}
	WebhooksProcessedTotal.WithLabelValues(sanitizeTenant(tenant)).Inc()
}

// IncWebhooksDuplicate increments the suppressed redelivery counter.
func IncWebhooksDuplicate(tenant string) {
	if !metricsEnabled {
		return
	}
	WebhooksDuplicateTotal.WithLabelValues(sanitizeTenant(tenant)).Inc()
}

// IncWebhooksFailed increments the webhooks failed counter.
func IncWebhooksFailed(tenant string) {
	if !metricsEnabled {
		return
	}
	WebhooksFailedTotal.WithLabelValues(sanitizeTenant(tenant)).Inc()
}

// IncRoutingDecision increments the counter for a routing decision kind.
func IncRoutingDecision(decision, tenant string) {
	if !metricsEnabled {
		return
	}
	RoutingDecisionsTotal.WithLabelValues(decision, sanitizeTenant(tenant)).Inc()
}

// sanitizeTenant ensures the tenant label is valid or returns a default value.
func sanitizeTenant(tenant string) string {
	if tenant == "" {
		return "unknown"
	}
	return tenant
}

// --- Pipeline Metric Helpers ---

// IncPipelineFetchRequest increments the pipeline fetch request counter.
func IncPipelineFetchRequest() {
	if Metrics != nil {
		pipelineFetchRequestsTotal.Inc()
	}
}

// IncPipelineFetchError increments the pipeline fetch error counter.
func IncPipelineFetchError() {
	if Metrics != nil {
		pipelineFetchErrorsTotal.Inc()
	}
}

// IncPipelineJobsSubmitted increments the counter for jobs submitted to the pool.
func IncPipelineJobsSubmitted(companyID string) {
	if Metrics != nil {
		pipelineJobsSubmittedTotal.WithLabelValues(sanitizeTenant(companyID)).Inc()
	}
}

// SetPipelineWorkersActive sets the current number of active pipeline workers.
func SetPipelineWorkersActive(count int) {
	if Metrics != nil {
		pipelineWorkersActive.Set(float64(count))
	}
}

// ObservePipelineProcessingDuration records the processing time for a receipt job.
func ObservePipelineProcessingDuration(companyID string, duration time.Duration) {
	if Metrics != nil {
		pipelineProcessingDurationSeconds.WithLabelValues(sanitizeTenant(companyID)).Observe(duration.Seconds())
	}
}

// IncPipelineStageRetry increments the counter for stage retry attempts.
func IncPipelineStageRetry(companyID, stage string) {
	if Metrics != nil {
		pipelineStageRetriesTotal.WithLabelValues(sanitizeTenant(companyID), stage).Inc()
	}
}

// IncPipelineStageFailure increments the counter for stage failures.
func IncPipelineStageFailure(companyID, stage string) {
	if Metrics != nil {
		pipelineStageFailuresTotal.WithLabelValues(sanitizeTenant(companyID), stage).Inc()
	}
}

// IncPipelineJobsExhausted increments the counter for jobs parked after max retries.
func IncPipelineJobsExhausted(companyID string) {
	if Metrics != nil {
		pipelineJobsExhaustedTotal.WithLabelValues(sanitizeTenant(companyID)).Inc()
	}
}

// IncPipelineVerdict increments the counter for a validation verdict.
func IncPipelineVerdict(companyID, verdict string) {
	if Metrics != nil {
		pipelineVerdictsTotal.WithLabelValues(sanitizeTenant(companyID), verdict).Inc()
	}
}

// --- Engine Metric Helpers ---

// ObserveInboundProcessingDuration records the processing time for an inbound message.
func ObserveInboundProcessingDuration(tenant string, duration time.Duration) {
	if !metricsEnabled {
		return
	}
	InboundProcessingDurationSeconds.WithLabelValues(sanitizeTenant(tenant)).Observe(duration.Seconds())
}

// ObserveDbOperationDuration records the duration for a database operation.
func ObserveDbOperationDuration(operation, entity, companyID string, duration time.Duration, err error) {
	if !metricsEnabled {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	DatabaseOperationDurationSeconds.WithLabelValues(operation, entity, sanitizeTenant(companyID), status).Observe(duration.Seconds())
}

// IncProcessingAction increments the counter for a specific processing outcome.
func IncProcessingAction(tenant, action, errorType string) {
	if !metricsEnabled {
		return
	}
	sanitizedErrorType := SanitizeErrorType(errorType)
	ProcessingActionsTotal.WithLabelValues(sanitizeTenant(tenant), action, sanitizedErrorType).Inc()
}

// SanitizeErrorType maps specific errors or provides a default category.
// Keep this simple to avoid high cardinality.
func SanitizeErrorType(errStr string) string {
	// If no error (e.g., for success actions), return "none"
	if errStr == "" || errStr == "none" {
		return "none"
	}

	switch {
	case strings.Contains(errStr, "database"), strings.Contains(errStr, "SQL"), strings.Contains(errStr, "duplicate key"), strings.Contains(errStr, "constraint"), strings.Contains(errStr, "connection"):
		return "database"
	case strings.Contains(errStr, "validation failed"), strings.Contains(errStr, "bad request"), strings.Contains(errStr, "invalid"), strings.Contains(errStr, "missing field"):
		return "validation"
	case strings.Contains(errStr, "not found"), strings.Contains(errStr, "no rows"):
		return "not_found"
	case strings.Contains(errStr, "nats"), strings.Contains(errStr, "jetstream"):
		return "nats"
	case strings.Contains(errStr, "transport"), strings.Contains(errStr, "gateway"):
		return "transport"
	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errStr, "unmarshal"), strings.Contains(errStr, "json"):
		return "unmarshal"
	case strings.Contains(errStr, "panic"):
		return "panic"
	default:
		return "unknown"
	}
}

// --- Gateway Metric Helpers ---

// IncGatewaySendsAttempted increments the counter for attempted gateway sends.
func IncGatewaySendsAttempted(companyID string) {
	if Metrics != nil {
		gatewaySendsAttemptedTotal.WithLabelValues(sanitizeTenant(companyID)).Inc()
	}
}

// IncGatewaySendsDelivered increments the counter for accepted gateway sends.
func IncGatewaySendsDelivered(companyID string) {
	if Metrics != nil {
		gatewaySendsDeliveredTotal.WithLabelValues(sanitizeTenant(companyID)).Inc()
	}
}

// IncGatewaySendErrors increments the counter for gateway send errors.
func IncGatewaySendErrors(companyID string) {
	if Metrics != nil {
		gatewaySendErrorsTotal.WithLabelValues(sanitizeTenant(companyID)).Inc()
	}
}

// ObserveGatewaySendDuration records the total send time including retries.
func ObserveGatewaySendDuration(companyID string, duration time.Duration) {
	if Metrics != nil {
		gatewaySendDurationSeconds.WithLabelValues(sanitizeTenant(companyID)).Observe(duration.Seconds())
	}
}

// --- Notifier Metric Helpers ---

// IncNotificationsSent increments the counter for sent adjudication notifications.
func IncNotificationsSent(companyID, status string) {
	if Metrics != nil {
		notifierNotificationsSentTotal.WithLabelValues(sanitizeTenant(companyID), status).Inc()
	}
}

// IncNotificationsSuppressed increments the counter for deduped notifications.
func IncNotificationsSuppressed(companyID, status string) {
	if Metrics != nil {
		notifierNotificationsSuppressedTotal.WithLabelValues(sanitizeTenant(companyID), status).Inc()
	}
}
