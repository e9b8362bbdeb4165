package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_tasks_received_total",
		Help: "Queue deliveries received by workers",
	})
	tasksCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_tasks_completed_total",
		Help: "Queue deliveries processed and acknowledged",
	})
	tasksFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_tasks_failed_total",
		Help: "Queue deliveries left for redelivery after a processing error",
	})
	tasksDeletedUnrecoverable = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_tasks_deleted_unrecoverable_total",
		Help: "Queue deliveries dropped because they can never succeed",
	})
	tasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_tasks_enqueued_total",
		Help: "Tasks pushed to the queue by template",
	}, []string{"template"})
	stageOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_stage_outcomes_total",
		Help: "Stage executions by template and outcome",
	}, []string{"template", "outcome"})
	duplicatesAbsorbed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_duplicates_absorbed_total",
		Help: "Successor enqueues skipped as duplicates",
	}, []string{"reason"})
	debitResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_debit_resolutions_total",
		Help: "Debit resolutions by outcome",
	}, []string{"outcome"})
	refundFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_refund_failures_total",
		Help: "Refund attempts that errored and were left for reconciliation",
	})
	rateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_rate_limited_total",
		Help: "Requests rejected by the rate limiter by group",
	}, []string{"group"})
	panicsRecovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_panics_recovered_total",
		Help: "Handler panics turned into 500 responses by route",
	}, []string{"route"})
	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency by route, method and status",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method", "status"})
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_stage_duration_ms",
		Help:    "Stage execution duration in milliseconds",
		Buckets: []float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000, 120000},
	}, []string{"template"})
)

// IncTasksReceived increments the received counter.
func IncTasksReceived() { tasksReceived.Inc() }

// IncTasksCompleted increments the completed counter.
func IncTasksCompleted() { tasksCompleted.Inc() }

// IncTasksFailed increments the failed counter.
func IncTasksFailed() { tasksFailed.Inc() }

// IncTasksDeletedUnrecoverable increments the unrecoverable counter.
func IncTasksDeletedUnrecoverable() { tasksDeletedUnrecoverable.Inc() }

// IncTaskEnqueued counts one push for a template.
func IncTaskEnqueued(template string) { tasksEnqueued.WithLabelValues(template).Inc() }

// IncStageOutcome counts one stage execution outcome ("completed", "failed", "error").
func IncStageOutcome(template, outcome string) {
	stageOutcomes.WithLabelValues(template, outcome).Inc()
}

// IncDuplicateAbsorbed counts a skipped successor ("lock_held" or "status_past").
func IncDuplicateAbsorbed(reason string) { duplicatesAbsorbed.WithLabelValues(reason).Inc() }

// IncDebitResolution counts a debit outcome ("success", "refunded", "noop").
func IncDebitResolution(outcome string) { debitResolutions.WithLabelValues(outcome).Inc() }

// IncRefundFailure counts a refund that errored.
func IncRefundFailure() { refundFailures.Inc() }

// ObserveStageDuration records how long a stage took.
func ObserveStageDuration(template string, d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0
	if ms < 0 {
		ms = 0
	}
	stageDuration.WithLabelValues(template).Observe(ms)
}

// IncRateLimited counts a request rejected in group.
func IncRateLimited(group string) { rateLimited.WithLabelValues(group).Inc() }

func IncPanicRecovered(route string) { panicsRecovered.WithLabelValues(route).Inc() }

// ObserveHTTPRequest records one request. SSE routes observe the stream
// lifetime.
func ObserveHTTPRequest(route, method, status string, d time.Duration) {
	httpDuration.WithLabelValues(route, method, status).Observe(d.Seconds())
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
