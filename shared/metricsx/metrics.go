package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	workflowTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_transition_total",
			Help: "Total workflow transitions by entity type and result.",
		},
		[]string{"entity_type", "result"},
	)
	triggerEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_trigger_evaluations_total",
			Help: "Total automation trigger evaluations by outcome.",
		},
		[]string{"trigger_id", "outcome"},
	)
	slaBreached = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sla_records_breached_total",
			Help: "Total SLA records flagged breached.",
		},
	)
	outboxProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_processed_total",
			Help: "Total outbox events handled by the dispatch worker.",
		},
		[]string{"event_type", "status"},
	)
	dispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outbox_dispatch_duration_seconds",
			Help:    "Outbox event dispatch latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	activeTasks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "active_tasks_total",
			Help: "Current number of tasks by state.",
		},
		[]string{"state"},
	)
	asynqQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "asynq_queue_depth",
			Help: "Asynq queue depth by queue.",
		},
		[]string{"queue"},
	)
)

func Register() {
	prometheus.MustRegister(httpRequests, httpLatency, workflowTransitions, triggerEvaluations, slaBreached, outboxProcessed, dispatchLatency, activeTasks, asynqQueueDepth)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r)
		status := strconv.Itoa(lrw.statusCode)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		httpLatency.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

func IncWorkflowTransition(entityType string, result string) {
	workflowTransitions.WithLabelValues(entityType, result).Inc()
}

func IncTriggerEvaluation(triggerID string, outcome string) {
	triggerEvaluations.WithLabelValues(triggerID, outcome).Inc()
}

func IncSLABreached() {
	slaBreached.Inc()
}

func IncOutboxProcessed(eventType string, status string) {
	outboxProcessed.WithLabelValues(eventType, status).Inc()
}

func ObserveDispatchLatency(d time.Duration) {
	dispatchLatency.Observe(d.Seconds())
}

func SetActiveTasks(state string, count int) {
	activeTasks.WithLabelValues(state).Set(float64(count))
}

func SetAsynqQueueDepth(queue string, depth int) {
	asynqQueueDepth.WithLabelValues(queue).Set(float64(depth))
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
