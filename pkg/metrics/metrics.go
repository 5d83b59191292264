package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tally_build_info",
			Help: "Build information of the tally ledger service",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tally_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tally_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Ledger metrics
	TasksCompletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_tasks_completed_total",
			Help: "Total number of task completions recorded",
		},
		[]string{"task_id"},
	)

	PaymentsRecordedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tally_payments_recorded_total",
			Help: "Total number of payment records appended",
		},
	)

	SnapshotsBuiltTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tally_epoch_snapshots_built_total",
			Help: "Total number of epoch snapshots frozen",
		},
	)

	SnapshotLeaves = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tally_epoch_snapshot_leaves",
			Help:    "Number of leaves per frozen epoch snapshot",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10), // 1 to ~260k
		},
	)

	TicketsIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_claim_tickets_issued_total",
			Help: "Total number of claim tickets returned",
		},
		[]string{"kind"}, // "issued", "rederived"
	)

	ClaimsReconciledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_claims_reconciled_total",
			Help: "Total number of claim reconciliations",
		},
		[]string{"result"}, // "success", "failure"
	)

	SchedulerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_scheduler_runs_total",
			Help: "Total number of scheduled snapshot build attempts",
		},
		[]string{"result"}, // "built", "skipped", "error", "panic"
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise the raw path
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		status := strconv.Itoa(ww.Status())
		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
