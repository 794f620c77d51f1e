package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authorization metrics
	PermissionDenialsTotal *prometheus.CounterVec
	ScopeViolationsTotal   *prometheus.CounterVec
	CrossTenantReadsTotal  *prometheus.CounterVec

	// Audit pipeline metrics
	AuditRecordedTotal      *prometheus.CounterVec
	AuditFlushedTotal       prometheus.Counter
	AuditFlushFailuresTotal prometheus.Counter
	AuditFlushDuration      prometheus.Histogram
	AuditQueueDepth         prometheus.Gauge
	AuditQueueOverflowTotal prometheus.Counter
	AuditJournalErrorsTotal prometheus.Counter
	AuditReplayedTotal      prometheus.Counter
	AuditAlertsTotal        *prometheus.CounterVec

	// Retention metrics
	RetentionTransitionsTotal *prometheus.CounterVec
	RetentionDeferralsTotal   *prometheus.CounterVec
	RetentionDestroyedRecords *prometheus.CounterVec
	RetentionRunDuration      prometheus.Histogram
	RetentionFrozenSets       prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics.
// A nil registry creates the metrics without registering them.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinicguard_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clinicguard_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		PermissionDenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinicguard_permission_denials_total",
				Help: "Total number of permission checks that were denied",
			},
			[]string{"permission"},
		),
		ScopeViolationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinicguard_scope_violations_total",
				Help: "Total number of tenant scope violations",
			},
			[]string{"record_class", "operation"},
		),
		CrossTenantReadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinicguard_cross_tenant_reads_total",
				Help: "Total number of explicitly authorized cross-tenant reads",
			},
			[]string{"record_class"},
		),

		AuditRecordedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinicguard_audit_recorded_total",
				Help: "Total number of audit entries accepted by the recorder",
			},
			[]string{"severity"},
		),
		AuditFlushedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "clinicguard_audit_flushed_total",
				Help: "Total number of audit entries written to the audit store",
			},
		),
		AuditFlushFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "clinicguard_audit_flush_failures_total",
				Help: "Total number of audit batches that exhausted their retries",
			},
		),
		AuditFlushDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "clinicguard_audit_flush_duration_seconds",
				Help:    "Audit batch flush duration in seconds, including retries",
				Buckets: prometheus.DefBuckets,
			},
		),
		AuditQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "clinicguard_audit_queue_depth",
				Help: "Number of audit entries waiting in the in-process queue",
			},
		),
		AuditQueueOverflowTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "clinicguard_audit_queue_overflow_total",
				Help: "Audit entries left in the journal because the queue was full",
			},
		),
		AuditJournalErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "clinicguard_audit_journal_errors_total",
				Help: "Total number of failed journal writes",
			},
		),
		AuditReplayedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "clinicguard_audit_replayed_total",
				Help: "Audit entries re-offered from the journal",
			},
		),
		AuditAlertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinicguard_audit_alerts_total",
				Help: "Operational alerts raised by the audit pipeline",
			},
			[]string{"reason"},
		),

		RetentionTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinicguard_retention_transitions_total",
				Help: "Retention state transitions",
			},
			[]string{"record_class", "from", "to"},
		),
		RetentionDeferralsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinicguard_retention_deferrals_total",
				Help: "Destruction actions deferred by an active legal hold",
			},
			[]string{"record_class"},
		),
		RetentionDestroyedRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clinicguard_retention_destroyed_records_total",
				Help: "Records destroyed by executed destruction actions",
			},
			[]string{"record_class"},
		),
		RetentionRunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "clinicguard_retention_run_duration_seconds",
				Help:    "Duration of a retention evaluation run",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		RetentionFrozenSets: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "clinicguard_retention_frozen_sets",
				Help: "Record sets frozen by legal holds in the last run",
			},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.HTTPRequestsTotal,
			m.HTTPRequestDuration,
			m.PermissionDenialsTotal,
			m.ScopeViolationsTotal,
			m.CrossTenantReadsTotal,
			m.AuditRecordedTotal,
			m.AuditFlushedTotal,
			m.AuditFlushFailuresTotal,
			m.AuditFlushDuration,
			m.AuditQueueDepth,
			m.AuditQueueOverflowTotal,
			m.AuditJournalErrorsTotal,
			m.AuditReplayedTotal,
			m.AuditAlertsTotal,
			m.RetentionTransitionsTotal,
			m.RetentionDeferralsTotal,
			m.RetentionDestroyedRecords,
			m.RetentionRunDuration,
			m.RetentionFrozenSets,
		)
	}

	return m
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Requests are labelled with the mux route template, not the raw path, so
// record ids never become label values.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(duration)
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
