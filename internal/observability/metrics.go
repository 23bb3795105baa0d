package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	postings        *prometheus.CounterVec
	reviews         *prometheus.CounterVec
	mergeFields     *prometheus.CounterVec
	schemaColumns   *prometheus.CounterVec
}

// NewMetrics menginisialisasi registry dan metrik dasar.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	postings := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_postings_total",
		Help: "Auto-posting attempts by source kind and outcome.",
	}, []string{"kind", "outcome"})
	reviews := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_bank_reviews_total",
		Help: "Bank mutation review decisions by action.",
	}, []string{"action"})
	mergeFields := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_merge_fields_total",
		Help: "Fields processed by smart merge grouped by decision.",
	}, []string{"decision"})
	schemaColumns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_schema_columns_total",
		Help: "Dynamic columns created or queued for approval.",
	}, []string{"mode"})
	registry.MustRegister(requests, duration, postings, reviews, mergeFields, schemaColumns)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		postings:        postings,
		reviews:         reviews,
		mergeFields:     mergeFields,
		schemaColumns:   schemaColumns,
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// ObservePosting counts one auto-posting attempt.
func (m *Metrics) ObservePosting(kind, outcome string) {
	if m == nil {
		return
	}
	m.postings.WithLabelValues(kind, outcome).Inc()
}

// ObserveReview counts a bank mutation review decision.
func (m *Metrics) ObserveReview(action string) {
	if m == nil {
		return
	}
	m.reviews.WithLabelValues(action).Inc()
}

// ObserveMerge adds per-decision field counts from one merge run.
func (m *Metrics) ObserveMerge(decisions map[string]int) {
	if m == nil {
		return
	}
	for decision, n := range decisions {
		if n > 0 {
			m.mergeFields.WithLabelValues(decision).Add(float64(n))
		}
	}
}

// ObserveSchemaColumns counts dynamic columns handled in the given mode.
func (m *Metrics) ObserveSchemaColumns(mode string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.schemaColumns.WithLabelValues(mode).Add(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
