package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the assistant.
//
// A nil *Metrics is valid; every Record method is then a no-op, which keeps
// tests and library users free of registry plumbing.
type Metrics struct {
	registry *prometheus.Registry

	// Submission metrics
	SubmissionsTotal *prometheus.CounterVec
	AnalysisDuration *prometheus.HistogramVec

	// Search metrics
	SearchesTotal *prometheus.CounterVec

	// Live session metrics
	LiveSessionsActive  prometheus.Gauge
	LiveSessionsTotal   *prometheus.CounterVec
	LiveSessionDuration prometheus.Histogram
	LiveAudioBytesTotal *prometheus.CounterVec

	// Persistence metrics
	PersistErrorsTotal *prometheus.CounterVec
	ConversationsGauge *prometheus.GaugeVec

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates a Metrics instance with all metrics registered on a private
// registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "plantassist"
	}

	registry := prometheus.NewRegistry()

	submissionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Total number of chat submissions",
		},
		[]string{"section", "status"},
	)

	analysisDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_duration_seconds",
			Help:      "Remote analysis duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"section"},
	)

	searchesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pdf_searches_total",
			Help:      "Total number of document searches",
		},
		[]string{"status"},
	)

	liveSessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_sessions_active",
			Help:      "Number of active live sessions",
		},
	)

	liveSessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_sessions_total",
			Help:      "Total number of live sessions",
		},
		[]string{"status"},
	)

	liveSessionDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "live_session_duration_seconds",
			Help:      "Live session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	liveAudioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_audio_bytes_total",
			Help:      "Total audio bytes processed in live sessions",
		},
		[]string{"direction"},
	)

	persistErrorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_errors_total",
			Help:      "Total number of failed durable writes",
		},
		[]string{"key"},
	)

	conversationsGauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conversations",
			Help:      "Number of stored conversations per storage key",
		},
		[]string{"key"},
	)

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"method", "route"},
	)

	// Register all metrics
	registry.MustRegister(
		submissionsTotal,
		analysisDuration,
		searchesTotal,
		liveSessionsActive,
		liveSessionsTotal,
		liveSessionDuration,
		liveAudioBytesTotal,
		persistErrorsTotal,
		conversationsGauge,
		requestsTotal,
		requestDuration,
	)

	return &Metrics{
		registry:            registry,
		SubmissionsTotal:    submissionsTotal,
		AnalysisDuration:    analysisDuration,
		SearchesTotal:       searchesTotal,
		LiveSessionsActive:  liveSessionsActive,
		LiveSessionsTotal:   liveSessionsTotal,
		LiveSessionDuration: liveSessionDuration,
		LiveAudioBytesTotal: liveAudioBytesTotal,
		PersistErrorsTotal:  persistErrorsTotal,
		ConversationsGauge:  conversationsGauge,
		RequestsTotal:       requestsTotal,
		RequestDuration:     requestDuration,
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSubmission records a finished submission. status is "ok", "error" or
// "upload_error".
func (m *Metrics) RecordSubmission(section, status string) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(section, status).Inc()
}

// RecordAnalysis records the duration of one remote analysis call.
func (m *Metrics) RecordAnalysis(section string, duration time.Duration) {
	if m == nil {
		return
	}
	m.AnalysisDuration.WithLabelValues(section).Observe(duration.Seconds())
}

// RecordSearch records a document search.
func (m *Metrics) RecordSearch(status string) {
	if m == nil {
		return
	}
	m.SearchesTotal.WithLabelValues(status).Inc()
}

// RecordLiveSessionStart records a new live session opening.
func (m *Metrics) RecordLiveSessionStart() {
	if m == nil {
		return
	}
	m.LiveSessionsActive.Inc()
}

// RecordLiveSessionEnd records a live session ending. status is "ok" or
// "error".
func (m *Metrics) RecordLiveSessionEnd(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.LiveSessionsActive.Dec()
	m.LiveSessionsTotal.WithLabelValues(status).Inc()
	m.LiveSessionDuration.Observe(duration.Seconds())
}

// RecordLiveSessionFailed records a session that never opened.
func (m *Metrics) RecordLiveSessionFailed() {
	if m == nil {
		return
	}
	m.LiveSessionsTotal.WithLabelValues("failed").Inc()
}

// RecordLiveAudio records audio bytes in a live session.
func (m *Metrics) RecordLiveAudio(direction string, bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.LiveAudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

// RecordPersistError records a swallowed durable write failure.
func (m *Metrics) RecordPersistError(key string) {
	if m == nil {
		return
	}
	m.PersistErrorsTotal.WithLabelValues(key).Inc()
}

// SetConversations records the current collection size for key.
func (m *Metrics) SetConversations(key string, n int) {
	if m == nil {
		return
	}
	m.ConversationsGauge.WithLabelValues(key).Set(float64(n))
}

// RecordRequest records a completed HTTP request.
func (m *Metrics) RecordRequest(method, route, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, status).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
