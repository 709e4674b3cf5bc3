// Package telemetry carries the service's Prometheus metrics and
// OpenTelemetry tracing setup.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the voice pipeline collectors. All methods are safe on a nil
// receiver so components can run without instrumentation in tests.
type Metrics struct {
	registry *prometheus.Registry

	SessionsStarted  *prometheus.CounterVec
	SessionsFinished *prometheus.CounterVec
	OpenSessions     prometheus.Gauge
	SessionDuration  prometheus.Histogram

	Chunks           *prometheus.CounterVec
	ProviderRequests *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	ProviderRetries  *prometheus.CounterVec

	Commands    *prometheus.CounterVec
	CodeLookups *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
}

// NewMetrics registers every collector on a fresh registry, together with
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SessionsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicedoc_sessions_started_total",
			Help: "Voice sessions started, by speech provider",
		}, []string{"provider"}),
		SessionsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicedoc_sessions_finished_total",
			Help: "Voice sessions reaching a terminal state, by outcome",
		}, []string{"outcome"}),
		OpenSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "voicedoc_open_sessions",
			Help: "Sessions currently owned by this process",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicedoc_session_audio_seconds",
			Help:    "Recorded audio per finished session",
			Buckets: []float64{5, 15, 30, 60, 120, 180, 240, 300},
		}),
		Chunks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicedoc_chunks_total",
			Help: "Audio chunks handled, by result",
		}, []string{"result"}),
		ProviderRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicedoc_provider_requests_total",
			Help: "Speech provider calls, by provider and outcome",
		}, []string{"provider", "outcome"}),
		ProviderLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicedoc_provider_request_seconds",
			Help:    "Speech provider call latency",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"provider"}),
		ProviderRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicedoc_provider_retries_total",
			Help: "Speech provider retries after transient failures",
		}, []string{"provider"}),
		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicedoc_commands_total",
			Help: "Commands appended, by category and confirmation",
		}, []string{"category", "confirmed"}),
		CodeLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicedoc_code_lookups_total",
			Help: "Code lookups, by cache layer or failure",
		}, []string{"outcome"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicedoc_http_requests_total",
			Help: "HTTP requests, by method, route and status",
		}, []string{"method", "route", "status"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SessionStarted(provider string) {
	if m == nil {
		return
	}
	m.SessionsStarted.WithLabelValues(provider).Inc()
	m.OpenSessions.Inc()
}

func (m *Metrics) SessionFinished(outcome string, audio time.Duration) {
	if m == nil {
		return
	}
	m.SessionsFinished.WithLabelValues(outcome).Inc()
	m.OpenSessions.Dec()
	m.SessionDuration.Observe(audio.Seconds())
}

func (m *Metrics) Chunk(result string) {
	if m == nil {
		return
	}
	m.Chunks.WithLabelValues(result).Inc()
}

func (m *Metrics) ProviderRequest(provider, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderRequests.WithLabelValues(provider, outcome).Inc()
	m.ProviderLatency.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) ProviderRetry(provider string) {
	if m == nil {
		return
	}
	m.ProviderRetries.WithLabelValues(provider).Inc()
}

func (m *Metrics) Command(category string, unconfirmed bool) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(category, strconv.FormatBool(!unconfirmed)).Inc()
}

func (m *Metrics) CodeLookup(outcome string) {
	if m == nil {
		return
	}
	m.CodeLookups.WithLabelValues(outcome).Inc()
}

func (m *Metrics) HTTPRequest(method, route string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}
