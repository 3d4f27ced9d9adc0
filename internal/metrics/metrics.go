// Package metrics exposes Prometheus collectors for the intake service.
package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "farm_intake"

// Metrics holds the service collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prom.Registry

	messages      *prom.CounterVec
	modelCalls    *prom.CounterVec
	modelLatency  prom.Histogram
	decoderStages *prom.CounterVec
	cacheRequests *prom.CounterVec
	registrations prom.Counter
}

// New creates and registers all collectors.
func New() *Metrics {
	registry := prom.NewRegistry()
	m := &Metrics{
		registry: registry,
		messages: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound farmer messages by guidance directive.",
		}, []string{"guidance"}),
		modelCalls: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "Model invocations by provider and outcome.",
		}, []string{"provider", "outcome"}),
		modelLatency: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "model_call_duration_seconds",
			Help:      "Model invocation latency.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30},
		}),
		decoderStages: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "decoder_stage_total",
			Help:      "Model responses by the decoder stage that recovered them.",
		}, []string{"stage"}),
		cacheRequests: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "context_cache_requests_total",
			Help:      "Context cache lookups by result.",
		}, []string{"result"}),
		registrations: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_completed_total",
			Help:      "Intake conversations that reached a complete profile.",
		}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.messages, m.modelCalls, m.modelLatency, m.decoderStages, m.cacheRequests, m.registrations,
	)
	return m
}

// RegisterSessionGauge exposes the live session count.
func (m *Metrics) RegisterSessionGauge(count func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prom.NewGaugeFunc(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Conversation sessions held in memory.",
	}, func() float64 { return float64(count()) }))
}

// Message counts an inbound message.
func (m *Metrics) Message(guidance string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(guidance).Inc()
}

// ModelCall records one model invocation.
func (m *Metrics) ModelCall(provider, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.modelCalls.WithLabelValues(provider, outcome).Inc()
	m.modelLatency.Observe(took.Seconds())
}

// DecoderStage counts which decoder recovered a model response.
func (m *Metrics) DecoderStage(stage string) {
	if m == nil {
		return
	}
	m.decoderStages.WithLabelValues(stage).Inc()
}

// CacheRequest counts a context cache lookup ("hit", "miss" or "degraded").
func (m *Metrics) CacheRequest(result string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(result).Inc()
}

// RegistrationCompleted counts a completed profile.
func (m *Metrics) RegistrationCompleted() {
	if m == nil {
		return
	}
	m.registrations.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
