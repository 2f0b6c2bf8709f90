package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions      prometheus.Gauge
	SessionEvents       *prometheus.CounterVec
	WSMessages          *prometheus.CounterVec
	CompletionRequests  *prometheus.CounterVec
	CompletionLatency   prometheus.Histogram
	ProviderErrors      *prometheus.CounterVec
	RateLimitRejections prometheus.Counter
	PersistOps          *prometheus.CounterVec

	stages   *latencyWindow
	registry prometheus.Gatherer
}

func NewMetrics(namespace string) *Metrics {
	return newMetrics(namespace, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsWithRegistry registers into reg; tests use a fresh registry per case.
func NewMetricsWithRegistry(namespace string, reg *prometheus.Registry) *Metrics {
	return newMetrics(namespace, reg, reg)
}

func newMetrics(namespace string, reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of logged-in chat sessions.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		CompletionRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_requests_total",
			Help:      "Completion requests by outcome.",
		}, []string{"outcome"}),
		CompletionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "completion_latency_ms",
			Help:      "Completion round trip latency in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 15000, 30000},
		}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and class.",
		}, []string{"provider", "class"}),
		RateLimitRejections: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Sends rejected by the message quota.",
		}),
		PersistOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_ops_total",
			Help:      "Background persistence writes by operation and result.",
		}, []string{"op", "result"}),
		stages:   newLatencyWindow(256),
		registry: gatherer,
	}
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionEvents.WithLabelValues("login").Inc()
}

func (m *Metrics) SessionEnded(reason string) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionEvents.WithLabelValues(reason).Inc()
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) WSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// ObserveCompletion records one completion round trip. class is empty on
// success.
func (m *Metrics) ObserveCompletion(provider string, d time.Duration, class string) {
	if m == nil {
		return
	}
	m.CompletionLatency.Observe(float64(d.Milliseconds()))
	m.stages.observe(StageCompletion, d)
	if class == "" {
		m.CompletionRequests.WithLabelValues("ok").Inc()
		return
	}
	m.CompletionRequests.WithLabelValues("error").Inc()
	m.ProviderErrors.WithLabelValues(provider, class).Inc()
	m.stages.count("completion_" + class)
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.RateLimitRejections.Inc()
	m.stages.count("rate_limited")
}

func (m *Metrics) ObservePersist(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
		m.stages.count("persist_error")
	}
	m.PersistOps.WithLabelValues(op, result).Inc()
	m.stages.observe(StagePersist, d)
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.observe(stage, d)
}

// SnapshotStages returns the recent per-stage latency window.
func (m *Metrics) SnapshotStages() LatencySnapshot {
	if m == nil {
		return newLatencyWindow(0).snapshot()
	}
	return m.stages.snapshot()
}

func (m *Metrics) ResetStages() {
	if m == nil {
		return
	}
	m.stages.reset()
}

// Handler serves the registry these metrics were registered into.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
