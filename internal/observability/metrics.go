package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	ProviderErrors   *prometheus.CounterVec
	ASRReconnects    *prometheus.CounterVec
	KeepAliveTimers  prometheus.Gauge
	AudioChunks      *prometheus.CounterVec
	TurnStageLatency *prometheus.HistogramVec
	TurnCycles       *prometheus.CounterVec
	registry         prometheus.Registerer
	window           *stageWindow
}

// NewMetrics registers the instruments on the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith registers the instruments on reg. Tests pass a fresh
// prometheus.NewRegistry() to avoid duplicate registration.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		window:   newStageWindow(256),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live relay sessions.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "Client websocket frames by direction and kind.",
		}, []string{"direction", "kind"}),
		ProviderErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Backend errors by provider and category.",
		}, []string{"provider", "category"}),
		ASRReconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asr_reconnects_total",
			Help:      "ASR stream replacements by outcome.",
		}, []string{"outcome"}),
		KeepAliveTimers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "asr_keepalive_timers",
			Help:      "Live ASR keepalive timers across all sessions.",
		}),
		AudioChunks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_chunks_total",
			Help:      "Inbound audio chunks by disposition.",
		}, []string{"result"}),
		TurnStageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_stage_latency_ms",
			Help:      "Turn cycle stage latency in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 1000, 1500, 2500, 5000, 10000},
		}, []string{"stage"}),
		TurnCycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_cycles_total",
			Help:      "Completed turn cycles by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.ObserveStageMS(stage, float64(d.Milliseconds()))
}

func (m *Metrics) ObserveStageMS(stage string, ms float64) {
	m.TurnStageLatency.WithLabelValues(stage).Observe(ms)
	m.window.observe(stage, ms)
}

// Indicate bumps a named counter shown next to the stage latencies.
func (m *Metrics) Indicate(name string) {
	m.window.count(name)
}

func (m *Metrics) SnapshotTurnStages() StageSnapshot {
	return m.window.snapshot()
}

// Handler serves the registry the metrics were registered on, falling back to
// the default gatherer.
func (m *Metrics) Handler() http.Handler {
	if g, ok := m.registry.(prometheus.Gatherer); ok && m.registry != prometheus.DefaultRegisterer {
		return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}
