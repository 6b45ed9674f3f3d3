package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	StyleEvents       *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec
	RelayWriteErrors  *prometheus.CounterVec
	FirstDeltaLatency prometheus.Histogram

	gatherer prometheus.Gatherer
}

// NewMetrics registers the instruments on reg. Pass nil to use the default registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	gatherer := prometheus.DefaultGatherer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of registered rephrasing sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		StyleEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "style_events_total",
			Help:      "Events produced by style workers by style and kind.",
		}, []string{"style", "kind"}),
		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream streaming failures by style.",
		}, []string{"style"}),
		RelayWriteErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_write_errors_total",
			Help:      "Failed writes to stream subscribers by transport.",
		}, []string{"transport"}),
		FirstDeltaLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_delta_latency_ms",
			Help:      "Latency from worker start to first upstream delta in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 1000, 1500, 2500, 5000},
		}),
		gatherer: gatherer,
	}
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) ObserveStyleEvent(style, kind string) {
	if m == nil {
		return
	}
	m.StyleEvents.WithLabelValues(style, kind).Inc()
}

func (m *Metrics) ObserveUpstreamError(style string) {
	if m == nil {
		return
	}
	m.UpstreamErrors.WithLabelValues(style).Inc()
}

func (m *Metrics) ObserveRelayWriteError(transport string) {
	if m == nil {
		return
	}
	m.RelayWriteErrors.WithLabelValues(transport).Inc()
}

func (m *Metrics) ObserveFirstDeltaLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstDeltaLatency.Observe(float64(d.Milliseconds()))
}

// Handler serves the registry the metrics were registered on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
