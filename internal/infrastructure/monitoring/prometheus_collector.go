package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"novalink/internal/core/domain"
	"novalink/internal/core/ports"
)

// PrometheusCollector exports session activity for scraping.
type PrometheusCollector struct {
	matchesTotal       *prometheus.CounterVec
	skipsTotal         prometheus.Counter
	partnerLeftTotal   prometheus.Counter
	iceRestartsTotal   prometheus.Counter
	unrecoverableTotal prometheus.Counter
	reconnectsTotal    prometheus.Counter

	connectionDuration prometheus.Histogram

	presenceCount prometheus.Gauge
	sessionState  *prometheus.GaugeVec
}

var _ ports.MetricsSink = (*PrometheusCollector)(nil)

func NewPrometheusCollector() *PrometheusCollector {
	return NewPrometheusCollectorWith(prometheus.DefaultRegisterer)
}

// NewPrometheusCollectorWith registers all collectors on the given registry.
// Tests pass their own to avoid duplicate registration.
func NewPrometheusCollectorWith(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		matchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "novalink_matches_total",
			Help: "Total number of partner matches, by negotiation role",
		}, []string{"role"}),

		skipsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "novalink_skips_total",
			Help: "Total number of user-initiated skips",
		}),

		partnerLeftTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "novalink_partner_left_total",
			Help: "Total number of partner departures",
		}),

		iceRestartsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "novalink_ice_restarts_total",
			Help: "Total number of ICE restarts issued",
		}),

		unrecoverableTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "novalink_unrecoverable_links_total",
			Help: "Total number of peer links abandoned after the restart budget",
		}),

		reconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "novalink_signal_reconnects_total",
			Help: "Total number of signaling channel reconnects",
		}),

		connectionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "novalink_connection_duration_seconds",
			Help:    "Duration of peer connections from connected to teardown",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),

		presenceCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "novalink_presence_count",
			Help: "Number of clients online as reported by the server",
		}),

		sessionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "novalink_session_state",
			Help: "Current session state (1 for the active state, 0 otherwise)",
		}, []string{"state"}),
	}
}

var sessionStates = []domain.SessionState{
	domain.StateIdle,
	domain.StateQueued,
	domain.StateNegotiating,
	domain.StateConnected,
	domain.StateRecovering,
}

func (p *PrometheusCollector) RecordMatch(role domain.Role) {
	p.matchesTotal.WithLabelValues(string(role)).Inc()
}

func (p *PrometheusCollector) RecordSkip() {
	p.skipsTotal.Inc()
}

func (p *PrometheusCollector) RecordPartnerLeft() {
	p.partnerLeftTotal.Inc()
}

func (p *PrometheusCollector) RecordICERestart() {
	p.iceRestartsTotal.Inc()
}

func (p *PrometheusCollector) RecordUnrecoverable() {
	p.unrecoverableTotal.Inc()
}

func (p *PrometheusCollector) RecordChannelReconnect() {
	p.reconnectsTotal.Inc()
}

func (p *PrometheusCollector) RecordConnectionDuration(seconds float64) {
	p.connectionDuration.Observe(seconds)
}

func (p *PrometheusCollector) SetPresenceCount(count int) {
	p.presenceCount.Set(float64(count))
}

func (p *PrometheusCollector) SetSessionState(state domain.SessionState) {
	for _, s := range sessionStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		p.sessionState.WithLabelValues(s.String()).Set(value)
	}
}
