package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type relayMetrics struct {
	activeSessions prometheus.Gauge
	sessionTotal   prometheus.Counter
	messages       prometheus.Counter
	frameErrors    *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	historyErrors  *prometheus.CounterVec
	fanoutLatency  prometheus.Histogram
}

// newRelayMetrics registers the relay collectors on reg.  A nil reg disables
// metrics; every recorder below is safe to call on a nil *relayMetrics.
func newRelayMetrics(reg prometheus.Registerer) *relayMetrics {
	if reg == nil {
		return nil
	}

	m := &relayMetrics{
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "textrelay_sessions_active",
			Help: "Sessions currently registered for broadcast.",
		}),
		sessionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "textrelay_sessions_total",
			Help: "Sessions that reached the active state since start.",
		}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "textrelay_messages_total",
			Help: "Chat messages accepted for relay.",
		}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "textrelay_frame_errors_total",
			Help: "Inbound frames rejected by the codec, grouped by reason.",
		}, []string{"reason"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "textrelay_deliveries_dropped_total",
			Help: "Outbound frames not queued for a recipient, grouped by reason.",
		}, []string{"reason"}),
		historyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "textrelay_history_errors_total",
			Help: "History store failures grouped by operation.",
		}, []string{"op"}),
		fanoutLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "textrelay_fanout_latency_seconds",
			Help:    "Time from accepting a message to queueing it for every recipient.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}

	reg.MustRegister(
		m.activeSessions,
		m.sessionTotal,
		m.messages,
		m.frameErrors,
		m.dropped,
		m.historyErrors,
		m.fanoutLatency,
	)
	return m
}

func (m *relayMetrics) setActive(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *relayMetrics) incSession() {
	if m == nil {
		return
	}
	m.sessionTotal.Inc()
}

func (m *relayMetrics) recordMessage(fanout time.Duration) {
	if m == nil {
		return
	}
	m.messages.Inc()
	m.fanoutLatency.Observe(fanout.Seconds())
}

func (m *relayMetrics) recordFrameError(reason string) {
	if m == nil {
		return
	}
	m.frameErrors.WithLabelValues(reason).Inc()
}

func (m *relayMetrics) recordDrop(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *relayMetrics) recordHistoryError(op string) {
	if m == nil {
		return
	}
	m.historyErrors.WithLabelValues(op).Inc()
}
