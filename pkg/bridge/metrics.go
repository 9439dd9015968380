package bridge

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the bridge's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	exchanges *prometheus.CounterVec
	failures  *prometheus.CounterVec
	framing   *prometheus.CounterVec
	duration  prometheus.Histogram
	bytesOut  prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		exchanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchbridge_exchanges_total",
				Help: "Exchanges handled, by outcome.",
			},
			[]string{"outcome"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchbridge_failures_total",
				Help: "Exchange failures by phase and kind.",
			},
			[]string{"phase", "kind"},
		),
		framing: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fetchbridge_framing_total",
				Help: "Responses written, by framing strategy.",
			},
			[]string{"strategy"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fetchbridge_exchange_duration_seconds",
				Help:    "Time from request build to response end.",
				Buckets: prometheus.DefBuckets,
			},
		),
		bytesOut: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "fetchbridge_response_body_bytes_total",
				Help: "Response body bytes handed to native connections.",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.exchanges, m.failures, m.framing, m.duration, m.bytesOut)
	}
	return m
}

func (m *Metrics) observeExchange(outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.exchanges.WithLabelValues(outcome).Inc()
	m.duration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) observeFailure(e *Error) {
	if m == nil || e == nil {
		return
	}
	m.failures.WithLabelValues(string(e.Phase), string(e.Kind)).Inc()
}

func (m *Metrics) observeFraming(f Framing) {
	if m == nil {
		return
	}
	m.framing.WithLabelValues(f.String()).Inc()
}

func (m *Metrics) addBytes(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesOut.Add(float64(n))
}
