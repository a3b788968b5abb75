package queue

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is optional; a nil *Metrics records nothing.
type Metrics struct {
	dispatched prometheus.Counter
	cacheHits  prometheus.Counter
	throttled  prometheus.Counter
	outcomes   *prometheus.CounterVec
	inFlight   prometheus.Gauge
	pending    prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_dispatched_total",
			Help: "Requests sent to the network.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_cache_hits_total",
			Help: "Requests answered from the cache.",
		}),
		throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "queue_throttled_total",
			Help: "Requests refused by the local quota gate.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_outcomes_total",
			Help: "Completed network requests by outcome kind.",
		}, []string{"kind"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_in_flight",
			Help: "Requests currently dispatched.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "queue_pending",
			Help: "Requests waiting for a slot.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.dispatched, m.cacheHits, m.throttled, m.outcomes, m.inFlight, m.pending)
	}
	return m
}

func (m *Metrics) cacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) throttle() {
	if m != nil {
		m.throttled.Inc()
	}
}

func (m *Metrics) setPending(n int) {
	if m != nil {
		m.pending.Set(float64(n))
	}
}

func (m *Metrics) dispatch() {
	if m != nil {
		m.dispatched.Inc()
		m.inFlight.Inc()
	}
}

func (m *Metrics) complete(k Kind) {
	if m != nil {
		m.inFlight.Dec()
		m.outcomes.WithLabelValues(k.String()).Inc()
	}
}
