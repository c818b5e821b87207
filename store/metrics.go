package store

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AnandSundar/idempotency-gateway"
)

const metricsNamespace = "idempotency"

// metrics is nil-safe: a store built without a registerer records nothing
type metrics struct {
	lookups   *prometheus.CounterVec
	evictions *prometheus.CounterVec
	awaits    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer, size func() int) *metrics {
	if reg == nil {
		return nil
	}
	m := &metrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "store",
			Name:      "lookups_total",
			Help:      "Lookups and begins by resulting state.",
		}, []string{"result"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "store",
			Name:      "evictions_total",
			Help:      "Expired entries removed, by reason.",
		}, []string{"reason"}),
		awaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "store",
			Name:      "awaits_total",
			Help:      "Waits on in-flight entries by outcome.",
		}, []string{"outcome"}),
	}
	entries := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "store",
		Name:      "entries",
		Help:      "Entries currently held, including expired entries not yet reaped.",
	}, func() float64 { return float64(size()) })

	reg.MustRegister(m.lookups, m.evictions, m.awaits, entries)
	return m
}

func (m *metrics) lookup(state idempotency.State) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(state.String()).Inc()
}

func (m *metrics) evicted(reason string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(reason).Inc()
}

func (m *metrics) await(outcome string) {
	if m == nil {
		return
	}
	m.awaits.WithLabelValues(outcome).Inc()
}
