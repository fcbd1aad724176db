package cache

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Cache Manager's Prometheus collectors, labelled by tier
type Metrics struct {
	hits          *prometheus.CounterVec
	misses        *prometheus.CounterVec
	coalesced     *prometheus.CounterVec
	evictions     *prometheus.CounterVec
	invalidations *prometheus.CounterVec
	abandoned     *prometheus.CounterVec
	corrupt       *prometheus.CounterVec
	timeouts      *prometheus.CounterVec
	failures      *prometheus.CounterVec
	computations  *prometheus.CounterVec
	entries       *prometheus.GaugeVec
	latency       *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg (nil skips registration)
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "healthobs",
			Subsystem: "cache",
			Name:      name,
			Help:      help,
		}, []string{"tier"})
	}

	m := &Metrics{
		hits:          counter("hits_total", "Reads served from a fresh entry."),
		misses:        counter("misses_total", "Reads that started a computation."),
		coalesced:     counter("coalesced_total", "Reads that joined an in-flight computation."),
		evictions:     counter("evictions_total", "Entries evicted for capacity."),
		invalidations: counter("invalidations_total", "Entries evicted by invalidation."),
		abandoned:     counter("abandoned_total", "In-flight computations abandoned by invalidation."),
		corrupt:       counter("corrupt_entries_total", "Stored entries that failed their shape check."),
		timeouts:      counter("timeouts_total", "Callers that gave up waiting."),
		failures:      counter("failures_total", "Computations that failed after retries."),
		computations:  counter("computations_total", "Computations executed."),
		entries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "healthobs",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Entries currently stored.",
		}, []string{"tier"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "healthobs",
			Subsystem: "cache",
			Name:      "computation_seconds",
			Help:      "Computation latency including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"tier"}),
	}

	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, fmt.Errorf("failed to register cache metrics: %w", err)
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.hits, m.misses, m.coalesced, m.evictions, m.invalidations, m.abandoned,
		m.corrupt, m.timeouts, m.failures, m.computations, m.entries, m.latency,
	}
}
