// Package metrics holds the prometheus collectors exported by the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pyramid"

// Metrics groups the engine's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	BatchesSent    prometheus.Counter
	TilesRequested prometheus.Counter
	TilesReceived  prometheus.Counter
	TilesFailed    prometheus.Counter
	TilesCoalesced prometheus.Counter
	RequestsActive prometheus.Gauge
	BatchLatency   prometheus.Histogram

	TilesRetired       prometheus.Counter
	DecodedCacheHits   prometheus.Counter
	DecodedCacheMisses prometheus.Counter
	RawCacheHits       prometheus.Counter
	RawCacheMisses     prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg creates
// unregistered collectors, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BatchesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_batches_total",
			Help:      "Total number of batched tile requests handed to the transport",
		}),
		TilesRequested: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tiles_requested_total",
			Help:      "Total number of remote tile ids sent to the transport",
		}),
		TilesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tiles_received_total",
			Help:      "Total number of tile payloads returned by the transport",
		}),
		TilesFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tiles_failed_total",
			Help:      "Total number of tile ids that failed or were missing from a response",
		}),
		TilesCoalesced: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tiles_coalesced_total",
			Help:      "Total number of submitted ids merged into an already pending or in-flight fetch",
		}),
		RequestsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Number of transport calls currently in flight",
		}),
		BatchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_batch_latency_seconds",
			Help:      "Latency of batched tile fetches in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		TilesRetired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tiles_retired_total",
			Help:      "Total number of tile records removed after the visible set became ready",
		}),
		DecodedCacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decoded_cache_hits_total",
			Help:      "Total number of decoded tile lookups served from the bounded cache",
		}),
		DecodedCacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decoded_cache_misses_total",
			Help:      "Total number of decoded tile lookups that required decoding",
		}),
		RawCacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raw_cache_hits_total",
			Help:      "Total number of raw payloads served from the transport cache",
		}),
		RawCacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "raw_cache_misses_total",
			Help:      "Total number of raw payloads fetched over the network",
		}),
	}
}

// BatchSent records a transport call carrying ids tile ids.
func (m *Metrics) BatchSent(ids int) {
	if m == nil {
		return
	}
	m.BatchesSent.Inc()
	m.TilesRequested.Add(float64(ids))
	m.RequestsActive.Inc()
}

// BatchDone records the end of a transport call.
func (m *Metrics) BatchDone(received, failed int, seconds float64) {
	if m == nil {
		return
	}
	m.RequestsActive.Dec()
	m.TilesReceived.Add(float64(received))
	m.TilesFailed.Add(float64(failed))
	m.BatchLatency.Observe(seconds)
}

// Coalesced records n ids merged into existing fetches.
func (m *Metrics) Coalesced(n int) {
	if m == nil || n == 0 {
		return
	}
	m.TilesCoalesced.Add(float64(n))
}

// Retired records n retired tile records.
func (m *Metrics) Retired(n int) {
	if m == nil || n == 0 {
		return
	}
	m.TilesRetired.Add(float64(n))
}

// DecodedLookup records a decoded-cache lookup.
func (m *Metrics) DecodedLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.DecodedCacheHits.Inc()
	} else {
		m.DecodedCacheMisses.Inc()
	}
}

// RawLookup records hits and misses against the transport's raw cache.
func (m *Metrics) RawLookup(hits, misses int) {
	if m == nil {
		return
	}
	m.RawCacheHits.Add(float64(hits))
	m.RawCacheMisses.Add(float64(misses))
}
