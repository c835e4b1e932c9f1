// Copyright 2026 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package joinbuf

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the counters maintained by join buffers. A single Metrics
// instance may be shared by all caches of a process.
type Metrics struct {
	RecordsBuffered prometheus.Counter
	Flushes         prometheus.Counter
	KeysSubmitted   prometheus.Counter
	DedupHits       prometheus.Counter
	LookupFallbacks prometheus.Counter
	InternalErrors  prometheus.Counter
	OutputRows      prometheus.Counter
	BufferBytes     prometheus.Gauge
}

// NewMetrics returns unregistered metrics.
func NewMetrics() *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sql",
			Subsystem: "join_buffer",
			Name:      name,
			Help:      help,
		})
	}
	return &Metrics{
		RecordsBuffered: counter("records_buffered_total", "Number of records written into join buffers"),
		Flushes:         counter("flushes_total", "Number of times a join buffer was drained"),
		KeysSubmitted:   counter("keys_submitted_total", "Number of keys submitted to batched lookups"),
		DedupHits:       counter("dedup_hits_total", "Number of records whose key was already in the hash table"),
		LookupFallbacks: counter("lookup_fallbacks_total", "Number of caches that fell back to block nested loop"),
		InternalErrors:  counter("internal_errors_total", "Number of internal consistency violations"),
		OutputRows:      counter("output_rows_total", "Number of joined rows produced"),
		BufferBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sql",
			Subsystem: "join_buffer",
			Name:      "bytes",
			Help:      "Bytes currently allocated to join buffers",
		}),
	}
}

// Register registers all metrics with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.RecordsBuffered, m.Flushes, m.KeysSubmitted, m.DedupHits,
		m.LookupFallbacks, m.InternalErrors, m.OutputRows, m.BufferBytes,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
