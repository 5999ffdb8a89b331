/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package metrics exports connection and error counters through a
// process-local prometheus registry (never the global default registry,
// so a library consumer embedding this server does not collide with its
// own metrics namespace).
//
// This is an (AMBIENT) addition beyond spec.md's literal scope: §8 S4
// requires "peak resident connection count reported" as an end-to-end,
// checkable fact rather than an unverifiable claim, and the error
// taxonomy in §7 is naturally one counter per ioerr.Code.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jacoblai/RingMaster/ioerr"
)

// Recorder tracks the live counters the event loop updates synchronously
// from the loop thread, plus a prometheus-exported view of the same
// numbers for external scraping.
type Recorder struct {
	Registry *prometheus.Registry

	live     int64 // atomic: current resident connection count
	peak     int64 // atomic: high-water mark of `live`
	accepted int64 // atomic: lifetime accept count
	closed   int64 // atomic: lifetime close count

	liveGauge     prometheus.Gauge
	peakGauge     prometheus.Gauge
	acceptedTotal prometheus.Counter
	closedTotal   prometheus.Counter
	errorsByCode  *prometheus.CounterVec
}

// New creates a Recorder backed by a fresh, private registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		Registry: reg,
		liveGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ringmaster_connections_live",
			Help: "Current number of resident connections.",
		}),
		peakGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ringmaster_connections_peak",
			Help: "High-water mark of resident connections since startup.",
		}),
		acceptedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ringmaster_connections_accepted_total",
			Help: "Total connections accepted since startup.",
		}),
		closedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ringmaster_connections_closed_total",
			Help: "Total connections closed since startup.",
		}),
		errorsByCode: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ringmaster_errors_total",
			Help: "Errors observed, labeled by ioerr taxonomy code.",
		}, []string{"code"}),
	}
	reg.MustRegister(r.liveGauge, r.peakGauge, r.acceptedTotal, r.closedTotal, r.errorsByCode)
	return r
}

// ConnectionAccepted records a new live connection and advances the peak
// if this is a new high-water mark.
func (r *Recorder) ConnectionAccepted() {
	atomic.AddInt64(&r.accepted, 1)
	live := atomic.AddInt64(&r.live, 1)
	r.acceptedTotal.Inc()
	r.liveGauge.Set(float64(live))

	for {
		peak := atomic.LoadInt64(&r.peak)
		if live <= peak {
			break
		}
		if atomic.CompareAndSwapInt64(&r.peak, peak, live) {
			r.peakGauge.Set(float64(live))
			break
		}
	}
}

// ConnectionClosed records a connection leaving the live set.
func (r *Recorder) ConnectionClosed() {
	atomic.AddInt64(&r.closed, 1)
	live := atomic.AddInt64(&r.live, -1)
	r.closedTotal.Inc()
	r.liveGauge.Set(float64(live))
}

// Error increments the counter for a given taxonomy code.
func (r *Recorder) Error(code ioerr.Code) {
	r.errorsByCode.WithLabelValues(code.String()).Inc()
}

// Snapshot is a point-in-time read of the counters, used by the
// background reporter and by tests.
type Snapshot struct {
	Live     int64
	Peak     int64
	Accepted int64
	Closed   int64
}

// Snapshot returns the current counter values without touching any
// connection-owned state (SPEC_FULL.md §5: the reporter goroutine only
// reads this atomic snapshot, never the connections array directly).
func (r *Recorder) Snapshot() Snapshot {
	return Snapshot{
		Live:     atomic.LoadInt64(&r.live),
		Peak:     atomic.LoadInt64(&r.peak),
		Accepted: atomic.LoadInt64(&r.accepted),
		Closed:   atomic.LoadInt64(&r.closed),
	}
}
