// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package fly

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StatsCollector is the interface required to collect statistics
type StatsCollector interface {
	AddBytesWritten(int64)
	AddBytesRead(int64)
}

// Half names which half of a rendezvous a metric refers to.
type Half string

const (
	HalfMetadata   = Half("metadata")
	HalfConnection = Half("connection")
)

// Metrics is the Prometheus backed StatsCollector. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	bytesWritten   prometheus.Counter
	bytesRead      prometheus.Counter
	delegations    *prometheus.CounterVec
	matches        prometheus.Counter
	overwrites     *prometheus.CounterVec
	rejections     *prometheus.CounterVec
	evictions      *prometheus.CounterVec
	pending        prometheus.Gauge
	streamErrors   *prometheus.CounterVec
	activeStreams  prometheus.Gauge
	streamDuration prometheus.Histogram
}

// NewMetrics registers the fly metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fly_bytes_written_total",
			Help: "Bytes written to the channel or to delegated connections",
		}),
		bytesRead: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fly_bytes_read_total",
			Help: "Bytes read from the channel",
		}),
		delegations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fly_delegations_total",
			Help: "Requests seen by the dispatcher by outcome",
		}, []string{"outcome"}), // "sent", "passed", "metadata_failed", "hijack_failed", "transfer_failed"
		matches: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "fly_rendezvous_matches_total",
			Help: "Metadata and connection pairs matched",
		}),
		overwrites: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fly_rendezvous_overwrites_total",
			Help: "Pending halves replaced by a later half of the same kind",
		}, []string{"half"}),
		rejections: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fly_rendezvous_rejections_total",
			Help: "Duplicate halves rejected",
		}, []string{"half"}),
		evictions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fly_rendezvous_evictions_total",
			Help: "Orphaned halves evicted after the TTL",
		}, []string{"half"}),
		pending: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "fly_rendezvous_pending",
			Help: "Halves waiting for their counterpart",
		}),
		streamErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "fly_stream_errors_total",
			Help: "Failed responses by error kind",
		}, []string{"kind"}), // "file", "transport"
		activeStreams: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "fly_active_streams",
			Help: "Responses currently streaming",
		}),
		streamDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "fly_stream_duration_seconds",
			Help:    "Time from match to end of response",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
}

// AddBytesWritten implements StatsCollector.
func (m *Metrics) AddBytesWritten(n int64) {
	if m != nil {
		m.bytesWritten.Add(float64(n))
	}
}

// AddBytesRead implements StatsCollector.
func (m *Metrics) AddBytesRead(n int64) {
	if m != nil {
		m.bytesRead.Add(float64(n))
	}
}

func (m *Metrics) delegation(outcome string) {
	if m != nil {
		m.delegations.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) matched() {
	if m != nil {
		m.matches.Inc()
	}
}

func (m *Metrics) overwritten(h Half) {
	if m != nil {
		m.overwrites.WithLabelValues(string(h)).Inc()
	}
}

func (m *Metrics) rejected(h Half) {
	if m != nil {
		m.rejections.WithLabelValues(string(h)).Inc()
	}
}

func (m *Metrics) evicted(h Half) {
	if m != nil {
		m.evictions.WithLabelValues(string(h)).Inc()
	}
}

func (m *Metrics) setPending(n int) {
	if m != nil {
		m.pending.Set(float64(n))
	}
}

func (m *Metrics) streamStarted() {
	if m != nil {
		m.activeStreams.Inc()
	}
}

func (m *Metrics) streamDone(started time.Time, kind string) {
	if m != nil {
		m.activeStreams.Dec()
		m.streamDuration.Observe(time.Since(started).Seconds())
		if kind != "" {
			m.streamErrors.WithLabelValues(kind).Inc()
		}
	}
}
