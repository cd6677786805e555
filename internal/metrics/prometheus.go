package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the flush node
type Metrics struct {
	// Decision round metrics
	RoundsTotal      *prometheus.CounterVec
	RoundErrorsTotal prometheus.Counter
	RoundTargets     prometheus.Histogram
	MemoryGainBytes  prometheus.Gauge
	DiskBloatRatio   prometheus.Gauge
	LogBytes         prometheus.Gauge

	// Flush execution metrics
	FlushesTotal    *prometheus.CounterVec
	FlushDuration   prometheus.Histogram
	FlushesInFlight prometheus.Gauge

	// Component metrics
	CommitLogSizeBytes *prometheus.GaugeVec
	CommitLogSegments  *prometheus.GaugeVec
	MemTableSizeBytes  *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics with the default registerer
func NewMetrics(nodeID string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, nodeID)
}

// NewMetricsWith creates and registers all metrics with reg
func NewMetricsWith(reg prometheus.Registerer, nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		RoundsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "flush",
			Name:        "rounds_total",
			Help:        "Total number of flush decision rounds by selected class",
			ConstLabels: labels,
		}, []string{"class"}),
		RoundErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "flush",
			Name:        "round_errors_total",
			Help:        "Total number of rejected flush decision rounds",
			ConstLabels: labels,
		}),
		RoundTargets: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "flush",
			Name:        "round_targets",
			Help:        "Histogram of targets selected per round",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 8),
		}),
		MemoryGainBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "flush",
			Name:        "memory_gain_bytes",
			Help:        "Total memory reclaimable by flushing, as of the last round",
			ConstLabels: labels,
		}),
		DiskBloatRatio: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "flush",
			Name:        "disk_bloat_ratio",
			Help:        "Total disk bloat ratio, as of the last round",
			ConstLabels: labels,
		}),
		LogBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "flush",
			Name:        "log_bytes",
			Help:        "Retained transaction log bytes, as of the last round",
			ConstLabels: labels,
		}),

		FlushesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "flush",
			Name:        "flushes_total",
			Help:        "Total number of target flushes by status",
			ConstLabels: labels,
		}, []string{"status"}),
		FlushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   "flush",
			Name:        "flush_duration_seconds",
			Help:        "Histogram of target flush durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		FlushesInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "flush",
			Name:        "in_flight",
			Help:        "Number of target flushes currently running",
			ConstLabels: labels,
		}),

		CommitLogSizeBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "commitlog",
			Name:        "size_bytes",
			Help:        "Retained commit log size in bytes by domain",
			ConstLabels: labels,
		}, []string{"domain"}),
		CommitLogSegments: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "commitlog",
			Name:        "segments_total",
			Help:        "Current number of commit log segments by domain",
			ConstLabels: labels,
		}, []string{"domain"}),
		MemTableSizeBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   "memtable",
			Name:        "size_bytes",
			Help:        "Current memtable size in bytes by target",
			ConstLabels: labels,
		}, []string{"target"}),
	}
}

// RecordRound records the outcome of a decision round
func (m *Metrics) RecordRound(class string, targets int, memoryGain uint64, diskRatio float64, logBytes uint64) {
	m.RoundsTotal.WithLabelValues(class).Inc()
	if targets > 0 {
		m.RoundTargets.Observe(float64(targets))
	}
	m.MemoryGainBytes.Set(float64(memoryGain))
	m.DiskBloatRatio.Set(diskRatio)
	m.LogBytes.Set(float64(logBytes))
}

// RecordRoundError records a rejected round
func (m *Metrics) RecordRoundError() {
	m.RoundErrorsTotal.Inc()
}

// RecordFlush records a completed target flush
func (m *Metrics) RecordFlush(status string, duration float64) {
	m.FlushesTotal.WithLabelValues(status).Inc()
	m.FlushDuration.Observe(duration)
}

// SetFlushesInFlight updates the in-flight flush gauge
func (m *Metrics) SetFlushesInFlight(n int) {
	m.FlushesInFlight.Set(float64(n))
}

// UpdateCommitLogStats updates commit log statistics for a domain
func (m *Metrics) UpdateCommitLogStats(domain string, segments int, sizeBytes uint64) {
	m.CommitLogSegments.WithLabelValues(domain).Set(float64(segments))
	m.CommitLogSizeBytes.WithLabelValues(domain).Set(float64(sizeBytes))
}

// UpdateMemTableSize updates memtable size for a target
func (m *Metrics) UpdateMemTableSize(target string, bytes int64) {
	m.MemTableSizeBytes.WithLabelValues(target).Set(float64(bytes))
}
