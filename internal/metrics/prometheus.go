package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pairdb"

// Metrics holds all Prometheus metrics for the replication server. Every
// method is safe on a nil receiver so components can run without metrics.
type Metrics struct {
	// Ingress / egress
	UpdatesReceivedTotal  prometheus.Counter
	UpdatesForwardedTotal prometheus.Counter
	UpdatesRejectedTotal  *prometheus.CounterVec
	UpdatesDroppedTotal   prometheus.Counter

	// Changelog
	ChangelogAppendsTotal   prometheus.Counter
	ChangelogAppendDuration prometheus.Histogram
	ChangelogAppendFailures prometheus.Counter
	ChangelogCorruptRecords prometheus.Counter
	ChangelogTrimmedTotal   prometheus.Counter

	// Flow control
	FlowControlWaitsTotal   prometheus.Counter
	FlowControlWaitDuration prometheus.Histogram
	CatchUpBatchesTotal     prometheus.Counter

	// Assured replication
	AssuredPending        prometheus.Gauge
	AssuredCompletedTotal *prometheus.CounterVec
	AcksIgnoredTotal      *prometheus.CounterVec

	// Topology
	ConnectedServers   *prometheus.GaugeVec
	GossipMembersTotal prometheus.Gauge

	// System metrics
	DiskUsageBytes     prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
	MemoryUsageBytes   prometheus.Gauge
	GoroutinesTotal    prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	f := promauto.With(reg)

	return &Metrics{
		UpdatesReceivedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "replication",
			Name:        "updates_received_total",
			Help:        "Total number of updates accepted from peers",
			ConstLabels: labels,
		}),
		UpdatesForwardedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "replication",
			Name:        "updates_forwarded_total",
			Help:        "Total number of updates handed to peer connections",
			ConstLabels: labels,
		}),
		UpdatesRejectedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "replication",
			Name:        "updates_rejected_total",
			Help:        "Total number of rejected updates by reason",
			ConstLabels: labels,
		}, []string{"reason"}),
		UpdatesDroppedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "replication",
			Name:        "queue_overflow_total",
			Help:        "Total number of updates dropped from memory queues, to be re-read from the changelog",
			ConstLabels: labels,
		}),

		ChangelogAppendsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "changelog",
			Name:        "appends_total",
			Help:        "Total number of records appended to changelogs",
			ConstLabels: labels,
		}),
		ChangelogAppendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "changelog",
			Name:        "append_duration_seconds",
			Help:        "Histogram of durable append latencies",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		}),
		ChangelogAppendFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "changelog",
			Name:        "append_failures_total",
			Help:        "Total number of failed durable appends",
			ConstLabels: labels,
		}),
		ChangelogCorruptRecords: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "changelog",
			Name:        "corrupt_records_total",
			Help:        "Total number of corrupt records skipped by cursors",
			ConstLabels: labels,
		}),
		ChangelogTrimmedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "changelog",
			Name:        "trimmed_records_total",
			Help:        "Total number of records removed by trimming",
			ConstLabels: labels,
		}),

		FlowControlWaitsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "flow_control",
			Name:        "waits_total",
			Help:        "Total number of submissions blocked by saturated peers",
			ConstLabels: labels,
		}),
		FlowControlWaitDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "flow_control",
			Name:        "wait_duration_seconds",
			Help:        "Histogram of time submissions spent blocked",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		CatchUpBatchesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "flow_control",
			Name:        "catch_up_batches_total",
			Help:        "Total number of batches read from changelogs for lagging peers",
			ConstLabels: labels,
		}),

		AssuredPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "assured",
			Name:        "pending",
			Help:        "Number of assured updates waiting for acknowledgments",
			ConstLabels: labels,
		}),
		AssuredCompletedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "assured",
			Name:        "completed_total",
			Help:        "Total number of completed assured updates by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		AcksIgnoredTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "assured",
			Name:        "acks_ignored_total",
			Help:        "Total number of acknowledgments without a pending entry",
			ConstLabels: labels,
		}, []string{"reason"}),

		ConnectedServers: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "topology",
			Name:        "connected_servers",
			Help:        "Number of connected peers by kind",
			ConstLabels: labels,
		}, []string{"kind"}),
		GossipMembersTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "topology",
			Name:        "gossip_members",
			Help:        "Number of replication servers seen through gossip",
			ConstLabels: labels,
		}),

		DiskUsageBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "disk_usage_bytes",
			Help:        "Disk space used on the changelog volume",
			ConstLabels: labels,
		}),
		DiskAvailableBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "disk_available_bytes",
			Help:        "Disk space available on the changelog volume",
			ConstLabels: labels,
		}),
		MemoryUsageBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "memory_usage_bytes",
			Help:        "Heap bytes allocated",
			ConstLabels: labels,
		}),
		GoroutinesTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "system",
			Name:        "goroutines",
			Help:        "Number of goroutines",
			ConstLabels: labels,
		}),
	}
}

// RecordAppend records a durable append attempt
func (m *Metrics) RecordAppend(duration time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.ChangelogAppendFailures.Inc()
		return
	}
	m.ChangelogAppendsTotal.Inc()
	m.ChangelogAppendDuration.Observe(duration.Seconds())
}

// RecordCorruptRecord counts a record skipped by a cursor
func (m *Metrics) RecordCorruptRecord() {
	if m == nil {
		return
	}
	m.ChangelogCorruptRecords.Inc()
}

// RecordTrimmed counts records removed from a changelog
func (m *Metrics) RecordTrimmed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ChangelogTrimmedTotal.Add(float64(n))
}

// RecordReceived counts an accepted update
func (m *Metrics) RecordReceived() {
	if m == nil {
		return
	}
	m.UpdatesReceivedTotal.Inc()
}

// RecordRejected counts a refused update
func (m *Metrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.UpdatesRejectedTotal.WithLabelValues(reason).Inc()
}

// RecordForwarded counts an update taken by a peer connection
func (m *Metrics) RecordForwarded() {
	if m == nil {
		return
	}
	m.UpdatesForwardedTotal.Inc()
}

// RecordOverflow counts updates dropped from an in-memory queue
func (m *Metrics) RecordOverflow(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.UpdatesDroppedTotal.Add(float64(n))
}

// RecordCatchUpBatch counts a catch-up read
func (m *Metrics) RecordCatchUpBatch() {
	if m == nil {
		return
	}
	m.CatchUpBatchesTotal.Inc()
}

// RecordFlowControlWait records a blocked submission
func (m *Metrics) RecordFlowControlWait(duration time.Duration) {
	if m == nil {
		return
	}
	m.FlowControlWaitsTotal.Inc()
	m.FlowControlWaitDuration.Observe(duration.Seconds())
}

// UpdateAssuredPending sets the number of pending assured updates
func (m *Metrics) UpdateAssuredPending(n int) {
	if m == nil {
		return
	}
	m.AssuredPending.Set(float64(n))
}

// RecordAssuredCompleted counts a completed assured update by outcome
// ("acked", "timeout", "failed")
func (m *Metrics) RecordAssuredCompleted(outcome string) {
	if m == nil {
		return
	}
	m.AssuredCompletedTotal.WithLabelValues(outcome).Inc()
}

// RecordAckIgnored counts an acknowledgment with no pending entry
func (m *Metrics) RecordAckIgnored(reason string) {
	if m == nil {
		return
	}
	m.AcksIgnoredTotal.WithLabelValues(reason).Inc()
}

// AddConnectedServers moves the number of connected peers of one kind
func (m *Metrics) AddConnectedServers(kind string, delta int) {
	if m == nil {
		return
	}
	m.ConnectedServers.WithLabelValues(kind).Add(float64(delta))
}

// UpdateGossipMembers sets the number of gossip members
func (m *Metrics) UpdateGossipMembers(n int) {
	if m == nil {
		return
	}
	m.GossipMembersTotal.Set(float64(n))
}

// UpdateSystemStats updates system-level gauges
func (m *Metrics) UpdateSystemStats(diskUsed, diskAvailable, memUsage int64, goroutines int) {
	if m == nil {
		return
	}
	m.DiskUsageBytes.Set(float64(diskUsed))
	m.DiskAvailableBytes.Set(float64(diskAvailable))
	m.MemoryUsageBytes.Set(float64(memUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
}
