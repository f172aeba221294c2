package hlog

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets are the histogram bucket ceilings in nanoseconds, covering
// 1us to 10s.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks append/flush/commit/scan activity with atomic counters and
// a cumulative latency histogram.
type Metrics struct {
	AppendOps   atomic.Uint64
	AppendBytes atomic.Uint64
	FlushOps    atomic.Uint64
	FlushErrors atomic.Uint64
	CommitOps   atomic.Uint64
	CommitErrors atomic.Uint64
	ScanRecords atomic.Uint64
	ScanBytes   atomic.Uint64

	BackpressureRetries atomic.Uint64

	totalLatencyNs atomic.Uint64
	opCount        atomic.Uint64
	latencyBuckets [numLatencyBuckets]atomic.Uint64

	startTime atomic.Int64
}

// NewMetrics constructs a fresh Metrics with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.startTime.Store(time.Now().UnixNano())
	return m
}

// RecordAppend records a successful append of length bytes, taking
// latencyNs to complete (including backpressure spin time).
func (m *Metrics) RecordAppend(length int, latencyNs uint64) {
	m.AppendOps.Add(1)
	m.AppendBytes.Add(uint64(length))
	m.recordLatency(latencyNs)
}

// RecordFlush records a page flush attempt.
func (m *Metrics) RecordFlush(success bool) {
	m.FlushOps.Add(1)
	if !success {
		m.FlushErrors.Add(1)
	}
}

// RecordCommit records a commit attempt.
func (m *Metrics) RecordCommit(success bool) {
	m.CommitOps.Add(1)
	if !success {
		m.CommitErrors.Add(1)
	}
}

// RecordScan records a scanned record of length bytes.
func (m *Metrics) RecordScan(length int) {
	m.ScanRecords.Add(1)
	m.ScanBytes.Add(uint64(length))
}

// RecordBackpressureRetry records one spin iteration of a backpressured append.
func (m *Metrics) RecordBackpressureRetry() {
	m.BackpressureRetries.Add(1)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.totalLatencyNs.Add(latencyNs)
	m.opCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.latencyBuckets[i].Add(1)
		}
	}
}

// MetricsSnapshot is a point-in-time copy of Metrics suitable for printing
// or exporting.
type MetricsSnapshot struct {
	AppendOps            uint64
	AppendBytes          uint64
	FlushOps             uint64
	FlushErrors          uint64
	CommitOps            uint64
	CommitErrors         uint64
	ScanRecords          uint64
	ScanBytes            uint64
	BackpressureRetries  uint64
	AvgLatencyNs         uint64
	UptimeNs             uint64
	LatencyHistogram     [numLatencyBuckets]uint64
}

// Snapshot captures a point-in-time view of m.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		AppendOps:           m.AppendOps.Load(),
		AppendBytes:         m.AppendBytes.Load(),
		FlushOps:            m.FlushOps.Load(),
		FlushErrors:         m.FlushErrors.Load(),
		CommitOps:           m.CommitOps.Load(),
		CommitErrors:        m.CommitErrors.Load(),
		ScanRecords:         m.ScanRecords.Load(),
		ScanBytes:           m.ScanBytes.Load(),
		BackpressureRetries: m.BackpressureRetries.Load(),
		UptimeNs:            uint64(time.Now().UnixNano() - m.startTime.Load()),
	}
	if opCount := m.opCount.Load(); opCount > 0 {
		snap.AvgLatencyNs = m.totalLatencyNs.Load() / opCount
	}
	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.latencyBuckets[i].Load()
	}
	return snap
}

// Observer is a pluggable sink for log events, used to bridge into an
// external metrics system instead of (or in addition to) Metrics.
type Observer interface {
	ObserveAppend(length int, latencyNs uint64)
	ObserveFlush(success bool)
	ObserveCommit(success bool)
	ObserveScan(length int)
}

// NoOpObserver discards every event.
type NoOpObserver struct{}

func (NoOpObserver) ObserveAppend(int, uint64) {}
func (NoOpObserver) ObserveFlush(bool)         {}
func (NoOpObserver) ObserveCommit(bool)        {}
func (NoOpObserver) ObserveScan(int)           {}

// MetricsObserver implements Observer by recording into an owned Metrics.
type MetricsObserver struct {
	Metrics *Metrics
}

// NewMetricsObserver wraps m as an Observer.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{Metrics: m}
}

func (o *MetricsObserver) ObserveAppend(length int, latencyNs uint64) {
	o.Metrics.RecordAppend(length, latencyNs)
}
func (o *MetricsObserver) ObserveFlush(success bool)  { o.Metrics.RecordFlush(success) }
func (o *MetricsObserver) ObserveCommit(success bool) { o.Metrics.RecordCommit(success) }
func (o *MetricsObserver) ObserveScan(length int)     { o.Metrics.RecordScan(length) }

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = NoOpObserver{}
)
