package hlog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordAppend(t *testing.T) {
	m := NewMetrics()
	m.RecordAppend(100, 5_000)
	m.RecordAppend(200, 15_000)

	snap := m.Snapshot()
	require.Equal(t, uint64(2), snap.AppendOps)
	require.Equal(t, uint64(300), snap.AppendBytes)
	assert.Equal(t, uint64(10_000), snap.AvgLatencyNs)
}

func TestMetricsRecordFlush(t *testing.T) {
	m := NewMetrics()
	m.RecordFlush(true)
	m.RecordFlush(false)
	m.RecordFlush(true)

	snap := m.Snapshot()
	if snap.FlushOps != 3 {
		t.Errorf("FlushOps = %d, want 3", snap.FlushOps)
	}
	if snap.FlushErrors != 1 {
		t.Errorf("FlushErrors = %d, want 1", snap.FlushErrors)
	}
}

func TestMetricsRecordCommit(t *testing.T) {
	m := NewMetrics()
	m.RecordCommit(true)
	m.RecordCommit(true)

	snap := m.Snapshot()
	if snap.CommitOps != 2 {
		t.Errorf("CommitOps = %d, want 2", snap.CommitOps)
	}
	if snap.CommitErrors != 0 {
		t.Errorf("CommitErrors = %d, want 0", snap.CommitErrors)
	}
}

func TestMetricsLatencyHistogram(t *testing.T) {
	m := NewMetrics()
	m.RecordAppend(10, 500)        // falls in every bucket >= 1us
	m.RecordAppend(10, 50_000)     // falls in every bucket >= 100us
	m.RecordAppend(10, 50_000_000) // falls in every bucket >= 100ms

	snap := m.Snapshot()
	if snap.LatencyHistogram[0] != 1 {
		t.Errorf("bucket 0 (<=1us) = %d, want 1", snap.LatencyHistogram[0])
	}
	if snap.LatencyHistogram[2] != 2 {
		t.Errorf("bucket 2 (<=100us) = %d, want 2", snap.LatencyHistogram[2])
	}
	if snap.LatencyHistogram[numLatencyBuckets-1] != 3 {
		t.Errorf("top bucket = %d, want 3 (all ops fall under 10s)", snap.LatencyHistogram[numLatencyBuckets-1])
	}
}

func TestMetricsRecordScan(t *testing.T) {
	m := NewMetrics()
	m.RecordScan(64)
	m.RecordScan(128)

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.ScanRecords)
	assert.Equal(t, uint64(192), snap.ScanBytes)
}

func TestMetricsObserverDelegates(t *testing.T) {
	m := NewMetrics()
	obs := NewMetricsObserver(m)

	obs.ObserveAppend(50, 1_000)
	obs.ObserveFlush(true)
	obs.ObserveCommit(false)
	obs.ObserveScan(50)

	snap := m.Snapshot()
	if snap.AppendOps != 1 || snap.FlushOps != 1 || snap.CommitOps != 1 || snap.ScanRecords != 1 {
		t.Errorf("observer did not delegate every event into the wrapped Metrics: %+v", snap)
	}
	if snap.CommitErrors != 1 {
		t.Errorf("CommitErrors = %d, want 1", snap.CommitErrors)
	}
}

func TestNoOpObserverDiscardsEverything(t *testing.T) {
	var o NoOpObserver
	o.ObserveAppend(1, 1)
	o.ObserveFlush(true)
	o.ObserveCommit(true)
	o.ObserveScan(1)
}
