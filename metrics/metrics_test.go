package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/assembler-0/AeroSync-sub002/metrics"
)

func TestRecordAllocSplitsFastAndSlow(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := metrics.NewRecorder(reg, 4)

	r.RecordAlloc(10*time.Nanosecond, false)
	r.RecordAlloc(1*time.Millisecond, true)

	snap := r.Accounting()
	require.Equal(t, int64(10), snap.FastNs)
	require.Equal(t, time.Millisecond.Nanoseconds(), snap.SlowNs)
	require.Greater(t, snap.SlowFraction(), 0.0)
}

func TestSnapshotReturnsRecentTraceInOrder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := metrics.NewRecorder(reg, 2)

	r.RecordAlloc(1*time.Nanosecond, false)
	r.RecordAlloc(2*time.Nanosecond, false)
	r.RecordAlloc(3*time.Nanosecond, true)

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, 2*time.Nanosecond, snap[0].Duration)
	require.Equal(t, 3*time.Nanosecond, snap[1].Duration)
	require.True(t, snap[1].Slowpath)
}

func TestRecordOOMAndReclaimedIncrementCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := metrics.NewRecorder(reg, 1)

	r.RecordOOM()
	r.RecordReclaimed(128)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, mfs)
}
