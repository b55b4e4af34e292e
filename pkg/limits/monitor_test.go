package limits

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorHistoryIsAppendOnlyAndOrdered(t *testing.T) {
	m := NewMonitor(0, "")
	m.SetProbe(func(pid int32) Snapshot {
		return Snapshot{MemoryMB: 10}
	})

	for i := 0; i < 5; i++ {
		m.Snapshot()
	}

	history := m.History()
	require.Len(t, history, 5)
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].Timestamp.Before(history[i-1].Timestamp),
			"snapshot %d is older than snapshot %d", i, i-1)
	}
}

func TestMonitorConcurrentSnapshotsStrictlyOrdered(t *testing.T) {
	m := NewMonitor(0, "")
	m.SetProbe(func(pid int32) Snapshot { return Snapshot{MemoryMB: 1} })

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Snapshot()
		}()
	}
	wg.Wait()

	history := m.History()
	require.Len(t, history, n)
	for i := 1; i < len(history); i++ {
		assert.True(t, history[i].Timestamp.After(history[i-1].Timestamp),
			"snapshot %d is not strictly newer than snapshot %d", i, i-1)
	}
}

func TestMonitorHistoryReturnsCopy(t *testing.T) {
	m := NewMonitor(0, "")
	m.SetProbe(func(pid int32) Snapshot { return Snapshot{MemoryMB: 7} })
	m.Snapshot()

	history := m.History()
	history[0].MemoryMB = 9999

	fresh := m.History()
	assert.Equal(t, int64(7), fresh[0].MemoryMB, "mutating the returned slice leaked into the monitor")
}

func TestMonitorSelfProcessSnapshot(t *testing.T) {
	// The test binary itself is a live target: memory and threads must
	// come back non-zero on any supported platform.
	m := NewMonitor(int32(os.Getpid()), "")
	snap := m.Snapshot()

	assert.Greater(t, snap.MemoryMB, int64(0))
	assert.GreaterOrEqual(t, snap.ActiveProcesses, int64(1))
	assert.False(t, snap.Timestamp.IsZero())
}

func TestMonitorMissingProcessDegradesToZero(t *testing.T) {
	// PID -1 never resolves; every metric must report zero rather than
	// the snapshot failing.
	m := NewMonitor(-1, "")
	snap := m.Snapshot()

	assert.Zero(t, snap.CPUPercent)
	assert.Zero(t, snap.MemoryMB)
	assert.Zero(t, snap.OpenFDs)
	require.Len(t, m.History(), 1, "failed reads still append a snapshot")
}

func TestMonitorDiskAccounting(t *testing.T) {
	dir := t.TempDir()
	payload := make([]byte, 3*1024*1024)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blob"), payload, 0644))

	m := NewMonitor(int32(os.Getpid()), dir)
	snap := m.Snapshot()
	assert.Equal(t, int64(3), snap.DiskMB)
}
