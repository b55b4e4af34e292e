package limits

import (
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Monitor owns an append-only history of usage snapshots for one
// target process. It is created when the owning sandbox starts and
// discarded when the sandbox is destroyed; history never shrinks in
// between, it is the sandbox's audit trail.

type Monitor struct {
	mu      sync.Mutex
	pid     int32
	workDir string
	history []Snapshot

	// probe is swapped out in tests to avoid depending on live PIDs.
	probe func(pid int32) Snapshot
}

// NewMonitor binds a monitor to a process id. workDir, when set, is
// walked to account disk usage attributable to the sandbox.
func NewMonitor(pid int32, workDir string) *Monitor {
	return &Monitor{pid: pid, workDir: workDir, probe: readProcess}
}

// Rebind points the monitor at a new process id. Used when the target
// pid only becomes known after the sandbox starts.
func (m *Monitor) Rebind(pid int32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pid = pid
}

// Snapshot reads current usage and appends it to the history. Each
// metric is read independently: a failed read reports that metric as
// zero instead of aborting the snapshot.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	pid := m.pid
	workDir := m.workDir
	probe := m.probe
	m.mu.Unlock()

	snap := probe(pid)
	if workDir != "" {
		snap.DiskMB = dirSizeMB(workDir)
	}

	// Stamp and append under one lock so concurrent snapshots cannot
	// land in the history out of timestamp order.
	m.mu.Lock()
	snap.Timestamp = time.Now()
	if n := len(m.history); n > 0 && !snap.Timestamp.After(m.history[n-1].Timestamp) {
		snap.Timestamp = m.history[n-1].Timestamp.Add(time.Nanosecond)
	}
	m.history = append(m.history, snap)
	m.mu.Unlock()
	return snap
}

// Latest returns the most recent snapshot, or false when none exists.
func (m *Monitor) Latest() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return Snapshot{}, false
	}
	return m.history[len(m.history)-1], true
}

// History returns a copy. Mutating the returned slice never affects
// the monitor.
func (m *Monitor) History() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, len(m.history))
	copy(out, m.history)
	return out
}

// readProcess gathers per-metric readings from the OS accounting
// interfaces via gopsutil. Every error path degrades to zero for that
// metric only.
func readProcess(pid int32) Snapshot {
	var snap Snapshot
	proc, err := process.NewProcess(pid)
	if err != nil {
		return snap
	}

	if pct, err := proc.CPUPercent(); err == nil {
		snap.CPUPercent = pct
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		snap.MemoryMB = int64(mem.RSS / (1024 * 1024))
	}
	if fds, err := proc.NumFDs(); err == nil {
		snap.OpenFDs = int64(fds)
	}
	if threads, err := proc.NumThreads(); err == nil {
		snap.ActiveThreads = int64(threads)
	}
	snap.ActiveProcesses = 1
	if children, err := proc.Children(); err == nil {
		snap.ActiveProcesses += int64(len(children))
	}
	return snap
}

// dirSizeMB walks dir and sums regular file sizes. Unreadable entries
// are skipped; disk accounting is best-effort.
func dirSizeMB(dir string) int64 {
	var bytes int64
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				bytes += info.Size()
			}
		}
		return nil
	})
	return bytes / (1024 * 1024)
}

// SetProbe replaces the process reader. Exported for backends that
// simulate usage (the in-process test backend records declared usage
// instead of reading the OS).
func (m *Monitor) SetProbe(probe func(pid int32) Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if probe != nil {
		m.probe = probe
	}
}
