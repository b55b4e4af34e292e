package limits

import (
	"time"
)

// Violation names one breached dimension of a budget.

type Violation struct {
	Dimension string `json:"dimension"`
	Limit     int64  `json:"limit"`
	Observed  int64  `json:"observed"`
}

// Snapshot is a point-in-time usage reading for one target process.

type Snapshot struct {
	Timestamp       time.Time `json:"timestamp"`
	CPUPercent      float64   `json:"cpu_percent"`
	MemoryMB        int64     `json:"memory_mb"`
	DiskMB          int64     `json:"disk_mb"`
	OpenFDs         int64     `json:"open_fds"`
	ActiveProcesses int64     `json:"active_processes"`
	ActiveThreads   int64     `json:"active_threads"`
}

// Exceeds returns the violated dimensions in a fixed evaluation order:
// memory, disk, fds, processes, threads. An empty slice means the
// snapshot is within budget. The order is deterministic so callers and
// tests can rely on the first entry.
func (s Snapshot) Exceeds(l ResourceLimits) []Violation {
	var out []Violation
	if l.MemoryMB > 0 && s.MemoryMB > l.MemoryMB {
		out = append(out, Violation{Dimension: "memory", Limit: l.MemoryMB, Observed: s.MemoryMB})
	}
	if l.DiskMB > 0 && s.DiskMB > l.DiskMB {
		out = append(out, Violation{Dimension: "disk", Limit: l.DiskMB, Observed: s.DiskMB})
	}
	if l.MaxOpenFDs > 0 && s.OpenFDs > l.MaxOpenFDs {
		out = append(out, Violation{Dimension: "fds", Limit: l.MaxOpenFDs, Observed: s.OpenFDs})
	}
	if l.MaxProcesses > 0 && s.ActiveProcesses > l.MaxProcesses {
		out = append(out, Violation{Dimension: "processes", Limit: l.MaxProcesses, Observed: s.ActiveProcesses})
	}
	if l.MaxThreads > 0 && s.ActiveThreads > l.MaxThreads {
		out = append(out, Violation{Dimension: "threads", Limit: l.MaxThreads, Observed: s.ActiveThreads})
	}
	return out
}
