package limits

import (
	"fmt"
	"strconv"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/oubliette-sandbox/oubliette/pkg/domain"
)

// cpuPeriodUS is the standard CFS scheduling period.
const cpuPeriodUS = 100000

// ResourceLimits is an immutable declarative budget for one sandbox or
// container.

type ResourceLimits struct {
	CPUCores             float64 `json:"cpu_cores" yaml:"cpu_cores"`
	MemoryMB             int64   `json:"memory_mb" yaml:"memory_mb"`
	DiskMB               int64   `json:"disk_mb" yaml:"disk_mb"`
	MaxOpenFDs           int64   `json:"max_open_fds" yaml:"max_open_fds"`
	MaxProcesses         int64   `json:"max_processes" yaml:"max_processes"`
	MaxThreads           int64   `json:"max_threads" yaml:"max_threads"`
	NetworkBandwidthMbps int64   `json:"network_bandwidth_mbps" yaml:"network_bandwidth_mbps"`
}

// Default returns the budget applied when a caller does not declare one.
func Default() ResourceLimits {
	return ResourceLimits{
		CPUCores:             1.0,
		MemoryMB:             512,
		DiskMB:               1024,
		MaxOpenFDs:           256,
		MaxProcesses:         32,
		MaxThreads:           128,
		NetworkBandwidthMbps: 100,
	}
}

// Validate rejects malformed budgets at create time.
func (l ResourceLimits) Validate() error {
	if l.CPUCores <= 0 {
		return &domain.ConfigError{Field: "cpu_cores", Reason: fmt.Sprintf("must be > 0, got %v", l.CPUCores)}
	}
	if l.MemoryMB <= 0 {
		return &domain.ConfigError{Field: "memory_mb", Reason: fmt.Sprintf("must be > 0, got %d", l.MemoryMB)}
	}
	if l.DiskMB < 0 {
		return &domain.ConfigError{Field: "disk_mb", Reason: "must not be negative"}
	}
	if l.MaxOpenFDs < 0 || l.MaxProcesses < 0 || l.MaxThreads < 0 {
		return &domain.ConfigError{Field: "limits", Reason: "fd/process/thread budgets must not be negative"}
	}
	if l.NetworkBandwidthMbps < 0 {
		return &domain.ConfigError{Field: "network_bandwidth_mbps", Reason: "must not be negative"}
	}
	return nil
}

// ToCgroupValues renders the budget as cgroup-style key/value pairs.
// Every field is carried, so the translation is lossless.
func (l ResourceLimits) ToCgroupValues() map[string]string {
	quota := int64(l.CPUCores * cpuPeriodUS)
	return map[string]string{
		"cpu.cfs_quota_us":      strconv.FormatInt(quota, 10),
		"cpu.cfs_period_us":     strconv.Itoa(cpuPeriodUS),
		"memory.limit_in_bytes": strconv.FormatInt(l.MemoryMB*1024*1024, 10),
		"disk.limit_in_bytes":   strconv.FormatInt(l.DiskMB*1024*1024, 10),
		"fds.max":               strconv.FormatInt(l.MaxOpenFDs, 10),
		"pids.max":              strconv.FormatInt(l.MaxProcesses, 10),
		"threads.max":           strconv.FormatInt(l.MaxThreads, 10),
		"net.bandwidth_mbps":    strconv.FormatInt(l.NetworkBandwidthMbps, 10),
	}
}

// ToOCI renders the budget as an OCI resource spec. CPU, memory and
// pids map onto their native fields; disk and network bandwidth ride
// in the cgroup v2 Unified map so no field is dropped.
func (l ResourceLimits) ToOCI() *specs.LinuxResources {
	quota := int64(l.CPUCores * cpuPeriodUS)
	period := uint64(cpuPeriodUS)
	memBytes := l.MemoryMB * 1024 * 1024

	return &specs.LinuxResources{
		CPU: &specs.LinuxCPU{
			Quota:  &quota,
			Period: &period,
		},
		Memory: &specs.LinuxMemory{
			Limit: &memBytes,
		},
		Pids: &specs.LinuxPids{
			Limit: l.MaxProcesses,
		},
		Unified: map[string]string{
			"disk.limit_in_bytes": strconv.FormatInt(l.DiskMB*1024*1024, 10),
			"net.bandwidth_mbps":  strconv.FormatInt(l.NetworkBandwidthMbps, 10),
			"threads.max":         strconv.FormatInt(l.MaxThreads, 10),
		},
	}
}

// ToRlimits renders the per-process budgets as POSIX rlimits for the
// OCI process spec.
func (l ResourceLimits) ToRlimits() []specs.POSIXRlimit {
	return []specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Hard: uint64(l.MaxOpenFDs), Soft: uint64(l.MaxOpenFDs)},
		{Type: "RLIMIT_NPROC", Hard: uint64(l.MaxProcesses), Soft: uint64(l.MaxProcesses)},
	}
}
