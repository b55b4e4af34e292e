package limits

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oubliette-sandbox/oubliette/pkg/domain"
)

func TestValidateRejectsMalformedBudgets(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*ResourceLimits)
	}{
		{"zero cpu", func(l *ResourceLimits) { l.CPUCores = 0 }},
		{"negative cpu", func(l *ResourceLimits) { l.CPUCores = -1 }},
		{"zero memory", func(l *ResourceLimits) { l.MemoryMB = 0 }},
		{"negative disk", func(l *ResourceLimits) { l.DiskMB = -5 }},
		{"negative fds", func(l *ResourceLimits) { l.MaxOpenFDs = -1 }},
		{"negative bandwidth", func(l *ResourceLimits) { l.NetworkBandwidthMbps = -1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := Default()
			tc.mut(&l)
			err := l.Validate()
			require.Error(t, err)

			var cfgErr *domain.ConfigError
			assert.True(t, errors.As(err, &cfgErr), "expected ConfigError, got %T", err)
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestCgroupTranslationCarriesEveryField(t *testing.T) {
	l := ResourceLimits{
		CPUCores:             1.5,
		MemoryMB:             64,
		DiskMB:               256,
		MaxOpenFDs:           128,
		MaxProcesses:         16,
		MaxThreads:           32,
		NetworkBandwidthMbps: 10,
	}

	kv := l.ToCgroupValues()
	assert.Equal(t, "150000", kv["cpu.cfs_quota_us"])
	assert.Equal(t, "100000", kv["cpu.cfs_period_us"])
	assert.Equal(t, "67108864", kv["memory.limit_in_bytes"])
	assert.Equal(t, "268435456", kv["disk.limit_in_bytes"])
	assert.Equal(t, "128", kv["fds.max"])
	assert.Equal(t, "16", kv["pids.max"])
	assert.Equal(t, "32", kv["threads.max"])
	assert.Equal(t, "10", kv["net.bandwidth_mbps"])
}

func TestOCITranslationIsLossless(t *testing.T) {
	l := Default()
	res := l.ToOCI()

	require.NotNil(t, res.CPU)
	require.NotNil(t, res.CPU.Quota)
	assert.Equal(t, int64(100000), *res.CPU.Quota)

	require.NotNil(t, res.Memory)
	require.NotNil(t, res.Memory.Limit)
	assert.Equal(t, l.MemoryMB*1024*1024, *res.Memory.Limit)

	require.NotNil(t, res.Pids)
	assert.Equal(t, l.MaxProcesses, res.Pids.Limit)

	// Dimensions without native OCI fields ride in the unified map.
	assert.Equal(t, "1073741824", res.Unified["disk.limit_in_bytes"])
	assert.Equal(t, "100", res.Unified["net.bandwidth_mbps"])
	assert.Equal(t, "128", res.Unified["threads.max"])

	rl := l.ToRlimits()
	require.Len(t, rl, 2)
	assert.Equal(t, "RLIMIT_NOFILE", rl[0].Type)
	assert.Equal(t, uint64(l.MaxOpenFDs), rl[0].Soft)
}

func TestExceedsOrderIsDeterministic(t *testing.T) {
	l := ResourceLimits{
		CPUCores:     1,
		MemoryMB:     64,
		DiskMB:       100,
		MaxOpenFDs:   10,
		MaxProcesses: 2,
		MaxThreads:   4,
	}
	s := Snapshot{
		Timestamp:       time.Now(),
		MemoryMB:        256,
		DiskMB:          200,
		OpenFDs:         20,
		ActiveProcesses: 5,
		ActiveThreads:   9,
	}

	violations := s.Exceeds(l)
	require.Len(t, violations, 5)

	dims := make([]string, len(violations))
	for i, v := range violations {
		dims[i] = v.Dimension
	}
	assert.Equal(t, []string{"memory", "disk", "fds", "processes", "threads"}, dims)

	assert.Equal(t, int64(64), violations[0].Limit)
	assert.Equal(t, int64(256), violations[0].Observed)
}

func TestExceedsEmptyWhenWithinBudget(t *testing.T) {
	l := Default()
	s := Snapshot{
		MemoryMB:        l.MemoryMB,
		DiskMB:          l.DiskMB,
		OpenFDs:         l.MaxOpenFDs,
		ActiveProcesses: l.MaxProcesses,
		ActiveThreads:   l.MaxThreads,
	}
	assert.Empty(t, s.Exceeds(l), "usage exactly at the limit is healthy")
}

func TestExceedsIgnoresUndeclaredDimensions(t *testing.T) {
	l := ResourceLimits{CPUCores: 1, MemoryMB: 64}
	s := Snapshot{MemoryMB: 32, OpenFDs: 100000, ActiveProcesses: 100000}
	assert.Empty(t, s.Exceeds(l))
}
