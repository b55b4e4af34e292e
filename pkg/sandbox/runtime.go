package sandbox

import (
	"context"
	"time"

	"github.com/oubliette-sandbox/oubliette/pkg/domain"
	"github.com/oubliette-sandbox/oubliette/pkg/limits"
	"github.com/oubliette-sandbox/oubliette/pkg/netpolicy"
	"github.com/oubliette-sandbox/oubliette/pkg/volume"
)

// DefaultTimeout applies when a config does not set a budget.
const DefaultTimeout = 30 * time.Second

// Config is everything a caller declares about a sandbox. The runtime
// composes the monitor, policy and volumes internally; callers never
// touch those directly.

type Config struct {
	Name           string                `json:"name" yaml:"name"`
	Limits         limits.ResourceLimits `json:"limits" yaml:"limits"`
	Policy         *netpolicy.Policy     `json:"policy,omitempty" yaml:"policy,omitempty"`
	Mounts         []volume.Mount        `json:"mounts,omitempty" yaml:"mounts,omitempty"`
	Timeout        time.Duration         `json:"timeout" yaml:"timeout"`
	ReadonlyRootfs bool                  `json:"readonly_rootfs,omitempty" yaml:"readonly_rootfs,omitempty"`
	DNS            []string              `json:"dns,omitempty" yaml:"dns,omitempty"`
}

// Status is the caller-visible view of a sandbox.

type Status struct {
	ID       domain.SandboxID    `json:"id"`
	Name     string              `json:"name"`
	State    domain.SandboxState `json:"state"`
	Isolated bool                `json:"isolated"`
	Latest   *limits.Snapshot    `json:"latest,omitempty"`
	History  []limits.Snapshot   `json:"-"`
}

// Runtime is the single-shot sandbox abstraction. A sandbox runs one
// unit of work: after Execute reaches a terminal state the sandbox
// must be destroyed and recreated, never re-entered. Implementations:
// ProcessRuntime (real child processes) and InProcessRuntime (test
// backend running Go functions).

type Runtime interface {
	Create(ctx context.Context, cfg Config) (domain.SandboxID, error)
	Execute(ctx context.Context, id domain.SandboxID, work domain.Workload) (*domain.ExecResult, error)
	Status(ctx context.Context, id domain.SandboxID) (*Status, error)
	Destroy(ctx context.Context, id domain.SandboxID) error
}
