package container

import (
	"context"
	"time"

	"github.com/oubliette-sandbox/oubliette/pkg/domain"
	"github.com/oubliette-sandbox/oubliette/pkg/limits"
	"github.com/oubliette-sandbox/oubliette/pkg/netpolicy"
	"github.com/oubliette-sandbox/oubliette/pkg/volume"
)

// DefaultExecTimeout bounds a single exec when the Spec does not.
const DefaultExecTimeout = 60 * time.Second

// HealthCheck is polled on its own schedule, independent of exec
// calls. A container that fails Retries consecutive probes is marked
// degraded; degradation never force-stops the container — termination
// stays the caller's decision.

type HealthCheck struct {
	Command  []string      `json:"command" yaml:"command"`
	Interval time.Duration `json:"interval" yaml:"interval"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"`
	Retries  int           `json:"retries" yaml:"retries"`
}

// Spec declares a container: a longer-lived execution context that
// accepts repeated exec calls, built on the same resource, network and
// volume primitives as a single-shot sandbox.

type Spec struct {
	Name        string                `json:"name" yaml:"name"`
	Image       string                `json:"image,omitempty" yaml:"image,omitempty"`
	Command     []string              `json:"command,omitempty" yaml:"command,omitempty"`
	Env         map[string]string     `json:"env,omitempty" yaml:"env,omitempty"`
	Limits      limits.ResourceLimits `json:"limits" yaml:"limits"`
	Policy      *netpolicy.Policy     `json:"policy,omitempty" yaml:"policy,omitempty"`
	Mounts      []volume.Mount        `json:"mounts,omitempty" yaml:"mounts,omitempty"`
	ExecTimeout time.Duration         `json:"exec_timeout,omitempty" yaml:"exec_timeout,omitempty"`
	Health      *HealthCheck          `json:"health,omitempty" yaml:"health,omitempty"`
}

// Status is the caller-visible view of a container.

type Status struct {
	ID              domain.ContainerID  `json:"id"`
	Name            string              `json:"name"`
	State           domain.SandboxState `json:"state"`
	Healthy         bool                `json:"healthy"`
	HealthyFailures int                 `json:"consecutive_health_failures"`
	StartedAt       time.Time           `json:"started_at,omitempty"`
	Latest          *limits.Snapshot    `json:"latest,omitempty"`
}

// Runtime is the OCI-flavored lifecycle: create, start, any number of
// execs while running, stop, remove. Implementations: LocalBackend
// (host processes) and DockerBackend (Docker Engine API).

type Runtime interface {
	Create(ctx context.Context, spec Spec) (domain.ContainerID, error)
	Start(ctx context.Context, id domain.ContainerID) error
	Exec(ctx context.Context, id domain.ContainerID, work domain.Workload) (*domain.ExecResult, error)
	Stop(ctx context.Context, id domain.ContainerID) error
	Remove(ctx context.Context, id domain.ContainerID) error
	Status(ctx context.Context, id domain.ContainerID) (*Status, error)
}
