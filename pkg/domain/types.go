package domain

import (
	"time"
)

// IDs

type SandboxID string
type ContainerID string
type VolumeID string
type NamespaceID string

// Lifecycle

type SandboxState string

const (
	StateIdle      SandboxState = "IDLE"
	StateStarting  SandboxState = "STARTING"
	StateRunning   SandboxState = "RUNNING"
	StateStopping  SandboxState = "STOPPING"
	StateCompleted SandboxState = "COMPLETED"
	StateFailed    SandboxState = "FAILED"
	StateTimedOut  SandboxState = "TIMED_OUT"
	StateDegraded  SandboxState = "DEGRADED"
	StateDestroyed SandboxState = "DESTROYED"
)

// transitions is the closed set of legal state edges. Anything not
// listed here is rejected by CanTransition.
var transitions = map[SandboxState][]SandboxState{
	StateIdle:      {StateStarting, StateDestroyed},
	StateStarting:  {StateRunning, StateFailed, StateDestroyed},
	StateRunning:   {StateStopping, StateCompleted, StateFailed, StateTimedOut, StateDegraded, StateDestroyed},
	StateStopping:  {StateCompleted, StateFailed, StateDestroyed},
	StateDegraded:  {StateRunning, StateStopping, StateFailed, StateDestroyed},
	StateCompleted: {StateDestroyed},
	StateFailed:    {StateDestroyed},
	StateTimedOut:  {StateDestroyed},
	StateDestroyed: {},
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s SandboxState) CanTransition(next SandboxState) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s is an end state of a single execution.
// A terminal sandbox must be destroyed and recreated before reuse.
func (s SandboxState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateDestroyed:
		return true
	}
	return false
}

// ExecResult is the outcome of one unit of work inside a sandbox or
// container.

type ExecResult struct {
	Success  bool          `json:"success"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
}

// Workload is a unit of work. Command-based backends run Command/Args;
// the in-process test backend runs Fn. Exactly one of the two should
// be set.

type Workload struct {
	Command []string          `json:"command,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	Fn      func() error      `json:"-"`
}

// RunRecord is the registry view of an execution, consumed by
// collaborator platforms.

type RunRecord struct {
	ID         SandboxID    `json:"id"`
	Name       string       `json:"name"`
	State      SandboxState `json:"state"`
	ExitCode   *int         `json:"exit_code,omitempty"`
	Failure    string       `json:"failure,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at,omitempty"`
	UpdatedAt  time.Time    `json:"updated_at"`
}
