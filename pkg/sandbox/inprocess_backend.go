package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oubliette-sandbox/oubliette/pkg/domain"
	"github.com/oubliette-sandbox/oubliette/pkg/limits"
	"github.com/oubliette-sandbox/oubliette/pkg/netpolicy"
	"github.com/oubliette-sandbox/oubliette/pkg/telemetry"
)

// InProcessRuntime runs workloads as plain Go functions in the calling
// process. It keeps the full lifecycle and failure semantics of the
// real backends without touching the host, which makes it the fixture
// for embedders and for this repo's own tests. Usage readings come
// from an injectable probe instead of OS accounting.
//
// One deliberate difference from the process backend: a goroutine
// cannot be killed, so a timed-out workload is abandoned rather than
// reclaimed. Terminal semantics for the caller are identical.

type InProcessRuntime struct {
	logger    telemetry.Logger
	sandboxes sync.Map // domain.SandboxID -> *inprocSandbox
}

type inprocSandbox struct {
	execMu  sync.Mutex
	mu      sync.Mutex
	id      domain.SandboxID
	cfg     Config
	state   domain.SandboxState
	ns      *netpolicy.Namespace
	guard   *Guard
	monitor *limits.Monitor
}

func (s *inprocSandbox) currentState() domain.SandboxState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func NewInProcessRuntime(logger telemetry.Logger) *InProcessRuntime {
	if logger == nil {
		logger = telemetry.NopLogger{}
	}
	return &InProcessRuntime{logger: logger}
}

func (r *InProcessRuntime) get(id domain.SandboxID) (*inprocSandbox, error) {
	val, ok := r.sandboxes.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSandboxNotFound, id)
	}
	return val.(*inprocSandbox), nil
}

func (r *InProcessRuntime) Create(ctx context.Context, cfg Config) (domain.SandboxID, error) {
	if err := cfg.Limits.Validate(); err != nil {
		return "", err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Policy == nil {
		cfg.Policy = netpolicy.DenyAll()
	}

	id := domain.SandboxID(uuid.New().String())
	ns := netpolicy.NewNamespace(cfg.Policy, "", cfg.DNS)
	sb := &inprocSandbox{
		id:      id,
		cfg:     cfg,
		state:   domain.StateIdle,
		ns:      ns,
		guard:   newGuard(ns, r.logger),
		monitor: limits.NewMonitor(0, ""),
	}
	r.sandboxes.Store(id, sb)
	return id, nil
}

// SetUsageProbe replaces the sandbox's usage source. Tests use this to
// simulate workloads that consume declared amounts of memory, fds or
// processes.
func (r *InProcessRuntime) SetUsageProbe(id domain.SandboxID, probe func() limits.Snapshot) error {
	sb, err := r.get(id)
	if err != nil {
		return err
	}
	sb.monitor.SetProbe(func(pid int32) limits.Snapshot { return probe() })
	return nil
}

func (r *InProcessRuntime) Execute(ctx context.Context, id domain.SandboxID, work domain.Workload) (*domain.ExecResult, error) {
	sb, err := r.get(id)
	if err != nil {
		return nil, err
	}

	// Lifecycle exclusion only; the state mutex stays free so Status
	// answers while the workload runs.
	sb.execMu.Lock()
	defer sb.execMu.Unlock()

	if state := sb.currentState(); state != domain.StateIdle {
		return nil, fmt.Errorf("sandbox %s in state %s: terminal sandboxes are not re-enterable", id, state)
	}
	if work.Fn == nil {
		return nil, &domain.ConfigError{Field: "fn", Reason: "in-process workload function is nil"}
	}

	if err := sb.setState(domain.StateStarting); err != nil {
		return nil, err
	}
	started := time.Now()
	if err := sb.setState(domain.StateRunning); err != nil {
		return nil, err
	}

	done := make(chan error, 1)
	go func() { done <- work.Fn() }()

	timer := time.NewTimer(sb.cfg.Timeout)
	defer timer.Stop()

	var fnErr error
	select {
	case fnErr = <-done:
	case <-timer.C:
		sb.monitor.Snapshot()
		_ = sb.setState(domain.StateTimedOut)
		res := &domain.ExecResult{Duration: time.Since(started)}
		return res, &domain.TimeoutError{Timeout: sb.cfg.Timeout, Partial: res}
	case <-ctx.Done():
		sb.monitor.Snapshot()
		_ = sb.setState(domain.StateFailed)
		return nil, ctx.Err()
	}

	sb.monitor.Snapshot()
	res := &domain.ExecResult{Duration: time.Since(started)}

	if violations := sb.guard.Violations(); len(violations) > 0 {
		_ = sb.setState(domain.StateFailed)
		err := &domain.IsolationError{Violation: violations[0]}
		return res, err
	}

	if v, ok := peakViolation(sb.monitor.History(), sb.cfg.Limits); ok {
		_ = sb.setState(domain.StateFailed)
		return res, &domain.ResourceExhaustedError{
			Dimension: v.Dimension,
			Limit:     v.Limit,
			Observed:  v.Observed,
			Partial:   res,
		}
	}

	if fnErr != nil {
		res.ExitCode = 1
		res.Stderr = fnErr.Error()
		_ = sb.setState(domain.StateCompleted)
		return res, nil
	}

	res.Success = true
	_ = sb.setState(domain.StateCompleted)
	return res, nil
}

func (r *InProcessRuntime) Status(ctx context.Context, id domain.SandboxID) (*Status, error) {
	sb, err := r.get(id)
	if err != nil {
		return nil, err
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()

	st := &Status{
		ID:       sb.id,
		Name:     sb.cfg.Name,
		State:    sb.state,
		Isolated: sb.ns.IsIsolated(),
		History:  sb.monitor.History(),
	}
	if latest, ok := sb.monitor.Latest(); ok {
		st.Latest = &latest
	}
	return st, nil
}

// Guard returns the sandbox's network boundary handle. In-process
// workloads dial through it to stay inside their policy.
func (r *InProcessRuntime) Guard(id domain.SandboxID) (*Guard, error) {
	sb, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return sb.guard, nil
}

func (r *InProcessRuntime) Destroy(ctx context.Context, id domain.SandboxID) error {
	val, ok := r.sandboxes.LoadAndDelete(id)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrSandboxNotFound, id)
	}
	sb := val.(*inprocSandbox)
	sb.execMu.Lock()
	defer sb.execMu.Unlock()
	sb.mu.Lock()
	sb.state = domain.StateDestroyed
	sb.mu.Unlock()
	return nil
}

func (s *inprocSandbox) setState(next domain.SandboxState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.CanTransition(next) {
		return errors.New("illegal transition " + string(s.state) + " -> " + string(next))
	}
	s.state = next
	return nil
}

var _ Runtime = (*InProcessRuntime)(nil)
