package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/oubliette-sandbox/oubliette/pkg/domain"
	"github.com/oubliette-sandbox/oubliette/pkg/limits"
	"github.com/oubliette-sandbox/oubliette/pkg/netpolicy"
	"github.com/oubliette-sandbox/oubliette/pkg/registry"
	"github.com/oubliette-sandbox/oubliette/pkg/telemetry"
	"github.com/oubliette-sandbox/oubliette/pkg/volume"
)

const (
	defaultMaxInFlight = 64
	samplePeriod       = 25 * time.Millisecond
	reclaimGrace       = 2 * time.Second
)

// Options wires a runtime's collaborators. Volumes is required; the
// rest default to no-ops.

type Options struct {
	Volumes     *volume.Manager
	Enforcer    netpolicy.Enforcer
	Registry    registry.Registry
	Logger      telemetry.Logger
	Metrics     telemetry.Metrics
	Bridge      string
	MaxInFlight int64
}

func (o *Options) normalize() error {
	if o.Volumes == nil {
		return &domain.ConfigError{Field: "volumes", Reason: "volume manager is required"}
	}
	if o.Enforcer == nil {
		o.Enforcer = netpolicy.NoopEnforcer{}
	}
	if o.Logger == nil {
		o.Logger = telemetry.NopLogger{}
	}
	if o.Metrics == nil {
		o.Metrics = telemetry.NewNoopMetrics()
	}
	if o.Bridge == "" {
		o.Bridge = "oub0"
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = defaultMaxInFlight
	}
	return nil
}

// procSandbox is the per-instance state. execMu serializes lifecycle
// operations (Execute, Destroy) on one sandbox and is held for the
// whole run; mu guards the mutable fields and is only held across
// transitions, so Status never waits on a running workload. Unrelated
// sandboxes never contend on either.
type procSandbox struct {
	execMu    sync.Mutex
	mu        sync.Mutex
	id        domain.SandboxID
	cfg       Config
	state     domain.SandboxState
	ns        *netpolicy.Namespace
	guard     *Guard
	monitor   *limits.Monitor
	volumeIDs []domain.VolumeID
	workDir   string
	startedAt time.Time
}

func (s *procSandbox) currentState() domain.SandboxState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *procSandbox) transition(next domain.SandboxState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.CanTransition(next) {
		return fmt.Errorf("sandbox %s: illegal transition %s -> %s", s.id, s.state, next)
	}
	s.state = next
	return nil
}

// ProcessRuntime runs each unit of work as a child process with a
// private scratch directory, a policy-bound network namespace, and a
// resource monitor sampling for the duration of the run. Limit
// breaches are detected post-hoc from the sampled history.

type ProcessRuntime struct {
	opts      Options
	sem       *semaphore.Weighted
	sandboxes sync.Map // domain.SandboxID -> *procSandbox
	active    atomic.Int64
}

func NewProcessRuntime(opts Options) (*ProcessRuntime, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	return &ProcessRuntime{
		opts: opts,
		sem:  semaphore.NewWeighted(opts.MaxInFlight),
	}, nil
}

func (r *ProcessRuntime) get(id domain.SandboxID) (*procSandbox, error) {
	val, ok := r.sandboxes.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSandboxNotFound, id)
	}
	return val.(*procSandbox), nil
}

// Create allocates the sandbox's namespace, volumes and monitor, and
// parks it in Idle. Configuration problems surface here and only here.
func (r *ProcessRuntime) Create(ctx context.Context, cfg Config) (domain.SandboxID, error) {
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
	ns := netpolicy.NewNamespace(cfg.Policy, r.opts.Bridge, cfg.DNS)
	if err := r.opts.Enforcer.Attach(ctx, ns); err != nil {
		return "", fmt.Errorf("failed to attach network namespace: %w", err)
	}

	var volumeIDs []domain.VolumeID
	cleanup := func() {
		for _, vid := range volumeIDs {
			_ = r.opts.Volumes.Destroy(ctx, vid)
		}
		_ = r.opts.Enforcer.Detach(ctx, ns)
	}

	scratchID, err := r.opts.Volumes.Create(ctx, volume.Mount{
		Kind:   volume.Ephemeral,
		Target: "/",
		SizeMB: cfg.Limits.DiskMB,
		Label:  "scratch",
	})
	if err != nil {
		cleanup()
		return "", fmt.Errorf("failed to allocate scratch volume: %w", err)
	}
	volumeIDs = append(volumeIDs, scratchID)

	for _, m := range cfg.Mounts {
		vid, err := r.opts.Volumes.Create(ctx, m)
		if err != nil {
			cleanup()
			if errors.Is(err, os.ErrNotExist) {
				return "", &domain.ConfigError{Field: "mounts", Reason: err.Error()}
			}
			return "", err
		}
		volumeIDs = append(volumeIDs, vid)
	}

	workDir, err := r.opts.Volumes.GetPath(scratchID)
	if err != nil {
		cleanup()
		return "", err
	}
	if cfg.ReadonlyRootfs {
		if err := os.Chmod(workDir, 0o555); err != nil {
			cleanup()
			return "", fmt.Errorf("failed to seal rootfs: %w", err)
		}
	}

	sb := &procSandbox{
		id:        id,
		cfg:       cfg,
		state:     domain.StateIdle,
		ns:        ns,
		guard:     newGuard(ns, r.opts.Logger),
		monitor:   limits.NewMonitor(0, workDir),
		volumeIDs: volumeIDs,
		workDir:   workDir,
	}
	r.sandboxes.Store(id, sb)
	r.opts.Metrics.SetGauge("oubliette_active_sandboxes", float64(r.active.Add(1)))
	r.recordRun(ctx, sb, nil, "")

	r.opts.Logger.Info(ctx, "Sandbox created", map[string]any{
		"sandbox_id": id,
		"name":       cfg.Name,
		"policy":     cfg.Policy.Name,
		"isolated":   ns.IsIsolated(),
		"timeout":    cfg.Timeout.String(),
	})
	return id, nil
}

// Execute runs one unit of work under the sandbox's timeout. Exactly
// one terminal outcome is reached: Completed, Failed (resource breach,
// isolation violation or caller cancellation), or TimedOut with the
// child forcibly reclaimed before the error surfaces. On failure the
// partial result is returned alongside the error. Status stays
// answerable throughout: the run holds only the lifecycle mutex, never
// the state mutex.
func (r *ProcessRuntime) Execute(ctx context.Context, id domain.SandboxID, work domain.Workload) (*domain.ExecResult, error) {
	sb, err := r.get(id)
	if err != nil {
		return nil, err
	}

	sb.execMu.Lock()
	defer sb.execMu.Unlock()

	if state := sb.currentState(); state != domain.StateIdle {
		return nil, fmt.Errorf("sandbox %s in state %s: terminal sandboxes are not re-enterable", id, state)
	}
	if len(work.Command) == 0 {
		return nil, &domain.ConfigError{Field: "command", Reason: "workload command is empty"}
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to admit execution: %w", err)
	}
	defer r.sem.Release(1)

	if err := sb.transition(domain.StateStarting); err != nil {
		return nil, err
	}
	started := time.Now()
	sb.mu.Lock()
	sb.startedAt = started
	sb.mu.Unlock()

	execCtx, cancel := context.WithTimeout(ctx, sb.cfg.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(execCtx, work.Command[0], work.Command[1:]...)
	cmd.Dir = sb.workDir
	if work.Dir != "" {
		cmd.Dir = work.Dir
	}
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = workloadEnv(sb, work)
	cmd.WaitDelay = reclaimGrace

	if err := cmd.Start(); err != nil {
		_ = sb.transition(domain.StateFailed)
		r.finish(ctx, sb, nil, err)
		return nil, fmt.Errorf("failed to start workload: %w", err)
	}

	sb.monitor.Rebind(int32(cmd.Process.Pid))
	if err := sb.transition(domain.StateRunning); err != nil {
		return nil, err
	}
	r.recordRun(ctx, sb, nil, "")

	// Sample usage while the child runs; the history is the evidence
	// for the post-hoc limit check. The closing snapshot is taken only
	// after the sampler goroutine has drained.
	sampleStop := make(chan struct{})
	samplerDone := make(chan struct{})
	go func() {
		defer close(samplerDone)
		ticker := time.NewTicker(samplePeriod)
		defer ticker.Stop()
		for {
			select {
			case <-sampleStop:
				return
			case <-ticker.C:
				sb.monitor.Snapshot()
			}
		}
	}()

	waitErr := cmd.Wait()
	close(sampleStop)
	<-samplerDone
	sb.monitor.Snapshot()

	res := &domain.ExecResult{
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: time.Since(started),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}

	// Timeout: CommandContext killed the child and Wait has returned,
	// so the process is reclaimed before the caller sees the error.
	if execCtx.Err() != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		_ = sb.transition(domain.StateTimedOut)
		err := &domain.TimeoutError{Timeout: sb.cfg.Timeout, Partial: res}
		r.finish(ctx, sb, res, err)
		return res, err
	}

	// Caller cancellation is not a timeout: the budget was not spent,
	// the caller walked away.
	if ctx.Err() != nil {
		_ = sb.transition(domain.StateFailed)
		err := fmt.Errorf("execution canceled: %w", ctx.Err())
		r.finish(ctx, sb, res, err)
		return res, err
	}

	if violations := sb.guard.Violations(); len(violations) > 0 {
		_ = sb.transition(domain.StateFailed)
		err := &domain.IsolationError{Violation: violations[0]}
		r.finish(ctx, sb, res, err)
		return res, err
	}

	if v, ok := peakViolation(sb.monitor.History(), sb.cfg.Limits); ok {
		_ = sb.transition(domain.StateFailed)
		err := &domain.ResourceExhaustedError{
			Dimension: v.Dimension,
			Limit:     v.Limit,
			Observed:  v.Observed,
			Partial:   res,
		}
		r.finish(ctx, sb, res, err)
		return res, err
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		_ = sb.transition(domain.StateFailed)
		r.finish(ctx, sb, res, waitErr)
		return res, fmt.Errorf("workload failed: %w", waitErr)
	}

	res.Success = res.ExitCode == 0
	_ = sb.transition(domain.StateCompleted)
	r.finish(ctx, sb, res, nil)
	return res, nil
}

// Status reports the sandbox's state and its latest usage reading.
func (r *ProcessRuntime) Status(ctx context.Context, id domain.SandboxID) (*Status, error) {
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

// Guard returns the sandbox's network boundary handle.
func (r *ProcessRuntime) Guard(id domain.SandboxID) (*Guard, error) {
	sb, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return sb.guard, nil
}

// Destroy releases the namespace and the sandbox-owned volumes (bind
// sources survive) and retires the id. Subsequent operations on the id
// fail with a not-found condition. An in-flight Execute finishes
// first: Destroy waits on the lifecycle mutex, never tears down under
// a running workload.
func (r *ProcessRuntime) Destroy(ctx context.Context, id domain.SandboxID) error {
	val, ok := r.sandboxes.LoadAndDelete(id)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrSandboxNotFound, id)
	}
	sb := val.(*procSandbox)

	sb.execMu.Lock()
	defer sb.execMu.Unlock()

	var errs []error
	if err := r.opts.Enforcer.Detach(ctx, sb.ns); err != nil {
		errs = append(errs, err)
	}
	if sb.cfg.ReadonlyRootfs {
		// Unseal so the scratch tree can be swept.
		_ = os.Chmod(sb.workDir, 0o755)
	}
	for _, vid := range sb.volumeIDs {
		if err := r.opts.Volumes.Destroy(ctx, vid); err != nil {
			errs = append(errs, err)
		}
	}

	sb.mu.Lock()
	sb.state = domain.StateDestroyed
	sb.mu.Unlock()
	r.opts.Metrics.SetGauge("oubliette_active_sandboxes", float64(r.active.Add(-1)))
	r.recordRun(ctx, sb, nil, "")

	r.opts.Logger.Info(ctx, "Sandbox destroyed", map[string]any{"sandbox_id": id})
	return errors.Join(errs...)
}

func (r *ProcessRuntime) finish(ctx context.Context, sb *procSandbox, res *domain.ExecResult, err error) {
	outcome := "completed"
	if err != nil {
		outcome = domain.FailureClass(err)
	}
	r.opts.Metrics.IncCounter("oubliette_executions_total", 1, telemetry.Label{Key: "outcome", Value: outcome})
	if res != nil {
		r.opts.Metrics.ObserveHistogram("oubliette_execute_seconds", res.Duration.Seconds())
	}

	var exit *int
	failure := ""
	if res != nil {
		code := res.ExitCode
		exit = &code
	}
	if err != nil {
		failure = err.Error()
		r.opts.Logger.Error(ctx, "Execution failed", map[string]any{
			"sandbox_id": sb.id,
			"state":      sb.currentState(),
			"error":      err.Error(),
		})
	}
	r.recordRun(ctx, sb, exit, failure)
}

func (r *ProcessRuntime) recordRun(ctx context.Context, sb *procSandbox, exit *int, failure string) {
	if r.opts.Registry == nil {
		return
	}
	sb.mu.Lock()
	rec := domain.RunRecord{
		ID:        sb.id,
		Name:      sb.cfg.Name,
		State:     sb.state,
		ExitCode:  exit,
		Failure:   failure,
		StartedAt: sb.startedAt,
	}
	sb.mu.Unlock()
	if rec.State.Terminal() {
		rec.FinishedAt = time.Now()
	}
	if err := r.opts.Registry.UpdateRun(ctx, rec); err != nil {
		r.opts.Logger.Warn(ctx, "Failed to record run", map[string]any{
			"sandbox_id": sb.id,
			"error":      err.Error(),
		})
	}
}

// workloadEnv builds a minimal environment: the host environment does
// not leak in.
func workloadEnv(sb *procSandbox, work domain.Workload) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + sb.workDir,
		"OUBLIETTE_SANDBOX_ID=" + string(sb.id),
	}
	for k, v := range work.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// peakViolation scans the sampled history and returns the first
// violated dimension of the worst snapshot, preserving the fixed
// evaluation order.
func peakViolation(history []limits.Snapshot, l limits.ResourceLimits) (limits.Violation, bool) {
	var peak limits.Snapshot
	for _, s := range history {
		if s.MemoryMB > peak.MemoryMB {
			peak.MemoryMB = s.MemoryMB
		}
		if s.DiskMB > peak.DiskMB {
			peak.DiskMB = s.DiskMB
		}
		if s.OpenFDs > peak.OpenFDs {
			peak.OpenFDs = s.OpenFDs
		}
		if s.ActiveProcesses > peak.ActiveProcesses {
			peak.ActiveProcesses = s.ActiveProcesses
		}
		if s.ActiveThreads > peak.ActiveThreads {
			peak.ActiveThreads = s.ActiveThreads
		}
	}
	violations := peak.Exceeds(l)
	if len(violations) == 0 {
		return limits.Violation{}, false
	}
	return violations[0], true
}

var _ Runtime = (*ProcessRuntime)(nil)
