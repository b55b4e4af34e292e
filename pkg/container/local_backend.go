package container

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

	"github.com/oubliette-sandbox/oubliette/pkg/domain"
	"github.com/oubliette-sandbox/oubliette/pkg/limits"
	"github.com/oubliette-sandbox/oubliette/pkg/netpolicy"
	"github.com/oubliette-sandbox/oubliette/pkg/telemetry"
	"github.com/oubliette-sandbox/oubliette/pkg/volume"
)

const (
	containerSamplePeriod = 250 * time.Millisecond
	stopGrace             = 2 * time.Second
)

// Options wires a backend's collaborators. Volumes is required; the
// rest default to no-ops.

type Options struct {
	Volumes  *volume.Manager
	Enforcer netpolicy.Enforcer
	Logger   telemetry.Logger
	Metrics  telemetry.Metrics
	Bridge   string
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
	return nil
}

type localContainer struct {
	mu        sync.Mutex
	id        domain.ContainerID
	spec      Spec
	state     domain.SandboxState
	ns        *netpolicy.Namespace
	monitor   *limits.Monitor
	volumeIDs []domain.VolumeID
	workDir   string
	startedAt time.Time

	main       *exec.Cmd
	mainExited chan struct{}
	sampleStop chan struct{}
	health     *healthWatcher
}

func (c *localContainer) setState(next domain.SandboxState) error {
	if !c.state.CanTransition(next) {
		return fmt.Errorf("container %s: illegal transition %s -> %s", c.id, c.state, next)
	}
	c.state = next
	return nil
}

// LocalBackend runs containers as host processes: a long-lived main
// process (optional), repeatable execs sharing the container's scratch
// directory, a policy-bound namespace, a usage sampler, and an
// independent health watcher. A degraded container keeps running and
// keeps accepting execs; only Stop terminates it.

type LocalBackend struct {
	opts       Options
	containers sync.Map // domain.ContainerID -> *localContainer
	active     atomic.Int64
}

func NewLocalBackend(opts Options) (*LocalBackend, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	return &LocalBackend{opts: opts}, nil
}

func (b *LocalBackend) get(id domain.ContainerID) (*localContainer, error) {
	val, ok := b.containers.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrContainerNotFound, id)
	}
	return val.(*localContainer), nil
}

// Create allocates the container's namespace, volumes and monitor, and
// parks it in Idle. Nothing runs until Start.
func (b *LocalBackend) Create(ctx context.Context, spec Spec) (domain.ContainerID, error) {
	if err := spec.Limits.Validate(); err != nil {
		return "", err
	}
	if spec.ExecTimeout <= 0 {
		spec.ExecTimeout = DefaultExecTimeout
	}
	if spec.Policy == nil {
		spec.Policy = netpolicy.DenyAll()
	}
	if spec.Health != nil && len(spec.Health.Command) == 0 {
		return "", &domain.ConfigError{Field: "health.command", Reason: "health check command is empty"}
	}

	id := domain.ContainerID(uuid.New().String())
	ns := netpolicy.NewNamespace(spec.Policy, b.opts.Bridge, nil)
	if err := b.opts.Enforcer.Attach(ctx, ns); err != nil {
		return "", fmt.Errorf("failed to attach network namespace: %w", err)
	}

	var volumeIDs []domain.VolumeID
	cleanup := func() {
		for _, vid := range volumeIDs {
			_ = b.opts.Volumes.Destroy(ctx, vid)
		}
		_ = b.opts.Enforcer.Detach(ctx, ns)
	}

	scratchID, err := b.opts.Volumes.Create(ctx, volume.Mount{
		Kind:   volume.Ephemeral,
		Target: "/",
		SizeMB: spec.Limits.DiskMB,
		Label:  "scratch",
	})
	if err != nil {
		cleanup()
		return "", fmt.Errorf("failed to allocate scratch volume: %w", err)
	}
	volumeIDs = append(volumeIDs, scratchID)

	for _, m := range spec.Mounts {
		vid, err := b.opts.Volumes.Create(ctx, m)
		if err != nil {
			cleanup()
			if errors.Is(err, os.ErrNotExist) {
				return "", &domain.ConfigError{Field: "mounts", Reason: err.Error()}
			}
			return "", err
		}
		volumeIDs = append(volumeIDs, vid)
	}

	workDir, err := b.opts.Volumes.GetPath(scratchID)
	if err != nil {
		cleanup()
		return "", err
	}

	c := &localContainer{
		id:        id,
		spec:      spec,
		state:     domain.StateIdle,
		ns:        ns,
		monitor:   limits.NewMonitor(0, workDir),
		volumeIDs: volumeIDs,
		workDir:   workDir,
	}
	b.containers.Store(id, c)
	b.opts.Metrics.SetGauge("oubliette_active_containers", float64(b.active.Add(1)))

	b.opts.Logger.Info(ctx, "Container created", map[string]any{
		"container_id": id,
		"name":         spec.Name,
		"policy":       spec.Policy.Name,
		"isolated":     ns.IsIsolated(),
	})
	return id, nil
}

// Start brings the container to Running: launches the main process if
// the Spec declares one, begins usage sampling, and arms the health
// watcher.
func (b *LocalBackend) Start(ctx context.Context, id domain.ContainerID) error {
	c, err := b.get(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.setState(domain.StateStarting); err != nil {
		return err
	}
	c.startedAt = time.Now()

	if len(c.spec.Command) > 0 {
		cmd := exec.Command(c.spec.Command[0], c.spec.Command[1:]...)
		cmd.Dir = c.workDir
		cmd.Env = containerEnv(c, nil)
		if err := cmd.Start(); err != nil {
			_ = c.setState(domain.StateFailed)
			return fmt.Errorf("failed to start main process: %w", err)
		}
		c.main = cmd
		c.mainExited = make(chan struct{})
		c.monitor.Rebind(int32(cmd.Process.Pid))
		go b.watchMain(c)
	}

	if err := c.setState(domain.StateRunning); err != nil {
		return err
	}

	c.sampleStop = make(chan struct{})
	go b.sample(c)

	if c.spec.Health != nil {
		c.health = newHealthWatcher(*c.spec.Health, c.workDir, b.opts.Logger,
			func() { b.markDegraded(c) },
			func() { b.markRecovered(c) },
		)
		c.health.start()
	}

	b.opts.Logger.Info(ctx, "Container started", map[string]any{"container_id": id})
	return nil
}

// watchMain reaps the main process so an exit outside of Stop still
// lands the container in a terminal state.
func (b *LocalBackend) watchMain(c *localContainer) {
	err := c.main.Wait()
	close(c.mainExited)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != domain.StateRunning && c.state != domain.StateDegraded {
		return
	}
	if err != nil {
		_ = c.setState(domain.StateFailed)
	} else if c.state == domain.StateDegraded {
		_ = c.setState(domain.StateStopping)
		_ = c.setState(domain.StateCompleted)
	} else {
		_ = c.setState(domain.StateCompleted)
	}
}

func (b *LocalBackend) sample(c *localContainer) {
	ticker := time.NewTicker(containerSamplePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.sampleStop:
			return
		case <-ticker.C:
			c.monitor.Snapshot()
		}
	}
}

func (b *LocalBackend) markDegraded(c *localContainer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == domain.StateRunning {
		_ = c.setState(domain.StateDegraded)
		b.opts.Metrics.IncCounter("oubliette_container_degradations_total", 1)
	}
}

func (b *LocalBackend) markRecovered(c *localContainer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == domain.StateDegraded {
		_ = c.setState(domain.StateRunning)
	}
}

// Exec runs one command inside the container under the Spec's exec
// timeout. Workload failures and timeouts are exec-level outcomes: the
// container itself stays Running and keeps accepting further execs.
func (b *LocalBackend) Exec(ctx context.Context, id domain.ContainerID, work domain.Workload) (*domain.ExecResult, error) {
	c, err := b.get(id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.state != domain.StateRunning && c.state != domain.StateDegraded {
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("container %s in state %s: exec requires a running container", id, state)
	}
	workDir := c.workDir
	timeout := c.spec.ExecTimeout
	env := containerEnv(c, work.Env)
	c.mu.Unlock()

	if len(work.Command) == 0 {
		return nil, &domain.ConfigError{Field: "command", Reason: "workload command is empty"}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(execCtx, work.Command[0], work.Command[1:]...)
	cmd.Dir = workDir
	if work.Dir != "" {
		cmd.Dir = work.Dir
	}
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = env
	cmd.WaitDelay = stopGrace

	started := time.Now()
	waitErr := cmd.Run()

	res := &domain.ExecResult{
		Duration: time.Since(started),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	outcome := "completed"
	defer func() {
		b.opts.Metrics.IncCounter("oubliette_container_execs_total", 1, telemetry.Label{Key: "outcome", Value: outcome})
		b.opts.Metrics.ObserveHistogram("oubliette_container_exec_seconds", res.Duration.Seconds())
	}()

	if execCtx.Err() != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		err := &domain.TimeoutError{Timeout: timeout, Partial: res}
		outcome = domain.FailureClass(err)
		return res, err
	}

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		outcome = domain.FailureClass(waitErr)
		return res, fmt.Errorf("exec failed: %w", waitErr)
	}

	res.Success = res.ExitCode == 0
	return res, nil
}

// Stop terminates the container: health watcher and sampler first,
// then the main process with a bounded grace period. The container
// lands in Completed and only Remove can retire it.
func (b *LocalBackend) Stop(ctx context.Context, id domain.ContainerID) error {
	c, err := b.get(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if err := c.setState(domain.StateStopping); err != nil {
		c.mu.Unlock()
		return err
	}
	main := c.main
	mainExited := c.mainExited
	sampleStop := c.sampleStop
	health := c.health
	c.mu.Unlock()

	// Watcher callbacks take the container lock, so it must be stopped
	// while the lock is free.
	if health != nil {
		health.stop()
	}
	if sampleStop != nil {
		close(sampleStop)
	}

	if main != nil && main.Process != nil {
		_ = main.Process.Kill()
		select {
		case <-mainExited:
		case <-time.After(stopGrace):
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.monitor.Snapshot()
	_ = c.setState(domain.StateCompleted)

	b.opts.Logger.Info(ctx, "Container stopped", map[string]any{"container_id": id})
	return nil
}

// Remove releases the namespace and the container-owned volumes and
// retires the id. A container that is still running must be stopped
// first.
func (b *LocalBackend) Remove(ctx context.Context, id domain.ContainerID) error {
	c, err := b.get(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if !c.state.Terminal() && c.state != domain.StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("container %s in state %s: stop before remove", id, state)
	}
	c.mu.Unlock()

	if _, ok := b.containers.LoadAndDelete(id); !ok {
		return fmt.Errorf("%w: %s", domain.ErrContainerNotFound, id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if err := b.opts.Enforcer.Detach(ctx, c.ns); err != nil {
		errs = append(errs, err)
	}
	for _, vid := range c.volumeIDs {
		if err := b.opts.Volumes.Destroy(ctx, vid); err != nil {
			errs = append(errs, err)
		}
	}

	c.state = domain.StateDestroyed
	b.opts.Metrics.SetGauge("oubliette_active_containers", float64(b.active.Add(-1)))

	b.opts.Logger.Info(ctx, "Container removed", map[string]any{"container_id": id})
	return errors.Join(errs...)
}

// Status reports the container's state, health and latest usage
// reading.
func (b *LocalBackend) Status(ctx context.Context, id domain.ContainerID) (*Status, error) {
	c, err := b.get(id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	st := &Status{
		ID:        c.id,
		Name:      c.spec.Name,
		State:     c.state,
		Healthy:   true,
		StartedAt: c.startedAt,
	}
	if c.health != nil {
		st.Healthy, st.HealthyFailures = c.health.status()
	}
	if latest, ok := c.monitor.Latest(); ok {
		st.Latest = &latest
	}
	return st, nil
}

// containerEnv builds a minimal environment: the host environment does
// not leak in.
func containerEnv(c *localContainer, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + c.workDir,
		"OUBLIETTE_CONTAINER_ID=" + string(c.id),
	}
	for k, v := range c.spec.Env {
		env = append(env, k+"="+v)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

var _ Runtime = (*LocalBackend)(nil)
