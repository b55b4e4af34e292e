package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/oubliette-sandbox/oubliette/pkg/domain"
	"github.com/oubliette-sandbox/oubliette/pkg/limits"
	"github.com/oubliette-sandbox/oubliette/pkg/netpolicy"
	"github.com/oubliette-sandbox/oubliette/pkg/telemetry"
	"github.com/oubliette-sandbox/oubliette/pkg/volume"
)

const dockerStopGraceSeconds = 10

// dockerState tracks one engine-side container.
type dockerState struct {
	mu        sync.Mutex
	spec      Spec
	engineID  string
	state     domain.SandboxState
	volumeIDs []domain.VolumeID
	startedAt time.Time
}

// DockerBackend delegates container lifecycle to a Docker Engine.
// Resource limits translate to engine cgroup settings, the network
// policy's ingress allowances become exposed ports, and the health
// check maps onto the engine's native healthcheck. Volumes are still
// owned by this process and bound into the container.

type DockerBackend struct {
	client     *client.Client
	volumes    *volume.Manager
	logger     telemetry.Logger
	containers sync.Map // domain.ContainerID -> *dockerState
}

func NewDockerBackend(socketPath string, volumes *volume.Manager, logger telemetry.Logger) (*DockerBackend, error) {
	if volumes == nil {
		return nil, &domain.ConfigError{Field: "volumes", Reason: "volume manager is required"}
	}
	if logger == nil {
		logger = telemetry.NopLogger{}
	}

	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if socketPath != "" {
		opts = append(opts, client.WithHost("unix://"+socketPath))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to docker: %w", err)
	}

	return &DockerBackend{client: cli, volumes: volumes, logger: logger}, nil
}

func (b *DockerBackend) getState(id domain.ContainerID) (*dockerState, error) {
	val, ok := b.containers.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrContainerNotFound, id)
	}
	return val.(*dockerState), nil
}

func (b *DockerBackend) Create(ctx context.Context, spec Spec) (domain.ContainerID, error) {
	if err := spec.Limits.Validate(); err != nil {
		return "", err
	}
	if spec.Image == "" {
		return "", &domain.ConfigError{Field: "image", Reason: "docker backend requires an image"}
	}
	if spec.ExecTimeout <= 0 {
		spec.ExecTimeout = DefaultExecTimeout
	}
	if spec.Policy == nil {
		spec.Policy = netpolicy.DenyAll()
	}

	if err := b.ensureImage(ctx, spec.Image); err != nil {
		return "", fmt.Errorf("failed to ensure image: %w", err)
	}

	id := domain.ContainerID(uuid.New().String())

	var env []string
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	containerCfg := &dockercontainer.Config{
		Image:        spec.Image,
		Cmd:          spec.Command,
		Env:          env,
		ExposedPorts: exposedPorts(spec.Policy),
		Labels: map[string]string{
			"oubliette.container.id": string(id),
		},
	}
	if spec.Health != nil {
		if len(spec.Health.Command) == 0 {
			return "", &domain.ConfigError{Field: "health.command", Reason: "health check command is empty"}
		}
		hc := *spec.Health
		hc.normalize()
		containerCfg.Healthcheck = &dockercontainer.HealthConfig{
			Test:     append([]string{"CMD"}, hc.Command...),
			Interval: hc.Interval,
			Timeout:  hc.Timeout,
			Retries:  hc.Retries,
		}
	}

	hostCfg := &dockercontainer.HostConfig{
		Resources:  dockerResources(spec.Limits),
		AutoRemove: false,
	}

	var volumeIDs []domain.VolumeID
	cleanup := func() {
		for _, vid := range volumeIDs {
			_ = b.volumes.Destroy(ctx, vid)
		}
	}
	for _, m := range spec.Mounts {
		vid, err := b.volumes.Create(ctx, m)
		if err != nil {
			cleanup()
			return "", fmt.Errorf("failed to create volume: %w", err)
		}
		volumeIDs = append(volumeIDs, vid)

		hostPath, err := b.volumes.GetPath(vid)
		if err != nil {
			cleanup()
			return "", err
		}
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		hostCfg.Binds = append(hostCfg.Binds, fmt.Sprintf("%s:%s:%s", hostPath, m.Target, mode))
	}

	containerName := fmt.Sprintf("oubliette-%.8s", id)
	resp, err := b.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, containerName)
	if err != nil {
		cleanup()
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	b.containers.Store(id, &dockerState{
		spec:      spec,
		engineID:  resp.ID,
		state:     domain.StateIdle,
		volumeIDs: volumeIDs,
	})

	b.logger.Info(ctx, "Container created", map[string]any{
		"container_id": id,
		"engine_id":    resp.ID,
		"image":        spec.Image,
	})
	return id, nil
}

func (b *DockerBackend) Start(ctx context.Context, id domain.ContainerID) error {
	st, err := b.getState(id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.state.CanTransition(domain.StateStarting) {
		return fmt.Errorf("container %s in state %s: illegal start", id, st.state)
	}
	st.state = domain.StateStarting

	if err := b.client.ContainerStart(ctx, st.engineID, dockercontainer.StartOptions{}); err != nil {
		st.state = domain.StateFailed
		return fmt.Errorf("failed to start container: %w", err)
	}
	st.state = domain.StateRunning
	st.startedAt = time.Now()
	return nil
}

// Exec runs one command inside the engine container under the Spec's
// exec timeout. One engine limitation is deliberate and documented:
// the Engine API has no way to kill a single exec'd process, so on
// timeout the deadline bounds the caller's wait and output collection,
// while the process itself may keep running inside the container until
// the container stops. Callers needing hard per-exec reclaim use
// LocalBackend. An overrun is logged with the engine-side pid.
func (b *DockerBackend) Exec(ctx context.Context, id domain.ContainerID, work domain.Workload) (*domain.ExecResult, error) {
	st, err := b.getState(id)
	if err != nil {
		return nil, err
	}
	if len(work.Command) == 0 {
		return nil, &domain.ConfigError{Field: "command", Reason: "workload command is empty"}
	}

	st.mu.Lock()
	if st.state != domain.StateRunning && st.state != domain.StateDegraded {
		state := st.state
		st.mu.Unlock()
		return nil, fmt.Errorf("container %s in state %s: exec requires a running container", id, state)
	}
	engineID := st.engineID
	timeout := st.spec.ExecTimeout
	st.mu.Unlock()

	var env []string
	for k, v := range work.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execID, err := b.client.ContainerExecCreate(execCtx, engineID, dockercontainer.ExecOptions{
		Cmd:          work.Command,
		Env:          env,
		WorkingDir:   work.Dir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	resp, err := b.client.ContainerExecAttach(execCtx, execID.ID, dockercontainer.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer resp.Close()

	started := time.Now()
	var stdout, stderr bytes.Buffer

	// The attach connection is hijacked and does not honor the context,
	// so the read must be bounded explicitly.
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader)
		copyDone <- err
	}()

	var copyErr error
	select {
	case copyErr = <-copyDone:
	case <-execCtx.Done():
		resp.Close() // unblocks the reader
		<-copyDone
	}

	res := &domain.ExecResult{
		Duration: time.Since(started),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}

	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		b.warnExecOverrun(ctx, id, execID.ID)
		return res, &domain.TimeoutError{Timeout: timeout, Partial: res}
	}
	if copyErr != nil && !errors.Is(copyErr, io.EOF) {
		return res, fmt.Errorf("failed to read exec output: %w", copyErr)
	}

	inspect, err := b.client.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return res, fmt.Errorf("failed to inspect exec: %w", err)
	}
	res.ExitCode = inspect.ExitCode
	res.Success = inspect.ExitCode == 0
	return res, nil
}

// warnExecOverrun reports an exec'd process that outlived its deadline.
// Best effort: the inspect runs on a short independent context because
// the caller's may already be expiring.
func (b *DockerBackend) warnExecOverrun(ctx context.Context, id domain.ContainerID, execID string) {
	inspectCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	inspect, err := b.client.ContainerExecInspect(inspectCtx, execID)
	if err != nil || !inspect.Running {
		return
	}
	b.logger.Warn(ctx, "Exec outlived its deadline and keeps running until container stop", map[string]any{
		"container_id": id,
		"exec_id":      execID,
		"engine_pid":   inspect.Pid,
	})
}

func (b *DockerBackend) Stop(ctx context.Context, id domain.ContainerID) error {
	st, err := b.getState(id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.state.CanTransition(domain.StateStopping) {
		return fmt.Errorf("container %s in state %s: illegal stop", id, st.state)
	}
	st.state = domain.StateStopping

	grace := dockerStopGraceSeconds
	if err := b.client.ContainerStop(ctx, st.engineID, dockercontainer.StopOptions{Timeout: &grace}); err != nil {
		st.state = domain.StateFailed
		return fmt.Errorf("failed to stop container: %w", err)
	}
	st.state = domain.StateCompleted
	return nil
}

func (b *DockerBackend) Remove(ctx context.Context, id domain.ContainerID) error {
	st, err := b.getState(id)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if !st.state.Terminal() && st.state != domain.StateIdle {
		state := st.state
		st.mu.Unlock()
		return fmt.Errorf("container %s in state %s: stop before remove", id, state)
	}
	st.mu.Unlock()

	if _, ok := b.containers.LoadAndDelete(id); !ok {
		return fmt.Errorf("%w: %s", domain.ErrContainerNotFound, id)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	var errs []error
	if err := b.client.ContainerRemove(ctx, st.engineID, dockercontainer.RemoveOptions{Force: true}); err != nil {
		errs = append(errs, fmt.Errorf("failed to remove container: %w", err))
	}
	for _, vid := range st.volumeIDs {
		if err := b.volumes.Destroy(ctx, vid); err != nil {
			errs = append(errs, err)
		}
	}
	st.state = domain.StateDestroyed
	return errors.Join(errs...)
}

func (b *DockerBackend) Status(ctx context.Context, id domain.ContainerID) (*Status, error) {
	st, err := b.getState(id)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	status := &Status{
		ID:        id,
		Name:      st.spec.Name,
		State:     st.state,
		Healthy:   true,
		StartedAt: st.startedAt,
	}

	info, err := b.client.ContainerInspect(ctx, st.engineID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	// The engine is the source of truth while the container runs.
	if st.state == domain.StateRunning || st.state == domain.StateDegraded {
		if !info.State.Running {
			if info.State.ExitCode == 0 {
				st.state = domain.StateCompleted
			} else {
				st.state = domain.StateFailed
			}
		} else if info.State.Health != nil {
			status.Healthy = info.State.Health.Status != "unhealthy"
			status.HealthyFailures = info.State.Health.FailingStreak
			if !status.Healthy {
				st.state = domain.StateDegraded
			} else if st.state == domain.StateDegraded {
				st.state = domain.StateRunning
			}
		}
		status.State = st.state
	}
	return status, nil
}

func (b *DockerBackend) ensureImage(ctx context.Context, imageName string) error {
	_, _, err := b.client.ImageInspectWithRaw(ctx, imageName)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to inspect image: %w", err)
	}

	reader, err := b.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()

	// Drain output to wait for the pull to complete.
	_, err = io.Copy(io.Discard, reader)
	return err
}

// dockerResources translates limits to engine cgroup settings.
// Bandwidth has no engine-level knob and stays with the network layer.
func dockerResources(l limits.ResourceLimits) dockercontainer.Resources {
	pids := l.MaxProcesses
	return dockercontainer.Resources{
		Memory:   l.MemoryMB * 1024 * 1024,
		NanoCPUs: int64(l.CPUCores * 1e9),
		PidsLimit: func() *int64 {
			if pids <= 0 {
				return nil
			}
			return &pids
		}(),
		Ulimits: dockerUlimits(l),
	}
}

func dockerUlimits(l limits.ResourceLimits) []*units.Ulimit {
	var out []*units.Ulimit
	if l.MaxOpenFDs > 0 {
		out = append(out, &units.Ulimit{Name: "nofile", Soft: l.MaxOpenFDs, Hard: l.MaxOpenFDs})
	}
	if l.MaxProcesses > 0 {
		out = append(out, &units.Ulimit{Name: "nproc", Soft: l.MaxProcesses, Hard: l.MaxProcesses})
	}
	return out
}

// exposedPorts declares the ingress ports the policy allows. Everything
// else stays unpublished.
func exposedPorts(p *netpolicy.Policy) nat.PortSet {
	set := nat.PortSet{}
	for _, r := range p.Rules {
		if r.Action != netpolicy.Allow || r.Direction == netpolicy.Egress || r.Port <= 0 {
			continue
		}
		proto := r.Protocol
		if proto == "" {
			proto = "tcp"
		}
		port, err := nat.NewPort(proto, strconv.Itoa(r.Port))
		if err != nil {
			continue
		}
		set[port] = struct{}{}
	}
	return set
}

var _ Runtime = (*DockerBackend)(nil)
