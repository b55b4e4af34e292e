//go:build !windows

package container

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oubliette-sandbox/oubliette/pkg/domain"
	"github.com/oubliette-sandbox/oubliette/pkg/limits"
	"github.com/oubliette-sandbox/oubliette/pkg/netpolicy"
	"github.com/oubliette-sandbox/oubliette/pkg/volume"
)

func newLocalBackend(t *testing.T) *LocalBackend {
	t.Helper()
	vols, err := volume.NewManager(filepath.Join(t.TempDir(), "volumes"), nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewLocalBackend(Options{Volumes: vols})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestLocalLifecycleWithRepeatedExecs(t *testing.T) {
	b := newLocalBackend(t)
	ctx := context.Background()

	id, err := b.Create(ctx, Spec{
		Name:   "worker",
		Limits: limits.Default(),
		Policy: netpolicy.AllowAll(),
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	st, err := b.Status(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != domain.StateIdle {
		t.Errorf("state after create = %s, want IDLE", st.State)
	}

	if err := b.Start(ctx, id); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// A container accepts any number of execs while running; none of
	// them moves the container to a terminal state.
	for i := 0; i < 3; i++ {
		res, err := b.Exec(ctx, id, domain.Workload{Command: []string{"sh", "-c", "echo pass"}})
		if err != nil {
			t.Fatalf("Exec %d failed: %v", i, err)
		}
		if !res.Success || strings.TrimSpace(res.Stdout) != "pass" {
			t.Errorf("Exec %d: success=%v stdout=%q", i, res.Success, res.Stdout)
		}
	}

	st, _ = b.Status(ctx, id)
	if st.State != domain.StateRunning {
		t.Errorf("state after execs = %s, want RUNNING", st.State)
	}

	if err := b.Stop(ctx, id); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	st, _ = b.Status(ctx, id)
	if st.State != domain.StateCompleted {
		t.Errorf("state after stop = %s, want COMPLETED", st.State)
	}

	if err := b.Remove(ctx, id); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := b.Status(ctx, id); !errors.Is(err, domain.ErrContainerNotFound) {
		t.Errorf("expected not-found after remove, got %v", err)
	}
}

func TestLocalExecRequiresRunning(t *testing.T) {
	b := newLocalBackend(t)
	ctx := context.Background()

	id, err := b.Create(ctx, Spec{Limits: limits.Default()})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := b.Exec(ctx, id, domain.Workload{Command: []string{"true"}}); err == nil {
		t.Error("exec on an idle container must fail")
	}

	if err := b.Start(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := b.Stop(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Exec(ctx, id, domain.Workload{Command: []string{"true"}}); err == nil {
		t.Error("exec on a stopped container must fail")
	}
}

func TestLocalRemoveRequiresStopped(t *testing.T) {
	b := newLocalBackend(t)
	ctx := context.Background()

	id, err := b.Create(ctx, Spec{Limits: limits.Default()})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Start(ctx, id); err != nil {
		t.Fatal(err)
	}

	if err := b.Remove(ctx, id); err == nil {
		t.Fatal("remove of a running container must fail")
	}

	if err := b.Stop(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := b.Remove(ctx, id); err != nil {
		t.Fatalf("remove after stop failed: %v", err)
	}
}

func TestLocalStopReclaimsMainProcess(t *testing.T) {
	b := newLocalBackend(t)
	ctx := context.Background()

	id, err := b.Create(ctx, Spec{
		Limits:  limits.Default(),
		Command: []string{"sleep", "60"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Start(ctx, id); err != nil {
		t.Fatal(err)
	}

	started := time.Now()
	if err := b.Stop(ctx, id); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if elapsed := time.Since(started); elapsed > 3*time.Second {
		t.Errorf("stop took %s, main process not reclaimed promptly", elapsed)
	}

	st, _ := b.Status(ctx, id)
	if st.State != domain.StateCompleted {
		t.Errorf("state = %s, want COMPLETED", st.State)
	}
}

func TestLocalMainExitLandsTerminal(t *testing.T) {
	b := newLocalBackend(t)
	ctx := context.Background()

	id, err := b.Create(ctx, Spec{
		Limits:  limits.Default(),
		Command: []string{"sh", "-c", "exit 0"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Start(ctx, id); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		st, err := b.Status(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if st.State == domain.StateCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("main exit not observed, state still %s", st.State)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestLocalExecTimeoutDoesNotKillContainer(t *testing.T) {
	b := newLocalBackend(t)
	ctx := context.Background()

	id, err := b.Create(ctx, Spec{
		Limits:      limits.Default(),
		ExecTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Start(ctx, id); err != nil {
		t.Fatal(err)
	}

	_, err = b.Exec(ctx, id, domain.Workload{Command: []string{"sleep", "10"}})
	var te *domain.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}

	// An exec timeout is an exec-level outcome. The container itself
	// keeps running and accepts the next exec.
	st, _ := b.Status(ctx, id)
	if st.State != domain.StateRunning {
		t.Errorf("state after exec timeout = %s, want RUNNING", st.State)
	}
	if res, err := b.Exec(ctx, id, domain.Workload{Command: []string{"true"}}); err != nil || !res.Success {
		t.Errorf("follow-up exec failed: res=%+v err=%v", res, err)
	}
}

func TestLocalCreateRejectsBadConfig(t *testing.T) {
	b := newLocalBackend(t)
	ctx := context.Background()

	var cfgErr *domain.ConfigError
	_, err := b.Create(ctx, Spec{Limits: limits.ResourceLimits{CPUCores: 0, MemoryMB: 64}})
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError for zero cpu, got %v", err)
	}

	_, err = b.Create(ctx, Spec{
		Limits: limits.Default(),
		Health: &HealthCheck{},
	})
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError for empty health command, got %v", err)
	}

	_, err = b.Create(ctx, Spec{
		Limits: limits.Default(),
		Mounts: []volume.Mount{{Kind: volume.Bind, Source: "/definitely/not/here", Target: "/x"}},
	})
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError for missing bind source, got %v", err)
	}
}
