package container

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/oubliette-sandbox/oubliette/pkg/telemetry"
)

const (
	defaultHealthInterval = 10 * time.Second
	defaultHealthTimeout  = 5 * time.Second
	defaultHealthRetries  = 3
)

func (h *HealthCheck) normalize() {
	if h.Interval <= 0 {
		h.Interval = defaultHealthInterval
	}
	if h.Timeout <= 0 {
		h.Timeout = defaultHealthTimeout
	}
	if h.Retries <= 0 {
		h.Retries = defaultHealthRetries
	}
}

// healthWatcher polls a container's health command on its own
// goroutine. Crossing the retry threshold flips the container to
// degraded; a later success flips it back. The watcher only observes
// and reports — it never stops the container.
type healthWatcher struct {
	hc      HealthCheck
	workDir string
	logger  telemetry.Logger

	onDegrade func()
	onRecover func()

	mu       sync.Mutex
	failures int
	healthy  bool

	cancel context.CancelFunc
	done   chan struct{}
}

func newHealthWatcher(hc HealthCheck, workDir string, logger telemetry.Logger, onDegrade, onRecover func()) *healthWatcher {
	hc.normalize()
	return &healthWatcher{
		hc:        hc,
		workDir:   workDir,
		logger:    logger,
		onDegrade: onDegrade,
		onRecover: onRecover,
		healthy:   true,
		done:      make(chan struct{}),
	}
}

func (w *healthWatcher) start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.run(ctx)
}

func (w *healthWatcher) stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (w *healthWatcher) status() (healthy bool, failures int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.healthy, w.failures
}

func (w *healthWatcher) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.hc.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.observe(ctx, w.probe(ctx))
		}
	}
}

func (w *healthWatcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.hc.Timeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, w.hc.Command[0], w.hc.Command[1:]...)
	cmd.Dir = w.workDir
	return cmd.Run()
}

func (w *healthWatcher) observe(ctx context.Context, err error) {
	w.mu.Lock()
	if err == nil {
		recovered := !w.healthy
		w.healthy = true
		w.failures = 0
		w.mu.Unlock()
		if recovered {
			w.logger.Info(ctx, "Health check recovered", nil)
			w.onRecover()
		}
		return
	}

	w.failures++
	crossed := w.healthy && w.failures >= w.hc.Retries
	if crossed {
		w.healthy = false
	}
	failures := w.failures
	w.mu.Unlock()

	w.logger.Warn(ctx, "Health check failed", map[string]any{
		"consecutive_failures": failures,
		"retries":              w.hc.Retries,
		"error":                err.Error(),
	})
	if crossed {
		w.onDegrade()
	}
}
