package volume

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/oubliette-sandbox/oubliette/pkg/domain"
	"github.com/oubliette-sandbox/oubliette/pkg/telemetry"
)

// Kind selects the backing strategy for a mount.

type Kind string

const (
	Ephemeral Kind = "ephemeral"
	Tmpfs     Kind = "tmpfs"
	Bind      Kind = "bind"
	Overlay   Kind = "overlay"
)

// Mount is the declarative spec a caller attaches to a sandbox config.

type Mount struct {
	Source   string `json:"source,omitempty" yaml:"source,omitempty"`
	Target   string `json:"target" yaml:"target"`
	Kind     Kind   `json:"kind" yaml:"kind"`
	ReadOnly bool   `json:"read_only,omitempty" yaml:"read_only,omitempty"`
	SizeMB   int64  `json:"size_mb,omitempty" yaml:"size_mb,omitempty"`
	Label    string `json:"label,omitempty" yaml:"label,omitempty"`
}

type entry struct {
	path  string
	kind  Kind
	mount Mount
}

// Manager owns the mapping from volume id to resolved backing path.
// One manager instance per process, constructed with its private base
// directory injected; runtimes hold it by reference. The id map is the
// critical section, not the filesystem work.

type Manager struct {
	baseDir string
	logger  telemetry.Logger

	mu      sync.Mutex
	volumes map[domain.VolumeID]entry
}

// NewManager ensures the private base directory exists and returns an
// empty manager.
func NewManager(baseDir string, logger telemetry.Logger) (*Manager, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to ensure base dir exists: %w", err)
	}
	if logger == nil {
		logger = telemetry.NopLogger{}
	}
	return &Manager{
		baseDir: abs,
		logger:  logger,
		volumes: make(map[domain.VolumeID]entry),
	}, nil
}

// BaseDir returns the manager's private base directory.
func (m *Manager) BaseDir() string { return m.baseDir }

// Create resolves a mount spec into a backing path and registers it
// under a fresh volume id.
//
// Semantics by kind: ephemeral and tmpfs allocate a fresh directory
// under the base dir; bind requires the source to exist (checked once,
// here) and uses it directly with no copy; overlay allocates
// upper/work/merged sub-trees for copy-on-write.
func (m *Manager) Create(ctx context.Context, mount Mount) (domain.VolumeID, error) {
	id := domain.VolumeID(uuid.New().String())

	var path string
	switch mount.Kind {
	case Ephemeral, Tmpfs:
		path = filepath.Join(m.baseDir, string(id))
		if err := os.MkdirAll(path, 0o755); err != nil {
			return "", fmt.Errorf("failed to allocate %s volume: %w", mount.Kind, err)
		}
	case Bind:
		src, err := filepath.Abs(mount.Source)
		if err != nil {
			return "", &domain.ConfigError{Field: "source", Reason: err.Error()}
		}
		if _, err := os.Stat(src); err != nil {
			if os.IsNotExist(err) {
				return "", fmt.Errorf("bind source %s: %w", src, os.ErrNotExist)
			}
			return "", fmt.Errorf("failed to stat bind source %s: %w", src, err)
		}
		path = src
	case Overlay:
		path = filepath.Join(m.baseDir, string(id))
		for _, sub := range []string{"upper", "work", "merged"} {
			if err := os.MkdirAll(filepath.Join(path, sub), 0o755); err != nil {
				return "", fmt.Errorf("failed to allocate overlay tree: %w", err)
			}
		}
	default:
		return "", &domain.ConfigError{Field: "kind", Reason: fmt.Sprintf("unknown volume kind %q", mount.Kind)}
	}

	m.mu.Lock()
	m.volumes[id] = entry{path: path, kind: mount.Kind, mount: mount}
	m.mu.Unlock()

	m.logger.Info(ctx, "Volume created", map[string]any{
		"volume_id": id,
		"kind":      mount.Kind,
		"path":      path,
	})
	return id, nil
}

// GetPath resolves a volume id to its backing path.
func (m *Manager) GetPath(id domain.VolumeID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.volumes[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrUnknownVolume, id)
	}
	return e.path, nil
}

// Mounts lists the registered mounts with their resolved paths, in no
// particular order.
func (m *Manager) Mounts() map[domain.VolumeID]Mount {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[domain.VolumeID]Mount, len(m.volumes))
	for id, e := range m.volumes {
		out[id] = e.mount
	}
	return out
}

// Destroy removes the volume's backing storage. Calling it on an
// already-destroyed id is a no-op. Filesystem removal only happens for
// paths confined to the manager's base directory, so bind-mounted host
// paths are never deleted.
func (m *Manager) Destroy(ctx context.Context, id domain.VolumeID) error {
	m.mu.Lock()
	e, ok := m.volumes[id]
	if ok {
		delete(m.volumes, id)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return m.remove(ctx, id, e)
}

func (m *Manager) remove(ctx context.Context, id domain.VolumeID, e entry) error {
	if !m.confined(e.path) {
		m.logger.Info(ctx, "Volume released without removal", map[string]any{
			"volume_id": id,
			"kind":      e.kind,
			"path":      e.path,
		})
		return nil
	}
	if err := os.RemoveAll(e.path); err != nil {
		return fmt.Errorf("failed to remove volume %s: %w", id, err)
	}
	m.logger.Info(ctx, "Volume destroyed", map[string]any{"volume_id": id, "kind": e.kind})
	return nil
}

// DestroyAll is a best-effort sweep: every volume is attempted, errors
// are collected rather than short-circuiting, and the id map is left
// empty regardless. Returns the number of volumes released.
func (m *Manager) DestroyAll(ctx context.Context) (int, error) {
	m.mu.Lock()
	drained := m.volumes
	m.volumes = make(map[domain.VolumeID]entry)
	m.mu.Unlock()

	var errs []error
	for id, e := range drained {
		if err := m.remove(ctx, id, e); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, err := range errs {
			msgs[i] = err.Error()
		}
		return len(drained), fmt.Errorf("destroy_all: %d of %d removals failed: %s",
			len(errs), len(drained), strings.Join(msgs, "; "))
	}
	return len(drained), nil
}

// confined reports whether path is a strict descendant of the base
// directory.
func (m *Manager) confined(path string) bool {
	rel, err := filepath.Rel(m.baseDir, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
