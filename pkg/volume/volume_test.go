package volume

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oubliette-sandbox/oubliette/pkg/domain"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "volumes"), nil)
	require.NoError(t, err)
	return m
}

func TestEphemeralVolumeLifecycle(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	id, err := m.Create(ctx, Mount{Kind: Ephemeral, Target: "/scratch", SizeMB: 64})
	require.NoError(t, err)

	path, err := m.GetPath(id)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.True(t, strings.HasPrefix(path, m.BaseDir()+string(filepath.Separator)),
		"ephemeral volume must live under the base dir")

	require.NoError(t, m.Destroy(ctx, id))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "backing dir should be gone")

	_, err = m.GetPath(id)
	assert.ErrorIs(t, err, domain.ErrUnknownVolume)
}

func TestOverlayVolumeAllocatesCopyOnWriteTree(t *testing.T) {
	m := newManager(t)
	id, err := m.Create(context.Background(), Mount{Kind: Overlay, Target: "/data"})
	require.NoError(t, err)

	path, err := m.GetPath(id)
	require.NoError(t, err)
	for _, sub := range []string{"upper", "work", "merged"} {
		info, err := os.Stat(filepath.Join(path, sub))
		require.NoError(t, err, "missing overlay %s dir", sub)
		assert.True(t, info.IsDir())
	}
}

func TestBindVolumeRequiresExistingSource(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, Mount{Kind: Bind, Source: filepath.Join(t.TempDir(), "nope"), Target: "/host"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist), "expected not-found condition, got %v", err)
	assert.Empty(t, m.Mounts(), "failed create must not register a volume id")

	src := t.TempDir()
	id, err := m.Create(ctx, Mount{Kind: Bind, Source: src, Target: "/host"})
	require.NoError(t, err)

	path, err := m.GetPath(id)
	require.NoError(t, err)
	assert.Equal(t, src, path, "bind uses the source directly, no copy")
}

func TestDestroyNeverDeletesBindSources(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	src := t.TempDir()
	marker := filepath.Join(src, "precious.txt")
	require.NoError(t, os.WriteFile(marker, []byte("host data"), 0644))

	id, err := m.Create(ctx, Mount{Kind: Bind, Source: src, Target: "/host"})
	require.NoError(t, err)
	require.NoError(t, m.Destroy(ctx, id))

	_, err = os.Stat(marker)
	assert.NoError(t, err, "bind source must survive destroy")
}

func TestDestroyIsIdempotent(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	id, err := m.Create(ctx, Mount{Kind: Ephemeral, Target: "/scratch"})
	require.NoError(t, err)

	require.NoError(t, m.Destroy(ctx, id))
	assert.NoError(t, m.Destroy(ctx, id), "second destroy is a no-op")
}

func TestUnknownKindRejectedAtCreate(t *testing.T) {
	m := newManager(t)
	_, err := m.Create(context.Background(), Mount{Kind: "ramdisk", Target: "/x"})

	var cfgErr *domain.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestDestroyAllSweepsEphemeralAndCountsBind(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	var paths []string
	for i := 0; i < 5; i++ {
		id, err := m.Create(ctx, Mount{Kind: Ephemeral, Target: "/scratch"})
		require.NoError(t, err)
		p, err := m.GetPath(id)
		require.NoError(t, err)
		paths = append(paths, p)
	}

	bindSrc := t.TempDir()
	_, err := m.Create(ctx, Mount{Kind: Bind, Source: bindSrc, Target: "/host"})
	require.NoError(t, err)

	count, err := m.DestroyAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, count)

	for _, p := range paths {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), "ephemeral dir %s should be removed", p)
	}
	_, err = os.Stat(bindSrc)
	assert.NoError(t, err, "bind source untouched")

	assert.Empty(t, m.Mounts(), "map must be empty after the sweep")

	count, err = m.DestroyAll(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestConcurrentCreateDestroy(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	done := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func() {
			id, err := m.Create(ctx, Mount{Kind: Ephemeral, Target: "/scratch"})
			if err != nil {
				done <- err
				return
			}
			done <- m.Destroy(ctx, id)
		}()
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, <-done)
	}
	assert.Empty(t, m.Mounts())
}
