package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oubliette-sandbox/oubliette/pkg/domain"
)

func testRegistries(t *testing.T) map[string]Registry {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]Registry{
		"memory": NewMemoryRegistry(),
		"redis":  NewRedisRegistryFromClient(client),
	}
}

func TestRegistryRoundTrip(t *testing.T) {
	for name, reg := range testRegistries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			run := domain.RunRecord{
				ID:        "sb-1",
				Name:      "payload-scan",
				State:     domain.StateRunning,
				StartedAt: time.Now().UTC().Truncate(time.Millisecond),
			}
			require.NoError(t, reg.UpdateRun(ctx, run))

			got, err := reg.GetRun(ctx, "sb-1")
			require.NoError(t, err)
			assert.Equal(t, run.Name, got.Name)
			assert.Equal(t, domain.StateRunning, got.State)
			assert.False(t, got.UpdatedAt.IsZero(), "UpdateRun stamps UpdatedAt")

			exit := 0
			run.State = domain.StateCompleted
			run.ExitCode = &exit
			require.NoError(t, reg.UpdateRun(ctx, run))

			got, err = reg.GetRun(ctx, "sb-1")
			require.NoError(t, err)
			assert.Equal(t, domain.StateCompleted, got.State)
			require.NotNil(t, got.ExitCode)
		})
	}
}

func TestRegistryGetMissing(t *testing.T) {
	for name, reg := range testRegistries(t) {
		t.Run(name, func(t *testing.T) {
			_, err := reg.GetRun(context.Background(), "ghost")
			assert.ErrorIs(t, err, domain.ErrSandboxNotFound)
		})
	}
}

func TestRegistryListAndDelete(t *testing.T) {
	for name, reg := range testRegistries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, id := range []domain.SandboxID{"a", "b", "c"} {
				require.NoError(t, reg.UpdateRun(ctx, domain.RunRecord{ID: id, State: domain.StateIdle}))
			}

			runs, err := reg.ListRuns(ctx)
			require.NoError(t, err)
			assert.Len(t, runs, 3)

			require.NoError(t, reg.DeleteRun(ctx, "b"))
			runs, err = reg.ListRuns(ctx)
			require.NoError(t, err)
			assert.Len(t, runs, 2)

			assert.NoError(t, reg.DeleteRun(ctx, "b"), "deleting a deleted run is a no-op")
		})
	}
}
