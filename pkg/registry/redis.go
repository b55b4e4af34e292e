package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oubliette-sandbox/oubliette/pkg/domain"
)

const keyPrefix = "oubliette:run:"

// RunTTL keeps finished run records from accumulating forever.
const RunTTL = 24 * time.Hour

// RedisRegistry persists run records in Redis so multiple collaborator
// processes on a host can observe the same runtime.

type RedisRegistry struct {
	client *redis.Client
}

func NewRedisRegistry(addr string, db int, password string) (*RedisRegistry, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisRegistry{client: client}, nil
}

// NewRedisRegistryFromClient wraps an existing client; tests hand in a
// miniredis-backed one.
func NewRedisRegistryFromClient(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client}
}

func (r *RedisRegistry) UpdateRun(ctx context.Context, run domain.RunRecord) error {
	run.UpdatedAt = time.Now()
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}
	if err := r.client.Set(ctx, keyPrefix+string(run.ID), data, RunTTL).Err(); err != nil {
		return fmt.Errorf("failed to store run record: %w", err)
	}
	return nil
}

func (r *RedisRegistry) GetRun(ctx context.Context, id domain.SandboxID) (*domain.RunRecord, error) {
	val, err := r.client.Get(ctx, keyPrefix+string(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrSandboxNotFound
		}
		return nil, fmt.Errorf("failed to get run record: %w", err)
	}

	var run domain.RunRecord
	if err := json.Unmarshal([]byte(val), &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run record: %w", err)
	}
	return &run, nil
}

func (r *RedisRegistry) ListRuns(ctx context.Context) ([]domain.RunRecord, error) {
	var runs []domain.RunRecord
	iter := r.client.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()

	for iter.Next(ctx) {
		val, err := r.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // expired during iteration
			}
			return nil, fmt.Errorf("failed to get run key %s: %w", iter.Val(), err)
		}

		var run domain.RunRecord
		if err := json.Unmarshal([]byte(val), &run); err != nil {
			continue // skip corrupt entries
		}
		runs = append(runs, run)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan runs: %w", err)
	}
	return runs, nil
}

func (r *RedisRegistry) DeleteRun(ctx context.Context, id domain.SandboxID) error {
	if err := r.client.Del(ctx, keyPrefix+string(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete run record: %w", err)
	}
	return nil
}
