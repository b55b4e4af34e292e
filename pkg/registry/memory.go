package registry

import (
	"context"
	"sync"
	"time"

	"github.com/oubliette-sandbox/oubliette/pkg/domain"
)

// MemoryRegistry keeps run records in process memory. The default for
// embedded use and tests.

type MemoryRegistry struct {
	runs sync.Map // map[domain.SandboxID]domain.RunRecord
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{}
}

func (r *MemoryRegistry) UpdateRun(ctx context.Context, run domain.RunRecord) error {
	run.UpdatedAt = time.Now()
	r.runs.Store(run.ID, run)
	return nil
}

func (r *MemoryRegistry) GetRun(ctx context.Context, id domain.SandboxID) (*domain.RunRecord, error) {
	val, ok := r.runs.Load(id)
	if !ok {
		return nil, domain.ErrSandboxNotFound
	}
	run := val.(domain.RunRecord)
	return &run, nil
}

func (r *MemoryRegistry) ListRuns(ctx context.Context) ([]domain.RunRecord, error) {
	var list []domain.RunRecord
	r.runs.Range(func(key, value any) bool {
		list = append(list, value.(domain.RunRecord))
		return true
	})
	return list, nil
}

func (r *MemoryRegistry) DeleteRun(ctx context.Context, id domain.SandboxID) error {
	r.runs.Delete(id)
	return nil
}
