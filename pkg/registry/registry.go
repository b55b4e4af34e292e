package registry

import (
	"context"

	"github.com/oubliette-sandbox/oubliette/pkg/domain"
)

// Registry records sandbox runs for collaborator platforms. The
// runtime writes through it on every state change; observers read
// without holding the runtime itself.

type Registry interface {
	UpdateRun(ctx context.Context, run domain.RunRecord) error
	GetRun(ctx context.Context, id domain.SandboxID) (*domain.RunRecord, error)
	ListRuns(ctx context.Context) ([]domain.RunRecord, error)
	DeleteRun(ctx context.Context, id domain.SandboxID) error
}
