// Package persistence provides the storage abstraction for workflows and executions.
package persistence

import (
	"context"

	"github.com/flowdeck/flowdeck/pkg/models"
)

// WorkflowRepository persists the Workflow aggregate. Lookups that miss
// return (nil, nil); infrastructure failures return an error.
type WorkflowRepository interface {
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
	GetByIDAndOwner(ctx context.Context, id, ownerID string) (*models.Workflow, error)
	GetByEngineWorkflowID(ctx context.Context, engineWorkflowID string) (*models.Workflow, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*models.Workflow, error)
	// GetByOwner returns the owner's non-archived workflows, most recently updated first.
	GetByOwner(ctx context.Context, ownerID string) ([]*models.Workflow, error)
	GetByOwnerAndStatus(ctx context.Context, ownerID string, status models.WorkflowStatus) ([]*models.Workflow, error)
	ExistsByNameAndOwner(ctx context.Context, name, ownerID string) (bool, error)
	Add(ctx context.Context, workflow *models.Workflow) error
	Update(ctx context.Context, workflow *models.Workflow) error
}

// ExecutionRepository persists the WorkflowExecution aggregate. Update
// performs an optimistic concurrency check on RowVersion and returns
// ErrVersionConflict when the stored row has moved on.
type ExecutionRepository interface {
	GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error)
	GetByIDAndOwner(ctx context.Context, id, ownerID string) (*models.WorkflowExecution, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*models.WorkflowExecution, error)
	// GetByWorkflowID returns the workflow's runs, most recent first.
	GetByWorkflowID(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error)
	GetByOwner(ctx context.Context, ownerID string, limit int) ([]*models.WorkflowExecution, error)
	GetPendingApprovals(ctx context.Context, ownerID string) ([]*models.WorkflowExecution, error)
	Add(ctx context.Context, execution *models.WorkflowExecution) error
	Update(ctx context.Context, execution *models.WorkflowExecution) error
}

// Persistence aggregates the repositories behind one connection/root.
type Persistence interface {
	WorkflowRepository() WorkflowRepository
	ExecutionRepository() ExecutionRepository
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
