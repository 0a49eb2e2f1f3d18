package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/flowdeck/flowdeck/pkg/models"
	"github.com/flowdeck/flowdeck/pkg/persistence"
)

const workflowColumns = `
	id
  , owner_id
  , name
  , description
  , spec_json
  , spec_version
  , trigger_json
  , engine_workflow_id
  , idempotency_key
  , status
  , created_at
  , updated_at
`

// WorkflowRepository handles workflow-related database operations.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(db *sql.DB, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{db: db, logger: logger}
}

func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = $1`

	return r.queryOne(ctx, "GetByID", query, id)
}

func (r *WorkflowRepository) GetByIDAndOwner(ctx context.Context, id, ownerID string) (*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = $1 AND owner_id = $2`

	return r.queryOne(ctx, "GetByIDAndOwner", query, id, ownerID)
}

func (r *WorkflowRepository) GetByEngineWorkflowID(ctx context.Context, engineWorkflowID string) (*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE engine_workflow_id = $1`

	return r.queryOne(ctx, "GetByEngineWorkflowID", query, engineWorkflowID)
}

func (r *WorkflowRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE idempotency_key = $1`

	return r.queryOne(ctx, "GetByIdempotencyKey", query, key)
}

// GetByOwner returns all non-archived workflows for an owner, most recently
// updated first.
func (r *WorkflowRepository) GetByOwner(ctx context.Context, ownerID string) ([]*models.Workflow, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM workflows
		WHERE owner_id = $1 AND status != $2
		ORDER BY updated_at DESC
	`

	return r.queryMany(ctx, "GetByOwner", query, ownerID, models.WorkflowStatusArchived)
}

func (r *WorkflowRepository) GetByOwnerAndStatus(ctx context.Context, ownerID string, status models.WorkflowStatus) ([]*models.Workflow, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM workflows
		WHERE owner_id = $1 AND status = $2
		ORDER BY updated_at DESC
	`

	return r.queryMany(ctx, "GetByOwnerAndStatus", query, ownerID, status)
}

// ExistsByNameAndOwner reports whether a non-archived workflow with the given
// name already exists for the owner. The comparison is case-insensitive.
func (r *WorkflowRepository) ExistsByNameAndOwner(ctx context.Context, name, ownerID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM workflows
			WHERE owner_id = $1 AND LOWER(name) = LOWER($2) AND status != $3
		)
	`

	var exists bool

	err := r.db.QueryRowContext(ctx, query, ownerID, name, models.WorkflowStatusArchived).Scan(&exists)
	if err != nil {
		return false, persistence.NewWorkflowError("ExistsByNameAndOwner", "", err)
	}

	return exists, nil
}

// Add inserts a new workflow. Fails if a workflow with the same id exists.
func (r *WorkflowRepository) Add(ctx context.Context, workflow *models.Workflow) error {
	triggerJSON, err := json.Marshal(workflow.Trigger)
	if err != nil {
		return persistence.NewWorkflowError("Add", workflow.ID, fmt.Errorf("failed to marshal trigger: %w", err))
	}

	query := `
		INSERT INTO workflows (` + workflowColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		workflow.ID,
		workflow.OwnerID,
		workflow.Name,
		workflow.Description,
		workflow.SpecJSON,
		workflow.SpecVersion,
		triggerJSON,
		workflow.EngineWorkflowID,
		workflow.IdempotencyKey,
		workflow.Status,
		workflow.CreatedAt,
		workflow.UpdatedAt,
	)
	if err != nil {
		return persistence.NewWorkflowError("Add", workflow.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewWorkflowError("Add", workflow.ID, err)
	}

	if rowsAffected == 0 {
		return persistence.NewWorkflowError("Add", workflow.ID, persistence.ErrWorkflowAlreadyExists)
	}

	return nil
}

// Update replaces an existing workflow row.
func (r *WorkflowRepository) Update(ctx context.Context, workflow *models.Workflow) error {
	triggerJSON, err := json.Marshal(workflow.Trigger)
	if err != nil {
		return persistence.NewWorkflowError("Update", workflow.ID, fmt.Errorf("failed to marshal trigger: %w", err))
	}

	query := `
		UPDATE workflows SET
			owner_id = $2,
			name = $3,
			description = $4,
			spec_json = $5,
			spec_version = $6,
			trigger_json = $7,
			engine_workflow_id = $8,
			idempotency_key = $9,
			status = $10,
			updated_at = $11
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		workflow.ID,
		workflow.OwnerID,
		workflow.Name,
		workflow.Description,
		workflow.SpecJSON,
		workflow.SpecVersion,
		triggerJSON,
		workflow.EngineWorkflowID,
		workflow.IdempotencyKey,
		workflow.Status,
		workflow.UpdatedAt,
	)
	if err != nil {
		return persistence.NewWorkflowError("Update", workflow.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewWorkflowError("Update", workflow.ID, err)
	}

	if rowsAffected == 0 {
		return persistence.NewWorkflowError("Update", workflow.ID, persistence.ErrWorkflowNotFound)
	}

	return nil
}

func (r *WorkflowRepository) queryOne(ctx context.Context, op, query string, args ...any) (*models.Workflow, error) {
	row := r.db.QueryRowContext(ctx, query, args...)

	workflow, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, persistence.NewWorkflowError(op, "", err)
	}

	return workflow, nil
}

func (r *WorkflowRepository) queryMany(ctx context.Context, op, query string, args ...any) ([]*models.Workflow, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence.NewWorkflowError(op, "", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	workflows := make([]*models.Workflow, 0)

	for rows.Next() {
		workflow, err := scanWorkflow(rows)
		if err != nil {
			return nil, persistence.NewWorkflowError(op, "", err)
		}

		workflows = append(workflows, workflow)
	}

	err = rows.Err()
	if err != nil {
		return nil, persistence.NewWorkflowError(op, "", err)
	}

	return workflows, nil
}

func scanWorkflow(scanner interface {
	Scan(dest ...any) error
}) (*models.Workflow, error) {
	var (
		workflow    models.Workflow
		triggerJSON []byte
	)

	err := scanner.Scan(
		&workflow.ID,
		&workflow.OwnerID,
		&workflow.Name,
		&workflow.Description,
		&workflow.SpecJSON,
		&workflow.SpecVersion,
		&triggerJSON,
		&workflow.EngineWorkflowID,
		&workflow.IdempotencyKey,
		&workflow.Status,
		&workflow.CreatedAt,
		&workflow.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if triggerJSON != nil {
		err := json.Unmarshal(triggerJSON, &workflow.Trigger)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger: %w", err)
		}
	}

	return &workflow, nil
}
