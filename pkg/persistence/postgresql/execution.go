package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/flowdeck/flowdeck/pkg/models"
	"github.com/flowdeck/flowdeck/pkg/persistence"
)

const executionColumns = `
	id
  , workflow_id
  , owner_id
  , spec_version_used
  , input_json
  , output_json
  , status
  , engine_execution_id
  , error_message
  , current_step_index
  , idempotency_key
  , row_version
  , started_at
  , completed_at
`

// ExecutionRepository handles execution-related database operations.
type ExecutionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(db *sql.DB, logger *slog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, logger: logger}
}

func (r *ExecutionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE id = $1`

	return r.queryOne(ctx, "GetByID", query, id)
}

func (r *ExecutionRepository) GetByIDAndOwner(ctx context.Context, id, ownerID string) (*models.WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE id = $1 AND owner_id = $2`

	return r.queryOne(ctx, "GetByIDAndOwner", query, id, ownerID)
}

func (r *ExecutionRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.WorkflowExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE idempotency_key = $1`

	return r.queryOne(ctx, "GetByIdempotencyKey", query, key)
}

func (r *ExecutionRepository) GetByWorkflowID(ctx context.Context, workflowID string) ([]*models.WorkflowExecution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM workflow_executions
		WHERE workflow_id = $1
		ORDER BY started_at DESC
	`

	return r.queryMany(ctx, "GetByWorkflowID", query, workflowID)
}

// GetByOwner returns the owner's executions, most recent first. A limit of
// zero or less means no limit.
func (r *ExecutionRepository) GetByOwner(ctx context.Context, ownerID string, limit int) ([]*models.WorkflowExecution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM workflow_executions
		WHERE owner_id = $1
		ORDER BY started_at DESC
	`

	if limit > 0 {
		return r.queryMany(ctx, "GetByOwner", query+` LIMIT $2`, ownerID, limit)
	}

	return r.queryMany(ctx, "GetByOwner", query, ownerID)
}

func (r *ExecutionRepository) GetPendingApprovals(ctx context.Context, ownerID string) ([]*models.WorkflowExecution, error) {
	query := `
		SELECT ` + executionColumns + `
		FROM workflow_executions
		WHERE owner_id = $1 AND status = $2
		ORDER BY started_at DESC
	`

	return r.queryMany(ctx, "GetPendingApprovals", query, ownerID, models.ExecutionStatusWaitingApproval)
}

// Add inserts a new execution at row version 1.
func (r *ExecutionRepository) Add(ctx context.Context, execution *models.WorkflowExecution) error {
	execution.RowVersion = 1

	query := `
		INSERT INTO workflow_executions (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		execution.ID,
		execution.WorkflowID,
		execution.OwnerID,
		execution.SpecVersionUsed,
		jsonOrNull(execution.InputJSON),
		jsonOrNull(execution.OutputJSON),
		execution.Status,
		execution.EngineExecutionID,
		execution.ErrorMessage,
		execution.CurrentStepIndex,
		execution.IdempotencyKey,
		execution.RowVersion,
		execution.StartedAt,
		execution.CompletedAt,
	)
	if err != nil {
		return persistence.NewExecutionError("Add", execution.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewExecutionError("Add", execution.ID, err)
	}

	if rowsAffected == 0 {
		return persistence.NewExecutionError("Add", execution.ID, persistence.ErrExecutionAlreadyExists)
	}

	return nil
}

// Update replaces an execution row guarded by its row version. A stale
// version returns ErrVersionConflict so the caller can reload and retry.
func (r *ExecutionRepository) Update(ctx context.Context, execution *models.WorkflowExecution) error {
	query := `
		UPDATE workflow_executions SET
			workflow_id = $2,
			owner_id = $3,
			spec_version_used = $4,
			input_json = $5,
			output_json = $6,
			status = $7,
			engine_execution_id = $8,
			error_message = $9,
			current_step_index = $10,
			idempotency_key = $11,
			row_version = row_version + 1,
			started_at = $12,
			completed_at = $13
		WHERE id = $1 AND row_version = $14
	`

	result, err := r.db.ExecContext(ctx, query,
		execution.ID,
		execution.WorkflowID,
		execution.OwnerID,
		execution.SpecVersionUsed,
		jsonOrNull(execution.InputJSON),
		jsonOrNull(execution.OutputJSON),
		execution.Status,
		execution.EngineExecutionID,
		execution.ErrorMessage,
		execution.CurrentStepIndex,
		execution.IdempotencyKey,
		execution.StartedAt,
		execution.CompletedAt,
		execution.RowVersion,
	)
	if err != nil {
		return persistence.NewExecutionError("Update", execution.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewExecutionError("Update", execution.ID, err)
	}

	if rowsAffected == 0 {
		existing, err := r.GetByID(ctx, execution.ID)
		if err != nil {
			return persistence.NewExecutionError("Update", execution.ID, err)
		}

		if existing == nil {
			return persistence.NewExecutionError("Update", execution.ID, persistence.ErrExecutionNotFound)
		}

		return persistence.NewExecutionError("Update", execution.ID, persistence.ErrVersionConflict)
	}

	execution.RowVersion++

	return nil
}

func (r *ExecutionRepository) queryOne(ctx context.Context, op, query string, args ...any) (*models.WorkflowExecution, error) {
	row := r.db.QueryRowContext(ctx, query, args...)

	execution, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, persistence.NewExecutionError(op, "", err)
	}

	return execution, nil
}

func (r *ExecutionRepository) queryMany(ctx context.Context, op, query string, args ...any) ([]*models.WorkflowExecution, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence.NewExecutionError(op, "", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	executions := make([]*models.WorkflowExecution, 0)

	for rows.Next() {
		execution, err := scanExecution(rows)
		if err != nil {
			return nil, persistence.NewExecutionError(op, "", err)
		}

		executions = append(executions, execution)
	}

	err = rows.Err()
	if err != nil {
		return nil, persistence.NewExecutionError(op, "", err)
	}

	return executions, nil
}

func scanExecution(scanner interface {
	Scan(dest ...any) error
}) (*models.WorkflowExecution, error) {
	var (
		execution             models.WorkflowExecution
		inputJSON, outputJSON sql.NullString
	)

	err := scanner.Scan(
		&execution.ID,
		&execution.WorkflowID,
		&execution.OwnerID,
		&execution.SpecVersionUsed,
		&inputJSON,
		&outputJSON,
		&execution.Status,
		&execution.EngineExecutionID,
		&execution.ErrorMessage,
		&execution.CurrentStepIndex,
		&execution.IdempotencyKey,
		&execution.RowVersion,
		&execution.StartedAt,
		&execution.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	execution.InputJSON = inputJSON.String
	execution.OutputJSON = outputJSON.String

	return &execution, nil
}

func jsonOrNull(value string) any {
	if value == "" {
		return nil
	}

	return value
}
