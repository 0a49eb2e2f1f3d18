package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/flowdeck/flowdeck/pkg/models"
	"github.com/flowdeck/flowdeck/pkg/persistence"
)

// ExecutionRepository handles execution-related file operations. One JSON
// file per execution under <root>/executions. Updates enforce the
// RowVersion optimistic concurrency check under the repository lock.
type ExecutionRepository struct {
	root string
	mu   sync.RWMutex
}

// NewExecutionRepository creates a new execution repository.
func NewExecutionRepository(root string) *ExecutionRepository {
	return &ExecutionRepository{root: root}
}

func (er *ExecutionRepository) dir() string {
	return path.Join(er.root, "executions")
}

func (er *ExecutionRepository) filePath(id string) string {
	return path.Join(er.dir(), id+".json")
}

func (er *ExecutionRepository) GetByID(_ context.Context, id string) (*models.WorkflowExecution, error) {
	er.mu.RLock()
	defer er.mu.RUnlock()

	return er.read(id)
}

func (er *ExecutionRepository) read(id string) (*models.WorkflowExecution, error) {
	data, err := os.ReadFile(er.filePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, persistence.NewExecutionError("GetByID", id, err)
	}

	var execution models.WorkflowExecution

	err = json.Unmarshal(data, &execution)
	if err != nil {
		return nil, persistence.NewExecutionError("GetByID", id, fmt.Errorf("failed to unmarshal execution: %w", err))
	}

	return &execution, nil
}

func (er *ExecutionRepository) GetByIDAndOwner(ctx context.Context, id, ownerID string) (*models.WorkflowExecution, error) {
	execution, err := er.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if execution == nil || execution.OwnerID != ownerID {
		return nil, nil
	}

	return execution, nil
}

func (er *ExecutionRepository) GetByIdempotencyKey(_ context.Context, key string) (*models.WorkflowExecution, error) {
	if key == "" {
		return nil, nil
	}

	executions, err := er.all()
	if err != nil {
		return nil, err
	}

	for _, execution := range executions {
		if execution.IdempotencyKey == key {
			return execution, nil
		}
	}

	return nil, nil
}

func (er *ExecutionRepository) GetByWorkflowID(_ context.Context, workflowID string) ([]*models.WorkflowExecution, error) {
	executions, err := er.all()
	if err != nil {
		return nil, err
	}

	result := make([]*models.WorkflowExecution, 0)

	for _, execution := range executions {
		if execution.WorkflowID == workflowID {
			result = append(result, execution)
		}
	}

	sortByStartedAtDesc(result)

	return result, nil
}

func (er *ExecutionRepository) GetByOwner(_ context.Context, ownerID string, limit int) ([]*models.WorkflowExecution, error) {
	executions, err := er.all()
	if err != nil {
		return nil, err
	}

	result := make([]*models.WorkflowExecution, 0)

	for _, execution := range executions {
		if execution.OwnerID == ownerID {
			result = append(result, execution)
		}
	}

	sortByStartedAtDesc(result)

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

func (er *ExecutionRepository) GetPendingApprovals(_ context.Context, ownerID string) ([]*models.WorkflowExecution, error) {
	executions, err := er.all()
	if err != nil {
		return nil, err
	}

	result := make([]*models.WorkflowExecution, 0)

	for _, execution := range executions {
		if execution.OwnerID == ownerID && execution.Status == models.ExecutionStatusWaitingApproval {
			result = append(result, execution)
		}
	}

	sortByStartedAtDesc(result)

	return result, nil
}

func (er *ExecutionRepository) Add(_ context.Context, execution *models.WorkflowExecution) error {
	er.mu.Lock()
	defer er.mu.Unlock()

	if _, err := os.Stat(er.filePath(execution.ID)); err == nil {
		return persistence.NewExecutionError("Add", execution.ID, persistence.ErrExecutionAlreadyExists)
	}

	execution.RowVersion = 1

	return er.write("Add", execution)
}

func (er *ExecutionRepository) Update(_ context.Context, execution *models.WorkflowExecution) error {
	er.mu.Lock()
	defer er.mu.Unlock()

	stored, err := er.read(execution.ID)
	if err != nil {
		return err
	}

	if stored == nil {
		return persistence.NewExecutionError("Update", execution.ID, persistence.ErrExecutionNotFound)
	}

	if stored.RowVersion != execution.RowVersion {
		return persistence.NewExecutionError("Update", execution.ID, persistence.ErrVersionConflict)
	}

	execution.RowVersion++

	return er.write("Update", execution)
}

func (er *ExecutionRepository) write(op string, execution *models.WorkflowExecution) error {
	err := os.MkdirAll(er.dir(), 0o755)
	if err != nil {
		return persistence.NewExecutionError(op, execution.ID, err)
	}

	data, err := json.MarshalIndent(execution, "", "  ")
	if err != nil {
		return persistence.NewExecutionError(op, execution.ID, fmt.Errorf("failed to marshal execution: %w", err))
	}

	err = os.WriteFile(er.filePath(execution.ID), data, 0o644)
	if err != nil {
		return persistence.NewExecutionError(op, execution.ID, err)
	}

	return nil
}

func (er *ExecutionRepository) all() ([]*models.WorkflowExecution, error) {
	er.mu.RLock()
	defer er.mu.RUnlock()

	root := os.DirFS(er.dir())

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list execution files: %w", err)
	}

	executions := make([]*models.WorkflowExecution, 0, len(jsonFiles))

	for _, f := range jsonFiles {
		execution, err := er.read(strings.TrimSuffix(f, ".json"))
		if err != nil {
			return nil, err
		}

		if execution != nil {
			executions = append(executions, execution)
		}
	}

	return executions, nil
}

func sortByStartedAtDesc(executions []*models.WorkflowExecution) {
	sort.Slice(executions, func(i, j int) bool {
		return executions[i].StartedAt.After(executions[j].StartedAt)
	})
}
