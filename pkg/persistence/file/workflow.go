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

// WorkflowRepository handles workflow-related file operations. One JSON
// file per workflow under <root>/workflows.
type WorkflowRepository struct {
	root string
	mu   sync.RWMutex
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(root string) *WorkflowRepository {
	return &WorkflowRepository{root: root}
}

func (wr *WorkflowRepository) dir() string {
	return path.Join(wr.root, "workflows")
}

func (wr *WorkflowRepository) filePath(id string) string {
	return path.Join(wr.dir(), id+".json")
}

func (wr *WorkflowRepository) GetByID(_ context.Context, id string) (*models.Workflow, error) {
	wr.mu.RLock()
	defer wr.mu.RUnlock()

	return wr.read(id)
}

func (wr *WorkflowRepository) read(id string) (*models.Workflow, error) {
	data, err := os.ReadFile(wr.filePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, persistence.NewWorkflowError("GetByID", id, err)
	}

	var workflow models.Workflow

	err = json.Unmarshal(data, &workflow)
	if err != nil {
		return nil, persistence.NewWorkflowError("GetByID", id, fmt.Errorf("failed to unmarshal workflow: %w", err))
	}

	return &workflow, nil
}

func (wr *WorkflowRepository) GetByIDAndOwner(ctx context.Context, id, ownerID string) (*models.Workflow, error) {
	workflow, err := wr.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if workflow == nil || workflow.OwnerID != ownerID {
		return nil, nil
	}

	return workflow, nil
}

func (wr *WorkflowRepository) GetByEngineWorkflowID(ctx context.Context, engineWorkflowID string) (*models.Workflow, error) {
	if engineWorkflowID == "" {
		return nil, nil
	}

	workflows, err := wr.all()
	if err != nil {
		return nil, err
	}

	for _, workflow := range workflows {
		if workflow.EngineWorkflowID == engineWorkflowID {
			return workflow, nil
		}
	}

	return nil, nil
}

func (wr *WorkflowRepository) GetByIdempotencyKey(ctx context.Context, key string) (*models.Workflow, error) {
	if key == "" {
		return nil, nil
	}

	workflows, err := wr.all()
	if err != nil {
		return nil, err
	}

	for _, workflow := range workflows {
		if workflow.IdempotencyKey == key {
			return workflow, nil
		}
	}

	return nil, nil
}

func (wr *WorkflowRepository) GetByOwner(_ context.Context, ownerID string) ([]*models.Workflow, error) {
	workflows, err := wr.all()
	if err != nil {
		return nil, err
	}

	result := make([]*models.Workflow, 0)

	for _, workflow := range workflows {
		if workflow.OwnerID == ownerID && workflow.Status != models.WorkflowStatusArchived {
			result = append(result, workflow)
		}
	}

	sortByUpdatedAtDesc(result)

	return result, nil
}

func (wr *WorkflowRepository) GetByOwnerAndStatus(_ context.Context, ownerID string, status models.WorkflowStatus) ([]*models.Workflow, error) {
	workflows, err := wr.all()
	if err != nil {
		return nil, err
	}

	result := make([]*models.Workflow, 0)

	for _, workflow := range workflows {
		if workflow.OwnerID == ownerID && workflow.Status == status {
			result = append(result, workflow)
		}
	}

	sortByUpdatedAtDesc(result)

	return result, nil
}

func (wr *WorkflowRepository) ExistsByNameAndOwner(_ context.Context, name, ownerID string) (bool, error) {
	workflows, err := wr.all()
	if err != nil {
		return false, err
	}

	for _, workflow := range workflows {
		if workflow.OwnerID == ownerID && workflow.Status != models.WorkflowStatusArchived &&
			strings.EqualFold(workflow.Name, name) {
			return true, nil
		}
	}

	return false, nil
}

func (wr *WorkflowRepository) Add(_ context.Context, workflow *models.Workflow) error {
	wr.mu.Lock()
	defer wr.mu.Unlock()

	if _, err := os.Stat(wr.filePath(workflow.ID)); err == nil {
		return persistence.NewWorkflowError("Add", workflow.ID, persistence.ErrWorkflowAlreadyExists)
	}

	return wr.write("Add", workflow)
}

func (wr *WorkflowRepository) Update(_ context.Context, workflow *models.Workflow) error {
	wr.mu.Lock()
	defer wr.mu.Unlock()

	if _, err := os.Stat(wr.filePath(workflow.ID)); os.IsNotExist(err) {
		return persistence.NewWorkflowError("Update", workflow.ID, persistence.ErrWorkflowNotFound)
	}

	return wr.write("Update", workflow)
}

func (wr *WorkflowRepository) write(op string, workflow *models.Workflow) error {
	err := os.MkdirAll(wr.dir(), 0o755)
	if err != nil {
		return persistence.NewWorkflowError(op, workflow.ID, err)
	}

	data, err := json.MarshalIndent(workflow, "", "  ")
	if err != nil {
		return persistence.NewWorkflowError(op, workflow.ID, fmt.Errorf("failed to marshal workflow: %w", err))
	}

	err = os.WriteFile(wr.filePath(workflow.ID), data, 0o644)
	if err != nil {
		return persistence.NewWorkflowError(op, workflow.ID, err)
	}

	return nil
}

func (wr *WorkflowRepository) all() ([]*models.Workflow, error) {
	wr.mu.RLock()
	defer wr.mu.RUnlock()

	root := os.DirFS(wr.dir())

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow files: %w", err)
	}

	workflows := make([]*models.Workflow, 0, len(jsonFiles))

	for _, f := range jsonFiles {
		workflow, err := wr.read(strings.TrimSuffix(f, ".json"))
		if err != nil {
			return nil, err
		}

		if workflow != nil {
			workflows = append(workflows, workflow)
		}
	}

	return workflows, nil
}

func sortByUpdatedAtDesc(workflows []*models.Workflow) {
	sort.Slice(workflows, func(i, j int) bool {
		return workflows[i].UpdatedAt.After(workflows[j].UpdatedAt)
	})
}
