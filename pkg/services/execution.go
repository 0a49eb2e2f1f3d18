package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowdeck/flowdeck/pkg/clock"
	"github.com/flowdeck/flowdeck/pkg/engine"
	"github.com/flowdeck/flowdeck/pkg/eventbus"
	"github.com/flowdeck/flowdeck/pkg/events"
	"github.com/flowdeck/flowdeck/pkg/idempotency"
	"github.com/flowdeck/flowdeck/pkg/models"
	"github.com/flowdeck/flowdeck/pkg/persistence"
)

// executionTimeoutSeconds bounds a synchronous run request to the engine.
const executionTimeoutSeconds = 300

// Execution orchestrates workflow runs: starting them, reconciling engine
// callbacks and handling human approvals.
type Execution struct {
	persistence persistence.Persistence
	gateway     engine.Gateway
	publisher   eventbus.EventPublisher
	keys        idempotency.Store
	clock       clock.Clock
	logger      *slog.Logger
}

// NewExecution creates a new execution service. keys guards callback
// registration against concurrent duplicates; nil disables the guard and
// leaves only the repository lookup.
func NewExecution(
	persistence persistence.Persistence,
	gateway engine.Gateway,
	publisher eventbus.EventPublisher,
	keys idempotency.Store,
	clk clock.Clock,
	logger *slog.Logger,
) *Execution {
	return &Execution{
		persistence: persistence,
		gateway:     gateway,
		publisher:   publisher,
		keys:        keys,
		clock:       clk,
		logger:      logger,
	}
}

// ExecuteRequest starts a run of an owned workflow.
type ExecuteRequest struct {
	WorkflowID string
	OwnerID    string
	InputJSON  string
}

// ExecuteResult reports the run outcome as far as it is known when the
// call returns. Asynchronous runs come back Running.
type ExecuteResult struct {
	ExecutionID string                 `json:"execution_id"`
	Status      models.ExecutionStatus `json:"status"`
	OutputJSON  string                 `json:"output_json,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// Execute starts a run of an Active workflow. The execution record is
// persisted before the engine is invoked, so a crash mid-call leaves a
// Pending record the callbacks can still reconcile against.
func (s *Execution) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	if strings.TrimSpace(req.WorkflowID) == "" {
		return nil, ErrEmptyWorkflowID
	}

	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, ErrEmptyOwnerID
	}

	workflow, err := s.persistence.WorkflowRepository().GetByIDAndOwner(ctx, req.WorkflowID, req.OwnerID)
	if err != nil {
		return nil, err
	}

	if workflow == nil {
		return nil, ErrWorkflowNotFound
	}

	if workflow.Status != models.WorkflowStatusActive {
		return nil, NewServiceError("Execute", "WORKFLOW_NOT_ACTIVE",
			fmt.Sprintf("workflow is %s, only active workflows can run", workflow.Status), ErrWorkflowNotActive)
	}

	if workflow.EngineWorkflowID == "" {
		return nil, ErrWorkflowNotCompiled
	}

	now := s.clock.Now()

	execution, err := models.StartExecution(uuid.New().String(), workflow.ID, req.OwnerID, workflow.SpecVersion, req.InputJSON, now)
	if err != nil {
		return nil, err
	}

	execution.SetIdempotencyKey(execution.ID)

	err = s.persistence.ExecutionRepository().Add(ctx, execution)
	if err != nil {
		return nil, fmt.Errorf("failed to persist execution: %w", err)
	}

	s.publishEvents(ctx, execution.WorkflowID, execution.PendingEvents())
	execution.ClearPendingEvents()

	s.logger.InfoContext(ctx, "starting workflow execution",
		"execution_id", execution.ID, "workflow_id", workflow.ID)

	runResult, err := s.gateway.RunWorkflow(ctx, engine.RunRequest{
		WorkflowID:        workflow.EngineWorkflowID,
		InputJSON:         req.InputJSON,
		OwnerID:           req.OwnerID,
		RequestedBy:       req.OwnerID,
		WaitForCompletion: true,
		TimeoutSeconds:    executionTimeoutSeconds,
		IdempotencyKey:    execution.ID,
	})
	if err != nil {
		s.failExecution(ctx, execution, "engine call failed: "+err.Error())

		return nil, fmt.Errorf("failed to run workflow in engine: %w", err)
	}

	if !runResult.Success {
		s.failExecution(ctx, execution, runResult.ErrorMessage)

		return &ExecuteResult{
			ExecutionID: execution.ID,
			Status:      models.ExecutionStatusFailed,
			Error:       runResult.ErrorMessage,
		}, nil
	}

	return s.applyRunResult(ctx, execution, runResult)
}

// applyRunResult folds the engine's synchronous answer into the stored
// record. Callback reconciliation may already have advanced the row while
// we waited, so a version conflict means the callbacks won and our view
// is stale; the reloaded row is the truth.
func (s *Execution) applyRunResult(ctx context.Context, execution *models.WorkflowExecution, runResult *engine.RunResult) (*ExecuteResult, error) {
	execution.SetEngineExecutionID(runResult.ExecutionID)

	status := MapExecutionStatus(runResult.Status)

	now := s.clock.Now()

	var err error

	switch status {
	case models.ExecutionStatusCompleted:
		err = execution.Complete(runResult.Result, s.finishedAtOrNow(runResult.FinishedAt))
	case models.ExecutionStatusFailed:
		err = execution.Fail(runResult.Error, s.finishedAtOrNow(runResult.FinishedAt))
	case models.ExecutionStatusWaitingApproval:
		if execution.Status == models.ExecutionStatusPending {
			err = execution.SetStatus(models.ExecutionStatusRunning)
		}

		if err == nil {
			err = execution.RequestApproval(execution.CurrentStepIndex, now)
		}
	default:
		err = execution.SetStatus(status)
	}

	if err != nil {
		return nil, err
	}

	err = s.persistence.ExecutionRepository().Update(ctx, execution)
	if err != nil {
		if !persistence.IsVersionConflict(err) {
			return nil, fmt.Errorf("failed to persist execution: %w", err)
		}

		reloaded, loadErr := s.persistence.ExecutionRepository().GetByID(ctx, execution.ID)
		if loadErr != nil || reloaded == nil {
			return nil, fmt.Errorf("failed to persist execution: %w", err)
		}

		s.logger.InfoContext(ctx, "execution advanced by callbacks during run", "execution_id", execution.ID)
		execution = reloaded
	} else {
		s.publishEvents(ctx, execution.WorkflowID, execution.PendingEvents())
		execution.ClearPendingEvents()
	}

	return &ExecuteResult{
		ExecutionID: execution.ID,
		Status:      execution.Status,
		OutputJSON:  execution.OutputJSON,
		Error:       execution.ErrorMessage,
	}, nil
}

// failExecution records a failed run. Persist errors are logged, not
// returned; the caller already has a more important error to report.
func (s *Execution) failExecution(ctx context.Context, execution *models.WorkflowExecution, errorMessage string) {
	err := execution.Fail(errorMessage, s.clock.Now())
	if err != nil {
		return
	}

	err = s.persistence.ExecutionRepository().Update(ctx, execution)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to persist failed execution",
			"execution_id", execution.ID, "error", err)

		return
	}

	s.publishEvents(ctx, execution.WorkflowID, execution.PendingEvents())
	execution.ClearPendingEvents()
}

// ApproveStep resumes an execution waiting on a human approval. Only the
// owner may approve.
func (s *Execution) ApproveStep(ctx context.Context, executionID, ownerID string) error {
	if strings.TrimSpace(executionID) == "" {
		return ErrEmptyExecutionID
	}

	execution, err := s.persistence.ExecutionRepository().GetByID(ctx, executionID)
	if err != nil {
		return err
	}

	if execution == nil {
		return ErrExecutionNotFound
	}

	if execution.OwnerID != ownerID {
		return ErrNotExecutionOwner
	}

	if execution.Status != models.ExecutionStatusWaitingApproval {
		return ErrNotWaitingApproval
	}

	if execution.EngineExecutionID != "" {
		err = s.gateway.ResumeExecution(ctx, execution.EngineExecutionID)
		if err != nil {
			return fmt.Errorf("failed to resume execution in engine: %w", err)
		}
	}

	err = execution.ApproveStep(ownerID, s.clock.Now())
	if err != nil {
		return err
	}

	err = s.persistence.ExecutionRepository().Update(ctx, execution)
	if err != nil {
		return fmt.Errorf("failed to persist execution: %w", err)
	}

	s.publishEvents(ctx, execution.WorkflowID, execution.PendingEvents())
	execution.ClearPendingEvents()

	s.logger.InfoContext(ctx, "execution step approved",
		"execution_id", execution.ID, "step_index", execution.CurrentStepIndex)

	return nil
}

// RegisterRunRequest is the engine's callback announcing a run it started.
type RegisterRunRequest struct {
	WorkflowID       string
	EngineWorkflowID string
	OwnerID          string
	InputJSON        string
	Status           string
	EngineRunID      string
	StartedAt        string
	IdempotencyKey   string
}

// RegisterRun records a run the engine originated, typically from a
// schedule or webhook trigger. Idempotent: a retried callback with the
// same key returns the execution already registered for it. A missing
// parent workflow is tolerated so history survives out-of-band deletions.
func (s *Execution) RegisterRun(ctx context.Context, req RegisterRunRequest) (executionID string, err error) {
	claimed := false

	defer func() {
		if claimed && err != nil {
			s.releaseRunKey(ctx, req.IdempotencyKey)
		}
	}()

	if req.IdempotencyKey != "" {
		existing, err := s.persistence.ExecutionRepository().GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return "", err
		}

		if existing != nil {
			s.logger.InfoContext(ctx, "run already registered for idempotency key",
				"key", req.IdempotencyKey, "execution_id", existing.ID)

			return existing.ID, nil
		}

		claimed, err = s.claimRunKey(ctx, req.IdempotencyKey)
		if err != nil {
			return "", err
		}
	}

	if strings.TrimSpace(req.WorkflowID) == "" {
		return "", ErrEmptyWorkflowID
	}

	if strings.TrimSpace(req.OwnerID) == "" {
		return "", ErrEmptyOwnerID
	}

	specVersion := 1
	workflowID := req.WorkflowID

	workflow, err := s.persistence.WorkflowRepository().GetByID(ctx, req.WorkflowID)
	if err != nil {
		return "", err
	}

	// The scheduler side of the engine only knows its own workflow id;
	// resolve the local parent through the binding when the direct
	// lookup misses.
	if workflow == nil && req.EngineWorkflowID != "" {
		workflow, err = s.persistence.WorkflowRepository().GetByEngineWorkflowID(ctx, req.EngineWorkflowID)
		if err != nil {
			return "", err
		}
	}

	if workflow != nil {
		workflowID = workflow.ID
		specVersion = workflow.SpecVersion
	} else {
		s.logger.WarnContext(ctx, "registering run for unknown workflow", "workflow_id", req.WorkflowID)
	}

	startedAt := s.clock.Now()

	if req.StartedAt != "" {
		parsed, parseErr := time.Parse(time.RFC3339, req.StartedAt)
		if parseErr == nil {
			startedAt = parsed
		}
	}

	execution, err := models.RegisterExecution(uuid.New().String(), workflowID, req.OwnerID, specVersion, req.InputJSON, startedAt)
	if err != nil {
		return "", err
	}

	execution.SetIdempotencyKey(req.IdempotencyKey)
	execution.SetEngineExecutionID(req.EngineRunID)

	if req.Status != "" {
		status := MapExecutionStatus(req.Status)
		if !status.IsTerminal() {
			_ = execution.SetStatus(status)
		}
	}

	err = s.persistence.ExecutionRepository().Add(ctx, execution)
	if err != nil {
		return "", fmt.Errorf("failed to persist execution: %w", err)
	}

	s.logger.InfoContext(ctx, "registered engine-originated run",
		"execution_id", execution.ID, "workflow_id", workflowID)

	return execution.ID, nil
}

// claimRunKey reserves the callback key so concurrent duplicate
// registrations race on one atomic claim instead of the repository read.
// A store failure degrades to the repository lookup alone.
func (s *Execution) claimRunKey(ctx context.Context, key string) (bool, error) {
	if s.keys == nil {
		return false, nil
	}

	claimed, err := s.keys.Claim(ctx, "run:"+key, idempotency.DefaultTTL)
	if err != nil {
		s.logger.WarnContext(ctx, "idempotency claim failed, relying on repository lookup",
			"key", key, "error", err)

		return false, nil
	}

	if !claimed {
		return false, NewServiceError("RegisterRun", "REGISTRATION_IN_FLIGHT",
			"a run with this idempotency key is already being registered", ErrRunRegistrationInFlight)
	}

	return true, nil
}

func (s *Execution) releaseRunKey(ctx context.Context, key string) {
	if s.keys == nil {
		return
	}

	err := s.keys.Release(ctx, "run:"+key)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to release idempotency key", "key", key, "error", err)
	}
}

// UpdateRunRequest is the engine's callback reporting run progress.
type UpdateRunRequest struct {
	ExecutionID    string
	IdempotencyKey string
	EngineRunID    string
	Status         string
	ResultJSON     string
	ErrorMessage   string
	StepIndex      *int
	FinishedAt     string
}

// UpdateRun reconciles a progress callback into the stored run. The run
// is located by execution id first, then by idempotency key. Returns
// false when no matching run exists; the engine treats that as a stale
// callback, not an error. A callback arriving after the run reached a
// terminal state is acknowledged without effect.
func (s *Execution) UpdateRun(ctx context.Context, req UpdateRunRequest) (bool, error) {
	execution, err := s.locateRun(ctx, req)
	if err != nil {
		return false, err
	}

	if execution == nil {
		s.logger.WarnContext(ctx, "no run found for update callback",
			"execution_id", req.ExecutionID, "key", req.IdempotencyKey)

		return false, nil
	}

	execution.SetEngineExecutionID(req.EngineRunID)

	if req.StepIndex != nil {
		execution.UpdateCurrentStep(*req.StepIndex)
	}

	status := MapExecutionStatus(req.Status)

	now := s.clock.Now()

	switch status {
	case models.ExecutionStatusCompleted:
		err = execution.Complete(req.ResultJSON, s.finishedAtOrNow(req.FinishedAt))
	case models.ExecutionStatusFailed:
		err = execution.Fail(req.ErrorMessage, s.finishedAtOrNow(req.FinishedAt))
	case models.ExecutionStatusCancelled:
		err = execution.Cancel(s.finishedAtOrNow(req.FinishedAt))
	case models.ExecutionStatusWaitingApproval:
		if execution.Status == models.ExecutionStatusPending {
			err = execution.SetStatus(models.ExecutionStatusRunning)
		}

		if err == nil {
			err = execution.RequestApproval(execution.CurrentStepIndex, now)
		}
	default:
		err = execution.SetStatus(status)
	}

	if err != nil {
		if execution.Status.IsTerminal() {
			// Redelivered callback for a finished run. Acknowledge so
			// the engine stops retrying.
			return true, nil
		}

		return false, err
	}

	err = s.persistence.ExecutionRepository().Update(ctx, execution)
	if err != nil {
		return false, fmt.Errorf("failed to persist execution: %w", err)
	}

	s.publishEvents(ctx, execution.WorkflowID, execution.PendingEvents())
	execution.ClearPendingEvents()

	s.logger.InfoContext(ctx, "run updated from engine callback",
		"execution_id", execution.ID, "status", execution.Status)

	return true, nil
}

func (s *Execution) locateRun(ctx context.Context, req UpdateRunRequest) (*models.WorkflowExecution, error) {
	if req.ExecutionID != "" {
		execution, err := s.persistence.ExecutionRepository().GetByID(ctx, req.ExecutionID)
		if err != nil {
			return nil, err
		}

		if execution != nil {
			return execution, nil
		}
	}

	if req.IdempotencyKey != "" {
		return s.persistence.ExecutionRepository().GetByIdempotencyKey(ctx, req.IdempotencyKey)
	}

	return nil, nil
}

// RunIdempotencyResult describes a previously registered run located by
// its idempotency key.
type RunIdempotencyResult struct {
	Exists            bool
	ExecutionID       string
	EngineExecutionID string
	Status            models.ExecutionStatus
	OutputJSON        string
}

// CheckRunIdempotency reports whether a run was already registered under
// the given key, together with its stored identity and outcome.
func (s *Execution) CheckRunIdempotency(ctx context.Context, key string) (*RunIdempotencyResult, error) {
	if strings.TrimSpace(key) == "" {
		return nil, NewServiceError("CheckRunIdempotency", "INVALID_REQUEST", "idempotency key is required", ErrInvalidRequest)
	}

	execution, err := s.persistence.ExecutionRepository().GetByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}

	if execution == nil {
		return &RunIdempotencyResult{}, nil
	}

	return &RunIdempotencyResult{
		Exists:            true,
		ExecutionID:       execution.ID,
		EngineExecutionID: execution.EngineExecutionID,
		Status:            execution.Status,
		OutputJSON:        execution.OutputJSON,
	}, nil
}

// ExecutionSummary is a run row enriched with its workflow's name for
// listing endpoints.
type ExecutionSummary struct {
	Execution    *models.WorkflowExecution `json:"execution"`
	WorkflowName string                    `json:"workflow_name"`
}

// ListExecutions lists runs. With a workflow id it returns that
// workflow's runs (ownership checked); without one it returns the
// owner's recent runs across workflows, bounded by limit.
func (s *Execution) ListExecutions(ctx context.Context, ownerID, workflowID string, limit int) ([]ExecutionSummary, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, ErrEmptyOwnerID
	}

	var (
		executions []*models.WorkflowExecution
		err        error
	)

	if workflowID != "" {
		workflow, loadErr := s.persistence.WorkflowRepository().GetByIDAndOwner(ctx, workflowID, ownerID)
		if loadErr != nil {
			return nil, loadErr
		}

		if workflow == nil {
			return nil, ErrWorkflowNotFound
		}

		executions, err = s.persistence.ExecutionRepository().GetByWorkflowID(ctx, workflowID)
	} else {
		executions, err = s.persistence.ExecutionRepository().GetByOwner(ctx, ownerID, limit)
	}

	if err != nil {
		return nil, err
	}

	return s.summarize(ctx, executions)
}

// ListPendingApprovals returns the owner's runs waiting for approval.
func (s *Execution) ListPendingApprovals(ctx context.Context, ownerID string) ([]ExecutionSummary, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, ErrEmptyOwnerID
	}

	executions, err := s.persistence.ExecutionRepository().GetPendingApprovals(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	return s.summarize(ctx, executions)
}

// GetExecution fetches an owned run.
func (s *Execution) GetExecution(ctx context.Context, executionID, ownerID string) (*models.WorkflowExecution, error) {
	if strings.TrimSpace(executionID) == "" {
		return nil, ErrEmptyExecutionID
	}

	execution, err := s.persistence.ExecutionRepository().GetByIDAndOwner(ctx, executionID, ownerID)
	if err != nil {
		return nil, err
	}

	if execution == nil {
		return nil, ErrExecutionNotFound
	}

	return execution, nil
}

// summarize joins workflow names onto execution rows, caching lookups
// per workflow within the call.
func (s *Execution) summarize(ctx context.Context, executions []*models.WorkflowExecution) ([]ExecutionSummary, error) {
	names := make(map[string]string)
	summaries := make([]ExecutionSummary, 0, len(executions))

	for _, execution := range executions {
		name, ok := names[execution.WorkflowID]
		if !ok {
			workflow, err := s.persistence.WorkflowRepository().GetByID(ctx, execution.WorkflowID)
			if err != nil {
				return nil, err
			}

			if workflow != nil {
				name = workflow.Name
			}

			names[execution.WorkflowID] = name
		}

		summaries = append(summaries, ExecutionSummary{Execution: execution, WorkflowName: name})
	}

	return summaries, nil
}

func (s *Execution) finishedAtOrNow(finishedAt string) time.Time {
	if finishedAt != "" {
		parsed, err := time.Parse(time.RFC3339, finishedAt)
		if err == nil {
			return parsed
		}
	}

	return s.clock.Now()
}

func (s *Execution) publishEvents(ctx context.Context, key string, pending []events.Event) {
	if s.publisher == nil {
		return
	}

	for _, event := range pending {
		err := s.publisher.Publish(ctx, key, event)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to publish event", "event_type", event.GetType(), "error", err)
		}
	}
}
