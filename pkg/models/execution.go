package models

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowdeck/flowdeck/pkg/events"
)

// ExecutionStatus represents the lifecycle state of a single workflow run.
type ExecutionStatus string

const (
	ExecutionStatusPending         ExecutionStatus = "pending"
	ExecutionStatusRunning         ExecutionStatus = "running"
	ExecutionStatusWaitingApproval ExecutionStatus = "waiting_approval"
	ExecutionStatusCompleted       ExecutionStatus = "completed"
	ExecutionStatusFailed          ExecutionStatus = "failed"
	ExecutionStatusCancelled       ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further status mutation is permitted.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}

// WorkflowExecution is the aggregate root for one run of a workflow. The
// spec version pins the run to the definition snapshot in effect when it
// started. RowVersion is an optimistic concurrency token checked by the
// repositories on update, so racing engine callbacks cannot silently
// overwrite each other.
type WorkflowExecution struct {
	ID                string          `json:"id"`
	WorkflowID        string          `json:"workflow_id"`
	OwnerID           string          `json:"owner_id"`
	SpecVersionUsed   int             `json:"spec_version_used"`
	InputJSON         string          `json:"input_json,omitempty"`
	OutputJSON        string          `json:"output_json,omitempty"`
	Status            ExecutionStatus `json:"status"`
	EngineExecutionID string          `json:"engine_execution_id,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	CurrentStepIndex  int             `json:"current_step_index"`
	IdempotencyKey    string          `json:"idempotency_key,omitempty"`
	RowVersion        int64           `json:"row_version"`
	StartedAt         time.Time       `json:"started_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`

	pending []events.Event
}

// StartExecution creates a Pending execution and raises ExecutionStarted.
func StartExecution(id, workflowID, ownerID string, specVersion int, inputJSON string, now time.Time) (*WorkflowExecution, error) {
	e, err := newExecution(id, workflowID, ownerID, specVersion, inputJSON, ExecutionStatusPending, now)
	if err != nil {
		return nil, err
	}

	e.raise(events.ExecutionStarted{
		BaseEvent:   e.baseEvent(events.ExecutionStartedEvent, now),
		ExecutionID: e.ID,
	})

	return e, nil
}

// RegisterExecution creates a Running execution for a run originated by
// the external engine, with an explicit start time. No event is raised;
// the engine already owns the run.
func RegisterExecution(id, workflowID, ownerID string, specVersion int, inputJSON string, startedAt time.Time) (*WorkflowExecution, error) {
	return newExecution(id, workflowID, ownerID, specVersion, inputJSON, ExecutionStatusRunning, startedAt)
}

func newExecution(id, workflowID, ownerID string, specVersion int, inputJSON string, status ExecutionStatus, startedAt time.Time) (*WorkflowExecution, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrExecutionIDRequired
	}

	if strings.TrimSpace(workflowID) == "" {
		return nil, ErrWorkflowIDRequired
	}

	if strings.TrimSpace(ownerID) == "" {
		return nil, ErrOwnerIDRequired
	}

	return &WorkflowExecution{
		ID:              id,
		WorkflowID:      workflowID,
		OwnerID:         ownerID,
		SpecVersionUsed: specVersion,
		InputJSON:       inputJSON,
		Status:          status,
		StartedAt:       startedAt,
	}, nil
}

// MarkRunning records acceptance by the engine.
func (e *WorkflowExecution) MarkRunning(engineExecutionID string) error {
	if strings.TrimSpace(engineExecutionID) == "" {
		return ErrEngineExecutionIDRequired
	}

	if e.Status.IsTerminal() {
		return ErrExecutionFinished
	}

	e.EngineExecutionID = engineExecutionID
	e.Status = ExecutionStatusRunning

	return nil
}

// SetEngineExecutionID attaches the engine-assigned execution id without
// touching the status. Used by callback reconciliation.
func (e *WorkflowExecution) SetEngineExecutionID(engineExecutionID string) {
	if engineExecutionID != "" {
		e.EngineExecutionID = engineExecutionID
	}
}

// SetIdempotencyKey records the key used to deduplicate retried run requests.
func (e *WorkflowExecution) SetIdempotencyKey(key string) {
	e.IdempotencyKey = key
}

// UpdateCurrentStep records the step the engine is currently on.
func (e *WorkflowExecution) UpdateCurrentStep(stepIndex int) {
	e.CurrentStepIndex = stepIndex
}

// RequestApproval pauses the run on a step that needs the owner's sign-off.
// Only a Running execution can start waiting for approval.
func (e *WorkflowExecution) RequestApproval(stepIndex int, now time.Time) error {
	if e.Status.IsTerminal() {
		return ErrExecutionFinished
	}

	if e.Status != ExecutionStatusRunning {
		return ErrExecutionNotRunning
	}

	e.Status = ExecutionStatusWaitingApproval
	e.CurrentStepIndex = stepIndex

	e.raise(events.ExecutionApprovalRequired{
		BaseEvent:   e.baseEvent(events.ExecutionApprovalRequiredEvent, now),
		ExecutionID: e.ID,
		StepIndex:   stepIndex,
	})

	return nil
}

// ApproveStep resumes a run that is waiting for approval.
func (e *WorkflowExecution) ApproveStep(approvedBy string, now time.Time) error {
	if e.Status != ExecutionStatusWaitingApproval {
		return ErrExecutionNotWaitingApproval
	}

	e.Status = ExecutionStatusRunning

	e.raise(events.ExecutionStepApproved{
		BaseEvent:   e.baseEvent(events.ExecutionStepApprovedEvent, now),
		ExecutionID: e.ID,
		StepIndex:   e.CurrentStepIndex,
		ApprovedBy:  approvedBy,
	})

	return nil
}

// Complete marks the run successful with its output document.
func (e *WorkflowExecution) Complete(outputJSON string, completedAt time.Time) error {
	if e.Status.IsTerminal() {
		return ErrExecutionFinished
	}

	e.Status = ExecutionStatusCompleted
	e.OutputJSON = outputJSON
	e.CompletedAt = &completedAt

	e.raise(events.ExecutionCompleted{
		BaseEvent:   e.baseEvent(events.ExecutionCompletedEvent, completedAt),
		ExecutionID: e.ID,
	})

	return nil
}

// Fail marks the run failed with an error message.
func (e *WorkflowExecution) Fail(errorMessage string, completedAt time.Time) error {
	if e.Status.IsTerminal() {
		return ErrExecutionFinished
	}

	if strings.TrimSpace(errorMessage) == "" {
		errorMessage = "Unknown error"
	}

	e.Status = ExecutionStatusFailed
	e.ErrorMessage = errorMessage
	e.CompletedAt = &completedAt

	e.raise(events.ExecutionFailed{
		BaseEvent:   e.baseEvent(events.ExecutionFailedEvent, completedAt),
		ExecutionID: e.ID,
		Error:       errorMessage,
	})

	return nil
}

// Cancel aborts a non-terminal run.
func (e *WorkflowExecution) Cancel(now time.Time) error {
	if e.Status.IsTerminal() {
		return ErrExecutionFinished
	}

	e.Status = ExecutionStatusCancelled
	e.CompletedAt = &now

	return nil
}

// SetStatus applies a non-terminal status reported by the engine without
// the dedicated transition bookkeeping. Terminal targets must go through
// Complete, Fail or Cancel.
func (e *WorkflowExecution) SetStatus(status ExecutionStatus) error {
	if e.Status.IsTerminal() {
		return ErrExecutionFinished
	}

	e.Status = status

	return nil
}

// PendingEvents returns the buffered domain events raised since the last clear.
func (e *WorkflowExecution) PendingEvents() []events.Event {
	return e.pending
}

// ClearPendingEvents drops the buffered events after they were published.
func (e *WorkflowExecution) ClearPendingEvents() {
	e.pending = nil
}

func (e *WorkflowExecution) raise(event events.Event) {
	e.pending = append(e.pending, event)
}

func (e *WorkflowExecution) baseEvent(eventType events.EventType, now time.Time) events.BaseEvent {
	return events.BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  now,
		WorkflowID: e.WorkflowID,
	}
}
