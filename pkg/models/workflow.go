// Package models defines the core domain models for the workflow orchestrator.
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowdeck/flowdeck/pkg/events"
)

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"    // Editable, not executable
	WorkflowStatusActive   WorkflowStatus = "active"   // Executable, registered with the engine
	WorkflowStatusPaused   WorkflowStatus = "paused"   // Temporarily disabled
	WorkflowStatusArchived WorkflowStatus = "archived" // Terminal, soft-deleted
)

// Workflow is the aggregate root for a user-defined automation. The
// definition itself is an opaque spec document that is compiled to the
// automation engine's native format for execution. Transitions buffer
// domain events which the caller drains after a successful persist.
type Workflow struct {
	ID               string         `json:"id"`
	OwnerID          string         `json:"owner_id"           validate:"required"`
	Name             string         `json:"name"               validate:"required"`
	Description      string         `json:"description,omitempty"`
	SpecJSON         string         `json:"spec_json"`
	SpecVersion      int            `json:"spec_version"`
	Trigger          *Trigger       `json:"trigger"`
	EngineWorkflowID string         `json:"engine_workflow_id,omitempty"`
	IdempotencyKey   string         `json:"idempotency_key,omitempty"`
	Status           WorkflowStatus `json:"status"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`

	pending []events.Event
}

// NewWorkflow creates a workflow in Draft with spec version 1 and raises
// a WorkflowCreated event.
func NewWorkflow(id, ownerID, name, specJSON string, trigger *Trigger, now time.Time) (*Workflow, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrWorkflowIDRequired
	}

	if strings.TrimSpace(ownerID) == "" {
		return nil, ErrOwnerIDRequired
	}

	if strings.TrimSpace(name) == "" {
		return nil, ErrWorkflowNameRequired
	}

	if strings.TrimSpace(specJSON) == "" {
		return nil, ErrWorkflowSpecRequired
	}

	if trigger == nil {
		return nil, ErrTriggerRequired
	}

	w := &Workflow{
		ID:          id,
		OwnerID:     ownerID,
		Name:        strings.TrimSpace(name),
		SpecJSON:    specJSON,
		SpecVersion: 1,
		Trigger:     trigger,
		Status:      WorkflowStatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	w.raise(events.WorkflowCreated{
		BaseEvent: w.baseEvent(events.WorkflowCreatedEvent, now),
		OwnerID:   ownerID,
		Name:      w.Name,
	})

	return w, nil
}

// UpdateSpec replaces the definition, bumps the spec version and clears
// the engine binding (the workflow needs recompilation).
func (w *Workflow) UpdateSpec(specJSON string, now time.Time) error {
	if strings.TrimSpace(specJSON) == "" {
		return ErrWorkflowSpecRequired
	}

	if w.Status == WorkflowStatusArchived {
		return ErrWorkflowArchived
	}

	w.SpecJSON = specJSON
	w.SpecVersion++
	w.EngineWorkflowID = ""
	w.UpdatedAt = now

	w.raise(events.WorkflowSpecUpdated{
		BaseEvent:   w.baseEvent(events.WorkflowSpecUpdatedEvent, now),
		SpecVersion: w.SpecVersion,
	})

	return nil
}

// UpdateDescription sets the description.
func (w *Workflow) UpdateDescription(description string, now time.Time) {
	w.Description = strings.TrimSpace(description)
	w.UpdatedAt = now
}

// BindEngineWorkflow attaches the engine-assigned workflow id. Used both
// after local compilation and when registration happens out of band.
func (w *Workflow) BindEngineWorkflow(engineWorkflowID string, now time.Time) error {
	if strings.TrimSpace(engineWorkflowID) == "" {
		return ErrEngineWorkflowIDRequired
	}

	w.EngineWorkflowID = engineWorkflowID
	w.UpdatedAt = now

	return nil
}

// Activate transitions to Active. The workflow must already be registered
// with the engine.
func (w *Workflow) Activate(now time.Time) error {
	if w.Status == WorkflowStatusArchived {
		return ErrWorkflowArchived
	}

	if w.EngineWorkflowID == "" {
		return ErrWorkflowNotCompiled
	}

	w.Status = WorkflowStatusActive
	w.UpdatedAt = now

	w.raise(events.WorkflowActivated{BaseEvent: w.baseEvent(events.WorkflowActivatedEvent, now)})

	return nil
}

// Pause transitions an Active workflow to Paused.
func (w *Workflow) Pause(now time.Time) error {
	if w.Status == WorkflowStatusArchived {
		return ErrWorkflowArchived
	}

	if w.Status != WorkflowStatusActive {
		return ErrWorkflowNotActive
	}

	w.Status = WorkflowStatusPaused
	w.UpdatedAt = now

	w.raise(events.WorkflowPaused{BaseEvent: w.baseEvent(events.WorkflowPausedEvent, now)})

	return nil
}

// Resume transitions a Paused workflow back to Active.
func (w *Workflow) Resume(now time.Time) error {
	if w.Status == WorkflowStatusArchived {
		return ErrWorkflowArchived
	}

	if w.Status != WorkflowStatusPaused {
		return ErrWorkflowNotPaused
	}

	w.Status = WorkflowStatusActive
	w.UpdatedAt = now

	w.raise(events.WorkflowResumed{BaseEvent: w.baseEvent(events.WorkflowResumedEvent, now)})

	return nil
}

// Archive transitions to the terminal Archived state. Always succeeds;
// archiving an archived workflow is a no-op.
func (w *Workflow) Archive(now time.Time) {
	if w.Status == WorkflowStatusArchived {
		return
	}

	w.Status = WorkflowStatusArchived
	w.UpdatedAt = now

	w.raise(events.WorkflowArchived{BaseEvent: w.baseEvent(events.WorkflowArchivedEvent, now)})
}

// SetIdempotencyKey records the key used to deduplicate retried creation requests.
func (w *Workflow) SetIdempotencyKey(key string) {
	w.IdempotencyKey = key
}

// PendingEvents returns the buffered domain events raised since the last clear.
func (w *Workflow) PendingEvents() []events.Event {
	return w.pending
}

// ClearPendingEvents drops the buffered events after they were published.
func (w *Workflow) ClearPendingEvents() {
	w.pending = nil
}

func (w *Workflow) raise(event events.Event) {
	w.pending = append(w.pending, event)
}

func (w *Workflow) baseEvent(eventType events.EventType, now time.Time) events.BaseEvent {
	return events.BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  now,
		WorkflowID: w.ID,
	}
}
