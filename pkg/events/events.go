// Package events defines event types and structures for workflow lifecycle notifications.
package events

import (
	"time"
)

type EventType string

// Kafka topic for workflow lifecycle events.
const Topic = "flowdeck.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Workflow lifecycle events.
	WorkflowCreatedEvent     EventType = "workflow.created"
	WorkflowSpecUpdatedEvent EventType = "workflow.spec.updated"
	WorkflowActivatedEvent   EventType = "workflow.activated"
	WorkflowPausedEvent      EventType = "workflow.paused"
	WorkflowResumedEvent     EventType = "workflow.resumed"
	WorkflowArchivedEvent    EventType = "workflow.archived"

	// Execution lifecycle events.
	ExecutionStartedEvent          EventType = "execution.started"
	ExecutionCompletedEvent        EventType = "execution.completed"
	ExecutionFailedEvent           EventType = "execution.failed"
	ExecutionApprovalRequiredEvent EventType = "execution.approval.required"
	ExecutionStepApprovedEvent     EventType = "execution.step.approved"
)

// Event is implemented by every domain event raised by the aggregates.
type Event interface {
	GetType() EventType
}

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	WorkflowID string         `json:"workflow_id"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type WorkflowCreated struct {
	BaseEvent

	OwnerID string `json:"owner_id"`
	Name    string `json:"name"`
}

func (e WorkflowCreated) GetType() EventType {
	return WorkflowCreatedEvent
}

type WorkflowSpecUpdated struct {
	BaseEvent

	SpecVersion int `json:"spec_version"`
}

func (e WorkflowSpecUpdated) GetType() EventType {
	return WorkflowSpecUpdatedEvent
}

type WorkflowActivated struct {
	BaseEvent
}

func (e WorkflowActivated) GetType() EventType {
	return WorkflowActivatedEvent
}

type WorkflowPaused struct {
	BaseEvent
}

func (e WorkflowPaused) GetType() EventType {
	return WorkflowPausedEvent
}

type WorkflowResumed struct {
	BaseEvent
}

func (e WorkflowResumed) GetType() EventType {
	return WorkflowResumedEvent
}

type WorkflowArchived struct {
	BaseEvent
}

func (e WorkflowArchived) GetType() EventType {
	return WorkflowArchivedEvent
}

// Execution lifecycle events

type ExecutionStarted struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
}

func (e ExecutionStarted) GetType() EventType {
	return ExecutionStartedEvent
}

type ExecutionCompleted struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

type ExecutionFailed struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	Error       string `json:"error"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

type ExecutionApprovalRequired struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	StepIndex   int    `json:"step_index"`
}

func (e ExecutionApprovalRequired) GetType() EventType {
	return ExecutionApprovalRequiredEvent
}

type ExecutionStepApproved struct {
	BaseEvent

	ExecutionID string `json:"execution_id"`
	StepIndex   int    `json:"step_index"`
	ApprovedBy  string `json:"approved_by"`
}

func (e ExecutionStepApproved) GetType() EventType {
	return ExecutionStepApprovedEvent
}
