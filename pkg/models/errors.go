package models

import "errors"

// Aggregate invariant violations. These are returned by the transition
// methods on Workflow and WorkflowExecution, never panicked.
var (
	ErrWorkflowIDRequired     = errors.New("workflow id is required")
	ErrExecutionIDRequired    = errors.New("execution id is required")
	ErrOwnerIDRequired        = errors.New("owner id is required")
	ErrWorkflowNameRequired   = errors.New("workflow name is required")
	ErrWorkflowSpecRequired   = errors.New("workflow spec is required")
	ErrTriggerRequired        = errors.New("workflow trigger is required")
	ErrCronExpressionRequired = errors.New("cron expression is required for scheduled triggers")
	ErrEventNameRequired      = errors.New("event name is required for event-based triggers")

	// ErrWorkflowNotCompiled indicates the workflow has no engine workflow id yet.
	ErrWorkflowNotCompiled = errors.New("workflow is not bound to an engine workflow")

	// ErrWorkflowArchived indicates a transition was attempted on an archived workflow.
	ErrWorkflowArchived = errors.New("workflow is archived")

	ErrWorkflowNotActive = errors.New("workflow is not active")
	ErrWorkflowNotPaused = errors.New("workflow is not paused")

	ErrEngineWorkflowIDRequired  = errors.New("engine workflow id is required")
	ErrEngineExecutionIDRequired = errors.New("engine execution id is required")

	// ErrExecutionFinished indicates a mutation was attempted on a terminal execution.
	ErrExecutionFinished = errors.New("execution already finished")

	ErrExecutionNotRunning         = errors.New("execution is not running")
	ErrExecutionNotWaitingApproval = errors.New("execution is not waiting for approval")
)
