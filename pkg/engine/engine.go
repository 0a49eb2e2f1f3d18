// Package engine defines the contract with the external automation engine
// that registers and runs compiled workflows.
package engine

import "context"

// BuildRequest asks the engine's flow builder to validate, compile and
// register a workflow from a spec document in one call.
type BuildRequest struct {
	SpecJSON       string
	OwnerID        string
	RequestedBy    string
	IdempotencyKey string
}

// BuildResult is the flow builder's outcome. A failed build is reported
// through Success and ErrorMessage, not through an error return.
type BuildResult struct {
	Success      bool
	WorkflowID   string
	SpecID       string
	SpecVersion  int
	Warnings     []string
	ErrorMessage string
}

// CreateResult reports direct workflow registration.
type CreateResult struct {
	Success      bool
	WorkflowID   string
	ErrorMessage string
}

// RunRequest starts a workflow run. TimeoutSeconds bounds how long the
// engine waits when WaitForCompletion is set.
type RunRequest struct {
	WorkflowID        string
	InputJSON         string
	OwnerID           string
	RequestedBy       string
	WaitForCompletion bool
	TimeoutSeconds    int
	IdempotencyKey    string
}

// RunResult is the engine's view of a run. Status carries the engine's
// raw status string; callers normalize it to an execution status.
type RunResult struct {
	Success      bool
	RunID        string
	ExecutionID  string
	Status       string
	Result       string
	Error        string
	Async        bool
	StartedAt    string
	FinishedAt   string
	ErrorMessage string
}

// Gateway is implemented by automation engine clients.
type Gateway interface {
	// BuildWorkflow is the turnkey path: spec in, registered workflow out.
	BuildWorkflow(ctx context.Context, req BuildRequest) (*BuildResult, error)

	// CreateWorkflow registers a locally compiled definition.
	CreateWorkflow(ctx context.Context, name, compiledJSON string) (*CreateResult, error)

	// UpdateWorkflow replaces a registered workflow's definition.
	UpdateWorkflow(ctx context.Context, engineWorkflowID, name, compiledJSON string) (*CreateResult, error)

	ActivateWorkflow(ctx context.Context, engineWorkflowID string) error
	DeactivateWorkflow(ctx context.Context, engineWorkflowID string) error
	DeleteWorkflow(ctx context.Context, engineWorkflowID string) error

	RunWorkflow(ctx context.Context, req RunRequest) (*RunResult, error)
	ResumeExecution(ctx context.Context, engineExecutionID string) error
}
