// Package web provides HTTP request and response types for the workflow API.
package web

import "encoding/json"

// CreateFromSpecRequest is the request body for creating a workflow from
// a spec document. The spec is kept as raw JSON; the service layer
// validates and parses it.
type CreateFromSpecRequest struct {
	Spec     json.RawMessage `json:"spec"     validate:"required"`
	Activate bool            `json:"activate"`
}

// ExecuteWorkflowRequest is the request body for starting a run.
type ExecuteWorkflowRequest struct {
	Input json.RawMessage `json:"input,omitempty"`
}

// SaveSpecRequest is the system callback body for registering a spec the
// engine's flow builder already compiled.
type SaveSpecRequest struct {
	OwnerID        string          `json:"owner_id"        validate:"required"`
	Name           string          `json:"name,omitempty"`
	Spec           json.RawMessage `json:"spec"            validate:"required"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// BindSpecRequest binds a stored workflow to its engine registration.
type BindSpecRequest struct {
	EngineWorkflowID string `json:"engine_workflow_id" validate:"required"`
}

// RegisterRunRequest is the system callback body announcing an
// engine-originated run. engine_workflow_id lets the scheduler identify
// the parent by the engine's own id when it does not know the local one.
type RegisterRunRequest struct {
	WorkflowID       string          `json:"workflow_id"     validate:"required"`
	EngineWorkflowID string          `json:"engine_workflow_id,omitempty"`
	OwnerID          string          `json:"owner_id"        validate:"required"`
	Input            json.RawMessage `json:"input,omitempty"`
	Status           string          `json:"status,omitempty"`
	EngineRunID      string          `json:"engine_run_id,omitempty"`
	StartedAt        string          `json:"started_at,omitempty"`
	IdempotencyKey   string          `json:"idempotency_key,omitempty"`
}

// UpdateRunRequest is the system callback body reporting run progress.
// Either execution_id or idempotency_key must identify the run. The
// error field may be a plain string or a structured payload.
type UpdateRunRequest struct {
	ExecutionID    string          `json:"execution_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	EngineRunID    string          `json:"engine_run_id,omitempty"`
	Status         string          `json:"status"          validate:"required"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          json.RawMessage `json:"error,omitempty"`
	StepIndex      *int            `json:"step_index,omitempty"`
	FinishedAt     string          `json:"finished_at,omitempty"`
}

// ErrorMessage flattens the error payload into a failure message,
// serializing structured payloads as-is.
func (r UpdateRunRequest) ErrorMessage() string {
	if len(r.Error) == 0 {
		return ""
	}

	var message string
	if err := json.Unmarshal(r.Error, &message); err == nil {
		return message
	}

	return string(r.Error)
}
