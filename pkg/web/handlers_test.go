package web_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/flowdeck/flowdeck/pkg/clock"
	"github.com/flowdeck/flowdeck/pkg/engine"
	"github.com/flowdeck/flowdeck/pkg/idempotency"
	"github.com/flowdeck/flowdeck/pkg/mocks"
	"github.com/flowdeck/flowdeck/pkg/models"
	"github.com/flowdeck/flowdeck/pkg/persistence"
	"github.com/flowdeck/flowdeck/pkg/persistence/file"
	"github.com/flowdeck/flowdeck/pkg/services"
	"github.com/flowdeck/flowdeck/pkg/spec"
	"github.com/flowdeck/flowdeck/pkg/web"
)

const validSpec = `{
	"name": "Daily Digest",
	"description": "Sends the morning digest email",
	"trigger": {"type": "scheduled", "cron_expression": "0 9 * * *"},
	"steps": [
		{
			"id": "step-1",
			"name": "Send digest",
			"type": "action",
			"action": {
				"action_type": "send_email",
				"parameters": {"to": "user@example.com", "subject": "Digest"}
			}
		}
	]
}`

type testAPI struct {
	app         *fiber.App
	gateway     *mocks.MockGateway
	persistence persistence.Persistence
}

func setupTestApp(t *testing.T) *testAPI {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := file.NewPersistence(t.TempDir())
	gateway := &mocks.MockGateway{}

	specValidator, err := spec.NewValidator(logger, nil)
	require.NoError(t, err)

	clk := clock.NewFrozen(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	compiler := spec.NewCompiler(logger)

	workflowService := services.NewWorkflow(p, gateway, specValidator, compiler, nil, clk, logger)
	executionService := services.NewExecution(p, gateway, nil, idempotency.NewMemoryStore(), clk, logger)

	handlers := web.NewAPIHandlers(workflowService, executionService, validator.New(validator.WithRequiredStructEnabled()))

	app := fiber.New()

	w := app.Group("/workflows")
	w.Get("/", handlers.GetWorkflows)
	w.Post("/", handlers.CreateWorkflowFromSpec)
	w.Get("/:id", handlers.GetWorkflow)
	w.Post("/:id/activate", handlers.ActivateWorkflow)
	w.Post("/:id/pause", handlers.PauseWorkflow)
	w.Post("/:id/resume", handlers.ResumeWorkflow)
	w.Delete("/:id", handlers.ArchiveWorkflow)
	w.Post("/:id/execute", handlers.ExecuteWorkflow)

	e := app.Group("/executions")
	e.Get("/", handlers.GetExecutions)
	e.Get("/pending-approvals", handlers.GetPendingApprovals)
	e.Get("/:id", handlers.GetExecution)
	e.Post("/:id/approve", handlers.ApproveExecutionStep)

	sys := app.Group("/system")
	sys.Post("/specs", handlers.SaveSpec)
	sys.Post("/specs/:id/bind", handlers.BindSpec)
	sys.Get("/specs/:id/resolve", handlers.ResolveSpec)
	sys.Post("/runs", handlers.RegisterRun)
	sys.Put("/runs", handlers.UpdateRun)
	sys.Get("/runs/idempotency/:key", handlers.CheckRunIdempotency)

	app.Get("/health", handlers.HealthCheck)

	return &testAPI{app: app, gateway: gateway, persistence: p}
}

func (a *testAPI) request(t *testing.T, method, target, ownerID string, body any) *http.Response {
	t.Helper()

	var reader io.Reader

	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(encoded)
	}

	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if ownerID != "" {
		req.Header.Set(web.OwnerIDHeader, ownerID)
	}

	resp, err := a.app.Test(req)
	require.NoError(t, err)

	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	defer resp.Body.Close()

	var out T

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	return out
}

// createActiveWorkflow drives the fallback creation path so a bound,
// active workflow record exists locally.
func createActiveWorkflow(t *testing.T, api *testAPI, ownerID string) string {
	t.Helper()

	api.gateway.On("BuildWorkflow", mock.Anything, mock.Anything).Return(&engine.BuildResult{
		Success:      false,
		ErrorMessage: "flow builder disabled",
	}, nil).Once()
	api.gateway.On("CreateWorkflow", mock.Anything, "Daily Digest", mock.Anything).Return(&engine.CreateResult{
		Success:    true,
		WorkflowID: "eng-wf-1",
	}, nil).Once()
	api.gateway.On("ActivateWorkflow", mock.Anything, "eng-wf-1").Return(nil).Once()

	resp := api.request(t, http.MethodPost, "/workflows", ownerID, web.CreateFromSpecRequest{
		Spec:     json.RawMessage(validSpec),
		Activate: true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	result := decodeBody[services.CreateFromSpecResult](t, resp)
	require.NotEmpty(t, result.WorkflowID)

	return result.WorkflowID
}

func TestAPI_OwnerHeaderRequired(t *testing.T) {
	api := setupTestApp(t)

	resp := api.request(t, http.MethodGet, "/workflows", "", nil)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	problem := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "validation_error", problem["type"])
	assert.Contains(t, problem["detail"], web.OwnerIDHeader)
}

func TestAPI_CreateWorkflowFromSpec_Turnkey(t *testing.T) {
	api := setupTestApp(t)

	api.gateway.On("BuildWorkflow", mock.Anything, mock.Anything).Return(&engine.BuildResult{
		Success:    true,
		WorkflowID: "eng-wf-9",
		SpecID:     "spec-9",
	}, nil)

	resp := api.request(t, http.MethodPost, "/workflows", "owner-1", web.CreateFromSpecRequest{
		Spec: json.RawMessage(validSpec),
	})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	result := decodeBody[services.CreateFromSpecResult](t, resp)
	assert.Equal(t, "spec-9", result.WorkflowID)
	assert.Equal(t, "eng-wf-9", result.EngineWorkflowID)
}

func TestAPI_CreateWorkflowFromSpec_InvalidSpec(t *testing.T) {
	api := setupTestApp(t)

	resp := api.request(t, http.MethodPost, "/workflows", "owner-1", web.CreateFromSpecRequest{
		Spec: json.RawMessage(`{"name": "Broken", "steps": []}`),
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	problem := decodeBody[struct {
		Type   string   `json:"type"`
		Errors []string `json:"errors"`
	}](t, resp)
	assert.Equal(t, "spec_validation_error", problem.Type)
	assert.NotEmpty(t, problem.Errors)

	api.gateway.AssertNotCalled(t, "BuildWorkflow", mock.Anything, mock.Anything)
}

func TestAPI_CreateWorkflowFromSpec_MalformedBody(t *testing.T) {
	api := setupTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/workflows", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(web.OwnerIDHeader, "owner-1")

	resp, err := api.app.Test(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_GetWorkflows(t *testing.T) {
	api := setupTestApp(t)
	workflowID := createActiveWorkflow(t, api, "owner-1")

	resp := api.request(t, http.MethodGet, "/workflows", "owner-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[struct {
		Workflows  []*models.Workflow `json:"workflows"`
		TotalCount int                `json:"total_count"`
	}](t, resp)
	require.Len(t, body.Workflows, 1)
	assert.Equal(t, workflowID, body.Workflows[0].ID)
	assert.Equal(t, 1, body.TotalCount)

	// Another owner sees nothing.
	resp = api.request(t, http.MethodGet, "/workflows", "owner-2", nil)
	other := decodeBody[struct {
		TotalCount int `json:"total_count"`
	}](t, resp)
	assert.Equal(t, 0, other.TotalCount)
}

func TestAPI_GetWorkflow_NotFound(t *testing.T) {
	api := setupTestApp(t)

	resp := api.request(t, http.MethodGet, "/workflows/missing", "owner-1", nil)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	problem := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "not_found", problem["type"])
}

func TestAPI_PauseAndResumeWorkflow(t *testing.T) {
	api := setupTestApp(t)
	workflowID := createActiveWorkflow(t, api, "owner-1")

	api.gateway.On("DeactivateWorkflow", mock.Anything, "eng-wf-1").Return(nil)
	api.gateway.On("ActivateWorkflow", mock.Anything, "eng-wf-1").Return(nil)

	resp := api.request(t, http.MethodPost, "/workflows/"+workflowID+"/pause", "owner-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	paused := decodeBody[models.Workflow](t, resp)
	assert.Equal(t, models.WorkflowStatusPaused, paused.Status)

	resp = api.request(t, http.MethodPost, "/workflows/"+workflowID+"/resume", "owner-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resumed := decodeBody[models.Workflow](t, resp)
	assert.Equal(t, models.WorkflowStatusActive, resumed.Status)
}

func TestAPI_PauseDraftWorkflowConflicts(t *testing.T) {
	api := setupTestApp(t)

	// Fallback create without activation leaves the workflow in Draft.
	api.gateway.On("BuildWorkflow", mock.Anything, mock.Anything).Return(nil, assert.AnError).Once()
	api.gateway.On("CreateWorkflow", mock.Anything, "Daily Digest", mock.Anything).Return(&engine.CreateResult{
		Success:    true,
		WorkflowID: "eng-wf-1",
	}, nil).Once()

	resp := api.request(t, http.MethodPost, "/workflows", "owner-1", web.CreateFromSpecRequest{
		Spec: json.RawMessage(validSpec),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[services.CreateFromSpecResult](t, resp)

	resp = api.request(t, http.MethodPost, "/workflows/"+created.WorkflowID+"/pause", "owner-1", nil)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	problem := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "conflict", problem["type"])
}

func TestAPI_ArchiveWorkflow(t *testing.T) {
	api := setupTestApp(t)
	workflowID := createActiveWorkflow(t, api, "owner-1")

	api.gateway.On("DeleteWorkflow", mock.Anything, "eng-wf-1").Return(nil)

	resp := api.request(t, http.MethodDelete, "/workflows/"+workflowID, "owner-1", nil)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Archived workflows drop out of listings.
	listResp := api.request(t, http.MethodGet, "/workflows", "owner-1", nil)
	body := decodeBody[struct {
		TotalCount int `json:"total_count"`
	}](t, listResp)
	assert.Equal(t, 0, body.TotalCount)
}

func TestAPI_ExecuteWorkflow(t *testing.T) {
	api := setupTestApp(t)
	workflowID := createActiveWorkflow(t, api, "owner-1")

	api.gateway.On("RunWorkflow", mock.Anything, mock.Anything).Return(&engine.RunResult{
		Success: true,
		Status:  "success",
		Result:  `{"sent": 1}`,
	}, nil)

	resp := api.request(t, http.MethodPost, "/workflows/"+workflowID+"/execute", "owner-1", web.ExecuteWorkflowRequest{
		Input: json.RawMessage(`{"audience": "beta"}`),
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	result := decodeBody[services.ExecuteResult](t, resp)
	assert.Equal(t, models.ExecutionStatusCompleted, result.Status)
	assert.Equal(t, `{"sent": 1}`, result.OutputJSON)
	assert.NotEmpty(t, result.ExecutionID)
}

func TestAPI_ExecuteWorkflow_WrongOwnerIsNotFound(t *testing.T) {
	api := setupTestApp(t)
	workflowID := createActiveWorkflow(t, api, "owner-1")

	resp := api.request(t, http.MethodPost, "/workflows/"+workflowID+"/execute", "owner-2", nil)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	api.gateway.AssertNotCalled(t, "RunWorkflow", mock.Anything, mock.Anything)
}

func TestAPI_ApproveExecutionStep(t *testing.T) {
	api := setupTestApp(t)
	workflowID := createActiveWorkflow(t, api, "owner-1")

	api.gateway.On("RunWorkflow", mock.Anything, mock.Anything).Return(&engine.RunResult{
		Success:     true,
		Status:      "waiting_approval",
		ExecutionID: "eng-exec-1",
	}, nil)

	resp := api.request(t, http.MethodPost, "/workflows/"+workflowID+"/execute", "owner-1", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	started := decodeBody[services.ExecuteResult](t, resp)
	require.Equal(t, models.ExecutionStatusWaitingApproval, started.Status)

	api.gateway.On("ResumeExecution", mock.Anything, "eng-exec-1").Return(nil)

	resp = api.request(t, http.MethodPost, "/executions/"+started.ExecutionID+"/approve", "owner-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	approved := decodeBody[models.WorkflowExecution](t, resp)
	assert.Equal(t, models.ExecutionStatusRunning, approved.Status)
}

func TestAPI_ApproveExecutionStep_WrongOwnerForbidden(t *testing.T) {
	api := setupTestApp(t)
	workflowID := createActiveWorkflow(t, api, "owner-1")

	api.gateway.On("RunWorkflow", mock.Anything, mock.Anything).Return(&engine.RunResult{
		Success: true,
		Status:  "waiting_approval",
	}, nil)

	resp := api.request(t, http.MethodPost, "/workflows/"+workflowID+"/execute", "owner-1", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	started := decodeBody[services.ExecuteResult](t, resp)

	resp = api.request(t, http.MethodPost, "/executions/"+started.ExecutionID+"/approve", "owner-2", nil)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAPI_ApproveExecutionStep_NotWaitingConflicts(t *testing.T) {
	api := setupTestApp(t)
	workflowID := createActiveWorkflow(t, api, "owner-1")

	api.gateway.On("RunWorkflow", mock.Anything, mock.Anything).Return(&engine.RunResult{
		Success: true,
		Status:  "success",
	}, nil)

	resp := api.request(t, http.MethodPost, "/workflows/"+workflowID+"/execute", "owner-1", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	started := decodeBody[services.ExecuteResult](t, resp)

	resp = api.request(t, http.MethodPost, "/executions/"+started.ExecutionID+"/approve", "owner-1", nil)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_GetExecutions(t *testing.T) {
	api := setupTestApp(t)
	workflowID := createActiveWorkflow(t, api, "owner-1")

	api.gateway.On("RunWorkflow", mock.Anything, mock.Anything).Return(&engine.RunResult{
		Success: true,
		Status:  "success",
	}, nil)

	resp := api.request(t, http.MethodPost, "/workflows/"+workflowID+"/execute", "owner-1", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	resp = api.request(t, http.MethodGet, "/executions/?workflow_id="+workflowID, "owner-1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[struct {
		Executions []services.ExecutionSummary `json:"executions"`
		TotalCount int                         `json:"total_count"`
	}](t, resp)
	require.Len(t, body.Executions, 1)
	assert.Equal(t, "Daily Digest", body.Executions[0].WorkflowName)
}

func TestAPI_GetExecutions_InvalidLimit(t *testing.T) {
	api := setupTestApp(t)

	resp := api.request(t, http.MethodGet, "/executions/?limit=zero", "owner-1", nil)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_SystemSpecLifecycle(t *testing.T) {
	api := setupTestApp(t)

	// The flow builder registers the spec it compiled.
	resp := api.request(t, http.MethodPost, "/system/specs", "", web.SaveSpecRequest{
		OwnerID:        "owner-1",
		Spec:           json.RawMessage(validSpec),
		IdempotencyKey: "build-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	saved := decodeBody[services.SaveSpecResult](t, resp)
	require.NotEmpty(t, saved.WorkflowID)
	assert.Equal(t, 1, saved.SpecVersion)

	// Unbound workflows do not resolve.
	resp = api.request(t, http.MethodGet, "/system/specs/"+saved.WorkflowID+"/resolve", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = api.request(t, http.MethodPost, "/system/specs/"+saved.WorkflowID+"/bind", "", web.BindSpecRequest{
		EngineWorkflowID: "eng-wf-77",
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = api.request(t, http.MethodGet, "/system/specs/"+saved.WorkflowID+"/resolve", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resolved := decodeBody[services.ResolveSpecResult](t, resp)
	assert.Equal(t, "eng-wf-77", resolved.EngineWorkflowID)
	assert.Equal(t, 1, resolved.SpecVersion)
}

func TestAPI_SystemSaveSpec_IdempotentReplay(t *testing.T) {
	api := setupTestApp(t)

	req := web.SaveSpecRequest{
		OwnerID:        "owner-1",
		Spec:           json.RawMessage(validSpec),
		IdempotencyKey: "build-1",
	}

	resp := api.request(t, http.MethodPost, "/system/specs", "", req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decodeBody[services.SaveSpecResult](t, resp)

	resp = api.request(t, http.MethodPost, "/system/specs", "", req)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	second := decodeBody[services.SaveSpecResult](t, resp)

	assert.Equal(t, first.WorkflowID, second.WorkflowID)
}

func TestAPI_SystemRunCallbacks(t *testing.T) {
	api := setupTestApp(t)
	workflowID := createActiveWorkflow(t, api, "owner-1")

	resp := api.request(t, http.MethodPost, "/system/runs", "", web.RegisterRunRequest{
		WorkflowID:     workflowID,
		OwnerID:        "owner-1",
		Input:          json.RawMessage(`{"contact": "c-1"}`),
		Status:         "running",
		EngineRunID:    "eng-run-5",
		StartedAt:      "2025-03-10T09:00:00Z",
		IdempotencyKey: "run-key-5",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	registered := decodeBody[map[string]string](t, resp)
	executionID := registered["execution_id"]
	require.NotEmpty(t, executionID)

	// Progress callback completes the run.
	resp = api.request(t, http.MethodPut, "/system/runs", "", web.UpdateRunRequest{
		ExecutionID: executionID,
		Status:      "success",
		Result:      json.RawMessage(`{"ok": true}`),
		FinishedAt:  "2025-03-10T09:01:00Z",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	updated := decodeBody[map[string]bool](t, resp)
	assert.True(t, updated["updated"])

	execResp := api.request(t, http.MethodGet, "/executions/"+executionID, "owner-1", nil)
	execution := decodeBody[models.WorkflowExecution](t, execResp)
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)

	resp = api.request(t, http.MethodGet, "/system/runs/idempotency/run-key-5", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	check := decodeBody[struct {
		Exists      bool            `json:"exists"`
		ExecutionID string          `json:"execution_id"`
		EngineRunID string          `json:"engine_execution_id"`
		Status      string          `json:"status"`
		Result      map[string]bool `json:"result"`
	}](t, resp)
	assert.True(t, check.Exists)
	assert.Equal(t, executionID, check.ExecutionID)
	assert.Equal(t, "eng-run-5", check.EngineRunID)
	assert.Equal(t, string(models.ExecutionStatusCompleted), check.Status)
	assert.True(t, check.Result["ok"])
}

func TestAPI_SystemUpdateRun_StructuredErrorPayload(t *testing.T) {
	api := setupTestApp(t)
	workflowID := createActiveWorkflow(t, api, "owner-1")

	resp := api.request(t, http.MethodPost, "/system/runs", "", web.RegisterRunRequest{
		WorkflowID:     workflowID,
		OwnerID:        "owner-1",
		Status:         "running",
		IdempotencyKey: "run-key-6",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	registered := decodeBody[map[string]string](t, resp)
	executionID := registered["execution_id"]

	resp = api.request(t, http.MethodPut, "/system/runs", "", web.UpdateRunRequest{
		ExecutionID: executionID,
		Status:      "failed",
		Error:       json.RawMessage(`{"code": "E42", "message": "boom"}`),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	updated := decodeBody[map[string]bool](t, resp)
	assert.True(t, updated["updated"])

	execResp := api.request(t, http.MethodGet, "/executions/"+executionID, "owner-1", nil)
	execution := decodeBody[models.WorkflowExecution](t, execResp)
	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Contains(t, execution.ErrorMessage, `"E42"`)
	assert.Contains(t, execution.ErrorMessage, "boom")
}

func TestAPI_SystemUpdateRun_UnknownRunIsAcknowledged(t *testing.T) {
	api := setupTestApp(t)

	resp := api.request(t, http.MethodPut, "/system/runs", "", web.UpdateRunRequest{
		ExecutionID: "never-registered",
		Status:      "success",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	updated := decodeBody[map[string]bool](t, resp)
	assert.False(t, updated["updated"])
}

func TestAPI_HealthCheck(t *testing.T) {
	api := setupTestApp(t)

	resp := api.request(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "healthy", body["status"])
}
