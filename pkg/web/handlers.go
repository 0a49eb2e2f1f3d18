// Package web provides HTTP handlers and REST API endpoints for workflow
// orchestration and the engine callback surface.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/flowdeck/flowdeck/pkg/models"
	"github.com/flowdeck/flowdeck/pkg/services"
)

// OwnerIDHeader carries the authenticated owner identity, set by the
// gateway in front of this service.
const OwnerIDHeader = "X-Owner-ID"

const defaultExecutionListLimit = 50

type APIHandlers struct {
	workflowService  *services.Workflow
	executionService *services.Execution
	validator        *validator.Validate
}

func NewAPIHandlers(
	workflowService *services.Workflow,
	executionService *services.Execution,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		workflowService:  workflowService,
		executionService: executionService,
		validator:        validator,
	}
}

func (h *APIHandlers) ownerID(c fiber.Ctx) (string, error) {
	ownerID := c.Get(OwnerIDHeader)
	if ownerID == "" {
		return "", badRequest(c, OwnerIDHeader+" header is required")
	}

	return ownerID, nil
}

func (h *APIHandlers) CreateWorkflowFromSpec(c fiber.Ctx) error {
	ownerID, err := h.ownerID(c)
	if err != nil {
		return err
	}

	var req CreateFromSpecRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.workflowService.CreateFromSpec(c.Context(), services.CreateFromSpecRequest{
		OwnerID:             ownerID,
		SpecJSON:            string(req.Spec),
		ActivateImmediately: req.Activate,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(result)
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	ownerID, err := h.ownerID(c)
	if err != nil {
		return err
	}

	var status *models.WorkflowStatus

	if statusStr := c.Query("status"); statusStr != "" {
		parsed := models.WorkflowStatus(statusStr)
		status = &parsed
	}

	workflows, err := h.workflowService.ListWorkflows(c.Context(), ownerID, status)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"workflows":   workflows,
		"total_count": len(workflows),
	})
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	ownerID, err := h.ownerID(c)
	if err != nil {
		return err
	}

	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	workflow, err := h.workflowService.GetWorkflow(c.Context(), id, ownerID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) ActivateWorkflow(c fiber.Ctx) error {
	return h.transition(c, h.workflowService.Activate)
}

func (h *APIHandlers) PauseWorkflow(c fiber.Ctx) error {
	return h.transition(c, h.workflowService.Pause)
}

func (h *APIHandlers) ResumeWorkflow(c fiber.Ctx) error {
	return h.transition(c, h.workflowService.Resume)
}

func (h *APIHandlers) ArchiveWorkflow(c fiber.Ctx) error {
	ownerID, err := h.ownerID(c)
	if err != nil {
		return err
	}

	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	err = h.workflowService.Archive(c.Context(), id, ownerID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) transition(c fiber.Ctx, op func(ctx context.Context, workflowID, ownerID string) error) error {
	ownerID, err := h.ownerID(c)
	if err != nil {
		return err
	}

	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	err = op(c.Context(), id, ownerID)
	if err != nil {
		return handleServiceError(c, err)
	}

	workflow, err := h.workflowService.GetWorkflow(c.Context(), id, ownerID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(workflow)
}

func (h *APIHandlers) ExecuteWorkflow(c fiber.Ctx) error {
	ownerID, err := h.ownerID(c)
	if err != nil {
		return err
	}

	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	var req ExecuteWorkflowRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	result, err := h.executionService.Execute(c.Context(), services.ExecuteRequest{
		WorkflowID: id,
		OwnerID:    ownerID,
		InputJSON:  string(req.Input),
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(result)
}

func (h *APIHandlers) GetExecutions(c fiber.Ctx) error {
	ownerID, err := h.ownerID(c)
	if err != nil {
		return err
	}

	limit := defaultExecutionListLimit

	if limitStr := c.Query("limit"); limitStr != "" {
		parsed, parseErr := strconv.Atoi(limitStr)
		if parseErr != nil || parsed <= 0 {
			return badRequest(c, "Invalid limit parameter")
		}

		limit = parsed
	}

	summaries, err := h.executionService.ListExecutions(c.Context(), ownerID, c.Query("workflow_id"), limit)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"executions":  summaries,
		"total_count": len(summaries),
	})
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	ownerID, err := h.ownerID(c)
	if err != nil {
		return err
	}

	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	execution, err := h.executionService.GetExecution(c.Context(), id, ownerID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) GetPendingApprovals(c fiber.Ctx) error {
	ownerID, err := h.ownerID(c)
	if err != nil {
		return err
	}

	summaries, err := h.executionService.ListPendingApprovals(c.Context(), ownerID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{
		"executions":  summaries,
		"total_count": len(summaries),
	})
}

func (h *APIHandlers) ApproveExecutionStep(c fiber.Ctx) error {
	ownerID, err := h.ownerID(c)
	if err != nil {
		return err
	}

	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	err = h.executionService.ApproveStep(c.Context(), id, ownerID)
	if err != nil {
		return handleServiceError(c, err)
	}

	execution, err := h.executionService.GetExecution(c.Context(), id, ownerID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(execution)
}

// SaveSpec is the engine flow builder callback registering the local half
// of a turnkey creation.
func (h *APIHandlers) SaveSpec(c fiber.Ctx) error {
	var req SaveSpecRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.workflowService.SaveSpec(c.Context(), services.SaveSpecRequest{
		OwnerID:        req.OwnerID,
		Name:           req.Name,
		SpecJSON:       string(req.Spec),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(result)
}

func (h *APIHandlers) BindSpec(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	var req BindSpecRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	err := h.workflowService.BindSpec(c.Context(), id, req.EngineWorkflowID)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) ResolveSpec(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Workflow ID is required")
	}

	var version *int

	if versionStr := c.Query("version"); versionStr != "" {
		parsed, parseErr := strconv.Atoi(versionStr)
		if parseErr != nil {
			return badRequest(c, "Invalid version parameter")
		}

		version = &parsed
	}

	result, err := h.workflowService.ResolveSpec(c.Context(), id, version)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(result)
}

// RegisterRun records an engine-originated run.
func (h *APIHandlers) RegisterRun(c fiber.Ctx) error {
	var req RegisterRunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	executionID, err := h.executionService.RegisterRun(c.Context(), services.RegisterRunRequest{
		WorkflowID:       req.WorkflowID,
		EngineWorkflowID: req.EngineWorkflowID,
		OwnerID:          req.OwnerID,
		InputJSON:        string(req.Input),
		Status:           req.Status,
		EngineRunID:      req.EngineRunID,
		StartedAt:        req.StartedAt,
		IdempotencyKey:   req.IdempotencyKey,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"execution_id": executionID})
}

// UpdateRun reconciles an engine progress callback. A callback for an
// unknown run is acknowledged with updated=false so the engine does not
// retry stale deliveries.
func (h *APIHandlers) UpdateRun(c fiber.Ctx) error {
	var req UpdateRunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	updated, err := h.executionService.UpdateRun(c.Context(), services.UpdateRunRequest{
		ExecutionID:    req.ExecutionID,
		IdempotencyKey: req.IdempotencyKey,
		EngineRunID:    req.EngineRunID,
		Status:         req.Status,
		ResultJSON:     string(req.Result),
		ErrorMessage:   req.ErrorMessage(),
		StepIndex:      req.StepIndex,
		FinishedAt:     req.FinishedAt,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"updated": updated})
}

func (h *APIHandlers) CheckRunIdempotency(c fiber.Ctx) error {
	key := c.Params("key")
	if key == "" {
		return badRequest(c, "Idempotency key is required")
	}

	check, err := h.executionService.CheckRunIdempotency(c.Context(), key)
	if err != nil {
		return handleServiceError(c, err)
	}

	response := fiber.Map{"exists": check.Exists}
	if check.Exists {
		response["execution_id"] = check.ExecutionID
		response["engine_execution_id"] = check.EngineExecutionID
		response["status"] = check.Status

		if check.OutputJSON != "" {
			var result any
			if err := json.Unmarshal([]byte(check.OutputJSON), &result); err != nil {
				result = check.OutputJSON
			}
			response["result"] = result
		}
	}

	return c.JSON(response)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	repositoryCheck, repOk := h.workflowService.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Flowdeck API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if repOk {
		status = "healthy"
		message = "Flowdeck API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}
