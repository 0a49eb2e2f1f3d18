// Package n8n implements the engine gateway against the n8n HTTP API and
// its system flow webhooks.
package n8n

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowdeck/flowdeck/pkg/engine"
	"github.com/flowdeck/flowdeck/pkg/otelhelper"
)

const (
	apiTimeout     = 2 * time.Minute
	webhookTimeout = 5 * time.Minute
)

// Config carries the engine connection settings. WebhookBaseURL defaults
// to <BaseURL>/webhook/ when empty.
type Config struct {
	BaseURL        string
	APIKey         string
	WebhookBaseURL string
}

// Client talks to n8n over two surfaces: the REST API for workflow CRUD
// and the system flow webhooks for building and running workflows.
type Client struct {
	apiBaseURL     string
	webhookBaseURL string
	apiKey         string
	apiClient      *http.Client
	webhookClient  *http.Client
	logger         *slog.Logger
	tracer         trace.Tracer
}

func NewClient(logger *slog.Logger, tracer trace.Tracer, config Config) (*Client, error) {
	if strings.TrimSpace(config.BaseURL) == "" {
		return nil, errors.New("engine base URL is required")
	}

	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("engine API key is required")
	}

	baseURL := strings.TrimRight(config.BaseURL, "/")

	webhookBaseURL := config.WebhookBaseURL
	if webhookBaseURL == "" {
		webhookBaseURL = baseURL + "/webhook/"
	}

	return &Client{
		apiBaseURL:     baseURL + "/api/v1/",
		webhookBaseURL: strings.TrimRight(webhookBaseURL, "/") + "/",
		apiKey:         config.APIKey,
		apiClient:      &http.Client{Timeout: apiTimeout},
		webhookClient:  &http.Client{Timeout: webhookTimeout},
		logger:         logger,
		tracer:         tracer,
	}, nil
}

type flowBuilderResponse struct {
	Success     bool     `json:"success"`
	WorkflowID  string   `json:"workflowId"`
	SpecID      string   `json:"specId"`
	SpecVersion int      `json:"specVersion"`
	Warnings    []string `json:"warnings"`
	Error       string   `json:"error"`
}

type flowRunnerResponse struct {
	Success     bool            `json:"success"`
	Async       bool            `json:"async"`
	RunID       string          `json:"runId"`
	ExecutionID string          `json:"executionId"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result"`
	Error       string          `json:"error"`
	StartedAt   string          `json:"startedAt"`
	FinishedAt  string          `json:"finishedAt"`
}

type workflowResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// BuildWorkflow calls the flow builder system workflow, which validates,
// compiles and registers a workflow from the spec in one step.
func (c *Client) BuildWorkflow(ctx context.Context, req engine.BuildRequest) (*engine.BuildResult, error) {
	ctx, span := otelhelper.StartSpan(ctx, c.tracer, "n8n.build_workflow",
		attribute.String(otelhelper.OwnerIDKey, req.OwnerID),
	)
	defer span.End()

	c.logger.InfoContext(ctx, "building workflow via flow builder", "owner_id", req.OwnerID)

	payload := map[string]any{
		"spec":           json.RawMessage(req.SpecJSON),
		"tenantId":       req.OwnerID,
		"requestedBy":    req.RequestedBy,
		"mode":           "create",
		"idempotencyKey": req.IdempotencyKey,
	}

	status, body, err := c.postWebhook(ctx, "system/flows/build", payload)
	if err != nil {
		otelhelper.RecordError(span, err)

		return nil, err
	}

	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		c.logger.ErrorContext(ctx, "flow builder failed", "status", status, "response", string(body))

		return &engine.BuildResult{ErrorMessage: fmt.Sprintf("flow builder error: status %d", status)}, nil
	}

	var response flowBuilderResponse

	err = json.Unmarshal(body, &response)
	if err != nil {
		otelhelper.RecordError(span, err)

		return nil, fmt.Errorf("failed to parse flow builder response: %w", err)
	}

	if !response.Success {
		message := response.Error
		if message == "" {
			message = "unknown error from flow builder"
		}

		return &engine.BuildResult{ErrorMessage: message}, nil
	}

	span.SetAttributes(attribute.String(otelhelper.EngineWorkflowIDKey, response.WorkflowID))
	c.logger.InfoContext(ctx, "flow builder created workflow",
		"engine_workflow_id", response.WorkflowID,
		"spec_id", response.SpecID,
		"spec_version", response.SpecVersion)

	return &engine.BuildResult{
		Success:     true,
		WorkflowID:  response.WorkflowID,
		SpecID:      response.SpecID,
		SpecVersion: response.SpecVersion,
		Warnings:    response.Warnings,
	}, nil
}

// RunWorkflow calls the flow runner system workflow. An HTTP 202 means
// the run was accepted and continues asynchronously.
func (c *Client) RunWorkflow(ctx context.Context, req engine.RunRequest) (*engine.RunResult, error) {
	ctx, span := otelhelper.StartSpan(ctx, c.tracer, "n8n.run_workflow",
		attribute.String(otelhelper.EngineWorkflowIDKey, req.WorkflowID),
		attribute.String(otelhelper.OwnerIDKey, req.OwnerID),
	)
	defer span.End()

	c.logger.InfoContext(ctx, "running workflow via flow runner", "engine_workflow_id", req.WorkflowID)

	inputs := map[string]any{}
	if strings.TrimSpace(req.InputJSON) != "" {
		err := json.Unmarshal([]byte(req.InputJSON), &inputs)
		if err != nil {
			return nil, fmt.Errorf("invalid run input JSON: %w", err)
		}
	}

	payload := map[string]any{
		"workflowId":        req.WorkflowID,
		"inputs":            inputs,
		"tenantId":          req.OwnerID,
		"requestedBy":       req.RequestedBy,
		"waitForCompletion": req.WaitForCompletion,
		"timeoutSeconds":    req.TimeoutSeconds,
		"idempotencyKey":    req.IdempotencyKey,
	}

	status, body, err := c.postWebhook(ctx, "system/flows/run", payload)
	if err != nil {
		otelhelper.RecordError(span, err)

		return nil, err
	}

	success := status >= http.StatusOK && status < http.StatusMultipleChoices

	if !success && status != http.StatusAccepted {
		c.logger.ErrorContext(ctx, "flow runner failed", "status", status, "response", string(body))

		return &engine.RunResult{ErrorMessage: fmt.Sprintf("flow runner error: status %d", status)}, nil
	}

	var response flowRunnerResponse

	err = json.Unmarshal(body, &response)
	if err != nil {
		otelhelper.RecordError(span, err)

		return nil, fmt.Errorf("failed to parse flow runner response: %w", err)
	}

	if !response.Success {
		message := response.Error
		if message == "" {
			message = "unknown error from flow runner"
		}

		return &engine.RunResult{ErrorMessage: message}, nil
	}

	span.SetAttributes(attribute.String(otelhelper.EngineExecutionKey, response.ExecutionID))
	c.logger.InfoContext(ctx, "flow runner started execution",
		"engine_execution_id", response.ExecutionID,
		"status", response.Status)

	return &engine.RunResult{
		Success:     true,
		RunID:       response.RunID,
		ExecutionID: response.ExecutionID,
		Status:      response.Status,
		Result:      string(response.Result),
		Error:       response.Error,
		Async:       response.Async,
		StartedAt:   response.StartedAt,
		FinishedAt:  response.FinishedAt,
	}, nil
}

// CreateWorkflow registers a locally compiled definition via the REST API.
func (c *Client) CreateWorkflow(ctx context.Context, name, compiledJSON string) (*engine.CreateResult, error) {
	ctx, span := otelhelper.StartSpan(ctx, c.tracer, "n8n.create_workflow",
		attribute.String(otelhelper.WorkflowNameKey, name),
	)
	defer span.End()

	c.logger.InfoContext(ctx, "creating engine workflow", "name", name)

	status, body, err := c.doAPI(ctx, http.MethodPost, "workflows", []byte(compiledJSON))
	if err != nil {
		otelhelper.RecordError(span, err)

		return nil, err
	}

	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		c.logger.ErrorContext(ctx, "failed to create engine workflow", "status", status, "response", string(body))

		return &engine.CreateResult{ErrorMessage: fmt.Sprintf("engine API error: status %d", status)}, nil
	}

	var response workflowResponse

	err = json.Unmarshal(body, &response)
	if err != nil || response.ID == "" {
		return &engine.CreateResult{ErrorMessage: "failed to parse engine workflow response"}, nil
	}

	span.SetAttributes(attribute.String(otelhelper.EngineWorkflowIDKey, response.ID))

	return &engine.CreateResult{Success: true, WorkflowID: response.ID}, nil
}

// UpdateWorkflow replaces a registered workflow's definition.
func (c *Client) UpdateWorkflow(ctx context.Context, engineWorkflowID, name, compiledJSON string) (*engine.CreateResult, error) {
	ctx, span := otelhelper.StartSpan(ctx, c.tracer, "n8n.update_workflow",
		attribute.String(otelhelper.EngineWorkflowIDKey, engineWorkflowID),
	)
	defer span.End()

	c.logger.InfoContext(ctx, "updating engine workflow", "engine_workflow_id", engineWorkflowID, "name", name)

	status, body, err := c.doAPI(ctx, http.MethodPut, "workflows/"+engineWorkflowID, []byte(compiledJSON))
	if err != nil {
		otelhelper.RecordError(span, err)

		return nil, err
	}

	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		c.logger.ErrorContext(ctx, "failed to update engine workflow", "status", status, "response", string(body))

		return &engine.CreateResult{ErrorMessage: fmt.Sprintf("engine API error: status %d", status)}, nil
	}

	return &engine.CreateResult{Success: true, WorkflowID: engineWorkflowID}, nil
}

func (c *Client) ActivateWorkflow(ctx context.Context, engineWorkflowID string) error {
	c.logger.InfoContext(ctx, "activating engine workflow", "engine_workflow_id", engineWorkflowID)

	return c.patchActive(ctx, engineWorkflowID, true)
}

func (c *Client) DeactivateWorkflow(ctx context.Context, engineWorkflowID string) error {
	c.logger.InfoContext(ctx, "deactivating engine workflow", "engine_workflow_id", engineWorkflowID)

	return c.patchActive(ctx, engineWorkflowID, false)
}

func (c *Client) DeleteWorkflow(ctx context.Context, engineWorkflowID string) error {
	c.logger.InfoContext(ctx, "deleting engine workflow", "engine_workflow_id", engineWorkflowID)

	status, body, err := c.doAPI(ctx, http.MethodDelete, "workflows/"+engineWorkflowID, nil)
	if err != nil {
		return err
	}

	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return fmt.Errorf("failed to delete engine workflow: status %d: %s", status, string(body))
	}

	return nil
}

// ResumeExecution resumes an execution paused at a wait node, such as an
// approval gate.
func (c *Client) ResumeExecution(ctx context.Context, engineExecutionID string) error {
	c.logger.InfoContext(ctx, "resuming engine execution", "engine_execution_id", engineExecutionID)

	status, body, err := c.doAPI(ctx, http.MethodPost, "executions/"+engineExecutionID+"/resume", nil)
	if err != nil {
		return err
	}

	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return fmt.Errorf("failed to resume engine execution: status %d: %s", status, string(body))
	}

	return nil
}

func (c *Client) patchActive(ctx context.Context, engineWorkflowID string, active bool) error {
	payload, err := json.Marshal(map[string]bool{"active": active})
	if err != nil {
		return err
	}

	status, body, err := c.doAPI(ctx, http.MethodPatch, "workflows/"+engineWorkflowID, payload)
	if err != nil {
		return err
	}

	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return fmt.Errorf("failed to set engine workflow active=%t: status %d: %s", active, status, string(body))
	}

	return nil
}

func (c *Client) doAPI(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.apiBaseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create engine API request: %w", err)
	}

	request.Header.Set("X-N8N-API-KEY", c.apiKey)
	request.Header.Set("Accept", "application/json")

	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	return c.do(c.apiClient, request)
}

func (c *Client) postWebhook(ctx context.Context, path string, payload map[string]any) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookBaseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create webhook request: %w", err)
	}

	request.Header.Set("Accept", "application/json")
	request.Header.Set("Content-Type", "application/json")

	return c.do(c.webhookClient, request)
}

func (c *Client) do(client *http.Client, request *http.Request) (int, []byte, error) {
	response, err := client.Do(request)
	if err != nil {
		return 0, nil, fmt.Errorf("engine request failed: %w", err)
	}

	defer func() {
		err := response.Body.Close()
		if err != nil {
			c.logger.Error("failed to close response body", "error", err)
		}
	}()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return response.StatusCode, nil, fmt.Errorf("failed to read engine response: %w", err)
	}

	return response.StatusCode, body, nil
}
