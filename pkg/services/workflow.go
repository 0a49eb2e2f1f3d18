package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/flowdeck/flowdeck/pkg/clock"
	"github.com/flowdeck/flowdeck/pkg/engine"
	"github.com/flowdeck/flowdeck/pkg/eventbus"
	"github.com/flowdeck/flowdeck/pkg/events"
	"github.com/flowdeck/flowdeck/pkg/models"
	"github.com/flowdeck/flowdeck/pkg/persistence"
	"github.com/flowdeck/flowdeck/pkg/spec"
)

// Workflow orchestrates workflow lifecycle commands: creation from specs,
// activation, pausing, archival and engine binding.
type Workflow struct {
	persistence persistence.Persistence
	gateway     engine.Gateway
	validator   *spec.Validator
	compiler    *spec.Compiler
	publisher   eventbus.EventPublisher
	clock       clock.Clock
	logger      *slog.Logger
}

// NewWorkflow creates a new workflow service.
func NewWorkflow(
	persistence persistence.Persistence,
	gateway engine.Gateway,
	validator *spec.Validator,
	compiler *spec.Compiler,
	publisher eventbus.EventPublisher,
	clk clock.Clock,
	logger *slog.Logger,
) *Workflow {
	return &Workflow{
		persistence: persistence,
		gateway:     gateway,
		validator:   validator,
		compiler:    compiler,
		publisher:   publisher,
		clock:       clk,
		logger:      logger,
	}
}

// HealthCheck checks the health of the persistence layer.
func (s *Workflow) HealthCheck(ctx context.Context) (string, bool) {
	if s.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := s.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// CreateFromSpecRequest contains inputs for creating a workflow from a
// spec document.
type CreateFromSpecRequest struct {
	OwnerID             string
	SpecJSON            string
	ActivateImmediately bool
}

// CreateFromSpecResult is the identity pair of a successfully created workflow.
type CreateFromSpecResult struct {
	WorkflowID       string   `json:"workflow_id"`
	EngineWorkflowID string   `json:"engine_workflow_id"`
	Warnings         []string `json:"warnings,omitempty"`
}

// CreateFromSpec creates a workflow from a spec document. The turnkey path
// asks the engine's flow builder to compile and register in one call;
// when that integration is unavailable the fallback compiles locally and
// registers through the plain create operation.
func (s *Workflow) CreateFromSpec(ctx context.Context, req CreateFromSpecRequest) (*CreateFromSpecResult, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, ErrEmptyOwnerID
	}

	s.logger.InfoContext(ctx, "creating workflow from spec", "owner_id", req.OwnerID)

	validation := s.validator.Validate(req.SpecJSON)
	if !validation.IsValid {
		s.logger.WarnContext(ctx, "workflow spec validation failed", "errors", validation.Errors)

		return nil, &SpecValidationError{Errors: validation.Errors}
	}

	parsed, err := spec.Parse(req.SpecJSON)
	if err != nil || strings.TrimSpace(parsed.Name) == "" {
		return nil, ErrSpecNameMissing
	}

	exists, err := s.persistence.WorkflowRepository().ExistsByNameAndOwner(ctx, parsed.Name, req.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to check workflow name: %w", err)
	}

	if exists {
		return nil, NewServiceError("CreateFromSpec", "DUPLICATE_NAME",
			fmt.Sprintf("a workflow with name '%s' already exists", parsed.Name), ErrDuplicateWorkflowName)
	}

	now := s.clock.Now()
	idempotencyKey := fmt.Sprintf("workflow-%s-%s-%s", req.OwnerID, parsed.Name, now.Format("20060102150405"))

	buildResult, err := s.gateway.BuildWorkflow(ctx, engine.BuildRequest{
		SpecJSON:       req.SpecJSON,
		OwnerID:        req.OwnerID,
		RequestedBy:    req.OwnerID,
		IdempotencyKey: idempotencyKey,
	})

	if err == nil && buildResult.Success {
		return s.finishTurnkeyCreate(ctx, req, buildResult)
	}

	if err != nil {
		s.logger.WarnContext(ctx, "flow builder unavailable, falling back to direct registration", "error", err)
	} else {
		s.logger.WarnContext(ctx, "flow builder failed, falling back to direct registration", "error", buildResult.ErrorMessage)
	}

	return s.createViaFallback(ctx, req, parsed, idempotencyKey)
}

// finishTurnkeyCreate completes the turnkey path. The flow builder has
// already registered the workflow on both sides; only the optional
// activation remains, and its failure does not undo the creation.
func (s *Workflow) finishTurnkeyCreate(ctx context.Context, req CreateFromSpecRequest, buildResult *engine.BuildResult) (*CreateFromSpecResult, error) {
	s.logger.InfoContext(ctx, "flow builder created workflow",
		"engine_workflow_id", buildResult.WorkflowID,
		"spec_id", buildResult.SpecID,
		"spec_version", buildResult.SpecVersion)

	workflowID := buildResult.SpecID
	if workflowID == "" {
		workflowID = uuid.New().String()
	}

	if req.ActivateImmediately && buildResult.WorkflowID != "" {
		err := s.gateway.ActivateWorkflow(ctx, buildResult.WorkflowID)
		if err != nil {
			s.logger.WarnContext(ctx, "failed to activate workflow, but it was created successfully", "error", err)
		}
	}

	return &CreateFromSpecResult{
		WorkflowID:       workflowID,
		EngineWorkflowID: buildResult.WorkflowID,
		Warnings:         buildResult.Warnings,
	}, nil
}

func (s *Workflow) createViaFallback(ctx context.Context, req CreateFromSpecRequest, parsed *models.WorkflowSpec, idempotencyKey string) (*CreateFromSpecResult, error) {
	compiledJSON, err := s.compiler.Compile(parsed.Name, req.SpecJSON, req.OwnerID)
	if err != nil {
		s.logger.WarnContext(ctx, "workflow compilation failed", "error", err)

		return nil, &SpecValidationError{Errors: []string{err.Error()}}
	}

	createResult, err := s.gateway.CreateWorkflow(ctx, parsed.Name, compiledJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow in engine: %w", err)
	}

	if !createResult.Success {
		s.logger.ErrorContext(ctx, "engine rejected workflow creation", "error", createResult.ErrorMessage)

		return nil, NewServiceError("CreateFromSpec", "ENGINE_CREATE_FAILED", createResult.ErrorMessage, ErrInvalidRequest)
	}

	trigger, err := triggerFromSpec(parsed.Trigger)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()

	workflow, err := models.NewWorkflow(uuid.New().String(), req.OwnerID, parsed.Name, req.SpecJSON, trigger, now)
	if err != nil {
		return nil, err
	}

	err = workflow.BindEngineWorkflow(createResult.WorkflowID, now)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(parsed.Description) != "" {
		workflow.UpdateDescription(parsed.Description, now)
	}

	workflow.SetIdempotencyKey(idempotencyKey)

	if req.ActivateImmediately {
		err := s.gateway.ActivateWorkflow(ctx, createResult.WorkflowID)
		if err != nil {
			s.logger.WarnContext(ctx, "failed to activate workflow", "error", err)
		} else {
			err = workflow.Activate(now)
			if err != nil {
				return nil, err
			}
		}
	}

	err = s.persistence.WorkflowRepository().Add(ctx, workflow)
	if err != nil {
		return nil, fmt.Errorf("failed to persist workflow: %w", err)
	}

	s.publishEvents(ctx, workflow.ID, workflow.PendingEvents())
	workflow.ClearPendingEvents()

	s.logger.InfoContext(ctx, "workflow created via direct registration", "workflow_id", workflow.ID)

	return &CreateFromSpecResult{
		WorkflowID:       workflow.ID,
		EngineWorkflowID: createResult.WorkflowID,
	}, nil
}

// Activate transitions an owned workflow to Active. The workflow must
// already be bound to an engine workflow.
func (s *Workflow) Activate(ctx context.Context, workflowID, ownerID string) error {
	workflow, err := s.loadOwned(ctx, workflowID, ownerID)
	if err != nil {
		return err
	}

	if workflow.EngineWorkflowID == "" {
		return ErrWorkflowNotCompiled
	}

	err = s.gateway.ActivateWorkflow(ctx, workflow.EngineWorkflowID)
	if err != nil {
		return fmt.Errorf("failed to activate workflow in engine: %w", err)
	}

	err = workflow.Activate(s.clock.Now())
	if err != nil {
		return err
	}

	return s.persistAndPublish(ctx, workflow)
}

// Pause deactivates the workflow externally and transitions it to Paused.
func (s *Workflow) Pause(ctx context.Context, workflowID, ownerID string) error {
	workflow, err := s.loadOwned(ctx, workflowID, ownerID)
	if err != nil {
		return err
	}

	if workflow.EngineWorkflowID != "" {
		err = s.gateway.DeactivateWorkflow(ctx, workflow.EngineWorkflowID)
		if err != nil {
			return fmt.Errorf("failed to deactivate workflow in engine: %w", err)
		}
	}

	err = workflow.Pause(s.clock.Now())
	if err != nil {
		return err
	}

	return s.persistAndPublish(ctx, workflow)
}

// Resume reactivates a Paused workflow.
func (s *Workflow) Resume(ctx context.Context, workflowID, ownerID string) error {
	workflow, err := s.loadOwned(ctx, workflowID, ownerID)
	if err != nil {
		return err
	}

	if workflow.EngineWorkflowID == "" {
		return ErrWorkflowNotCompiled
	}

	err = s.gateway.ActivateWorkflow(ctx, workflow.EngineWorkflowID)
	if err != nil {
		return fmt.Errorf("failed to activate workflow in engine: %w", err)
	}

	err = workflow.Resume(s.clock.Now())
	if err != nil {
		return err
	}

	return s.persistAndPublish(ctx, workflow)
}

// Archive soft-deletes the workflow. The engine-side deletion is best
// effort; the workflow may already be gone there, and an engine outage
// must never block archival.
func (s *Workflow) Archive(ctx context.Context, workflowID, ownerID string) error {
	workflow, err := s.loadOwned(ctx, workflowID, ownerID)
	if err != nil {
		return err
	}

	if workflow.EngineWorkflowID != "" {
		err = s.gateway.DeleteWorkflow(ctx, workflow.EngineWorkflowID)
		if err != nil {
			s.logger.WarnContext(ctx, "failed to delete workflow from engine, archiving anyway",
				"workflow_id", workflow.ID, "error", err)
		}
	}

	workflow.Archive(s.clock.Now())

	return s.persistAndPublish(ctx, workflow)
}

// BindSpec sets or overwrites the engine workflow id on an existing
// workflow. Administrative path used when registration happened out of band.
func (s *Workflow) BindSpec(ctx context.Context, workflowID, engineWorkflowID string) error {
	workflow, err := s.persistence.WorkflowRepository().GetByID(ctx, workflowID)
	if err != nil {
		return err
	}

	if workflow == nil {
		s.logger.WarnContext(ctx, "workflow not found for spec binding", "workflow_id", workflowID)

		return ErrWorkflowNotFound
	}

	err = workflow.BindEngineWorkflow(engineWorkflowID, s.clock.Now())
	if err != nil {
		return err
	}

	err = s.persistence.WorkflowRepository().Update(ctx, workflow)
	if err != nil {
		return fmt.Errorf("failed to persist workflow: %w", err)
	}

	s.logger.InfoContext(ctx, "bound workflow to engine workflow",
		"workflow_id", workflowID, "engine_workflow_id", engineWorkflowID)

	return nil
}

// SaveSpecRequest contains inputs for persisting a spec as a draft
// workflow without registering it with the engine.
type SaveSpecRequest struct {
	OwnerID        string
	Name           string
	SpecJSON       string
	IdempotencyKey string
}

// SaveSpecResult is the stored identity of a saved spec.
type SaveSpecResult struct {
	WorkflowID  string `json:"workflow_id"`
	SpecVersion int    `json:"spec_version"`
}

// SaveSpec validates and persists a spec document as a Draft workflow.
// Called by the engine's flow builder to register the local half of a
// turnkey creation, so it dedupes on the supplied idempotency key.
func (s *Workflow) SaveSpec(ctx context.Context, req SaveSpecRequest) (*SaveSpecResult, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, ErrEmptyOwnerID
	}

	validation := s.validator.Validate(req.SpecJSON)
	if !validation.IsValid {
		return nil, &SpecValidationError{Errors: validation.Errors}
	}

	if req.IdempotencyKey != "" {
		existing, err := s.persistence.WorkflowRepository().GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}

		if existing != nil {
			s.logger.InfoContext(ctx, "returning existing workflow for idempotency key", "key", req.IdempotencyKey)

			return &SaveSpecResult{WorkflowID: existing.ID, SpecVersion: existing.SpecVersion}, nil
		}
	}

	parsed, err := spec.Parse(req.SpecJSON)
	if err != nil {
		return nil, &SpecValidationError{Errors: []string{err.Error()}}
	}

	if parsed.Trigger.Type == models.TriggerTypeManual {
		return nil, ErrManualTriggerInSpec
	}

	trigger, err := triggerFromSpec(parsed.Trigger)
	if err != nil {
		return nil, err
	}

	name := req.Name
	if strings.TrimSpace(name) == "" {
		name = parsed.Name
	}

	workflow, err := models.NewWorkflow(uuid.New().String(), req.OwnerID, name, req.SpecJSON, trigger, s.clock.Now())
	if err != nil {
		return nil, err
	}

	workflow.SetIdempotencyKey(req.IdempotencyKey)

	err = s.persistence.WorkflowRepository().Add(ctx, workflow)
	if err != nil {
		return nil, fmt.Errorf("failed to persist workflow: %w", err)
	}

	s.publishEvents(ctx, workflow.ID, workflow.PendingEvents())
	workflow.ClearPendingEvents()

	s.logger.InfoContext(ctx, "saved workflow spec", "workflow_id", workflow.ID, "spec_version", workflow.SpecVersion)

	return &SaveSpecResult{WorkflowID: workflow.ID, SpecVersion: workflow.SpecVersion}, nil
}

// ResolveSpecResult maps a workflow id to its engine registration.
type ResolveSpecResult struct {
	EngineWorkflowID string `json:"engine_workflow_id"`
	SpecVersion      int    `json:"spec_version"`
}

// ResolveSpec resolves a workflow id to the engine workflow id the run
// system should invoke. Unbound workflows resolve to not-found.
func (s *Workflow) ResolveSpec(ctx context.Context, workflowID string, version *int) (*ResolveSpecResult, error) {
	workflow, err := s.persistence.WorkflowRepository().GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if workflow == nil || workflow.EngineWorkflowID == "" {
		s.logger.WarnContext(ctx, "could not resolve workflow to engine registration", "workflow_id", workflowID)

		return nil, ErrWorkflowNotFound
	}

	if version != nil && workflow.SpecVersion != *version {
		s.logger.WarnContext(ctx, "spec version mismatch",
			"requested", *version, "actual", workflow.SpecVersion)
	}

	return &ResolveSpecResult{
		EngineWorkflowID: workflow.EngineWorkflowID,
		SpecVersion:      workflow.SpecVersion,
	}, nil
}

// GetWorkflow fetches an owned workflow.
func (s *Workflow) GetWorkflow(ctx context.Context, workflowID, ownerID string) (*models.Workflow, error) {
	return s.loadOwned(ctx, workflowID, ownerID)
}

// ListWorkflows returns the owner's non-archived workflows, optionally
// filtered by status.
func (s *Workflow) ListWorkflows(ctx context.Context, ownerID string, status *models.WorkflowStatus) ([]*models.Workflow, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, ErrEmptyOwnerID
	}

	if status != nil {
		return s.persistence.WorkflowRepository().GetByOwnerAndStatus(ctx, ownerID, *status)
	}

	return s.persistence.WorkflowRepository().GetByOwner(ctx, ownerID)
}

func (s *Workflow) loadOwned(ctx context.Context, workflowID, ownerID string) (*models.Workflow, error) {
	if strings.TrimSpace(workflowID) == "" {
		return nil, ErrEmptyWorkflowID
	}

	if strings.TrimSpace(ownerID) == "" {
		return nil, ErrEmptyOwnerID
	}

	workflow, err := s.persistence.WorkflowRepository().GetByIDAndOwner(ctx, workflowID, ownerID)
	if err != nil {
		return nil, err
	}

	if workflow == nil {
		return nil, ErrWorkflowNotFound
	}

	return workflow, nil
}

func (s *Workflow) persistAndPublish(ctx context.Context, workflow *models.Workflow) error {
	err := s.persistence.WorkflowRepository().Update(ctx, workflow)
	if err != nil {
		return fmt.Errorf("failed to persist workflow: %w", err)
	}

	s.publishEvents(ctx, workflow.ID, workflow.PendingEvents())
	workflow.ClearPendingEvents()

	return nil
}

// publishEvents publishes after the persist committed. Publish failures
// are logged, not propagated: the state change is already durable.
func (s *Workflow) publishEvents(ctx context.Context, key string, pending []events.Event) {
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

// triggerFromSpec converts the spec document trigger into the domain
// value object, applying the same defaults the compiler uses.
func triggerFromSpec(triggerSpec models.TriggerSpec) (*models.Trigger, error) {
	switch triggerSpec.Type {
	case models.TriggerTypeScheduled:
		cronExpression := triggerSpec.CronExpression
		if cronExpression == "" {
			cronExpression = "0 9 * * *"
		}

		return models.ScheduledTrigger(cronExpression)
	case models.TriggerTypeEventBased:
		eventName := triggerSpec.EventName
		if eventName == "" {
			eventName = "webhook"
		}

		configJSON := ""

		if triggerSpec.Config != nil {
			raw, err := json.Marshal(triggerSpec.Config)
			if err != nil {
				return nil, fmt.Errorf("failed to serialize trigger config: %w", err)
			}

			configJSON = string(raw)
		}

		return models.EventBasedTrigger(eventName, configJSON)
	default:
		return models.ManualTrigger(), nil
	}
}
