package services

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/flowdeck/flowdeck/pkg/clock"
	"github.com/flowdeck/flowdeck/pkg/engine"
	"github.com/flowdeck/flowdeck/pkg/mocks"
	"github.com/flowdeck/flowdeck/pkg/models"
	"github.com/flowdeck/flowdeck/pkg/persistence"
	"github.com/flowdeck/flowdeck/pkg/persistence/file"
	"github.com/flowdeck/flowdeck/pkg/spec"
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

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newWorkflowService(t *testing.T, persistence persistence.Persistence, gateway engine.Gateway) *Workflow {
	t.Helper()

	logger := testLogger()

	validator, err := spec.NewValidator(logger, nil)
	require.NoError(t, err)

	clk := clock.NewFrozen(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))

	return NewWorkflow(persistence, gateway, validator, spec.NewCompiler(logger), nil, clk, logger)
}

func TestWorkflow_CreateFromSpec_Turnkey(t *testing.T) {
	persistence := file.NewPersistence(t.TempDir())
	gateway := &mocks.MockGateway{}
	service := newWorkflowService(t, persistence, gateway)

	gateway.On("BuildWorkflow", mock.Anything, mock.Anything).Return(&engine.BuildResult{
		Success:     true,
		WorkflowID:  "eng-wf-1",
		SpecID:      "spec-1",
		SpecVersion: 1,
		Warnings:    []string{"step step-1 has no failure branch"},
	}, nil)

	result, err := service.CreateFromSpec(t.Context(), CreateFromSpecRequest{
		OwnerID:  "owner-1",
		SpecJSON: validSpec,
	})
	require.NoError(t, err)

	assert.Equal(t, "spec-1", result.WorkflowID)
	assert.Equal(t, "eng-wf-1", result.EngineWorkflowID)
	assert.Len(t, result.Warnings, 1)

	// The flow builder registers the local record itself via the spec
	// callback, so the turnkey path writes nothing here.
	workflows, err := persistence.WorkflowRepository().GetByOwner(t.Context(), "owner-1")
	require.NoError(t, err)
	assert.Empty(t, workflows)

	gateway.AssertNotCalled(t, "CreateWorkflow", mock.Anything, mock.Anything, mock.Anything)
}

func TestWorkflow_CreateFromSpec_TurnkeyActivationFailureIsNotFatal(t *testing.T) {
	persistence := file.NewPersistence(t.TempDir())
	gateway := &mocks.MockGateway{}
	service := newWorkflowService(t, persistence, gateway)

	gateway.On("BuildWorkflow", mock.Anything, mock.Anything).Return(&engine.BuildResult{
		Success:    true,
		WorkflowID: "eng-wf-1",
		SpecID:     "spec-1",
	}, nil)
	gateway.On("ActivateWorkflow", mock.Anything, "eng-wf-1").Return(errors.New("engine unavailable"))

	result, err := service.CreateFromSpec(t.Context(), CreateFromSpecRequest{
		OwnerID:             "owner-1",
		SpecJSON:            validSpec,
		ActivateImmediately: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "eng-wf-1", result.EngineWorkflowID)
}

func TestWorkflow_CreateFromSpec_FallbackWhenBuilderUnavailable(t *testing.T) {
	persistence := file.NewPersistence(t.TempDir())
	gateway := &mocks.MockGateway{}
	service := newWorkflowService(t, persistence, gateway)

	gateway.On("BuildWorkflow", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))
	gateway.On("CreateWorkflow", mock.Anything, "Daily Digest", mock.Anything).Return(&engine.CreateResult{
		Success:    true,
		WorkflowID: "eng-wf-2",
	}, nil)

	result, err := service.CreateFromSpec(t.Context(), CreateFromSpecRequest{
		OwnerID:  "owner-1",
		SpecJSON: validSpec,
	})
	require.NoError(t, err)
	assert.Equal(t, "eng-wf-2", result.EngineWorkflowID)

	stored, err := persistence.WorkflowRepository().GetByID(t.Context(), result.WorkflowID)
	require.NoError(t, err)
	require.NotNil(t, stored)

	assert.Equal(t, models.WorkflowStatusDraft, stored.Status)
	assert.Equal(t, "eng-wf-2", stored.EngineWorkflowID)
	assert.Equal(t, 1, stored.SpecVersion)
	assert.Equal(t, "Sends the morning digest email", stored.Description)
	assert.Equal(t, models.TriggerTypeScheduled, stored.Trigger.Type)
	assert.Equal(t, "0 9 * * *", stored.Trigger.CronExpression)
	assert.NotEmpty(t, stored.IdempotencyKey)
}

func TestWorkflow_CreateFromSpec_ManualTriggerViaFallback(t *testing.T) {
	persistence := file.NewPersistence(t.TempDir())
	gateway := &mocks.MockGateway{}
	service := newWorkflowService(t, persistence, gateway)

	gateway.On("BuildWorkflow", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))
	gateway.On("CreateWorkflow", mock.Anything, "Invoice Reminder", mock.Anything).Return(&engine.CreateResult{
		Success:    true,
		WorkflowID: "eng-wf-9",
	}, nil)

	result, err := service.CreateFromSpec(t.Context(), CreateFromSpecRequest{
		OwnerID: "owner-1",
		SpecJSON: `{
			"name": "Invoice Reminder",
			"trigger": {"type": "manual"},
			"steps": [{"id":"s1","name":"Wait","type":"action","action":{"action_type":"wait"}}]
		}`,
	})
	require.NoError(t, err)
	assert.Equal(t, "eng-wf-9", result.EngineWorkflowID)

	stored, err := persistence.WorkflowRepository().GetByID(t.Context(), result.WorkflowID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.TriggerTypeManual, stored.Trigger.Type)
}

func TestWorkflow_CreateFromSpec_FallbackWithActivate(t *testing.T) {
	persistence := file.NewPersistence(t.TempDir())
	gateway := &mocks.MockGateway{}
	service := newWorkflowService(t, persistence, gateway)

	gateway.On("BuildWorkflow", mock.Anything, mock.Anything).Return(&engine.BuildResult{
		Success:      false,
		ErrorMessage: "flow builder disabled",
	}, nil)
	gateway.On("CreateWorkflow", mock.Anything, "Daily Digest", mock.Anything).Return(&engine.CreateResult{
		Success:    true,
		WorkflowID: "eng-wf-3",
	}, nil)
	gateway.On("ActivateWorkflow", mock.Anything, "eng-wf-3").Return(nil)

	result, err := service.CreateFromSpec(t.Context(), CreateFromSpecRequest{
		OwnerID:             "owner-1",
		SpecJSON:            validSpec,
		ActivateImmediately: true,
	})
	require.NoError(t, err)

	stored, err := persistence.WorkflowRepository().GetByID(t.Context(), result.WorkflowID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.WorkflowStatusActive, stored.Status)
}

func TestWorkflow_CreateFromSpec_InvalidSpec(t *testing.T) {
	persistence := file.NewPersistence(t.TempDir())
	gateway := &mocks.MockGateway{}
	service := newWorkflowService(t, persistence, gateway)

	result, err := service.CreateFromSpec(t.Context(), CreateFromSpecRequest{
		OwnerID:  "owner-1",
		SpecJSON: `{"trigger":{"type":"scheduled"},"steps":[]}`,
	})
	require.Error(t, err)
	assert.Nil(t, result)

	specErr, ok := IsSpecValidationError(err)
	require.True(t, ok)
	assert.NotEmpty(t, specErr.Errors)

	gateway.AssertNotCalled(t, "BuildWorkflow", mock.Anything, mock.Anything)
}

func TestWorkflow_CreateFromSpec_DuplicateName(t *testing.T) {
	persistence := file.NewPersistence(t.TempDir())
	gateway := &mocks.MockGateway{}
	service := newWorkflowService(t, persistence, gateway)

	seedWorkflow(t, persistence, "wf-existing", "owner-1", "Daily Digest", "")

	result, err := service.CreateFromSpec(t.Context(), CreateFromSpecRequest{
		OwnerID:  "owner-1",
		SpecJSON: validSpec,
	})
	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrDuplicateWorkflowName)
	assert.True(t, IsConflictError(err))
}

func TestWorkflow_Activate(t *testing.T) {
	persistence := file.NewPersistence(t.TempDir())
	gateway := &mocks.MockGateway{}
	service := newWorkflowService(t, persistence, gateway)

	seedWorkflow(t, persistence, "wf-1", "owner-1", "Daily Digest", "eng-wf-1")
	gateway.On("ActivateWorkflow", mock.Anything, "eng-wf-1").Return(nil)

	err := service.Activate(t.Context(), "wf-1", "owner-1")
	require.NoError(t, err)

	stored, err := persistence.WorkflowRepository().GetByID(t.Context(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusActive, stored.Status)
}

func TestWorkflow_ActivateUnboundFails(t *testing.T) {
	persistence := file.NewPersistence(t.TempDir())
	gateway := &mocks.MockGateway{}
	service := newWorkflowService(t, persistence, gateway)

	seedWorkflow(t, persistence, "wf-1", "owner-1", "Daily Digest", "")

	err := service.Activate(t.Context(), "wf-1", "owner-1")
	assert.ErrorIs(t, err, ErrWorkflowNotCompiled)

	gateway.AssertNotCalled(t, "ActivateWorkflow", mock.Anything, mock.Anything)
}

func TestWorkflow_ActivateWrongOwner(t *testing.T) {
	persistence := file.NewPersistence(t.TempDir())
	gateway := &mocks.MockGateway{}
	service := newWorkflowService(t, persistence, gateway)

	seedWorkflow(t, persistence, "wf-1", "owner-1", "Daily Digest", "eng-wf-1")

	err := service.Activate(t.Context(), "wf-1", "owner-2")
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestWorkflow_Archive_SwallowsEngineDeleteError(t *testing.T) {
	persistence := file.NewPersistence(t.TempDir())
	gateway := &mocks.MockGateway{}
	service := newWorkflowService(t, persistence, gateway)

	seedWorkflow(t, persistence, "wf-1", "owner-1", "Daily Digest", "eng-wf-1")
	gateway.On("DeleteWorkflow", mock.Anything, "eng-wf-1").Return(errors.New("engine unavailable"))

	err := service.Archive(t.Context(), "wf-1", "owner-1")
	require.NoError(t, err)

	stored, err := persistence.WorkflowRepository().GetByID(t.Context(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusArchived, stored.Status)
}

func TestWorkflow_SaveSpec_IdempotencyKeyReturnsExisting(t *testing.T) {
	persistence := file.NewPersistence(t.TempDir())
	gateway := &mocks.MockGateway{}
	service := newWorkflowService(t, persistence, gateway)

	first, err := service.SaveSpec(t.Context(), SaveSpecRequest{
		OwnerID:        "owner-1",
		SpecJSON:       validSpec,
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)

	second, err := service.SaveSpec(t.Context(), SaveSpecRequest{
		OwnerID:        "owner-1",
		SpecJSON:       validSpec,
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)

	assert.Equal(t, first.WorkflowID, second.WorkflowID)
	assert.Equal(t, first.SpecVersion, second.SpecVersion)

	workflows, err := persistence.WorkflowRepository().GetByOwner(t.Context(), "owner-1")
	require.NoError(t, err)
	assert.Len(t, workflows, 1)
}

func TestWorkflow_SaveSpec_ManualTriggerRejected(t *testing.T) {
	persistence := file.NewPersistence(t.TempDir())
	gateway := &mocks.MockGateway{}
	service := newWorkflowService(t, persistence, gateway)

	_, err := service.SaveSpec(t.Context(), SaveSpecRequest{
		OwnerID: "owner-1",
		SpecJSON: `{
			"name": "Invoice Reminder",
			"trigger": {"type": "manual"},
			"steps": [{"id":"s1","name":"Wait","type":"action","action":{"action_type":"wait"}}]
		}`,
	})
	require.ErrorIs(t, err, ErrManualTriggerInSpec)

	workflows, err := persistence.WorkflowRepository().GetByOwner(t.Context(), "owner-1")
	require.NoError(t, err)
	assert.Empty(t, workflows)
}

func TestWorkflow_ResolveSpec(t *testing.T) {
	persistence := file.NewPersistence(t.TempDir())
	gateway := &mocks.MockGateway{}
	service := newWorkflowService(t, persistence, gateway)

	seedWorkflow(t, persistence, "wf-unbound", "owner-1", "Unbound", "")
	seedWorkflow(t, persistence, "wf-bound", "owner-1", "Bound", "eng-wf-9")

	_, err := service.ResolveSpec(t.Context(), "wf-unbound", nil)
	assert.ErrorIs(t, err, ErrWorkflowNotFound)

	_, err = service.ResolveSpec(t.Context(), "wf-missing", nil)
	assert.ErrorIs(t, err, ErrWorkflowNotFound)

	result, err := service.ResolveSpec(t.Context(), "wf-bound", nil)
	require.NoError(t, err)
	assert.Equal(t, "eng-wf-9", result.EngineWorkflowID)
	assert.Equal(t, 1, result.SpecVersion)
}

func TestWorkflow_ListWorkflowsExcludesArchived(t *testing.T) {
	persistence := file.NewPersistence(t.TempDir())
	gateway := &mocks.MockGateway{}
	service := newWorkflowService(t, persistence, gateway)

	seedWorkflow(t, persistence, "wf-1", "owner-1", "Alpha", "")
	archived := seedWorkflow(t, persistence, "wf-2", "owner-1", "Beta", "")
	archived.Archive(time.Now())
	require.NoError(t, persistence.WorkflowRepository().Update(t.Context(), archived))

	workflows, err := service.ListWorkflows(t.Context(), "owner-1", nil)
	require.NoError(t, err)
	require.Len(t, workflows, 1)
	assert.Equal(t, "wf-1", workflows[0].ID)
}

func seedWorkflow(t *testing.T, p persistence.Persistence, id, ownerID, name, engineWorkflowID string) *models.Workflow {
	t.Helper()

	trigger, err := models.ScheduledTrigger("0 9 * * *")
	require.NoError(t, err)

	workflow, err := models.NewWorkflow(id, ownerID, name, validSpec, trigger, time.Now())
	require.NoError(t, err)

	if engineWorkflowID != "" {
		require.NoError(t, workflow.BindEngineWorkflow(engineWorkflowID, time.Now()))
	}

	workflow.ClearPendingEvents()
	require.NoError(t, p.WorkflowRepository().Add(t.Context(), workflow))

	return workflow
}
