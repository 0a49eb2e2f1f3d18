//go:build integration

package postgresql_test

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/flowdeck/flowdeck/pkg/models"
	"github.com/flowdeck/flowdeck/pkg/persistence"
	"github.com/flowdeck/flowdeck/pkg/persistence/postgresql"
)

const minimalSpec = `{"name":"welcome-sequence","trigger":{"type":"manual"},"steps":[]}`

func setupTestDB(t *testing.T) (string, func()) {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       "test_flowdeck",
				"POSTGRES_USER":     "test_user",
				"POSTGRES_PASSWORD": "test_pass",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		},
		Started: true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dbURL := fmt.Sprintf("postgres://test_user:test_pass@%s:%s/test_flowdeck?sslmode=disable", host, port.Port())

	// Wait for database to be ready
	time.Sleep(2 * time.Second)

	cleanup := func() {
		_ = container.Terminate(ctx)
	}

	return dbURL, cleanup
}

func setupPersistence(t *testing.T, dbURL string) persistence.Persistence {
	p, err := postgresql.NewPersistence(context.Background(), slog.Default(), dbURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = p.Close(context.Background())
	})

	return p
}

func seedWorkflow(t *testing.T, p persistence.Persistence, ownerID string) *models.Workflow {
	t.Helper()

	now := time.Now().UTC()
	workflow, err := models.NewWorkflow("wf-"+ownerID, ownerID, "welcome-sequence", minimalSpec, models.ManualTrigger(), now)
	require.NoError(t, err)
	require.NoError(t, p.WorkflowRepository().Add(context.Background(), workflow))

	return workflow
}

func TestWorkflowRepository_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	dbURL, cleanup := setupTestDB(t)
	defer cleanup()

	p := setupPersistence(t, dbURL)
	ctx := context.Background()
	repo := p.WorkflowRepository()

	t.Run("Add and Get", func(t *testing.T) {
		workflow := seedWorkflow(t, p, "owner-1")

		fetched, err := repo.GetByID(ctx, workflow.ID)
		require.NoError(t, err)
		require.NotNil(t, fetched)

		assert.Equal(t, workflow.ID, fetched.ID)
		assert.Equal(t, "welcome-sequence", fetched.Name)
		assert.Equal(t, models.WorkflowStatusDraft, fetched.Status)
		assert.Equal(t, 1, fetched.SpecVersion)
		assert.Equal(t, models.TriggerTypeManual, fetched.Trigger.Type)
	})

	t.Run("Duplicate Add fails", func(t *testing.T) {
		workflow := seedWorkflow(t, p, "owner-dup")

		err := repo.Add(ctx, workflow)
		require.Error(t, err)
		assert.ErrorIs(t, err, persistence.ErrWorkflowAlreadyExists)
	})

	t.Run("Owner isolation", func(t *testing.T) {
		workflow := seedWorkflow(t, p, "owner-2")

		fetched, err := repo.GetByIDAndOwner(ctx, workflow.ID, "someone-else")
		require.NoError(t, err)
		assert.Nil(t, fetched)

		fetched, err = repo.GetByIDAndOwner(ctx, workflow.ID, "owner-2")
		require.NoError(t, err)
		require.NotNil(t, fetched)
		assert.Equal(t, workflow.ID, fetched.ID)
	})

	t.Run("ExistsByNameAndOwner ignores archived", func(t *testing.T) {
		workflow := seedWorkflow(t, p, "owner-3")

		exists, err := repo.ExistsByNameAndOwner(ctx, "Welcome-Sequence", "owner-3")
		require.NoError(t, err)
		assert.True(t, exists)

		workflow.Archive(time.Now().UTC())
		require.NoError(t, repo.Update(ctx, workflow))

		exists, err = repo.ExistsByNameAndOwner(ctx, "welcome-sequence", "owner-3")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("Update persists engine binding", func(t *testing.T) {
		workflow := seedWorkflow(t, p, "owner-4")

		now := time.Now().UTC()
		require.NoError(t, workflow.BindEngineWorkflow("eng-wf-42", now))
		require.NoError(t, workflow.Activate(now))
		require.NoError(t, repo.Update(ctx, workflow))

		fetched, err := repo.GetByEngineWorkflowID(ctx, "eng-wf-42")
		require.NoError(t, err)
		require.NotNil(t, fetched)
		assert.Equal(t, workflow.ID, fetched.ID)
		assert.Equal(t, models.WorkflowStatusActive, fetched.Status)
	})
}

func TestExecutionRepository_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	dbURL, cleanup := setupTestDB(t)
	defer cleanup()

	p := setupPersistence(t, dbURL)
	ctx := context.Background()
	repo := p.ExecutionRepository()

	workflow := seedWorkflow(t, p, "run-owner")

	newExecution := func(t *testing.T, id string) *models.WorkflowExecution {
		t.Helper()

		execution, err := models.StartExecution(id, workflow.ID, workflow.OwnerID, 1, `{"contact":"c-1"}`, time.Now().UTC())
		require.NoError(t, err)
		require.NoError(t, repo.Add(ctx, execution))

		return execution
	}

	t.Run("Add sets row version", func(t *testing.T) {
		execution := newExecution(t, "exec-1")

		fetched, err := repo.GetByID(ctx, execution.ID)
		require.NoError(t, err)
		require.NotNil(t, fetched)

		assert.Equal(t, models.ExecutionStatusPending, fetched.Status)
		assert.Equal(t, int64(1), fetched.RowVersion)
	})

	t.Run("Update increments row version", func(t *testing.T) {
		execution := newExecution(t, "exec-2")

		fetched, err := repo.GetByID(ctx, execution.ID)
		require.NoError(t, err)
		require.NoError(t, fetched.SetStatus(models.ExecutionStatusRunning))
		require.NoError(t, repo.Update(ctx, fetched))

		fetched, err = repo.GetByID(ctx, execution.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusRunning, fetched.Status)
		assert.Equal(t, int64(2), fetched.RowVersion)
	})

	t.Run("Stale update conflicts", func(t *testing.T) {
		execution := newExecution(t, "exec-3")

		first, err := repo.GetByID(ctx, execution.ID)
		require.NoError(t, err)
		second, err := repo.GetByID(ctx, execution.ID)
		require.NoError(t, err)

		require.NoError(t, first.Complete(`{"ok":true}`, time.Now().UTC()))
		require.NoError(t, repo.Update(ctx, first))

		require.NoError(t, second.Fail("engine timeout", time.Now().UTC()))
		err = repo.Update(ctx, second)
		require.Error(t, err)
		assert.True(t, persistence.IsVersionConflict(err))

		// The winner's state must survive the losing write.
		fetched, err := repo.GetByID(ctx, execution.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusCompleted, fetched.Status)
	})

	t.Run("Idempotency key lookup", func(t *testing.T) {
		execution := newExecution(t, "exec-4")
		execution.SetIdempotencyKey("engine-run-99")
		require.NoError(t, repo.Update(ctx, execution))

		fetched, err := repo.GetByIdempotencyKey(ctx, "engine-run-99")
		require.NoError(t, err)
		require.NotNil(t, fetched)
		assert.Equal(t, execution.ID, fetched.ID)

		missing, err := repo.GetByIdempotencyKey(ctx, "never-seen")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("Pending approvals", func(t *testing.T) {
		execution := newExecution(t, "exec-5")
		require.NoError(t, execution.SetStatus(models.ExecutionStatusRunning))
		require.NoError(t, execution.RequestApproval(2, time.Now().UTC()))
		require.NoError(t, repo.Update(ctx, execution))

		waiting, err := repo.GetPendingApprovals(ctx, workflow.OwnerID)
		require.NoError(t, err)
		require.Len(t, waiting, 1)
		assert.Equal(t, execution.ID, waiting[0].ID)
		assert.Equal(t, 2, waiting[0].CurrentStepIndex)
	})

	t.Run("HealthCheck", func(t *testing.T) {
		require.NoError(t, p.HealthCheck(ctx))
	})
}
