package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/machshop/workflow/pkg/models"
)

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("workflow-test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Skipf("could not start postgres container: %s", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	store := NewPostgresStore(pool)
	require.NoError(t, store.EnsureSchema(ctx))

	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	def := &models.WorkflowDefinition{
		ID:           uuid.New().String(),
		Name:         "ecr-approval",
		WorkflowType: "ENGINEERING_CHANGE",
		Version:      1,
		Active:       true,
		Stages: []models.WorkflowStage{{
			StageNumber:        1,
			Name:               "review",
			ApprovalType:       models.ApprovalAllRequired,
			AssignmentStrategy: models.StrategyManual,
			Approvers:          []string{"alice"},
		}},
		CreatedAt: now,
	}
	require.NoError(t, store.CreateDefinition(ctx, def))

	t.Run("definition round trip", func(t *testing.T) {
		got, err := store.GetDefinition(ctx, def.ID)
		require.NoError(t, err)
		assert.Equal(t, "ecr-approval", got.Name)
		require.Len(t, got.Stages, 1)
		assert.Equal(t, models.ApprovalAllRequired, got.Stages[0].ApprovalType)
		assert.True(t, got.Active)

		require.NoError(t, store.DeactivateDefinition(ctx, def.ID))
		got, err = store.GetDefinition(ctx, def.ID)
		require.NoError(t, err)
		assert.False(t, got.Active)
	})

	newInstance := func(entityID string) *models.WorkflowInstance {
		return &models.WorkflowInstance{
			ID:           uuid.New().String(),
			DefinitionID: def.ID,
			WorkflowType: "ENGINEERING_CHANGE",
			EntityType:   "ECR",
			EntityID:     entityID,
			Status:       models.InstanceInProgress,
			ContextData:  map[string]any{"cost": 1200},
			Plan: []models.WorkflowStage{{
				StageNumber:        1,
				Name:               "review",
				ApprovalType:       models.ApprovalAllRequired,
				AssignmentStrategy: models.StrategyManual,
				Approvers:          []string{"alice"},
			}},
			StartedBy: "initiator",
			StartedAt: now,
		}
	}

	t.Run("instance round trip", func(t *testing.T) {
		inst := newInstance("ecr-pg-1")
		require.NoError(t, store.CreateInstance(ctx, inst))
		assert.Equal(t, 1, inst.Version)

		got, err := store.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, inst.EntityID, got.EntityID)
		assert.Equal(t, float64(1200), got.ContextData["cost"])
		require.Len(t, got.Plan, 1)
		assert.Equal(t, "review", got.Plan[0].Name)

		active, err := store.GetActiveInstanceByEntity(ctx, "ECR", "ecr-pg-1")
		require.NoError(t, err)
		assert.Equal(t, inst.ID, active.ID)
	})

	t.Run("duplicate active entity rejected", func(t *testing.T) {
		first := newInstance("ecr-pg-2")
		require.NoError(t, store.CreateInstance(ctx, first))

		dup := newInstance("ecr-pg-2")
		assert.ErrorIs(t, store.CreateInstance(ctx, dup), ErrDuplicate)

		// Closing the first frees the entity for a new run.
		first.Status = models.InstanceCancelled
		require.NoError(t, store.UpdateInstance(ctx, first))
		again := newInstance("ecr-pg-2")
		assert.NoError(t, store.CreateInstance(ctx, again))
	})

	t.Run("versioned update conflicts", func(t *testing.T) {
		inst := newInstance("ecr-pg-3")
		require.NoError(t, store.CreateInstance(ctx, inst))

		a, err := store.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		b, err := store.GetInstance(ctx, inst.ID)
		require.NoError(t, err)

		a.CurrentStageNumber = 2
		require.NoError(t, store.UpdateInstance(ctx, a))
		assert.Equal(t, 2, a.Version)

		b.Status = models.InstanceOnHold
		assert.ErrorIs(t, store.UpdateInstance(ctx, b), ErrConflict)
	})

	t.Run("assignment lifecycle", func(t *testing.T) {
		inst := newInstance("ecr-pg-4")
		require.NoError(t, store.CreateInstance(ctx, inst))
		si := &models.WorkflowStageInstance{
			ID:          uuid.New().String(),
			InstanceID:  inst.ID,
			StageNumber: 1,
			Name:        "review",
			Status:      models.StageInProgress,
			StartedAt:   now,
		}
		require.NoError(t, store.CreateStageInstance(ctx, si))

		a := &models.WorkflowAssignment{
			ID:              uuid.New().String(),
			InstanceID:      inst.ID,
			StageInstanceID: si.ID,
			AssigneeID:      "alice",
			Role:            "reviewers",
			AssignmentType:  models.AssignmentRequired,
			Weight:          1,
			Status:          models.AssignmentOpen,
			CreatedAt:       now,
		}
		require.NoError(t, store.CreateAssignment(ctx, a))

		open, err := store.ListOpenAssignmentsByUser(ctx, "alice")
		require.NoError(t, err)
		require.NotEmpty(t, open)

		acted, err := store.RecordAssignmentAction(ctx, a.ID, models.ActionApproved, "lgtm", "", now.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, models.AssignmentClosed, acted.Status)
		require.NotNil(t, acted.ActedAt)

		_, err = store.RecordAssignmentAction(ctx, a.ID, models.ActionRejected, "", "", now.Add(2*time.Hour))
		assert.ErrorIs(t, err, ErrAssignmentClosed)

		last, err := store.LastAssigneeForRole(ctx, "reviewers")
		require.NoError(t, err)
		assert.Equal(t, "alice", last)
	})

	t.Run("group counters survive the round trip", func(t *testing.T) {
		inst := newInstance("ecr-pg-5")
		require.NoError(t, store.CreateInstance(ctx, inst))
		si := &models.WorkflowStageInstance{
			ID:          uuid.New().String(),
			InstanceID:  inst.ID,
			StageNumber: 1,
			Name:        "review",
			Status:      models.StageInProgress,
			StartedAt:   now,
		}
		require.NoError(t, store.CreateStageInstance(ctx, si))

		g := &models.WorkflowParallelCoordination{
			ID:               uuid.New().String(),
			StageInstanceID:  si.ID,
			GroupID:          uuid.New().String(),
			CompletionType:   models.CompletionThresholdCount,
			ThresholdValue:   2,
			TotalAssignments: 3,
			TotalWeight:      3,
			GroupStatus:      models.GroupOpen,
		}
		require.NoError(t, store.CreateGroup(ctx, g))

		cur, err := store.GetGroup(ctx, si.ID, g.GroupID)
		require.NoError(t, err)
		cur.CompletedAssignments = 1
		cur.ApprovedAssignments = 1
		cur.ApprovedWeight = 1
		require.NoError(t, store.UpdateGroup(ctx, cur))

		stale := *g
		stale.CompletedAssignments = 1
		assert.ErrorIs(t, store.UpdateGroup(ctx, &stale), ErrConflict)

		got, err := store.GetGroup(ctx, si.ID, g.GroupID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.ApprovedAssignments)
		assert.Equal(t, models.CompletionThresholdCount, got.CompletionType)
	})

	t.Run("history appends in order", func(t *testing.T) {
		inst := newInstance("ecr-pg-6")
		require.NoError(t, store.CreateInstance(ctx, inst))
		for i, et := range []models.HistoryEventType{
			models.EventWorkflowStarted,
			models.EventStageStarted,
			models.EventAssignmentCreated,
		} {
			require.NoError(t, store.AppendHistory(ctx, &models.WorkflowHistory{
				ID:         uuid.New().String(),
				InstanceID: inst.ID,
				EventType:  et,
				CreatedAt:  now.Add(time.Duration(i) * time.Second),
			}))
		}
		events, err := store.ListHistory(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, models.EventWorkflowStarted, events[0].EventType)
		assert.Equal(t, models.EventAssignmentCreated, events[2].EventType)
	})

	t.Run("delegations by delegator", func(t *testing.T) {
		d := &models.WorkflowDelegation{
			ID:          uuid.New().String(),
			DelegatorID: "alice",
			DelegateeID: "bob",
			StartDate:   now,
			EndDate:     now.Add(24 * time.Hour),
			Reason:      "vacation",
			Active:      true,
			CreatedAt:   now,
		}
		require.NoError(t, store.CreateDelegation(ctx, d))

		ds, err := store.ListDelegationsByDelegator(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, ds, 1)
		assert.Equal(t, "bob", ds[0].DelegateeID)

		none, err := store.ListDelegationsByDelegator(ctx, "carol")
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}
