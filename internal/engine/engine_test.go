package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machshop/workflow/internal/repository"
	"github.com/machshop/workflow/pkg/models"
)

// NoOpLogger for testing
type NoOpLogger struct{}

func (l *NoOpLogger) Debug(msg string, args ...any) {}
func (l *NoOpLogger) Info(msg string, args ...any)  {}
func (l *NoOpLogger) Warn(msg string, args ...any)  {}
func (l *NoOpLogger) Error(msg string, args ...any) {}

// testClock is a settable clock shared by a test and its engine.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu       sync.Mutex
	subjects []string
}

func (n *recordingNotifier) Publish(_ context.Context, subject string, _ map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subjects = append(n.subjects, subject)
	return nil
}

type testRig struct {
	engine *Engine
	store  *repository.MemoryStore
	clock  *testClock
}

func newTestRig(t *testing.T, roles StaticDirectory) *testRig {
	t.Helper()
	store := repository.NewMemoryStore()
	clock := newTestClock()
	eng := New(Config{
		Store:  store,
		Roles:  roles,
		Logger: &NoOpLogger{},
		Clock:  clock.Now,
	})
	return &testRig{engine: eng, store: store, clock: clock}
}

// threeStageDefinition is the canonical engineering/quality/management
// pipeline used across the lifecycle tests.
func threeStageDefinition() *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		Name:         "ecr-approval",
		WorkflowType: "ENGINEERING_CHANGE",
		Stages: []models.WorkflowStage{
			{
				StageNumber:        1,
				Name:               "engineering-review",
				ApprovalType:       models.ApprovalAllRequired,
				AssignmentStrategy: models.StrategyManual,
				Approvers:          []string{"eng1", "eng2"},
			},
			{
				StageNumber:        2,
				Name:               "quality-review",
				ApprovalType:       models.ApprovalAnyOne,
				AssignmentStrategy: models.StrategyManual,
				Approvers:          []string{"qa1", "qa2"},
			},
			{
				StageNumber:        3,
				Name:               "management-approval",
				ApprovalType:       models.ApprovalThreshold,
				MinimumApprovals:   2,
				AssignmentStrategy: models.StrategyManual,
				Approvers:          []string{"mgr1", "mgr2", "mgr3"},
			},
		},
	}
}

func (r *testRig) define(t *testing.T, def *models.WorkflowDefinition) string {
	t.Helper()
	id, err := r.engine.DefineWorkflow(context.Background(), def)
	require.NoError(t, err)
	return id
}

func (r *testRig) start(t *testing.T, defID, entityType, entityID string, ctxData map[string]any) *models.WorkflowInstance {
	t.Helper()
	inst, err := r.engine.Start(context.Background(), defID, entityType, entityID, ctxData, "initiator")
	require.NoError(t, err)
	return inst
}

// openAssignment finds the user's single open assignment on the instance.
func (r *testRig) openAssignment(t *testing.T, instanceID, userID string) *models.WorkflowAssignment {
	t.Helper()
	open, err := r.store.ListOpenAssignmentsByUser(context.Background(), userID)
	require.NoError(t, err)
	for _, a := range open {
		if a.InstanceID == instanceID {
			return a
		}
	}
	t.Fatalf("no open assignment for %s on %s", userID, instanceID)
	return nil
}

func (r *testRig) approve(t *testing.T, instanceID, userID string) {
	t.Helper()
	a := r.openAssignment(t, instanceID, userID)
	_, err := r.engine.Act(context.Background(), a.ID, userID, models.ActionApproved, "", "")
	require.NoError(t, err)
}

func (r *testRig) instance(t *testing.T, id string) *models.WorkflowInstance {
	t.Helper()
	inst, err := r.engine.GetInstance(context.Background(), id)
	require.NoError(t, err)
	return inst
}

func TestFullApprovalWalkthrough(t *testing.T) {
	rig := newTestRig(t, nil)
	defID := rig.define(t, threeStageDefinition())
	inst := rig.start(t, defID, "ECR", "ecr-1001", nil)

	assert.Equal(t, models.InstanceInProgress, inst.Status)
	assert.Equal(t, 1, inst.CurrentStageNumber)

	// Stage 1: both engineers must approve.
	rig.approve(t, inst.ID, "eng1")
	assert.Equal(t, 1, rig.instance(t, inst.ID).CurrentStageNumber)
	rig.approve(t, inst.ID, "eng2")
	assert.Equal(t, 2, rig.instance(t, inst.ID).CurrentStageNumber)

	// Stage 2: any one of quality.
	ctx := context.Background()
	rig.approve(t, inst.ID, "qa2")
	assert.Equal(t, 3, rig.instance(t, inst.ID).CurrentStageNumber)

	// qa1's losing slot stays open for record-keeping until the instance
	// finishes; a late vote is accepted without reopening the stage.
	open, err := rig.store.ListOpenAssignmentsByUser(ctx, "qa1")
	require.NoError(t, err)
	require.Len(t, open, 1, "losing ANY_ONE slot stays open while the run is live")
	late, err := rig.engine.Act(ctx, open[0].ID, "qa1", models.ActionApproved, "concur", "")
	require.NoError(t, err)
	assert.Equal(t, models.AssignmentClosed, late.Status)
	assert.Equal(t, 3, rig.instance(t, inst.ID).CurrentStageNumber)

	// Stage 3: two of three managers.
	rig.approve(t, inst.ID, "mgr1")
	assert.Equal(t, models.InstanceInProgress, rig.instance(t, inst.ID).Status)
	rig.approve(t, inst.ID, "mgr3")

	final := rig.instance(t, inst.ID)
	assert.Equal(t, models.InstanceCompleted, final.Status)
	require.NotNil(t, final.CompletedAt)

	// Finalization sweeps up whatever is still open (mgr2's slot).
	leftover, err := rig.store.ListOpenAssignmentsByInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Empty(t, leftover)
}

func TestAdvanceAdoptsExistingStage(t *testing.T) {
	rig := newTestRig(t, nil)
	def := &models.WorkflowDefinition{
		Name:         "two-step",
		WorkflowType: "DEVIATION",
		Stages: []models.WorkflowStage{
			{
				StageNumber:        1,
				Name:               "prep",
				ApprovalType:       models.ApprovalAllRequired,
				AssignmentStrategy: models.StrategyManual,
				Approvers:          []string{"eng1"},
			},
			{
				StageNumber:        2,
				Name:               "release",
				ApprovalType:       models.ApprovalAnyOne,
				AssignmentStrategy: models.StrategyManual,
				Approvers:          []string{"qa1"},
			},
		},
	}
	defID := rig.define(t, def)
	inst := rig.start(t, defID, "DEV", "dev-adopt-1", nil)
	ctx := context.Background()

	// Plant the state a crashed advancement pass leaves behind: stage 2 and
	// its assignment exist, but the instance cursor never moved off stage 1.
	orphan := &models.WorkflowStageInstance{
		ID:           newID(),
		InstanceID:   inst.ID,
		StageNumber:  2,
		Name:         "release",
		ApprovalType: models.ApprovalAnyOne,
		Status:       models.StageInProgress,
		StartedAt:    rig.clock.Now(),
	}
	require.NoError(t, rig.store.CreateStageInstance(ctx, orphan))
	slot := &models.WorkflowAssignment{
		ID:              newID(),
		InstanceID:      inst.ID,
		StageInstanceID: orphan.ID,
		AssigneeID:      "qa1",
		AssignmentType:  models.AssignmentRequired,
		Status:          models.AssignmentOpen,
		CreatedAt:       rig.clock.Now(),
	}
	require.NoError(t, rig.store.CreateAssignment(ctx, slot))

	// Completing stage 1 collides with the pre-existing stage 2 row; the
	// advance adopts it and repairs the cursor instead of wedging.
	rig.approve(t, inst.ID, "eng1")
	assert.Equal(t, 2, rig.instance(t, inst.ID).CurrentStageNumber)

	// The adopted stage's assignment still drives the run to completion.
	_, err := rig.engine.Act(ctx, slot.ID, "qa1", models.ActionApproved, "", "")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceCompleted, rig.instance(t, inst.ID).Status)
}

func TestAllRequiredRejectionFailsFast(t *testing.T) {
	rig := newTestRig(t, nil)
	defID := rig.define(t, threeStageDefinition())
	inst := rig.start(t, defID, "ECR", "ecr-2001", nil)

	a := rig.openAssignment(t, inst.ID, "eng1")
	_, err := rig.engine.Act(context.Background(), a.ID, "eng1", models.ActionRejected, "tolerance stack-up", "")
	require.NoError(t, err)

	final := rig.instance(t, inst.ID)
	assert.Equal(t, models.InstanceRejected, final.Status)

	// eng2's vote no longer has anything open to land on.
	open, err := rig.store.ListOpenAssignmentsByUser(context.Background(), "eng2")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestDuplicateActiveInstanceRejected(t *testing.T) {
	rig := newTestRig(t, nil)
	defID := rig.define(t, threeStageDefinition())
	rig.start(t, defID, "ECR", "ecr-3001", nil)

	_, err := rig.engine.Start(context.Background(), defID, "ECR", "ecr-3001", nil, "initiator")
	assert.ErrorIs(t, err, ErrDuplicateInstance)

	// A different entity is fine.
	_, err = rig.engine.Start(context.Background(), defID, "ECR", "ecr-3002", nil, "initiator")
	assert.NoError(t, err)
}

func TestActValidation(t *testing.T) {
	rig := newTestRig(t, nil)
	defID := rig.define(t, threeStageDefinition())
	inst := rig.start(t, defID, "ECR", "ecr-4001", nil)
	ctx := context.Background()

	a := rig.openAssignment(t, inst.ID, "eng1")

	_, err := rig.engine.Act(ctx, a.ID, "eng1", models.AssignmentAction("MAYBE"), "", "")
	assert.ErrorIs(t, err, ErrInvalidAction)

	_, err = rig.engine.Act(ctx, a.ID, "somebody-else", models.ActionApproved, "", "")
	assert.ErrorIs(t, err, ErrNotAssigned)

	_, err = rig.engine.Act(ctx, a.ID, "eng1", models.ActionApproved, "", "")
	require.NoError(t, err)

	_, err = rig.engine.Act(ctx, a.ID, "eng1", models.ActionApproved, "", "")
	assert.ErrorIs(t, err, ErrAlreadyActed)
}

func TestHoldBlocksActionsAndResumeRestores(t *testing.T) {
	rig := newTestRig(t, nil)
	defID := rig.define(t, threeStageDefinition())
	inst := rig.start(t, defID, "ECR", "ecr-5001", nil)
	ctx := context.Background()

	require.NoError(t, rig.engine.Hold(ctx, inst.ID, "admin"))
	assert.Equal(t, models.InstanceOnHold, rig.instance(t, inst.ID).Status)

	a := rig.openAssignment(t, inst.ID, "eng1")
	_, err := rig.engine.Act(ctx, a.ID, "eng1", models.ActionApproved, "", "")
	assert.ErrorIs(t, err, ErrInstanceOnHold)

	// Holding twice is a no-op.
	require.NoError(t, rig.engine.Hold(ctx, inst.ID, "admin"))

	require.NoError(t, rig.engine.Resume(ctx, inst.ID, "admin"))
	_, err = rig.engine.Act(ctx, a.ID, "eng1", models.ActionApproved, "", "")
	assert.NoError(t, err)
}

func TestCancelClosesOpenWork(t *testing.T) {
	rig := newTestRig(t, nil)
	defID := rig.define(t, threeStageDefinition())
	inst := rig.start(t, defID, "ECR", "ecr-6001", nil)
	ctx := context.Background()

	require.NoError(t, rig.engine.Cancel(ctx, inst.ID, "superseded by rev B", "admin"))

	final := rig.instance(t, inst.ID)
	assert.Equal(t, models.InstanceCancelled, final.Status)

	open, err := rig.store.ListOpenAssignmentsByInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Empty(t, open)

	assert.ErrorIs(t, rig.engine.Cancel(ctx, inst.ID, "again", "admin"), ErrAlreadyTerminal)
	assert.ErrorIs(t, rig.engine.Hold(ctx, inst.ID, "admin"), ErrAlreadyTerminal)

	// The entity is free for a new workflow once the old one is cancelled.
	_, err = rig.engine.Start(ctx, defID, "ECR", "ecr-6001", nil, "initiator")
	assert.NoError(t, err)
}

func TestHistoryReplayMatchesTerminalStatus(t *testing.T) {
	rig := newTestRig(t, nil)
	defID := rig.define(t, threeStageDefinition())
	inst := rig.start(t, defID, "ECR", "ecr-7001", nil)

	rig.approve(t, inst.ID, "eng1")
	rig.approve(t, inst.ID, "eng2")
	rig.approve(t, inst.ID, "qa1")
	rig.approve(t, inst.ID, "mgr2")
	rig.approve(t, inst.ID, "mgr3")

	history, err := rig.engine.GetHistory(context.Background(), inst.ID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, models.EventWorkflowStarted, history[0].EventType)

	// Folding the log reproduces the instance's terminal state.
	var replayed models.InstanceStatus
	stageCompletions := 0
	for _, h := range history {
		switch h.EventType {
		case models.EventWorkflowStarted:
			replayed = models.InstanceInProgress
		case models.EventStageCompleted:
			stageCompletions++
		case models.EventWorkflowCompleted:
			replayed = models.InstanceCompleted
		case models.EventWorkflowRejected:
			replayed = models.InstanceRejected
		case models.EventWorkflowCancelled:
			replayed = models.InstanceCancelled
		}
	}
	assert.Equal(t, 3, stageCompletions)
	assert.Equal(t, rig.instance(t, inst.ID).Status, replayed)
}

func TestDefineWorkflowValidation(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	_, err := rig.engine.DefineWorkflow(ctx, &models.WorkflowDefinition{Name: "empty", WorkflowType: "X"})
	assert.ErrorIs(t, err, ErrInvalidStageOrder)

	gapped := threeStageDefinition()
	gapped.Stages[2].StageNumber = 5
	_, err = rig.engine.DefineWorkflow(ctx, gapped)
	assert.ErrorIs(t, err, ErrInvalidStageOrder)

	noMin := threeStageDefinition()
	noMin.Stages[2].MinimumApprovals = 0
	_, err = rig.engine.DefineWorkflow(ctx, noMin)
	assert.ErrorIs(t, err, ErrInvalidRule)

	badRule := threeStageDefinition()
	badRule.Rules = []models.WorkflowRule{{
		Name:   "broken",
		Action: models.RuleSkipStage, // missing stage_number
	}}
	_, err = rig.engine.DefineWorkflow(ctx, badRule)
	assert.ErrorIs(t, err, ErrInvalidRule)
}

func TestStartRequiresActiveDefinition(t *testing.T) {
	rig := newTestRig(t, nil)
	defID := rig.define(t, threeStageDefinition())
	ctx := context.Background()

	require.NoError(t, rig.store.DeactivateDefinition(ctx, defID))
	_, err := rig.engine.Start(ctx, defID, "ECR", "ecr-8001", nil, "initiator")
	assert.ErrorIs(t, err, ErrDefinitionInactive)
}

func TestSignatureRequiredOnApproval(t *testing.T) {
	rig := newTestRig(t, nil)
	def := threeStageDefinition()
	def.Stages[0].RequireSignature = true
	defID := rig.define(t, def)
	inst := rig.start(t, defID, "ECR", "ecr-9001", nil)
	ctx := context.Background()

	a := rig.openAssignment(t, inst.ID, "eng1")
	_, err := rig.engine.Act(ctx, a.ID, "eng1", models.ActionApproved, "", "")
	assert.ErrorIs(t, err, ErrSignatureRequired)

	_, err = rig.engine.Act(ctx, a.ID, "eng1", models.ActionApproved, "", "sig:eng1:2025-06-02")
	assert.NoError(t, err)

	// Rejection never demands a signature.
	b := rig.openAssignment(t, inst.ID, "eng2")
	_, err = rig.engine.Act(ctx, b.ID, "eng2", models.ActionRejected, "bad datum", "")
	assert.NoError(t, err)
}
