package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/machshop/workflow/pkg/models"
)

func TestEvaluateRulesPriorityFirstWins(t *testing.T) {
	rules := []models.WorkflowRule{
		{
			ID:       "b",
			Name:     "later",
			Priority: 20,
			Action:   models.RuleChangeApprovers,
			ActionParams: map[string]any{
				"stage_number": 2,
				"approvers":    []any{"loser"},
			},
		},
		{
			ID:       "a",
			Name:     "earlier",
			Priority: 10,
			Action:   models.RuleSkipStage,
			ActionParams: map[string]any{
				"stage_number": 2,
			},
		},
	}

	d, err := evaluateRules(rules, nil, "", time.Now())
	require.NoError(t, err)
	assert.True(t, d.skipStages[2], "lower priority value evaluates first")
	assert.Empty(t, d.approvers[2], "later conflicting directive for the same stage is ignored")
}

func TestEvaluateRulesConditionOperators(t *testing.T) {
	facts := map[string]any{
		"cost":     float64(12000),
		"category": "SAFETY",
		"plants":   []any{"P1", "P2"},
	}

	cases := []struct {
		name string
		cond models.RuleCondition
		want bool
	}{
		{"gt match", models.RuleCondition{Field: "cost", Operator: models.OpGT, Value: 10000}, true},
		{"gt numeric string", models.RuleCondition{Field: "cost", Operator: models.OpGT, Value: "9000"}, true},
		{"lte miss", models.RuleCondition{Field: "cost", Operator: models.OpLTE, Value: 10000}, false},
		{"eq string", models.RuleCondition{Field: "category", Operator: models.OpEQ, Value: "SAFETY"}, true},
		{"in", models.RuleCondition{Field: "category", Operator: models.OpIn, Value: []any{"SAFETY", "REGULATORY"}}, true},
		{"contains slice", models.RuleCondition{Field: "plants", Operator: models.OpContains, Value: "P2"}, true},
		{"ne on absent field", models.RuleCondition{Field: "missing", Operator: models.OpNE, Value: "x"}, true},
		{"eq on absent field", models.RuleCondition{Field: "missing", Operator: models.OpEQ, Value: "x"}, false},
		{"unconditional", models.RuleCondition{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := evalCondition(tc.cond, facts)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvaluateRulesSetDeadline(t *testing.T) {
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	rules := []models.WorkflowRule{
		{
			ID:           "stage-deadline",
			Name:         "tight stage",
			Action:       models.RuleSetDeadline,
			ActionParams: map[string]any{"stage_number": 1, "hours": 8},
		},
		{
			ID:           "instance-deadline",
			Name:         "overall",
			Action:       models.RuleSetDeadline,
			ActionParams: map[string]any{"hours": 72},
		},
	}

	d, err := evaluateRules(rules, nil, "", now)
	require.NoError(t, err)
	assert.Equal(t, 8, d.stageDeadline[1])
	require.NotNil(t, d.deadline)
	assert.Equal(t, now.Add(72*time.Hour), *d.deadline)
}

func TestRemediationStageOnRejection(t *testing.T) {
	rig := newTestRig(t, nil)
	def := threeStageDefinition()
	def.Rules = []models.WorkflowRule{{
		Name:      "rework-on-changes",
		Condition: models.RuleCondition{Field: "lastStageOutcome", Operator: models.OpEQ, Value: "CHANGES_REQUESTED"},
		Action:    models.RuleAddStage,
		ActionParams: map[string]any{
			"stage": map[string]any{
				"name":                "rework",
				"approval_type":       "ANY_ONE",
				"assignment_strategy": "MANUAL",
				"approvers":           []any{"fixer"},
			},
		},
	}}
	defID := rig.define(t, def)
	inst := rig.start(t, defID, "ECR", "ecr-rw-1", nil)
	ctx := context.Background()

	a := rig.openAssignment(t, inst.ID, "eng1")
	_, err := rig.engine.Act(ctx, a.ID, "eng1", models.ActionChangesRequested, "fix title block", "")
	require.NoError(t, err)

	// Instead of halting, the instance routes into the inserted rework stage.
	cur := rig.instance(t, inst.ID)
	assert.Equal(t, models.InstanceInProgress, cur.Status)
	assert.Equal(t, 2, cur.CurrentStageNumber)
	assert.Len(t, cur.Plan, 4)
	assert.Equal(t, "rework", cur.Plan[1].Name)
	assert.Equal(t, "quality-review", cur.Plan[2].Name, "later stages renumber forward")

	rig.approve(t, inst.ID, "fixer")
	assert.Equal(t, 3, rig.instance(t, inst.ID).CurrentStageNumber)
}

func TestSkipStageDirective(t *testing.T) {
	rig := newTestRig(t, nil)
	def := threeStageDefinition()
	def.Stages[1].AllowSkip = true
	def.Rules = []models.WorkflowRule{{
		Name:         "skip-quality-for-docs",
		Condition:    models.RuleCondition{Field: "change_class", Operator: models.OpEQ, Value: "DOCUMENT_ONLY"},
		Action:       models.RuleSkipStage,
		ActionParams: map[string]any{"stage_number": 2},
	}}
	defID := rig.define(t, def)
	inst := rig.start(t, defID, "ECR", "ecr-skip-1", map[string]any{"change_class": "DOCUMENT_ONLY"})
	ctx := context.Background()

	rig.approve(t, inst.ID, "eng1")
	rig.approve(t, inst.ID, "eng2")

	cur := rig.instance(t, inst.ID)
	assert.Equal(t, 3, cur.CurrentStageNumber)

	skipped, err := rig.store.GetStageInstanceByNumber(ctx, inst.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, models.StageSkipped, skipped.Status)
	assert.Equal(t, models.OutcomeSkipped, skipped.Outcome)
}

func TestSkipRequiresAllowSkip(t *testing.T) {
	rig := newTestRig(t, nil)
	def := threeStageDefinition() // stage 2 has AllowSkip false
	def.Rules = []models.WorkflowRule{{
		Name:         "skip-quality",
		Action:       models.RuleSkipStage,
		ActionParams: map[string]any{"stage_number": 2},
	}}
	defID := rig.define(t, def)
	inst := rig.start(t, defID, "ECR", "ecr-skip-2", nil)

	rig.approve(t, inst.ID, "eng1")
	rig.approve(t, inst.ID, "eng2")

	// The directive is ignored for a stage that does not allow skipping.
	assert.Equal(t, 2, rig.instance(t, inst.ID).CurrentStageNumber)
}

func TestChangeApproversDirective(t *testing.T) {
	rig := newTestRig(t, nil)
	def := threeStageDefinition()
	def.Rules = []models.WorkflowRule{{
		Name:      "reroute-quality-for-safety",
		Condition: models.RuleCondition{Field: "category", Operator: models.OpEQ, Value: "SAFETY"},
		Action:    models.RuleChangeApprovers,
		ActionParams: map[string]any{
			"stage_number": 2,
			"approvers":    []any{"safety-officer"},
		},
	}}
	defID := rig.define(t, def)
	inst := rig.start(t, defID, "ECR", "ecr-appr-1", map[string]any{"category": "SAFETY"})

	rig.approve(t, inst.ID, "eng1")
	rig.approve(t, inst.ID, "eng2")

	// Stage 2 is assigned to the override, not the definition's approvers.
	a := rig.openAssignment(t, inst.ID, "safety-officer")
	assert.Equal(t, models.AssignmentRequired, a.AssignmentType)

	open, err := rig.store.ListOpenAssignmentsByUser(context.Background(), "qa1")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestRequireSignatureDirective(t *testing.T) {
	rig := newTestRig(t, nil)
	def := threeStageDefinition()
	def.Rules = []models.WorkflowRule{{
		Name:      "sign-management-for-regulatory",
		Condition: models.RuleCondition{Field: "category", Operator: models.OpEQ, Value: "REGULATORY"},
		Action:    models.RuleRequireSignatureType,
		ActionParams: map[string]any{
			"stage_number": 3,
		},
	}}
	defID := rig.define(t, def)
	inst := rig.start(t, defID, "ECR", "ecr-sig-1", map[string]any{"category": "REGULATORY"})
	ctx := context.Background()

	rig.approve(t, inst.ID, "eng1")
	rig.approve(t, inst.ID, "eng2")
	rig.approve(t, inst.ID, "qa1")

	a := rig.openAssignment(t, inst.ID, "mgr1")
	_, err := rig.engine.Act(ctx, a.ID, "mgr1", models.ActionApproved, "", "")
	assert.ErrorIs(t, err, ErrSignatureRequired)

	_, err = rig.engine.Act(ctx, a.ID, "mgr1", models.ActionApproved, "", "sig:mgr1")
	assert.NoError(t, err)
}

func TestNotificationDirective(t *testing.T) {
	rig := newTestRig(t, nil)
	notifier := &recordingNotifier{}
	rig.engine.notifier = notifier

	def := threeStageDefinition()
	def.Rules = []models.WorkflowRule{{
		Name:      "alert-stakeholders",
		Condition: models.RuleCondition{Field: "cost", Operator: models.OpGT, Value: 50000},
		Action:    models.RuleSendNotification,
		ActionParams: map[string]any{
			"template":   "high-cost-change",
			"recipients": []any{"cfo@plant"},
		},
	}}
	defID := rig.define(t, def)
	inst := rig.start(t, defID, "ECR", "ecr-ntf-1", map[string]any{"cost": 60000})

	history, err := rig.engine.GetHistory(context.Background(), inst.ID)
	require.NoError(t, err)
	found := false
	for _, h := range history {
		if h.EventType == models.EventNotificationSent {
			found = true
			assert.Equal(t, "high-cost-change", h.Details["template"])
		}
	}
	assert.True(t, found, "notification should be recorded in history")

	assert.Eventually(t, func() bool {
		notifier.mu.Lock()
		defer notifier.mu.Unlock()
		for _, s := range notifier.subjects {
			if s == "workflow.notification" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestNotificationFiresOncePerInstance(t *testing.T) {
	rig := newTestRig(t, nil)
	notifier := &recordingNotifier{}
	rig.engine.notifier = notifier

	def := threeStageDefinition()
	def.Rules = []models.WorkflowRule{{
		Name:      "alert-stakeholders",
		Condition: models.RuleCondition{Field: "cost", Operator: models.OpGT, Value: 50000},
		Action:    models.RuleSendNotification,
		ActionParams: map[string]any{
			"template":   "high-cost-change",
			"recipients": []any{"cfo@plant"},
		},
	}}
	defID := rig.define(t, def)
	inst := rig.start(t, defID, "ECR", "ecr-ntf-2", map[string]any{"cost": 60000})

	// The condition holds on every advance pass; walk the whole pipeline.
	rig.approve(t, inst.ID, "eng1")
	rig.approve(t, inst.ID, "eng2")
	rig.approve(t, inst.ID, "qa1")
	rig.approve(t, inst.ID, "mgr1")
	rig.approve(t, inst.ID, "mgr2")
	require.Equal(t, models.InstanceCompleted, rig.instance(t, inst.ID).Status)

	history, err := rig.engine.GetHistory(context.Background(), inst.ID)
	require.NoError(t, err)
	sent := 0
	for _, h := range history {
		if h.EventType == models.EventNotificationSent {
			sent++
			assert.Equal(t, "alert-stakeholders", h.Details["rule"])
		}
	}
	assert.Equal(t, 1, sent, "a matching rule notifies once per instance, not once per pass")
}
