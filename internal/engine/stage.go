package engine

import (
	"context"
	"errors"
	"time"

	"github.com/machshop/workflow/internal/repository"
	"github.com/machshop/workflow/pkg/models"
)

// Act records an approver's action on an assignment and, when the action
// resolves the stage, advances the workflow. The stage-completion claim is a
// version-checked status swap, so of any number of concurrent callers that
// observe the stage becoming terminal, exactly one advances the instance.
func (e *Engine) Act(ctx context.Context, assignmentID, actorID string, action models.AssignmentAction, comments, signatureRef string) (*models.WorkflowAssignment, error) {
	if !action.Vote() {
		return nil, ErrInvalidAction
	}
	a, err := e.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	inst, err := e.store.GetInstance(ctx, a.InstanceID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if inst.Status.Terminal() {
		return nil, ErrInstanceTerminal
	}
	if inst.Status == models.InstanceOnHold {
		return nil, ErrInstanceOnHold
	}
	if a.AssigneeID != actorID {
		return nil, ErrNotAssigned
	}
	if a.Action != "" || a.Status != models.AssignmentOpen {
		return nil, ErrAlreadyActed
	}
	si, err := e.store.GetStageInstance(ctx, a.StageInstanceID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	stage := planStage(inst, si.StageNumber)
	if stage != nil && stage.RequireSignature && action == models.ActionApproved && signatureRef == "" {
		return nil, ErrSignatureRequired
	}

	updated, err := e.store.RecordAssignmentAction(ctx, assignmentID, action, comments, signatureRef, e.now())
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if err := e.record(ctx, &models.WorkflowHistory{
		InstanceID:  inst.ID,
		EventType:   models.EventAssignmentActed,
		StageNumber: si.StageNumber,
		Actor:       actorID,
		ToStatus:    string(action),
		Details:     map[string]any{"assignment_id": assignmentID, "comments": comments},
	}); err != nil {
		return nil, err
	}

	if updated.AssignmentType == models.AssignmentObserver {
		return updated, nil
	}

	if updated.GroupID != "" {
		res, err := e.applyToGroup(ctx, updated, action)
		if err != nil {
			return nil, err
		}
		if res.first {
			outcome := stageOutcomeFor(res.group, action)
			if err := e.resolveStage(ctx, inst.ID, si.ID, outcome, actorID); err != nil {
				return nil, err
			}
		}
		return updated, nil
	}

	// Ungrouped: a lone binding vote resolves the stage directly. Under
	// ALL_REQUIRED only a REQUIRED vote binds; the other approval types
	// accept a lone OPTIONAL voter too.
	binding := updated.AssignmentType == models.AssignmentRequired
	if !binding && stage != nil && stage.ApprovalType != models.ApprovalAllRequired {
		binding = updated.AssignmentType == models.AssignmentOptional
	}
	if binding {
		if err := e.resolveStage(ctx, inst.ID, si.ID, actionOutcome(action), actorID); err != nil {
			return nil, err
		}
	}
	return updated, nil
}

// Delegate transfers one open assignment to another user. The original is
// closed as DELEGATED — invisible to the coordination counters — and a
// successor assignment inherits its group slot and escalation level.
func (e *Engine) Delegate(ctx context.Context, assignmentID, actorID, toUserID, reason string, expiry *time.Time) (*models.WorkflowAssignment, error) {
	a, err := e.store.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	inst, err := e.store.GetInstance(ctx, a.InstanceID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if inst.Status.Terminal() {
		return nil, ErrInstanceTerminal
	}
	if a.AssigneeID != actorID {
		return nil, ErrNotAssigned
	}
	si, err := e.store.GetStageInstance(ctx, a.StageInstanceID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	stage := planStage(inst, si.StageNumber)
	if stage == nil || !stage.AllowDelegation {
		return nil, ErrDelegationNotAllowed
	}

	// Closing first makes double-delegation a clean conflict.
	now := e.now()
	if err := e.store.CloseAssignment(ctx, assignmentID, models.ActionDelegated, now); err != nil {
		return nil, mapStoreErr(err)
	}
	successor := &models.WorkflowAssignment{
		ID:               newID(),
		InstanceID:       a.InstanceID,
		StageInstanceID:  a.StageInstanceID,
		GroupID:          a.GroupID,
		AssigneeID:       toUserID,
		Role:             a.Role,
		AssignmentType:   a.AssignmentType,
		Weight:           a.Weight,
		Status:           models.AssignmentOpen,
		DelegatedFromID:  a.AssigneeID,
		DelegationReason: reason,
		DelegationExpiry: expiry,
		DueDate:          a.DueDate,
		EscalationLevel:  a.EscalationLevel,
		CreatedAt:        now,
	}
	if err := e.store.CreateAssignment(ctx, successor); err != nil {
		return nil, err
	}
	if err := e.record(ctx, &models.WorkflowHistory{
		InstanceID:  a.InstanceID,
		EventType:   models.EventAssignmentDelegated,
		StageNumber: si.StageNumber,
		Actor:       actorID,
		Details: map[string]any{
			"assignment_id": assignmentID,
			"successor_id":  successor.ID,
			"delegatee":     toUserID,
			"reason":        reason,
		},
	}); err != nil {
		return nil, err
	}
	return successor, nil
}

// resolveStage claims the stage's completion. The version-checked update is
// the election: a caller that loses the swap re-reads, sees the stage
// already terminal, and walks away without advancing.
func (e *Engine) resolveStage(ctx context.Context, instanceID, stageInstanceID string, outcome models.StageOutcome, actor string) error {
	for attempt := 0; attempt < e.retryBudget; attempt++ {
		si, err := e.store.GetStageInstance(ctx, stageInstanceID)
		if err != nil {
			return mapStoreErr(err)
		}
		if stageTerminal(si.Status) {
			return nil
		}
		now := e.now()
		from := si.Status
		si.Status = models.StageCompleted
		si.Outcome = outcome
		si.CompletedAt = &now
		if err := e.store.UpdateStageInstance(ctx, si); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				continue
			}
			return err
		}
		if err := e.record(ctx, &models.WorkflowHistory{
			InstanceID:  instanceID,
			EventType:   models.EventStageCompleted,
			StageNumber: si.StageNumber,
			FromStatus:  string(from),
			ToStatus:    string(models.StageCompleted),
			Actor:       actor,
			Details:     map[string]any{"outcome": outcome},
		}); err != nil {
			return err
		}
		return e.advance(ctx, instanceID)
	}
	return ErrTransient
}

// stageOutcomeFor maps a group decision to the stage outcome. When an
// all-must-approve group fails fast on a changes-requested vote, the stage
// carries that nuance instead of a plain rejection.
func stageOutcomeFor(g *models.WorkflowParallelCoordination, resolving models.AssignmentAction) models.StageOutcome {
	if g.GroupDecision == models.DecisionApproved {
		return models.OutcomeApproved
	}
	if g.CompletionType == models.CompletionAll && resolving == models.ActionChangesRequested {
		return models.OutcomeChangesRequested
	}
	return models.OutcomeRejected
}

func actionOutcome(action models.AssignmentAction) models.StageOutcome {
	switch action {
	case models.ActionApproved:
		return models.OutcomeApproved
	case models.ActionChangesRequested:
		return models.OutcomeChangesRequested
	default:
		return models.OutcomeRejected
	}
}
