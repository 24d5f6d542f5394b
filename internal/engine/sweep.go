package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/machshop/workflow/pkg/models"
)

// Tick runs one delegation/escalation sweep over all open assignments. It is
// driven by an external scheduler and is idempotent: an assignment already
// escalated at its current level is closed and won't be seen again, and an
// overdue assignment with no escalation rule configured for its level is
// merely surfaced as overdue through the task projection. A failure on one
// assignment is logged and never blocks the rest of the sweep.
func (e *Engine) Tick(ctx context.Context) {
	open, err := e.store.ListOpenAssignments(ctx)
	if err != nil {
		e.logger.Error("sweep: listing open assignments failed", "error", err)
		return
	}
	now := e.now()
	for _, a := range open {
		inst, err := e.store.GetInstance(ctx, a.InstanceID)
		if err != nil {
			e.logger.Warn("sweep: instance lookup failed", "assignment", a.ID, "error", err)
			continue
		}
		if inst.Status != models.InstanceInProgress {
			continue // held or terminal instances keep their clocks stopped
		}
		si, err := e.store.GetStageInstance(ctx, a.StageInstanceID)
		if err != nil {
			e.logger.Warn("sweep: stage lookup failed", "assignment", a.ID, "error", err)
			continue
		}
		if stageTerminal(si.Status) {
			// A losing slot on an already-resolved stage is record-keeping
			// only; escalating or redirecting it would resurrect dead work.
			continue
		}
		stage := planStage(inst, si.StageNumber)
		if stage == nil {
			continue
		}

		if stage.AllowDelegation {
			// The lineage check stops two users delegating to each other
			// from bouncing an assignment between them every sweep.
			if d := e.activeDelegationFor(ctx, a.AssigneeID, inst); d != nil &&
				d.DelegateeID != a.AssigneeID && d.DelegateeID != a.DelegatedFromID {
				if err := e.redirect(ctx, a, si, d); err != nil {
					e.logger.Warn("sweep: delegation redirect failed", "assignment", a.ID, "error", err)
				}
				continue
			}
		}

		if a.DueDate != nil && now.After(*a.DueDate) {
			if err := e.escalate(ctx, a, inst, si, stage); err != nil {
				e.logger.Warn("sweep: escalation failed", "assignment", a.ID, "error", err)
			}
		}
	}
}

// redirect applies a standing delegation to an open assignment: the
// delegatee gets a successor inheriting the group slot, the original closes
// as DELEGATED without touching the coordination counters.
func (e *Engine) redirect(ctx context.Context, a *models.WorkflowAssignment, si *models.WorkflowStageInstance, d *models.WorkflowDelegation) error {
	now := e.now()
	if err := e.store.CloseAssignment(ctx, a.ID, models.ActionDelegated, now); err != nil {
		return mapStoreErr(err)
	}
	successor := &models.WorkflowAssignment{
		ID:               newID(),
		InstanceID:       a.InstanceID,
		StageInstanceID:  a.StageInstanceID,
		GroupID:          a.GroupID,
		AssigneeID:       d.DelegateeID,
		Role:             a.Role,
		AssignmentType:   a.AssignmentType,
		Weight:           a.Weight,
		Status:           models.AssignmentOpen,
		DelegatedFromID:  a.AssigneeID,
		DelegationReason: d.Reason,
		DelegationExpiry: &d.EndDate,
		DueDate:          a.DueDate,
		EscalationLevel:  a.EscalationLevel,
		CreatedAt:        now,
	}
	if err := e.store.CreateAssignment(ctx, successor); err != nil {
		return err
	}
	return e.record(ctx, &models.WorkflowHistory{
		InstanceID:  a.InstanceID,
		EventType:   models.EventAssignmentDelegated,
		StageNumber: si.StageNumber,
		Actor:       a.AssigneeID,
		Details: map[string]any{
			"assignment_id": a.ID,
			"successor_id":  successor.ID,
			"delegatee":     d.DelegateeID,
			"delegation_id": d.ID,
		},
	})
}

// escalate moves an overdue assignment one level up its stage's escalation
// path, if a rule exists for the next level.
func (e *Engine) escalate(ctx context.Context, a *models.WorkflowAssignment, inst *models.WorkflowInstance, si *models.WorkflowStageInstance, stage *models.WorkflowStage) error {
	var rule *models.EscalationRule
	for i := range stage.EscalationRules {
		if stage.EscalationRules[i].Level == a.EscalationLevel+1 {
			rule = &stage.EscalationRules[i]
			break
		}
	}
	if rule == nil {
		return nil // no path configured; stays flagged overdue
	}
	target, err := e.escalationTarget(ctx, rule.Target)
	if err != nil {
		return err
	}

	now := e.now()
	if err := e.store.CloseAssignment(ctx, a.ID, models.ActionEscalated, now); err != nil {
		return mapStoreErr(err)
	}
	if err := e.store.SetAssignmentEscalation(ctx, a.ID, target); err != nil {
		return err
	}
	successor := &models.WorkflowAssignment{
		ID:              newID(),
		InstanceID:      a.InstanceID,
		StageInstanceID: a.StageInstanceID,
		GroupID:         a.GroupID,
		AssigneeID:      target,
		Role:            a.Role,
		AssignmentType:  a.AssignmentType,
		Weight:          a.Weight,
		Status:          models.AssignmentOpen,
		EscalationLevel: rule.Level,
		CreatedAt:       now,
	}
	if stage.DeadlineHours > 0 {
		due := now.Add(time.Duration(stage.DeadlineHours) * time.Hour)
		successor.DueDate = &due
	}
	if err := e.store.CreateAssignment(ctx, successor); err != nil {
		return err
	}
	e.escalations.Add(ctx, 1)

	// Surface the escalation on the stage; best effort, the stage may be
	// resolving concurrently.
	if si.Status == models.StageInProgress {
		si.Status = models.StageEscalated
		if err := e.store.UpdateStageInstance(ctx, si); err != nil {
			e.logger.Debug("sweep: stage escalation flag lost a race", "stage_instance", si.ID)
		}
	}

	return e.record(ctx, &models.WorkflowHistory{
		InstanceID:  a.InstanceID,
		EventType:   models.EventAssignmentEscalated,
		StageNumber: si.StageNumber,
		Actor:       a.AssigneeID,
		Details: map[string]any{
			"assignment_id":    a.ID,
			"successor_id":     successor.ID,
			"escalated_to":     target,
			"escalation_level": rule.Level,
		},
	})
}

// escalationTarget resolves a rule target: a plain user id, or
// "role:<name>" resolved to the role's least-loaded member.
func (e *Engine) escalationTarget(ctx context.Context, target string) (string, error) {
	role, ok := strings.CutPrefix(target, "role:")
	if !ok {
		return target, nil
	}
	members, err := e.roles.Members(ctx, role)
	if err != nil {
		return "", err
	}
	if len(members) == 0 {
		return "", fmt.Errorf("escalation role %q has no members", role)
	}
	chosen, err := e.leastLoaded(ctx, members, 1)
	if err != nil {
		return "", err
	}
	return chosen[0], nil
}
