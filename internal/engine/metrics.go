package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/machshop/workflow/pkg/models"
)

// GetInstance returns the current state of a workflow instance.
func (e *Engine) GetInstance(ctx context.Context, instanceID string) (*models.WorkflowInstance, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	return inst, mapStoreErr(err)
}

// GetHistory returns the instance's full audit trail in append order.
func (e *Engine) GetHistory(ctx context.Context, instanceID string) ([]*models.WorkflowHistory, error) {
	if _, err := e.store.GetInstance(ctx, instanceID); err != nil {
		return nil, mapStoreErr(err)
	}
	h, err := e.store.ListHistory(ctx, instanceID)
	return h, mapStoreErr(err)
}

// Tasks builds the per-user task list from open assignments. The projection
// carries no state of its own and may be rebuilt at any time.
func (e *Engine) Tasks(ctx context.Context, userID string) ([]*models.WorkflowTask, error) {
	open, err := e.store.ListOpenAssignmentsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	tasks := make([]*models.WorkflowTask, 0, len(open))
	for _, a := range open {
		inst, err := e.store.GetInstance(ctx, a.InstanceID)
		if err != nil {
			e.logger.Warn("task projection: instance lookup failed", "assignment", a.ID, "error", err)
			continue
		}
		if inst.Status.Terminal() {
			continue
		}
		si, err := e.store.GetStageInstance(ctx, a.StageInstanceID)
		if err != nil {
			continue
		}
		if stageTerminal(si.Status) {
			continue // losing slot on a resolved stage, not live work
		}
		tasks = append(tasks, &models.WorkflowTask{
			AssignmentID:    a.ID,
			InstanceID:      inst.ID,
			EntityType:      inst.EntityType,
			EntityID:        inst.EntityID,
			WorkflowType:    inst.WorkflowType,
			StageNumber:     si.StageNumber,
			StageName:       si.Name,
			AssigneeID:      a.AssigneeID,
			AssignmentType:  a.AssignmentType,
			Priority:        inst.Priority,
			DueDate:         a.DueDate,
			Overdue:         a.DueDate != nil && now.After(*a.DueDate),
			EscalationLevel: a.EscalationLevel,
			CreatedAt:       a.CreatedAt,
		})
	}
	return tasks, nil
}

// RegisterDelegation stores a standing delegation consulted by assignment
// resolution and the sweep.
func (e *Engine) RegisterDelegation(ctx context.Context, d *models.WorkflowDelegation) (string, error) {
	if d.DelegatorID == "" || d.DelegateeID == "" {
		return "", fmt.Errorf("%w: delegator and delegatee are required", ErrInvalidRule)
	}
	if d.DelegatorID == d.DelegateeID {
		return "", fmt.Errorf("%w: cannot delegate to oneself", ErrInvalidRule)
	}
	if !d.EndDate.After(d.StartDate) {
		return "", fmt.Errorf("%w: delegation end date must be after start date", ErrInvalidRule)
	}
	d.ID = newID()
	d.Active = true
	d.CreatedAt = e.now()
	if err := e.store.CreateDelegation(ctx, d); err != nil {
		return "", err
	}
	e.logger.Info("standing delegation registered",
		"delegator", d.DelegatorID, "delegatee", d.DelegateeID, "workflow_type", d.WorkflowType)
	return d.ID, nil
}

// Metrics recomputes aggregate statistics for instances started within the
// period, optionally filtered by workflow type.
func (e *Engine) Metrics(ctx context.Context, from, to time.Time, workflowType string) (*models.WorkflowMetrics, error) {
	instances, err := e.store.ListInstancesStartedBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	m := &models.WorkflowMetrics{
		Period:       fmt.Sprintf("%s/%s", from.Format(time.RFC3339), to.Format(time.RFC3339)),
		WorkflowType: workflowType,
		ComputedAt:   e.now(),
	}
	var totalHours float64
	var completedWithTime int
	for _, inst := range instances {
		if workflowType != "" && inst.WorkflowType != workflowType {
			continue
		}
		m.Started++
		switch inst.Status {
		case models.InstanceCompleted:
			m.Completed++
			if inst.CompletedAt != nil {
				totalHours += inst.CompletedAt.Sub(inst.StartedAt).Hours()
				completedWithTime++
			}
		case models.InstanceRejected:
			m.Rejected++
		case models.InstanceCancelled:
			m.Cancelled++
		}
		history, err := e.store.ListHistory(ctx, inst.ID)
		if err != nil {
			continue
		}
		for _, h := range history {
			if h.EventType == models.EventAssignmentEscalated {
				m.EscalatedCount++
			}
		}
	}
	if completedWithTime > 0 {
		m.AvgCompletionHours = totalHours / float64(completedWithTime)
	}

	now := e.now()
	open, err := e.store.ListOpenAssignments(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range open {
		if a.DueDate == nil || !now.After(*a.DueDate) {
			continue
		}
		if si, err := e.store.GetStageInstance(ctx, a.StageInstanceID); err == nil && stageTerminal(si.Status) {
			continue
		}
		m.OverdueAssignments++
	}
	return m, nil
}
