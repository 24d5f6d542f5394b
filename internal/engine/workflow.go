package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/machshop/workflow/internal/repository"
	"github.com/machshop/workflow/pkg/models"
)

// DefineWorkflow validates and stores a new workflow definition with its
// stages and rules. Validation failures are never partially applied.
func (e *Engine) DefineWorkflow(ctx context.Context, def *models.WorkflowDefinition) (string, error) {
	if len(def.Stages) == 0 {
		return "", fmt.Errorf("%w: definition has no stages", ErrInvalidStageOrder)
	}
	stages := append([]models.WorkflowStage(nil), def.Stages...)
	sort.Slice(stages, func(i, j int) bool { return stages[i].StageNumber < stages[j].StageNumber })
	for i, stage := range stages {
		if stage.StageNumber != i+1 {
			return "", fmt.Errorf("%w: got stage number %d at position %d", ErrInvalidStageOrder, stage.StageNumber, i+1)
		}
		if err := validateStage(&stages[i]); err != nil {
			return "", err
		}
	}
	for i := range def.Rules {
		if err := validateRule(&def.Rules[i]); err != nil {
			return "", err
		}
	}

	def.ID = newID()
	if def.Version == 0 {
		def.Version = 1
	}
	def.Active = true
	def.CreatedAt = e.now()
	def.Stages = stages
	for i := range def.Stages {
		def.Stages[i].ID = newID()
		def.Stages[i].DefinitionID = def.ID
	}
	for i := range def.Rules {
		def.Rules[i].ID = newID()
		def.Rules[i].DefinitionID = def.ID
	}
	if err := e.store.CreateDefinition(ctx, def); err != nil {
		return "", err
	}
	e.logger.Info("workflow definition created", "id", def.ID, "name", def.Name, "stages", len(def.Stages))
	return def.ID, nil
}

func validateStage(stage *models.WorkflowStage) error {
	switch stage.ApprovalType {
	case models.ApprovalAllRequired, models.ApprovalAnyOne:
	case models.ApprovalThreshold:
		if stage.MinimumApprovals < 1 {
			return fmt.Errorf("%w: THRESHOLD stage %d needs minimum_approvals >= 1", ErrInvalidRule, stage.StageNumber)
		}
	case models.ApprovalPercentage:
		if stage.ApprovalThreshold <= 0 || stage.ApprovalThreshold > 100 {
			return fmt.Errorf("%w: PERCENTAGE stage %d needs approval_threshold in (0,100]", ErrInvalidRule, stage.StageNumber)
		}
	case models.ApprovalWeighted:
		if stage.ApprovalThreshold <= 0 {
			return fmt.Errorf("%w: WEIGHTED stage %d needs approval_threshold > 0", ErrInvalidRule, stage.StageNumber)
		}
	default:
		return fmt.Errorf("%w: stage %d has unknown approval type %q", ErrInvalidRule, stage.StageNumber, stage.ApprovalType)
	}
	switch stage.AssignmentStrategy {
	case models.StrategyManual, models.StrategyRoleBased, models.StrategyLoadBalanced, models.StrategyRoundRobin:
	default:
		return fmt.Errorf("%w: stage %d has unknown assignment strategy %q", ErrInvalidRule, stage.StageNumber, stage.AssignmentStrategy)
	}
	return nil
}

func validateRule(rule *models.WorkflowRule) error {
	if rule.Condition.Field != "" {
		switch rule.Condition.Operator {
		case models.OpEQ, models.OpNE, models.OpGT, models.OpGTE, models.OpLT, models.OpLTE, models.OpIn, models.OpContains:
		default:
			return fmt.Errorf("%w: rule %q has unknown operator %q", ErrInvalidRule, rule.Name, rule.Condition.Operator)
		}
	}
	// A dry application catches missing or malformed action parameters.
	scratch := &directives{
		skipStages:    make(map[int]bool),
		approvers:     make(map[int][]string),
		stageDeadline: make(map[int]int),
		signature:     make(map[int]bool),
	}
	return applyRule(scratch, make(map[int]bool), *rule, time.Time{})
}

// Start creates a workflow instance for a business entity and materializes
// its first stage. At most one active instance may exist per
// (entityType, entityID).
func (e *Engine) Start(ctx context.Context, definitionID, entityType, entityID string, ctxData map[string]any, startedBy string) (*models.WorkflowInstance, error) {
	def, err := e.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if !def.Active {
		return nil, ErrDefinitionInactive
	}
	if e.entities != nil {
		ok, err := e.entities.Exists(ctx, entityType, entityID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: entity %s/%s", ErrNotFound, entityType, entityID)
		}
	}
	if _, err := e.store.GetActiveInstanceByEntity(ctx, entityType, entityID); err == nil {
		return nil, ErrDuplicateInstance
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	if ctxData == nil {
		ctxData = map[string]any{}
	}
	inst := &models.WorkflowInstance{
		ID:           newID(),
		DefinitionID: def.ID,
		WorkflowType: def.WorkflowType,
		EntityType:   entityType,
		EntityID:     entityID,
		Status:       models.InstanceInProgress,
		ContextData:  ctxData,
		Plan:         append([]models.WorkflowStage(nil), def.Stages...),
		Priority:     stringFact(ctxData, "priority"),
		ImpactLevel:  stringFact(ctxData, "impact_level"),
		StartedBy:    startedBy,
		StartedAt:    e.now(),
	}
	if err := e.store.CreateInstance(ctx, inst); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrDuplicateInstance
		}
		return nil, err
	}
	if err := e.record(ctx, &models.WorkflowHistory{
		InstanceID: inst.ID,
		EventType:  models.EventWorkflowStarted,
		ToStatus:   string(models.InstanceInProgress),
		Actor:      startedBy,
		Details:    map[string]any{"entity_type": entityType, "entity_id": entityID, "definition_id": def.ID},
	}); err != nil {
		return nil, err
	}
	e.instancesStarted.Add(ctx, 1)

	if err := e.advance(ctx, inst.ID); err != nil {
		return nil, err
	}
	return e.GetInstance(ctx, inst.ID)
}

// advance drives the instance forward; conflicts with concurrent writers are
// retried a bounded number of times.
func (e *Engine) advance(ctx context.Context, instanceID string) error {
	var err error
	for attempt := 0; attempt < e.retryBudget; attempt++ {
		err = e.advanceOnce(ctx, instanceID)
		if errors.Is(err, repository.ErrConflict) || errors.Is(err, ErrTransient) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: advance %s: %v", ErrTransient, instanceID, err)
}

// advanceOnce runs one advancement pass. It is idempotent: if the current
// stage is not yet terminal it does nothing.
func (e *Engine) advanceOnce(ctx context.Context, instanceID string) error {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return mapStoreErr(err)
	}
	if inst.Status.Terminal() || inst.Status == models.InstanceOnHold {
		return nil
	}
	def, err := e.store.GetDefinition(ctx, inst.DefinitionID)
	if err != nil {
		return mapStoreErr(err)
	}

	lastOutcome := models.StageOutcome("")
	if inst.CurrentStageNumber > 0 {
		cur, err := e.store.GetStageInstanceByNumber(ctx, inst.ID, inst.CurrentStageNumber)
		if err != nil {
			return mapStoreErr(err)
		}
		if !stageTerminal(cur.Status) {
			return nil
		}
		lastOutcome = cur.Outcome
	}

	d, err := evaluateRules(def.Rules, inst.ContextData, lastOutcome, e.now())
	if err != nil {
		return err
	}

	rejected := lastOutcome == models.OutcomeRejected || lastOutcome == models.OutcomeChangesRequested
	if rejected && len(d.addStages) == 0 {
		// A rejection halts forward progress unless a rule routes to a
		// remediation stage.
		return e.finalize(ctx, inst, models.InstanceRejected, models.EventWorkflowRejected)
	}
	if err := e.applyDirectives(ctx, inst, d); err != nil {
		return err
	}

	for {
		next := nextPlanned(inst)
		if next == nil {
			status, event := models.InstanceCompleted, models.EventWorkflowCompleted
			if rejected {
				status, event = models.InstanceRejected, models.EventWorkflowRejected
			}
			return e.finalize(ctx, inst, status, event)
		}

		if d.skipStages[next.StageNumber] && next.AllowSkip && evalConditions(next.SkipConditions, inst.ContextData) {
			now := e.now()
			si := &models.WorkflowStageInstance{
				ID:           newID(),
				InstanceID:   inst.ID,
				StageNumber:  next.StageNumber,
				Name:         next.Name,
				ApprovalType: next.ApprovalType,
				Status:       models.StageSkipped,
				Outcome:      models.OutcomeSkipped,
				StartedAt:    now,
				CompletedAt:  &now,
			}
			if err := e.store.CreateStageInstance(ctx, si); err != nil {
				if errors.Is(err, repository.ErrDuplicate) {
					done, aerr := e.adoptStage(ctx, inst, next.StageNumber)
					if aerr != nil {
						return aerr
					}
					if done {
						continue
					}
					return nil
				}
				return err
			}
			if err := e.record(ctx, &models.WorkflowHistory{
				InstanceID:  inst.ID,
				EventType:   models.EventStageSkipped,
				StageNumber: next.StageNumber,
				ToStatus:    string(models.StageSkipped),
			}); err != nil {
				return err
			}
			inst.CurrentStageNumber = next.StageNumber
			if err := e.store.UpdateInstance(ctx, inst); err != nil {
				return err
			}
			continue
		}

		si := &models.WorkflowStageInstance{
			ID:           newID(),
			InstanceID:   inst.ID,
			StageNumber:  next.StageNumber,
			Name:         next.Name,
			ApprovalType: next.ApprovalType,
			Status:       models.StagePending,
			StartedAt:    e.now(),
		}
		if err := e.store.CreateStageInstance(ctx, si); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				done, aerr := e.adoptStage(ctx, inst, next.StageNumber)
				if aerr != nil {
					return aerr
				}
				if done {
					continue
				}
				return nil
			}
			return err
		}
		if _, err := e.resolveAssignments(ctx, inst, next, si); err != nil {
			return err
		}
		si.Status = models.StageInProgress
		if err := e.store.UpdateStageInstance(ctx, si); err != nil {
			return err
		}
		inst.CurrentStageNumber = next.StageNumber
		if err := e.store.UpdateInstance(ctx, inst); err != nil {
			return err
		}
		return e.record(ctx, &models.WorkflowHistory{
			InstanceID:  inst.ID,
			EventType:   models.EventStageStarted,
			StageNumber: next.StageNumber,
			FromStatus:  string(models.StagePending),
			ToStatus:    string(models.StageInProgress),
			Details:     map[string]any{"stage_name": next.Name, "approval_type": next.ApprovalType},
		})
	}
}

// adoptStage reconciles the instance cursor with a stage row that already
// exists: either a concurrent advancer created it, or an earlier pass of this
// instance created it and then lost the instance update. It reports whether
// the existing stage is already terminal, in which case the walk continues
// past it.
func (e *Engine) adoptStage(ctx context.Context, inst *models.WorkflowInstance, stageNumber int) (bool, error) {
	existing, err := e.store.GetStageInstanceByNumber(ctx, inst.ID, stageNumber)
	if err != nil {
		return false, mapStoreErr(err)
	}
	if inst.CurrentStageNumber < stageNumber {
		inst.CurrentStageNumber = stageNumber
		if err := e.store.UpdateInstance(ctx, inst); err != nil {
			return false, err
		}
	}
	return stageTerminal(existing.Status), nil
}

// applyDirectives folds a rule pass into the instance's stage plan.
// Insertions renumber only forward of the insertion point; materialized past
// stages keep their numbers. A stage already present in the plan by name is
// not re-added, which keeps repeated passes idempotent.
func (e *Engine) applyDirectives(ctx context.Context, inst *models.WorkflowInstance, d *directives) error {
	cursor := inst.CurrentStageNumber
	for _, added := range d.addStages {
		if planHasStage(inst, added.Name) {
			continue
		}
		for i := range inst.Plan {
			if inst.Plan[i].StageNumber > cursor {
				inst.Plan[i].StageNumber++
			}
		}
		added.ID = newID()
		added.DefinitionID = inst.DefinitionID
		added.StageNumber = cursor + 1
		inst.Plan = append(inst.Plan, added)
		sortPlan(inst)
		cursor++
		if err := e.record(ctx, &models.WorkflowHistory{
			InstanceID:  inst.ID,
			EventType:   models.EventStageAdded,
			StageNumber: added.StageNumber,
			Details:     map[string]any{"stage_name": added.Name, "approval_type": added.ApprovalType},
		}); err != nil {
			return err
		}
	}
	for n, hours := range d.stageDeadline {
		if s := planStage(inst, n); s != nil {
			s.DeadlineHours = hours
		}
	}
	for n, approvers := range d.approvers {
		if s := planStage(inst, n); s != nil {
			s.Approvers = approvers
			s.AssignmentStrategy = models.StrategyManual
		}
	}
	for n := range d.signature {
		if s := planStage(inst, n); s != nil {
			s.RequireSignature = true
		}
	}
	if d.deadline != nil && inst.Deadline == nil {
		inst.Deadline = d.deadline
	}
	if len(d.notifications) > 0 {
		// A rule whose condition stays true matches on every advance pass;
		// the history row keyed by rule name keeps it one-shot per instance.
		sent := make(map[string]bool)
		history, err := e.store.ListHistory(ctx, inst.ID)
		if err != nil {
			return mapStoreErr(err)
		}
		for _, h := range history {
			if h.EventType != models.EventNotificationSent {
				continue
			}
			if name, ok := h.Details["rule"].(string); ok {
				sent[name] = true
			}
		}
		for _, n := range d.notifications {
			if sent[n.rule] {
				continue
			}
			sent[n.rule] = true
			e.notify("workflow.notification", map[string]any{
				"instance_id": inst.ID,
				"entity_type": inst.EntityType,
				"entity_id":   inst.EntityID,
				"template":    n.template,
				"recipients":  n.recipients,
			})
			if err := e.record(ctx, &models.WorkflowHistory{
				InstanceID: inst.ID,
				EventType:  models.EventNotificationSent,
				Details:    map[string]any{"rule": n.rule, "template": n.template, "recipients": n.recipients},
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// finalize moves the instance to a terminal state, closes open assignments,
// and writes the single terminal history event.
func (e *Engine) finalize(ctx context.Context, inst *models.WorkflowInstance, status models.InstanceStatus, event models.HistoryEventType) error {
	now := e.now()
	from := inst.Status
	inst.Status = status
	inst.CompletedAt = &now
	if err := e.store.UpdateInstance(ctx, inst); err != nil {
		return err
	}
	e.closeOpenAssignments(ctx, inst.ID, now)
	if err := e.record(ctx, &models.WorkflowHistory{
		InstanceID: inst.ID,
		EventType:  event,
		FromStatus: string(from),
		ToStatus:   string(status),
	}); err != nil {
		return err
	}
	e.notify("workflow.finished", map[string]any{
		"instance_id": inst.ID,
		"entity_type": inst.EntityType,
		"entity_id":   inst.EntityID,
		"status":      status,
	})
	return nil
}

func (e *Engine) closeOpenAssignments(ctx context.Context, instanceID string, now time.Time) {
	open, err := e.store.ListOpenAssignmentsByInstance(ctx, instanceID)
	if err != nil {
		e.logger.Warn("listing open assignments failed", "instance", instanceID, "error", err)
		return
	}
	for _, a := range open {
		if err := e.store.CloseAssignment(ctx, a.ID, models.ActionCancelled, now); err != nil &&
			!errors.Is(err, repository.ErrAssignmentClosed) {
			e.logger.Warn("closing assignment failed", "assignment", a.ID, "error", err)
		}
	}
}

// Cancel terminates a non-terminal instance and closes all open work.
func (e *Engine) Cancel(ctx context.Context, instanceID, reason, actor string) error {
	for attempt := 0; attempt < e.retryBudget; attempt++ {
		inst, err := e.store.GetInstance(ctx, instanceID)
		if err != nil {
			return mapStoreErr(err)
		}
		if inst.Status.Terminal() {
			return ErrAlreadyTerminal
		}
		now := e.now()
		from := inst.Status
		inst.Status = models.InstanceCancelled
		inst.CompletedAt = &now
		if err := e.store.UpdateInstance(ctx, inst); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				continue
			}
			return err
		}
		e.closeOpenAssignments(ctx, inst.ID, now)
		if cur, err := e.store.GetStageInstanceByNumber(ctx, inst.ID, inst.CurrentStageNumber); err == nil &&
			!stageTerminal(cur.Status) {
			cur.Status = models.StageCompleted
			cur.CompletedAt = &now
			if err := e.store.UpdateStageInstance(ctx, cur); err != nil {
				e.logger.Warn("closing stage instance failed", "stage_instance", cur.ID, "error", err)
			}
		}
		return e.record(ctx, &models.WorkflowHistory{
			InstanceID: inst.ID,
			EventType:  models.EventWorkflowCancelled,
			FromStatus: string(from),
			ToStatus:   string(models.InstanceCancelled),
			Actor:      actor,
			Details:    map[string]any{"reason": reason},
		})
	}
	return ErrTransient
}

// Hold pauses an in-progress instance. Holding an already-held instance is a
// no-op.
func (e *Engine) Hold(ctx context.Context, instanceID, actor string) error {
	return e.shiftStatus(ctx, instanceID, actor, models.InstanceInProgress, models.InstanceOnHold, models.EventWorkflowHeld)
}

// Resume returns a held instance to IN_PROGRESS.
func (e *Engine) Resume(ctx context.Context, instanceID, actor string) error {
	return e.shiftStatus(ctx, instanceID, actor, models.InstanceOnHold, models.InstanceInProgress, models.EventWorkflowResumed)
}

func (e *Engine) shiftStatus(ctx context.Context, instanceID, actor string, from, to models.InstanceStatus, event models.HistoryEventType) error {
	for attempt := 0; attempt < e.retryBudget; attempt++ {
		inst, err := e.store.GetInstance(ctx, instanceID)
		if err != nil {
			return mapStoreErr(err)
		}
		if inst.Status.Terminal() {
			return ErrAlreadyTerminal
		}
		if inst.Status == to {
			return nil
		}
		if inst.Status != from {
			return fmt.Errorf("%w: instance is %s", ErrInstanceOnHold, inst.Status)
		}
		inst.Status = to
		if err := e.store.UpdateInstance(ctx, inst); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				continue
			}
			return err
		}
		return e.record(ctx, &models.WorkflowHistory{
			InstanceID: inst.ID,
			EventType:  event,
			FromStatus: string(from),
			ToStatus:   string(to),
			Actor:      actor,
		})
	}
	return ErrTransient
}

func nextPlanned(inst *models.WorkflowInstance) *models.WorkflowStage {
	var next *models.WorkflowStage
	for i := range inst.Plan {
		n := inst.Plan[i].StageNumber
		if n > inst.CurrentStageNumber && (next == nil || n < next.StageNumber) {
			next = &inst.Plan[i]
		}
	}
	return next
}

func planHasStage(inst *models.WorkflowInstance, name string) bool {
	for i := range inst.Plan {
		if inst.Plan[i].Name == name {
			return true
		}
	}
	return false
}

func sortPlan(inst *models.WorkflowInstance) {
	sort.Slice(inst.Plan, func(i, j int) bool {
		return inst.Plan[i].StageNumber < inst.Plan[j].StageNumber
	})
}

func stringFact(facts map[string]any, key string) string {
	if s, ok := facts[key].(string); ok {
		return s
	}
	return ""
}
