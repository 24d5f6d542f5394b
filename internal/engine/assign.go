package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/machshop/workflow/pkg/models"
)

// candidate is one computed approver slot before it becomes an assignment.
type candidate struct {
	userID string
	role   string
	atype  models.AssignmentType
}

// resolveAssignments computes the concrete approver set for a materialized
// stage and persists the assignments, grouped under a parallel coordination
// group when the approval semantics need joint resolution. Standing
// delegations are applied at creation time: a covered holder's assignment is
// created directly for the delegatee with the lineage recorded.
func (e *Engine) resolveAssignments(ctx context.Context, inst *models.WorkflowInstance, stage *models.WorkflowStage, si *models.WorkflowStageInstance) ([]*models.WorkflowAssignment, error) {
	candidates, err := e.selectCandidates(ctx, inst, stage)
	if err != nil {
		return nil, err
	}

	// Grouping: THRESHOLD/PERCENTAGE/WEIGHTED always coordinate through a
	// group; ALL_REQUIRED and ANY_ONE only need one when more than one vote
	// is in play. Under ALL_REQUIRED only REQUIRED votes are binding, so the
	// group spans exactly those.
	groupMember := func(c candidate) bool {
		if c.atype == models.AssignmentObserver {
			return false
		}
		if stage.ApprovalType == models.ApprovalAllRequired {
			return c.atype == models.AssignmentRequired
		}
		return true
	}
	members := 0
	membersWeight := 0.0
	for _, c := range candidates {
		if groupMember(c) {
			members++
			membersWeight += roleWeight(stage, c.role)
		}
	}
	if members == 0 {
		// Observer or non-binding slots alone can never resolve the stage.
		return nil, fmt.Errorf("%w: stage %d (%s)", ErrMissingApprovers, stage.StageNumber, stage.Name)
	}
	grouped := members > 1
	switch stage.ApprovalType {
	case models.ApprovalThreshold, models.ApprovalPercentage, models.ApprovalWeighted:
		grouped = members > 0
	}

	groupID := ""
	if grouped {
		groupID = newID()
		completion, threshold := completionTypeFor(stage)
		g := &models.WorkflowParallelCoordination{
			ID:               newID(),
			StageInstanceID:  si.ID,
			GroupID:          groupID,
			CompletionType:   completion,
			ThresholdValue:   threshold,
			TotalAssignments: members,
			TotalWeight:      membersWeight,
			GroupStatus:      models.GroupOpen,
		}
		if err := e.store.CreateGroup(ctx, g); err != nil {
			return nil, err
		}
	}

	now := e.now()
	var due *time.Time
	if stage.DeadlineHours > 0 {
		t := now.Add(time.Duration(stage.DeadlineHours) * time.Hour)
		due = &t
	}

	out := make([]*models.WorkflowAssignment, 0, len(candidates))
	for _, c := range candidates {
		a := &models.WorkflowAssignment{
			ID:              newID(),
			InstanceID:      inst.ID,
			StageInstanceID: si.ID,
			AssigneeID:      c.userID,
			Role:            c.role,
			AssignmentType:  c.atype,
			Weight:          roleWeight(stage, c.role),
			Status:          models.AssignmentOpen,
			DueDate:         due,
			CreatedAt:       now,
		}
		if groupMember(c) && groupID != "" {
			a.GroupID = groupID
		}
		if d := e.activeDelegationFor(ctx, c.userID, inst); d != nil && d.DelegateeID != c.userID {
			a.DelegatedFromID = c.userID
			a.AssigneeID = d.DelegateeID
			a.DelegationReason = d.Reason
			expiry := d.EndDate
			a.DelegationExpiry = &expiry
		}
		if err := e.store.CreateAssignment(ctx, a); err != nil {
			return nil, err
		}
		if err := e.record(ctx, &models.WorkflowHistory{
			InstanceID:  inst.ID,
			EventType:   models.EventAssignmentCreated,
			StageNumber: stage.StageNumber,
			Actor:       a.AssigneeID,
			Details:     map[string]any{"assignment_id": a.ID, "assignment_type": a.AssignmentType, "role": a.Role},
		}); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// selectCandidates applies the stage's assignment strategy.
func (e *Engine) selectCandidates(ctx context.Context, inst *models.WorkflowInstance, stage *models.WorkflowStage) ([]candidate, error) {
	var out []candidate

	switch stage.AssignmentStrategy {
	case models.StrategyManual:
		for _, userID := range e.manualApprovers(inst, stage) {
			out = append(out, candidate{userID: userID, atype: models.AssignmentRequired})
		}

	case models.StrategyRoleBased:
		seen := make(map[string]bool)
		appendRole := func(roles []string, atype models.AssignmentType) error {
			for _, role := range roles {
				members, err := e.roles.Members(ctx, role)
				if err != nil {
					return err
				}
				sorted := append([]string(nil), members...)
				sort.Strings(sorted)
				for _, userID := range sorted {
					if seen[userID] {
						continue
					}
					seen[userID] = true
					out = append(out, candidate{userID: userID, role: role, atype: atype})
				}
			}
			return nil
		}
		if err := appendRole(stage.RequiredRoles, models.AssignmentRequired); err != nil {
			return nil, err
		}
		if err := appendRole(stage.OptionalRoles, models.AssignmentOptional); err != nil {
			return nil, err
		}
		if err := appendRole(stage.ObserverRoles, models.AssignmentObserver); err != nil {
			return nil, err
		}

	case models.StrategyLoadBalanced:
		eligible, role, err := e.eligiblePool(ctx, inst, stage)
		if err != nil {
			return nil, err
		}
		picks := stage.MinimumApprovals
		if picks < 1 {
			picks = 1
		}
		chosen, err := e.leastLoaded(ctx, eligible, picks)
		if err != nil {
			return nil, err
		}
		for _, userID := range chosen {
			out = append(out, candidate{userID: userID, role: role, atype: models.AssignmentRequired})
		}

	case models.StrategyRoundRobin:
		eligible, role, err := e.eligiblePool(ctx, inst, stage)
		if err != nil {
			return nil, err
		}
		if len(eligible) == 0 {
			break
		}
		picks := stage.MinimumApprovals
		if picks < 1 {
			picks = 1
		}
		last, err := e.store.LastAssigneeForRole(ctx, role)
		if err != nil {
			return nil, err
		}
		start := 0
		for i, userID := range eligible {
			if userID == last {
				start = i + 1
				break
			}
		}
		for i := 0; i < picks && i < len(eligible); i++ {
			out = append(out, candidate{userID: eligible[(start+i)%len(eligible)], role: role, atype: models.AssignmentRequired})
		}

	default:
		return nil, fmt.Errorf("%w: unknown assignment strategy %q", ErrInvalidRule, stage.AssignmentStrategy)
	}

	return out, nil
}

// manualApprovers returns the caller-supplied approver list: a rule or
// definition override on the planned stage wins, then the instance context.
func (e *Engine) manualApprovers(inst *models.WorkflowInstance, stage *models.WorkflowStage) []string {
	if len(stage.Approvers) > 0 {
		return stage.Approvers
	}
	if v, ok := inst.ContextData["approvers"]; ok {
		var out []string
		for _, item := range anySlice(v) {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// eligiblePool expands the stage's first required role (falling back to the
// manual approver list) into a sorted candidate pool for the selection
// strategies. The role name doubles as the round-robin cursor key.
func (e *Engine) eligiblePool(ctx context.Context, inst *models.WorkflowInstance, stage *models.WorkflowStage) ([]string, string, error) {
	if len(stage.RequiredRoles) > 0 {
		role := stage.RequiredRoles[0]
		members, err := e.roles.Members(ctx, role)
		if err != nil {
			return nil, "", err
		}
		sorted := append([]string(nil), members...)
		sort.Strings(sorted)
		return sorted, role, nil
	}
	pool := append([]string(nil), e.manualApprovers(inst, stage)...)
	sort.Strings(pool)
	return pool, "stage:" + stage.Name, nil
}

// leastLoaded picks n users with the fewest open assignments; ties break on
// the earliest last-assigned timestamp (never assigned sorts first), then id.
func (e *Engine) leastLoaded(ctx context.Context, eligible []string, n int) ([]string, error) {
	type load struct {
		userID string
		open   int
		last   time.Time
	}
	loads := make([]load, 0, len(eligible))
	for _, userID := range eligible {
		open, err := e.store.CountOpenAssignments(ctx, userID)
		if err != nil {
			return nil, err
		}
		var last time.Time
		if t, err := e.store.LastAssignedAt(ctx, userID); err == nil && t != nil {
			last = *t
		}
		loads = append(loads, load{userID: userID, open: open, last: last})
	}
	sort.Slice(loads, func(i, j int) bool {
		if loads[i].open != loads[j].open {
			return loads[i].open < loads[j].open
		}
		if !loads[i].last.Equal(loads[j].last) {
			return loads[i].last.Before(loads[j].last)
		}
		return loads[i].userID < loads[j].userID
	})
	if n > len(loads) {
		n = len(loads)
	}
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, loads[i].userID)
	}
	return out, nil
}

// activeDelegationFor returns the earliest-registered standing delegation
// covering the user for this instance right now, or nil.
func (e *Engine) activeDelegationFor(ctx context.Context, userID string, inst *models.WorkflowInstance) *models.WorkflowDelegation {
	ds, err := e.store.ListDelegationsByDelegator(ctx, userID)
	if err != nil {
		e.logger.Warn("delegation lookup failed", "user", userID, "error", err)
		return nil
	}
	now := e.now()
	for _, d := range ds {
		if d.Covers(inst.WorkflowType, inst.ID, now) {
			return d
		}
	}
	return nil
}

func roleWeight(stage *models.WorkflowStage, role string) float64 {
	if w, ok := stage.RoleWeights[role]; ok && w > 0 {
		return w
	}
	return 1
}
