package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/machshop/workflow/internal/repository"
	"github.com/machshop/workflow/pkg/models"
)

// groupResult is what applyToGroup reports back to the stage machine.
type groupResult struct {
	group    *models.WorkflowParallelCoordination
	resolved bool // group is resolved (now or earlier)
	first    bool // this call set the decision; the caller owns stage resolution
}

// applyToGroup folds one assignment vote into its coordination group under a
// bounded optimistic-retry loop. Counters only ever increase. The decision is
// written exactly once: if the group resolved earlier, later votes are still
// counted for the record but first stays false and the decision is untouched.
// Two concurrent callers cannot both observe first==true; the version check
// on the update serializes them.
func (e *Engine) applyToGroup(ctx context.Context, a *models.WorkflowAssignment, action models.AssignmentAction) (*groupResult, error) {
	for attempt := 0; attempt < e.retryBudget; attempt++ {
		g, err := e.store.GetGroup(ctx, a.StageInstanceID, a.GroupID)
		if err != nil {
			return nil, mapStoreErr(err)
		}

		approved := action == models.ActionApproved
		g.CompletedAssignments++
		if approved {
			g.ApprovedAssignments++
			g.ApprovedWeight += a.Weight
		} else {
			g.RejectedAssignments++
			g.RejectedWeight += a.Weight
		}

		res := &groupResult{resolved: g.GroupStatus == models.GroupResolved}
		if !res.resolved {
			if decision, done := resolveGroup(g); done {
				now := e.now()
				g.GroupStatus = models.GroupResolved
				g.GroupDecision = decision
				g.ResolvedAt = &now
				res.resolved = true
				res.first = true
			}
		}

		err = e.store.UpdateGroup(ctx, g)
		if errors.Is(err, repository.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		res.group = g
		return res, nil
	}
	return nil, fmt.Errorf("%w: coordination group %s", ErrTransient, a.GroupID)
}

// resolveGroup evaluates the group's completion predicate against its
// current counters. It reports the decision and whether the predicate holds.
func resolveGroup(g *models.WorkflowParallelCoordination) (models.GroupDecision, bool) {
	switch g.CompletionType {
	case models.CompletionAll:
		// Fail fast: one rejection sinks an all-must-approve group.
		if g.RejectedAssignments >= 1 {
			return models.DecisionRejected, true
		}
		if g.CompletedAssignments == g.TotalAssignments {
			return models.DecisionApproved, true
		}
	case models.CompletionAny:
		if g.ApprovedAssignments >= 1 {
			return models.DecisionApproved, true
		}
		if g.CompletedAssignments == g.TotalAssignments {
			return models.DecisionRejected, true
		}
	case models.CompletionThresholdCount:
		return thresholdDecision(g, int(g.ThresholdValue))
	case models.CompletionPercentage:
		// ThresholdValue is a fraction of the group (values above 1 are
		// read as percentages), rounded up to a count.
		frac := g.ThresholdValue
		if frac > 1 {
			frac /= 100
		}
		need := int(math.Ceil(frac * float64(g.TotalAssignments)))
		if need < 1 {
			need = 1
		}
		return thresholdDecision(g, need)
	case models.CompletionWeighted:
		if g.ApprovedWeight >= g.ThresholdValue {
			return models.DecisionApproved, true
		}
		if g.RejectedWeight > g.TotalWeight-g.ThresholdValue {
			return models.DecisionRejected, true
		}
	}
	return "", false
}

// thresholdDecision approves at `need` approvals and rejects early once the
// threshold can no longer be reached.
func thresholdDecision(g *models.WorkflowParallelCoordination, need int) (models.GroupDecision, bool) {
	if g.ApprovedAssignments >= need {
		return models.DecisionApproved, true
	}
	if g.RejectedAssignments > g.TotalAssignments-need {
		return models.DecisionRejected, true
	}
	return "", false
}

// completionTypeFor maps a stage's approval semantics onto the group
// predicate sharing the same counters.
func completionTypeFor(stage *models.WorkflowStage) (models.CompletionType, float64) {
	switch stage.ApprovalType {
	case models.ApprovalAnyOne:
		return models.CompletionAny, 0
	case models.ApprovalThreshold:
		return models.CompletionThresholdCount, float64(stage.MinimumApprovals)
	case models.ApprovalPercentage:
		return models.CompletionPercentage, stage.ApprovalThreshold
	case models.ApprovalWeighted:
		return models.CompletionWeighted, stage.ApprovalThreshold
	default:
		return models.CompletionAll, 0
	}
}
