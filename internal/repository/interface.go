// Package repository provides persistence for the workflow engine.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/machshop/workflow/pkg/models"
)

// Store-level sentinel errors. The engine layer translates these into its
// own taxonomy; handlers never see them directly.
var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned on a uniqueness violation, e.g. a second
	// active instance for the same (entityType, entityId) pair.
	ErrDuplicate = errors.New("duplicate")
	// ErrConflict is returned when an optimistic (version-checked) update
	// lost the race; the caller re-reads and retries.
	ErrConflict = errors.New("version conflict")
	// ErrAssignmentClosed is returned when an action is recorded against an
	// assignment that already carries one.
	ErrAssignmentClosed = errors.New("assignment already closed")
)

// Store is the persistence boundary of the engine. All mutating methods on
// versioned rows (instances, stage instances, coordination groups) are
// compare-and-swap: they match on the row's current version, bump it, and
// return ErrConflict when the stored version has moved.
type Store interface {
	// Definitions. Definitions are written once with their stages and rules
	// and never mutated afterwards; deactivation flips the active flag only.
	CreateDefinition(ctx context.Context, def *models.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	DeactivateDefinition(ctx context.Context, id string) error

	// Instances. CreateInstance enforces the one-active-instance-per-entity
	// invariant and returns ErrDuplicate when violated.
	CreateInstance(ctx context.Context, inst *models.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*models.WorkflowInstance, error)
	GetActiveInstanceByEntity(ctx context.Context, entityType, entityID string) (*models.WorkflowInstance, error)
	UpdateInstance(ctx context.Context, inst *models.WorkflowInstance) error
	ListInstancesStartedBetween(ctx context.Context, from, to time.Time) ([]*models.WorkflowInstance, error)

	// Stage instances, unique on (instanceID, stageNumber).
	CreateStageInstance(ctx context.Context, si *models.WorkflowStageInstance) error
	GetStageInstance(ctx context.Context, id string) (*models.WorkflowStageInstance, error)
	GetStageInstanceByNumber(ctx context.Context, instanceID string, stageNumber int) (*models.WorkflowStageInstance, error)
	UpdateStageInstance(ctx context.Context, si *models.WorkflowStageInstance) error

	// Assignments. RecordAssignmentAction is the single-use gate: it closes
	// an OPEN, unacted assignment atomically and returns ErrAssignmentClosed
	// otherwise. CloseAssignment is the administrative variant used for
	// delegation, escalation and cancellation.
	CreateAssignment(ctx context.Context, a *models.WorkflowAssignment) error
	GetAssignment(ctx context.Context, id string) (*models.WorkflowAssignment, error)
	RecordAssignmentAction(ctx context.Context, id string, action models.AssignmentAction, comments, signatureRef string, at time.Time) (*models.WorkflowAssignment, error)
	CloseAssignment(ctx context.Context, id string, action models.AssignmentAction, at time.Time) error
	SetAssignmentEscalation(ctx context.Context, id string, escalatedToID string) error
	ListAssignmentsByStage(ctx context.Context, stageInstanceID string) ([]*models.WorkflowAssignment, error)
	ListOpenAssignmentsByInstance(ctx context.Context, instanceID string) ([]*models.WorkflowAssignment, error)
	ListOpenAssignmentsByUser(ctx context.Context, userID string) ([]*models.WorkflowAssignment, error)
	ListOpenAssignments(ctx context.Context) ([]*models.WorkflowAssignment, error)
	CountOpenAssignments(ctx context.Context, userID string) (int, error)
	LastAssignedAt(ctx context.Context, userID string) (*time.Time, error)
	LastAssigneeForRole(ctx context.Context, role string) (string, error)

	// Parallel coordination groups, keyed by (stageInstanceID, groupID).
	CreateGroup(ctx context.Context, g *models.WorkflowParallelCoordination) error
	GetGroup(ctx context.Context, stageInstanceID, groupID string) (*models.WorkflowParallelCoordination, error)
	UpdateGroup(ctx context.Context, g *models.WorkflowParallelCoordination) error

	// History is append-only; there is no update or delete.
	AppendHistory(ctx context.Context, h *models.WorkflowHistory) error
	ListHistory(ctx context.Context, instanceID string) ([]*models.WorkflowHistory, error)

	// Standing delegations.
	CreateDelegation(ctx context.Context, d *models.WorkflowDelegation) error
	ListDelegationsByDelegator(ctx context.Context, userID string) ([]*models.WorkflowDelegation, error)
}
