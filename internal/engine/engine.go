// Package engine implements the multi-stage approval workflow engine: rule
// evaluation, assignment resolution, parallel-group coordination, the stage
// and workflow state machines, and the delegation/escalation sweep.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/machshop/workflow/internal/repository"
	"github.com/machshop/workflow/pkg/models"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// RoleDirectory is the collaborator that expands a role name to its active
// members. Resolution order within a role must be stable for a given
// membership set; the engine sorts defensively regardless.
type RoleDirectory interface {
	Members(ctx context.Context, role string) ([]string, error)
}

// EntityChecker verifies that the business entity a workflow is being
// started for actually exists. A nil checker disables the check.
type EntityChecker interface {
	Exists(ctx context.Context, entityType, entityID string) (bool, error)
}

// Notifier is the asynchronous notification sink consumed by
// SEND_NOTIFICATION rule actions and lifecycle events. Publish must not
// block the engine; failures are the sink's problem.
type Notifier interface {
	Publish(ctx context.Context, subject string, payload map[string]any) error
}

// StaticDirectory is a RoleDirectory backed by a fixed role→members map,
// for deployments without an identity-management connector and for tests.
type StaticDirectory map[string][]string

func (d StaticDirectory) Members(_ context.Context, role string) ([]string, error) {
	return d[role], nil
}

type noopNotifier struct{}

func (noopNotifier) Publish(context.Context, string, map[string]any) error { return nil }

const defaultRetryBudget = 5

// Config carries the engine's dependencies. Store, Roles and Logger are
// required; the rest default to no-ops (and Clock to time.Now).
type Config struct {
	Store       repository.Store
	Roles       RoleDirectory
	Entities    EntityChecker
	Notifier    Notifier
	Logger      Logger
	Clock       func() time.Time
	RetryBudget int
}

// Engine is the workflow engine. All operations are safe for concurrent use;
// contention is resolved per coordination group (or per stage instance for
// ungrouped stages) via optimistic version-checked updates.
type Engine struct {
	store       repository.Store
	roles       RoleDirectory
	entities    EntityChecker
	notifier    Notifier
	logger      Logger
	now         func() time.Time
	retryBudget int

	instancesStarted metric.Int64Counter
	transitions      metric.Int64Counter
	escalations      metric.Int64Counter
}

// New creates an Engine from cfg.
func New(cfg Config) *Engine {
	e := &Engine{
		store:       cfg.Store,
		roles:       cfg.Roles,
		entities:    cfg.Entities,
		notifier:    cfg.Notifier,
		logger:      cfg.Logger,
		now:         cfg.Clock,
		retryBudget: cfg.RetryBudget,
	}
	if e.notifier == nil {
		e.notifier = noopNotifier{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.retryBudget <= 0 {
		e.retryBudget = defaultRetryBudget
	}

	meter := otel.Meter("github.com/machshop/workflow/internal/engine")
	e.instancesStarted, _ = meter.Int64Counter("workflow.instances.started")
	e.transitions, _ = meter.Int64Counter("workflow.transitions")
	e.escalations, _ = meter.Int64Counter("workflow.assignments.escalated")
	return e
}

// record appends one history event and counts the transition. Every state
// transition goes through here before the causing operation returns.
func (e *Engine) record(ctx context.Context, h *models.WorkflowHistory) error {
	h.ID = newID()
	h.CreatedAt = e.now()
	if err := e.store.AppendHistory(ctx, h); err != nil {
		return err
	}
	e.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", string(h.EventType)),
	))
	return nil
}

// notify publishes fire-and-forget; the engine never blocks on the sink.
func (e *Engine) notify(subject string, payload map[string]any) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.notifier.Publish(ctx, subject, payload); err != nil {
			e.logger.Warn("notification publish failed", "subject", subject, "error", err)
		}
	}()
}

func newID() string { return uuid.New().String() }

// stageTerminal reports whether a stage instance has reached a resting state.
func stageTerminal(status models.StageStatus) bool {
	return status == models.StageCompleted || status == models.StageSkipped
}

// planStage returns the planned stage with the given number.
func planStage(inst *models.WorkflowInstance, stageNumber int) *models.WorkflowStage {
	for i := range inst.Plan {
		if inst.Plan[i].StageNumber == stageNumber {
			return &inst.Plan[i]
		}
	}
	return nil
}

// mapStoreErr translates store sentinels into engine taxonomy.
func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, repository.ErrAssignmentClosed):
		return ErrAlreadyActed
	case errors.Is(err, repository.ErrConflict):
		return ErrTransient
	default:
		return err
	}
}
