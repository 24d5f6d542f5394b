package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/machshop/workflow/pkg/models"
)

// PostgresStore is the PostgreSQL implementation of the Store interface.
// Versioned rows (instances, stage instances, coordination groups) are
// updated with `WHERE version = $n` compare-and-swap statements; a zero-row
// update is reported as ErrConflict.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Schema creates the engine's tables. Idempotent; applied at startup and by
// the integration tests.
const Schema = `
CREATE TABLE IF NOT EXISTS workflow_definitions (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	workflow_type TEXT NOT NULL,
	version INT NOT NULL,
	active BOOLEAN NOT NULL,
	stages JSONB NOT NULL,
	rules JSONB NOT NULL DEFAULT '[]',
	created_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS workflow_instances (
	id UUID PRIMARY KEY,
	definition_id UUID NOT NULL REFERENCES workflow_definitions(id),
	workflow_type TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	status TEXT NOT NULL,
	current_stage_number INT NOT NULL DEFAULT 0,
	context_data JSONB NOT NULL DEFAULT '{}',
	plan JSONB NOT NULL,
	deadline TIMESTAMPTZ,
	priority TEXT NOT NULL DEFAULT '',
	impact_level TEXT NOT NULL DEFAULT '',
	started_by TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	version INT NOT NULL DEFAULT 1
);
CREATE UNIQUE INDEX IF NOT EXISTS workflow_instances_active_entity
	ON workflow_instances (entity_type, entity_id)
	WHERE status IN ('IN_PROGRESS', 'ON_HOLD');
CREATE TABLE IF NOT EXISTS workflow_stage_instances (
	id UUID PRIMARY KEY,
	instance_id UUID NOT NULL REFERENCES workflow_instances(id),
	stage_number INT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	approval_type TEXT NOT NULL,
	status TEXT NOT NULL,
	outcome TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	version INT NOT NULL DEFAULT 1,
	UNIQUE (instance_id, stage_number)
);
CREATE TABLE IF NOT EXISTS workflow_assignments (
	id UUID PRIMARY KEY,
	instance_id UUID NOT NULL REFERENCES workflow_instances(id),
	stage_instance_id UUID NOT NULL REFERENCES workflow_stage_instances(id),
	group_id TEXT NOT NULL DEFAULT '',
	assignee_id TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT '',
	assignment_type TEXT NOT NULL,
	weight DOUBLE PRECISION NOT NULL DEFAULT 1,
	status TEXT NOT NULL,
	action TEXT NOT NULL DEFAULT '',
	comments TEXT NOT NULL DEFAULT '',
	signature_ref TEXT NOT NULL DEFAULT '',
	delegated_from_id TEXT NOT NULL DEFAULT '',
	delegation_reason TEXT NOT NULL DEFAULT '',
	delegation_expiry TIMESTAMPTZ,
	due_date TIMESTAMPTZ,
	escalation_level INT NOT NULL DEFAULT 0,
	escalated_to_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	acted_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS workflow_assignments_open_by_user
	ON workflow_assignments (assignee_id) WHERE status = 'OPEN';
CREATE INDEX IF NOT EXISTS workflow_assignments_by_stage
	ON workflow_assignments (stage_instance_id);
CREATE TABLE IF NOT EXISTS workflow_parallel_coordination (
	id UUID PRIMARY KEY,
	stage_instance_id UUID NOT NULL REFERENCES workflow_stage_instances(id),
	group_id TEXT NOT NULL,
	completion_type TEXT NOT NULL,
	threshold_value DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_assignments INT NOT NULL,
	completed_assignments INT NOT NULL DEFAULT 0,
	approved_assignments INT NOT NULL DEFAULT 0,
	rejected_assignments INT NOT NULL DEFAULT 0,
	total_weight DOUBLE PRECISION NOT NULL DEFAULT 0,
	approved_weight DOUBLE PRECISION NOT NULL DEFAULT 0,
	rejected_weight DOUBLE PRECISION NOT NULL DEFAULT 0,
	group_status TEXT NOT NULL,
	group_decision TEXT NOT NULL DEFAULT '',
	resolved_at TIMESTAMPTZ,
	version INT NOT NULL DEFAULT 1,
	UNIQUE (stage_instance_id, group_id)
);
CREATE TABLE IF NOT EXISTS workflow_history (
	id UUID PRIMARY KEY,
	instance_id UUID NOT NULL REFERENCES workflow_instances(id),
	event_type TEXT NOT NULL,
	stage_number INT NOT NULL DEFAULT 0,
	from_status TEXT NOT NULL DEFAULT '',
	to_status TEXT NOT NULL DEFAULT '',
	actor TEXT NOT NULL DEFAULT '',
	details JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	seq BIGSERIAL
);
CREATE INDEX IF NOT EXISTS workflow_history_by_instance
	ON workflow_history (instance_id, seq);
CREATE TABLE IF NOT EXISTS workflow_delegations (
	id UUID PRIMARY KEY,
	delegator_id TEXT NOT NULL,
	delegatee_id TEXT NOT NULL,
	workflow_type TEXT NOT NULL DEFAULT '',
	instance_id TEXT NOT NULL DEFAULT '',
	start_date TIMESTAMPTZ NOT NULL,
	end_date TIMESTAMPTZ NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	active BOOLEAN NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	revoked_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS workflow_delegations_by_delegator
	ON workflow_delegations (delegator_id);
`

// EnsureSchema applies the schema.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func mustJSON(v any) []byte {
	if v == nil {
		return []byte("null")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return raw
}

func (s *PostgresStore) CreateDefinition(ctx context.Context, def *models.WorkflowDefinition) error {
	_, err := s.db.Exec(ctx, `INSERT INTO workflow_definitions
		(id, name, description, workflow_type, version, active, stages, rules, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		def.ID, def.Name, def.Description, def.WorkflowType, def.Version, def.Active,
		mustJSON(def.Stages), mustJSON(def.Rules), def.CreatedBy, def.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) GetDefinition(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition
	var stages, rules []byte
	err := s.db.QueryRow(ctx, `SELECT id, name, description, workflow_type, version, active, stages, rules, created_by, created_at
		FROM workflow_definitions WHERE id = $1`, id).
		Scan(&def.ID, &def.Name, &def.Description, &def.WorkflowType, &def.Version, &def.Active,
			&stages, &rules, &def.CreatedBy, &def.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stages, &def.Stages); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rules, &def.Rules); err != nil {
		return nil, err
	}
	return &def, nil
}

func (s *PostgresStore) DeactivateDefinition(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `UPDATE workflow_definitions SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateInstance(ctx context.Context, inst *models.WorkflowInstance) error {
	inst.Version = 1
	_, err := s.db.Exec(ctx, `INSERT INTO workflow_instances
		(id, definition_id, workflow_type, entity_type, entity_id, status, current_stage_number,
		 context_data, plan, deadline, priority, impact_level, started_by, started_at, completed_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		inst.ID, inst.DefinitionID, inst.WorkflowType, inst.EntityType, inst.EntityID, inst.Status,
		inst.CurrentStageNumber, mustJSON(inst.ContextData), mustJSON(inst.Plan), inst.Deadline,
		inst.Priority, inst.ImpactLevel, inst.StartedBy, inst.StartedAt, inst.CompletedAt, inst.Version)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

const instanceColumns = `id, definition_id, workflow_type, entity_type, entity_id, status,
	current_stage_number, context_data, plan, deadline, priority, impact_level, started_by,
	started_at, completed_at, version`

func scanInstance(row pgx.Row) (*models.WorkflowInstance, error) {
	var inst models.WorkflowInstance
	var ctxData, plan []byte
	err := row.Scan(&inst.ID, &inst.DefinitionID, &inst.WorkflowType, &inst.EntityType, &inst.EntityID,
		&inst.Status, &inst.CurrentStageNumber, &ctxData, &plan, &inst.Deadline, &inst.Priority,
		&inst.ImpactLevel, &inst.StartedBy, &inst.StartedAt, &inst.CompletedAt, &inst.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(ctxData, &inst.ContextData); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(plan, &inst.Plan); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *PostgresStore) GetInstance(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	return scanInstance(s.db.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, id))
}

func (s *PostgresStore) GetActiveInstanceByEntity(ctx context.Context, entityType, entityID string) (*models.WorkflowInstance, error) {
	return scanInstance(s.db.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances
		 WHERE entity_type = $1 AND entity_id = $2 AND status IN ('IN_PROGRESS','ON_HOLD')`,
		entityType, entityID))
}

func (s *PostgresStore) UpdateInstance(ctx context.Context, inst *models.WorkflowInstance) error {
	tag, err := s.db.Exec(ctx, `UPDATE workflow_instances SET
		status = $2, current_stage_number = $3, context_data = $4, plan = $5, deadline = $6,
		completed_at = $7, version = version + 1
		WHERE id = $1 AND version = $8`,
		inst.ID, inst.Status, inst.CurrentStageNumber, mustJSON(inst.ContextData), mustJSON(inst.Plan),
		inst.Deadline, inst.CompletedAt, inst.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	inst.Version++
	return nil
}

func (s *PostgresStore) ListInstancesStartedBetween(ctx context.Context, from, to time.Time) ([]*models.WorkflowInstance, error) {
	rows, err := s.db.Query(ctx, `SELECT `+instanceColumns+` FROM workflow_instances
		WHERE started_at >= $1 AND started_at < $2 ORDER BY started_at`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateStageInstance(ctx context.Context, si *models.WorkflowStageInstance) error {
	si.Version = 1
	_, err := s.db.Exec(ctx, `INSERT INTO workflow_stage_instances
		(id, instance_id, stage_number, name, approval_type, status, outcome, started_at, completed_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		si.ID, si.InstanceID, si.StageNumber, si.Name, si.ApprovalType, si.Status, si.Outcome,
		si.StartedAt, si.CompletedAt, si.Version)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

const stageColumns = `id, instance_id, stage_number, name, approval_type, status, outcome, started_at, completed_at, version`

func scanStage(row pgx.Row) (*models.WorkflowStageInstance, error) {
	var si models.WorkflowStageInstance
	err := row.Scan(&si.ID, &si.InstanceID, &si.StageNumber, &si.Name, &si.ApprovalType, &si.Status,
		&si.Outcome, &si.StartedAt, &si.CompletedAt, &si.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &si, nil
}

func (s *PostgresStore) GetStageInstance(ctx context.Context, id string) (*models.WorkflowStageInstance, error) {
	return scanStage(s.db.QueryRow(ctx,
		`SELECT `+stageColumns+` FROM workflow_stage_instances WHERE id = $1`, id))
}

func (s *PostgresStore) GetStageInstanceByNumber(ctx context.Context, instanceID string, stageNumber int) (*models.WorkflowStageInstance, error) {
	return scanStage(s.db.QueryRow(ctx,
		`SELECT `+stageColumns+` FROM workflow_stage_instances WHERE instance_id = $1 AND stage_number = $2`,
		instanceID, stageNumber))
}

func (s *PostgresStore) UpdateStageInstance(ctx context.Context, si *models.WorkflowStageInstance) error {
	tag, err := s.db.Exec(ctx, `UPDATE workflow_stage_instances SET
		status = $2, outcome = $3, completed_at = $4, version = version + 1
		WHERE id = $1 AND version = $5`,
		si.ID, si.Status, si.Outcome, si.CompletedAt, si.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	si.Version++
	return nil
}

func (s *PostgresStore) CreateAssignment(ctx context.Context, a *models.WorkflowAssignment) error {
	_, err := s.db.Exec(ctx, `INSERT INTO workflow_assignments
		(id, instance_id, stage_instance_id, group_id, assignee_id, role, assignment_type, weight,
		 status, action, comments, signature_ref, delegated_from_id, delegation_reason, delegation_expiry,
		 due_date, escalation_level, escalated_to_id, created_at, acted_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		a.ID, a.InstanceID, a.StageInstanceID, a.GroupID, a.AssigneeID, a.Role, a.AssignmentType, a.Weight,
		a.Status, a.Action, a.Comments, a.SignatureRef, a.DelegatedFromID, a.DelegationReason,
		a.DelegationExpiry, a.DueDate, a.EscalationLevel, a.EscalatedToID, a.CreatedAt, a.ActedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

const assignmentColumns = `id, instance_id, stage_instance_id, group_id, assignee_id, role,
	assignment_type, weight, status, action, comments, signature_ref, delegated_from_id,
	delegation_reason, delegation_expiry, due_date, escalation_level, escalated_to_id, created_at, acted_at`

func scanAssignment(row pgx.Row) (*models.WorkflowAssignment, error) {
	var a models.WorkflowAssignment
	err := row.Scan(&a.ID, &a.InstanceID, &a.StageInstanceID, &a.GroupID, &a.AssigneeID, &a.Role,
		&a.AssignmentType, &a.Weight, &a.Status, &a.Action, &a.Comments, &a.SignatureRef,
		&a.DelegatedFromID, &a.DelegationReason, &a.DelegationExpiry, &a.DueDate, &a.EscalationLevel,
		&a.EscalatedToID, &a.CreatedAt, &a.ActedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) GetAssignment(ctx context.Context, id string) (*models.WorkflowAssignment, error) {
	return scanAssignment(s.db.QueryRow(ctx,
		`SELECT `+assignmentColumns+` FROM workflow_assignments WHERE id = $1`, id))
}

func (s *PostgresStore) RecordAssignmentAction(ctx context.Context, id string, action models.AssignmentAction, comments, signatureRef string, at time.Time) (*models.WorkflowAssignment, error) {
	row := s.db.QueryRow(ctx, `UPDATE workflow_assignments SET
		action = $2, comments = $3, signature_ref = $4, status = 'CLOSED', acted_at = $5
		WHERE id = $1 AND status = 'OPEN' AND action = ''
		RETURNING `+assignmentColumns, id, action, comments, signatureRef, at)
	a, err := scanAssignment(row)
	if errors.Is(err, ErrNotFound) {
		// Distinguish a missing row from an already-closed one.
		if _, getErr := s.GetAssignment(ctx, id); getErr == nil {
			return nil, ErrAssignmentClosed
		}
		return nil, ErrNotFound
	}
	return a, err
}

func (s *PostgresStore) CloseAssignment(ctx context.Context, id string, action models.AssignmentAction, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE workflow_assignments SET
		action = $2, status = 'CLOSED', acted_at = $3
		WHERE id = $1 AND status = 'OPEN'`, id, action, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetAssignment(ctx, id); getErr == nil {
			return ErrAssignmentClosed
		}
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetAssignmentEscalation(ctx context.Context, id string, escalatedToID string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE workflow_assignments SET escalated_to_id = $2 WHERE id = $1`, id, escalatedToID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) listAssignments(ctx context.Context, where string, args ...any) ([]*models.WorkflowAssignment, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+assignmentColumns+` FROM workflow_assignments WHERE `+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.WorkflowAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListAssignmentsByStage(ctx context.Context, stageInstanceID string) ([]*models.WorkflowAssignment, error) {
	return s.listAssignments(ctx, `stage_instance_id = $1`, stageInstanceID)
}

func (s *PostgresStore) ListOpenAssignmentsByInstance(ctx context.Context, instanceID string) ([]*models.WorkflowAssignment, error) {
	return s.listAssignments(ctx, `instance_id = $1 AND status = 'OPEN'`, instanceID)
}

func (s *PostgresStore) ListOpenAssignmentsByUser(ctx context.Context, userID string) ([]*models.WorkflowAssignment, error) {
	return s.listAssignments(ctx, `assignee_id = $1 AND status = 'OPEN'`, userID)
}

func (s *PostgresStore) ListOpenAssignments(ctx context.Context) ([]*models.WorkflowAssignment, error) {
	return s.listAssignments(ctx, `status = 'OPEN'`)
}

func (s *PostgresStore) CountOpenAssignments(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM workflow_assignments WHERE assignee_id = $1 AND status = 'OPEN'`, userID).Scan(&n)
	return n, err
}

func (s *PostgresStore) LastAssignedAt(ctx context.Context, userID string) (*time.Time, error) {
	var t time.Time
	err := s.db.QueryRow(ctx,
		`SELECT created_at FROM workflow_assignments WHERE assignee_id = $1 ORDER BY created_at DESC LIMIT 1`,
		userID).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) LastAssigneeForRole(ctx context.Context, role string) (string, error) {
	var assignee string
	err := s.db.QueryRow(ctx,
		`SELECT assignee_id FROM workflow_assignments WHERE role = $1 ORDER BY created_at DESC, id DESC LIMIT 1`,
		role).Scan(&assignee)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return assignee, err
}

func (s *PostgresStore) CreateGroup(ctx context.Context, g *models.WorkflowParallelCoordination) error {
	g.Version = 1
	_, err := s.db.Exec(ctx, `INSERT INTO workflow_parallel_coordination
		(id, stage_instance_id, group_id, completion_type, threshold_value, total_assignments,
		 completed_assignments, approved_assignments, rejected_assignments, total_weight,
		 approved_weight, rejected_weight, group_status, group_decision, resolved_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		g.ID, g.StageInstanceID, g.GroupID, g.CompletionType, g.ThresholdValue, g.TotalAssignments,
		g.CompletedAssignments, g.ApprovedAssignments, g.RejectedAssignments, g.TotalWeight,
		g.ApprovedWeight, g.RejectedWeight, g.GroupStatus, g.GroupDecision, g.ResolvedAt, g.Version)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) GetGroup(ctx context.Context, stageInstanceID, groupID string) (*models.WorkflowParallelCoordination, error) {
	var g models.WorkflowParallelCoordination
	err := s.db.QueryRow(ctx, `SELECT id, stage_instance_id, group_id, completion_type, threshold_value,
		total_assignments, completed_assignments, approved_assignments, rejected_assignments,
		total_weight, approved_weight, rejected_weight, group_status, group_decision, resolved_at, version
		FROM workflow_parallel_coordination WHERE stage_instance_id = $1 AND group_id = $2`,
		stageInstanceID, groupID).
		Scan(&g.ID, &g.StageInstanceID, &g.GroupID, &g.CompletionType, &g.ThresholdValue,
			&g.TotalAssignments, &g.CompletedAssignments, &g.ApprovedAssignments, &g.RejectedAssignments,
			&g.TotalWeight, &g.ApprovedWeight, &g.RejectedWeight, &g.GroupStatus, &g.GroupDecision,
			&g.ResolvedAt, &g.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *PostgresStore) UpdateGroup(ctx context.Context, g *models.WorkflowParallelCoordination) error {
	tag, err := s.db.Exec(ctx, `UPDATE workflow_parallel_coordination SET
		completed_assignments = $2, approved_assignments = $3, rejected_assignments = $4,
		approved_weight = $5, rejected_weight = $6, group_status = $7, group_decision = $8,
		resolved_at = $9, version = version + 1
		WHERE id = $1 AND version = $10`,
		g.ID, g.CompletedAssignments, g.ApprovedAssignments, g.RejectedAssignments,
		g.ApprovedWeight, g.RejectedWeight, g.GroupStatus, g.GroupDecision, g.ResolvedAt, g.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	g.Version++
	return nil
}

func (s *PostgresStore) AppendHistory(ctx context.Context, h *models.WorkflowHistory) error {
	_, err := s.db.Exec(ctx, `INSERT INTO workflow_history
		(id, instance_id, event_type, stage_number, from_status, to_status, actor, details, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		h.ID, h.InstanceID, h.EventType, h.StageNumber, h.FromStatus, h.ToStatus, h.Actor,
		mustJSON(h.Details), h.CreatedAt)
	return err
}

func (s *PostgresStore) ListHistory(ctx context.Context, instanceID string) ([]*models.WorkflowHistory, error) {
	rows, err := s.db.Query(ctx, `SELECT id, instance_id, event_type, stage_number, from_status,
		to_status, actor, details, created_at
		FROM workflow_history WHERE instance_id = $1 ORDER BY seq`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.WorkflowHistory
	for rows.Next() {
		var h models.WorkflowHistory
		var details []byte
		if err := rows.Scan(&h.ID, &h.InstanceID, &h.EventType, &h.StageNumber, &h.FromStatus,
			&h.ToStatus, &h.Actor, &details, &h.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(details, &h.Details); err != nil {
			return nil, err
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateDelegation(ctx context.Context, d *models.WorkflowDelegation) error {
	_, err := s.db.Exec(ctx, `INSERT INTO workflow_delegations
		(id, delegator_id, delegatee_id, workflow_type, instance_id, start_date, end_date, reason, active, created_at, revoked_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		d.ID, d.DelegatorID, d.DelegateeID, d.WorkflowType, d.InstanceID, d.StartDate, d.EndDate,
		d.Reason, d.Active, d.CreatedAt, d.RevokedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *PostgresStore) ListDelegationsByDelegator(ctx context.Context, userID string) ([]*models.WorkflowDelegation, error) {
	rows, err := s.db.Query(ctx, `SELECT id, delegator_id, delegatee_id, workflow_type, instance_id,
		start_date, end_date, reason, active, created_at, revoked_at
		FROM workflow_delegations WHERE delegator_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.WorkflowDelegation
	for rows.Next() {
		var d models.WorkflowDelegation
		if err := rows.Scan(&d.ID, &d.DelegatorID, &d.DelegateeID, &d.WorkflowType, &d.InstanceID,
			&d.StartDate, &d.EndDate, &d.Reason, &d.Active, &d.CreatedAt, &d.RevokedAt); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}
