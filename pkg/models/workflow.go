// Package models defines the domain models for the workflow engine.
package models

import (
	"time"
)

// ApprovalType controls how a stage's assignments jointly resolve.
type ApprovalType string

const (
	ApprovalAllRequired ApprovalType = "ALL_REQUIRED"
	ApprovalAnyOne      ApprovalType = "ANY_ONE"
	ApprovalThreshold   ApprovalType = "THRESHOLD"
	ApprovalPercentage  ApprovalType = "PERCENTAGE"
	ApprovalWeighted    ApprovalType = "WEIGHTED"
)

// AssignmentStrategy selects how concrete approvers are computed for a stage.
type AssignmentStrategy string

const (
	StrategyManual       AssignmentStrategy = "MANUAL"
	StrategyRoleBased    AssignmentStrategy = "ROLE_BASED"
	StrategyLoadBalanced AssignmentStrategy = "LOAD_BALANCED"
	StrategyRoundRobin   AssignmentStrategy = "ROUND_ROBIN"
)

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceInProgress InstanceStatus = "IN_PROGRESS"
	InstanceOnHold     InstanceStatus = "ON_HOLD"
	InstanceCompleted  InstanceStatus = "COMPLETED"
	InstanceRejected   InstanceStatus = "REJECTED"
	InstanceCancelled  InstanceStatus = "CANCELLED"
)

// Terminal reports whether s is a final instance state.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceRejected || s == InstanceCancelled
}

// StageStatus is the lifecycle state of a materialized stage.
type StageStatus string

const (
	StagePending    StageStatus = "PENDING"
	StageInProgress StageStatus = "IN_PROGRESS"
	StageCompleted  StageStatus = "COMPLETED"
	StageSkipped    StageStatus = "SKIPPED"
	StageEscalated  StageStatus = "ESCALATED"
)

// StageOutcome is the terminal result of a stage instance.
type StageOutcome string

const (
	OutcomeApproved         StageOutcome = "APPROVED"
	OutcomeRejected         StageOutcome = "REJECTED"
	OutcomeChangesRequested StageOutcome = "CHANGES_REQUESTED"
	OutcomeDelegated        StageOutcome = "DELEGATED"
	OutcomeSkipped          StageOutcome = "SKIPPED"
)

// AssignmentType distinguishes approvers whose vote is binding from
// optional reviewers and pure observers.
type AssignmentType string

const (
	AssignmentRequired AssignmentType = "REQUIRED"
	AssignmentOptional AssignmentType = "OPTIONAL"
	AssignmentObserver AssignmentType = "OBSERVER"
)

// AssignmentStatus is OPEN until the assignment is acted on or
// administratively closed.
type AssignmentStatus string

const (
	AssignmentOpen   AssignmentStatus = "OPEN"
	AssignmentClosed AssignmentStatus = "CLOSED"
)

// AssignmentAction is the action taken on (or applied to) an assignment.
// APPROVED/REJECTED/CHANGES_REQUESTED are approver votes and feed the
// coordination counters; DELEGATED/ESCALATED/CANCELLED are administrative
// closes and do not.
type AssignmentAction string

const (
	ActionApproved         AssignmentAction = "APPROVED"
	ActionRejected         AssignmentAction = "REJECTED"
	ActionChangesRequested AssignmentAction = "CHANGES_REQUESTED"
	ActionDelegated        AssignmentAction = "DELEGATED"
	ActionEscalated        AssignmentAction = "ESCALATED"
	ActionCancelled        AssignmentAction = "CANCELLED"
)

// Vote reports whether the action counts toward group resolution.
func (a AssignmentAction) Vote() bool {
	return a == ActionApproved || a == ActionRejected || a == ActionChangesRequested
}

// CompletionType is the resolution predicate of a parallel group.
type CompletionType string

const (
	CompletionAll            CompletionType = "ALL"
	CompletionAny            CompletionType = "ANY"
	CompletionThresholdCount CompletionType = "THRESHOLD_COUNT"
	CompletionPercentage     CompletionType = "PERCENTAGE"
	CompletionWeighted       CompletionType = "WEIGHTED"
)

// GroupStatus describes whether a coordination group has resolved.
type GroupStatus string

const (
	GroupOpen     GroupStatus = "OPEN"
	GroupResolved GroupStatus = "RESOLVED"
)

// GroupDecision is the group's final verdict, written exactly once.
type GroupDecision string

const (
	DecisionApproved GroupDecision = "APPROVED"
	DecisionRejected GroupDecision = "REJECTED"
)

// RuleOperator compares a context field against a rule's condition value.
type RuleOperator string

const (
	OpEQ       RuleOperator = "EQ"
	OpNE       RuleOperator = "NE"
	OpGT       RuleOperator = "GT"
	OpGTE      RuleOperator = "GTE"
	OpLT       RuleOperator = "LT"
	OpLTE      RuleOperator = "LTE"
	OpIn       RuleOperator = "IN"
	OpContains RuleOperator = "CONTAINS"
)

// RuleAction is the directive a matching rule emits.
type RuleAction string

const (
	RuleAddStage             RuleAction = "ADD_STAGE"
	RuleSkipStage            RuleAction = "SKIP_STAGE"
	RuleChangeApprovers      RuleAction = "CHANGE_APPROVERS"
	RuleSetDeadline          RuleAction = "SET_DEADLINE"
	RuleSendNotification     RuleAction = "SEND_NOTIFICATION"
	RuleRequireSignatureType RuleAction = "REQUIRE_SIGNATURE_TYPE"
)

// HistoryEventType labels rows in the append-only audit log.
type HistoryEventType string

const (
	EventWorkflowStarted     HistoryEventType = "WORKFLOW_STARTED"
	EventWorkflowCompleted   HistoryEventType = "WORKFLOW_COMPLETED"
	EventWorkflowRejected    HistoryEventType = "WORKFLOW_REJECTED"
	EventWorkflowCancelled   HistoryEventType = "WORKFLOW_CANCELLED"
	EventWorkflowHeld        HistoryEventType = "WORKFLOW_HELD"
	EventWorkflowResumed     HistoryEventType = "WORKFLOW_RESUMED"
	EventStageStarted        HistoryEventType = "STAGE_STARTED"
	EventStageCompleted      HistoryEventType = "STAGE_COMPLETED"
	EventStageSkipped        HistoryEventType = "STAGE_SKIPPED"
	EventStageAdded          HistoryEventType = "STAGE_ADDED"
	EventAssignmentCreated   HistoryEventType = "ASSIGNMENT_CREATED"
	EventAssignmentActed     HistoryEventType = "ASSIGNMENT_ACTED"
	EventAssignmentDelegated HistoryEventType = "ASSIGNMENT_DELEGATED"
	EventAssignmentEscalated HistoryEventType = "ASSIGNMENT_ESCALATED"
	EventNotificationSent    HistoryEventType = "NOTIFICATION_SENT"
)

// RuleCondition is a single predicate over instance context data.
type RuleCondition struct {
	Field    string       `json:"field"`
	Operator RuleOperator `json:"operator"`
	Value    any          `json:"value"`
}

// EscalationRule names the target for one escalation level of a stage.
// Target is a user id or "role:<name>".
type EscalationRule struct {
	Level  int    `json:"level"`
	Target string `json:"target"`
}

// WorkflowStage is one ordered step template within a definition. Stages are
// immutable; running instances work on a per-instance copy (the plan).
type WorkflowStage struct {
	ID                 string             `json:"id" db:"id"`
	DefinitionID       string             `json:"definition_id" db:"definition_id"`
	StageNumber        int                `json:"stage_number" db:"stage_number"`
	Name               string             `json:"name" db:"name"`
	ApprovalType       ApprovalType       `json:"approval_type" db:"approval_type"`
	MinimumApprovals   int                `json:"minimum_approvals,omitempty" db:"minimum_approvals"`
	ApprovalThreshold  float64            `json:"approval_threshold,omitempty" db:"approval_threshold"`
	RequiredRoles      []string           `json:"required_roles,omitempty" db:"required_roles"`
	OptionalRoles      []string           `json:"optional_roles,omitempty" db:"optional_roles"`
	ObserverRoles      []string           `json:"observer_roles,omitempty" db:"observer_roles"`
	RoleWeights        map[string]float64 `json:"role_weights,omitempty" db:"role_weights"`
	AssignmentStrategy AssignmentStrategy `json:"assignment_strategy" db:"assignment_strategy"`
	Approvers          []string           `json:"approvers,omitempty" db:"approvers"`
	DeadlineHours      int                `json:"deadline_hours,omitempty" db:"deadline_hours"`
	EscalationRules    []EscalationRule   `json:"escalation_rules,omitempty" db:"escalation_rules"`
	AllowDelegation    bool               `json:"allow_delegation" db:"allow_delegation"`
	AllowSkip          bool               `json:"allow_skip" db:"allow_skip"`
	SkipConditions     []RuleCondition    `json:"skip_conditions,omitempty" db:"skip_conditions"`
	RequireSignature   bool               `json:"require_signature" db:"require_signature"`
}

// WorkflowRule pairs a condition with a stage-mutation or notification
// directive. Priority orders evaluation when several rules match.
type WorkflowRule struct {
	ID           string         `json:"id" db:"id"`
	DefinitionID string         `json:"definition_id" db:"definition_id"`
	Name         string         `json:"name" db:"name"`
	Condition    RuleCondition  `json:"condition"`
	Action       RuleAction     `json:"action" db:"action"`
	ActionParams map[string]any `json:"action_params,omitempty" db:"action_params"`
	Priority     int            `json:"priority" db:"priority"`
}

// WorkflowDefinition is a named, versioned workflow template. Once an
// instance references it the definition is frozen; edits create a new
// version and old versions are deactivated, never deleted.
type WorkflowDefinition struct {
	ID           string          `json:"id" db:"id"`
	Name         string          `json:"name" db:"name"`
	Description  string          `json:"description,omitempty" db:"description"`
	WorkflowType string          `json:"workflow_type" db:"workflow_type"`
	Version      int             `json:"version" db:"version"`
	Active       bool            `json:"active" db:"active"`
	Stages       []WorkflowStage `json:"stages"`
	Rules        []WorkflowRule  `json:"rules,omitempty"`
	CreatedBy    string          `json:"created_by" db:"created_by"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// WorkflowInstance is one live process bound to a business entity. The
// (EntityType, EntityID) pair is unique among active instances. Plan is the
// instance's private, rule-mutable copy of the definition's stages.
type WorkflowInstance struct {
	ID                 string          `json:"id" db:"id"`
	DefinitionID       string          `json:"definition_id" db:"definition_id"`
	WorkflowType       string          `json:"workflow_type" db:"workflow_type"`
	EntityType         string          `json:"entity_type" db:"entity_type"`
	EntityID           string          `json:"entity_id" db:"entity_id"`
	Status             InstanceStatus  `json:"status" db:"status"`
	CurrentStageNumber int             `json:"current_stage_number" db:"current_stage_number"`
	ContextData        map[string]any  `json:"context_data,omitempty" db:"context_data"`
	Plan               []WorkflowStage `json:"plan" db:"plan"`
	Deadline           *time.Time      `json:"deadline,omitempty" db:"deadline"`
	Priority           string          `json:"priority,omitempty" db:"priority"`
	ImpactLevel        string          `json:"impact_level,omitempty" db:"impact_level"`
	StartedBy          string          `json:"started_by" db:"started_by"`
	StartedAt          time.Time       `json:"started_at" db:"started_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	Version            int             `json:"-" db:"version"`
}

// WorkflowStageInstance is the live materialization of one planned stage,
// unique on (InstanceID, StageNumber).
type WorkflowStageInstance struct {
	ID           string       `json:"id" db:"id"`
	InstanceID   string       `json:"instance_id" db:"instance_id"`
	StageNumber  int          `json:"stage_number" db:"stage_number"`
	Name         string       `json:"name" db:"name"`
	ApprovalType ApprovalType `json:"approval_type" db:"approval_type"`
	Status       StageStatus  `json:"status" db:"status"`
	Outcome      StageOutcome `json:"outcome,omitempty" db:"outcome"`
	StartedAt    time.Time    `json:"started_at" db:"started_at"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty" db:"completed_at"`
	Version      int          `json:"-" db:"version"`
}

// WorkflowAssignment is one approver's task within a stage instance. An
// assignment is acted on at most once; delegation and escalation close the
// row and create a successor rather than mutating history.
type WorkflowAssignment struct {
	ID               string           `json:"id" db:"id"`
	InstanceID       string           `json:"instance_id" db:"instance_id"`
	StageInstanceID  string           `json:"stage_instance_id" db:"stage_instance_id"`
	GroupID          string           `json:"group_id,omitempty" db:"group_id"`
	AssigneeID       string           `json:"assignee_id" db:"assignee_id"`
	Role             string           `json:"role,omitempty" db:"role"`
	AssignmentType   AssignmentType   `json:"assignment_type" db:"assignment_type"`
	Weight           float64          `json:"weight,omitempty" db:"weight"`
	Status           AssignmentStatus `json:"status" db:"status"`
	Action           AssignmentAction `json:"action,omitempty" db:"action"`
	Comments         string           `json:"comments,omitempty" db:"comments"`
	SignatureRef     string           `json:"signature_ref,omitempty" db:"signature_ref"`
	DelegatedFromID  string           `json:"delegated_from_id,omitempty" db:"delegated_from_id"`
	DelegationReason string           `json:"delegation_reason,omitempty" db:"delegation_reason"`
	DelegationExpiry *time.Time       `json:"delegation_expiry,omitempty" db:"delegation_expiry"`
	DueDate          *time.Time       `json:"due_date,omitempty" db:"due_date"`
	EscalationLevel  int              `json:"escalation_level" db:"escalation_level"`
	EscalatedToID    string           `json:"escalated_to_id,omitempty" db:"escalated_to_id"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
	ActedAt          *time.Time       `json:"acted_at,omitempty" db:"acted_at"`
}

// WorkflowParallelCoordination tracks joint resolution of a group of
// assignments. Counters only ever increase; GroupDecision is written once.
// Version backs the optimistic compare-and-swap update.
type WorkflowParallelCoordination struct {
	ID                   string         `json:"id" db:"id"`
	StageInstanceID      string         `json:"stage_instance_id" db:"stage_instance_id"`
	GroupID              string         `json:"group_id" db:"group_id"`
	CompletionType       CompletionType `json:"completion_type" db:"completion_type"`
	ThresholdValue       float64        `json:"threshold_value,omitempty" db:"threshold_value"`
	TotalAssignments     int            `json:"total_assignments" db:"total_assignments"`
	CompletedAssignments int            `json:"completed_assignments" db:"completed_assignments"`
	ApprovedAssignments  int            `json:"approved_assignments" db:"approved_assignments"`
	RejectedAssignments  int            `json:"rejected_assignments" db:"rejected_assignments"`
	TotalWeight          float64        `json:"total_weight,omitempty" db:"total_weight"`
	ApprovedWeight       float64        `json:"approved_weight,omitempty" db:"approved_weight"`
	RejectedWeight       float64        `json:"rejected_weight,omitempty" db:"rejected_weight"`
	GroupStatus          GroupStatus    `json:"group_status" db:"group_status"`
	GroupDecision        GroupDecision  `json:"group_decision,omitempty" db:"group_decision"`
	ResolvedAt           *time.Time     `json:"resolved_at,omitempty" db:"resolved_at"`
	Version              int            `json:"-" db:"version"`
}

// WorkflowHistory is one immutable audit event. Rows are never updated or
// deleted; the log is the system of record for replay.
type WorkflowHistory struct {
	ID          string           `json:"id" db:"id"`
	InstanceID  string           `json:"instance_id" db:"instance_id"`
	EventType   HistoryEventType `json:"event_type" db:"event_type"`
	StageNumber int              `json:"stage_number,omitempty" db:"stage_number"`
	FromStatus  string           `json:"from_status,omitempty" db:"from_status"`
	ToStatus    string           `json:"to_status,omitempty" db:"to_status"`
	Actor       string           `json:"actor,omitempty" db:"actor"`
	Details     map[string]any   `json:"details,omitempty" db:"details"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
}

// WorkflowDelegation is a standing, time-bounded transfer of approval
// responsibility, optionally scoped to a workflow type or single instance.
type WorkflowDelegation struct {
	ID           string     `json:"id" db:"id"`
	DelegatorID  string     `json:"delegator_id" db:"delegator_id"`
	DelegateeID  string     `json:"delegatee_id" db:"delegatee_id"`
	WorkflowType string     `json:"workflow_type,omitempty" db:"workflow_type"`
	InstanceID   string     `json:"instance_id,omitempty" db:"instance_id"`
	StartDate    time.Time  `json:"start_date" db:"start_date"`
	EndDate      time.Time  `json:"end_date" db:"end_date"`
	Reason       string     `json:"reason,omitempty" db:"reason"`
	Active       bool       `json:"active" db:"active"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}

// Covers reports whether the delegation applies to the given workflow type
// and instance at time t.
func (d *WorkflowDelegation) Covers(workflowType, instanceID string, t time.Time) bool {
	if !d.Active || t.Before(d.StartDate) || t.After(d.EndDate) {
		return false
	}
	if d.WorkflowType != "" && d.WorkflowType != workflowType {
		return false
	}
	if d.InstanceID != "" && d.InstanceID != instanceID {
		return false
	}
	return true
}

// WorkflowTask is the per-user task-list projection of an open assignment.
// It carries no independent state and may be rebuilt at any time.
type WorkflowTask struct {
	AssignmentID    string         `json:"assignment_id"`
	InstanceID      string         `json:"instance_id"`
	EntityType      string         `json:"entity_type"`
	EntityID        string         `json:"entity_id"`
	WorkflowType    string         `json:"workflow_type"`
	StageNumber     int            `json:"stage_number"`
	StageName       string         `json:"stage_name"`
	AssigneeID      string         `json:"assignee_id"`
	AssignmentType  AssignmentType `json:"assignment_type"`
	Priority        string         `json:"priority,omitempty"`
	DueDate         *time.Time     `json:"due_date,omitempty"`
	Overdue         bool           `json:"overdue"`
	EscalationLevel int            `json:"escalation_level"`
	CreatedAt       time.Time      `json:"created_at"`
}

// WorkflowMetrics is a periodic aggregate computed from history and
// assignments; rebuildable at any time.
type WorkflowMetrics struct {
	Period             string    `json:"period"`
	WorkflowType       string    `json:"workflow_type,omitempty"`
	Started            int       `json:"started"`
	Completed          int       `json:"completed"`
	Rejected           int       `json:"rejected"`
	Cancelled          int       `json:"cancelled"`
	AvgCompletionHours float64   `json:"avg_completion_hours"`
	OverdueAssignments int       `json:"overdue_assignments"`
	EscalatedCount     int       `json:"escalated_count"`
	ComputedAt         time.Time `json:"computed_at"`
}
