package engine

import "errors"

// Validation errors: rejected synchronously at definition or start time,
// never partially applied.
var (
	ErrInvalidStageOrder = errors.New("stage numbers must form a contiguous 1..N sequence")
	ErrMissingApprovers  = errors.New("no approvers could be resolved for stage")
	ErrInvalidRule       = errors.New("malformed workflow rule")
	ErrInvalidAction     = errors.New("action is not a valid approver action")
)

// Conflict errors: surfaced to the caller as-is; the caller may re-query
// current state. The engine never retries these.
var (
	ErrDuplicateInstance    = errors.New("an active workflow instance already exists for this entity")
	ErrDefinitionInactive   = errors.New("workflow definition is not active")
	ErrAlreadyActed         = errors.New("assignment has already been acted on")
	ErrNotAssigned          = errors.New("actor does not hold this assignment")
	ErrInstanceTerminal     = errors.New("workflow instance is in a terminal state")
	ErrAlreadyTerminal      = errors.New("workflow instance is already terminal")
	ErrInstanceOnHold       = errors.New("workflow instance is on hold")
	ErrDelegationNotAllowed = errors.New("stage does not allow delegation")
	ErrSignatureRequired    = errors.New("stage requires a signature reference for approval")
	ErrNotFound             = errors.New("not found")
)

// ErrTransient is returned when bounded internal retries of an optimistic
// update were exhausted; the operation may be safely retried by the caller.
var ErrTransient = errors.New("transient conflict, retry")
