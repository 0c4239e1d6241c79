// Package approval gates mutating workflows behind a second-party decision.
package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"leasehold.org/internal/rbac"
)

// WorkflowType names a gated workflow.
type WorkflowType string

const (
	WorkflowExpense       WorkflowType = "expense"
	WorkflowLease         WorkflowType = "lease"
	WorkflowMaintenance   WorkflowType = "maintenance"
	WorkflowPropertyEdit  WorkflowType = "property_edit"
	WorkflowBulkOperation WorkflowType = "bulk_operation"
)

// Status of an approval request. Approved and rejected are terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s == StatusApproved || s == StatusRejected }

var (
	ErrConflict          = errors.New("approval: pending request already exists")
	ErrInvalidTransition = errors.New("approval: request is not pending")
	ErrUnknownWorkflow   = errors.New("approval: unknown workflow type")
	ErrNotFound          = errors.New("approval: request not found")
	ErrInvalidInput      = errors.New("approval: invalid input")
	ErrApplyFailed       = errors.New("approval: applying approved change failed")
)

// ConflictError is returned when an entity already has a pending request.
// It matches ErrConflict.
type ConflictError struct {
	EntityType string
	EntityID   string
	ExistingID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s %s awaits decision on %s", ErrConflict, e.EntityType, e.EntityID, e.ExistingID)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// Entity identifies what a gated change targets and where it sits in the
// hierarchy.
type Entity struct {
	Type  string           `json:"type"`
	ID    string           `json:"id"`
	Scope rbac.TargetScope `json:"scope"`
}

// Change is the proposed mutation. Amount is in minor currency units and is
// only compared against auto-approval thresholds.
type Change struct {
	Amount  *int64          `json:"amount,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Request is a persisted approval request.
type Request struct {
	ID               string           `json:"id"`
	Workflow         WorkflowType     `json:"workflow"`
	EntityType       string           `json:"entity_type"`
	EntityID         string           `json:"entity_id"`
	Scope            rbac.TargetScope `json:"scope"`
	RequestedBy      string           `json:"requested_by"`
	RequiredApprover rbac.Role        `json:"required_approver"`
	Status           Status           `json:"status"`
	Change           Change           `json:"change"`
	DecidedBy        string           `json:"decided_by,omitempty"`
	DecidedAt        *time.Time       `json:"decided_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Result of RequireApproval. When Applied is false the caller must not apply
// the change; Request then holds the pending request.
type Result struct {
	Applied bool     `json:"applied"`
	Request *Request `json:"request,omitempty"`
}
