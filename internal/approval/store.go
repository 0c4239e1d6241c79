package approval

import (
	"context"
	"time"
)

// Filter narrows List.
type Filter struct {
	Status   Status
	Workflow WorkflowType
	Limit    int
}

// Store persists approval requests. CreatePending must be atomic with respect
// to the one-pending-per-entity rule and return *ConflictError when it would
// be broken. Transition must only succeed while the request is still pending
// and return ErrInvalidTransition otherwise.
type Store interface {
	CreatePending(ctx context.Context, r Request) (Request, error)
	Get(ctx context.Context, id string) (Request, error)
	Transition(ctx context.Context, id string, to Status, decidedBy string, at time.Time) (Request, error)
	List(ctx context.Context, f Filter) ([]Request, error)
}

// Applier re-applies an approved change.
type Applier interface {
	Apply(ctx context.Context, r Request) error
}

// ApplierFunc adapts a function to Applier.
type ApplierFunc func(ctx context.Context, r Request) error

func (f ApplierFunc) Apply(ctx context.Context, r Request) error { return f(ctx, r) }
