package tracker

import (
	"encoding/json"
	"errors"
	"time"
)

// Tracker errors
var (
	ErrDuplicateExecution = errors.New("execution already in flight")
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrAlreadyAssigned    = errors.New("execution assigned to another resolver")
	ErrNotAssigned        = errors.New("update from a resolver that does not own the execution")
	ErrTerminal           = errors.New("execution already finished")
)

// Status is an execution state. Sub-states under processing are free-form
// checkpoints reported by the resolver; the constants below are the ones the
// resolver engine emits.
type Status string

const (
	StatusCreated    Status = "created"
	StatusAssigned   Status = "assigned"
	StatusProcessing Status = "processing"

	StatusValidating   Status = "validating"
	StatusSrcDeploying Status = "src_deploying"
	StatusSrcDeployed  Status = "src_deployed"
	StatusDstDeploying Status = "dst_deploying"
	StatusDstDeployed  Status = "dst_deployed"
	StatusWithdrawing  Status = "withdrawing"
	StatusClaiming     Status = "claiming"

	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further updates are accepted for the attempt.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Execution is a copy of one order's execution state. Values handed out by
// the Tracker are snapshots and never alias tracker memory.
type Execution struct {
	OrderHash        string            `json:"orderHash"`
	Status           Status            `json:"status"`
	AssignedResolver string            `json:"assignedResolver,omitempty"`
	Attempt          int               `json:"attempt"`
	Progress         int               `json:"progress"`
	TxHashes         map[string]string `json:"txHashes,omitempty"`
	Error            string            `json:"error,omitempty"`
	MoveOrderID      *uint64           `json:"orderId,omitempty"`
	StartedAt        time.Time         `json:"startedAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
	CompletedAt      *time.Time        `json:"completedAt,omitempty"`

	// Assignment is the last resolve_order body sent for this order, kept so
	// that a reset execution can be handed to another resolver.
	Assignment json.RawMessage `json:"-"`
}

func (e Execution) clone() Execution {
	out := e
	if e.TxHashes != nil {
		out.TxHashes = make(map[string]string, len(e.TxHashes))
		for k, v := range e.TxHashes {
			out.TxHashes[k] = v
		}
	}
	if e.MoveOrderID != nil {
		id := *e.MoveOrderID
		out.MoveOrderID = &id
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Unassigned reports whether the execution is waiting for a resolver.
func (e Execution) Unassigned() bool {
	return e.Status == StatusCreated && e.AssignedResolver == ""
}

// Update is a status report applied through ApplyUpdate.
type Update struct {
	Status      Status
	Progress    *int
	TxHashes    map[string]string
	Error       string
	MoveOrderID *uint64
}

// Journal persists execution snapshots. Record is called with the entry lock
// held, so snapshots of one order arrive in mutation order.
type Journal interface {
	Record(e Execution) error
}
