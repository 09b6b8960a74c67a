// Package tracker holds the execution state machine for every order the
// relayer has been asked to fill.
//
//	created -> processing -> {validating .. claiming} -> completed | failed
//	   ^                                   |                         |
//	   +--------- resolver disconnect -----+                         v
//	                                                                cancelled (after refund)
//
// Per-order state is guarded by its own mutex; the map lock is held only to
// find or insert entries, so updates to different orders never contend.
package tracker

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/Klingon-tech/klingdex-relay/pkg/logging"
)

type entry struct {
	mu   sync.Mutex
	exec Execution
	// claimed is set between Begin and Assign/Abandon so that two callers
	// cannot both dispatch the same unassigned record.
	claimed bool
}

// Tracker owns all execution records.
type Tracker struct {
	clock   clock.Clock
	journal Journal
	log     *logging.Logger

	mu    sync.RWMutex
	execs map[string]*entry
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithJournal persists every mutation.
func WithJournal(j Journal) Option {
	return func(t *Tracker) { t.journal = j }
}

// New creates an empty tracker.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		clock: clock.New(),
		log:   logging.GetDefault().Component("tracker"),
		execs: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Begin opens an execution for orderHash and claims it for dispatch. It fails
// with ErrDuplicateExecution while a previous attempt is in flight or another
// caller holds the claim. A record that was reset to created by a resolver
// disconnect may be begun again, as may a finished one; the latter starts a
// new attempt. The claim is released by Assign or Abandon.
func (t *Tracker) Begin(orderHash string, assignment json.RawMessage) (Execution, error) {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.execs[orderHash]
	if !ok {
		e = &entry{exec: Execution{
			OrderHash: orderHash,
			Status:    StatusCreated,
			Attempt:   1,
			StartedAt: now,
			UpdatedAt: now,
		}}
		t.execs[orderHash] = e
	} else {
		e.mu.Lock()
		defer e.mu.Unlock()
		switch {
		case e.claimed:
			return e.exec.clone(), fmt.Errorf("%w: %s is being dispatched", ErrDuplicateExecution, orderHash)
		case e.exec.Unassigned():
		case e.exec.Status.Terminal():
			e.exec = Execution{
				OrderHash:  orderHash,
				Status:     StatusCreated,
				Attempt:    e.exec.Attempt + 1,
				StartedAt:  now,
				UpdatedAt:  now,
				Assignment: e.exec.Assignment,
			}
		default:
			return e.exec.clone(), fmt.Errorf("%w: %s is %s", ErrDuplicateExecution, orderHash, e.exec.Status)
		}
	}

	if len(assignment) > 0 {
		e.exec.Assignment = assignment
	}
	e.claimed = true
	e.exec.UpdatedAt = now
	t.record(e)
	return e.exec.clone(), nil
}

// Assign gives the execution to resolverID and moves it to processing.
func (t *Tracker) Assign(orderHash, resolverID string) (Execution, error) {
	e, ok := t.lookup(orderHash)
	if !ok {
		return Execution{}, fmt.Errorf("%w: %s", ErrExecutionNotFound, orderHash)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.exec.Status.Terminal() {
		return e.exec.clone(), fmt.Errorf("%w: %s", ErrTerminal, orderHash)
	}
	if e.exec.AssignedResolver != "" && e.exec.AssignedResolver != resolverID {
		return e.exec.clone(), fmt.Errorf("%w: %s owned by %s", ErrAlreadyAssigned, orderHash, e.exec.AssignedResolver)
	}

	e.claimed = false
	e.exec.AssignedResolver = resolverID
	e.exec.Status = StatusProcessing
	e.exec.UpdatedAt = t.clock.Now()
	t.record(e)
	return e.exec.clone(), nil
}

// Abandon drops the dispatch claim taken by Begin, leaving the record
// created and unassigned for a later fill or re-dispatch.
func (t *Tracker) Abandon(orderHash string) {
	if e, ok := t.lookup(orderHash); ok {
		e.mu.Lock()
		e.claimed = false
		e.mu.Unlock()
	}
}

// Release undoes an assignment that could not be delivered. It only acts if
// resolverID still owns the execution.
func (t *Tracker) Release(orderHash, resolverID string) bool {
	e, ok := t.lookup(orderHash)
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.exec.AssignedResolver != resolverID || e.exec.Status.Terminal() {
		return false
	}
	e.exec.AssignedResolver = ""
	e.exec.Status = StatusCreated
	e.exec.UpdatedAt = t.clock.Now()
	t.record(e)
	return true
}

// ApplyUpdate merges a status report into the execution. from is the
// reporting connection; when non-empty it must match the assigned resolver.
// Updates after a terminal state are logged and ignored (applied == false,
// nil error), except that a failed execution may still be marked cancelled
// once its escrows are refunded. That report may come from any resolver
// connection, since the refund can only be made after the cancellation
// time-lock and the original link is usually gone by then. Progress never
// moves backwards within an attempt.
func (t *Tracker) ApplyUpdate(orderHash, from string, u Update) (exec Execution, applied bool, err error) {
	e, ok := t.lookup(orderHash)
	if !ok {
		return Execution{}, false, fmt.Errorf("%w: %s", ErrExecutionNotFound, orderHash)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	refund := e.exec.Status == StatusFailed && u.Status == StatusCancelled
	if e.exec.Status.Terminal() && !refund {
		t.log.Warn("Ignoring update for finished execution",
			"order", orderHash, "status", e.exec.Status, "update", u.Status)
		return e.exec.clone(), false, nil
	}
	if from != "" && !refund && e.exec.AssignedResolver != from {
		return e.exec.clone(), false, fmt.Errorf("%w: %s from %s", ErrNotAssigned, orderHash, from)
	}

	if u.Progress != nil {
		if *u.Progress < e.exec.Progress {
			t.log.Warn("Ignoring progress regression",
				"order", orderHash, "current", e.exec.Progress, "reported", *u.Progress)
		} else {
			e.exec.Progress = *u.Progress
		}
	}
	if u.Status != "" {
		e.exec.Status = u.Status
	}
	if len(u.TxHashes) > 0 {
		if e.exec.TxHashes == nil {
			e.exec.TxHashes = make(map[string]string, len(u.TxHashes))
		}
		for k, v := range u.TxHashes {
			e.exec.TxHashes[k] = v
		}
	}
	if u.Error != "" {
		e.exec.Error = u.Error
	}
	if u.MoveOrderID != nil {
		id := *u.MoveOrderID
		e.exec.MoveOrderID = &id
	}

	now := t.clock.Now()
	e.exec.UpdatedAt = now
	if e.exec.Status.Terminal() {
		e.exec.CompletedAt = &now
		if e.exec.Status == StatusCompleted {
			e.exec.Progress = 100
		}
	}
	t.record(e)
	return e.exec.clone(), true, nil
}

// ReassignOnDisconnect resets every in-flight execution owned by resolverID
// to created and clears the owner. It does not re-dispatch. The affected
// order hashes are returned.
func (t *Tracker) ReassignOnDisconnect(resolverID string) []string {
	var reset []string
	for _, e := range t.entries() {
		e.mu.Lock()
		if e.exec.AssignedResolver == resolverID && !e.exec.Status.Terminal() {
			t.log.Info("Resetting execution after resolver disconnect",
				"order", e.exec.OrderHash, "resolver", resolverID, "status", e.exec.Status)
			e.exec.Status = StatusCreated
			e.exec.AssignedResolver = ""
			e.exec.Progress = 0
			e.exec.Attempt++
			e.exec.UpdatedAt = t.clock.Now()
			t.record(e)
			reset = append(reset, e.exec.OrderHash)
		}
		e.mu.Unlock()
	}
	sort.Strings(reset)
	return reset
}

// Restore loads a persisted execution. In-flight records come back as
// created with no owner, since their resolver connections did not survive.
func (t *Tracker) Restore(exec Execution) {
	exec = exec.clone()
	if !exec.Status.Terminal() {
		exec.Status = StatusCreated
		exec.AssignedResolver = ""
		exec.Progress = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.execs[exec.OrderHash] = &entry{exec: exec}
}

// Get returns the execution for orderHash.
func (t *Tracker) Get(orderHash string) (Execution, bool) {
	e, ok := t.lookup(orderHash)
	if !ok {
		return Execution{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exec.clone(), true
}

// List returns every execution ordered by start time.
func (t *Tracker) List() []Execution {
	return t.filter(func(Execution) bool { return true })
}

// Active returns the executions that are not finished.
func (t *Tracker) Active() []Execution {
	return t.filter(func(e Execution) bool { return !e.Status.Terminal() })
}

// Unassigned returns the executions waiting for a resolver.
func (t *Tracker) Unassigned() []Execution {
	return t.filter(Execution.Unassigned)
}

// CountByStatus returns the number of executions in each status.
func (t *Tracker) CountByStatus() map[Status]int {
	out := make(map[Status]int)
	for _, e := range t.List() {
		out[e.Status]++
	}
	return out
}

func (t *Tracker) filter(keep func(Execution) bool) []Execution {
	var out []Execution
	for _, e := range t.entries() {
		e.mu.Lock()
		if keep(e.exec) {
			out = append(out, e.exec.clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].OrderHash < out[j].OrderHash
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (t *Tracker) lookup(orderHash string) (*entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.execs[orderHash]
	return e, ok
}

func (t *Tracker) entries() []*entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*entry, 0, len(t.execs))
	for _, e := range t.execs {
		out = append(out, e)
	}
	return out
}

// record must be called with e.mu held.
func (t *Tracker) record(e *entry) {
	if t.journal == nil {
		return
	}
	if err := t.journal.Record(e.exec.clone()); err != nil {
		t.log.Error("Failed to persist execution", "order", e.exec.OrderHash, "error", err)
	}
}
