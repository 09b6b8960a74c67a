package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

type memJournal struct {
	mu      sync.Mutex
	records []Execution
}

func (j *memJournal) Record(e Execution) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, e)
	return nil
}

func intPtr(v int) *int { return &v }

func newTestTracker() (*Tracker, *clock.Mock, *memJournal) {
	clk := clock.NewMock()
	j := &memJournal{}
	return New(WithClock(clk), WithJournal(j)), clk, j
}

func TestBeginAndAssign(t *testing.T) {
	tr, _, j := newTestTracker()

	exec, err := tr.Begin("0xabc", json.RawMessage(`{"orderHash":"0xabc"}`))
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if exec.Status != StatusCreated || exec.Attempt != 1 {
		t.Errorf("Begin() = %+v", exec)
	}

	exec, err = tr.Assign("0xabc", "resolver-1")
	if err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	if exec.Status != StatusProcessing || exec.AssignedResolver != "resolver-1" {
		t.Errorf("Assign() = %+v", exec)
	}
	if len(j.records) != 2 {
		t.Errorf("journal records = %d, want 2", len(j.records))
	}
}

func TestBeginRejectsInFlightDuplicate(t *testing.T) {
	tr, _, _ := newTestTracker()

	if _, err := tr.Begin("0xabc", nil); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if _, err := tr.Assign("0xabc", "r1"); err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	if _, err := tr.Begin("0xabc", nil); !errors.Is(err, ErrDuplicateExecution) {
		t.Fatalf("Begin() error = %v, want ErrDuplicateExecution", err)
	}
	if n := len(tr.List()); n != 1 {
		t.Errorf("List() = %d executions, want 1", n)
	}
}

func TestBeginConcurrentSingleWinner(t *testing.T) {
	tr, _, _ := newTestTracker()

	const callers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := tr.Begin("0xrace", nil); err != nil {
				return
			}
			if _, err := tr.Assign("0xrace", fmt.Sprintf("r%d", i)); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("assignments = %d, want exactly 1", wins)
	}
}

func TestAssignRejectsSecondResolver(t *testing.T) {
	tr, _, _ := newTestTracker()
	tr.Begin("0xabc", nil)
	tr.Assign("0xabc", "r1")

	if _, err := tr.Assign("0xabc", "r2"); !errors.Is(err, ErrAlreadyAssigned) {
		t.Fatalf("Assign() error = %v, want ErrAlreadyAssigned", err)
	}
	if _, err := tr.Assign("0xnone", "r1"); !errors.Is(err, ErrExecutionNotFound) {
		t.Fatalf("Assign() error = %v, want ErrExecutionNotFound", err)
	}
}

func TestApplyUpdate(t *testing.T) {
	tr, clk, _ := newTestTracker()
	tr.Begin("0xabc", nil)
	tr.Assign("0xabc", "r1")

	exec, applied, err := tr.ApplyUpdate("0xabc", "r1", Update{
		Status:   StatusSrcDeployed,
		Progress: intPtr(50),
		TxHashes: map[string]string{"srcTx": "0x1"},
	})
	if err != nil || !applied {
		t.Fatalf("ApplyUpdate() = %v, %v", applied, err)
	}
	if exec.Status != StatusSrcDeployed || exec.Progress != 50 {
		t.Errorf("ApplyUpdate() = %+v", exec)
	}

	// Progress may not go backwards.
	exec, _, _ = tr.ApplyUpdate("0xabc", "r1", Update{Status: StatusDstDeploying, Progress: intPtr(20)})
	if exec.Progress != 50 {
		t.Errorf("progress regressed to %d", exec.Progress)
	}

	clk.Add(time.Minute)
	exec, _, _ = tr.ApplyUpdate("0xabc", "r1", Update{
		Status:   StatusCompleted,
		TxHashes: map[string]string{"dstTx": "0x2"},
	})
	if exec.Status != StatusCompleted || exec.CompletedAt == nil || exec.Progress != 100 {
		t.Errorf("completed execution = %+v", exec)
	}
	if exec.TxHashes["srcTx"] != "0x1" || exec.TxHashes["dstTx"] != "0x2" {
		t.Errorf("TxHashes = %v", exec.TxHashes)
	}

	// Terminal: ignored without error.
	exec, applied, err = tr.ApplyUpdate("0xabc", "r1", Update{Status: StatusFailed, Error: "late"})
	if err != nil || applied {
		t.Fatalf("ApplyUpdate() after terminal = %v, %v", applied, err)
	}
	if exec.Status != StatusCompleted || exec.Error != "" {
		t.Errorf("terminal execution changed: %+v", exec)
	}
}

func TestApplyUpdateErrors(t *testing.T) {
	tr, _, _ := newTestTracker()

	if _, _, err := tr.ApplyUpdate("0xnone", "", Update{Status: StatusProcessing}); !errors.Is(err, ErrExecutionNotFound) {
		t.Errorf("ApplyUpdate() unknown error = %v", err)
	}

	tr.Begin("0xabc", nil)
	tr.Assign("0xabc", "r1")
	if _, _, err := tr.ApplyUpdate("0xabc", "r2", Update{Status: StatusFailed}); !errors.Is(err, ErrNotAssigned) {
		t.Errorf("ApplyUpdate() from stranger error = %v", err)
	}
	if _, _, err := tr.ApplyUpdate("0xabc", "r2", Update{Status: StatusCancelled}); !errors.Is(err, ErrNotAssigned) {
		t.Errorf("ApplyUpdate(cancelled) from stranger error = %v", err)
	}
}

func TestCancelAfterFailure(t *testing.T) {
	tr, clk, j := newTestTracker()
	tr.Begin("0xabc", nil)
	tr.Assign("0xabc", "r1")
	tr.ApplyUpdate("0xabc", "r1", Update{Status: StatusFailed, Error: "withdraw reverted"})

	clk.Add(time.Hour)
	before := len(j.records)
	txs := map[string]string{"cancelMoveTx": "0xa4"}
	// The refund is reported over a new connection.
	exec, applied, err := tr.ApplyUpdate("0xabc", "r9", Update{Status: StatusCancelled, TxHashes: txs})
	if err != nil || !applied {
		t.Fatalf("ApplyUpdate(cancelled) = %v, %v", applied, err)
	}
	if exec.Status != StatusCancelled || exec.TxHashes["cancelMoveTx"] != "0xa4" {
		t.Errorf("execution = %+v", exec)
	}
	if exec.CompletedAt == nil || !exec.CompletedAt.Equal(clk.Now()) {
		t.Errorf("CompletedAt = %v, want %v", exec.CompletedAt, clk.Now())
	}
	if len(j.records) != before+1 {
		t.Errorf("journal records = %d, want %d", len(j.records), before+1)
	}

	// Cancelled is final.
	for _, st := range []Status{StatusFailed, StatusCancelled, StatusCompleted} {
		if _, applied, _ := tr.ApplyUpdate("0xabc", "r1", Update{Status: st}); applied {
			t.Errorf("ApplyUpdate(%s) after cancel applied", st)
		}
	}

	// Only a failed execution can be cancelled afterwards.
	tr.Begin("0xdef", nil)
	tr.Assign("0xdef", "r1")
	tr.ApplyUpdate("0xdef", "r1", Update{Status: StatusCompleted})
	if exec, applied, _ := tr.ApplyUpdate("0xdef", "r1", Update{Status: StatusCancelled}); applied || exec.Status != StatusCompleted {
		t.Errorf("completed execution cancelled: %+v", exec)
	}
}

func TestReassignOnDisconnect(t *testing.T) {
	tr, _, _ := newTestTracker()

	for _, h := range []string{"0xdef", "0xaaa", "0xdone"} {
		tr.Begin(h, nil)
	}
	tr.Assign("0xdef", "r1")
	tr.Assign("0xaaa", "r2")
	tr.Assign("0xdone", "r1")
	tr.ApplyUpdate("0xdef", "r1", Update{Status: StatusSrcDeploying, Progress: intPtr(30)})
	tr.ApplyUpdate("0xdone", "r1", Update{Status: StatusCompleted})

	reset := tr.ReassignOnDisconnect("r1")
	if len(reset) != 1 || reset[0] != "0xdef" {
		t.Fatalf("ReassignOnDisconnect() = %v, want [0xdef]", reset)
	}

	exec, _ := tr.Get("0xdef")
	if exec.Status != StatusCreated || exec.AssignedResolver != "" || exec.Progress != 0 || exec.Attempt != 2 {
		t.Errorf("reset execution = %+v", exec)
	}
	if other, _ := tr.Get("0xaaa"); other.AssignedResolver != "r2" {
		t.Errorf("other resolver's execution touched: %+v", other)
	}
	if done, _ := tr.Get("0xdone"); done.Status != StatusCompleted {
		t.Errorf("completed execution reset: %+v", done)
	}

	// A reset execution can be begun and assigned again.
	if _, err := tr.Begin("0xdef", nil); err != nil {
		t.Fatalf("Begin() after reset error = %v", err)
	}
	if exec, err := tr.Assign("0xdef", "r2"); err != nil || exec.AssignedResolver != "r2" {
		t.Fatalf("Assign() after reset = %+v, %v", exec, err)
	}

	unassigned := tr.Unassigned()
	if len(unassigned) != 0 {
		t.Errorf("Unassigned() = %v", unassigned)
	}
}

func TestBeginAfterTerminalStartsNewAttempt(t *testing.T) {
	tr, _, _ := newTestTracker()
	tr.Begin("0xabc", json.RawMessage(`{"a":1}`))
	tr.Assign("0xabc", "r1")
	tr.ApplyUpdate("0xabc", "r1", Update{Status: StatusFailed, Error: "boom"})

	exec, err := tr.Begin("0xabc", nil)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if exec.Attempt != 2 || exec.Error != "" || exec.Status != StatusCreated {
		t.Errorf("new attempt = %+v", exec)
	}
	if string(exec.Assignment) != `{"a":1}` {
		t.Errorf("assignment not carried over: %s", exec.Assignment)
	}
}

func TestRelease(t *testing.T) {
	tr, _, _ := newTestTracker()
	tr.Begin("0xabc", nil)
	tr.Assign("0xabc", "r1")

	if tr.Release("0xabc", "r2") {
		t.Error("Release() by non-owner succeeded")
	}
	if !tr.Release("0xabc", "r1") {
		t.Fatal("Release() by owner failed")
	}
	exec, _ := tr.Get("0xabc")
	if !exec.Unassigned() {
		t.Errorf("released execution = %+v", exec)
	}
}

func TestRestore(t *testing.T) {
	tr, _, _ := newTestTracker()
	tr.Restore(Execution{OrderHash: "0x1", Status: StatusWithdrawing, AssignedResolver: "gone", Progress: 80})
	tr.Restore(Execution{OrderHash: "0x2", Status: StatusCompleted, Progress: 100})

	e1, _ := tr.Get("0x1")
	if !e1.Unassigned() || e1.Progress != 0 {
		t.Errorf("restored in-flight = %+v", e1)
	}
	e2, _ := tr.Get("0x2")
	if e2.Status != StatusCompleted {
		t.Errorf("restored terminal = %+v", e2)
	}
	counts := tr.CountByStatus()
	if counts[StatusCreated] != 1 || counts[StatusCompleted] != 1 {
		t.Errorf("CountByStatus() = %v", counts)
	}
	if n := len(tr.Active()); n != 1 {
		t.Errorf("Active() = %d, want 1", n)
	}
}

func TestSnapshotsDoNotAlias(t *testing.T) {
	tr, _, _ := newTestTracker()
	tr.Begin("0xabc", nil)
	tr.Assign("0xabc", "r1")
	tr.ApplyUpdate("0xabc", "r1", Update{TxHashes: map[string]string{"srcTx": "0x1"}})

	exec, _ := tr.Get("0xabc")
	exec.TxHashes["srcTx"] = "mutated"

	again, _ := tr.Get("0xabc")
	if again.TxHashes["srcTx"] != "0x1" {
		t.Error("snapshot mutation leaked into tracker")
	}
}

func TestBeginClaimsUntilAbandon(t *testing.T) {
	tr, _, _ := newTestTracker()

	if _, err := tr.Begin("0xabc", nil); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if _, err := tr.Begin("0xabc", nil); !errors.Is(err, ErrDuplicateExecution) {
		t.Fatalf("second Begin() error = %v, want ErrDuplicateExecution", err)
	}

	tr.Abandon("0xabc")
	exec, err := tr.Begin("0xabc", nil)
	if err != nil {
		t.Fatalf("Begin() after Abandon error = %v", err)
	}
	if !exec.Unassigned() {
		t.Errorf("Begin() = %+v", exec)
	}
}
