package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/Klingon-tech/klingdex-relay/internal/escrow"
	"github.com/Klingon-tech/klingdex-relay/pkg/logging"
)

type failingLedger struct {
	*MemoryLedger
	storeErr error
	checkErr error
}

func (l *failingLedger) StoreAction(ctx context.Context, orderHash string, step Step, result []byte) error {
	if l.storeErr != nil {
		return l.storeErr
	}
	return l.MemoryLedger.StoreAction(ctx, orderHash, step, result)
}

func (l *failingLedger) CheckAction(ctx context.Context, orderHash string, step Step) ([]byte, bool, error) {
	if l.checkErr != nil {
		return nil, false, l.checkErr
	}
	return l.MemoryLedger.CheckAction(ctx, orderHash, step)
}

func TestMemoryLedger(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()

	if _, ok, err := l.CheckAction(ctx, "0xAB", StepClaim); err != nil || ok {
		t.Fatalf("CheckAction() = %v, %v, want miss", ok, err)
	}
	if err := l.StoreAction(ctx, "0xAB", StepClaim, []byte(`{"TxHash":"0x1"}`)); err != nil {
		t.Fatalf("StoreAction() error = %v", err)
	}

	got, ok, err := l.CheckAction(ctx, "0xab", StepClaim)
	if err != nil || !ok {
		t.Fatalf("CheckAction() = %v, %v, want hit", ok, err)
	}
	if string(got) != `{"TxHash":"0x1"}` {
		t.Errorf("CheckAction() = %s", got)
	}
	if _, ok, _ := l.CheckAction(ctx, "0xab", StepWithdraw); ok {
		t.Error("CheckAction() hit for another step")
	}
}

func TestRedisKey(t *testing.T) {
	if got := redisKey("0xABC", StepDeploySrc); got != "resolver:action:0xabc-deploy_src" {
		t.Errorf("redisKey() = %s", got)
	}
}

func TestNewRedisLedgerRejectsBadURL(t *testing.T) {
	if _, err := NewRedisLedger("http://localhost:6379", 0); err == nil {
		t.Fatal("NewRedisLedger() error = nil, want error")
	}
	l, err := NewRedisLedger("redis://localhost:6379/2", 0)
	if err != nil {
		t.Fatalf("NewRedisLedger() error = %v", err)
	}
	l.Close()
}

func TestRunStep(t *testing.T) {
	ctx := context.Background()
	log := logging.Discard()

	t.Run("records and reuses", func(t *testing.T) {
		l := NewMemoryLedger()
		calls := 0
		fn := func() (*escrow.MoveResult, error) {
			calls++
			return &escrow.MoveResult{TxHash: "0xa1", OrderID: 4}, nil
		}

		first, reused, err := runStep(ctx, l, log, "0x1", StepAnnounceOrder, fn)
		if err != nil || reused {
			t.Fatalf("runStep() = %v, %v", reused, err)
		}
		second, reused, err := runStep(ctx, l, log, "0x1", StepAnnounceOrder, fn)
		if err != nil || !reused {
			t.Fatalf("second runStep() = %v, %v", reused, err)
		}
		if calls != 1 {
			t.Errorf("fn called %d times, want 1", calls)
		}
		if *first != *second {
			t.Errorf("reused result = %+v, want %+v", second, first)
		}
	})

	t.Run("failure is not recorded", func(t *testing.T) {
		l := NewMemoryLedger()
		boom := errors.New("boom")
		_, _, err := runStep(ctx, l, log, "0x1", StepClaim, func() (*escrow.MoveResult, error) {
			return nil, boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("runStep() error = %v, want boom", err)
		}
		if _, ok, _ := l.CheckAction(ctx, "0x1", StepClaim); ok {
			t.Error("failed step was recorded")
		}
	})

	t.Run("store failure keeps result", func(t *testing.T) {
		l := &failingLedger{MemoryLedger: NewMemoryLedger(), storeErr: errors.New("redis down")}
		out, _, err := runStep(ctx, l, log, "0x1", StepClaim, func() (*escrow.MoveResult, error) {
			return &escrow.MoveResult{TxHash: "0xa3"}, nil
		})
		if err != nil || out.TxHash != "0xa3" {
			t.Fatalf("runStep() = %+v, %v", out, err)
		}
	})

	t.Run("lookup failure stops the step", func(t *testing.T) {
		l := &failingLedger{MemoryLedger: NewMemoryLedger(), checkErr: errors.New("redis down")}
		called := false
		_, _, err := runStep(ctx, l, log, "0x1", StepClaim, func() (*escrow.MoveResult, error) {
			called = true
			return &escrow.MoveResult{}, nil
		})
		if err == nil || called {
			t.Fatalf("runStep() error = %v, called = %v", err, called)
		}
	})

	t.Run("nil ledger", func(t *testing.T) {
		out, reused, err := runStep(ctx, nil, log, "0x1", StepClaim, func() (int, error) { return 3, nil })
		if err != nil || reused || out != 3 {
			t.Fatalf("runStep() = %d, %v, %v", out, reused, err)
		}
	})
}
