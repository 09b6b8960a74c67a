package resolver

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingdex-relay/internal/escrow"
	"github.com/Klingon-tech/klingdex-relay/internal/protocol"
	"github.com/Klingon-tech/klingdex-relay/internal/tracker"
)

const testSecret = "my_secret_password_for_swap_test"

var (
	testFactory  = common.HexToAddress("0xfac0000000000000000000000000000000000001")
	testResolver = common.HexToAddress("0x5e50000000000000000000000000000000000002")
	testImplSrc  = common.HexToAddress("0x1a50000000000000000000000000000000000003")
	testImplDst  = common.HexToAddress("0x1ad0000000000000000000000000000000000004")
)

type fakeEVM struct {
	mu       sync.Mutex
	calls    map[string]int
	failOn   string
	block    chan struct{}
	srcIm    escrow.Immutables
	dstIm    escrow.Immutables
	withdraw []common.Address
	cancels  []escrow.Side
}

func newFakeEVM() *fakeEVM {
	return &fakeEVM{calls: make(map[string]int)}
}

func (f *fakeEVM) call(step string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[step]++
	if f.failOn == step {
		return escrow.Wrap("evm", step, errors.New("execution reverted"))
	}
	return nil
}

func (f *fakeEVM) count(step string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[step]
}

func (f *fakeEVM) setFail(step string) {
	f.mu.Lock()
	f.failOn = step
	f.mu.Unlock()
}

func (f *fakeEVM) DeploySrc(ctx context.Context, im escrow.Immutables, order escrow.Order, signature []byte, traits escrow.TakerTraits, amount *big.Int) (*escrow.Receipt, error) {
	if f.block != nil {
		<-f.block
	}
	if err := f.call("deploy_src"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.srcIm = im.WithDeployedAt(1700000000)
	f.mu.Unlock()
	return &escrow.Receipt{
		TxHash:    common.HexToHash("0x01"),
		BlockHash: common.HexToHash("0xb1"),
		BlockTime: 1700000000,
	}, nil
}

func (f *fakeEVM) SrcDeployEvent(ctx context.Context, blockHash common.Hash, hashLock [32]byte) (*escrow.SrcDeployEvent, error) {
	if err := f.call("src_event"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if blockHash != common.HexToHash("0xb1") || hashLock != f.srcIm.HashLock {
		return nil, escrow.ErrEventNotFound
	}
	return &escrow.SrcDeployEvent{Immutables: f.srcIm}, nil
}

func (f *fakeEVM) DeployDst(ctx context.Context, im escrow.Immutables, srcCancellation *big.Int) (*escrow.Receipt, error) {
	if err := f.call("deploy_dst"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.dstIm = im
	f.mu.Unlock()
	return &escrow.Receipt{TxHash: common.HexToHash("0x02"), BlockTime: 1700000100}, nil
}

func (f *fakeEVM) Withdraw(ctx context.Context, side escrow.Side, escrowAddr common.Address, secret [32]byte, im escrow.Immutables) (*escrow.Receipt, error) {
	if err := f.call("withdraw"); err != nil {
		return nil, err
	}
	if string(secret[:]) != testSecret {
		return nil, errors.New("wrong secret")
	}
	f.mu.Lock()
	f.withdraw = append(f.withdraw, escrowAddr)
	f.mu.Unlock()
	return &escrow.Receipt{TxHash: common.HexToHash("0x03")}, nil
}

func (f *fakeEVM) Cancel(ctx context.Context, side escrow.Side, escrowAddr common.Address, im escrow.Immutables) (*escrow.Receipt, error) {
	if err := f.call("cancel"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.cancels = append(f.cancels, side)
	f.mu.Unlock()
	return &escrow.Receipt{TxHash: common.HexToHash("0x04")}, nil
}

func (f *fakeEVM) Implementation(ctx context.Context, side escrow.Side) (common.Address, error) {
	if side == escrow.SideSource {
		return testImplSrc, nil
	}
	return testImplDst, nil
}

func (f *fakeEVM) Factory() common.Address  { return testFactory }
func (f *fakeEVM) Resolver() common.Address { return testResolver }

type fakeMove struct {
	mu       sync.Mutex
	calls    map[string]int
	failOn   string
	announce escrow.AnnounceParams
	fund     escrow.FundParams
	claimed  []uint64
	cancels  []string
}

func newFakeMove() *fakeMove {
	return &fakeMove{calls: make(map[string]int)}
}

func (f *fakeMove) call(step string) error {
	f.calls[step]++
	if f.failOn == step {
		return escrow.Wrap("move", step, errors.New("Move abort 0x1"))
	}
	return nil
}

func (f *fakeMove) count(step string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[step]
}

func (f *fakeMove) AnnounceOrder(ctx context.Context, p escrow.AnnounceParams) (*escrow.MoveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("announce"); err != nil {
		return nil, err
	}
	f.announce = p
	return &escrow.MoveResult{TxHash: "0xa1", OrderID: 7}, nil
}

func (f *fakeMove) FundDstEscrow(ctx context.Context, p escrow.FundParams) (*escrow.MoveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("fund"); err != nil {
		return nil, err
	}
	f.fund = p
	return &escrow.MoveResult{TxHash: "0xa2", OrderID: 9}, nil
}

func (f *fakeMove) ClaimFunds(ctx context.Context, orderID uint64, secret []byte) (*escrow.MoveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("claim"); err != nil {
		return nil, err
	}
	if string(secret) != testSecret {
		return nil, errors.New("wrong secret")
	}
	f.claimed = append(f.claimed, orderID)
	return &escrow.MoveResult{TxHash: "0xa3", OrderID: orderID}, nil
}

func (f *fakeMove) CancelSwap(ctx context.Context, side escrow.Side, orderID uint64) (*escrow.MoveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.call("cancel"); err != nil {
		return nil, err
	}
	f.cancels = append(f.cancels, fmt.Sprintf("%s:%d", side, orderID))
	return &escrow.MoveResult{TxHash: "0xa4", OrderID: orderID}, nil
}

func (f *fakeMove) CoinType() string { return "0x1::aptos_coin::AptosCoin" }

type fakeReporter struct {
	mu      sync.Mutex
	updates []protocol.OrderStatusUpdate
}

func (r *fakeReporter) Report(u protocol.OrderStatusUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return nil
}

func (r *fakeReporter) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.updates))
	for _, u := range r.updates {
		out = append(out, u.Status)
	}
	return out
}

func (r *fakeReporter) last() protocol.OrderStatusUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates[len(r.updates)-1]
}

type harness struct {
	engine   *Engine
	evm      *fakeEVM
	move     *fakeMove
	reporter *fakeReporter
	ledger   *MemoryLedger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		evm:      newFakeEVM(),
		move:     newFakeMove(),
		reporter: &fakeReporter{},
		ledger:   NewMemoryLedger(),
	}
	cfg := DefaultConfig()
	cfg.ResolverID = "resolver-1"
	cfg.Clock = clock.NewMock()
	h.engine = NewEngine(cfg, h.evm, h.move, h.ledger, h.reporter)
	return h
}

func (h *harness) run(t *testing.T, a protocol.ResolveOrder) Execution {
	t.Helper()
	if err := h.engine.Handle(context.Background(), a); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	h.engine.Wait()
	exec, ok := h.engine.Execution(a.OrderHash)
	if !ok {
		t.Fatalf("Execution(%s) not found", a.OrderHash)
	}
	return exec
}

const testOrderHash = "0x9a3f000000000000000000000000000000000000000000000000000000000001"

func evmToMoveAssignment() protocol.ResolveOrder {
	return protocol.ResolveOrder{Assignment: protocol.Assignment{
		OrderHash: testOrderHash,
		Order: &protocol.OrderPayload{
			Salt:         "42",
			Maker:        "0x1111111111111111111111111111111111111111",
			Receiver:     "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd",
			MakerAsset:   "0x3333333333333333333333333333333333333333",
			TakerAsset:   "0x1::aptos_coin::AptosCoin",
			MakingAmount: "1000",
			TakingAmount: "990",
		},
		Signature:  "0x" + strings.Repeat("11", 64) + "1b",
		SrcChainID: 11155111,
		DstChainID: 8453,
		Secret:     testSecret,
	}}
}

func moveToEVMAssignment() protocol.ResolveOrder {
	a := evmToMoveAssignment()
	a.Order.MakerAsset = "0x1::aptos_coin::AptosCoin"
	a.Order.TakerAsset = "0x3333333333333333333333333333333333333333"
	a.Order.Receiver = "0x2222222222222222222222222222222222222222"
	a.SrcChainID = 8453
	a.DstChainID = 11155111
	return a
}

func TestEVMToMovePipeline(t *testing.T) {
	h := newHarness(t)
	exec := h.run(t, evmToMoveAssignment())

	if exec.Status != tracker.StatusCompleted || exec.Progress != 100 {
		t.Fatalf("execution = %+v", exec)
	}
	if exec.Direction != DirectionEVMToMove {
		t.Errorf("Direction = %s, want %s", exec.Direction, DirectionEVMToMove)
	}
	if exec.MoveOrderID == nil || *exec.MoveOrderID != 9 {
		t.Errorf("MoveOrderID = %v, want 9", exec.MoveOrderID)
	}
	wantTx := map[string]string{
		TxSrc:      common.HexToHash("0x01").Hex(),
		TxDst:      "0xa2",
		TxWithdraw: common.HexToHash("0x03").Hex(),
		TxClaim:    "0xa3",
	}
	for field, want := range wantTx {
		if exec.TxHashes[field] != want {
			t.Errorf("TxHashes[%s] = %s, want %s", field, exec.TxHashes[field], want)
		}
	}

	hashLock := escrow.HashLock([]byte(testSecret))
	fund := h.move.fund
	if fund.Amount != 990 || fund.Expiration != 3600 {
		t.Errorf("fund params = %+v", fund)
	}
	if string(fund.SecretHash) != string(hashLock[:]) {
		t.Errorf("fund secret hash = %x, want %x", fund.SecretHash, hashLock)
	}
	wantReceiver := "0x000000000000000000000000abcdefabcdefabcdefabcdefabcdefabcdefabcd"
	if fund.Receiver != wantReceiver {
		t.Errorf("fund receiver = %s, want %s", fund.Receiver, wantReceiver)
	}

	srcEscrow := escrow.EscrowAddress(testFactory, h.evm.srcIm, testImplSrc)
	if len(h.evm.withdraw) != 1 || h.evm.withdraw[0] != srcEscrow {
		t.Errorf("withdrawn escrows = %v, want [%s]", h.evm.withdraw, srcEscrow.Hex())
	}
	if exec.EscrowAddress != srcEscrow.Hex() {
		t.Errorf("EscrowAddress = %s, want %s", exec.EscrowAddress, srcEscrow.Hex())
	}
	if len(h.move.claimed) != 1 || h.move.claimed[0] != 9 {
		t.Errorf("claimed = %v, want [9]", h.move.claimed)
	}
	if h.evm.srcIm.Taker != testResolver || h.evm.srcIm.Amount.Int64() != 1000 {
		t.Errorf("src immutables = %+v", h.evm.srcIm)
	}

	want := []string{"validating", "src_deploying", "src_deployed", "dst_deploying", "dst_deployed", "withdrawing", "claiming", "completed"}
	got := h.reporter.statuses()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("reported statuses = %v, want %v", got, want)
	}
	last := 0
	for _, u := range h.reporter.updates {
		if *u.Progress < last {
			t.Errorf("progress went back from %d to %d at %s", last, *u.Progress, u.Status)
		}
		last = *u.Progress
		if u.Resolver != "resolver-1" {
			t.Errorf("Resolver = %s, want resolver-1", u.Resolver)
		}
	}
	if final := h.reporter.last(); *final.Progress != 100 || final.TxHashes[TxClaim] != "0xa3" {
		t.Errorf("final update = %+v", final)
	}
}

func TestMoveToEVMPipeline(t *testing.T) {
	h := newHarness(t)
	exec := h.run(t, moveToEVMAssignment())

	if exec.Status != tracker.StatusCompleted || exec.Direction != DirectionMoveToEVM {
		t.Fatalf("execution = %+v", exec)
	}
	if exec.MoveOrderID == nil || *exec.MoveOrderID != 7 {
		t.Errorf("MoveOrderID = %v, want 7", exec.MoveOrderID)
	}
	if exec.TxHashes[TxSrc] != "0xa1" || exec.TxHashes[TxDst] != common.HexToHash("0x02").Hex() {
		t.Errorf("TxHashes = %v", exec.TxHashes)
	}

	ann := h.move.announce
	if ann.SrcAmount != 1000 || ann.MinDstAmount != 990 || ann.ExpiresInSecs != 3600 {
		t.Errorf("announce params = %+v", ann)
	}

	im := h.evm.dstIm
	if im.Maker != common.HexToAddress("0x2222222222222222222222222222222222222222") {
		t.Errorf("dst maker = %s, want order receiver", im.Maker.Hex())
	}
	if im.Token != common.HexToAddress("0x3333333333333333333333333333333333333333") || im.Amount.Int64() != 990 {
		t.Errorf("dst immutables = %+v", im)
	}

	dstEscrow := escrow.EscrowAddress(testFactory, im.WithDeployedAt(1700000100), testImplDst)
	if len(h.evm.withdraw) != 1 || h.evm.withdraw[0] != dstEscrow {
		t.Errorf("withdrawn escrows = %v, want [%s]", h.evm.withdraw, dstEscrow.Hex())
	}
	if len(h.move.claimed) != 1 || h.move.claimed[0] != 7 {
		t.Errorf("claimed = %v, want [7]", h.move.claimed)
	}
	if h.evm.count("deploy_src") != 0 || h.move.count("fund") != 0 {
		t.Errorf("wrong pipeline steps ran: evm %v move %v", h.evm.calls, h.move.calls)
	}
}

func TestPipelineFailures(t *testing.T) {
	tests := []struct {
		name      string
		assign    func() protocol.ResolveOrder
		evmFail   string
		moveFail  string
		wantErr   string
		wantClaim bool
	}{
		{
			name:     "fund fails",
			assign:   evmToMoveAssignment,
			moveFail: "fund",
			wantErr:  "Move abort",
		},
		{
			name:    "deploy dst fails",
			assign:  moveToEVMAssignment,
			evmFail: "deploy_dst",
			wantErr: "execution reverted",
		},
		{
			name: "unsupported chain",
			assign: func() protocol.ResolveOrder {
				a := evmToMoveAssignment()
				a.SrcChainID = 56
				return a
			},
			wantErr: "unsupported source chain",
		},
		{
			name: "short secret",
			assign: func() protocol.ResolveOrder {
				a := evmToMoveAssignment()
				a.Secret = "too-short"
				return a
			},
			wantErr: "secret",
		},
		{
			name: "missing secret",
			assign: func() protocol.ResolveOrder {
				a := evmToMoveAssignment()
				a.Secret = ""
				return a
			},
			wantErr: "secret",
		},
		{
			name: "bad signature",
			assign: func() protocol.ResolveOrder {
				a := evmToMoveAssignment()
				a.Signature = "0xzz"
				return a
			},
			wantErr: "signature",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.evm.setFail(tt.evmFail)
			h.move.failOn = tt.moveFail

			exec := h.run(t, tt.assign())
			if exec.Status != tracker.StatusFailed {
				t.Fatalf("Status = %s, want failed", exec.Status)
			}
			if !strings.Contains(exec.Error, tt.wantErr) {
				t.Errorf("Error = %q, want it to contain %q", exec.Error, tt.wantErr)
			}
			if exec.CompletedAt == nil {
				t.Error("CompletedAt not set")
			}
			last := h.reporter.last()
			if last.Status != string(tracker.StatusFailed) || last.Error != exec.Error {
				t.Errorf("last update = %+v", last)
			}
			if n := h.move.count("claim"); n != 0 {
				t.Errorf("claim called %d times after failure", n)
			}
			if s := h.engine.Stats(); s.Failed != 1 || s.Completed != 0 || s.Active != 0 {
				t.Errorf("Stats() = %+v", s)
			}
		})
	}
}

func TestHandleIgnoresRunningDuplicate(t *testing.T) {
	h := newHarness(t)
	h.evm.block = make(chan struct{})
	a := evmToMoveAssignment()

	if err := h.engine.Handle(context.Background(), a); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if err := h.engine.Handle(context.Background(), a); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Handle() error = %v, want ErrAlreadyRunning", err)
	}
	upper := a
	upper.OrderHash = "0x" + strings.ToUpper(testOrderHash[2:])
	if err := h.engine.Handle(context.Background(), upper); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Handle() with upper-case hash error = %v, want ErrAlreadyRunning", err)
	}
	if _, ok := h.engine.Execution(upper.OrderHash); !ok {
		t.Error("Execution() by upper-case hash not found")
	}
	if active := h.engine.Active(); len(active) != 1 || active[0] != testOrderHash {
		t.Errorf("Active() = %v", active)
	}

	close(h.evm.block)
	h.engine.Wait()
	if n := h.evm.count("deploy_src"); n != 1 {
		t.Errorf("deploy_src called %d times, want 1", n)
	}

	// A finished execution is replaced by a new attempt. Every step is in
	// the ledger, so nothing is sent again.
	exec := h.run(t, a)
	if exec.Status != tracker.StatusCompleted {
		t.Fatalf("rerun Status = %s", exec.Status)
	}
	if h.evm.count("deploy_src") != 1 || h.move.count("fund") != 1 || h.move.count("claim") != 1 {
		t.Errorf("steps repeated: evm %v move %v", h.evm.calls, h.move.calls)
	}
}

func TestRerunResumesFromLedger(t *testing.T) {
	h := newHarness(t)
	a := evmToMoveAssignment()

	h.evm.setFail("withdraw")
	if exec := h.run(t, a); exec.Status != tracker.StatusFailed {
		t.Fatalf("first run Status = %s, want failed", exec.Status)
	}

	h.evm.setFail("")
	exec := h.run(t, a)
	if exec.Status != tracker.StatusCompleted {
		t.Fatalf("second run = %+v", exec)
	}
	if exec.TxHashes[TxSrc] != common.HexToHash("0x01").Hex() || exec.TxHashes[TxDst] != "0xa2" {
		t.Errorf("recorded hashes not carried over: %v", exec.TxHashes)
	}
	if h.evm.count("deploy_src") != 1 || h.move.count("fund") != 1 {
		t.Errorf("funding steps repeated: evm %v move %v", h.evm.calls, h.move.calls)
	}
	if h.evm.count("withdraw") != 2 || h.move.count("claim") != 1 {
		t.Errorf("unlock steps: evm %v move %v", h.evm.calls, h.move.calls)
	}
	if s := h.engine.Stats(); s.Completed != 1 || s.Failed != 1 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestRunConsumesAssignments(t *testing.T) {
	h := newHarness(t)
	ch := make(chan protocol.ResolveOrder, 2)
	ch <- evmToMoveAssignment()
	second := moveToEVMAssignment()
	second.OrderHash = "0x9a3f000000000000000000000000000000000000000000000000000000000002"
	ch <- second
	close(ch)

	h.engine.Run(context.Background(), ch)
	h.engine.Wait()

	execs := h.engine.Executions()
	if len(execs) != 2 {
		t.Fatalf("Executions() = %d, want 2", len(execs))
	}
	for _, exec := range execs {
		if exec.Status != tracker.StatusCompleted {
			t.Errorf("%s Status = %s", exec.OrderHash, exec.Status)
		}
	}
	if len(h.engine.Active()) != 0 {
		t.Errorf("Active() = %v", h.engine.Active())
	}
}

func TestMissingCollaborator(t *testing.T) {
	rep := &fakeReporter{}
	cfg := DefaultConfig()
	cfg.Clock = clock.NewMock()
	e := NewEngine(cfg, nil, nil, nil, rep)

	if err := e.Handle(context.Background(), evmToMoveAssignment()); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	e.Wait()
	exec, _ := e.Execution(testOrderHash)
	if exec.Status != tracker.StatusFailed || !strings.Contains(exec.Error, ErrMissingCollaborator.Error()) {
		t.Errorf("execution = %+v", exec)
	}

	if err := e.Handle(context.Background(), protocol.ResolveOrder{}); !errors.Is(err, protocol.ErrValidation) {
		t.Errorf("Handle(empty) error = %v, want validation error", err)
	}
}

func TestCancel(t *testing.T) {
	t.Run("move to evm after failed withdraw", func(t *testing.T) {
		h := newHarness(t)
		h.evm.setFail("withdraw")
		if exec := h.run(t, moveToEVMAssignment()); exec.Status != tracker.StatusFailed {
			t.Fatalf("Status = %s, want failed", exec.Status)
		}

		exec, err := h.engine.Cancel(context.Background(), testOrderHash)
		if err != nil {
			t.Fatalf("Cancel() error = %v", err)
		}
		if exec.Status != tracker.StatusCancelled {
			t.Errorf("Status = %s, want cancelled", exec.Status)
		}
		if exec.TxHashes[TxCancelMove] != "0xa4" || exec.TxHashes[TxCancelEVM] != common.HexToHash("0x04").Hex() {
			t.Errorf("TxHashes = %v", exec.TxHashes)
		}
		if len(h.move.cancels) != 1 || h.move.cancels[0] != "src:7" {
			t.Errorf("move cancels = %v, want [src:7]", h.move.cancels)
		}
		if len(h.evm.cancels) != 1 || h.evm.cancels[0] != escrow.SideDestination {
			t.Errorf("evm cancels = %v, want [dst]", h.evm.cancels)
		}
		if last := h.reporter.last(); last.Status != string(tracker.StatusCancelled) {
			t.Errorf("last update = %+v", last)
		}

		// Already cancelled: nothing left, no error.
		if _, err := h.engine.Cancel(context.Background(), testOrderHash); err != nil {
			t.Errorf("second Cancel() error = %v", err)
		}
		if h.move.count("cancel") != 1 || h.evm.count("cancel") != 1 {
			t.Errorf("cancel repeated: evm %v move %v", h.evm.calls, h.move.calls)
		}
	})

	t.Run("partial failure retries only the failed side", func(t *testing.T) {
		h := newHarness(t)
		h.evm.setFail("withdraw")
		h.run(t, moveToEVMAssignment())

		h.evm.setFail("cancel")
		exec, err := h.engine.Cancel(context.Background(), testOrderHash)
		if !errors.Is(err, protocol.ErrCollaborator) {
			t.Fatalf("Cancel() error = %v, want collaborator error", err)
		}
		if exec.Status != tracker.StatusFailed || exec.TxHashes[TxCancelMove] != "0xa4" {
			t.Errorf("execution = %+v", exec)
		}

		h.evm.setFail("")
		exec, err = h.engine.Cancel(context.Background(), testOrderHash)
		if err != nil {
			t.Fatalf("retry Cancel() error = %v", err)
		}
		if exec.Status != tracker.StatusCancelled || h.move.count("cancel") != 1 {
			t.Errorf("execution = %+v, move calls %v", exec, h.move.calls)
		}
	})

	t.Run("evm to move after failed fund", func(t *testing.T) {
		h := newHarness(t)
		h.move.failOn = "fund"
		h.run(t, evmToMoveAssignment())
		exec, err := h.engine.Cancel(context.Background(), testOrderHash)
		if err != nil {
			t.Fatalf("Cancel() error = %v", err)
		}
		if exec.Status != tracker.StatusCancelled || h.move.count("cancel") != 0 {
			t.Errorf("execution = %+v, move calls %v", exec, h.move.calls)
		}
		if len(h.evm.cancels) != 1 || h.evm.cancels[0] != escrow.SideSource {
			t.Errorf("evm cancels = %v, want [src]", h.evm.cancels)
		}
	})

	t.Run("nothing locked", func(t *testing.T) {
		h := newHarness(t)
		h.evm.setFail("deploy_src")
		h.run(t, evmToMoveAssignment())
		if _, err := h.engine.Cancel(context.Background(), testOrderHash); !errors.Is(err, ErrNothingToCancel) {
			t.Errorf("Cancel() error = %v, want ErrNothingToCancel", err)
		}
	})

	t.Run("completed", func(t *testing.T) {
		h := newHarness(t)
		h.run(t, evmToMoveAssignment())
		if _, err := h.engine.Cancel(context.Background(), testOrderHash); !errors.Is(err, ErrNotCancellable) {
			t.Errorf("Cancel() error = %v, want ErrNotCancellable", err)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		h := newHarness(t)
		if _, err := h.engine.Cancel(context.Background(), "0xmissing"); !errors.Is(err, ErrExecutionNotFound) {
			t.Errorf("Cancel() error = %v, want ErrExecutionNotFound", err)
		}
	})
}
