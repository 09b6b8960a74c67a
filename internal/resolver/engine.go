// Package resolver is the execution side of the relay: it takes orders the
// dispatcher assigns and drives each through the escrow steps of its chain
// pair, reporting progress back as it goes.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingdex-relay/internal/escrow"
	"github.com/Klingon-tech/klingdex-relay/internal/protocol"
	"github.com/Klingon-tech/klingdex-relay/internal/tracker"
	"github.com/Klingon-tech/klingdex-relay/pkg/helpers"
	"github.com/Klingon-tech/klingdex-relay/pkg/logging"
)

// Engine errors
var (
	ErrAlreadyRunning      = errors.New("order is already being executed")
	ErrExecutionNotFound   = errors.New("execution not found")
	ErrUnsupportedChain    = errors.New("unsupported source chain")
	ErrNotCancellable      = errors.New("execution cannot be cancelled")
	ErrNothingToCancel     = errors.New("no escrow recorded for execution")
	ErrMissingCollaborator = errors.New("chain collaborator not configured")
)

// Progress checkpoints reported with each status.
var progressOf = map[tracker.Status]int{
	tracker.StatusValidating:   10,
	tracker.StatusSrcDeploying: 30,
	tracker.StatusSrcDeployed:  50,
	tracker.StatusDstDeploying: 60,
	tracker.StatusDstDeployed:  70,
	tracker.StatusWithdrawing:  80,
	tracker.StatusClaiming:     95,
	tracker.StatusCompleted:    100,
}

// Transaction hash fields reported to the relayer.
const (
	TxSrc        = "srcTx"
	TxDst        = "dstTx"
	TxWithdraw   = "withdrawTx"
	TxClaim      = "claimTx"
	TxCancelEVM  = "cancelEvmTx"
	TxCancelMove = "cancelMoveTx"
)

// Direction is the chain pair of an execution.
type Direction string

const (
	DirectionEVMToMove Direction = "evm_to_move"
	DirectionMoveToEVM Direction = "move_to_evm"
)

// Reporter delivers status updates to the relayer.
type Reporter interface {
	Report(u protocol.OrderStatusUpdate) error
}

// Config configures an Engine.
type Config struct {
	ResolverID string
	EVMChains  []uint64
	MoveChains []uint64
	// EscrowLifetime bounds Move-side orders the engine creates.
	EscrowLifetime time.Duration
	// SafetyDeposit is attached to each EVM escrow.
	SafetyDeposit *big.Int
	TimeLocks     protocol.TimeLocks
	Clock         clock.Clock
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		EVMChains:      []uint64{1, 11155111},
		MoveChains:     []uint64{8453},
		EscrowLifetime: time.Hour,
		SafetyDeposit:  big.NewInt(0),
		TimeLocks:      protocol.DefaultTimeLocks,
	}
}

// Execution is a snapshot of one order's local execution.
type Execution struct {
	OrderHash     string            `json:"orderHash"`
	Direction     Direction         `json:"direction,omitempty"`
	SrcChainID    protocol.ChainID  `json:"srcChainId"`
	DstChainID    protocol.ChainID  `json:"dstChainId"`
	Status        tracker.Status    `json:"status"`
	Progress      int               `json:"progress"`
	TxHashes      map[string]string `json:"txHashes,omitempty"`
	MoveOrderID   *uint64           `json:"orderId,omitempty"`
	EscrowAddress string            `json:"escrowAddress,omitempty"`
	Error         string            `json:"error,omitempty"`
	StartedAt     time.Time         `json:"startedAt"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty"`
}

// execution is the engine's record. Escrow details needed for a later
// cancel are kept out of the snapshot.
type execution struct {
	mu      sync.Mutex
	exec    Execution
	running bool

	moveSide      escrow.Side
	evmSide       escrow.Side
	evmEscrow     common.Address
	evmImmutables *escrow.Immutables
}

func (x *execution) snapshot() Execution {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := x.exec
	out.TxHashes = copyHashes(x.exec.TxHashes)
	if x.exec.MoveOrderID != nil {
		id := *x.exec.MoveOrderID
		out.MoveOrderID = &id
	}
	if x.exec.CompletedAt != nil {
		t := *x.exec.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Stats counts finished executions.
type Stats struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Active    int `json:"active"`
}

// Engine executes assigned orders. Each order runs in its own goroutine.
type Engine struct {
	cfg      *Config
	clock    clock.Clock
	evm      escrow.EVMChain
	move     escrow.MoveChain
	ledger   Ledger
	reporter Reporter
	log      *logging.Logger

	mu        sync.Mutex
	execs     map[string]*execution
	completed int
	failed    int

	wg sync.WaitGroup
}

// NewEngine creates an engine. ledger may be nil to disable step reuse.
func NewEngine(cfg *Config, evm escrow.EVMChain, move escrow.MoveChain, ledger Ledger, reporter Reporter) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.EscrowLifetime <= 0 {
		cfg.EscrowLifetime = time.Hour
	}
	if cfg.SafetyDeposit == nil {
		cfg.SafetyDeposit = big.NewInt(0)
	}
	if cfg.TimeLocks == (protocol.TimeLocks{}) {
		cfg.TimeLocks = protocol.DefaultTimeLocks
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{
		cfg:      cfg,
		clock:    clk,
		evm:      evm,
		move:     move,
		ledger:   ledger,
		reporter: reporter,
		log:      logging.GetDefault().Component("engine"),
		execs:    make(map[string]*execution),
	}
}

// SetReporter replaces the status sink.
func (e *Engine) SetReporter(r Reporter) {
	e.mu.Lock()
	e.reporter = r
	e.mu.Unlock()
}

// Run handles assignments until ctx ends or the channel closes. Pipelines
// still running are left to finish; use Wait to block on them.
func (e *Engine) Run(ctx context.Context, assignments <-chan protocol.ResolveOrder) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-assignments:
			if !ok {
				return
			}
			if err := e.Handle(ctx, a); err != nil && !errors.Is(err, ErrAlreadyRunning) {
				e.log.Warn("Assignment rejected", "order", a.OrderHash, "error", err)
			}
		}
	}
}

// Handle starts executing an assignment. A duplicate for an order whose
// local execution is still running is ignored with ErrAlreadyRunning. A
// finished execution is replaced by a new attempt.
func (e *Engine) Handle(ctx context.Context, a protocol.ResolveOrder) error {
	a.OrderHash = helpers.NormalizeHash(a.OrderHash)
	if a.OrderHash == "" {
		return fmt.Errorf("%w: missing orderHash", protocol.ErrValidation)
	}

	e.mu.Lock()
	if x, ok := e.execs[a.OrderHash]; ok {
		x.mu.Lock()
		running := x.running
		x.mu.Unlock()
		if running {
			e.mu.Unlock()
			e.log.Info("Already processing order, ignoring assignment", "order", a.OrderHash)
			return ErrAlreadyRunning
		}
	}
	x := &execution{
		running: true,
		exec: Execution{
			OrderHash:  a.OrderHash,
			SrcChainID: a.SrcChainID,
			DstChainID: a.DstChainID,
			Status:     tracker.StatusProcessing,
			TxHashes:   make(map[string]string),
			StartedAt:  e.clock.Now(),
		},
	}
	e.execs[a.OrderHash] = x
	e.wg.Add(1)
	e.mu.Unlock()

	e.log.Info("Starting order", "order", a.OrderHash, "src", a.SrcChainID, "dst", a.DstChainID)
	go e.execute(ctx, x, a)
	return nil
}

// Wait blocks until every started pipeline has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Execution returns the snapshot of one order.
func (e *Engine) Execution(orderHash string) (Execution, bool) {
	e.mu.Lock()
	x, ok := e.execs[helpers.NormalizeHash(orderHash)]
	e.mu.Unlock()
	if !ok {
		return Execution{}, false
	}
	return x.snapshot(), true
}

// Executions returns all snapshots, newest first.
func (e *Engine) Executions() []Execution {
	e.mu.Lock()
	xs := make([]*execution, 0, len(e.execs))
	for _, x := range e.execs {
		xs = append(xs, x)
	}
	e.mu.Unlock()

	out := make([]Execution, 0, len(xs))
	for _, x := range xs {
		out = append(out, x.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].OrderHash < out[j].OrderHash
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Active returns the hashes of running executions.
func (e *Engine) Active() []string {
	var out []string
	for _, exec := range e.Executions() {
		if !exec.Status.Terminal() {
			out = append(out, exec.OrderHash)
		}
	}
	sort.Strings(out)
	return out
}

// Stats returns execution counters.
func (e *Engine) Stats() Stats {
	active := len(e.Active())
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{Completed: e.completed, Failed: e.failed, Active: active}
}

func (e *Engine) execute(ctx context.Context, x *execution, a protocol.ResolveOrder) {
	defer e.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			e.fail(x, fmt.Errorf("%w: panic: %v", protocol.ErrInternal, r))
		}
		x.mu.Lock()
		x.running = false
		x.mu.Unlock()
	}()

	if err := e.pipeline(ctx, x, a); err != nil {
		e.fail(x, err)
		return
	}
	e.complete(x)
}

func (e *Engine) pipeline(ctx context.Context, x *execution, a protocol.ResolveOrder) error {
	e.advance(x, tracker.StatusValidating, nil)

	in, err := e.prepare(a)
	if err != nil {
		return err
	}

	switch {
	case containsChain(e.cfg.EVMChains, a.SrcChainID):
		x.setDirection(DirectionEVMToMove)
		return e.evmToMove(ctx, x, in)
	case containsChain(e.cfg.MoveChains, a.SrcChainID):
		x.setDirection(DirectionMoveToEVM)
		return e.moveToEVM(ctx, x, in)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedChain, a.SrcChainID)
	}
}

// advance moves x to status and reports it with the accumulated hashes.
func (e *Engine) advance(x *execution, status tracker.Status, mutate func(*Execution)) {
	x.mu.Lock()
	x.exec.Status = status
	if p, ok := progressOf[status]; ok && p > x.exec.Progress {
		x.exec.Progress = p
	}
	if mutate != nil {
		mutate(&x.exec)
	}
	x.mu.Unlock()

	e.log.Info("Order progress", "order", x.exec.OrderHash, "status", status, "progress", x.snapshot().Progress)
	e.report(x)
}

func (e *Engine) complete(x *execution) {
	now := e.clock.Now()
	e.advance(x, tracker.StatusCompleted, func(exec *Execution) {
		exec.CompletedAt = &now
	})
	e.mu.Lock()
	e.completed++
	e.mu.Unlock()
	e.log.Info("Order completed", "order", x.exec.OrderHash)
}

// fail reports the error. Nothing already done on chain is undone.
func (e *Engine) fail(x *execution, err error) {
	now := e.clock.Now()
	x.mu.Lock()
	x.exec.Status = tracker.StatusFailed
	x.exec.Error = err.Error()
	x.exec.CompletedAt = &now
	hash := x.exec.OrderHash
	x.mu.Unlock()

	e.mu.Lock()
	e.failed++
	e.mu.Unlock()

	e.log.Error("Order failed", "order", hash, "error", err)
	e.report(x)
}

func (e *Engine) report(x *execution) {
	snap := x.snapshot()
	progress := snap.Progress
	u := protocol.OrderStatusUpdate{
		OrderHash:   snap.OrderHash,
		Status:      string(snap.Status),
		Progress:    &progress,
		TxHashes:    snap.TxHashes,
		Error:       snap.Error,
		Resolver:    e.cfg.ResolverID,
		MoveOrderID: snap.MoveOrderID,
		Timestamp:   e.clock.Now(),
	}

	e.mu.Lock()
	r := e.reporter
	e.mu.Unlock()
	if r == nil {
		return
	}
	if err := r.Report(u); err != nil {
		e.log.Warn("Status update not delivered", "order", u.OrderHash, "status", u.Status, "error", err)
	}
}

func (x *execution) setDirection(d Direction) {
	x.mu.Lock()
	x.exec.Direction = d
	x.mu.Unlock()
}

func (x *execution) setTx(field, hash string) {
	x.mu.Lock()
	x.exec.TxHashes[field] = hash
	x.mu.Unlock()
}

func (x *execution) setMoveOrder(side escrow.Side, id uint64) {
	x.mu.Lock()
	x.exec.MoveOrderID = &id
	x.moveSide = side
	x.mu.Unlock()
}

func (x *execution) setEVMEscrow(side escrow.Side, addr common.Address, im escrow.Immutables) {
	x.mu.Lock()
	x.evmSide = side
	x.evmEscrow = addr
	x.evmImmutables = &im
	x.exec.EscrowAddress = addr.Hex()
	x.mu.Unlock()
}

func containsChain(ids []uint64, id protocol.ChainID) bool {
	for _, v := range ids {
		if v == uint64(id) {
			return true
		}
	}
	return false
}

func copyHashes(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
