package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingdex-relay/internal/escrow"
	"github.com/Klingon-tech/klingdex-relay/internal/tracker"
	"github.com/Klingon-tech/klingdex-relay/pkg/helpers"
)

// Cancel reclaims what a stopped execution left locked: the Move-chain
// order through cancel_swap and the EVM escrow through cancel. The chains
// only allow this once the cancellation time-locks have passed, so an early
// call fails with a collaborator error and can be retried. Running and
// completed executions cannot be cancelled.
func (e *Engine) Cancel(ctx context.Context, orderHash string) (Execution, error) {
	orderHash = helpers.NormalizeHash(orderHash)
	e.mu.Lock()
	x, ok := e.execs[orderHash]
	e.mu.Unlock()
	if !ok {
		return Execution{}, fmt.Errorf("%w: %s", ErrExecutionNotFound, orderHash)
	}

	x.mu.Lock()
	switch {
	case x.running:
		x.mu.Unlock()
		return x.snapshot(), fmt.Errorf("%w: still running", ErrNotCancellable)
	case x.exec.Status == tracker.StatusCompleted:
		x.mu.Unlock()
		return x.snapshot(), fmt.Errorf("%w: already completed", ErrNotCancellable)
	}
	var moveID *uint64
	if x.exec.MoveOrderID != nil && x.exec.TxHashes[TxCancelMove] == "" {
		id := *x.exec.MoveOrderID
		moveID = &id
	}
	moveSide := x.moveSide
	evmSide, evmEscrow, evmIm := x.evmSide, x.evmEscrow, x.evmImmutables
	if x.exec.TxHashes[TxCancelEVM] != "" {
		evmIm = nil
	}
	// Mark running so a new assignment cannot start underneath.
	x.running = true
	x.mu.Unlock()

	defer func() {
		x.mu.Lock()
		x.running = false
		x.mu.Unlock()
	}()

	if moveID == nil && evmIm == nil {
		if x.snapshot().Status == tracker.StatusCancelled {
			return x.snapshot(), nil
		}
		return x.snapshot(), ErrNothingToCancel
	}

	var errs []error
	if moveID != nil {
		res, err := ledgerStep(ctx, e, orderHash, StepCancelMove, func() (*escrow.MoveResult, error) {
			return e.move.CancelSwap(ctx, moveSide, *moveID)
		})
		if err != nil {
			errs = append(errs, err)
		} else {
			x.setTx(TxCancelMove, res.TxHash)
			e.log.Info("Move order cancelled", "order", orderHash, "move_order", *moveID, "side", moveSide)
		}
	}
	if evmIm != nil {
		rcpt, err := ledgerStep(ctx, e, orderHash, StepCancelEVM, func() (*escrow.Receipt, error) {
			return e.evm.Cancel(ctx, evmSide, evmEscrow, *evmIm)
		})
		if err != nil {
			errs = append(errs, err)
		} else {
			x.setTx(TxCancelEVM, rcpt.TxHash.Hex())
			e.log.Info("EVM escrow cancelled", "order", orderHash, "escrow", evmEscrow.Hex(), "side", evmSide)
		}
	}
	if err := errors.Join(errs...); err != nil {
		e.log.Error("Cancel failed", "order", orderHash, "error", err)
		return x.snapshot(), err
	}

	now := e.clock.Now()
	x.mu.Lock()
	x.exec.Status = tracker.StatusCancelled
	x.exec.CompletedAt = &now
	x.mu.Unlock()
	e.report(x)
	return x.snapshot(), nil
}
