package resolver

import (
	"context"
	"fmt"
	"math/big"

	"github.com/Klingon-tech/klingdex-relay/internal/escrow"
	"github.com/Klingon-tech/klingdex-relay/internal/escrow/aptos"
	"github.com/Klingon-tech/klingdex-relay/internal/protocol"
	"github.com/Klingon-tech/klingdex-relay/internal/tracker"
	"github.com/Klingon-tech/klingdex-relay/pkg/helpers"
)

// swapInputs is a decoded, validated assignment.
type swapInputs struct {
	orderHash   string
	orderWord   [32]byte
	order       escrow.Order
	signature   []byte
	extension   []byte
	secret      []byte
	secret32    [32]byte
	hashLock    [32]byte
	receiver    string
	moveAddress string
}

func (e *Engine) prepare(a protocol.ResolveOrder) (*swapInputs, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if e.evm == nil || e.move == nil {
		return nil, ErrMissingCollaborator
	}

	in := &swapInputs{
		orderHash:   a.OrderHash,
		receiver:    a.Order.Receiver,
		moveAddress: a.MoveAddress,
	}
	var err error
	if in.orderWord, err = escrow.ParseHash32(a.OrderHash); err != nil {
		return nil, &protocol.ValidationError{Field: "orderHash", Reason: err.Error()}
	}
	if in.order, err = escrow.OrderFromPayload(a.Order); err != nil {
		return nil, err
	}
	if in.signature, err = helpers.HexToBytes(a.Signature); err != nil {
		return nil, &protocol.ValidationError{Field: "signature", Reason: err.Error()}
	}
	if a.Extension != "" {
		if in.extension, err = helpers.HexToBytes(a.Extension); err != nil {
			return nil, &protocol.ValidationError{Field: "extension", Reason: err.Error()}
		}
	}
	if a.Secret == "" {
		return nil, &protocol.ValidationError{Field: "secret", Reason: "required"}
	}
	in.secret = escrow.SecretBytes(a.Secret)
	if in.secret32, err = escrow.Secret32(in.secret); err != nil {
		return nil, &protocol.ValidationError{Field: "secret", Reason: err.Error()}
	}
	in.hashLock = escrow.HashLock(in.secret)
	return in, nil
}

// evmToMove fills the order into a source escrow on the EVM chain, funds
// the receiver's order on the Move chain, then unlocks both with the secret.
func (e *Engine) evmToMove(ctx context.Context, x *execution, in *swapInputs) error {
	receiver, err := aptos.ResolveReceiver(in.moveAddress, in.receiver)
	if err != nil {
		return &protocol.ValidationError{Field: "order.receiver", Reason: err.Error()}
	}
	dstAmount, err := helpers.AmountToUint64(in.order.TakingAmount)
	if err != nil {
		return &protocol.ValidationError{Field: "order.takingAmount", Reason: err.Error()}
	}

	e.advance(x, tracker.StatusSrcDeploying, nil)
	im := escrow.Immutables{
		OrderHash:     in.orderWord,
		HashLock:      in.hashLock,
		Maker:         in.order.Maker,
		Taker:         e.evm.Resolver(),
		Token:         in.order.MakerAsset,
		Amount:        in.order.MakingAmount,
		SafetyDeposit: e.cfg.SafetyDeposit,
		TimeLocks:     escrow.PackTimeLocks(e.cfg.TimeLocks),
	}
	traits := escrow.NewTakerTraits(in.order.TakingAmount, in.extension)
	src, err := ledgerStep(ctx, e, in.orderHash, StepDeploySrc, func() (*escrow.Receipt, error) {
		return e.evm.DeploySrc(ctx, im, in.order, in.signature, traits, in.order.MakingAmount)
	})
	if err != nil {
		return err
	}
	x.setTx(TxSrc, src.TxHash.Hex())

	// The factory stamps the deployment time into the time-locks, so the
	// escrow address comes from the emitted immutables.
	event, err := e.evm.SrcDeployEvent(ctx, src.BlockHash, in.hashLock)
	if err != nil {
		return err
	}
	impl, err := e.evm.Implementation(ctx, escrow.SideSource)
	if err != nil {
		return err
	}
	srcEscrow := escrow.EscrowAddress(e.evm.Factory(), event.Immutables, impl)
	x.setEVMEscrow(escrow.SideSource, srcEscrow, event.Immutables)
	e.advance(x, tracker.StatusSrcDeployed, nil)

	e.advance(x, tracker.StatusDstDeploying, nil)
	expiration := uint64(e.clock.Now().Add(e.cfg.EscrowLifetime).Unix())
	fund, err := ledgerStep(ctx, e, in.orderHash, StepFundDst, func() (*escrow.MoveResult, error) {
		return e.move.FundDstEscrow(ctx, escrow.FundParams{
			Amount:     dstAmount,
			Expiration: expiration,
			SecretHash: in.hashLock[:],
			Receiver:   receiver,
		})
	})
	if err != nil {
		return err
	}
	x.setMoveOrder(escrow.SideDestination, fund.OrderID)
	x.setTx(TxDst, fund.TxHash)
	e.advance(x, tracker.StatusDstDeployed, nil)

	e.advance(x, tracker.StatusWithdrawing, nil)
	withdraw, err := ledgerStep(ctx, e, in.orderHash, StepWithdraw, func() (*escrow.Receipt, error) {
		return e.evm.Withdraw(ctx, escrow.SideSource, srcEscrow, in.secret32, event.Immutables)
	})
	if err != nil {
		return err
	}
	x.setTx(TxWithdraw, withdraw.TxHash.Hex())

	e.advance(x, tracker.StatusClaiming, nil)
	claim, err := ledgerStep(ctx, e, in.orderHash, StepClaim, func() (*escrow.MoveResult, error) {
		return e.move.ClaimFunds(ctx, fund.OrderID, in.secret)
	})
	if err != nil {
		return err
	}
	x.setTx(TxClaim, claim.TxHash)
	return nil
}

// moveToEVM announces the maker's order on the Move chain, creates and
// funds the destination escrow on the EVM chain, then unlocks both.
func (e *Engine) moveToEVM(ctx context.Context, x *execution, in *swapInputs) error {
	srcAmount, err := helpers.AmountToUint64(in.order.MakingAmount)
	if err != nil {
		return &protocol.ValidationError{Field: "order.makingAmount", Reason: err.Error()}
	}
	minDstAmount, err := helpers.AmountToUint64(in.order.TakingAmount)
	if err != nil {
		return &protocol.ValidationError{Field: "order.takingAmount", Reason: err.Error()}
	}

	e.advance(x, tracker.StatusSrcDeploying, nil)
	announce, err := ledgerStep(ctx, e, in.orderHash, StepAnnounceOrder, func() (*escrow.MoveResult, error) {
		return e.move.AnnounceOrder(ctx, escrow.AnnounceParams{
			SrcAmount:     srcAmount,
			MinDstAmount:  minDstAmount,
			ExpiresInSecs: uint64(e.cfg.EscrowLifetime.Seconds()),
			SecretHash:    in.hashLock[:],
		})
	})
	if err != nil {
		return err
	}
	x.setMoveOrder(escrow.SideSource, announce.OrderID)
	x.setTx(TxSrc, announce.TxHash)
	e.advance(x, tracker.StatusSrcDeployed, nil)

	e.advance(x, tracker.StatusDstDeploying, nil)
	im := escrow.Immutables{
		OrderHash:     in.orderWord,
		HashLock:      in.hashLock,
		Maker:         in.order.Recipient(),
		Taker:         e.evm.Resolver(),
		Token:         in.order.TakerAsset,
		Amount:        in.order.TakingAmount,
		SafetyDeposit: e.cfg.SafetyDeposit,
		TimeLocks:     escrow.PackTimeLocks(e.cfg.TimeLocks),
	}
	srcCancellation := new(big.Int).SetInt64(e.clock.Now().Unix() + int64(e.cfg.TimeLocks.SrcCancellation))
	dst, err := ledgerStep(ctx, e, in.orderHash, StepDeployDst, func() (*escrow.Receipt, error) {
		return e.evm.DeployDst(ctx, im, srcCancellation)
	})
	if err != nil {
		return err
	}
	x.setTx(TxDst, dst.TxHash.Hex())
	e.advance(x, tracker.StatusDstDeployed, nil)

	// The factory stamps the block time into the time-locks, and the
	// escrow address commits to it.
	deployed := im.WithDeployedAt(dst.BlockTime)
	impl, err := e.evm.Implementation(ctx, escrow.SideDestination)
	if err != nil {
		return err
	}
	dstEscrow := escrow.EscrowAddress(e.evm.Factory(), deployed, impl)
	x.setEVMEscrow(escrow.SideDestination, dstEscrow, deployed)

	e.advance(x, tracker.StatusWithdrawing, nil)
	withdraw, err := ledgerStep(ctx, e, in.orderHash, StepWithdraw, func() (*escrow.Receipt, error) {
		return e.evm.Withdraw(ctx, escrow.SideDestination, dstEscrow, in.secret32, deployed)
	})
	if err != nil {
		return err
	}
	x.setTx(TxWithdraw, withdraw.TxHash.Hex())

	e.advance(x, tracker.StatusClaiming, nil)
	claim, err := ledgerStep(ctx, e, in.orderHash, StepClaim, func() (*escrow.MoveResult, error) {
		return e.move.ClaimFunds(ctx, announce.OrderID, in.secret)
	})
	if err != nil {
		return err
	}
	x.setTx(TxClaim, claim.TxHash)
	return nil
}

// ledgerStep runs a chain action through the ledger and rejects empty
// results.
func ledgerStep[T any](ctx context.Context, e *Engine, orderHash string, step Step, fn func() (*T, error)) (*T, error) {
	out, reused, err := runStep(ctx, e.ledger, e.log, orderHash, step, fn)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, escrow.Wrap("resolver", string(step), fmt.Errorf("empty result"))
	}
	if reused {
		e.log.Info("Reusing recorded action", "order", orderHash, "step", step)
	}
	return out, nil
}
