// Package escrow defines the chain collaborators driven by the resolver
// engine and the escrow data they exchange: orders, immutables, packed
// time-locks, taker traits and hash-locks.
package escrow

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Side selects the source or destination escrow of a swap.
type Side string

const (
	SideSource      Side = "src"
	SideDestination Side = "dst"
)

// Receipt identifies a mined EVM transaction.
type Receipt struct {
	TxHash      common.Hash
	BlockHash   common.Hash
	BlockNumber uint64
	// BlockTime is the block timestamp, which the escrow factory stamps into
	// the time-locks as the deployment time.
	BlockTime uint64
}

// EVMChain is the resolver's view of an EVM chain with a deployed resolver
// contract and escrow factory. Every call blocks until the transaction is
// mined or the read returns.
type EVMChain interface {
	// DeploySrc fills the order through the resolver contract, which makes
	// the factory create the source escrow.
	DeploySrc(ctx context.Context, im Immutables, order Order, signature []byte, traits TakerTraits, amount *big.Int) (*Receipt, error)
	// SrcDeployEvent reads the SrcEscrowCreated event locked with hashLock
	// emitted in blockHash.
	SrcDeployEvent(ctx context.Context, blockHash common.Hash, hashLock [32]byte) (*SrcDeployEvent, error)
	// DeployDst creates the destination escrow funded by the resolver.
	DeployDst(ctx context.Context, im Immutables, srcCancellation *big.Int) (*Receipt, error)
	// Withdraw releases an escrow with the secret.
	Withdraw(ctx context.Context, side Side, escrowAddr common.Address, secret [32]byte, im Immutables) (*Receipt, error)
	// Cancel returns escrowed funds after the cancellation time-lock.
	Cancel(ctx context.Context, side Side, escrowAddr common.Address, im Immutables) (*Receipt, error)

	// Implementation returns the escrow implementation cloned for side.
	Implementation(ctx context.Context, side Side) (common.Address, error)
	Factory() common.Address
	Resolver() common.Address
}

// AnnounceParams locks the maker's funds on the Move chain.
type AnnounceParams struct {
	SrcAmount     uint64
	MinDstAmount  uint64
	ExpiresInSecs uint64
	SecretHash    []byte
}

// FundParams funds a destination escrow on the Move chain.
type FundParams struct {
	Amount uint64
	// Expiration is a unix timestamp in seconds.
	Expiration uint64
	SecretHash []byte
	Receiver   string
}

// MoveResult is the outcome of a Move-chain entry function call.
type MoveResult struct {
	TxHash  string
	OrderID uint64
}

// MoveChain is the resolver's view of the swap module on a Move chain.
type MoveChain interface {
	AnnounceOrder(ctx context.Context, p AnnounceParams) (*MoveResult, error)
	FundDstEscrow(ctx context.Context, p FundParams) (*MoveResult, error)
	ClaimFunds(ctx context.Context, orderID uint64, secret []byte) (*MoveResult, error)
	// CancelSwap cancels an expired order. side picks the account that
	// created it: the announcing maker for src, the resolver for dst.
	CancelSwap(ctx context.Context, side Side, orderID uint64) (*MoveResult, error)
	CoinType() string
}
