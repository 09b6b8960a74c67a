// Package evm drives the resolver contract and escrow factory on an EVM
// chain through go-ethereum.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/Klingon-tech/klingdex-relay/internal/escrow"
	"github.com/Klingon-tech/klingdex-relay/pkg/logging"
)

const chainName = "evm"

// DefaultConfirmTimeout bounds the wait for a transaction to be mined.
const DefaultConfirmTimeout = 3 * time.Minute

// Backend is what the client needs from a node connection. *ethclient.Client
// implements it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	HeaderByHash(ctx context.Context, hash common.Hash) (*types.Header, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Config configures a Client.
type Config struct {
	RPCURL          string
	PrivateKey      string
	ResolverAddress string
	FactoryAddress  string
	ConfirmTimeout  time.Duration
}

// Client implements escrow.EVMChain.
type Client struct {
	backend        Backend
	chainID        *big.Int
	key            *ecdsa.PrivateKey
	from           common.Address
	resolverAddr   common.Address
	factoryAddr    common.Address
	resolver       *bind.BoundContract
	factory        *bind.BoundContract
	confirmTimeout time.Duration
	log            *logging.Logger

	mu    sync.Mutex
	impls map[escrow.Side]common.Address
	rpc   *ethclient.Client
}

var _ escrow.EVMChain = (*Client)(nil)

// Dial connects to cfg.RPCURL and builds a client.
func Dial(ctx context.Context, cfg *Config) (*Client, error) {
	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	c, err := NewClient(ctx, rpc, cfg)
	if err != nil {
		rpc.Close()
		return nil, err
	}
	c.rpc = rpc
	return c, nil
}

// NewClient builds a client on an existing backend.
func NewClient(ctx context.Context, backend Backend, cfg *Config) (*Client, error) {
	key, err := ParsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid EVM private key: %w", err)
	}
	if !common.IsHexAddress(cfg.ResolverAddress) {
		return nil, fmt.Errorf("invalid resolver contract address: %q", cfg.ResolverAddress)
	}
	if !common.IsHexAddress(cfg.FactoryAddress) {
		return nil, fmt.Errorf("invalid escrow factory address: %q", cfg.FactoryAddress)
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	timeout := cfg.ConfirmTimeout
	if timeout <= 0 {
		timeout = DefaultConfirmTimeout
	}
	resolverAddr := common.HexToAddress(cfg.ResolverAddress)
	factoryAddr := common.HexToAddress(cfg.FactoryAddress)

	return &Client{
		backend:        backend,
		chainID:        chainID,
		key:            key,
		from:           AddressFromPrivateKey(key),
		resolverAddr:   resolverAddr,
		factoryAddr:    factoryAddr,
		resolver:       bind.NewBoundContract(resolverAddr, ResolverABI, backend, backend, backend),
		factory:        bind.NewBoundContract(factoryAddr, FactoryABI, backend, backend, backend),
		confirmTimeout: timeout,
		log:            logging.GetDefault().Component("evm"),
		impls:          make(map[escrow.Side]common.Address),
	}, nil
}

// Close closes the RPC connection opened by Dial.
func (c *Client) Close() {
	if c.rpc != nil {
		c.rpc.Close()
	}
}

// ChainID returns the chain ID.
func (c *Client) ChainID() *big.Int { return c.chainID }

// From returns the account that signs transactions.
func (c *Client) From() common.Address { return c.from }

// Factory returns the escrow factory address.
func (c *Client) Factory() common.Address { return c.factoryAddr }

// Resolver returns the resolver contract address.
func (c *Client) Resolver() common.Address { return c.resolverAddr }

// DeploySrc fills the order through the resolver contract. The safety
// deposit is sent along and forwarded to the escrow.
func (c *Client) DeploySrc(ctx context.Context, im escrow.Immutables, order escrow.Order, signature []byte, traits escrow.TakerTraits, amount *big.Int) (*escrow.Receipt, error) {
	r, vs, err := escrow.SplitSignature(signature)
	if err != nil {
		return nil, escrow.Wrap(chainName, "deploySrc", err)
	}
	traitsWord, args := traits.Encode()

	return c.transact(ctx, "deploySrc", im.SafetyDeposit,
		toImmutablesABI(im), toOrderABI(order), r, vs, amount, traitsWord, args)
}

// DeployDst creates the destination escrow. Native-token escrows are funded
// with the amount as well as the safety deposit.
func (c *Client) DeployDst(ctx context.Context, im escrow.Immutables, srcCancellation *big.Int) (*escrow.Receipt, error) {
	value := new(big.Int).Set(nonNil(im.SafetyDeposit))
	if im.Token == (common.Address{}) {
		value.Add(value, nonNil(im.Amount))
	}
	return c.transact(ctx, "deployDst", value, toImmutablesABI(im), srcCancellation)
}

// Withdraw releases an escrow with the secret.
func (c *Client) Withdraw(ctx context.Context, side escrow.Side, escrowAddr common.Address, secret [32]byte, im escrow.Immutables) (*escrow.Receipt, error) {
	c.log.Debug("Withdrawing", "side", side, "escrow", escrowAddr.Hex())
	return c.transact(ctx, "withdraw", nil, escrowAddr, secret, toImmutablesABI(im))
}

// Cancel returns the escrowed funds after the cancellation time-lock.
func (c *Client) Cancel(ctx context.Context, side escrow.Side, escrowAddr common.Address, im escrow.Immutables) (*escrow.Receipt, error) {
	c.log.Debug("Cancelling", "side", side, "escrow", escrowAddr.Hex())
	return c.transact(ctx, "cancel", nil, escrowAddr, toImmutablesABI(im))
}

// SrcDeployEvent finds the SrcEscrowCreated log locked with hashLock in a
// block. The on-chain order hash is the limit order's, so the hash-lock is
// what ties the log to this swap.
func (c *Client) SrcDeployEvent(ctx context.Context, blockHash common.Hash, hashLock [32]byte) (*escrow.SrcDeployEvent, error) {
	event := FactoryABI.Events["SrcEscrowCreated"]
	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		BlockHash: &blockHash,
		Addresses: []common.Address{c.factoryAddr},
		Topics:    [][]common.Hash{{event.ID}},
	})
	if err != nil {
		return nil, escrow.Wrap(chainName, "getSrcDeployEvent", err)
	}
	for _, l := range logs {
		ev, err := decodeSrcDeployEvent(l.Data)
		if err != nil {
			c.log.Warn("Undecodable SrcEscrowCreated log", "tx", l.TxHash.Hex(), "error", err)
			continue
		}
		if ev.Immutables.HashLock == hashLock {
			return ev, nil
		}
	}
	return nil, escrow.Wrap(chainName, "getSrcDeployEvent",
		fmt.Errorf("%w: SrcEscrowCreated with hashlock %x in block %s", escrow.ErrEventNotFound, hashLock, blockHash.Hex()))
}

// Implementation returns the escrow implementation the factory clones for
// side. Results are cached; they are immutable on chain.
func (c *Client) Implementation(ctx context.Context, side escrow.Side) (common.Address, error) {
	c.mu.Lock()
	impl, ok := c.impls[side]
	c.mu.Unlock()
	if ok {
		return impl, nil
	}

	method := "ESCROW_SRC_IMPLEMENTATION"
	if side == escrow.SideDestination {
		method = "ESCROW_DST_IMPLEMENTATION"
	}
	var out []interface{}
	if err := c.factory.Call(&bind.CallOpts{Context: ctx}, &out, method); err != nil {
		return common.Address{}, escrow.Wrap(chainName, method, err)
	}
	if len(out) != 1 {
		return common.Address{}, escrow.Wrap(chainName, method, fmt.Errorf("unexpected result %v", out))
	}
	impl, ok = out[0].(common.Address)
	if !ok {
		return common.Address{}, escrow.Wrap(chainName, method, fmt.Errorf("unexpected result type %T", out[0]))
	}

	c.mu.Lock()
	c.impls[side] = impl
	c.mu.Unlock()
	return impl, nil
}

// transact sends a resolver contract call and waits for it to be mined.
func (c *Client) transact(ctx context.Context, method string, value *big.Int, params ...interface{}) (*escrow.Receipt, error) {
	auth, err := c.newTransactor(ctx)
	if err != nil {
		return nil, escrow.Wrap(chainName, method, err)
	}
	auth.Value = value

	tx, err := c.resolver.Transact(auth, method, params...)
	if err != nil {
		return nil, escrow.Wrap(chainName, method, err)
	}
	c.log.Info("Transaction sent", "method", method, "tx", tx.Hash().Hex())

	receipt, err := c.WaitForTx(ctx, tx)
	if err != nil {
		return nil, escrow.Wrap(chainName, method, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, escrow.Wrap(chainName, method, fmt.Errorf("%w: %s reverted", escrow.ErrTxFailed, tx.Hash().Hex()))
	}

	out := &escrow.Receipt{
		TxHash:      tx.Hash(),
		BlockHash:   receipt.BlockHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
	}
	header, err := c.backend.HeaderByHash(ctx, receipt.BlockHash)
	if err != nil {
		return nil, escrow.Wrap(chainName, method, fmt.Errorf("failed to read block %s: %w", receipt.BlockHash.Hex(), err))
	}
	out.BlockTime = header.Time
	c.log.Info("Transaction mined", "method", method, "tx", tx.Hash().Hex(), "block", out.BlockNumber)
	return out, nil
}

// WaitForTx waits for tx to be mined, bounded by the confirm timeout.
func (c *Client) WaitForTx(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()
	return bind.WaitMined(ctx, c.backend, tx)
}

func (c *Client) newTransactor(ctx context.Context) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	auth.Context = ctx
	return auth, nil
}

// AddressFromPrivateKey derives the account address of a key.
func AddressFromPrivateKey(privateKey *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(privateKey.PublicKey)
}

// ParsePrivateKey parses a hex-encoded private key, with or without 0x.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
}
