package evm

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/klingdex-relay/internal/escrow"
)

const immutablesTuple = `{"name":"%s","type":"tuple","components":[
	{"name":"orderHash","type":"bytes32"},
	{"name":"hashlock","type":"bytes32"},
	{"name":"maker","type":"uint256"},
	{"name":"taker","type":"uint256"},
	{"name":"token","type":"uint256"},
	{"name":"amount","type":"uint256"},
	{"name":"safetyDeposit","type":"uint256"},
	{"name":"timelocks","type":"uint256"}]}`

// ResolverABI covers the resolver contract entry points the engine uses.
var ResolverABI = mustParse(`[
{"type":"function","name":"deploySrc","stateMutability":"payable","outputs":[],"inputs":[
	` + tuple(immutablesTuple, "immutables") + `,
	{"name":"order","type":"tuple","components":[
		{"name":"salt","type":"uint256"},
		{"name":"maker","type":"uint256"},
		{"name":"receiver","type":"uint256"},
		{"name":"makerAsset","type":"uint256"},
		{"name":"takerAsset","type":"uint256"},
		{"name":"makingAmount","type":"uint256"},
		{"name":"takingAmount","type":"uint256"},
		{"name":"makerTraits","type":"uint256"}]},
	{"name":"r","type":"bytes32"},
	{"name":"vs","type":"bytes32"},
	{"name":"amount","type":"uint256"},
	{"name":"takerTraits","type":"uint256"},
	{"name":"args","type":"bytes"}]},
{"type":"function","name":"deployDst","stateMutability":"payable","outputs":[],"inputs":[
	` + tuple(immutablesTuple, "dstImmutables") + `,
	{"name":"srcCancellationTimestamp","type":"uint256"}]},
{"type":"function","name":"withdraw","stateMutability":"nonpayable","outputs":[],"inputs":[
	{"name":"escrow","type":"address"},
	{"name":"secret","type":"bytes32"},
	` + tuple(immutablesTuple, "immutables") + `]},
{"type":"function","name":"cancel","stateMutability":"nonpayable","outputs":[],"inputs":[
	{"name":"escrow","type":"address"},
	` + tuple(immutablesTuple, "immutables") + `]}
]`)

// FactoryABI covers the escrow factory views and events.
var FactoryABI = mustParse(`[
{"type":"function","name":"ESCROW_SRC_IMPLEMENTATION","stateMutability":"view","inputs":[],
	"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"ESCROW_DST_IMPLEMENTATION","stateMutability":"view","inputs":[],
	"outputs":[{"name":"","type":"address"}]},
{"type":"event","name":"SrcEscrowCreated","anonymous":false,"inputs":[
	` + tuple(immutablesTuple, "srcImmutables") + `,
	{"name":"dstImmutablesComplement","type":"tuple","components":[
		{"name":"maker","type":"uint256"},
		{"name":"amount","type":"uint256"},
		{"name":"token","type":"uint256"},
		{"name":"safetyDeposit","type":"uint256"},
		{"name":"chainId","type":"uint256"}]}]},
{"type":"event","name":"DstEscrowCreated","anonymous":false,"inputs":[
	{"name":"escrow","type":"address"},
	{"name":"hashlock","type":"bytes32"},
	{"name":"taker","type":"uint256"}]}
]`)

func tuple(tmpl, name string) string {
	return strings.Replace(tmpl, "%s", name, 1)
}

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Solidity-side shapes. Addresses travel as uint256 words.

type immutablesABI struct {
	OrderHash     [32]byte
	Hashlock      [32]byte
	Maker         *big.Int
	Taker         *big.Int
	Token         *big.Int
	Amount        *big.Int
	SafetyDeposit *big.Int
	Timelocks     *big.Int
}

type orderABI struct {
	Salt         *big.Int
	Maker        *big.Int
	Receiver     *big.Int
	MakerAsset   *big.Int
	TakerAsset   *big.Int
	MakingAmount *big.Int
	TakingAmount *big.Int
	MakerTraits  *big.Int
}

type complementABI struct {
	Maker         *big.Int
	Amount        *big.Int
	Token         *big.Int
	SafetyDeposit *big.Int
	ChainId       *big.Int
}

type srcEscrowCreated struct {
	SrcImmutables           immutablesABI
	DstImmutablesComplement complementABI
}

func addrWord(a common.Address) *big.Int {
	return new(big.Int).SetBytes(a.Bytes())
}

func wordAddr(w *big.Int) common.Address {
	if w == nil {
		return common.Address{}
	}
	return common.BigToAddress(w)
}

func nonNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func toImmutablesABI(im escrow.Immutables) immutablesABI {
	return immutablesABI{
		OrderHash:     im.OrderHash,
		Hashlock:      im.HashLock,
		Maker:         addrWord(im.Maker),
		Taker:         addrWord(im.Taker),
		Token:         addrWord(im.Token),
		Amount:        nonNil(im.Amount),
		SafetyDeposit: nonNil(im.SafetyDeposit),
		Timelocks:     nonNil(im.TimeLocks),
	}
}

func fromImmutablesABI(im immutablesABI) escrow.Immutables {
	return escrow.Immutables{
		OrderHash:     im.OrderHash,
		HashLock:      im.Hashlock,
		Maker:         wordAddr(im.Maker),
		Taker:         wordAddr(im.Taker),
		Token:         wordAddr(im.Token),
		Amount:        im.Amount,
		SafetyDeposit: im.SafetyDeposit,
		TimeLocks:     im.Timelocks,
	}
}

func toOrderABI(o escrow.Order) orderABI {
	return orderABI{
		Salt:         nonNil(o.Salt),
		Maker:        addrWord(o.Maker),
		Receiver:     addrWord(o.Receiver),
		MakerAsset:   addrWord(o.MakerAsset),
		TakerAsset:   addrWord(o.TakerAsset),
		MakingAmount: nonNil(o.MakingAmount),
		TakingAmount: nonNil(o.TakingAmount),
		MakerTraits:  nonNil(o.MakerTraits),
	}
}

// decodeSrcDeployEvent decodes the data of a SrcEscrowCreated log.
func decodeSrcDeployEvent(data []byte) (*escrow.SrcDeployEvent, error) {
	var ev srcEscrowCreated
	if err := FactoryABI.UnpackIntoInterface(&ev, "SrcEscrowCreated", data); err != nil {
		return nil, err
	}
	c := ev.DstImmutablesComplement
	return &escrow.SrcDeployEvent{
		Immutables: fromImmutablesABI(ev.SrcImmutables),
		Complement: escrow.DstComplement{
			Maker:         wordAddr(c.Maker),
			Amount:        c.Amount,
			Token:         wordAddr(c.Token),
			SafetyDeposit: c.SafetyDeposit,
			ChainID:       c.ChainId,
		},
	}, nil
}
