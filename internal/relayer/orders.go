package relayer

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/Klingon-tech/klingdex-relay/internal/escrow"
	"github.com/Klingon-tech/klingdex-relay/internal/escrow/aptos"
	"github.com/Klingon-tech/klingdex-relay/internal/protocol"
	"github.com/Klingon-tech/klingdex-relay/internal/storage"
	"github.com/Klingon-tech/klingdex-relay/pkg/helpers"
)

// Fixed-rate quote stub: output = input * quoteRateNum / quoteRateDen.
const (
	quoteRateNum   = 2000
	quoteRateDen   = 1000
	quoteValidity  = 30 * time.Second
	quoteExchange  = "AptosCrossChain"
	quoteGasUnits  = "21000"
	maxOrderSalt   = 1000
	orderStatusNew = "created"
)

func quote(q *protocol.GetQuote, now time.Time) (interface{}, error) {
	amount, err := helpers.ParseAmount(q.Amount)
	if err != nil {
		return nil, &protocol.ValidationError{Field: "amount", Reason: err.Error()}
	}
	out := helpers.ScaleAmount(amount, quoteRateNum, quoteRateDen)

	return protocol.Quote{
		SrcChainID:      q.SrcChainID,
		DstChainID:      q.DstChainID,
		SrcTokenAddress: q.SrcTokenAddress,
		DstTokenAddress: q.DstTokenAddress,
		SrcAmount:       amount.String(),
		DstAmount:       out.String(),
		ExchangeRate:    float64(quoteRateNum) / float64(quoteRateDen),
		EstimatedGas:    quoteGasUnits,
		GasPrice:        "0",
		Fees:            protocol.QuoteFees{ProtocolFee: "0", GasFee: "0"},
		Route: []protocol.RouteStep{{
			From:     q.SrcTokenAddress,
			To:       q.DstTokenAddress,
			Exchange: quoteExchange,
		}},
		Timestamp:  now,
		ValidUntil: now.Add(quoteValidity),
	}, nil
}

// HashLock returns the 0x-prefixed keccak256 hash-lock of secret.
func HashLock(secret string) string {
	h := escrow.HashLock(escrow.SecretBytes(secret))
	return helpers.BytesToHex(h[:])
}

// createOrder builds an order around the caller's secret and appends it to
// the ledger. The order hash is the hash-lock, so the same secret can only
// ever back one order.
func (d *Dispatcher) createOrder(c *protocol.CreateOrder) (interface{}, error) {
	if _, err := helpers.ParseAmount(c.MakingAmount); err != nil {
		return nil, &protocol.ValidationError{Field: "makingAmount", Reason: err.Error()}
	}
	if _, err := helpers.ParseAmount(c.TakingAmount); err != nil {
		return nil, &protocol.ValidationError{Field: "takingAmount", Reason: err.Error()}
	}

	maker, receiver, moveAddr, err := d.orderParties(c)
	if err != nil {
		return nil, err
	}
	salt, err := rand.Int(rand.Reader, big.NewInt(maxOrderSalt))
	if err != nil {
		return nil, fmt.Errorf("%w: salt: %v", protocol.ErrInternal, err)
	}

	hashLock := HashLock(c.Secret)
	order := protocol.OrderPayload{
		Salt:         salt.String(),
		Maker:        maker,
		Receiver:     receiver,
		MakerAsset:   c.MakerAsset,
		TakerAsset:   c.TakerAsset,
		MakingAmount: c.MakingAmount,
		TakingAmount: c.TakingAmount,
		MakerTraits:  "0",
	}
	payload, err := json.Marshal(order)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrInternal, err)
	}

	err = d.store.PutOrder(&storage.OrderRecord{
		OrderHash:   hashLock,
		Payload:     payload,
		SrcChainID:  uint64(c.SrcChainID),
		DstChainID:  uint64(c.DstChainID),
		HashLock:    hashLock,
		MoveAddress: moveAddr,
		Origin:      storage.OriginCreated,
		CreatedAt:   d.now(),
	})
	if err != nil {
		return nil, err
	}
	d.log.Info("Order created", "order", hashLock, "src", c.SrcChainID, "dst", c.DstChainID)

	d.broadcast(protocol.OrderEvent{
		Event: protocol.EventOrderCreated,
		Data: protocol.OrderEventData{
			OrderHash:  hashLock,
			SrcChainID: c.SrcChainID,
			DstChainID: c.DstChainID,
			Status:     orderStatusNew,
			Timestamp:  d.now(),
		},
	})

	return protocol.OrderCreated{
		OrderHash: hashLock,
		Status:    orderStatusNew,
		HashLock:  hashLock,
		TimeLocks: protocol.DefaultTimeLocks,
		Order:     order,
	}, nil
}

// orderParties squeezes the Move-side party into an EVM address slot. For an
// EVM-sourced order that is the receiver, otherwise the maker. The full Move
// address is returned separately so the resolver can pay it.
func (d *Dispatcher) orderParties(c *protocol.CreateOrder) (maker, receiver, moveAddr string, err error) {
	maker, receiver = c.Maker, c.Receiver

	moveSide := &receiver
	field := "receiver"
	if !d.isEVMChain(uint64(c.SrcChainID)) {
		moveSide = &maker
		field = "maker"
	}
	if aptos.IsAddress(*moveSide) {
		moveAddr, err = aptos.NormalizeAddress(*moveSide)
		if err != nil {
			return "", "", "", &protocol.ValidationError{Field: field, Reason: err.Error()}
		}
		short, err := aptos.EVMCompatible(moveAddr)
		if err != nil {
			return "", "", "", &protocol.ValidationError{Field: field, Reason: err.Error()}
		}
		*moveSide = short
	}
	return maker, receiver, moveAddr, nil
}

func (d *Dispatcher) isEVMChain(id uint64) bool {
	if d.evmChains == nil {
		return true
	}
	return d.evmChains.Contains(id)
}
