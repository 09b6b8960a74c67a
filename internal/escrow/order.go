package escrow

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Klingon-tech/klingdex-relay/internal/protocol"
	"github.com/Klingon-tech/klingdex-relay/pkg/helpers"
)

// Order is a limit order in its on-chain form.
type Order struct {
	Salt         *big.Int
	Maker        common.Address
	Receiver     common.Address
	MakerAsset   common.Address
	TakerAsset   common.Address
	MakingAmount *big.Int
	TakingAmount *big.Int
	MakerTraits  *big.Int
}

// OrderFromPayload converts a wire order. Assets that are not EVM addresses,
// such as Move coin types, become the zero address.
func OrderFromPayload(p *protocol.OrderPayload) (Order, error) {
	if p == nil {
		return Order{}, &protocol.ValidationError{Field: "order", Reason: "required"}
	}
	var (
		o   Order
		err error
	)
	if o.Salt, err = optionalAmount(p.Salt); err != nil {
		return Order{}, &protocol.ValidationError{Field: "order.salt", Reason: err.Error()}
	}
	if o.MakerTraits, err = optionalAmount(p.MakerTraits); err != nil {
		return Order{}, &protocol.ValidationError{Field: "order.makerTraits", Reason: err.Error()}
	}
	if o.MakingAmount, err = helpers.ParseAmount(p.MakingAmount); err != nil {
		return Order{}, &protocol.ValidationError{Field: "order.makingAmount", Reason: err.Error()}
	}
	if o.TakingAmount, err = helpers.ParseAmount(p.TakingAmount); err != nil {
		return Order{}, &protocol.ValidationError{Field: "order.takingAmount", Reason: err.Error()}
	}
	if !common.IsHexAddress(p.Maker) {
		return Order{}, &protocol.ValidationError{Field: "order.maker", Reason: "not an EVM address"}
	}
	o.Maker = common.HexToAddress(p.Maker)
	o.Receiver = looseAddress(p.Receiver)
	o.MakerAsset = looseAddress(p.MakerAsset)
	o.TakerAsset = looseAddress(p.TakerAsset)
	return o, nil
}

// Recipient is who receives the taker asset: the receiver when set,
// otherwise the maker.
func (o Order) Recipient() common.Address {
	if o.Receiver == (common.Address{}) {
		return o.Maker
	}
	return o.Receiver
}

func optionalAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	return helpers.ParseAmount(s)
}

func looseAddress(s string) common.Address {
	if common.IsHexAddress(s) {
		return common.HexToAddress(s)
	}
	return common.Address{}
}

// SplitSignature turns a 65-byte r‖s‖v or a 64-byte compact signature into
// the r and vs words taken by the order protocol.
func SplitSignature(sig []byte) (r, vs [32]byte, err error) {
	switch len(sig) {
	case 64:
		copy(r[:], sig[:32])
		copy(vs[:], sig[32:])
		return r, vs, nil
	case crypto.SignatureLength:
	default:
		return r, vs, fmt.Errorf("%w: %d bytes", ErrInvalidSignature, len(sig))
	}

	v := sig[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return r, vs, fmt.Errorf("%w: recovery id %d", ErrInvalidSignature, sig[64])
	}
	copy(r[:], sig[:32])
	copy(vs[:], sig[32:64])
	if vs[0]&0x80 != 0 {
		return r, vs, fmt.Errorf("%w: s is not canonical", ErrInvalidSignature)
	}
	if v == 1 {
		vs[0] |= 0x80
	}
	return r, vs, nil
}
