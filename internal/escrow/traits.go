package escrow

import "math/big"

// AmountMode says which side of the order the fill amount refers to.
type AmountMode int

const (
	AmountModeTaker AmountMode = iota
	AmountModeMaker
)

const (
	makerAmountFlag          = 255
	argsHasTarget            = 251
	argsExtensionLenOffset   = 224
	argsInteractionLenOffset = 200
	thresholdBits            = 185
)

// TakerTraits are the fill options passed to the order protocol together
// with an args blob. Target is left to the resolver contract, which prepends
// the escrow address itself.
type TakerTraits struct {
	AmountMode  AmountMode
	Threshold   *big.Int
	Extension   []byte
	Interaction []byte
}

// NewTakerTraits returns maker-amount traits with the given threshold and
// order extension, as used when a resolver fills a cross-chain order.
func NewTakerTraits(threshold *big.Int, extension []byte) TakerTraits {
	return TakerTraits{AmountMode: AmountModeMaker, Threshold: threshold, Extension: extension}
}

// Encode returns the traits word and the args blob.
func (t TakerTraits) Encode() (*big.Int, []byte) {
	traits := new(big.Int)
	if t.AmountMode == AmountModeMaker {
		traits.SetBit(traits, makerAmountFlag, 1)
	}
	traits.Or(traits, new(big.Int).Lsh(big.NewInt(int64(len(t.Extension))), argsExtensionLenOffset))
	traits.Or(traits, new(big.Int).Lsh(big.NewInt(int64(len(t.Interaction))), argsInteractionLenOffset))
	if t.Threshold != nil {
		limit := new(big.Int).Lsh(big.NewInt(1), thresholdBits)
		traits.Or(traits, new(big.Int).Mod(t.Threshold, limit))
	}

	args := make([]byte, 0, len(t.Extension)+len(t.Interaction))
	args = append(args, t.Extension...)
	args = append(args, t.Interaction...)
	return traits, args
}

// WithTarget sets the has-target flag the resolver contract adds on chain.
func WithTarget(traits *big.Int) *big.Int {
	return new(big.Int).SetBit(traits, argsHasTarget, 1)
}
