package escrow

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Klingon-tech/klingdex-relay/pkg/helpers"
)

// Immutables are the parameters an escrow clone is deployed with. Their hash
// is the CREATE2 salt of the clone.
type Immutables struct {
	OrderHash     [32]byte
	HashLock      [32]byte
	Maker         common.Address
	Taker         common.Address
	Token         common.Address
	Amount        *big.Int
	SafetyDeposit *big.Int
	TimeLocks     *big.Int
}

// Hash is keccak256 of the ABI encoding: eight 32-byte words.
func (im Immutables) Hash() common.Hash {
	buf := make([]byte, 0, 8*32)
	buf = append(buf, im.OrderHash[:]...)
	buf = append(buf, im.HashLock[:]...)
	buf = append(buf, word(im.Maker.Bytes())...)
	buf = append(buf, word(im.Taker.Bytes())...)
	buf = append(buf, word(im.Token.Bytes())...)
	buf = append(buf, uintWord(im.Amount)...)
	buf = append(buf, uintWord(im.SafetyDeposit)...)
	buf = append(buf, uintWord(im.TimeLocks)...)
	return crypto.Keccak256Hash(buf)
}

// WithDeployedAt returns a copy whose time-locks carry the deployment time.
func (im Immutables) WithDeployedAt(ts uint64) Immutables {
	im.TimeLocks = SetDeployedAt(im.TimeLocks, ts)
	return im
}

// DstComplement is the part of the destination immutables that the source
// escrow deployment event carries besides the source immutables.
type DstComplement struct {
	Maker         common.Address
	Amount        *big.Int
	Token         common.Address
	SafetyDeposit *big.Int
	ChainID       *big.Int
}

// SrcDeployEvent is a decoded SrcEscrowCreated log.
type SrcDeployEvent struct {
	Immutables Immutables
	Complement DstComplement
}

// Minimal proxy (EIP-1167) creation code around the implementation address.
var (
	proxyPrefix = common.FromHex("3d602d80600a3d3981f3363d3d373d3d3d363d73")
	proxySuffix = common.FromHex("5af43d82803e903d91602b57fd5bf3")
)

// ProxyBytecodeHash is the init code hash of a clone of implementation.
func ProxyBytecodeHash(implementation common.Address) common.Hash {
	code := make([]byte, 0, len(proxyPrefix)+common.AddressLength+len(proxySuffix))
	code = append(code, proxyPrefix...)
	code = append(code, implementation.Bytes()...)
	code = append(code, proxySuffix...)
	return crypto.Keccak256Hash(code)
}

// EscrowAddress computes where factory deploys the clone for im.
func EscrowAddress(factory common.Address, im Immutables, implementation common.Address) common.Address {
	return crypto.CreateAddress2(factory, im.Hash(), ProxyBytecodeHash(implementation).Bytes())
}

func word(b []byte) []byte {
	return helpers.PadLeft(b, 32)
}

func uintWord(v *big.Int) []byte {
	if v == nil {
		return make([]byte, 32)
	}
	return word(v.Bytes())
}
