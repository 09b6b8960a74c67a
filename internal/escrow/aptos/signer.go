package aptos

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/sha3"

	"github.com/Klingon-tech/klingdex-relay/pkg/helpers"
)

// ed25519Scheme is the single-signer authentication scheme byte appended to
// the public key when deriving an account address.
const ed25519Scheme = 0x00

const privateKeyPrefix = "ed25519-priv-"

// ErrInvalidKey is returned for malformed account keys.
var ErrInvalidKey = errors.New("invalid ed25519 key")

// Signer holds an ed25519 account key.
type Signer struct {
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
	address string
}

// ParseSigner builds a signer from a hex seed. The AIP-80 "ed25519-priv-"
// prefix and a 0x prefix are accepted. A 64-byte hex key is read as
// seed‖public key.
func ParseSigner(key string) (*Signer, error) {
	key = strings.TrimPrefix(strings.TrimSpace(key), privateKeyPrefix)
	b, err := helpers.HexToBytes(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	switch len(b) {
	case ed25519.SeedSize:
	case ed25519.PrivateKeySize:
		b = b[:ed25519.SeedSize]
	default:
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKey, len(b))
	}
	return NewSigner(b)
}

// NewSigner builds a signer from a 32-byte seed.
func NewSigner(seed []byte) (*Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes", ErrInvalidKey, ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	if err := ValidatePublicKey(pub); err != nil {
		return nil, err
	}
	return &Signer{
		priv:    priv,
		pub:     pub,
		address: AddressFromPublicKey(pub),
	}, nil
}

// Address returns the account address.
func (s *Signer) Address() string { return s.address }

// PublicKeyHex returns the 0x-prefixed public key.
func (s *Signer) PublicKeyHex() string { return helpers.BytesToHex(s.pub) }

// Sign signs a transaction signing message.
func (s *Signer) Sign(msg []byte) []byte {
	return ed25519.Sign(s.priv, msg)
}

// AddressFromPublicKey derives the account address: sha3-256(pub‖scheme).
func AddressFromPublicKey(pub ed25519.PublicKey) string {
	h := sha3.New256()
	h.Write(pub)
	h.Write([]byte{ed25519Scheme})
	return helpers.BytesToHex(h.Sum(nil))
}

// ValidatePublicKey checks that pub encodes a point on the curve.
func ValidatePublicKey(pub []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: public key must be %d bytes", ErrInvalidKey, ed25519.PublicKeySize)
	}
	if _, err := new(edwards25519.Point).SetBytes(pub); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return nil
}
