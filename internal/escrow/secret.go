package escrow

import (
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Klingon-tech/klingdex-relay/pkg/helpers"
)

// SecretBytes decodes a swap secret. A 0x-prefixed value of 64 hex digits is
// taken as raw bytes; anything else is its UTF-8 encoding.
func SecretBytes(secret string) []byte {
	if helpers.Has0xPrefix(secret) && len(secret) == 66 {
		if b, err := helpers.HexToBytes(secret); err == nil {
			return b
		}
	}
	return []byte(secret)
}

// HashLock is keccak256 over the secret bytes.
func HashLock(secret []byte) [32]byte {
	var h [32]byte
	copy(h[:], crypto.Keccak256(secret))
	return h
}

// Secret32 returns the secret as the bytes32 word EVM escrows check against
// the hash-lock. Only 32-byte secrets hash the same on both chains.
func Secret32(secret []byte) ([32]byte, error) {
	var out [32]byte
	if len(secret) != 32 {
		return out, fmt.Errorf("%w: got %d", ErrInvalidSecret, len(secret))
	}
	copy(out[:], secret)
	return out, nil
}

// ParseHash32 decodes a 0x-prefixed 32-byte hash.
func ParseHash32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := helpers.HexToBytes(s)
	if err != nil || len(b) != 32 {
		return out, fmt.Errorf("not a 32-byte hash: %q", s)
	}
	copy(out[:], b)
	return out, nil
}
