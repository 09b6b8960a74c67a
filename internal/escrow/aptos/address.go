package aptos

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Klingon-tech/klingdex-relay/pkg/helpers"
)

// AddressLength is the byte length of a Move account address.
const AddressLength = 32

// ErrInvalidAddress is returned for strings that are not Move addresses.
var ErrInvalidAddress = errors.New("invalid move address")

// IsAddress reports whether s is a full-length Move address: 0x followed by
// 64 hex digits.
func IsAddress(s string) bool {
	if !helpers.Has0xPrefix(s) || len(s) != 2+2*AddressLength {
		return false
	}
	_, err := helpers.HexToBytes(s)
	return err == nil
}

// NormalizeAddress lowercases a full-length address and ensures the 0x
// prefix.
func NormalizeAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !helpers.Has0xPrefix(s) {
		s = "0x" + s
	}
	if !IsAddress(s) {
		return "", fmt.Errorf("%w: %s: expected 0x + 64 hex chars", ErrInvalidAddress, s)
	}
	return strings.ToLower(s), nil
}

// ExpandAddress left-pads short forms such as 0x1 to the full length.
func ExpandAddress(s string) (string, error) {
	digits := strings.TrimSpace(s)
	if helpers.Has0xPrefix(digits) {
		digits = digits[2:]
	}
	if len(digits)%2 == 1 {
		digits = "0" + digits
	}
	b, err := helpers.HexToBytes(digits)
	if err != nil || len(b) == 0 || len(b) > AddressLength {
		return "", fmt.Errorf("%w: %s", ErrInvalidAddress, s)
	}
	return helpers.BytesToHex(helpers.PadLeft(b, AddressLength)), nil
}

// EVMCompatible returns the 20-byte form used when a Move address has to fit
// an EVM address slot: the last 40 hex digits. EVM addresses pass through
// unchanged.
func EVMCompatible(s string) (string, error) {
	if !IsAddress(s) {
		b, err := helpers.HexToBytes(s)
		if err != nil || len(b) != 20 {
			return "", fmt.Errorf("%w: %s", ErrInvalidAddress, s)
		}
		return strings.ToLower(helpers.BytesToHex(b)), nil
	}
	norm, err := NormalizeAddress(s)
	if err != nil {
		return "", err
	}
	return "0x" + norm[len(norm)-40:], nil
}

// ResolveReceiver picks the Move address to pay. The full address recorded
// with the order wins; otherwise the EVM-compatible form is widened.
func ResolveReceiver(recorded, fromOrder string) (string, error) {
	if recorded != "" {
		return NormalizeAddress(recorded)
	}
	if IsAddress(fromOrder) {
		return NormalizeAddress(fromOrder)
	}
	return ExpandAddress(fromOrder)
}
