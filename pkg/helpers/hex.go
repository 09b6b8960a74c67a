package helpers

import (
	"encoding/hex"
	"strings"
)

// Has0xPrefix reports whether s starts with 0x or 0X.
func Has0xPrefix(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}

// HexToBytes converts a hex string (with or without 0x prefix) to bytes.
func HexToBytes(s string) ([]byte, error) {
	if Has0xPrefix(s) {
		s = s[2:]
	}
	return hex.DecodeString(s)
}

// BytesToHex converts bytes to a lowercase hex string with 0x prefix.
func BytesToHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// NormalizeHash lowercases a 0x-prefixed hash so it can be used as a map or
// table key regardless of how the caller spelled it.
func NormalizeHash(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if !Has0xPrefix(s) {
		s = "0x" + s
	}
	return "0x" + strings.ToLower(s[2:])
}

// PadLeft pads a byte slice with zeros on the left to reach the specified length.
func PadLeft(b []byte, length int) []byte {
	if len(b) >= length {
		return b
	}
	result := make([]byte, length)
	copy(result[length-len(b):], b)
	return result
}
