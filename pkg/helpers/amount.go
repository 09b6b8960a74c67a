// Package helpers provides small conversion utilities shared by the relayer,
// the resolver and the chain collaborators.
package helpers

import (
	"fmt"
	"math/big"
	"strings"
)

// ParseAmount parses a base-unit integer amount. Both decimal ("1000") and
// 0x-prefixed hex ("0x3e8") forms are accepted; negative values are rejected.
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount string")
	}

	base := 10
	digits := s
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base = 16
		digits = s[2:]
	}
	amount, ok := new(big.Int).SetString(digits, base)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", s)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("negative amount: %s", s)
	}
	return amount, nil
}

// ScaleAmount returns amount*num/den using integer arithmetic.
func ScaleAmount(amount *big.Int, num, den int64) *big.Int {
	out := new(big.Int).Mul(amount, big.NewInt(num))
	return out.Quo(out, big.NewInt(den))
}

// AmountToUint64 narrows a base-unit amount for chains with u64 balances.
func AmountToUint64(amount *big.Int) (uint64, error) {
	if amount == nil || amount.Sign() < 0 || !amount.IsUint64() {
		return 0, fmt.Errorf("amount overflow: %v", amount)
	}
	return amount.Uint64(), nil
}
