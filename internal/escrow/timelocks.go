package escrow

import (
	"math/big"

	"github.com/Klingon-tech/klingdex-relay/internal/protocol"
)

// Stage indexes a 32-bit slot of the packed time-locks word.
type Stage uint

const (
	StageSrcWithdrawal Stage = iota
	StageSrcPublicWithdrawal
	StageSrcCancellation
	StageSrcPublicCancellation
	StageDstWithdrawal
	StageDstPublicWithdrawal
	StageDstCancellation
)

// The deployment timestamp lives in the top 32 bits.
const deployedAtOffset = 224

var mask32 = big.NewInt(0xffffffff)

// PackTimeLocks packs relative windows (seconds) into one word with the
// deployment time left at zero.
func PackTimeLocks(t protocol.TimeLocks) *big.Int {
	stages := [...]uint32{
		t.SrcWithdrawal,
		t.SrcPublicWithdrawal,
		t.SrcCancellation,
		t.SrcPublicCancellation,
		t.DstWithdrawal,
		t.DstPublicWithdrawal,
		t.DstCancellation,
	}
	out := new(big.Int)
	for i, v := range stages {
		out.Or(out, new(big.Int).Lsh(big.NewInt(int64(v)), uint(i)*32))
	}
	return out
}

// UnpackTimeLocks is the inverse of PackTimeLocks; it also returns the
// deployment time.
func UnpackTimeLocks(packed *big.Int) (protocol.TimeLocks, uint64) {
	return protocol.TimeLocks{
		SrcWithdrawal:         uint32(slot(packed, uint(StageSrcWithdrawal)*32)),
		SrcPublicWithdrawal:   uint32(slot(packed, uint(StageSrcPublicWithdrawal)*32)),
		SrcCancellation:       uint32(slot(packed, uint(StageSrcCancellation)*32)),
		SrcPublicCancellation: uint32(slot(packed, uint(StageSrcPublicCancellation)*32)),
		DstWithdrawal:         uint32(slot(packed, uint(StageDstWithdrawal)*32)),
		DstPublicWithdrawal:   uint32(slot(packed, uint(StageDstPublicWithdrawal)*32)),
		DstCancellation:       uint32(slot(packed, uint(StageDstCancellation)*32)),
	}, slot(packed, deployedAtOffset)
}

// SetDeployedAt replaces the deployment time of a packed word.
func SetDeployedAt(packed *big.Int, ts uint64) *big.Int {
	out := new(big.Int)
	if packed != nil {
		out.Set(packed)
	}
	out.AndNot(out, new(big.Int).Lsh(mask32, deployedAtOffset))
	return out.Or(out, new(big.Int).Lsh(new(big.Int).SetUint64(ts&0xffffffff), deployedAtOffset))
}

// Deadline returns the absolute time at which stage begins.
func Deadline(packed *big.Int, stage Stage) uint64 {
	return slot(packed, deployedAtOffset) + slot(packed, uint(stage)*32)
}

func slot(packed *big.Int, offset uint) uint64 {
	if packed == nil {
		return 0
	}
	return new(big.Int).And(new(big.Int).Rsh(packed, offset), mask32).Uint64()
}
