package helpers

import (
	"math/big"
	"testing"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"decimal", "1000", "1000", false},
		{"hex", "0x3e8", "1000", false},
		{"padded", " 42 ", "42", false},
		{"large", "100000000000000000000", "100000000000000000000", false},
		{"empty", "", "", true},
		{"negative", "-5", "", true},
		{"garbage", "12abc", "", true},
		{"fractional", "1.5", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAmount(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseAmount(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got.String() != tt.want {
				t.Errorf("ParseAmount(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestScaleAmount(t *testing.T) {
	got := ScaleAmount(big.NewInt(1500), 2000, 1000)
	if got.Int64() != 3000 {
		t.Errorf("ScaleAmount = %s, want 3000", got)
	}
}

func TestAmountToUint64(t *testing.T) {
	if _, err := AmountToUint64(new(big.Int).Lsh(big.NewInt(1), 64)); err == nil {
		t.Error("AmountToUint64 should reject values above u64")
	}
	v, err := AmountToUint64(big.NewInt(7))
	if err != nil || v != 7 {
		t.Errorf("AmountToUint64(7) = %d, %v", v, err)
	}
}

func TestNormalizeHash(t *testing.T) {
	tests := []struct{ in, want string }{
		{"0xABC", "0xabc"},
		{"abc", "0xabc"},
		{"0Xdef", "0xdef"},
		{"  0xAB  ", "0xab"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeHash(tt.in); got != tt.want {
			t.Errorf("NormalizeHash(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHexRoundTrip(t *testing.T) {
	b, err := HexToBytes("0x00ff10")
	if err != nil {
		t.Fatalf("HexToBytes() error = %v", err)
	}
	if got := BytesToHex(b); got != "0x00ff10" {
		t.Errorf("BytesToHex = %s", got)
	}
	if _, err := HexToBytes("0xzz"); err == nil {
		t.Error("HexToBytes should fail on invalid hex")
	}
}

func TestPad(t *testing.T) {
	if got := PadLeft([]byte{1}, 3); got[2] != 1 || got[0] != 0 {
		t.Errorf("PadLeft = %v", got)
	}
}
