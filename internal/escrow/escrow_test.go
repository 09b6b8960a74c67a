package escrow

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Klingon-tech/klingdex-relay/internal/protocol"
)

var testTimeLocks = protocol.TimeLocks{
	SrcWithdrawal:         10,
	SrcPublicWithdrawal:   120,
	SrcCancellation:       121,
	SrcPublicCancellation: 122,
	DstWithdrawal:         10,
	DstPublicWithdrawal:   100,
	DstCancellation:       101,
}

func testImmutables() Immutables {
	return Immutables{
		OrderHash:     [32]byte{1},
		HashLock:      HashLock([]byte("my_secret_password_for_swap_test")),
		Maker:         common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Taker:         common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Token:         common.HexToAddress("0x3333333333333333333333333333333333333333"),
		Amount:        big.NewInt(1000),
		SafetyDeposit: big.NewInt(1e15),
		TimeLocks:     PackTimeLocks(testTimeLocks),
	}
}

func TestTimeLocksRoundTrip(t *testing.T) {
	packed := SetDeployedAt(PackTimeLocks(testTimeLocks), 1700000000)

	got, deployedAt := UnpackTimeLocks(packed)
	if got != testTimeLocks {
		t.Errorf("UnpackTimeLocks() = %+v, want %+v", got, testTimeLocks)
	}
	if deployedAt != 1700000000 {
		t.Errorf("deployedAt = %d, want 1700000000", deployedAt)
	}

	tests := []struct {
		stage Stage
		want  uint64
	}{
		{StageSrcWithdrawal, 1700000010},
		{StageSrcCancellation, 1700000121},
		{StageDstCancellation, 1700000101},
	}
	for _, tt := range tests {
		if got := Deadline(packed, tt.stage); got != tt.want {
			t.Errorf("Deadline(%d) = %d, want %d", tt.stage, got, tt.want)
		}
	}

	moved := SetDeployedAt(packed, 5)
	if _, at := UnpackTimeLocks(moved); at != 5 {
		t.Errorf("redeployed at = %d, want 5", at)
	}
	if _, at := UnpackTimeLocks(packed); at != 1700000000 {
		t.Error("SetDeployedAt modified its input")
	}
}

func TestPackTimeLocksLayout(t *testing.T) {
	packed := PackTimeLocks(protocol.TimeLocks{SrcWithdrawal: 1, DstCancellation: 2})
	want := new(big.Int).Or(big.NewInt(1), new(big.Int).Lsh(big.NewInt(2), 6*32))
	if packed.Cmp(want) != 0 {
		t.Errorf("PackTimeLocks() = %x, want %x", packed, want)
	}
}

func TestImmutablesHashMatchesABIEncoding(t *testing.T) {
	im := testImmutables()

	mustType := func(name string) abi.Type {
		typ, err := abi.NewType(name, "", nil)
		if err != nil {
			t.Fatalf("NewType(%s) error = %v", name, err)
		}
		return typ
	}
	args := abi.Arguments{
		{Type: mustType("bytes32")}, {Type: mustType("bytes32")},
		{Type: mustType("address")}, {Type: mustType("address")}, {Type: mustType("address")},
		{Type: mustType("uint256")}, {Type: mustType("uint256")}, {Type: mustType("uint256")},
	}
	encoded, err := args.Pack(im.OrderHash, im.HashLock, im.Maker, im.Taker, im.Token, im.Amount, im.SafetyDeposit, im.TimeLocks)
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}

	if got, want := im.Hash(), crypto.Keccak256Hash(encoded); got != want {
		t.Errorf("Hash() = %s, want %s", got, want)
	}
}

func TestEscrowAddress(t *testing.T) {
	factory := common.HexToAddress("0x4444444444444444444444444444444444444444")
	impl := common.HexToAddress("0x5555555555555555555555555555555555555555")
	im := testImmutables()

	code := append(append(common.CopyBytes(proxyPrefix), impl.Bytes()...), proxySuffix...)
	if len(code) != 55 {
		t.Fatalf("proxy code length = %d, want 55", len(code))
	}
	salt := im.Hash()
	want := common.BytesToAddress(crypto.Keccak256([]byte{0xff}, factory.Bytes(), salt.Bytes(), crypto.Keccak256(code))[12:])

	if got := EscrowAddress(factory, im, impl); got != want {
		t.Errorf("EscrowAddress() = %s, want %s", got, want)
	}

	other := im.WithDeployedAt(1)
	if EscrowAddress(factory, other, impl) == want {
		t.Error("address does not depend on the deployment time")
	}
}

func TestTakerTraitsEncode(t *testing.T) {
	ext := bytes.Repeat([]byte{0xab}, 10)
	traits, args := NewTakerTraits(big.NewInt(2000), ext).Encode()

	if traits.Bit(255) != 1 {
		t.Error("maker amount flag not set")
	}
	extLen := new(big.Int).And(new(big.Int).Rsh(traits, 224), big.NewInt(0xffffff))
	if extLen.Int64() != 10 {
		t.Errorf("extension length = %d, want 10", extLen)
	}
	threshold := new(big.Int).And(traits, new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 185), big.NewInt(1)))
	if threshold.Int64() != 2000 {
		t.Errorf("threshold = %d, want 2000", threshold)
	}
	if !bytes.Equal(args, ext) {
		t.Errorf("args = %x, want %x", args, ext)
	}
	if WithTarget(traits).Bit(251) != 1 || traits.Bit(251) != 0 {
		t.Error("WithTarget() must set bit 251 on a copy")
	}

	taker, _ := TakerTraits{Threshold: big.NewInt(1)}.Encode()
	if taker.Bit(255) != 0 {
		t.Error("taker amount mode set the maker flag")
	}
}

func TestSplitSignature(t *testing.T) {
	sig := make([]byte, 65)
	sig[0] = 0xaa
	sig[32] = 0x11
	sig[64] = 28

	r, vs, err := SplitSignature(sig)
	if err != nil {
		t.Fatalf("SplitSignature() error = %v", err)
	}
	if r[0] != 0xaa || vs[0] != 0x91 {
		t.Errorf("r[0] = %x, vs[0] = %x", r[0], vs[0])
	}

	sig[64] = 27
	if _, vs, _ := SplitSignature(sig); vs[0] != 0x11 {
		t.Errorf("v=27 vs[0] = %x, want 11", vs[0])
	}

	if _, _, err := SplitSignature(make([]byte, 64)); err != nil {
		t.Errorf("compact signature error = %v", err)
	}
	for _, bad := range [][]byte{make([]byte, 10), append(make([]byte, 64), 5)} {
		if _, _, err := SplitSignature(bad); !errors.Is(err, ErrInvalidSignature) {
			t.Errorf("SplitSignature(%d bytes) error = %v, want ErrInvalidSignature", len(bad), err)
		}
	}
}

func TestSecrets(t *testing.T) {
	empty := HashLock(nil)
	if common.Hash(empty).Hex() != "0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470" {
		t.Errorf("HashLock(nil) = %x", empty)
	}

	text := SecretBytes("my_secret_password_for_swap_test")
	if _, err := Secret32(text); err != nil {
		t.Errorf("Secret32(32 chars) error = %v", err)
	}
	if _, err := Secret32([]byte("short")); !errors.Is(err, ErrInvalidSecret) {
		t.Errorf("Secret32(short) error = %v, want ErrInvalidSecret", err)
	}

	raw := SecretBytes("0x" + "ab" + string(bytes.Repeat([]byte("00"), 31)))
	if len(raw) != 32 || raw[0] != 0xab {
		t.Errorf("SecretBytes(hex) = %x", raw)
	}
}

func TestOrderFromPayload(t *testing.T) {
	o, err := OrderFromPayload(&protocol.OrderPayload{
		Salt:         "7",
		Maker:        "0x1111111111111111111111111111111111111111",
		MakerAsset:   "0x3333333333333333333333333333333333333333",
		TakerAsset:   "0x1::aptos_coin::AptosCoin",
		MakingAmount: "1000",
		TakingAmount: "0x7d0",
	})
	if err != nil {
		t.Fatalf("OrderFromPayload() error = %v", err)
	}
	if o.TakingAmount.Int64() != 2000 || o.Salt.Int64() != 7 || o.MakerTraits.Sign() != 0 {
		t.Errorf("order = %+v", o)
	}
	if o.TakerAsset != (common.Address{}) {
		t.Errorf("Move coin type mapped to %s, want zero address", o.TakerAsset)
	}
	if o.Recipient() != o.Maker {
		t.Errorf("Recipient() = %s, want maker", o.Recipient())
	}

	_, err = OrderFromPayload(&protocol.OrderPayload{Maker: "nope", MakingAmount: "1", TakingAmount: "1"})
	if !errors.Is(err, protocol.ErrValidation) {
		t.Errorf("bad maker error = %v, want validation", err)
	}
}

func TestCollaboratorError(t *testing.T) {
	base := errors.New("execution reverted")
	err := Wrap("evm", "deploySrc", base)

	if !errors.Is(err, protocol.ErrCollaborator) || !errors.Is(err, base) {
		t.Errorf("Wrap() = %v does not match its causes", err)
	}
	if protocol.CodeOf(err) != protocol.CodeCollaborator {
		t.Errorf("CodeOf() = %s", protocol.CodeOf(err))
	}
	if Wrap("aptos", "claim", err) != err {
		t.Error("Wrap() re-wrapped a collaborator error")
	}
	if Wrap("evm", "x", nil) != nil {
		t.Error("Wrap(nil) != nil")
	}
}
