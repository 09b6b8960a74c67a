package evm

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Klingon-tech/klingdex-relay/internal/escrow"
)

func testImmutables() escrow.Immutables {
	return escrow.Immutables{
		OrderHash:     [32]byte{0xaa},
		HashLock:      escrow.HashLock([]byte("my_secret_password_for_swap_test")),
		Maker:         common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Taker:         common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Token:         common.HexToAddress("0x3333333333333333333333333333333333333333"),
		Amount:        big.NewInt(1000),
		SafetyDeposit: big.NewInt(1e15),
		TimeLocks:     big.NewInt(42),
	}
}

func TestDecodeSrcDeployEvent(t *testing.T) {
	im := testImmutables()
	complement := complementABI{
		Maker:         addrWord(common.HexToAddress("0x4444444444444444444444444444444444444444")),
		Amount:        big.NewInt(2000),
		Token:         big.NewInt(0),
		SafetyDeposit: big.NewInt(5),
		ChainId:       big.NewInt(8453),
	}

	data, err := FactoryABI.Events["SrcEscrowCreated"].Inputs.Pack(toImmutablesABI(im), complement)
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}

	ev, err := decodeSrcDeployEvent(data)
	if err != nil {
		t.Fatalf("decodeSrcDeployEvent() error = %v", err)
	}
	if ev.Immutables.Hash() != im.Hash() {
		t.Errorf("immutables = %+v, want %+v", ev.Immutables, im)
	}
	if ev.Complement.ChainID.Int64() != 8453 || ev.Complement.Amount.Int64() != 2000 {
		t.Errorf("complement = %+v", ev.Complement)
	}
	if ev.Complement.Maker != common.HexToAddress("0x4444444444444444444444444444444444444444") {
		t.Errorf("complement maker = %s", ev.Complement.Maker)
	}

	if _, err := decodeSrcDeployEvent([]byte{1, 2, 3}); err == nil {
		t.Error("decodeSrcDeployEvent(garbage) error = nil")
	}
}

func TestResolverABIPack(t *testing.T) {
	im := testImmutables()

	var secret [32]byte
	copy(secret[:], "my_secret_password_for_swap_test")
	escrowAddr := common.HexToAddress("0x5555555555555555555555555555555555555555")

	data, err := ResolverABI.Pack("withdraw", escrowAddr, secret, toImmutablesABI(im))
	if err != nil {
		t.Fatalf("Pack(withdraw) error = %v", err)
	}
	if !bytes.Equal(data[:4], ResolverABI.Methods["withdraw"].ID) {
		t.Errorf("selector = %x", data[:4])
	}
	// selector + address + secret + 8 immutables words
	if len(data) != 4+32*10 {
		t.Errorf("withdraw calldata length = %d", len(data))
	}
	if !bytes.Equal(data[4+32:4+64], secret[:]) {
		t.Errorf("secret word = %x", data[4+32:4+64])
	}

	order := escrow.Order{
		Salt:         big.NewInt(1),
		Maker:        im.Maker,
		MakerAsset:   im.Token,
		MakingAmount: big.NewInt(1000),
		TakingAmount: big.NewInt(2000),
	}
	traits, args := escrow.NewTakerTraits(big.NewInt(2000), nil).Encode()
	var r, vs [32]byte
	if _, err := ResolverABI.Pack("deploySrc", toImmutablesABI(im), toOrderABI(order), r, vs, big.NewInt(1000), traits, args); err != nil {
		t.Fatalf("Pack(deploySrc) error = %v", err)
	}
	if _, err := ResolverABI.Pack("deployDst", toImmutablesABI(im), big.NewInt(1700000000)); err != nil {
		t.Fatalf("Pack(deployDst) error = %v", err)
	}
}

func TestParsePrivateKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	hexKey := common.Bytes2Hex(crypto.FromECDSA(key))

	for _, in := range []string{hexKey, "0x" + hexKey, " " + hexKey + "\n"} {
		got, err := ParsePrivateKey(in)
		if err != nil {
			t.Fatalf("ParsePrivateKey(%q) error = %v", in, err)
		}
		if AddressFromPrivateKey(got) != crypto.PubkeyToAddress(key.PublicKey) {
			t.Errorf("ParsePrivateKey(%q) derived a different address", in)
		}
	}

	if _, err := ParsePrivateKey("zz"); err == nil {
		t.Error("ParsePrivateKey(invalid) error = nil")
	}
}

func TestAddressWords(t *testing.T) {
	a := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	if addrWord(a).Int64() != 255 {
		t.Errorf("addrWord() = %s", addrWord(a))
	}
	if wordAddr(addrWord(a)) != a {
		t.Error("wordAddr(addrWord(a)) != a")
	}
	if wordAddr(nil) != (common.Address{}) {
		t.Error("wordAddr(nil) is not the zero address")
	}
}
