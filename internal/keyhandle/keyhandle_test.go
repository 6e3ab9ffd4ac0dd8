package keyhandle

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tyler-smith/go-bip39"
)

func testMnemonic(t *testing.T, entropyLen int) string {
	t.Helper()
	entropy := make([]byte, entropyLen)
	for i := range entropy {
		entropy[i] = byte(i + 1)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		t.Fatalf("build mnemonic: %v", err)
	}
	return mnemonic
}

func TestFromMnemonicIsDeterministic(t *testing.T) {
	mnemonic := testMnemonic(t, 32)
	a, err := FromMnemonic(mnemonic)
	if err != nil {
		t.Fatalf("from mnemonic: %v", err)
	}
	b, err := FromMnemonic(mnemonic)
	if err != nil {
		t.Fatalf("from mnemonic: %v", err)
	}
	if !a.Seed().Equal(b.Seed()) {
		t.Fatal("same mnemonic derived different seeds")
	}
}

func TestFromMnemonicRejectsInvalidPhrase(t *testing.T) {
	if _, err := FromMnemonic("definitely not a valid paperkey"); !errors.Is(err, ErrInvalidMnemonic) {
		t.Fatalf("expected ErrInvalidMnemonic, got %v", err)
	}
}

func TestFromMnemonicRejectsLowEntropyPhrase(t *testing.T) {
	// 12 words encode 16 bytes of entropy, below the 32-byte seed.
	mnemonic := testMnemonic(t, 16)
	if _, err := FromMnemonic(mnemonic); !errors.Is(err, ErrNotEnoughEntropy) {
		t.Fatalf("expected ErrNotEnoughEntropy, got %v", err)
	}
}

func TestFromSURIHexSeed(t *testing.T) {
	suri := "0x6162636465666768696a6b6c6d6e6f707172737475767778797a313233343536"
	handle, err := FromSURI(suri)
	if err != nil {
		t.Fatalf("from suri: %v", err)
	}
	raw := handle.Seed().Expose()
	if !bytes.Equal(raw[:4], []byte("abcd")) {
		t.Fatal("hex seed not decoded verbatim")
	}
}

func TestFromSURIJunctionsDeriveDistinctSeeds(t *testing.T) {
	base := "0x6162636465666768696a6b6c6d6e6f707172737475767778797a313233343536"
	plain, err := FromSURI(base)
	if err != nil {
		t.Fatalf("base: %v", err)
	}
	alice, err := FromSURI(base + "//alice")
	if err != nil {
		t.Fatalf("junction: %v", err)
	}
	alice2, err := FromSURI(base + "//alice")
	if err != nil {
		t.Fatalf("junction repeat: %v", err)
	}
	bob, err := FromSURI(base + "//bob")
	if err != nil {
		t.Fatalf("other junction: %v", err)
	}

	if plain.Seed().Equal(alice.Seed()) {
		t.Fatal("junction derivation returned the base seed")
	}
	if !alice.Seed().Equal(alice2.Seed()) {
		t.Fatal("junction derivation is not deterministic")
	}
	if alice.Seed().Equal(bob.Seed()) {
		t.Fatal("different junctions derived the same seed")
	}
}

func TestFromSURIMnemonicBase(t *testing.T) {
	mnemonic := testMnemonic(t, 32)
	fromMnemonic, err := FromMnemonic(mnemonic)
	if err != nil {
		t.Fatalf("from mnemonic: %v", err)
	}
	fromSURI, err := FromSURI(mnemonic)
	if err != nil {
		t.Fatalf("from suri: %v", err)
	}
	if !fromMnemonic.Seed().Equal(fromSURI.Seed()) {
		t.Fatal("mnemonic base derived a different seed via suri")
	}
}

func TestFromSURIRejectsMalformedInput(t *testing.T) {
	cases := []string{
		"",
		"   ",
		"//alice",
		"0xzz",
		"0x0102",
		"0x6162636465666768696a6b6c6d6e6f707172737475767778797a313233343536//",
		"0x6162636465666768696a6b6c6d6e6f707172737475767778797a313233343536///soft",
	}
	for _, suri := range cases {
		if _, err := FromSURI(suri); !errors.Is(err, ErrInvalidSURI) {
			t.Fatalf("suri %q: expected ErrInvalidSURI, got %v", suri, err)
		}
	}
}

func TestSchemesSignAndVerify(t *testing.T) {
	handle, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	payload := []byte("transaction body")

	for _, scheme := range []Scheme{Ed25519{}, Secp256k1{}} {
		signer, err := handle.Signer(scheme)
		if err != nil {
			t.Fatalf("%s signer: %v", scheme.Name(), err)
		}
		sig := signer.Sign(payload)
		if !signer.Verify(payload, sig) {
			t.Fatalf("%s: signature does not verify", scheme.Name())
		}
		if signer.Verify([]byte("other payload"), sig) {
			t.Fatalf("%s: signature verified for wrong payload", scheme.Name())
		}
	}
}

func TestAccountIDIsDeterministicAndSchemeBound(t *testing.T) {
	handle, err := FromSURI("0x6162636465666768696a6b6c6d6e6f707172737475767778797a313233343536")
	if err != nil {
		t.Fatalf("from suri: %v", err)
	}

	edID, err := handle.AccountID(Ed25519{})
	if err != nil {
		t.Fatalf("ed25519 account id: %v", err)
	}
	edID2, _ := handle.AccountID(Ed25519{})
	if edID != edID2 {
		t.Fatal("account id not deterministic")
	}
	secpID, err := handle.AccountID(Secp256k1{})
	if err != nil {
		t.Fatalf("secp256k1 account id: %v", err)
	}
	if edID == secpID {
		t.Fatal("distinct schemes derived identical account ids")
	}
}

func TestSchemeByName(t *testing.T) {
	if s, err := SchemeByName(""); err != nil || s.Name() != "ed25519" {
		t.Fatalf("default scheme: %v %v", s, err)
	}
	if s, err := SchemeByName("secp256k1"); err != nil || s.Name() != "secp256k1" {
		t.Fatalf("secp256k1 scheme: %v %v", s, err)
	}
	if _, err := SchemeByName("sr25519"); !errors.Is(err, ErrUnknownScheme) {
		t.Fatalf("expected ErrUnknownScheme, got %v", err)
	}
}

func TestWipedHandleRefusesToSign(t *testing.T) {
	handle, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	handle.Wipe()
	if _, err := handle.Signer(Ed25519{}); err == nil {
		t.Fatal("wiped handle produced a signer")
	}
}
