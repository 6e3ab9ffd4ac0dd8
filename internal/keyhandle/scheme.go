package keyhandle

import (
	"crypto/ed25519"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/mr-tron/base58/base58"
	"golang.org/x/crypto/blake2b"

	"helmkey/go-custody/internal/secrets"
)

var ErrUnknownScheme = errors.New("unknown signature scheme")

// Signer produces signatures over arbitrary payloads and derives the
// public account identity for its seed.
type Signer interface {
	Sign(payload []byte) []byte
	Verify(payload, sig []byte) bool
	Public() []byte
	AccountID() string
}

// Scheme is the signature-scheme capability the keystore is
// parameterized over.
type Scheme interface {
	Name() string
	SignerFromSeed(seed *secrets.Seed) (Signer, error)
}

// SchemeByName resolves a configured scheme name.
func SchemeByName(name string) (Scheme, error) {
	switch name {
	case "", "ed25519":
		return Ed25519{}, nil
	case "secp256k1":
		return Secp256k1{}, nil
	default:
		return nil, ErrUnknownScheme
	}
}

// Ed25519 is the default device-key scheme.
type Ed25519 struct{}

func (Ed25519) Name() string { return "ed25519" }

func (Ed25519) SignerFromSeed(seed *secrets.Seed) (Signer, error) {
	raw := seed.Expose()
	priv := ed25519.NewKeyFromSeed(raw[:])
	return &ed25519Signer{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
	}, nil
}

type ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

func (s *ed25519Signer) Sign(payload []byte) []byte { return ed25519.Sign(s.priv, payload) }

func (s *ed25519Signer) Verify(payload, sig []byte) bool {
	return ed25519.Verify(s.pub, payload, sig)
}

func (s *ed25519Signer) Public() []byte { return append([]byte(nil), s.pub...) }

func (s *ed25519Signer) AccountID() string { return accountID("hk1", s.pub) }

// Secp256k1 signs with deterministic ECDSA over the secp256k1 curve.
type Secp256k1 struct{}

func (Secp256k1) Name() string { return "secp256k1" }

func (Secp256k1) SignerFromSeed(seed *secrets.Seed) (Signer, error) {
	raw := seed.Expose()
	priv := secp256k1.PrivKeyFromBytes(raw[:])
	return &secpSigner{priv: priv}, nil
}

type secpSigner struct {
	priv *secp256k1.PrivateKey
}

func (s *secpSigner) Sign(payload []byte) []byte {
	digest := blake2b.Sum256(payload)
	return ecdsa.SignCompact(s.priv, digest[:], true)
}

func (s *secpSigner) Verify(payload, sig []byte) bool {
	digest := blake2b.Sum256(payload)
	pub, _, err := ecdsa.RecoverCompact(sig, digest[:])
	if err != nil {
		return false
	}
	return pub.IsEqual(s.priv.PubKey())
}

func (s *secpSigner) Public() []byte { return s.priv.PubKey().SerializeCompressed() }

func (s *secpSigner) AccountID() string { return accountID("hk2", s.Public()) }

func accountID(prefix string, pub []byte) string {
	h := blake2b.Sum256(pub)
	return prefix + base58.Encode(h[:])
}
