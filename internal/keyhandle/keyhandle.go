// Package keyhandle wraps a device seed and derives account identity
// and transaction signers from it, parameterized over a pluggable
// signature scheme.
package keyhandle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"

	"helmkey/go-custody/internal/secrets"
)

var (
	ErrInvalidMnemonic  = errors.New("invalid mnemonic")
	ErrNotEnoughEntropy = errors.New("mnemonic does not encode enough entropy")
	ErrInvalidSURI      = errors.New("invalid secret uri")
)

const suriJunctionInfo = "helmkey/suri/junction/v1"

// KeyHandle owns a device seed. Signers are constructed lazily and
// never outlive the seed.
type KeyHandle struct {
	seed *secrets.Seed
}

func FromSeed(seed *secrets.Seed) *KeyHandle {
	return &KeyHandle{seed: seed}
}

// Generate draws a fresh seed from the OS entropy source.
func Generate() (*KeyHandle, error) {
	seed, err := secrets.GenerateSeed()
	if err != nil {
		return nil, err
	}
	return FromSeed(seed), nil
}

// FromMnemonic derives a handle deterministically from a BIP-39
// phrase. The phrase must encode at least a full seed of entropy.
func FromMnemonic(mnemonic string) (*KeyHandle, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	entropy, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMnemonic, err)
	}
	if len(entropy) < secrets.SeedSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrNotEnoughEntropy, len(entropy))
	}
	var raw [secrets.SeedSize]byte
	copy(raw[:], entropy)
	return FromSeed(secrets.NewSeed(raw)), nil
}

// FromSURI parses a structured secret URI of the form
//
//	<mnemonic-or-hex-seed>[//junction]...
//
// and derives the seed through one HKDF expansion per hard junction.
func FromSURI(suri string) (*KeyHandle, error) {
	suri = strings.TrimSpace(suri)
	if suri == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSURI)
	}
	base := suri
	var junctions []string
	if idx := strings.Index(suri, "//"); idx >= 0 {
		base = suri[:idx]
		rest := suri[idx:]
		for _, j := range strings.Split(rest, "//") {
			if j == "" {
				continue
			}
			junctions = append(junctions, j)
		}
		if len(junctions) == 0 {
			return nil, fmt.Errorf("%w: empty junction", ErrInvalidSURI)
		}
	}
	if base == "" {
		return nil, fmt.Errorf("%w: missing base secret", ErrInvalidSURI)
	}
	if strings.Contains(strings.TrimPrefix(suri, base), "///") {
		return nil, fmt.Errorf("%w: soft junctions are not supported", ErrInvalidSURI)
	}

	handle, err := baseSecret(base)
	if err != nil {
		return nil, err
	}
	seed := handle.seed
	for _, junction := range junctions {
		derived, err := deriveJunction(seed, junction)
		seed.Wipe()
		if err != nil {
			return nil, err
		}
		seed = derived
	}
	return FromSeed(seed), nil
}

// Signer constructs a scheme-bound signer from the seed.
func (k *KeyHandle) Signer(scheme Scheme) (Signer, error) {
	if k == nil || k.seed == nil || k.seed.Wiped() {
		return nil, errors.New("key handle has no live seed")
	}
	return scheme.SignerFromSeed(k.seed)
}

// AccountID derives the public identity for the seed under a scheme.
func (k *KeyHandle) AccountID(scheme Scheme) (string, error) {
	signer, err := k.Signer(scheme)
	if err != nil {
		return "", err
	}
	return signer.AccountID(), nil
}

// Seed exposes the owned seed to the keystore for sealing.
func (k *KeyHandle) Seed() *secrets.Seed { return k.seed }

// Wipe destroys the underlying seed.
func (k *KeyHandle) Wipe() {
	if k != nil {
		k.seed.Wipe()
	}
}

func baseSecret(base string) (*KeyHandle, error) {
	if hexStr, ok := strings.CutPrefix(base, "0x"); ok {
		raw, err := hex.DecodeString(hexStr)
		if err != nil {
			return nil, fmt.Errorf("%w: bad hex seed", ErrInvalidSURI)
		}
		if len(raw) != secrets.SeedSize {
			return nil, fmt.Errorf("%w: hex seed must be %d bytes", ErrInvalidSURI, secrets.SeedSize)
		}
		var buf [secrets.SeedSize]byte
		copy(buf[:], raw)
		return FromSeed(secrets.NewSeed(buf)), nil
	}
	handle, err := FromMnemonic(base)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSURI, err)
	}
	return handle, nil
}

func deriveJunction(seed *secrets.Seed, junction string) (*secrets.Seed, error) {
	raw := seed.Expose()
	reader := hkdf.New(sha256.New, raw[:], nil, []byte(suriJunctionInfo+"/"+junction))
	var out [secrets.SeedSize]byte
	if _, err := io.ReadFull(reader, out[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSURI, err)
	}
	return secrets.NewSeed(out), nil
}
