package secrets

import (
	"encoding/base64"
	"errors"
	"fmt"
)

var ErrInvalidMask = errors.New("invalid mask encoding")

// Key is a 32-byte password-derived encryption key. Unlike Seed it is
// a plain value type: keys are short-lived and derived on demand.
type Key [SeedSize]byte

// Wipe zeroes the key in place.
func (k *Key) Wipe() {
	for i := range k {
		k[i] = 0
	}
}

// Mask is the XOR delta between two password-derived keys. It carries
// no key material on its own: applying it is useless without already
// holding ciphertext produced under the prior key.
type Mask [SeedSize]byte

// MaskOf computes newKey XOR oldKey.
func MaskOf(oldKey, newKey Key) Mask {
	var m Mask
	for i := range m {
		m[i] = newKey[i] ^ oldKey[i]
	}
	return m
}

// Apply XORs the mask into a 32-byte block (a key or a same-length
// ciphertext) and returns the result.
func (m Mask) Apply(block [SeedSize]byte) [SeedSize]byte {
	var out [SeedSize]byte
	for i := range out {
		out[i] = block[i] ^ m[i]
	}
	return out
}

// Encode renders the mask for out-of-band transfer to sibling stores.
func (m Mask) Encode() string {
	return base64.RawURLEncoding.EncodeToString(m[:])
}

func DecodeMask(encoded string) (Mask, error) {
	var m Mask
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return m, fmt.Errorf("%w: %v", ErrInvalidMask, err)
	}
	if len(raw) != SeedSize {
		return m, fmt.Errorf("%w: got %d bytes", ErrInvalidMask, len(raw))
	}
	copy(m[:], raw)
	return m, nil
}
