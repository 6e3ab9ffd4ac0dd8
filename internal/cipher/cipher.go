// Package cipher turns a password into a 32-byte encryption key and
// seals device seeds under it. The concrete construction must stay
// XOR-homomorphic over the key: re-keying sealed material by XOR-ing a
// key delta into the ciphertext is what makes mask-based password
// changes possible without moving plaintext keys between devices.
package cipher

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/blake2b"

	"helmkey/go-custody/internal/secrets"
)

const SaltSize = 16

var ErrDecryption = errors.New("decryption failed")

// Sealed is a seed encrypted under a password-derived key. Digest is a
// keyless hash of the plaintext seed; it is what makes decryption fail
// closed, since the XOR layer itself cannot authenticate.
type Sealed struct {
	Ciphertext [secrets.SeedSize]byte
	Digest     [blake2b.Size256]byte
}

// Cipher is the password/encryption capability consumed by the
// keystore. Implementations must derive deterministically per
// (password, salt) pair.
type Cipher interface {
	KeyFor(password secrets.Password, salt []byte) secrets.Key
	Encrypt(key secrets.Key, seed *secrets.Seed) Sealed
	Decrypt(key secrets.Key, sealed Sealed) (*secrets.Seed, error)
}

// Params are the argon2id cost settings persisted with each store.
type Params struct {
	Time     uint32
	MemoryKB uint32
	Threads  uint8
}

func DefaultParams() Params {
	return Params{Time: 2, MemoryKB: 64 * 1024, Threads: 1}
}

// Argon2Cipher derives keys with argon2id and seals seeds with a
// one-time pad of exactly key length. Pad reuse is safe here because
// one store only ever holds one plaintext under one key epoch.
type Argon2Cipher struct {
	params Params
}

func NewArgon2Cipher(params Params) *Argon2Cipher {
	if params.Time == 0 || params.MemoryKB == 0 || params.Threads == 0 {
		params = DefaultParams()
	}
	return &Argon2Cipher{params: params}
}

func (c *Argon2Cipher) Params() Params { return c.params }

func (c *Argon2Cipher) KeyFor(password secrets.Password, salt []byte) secrets.Key {
	var key secrets.Key
	derived := argon2.IDKey([]byte(password.Reveal()), salt, c.params.Time, c.params.MemoryKB, c.params.Threads, secrets.SeedSize)
	copy(key[:], derived)
	zeroBytes(derived)
	return key
}

func (c *Argon2Cipher) Encrypt(key secrets.Key, seed *secrets.Seed) Sealed {
	raw := seed.Expose()
	var sealed Sealed
	for i := range sealed.Ciphertext {
		sealed.Ciphertext[i] = raw[i] ^ key[i]
	}
	sealed.Digest = blake2b.Sum256(raw[:])
	return sealed
}

func (c *Argon2Cipher) Decrypt(key secrets.Key, sealed Sealed) (*secrets.Seed, error) {
	var raw [secrets.SeedSize]byte
	for i := range raw {
		raw[i] = sealed.Ciphertext[i] ^ key[i]
	}
	digest := blake2b.Sum256(raw[:])
	if subtle.ConstantTimeCompare(digest[:], sealed.Digest[:]) != 1 {
		zeroBytes(raw[:])
		return nil, fmt.Errorf("%w: wrong password or corrupted ciphertext", ErrDecryption)
	}
	return secrets.NewSeed(raw), nil
}

// NewSalt draws a fresh KDF salt. Every logical store gets one salt at
// provision time and all sibling copies share it.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("%w: %v", secrets.ErrEntropy, err)
	}
	return salt, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
