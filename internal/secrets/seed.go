package secrets

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
)

// SeedSize is the raw length of a device seed and of every
// password-derived encryption key.
const SeedSize = 32

var ErrEntropy = errors.New("secure randomness is unavailable")

// Seed is a 32-byte device secret. The raw bytes are reachable only
// through Expose; everything else renders a redaction marker.
type Seed struct {
	buf   [SeedSize]byte
	wiped bool
}

func NewSeed(raw [SeedSize]byte) *Seed {
	return &Seed{buf: raw}
}

// GenerateSeed draws a fresh seed from the OS entropy source.
func GenerateSeed() (*Seed, error) {
	var buf [SeedSize]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEntropy, err)
	}
	return &Seed{buf: buf}, nil
}

// Expose returns a borrowed view of the raw seed. Callers must not
// retain the pointer past the seed's lifetime.
func (s *Seed) Expose() *[SeedSize]byte {
	return &s.buf
}

// Wipe zeroes the backing memory. The seed is unusable afterwards.
func (s *Seed) Wipe() {
	if s == nil {
		return
	}
	for i := range s.buf {
		s.buf[i] = 0
	}
	s.wiped = true
}

// Wiped reports whether Wipe has been called.
func (s *Seed) Wiped() bool {
	return s != nil && s.wiped
}

// Equal compares two seeds in constant time.
func (s *Seed) Equal(other *Seed) bool {
	if s == nil || other == nil {
		return false
	}
	return subtle.ConstantTimeCompare(s.buf[:], other.buf[:]) == 1
}

func (s *Seed) String() string { return "[REDACTED seed]" }

func (s *Seed) LogValue() slog.Value { return slog.StringValue(s.String()) }
