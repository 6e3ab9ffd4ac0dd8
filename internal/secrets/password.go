package secrets

import (
	"errors"
	"log/slog"
)

const MinPasswordLen = 8

var (
	ErrPasswordTooShort = errors.New("password too short")
	ErrPasswordMismatch = errors.New("passwords don't match")
)

// Password wraps a user-supplied secret string. It is never persisted
// and renders a redaction marker when formatted or logged.
type Password struct {
	value string
}

func NewPassword(value string) Password {
	return Password{value: value}
}

// Reveal returns the underlying secret for key derivation only.
func (p Password) Reveal() string { return p.value }

func (p Password) Empty() bool { return p.value == "" }

// CheckLength enforces the minimum password policy.
func (p Password) CheckLength() error {
	if len(p.value) < MinPasswordLen {
		return ErrPasswordTooShort
	}
	return nil
}

// ConfirmPassword checks that a password and its confirmation agree.
func ConfirmPassword(password, confirmation Password) error {
	if password.value != confirmation.value {
		return ErrPasswordMismatch
	}
	return password.CheckLength()
}

func (p Password) String() string { return "[REDACTED password]" }

func (p Password) LogValue() slog.Value { return slog.StringValue(p.String()) }
