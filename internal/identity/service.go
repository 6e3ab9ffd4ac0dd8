// Package identity models the external identity-linking collaborator:
// claimed accounts of the form "username@service" and the capability
// to verify, resolve and format ownership proofs for them. Transport
// (gist APIs, HTTP) lives outside this module.
package identity

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrServiceParse   = errors.New("expected a service description of the form username@service")
	ErrUnknownService = errors.New("unknown service")
)

// Provider is a recognized identity-linking platform.
type Provider string

const ProviderGithub Provider = "github"

// Service is a claimed account on an external platform.
type Service struct {
	Username string
	Provider Provider
}

// ParseService parses the canonical "username@service" form. Both
// halves must be non-empty and exactly one '@' is allowed.
func ParseService(s string) (Service, error) {
	username, provider, ok := strings.Cut(s, "@")
	if !ok || username == "" || provider == "" {
		return Service{}, ErrServiceParse
	}
	if strings.Contains(provider, "@") {
		return Service{}, ErrServiceParse
	}
	switch Provider(provider) {
	case ProviderGithub:
		return Service{Username: username, Provider: ProviderGithub}, nil
	default:
		return Service{}, fmt.Errorf("%w %q", ErrUnknownService, provider)
	}
}

func (s Service) String() string {
	return s.Username + "@" + string(s.Provider)
}
