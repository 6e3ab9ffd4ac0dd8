package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrProofNotFound  = errors.New("no ownership proof found")
	ErrProofSignature = errors.New("ownership proof signature is invalid")
)

// Prover is the capability the custody core consumes from the
// identity-linking collaborator. Implementations own fetching and
// publishing; the core only cares about these three operations.
type Prover interface {
	// Verify checks a published ownership proof for the service and
	// returns the account id it binds to.
	Verify(ctx context.Context, service Service, signature string) (string, error)
	// Resolve lists account ids currently claimed by the service.
	Resolve(ctx context.Context, service Service) ([]string, error)
	// Proof renders the public proof text a user posts on the platform.
	Proof(service Service, accountID, object, signature string) string
}

// ProofBody is the canonical proof text shared by all provers.
func ProofBody(service Service, accountID, object, signature string) string {
	return fmt.Sprintf(
		"### helmkey identity proof\n\n"+
			"I hereby claim:\n\n"+
			"  * I am %s on %s.\n"+
			"  * I control the on-chain account %s.\n\n"+
			"Object: %s\n"+
			"Signature: %s\n",
		service.Username, service.Provider, accountID, object, signature,
	)
}

// StaticProver is an in-memory Prover used for wiring and tests. It
// treats a registered (service, signature) pair as a valid proof.
type StaticProver struct {
	mu     sync.RWMutex
	claims map[string]map[string]string // service -> signature -> account id
}

func NewStaticProver() *StaticProver {
	return &StaticProver{claims: make(map[string]map[string]string)}
}

// Register records a proof so Verify and Resolve can find it.
func (p *StaticProver) Register(service Service, signature, accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := service.String()
	if p.claims[key] == nil {
		p.claims[key] = make(map[string]string)
	}
	p.claims[key][signature] = accountID
}

func (p *StaticProver) Verify(_ context.Context, service Service, signature string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sigs, ok := p.claims[service.String()]
	if !ok {
		return "", fmt.Errorf("%w for %s", ErrProofNotFound, service)
	}
	accountID, ok := sigs[signature]
	if !ok {
		return "", fmt.Errorf("%w for %s", ErrProofSignature, service)
	}
	return accountID, nil
}

func (p *StaticProver) Resolve(_ context.Context, service Service) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sigs, ok := p.claims[service.String()]
	if !ok {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(sigs))
	out := make([]string, 0, len(sigs))
	for _, accountID := range sigs {
		if _, dup := seen[accountID]; dup {
			continue
		}
		seen[accountID] = struct{}{}
		out = append(out, accountID)
	}
	sort.Strings(out)
	return out, nil
}

func (p *StaticProver) Proof(service Service, accountID, object, signature string) string {
	return ProofBody(service, accountID, object, signature)
}
