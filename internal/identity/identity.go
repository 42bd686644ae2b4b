// Package identity issues the per-install opaque token that is attached to
// outbound resolution requests as the push_id query parameter.
package identity

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"

	"github.com/triage-ai/realmgate/internal/store"
)

const (
	alphabet  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	minLength = 10
	maxLength = 20
)

// Provider lazily creates the install identity and keeps it in the flag
// store. The token is read back from the store on every call, so clearing
// the store externally yields a new token on the next call.
type Provider struct {
	store store.FlagStore
	mu    sync.Locker // serializes create-if-missing
}

// NewProvider creates a Provider backed by s.
func NewProvider(s store.FlagStore) *Provider {
	return &Provider{store: s, mu: &sync.Mutex{}}
}

// NewLockedProvider creates a Provider that serializes creation with mu.
// Providers for the same store must share mu.
func NewLockedProvider(s store.FlagStore, mu sync.Locker) *Provider {
	return &Provider{store: s, mu: mu}
}

// GetOrCreate returns the stored identity, generating and persisting one if
// none exists yet.
func (p *Provider) GetOrCreate(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v, ok, err := p.store.Get(ctx, store.IdentityKey); err != nil {
		return "", fmt.Errorf("GetOrCreate: %w", err)
	} else if ok && v != "" {
		return v, nil
	}

	token, err := Generate()
	if err != nil {
		return "", fmt.Errorf("GetOrCreate: %w", err)
	}
	if err := p.store.Set(ctx, store.IdentityKey, token); err != nil {
		return "", fmt.Errorf("GetOrCreate: %w", err)
	}
	return token, nil
}

// Generate returns a random alphanumeric token of 10 to 20 characters.
func Generate() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(maxLength-minLength+1))
	if err != nil {
		return "", fmt.Errorf("Generate: %w", err)
	}
	length := minLength + int(n.Int64())

	limit := big.NewInt(int64(len(alphabet)))
	out := make([]byte, length)
	for i := range out {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("Generate: %w", err)
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}
