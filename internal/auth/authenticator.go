package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/triage-ai/realmgate/internal/swr"
)

// KeyAuthenticator verifies keys against a KeyStore and caches the
// principal by full key, so only the first request for a key pays for bcrypt.
type KeyAuthenticator struct {
	keys   KeyStore
	cache  *swr.Cache[*Principal]
	logger *zap.Logger
}

// NewKeyAuthenticator creates an authenticator. A zero ttl means 30s.
func NewKeyAuthenticator(keys KeyStore, ttl time.Duration, logger *zap.Logger) *KeyAuthenticator {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyAuthenticator{keys: keys, cache: swr.New[*Principal](ttl), logger: logger}
}

// Authenticate validates apiKey.
//
//  1. Format check (rgk_ prefix, minimum length).
//  2. Cache lookup: fresh hits return immediately; stale hits return the
//     cached principal and refresh in the background.
//  3. Miss: key store lookup plus bcrypt, then cache.
func (a *KeyAuthenticator) Authenticate(ctx context.Context, apiKey string) (*Principal, error) {
	if len(apiKey) < LookupPrefixLen || !strings.HasPrefix(apiKey, KeyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	if res := a.cache.Get(apiKey); res.Hit {
		if res.NeedsRefresh {
			go a.backgroundRefresh(apiKey)
		}
		return res.Value, nil
	}

	tok := a.cache.Begin()
	p, err := a.lookupAndVerify(ctx, apiKey)
	if err != nil {
		if errors.Is(err, ErrInvalidAPIKey) {
			return nil, ErrInvalidAPIKey
		}
		a.logger.Warn("auth key store unreachable", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}
	a.cache.Fill(apiKey, p, tok)
	return p, nil
}

// backgroundRefresh re-verifies a stale key. On failure the entry is
// dropped so the next request verifies synchronously.
func (a *KeyAuthenticator) backgroundRefresh(apiKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tok := a.cache.Begin()
	p, err := a.lookupAndVerify(ctx, apiKey)
	if err != nil {
		a.logger.Warn("background auth refresh failed", zap.Error(err))
		a.cache.Delete(apiKey)
		return
	}
	a.cache.Fill(apiKey, p, tok)
}

func (a *KeyAuthenticator) lookupAndVerify(ctx context.Context, apiKey string) (*Principal, error) {
	prefix := apiKey[:LookupPrefixLen]
	rec, err := a.keys.LookupByPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("lookupAndVerify: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.Hash), []byte(apiKey)); err != nil {
		return nil, ErrInvalidAPIKey
	}
	return &Principal{KeyID: prefix, Label: rec.Label}, nil
}
