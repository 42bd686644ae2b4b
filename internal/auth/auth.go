// Package auth authenticates API callers with bearer keys whose bcrypt
// hashes are held in a KeyStore.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingAPIKey   = errors.New("missing authorization header")
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrAuthUnavailable = errors.New("auth backend unavailable")
)

const (
	// KeyPrefix marks realmgate API keys.
	KeyPrefix = "rgk_"
	// LookupPrefixLen is how much of a key is stored in clear for lookup.
	LookupPrefixLen = len(KeyPrefix) + 8
)

// Principal is the authenticated caller.
type Principal struct {
	KeyID string // lookup prefix of the key
	Label string
}

// Authenticator validates a raw API key.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*Principal, error)
}

// ExtractBearer pulls the token out of an Authorization header value.
// The "Bearer" scheme is case-insensitive (RFC 6750).
func ExtractBearer(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingAPIKey
	}
	if len(header) <= 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", ErrMissingAPIKey
	}
	token := strings.TrimSpace(header[7:])
	if token == "" {
		return "", ErrMissingAPIKey
	}
	return token, nil
}

// GenerateAPIKey creates a new rgk_ key with its bcrypt hash and lookup
// prefix. Returns (fullKey, hash, prefix, error); the full key is shown once.
func GenerateAPIKey() (string, string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}
	fullKey := KeyPrefix + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(fullKey), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}
	return fullKey, string(hash), fullKey[:LookupPrefixLen], nil
}
