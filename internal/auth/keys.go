package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// KeyRecord is a stored API key.
type KeyRecord struct {
	Prefix string
	Hash   string
	Label  string
}

// KeyStore looks up a key by its clear-text prefix. A missing key returns
// ErrInvalidAPIKey.
type KeyStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*KeyRecord, error)
}

// StaticKeyStore serves keys configured at startup.
type StaticKeyStore struct {
	keys map[string]KeyRecord
}

// ParseKeyHashes parses "prefix:bcrypthash" entries separated by commas,
// the format of REALMGATE_API_KEY_HASHES.
func ParseKeyHashes(raw string) (*StaticKeyStore, error) {
	s := &StaticKeyStore{keys: map[string]KeyRecord{}}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		prefix, hash, ok := strings.Cut(entry, ":")
		if !ok || len(prefix) != LookupPrefixLen || !strings.HasPrefix(prefix, KeyPrefix) || hash == "" {
			return nil, fmt.Errorf("ParseKeyHashes: malformed entry %q", prefix)
		}
		s.keys[prefix] = KeyRecord{Prefix: prefix, Hash: hash, Label: "env"}
	}
	return s, nil
}

// Len returns the number of configured keys.
func (s *StaticKeyStore) Len() int { return len(s.keys) }

func (s *StaticKeyStore) LookupByPrefix(_ context.Context, prefix string) (*KeyRecord, error) {
	rec, ok := s.keys[prefix]
	if !ok {
		return nil, ErrInvalidAPIKey
	}
	return &rec, nil
}

// SQLKeyStore keeps keys in the realm_api_keys table (Postgres via pgx, or
// SQLite).
type SQLKeyStore struct {
	db          *sql.DB
	placeholder func(n int) string
}

// NewSQLKeyStore creates a store. dollar selects $N placeholders (Postgres)
// instead of ?.
func NewSQLKeyStore(db *sql.DB, dollar bool) *SQLKeyStore {
	ph := func(int) string { return "?" }
	if dollar {
		ph = func(n int) string { return fmt.Sprintf("$%d", n) }
	}
	return &SQLKeyStore{db: db, placeholder: ph}
}

// Migrate creates the realm_api_keys table if needed.
func (s *SQLKeyStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS realm_api_keys (
			key_prefix TEXT PRIMARY KEY,
			key_hash   TEXT NOT NULL,
			label      TEXT NOT NULL DEFAULT '',
			revoked    BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`)
	if err != nil {
		return fmt.Errorf("SQLKeyStore.Migrate: %w", err)
	}
	return nil
}

// Insert registers a key.
func (s *SQLKeyStore) Insert(ctx context.Context, rec KeyRecord) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO realm_api_keys (key_prefix, key_hash, label) VALUES (%s, %s, %s)`,
			s.placeholder(1), s.placeholder(2), s.placeholder(3)),
		rec.Prefix, rec.Hash, rec.Label,
	)
	if err != nil {
		return fmt.Errorf("SQLKeyStore.Insert: %w", err)
	}
	return nil
}

// Revoke disables a key by prefix.
func (s *SQLKeyStore) Revoke(ctx context.Context, prefix string) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE realm_api_keys SET revoked = TRUE WHERE key_prefix = %s`, s.placeholder(1)),
		prefix,
	)
	if err != nil {
		return fmt.Errorf("SQLKeyStore.Revoke: %w", err)
	}
	return nil
}

func (s *SQLKeyStore) LookupByPrefix(ctx context.Context, prefix string) (*KeyRecord, error) {
	rec := &KeyRecord{}
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT key_prefix, key_hash, label FROM realm_api_keys WHERE key_prefix = %s AND NOT revoked`,
			s.placeholder(1)),
		prefix,
	).Scan(&rec.Prefix, &rec.Hash, &rec.Label)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidAPIKey
		}
		return nil, fmt.Errorf("SQLKeyStore.LookupByPrefix: %w", err)
	}
	return rec, nil
}
