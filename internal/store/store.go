package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"unicode/utf8"
)

// FlagStore is a durable string map holding the gating latches, destinations,
// path tokens and the install identity. Values outlive the process.
type FlagStore interface {
	// Get returns the value for key. A missing key yields ("", false, nil).
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error

	// Delete removes the given keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error

	// DeletePrefix removes every key starting with prefix.
	// An empty prefix clears the store.
	DeletePrefix(ctx context.Context, prefix string) error
}

// Bool reads a boolean flag. Missing or unparsable values read as false.
func Bool(ctx context.Context, s FlagStore, key string) (bool, error) {
	v, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	b, _ := strconv.ParseBool(v)
	return b, nil
}

// SetBool writes a boolean flag.
func SetBool(ctx context.Context, s FlagStore, key string, v bool) error {
	return s.Set(ctx, key, strconv.FormatBool(v))
}

// Dialect selects placeholder syntax and DDL for a database/sql driver.
type Dialect string

const (
	DialectPostgres Dialect = "pgx"
	DialectSQLite   Dialect = "sqlite"
)

// SQLStore keeps flags in a single realm_flags table. It works on Postgres
// (pgx stdlib driver) for the server and on SQLite for a local install.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore creates a SQLStore backed by the given connection pool.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

const schema = `
CREATE TABLE IF NOT EXISTS realm_flags (
	flag_key    TEXT PRIMARY KEY,
	flag_value  TEXT NOT NULL,
	updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

// Migrate creates the realm_flags table if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("Migrate: %w", err)
	}
	return nil
}

// ph returns the n-th (1-based) bind placeholder for the dialect.
func (s *SQLStore) ph(n int) string {
	if s.dialect == DialectSQLite {
		return "?"
	}
	return "$" + strconv.Itoa(n)
}

func (s *SQLStore) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT flag_value FROM realm_flags WHERE flag_key = `+s.ph(1), key,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("Get: %w", err)
	}
	return v, true, nil
}

func (s *SQLStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO realm_flags (flag_key, flag_value)
		VALUES (`+s.ph(1)+`, `+s.ph(2)+`)
		ON CONFLICT (flag_key) DO UPDATE SET
			flag_value = excluded.flag_value,
			updated_at = CURRENT_TIMESTAMP`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("Set: %w", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM realm_flags WHERE flag_key = `+s.ph(1), key); err != nil {
			return fmt.Errorf("Delete: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) DeletePrefix(ctx context.Context, prefix string) error {
	var err error
	if prefix == "" {
		_, err = s.db.ExecContext(ctx, `DELETE FROM realm_flags`)
	} else {
		// substr avoids LIKE escaping; URLs routinely contain % and _.
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM realm_flags WHERE substr(flag_key, 1, `+s.ph(1)+`) = `+s.ph(2),
			utf8.RuneCountInString(prefix), prefix,
		)
	}
	if err != nil {
		return fmt.Errorf("DeletePrefix: %w", err)
	}
	return nil
}
