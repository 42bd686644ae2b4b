// Package cli implements the realmgate command line.
package cli

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/triage-ai/realmgate/internal/logging"
	"github.com/triage-ai/realmgate/internal/store"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // Register the pure-Go sqlite driver
)

// dbFile is the on-device flag database inside --data-dir.
const dbFile = "realmgate.db"

var (
	dataDir  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "realmgate",
	Short: "Gate an install between its distant realm and local content",
	Long: "Runs the realm examination for this device: reachability, activation\n" +
		"date, device form factor and remote resolution. Decisions are latched\n" +
		"in a local SQLite store until forgotten.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDataDir(), "Directory holding "+dbFile)
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug|info|warn|error)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".realmgate"
	}
	return filepath.Join(home, ".realmgate")
}

func newLogger() (*zap.Logger, error) {
	return logging.New(logLevel, "console")
}

// openStore opens the on-device flag store, creating it if needed. The
// returned func closes the database.
func openStore(ctx context.Context) (*store.SQLStore, func(), error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dataDir, dbFile))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open flag store: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := store.NewSQLStore(db, store.DialectSQLite)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to migrate flag store: %w", err)
	}
	return s, func() { _ = db.Close() }, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
