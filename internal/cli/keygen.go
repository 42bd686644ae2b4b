package cli

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"github.com/spf13/cobra"
	"github.com/triage-ai/realmgate/internal/auth"
)

var (
	keygenDSN   string
	keygenLabel string
)

func init() {
	rootCmd.AddCommand(keygenCmd, revokeKeyCmd)
	keygenCmd.Flags().StringVar(&keygenDSN, "dsn", "", "Postgres DSN; registers the key in realm_api_keys")
	keygenCmd.Flags().StringVar(&keygenLabel, "label", "", "Label stored with the key")
	revokeKeyCmd.Flags().StringVar(&keygenDSN, "dsn", "", "Postgres DSN holding realm_api_keys (required)")
	revokeKeyCmd.MarkFlagRequired("dsn") //nolint:errcheck
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an API key for realmgate-server",
	Long: "Generates an rgk_ API key. The key is printed once. Without --dsn the\n" +
		"prefix:hash entry for REALMGATE_API_KEY_HASHES is printed as well.",
	Args: cobra.NoArgs,
	RunE: runKeygen,
}

var revokeKeyCmd = &cobra.Command{
	Use:   "revoke-key <prefix>",
	Short: "Revoke an API key registered in Postgres",
	Args:  cobra.ExactArgs(1),
	RunE:  runRevokeKey,
}

func runKeygen(cmd *cobra.Command, args []string) error {
	key, hash, prefix, err := auth.GenerateAPIKey()
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()

	if keygenDSN == "" {
		fmt.Fprintf(w, "api key: %s\n", key)
		fmt.Fprintf(w, "REALMGATE_API_KEY_HASHES entry: %s:%s\n", prefix, hash)
		return nil
	}

	ctx := commandContext(cmd)
	keys, closeDB, err := openKeyStore(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	if err := keys.Insert(ctx, auth.KeyRecord{Prefix: prefix, Hash: hash, Label: keygenLabel}); err != nil {
		return err
	}
	fmt.Fprintf(w, "api key: %s\n", key)
	fmt.Fprintf(w, "registered with prefix %s\n", prefix)
	return nil
}

func runRevokeKey(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	keys, closeDB, err := openKeyStore(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	if err := keys.Revoke(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s\n", args[0])
	return nil
}

func openKeyStore(ctx context.Context) (*auth.SQLKeyStore, func(), error) {
	db, err := sql.Open("pgx", keygenDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	keys := auth.NewSQLKeyStore(db, true)
	if err := keys.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return keys, func() { _ = db.Close() }, nil
}
