package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/triage-ai/realmgate/internal/store"
)

var forgetCacheKey string

func init() {
	rootCmd.AddCommand(forgetCmd)
	forgetCmd.Flags().StringVar(&forgetCacheKey, "cache-key", "", "Forget only this cache key's latches and destination")
}

var forgetCmd = &cobra.Command{
	Use:   "forget",
	Short: "Clear latched decisions",
	Long: "Without --cache-key, clears every latch, destination, path token and\n" +
		"the identity. With --cache-key, clears only that key's latches and\n" +
		"destination so the next examination starts fresh.",
	Args: cobra.NoArgs,
	RunE: runForget,
}

func runForget(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	flags, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if forgetCacheKey != "" {
		if err := flags.Delete(ctx, store.CacheKeys(forgetCacheKey)...); err != nil {
			return fmt.Errorf("failed to forget %q: %w", forgetCacheKey, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Forgot %q\n", forgetCacheKey)
		return nil
	}

	if err := flags.DeletePrefix(ctx, ""); err != nil {
		return fmt.Errorf("failed to clear store: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Cleared all realm state")
	return nil
}
