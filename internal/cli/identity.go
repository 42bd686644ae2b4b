package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/triage-ai/realmgate/internal/identity"
)

func init() {
	rootCmd.AddCommand(identityCmd)
}

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Print this install's identity token",
	Long:  "Prints the identity appended to resolutions as push_id, creating it on first use.",
	Args:  cobra.NoArgs,
	RunE:  runIdentity,
}

func runIdentity(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	flags, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	id, err := identity.NewProvider(flags).GetOrCreate(ctx)
	if err != nil {
		return fmt.Errorf("failed to get identity: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}
