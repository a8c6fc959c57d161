package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// Admin actions against a running proxy. Each is a thin wrapper over one
// /rotation endpoint.

var enableCmd = &cobra.Command{
	Use:   "enable <account>",
	Short: "Return a disabled account to rotation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := adminContext(cmd)
		defer cancel()
		if err := adminClient().EnableAccount(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Account %s enabled.\n", args[0])
		return nil
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable <account>",
	Short: "Take an account out of rotation",
	Long: `Take an account out of rotation without removing it from the credentials
document. In-flight requests finish; new requests go to other accounts.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := adminContext(cmd)
		defer cancel()
		if err := adminClient().DisableAccount(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Account %s disabled.\n", args[0])
		return nil
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh <account>",
	Short: "Request an immediate token refresh for an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := adminContext(cmd)
		defer cancel()
		if err := adminClient().RefreshAccount(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Refresh requested for %s.\n", args[0])
		return nil
	},
}

func adminContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 10*time.Second)
}

func init() {
	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(disableCmd)
	rootCmd.AddCommand(refreshCmd)
}
