package cmd

import (
	"fmt"

	"github.com/Dicklesworthstone/claude_rotation_proxy/internal/tui"
	"github.com/spf13/cobra"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Open the interactive dashboard",
	Long: `Open the terminal dashboard against a running proxy.

The dashboard polls the admin API, shows every account's state, and maps
the admin actions onto keys (r refresh, e enable, d disable).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !isTerminal() {
			return fmt.Errorf("the dashboard needs a terminal")
		}
		if err := pingProxy(cmd); err != nil {
			return err
		}
		return tui.Run(adminBase(), tui.DefaultPollInterval)
	},
}

func init() {
	rootCmd.AddCommand(tuiCmd)
}
