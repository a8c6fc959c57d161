package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/Dicklesworthstone/claude_rotation_proxy/internal/server"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pool status from a running proxy",
	Long: `Fetch the pool snapshot from a running proxy and print it.

Examples:
  crp status            # One table
  crp status --json     # The raw status document
  crp status --watch    # Refresh every 2 seconds until interrupted`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().Bool("json", false, "print the raw status document")
	statusCmd.Flags().BoolP("watch", "w", false, "refresh every 2 seconds until interrupted")
}

func runStatus(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	watchMode, _ := cmd.Flags().GetBool("watch")

	client := adminClient()
	if !watchMode {
		return printStatus(cmd, client, asJSON)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		if isTerminal() {
			fmt.Fprint(cmd.OutOrStdout(), "\033[H\033[2J")
		}
		if err := printStatus(cmd, client, asJSON); err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func printStatus(cmd *cobra.Command, client *server.Client, asJSON bool) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	st, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("fetch status: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	return renderStatus(cmd.OutOrStdout(), st)
}

func renderStatus(w io.Writer, st *server.StatusPayload) error {
	next := "none"
	if st.NextAccount != nil {
		next = *st.NextAccount
	}
	fmt.Fprintf(w, "%d accounts: %d available, %d rate limited, %d auth error, %d disabled\n",
		st.TotalAccounts, st.AvailableAccounts, st.RateLimitedAccounts,
		st.AuthErrorAccounts, st.DisabledAccounts)
	fmt.Fprintf(w, "next: %s  generation: %d\n\n", next, st.Generation)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tSTATE\tEXPIRES IN\tCOOLDOWN UNTIL\tLAST USED\tLAST ERROR")
	for _, a := range st.Accounts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			a.Name,
			a.State,
			expiresIn(a),
			orDash(a.RateLimitedUntil),
			orDash(a.LastUsed),
			clipError(a.LastError),
		)
	}
	return tw.Flush()
}

func expiresIn(a server.AccountPayload) string {
	if a.TokenExpiresIn <= 0 {
		return "expired"
	}
	return (time.Duration(a.TokenExpiresIn) * time.Second).String()
}

func orDash(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func clipError(s *string) string {
	if s == nil {
		return "-"
	}
	msg := *s
	if len(msg) > 48 {
		msg = msg[:45] + "..."
	}
	return msg
}
