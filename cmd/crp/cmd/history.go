package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/Dicklesworthstone/claude_rotation_proxy/internal/journal"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent pool events",
	Long: `Show recent account events from the local journal.

Examples:
  crp history                # Show last 20 events
  crp history --limit 50     # Show last 50 events
  crp history --account work # Only events for one account`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 20, "maximum number of events to show")
	historyCmd.Flags().String("account", "", "only events for this account")
}

func runHistory(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	account, _ := cmd.Flags().GetString("account")

	if cfg.JournalPath == "" {
		return fmt.Errorf("event journal is disabled (journal_path is empty)")
	}

	jr, err := journal.Open(cfg.JournalPath)
	if err != nil {
		return err
	}
	defer jr.Close()

	var events []journal.Event
	if account != "" {
		events, err = jr.RecentForAccount(account, time.Time{}, limit)
	} else {
		events, err = jr.Recent(limit)
	}
	if err != nil {
		return fmt.Errorf("get events: %w", err)
	}

	if len(events) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No events recorded.")
		return nil
	}
	return renderEventList(cmd.OutOrStdout(), events)
}

func renderEventList(w io.Writer, events []journal.Event) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIMESTAMP\tTYPE\tACCOUNT\tDETAIL")
	for _, ev := range events {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			ev.Timestamp.Local().Format("2006-01-02 15:04:05"),
			ev.Type,
			ev.Account,
			ev.Detail,
		)
	}
	return tw.Flush()
}
