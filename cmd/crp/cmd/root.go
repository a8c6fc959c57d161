// Package cmd implements the CLI commands for crp (Claude rotation proxy).
//
// crp fronts the Anthropic chat-completion API with a pool of OAuth accounts:
// requests are forwarded with the next available account's bearer token, rate
// limits rotate to the next account, and refresh tokens keep credentials
// current in the background.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/Dicklesworthstone/claude_rotation_proxy/internal/config"
	"github.com/Dicklesworthstone/claude_rotation_proxy/internal/server"
	"github.com/Dicklesworthstone/claude_rotation_proxy/internal/tui"
	"github.com/Dicklesworthstone/claude_rotation_proxy/internal/version"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	cfg    *config.Config
	logger *slog.Logger

	// --server override for commands that talk to a running proxy.
	serverFlag string
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "crp",
	Short: "Claude rotation proxy - account rotation for the Anthropic API",
	Long: `crp is a reverse proxy for the Anthropic chat-completion API that spreads
traffic across a pool of OAuth accounts.

Each request is forwarded with the next available account's bearer token.
When an account hits its rate limit, crp parks it until the limit window
resets and fails the request over to the next account. Access tokens are
refreshed in the background before they expire, so the pool stays usable
without interactive logins.

Quick start:

  1. Add accounts:  crp accounts add work
  2. Start:         crp serve
  3. Point your client at http://127.0.0.1:8100 instead of the API
  4. Watch it:      crp status --watch   (or just 'crp' for the dashboard)

The pool lives in a single credentials document (~/.claude/accounts.json by
default). Edits to it are hot-reloaded; 'crp accounts push' copies it to a
remote proxy host over SSH.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// No subcommand: launch the dashboard on a terminal, print help
		// everywhere else.
		if !isTerminal() {
			return cmd.Help()
		}
		if err := pingProxy(cmd); err != nil {
			return err
		}
		return tui.Run(adminBase(), tui.DefaultPollInterval)
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logger = newLogger(cfg)
		slog.SetDefault(logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "",
		"base URL of a running proxy's admin API (default derived from listen_addr)")
	rootCmd.AddCommand(versionCmd)
}

// versionCmd prints version information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.Info())
	},
}

// isTerminal returns true if stdout is a terminal.
func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// newLogger builds the process logger from the config's level and format.
func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// adminBase returns the base URL of the admin API: the --server flag when
// given, otherwise an address derived from the configured listen_addr with
// wildcard hosts mapped to loopback.
func adminBase() string {
	if serverFlag != "" {
		return strings.TrimRight(serverFlag, "/")
	}
	return baseFromListenAddr(cfg.ListenAddr)
}

func baseFromListenAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://127.0.0.1:8100"
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// adminClient builds a client for the admin API of a running proxy.
func adminClient() *server.Client {
	return server.NewClient(adminBase())
}

// pingProxy fails fast when no proxy is listening, instead of opening a
// dashboard that can never load.
func pingProxy(cmd *cobra.Command) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
	defer cancel()
	if _, err := adminClient().Health(ctx); err != nil {
		return fmt.Errorf("no running proxy at %s (start one with 'crp serve'): %w", adminBase(), err)
	}
	return nil
}
