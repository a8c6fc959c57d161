package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Dicklesworthstone/claude_rotation_proxy/internal/accounts"
	"github.com/Dicklesworthstone/claude_rotation_proxy/internal/deploy"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage the credentials document",
	Long: `Inspect and edit the credentials document the proxy rotates over.

A running proxy hot-reloads the document after every edit, so changes made
here take effect without a restart.`,
}

var accountsLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List accounts in the credentials document",
	Args:    cobra.NoArgs,
	RunE:    runAccountsLs,
}

var accountsAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add or update an account",
	Long: `Add an account to the credentials document, or update it if the name
already exists.

Tokens come from flags, or from a no-echo prompt when run on a terminal.
Without --expires-in or --expires-at the access token is treated as already
expired, which makes the proxy refresh it on the first scheduler sweep.

Examples:
  crp accounts add work                          # prompts for both tokens
  crp accounts add work --expires-in 8h
  crp accounts add work --expires-at 2025-06-01T12:00:00Z`,
	Args: cobra.ExactArgs(1),
	RunE: runAccountsAdd,
}

var accountsRmCmd = &cobra.Command{
	Use:     "rm <name>",
	Aliases: []string{"remove"},
	Short:   "Remove an account from the credentials document",
	Args:    cobra.ExactArgs(1),
	RunE:    runAccountsRm,
}

var accountsPushCmd = &cobra.Command{
	Use:   "push <host>",
	Short: "Push the credentials document to a remote proxy host over SSH",
	Long: `Upload the local credentials document to a remote host running crp.

Authentication tries ssh-agent first, then --key, then the default keys
under ~/.ssh. The upload is atomic and the remote watcher reloads the pool
as soon as the file lands.

Examples:
  crp accounts push proxy.internal
  crp accounts push proxy.internal --user deploy --remote-path /etc/crp/accounts.json`,
	Args: cobra.ExactArgs(1),
	RunE: runAccountsPush,
}

func init() {
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(accountsLsCmd)
	accountsCmd.AddCommand(accountsAddCmd)
	accountsCmd.AddCommand(accountsRmCmd)
	accountsCmd.AddCommand(accountsPushCmd)

	accountsAddCmd.Flags().String("access-token", "", "OAuth access token")
	accountsAddCmd.Flags().String("refresh-token", "", "OAuth refresh token")
	accountsAddCmd.Flags().Duration("expires-in", 0, "access token lifetime from now")
	accountsAddCmd.Flags().String("expires-at", "", "access token expiry (RFC 3339)")

	accountsRmCmd.Flags().BoolP("force", "f", false, "remove without confirmation")

	accountsPushCmd.Flags().String("user", "", "SSH user (default $USER)")
	accountsPushCmd.Flags().Int("port", 22, "SSH port")
	accountsPushCmd.Flags().String("key", "", "SSH private key file")
	accountsPushCmd.Flags().String("remote-path", "", "destination path (default same as local accounts_path)")
	accountsPushCmd.Flags().Bool("insecure-skip-host-key", false, "skip host key verification")
}

func runAccountsLs(cmd *cobra.Command, args []string) error {
	doc, err := accounts.Load(cfg.AccountsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(cmd.OutOrStdout(), "No credentials document at %s.\n", cfg.AccountsPath)
			return nil
		}
		return err
	}

	if len(doc.Accounts) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No accounts configured.")
		return nil
	}

	now := time.Now()
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tTOKEN EXPIRES\tREFRESH TOKEN")
	for _, a := range doc.Accounts {
		expiry := a.ExpiresAt.Local().Format(time.RFC3339)
		if a.Expired(now) {
			expiry += " (expired)"
		}
		refresh := "present"
		if a.RefreshToken == "" {
			refresh = "missing"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", a.Name, expiry, refresh)
	}
	return tw.Flush()
}

func runAccountsAdd(cmd *cobra.Command, args []string) error {
	name := args[0]
	if !accounts.ValidName(name) {
		return fmt.Errorf("invalid account name %q: use 1-32 of a-z, 0-9, - or _", name)
	}

	accessToken, _ := cmd.Flags().GetString("access-token")
	refreshToken, _ := cmd.Flags().GetString("refresh-token")
	expiresIn, _ := cmd.Flags().GetDuration("expires-in")
	expiresAt, _ := cmd.Flags().GetString("expires-at")

	if expiresIn != 0 && expiresAt != "" {
		return fmt.Errorf("use either --expires-in or --expires-at, not both")
	}

	var err error
	if accessToken == "" {
		if accessToken, err = promptSecret(cmd, "Access token"); err != nil {
			return err
		}
	}
	if refreshToken == "" {
		if refreshToken, err = promptSecret(cmd, "Refresh token"); err != nil {
			return err
		}
	}

	expiry := time.Now()
	switch {
	case expiresIn != 0:
		expiry = expiry.Add(expiresIn)
	case expiresAt != "":
		expiry, err = time.Parse(time.RFC3339, expiresAt)
		if err != nil {
			return fmt.Errorf("parse --expires-at: %w", err)
		}
	}

	account := accounts.Account{
		Name:         name,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiry,
	}
	if err := account.Validate(); err != nil {
		return err
	}
	for _, warning := range account.Warnings() {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %s\n", warning)
	}

	doc, err := accounts.Load(cfg.AccountsPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		doc = accounts.NewDocument()
	}

	verb := "Added"
	if _, exists := doc.Get(name); exists {
		verb = "Updated"
	}
	doc.Set(account)

	if _, err := accounts.Save(cfg.AccountsPath, doc); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s account %s in %s.\n", verb, name, cfg.AccountsPath)
	return nil
}

func runAccountsRm(cmd *cobra.Command, args []string) error {
	name := args[0]
	force, _ := cmd.Flags().GetBool("force")

	doc, err := accounts.Load(cfg.AccountsPath)
	if err != nil {
		return err
	}
	if _, exists := doc.Get(name); !exists {
		return fmt.Errorf("no account named %q in %s", name, cfg.AccountsPath)
	}

	if !force {
		ok, err := confirm(cmd, fmt.Sprintf("Remove account %s? [y/N] ", name))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
			return nil
		}
	}

	doc.Remove(name)
	if _, err := accounts.Save(cfg.AccountsPath, doc); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Removed account %s.\n", name)
	return nil
}

func runAccountsPush(cmd *cobra.Command, args []string) error {
	host := args[0]

	// A document that does not load locally is not worth pushing.
	doc, err := accounts.Load(cfg.AccountsPath)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return fmt.Errorf("credentials document: %w", err)
	}

	opts := deploy.DefaultOptions()
	opts.User, _ = cmd.Flags().GetString("user")
	opts.Port, _ = cmd.Flags().GetInt("port")
	opts.KeyPath, _ = cmd.Flags().GetString("key")
	opts.SkipHostKeyCheck, _ = cmd.Flags().GetBool("insecure-skip-host-key")
	opts.RemotePath, _ = cmd.Flags().GetString("remote-path")
	if opts.RemotePath == "" {
		opts.RemotePath = cfg.AccountsPath
	}
	opts.Logger = logger

	if err := deploy.Push(host, cfg.AccountsPath, opts); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Pushed %d accounts to %s:%s.\n",
		len(doc.Accounts), host, opts.RemotePath)
	return nil
}

// promptSecret reads a token without echoing it. Refuses to prompt when
// stdin is not a terminal.
func promptSecret(cmd *cobra.Command, label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("%s required: pass the flag, stdin is not a terminal", strings.ToLower(label))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ", label)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.OutOrStdout())
	if err != nil {
		return "", err
	}
	value := strings.TrimSpace(string(raw))
	if value == "" {
		return "", fmt.Errorf("%s cannot be empty", strings.ToLower(label))
	}
	return value, nil
}

func confirm(cmd *cobra.Command, prompt string) (bool, error) {
	fmt.Fprint(cmd.OutOrStdout(), prompt)
	reader := bufio.NewReader(cmd.InOrStdin())
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}
