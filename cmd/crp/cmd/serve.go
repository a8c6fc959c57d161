package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/claude_rotation_proxy/internal/accounts"
	"github.com/Dicklesworthstone/claude_rotation_proxy/internal/dispatch"
	"github.com/Dicklesworthstone/claude_rotation_proxy/internal/journal"
	"github.com/Dicklesworthstone/claude_rotation_proxy/internal/pool"
	"github.com/Dicklesworthstone/claude_rotation_proxy/internal/refresh"
	"github.com/Dicklesworthstone/claude_rotation_proxy/internal/server"
	"github.com/Dicklesworthstone/claude_rotation_proxy/internal/version"
	"github.com/Dicklesworthstone/claude_rotation_proxy/internal/watch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rotation proxy",
	Long: `Start the proxy: load the credentials document, bring up the account pool,
the token refresh scheduler and the file watcher, and serve until interrupted.

Clients talk to the listen address as if it were the upstream API; the
/rotation/* prefix carries the admin endpoints (status, events, per-account
enable/disable/refresh).`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen", "", "listen address (overrides listen_addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.ListenAddr = listen
	}

	// The credentials document may not exist yet on a host that is fed by
	// 'accounts push'; start empty and let the watcher pick it up.
	doc, err := accounts.Load(cfg.AccountsPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load credentials: %w", err)
		}
		logger.Warn("credentials document missing, starting with an empty pool",
			"path", cfg.AccountsPath)
		doc = accounts.NewDocument()
	}

	var jr *journal.Journal
	if cfg.JournalPath != "" {
		jr, err = journal.Open(cfg.JournalPath)
		if err != nil {
			logger.Warn("event journal unavailable", "path", cfg.JournalPath, "error", err)
		} else {
			defer jr.Close()
		}
	}

	// Declared ahead of the pool so its hooks can reach them; both are set
	// before any request or sweep runs.
	var sched *refresh.Scheduler
	var watcher *watch.Watcher

	p := pool.New(pool.Options{
		MinimumCooldown:   cfg.MinimumCooldown.Duration(),
		SingleAccountMode: !cfg.RotationEnabled,
		OnAuthError: func(name string) {
			if sched != nil {
				sched.Wake()
			}
		},
		OnEvent: func(event, account, detail string) {
			if jr == nil {
				return
			}
			if err := jr.Record(event, account, detail); err != nil {
				logger.Warn("journal write failed", "event", event, "error", err)
			}
		},
	})

	summary := p.ApplyReload(doc)
	logger.Info("credentials loaded",
		"path", cfg.AccountsPath,
		"accounts", p.Len(),
		"added", len(summary.Added))

	refreshClient := refresh.NewClient(cfg.TokenEndpointURL, cfg.OAuthClientID, cfg.RefreshTimeout.Duration())

	persist := func(name, accessToken, refreshToken string, expiresAt time.Time) error {
		current, err := accounts.Load(cfg.AccountsPath)
		if err != nil {
			return fmt.Errorf("load credentials: %w", err)
		}
		if !current.UpdateTokens(name, accessToken, refreshToken, expiresAt) {
			return fmt.Errorf("account %q not in credentials document", name)
		}
		hash, err := accounts.Save(cfg.AccountsPath, current)
		if err != nil {
			return fmt.Errorf("save credentials: %w", err)
		}
		if watcher != nil {
			watcher.MarkSelfWrite(hash)
		}
		return nil
	}

	sched = refresh.NewScheduler(p, refreshClient, persist, refresh.SchedulerConfig{
		CheckInterval: cfg.RefreshCheckInterval.Duration(),
		Buffer:        cfg.RefreshBuffer.Duration(),
		Logger:        logger,
	})

	if cfg.HotReload {
		watcher, err = watch.New(watch.Config{
			Path:     cfg.AccountsPath,
			Debounce: cfg.ReloadDebounce.Duration(),
			Logger:   logger,
			OnReload: func(doc *accounts.Document, hash string) {
				summary := p.ApplyReload(doc)
				logger.Info("credentials reloaded",
					"added", len(summary.Added),
					"removed", len(summary.Removed),
					"updated", len(summary.Updated),
					"generation", p.Generation())
				sched.Wake()
			},
			OnError: func(err error) {
				logger.Warn("credentials reload failed, keeping current pool", "error", err)
			},
		})
		if err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
		defer watcher.Stop()
	}

	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return fmt.Errorf("upstream URL: %w", err)
	}

	maxAttempts := cfg.MaxAttempts
	if !cfg.RotationEnabled {
		maxAttempts = 1
	}

	dispatcher := dispatch.New(p, dispatch.Options{
		Upstream:          upstream,
		Logger:            logger,
		MaxAttempts:       maxAttempts,
		UpstreamTimeout:   cfg.UpstreamTotalTimeout.Duration(),
		StreamIdleTimeout: cfg.UpstreamIdleTimeout.Duration(),
		OAuthBeta:         cfg.OAuthBetaHeader,
	})

	router := server.NewRouter(server.Options{
		Pool:       p,
		Dispatcher: dispatcher,
		Journal:    jr,
		Waker:      sched,
		Logger:     logger,
		Version:    version.Version,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start refresh scheduler: %w", err)
	}
	defer sched.Stop()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("proxy listening",
			"addr", cfg.ListenAddr,
			"upstream", cfg.UpstreamURL,
			"accounts", p.Len(),
			"rotation", cfg.RotationEnabled,
			"version", version.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	return nil
}
