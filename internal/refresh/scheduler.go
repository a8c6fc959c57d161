package refresh

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/Dicklesworthstone/claude_rotation_proxy/internal/pool"
)

// PersistFunc writes refreshed tokens back to the credentials document on
// disk. It runs after the pool has already accepted the new tokens, so a
// persistence failure leaves the pool serving from memory until the next
// successful write.
type PersistFunc func(name, accessToken, refreshToken string, expiresAt time.Time) error

// SchedulerConfig tunes the background refresh loop.
type SchedulerConfig struct {
	// CheckInterval is the sweep cadence. Defaults to one minute.
	CheckInterval time.Duration

	// Buffer is how long before expiry a token becomes refresh-eligible.
	// Defaults to ten minutes.
	Buffer time.Duration

	// MaxConcurrent caps simultaneous token endpoint calls. Defaults to 3.
	MaxConcurrent int

	Logger *slog.Logger
	Clock  clockwork.Clock
}

// Scheduler periodically refreshes tokens that are expiring or whose account
// sits in an auth error state. Sweeps also run on demand via Wake, which the
// pool triggers when a request hits an auth failure.
type Scheduler struct {
	pool    *pool.Pool
	client  *Client
	persist PersistFunc
	cfg     SchedulerConfig
	logger  *slog.Logger
	clock   clockwork.Clock

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wakeCh   chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler builds a scheduler. persist may be nil when refreshed tokens
// should live only in memory.
func NewScheduler(p *pool.Pool, client *Client, persist PersistFunc, cfg SchedulerConfig) *Scheduler {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Minute
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 10 * time.Minute
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		pool:    p,
		client:  client,
		persist: persist,
		cfg:     cfg,
		logger:  cfg.Logger,
		clock:   cfg.Clock,
		stopCh:  make(chan struct{}),
		wakeCh:  make(chan struct{}, 1),
	}
}

// Start launches the sweep loop. It returns an error if already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("refresh scheduler already running")
	}
	s.running = true
	s.wg.Add(1)
	go s.runLoop(ctx)
	return nil
}

// Stop halts the loop and waits for any in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Wake schedules an immediate sweep. Safe to call from any goroutine; wakes
// collapse when one is already pending.
func (s *Scheduler) Wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) runLoop(ctx context.Context) {
	defer s.wg.Done()

	// Catch tokens that expired while the process was down.
	s.RefreshNow(ctx)

	ticker := s.clock.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.Chan():
			s.RefreshNow(ctx)
		case <-s.wakeCh:
			s.RefreshNow(ctx)
		}
	}
}

// RefreshNow runs a single sweep synchronously: every eligible account gets
// one token endpoint call, at most MaxConcurrent in flight at a time.
func (s *Scheduler) RefreshNow(ctx context.Context) {
	candidates := s.pool.RefreshCandidates(s.cfg.Buffer)
	if len(candidates) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrent)
	for _, cand := range candidates {
		g.Go(func() error {
			s.refreshOne(ctx, cand)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) refreshOne(ctx context.Context, cand pool.RefreshCandidate) {
	usedToken, ok := s.pool.BeginRefresh(cand.Name)
	if !ok {
		return
	}

	token, err := s.client.Refresh(ctx, usedToken)
	if err != nil {
		var te *TokenError
		terminal := errors.As(err, &te) && te.Terminal()
		s.pool.FailRefresh(cand.Name, terminal, err.Error())
		s.logger.Warn("token refresh failed",
			"account", cand.Name,
			"terminal", terminal,
			"forced", cand.Force,
			"error", err)
		return
	}

	expiresAt := token.ExpiryFrom(s.clock.Now())
	switch s.pool.CompleteRefresh(cand.Name, usedToken, token.AccessToken, token.RefreshToken, expiresAt) {
	case pool.RefreshApplied:
		s.logger.Info("token refreshed",
			"account", cand.Name,
			"expires_at", expiresAt.UTC().Format(time.RFC3339),
			"rotated_refresh_token", token.RefreshToken != "")
		s.persistTokens(cand.Name, usedToken, token, expiresAt)
	case pool.RefreshStale:
		s.logger.Info("discarding stale refresh result", "account", cand.Name)
	case pool.RefreshGone:
		s.logger.Info("account removed during refresh", "account", cand.Name)
	}
}

// persistTokens mirrors what the pool just accepted. The endpoint may omit a
// rotated refresh token, in which case the one we spent is still current.
func (s *Scheduler) persistTokens(name, usedToken string, token *TokenResponse, expiresAt time.Time) {
	if s.persist == nil {
		return
	}
	refreshToken := token.RefreshToken
	if refreshToken == "" {
		refreshToken = usedToken
	}
	if err := s.persist(name, token.AccessToken, refreshToken, expiresAt); err != nil {
		s.logger.Warn("persisting refreshed tokens failed", "account", name, "error", err)
	}
}
