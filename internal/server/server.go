// Package server assembles the proxy's HTTP surface: the rotation admin API
// under /rotation and the dispatch catch-all that forwards everything else
// upstream.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Dicklesworthstone/claude_rotation_proxy/internal/journal"
	"github.com/Dicklesworthstone/claude_rotation_proxy/internal/pool"
)

// Waker nudges the refresh scheduler after a forced refresh request.
type Waker interface {
	Wake()
}

// Options configures the router.
type Options struct {
	Pool       *pool.Pool
	Dispatcher http.Handler

	// Journal feeds the events endpoint. Nil serves empty histories.
	Journal *journal.Journal

	// Waker is poked when an admin requests an immediate refresh. Nil means
	// the request waits for the next scheduled sweep.
	Waker Waker

	Logger  *slog.Logger
	Version string
}

type handlers struct {
	pool    *pool.Pool
	journal *journal.Journal
	waker   Waker
	logger  *slog.Logger
	version string
}

// NewRouter builds the HTTP handler tree.
func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{
		pool:    opts.Pool,
		journal: opts.Journal,
		waker:   opts.Waker,
		logger:  logger,
		version: opts.Version,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/rotation", func(r chi.Router) {
		r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
			writeAdminError(w, http.StatusNotFound, "not found")
		})
		r.Get("/health", h.health)
		r.Get("/status", h.status)
		r.Get("/events", h.events)
		r.Post("/accounts/{name}/refresh", h.refreshAccount)
		r.Post("/accounts/{name}/enable", h.enableAccount)
		r.Post("/accounts/{name}/disable", h.disableAccount)
		r.Get("/accounts/{name}/stats", h.accountStats)
	})

	r.Handle("/*", opts.Dispatcher)
	return r
}

// HealthPayload is the health endpoint response.
type HealthPayload struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Generation uint64 `json:"generation"`
}

// StatusPayload mirrors the pool snapshot for API consumers.
type StatusPayload struct {
	TotalAccounts       int              `json:"totalAccounts"`
	AvailableAccounts   int              `json:"availableAccounts"`
	RateLimitedAccounts int              `json:"rateLimitedAccounts"`
	AuthErrorAccounts   int              `json:"authErrorAccounts"`
	DisabledAccounts    int              `json:"disabledAccounts"`
	Generation          uint64           `json:"generation"`
	NextAccount         *string          `json:"nextAccount"`
	Accounts            []AccountPayload `json:"accounts"`
}

// AccountPayload is one account's row in the status document. Timestamps are
// RFC 3339 or null.
type AccountPayload struct {
	Name             string  `json:"name"`
	State            string  `json:"state"`
	TokenExpiresAt   string  `json:"tokenExpiresAt"`
	TokenExpiresIn   int64   `json:"tokenExpiresIn"`
	RateLimitedUntil *string `json:"rateLimitedUntil"`
	LastUsed         *string `json:"lastUsed"`
	LastError        *string `json:"lastError"`
	RefreshInFlight  bool    `json:"refreshInFlight"`
	RefreshDisabled  bool    `json:"refreshDisabled"`

	TokensLimit              *int64   `json:"tokensLimit"`
	TokensRemaining          *int64   `json:"tokensRemaining"`
	TokensRemainingPercent   *float64 `json:"tokensRemainingPercent"`
	RequestsLimit            *int64   `json:"requestsLimit"`
	RequestsRemaining        *int64   `json:"requestsRemaining"`
	RequestsRemainingPercent *float64 `json:"requestsRemainingPercent"`
	CapacityCheckedAt        *string  `json:"capacityCheckedAt"`
}

// EventPayload is one journal row on the events endpoint.
type EventPayload struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Account   string `json:"account,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// EventsPayload wraps the events list.
type EventsPayload struct {
	Events []EventPayload `json:"events"`
}

// StatsPayload is the per-account journal rollup.
type StatsPayload struct {
	Account         string  `json:"account"`
	RateLimits      int     `json:"rateLimits"`
	AuthErrors      int     `json:"authErrors"`
	Transients      int     `json:"transients"`
	RefreshesOK     int     `json:"refreshesOk"`
	RefreshesFailed int     `json:"refreshesFailed"`
	LastEventAt     *string `json:"lastEventAt"`
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthPayload{
		Status:     "ok",
		Version:    h.version,
		Generation: h.pool.Generation(),
	})
}

func (h *handlers) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, BuildStatus(h.pool.Snapshot()))
}

// BuildStatus converts a pool snapshot to the wire shape. Exported for the
// TUI, which renders the same document.
func BuildStatus(snap pool.Status) StatusPayload {
	out := StatusPayload{
		TotalAccounts:       snap.Total,
		AvailableAccounts:   snap.Available,
		RateLimitedAccounts: snap.RateLimited,
		AuthErrorAccounts:   snap.AuthError,
		DisabledAccounts:    snap.Disabled,
		Generation:          snap.Generation,
		Accounts:            make([]AccountPayload, 0, len(snap.Accounts)),
	}
	if snap.Next != "" {
		out.NextAccount = &snap.Next
	}

	for _, a := range snap.Accounts {
		row := AccountPayload{
			Name:             a.Name,
			State:            a.State.String(),
			TokenExpiresAt:   a.TokenExpiresAt.UTC().Format(time.RFC3339),
			TokenExpiresIn:   int64(a.TokenExpiresAt.Sub(snap.GeneratedAt).Seconds()),
			RateLimitedUntil: isoOrNil(a.RateLimitedUntil),
			LastUsed:         isoOrNil(a.LastUsed),
			RefreshInFlight:  a.InFlightRefresh,
			RefreshDisabled:  a.RefreshDisabled,
		}
		if a.LastError != "" {
			msg := a.LastError
			row.LastError = &msg
		}
		if c := a.Capacity; c != nil {
			row.TokensLimit = &c.TokensLimit
			row.TokensRemaining = &c.TokensRemaining
			row.TokensRemainingPercent = percent(c.TokensRemaining, c.TokensLimit)
			row.RequestsLimit = &c.RequestsLimit
			row.RequestsRemaining = &c.RequestsRemaining
			row.RequestsRemainingPercent = percent(c.RequestsRemaining, c.RequestsLimit)
			row.CapacityCheckedAt = isoOrNil(c.CapturedAt)
		}
		out.Accounts = append(out.Accounts, row)
	}
	return out
}

func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeAdminError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	var (
		events []journal.Event
		err    error
	)
	if h.journal != nil {
		if name := r.URL.Query().Get("account"); name != "" {
			events, err = h.journal.RecentForAccount(name, time.Time{}, limit)
		} else {
			events, err = h.journal.Recent(limit)
		}
		if err != nil {
			h.logger.Error("journal query failed", "error", err)
			writeAdminError(w, http.StatusInternalServerError, "journal query failed")
			return
		}
	}

	out := EventsPayload{Events: make([]EventPayload, 0, len(events))}
	for _, e := range events {
		out.Events = append(out.Events, EventPayload{
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
			Type:      e.Type,
			Account:   e.Account,
			Detail:    e.Detail,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) refreshAccount(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.pool.RequestRefresh(name); err != nil {
		writePoolError(w, err)
		return
	}
	if h.waker != nil {
		h.waker.Wake()
	}
	h.logger.Info("refresh requested", "account", name)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh requested", "account": name})
}

func (h *handlers) enableAccount(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.pool.Enable(name); err != nil {
		writePoolError(w, err)
		return
	}
	h.logger.Info("account enabled", "account", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "enabled", "account": name})
}

func (h *handlers) disableAccount(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.pool.Disable(name); err != nil {
		writePoolError(w, err)
		return
	}
	h.logger.Info("account disabled", "account", name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "disabled", "account": name})
}

func (h *handlers) accountStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := h.pool.Account(name); !ok {
		writeAdminError(w, http.StatusNotFound, "unknown account")
		return
	}
	var stats *journal.AccountStats
	if h.journal != nil {
		var err error
		stats, err = h.journal.Stats(name)
		if err != nil {
			h.logger.Error("journal stats failed", "account", name, "error", err)
			writeAdminError(w, http.StatusInternalServerError, "journal query failed")
			return
		}
	}
	out := StatsPayload{Account: name}
	if stats != nil {
		out.RateLimits = stats.RateLimits
		out.AuthErrors = stats.AuthErrors
		out.Transients = stats.Transients
		out.RefreshesOK = stats.RefreshesOK
		out.RefreshesFailed = stats.RefreshesFailed
		if !stats.LastEventAt.IsZero() {
			out.LastEventAt = isoOrNil(stats.LastEventAt)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func writePoolError(w http.ResponseWriter, err error) {
	var missing *pool.NoSuchAccountError
	if errors.As(err, &missing) {
		if missing.Disabled {
			writeAdminError(w, http.StatusConflict, "account is disabled")
			return
		}
		writeAdminError(w, http.StatusNotFound, "unknown account")
		return
	}
	writeAdminError(w, http.StatusInternalServerError, err.Error())
}

func isoOrNil(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func percent(remaining, limit int64) *float64 {
	if limit <= 0 {
		return nil
	}
	p := float64(remaining) / float64(limit) * 100
	return &p
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("encode response failed", "error", err)
	}
}

func writeAdminError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
