// Package pool holds the in-memory account registry and its state machine.
//
// The pool is the only shared mutable structure in the proxy. One mutex
// guards the account set, per-account state, and the rotation cursor; it is
// held only for read-modify-write and never across network or disk I/O.
// Selection, outcome reports, reloads, refresh bookkeeping, and admin
// actions all go through here.
package pool

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Dicklesworthstone/claude_rotation_proxy/internal/accounts"
)

// State is the lifecycle state of one account.
type State int

const (
	StateAvailable State = iota
	StateRateLimited
	StateAuthError
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateAvailable:
		return "available"
	case StateRateLimited:
		return "rate_limited"
	case StateAuthError:
		return "auth_error"
	case StateDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// OutcomeKind classifies what the dispatcher observed upstream.
type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	OutcomeRateLimited
	OutcomeAuthError
	OutcomeTransient
)

// Outcome is a dispatch result reported back to the pool.
type Outcome struct {
	Kind OutcomeKind

	// RetryAfter is the upstream cooldown hint for OutcomeRateLimited.
	// Zero means no hint; the minimum cooldown applies either way.
	RetryAfter time.Duration

	// Detail describes an OutcomeAuthError for diagnostics. Callers must
	// redact tokens before reporting.
	Detail string
}

// Capacity is a passive snapshot of upstream rate-limit headers, recorded
// opportunistically from responses. It never influences selection.
type Capacity struct {
	RequestsLimit     int64
	RequestsRemaining int64
	TokensLimit       int64
	TokensRemaining   int64
	ResetsAt          time.Time
	CapturedAt        time.Time
}

// Lease is what Acquire hands to the dispatcher: just enough to stamp and
// send one upstream request.
type Lease struct {
	Name        string
	AccessToken string

	// State is the account state observed at acquire time. Automatic
	// selection only ever returns available accounts; the preferred-name
	// path can surface rate_limited or auth_error here for telemetry.
	State State
}

// NoAccountAvailableError means no account was selectable.
type NoAccountAvailableError struct {
	// RetryIn is the time until the soonest rate-limit cooldown expires,
	// or zero when no account is cooling down.
	RetryIn time.Duration
}

func (e *NoAccountAvailableError) Error() string {
	if e.RetryIn > 0 {
		return fmt.Sprintf("no account available (soonest cooldown ends in %s)", e.RetryIn.Round(time.Second))
	}
	return "no account available"
}

// NoSuchAccountError means a named account does not exist or is disabled.
type NoSuchAccountError struct {
	Name     string
	Disabled bool
}

func (e *NoSuchAccountError) Error() string {
	if e.Disabled {
		return fmt.Sprintf("account %q is disabled", e.Name)
	}
	return fmt.Sprintf("no such account %q", e.Name)
}

const (
	// DefaultMinimumCooldown applies when the upstream omits a retry hint
	// or hints at something shorter.
	DefaultMinimumCooldown = time.Minute

	refreshBackoffInitial = time.Second
	refreshBackoffMax     = 5 * time.Minute
)

// account is the full runtime record. Never escapes the pool; callers get
// copies via Lease and AccountStatus.
type account struct {
	name         string
	accessToken  string
	refreshToken string
	expiresAt    time.Time

	state            State
	rateLimitedUntil time.Time
	lastUsed         time.Time
	lastError        string

	inFlightRefresh bool
	// refreshDisabled marks a terminal refresh failure (invalid_grant).
	// Cleared by admin enable, a successful refresh, or a reload that
	// brings a different refresh token.
	refreshDisabled  bool
	refreshNotBefore time.Time
	refreshBackoff   time.Duration
	forceRefresh     bool

	capacity *Capacity
}

// Options configures a Pool.
type Options struct {
	// Clock is injectable for tests; nil means the real clock.
	Clock clockwork.Clock

	// MinimumCooldown floors every rate-limit cooldown. Zero means
	// DefaultMinimumCooldown.
	MinimumCooldown time.Duration

	// SingleAccountMode pins selection to the first account and turns
	// rotation off. Used when rotation_enabled is false.
	SingleAccountMode bool

	// OnAuthError is invoked (outside the pool mutex) when a report or a
	// terminal refresh failure moves an account to auth_error. Wired to
	// the refresh scheduler's wake.
	OnAuthError func(name string)

	// OnEvent receives state-change notifications (outside the mutex)
	// for the event journal.
	OnEvent func(event, account, detail string)
}

// Pool is the authoritative account registry.
type Pool struct {
	mu         sync.Mutex
	accounts   []*account
	byName     map[string]*account
	cursor     int
	generation uint64

	clock       clockwork.Clock
	minCooldown time.Duration
	single      bool
	onAuthError func(string)
	onEvent     func(string, string, string)
}

// New creates an empty pool. Accounts arrive via ApplyReload.
func New(opts Options) *Pool {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	minCooldown := opts.MinimumCooldown
	if minCooldown <= 0 {
		minCooldown = DefaultMinimumCooldown
	}
	return &Pool{
		byName:      make(map[string]*account),
		clock:       clock,
		minCooldown: minCooldown,
		single:      opts.SingleAccountMode,
		onAuthError: opts.OnAuthError,
		onEvent:     opts.OnEvent,
	}
}

func (p *Pool) emit(event, name, detail string) {
	if p.onEvent != nil {
		p.onEvent(event, name, detail)
	}
}

// Len returns the number of accounts.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.accounts)
}

// Generation returns the reload generation counter.
func (p *Pool) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.generation
}

// selectableLocked reports whether a can serve a request right now,
// promoting an elapsed cooldown as a side effect.
func (p *Pool) selectableLocked(a *account, promoted *[]string) bool {
	switch a.state {
	case StateAvailable:
		return true
	case StateRateLimited:
		if !a.rateLimitedUntil.After(p.clock.Now()) {
			a.state = StateAvailable
			a.rateLimitedUntil = time.Time{}
			*promoted = append(*promoted, a.name)
			return true
		}
	}
	return false
}

// Acquire selects the next available account round-robin and advances the
// cursor past it. It never blocks on a cooling-down account.
func (p *Pool) Acquire() (Lease, error) {
	return p.AcquireExcluding(nil)
}

// AcquireExcluding is Acquire with a set of names to skip; the dispatcher
// uses it so failover never retries an account within one dispatch.
func (p *Pool) AcquireExcluding(exclude map[string]bool) (Lease, error) {
	p.mu.Lock()
	var promoted []string
	lease, err := p.acquireLocked(exclude, &promoted)
	p.mu.Unlock()

	for _, name := range promoted {
		p.emit("cooldown_elapsed", name, "")
	}
	return lease, err
}

func (p *Pool) acquireLocked(exclude map[string]bool, promoted *[]string) (Lease, error) {
	n := len(p.accounts)
	if n == 0 {
		return Lease{}, &NoAccountAvailableError{}
	}
	if p.single {
		n = 1
	}

	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		a := p.accounts[idx]
		if !p.selectableLocked(a, promoted) {
			continue
		}
		if exclude[a.name] {
			continue
		}
		p.cursor = (idx + 1) % n
		return Lease{Name: a.name, AccessToken: a.accessToken, State: a.state}, nil
	}

	return Lease{}, &NoAccountAvailableError{RetryIn: p.soonestCooldownLocked()}
}

// soonestCooldownLocked returns the shortest remaining cooldown among
// rate-limited accounts, or zero.
func (p *Pool) soonestCooldownLocked() time.Duration {
	now := p.clock.Now()
	var soonest time.Duration
	for _, a := range p.accounts {
		if a.state != StateRateLimited {
			continue
		}
		d := a.rateLimitedUntil.Sub(now)
		if d <= 0 {
			continue
		}
		if soonest == 0 || d < soonest {
			soonest = d
		}
	}
	return soonest
}

// AcquirePreferred returns the named account regardless of rate-limit or
// auth-error state. Only disabled and unknown names fail. The cursor does
// not move; manual selection does not participate in rotation.
func (p *Pool) AcquirePreferred(name string) (Lease, error) {
	p.mu.Lock()
	var promoted []string
	a, ok := p.byName[name]
	if !ok {
		p.mu.Unlock()
		return Lease{}, &NoSuchAccountError{Name: name}
	}
	if a.state == StateDisabled {
		p.mu.Unlock()
		return Lease{}, &NoSuchAccountError{Name: name, Disabled: true}
	}
	p.selectableLocked(a, &promoted)
	lease := Lease{Name: a.name, AccessToken: a.accessToken, State: a.state}
	p.mu.Unlock()

	for _, n := range promoted {
		p.emit("cooldown_elapsed", n, "")
	}
	return lease, nil
}

// Report records a dispatch outcome for an account. Unknown names are
// ignored; the account may have been removed by a reload while the
// request was in flight.
func (p *Pool) Report(name string, o Outcome) {
	p.mu.Lock()
	a, ok := p.byName[name]
	if !ok {
		p.mu.Unlock()
		return
	}

	var event, detail string
	now := p.clock.Now()
	switch o.Kind {
	case OutcomeOK:
		a.lastUsed = now
	case OutcomeRateLimited:
		if a.state != StateDisabled {
			cooldown := o.RetryAfter
			if cooldown < p.minCooldown {
				cooldown = p.minCooldown
			}
			a.state = StateRateLimited
			a.rateLimitedUntil = now.Add(cooldown)
			event, detail = "rate_limited", fmt.Sprintf("cooldown %s", cooldown.Round(time.Second))
		}
	case OutcomeAuthError:
		if a.state != StateDisabled {
			a.state = StateAuthError
			a.lastError = o.Detail
			event, detail = "auth_error", o.Detail
		}
	case OutcomeTransient:
		event = "transient_error"
	}
	p.mu.Unlock()

	if event != "" {
		p.emit(event, name, detail)
	}
	if o.Kind == OutcomeAuthError && p.onAuthError != nil {
		p.onAuthError(name)
	}
}

// RecordCapacity stores upstream rate-limit header readings for the
// status surface.
func (p *Pool) RecordCapacity(name string, c Capacity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.byName[name]
	if !ok {
		return
	}
	c.CapturedAt = p.clock.Now()
	a.capacity = &c
}

// ReloadSummary describes what a reload changed.
type ReloadSummary struct {
	Generation uint64
	Added      []string
	Removed    []string
	Updated    []string
	Total      int
}

// ApplyReload diffs the pool against a freshly loaded document and swaps
// state atomically. Surviving accounts keep their runtime state and their
// relative order; token fields are overwritten when the document differs.
// New names append in document order. The cursor follows the account it
// pointed at, or resets to zero if that account is gone.
func (p *Pool) ApplyReload(doc *accounts.Document) ReloadSummary {
	p.mu.Lock()

	var cursorName string
	if len(p.accounts) > 0 {
		cursorName = p.accounts[p.cursor%len(p.accounts)].name
	}

	inDoc := make(map[string]accounts.Account, len(doc.Accounts))
	for _, da := range doc.Accounts {
		inDoc[da.Name] = da
	}

	var summary ReloadSummary
	var next []*account
	nextByName := make(map[string]*account, len(doc.Accounts))

	// Survivors first, in their existing order.
	for _, a := range p.accounts {
		da, ok := inDoc[a.name]
		if !ok {
			summary.Removed = append(summary.Removed, a.name)
			continue
		}
		if a.accessToken != da.AccessToken || a.refreshToken != da.RefreshToken || !a.expiresAt.Equal(da.ExpiresAt) {
			if a.refreshToken != da.RefreshToken {
				// A new refresh token supersedes a terminal refresh
				// failure recorded against the old one.
				a.refreshDisabled = false
				a.refreshNotBefore = time.Time{}
				a.refreshBackoff = 0
			}
			a.accessToken = da.AccessToken
			a.refreshToken = da.RefreshToken
			a.expiresAt = da.ExpiresAt
			summary.Updated = append(summary.Updated, a.name)
		}
		next = append(next, a)
		nextByName[a.name] = a
	}

	// Then additions, in document order.
	for _, da := range doc.Accounts {
		if _, ok := nextByName[da.Name]; ok {
			continue
		}
		a := &account{
			name:         da.Name,
			accessToken:  da.AccessToken,
			refreshToken: da.RefreshToken,
			expiresAt:    da.ExpiresAt,
			state:        StateAvailable,
		}
		next = append(next, a)
		nextByName[da.Name] = a
		summary.Added = append(summary.Added, da.Name)
	}

	p.accounts = next
	p.byName = nextByName

	p.cursor = 0
	if cursorName != "" {
		for i, a := range p.accounts {
			if a.name == cursorName {
				p.cursor = i
				break
			}
		}
	}
	if len(p.accounts) > 0 {
		p.cursor %= len(p.accounts)
	}

	p.generation++
	summary.Generation = p.generation
	summary.Total = len(p.accounts)
	p.mu.Unlock()

	p.emit("reload", "", fmt.Sprintf("generation %d: %d accounts (%d added, %d removed, %d updated)",
		summary.Generation, summary.Total, len(summary.Added), len(summary.Removed), len(summary.Updated)))
	return summary
}

// Enable moves an account to available from any state, clearing cooldown,
// last error, and any terminal refresh marker.
func (p *Pool) Enable(name string) error {
	p.mu.Lock()
	a, ok := p.byName[name]
	if !ok {
		p.mu.Unlock()
		return &NoSuchAccountError{Name: name}
	}
	a.state = StateAvailable
	a.rateLimitedUntil = time.Time{}
	a.lastError = ""
	a.refreshDisabled = false
	a.refreshNotBefore = time.Time{}
	a.refreshBackoff = 0
	p.mu.Unlock()

	p.emit("enabled", name, "")
	return nil
}

// Disable moves an account to disabled from any state. Disabled accounts
// are never selected and never refreshed.
func (p *Pool) Disable(name string) error {
	p.mu.Lock()
	a, ok := p.byName[name]
	if !ok {
		p.mu.Unlock()
		return &NoSuchAccountError{Name: name}
	}
	a.state = StateDisabled
	p.mu.Unlock()

	p.emit("disabled", name, "")
	return nil
}

// RequestRefresh flags an account for immediate refresh on the next
// scheduler pass, bypassing the expiry buffer, backoff, and any terminal
// marker. Still single-flight.
func (p *Pool) RequestRefresh(name string) error {
	p.mu.Lock()
	a, ok := p.byName[name]
	if !ok {
		p.mu.Unlock()
		return &NoSuchAccountError{Name: name}
	}
	if a.state == StateDisabled {
		p.mu.Unlock()
		return &NoSuchAccountError{Name: name, Disabled: true}
	}
	a.forceRefresh = true
	p.mu.Unlock()

	p.emit("refresh_requested", name, "")
	return nil
}

// RefreshCandidate names an account due for a refresh attempt.
type RefreshCandidate struct {
	Name  string
	Force bool
}

// RefreshCandidates returns the accounts a sweep should refresh: not
// disabled, not already refreshing, past their backoff gate, and either
// expiring within buffer, sitting in auth_error, or force-flagged.
// Terminal refresh failures are skipped unless forced.
func (p *Pool) RefreshCandidates(buffer time.Duration) []RefreshCandidate {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	var out []RefreshCandidate
	for _, a := range p.accounts {
		if a.state == StateDisabled || a.inFlightRefresh {
			continue
		}
		if a.forceRefresh {
			out = append(out, RefreshCandidate{Name: a.name, Force: true})
			continue
		}
		if a.refreshDisabled {
			continue
		}
		if a.refreshNotBefore.After(now) {
			continue
		}
		expiring := !a.expiresAt.After(now.Add(buffer))
		if expiring || a.state == StateAuthError {
			out = append(out, RefreshCandidate{Name: a.name})
		}
	}
	return out
}

// BeginRefresh marks an account in-flight and returns the refresh token
// to use. Reports false when the account is gone, disabled, or already
// refreshing; the caller must skip it.
func (p *Pool) BeginRefresh(name string) (refreshToken string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, exists := p.byName[name]
	if !exists || a.state == StateDisabled || a.inFlightRefresh {
		return "", false
	}
	a.inFlightRefresh = true
	return a.refreshToken, true
}

// RefreshResult says what CompleteRefresh did with a token response.
type RefreshResult int

const (
	// RefreshApplied means the new tokens were stored.
	RefreshApplied RefreshResult = iota
	// RefreshStale means a reload replaced the refresh token while the
	// request was in flight; the result was discarded.
	RefreshStale
	// RefreshGone means the account no longer exists.
	RefreshGone
)

// CompleteRefresh stores a successful refresh. usedRefreshToken is the
// token the request was made with; if a reload swapped it meanwhile the
// result is discarded and the next sweep retries.
func (p *Pool) CompleteRefresh(name, usedRefreshToken, newAccess, newRefresh string, expiresAt time.Time) RefreshResult {
	p.mu.Lock()
	a, ok := p.byName[name]
	if !ok {
		p.mu.Unlock()
		return RefreshGone
	}
	a.inFlightRefresh = false
	if a.refreshToken != usedRefreshToken {
		p.mu.Unlock()
		return RefreshStale
	}

	a.accessToken = newAccess
	if newRefresh != "" {
		a.refreshToken = newRefresh
	}
	a.expiresAt = expiresAt
	if a.state == StateAuthError {
		a.state = StateAvailable
	}
	a.lastError = ""
	a.refreshDisabled = false
	a.refreshNotBefore = time.Time{}
	a.refreshBackoff = 0
	a.forceRefresh = false
	p.mu.Unlock()

	p.emit("refresh_ok", name, "")
	return RefreshApplied
}

// FailRefresh records a failed refresh attempt. Terminal failures
// (invalid_grant) move the account to auth_error and stop automatic
// retries; others keep state and back off with jitter before the next
// attempt.
func (p *Pool) FailRefresh(name string, terminal bool, detail string) {
	p.mu.Lock()
	a, ok := p.byName[name]
	if !ok {
		p.mu.Unlock()
		return
	}
	a.inFlightRefresh = false
	a.forceRefresh = false
	a.lastError = detail

	if a.refreshBackoff <= 0 {
		a.refreshBackoff = refreshBackoffInitial
	} else {
		a.refreshBackoff *= 2
		if a.refreshBackoff > refreshBackoffMax {
			a.refreshBackoff = refreshBackoffMax
		}
	}
	a.refreshNotBefore = p.clock.Now().Add(jitter(a.refreshBackoff))

	if terminal {
		a.refreshDisabled = true
		if a.state != StateDisabled {
			a.state = StateAuthError
		}
	}
	p.mu.Unlock()

	if terminal {
		p.emit("refresh_terminal", name, detail)
	} else {
		p.emit("refresh_failed", name, detail)
	}
}

// jitter spreads a backoff delay over [d/2, d) so simultaneous failures
// do not retry in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(half)))
}

// AccountStatus is a read-only copy of one account's runtime state.
type AccountStatus struct {
	Name             string
	State            State
	TokenExpiresAt   time.Time
	RateLimitedUntil time.Time
	LastUsed         time.Time
	LastError        string
	InFlightRefresh  bool
	RefreshDisabled  bool
	Capacity         *Capacity
}

// Status is a point-in-time view of the whole pool.
type Status struct {
	GeneratedAt time.Time
	Generation  uint64
	Total       int
	Available   int
	RateLimited int
	AuthError   int
	Disabled    int

	// Next is the account Acquire would return, without advancing the
	// cursor. Empty when nothing is selectable.
	Next string

	Accounts []AccountStatus
}

// Snapshot returns the pool view for the status surface. Elapsed
// cooldowns are shown as available without mutating anything; the next
// Acquire performs the real promotion.
func (p *Pool) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	st := Status{GeneratedAt: now, Generation: p.generation, Total: len(p.accounts)}

	for _, a := range p.accounts {
		effective := a.state
		until := a.rateLimitedUntil
		if effective == StateRateLimited && !until.After(now) {
			effective = StateAvailable
			until = time.Time{}
		}
		switch effective {
		case StateAvailable:
			st.Available++
		case StateRateLimited:
			st.RateLimited++
		case StateAuthError:
			st.AuthError++
		case StateDisabled:
			st.Disabled++
		}

		var capCopy *Capacity
		if a.capacity != nil {
			c := *a.capacity
			capCopy = &c
		}
		st.Accounts = append(st.Accounts, AccountStatus{
			Name:             a.name,
			State:            effective,
			TokenExpiresAt:   a.expiresAt,
			RateLimitedUntil: until,
			LastUsed:         a.lastUsed,
			LastError:        a.lastError,
			InFlightRefresh:  a.inFlightRefresh,
			RefreshDisabled:  a.refreshDisabled,
			Capacity:         capCopy,
		})
	}

	st.Next = p.peekLocked(now)
	return st
}

// peekLocked simulates the next Acquire without side effects.
func (p *Pool) peekLocked(now time.Time) string {
	n := len(p.accounts)
	if n == 0 {
		return ""
	}
	if p.single {
		n = 1
	}
	for i := 0; i < n; i++ {
		a := p.accounts[(p.cursor+i)%n]
		if a.state == StateAvailable {
			return a.name
		}
		if a.state == StateRateLimited && !a.rateLimitedUntil.After(now) {
			return a.name
		}
	}
	return ""
}

// Account returns the status record for one account.
func (p *Pool) Account(name string) (AccountStatus, bool) {
	for _, a := range p.Snapshot().Accounts {
		if a.Name == name {
			return a, true
		}
	}
	return AccountStatus{}, false
}
