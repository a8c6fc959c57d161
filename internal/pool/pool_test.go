package pool

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Dicklesworthstone/claude_rotation_proxy/internal/accounts"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func testDoc(names ...string) *accounts.Document {
	doc := accounts.NewDocument()
	for _, n := range names {
		doc.Set(accounts.Account{
			Name:         n,
			AccessToken:  "sk-ant-oat01-access-" + n,
			RefreshToken: "sk-ant-ort01-refresh-" + n,
			ExpiresAt:    testBase.Add(8 * time.Hour),
		})
	}
	return doc
}

func newTestPool(t *testing.T, names ...string) (*Pool, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(testBase)
	p := New(Options{Clock: clock})
	p.ApplyReload(testDoc(names...))
	return p, clock
}

func mustAcquire(t *testing.T, p *Pool) Lease {
	t.Helper()
	lease, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	return lease
}

func TestAcquireRoundRobin(t *testing.T) {
	p, _ := newTestPool(t, "a", "b", "c")

	var got []string
	for i := 0; i < 6; i++ {
		got = append(got, mustAcquire(t, p).Name)
	}

	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation order mismatch: got %v, want %v", got, want)
		}
	}
}

func TestAcquireSkipsRateLimited(t *testing.T) {
	p, _ := newTestPool(t, "a", "b", "c")

	p.Report("b", Outcome{Kind: OutcomeRateLimited, RetryAfter: 5 * time.Minute})

	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, mustAcquire(t, p).Name)
	}
	for _, name := range got {
		if name == "b" {
			t.Fatalf("rate-limited account was selected: %v", got)
		}
	}
}

func TestCooldownPromotionAtBoundary(t *testing.T) {
	p, clock := newTestPool(t, "a")

	p.Report("a", Outcome{Kind: OutcomeRateLimited, RetryAfter: 2 * time.Minute})

	if _, err := p.Acquire(); err == nil {
		t.Fatal("expected no account during cooldown")
	}

	// One nanosecond early: still cooling down.
	clock.Advance(2*time.Minute - time.Nanosecond)
	if _, err := p.Acquire(); err == nil {
		t.Fatal("expected cooldown to still hold")
	}

	// At the boundary the account must be observed available.
	clock.Advance(time.Nanosecond)
	lease := mustAcquire(t, p)
	if lease.Name != "a" || lease.State != StateAvailable {
		t.Fatalf("expected promoted account, got %+v", lease)
	}
}

func TestMinimumCooldownFloor(t *testing.T) {
	p, clock := newTestPool(t, "a")

	// A 5s hint is floored to the 60s minimum.
	p.Report("a", Outcome{Kind: OutcomeRateLimited, RetryAfter: 5 * time.Second})

	clock.Advance(30 * time.Second)
	if _, err := p.Acquire(); err == nil {
		t.Fatal("cooldown should not have elapsed at 30s")
	}

	clock.Advance(30 * time.Second)
	if _, err := p.Acquire(); err != nil {
		t.Fatalf("cooldown should have elapsed at 60s: %v", err)
	}
}

func TestNoAccountAvailableCarriesSoonestCooldown(t *testing.T) {
	p, _ := newTestPool(t, "a", "b")

	p.Report("a", Outcome{Kind: OutcomeRateLimited, RetryAfter: 10 * time.Minute})
	p.Report("b", Outcome{Kind: OutcomeRateLimited, RetryAfter: 3 * time.Minute})

	_, err := p.Acquire()
	var na *NoAccountAvailableError
	if !errors.As(err, &na) {
		t.Fatalf("expected NoAccountAvailableError, got %v", err)
	}
	if na.RetryIn != 3*time.Minute {
		t.Errorf("expected soonest cooldown 3m, got %s", na.RetryIn)
	}
}

func TestAcquireEmptyPool(t *testing.T) {
	p := New(Options{Clock: clockwork.NewFakeClockAt(testBase)})

	_, err := p.Acquire()
	var na *NoAccountAvailableError
	if !errors.As(err, &na) {
		t.Fatalf("expected NoAccountAvailableError, got %v", err)
	}
	if na.RetryIn != 0 {
		t.Errorf("empty pool should not advertise a cooldown, got %s", na.RetryIn)
	}
}

func TestAcquireExcluding(t *testing.T) {
	p, _ := newTestPool(t, "a", "b")

	lease, err := p.AcquireExcluding(map[string]bool{"a": true})
	if err != nil {
		t.Fatalf("AcquireExcluding failed: %v", err)
	}
	if lease.Name != "b" {
		t.Errorf("expected b, got %s", lease.Name)
	}

	if _, err := p.AcquireExcluding(map[string]bool{"a": true, "b": true}); err == nil {
		t.Error("expected failure when all accounts excluded")
	}
}

func TestAcquirePreferred(t *testing.T) {
	p, _ := newTestPool(t, "a", "b")

	p.Report("b", Outcome{Kind: OutcomeRateLimited, RetryAfter: 5 * time.Minute})

	// Manual selection ignores rate limiting but reports the state.
	lease, err := p.AcquirePreferred("b")
	if err != nil {
		t.Fatalf("AcquirePreferred failed: %v", err)
	}
	if lease.State != StateRateLimited {
		t.Errorf("expected rate_limited state surfaced, got %s", lease.State)
	}

	// The cursor did not move: automatic selection still starts at a.
	if got := mustAcquire(t, p).Name; got != "a" {
		t.Errorf("manual selection advanced the cursor: got %s", got)
	}

	var ns *NoSuchAccountError
	if _, err := p.AcquirePreferred("ghost"); !errors.As(err, &ns) {
		t.Errorf("expected NoSuchAccountError for unknown name, got %v", err)
	}

	if err := p.Disable("b"); err != nil {
		t.Fatal(err)
	}
	_, err = p.AcquirePreferred("b")
	if !errors.As(err, &ns) || !ns.Disabled {
		t.Errorf("expected disabled NoSuchAccountError, got %v", err)
	}
}

func TestReportAuthError(t *testing.T) {
	var woken []string
	clock := clockwork.NewFakeClockAt(testBase)
	p := New(Options{
		Clock:       clock,
		OnAuthError: func(name string) { woken = append(woken, name) },
	})
	p.ApplyReload(testDoc("a", "b"))

	p.Report("a", Outcome{Kind: OutcomeAuthError, Detail: "upstream 401"})

	st, _ := p.Account("a")
	if st.State != StateAuthError {
		t.Errorf("expected auth_error, got %s", st.State)
	}
	if st.LastError != "upstream 401" {
		t.Errorf("last error not recorded: %q", st.LastError)
	}
	if len(woken) != 1 || woken[0] != "a" {
		t.Errorf("scheduler wake not fired: %v", woken)
	}

	// Auth-errored accounts are skipped by rotation.
	for i := 0; i < 3; i++ {
		if got := mustAcquire(t, p).Name; got != "b" {
			t.Fatalf("auth-errored account selected: %s", got)
		}
	}
}

func TestReportTransientKeepsState(t *testing.T) {
	p, _ := newTestPool(t, "a")

	p.Report("a", Outcome{Kind: OutcomeTransient})

	st, _ := p.Account("a")
	if st.State != StateAvailable {
		t.Errorf("transient error changed state to %s", st.State)
	}
}

func TestReportOKUpdatesLastUsed(t *testing.T) {
	p, clock := newTestPool(t, "a")

	clock.Advance(time.Hour)
	p.Report("a", Outcome{Kind: OutcomeOK})

	st, _ := p.Account("a")
	if !st.LastUsed.Equal(testBase.Add(time.Hour)) {
		t.Errorf("last used not updated: %s", st.LastUsed)
	}
}

func TestReportUnknownAccountIgnored(t *testing.T) {
	p, _ := newTestPool(t, "a")
	// Must not panic; the account may have been removed by a reload.
	p.Report("ghost", Outcome{Kind: OutcomeRateLimited, RetryAfter: time.Minute})
}

func TestApplyReloadPreservesRuntimeState(t *testing.T) {
	p, _ := newTestPool(t, "a", "b")

	p.Report("a", Outcome{Kind: OutcomeRateLimited, RetryAfter: 10 * time.Minute})

	doc := testDoc("a", "b")
	doc.UpdateTokens("a", "sk-ant-oat01-access-a-v2", "sk-ant-ort01-refresh-a", testBase.Add(9*time.Hour))
	sum := p.ApplyReload(doc)

	if len(sum.Updated) != 1 || sum.Updated[0] != "a" {
		t.Errorf("expected a updated, got %v", sum.Updated)
	}

	st, _ := p.Account("a")
	if st.State != StateRateLimited {
		t.Errorf("reload flapped runtime state: %s", st.State)
	}
	if !st.TokenExpiresAt.Equal(testBase.Add(9 * time.Hour)) {
		t.Errorf("reload did not apply new expiry: %s", st.TokenExpiresAt)
	}
}

func TestApplyReloadAddRemoveAndCursor(t *testing.T) {
	p, _ := newTestPool(t, "a", "b", "c")

	// Advance the cursor so it points at b.
	mustAcquire(t, p) // returns a, cursor now at b

	sum := p.ApplyReload(testDoc("b", "c", "d"))
	if len(sum.Added) != 1 || sum.Added[0] != "d" {
		t.Errorf("expected d added, got %v", sum.Added)
	}
	if len(sum.Removed) != 1 || sum.Removed[0] != "a" {
		t.Errorf("expected a removed, got %v", sum.Removed)
	}
	if sum.Generation != 2 {
		t.Errorf("expected generation 2, got %d", sum.Generation)
	}

	// Cursor followed b; rotation continues b, c, d.
	var got []string
	for i := 0; i < 3; i++ {
		got = append(got, mustAcquire(t, p).Name)
	}
	want := []string{"b", "c", "d"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rotation after reload: got %v, want %v", got, want)
		}
	}
}

func TestApplyReloadCursorResetWhenPointedAtRemoved(t *testing.T) {
	p, _ := newTestPool(t, "a", "b")

	mustAcquire(t, p) // cursor points at b

	p.ApplyReload(testDoc("a", "c"))

	if got := mustAcquire(t, p).Name; got != "a" {
		t.Errorf("cursor should reset to the first account, got %s", got)
	}
}

func TestApplyReloadEmptyDocument(t *testing.T) {
	p, _ := newTestPool(t, "a", "b")

	sum := p.ApplyReload(accounts.NewDocument())
	if sum.Total != 0 || len(sum.Removed) != 2 {
		t.Errorf("unexpected summary: %+v", sum)
	}
	if _, err := p.Acquire(); err == nil {
		t.Error("expected failure on emptied pool")
	}
}

func TestEnableClearsEverything(t *testing.T) {
	p, _ := newTestPool(t, "a")

	p.Report("a", Outcome{Kind: OutcomeAuthError, Detail: "upstream 403"})
	if err := p.Enable("a"); err != nil {
		t.Fatal(err)
	}

	st, _ := p.Account("a")
	if st.State != StateAvailable || st.LastError != "" {
		t.Errorf("enable did not clear state: %+v", st)
	}
}

func TestDisableBlocksSelectionAndRefresh(t *testing.T) {
	p, _ := newTestPool(t, "a")

	if err := p.Disable("a"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Acquire(); err == nil {
		t.Error("disabled account selected")
	}
	if got := p.RefreshCandidates(24 * time.Hour); len(got) != 0 {
		t.Errorf("disabled account offered for refresh: %v", got)
	}
	if err := p.RequestRefresh("a"); err == nil {
		t.Error("expected error forcing refresh of disabled account")
	}

	// Reports against a disabled account do not change its state.
	p.Report("a", Outcome{Kind: OutcomeRateLimited, RetryAfter: time.Minute})
	st, _ := p.Account("a")
	if st.State != StateDisabled {
		t.Errorf("report mutated disabled account: %s", st.State)
	}
}

func TestRefreshCandidatesByExpiry(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testBase)
	p := New(Options{Clock: clock})

	doc := accounts.NewDocument()
	doc.Set(accounts.Account{Name: "soon", AccessToken: "t-soon-access-token", RefreshToken: "r-soon-refresh-token", ExpiresAt: testBase.Add(5 * time.Minute)})
	doc.Set(accounts.Account{Name: "later", AccessToken: "t-later-access-token", RefreshToken: "r-later-refresh-token", ExpiresAt: testBase.Add(8 * time.Hour)})
	p.ApplyReload(doc)

	got := p.RefreshCandidates(10 * time.Minute)
	if len(got) != 1 || got[0].Name != "soon" {
		t.Errorf("expected only the expiring account, got %v", got)
	}
}

func TestRefreshCandidatesAuthErrorAndForce(t *testing.T) {
	p, _ := newTestPool(t, "a", "b")

	p.Report("a", Outcome{Kind: OutcomeAuthError, Detail: "upstream 401"})
	got := p.RefreshCandidates(time.Minute)
	if len(got) != 1 || got[0].Name != "a" || got[0].Force {
		t.Errorf("expected auth-errored candidate, got %v", got)
	}

	if err := p.RequestRefresh("b"); err != nil {
		t.Fatal(err)
	}
	got = p.RefreshCandidates(time.Minute)
	if len(got) != 2 {
		t.Fatalf("expected two candidates, got %v", got)
	}
	var forced bool
	for _, c := range got {
		if c.Name == "b" && c.Force {
			forced = true
		}
	}
	if !forced {
		t.Errorf("forced candidate missing: %v", got)
	}
}

func TestRefreshSingleFlight(t *testing.T) {
	p, _ := newTestPool(t, "a")

	tok, ok := p.BeginRefresh("a")
	if !ok || tok != "sk-ant-ort01-refresh-a" {
		t.Fatalf("BeginRefresh failed: %q %v", tok, ok)
	}
	if _, ok := p.BeginRefresh("a"); ok {
		t.Error("second BeginRefresh should be rejected")
	}
	// In-flight accounts are not candidates.
	if got := p.RefreshCandidates(24 * time.Hour); len(got) != 0 {
		t.Errorf("in-flight account offered for refresh: %v", got)
	}

	res := p.CompleteRefresh("a", tok, "sk-ant-oat01-new-access", "sk-ant-ort01-new-refresh", testBase.Add(time.Hour))
	if res != RefreshApplied {
		t.Fatalf("expected RefreshApplied, got %v", res)
	}

	// Single-flight released.
	if _, ok := p.BeginRefresh("a"); !ok {
		t.Error("BeginRefresh should succeed after completion")
	}
}

func TestCompleteRefreshRecoversAuthErrorButNotRateLimit(t *testing.T) {
	p, _ := newTestPool(t, "a", "b")

	p.Report("a", Outcome{Kind: OutcomeAuthError, Detail: "upstream 401"})
	tok, _ := p.BeginRefresh("a")
	p.CompleteRefresh("a", tok, "sk-ant-oat01-new-a", "", testBase.Add(time.Hour))

	st, _ := p.Account("a")
	if st.State != StateAvailable || st.LastError != "" {
		t.Errorf("refresh should recover auth_error: %+v", st)
	}

	p.Report("b", Outcome{Kind: OutcomeRateLimited, RetryAfter: 10 * time.Minute})
	tok, _ = p.BeginRefresh("b")
	p.CompleteRefresh("b", tok, "sk-ant-oat01-new-b", "", testBase.Add(time.Hour))

	st, _ = p.Account("b")
	if st.State != StateRateLimited {
		t.Errorf("refresh must not clear a rate-limit cooldown: %s", st.State)
	}
}

func TestCompleteRefreshStaleAfterReload(t *testing.T) {
	p, _ := newTestPool(t, "a")

	tok, _ := p.BeginRefresh("a")

	// A reload rotates the refresh token while the request is in flight.
	doc := testDoc("a")
	doc.UpdateTokens("a", "sk-ant-oat01-access-a", "sk-ant-ort01-rotated", testBase.Add(8*time.Hour))
	p.ApplyReload(doc)

	res := p.CompleteRefresh("a", tok, "sk-ant-oat01-stale", "sk-ant-ort01-stale", testBase.Add(time.Hour))
	if res != RefreshStale {
		t.Fatalf("expected RefreshStale, got %v", res)
	}

	// The stale result was discarded and the slot released.
	if _, ok := p.BeginRefresh("a"); !ok {
		t.Error("refresh slot not released after stale completion")
	}
}

func TestCompleteRefreshGoneAfterRemoval(t *testing.T) {
	p, _ := newTestPool(t, "a", "b")

	tok, _ := p.BeginRefresh("a")
	p.ApplyReload(testDoc("b"))

	if res := p.CompleteRefresh("a", tok, "x", "y", testBase.Add(time.Hour)); res != RefreshGone {
		t.Errorf("expected RefreshGone, got %v", res)
	}
}

func TestFailRefreshBackoffGates(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testBase)
	p := New(Options{Clock: clock})

	doc := accounts.NewDocument()
	doc.Set(accounts.Account{Name: "a", AccessToken: "t-a-access-token-value", RefreshToken: "r-a-refresh-token-value", ExpiresAt: testBase.Add(time.Minute)})
	p.ApplyReload(doc)

	tok, _ := p.BeginRefresh("a")
	p.FailRefresh("a", false, "token endpoint 500")

	// Inside the backoff window the account is not offered again.
	if got := p.RefreshCandidates(10 * time.Minute); len(got) != 0 {
		t.Errorf("account offered during backoff: %v", got)
	}

	// First backoff is at most 1s.
	clock.Advance(time.Second)
	if got := p.RefreshCandidates(10 * time.Minute); len(got) != 1 {
		t.Errorf("account not offered after backoff: %v", got)
	}

	// State unchanged by a non-terminal failure.
	st, _ := p.Account("a")
	if st.State != StateAvailable {
		t.Errorf("non-terminal refresh failure changed state: %s", st.State)
	}
	_ = tok
}

func TestFailRefreshTerminal(t *testing.T) {
	p, _ := newTestPool(t, "a")

	tok, _ := p.BeginRefresh("a")
	_ = tok
	p.FailRefresh("a", true, "invalid_grant")

	st, _ := p.Account("a")
	if st.State != StateAuthError || !st.RefreshDisabled {
		t.Errorf("terminal failure not recorded: %+v", st)
	}

	// Never retried automatically, even far in the future.
	if got := p.RefreshCandidates(24 * time.Hour); len(got) != 0 {
		t.Errorf("terminal account offered for refresh: %v", got)
	}

	// Admin force overrides the terminal marker.
	if err := p.RequestRefresh("a"); err != nil {
		t.Fatal(err)
	}
	got := p.RefreshCandidates(time.Minute)
	if len(got) != 1 || !got[0].Force {
		t.Errorf("forced candidate missing: %v", got)
	}

	// So does a reload carrying a rotated refresh token.
	p.FailRefresh("a", true, "invalid_grant")
	doc := testDoc("a")
	doc.UpdateTokens("a", "sk-ant-oat01-access-a", "sk-ant-ort01-reissued", testBase.Add(8*time.Hour))
	p.ApplyReload(doc)

	st, _ = p.Account("a")
	if st.RefreshDisabled {
		t.Error("rotated refresh token should clear the terminal marker")
	}
}

func TestSnapshotCountsAndPeek(t *testing.T) {
	p, _ := newTestPool(t, "a", "b", "c", "d")

	p.Report("b", Outcome{Kind: OutcomeRateLimited, RetryAfter: 10 * time.Minute})
	p.Report("c", Outcome{Kind: OutcomeAuthError, Detail: "upstream 401"})
	if err := p.Disable("d"); err != nil {
		t.Fatal(err)
	}

	st := p.Snapshot()
	if st.Total != 4 || st.Available != 1 || st.RateLimited != 1 || st.AuthError != 1 || st.Disabled != 1 {
		t.Errorf("unexpected counts: %+v", st)
	}
	if st.Next != "a" {
		t.Errorf("expected next=a, got %s", st.Next)
	}

	// Peeking does not advance the cursor.
	if got := mustAcquire(t, p).Name; got != "a" {
		t.Errorf("peek advanced the cursor: got %s", got)
	}
}

func TestSnapshotShowsElapsedCooldownAsAvailable(t *testing.T) {
	p, clock := newTestPool(t, "a")

	p.Report("a", Outcome{Kind: OutcomeRateLimited, RetryAfter: time.Minute})
	clock.Advance(2 * time.Minute)

	st := p.Snapshot()
	if st.Available != 1 || st.RateLimited != 0 {
		t.Errorf("elapsed cooldown still counted as rate_limited: %+v", st)
	}
	if st.Accounts[0].State != StateAvailable {
		t.Errorf("account state not shown as available: %s", st.Accounts[0].State)
	}
	if !st.Accounts[0].RateLimitedUntil.IsZero() {
		t.Errorf("elapsed cooldown timestamp should be cleared in view")
	}
}

func TestSingleAccountMode(t *testing.T) {
	clock := clockwork.NewFakeClockAt(testBase)
	p := New(Options{Clock: clock, SingleAccountMode: true})
	p.ApplyReload(testDoc("a", "b", "c"))

	for i := 0; i < 4; i++ {
		if got := mustAcquire(t, p).Name; got != "a" {
			t.Fatalf("single-account mode rotated to %s", got)
		}
	}

	// When the pinned account cools down, nothing else is offered.
	p.Report("a", Outcome{Kind: OutcomeRateLimited, RetryAfter: 5 * time.Minute})
	if _, err := p.Acquire(); err == nil {
		t.Error("single-account mode must not fail over")
	}
}

func TestEventsEmitted(t *testing.T) {
	var events []string
	clock := clockwork.NewFakeClockAt(testBase)
	p := New(Options{
		Clock:   clock,
		OnEvent: func(event, account, detail string) { events = append(events, event+":"+account) },
	})
	p.ApplyReload(testDoc("a"))

	p.Report("a", Outcome{Kind: OutcomeRateLimited, RetryAfter: time.Minute})
	clock.Advance(2 * time.Minute)
	mustAcquire(t, p)
	if err := p.Disable("a"); err != nil {
		t.Fatal(err)
	}
	if err := p.Enable("a"); err != nil {
		t.Fatal(err)
	}

	want := []string{"reload:", "rate_limited:a", "cooldown_elapsed:a", "disabled:a", "enabled:a"}
	if len(events) != len(want) {
		t.Fatalf("event mismatch: got %v, want %v", events, want)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("event mismatch at %d: got %v, want %v", i, events, want)
		}
	}
}

func TestCapacityRecording(t *testing.T) {
	p, _ := newTestPool(t, "a")

	p.RecordCapacity("a", Capacity{RequestsRemaining: 42, RequestsLimit: 50})

	st, _ := p.Account("a")
	if st.Capacity == nil || st.Capacity.RequestsRemaining != 42 {
		t.Errorf("capacity not recorded: %+v", st.Capacity)
	}
	if st.Capacity.CapturedAt.IsZero() {
		t.Error("capture time missing")
	}
}
