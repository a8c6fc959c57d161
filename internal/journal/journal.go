// Package journal records pool state changes in a local SQLite database.
//
// The journal is diagnostics only. Selection decisions never read it; if
// it cannot be opened the proxy runs without one.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Event types written by the pool and the refresh scheduler.
const (
	EventReload           = "reload"
	EventCooldownElapsed  = "cooldown_elapsed"
	EventRateLimited      = "rate_limited"
	EventAuthError        = "auth_error"
	EventTransientError   = "transient_error"
	EventEnabled          = "enabled"
	EventDisabled         = "disabled"
	EventRefreshRequested = "refresh_requested"
	EventRefreshOK        = "refresh_ok"
	EventRefreshFailed    = "refresh_failed"
	EventRefreshTerminal  = "refresh_terminal"

	sqliteTimeLayout = "2006-01-02 15:04:05"
)

// Event is one recorded state change.
type Event struct {
	Timestamp time.Time
	Type      string
	Account   string
	Detail    string
}

// AccountStats is the rolled-up event history for one account.
type AccountStats struct {
	Account         string
	RateLimits      int
	AuthErrors      int
	Transients      int
	RefreshesOK     int
	RefreshesFailed int
	LastEventAt     time.Time
}

// Journal is an open event log.
type Journal struct {
	path string
	conn *sql.DB
}

// Open opens (or creates) the journal database at path. A corrupt
// database is renamed aside and recreated rather than failing startup.
func Open(path string) (*Journal, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("journal path is required")
	}

	clean := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(clean), 0700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	conn, err := openAndInit(clean)
	if err == nil {
		return &Journal{path: clean, conn: conn}, nil
	}

	if !isCorruptSQLiteError(err) {
		return nil, err
	}

	if _, statErr := os.Stat(clean); statErr == nil {
		backup := clean + ".corrupt." + time.Now().UTC().Format("20060102T150405Z")
		if renameErr := os.Rename(clean, backup); renameErr != nil {
			return nil, fmt.Errorf("journal appears corrupt (%v), and rename failed: %w", err, renameErr)
		}
	}

	conn, err = openAndInit(clean)
	if err != nil {
		return nil, err
	}
	return &Journal{path: clean, conn: conn}, nil
}

// Close closes the database. Safe on nil.
func (j *Journal) Close() error {
	if j == nil || j.conn == nil {
		return nil
	}
	return j.conn.Close()
}

// Path returns the database file path.
func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.path
}

func openAndInit(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// PRAGMAs are per-connection; keep a single shared connection.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	initErr := func() error {
		if err := conn.Ping(); err != nil {
			return fmt.Errorf("ping: %w", err)
		}
		if _, err := conn.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
			return fmt.Errorf("set journal_mode=WAL: %w", err)
		}
		return runMigrations(conn)
	}()

	if initErr != nil {
		_ = conn.Close()
		return nil, initErr
	}
	return conn, nil
}

func dsn(path string) string {
	return "file:" + filepath.ToSlash(path) + "?mode=rwc"
}

func isCorruptSQLiteError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrInvalid) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "file is not a database") || strings.Contains(msg, "malformed")
}

var migrations = []struct {
	Version int
	Name    string
	Up      string
}{
	{
		Version: 1,
		Name:    "initial_schema",
		Up: `
CREATE TABLE IF NOT EXISTS rotation_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    event_type TEXT NOT NULL,
    account TEXT NOT NULL DEFAULT '',
    detail TEXT
);

CREATE INDEX IF NOT EXISTS idx_rotation_events_timestamp ON rotation_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_rotation_events_account ON rotation_events(account);

CREATE TABLE IF NOT EXISTS account_stats (
    account TEXT PRIMARY KEY,
    rate_limits INTEGER DEFAULT 0,
    auth_errors INTEGER DEFAULT 0,
    transients INTEGER DEFAULT 0,
    refreshes_ok INTEGER DEFAULT 0,
    refreshes_failed INTEGER DEFAULT 0,
    last_event_at DATETIME
);
`,
	},
}

func runMigrations(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if _, err := tx.Exec(m.Up); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (?)`, m.Version); err != nil {
			return fmt.Errorf("record migration %d (%s): %w", m.Version, m.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Record appends one event and updates the per-account rollup. Account
// may be empty for pool-wide events such as reloads.
func (j *Journal) Record(eventType, account, detail string) error {
	if j == nil || j.conn == nil {
		return fmt.Errorf("journal is not open")
	}
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return fmt.Errorf("event type is required")
	}

	ts := formatSQLiteTime(time.Now())

	var detailStr sql.NullString
	if detail != "" {
		detailStr = sql.NullString{String: detail, Valid: true}
	}

	tx, err := j.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(
		`INSERT INTO rotation_events (timestamp, event_type, account, detail) VALUES (?, ?, ?, ?)`,
		ts, eventType, account, detailStr,
	); err != nil {
		return fmt.Errorf("insert rotation_events: %w", err)
	}

	if account != "" {
		if err := updateAccountStats(tx, eventType, account, ts); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func updateAccountStats(tx *sql.Tx, eventType, account, ts string) error {
	var column string
	switch eventType {
	case EventRateLimited:
		column = "rate_limits"
	case EventAuthError, EventRefreshTerminal:
		column = "auth_errors"
	case EventTransientError:
		column = "transients"
	case EventRefreshOK:
		column = "refreshes_ok"
	case EventRefreshFailed:
		column = "refreshes_failed"
	default:
		// Still bump last_event_at for events without a counter.
		_, err := tx.Exec(
			`INSERT INTO account_stats (account, last_event_at) VALUES (?, ?)
			 ON CONFLICT(account) DO UPDATE SET last_event_at = excluded.last_event_at`,
			account, ts,
		)
		if err != nil {
			return fmt.Errorf("update account_stats: %w", err)
		}
		return nil
	}

	_, err := tx.Exec(
		`INSERT INTO account_stats (account, `+column+`, last_event_at) VALUES (?, 1, ?)
		 ON CONFLICT(account) DO UPDATE SET
		   `+column+` = `+column+` + 1,
		   last_event_at = excluded.last_event_at`,
		account, ts,
	)
	if err != nil {
		return fmt.Errorf("update account_stats: %w", err)
	}
	return nil
}

// Recent returns the newest events, most recent first.
func (j *Journal) Recent(limit int) ([]Event, error) {
	return j.query(`SELECT timestamp, event_type, account, detail
		 FROM rotation_events ORDER BY id DESC LIMIT ?`, limit)
}

// RecentForAccount returns the newest events for one account since the
// given time, most recent first.
func (j *Journal) RecentForAccount(account string, since time.Time, limit int) ([]Event, error) {
	if strings.TrimSpace(account) == "" {
		return nil, fmt.Errorf("account is required")
	}
	return j.query(`SELECT timestamp, event_type, account, detail
		 FROM rotation_events
		 WHERE account = ? AND datetime(timestamp) >= datetime(?)
		 ORDER BY id DESC LIMIT ?`, account, formatSQLiteTime(since), limit)
}

func (j *Journal) query(stmt string, args ...any) ([]Event, error) {
	if j == nil || j.conn == nil {
		return nil, fmt.Errorf("journal is not open")
	}

	// LIMIT is always the last argument.
	if n, ok := args[len(args)-1].(int); ok && n <= 0 {
		args[len(args)-1] = 100
	}

	rows, err := j.conn.Query(stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query rotation_events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var tsStr string
		var detail sql.NullString
		if err := rows.Scan(&tsStr, &e.Type, &e.Account, &detail); err != nil {
			return nil, fmt.Errorf("scan rotation_events: %w", err)
		}
		ts, err := parseSQLiteTime(tsStr)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", tsStr, err)
		}
		e.Timestamp = ts
		if detail.Valid {
			e.Detail = detail.String
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rotation_events: %w", err)
	}
	return out, nil
}

// Stats returns the rollup for one account, or nil if it has no events.
func (j *Journal) Stats(account string) (*AccountStats, error) {
	if j == nil || j.conn == nil {
		return nil, fmt.Errorf("journal is not open")
	}
	if strings.TrimSpace(account) == "" {
		return nil, fmt.Errorf("account is required")
	}

	var st AccountStats
	var lastEvent sql.NullString
	err := j.conn.QueryRow(
		`SELECT account, rate_limits, auth_errors, transients, refreshes_ok, refreshes_failed, last_event_at
		 FROM account_stats WHERE account = ?`, account,
	).Scan(&st.Account, &st.RateLimits, &st.AuthErrors, &st.Transients, &st.RefreshesOK, &st.RefreshesFailed, &lastEvent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query account_stats: %w", err)
	}

	if lastEvent.Valid && lastEvent.String != "" {
		if ts, err := parseSQLiteTime(lastEvent.String); err == nil {
			st.LastEventAt = ts
		}
	}
	return &st, nil
}

// Prune deletes events older than the cutoff and reports how many rows
// were removed. The stats rollup is intentionally kept.
func (j *Journal) Prune(olderThan time.Time) (int64, error) {
	if j == nil || j.conn == nil {
		return 0, fmt.Errorf("journal is not open")
	}

	res, err := j.conn.Exec(
		`DELETE FROM rotation_events WHERE datetime(timestamp) < datetime(?)`,
		formatSQLiteTime(olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("prune rotation_events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func formatSQLiteTime(t time.Time) string {
	if t.IsZero() {
		// Makes "since" queries behave like "since the beginning of time".
		return "1970-01-01 00:00:00"
	}
	return t.UTC().Format(sqliteTimeLayout)
}

func parseSQLiteTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time")
	}
	if ts, err := time.ParseInLocation(sqliteTimeLayout, s, time.UTC); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unsupported time format")
}
