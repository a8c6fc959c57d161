package watch

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Dicklesworthstone/claude_rotation_proxy/internal/accounts"
)

func testDocument(names ...string) *accounts.Document {
	doc := accounts.NewDocument()
	for _, n := range names {
		doc.Set(accounts.Account{
			Name:         n,
			AccessToken:  "sk-ant-oat01-access-" + n,
			RefreshToken: "sk-ant-ort01-refresh-" + n,
			ExpiresAt:    time.Now().Add(8 * time.Hour),
		})
	}
	return doc
}

type capture struct {
	reloads chan *accounts.Document
	errs    chan error
}

func startWatcher(t *testing.T, path string) (*Watcher, *capture) {
	t.Helper()
	c := &capture{
		reloads: make(chan *accounts.Document, 8),
		errs:    make(chan error, 8),
	}
	w, err := New(Config{
		Path:     path,
		Debounce: 150 * time.Millisecond,
		OnReload: func(doc *accounts.Document, hash string) { c.reloads <- doc },
		OnError:  func(err error) { c.errs <- err },
		Logger:   slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = w.Stop() })
	return w, c
}

func expectReload(t *testing.T, c *capture) *accounts.Document {
	t.Helper()
	select {
	case doc := <-c.reloads:
		return doc
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload")
		return nil
	}
}

func expectQuiet(t *testing.T, c *capture) {
	t.Helper()
	select {
	case doc := <-c.reloads:
		t.Fatalf("unexpected reload with %d accounts", len(doc.Accounts))
	case <-time.After(700 * time.Millisecond):
	}
}

func TestReloadOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")

	if _, err := accounts.Save(path, testDocument("a")); err != nil {
		t.Fatal(err)
	}

	_, c := startWatcher(t, path)

	if _, err := accounts.Save(path, testDocument("a", "b")); err != nil {
		t.Fatal(err)
	}

	doc := expectReload(t, c)
	if len(doc.Accounts) != 2 {
		t.Errorf("reload saw %d accounts, want 2", len(doc.Accounts))
	}
}

func TestSelfWriteSuppressed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")

	if _, err := accounts.Save(path, testDocument("a")); err != nil {
		t.Fatal(err)
	}

	w, c := startWatcher(t, path)

	// The refresh scheduler writes and registers the hash right after.
	hash, err := accounts.Save(path, testDocument("a", "b"))
	if err != nil {
		t.Fatal(err)
	}
	w.MarkSelfWrite(hash)

	expectQuiet(t, c)

	// A foreign edit after the marker was consumed still reloads.
	if _, err := accounts.Save(path, testDocument("a", "b", "c")); err != nil {
		t.Fatal(err)
	}
	doc := expectReload(t, c)
	if len(doc.Accounts) != 3 {
		t.Errorf("foreign edit saw %d accounts, want 3", len(doc.Accounts))
	}
}

func TestMalformedDocumentReportsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")

	if _, err := accounts.Save(path, testDocument("a")); err != nil {
		t.Fatal(err)
	}

	_, c := startWatcher(t, path)

	if err := os.WriteFile(path, []byte("{ truncated"), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case <-c.errs:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload error")
	}

	select {
	case <-c.reloads:
		t.Fatal("malformed document triggered a reload")
	default:
	}
}

func TestDeleteThenRecreate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")

	if _, err := accounts.Save(path, testDocument("a")); err != nil {
		t.Fatal(err)
	}

	_, c := startWatcher(t, path)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	expectQuiet(t, c)

	if _, err := accounts.Save(path, testDocument("x", "y")); err != nil {
		t.Fatal(err)
	}
	doc := expectReload(t, c)
	if len(doc.Accounts) != 2 {
		t.Errorf("recreate saw %d accounts, want 2", len(doc.Accounts))
	}
}

func TestBurstCoalesced(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")

	if _, err := accounts.Save(path, testDocument("a")); err != nil {
		t.Fatal(err)
	}

	_, c := startWatcher(t, path)

	// Several writes in quick succession produce one reload of the final
	// content.
	for _, names := range [][]string{{"a"}, {"a", "b"}, {"a", "b", "c"}} {
		if _, err := accounts.Save(path, testDocument(names...)); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	doc := expectReload(t, c)
	if len(doc.Accounts) != 3 {
		t.Errorf("coalesced reload saw %d accounts, want 3", len(doc.Accounts))
	}
	expectQuiet(t, c)
}

func TestStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	if _, err := accounts.Save(path, testDocument("a")); err != nil {
		t.Fatal(err)
	}

	w, _ := startWatcher(t, path)
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}
