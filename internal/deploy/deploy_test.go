package deploy

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestPushError(t *testing.T) {
	t.Run("Error message", func(t *testing.T) {
		err := &Error{
			Host:       "proxy-1",
			Operation:  "connect",
			Underlying: errors.New("connection refused"),
		}
		if got := err.Error(); got != "push to proxy-1 failed during connect: connection refused" {
			t.Errorf("Error() = %q, want correct format", got)
		}
	})

	t.Run("Unwrap", func(t *testing.T) {
		underlying := errors.New("underlying error")
		err := &Error{Host: "proxy-1", Operation: "auth", Underlying: underlying}
		if !errors.Is(err, underlying) {
			t.Error("errors.Is should see the underlying error")
		}
	})
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	if opts.Port != 22 {
		t.Errorf("expected port 22, got %d", opts.Port)
	}
	if opts.Timeout != 10*time.Second {
		t.Errorf("expected 10s timeout, got %v", opts.Timeout)
	}
	if !opts.UseAgent {
		t.Error("expected UseAgent to default to true")
	}
	if opts.SkipHostKeyCheck {
		t.Error("expected host key checking on by default")
	}
}

func TestDefaultKeyPaths(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	paths := defaultKeyPaths()
	if len(paths) != 3 {
		t.Fatalf("expected 3 default key paths, got %d", len(paths))
	}
	for _, p := range paths {
		if !strings.HasPrefix(p, filepath.Join(home, ".ssh")) {
			t.Errorf("key path %q not under ~/.ssh", p)
		}
	}
	if filepath.Base(paths[0]) != "id_ed25519" {
		t.Errorf("expected id_ed25519 first, got %s", filepath.Base(paths[0]))
	}
}

func TestExpandPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	if got := expandPath("~/keys/id_rsa"); got != filepath.Join(home, "keys", "id_rsa") {
		t.Errorf("expandPath(~/keys/id_rsa) = %q", got)
	}
	if got := expandPath("/abs/path"); got != "/abs/path" {
		t.Errorf("expected absolute path unchanged, got %q", got)
	}
}

func TestRandomSuffix(t *testing.T) {
	a := randomSuffix(8)
	b := randomSuffix(8)
	if len(a) != 8 {
		t.Errorf("expected length 8, got %d", len(a))
	}
	if a == b {
		t.Error("expected distinct suffixes")
	}
	for _, c := range a {
		if !strings.ContainsRune("abcdefghijklmnopqrstuvwxyz0123456789", c) {
			t.Errorf("unexpected character %q", c)
		}
	}
}

func TestDialWithoutAuthMethods(t *testing.T) {
	// Empty HOME and no agent socket leaves nothing to authenticate with.
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SSH_AUTH_SOCK", "")

	opts := DefaultOptions()
	_, err := Dial("127.0.0.1", opts)
	if err == nil {
		t.Fatal("expected dial to fail without auth methods")
	}
	var pushErr *Error
	if !errors.As(err, &pushErr) || pushErr.Operation != "auth" {
		t.Errorf("expected auth-stage error, got %v", err)
	}
}

func TestPushRejectsMissingLocalFile(t *testing.T) {
	opts := DefaultOptions()
	opts.RemotePath = "/etc/crp/accounts.yaml"

	err := Push("proxy-1", filepath.Join(t.TempDir(), "missing.yaml"), opts)
	var pushErr *Error
	if !errors.As(err, &pushErr) || pushErr.Operation != "read local" {
		t.Errorf("expected read-local error, got %v", err)
	}
}

func TestPushRejectsEmptyLocalFile(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "accounts.yaml")
	if err := os.WriteFile(local, nil, 0600); err != nil {
		t.Fatal(err)
	}

	opts := DefaultOptions()
	opts.RemotePath = "/etc/crp/accounts.yaml"
	err := Push("proxy-1", local, opts)
	if err == nil || !strings.Contains(err.Error(), "is empty") {
		t.Errorf("expected empty-file error, got %v", err)
	}
}

func TestPushRequiresRemotePath(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "accounts.yaml")
	if err := os.WriteFile(local, []byte("accounts: []\n"), 0600); err != nil {
		t.Fatal(err)
	}

	err := Push("proxy-1", local, DefaultOptions())
	var pushErr *Error
	if !errors.As(err, &pushErr) || pushErr.Operation != "configure" {
		t.Errorf("expected configure-stage error, got %v", err)
	}
}
