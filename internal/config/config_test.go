package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}

	if cfg.ListenAddr != ":8100" {
		t.Errorf("expected default listen addr, got %s", cfg.ListenAddr)
	}
	if cfg.MaxAttempts != 3 {
		t.Errorf("expected 3 attempts, got %d", cfg.MaxAttempts)
	}
	if cfg.RefreshBuffer.Duration() != 10*time.Minute {
		t.Errorf("expected 10m refresh buffer, got %s", cfg.RefreshBuffer)
	}
	if cfg.MinimumCooldown.Duration() != time.Minute {
		t.Errorf("expected 1m minimum cooldown, got %s", cfg.MinimumCooldown)
	}
	if !cfg.RotationEnabled || !cfg.HotReload {
		t.Error("rotation and hot reload should default on")
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
listen_addr: ":9999"
max_attempts: 5
refresh_buffer: 5m
minimum_cooldown: 90s
rotation_enabled: false
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}

	if cfg.ListenAddr != ":9999" {
		t.Errorf("listen_addr not applied: %s", cfg.ListenAddr)
	}
	if cfg.MaxAttempts != 5 {
		t.Errorf("max_attempts not applied: %d", cfg.MaxAttempts)
	}
	if cfg.RefreshBuffer.Duration() != 5*time.Minute {
		t.Errorf("refresh_buffer not applied: %s", cfg.RefreshBuffer)
	}
	if cfg.MinimumCooldown.Duration() != 90*time.Second {
		t.Errorf("minimum_cooldown not applied: %s", cfg.MinimumCooldown)
	}
	if cfg.RotationEnabled {
		t.Error("rotation_enabled not applied")
	}
	// Untouched keys keep defaults.
	if cfg.UpstreamURL != "https://api.anthropic.com" {
		t.Errorf("upstream_url should keep default: %s", cfg.UpstreamURL)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("CRP_ROTATION_ENABLED", "no")
	t.Setenv("CRP_LISTEN_ADDR", "127.0.0.1:8200")
	t.Setenv("CRP_ACCOUNTS_PATH", "~/alt/accounts.json")

	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}

	if cfg.RotationEnabled {
		t.Error("CRP_ROTATION_ENABLED=no not applied")
	}
	if cfg.ListenAddr != "127.0.0.1:8200" {
		t.Errorf("CRP_LISTEN_ADDR not applied: %s", cfg.ListenAddr)
	}
	if strings.HasPrefix(cfg.AccountsPath, "~") {
		t.Errorf("accounts path not expanded: %s", cfg.AccountsPath)
	}
	if !strings.HasSuffix(cfg.AccountsPath, filepath.Join("alt", "accounts.json")) {
		t.Errorf("unexpected accounts path: %s", cfg.AccountsPath)
	}
}

func TestRelativeAccountsPathFromEnvRejected(t *testing.T) {
	clearEnv(t)
	t.Setenv("CRP_ACCOUNTS_PATH", "relative/accounts.json")

	if _, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for relative CRP_ACCOUNTS_PATH")
	}
}

func TestInvalidEnvBool(t *testing.T) {
	clearEnv(t)
	t.Setenv("CRP_HOT_RELOAD", "maybe")

	if _, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for invalid boolean")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }},
		{"empty listen addr", func(c *Config) { c.ListenAddr = "" }},
		{"bad upstream url", func(c *Config) { c.UpstreamURL = "not a url" }},
		{"ftp upstream", func(c *Config) { c.UpstreamURL = "ftp://example.com" }},
		{"zero cooldown", func(c *Config) { c.MinimumCooldown = 0 }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
		{"empty client id", func(c *Config) { c.OAuthClientID = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error for %s", tc.name)
			}
		})
	}
}

func TestSaveAndReload(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := DefaultConfig()
	cfg.ListenAddr = ":7777"
	cfg.MaxAttempts = 2

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected 0600 perms, got %s", info.Mode().Perm())
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(raw), "# crp configuration") {
		t.Error("missing header comment")
	}

	back, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if back.ListenAddr != ":7777" || back.MaxAttempts != 2 {
		t.Errorf("reload mismatch: %+v", back)
	}
}

func TestDurationYAMLRoundTrip(t *testing.T) {
	type doc struct {
		D Duration `yaml:"d"`
	}

	out, err := yaml.Marshal(doc{D: Duration(90 * time.Second)})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "1m30s") {
		t.Errorf("unexpected marshaled duration: %s", out)
	}

	var back doc
	if err := yaml.Unmarshal(out, &back); err != nil {
		t.Fatal(err)
	}
	if back.D.Duration() != 90*time.Second {
		t.Errorf("round trip mismatch: %s", back.D)
	}
}

func TestDurationRejectsNegative(t *testing.T) {
	var d Duration
	err := yaml.Unmarshal([]byte(`"-5s"`), &d)
	if err == nil {
		t.Fatal("expected error for negative duration")
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}

	got := ExpandPath("~/x/y.json")
	want := filepath.Join(home, "x", "y.json")
	if got != want {
		t.Errorf("ExpandPath = %s, want %s", got, want)
	}

	if ExpandPath("/abs/path") != "/abs/path" {
		t.Error("absolute path should pass through")
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CRP_CONFIG", "CRP_ACCOUNTS_PATH", "CRP_ROTATION_ENABLED",
		"CRP_HOT_RELOAD", "CRP_LISTEN_ADDR", "CRP_UPSTREAM_URL", "CRP_LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}
