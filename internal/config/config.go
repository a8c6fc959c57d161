// Package config manages crp configuration.
//
// Configuration is layered: built-in defaults, then the YAML config file,
// then CRP_* environment variables. The file lives at ~/.config/crp/config.yaml
// unless CRP_CONFIG points elsewhere.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all proxy configuration.
type Config struct {
	// ListenAddr is the address the proxy listens on.
	ListenAddr string `yaml:"listen_addr"`

	// UpstreamURL is the base URL of the upstream chat-completion API.
	UpstreamURL string `yaml:"upstream_url"`

	// AccountsPath is the location of the credentials document.
	AccountsPath string `yaml:"accounts_path"`

	// RotationEnabled selects round-robin rotation; when false the pool
	// operates in single-account mode using the first document entry and
	// dispatch failover is disabled.
	RotationEnabled bool `yaml:"rotation_enabled"`

	// HotReload enables the credentials file watcher.
	HotReload bool `yaml:"hot_reload"`

	// ReloadDebounce is how long the watcher coalesces change events.
	ReloadDebounce Duration `yaml:"reload_debounce"`

	// RefreshBuffer is how long before token expiry a refresh is scheduled.
	RefreshBuffer Duration `yaml:"refresh_buffer"`

	// RefreshCheckInterval is the cadence of scheduler sweeps.
	RefreshCheckInterval Duration `yaml:"refresh_check_interval"`

	// MinimumCooldown is the floor applied to upstream retry-after hints.
	MinimumCooldown Duration `yaml:"minimum_cooldown"`

	// MaxAttempts caps dispatch failover attempts, including the first.
	MaxAttempts int `yaml:"max_attempts"`

	// UpstreamTotalTimeout is the per-attempt deadline on upstream calls.
	UpstreamTotalTimeout Duration `yaml:"upstream_total_timeout"`

	// UpstreamIdleTimeout bounds the gap between streamed body reads.
	UpstreamIdleTimeout Duration `yaml:"upstream_idle_timeout"`

	// RefreshTimeout is the deadline on token-endpoint calls.
	RefreshTimeout Duration `yaml:"refresh_timeout"`

	// TokenEndpointURL is the OAuth2 token endpoint for refresh grants.
	TokenEndpointURL string `yaml:"token_endpoint_url"`

	// OAuthClientID is the client identifier sent with refresh grants.
	OAuthClientID string `yaml:"oauth_client_id"`

	// OAuthBetaHeader is appended to anthropic-beta on bearer-auth upstream
	// calls. Empty disables the header.
	OAuthBetaHeader string `yaml:"oauth_beta_header"`

	// JournalPath is the SQLite event journal location. Empty disables the
	// journal.
	JournalPath string `yaml:"journal_path"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogFormat is text or json.
	LogFormat string `yaml:"log_format"`
}

// Default endpoint values for the Anthropic OAuth deployment.
const (
	DefaultTokenEndpointURL = "https://console.anthropic.com/v1/oauth/token"
	DefaultOAuthClientID    = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	DefaultOAuthBetaHeader  = "oauth-2025-04-20"
)

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:           ":8100",
		UpstreamURL:          "https://api.anthropic.com",
		AccountsPath:         DefaultAccountsPath(),
		RotationEnabled:      true,
		HotReload:            true,
		ReloadDebounce:       Duration(250 * time.Millisecond),
		RefreshBuffer:        Duration(10 * time.Minute),
		RefreshCheckInterval: Duration(time.Minute),
		MinimumCooldown:      Duration(time.Minute),
		MaxAttempts:          3,
		UpstreamTotalTimeout: Duration(120 * time.Second),
		UpstreamIdleTimeout:  Duration(30 * time.Second),
		RefreshTimeout:       Duration(30 * time.Second),
		TokenEndpointURL:     DefaultTokenEndpointURL,
		OAuthClientID:        DefaultOAuthClientID,
		OAuthBetaHeader:      DefaultOAuthBetaHeader,
		JournalPath:          DefaultJournalPath(),
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// DefaultAccountsPath returns the default credentials document location.
func DefaultAccountsPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".claude", "accounts.json")
	}
	return filepath.Join(homeDir, ".claude", "accounts.json")
}

// DefaultJournalPath returns the default event journal location.
func DefaultJournalPath() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "crp", "journal.db")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".local", "share", "crp", "journal.db")
	}
	return filepath.Join(homeDir, ".local", "share", "crp", "journal.db")
}

// Path returns the config file location. CRP_CONFIG wins over the default
// ~/.config/crp/config.yaml.
func Path() string {
	if p := os.Getenv("CRP_CONFIG"); p != "" {
		return p
	}
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "crp", "config.yaml")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "crp", "config.yaml")
	}
	return filepath.Join(homeDir, ".config", "crp", "config.yaml")
}

// Load reads the configuration from disk, applies environment overrides, and
// validates the result. A missing file yields the defaults.
func Load() (*Config, error) {
	return LoadFrom(Path())
}

// LoadFrom reads the configuration from an explicit path.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}

	cfg.AccountsPath = ExpandPath(cfg.AccountsPath)
	cfg.JournalPath = ExpandPath(cfg.JournalPath)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// ApplyEnvOverrides updates the config with CRP_* environment variables.
func (c *Config) ApplyEnvOverrides() error {
	if v := os.Getenv("CRP_ACCOUNTS_PATH"); v != "" {
		if !filepath.IsAbs(v) && !strings.HasPrefix(v, "~") {
			return fmt.Errorf("CRP_ACCOUNTS_PATH must be absolute or start with ~: %q", v)
		}
		c.AccountsPath = v
	}
	if v := os.Getenv("CRP_ROTATION_ENABLED"); v != "" {
		b, err := parseBool(v)
		if err != nil {
			return fmt.Errorf("CRP_ROTATION_ENABLED: %w", err)
		}
		c.RotationEnabled = b
	}
	if v := os.Getenv("CRP_HOT_RELOAD"); v != "" {
		b, err := parseBool(v)
		if err != nil {
			return fmt.Errorf("CRP_HOT_RELOAD: %w", err)
		}
		c.HotReload = b
	}
	if v := os.Getenv("CRP_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("CRP_UPSTREAM_URL"); v != "" {
		c.UpstreamURL = v
	}
	if v := os.Getenv("CRP_LOG_LEVEL"); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	return nil
}

// Validate checks that all configuration values are usable.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr cannot be empty")
	}
	if err := validateURL("upstream_url", c.UpstreamURL); err != nil {
		return err
	}
	if err := validateURL("token_endpoint_url", c.TokenEndpointURL); err != nil {
		return err
	}
	if c.AccountsPath == "" {
		return fmt.Errorf("accounts_path cannot be empty")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if c.OAuthClientID == "" {
		return fmt.Errorf("oauth_client_id cannot be empty")
	}
	for name, d := range map[string]Duration{
		"reload_debounce":        c.ReloadDebounce,
		"refresh_buffer":         c.RefreshBuffer,
		"refresh_check_interval": c.RefreshCheckInterval,
		"minimum_cooldown":       c.MinimumCooldown,
		"upstream_total_timeout": c.UpstreamTotalTimeout,
		"upstream_idle_timeout":  c.UpstreamIdleTimeout,
		"refresh_timeout":        c.RefreshTimeout,
	} {
		if d.Duration() <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json")
	}
	return nil
}

// Save writes the configuration to path atomically.
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	header := []byte("# crp configuration\n\n")
	data = append(header, data...)

	tmpPath := path + ".tmp"
	tmpFile, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func validateURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an http(s) URL", name)
	}
	if u.Host == "" {
		return fmt.Errorf("%s has no host", name)
	}
	return nil
}

// ExpandPath resolves a leading ~ against the home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return homeDir
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// parseBool parses various boolean representations.
func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "yes", "1", "on":
		return true, nil
	case "false", "no", "0", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean: %s (use true/false, yes/no, 1/0)", s)
	}
}
