// Package accounts loads, validates, and persists the credentials document.
//
// The document is a small JSON file mapping account names to OAuth token
// triples. Humans edit it, the refresh scheduler rewrites it, and the file
// watcher reloads it, so parsing preserves declaration order and writes are
// atomic.
package accounts

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Version is the only supported credentials document version.
const Version = 1

// namePattern restricts account names to something safe for log lines,
// URLs, and filenames.
var namePattern = regexp.MustCompile(`^[a-z0-9_-]{1,32}$`)

// Account is one named OAuth credential from the document.
type Account struct {
	Name         string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// wireAccount is the on-disk shape of a single account entry. Unknown
// fields are tolerated for forward compatibility.
type wireAccount struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt"`
}

// Document is a parsed credentials file. Accounts keep the order they
// were declared in; the pool's rotation order follows it.
type Document struct {
	Version  int
	Accounts []Account
}

// NewDocument returns an empty document at the current version.
func NewDocument() *Document {
	return &Document{Version: Version}
}

// ValidName reports whether name is acceptable as an account name.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// Load reads and parses the credentials document at path. A missing file
// is reported via a wrapped os.ErrNotExist so callers can distinguish
// "no document yet" from a malformed one.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a credentials document.
func Parse(data []byte) (*Document, error) {
	var head struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	if head.Version == nil {
		return nil, fmt.Errorf("credentials document has no version field")
	}
	if *head.Version != Version {
		return nil, fmt.Errorf("unsupported credentials version %d (want %d)", *head.Version, Version)
	}

	accts, err := parseAccounts(data)
	if err != nil {
		return nil, err
	}

	doc := &Document{Version: Version, Accounts: accts}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// parseAccounts walks the raw document with a token decoder so that
// declaration order survives and duplicate names are caught. A plain
// map[string]... decode would silently keep the last duplicate.
func parseAccounts(data []byte) ([]Account, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	if err := expectDelim(dec, '{'); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	var accts []Account
	seen := make(map[string]bool)

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parse credentials: %w", err)
		}
		key, _ := keyTok.(string)

		if key != "accounts" {
			// Skip the value of any other top-level field.
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, fmt.Errorf("parse credentials: %w", err)
			}
			continue
		}

		if err := expectDelim(dec, '{'); err != nil {
			return nil, fmt.Errorf("parse accounts object: %w", err)
		}
		for dec.More() {
			nameTok, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("parse accounts object: %w", err)
			}
			name, _ := nameTok.(string)
			if seen[name] {
				return nil, fmt.Errorf("duplicate account name: %q", name)
			}
			seen[name] = true

			var w wireAccount
			if err := dec.Decode(&w); err != nil {
				return nil, fmt.Errorf("parse account %q: %w", name, err)
			}
			accts = append(accts, Account{
				Name:         name,
				AccessToken:  w.AccessToken,
				RefreshToken: w.RefreshToken,
				ExpiresAt:    time.UnixMilli(w.ExpiresAt),
			})
		}
		if _, err := dec.Token(); err != nil { // closing '}'
			return nil, fmt.Errorf("parse accounts object: %w", err)
		}
	}

	return accts, nil
}

func expectDelim(dec *json.Decoder, want rune) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	d, ok := tok.(json.Delim)
	if !ok || rune(d) != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

// Validate checks every account entry. Malformed entries fail the whole
// document so a half-broken file never partially loads.
func (d *Document) Validate() error {
	if d.Version != Version {
		return fmt.Errorf("unsupported credentials version %d (want %d)", d.Version, Version)
	}
	for _, a := range d.Accounts {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks a single account entry.
func (a Account) Validate() error {
	if !ValidName(a.Name) {
		return fmt.Errorf("invalid account name %q: must match %s", a.Name, namePattern)
	}
	if a.AccessToken == "" {
		return fmt.Errorf("account %q: access token is empty", a.Name)
	}
	if a.RefreshToken == "" {
		return fmt.Errorf("account %q: refresh token is empty", a.Name)
	}
	if a.ExpiresAt.UnixMilli() <= 0 {
		return fmt.Errorf("account %q: expiresAt must be a positive millisecond timestamp", a.Name)
	}
	return nil
}

// Warnings returns soft findings about token shape. These never fail a
// load; they surface likely copy/paste mistakes in logs.
func (a Account) Warnings() []string {
	var out []string
	if len(a.AccessToken) < 20 || !strings.HasPrefix(a.AccessToken, "sk-ant-") {
		out = append(out, fmt.Sprintf("account %q: access token does not look like an OAuth access token", a.Name))
	}
	if len(a.RefreshToken) < 20 || !strings.HasPrefix(a.RefreshToken, "sk-ant-") {
		out = append(out, fmt.Sprintf("account %q: refresh token does not look like an OAuth refresh token", a.Name))
	}
	return out
}

// Expired reports whether the access token is already past its expiry.
func (a Account) Expired(now time.Time) bool {
	return !a.ExpiresAt.After(now)
}

// ExpiresWithin reports whether the access token expires inside the
// given window from now.
func (a Account) ExpiresWithin(now time.Time, window time.Duration) bool {
	return !a.ExpiresAt.After(now.Add(window))
}

// Get returns the account with the given name.
func (d *Document) Get(name string) (Account, bool) {
	for _, a := range d.Accounts {
		if a.Name == name {
			return a, true
		}
	}
	return Account{}, false
}

// Names returns account names in declaration order.
func (d *Document) Names() []string {
	out := make([]string, len(d.Accounts))
	for i, a := range d.Accounts {
		out[i] = a.Name
	}
	return out
}

// Set replaces the account with the same name, or appends it.
func (d *Document) Set(a Account) {
	for i := range d.Accounts {
		if d.Accounts[i].Name == a.Name {
			d.Accounts[i] = a
			return
		}
	}
	d.Accounts = append(d.Accounts, a)
}

// Remove deletes the named account, reporting whether it was present.
func (d *Document) Remove(name string) bool {
	for i := range d.Accounts {
		if d.Accounts[i].Name == name {
			d.Accounts = append(d.Accounts[:i], d.Accounts[i+1:]...)
			return true
		}
	}
	return false
}

// UpdateTokens overwrites the stored tokens for name after a successful
// refresh. A missing name reports false; the scheduler treats that as
// the account having been removed underneath it.
func (d *Document) UpdateTokens(name, accessToken, refreshToken string, expiresAt time.Time) bool {
	for i := range d.Accounts {
		if d.Accounts[i].Name == name {
			d.Accounts[i].AccessToken = accessToken
			d.Accounts[i].RefreshToken = refreshToken
			d.Accounts[i].ExpiresAt = expiresAt
			return true
		}
	}
	return false
}

// orderedAccounts marshals the accounts as a JSON object in slice order.
type orderedAccounts []Account

func (o orderedAccounts) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, a := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(a.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		entry, err := json.Marshal(wireAccount{
			AccessToken:  a.AccessToken,
			RefreshToken: a.RefreshToken,
			ExpiresAt:    a.ExpiresAt.UnixMilli(),
		})
		if err != nil {
			return nil, err
		}
		buf.Write(entry)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Encode renders the document as indented JSON, accounts in order.
func (d *Document) Encode() ([]byte, error) {
	wire := struct {
		Version  int             `json:"version"`
		Accounts orderedAccounts `json:"accounts"`
	}{
		Version:  d.Version,
		Accounts: orderedAccounts(d.Accounts),
	}
	data, err := json.MarshalIndent(wire, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode credentials: %w", err)
	}
	return append(data, '\n'), nil
}

// Save writes the document atomically with owner-only permissions and
// returns the content hash of the bytes written. Callers hand the hash
// to the file watcher so the resulting change event can be recognized
// as a self-write.
func Save(path string, d *Document) (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	data, err := d.Encode()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("create credentials dir: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", fmt.Errorf("create temp credentials file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("write credentials: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("sync credentials: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close credentials: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename credentials into place: %w", err)
	}

	return HashBytes(data), nil
}

// HashBytes returns the hex SHA-256 of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashFile returns the hex SHA-256 of the file contents at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Redact collapses a token to its first and last few characters for log
// lines and error messages. Tokens never appear whole in diagnostics.
func Redact(token string) string {
	if len(token) < 16 {
		return "***"
	}
	return token[:8] + "..." + token[len(token)-4:]
}
