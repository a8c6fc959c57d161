package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client calls the rotation admin API of a running proxy.
type Client struct {
	base string
	http *http.Client
}

// NewClient builds an admin client for the given base URL, e.g.
// "http://127.0.0.1:8100".
func NewClient(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// Health pings the proxy.
func (c *Client) Health(ctx context.Context) (*HealthPayload, error) {
	var out HealthPayload
	if err := c.call(ctx, http.MethodGet, "/rotation/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status fetches the pool view.
func (c *Client) Status(ctx context.Context) (*StatusPayload, error) {
	var out StatusPayload
	if err := c.call(ctx, http.MethodGet, "/rotation/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Events fetches recent journal entries, optionally filtered by account.
func (c *Client) Events(ctx context.Context, account string, limit int) ([]EventPayload, error) {
	q := url.Values{}
	if account != "" {
		q.Set("account", account)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/rotation/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out EventsPayload
	if err := c.call(ctx, http.MethodGet, path, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// Stats fetches the journal rollup for one account.
func (c *Client) Stats(ctx context.Context, name string) (*StatsPayload, error) {
	var out StatsPayload
	if err := c.call(ctx, http.MethodGet, "/rotation/accounts/"+url.PathEscape(name)+"/stats", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RefreshAccount asks the proxy to refresh a named account immediately.
func (c *Client) RefreshAccount(ctx context.Context, name string) error {
	return c.call(ctx, http.MethodPost, "/rotation/accounts/"+url.PathEscape(name)+"/refresh", nil)
}

// EnableAccount returns a disabled or errored account to the rotation.
func (c *Client) EnableAccount(ctx context.Context, name string) error {
	return c.call(ctx, http.MethodPost, "/rotation/accounts/"+url.PathEscape(name)+"/enable", nil)
}

// DisableAccount removes an account from the rotation.
func (c *Client) DisableAccount(ctx context.Context, name string) error {
	return c.call(ctx, http.MethodPost, "/rotation/accounts/"+url.PathEscape(name)+"/disable", nil)
}

func (c *Client) call(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build admin request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("admin request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read admin response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return adminError(resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode admin response: %w", err)
	}
	return nil
}

func adminError(status int, body []byte) error {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return fmt.Errorf("%s (status %d)", payload.Error, status)
	}
	return fmt.Errorf("admin endpoint returned status %d", status)
}
