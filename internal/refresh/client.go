// Package refresh keeps account access tokens current. A Client exchanges
// refresh tokens against the OAuth token endpoint and a Scheduler sweeps the
// pool for accounts whose tokens are about to expire.
package refresh

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds a single token endpoint round trip.
const DefaultTimeout = 30 * time.Second

// defaultExpiresIn is assumed when the endpoint omits expires_in.
const defaultExpiresIn = 3600

// TokenResponse is the token endpoint's success payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ExpiryFrom converts the relative expires_in to an absolute deadline.
func (r *TokenResponse) ExpiryFrom(now time.Time) time.Time {
	secs := r.ExpiresIn
	if secs <= 0 {
		secs = defaultExpiresIn
	}
	return now.Add(time.Duration(secs) * time.Second)
}

// TokenError is a non-2xx answer from the token endpoint.
type TokenError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *TokenError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("token endpoint returned status %d", e.StatusCode)
	}
	if e.Description == "" {
		return fmt.Sprintf("token endpoint returned %s (status %d)", e.Code, e.StatusCode)
	}
	return fmt.Sprintf("token endpoint returned %s (status %d): %s", e.Code, e.StatusCode, e.Description)
}

// Terminal reports whether retrying with the same refresh token is pointless.
func (e *TokenError) Terminal() bool {
	return e.Code == "invalid_grant"
}

// Client exchanges refresh tokens for fresh access tokens.
type Client struct {
	endpoint string
	clientID string
	http     *http.Client
}

// NewClient builds a token endpoint client. A zero timeout selects
// DefaultTimeout.
func NewClient(endpoint, clientID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		endpoint: endpoint,
		clientID: clientID,
		http:     &http.Client{Timeout: timeout},
	}
}

// Refresh performs the refresh_token grant. The returned error is a
// *TokenError when the endpoint answered with a non-2xx status; its message
// carries the endpoint's error code, never the tokens themselves.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("refresh token is empty")
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.clientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token endpoint response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseTokenError(resp.StatusCode, body)
	}

	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("decode token endpoint response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint response missing access_token")
	}
	return &token, nil
}

// parseTokenError extracts the OAuth error code from an error body. Bodies
// that are not the standard {"error": ...} shape still produce a TokenError
// carrying the status code alone.
func parseTokenError(status int, body []byte) *TokenError {
	var payload struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return &TokenError{StatusCode: status}
	}
	return &TokenError{
		StatusCode:  status,
		Code:        payload.Error,
		Description: payload.ErrorDescription,
	}
}
