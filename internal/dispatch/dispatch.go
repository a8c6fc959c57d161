// Package dispatch forwards chat completion requests to the upstream API,
// rotating across pool accounts when an attempt is throttled or rejected.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Dicklesworthstone/claude_rotation_proxy/internal/pool"
)

// AccountHeader names a specific account and turns failover off for that
// request. The header is stripped before forwarding.
const AccountHeader = "X-Account-Name"

// maxRetryCooldown caps how far in the future an upstream reset hint may
// push an account's cooldown.
const maxRetryCooldown = 24 * time.Hour

// errorBodyLimit bounds how much of a failed upstream body is buffered for
// replay to the client.
const errorBodyLimit = 1 << 20

// Options configures a Dispatcher.
type Options struct {
	// Upstream is the base URL requests are forwarded to.
	Upstream *url.URL

	// Client overrides the upstream HTTP client. It must not carry its own
	// Timeout; the dispatcher manages per-attempt deadlines. Nil selects a
	// pooled default.
	Client *http.Client

	Logger *slog.Logger

	// MaxAttempts caps accounts tried per dispatch, including the first.
	// Zero means 3. Serve sets 1 when rotation is disabled.
	MaxAttempts int

	// UpstreamTimeout is the total deadline on a non-streaming attempt and
	// on the header phase of a streaming one. Zero means 120s.
	UpstreamTimeout time.Duration

	// StreamIdleTimeout bounds the gap between streamed reads once a
	// response body is flowing. Zero means 30s.
	StreamIdleTimeout time.Duration

	// OAuthBeta is appended to the anthropic-beta header on forwarded
	// requests. Empty leaves the header untouched.
	OAuthBeta string
}

// Dispatcher is the proxy's request path. It implements http.Handler.
type Dispatcher struct {
	pool        *pool.Pool
	upstream    *url.URL
	client      *http.Client
	logger      *slog.Logger
	maxAttempts int
	totalTO     time.Duration
	idleTO      time.Duration
	oauthBeta   string
}

// New builds a dispatcher over the given pool.
func New(p *pool.Pool, opts Options) *Dispatcher {
	client := opts.Client
	if client == nil {
		client = &http.Client{Transport: defaultTransport()}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	totalTO := opts.UpstreamTimeout
	if totalTO <= 0 {
		totalTO = 120 * time.Second
	}
	idleTO := opts.StreamIdleTimeout
	if idleTO <= 0 {
		idleTO = 30 * time.Second
	}
	return &Dispatcher{
		pool:        p,
		upstream:    opts.Upstream,
		client:      client,
		logger:      logger,
		maxAttempts: maxAttempts,
		totalTO:     totalTO,
		idleTO:      idleTO,
		oauthBeta:   opts.OAuthBeta,
	}
}

func defaultTransport() *http.Transport {
	return &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 32,
		MaxConnsPerHost:     64,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
	}
}

// bufferedResponse holds a failed upstream answer for replay when every
// failover attempt is spent.
type bufferedResponse struct {
	status int
	header http.Header
	body   []byte
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}

	manualName := r.Header.Get(AccountHeader)
	if manualName != "" {
		d.dispatchManual(w, r, body, manualName, requestID)
		return
	}
	d.dispatchRotating(w, r, body, requestID)
}

// dispatchManual forwards on the named account with no failover. The
// upstream answer comes back as-is. Throttles are still reported so the
// pool's view stays honest; an auth rejection is not, because it must not
// sideline an account the operator probed on purpose.
func (d *Dispatcher) dispatchManual(w http.ResponseWriter, r *http.Request, body []byte, name, requestID string) {
	lease, err := d.pool.AcquirePreferred(name)
	if err != nil {
		var missing *pool.NoSuchAccountError
		if errors.As(err, &missing) {
			if missing.Disabled {
				writeError(w, http.StatusServiceUnavailable, "overloaded_error",
					fmt.Sprintf("account %q is disabled", name))
				return
			}
			writeError(w, http.StatusBadRequest, "invalid_request_error",
				fmt.Sprintf("unknown account %q", name))
			return
		}
		writeError(w, http.StatusServiceUnavailable, "overloaded_error", "account unavailable")
		return
	}

	res := d.attempt(w, r, body, lease, requestID, 1, true)
	switch res.kind {
	case attemptServed, attemptClientGone:
		return
	case attemptTransportError:
		writeError(w, http.StatusBadGateway, "api_error", "upstream request failed")
	case attemptFailedStatus:
		d.replay(w, res.buffered)
	}
}

// dispatchRotating runs the failover loop: up to maxAttempts accounts, never
// the same one twice, except that a transient failure may land back on the
// only available account.
func (d *Dispatcher) dispatchRotating(w http.ResponseWriter, r *http.Request, body []byte, requestID string) {
	tried := make(map[string]bool)
	var triedOrder []string
	var last *bufferedResponse
	sawResponse := false
	allThrottled := true
	allAuth := true
	maxRetryAfter := time.Duration(-1)
	lastTransient := false

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if r.Context().Err() != nil {
			return
		}

		lease, err := d.pool.AcquireExcluding(tried)
		if err != nil {
			if len(tried) == 0 {
				var na *pool.NoAccountAvailableError
				if errors.As(err, &na) {
					writeNoAccounts(w, na.RetryIn)
					return
				}
				break
			}
			if !lastTransient {
				break
			}
			// After a transient failure the sole remaining account may be
			// tried again; throttles and auth errors never are.
			lease, err = d.pool.Acquire()
			if err != nil {
				break
			}
		}
		if !tried[lease.Name] {
			tried[lease.Name] = true
			triedOrder = append(triedOrder, lease.Name)
		}

		res := d.attempt(w, r, body, lease, requestID, attempt, false)
		switch res.kind {
		case attemptServed, attemptClientGone:
			return
		case attemptTransportError:
			allThrottled, allAuth = false, false
			lastTransient = true
		case attemptFailedStatus:
			sawResponse = true
			last = res.buffered
			lastTransient = res.buffered.status >= 500
			switch res.buffered.status {
			case http.StatusTooManyRequests:
				allAuth = false
				if res.retryAfter > maxRetryAfter {
					maxRetryAfter = res.retryAfter
				}
			case http.StatusUnauthorized, http.StatusForbidden:
				allThrottled = false
			default:
				allThrottled, allAuth = false, false
			}
		}
	}

	switch {
	case sawResponse && allThrottled:
		if maxRetryAfter < 0 {
			maxRetryAfter = time.Minute
		}
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(maxRetryAfter.Seconds()+0.5)))
		writeError(w, http.StatusTooManyRequests, "rate_limit_error",
			fmt.Sprintf("all accounts are rate limited (tried %s)", strings.Join(triedOrder, ", ")))
	case sawResponse && allAuth:
		// Every account was rejected; the proxy's credentials are the
		// problem, not the client's request.
		writeError(w, http.StatusBadGateway, "api_error", "upstream rejected the proxy's credentials")
	case last != nil:
		d.replay(w, last)
	default:
		writeError(w, http.StatusBadGateway, "api_error", "upstream unreachable")
	}
}

type attemptKind int

const (
	// attemptServed means the response went to the client.
	attemptServed attemptKind = iota
	// attemptFailedStatus means a retryable upstream status was observed
	// and buffered.
	attemptFailedStatus
	// attemptTransportError means the upstream call itself failed.
	attemptTransportError
	// attemptClientGone means the client disconnected; nothing to send.
	attemptClientGone
)

type attemptResult struct {
	kind       attemptKind
	buffered   *bufferedResponse
	retryAfter time.Duration
}

// attempt runs one upstream call on the leased account. 2xx and
// non-retryable 4xx responses are forwarded to the client immediately;
// 429/401/403/5xx are buffered for the caller's failover decision. In
// manual mode an auth rejection is not reported to the pool.
func (d *Dispatcher) attempt(w http.ResponseWriter, r *http.Request, body []byte, lease pool.Lease, requestID string, attempt int, manual bool) attemptResult {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	req, err := d.buildUpstream(ctx, r, body, lease.AccessToken)
	if err != nil {
		d.logger.Error("build upstream request failed", "request_id", requestID, "error", err)
		d.pool.Report(lease.Name, pool.Outcome{Kind: pool.OutcomeTransient, Detail: "request build failed"})
		return attemptResult{kind: attemptTransportError}
	}

	headerTimer := time.AfterFunc(d.totalTO, cancel)
	resp, err := d.client.Do(req)
	if err != nil {
		headerTimer.Stop()
		if r.Context().Err() != nil {
			return attemptResult{kind: attemptClientGone}
		}
		d.logger.Warn("upstream attempt failed",
			"request_id", requestID, "account", lease.Name, "attempt", attempt, "error", err)
		d.pool.Report(lease.Name, pool.Outcome{Kind: pool.OutcomeTransient, Detail: "network error"})
		return attemptResult{kind: attemptTransportError}
	}

	now := time.Now()
	if c, ok := capacityFrom(resp.Header, now); ok {
		d.pool.RecordCapacity(lease.Name, c)
	}

	d.logger.Info("upstream response",
		"request_id", requestID,
		"account", lease.Name,
		"attempt", attempt,
		"method", r.Method,
		"path", r.URL.Path,
		"status", resp.StatusCode)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		d.pool.Report(lease.Name, pool.Outcome{Kind: pool.OutcomeOK})
		d.forward(w, resp, headerTimer, r.Context())
		return attemptResult{kind: attemptServed}

	case resp.StatusCode == http.StatusTooManyRequests:
		buf := drain(resp, headerTimer)
		retryAfter, ok := retryAfterFrom(resp.Header, now)
		if !ok {
			retryAfter = -1
		} else if retryAfter > maxRetryCooldown {
			retryAfter = maxRetryCooldown
		}
		reported := retryAfter
		if reported < 0 {
			reported = 0
		}
		d.pool.Report(lease.Name, pool.Outcome{Kind: pool.OutcomeRateLimited, RetryAfter: reported})
		return attemptResult{kind: attemptFailedStatus, buffered: buf, retryAfter: retryAfter}

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		buf := drain(resp, headerTimer)
		if !manual {
			d.pool.Report(lease.Name, pool.Outcome{
				Kind:   pool.OutcomeAuthError,
				Detail: authFailureDetail(resp.StatusCode, buf.body),
			})
		}
		return attemptResult{kind: attemptFailedStatus, buffered: buf}

	case resp.StatusCode >= 500:
		buf := drain(resp, headerTimer)
		d.pool.Report(lease.Name, pool.Outcome{
			Kind:   pool.OutcomeTransient,
			Detail: fmt.Sprintf("upstream returned %d", resp.StatusCode),
		})
		return attemptResult{kind: attemptFailedStatus, buffered: buf}

	default:
		// Other 4xx is the caller's problem, not the account's.
		d.pool.Report(lease.Name, pool.Outcome{Kind: pool.OutcomeOK})
		d.forward(w, resp, headerTimer, r.Context())
		return attemptResult{kind: attemptServed}
	}
}

// buildUpstream clones the client request against the upstream base URL with
// the account's bearer token in place of any client authentication.
func (d *Dispatcher) buildUpstream(ctx context.Context, r *http.Request, body []byte, token string) (*http.Request, error) {
	target := *d.upstream
	target.Path, target.RawPath = joinURLPath(d.upstream, r.URL)
	target.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header = cloneHeader(r.Header)
	removeHopByHop(req.Header)
	req.Header.Del(AccountHeader)
	req.Header.Del("X-Api-Key")
	req.Header.Set("Authorization", "Bearer "+token)
	if d.oauthBeta != "" {
		appendBeta(req.Header, d.oauthBeta)
	}
	req.ContentLength = int64(len(body))
	return req, nil
}

// forward relays a response that will not be retried. A streaming body
// (event-stream or chunked) switches from the total deadline to an idle
// timer that each read resets; failover is off from here regardless of what
// the stream does.
func (d *Dispatcher) forward(w http.ResponseWriter, resp *http.Response, headerTimer *time.Timer, clientCtx context.Context) {
	defer resp.Body.Close()

	streaming := isStreaming(resp)
	copyHeader(w.Header(), resp.Header)
	removeHopByHop(w.Header())
	w.WriteHeader(resp.StatusCode)

	if !streaming {
		// headerTimer keeps running so the total deadline covers the body.
		defer headerTimer.Stop()
		if _, err := io.Copy(w, resp.Body); err != nil && clientCtx.Err() == nil {
			d.logger.Warn("response copy interrupted", "error", err)
		}
		return
	}

	headerTimer.Stop()
	flusher, _ := w.(http.Flusher)
	idle := time.AfterFunc(d.idleTO, func() { resp.Body.Close() })
	defer idle.Stop()

	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			idle.Reset(d.idleTO)
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF && clientCtx.Err() == nil {
				d.logger.Warn("stream interrupted", "error", err)
			}
			return
		}
	}
}

// replay sends a buffered upstream failure to the client unchanged.
func (d *Dispatcher) replay(w http.ResponseWriter, buf *bufferedResponse) {
	copyHeader(w.Header(), buf.header)
	removeHopByHop(w.Header())
	w.Header().Del("Content-Length")
	w.WriteHeader(buf.status)
	w.Write(buf.body)
}

// drain buffers a bounded copy of a failed response and releases the
// connection.
func drain(resp *http.Response, headerTimer *time.Timer) *bufferedResponse {
	defer headerTimer.Stop()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	resp.Body.Close()
	return &bufferedResponse{
		status: resp.StatusCode,
		header: cloneHeader(resp.Header),
		body:   body,
	}
}

func isStreaming(resp *http.Response) bool {
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.HasPrefix(ct, "text/event-stream") {
		return true
	}
	for _, te := range resp.TransferEncoding {
		if strings.EqualFold(te, "chunked") {
			return true
		}
	}
	return false
}

func writeNoAccounts(w http.ResponseWriter, retryIn time.Duration) {
	if retryIn > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retryIn.Seconds()+0.5)))
		writeError(w, http.StatusServiceUnavailable, "overloaded_error",
			fmt.Sprintf("no accounts available; retry in %ds", int(retryIn.Seconds()+0.5)))
		return
	}
	writeError(w, http.StatusServiceUnavailable, "overloaded_error", "no accounts available")
}

type errorEnvelope struct {
	Type  string      `json:"type"`
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{
		Type:  "error",
		Error: errorDetail{Type: errType, Message: msg},
	})
}

// authFailureDetail pulls the upstream error message out of a rejection body
// for last_error diagnostics, falling back to the bare status code.
func authFailureDetail(status int, body []byte) string {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Message != "" {
		msg := env.Error.Message
		if len(msg) > 120 {
			msg = msg[:117] + "..."
		}
		return fmt.Sprintf("upstream returned %d: %s", status, msg)
	}
	return fmt.Sprintf("upstream returned %d", status)
}
