package dispatch

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Dicklesworthstone/claude_rotation_proxy/internal/pool"
)

// Headers with per-connection meaning, dropped in both directions.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHop(h http.Header) {
	for _, field := range h.Values("Connection") {
		for _, name := range strings.Split(field, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	copyHeader(out, h)
	return out
}

func copyHeader(dst, src http.Header) {
	for key, values := range src {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// appendBeta merges a beta flag into anthropic-beta without duplicating it.
func appendBeta(h http.Header, beta string) {
	existing := h.Get("anthropic-beta")
	if existing == "" {
		h.Set("anthropic-beta", beta)
		return
	}
	for _, part := range strings.Split(existing, ",") {
		if strings.TrimSpace(part) == beta {
			return
		}
	}
	h.Set("anthropic-beta", existing+","+beta)
}

func joinURLPath(base, req *url.URL) (path, rawpath string) {
	if base.RawPath == "" && req.RawPath == "" {
		return singleJoiningSlash(base.Path, req.Path), ""
	}
	apath := base.EscapedPath()
	bpath := req.EscapedPath()
	aslash := strings.HasSuffix(apath, "/")
	bslash := strings.HasPrefix(bpath, "/")
	switch {
	case aslash && bslash:
		return base.Path + req.Path[1:], apath + bpath[1:]
	case !aslash && !bslash:
		return base.Path + "/" + req.Path, apath + "/" + bpath
	}
	return base.Path + req.Path, apath + bpath
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// retryAfterFrom extracts a cooldown hint from a throttled response. The
// standard Retry-After header wins; the vendor reset headers are consulted
// in turn when it is absent.
func retryAfterFrom(h http.Header, now time.Time) (time.Duration, bool) {
	if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second, true
		}
		if t, err := http.ParseTime(v); err == nil {
			return positive(t.Sub(now)), true
		}
	}
	for _, name := range []string{"anthropic-ratelimit-unified-reset", "anthropic-ratelimit-unified-7d-reset"} {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
				return positive(time.Unix(unix, 0).Sub(now)), true
			}
		}
	}
	for _, name := range []string{"anthropic-ratelimit-tokens-reset", "anthropic-ratelimit-requests-reset"} {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return positive(t.Sub(now)), true
			}
		}
	}
	return 0, false
}

func positive(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

// capacityFrom reads the passive rate-limit telemetry the upstream attaches
// to responses. Partial header sets still count; absent fields stay zero.
func capacityFrom(h http.Header, now time.Time) (pool.Capacity, bool) {
	c := pool.Capacity{CapturedAt: now}
	found := false

	read := func(name string, dst *int64) {
		v := strings.TrimSpace(h.Get(name))
		if v == "" {
			return
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
			found = true
		}
	}
	read("anthropic-ratelimit-requests-limit", &c.RequestsLimit)
	read("anthropic-ratelimit-requests-remaining", &c.RequestsRemaining)
	read("anthropic-ratelimit-tokens-limit", &c.TokensLimit)
	read("anthropic-ratelimit-tokens-remaining", &c.TokensRemaining)

	for _, name := range []string{"anthropic-ratelimit-requests-reset", "anthropic-ratelimit-tokens-reset"} {
		if v := strings.TrimSpace(h.Get(name)); v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				c.ResetsAt = t
				found = true
				break
			}
		}
	}
	if c.ResetsAt.IsZero() {
		if v := strings.TrimSpace(h.Get("anthropic-ratelimit-unified-reset")); v != "" {
			if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
				c.ResetsAt = time.Unix(unix, 0).UTC()
				found = true
			}
		}
	}
	return c, found
}
