// Package providers holds the plumbing shared by the mobile-money
// adapters: bearer-token caching, HTTP error classification and
// webhook signature verification. Everything provider-specific lives
// in the per-operator subpackages.
package providers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	synccash "github.com/synccash/orchestrator"
)

// Config is the common adapter configuration
type Config struct {
	BaseURL        string
	SandboxBaseURL string
	Sandbox        bool
	APIKey         string
	APISecret      string
	WebhookSecret  string
	CallbackURL    string
	Timeout        time.Duration
	Limits         synccash.Limits
	SandboxLimits  synccash.Limits
}

// URL returns the environment's base URL
func (c Config) URL() string {
	if c.Sandbox && c.SandboxBaseURL != "" {
		return c.SandboxBaseURL
	}
	return c.BaseURL
}

// EffectiveLimits returns the environment's transaction bounds
func (c Config) EffectiveLimits() synccash.Limits {
	if c.Sandbox && c.SandboxLimits.Max > 0 {
		return c.SandboxLimits
	}
	if c.Limits.Max > 0 {
		return c.Limits
	}
	return DefaultLimits(c.Sandbox)
}

// DefaultLimits are the stock operator bounds
func DefaultLimits(sandbox bool) synccash.Limits {
	if sandbox {
		return synccash.Limits{
			Min:   synccash.MustAmount("1.00"),
			Max:   synccash.MustAmount("1000.00"),
			Daily: synccash.MustAmount("5000.00"),
		}
	}
	return synccash.Limits{
		Min:   synccash.MustAmount("1.00"),
		Max:   synccash.MustAmount("10000.00"),
		Daily: synccash.MustAmount("50000.00"),
	}
}

// NewHTTPClient returns the pooled client an adapter should use for
// all of its outbound calls
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        32,
			MaxIdleConnsPerHost: 16,
			MaxConnsPerHost:     64,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// TokenSource caches a bearer token and refreshes it single-flight
// when it is within the refresh margin of expiry
type TokenSource struct {
	mu     sync.Mutex
	fetch  func(ctx context.Context) (token string, ttl time.Duration, err error)
	margin time.Duration
	now    func() time.Time

	token     string
	expiresAt time.Time
}

// NewTokenSource wraps a fetch function with caching. margin defaults
// to 60s.
func NewTokenSource(fetch func(ctx context.Context) (string, time.Duration, error), margin time.Duration) *TokenSource {
	if margin <= 0 {
		margin = 60 * time.Second
	}
	return &TokenSource{fetch: fetch, margin: margin, now: time.Now}
}

// SetClock replaces the time source, for tests
func (t *TokenSource) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Token returns a live token, refreshing if needed. The mutex is held
// across the fetch so concurrent callers share one refresh.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && t.now().Add(t.margin).Before(t.expiresAt) {
		return t.token, nil
	}
	token, ttl, err := t.fetch(ctx)
	if err != nil {
		return "", err
	}
	t.token = token
	t.expiresAt = t.now().Add(ttl)
	return token, nil
}

// Invalidate drops the cached token, forcing a refresh on next use
func (t *TokenSource) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = ""
}

// VerifyHMAC checks a hex-encoded HMAC-SHA256 signature over body
func VerifyHMAC(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// SignHMAC produces the hex-encoded HMAC-SHA256 signature of body;
// adapters use it in tests and sandbox tooling
func SignHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ClassifyHTTP maps a provider HTTP status to a canonical error
func ClassifyHTTP(provider synccash.Provider, statusCode int, providerCode, message string, headers http.Header) *synccash.Error {
	switch {
	case statusCode == http.StatusTooManyRequests:
		retryAfter := 0 * time.Second
		if v := headers.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &synccash.Error{
			Kind:       synccash.KindProviderTransient,
			Code:       providerCode,
			Message:    fmt.Sprintf("%s rate limited the request", provider),
			RetryAfter: retryAfter,
		}
	case statusCode >= 500:
		return &synccash.Error{
			Kind:    synccash.KindProviderTransient,
			Code:    providerCode,
			Message: fmt.Sprintf("%s returned %d: %s", provider, statusCode, message),
		}
	default:
		return &synccash.Error{
			Kind:    synccash.KindProviderPermanent,
			Code:    providerCode,
			Message: fmt.Sprintf("%s rejected the request (%d): %s", provider, statusCode, message),
		}
	}
}

// ClassifyTransport maps a transport-level failure. Timeouts on calls
// that may have reached the operator are marked ambiguous and carry
// the client-generated reference for the status probe.
func ClassifyTransport(provider synccash.Provider, err error, providerTxID string) *synccash.Error {
	var netErr net.Error
	timeout := errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout())
	if timeout {
		return &synccash.Error{
			Kind:         synccash.KindProviderTransient,
			Code:         "TIMEOUT",
			Message:      fmt.Sprintf("%s call timed out", provider),
			Ambiguous:    true,
			ProviderTxID: providerTxID,
			Err:          err,
		}
	}
	return &synccash.Error{
		Kind:    synccash.KindProviderTransient,
		Code:    "NETWORK",
		Message: fmt.Sprintf("%s unreachable", provider),
		Err:     err,
	}
}
