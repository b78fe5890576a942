// Package client implements the wallet side of the challenge login flow.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultTimeout       = 10 * time.Second
	DefaultMaxRetries    = 2
	DefaultRefreshBefore = 5 * time.Minute
)

var (
	ErrNotLoggedIn = errors.New("not logged in")
	ErrTimeout     = errors.New("request timed out")
)

// APIError is a non-2xx response from the server
type APIError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("walletauth: %d %s: %s", e.Status, e.Code, e.Message)
}

// Retryable reports whether repeating the request may succeed
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

// IsRetryable reports whether err is a transient failure
func IsRetryable(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return false
}

func isUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// Challenge is the message the server asks the wallet to sign
type Challenge struct {
	Message   string    `json:"challenge"`
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// User identifies the authenticated wallet
type User struct {
	WalletAddress string `json:"walletAddress"`
	PublicKey     string `json:"publicKey"`
}

// Session is the locally held login state
type Session struct {
	Token     string    `json:"token"`
	User      User      `json:"user"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Client talks to the auth API for one wallet
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     Signer
	timeout    time.Duration
	maxRetries int
	retryPace  *rate.Limiter
	logger     *slog.Logger

	refreshBefore time.Duration
	now           func() time.Time

	mu      sync.RWMutex
	session *Session
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout bounds each HTTP call
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetries sets how many times a transient failure is retried
func WithRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithRetryRate paces retries across all calls
func WithRetryRate(limit rate.Limit, burst int) Option {
	return func(c *Client) { c.retryPace = rate.NewLimiter(limit, burst) }
}

// WithRefreshBefore makes Watch refresh the token once it is within d of
// expiry. Zero disables automatic refresh.
func WithRefreshBefore(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.refreshBefore = d
		}
	}
}

// WithLogger sets the client logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client for the API at baseURL
func New(baseURL string, signer Signer, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		signer:     signer,
		timeout:    DefaultTimeout,
		maxRetries: DefaultMaxRetries,
		retryPace:  rate.NewLimiter(rate.Every(500*time.Millisecond), 1),
		logger:     slog.Default(),

		refreshBefore: DefaultRefreshBefore,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session returns the current local session
func (c *Client) Session() (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return nil, false
	}
	s := *c.session
	return &s, true
}

func (c *Client) token() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return "", ErrNotLoggedIn
	}
	return c.session.Token, nil
}

func (c *Client) setSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
}

// Challenge requests a fresh challenge for the signer's public key
func (c *Client) Challenge(ctx context.Context) (*Challenge, error) {
	var out Challenge
	body := map[string]string{"publicKey": c.signer.PublicKey()}
	if err := c.call(ctx, http.MethodPost, "/api/auth/challenge", body, "", &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// Login signs a fresh challenge and stores the resulting session
func (c *Client) Login(ctx context.Context) (*Session, error) {
	challenge, err := c.Challenge(ctx)
	if err != nil {
		return nil, fmt.Errorf("challenge: %w", err)
	}

	signature, err := c.signer.SignMessage([]byte(challenge.Message))
	if err != nil {
		return nil, fmt.Errorf("sign challenge: %w", err)
	}

	var session Session
	body := map[string]string{
		"message":   challenge.Message,
		"signature": signature,
		"publicKey": c.signer.PublicKey(),
	}
	if err := c.call(ctx, http.MethodPost, "/api/auth/verify", body, "", &session, false); err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}

	c.setSession(&session)
	return &session, nil
}

// Validate checks the stored token with the server. A 401 clears local state.
func (c *Client) Validate(ctx context.Context) (*Session, error) {
	token, err := c.token()
	if err != nil {
		return nil, err
	}

	var out struct {
		Valid     bool      `json:"valid"`
		User      User      `json:"user"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/auth/validate", nil, token, &out, true); err != nil {
		if isUnauthorized(err) {
			c.setSession(nil)
		}
		return nil, err
	}

	return &Session{Token: token, User: out.User, ExpiresAt: out.ExpiresAt}, nil
}

// Refresh swaps the stored token for a new one
func (c *Client) Refresh(ctx context.Context) (*Session, error) {
	token, err := c.token()
	if err != nil {
		return nil, err
	}

	var session Session
	if err := c.call(ctx, http.MethodPost, "/api/auth/refresh", nil, token, &session, false); err != nil {
		if isUnauthorized(err) {
			c.setSession(nil)
		}
		return nil, err
	}

	c.setSession(&session)
	return &session, nil
}

// Logout revokes the token on the server when reachable. Local state is
// always cleared; the returned error is informational.
func (c *Client) Logout(ctx context.Context) error {
	token, err := c.token()
	if err != nil {
		return nil
	}
	c.setSession(nil)

	return c.call(ctx, http.MethodPost, "/api/auth/logout", nil, token, nil, false)
}

// Watch checks the session every interval: it refreshes the token when it is
// close to expiry and validates it otherwise. After maxFailures consecutive
// transient failures, or any 401, it logs out locally, calls onLogout and returns.
func (c *Client) Watch(ctx context.Context, interval time.Duration, maxFailures int, onLogout func(error)) {
	if maxFailures < 1 {
		maxFailures = 1
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := c.check(ctx)
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}

		failures++
		c.logger.Warn("session check failed", "failures", failures, "error", err)

		if isUnauthorized(err) || errors.Is(err, ErrNotLoggedIn) || failures >= maxFailures {
			if logoutErr := c.Logout(ctx); logoutErr != nil {
				c.logger.Debug("logout after failed validation", "error", logoutErr)
			}
			if onLogout != nil {
				onLogout(err)
			}
			return
		}
	}
}

func (c *Client) check(ctx context.Context) error {
	if c.needsRefresh() {
		_, err := c.Refresh(ctx)
		return err
	}
	_, err := c.Validate(ctx)
	return err
}

func (c *Client) needsRefresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil || c.refreshBefore == 0 || c.session.ExpiresAt.IsZero() {
		return false
	}
	return c.session.ExpiresAt.Sub(c.now()) < c.refreshBefore
}

// call performs the request, retrying transient failures when retry is set
func (c *Client) call(ctx context.Context, method, path string, body any, token string, out any, retry bool) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		err := c.once(ctx, method, path, payload, token, out)
		if err == nil {
			return nil
		}
		if !retry || attempt >= c.maxRetries || !IsRetryable(err) {
			return err
		}

		if err := c.backoff(ctx, err); err != nil {
			return err
		}
		c.logger.Debug("retrying request", "path", path, "attempt", attempt+1)
	}
}

func (c *Client) backoff(ctx context.Context, cause error) error {
	var apiErr *APIError
	if errors.As(cause, &apiErr) && apiErr.RetryAfter > 0 {
		timer := time.NewTimer(apiErr.RetryAfter)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return c.retryPace.Wait(ctx)
}

func (c *Client) once(ctx context.Context, method, path string, payload []byte, token string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s %s: %w", method, path, ErrTimeout)
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s %s: %w", method, path, ErrTimeout)
		}
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeAPIError(resp, raw)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response, raw []byte) error {
	var body struct {
		Error      string `json:"error"`
		Code       string `json:"code"`
		RetryAfter int64  `json:"retryAfter"`
	}
	_ = json.Unmarshal(raw, &body)

	apiErr := &APIError{Status: resp.StatusCode, Code: body.Code, Message: body.Error}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}

	if secs, err := strconv.ParseInt(resp.Header.Get("Retry-After"), 10, 64); err == nil && secs > 0 {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	} else if body.RetryAfter > 0 {
		apiErr.RetryAfter = time.Duration(body.RetryAfter) * time.Second
	}
	return apiErr
}
