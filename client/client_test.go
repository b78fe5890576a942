package client

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/isis-anubis/walletauth/adapters/store"
	"github.com/isis-anubis/walletauth/adapters/tokenizer"
	"github.com/isis-anubis/walletauth/adapters/verifier"
	"github.com/isis-anubis/walletauth/service"
	transport "github.com/isis-anubis/walletauth/transport/http"
)

func newAPIServer(t *testing.T, opts ...tokenizer.Option) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	nonces := store.NewMemoryNonceStore()
	blacklist := store.NewMemoryBlacklist()
	tk, err := tokenizer.NewJWTTokenizer([]byte("client-test-secret-0123456789abcdef"), blacklist, opts...)
	require.NoError(t, err)

	svc := service.NewAuthService(nonces, tk, verifier.NewMultiVerifier(false), blacklist)
	limiter := service.NewRateLimiter(store.NewMemoryRateLimitStore())

	handler, err := transport.NewHandler(transport.RouterConfig{AuthService: svc, Limiter: limiter}, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newSigner(t *testing.T) *Ed25519Signer {
	t.Helper()
	s, err := GenerateEd25519Signer()
	require.NoError(t, err)
	return s
}

func fastRetries() Option {
	return WithRetryRate(rate.Inf, 1)
}

func TestClientAgainstServer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newAPIServer(t)
	signer := newSigner(t)
	c := New(srv.URL, signer)

	_, err := c.Validate(ctx)
	assert.ErrorIs(t, err, ErrNotLoggedIn)

	session, err := c.Login(ctx)
	require.NoError(t, err)
	assert.Equal(t, signer.PublicKey(), session.User.WalletAddress)
	assert.NotEmpty(t, session.Token)

	validated, err := c.Validate(ctx)
	require.NoError(t, err)
	assert.Equal(t, signer.PublicKey(), validated.User.PublicKey)

	refreshed, err := c.Refresh(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, session.Token, refreshed.Token)

	// the superseded token is rejected by the server
	stale := New(srv.URL, signer)
	stale.setSession(session)
	_, err = stale.Validate(ctx)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "TOKEN_REVOKED", apiErr.Code)
	_, ok := stale.Session()
	assert.False(t, ok)

	require.NoError(t, c.Logout(ctx))
	_, ok = c.Session()
	assert.False(t, ok)

	// the token is revoked server side too
	stale.setSession(refreshed)
	_, err = stale.Validate(ctx)
	assert.Error(t, err)
}

func TestSignerProducesVerifiableSignatures(t *testing.T) {
	t.Parallel()
	signer := newSigner(t)

	sig, err := signer.SignMessage([]byte("hello"))
	require.NoError(t, err)
	assert.True(t, verifier.NewEd25519Verifier().Verify([]byte("hello"), sig, signer.PublicKey()))

	_, err = NewEd25519Signer(ed25519.PrivateKey([]byte("short")))
	assert.Error(t, err)
}

func TestClientRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "down", "code": "SERVICE_UNAVAILABLE"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"challenge": "msg", "nonce": "n"})
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL, newSigner(t), fastRetries())
	challenge, err := c.Challenge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "msg", challenge.Message)
	assert.Equal(t, int32(3), calls.Load())

	calls.Store(0)
	c = New(srv.URL, newSigner(t), fastRetries(), WithRetries(1))
	_, err = c.Challenge(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.True(t, IsRetryable(err))
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "Invalid public key", "code": "INVALID_PUBLIC_KEY"})
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL, newSigner(t), fastRetries())
	_, err := c.Challenge(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "INVALID_PUBLIC_KEY", apiErr.Code)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientParsesRetryAfter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "Too many requests", "code": "RATE_LIMITED", "retryAfter": 42})
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL, newSigner(t), WithRetries(0))
	_, err := c.Challenge(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 42*time.Second, apiErr.RetryAfter)
	assert.True(t, apiErr.Retryable())
}

func TestClientTimeoutIsRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	c := New(srv.URL, newSigner(t), WithTimeout(20*time.Millisecond), WithRetries(0))
	_, err := c.Challenge(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsRetryable(err))
}

func TestLogoutClearsLocalStateWhenServerUnreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	c := New(srv.URL, newSigner(t), WithRetries(0))
	c.setSession(&Session{Token: "t"})
	srv.Close()

	err := c.Logout(context.Background())
	assert.Error(t, err)
	_, ok := c.Session()
	assert.False(t, ok)

	assert.NoError(t, c.Logout(context.Background()))
}

func TestWatchForcesLogout(t *testing.T) {
	t.Parallel()

	t.Run("after repeated transient failures", func(t *testing.T) {
		var validations atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/api/auth/validate" {
				validations.Add(1)
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		t.Cleanup(srv.Close)

		c := New(srv.URL, newSigner(t), WithRetries(0))
		c.setSession(&Session{Token: "t"})

		loggedOut := make(chan error, 1)
		go c.Watch(context.Background(), 5*time.Millisecond, 3, func(err error) { loggedOut <- err })

		select {
		case err := <-loggedOut:
			assert.True(t, IsRetryable(err))
		case <-time.After(2 * time.Second):
			t.Fatal("watch did not log out")
		}
		assert.Equal(t, int32(3), validations.Load())
		_, ok := c.Session()
		assert.False(t, ok)
	})

	t.Run("immediately on 401", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "Token expired", "code": "TOKEN_EXPIRED"})
		}))
		t.Cleanup(srv.Close)

		c := New(srv.URL, newSigner(t), WithRetries(0))
		c.setSession(&Session{Token: "t"})

		loggedOut := make(chan error, 1)
		go c.Watch(context.Background(), 5*time.Millisecond, 10, func(err error) { loggedOut <- err })

		select {
		case err := <-loggedOut:
			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, "TOKEN_EXPIRED", apiErr.Code)
		case <-time.After(2 * time.Second):
			t.Fatal("watch did not log out")
		}
	})

	t.Run("refreshes a token close to expiry", func(t *testing.T) {
		srv := newAPIServer(t, tokenizer.WithTTL(time.Minute))
		c := New(srv.URL, newSigner(t), WithRefreshBefore(5*time.Minute))
		first, err := c.Login(context.Background())
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		loggedOut := make(chan error, 1)
		done := make(chan struct{})
		go func() {
			c.Watch(ctx, 25*time.Millisecond, 1, func(err error) { loggedOut <- err })
			close(done)
		}()

		require.Eventually(t, func() bool {
			s, ok := c.Session()
			return ok && s.Token != first.Token
		}, 2*time.Second, 5*time.Millisecond)
		cancel()
		<-done

		select {
		case err := <-loggedOut:
			t.Fatalf("watch logged out: %v", err)
		default:
		}

		rotated, ok := c.Session()
		require.True(t, ok)
		assert.True(t, rotated.ExpiresAt.After(time.Now()))

		// the original token was revoked by the refresh
		stale := New(srv.URL, newSigner(t))
		stale.setSession(first)
		_, err = stale.Validate(context.Background())
		assert.Error(t, err)
		assert.NotEqual(t, first.Token, rotated.Token)
	})

	t.Run("stops with context", func(t *testing.T) {
		srv := newAPIServer(t)
		c := New(srv.URL, newSigner(t))
		_, err := c.Login(context.Background())
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			c.Watch(ctx, 5*time.Millisecond, 1, nil)
			close(done)
		}()

		time.Sleep(30 * time.Millisecond)
		cancel()
		<-done
		_, ok := c.Session()
		assert.True(t, ok)
	})
}
