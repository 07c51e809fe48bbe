package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tokenEndpoint is a stub OAuth token endpoint recording the requests it
// receives.
type tokenEndpoint struct {
	srv      *httptest.Server
	requests atomic.Int64

	mu       sync.Mutex
	lastForm url.Values

	// respond overrides the default successful response.
	respond func(w http.ResponseWriter, form url.Values)
}

func newTokenEndpoint(t *testing.T) *tokenEndpoint {
	t.Helper()
	te := &tokenEndpoint{}
	te.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		te.requests.Add(1)
		te.mu.Lock()
		te.lastForm = r.PostForm
		te.mu.Unlock()

		if te.respond != nil {
			te.respond(w, r.PostForm)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "at-new",
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": "rt-new",
			"scope":         "read",
		})
	}))
	t.Cleanup(te.srv.Close)
	return te
}

func (te *tokenEndpoint) form() url.Values {
	te.mu.Lock()
	defer te.mu.Unlock()
	return te.lastForm
}

// newTestService builds a service with a single "test" provider whose token
// endpoint is the stub, an in-memory store, and the given browser opener.
func newTestService(t *testing.T, te *tokenEndpoint, opener func(string) error) (*Service, *MemoryStore) {
	t.Helper()

	registry := NewRegistry()
	require.NoError(t, registry.Add(Provider{
		Name:     "test",
		AuthURL:  "https://auth.test.invalid/authorize",
		TokenURL: te.srv.URL,
		Scopes:   []string{"read", "write"},
	}))

	store := NewMemoryStore()
	svc := NewService(registry, store,
		WithCallbackPorts([]int{0}),
		WithBrowserOpener(opener),
	)
	return svc, store
}

// approveOpener simulates a user approving the authorization request: it
// parses the authorization URL and drives the browser redirect back to the
// loopback listener.
func approveOpener(transform func(q url.Values) url.Values) func(string) error {
	return func(authURL string) error {
		go func() {
			u, err := url.Parse(authURL)
			if err != nil {
				return
			}
			q := u.Query()
			redirect := q.Get("redirect_uri")

			params := url.Values{
				"code":  {"good-code"},
				"state": {q.Get("state")},
			}
			if transform != nil {
				params = transform(q)
			}

			resp, err := http.Get(redirect + "?" + params.Encode())
			if err == nil {
				resp.Body.Close()
			}
		}()
		return nil
	}
}

func noopOpener(string) error { return nil }

func testOpts() AuthenticateOptions {
	return AuthenticateOptions{ClientID: "client-1", Timeout: 5 * time.Second}
}

func TestService_Authenticate_Success(t *testing.T) {
	te := newTokenEndpoint(t)

	var capturedChallenge atomic.Value
	opener := approveOpener(func(q url.Values) url.Values {
		capturedChallenge.Store(q.Get("code_challenge"))
		return url.Values{"code": {"good-code"}, "state": {q.Get("state")}}
	})

	svc, store := newTestService(t, te, opener)

	token, err := svc.Authenticate(context.Background(), "test", testOpts())
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, "at-new", token.AccessToken)
	assert.Equal(t, "rt-new", token.RefreshToken)

	// Exchange request shape
	form := te.form()
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "good-code", form.Get("code"))
	assert.Equal(t, "client-1", form.Get("client_id"))
	assert.NotEmpty(t, form.Get("redirect_uri"))

	// The verifier sent to the token endpoint must hash to the challenge
	// sent in the authorization request
	verifier := form.Get("code_verifier")
	require.NotEmpty(t, verifier)
	hash := sha256.Sum256([]byte(verifier))
	assert.Equal(t, capturedChallenge.Load(), base64.RawURLEncoding.EncodeToString(hash[:]))

	// Token is persisted and the provider reads as authenticated
	stored, err := store.Load("test")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "at-new", stored.AccessToken)

	status, err := svc.GetStatus("test")
	require.NoError(t, err)
	assert.Equal(t, StatusAuthenticated, status)
	assert.False(t, svc.FlowInProgress("test"))
}

func TestService_Authenticate_AuthorizationURL(t *testing.T) {
	te := newTokenEndpoint(t)

	captured := make(chan url.Values, 1)
	opener := approveOpener(func(q url.Values) url.Values {
		captured <- q
		return url.Values{"code": {"good-code"}, "state": {q.Get("state")}}
	})

	svc, _ := newTestService(t, te, opener)
	_, err := svc.Authenticate(context.Background(), "test", testOpts())
	require.NoError(t, err)

	q := <-captured
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "client-1", q.Get("client_id"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "read write", q.Get("scope"))
	assert.Len(t, q.Get("state"), 43)
}

func TestService_Authenticate_StateMismatchNeverReachesExchange(t *testing.T) {
	te := newTokenEndpoint(t)

	opener := approveOpener(func(q url.Values) url.Values {
		return url.Values{"code": {"stolen-code"}, "state": {"forged-state"}}
	})

	svc, store := newTestService(t, te, opener)

	_, err := svc.Authenticate(context.Background(), "test", testOpts())
	require.Error(t, err)
	assert.True(t, IsStateMismatch(err))
	assert.True(t, IsCode(err, CodeAuthFailed))

	// The hard gate: the stolen code must never be exchanged
	assert.Equal(t, int64(0), te.requests.Load())

	stored, err := store.Load("test")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestService_Authenticate_UserDenied(t *testing.T) {
	te := newTokenEndpoint(t)

	opener := approveOpener(func(q url.Values) url.Values {
		return url.Values{
			"error":             {"access_denied"},
			"error_description": {"user said no"},
			"state":             {q.Get("state")},
		}
	})

	svc, _ := newTestService(t, te, opener)

	_, err := svc.Authenticate(context.Background(), "test", testOpts())
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeAuthCancelled))
	assert.Equal(t, int64(0), te.requests.Load())
}

func TestService_Authenticate_Timeout(t *testing.T) {
	te := newTokenEndpoint(t)
	svc, _ := newTestService(t, te, noopOpener)

	opts := testOpts()
	opts.Timeout = 200 * time.Millisecond

	start := time.Now()
	_, err := svc.Authenticate(context.Background(), "test", opts)
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeTimeout))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, svc.FlowInProgress("test"))
}

func TestService_Authenticate_FlowInProgress(t *testing.T) {
	te := newTokenEndpoint(t)
	svc, _ := newTestService(t, te, noopOpener)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		opts := testOpts()
		opts.Timeout = 10 * time.Second
		_, err := svc.Authenticate(ctx, "test", opts)
		done <- err
	}()

	require.Eventually(t, func() bool { return svc.FlowInProgress("test") },
		2*time.Second, 10*time.Millisecond)

	// Second attempt fails fast instead of racing the first
	_, err := svc.Authenticate(context.Background(), "test", testOpts())
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeFlowInProgress))

	cancel()
	<-done
}

func TestService_Authenticate_ExchangeRejected(t *testing.T) {
	te := newTokenEndpoint(t)
	te.respond = func(w http.ResponseWriter, form url.Values) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}

	svc, store := newTestService(t, te, approveOpener(nil))

	_, err := svc.Authenticate(context.Background(), "test", testOpts())
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeAuthFailed))
	assert.Contains(t, err.Error(), "invalid_grant")

	stored, err := store.Load("test")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestService_Authenticate_ConfigMissing(t *testing.T) {
	t.Setenv("TEST_CLIENT_ID", "")

	te := newTokenEndpoint(t)
	svc, _ := newTestService(t, te, noopOpener)

	_, err := svc.Authenticate(context.Background(), "test", AuthenticateOptions{})
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeConfigMissing))
}

func TestService_Authenticate_DiscoveredEndpoints(t *testing.T) {
	te := newTokenEndpoint(t)

	// Issuer whose metadata points at the stub token endpoint
	issuer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"issuer":                           "test-issuer",
			"authorization_endpoint":           "https://auth.test.invalid/authorize",
			"token_endpoint":                   te.srv.URL,
			"code_challenge_methods_supported": []string{"S256"},
		})
	}))
	defer issuer.Close()

	registry := NewRegistry()
	require.NoError(t, registry.Add(Provider{Name: "idp", Issuer: issuer.URL}))

	svc := NewService(registry, NewMemoryStore(),
		WithCallbackPorts([]int{0}),
		WithBrowserOpener(approveOpener(nil)),
	)

	token, err := svc.Authenticate(context.Background(), "idp", testOpts())
	require.NoError(t, err)
	assert.Equal(t, "at-new", token.AccessToken)
}

func TestService_RefreshTokens_Success(t *testing.T) {
	te := newTokenEndpoint(t)
	te.respond = func(w http.ResponseWriter, form url.Values) {
		// New access token, no refresh token in the response
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-refreshed","token_type":"Bearer","expires_in":3600}`))
	}

	svc, store := newTestService(t, te, noopOpener)
	expiresIn := int64(60)
	require.NoError(t, store.Save("test", &Token{
		AccessToken:  "at-stale",
		TokenType:    "Bearer",
		ExpiresIn:    &expiresIn,
		RefreshToken: "rt-old",
		IssuedAt:     time.Now().Add(-time.Hour),
	}))
	t.Setenv("TEST_CLIENT_ID", "client-1")

	token, err := svc.RefreshTokens(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, "at-refreshed", token.AccessToken)
	// The previous refresh token is carried forward
	assert.Equal(t, "rt-old", token.RefreshToken)

	form := te.form()
	assert.Equal(t, "refresh_token", form.Get("grant_type"))
	assert.Equal(t, "rt-old", form.Get("refresh_token"))

	stored, err := store.Load("test")
	require.NoError(t, err)
	assert.Equal(t, "at-refreshed", stored.AccessToken)
	assert.Equal(t, "rt-old", stored.RefreshToken)

	status, err := svc.GetStatus("test")
	require.NoError(t, err)
	assert.Equal(t, StatusAuthenticated, status)
}

func TestService_RefreshTokens_FailureKeepsStaleTokens(t *testing.T) {
	te := newTokenEndpoint(t)
	te.respond = func(w http.ResponseWriter, form url.Values) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}

	svc, store := newTestService(t, te, noopOpener)
	expiresIn := int64(60)
	require.NoError(t, store.Save("test", &Token{
		AccessToken:  "at-stale",
		TokenType:    "Bearer",
		ExpiresIn:    &expiresIn,
		RefreshToken: "rt-revoked",
		IssuedAt:     time.Now().Add(-time.Hour),
	}))
	t.Setenv("TEST_CLIENT_ID", "client-1")

	_, err := svc.RefreshTokens(context.Background(), "test")
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeTokenRefreshFailed))

	// Stale tokens stay in place for inspection
	stored, err := store.Load("test")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "at-stale", stored.AccessToken)

	// The recorded failure shows up in the derived status
	status, err := svc.GetStatus("test")
	require.NoError(t, err)
	assert.Equal(t, StatusTokenRefreshFailed, status)
}

func TestService_RefreshTokens_NoStoredTokens(t *testing.T) {
	te := newTokenEndpoint(t)
	svc, _ := newTestService(t, te, noopOpener)

	_, err := svc.RefreshTokens(context.Background(), "test")
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeAuthRequired))
	assert.Equal(t, int64(0), te.requests.Load())
}

func TestService_RefreshTokens_NoRefreshToken(t *testing.T) {
	te := newTokenEndpoint(t)
	svc, store := newTestService(t, te, noopOpener)

	expiresIn := int64(60)
	require.NoError(t, store.Save("test", &Token{
		AccessToken: "at",
		TokenType:   "Bearer",
		ExpiresIn:   &expiresIn,
		IssuedAt:    time.Now().Add(-time.Hour),
	}))

	_, err := svc.RefreshTokens(context.Background(), "test")
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeTokenRefreshFailed))
	assert.Equal(t, int64(0), te.requests.Load(), "no network request without a refresh token")
}

func TestService_EnsureValidToken_ValidNoNetwork(t *testing.T) {
	te := newTokenEndpoint(t)
	svc, store := newTestService(t, te, noopOpener)

	expiresIn := int64(3600)
	require.NoError(t, store.Save("test", &Token{
		AccessToken:  "at-valid",
		TokenType:    "Bearer",
		ExpiresIn:    &expiresIn,
		RefreshToken: "rt",
		IssuedAt:     time.Now(),
	}))

	token, err := svc.EnsureValidToken(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, "at-valid", token.AccessToken)
	assert.Equal(t, int64(0), te.requests.Load())
}

func TestService_EnsureValidToken_RefreshesExpired(t *testing.T) {
	te := newTokenEndpoint(t)
	svc, store := newTestService(t, te, noopOpener)

	expiresIn := int64(60)
	require.NoError(t, store.Save("test", &Token{
		AccessToken:  "at-stale",
		TokenType:    "Bearer",
		ExpiresIn:    &expiresIn,
		RefreshToken: "rt-old",
		IssuedAt:     time.Now().Add(-time.Hour),
	}))
	t.Setenv("TEST_CLIENT_ID", "client-1")

	token, err := svc.EnsureValidToken(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, "at-new", token.AccessToken)
	assert.Equal(t, int64(1), te.requests.Load(), "exactly one refresh request")
}

func TestService_EnsureValidToken_ExpiredWithoutRefreshToken(t *testing.T) {
	te := newTokenEndpoint(t)
	svc, store := newTestService(t, te, noopOpener)

	expiresIn := int64(60)
	require.NoError(t, store.Save("test", &Token{
		AccessToken: "at-stale",
		TokenType:   "Bearer",
		ExpiresIn:   &expiresIn,
		IssuedAt:    time.Now().Add(-time.Hour),
	}))

	_, err := svc.EnsureValidToken(context.Background(), "test")
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeTokenExpired))
	assert.Equal(t, int64(0), te.requests.Load(), "no network call for an unrefreshable token")
}

func TestService_EnsureValidToken_Absent(t *testing.T) {
	te := newTokenEndpoint(t)
	svc, _ := newTestService(t, te, noopOpener)

	_, err := svc.EnsureValidToken(context.Background(), "test")
	require.Error(t, err)
	assert.True(t, IsCode(err, CodeAuthRequired))
}

func TestService_GetBearerToken(t *testing.T) {
	te := newTokenEndpoint(t)
	svc, store := newTestService(t, te, noopOpener)

	expiresIn := int64(3600)
	require.NoError(t, store.Save("test", &Token{
		AccessToken: "at-bearer",
		TokenType:   "Bearer",
		ExpiresIn:   &expiresIn,
		IssuedAt:    time.Now(),
	}))

	bearer, err := svc.GetBearerToken(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, "at-bearer", bearer)
}

func TestService_GetStatus(t *testing.T) {
	te := newTokenEndpoint(t)
	svc, store := newTestService(t, te, noopOpener)

	status, err := svc.GetStatus("test")
	require.NoError(t, err)
	assert.Equal(t, StatusNotAuthenticated, status)

	expiresIn := int64(60)
	require.NoError(t, store.Save("test", &Token{
		AccessToken: "at",
		TokenType:   "Bearer",
		ExpiresIn:   &expiresIn,
		IssuedAt:    time.Now().Add(-time.Hour),
	}))

	status, err = svc.GetStatus("test")
	require.NoError(t, err)
	assert.Equal(t, StatusTokenExpired, status)
	assert.Equal(t, int64(0), te.requests.Load(), "status is derived without network I/O")
}

func TestService_Logout(t *testing.T) {
	te := newTokenEndpoint(t)
	svc, store := newTestService(t, te, noopOpener)

	require.NoError(t, store.Save("test", testToken(3600)))

	deleted, err := svc.Logout("test")
	require.NoError(t, err)
	assert.True(t, deleted)

	status, err := svc.GetStatus("test")
	require.NoError(t, err)
	assert.Equal(t, StatusNotAuthenticated, status)

	// Idempotent
	deleted, err = svc.Logout("test")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestService_Logout_ClearsRefreshFailure(t *testing.T) {
	te := newTokenEndpoint(t)
	te.respond = func(w http.ResponseWriter, form url.Values) {
		w.WriteHeader(http.StatusUnauthorized)
	}

	svc, store := newTestService(t, te, noopOpener)
	expiresIn := int64(60)
	require.NoError(t, store.Save("test", &Token{
		AccessToken:  "at",
		TokenType:    "Bearer",
		ExpiresIn:    &expiresIn,
		RefreshToken: "rt",
		IssuedAt:     time.Now().Add(-time.Hour),
	}))
	t.Setenv("TEST_CLIENT_ID", "client-1")

	_, err := svc.RefreshTokens(context.Background(), "test")
	require.Error(t, err)

	_, err = svc.Logout("test")
	require.NoError(t, err)

	// A later expired token must not inherit the failure marker
	require.NoError(t, store.Save("test", &Token{
		AccessToken: "at-2",
		TokenType:   "Bearer",
		ExpiresIn:   &expiresIn,
		IssuedAt:    time.Now().Add(-time.Hour),
	}))
	status, err := svc.GetStatus("test")
	require.NoError(t, err)
	assert.Equal(t, StatusTokenExpired, status)
}
