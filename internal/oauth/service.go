package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultHTTPTimeout is the default timeout for token endpoint requests.
const DefaultHTTPTimeout = 30 * time.Second

// FlowState tracks an in-flight authentication attempt for one provider.
type FlowState int

const (
	// FlowIdle means no attempt is in flight.
	FlowIdle FlowState = iota

	// FlowAwaitingCallback means the browser was pointed at the provider and
	// the loopback listener is waiting for the redirect.
	FlowAwaitingCallback

	// FlowExchangingCode means the authorization code is being exchanged.
	FlowExchangingCode

	// FlowComplete means the attempt finished with stored tokens.
	FlowComplete

	// FlowFailed means the attempt finished without tokens.
	FlowFailed
)

// String returns the string representation of the flow state.
func (s FlowState) String() string {
	switch s {
	case FlowIdle:
		return "idle"
	case FlowAwaitingCallback:
		return "awaiting_callback"
	case FlowExchangingCode:
		return "exchanging_code"
	case FlowComplete:
		return "complete"
	case FlowFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// flow is the bookkeeping for one authentication attempt. The service owns
// exactly one per provider at a time.
type flow struct {
	id        string
	provider  string
	state     FlowState
	pkce      *PKCEChallenge
	stateTok  string
	server    *CallbackServer
	startedAt time.Time
}

// Service orchestrates the OAuth 2.1 authorization code flow and owns the
// token lifecycle for all providers.
type Service struct {
	registry   *Registry
	store      TokenStore
	httpClient *http.Client
	discovery  *discoverer

	// openBrowser launches the system browser; injectable for tests.
	openBrowser func(string) error

	// listenPorts overrides the callback port candidates (tests).
	listenPorts []int

	mu    sync.Mutex
	flows map[string]*flow

	// refreshFailed records providers whose most recent refresh attempt in
	// this process was rejected, so GetStatus can report it without I/O.
	refreshFailed map[string]bool
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithHTTPClient sets a custom HTTP client for token and metadata requests.
func WithHTTPClient(client *http.Client) ServiceOption {
	return func(s *Service) {
		s.httpClient = client
	}
}

// WithBrowserOpener overrides how the system browser is launched.
func WithBrowserOpener(open func(string) error) ServiceOption {
	return func(s *Service) {
		s.openBrowser = open
	}
}

// WithCallbackPorts overrides the candidate callback ports.
func WithCallbackPorts(ports []int) ServiceOption {
	return func(s *Service) {
		s.listenPorts = ports
	}
}

// NewService creates a Service using the given registry and token store.
func NewService(registry *Registry, store TokenStore, opts ...ServiceOption) *Service {
	s := &Service{
		registry:      registry,
		store:         store,
		httpClient:    &http.Client{Timeout: DefaultHTTPTimeout},
		openBrowser:   OpenBrowser,
		flows:         make(map[string]*flow),
		refreshFailed: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.discovery = newDiscoverer(s.httpClient, DefaultMetadataCacheTTL)
	return s
}

// AuthenticateOptions tune a single Authenticate call.
type AuthenticateOptions struct {
	// ClientID overrides the environment-resolved client ID.
	ClientID string

	// ClientSecret overrides the environment-resolved client secret.
	ClientSecret string

	// NoBrowser suppresses the browser launch; the URL is only displayed.
	NoBrowser bool

	// Timeout bounds the wait for the callback. Zero means
	// DefaultCallbackTimeout.
	Timeout time.Duration

	// DisplayURL, if set, is called with the authorization URL so the caller
	// can present it to the user.
	DisplayURL func(authURL string)
}

// Authenticate runs the full authorization code flow for a provider:
// PKCE generation, callback listener, browser launch, code exchange, and
// token persistence. Only one attempt per provider may be in flight;
// concurrent attempts fail fast with FLOW_IN_PROGRESS.
func (s *Service) Authenticate(ctx context.Context, provider string, opts AuthenticateOptions) (*Token, error) {
	cfg, err := s.registry.Resolve(provider, opts.ClientID, opts.ClientSecret)
	if err != nil {
		return nil, err
	}

	f, err := s.beginFlow(provider)
	if err != nil {
		return nil, err
	}
	token, err := s.runFlow(ctx, cfg, f, opts)
	s.endFlow(f, err)
	return token, err
}

// beginFlow claims the per-provider flow slot, failing fast if one is
// already outstanding.
func (s *Service) beginFlow(provider string) (*flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.flows[provider]; ok {
		return nil, &FlowError{
			Code:     CodeFlowInProgress,
			Provider: provider,
			Message:  fmt.Sprintf("authentication already in progress (state: %s)", existing.state),
		}
	}

	f := &flow{
		id:        uuid.NewString(),
		provider:  provider,
		state:     FlowIdle,
		startedAt: time.Now(),
	}
	s.flows[provider] = f
	return f, nil
}

// endFlow releases the flow slot and records the terminal state.
func (s *Service) endFlow(f *flow, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		f.state = FlowFailed
	} else {
		f.state = FlowComplete
	}
	if f.server != nil {
		f.server.Stop()
	}
	delete(s.flows, f.provider)
}

// FlowInProgress reports whether an authentication attempt is outstanding
// for the provider.
func (s *Service) FlowInProgress(provider string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.flows[provider]
	return ok
}

func (s *Service) runFlow(ctx context.Context, cfg *Config, f *flow, opts AuthenticateOptions) (*Token, error) {
	authEndpoint, tokenEndpoint, err := s.resolveEndpoints(ctx, cfg)
	if err != nil {
		return nil, err
	}

	pkce, err := GeneratePKCE()
	if err != nil {
		return nil, err
	}
	stateTok, err := GenerateState()
	if err != nil {
		return nil, err
	}
	f.pkce = pkce
	f.stateTok = stateTok

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultCallbackTimeout
	}
	flowCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The listener must be bound before the browser is launched, otherwise a
	// fast redirect would hit a connection-refused page.
	var serverOpts []CallbackServerOption
	if s.listenPorts != nil {
		serverOpts = append(serverOpts, WithListenPorts(s.listenPorts))
	}
	server := NewCallbackServer(stateTok, serverOpts...)
	redirectURI, err := server.Start(flowCtx)
	if err != nil {
		return nil, err
	}
	f.server = server

	authURL, err := buildAuthorizationURL(authEndpoint, cfg, redirectURI, stateTok, pkce)
	if err != nil {
		return nil, err
	}

	f.state = FlowAwaitingCallback
	slog.Debug("OAuth flow started",
		"flow_id", f.id,
		"provider", cfg.Name,
		"callback_port", server.Port(),
	)

	if opts.DisplayURL != nil {
		opts.DisplayURL(authURL)
	}
	if !opts.NoBrowser {
		if err := s.openBrowser(authURL); err != nil {
			// Best effort: the user can still open the displayed URL.
			slog.Debug("Failed to open browser", "flow_id", f.id, "error", err.Error())
		}
	}

	result, err := server.WaitForCallback(flowCtx)
	if err != nil {
		return nil, stampProvider(err, cfg.Name)
	}

	f.state = FlowExchangingCode
	token, err := s.exchangeCode(ctx, cfg, tokenEndpoint, result.Code, redirectURI, pkce.CodeVerifier)
	if err != nil {
		return nil, stampProvider(err, cfg.Name)
	}

	if err := s.store.Save(cfg.Name, token); err != nil {
		// The token is still usable for this invocation; surface the
		// persistence failure without discarding the session.
		slog.Warn("Failed to persist OAuth token", "provider", cfg.Name, "error", err.Error())
	}

	s.mu.Lock()
	delete(s.refreshFailed, cfg.Name)
	s.mu.Unlock()

	slog.Info("OAuth authentication successful",
		"flow_id", f.id,
		"provider", cfg.Name,
		"has_refresh_token", token.RefreshToken != "",
	)
	return token, nil
}

// resolveEndpoints returns the authorization and token endpoints, running
// issuer metadata discovery when the provider does not configure them
// explicitly.
func (s *Service) resolveEndpoints(ctx context.Context, cfg *Config) (authEndpoint, tokenEndpoint string, err error) {
	if cfg.AuthURL != "" && cfg.TokenURL != "" {
		return cfg.AuthURL, cfg.TokenURL, nil
	}

	metadata, err := s.discovery.Discover(ctx, cfg.Issuer)
	if err != nil {
		return "", "", wrapFlowError(CodeNetworkError, cfg.Name, "metadata discovery failed", err)
	}
	if !metadata.SupportsPKCE() {
		return "", "", newFlowError(CodeConfigMissing, cfg.Name, "provider does not support S256 PKCE")
	}
	return metadata.AuthorizationEndpoint, metadata.TokenEndpoint, nil
}

// buildAuthorizationURL constructs the authorization request URL.
func buildAuthorizationURL(authEndpoint string, cfg *Config, redirectURI, state string, pkce *PKCEChallenge) (string, error) {
	u, err := url.Parse(authEndpoint)
	if err != nil {
		return "", fmt.Errorf("invalid authorization endpoint: %w", err)
	}

	query := u.Query()
	query.Set("response_type", "code")
	query.Set("client_id", cfg.ClientID)
	query.Set("redirect_uri", redirectURI)
	query.Set("state", state)
	query.Set("code_challenge", pkce.CodeChallenge)
	query.Set("code_challenge_method", pkce.CodeChallengeMethod)
	if len(cfg.Scopes) > 0 {
		query.Set("scope", strings.Join(cfg.Scopes, " "))
	}
	if cfg.Audience != "" {
		query.Set("audience", cfg.Audience)
	}
	for k, v := range cfg.ExtraAuthParams {
		query.Set(k, v)
	}

	u.RawQuery = query.Encode()
	return u.String(), nil
}

// exchangeCode exchanges an authorization code for tokens.
// The code verifier, never the challenge, is sent to the token endpoint.
func (s *Service) exchangeCode(ctx context.Context, cfg *Config, tokenEndpoint, code, redirectURI, codeVerifier string) (*Token, error) {
	data := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"client_id":     {cfg.ClientID},
		"code_verifier": {codeVerifier},
	}
	if cfg.ClientSecret != "" {
		data.Set("client_secret", cfg.ClientSecret)
	}

	return s.doTokenRequest(ctx, tokenEndpoint, data, CodeAuthFailed)
}

// RefreshTokens obtains a new token set using the stored refresh token.
// On success the new set is persisted, carrying forward the previous refresh
// token if the response omitted one. On failure the stale tokens are kept so
// callers can inspect them or force a re-auth explicitly.
func (s *Service) RefreshTokens(ctx context.Context, provider string) (*Token, error) {
	current, err := s.store.Load(provider)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, newFlowError(CodeAuthRequired, provider, "no stored tokens")
	}
	if current.RefreshToken == "" {
		return nil, newFlowError(CodeTokenRefreshFailed, provider, "no refresh token available")
	}

	cfg, err := s.registry.Resolve(provider, "", "")
	if err != nil {
		return nil, err
	}
	_, tokenEndpoint, err := s.resolveEndpoints(ctx, cfg)
	if err != nil {
		return nil, err
	}

	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {current.RefreshToken},
		"client_id":     {cfg.ClientID},
	}
	if cfg.ClientSecret != "" {
		data.Set("client_secret", cfg.ClientSecret)
	}

	refreshed, err := s.doTokenRequest(ctx, tokenEndpoint, data, CodeTokenRefreshFailed)
	if err != nil {
		s.mu.Lock()
		s.refreshFailed[provider] = true
		s.mu.Unlock()

		// Network failures during refresh are still refresh failures from
		// the caller's perspective.
		if !IsCode(err, CodeTokenRefreshFailed) {
			err = wrapFlowError(CodeTokenRefreshFailed, provider, "token refresh failed", err)
		}
		return nil, stampProvider(err, provider)
	}

	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = current.RefreshToken
	}

	if err := s.store.Save(provider, refreshed); err != nil {
		return nil, err
	}

	s.mu.Lock()
	delete(s.refreshFailed, provider)
	s.mu.Unlock()

	slog.Info("OAuth token refreshed", "provider", provider)
	return refreshed, nil
}

// EnsureValidToken returns a usable token set for the provider, refreshing
// transparently when the stored one is within the expiry buffer.
func (s *Service) EnsureValidToken(ctx context.Context, provider string) (*Token, error) {
	current, err := s.store.Load(provider)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, newFlowError(CodeAuthRequired, provider, "not authenticated")
	}
	if !current.Expired() {
		return current, nil
	}
	if current.RefreshToken == "" {
		// Expired and unrefreshable; no network call is made.
		return nil, newFlowError(CodeTokenExpired, provider, "token expired and no refresh token is available")
	}
	return s.RefreshTokens(ctx, provider)
}

// GetBearerToken returns the access token string for use in an
// Authorization: Bearer header.
func (s *Service) GetBearerToken(ctx context.Context, provider string) (string, error) {
	token, err := s.EnsureValidToken(ctx, provider)
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

// GetStatus derives the authentication status for a provider from stored
// tokens and the current time. It never attempts a refresh or any network
// request.
func (s *Service) GetStatus(provider string) (AuthStatus, error) {
	token, err := s.store.Load(provider)
	if err != nil {
		return StatusNotAuthenticated, err
	}
	if token == nil {
		return StatusNotAuthenticated, nil
	}
	if !token.Expired() {
		return StatusAuthenticated, nil
	}

	s.mu.Lock()
	failed := s.refreshFailed[provider]
	s.mu.Unlock()
	if failed {
		return StatusTokenRefreshFailed, nil
	}
	return StatusTokenExpired, nil
}

// GetStoredToken returns the stored token set regardless of expiry, or nil.
// Used for status display; callers wanting a usable token should use
// EnsureValidToken.
func (s *Service) GetStoredToken(provider string) (*Token, error) {
	return s.store.Load(provider)
}

// Logout deletes the stored tokens for a provider. It reports whether
// anything was deleted and is idempotent.
func (s *Service) Logout(provider string) (bool, error) {
	s.mu.Lock()
	delete(s.refreshFailed, provider)
	s.mu.Unlock()

	return s.store.Delete(provider)
}

// doTokenRequest POSTs a form-encoded request to the token endpoint and
// parses the JSON token response. A non-2xx response maps to failCode with
// the provider's error body attached; a transport failure maps to
// NETWORK_ERROR.
func (s *Service) doTokenRequest(ctx context.Context, tokenEndpoint string, data url.Values, failCode ErrorCode) (*Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, wrapFlowError(CodeNetworkError, "", "token request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapFlowError(CodeNetworkError, "", "failed to read token response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FlowError{
			Code:    failCode,
			Message: fmt.Sprintf("token endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, wrapFlowError(failCode, "", "failed to parse token response", err)
	}
	if tr.AccessToken == "" {
		return nil, newFlowError(failCode, "", "token response missing access_token")
	}

	return newTokenFromResponse(tr), nil
}

// stampProvider fills the Provider field on FlowErrors that were created
// below the service layer.
func stampProvider(err error, provider string) error {
	if fe, ok := err.(*FlowError); ok && fe.Provider == "" {
		fe.Provider = provider
	}
	return err
}
