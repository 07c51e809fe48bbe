// Package cli bridges the cobra commands and the OAuth service: it assembles
// the service from user configuration and translates flow-level errors into
// CLI errors with actionable guidance and semantic exit codes.
package cli

import (
	"context"
	"sort"
	"time"

	"agentforge/internal/config"
	"agentforge/internal/oauth"
)

// AuthAdapter wires the OAuth service to the command layer.
type AuthAdapter struct {
	service   *oauth.Service
	fileStore *oauth.FileStore
	registry  *oauth.Registry
}

// NewAuthAdapter builds an adapter from user configuration. The token store
// is file-backed and wrapped by the OS keychain unless the configuration
// disables it; an unavailable keychain falls back to the file store
// transparently.
func NewAuthAdapter(cfg config.Config, opts ...oauth.ServiceOption) (*AuthAdapter, error) {
	registry, err := config.BuildRegistry(cfg)
	if err != nil {
		return nil, err
	}

	fileStore, err := oauth.NewFileStore(cfg.TokenDir)
	if err != nil {
		return nil, err
	}

	var store oauth.TokenStore = fileStore
	if !cfg.DisableKeyring {
		store = oauth.NewKeyringStore(fileStore)
	}

	return &AuthAdapter{
		service:   oauth.NewService(registry, store, opts...),
		fileStore: fileStore,
		registry:  registry,
	}, nil
}

// Service exposes the underlying OAuth service.
func (a *AuthAdapter) Service() *oauth.Service {
	return a.service
}

// TokenDir returns the token storage directory.
func (a *AuthAdapter) TokenDir() string {
	return a.fileStore.Dir()
}

// Providers returns the registered provider names, sorted.
func (a *AuthAdapter) Providers() []string {
	return a.registry.Names()
}

// LoginOptions tune a Login call.
type LoginOptions struct {
	ClientID     string
	ClientSecret string
	NoBrowser    bool
	Timeout      time.Duration

	// DisplayURL is called with the authorization URL for display.
	DisplayURL func(authURL string)
}

// Login runs the browser-based OAuth flow for a provider.
func (a *AuthAdapter) Login(ctx context.Context, provider string, opts LoginOptions) (*oauth.Token, error) {
	token, err := a.service.Authenticate(ctx, provider, oauth.AuthenticateOptions{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		NoBrowser:    opts.NoBrowser,
		Timeout:      opts.Timeout,
		DisplayURL:   opts.DisplayURL,
	})
	if err != nil {
		return nil, translateFlowError(provider, err)
	}
	return token, nil
}

// Refresh forces a token refresh for a provider.
func (a *AuthAdapter) Refresh(ctx context.Context, provider string) (*oauth.Token, error) {
	token, err := a.service.RefreshTokens(ctx, provider)
	if err != nil {
		return nil, translateFlowError(provider, err)
	}
	return token, nil
}

// BearerToken returns a valid access token for the provider, refreshing
// transparently when needed.
func (a *AuthAdapter) BearerToken(ctx context.Context, provider string) (string, error) {
	token, err := a.service.GetBearerToken(ctx, provider)
	if err != nil {
		return "", translateFlowError(provider, err)
	}
	return token, nil
}

// Logout deletes stored tokens for a provider; reports whether anything was
// deleted.
func (a *AuthAdapter) Logout(provider string) (bool, error) {
	return a.service.Logout(provider)
}

// LogoutAll deletes stored tokens for every provider that has any, returning
// the providers that were logged out.
func (a *AuthAdapter) LogoutAll() ([]string, error) {
	stored, err := a.fileStore.List()
	if err != nil {
		return nil, err
	}

	var cleared []string
	for _, provider := range stored {
		deleted, err := a.service.Logout(provider)
		if err != nil {
			return cleared, err
		}
		if deleted {
			cleared = append(cleared, provider)
		}
	}
	return cleared, nil
}

// ProviderStatus is the status view for one provider.
type ProviderStatus struct {
	Provider string
	Status   oauth.AuthStatus

	// Token is the stored token set, if any, regardless of validity.
	Token *oauth.Token
}

// Status returns the authentication status for one provider. Purely local;
// no network requests are made.
func (a *AuthAdapter) Status(provider string) (ProviderStatus, error) {
	status, err := a.service.GetStatus(provider)
	if err != nil {
		return ProviderStatus{}, err
	}
	token, err := a.service.GetStoredToken(provider)
	if err != nil {
		return ProviderStatus{}, err
	}
	return ProviderStatus{Provider: provider, Status: status, Token: token}, nil
}

// StatusAll returns statuses for every registered provider plus any stored
// record whose provider is no longer registered, sorted by name.
func (a *AuthAdapter) StatusAll() ([]ProviderStatus, error) {
	names := map[string]bool{}
	for _, name := range a.registry.Names() {
		names[name] = true
	}
	stored, err := a.fileStore.List()
	if err != nil {
		return nil, err
	}
	for _, name := range stored {
		names[name] = true
	}

	sorted := make([]string, 0, len(names))
	for name := range names {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	statuses := make([]ProviderStatus, 0, len(sorted))
	for _, name := range sorted {
		status, err := a.Status(name)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}
