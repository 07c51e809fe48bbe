package oauth

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Provider is an immutable endpoint/scope template for a named OAuth
// provider. A runtime Config is derived from it by binding credentials; the
// template itself carries no secrets.
type Provider struct {
	// Name is the registry key, e.g. "github".
	Name string `yaml:"name"`

	// DisplayName is the human-readable provider name.
	DisplayName string `yaml:"display_name"`

	// AuthURL is the authorization endpoint. May be empty if Issuer is set,
	// in which case endpoints are discovered from provider metadata.
	AuthURL string `yaml:"auth_url"`

	// TokenURL is the token endpoint. May be empty if Issuer is set.
	TokenURL string `yaml:"token_url"`

	// Issuer enables RFC 8414 metadata discovery when the endpoints are not
	// configured explicitly.
	Issuer string `yaml:"issuer,omitempty"`

	// Scopes are the OAuth scopes to request, joined with spaces on the wire.
	Scopes []string `yaml:"scopes"`

	// Audience is an optional audience parameter added to the authorization
	// request (used by providers like Auth0).
	Audience string `yaml:"audience,omitempty"`

	// ResourcesURL optionally points at the provider's API base.
	ResourcesURL string `yaml:"resources_url,omitempty"`

	// SetupURL points at the provider page where users create OAuth clients.
	SetupURL string `yaml:"setup_url,omitempty"`

	// ExtraAuthParams are provider-specific query parameters added to the
	// authorization URL.
	ExtraAuthParams map[string]string `yaml:"extra_auth_params,omitempty"`
}

// Config is a Provider bound to runtime credentials. It is immutable after
// construction.
type Config struct {
	Provider

	// ClientID identifies the OAuth client. Required.
	ClientID string

	// ClientSecret is sent on token requests when the provider requires a
	// confidential client. Optional for public PKCE clients.
	ClientSecret string
}

// Registry maps provider names to their templates. The built-in set can be
// extended (or overridden) with user-defined providers; lookups are
// case-insensitive on the provider name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// defaultProviders is the built-in provider set.
var defaultProviders = []Provider{
	{
		Name:         "github",
		DisplayName:  "GitHub",
		AuthURL:      "https://github.com/login/oauth/authorize",
		TokenURL:     "https://github.com/login/oauth/access_token",
		Scopes:       []string{"repo", "read:org"},
		ResourcesURL: "https://api.github.com",
		SetupURL:     "https://github.com/settings/developers",
	},
	{
		Name:        "google",
		DisplayName: "Google",
		AuthURL:     "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:    "https://oauth2.googleapis.com/token",
		Scopes:      []string{"openid", "email", "profile"},
		SetupURL:    "https://console.cloud.google.com/apis/credentials",
		ExtraAuthParams: map[string]string{
			// Google only issues a refresh token for offline access with
			// an explicit consent prompt.
			"access_type": "offline",
			"prompt":      "consent",
		},
	},
	{
		Name:        "linear",
		DisplayName: "Linear",
		AuthURL:     "https://linear.app/oauth/authorize",
		TokenURL:    "https://api.linear.app/oauth/token",
		Scopes:      []string{"read", "write"},
		SetupURL:    "https://linear.app/settings/api/applications",
	},
	{
		Name:        "sentry",
		DisplayName: "Sentry",
		AuthURL:     "https://sentry.io/oauth/authorize/",
		TokenURL:    "https://sentry.io/oauth/token/",
		Scopes:      []string{"project:read", "event:read"},
		SetupURL:    "https://sentry.io/settings/account/api/applications/",
	},
}

// NewRegistry creates a registry populated with the built-in providers.
func NewRegistry() *Registry {
	r := &Registry{providers: make(map[string]Provider, len(defaultProviders))}
	for _, p := range defaultProviders {
		r.providers[p.Name] = p
	}
	return r
}

// Get returns the provider template for name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[strings.ToLower(name)]
	return p, ok
}

// Add registers (or replaces) a provider template. User-defined providers
// loaded from configuration go through this path.
func (r *Registry) Add(p Provider) error {
	if p.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	if p.Issuer == "" && (p.AuthURL == "" || p.TokenURL == "") {
		return fmt.Errorf("provider %q needs either an issuer or both auth_url and token_url", p.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[strings.ToLower(p.Name)] = p
	return nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve derives a runtime Config for the named provider. Explicit
// credentials win; otherwise the conventional environment variables
// {PROVIDER}_CLIENT_ID and {PROVIDER}_CLIENT_SECRET are consulted.
// A missing client ID is a CONFIG_MISSING failure.
func (r *Registry) Resolve(name, clientID, clientSecret string) (*Config, error) {
	p, ok := r.Get(name)
	if !ok {
		return nil, newFlowError(CodeConfigMissing, name, "unknown provider")
	}

	if clientID == "" {
		clientID = os.Getenv(envVarName(p.Name, "CLIENT_ID"))
	}
	if clientSecret == "" {
		clientSecret = os.Getenv(envVarName(p.Name, "CLIENT_SECRET"))
	}

	if clientID == "" {
		msg := fmt.Sprintf("no client ID configured; pass --client-id or set %s", envVarName(p.Name, "CLIENT_ID"))
		if p.SetupURL != "" {
			msg += fmt.Sprintf(" (create one at %s)", p.SetupURL)
		}
		return nil, newFlowError(CodeConfigMissing, name, msg)
	}

	return &Config{Provider: p, ClientID: clientID, ClientSecret: clientSecret}, nil
}

// envVarName builds the conventional environment variable name for a
// provider credential, e.g. ("github", "CLIENT_ID") -> "GITHUB_CLIENT_ID".
func envVarName(provider, suffix string) string {
	upper := strings.ToUpper(provider)
	mapped := strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, upper)
	return mapped + "_" + suffix
}
