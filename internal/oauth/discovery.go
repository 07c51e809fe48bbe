package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultMetadataCacheTTL is the default TTL for cached provider metadata.
const DefaultMetadataCacheTTL = 30 * time.Minute

// Metadata represents OAuth 2.0 Authorization Server Metadata (RFC 8414),
// restricted to the fields the flow needs.
type Metadata struct {
	// Issuer is the authorization server's issuer identifier.
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint.
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint.
	TokenEndpoint string `json:"token_endpoint"`

	// ScopesSupported lists the OAuth 2.0 scope values supported.
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// CodeChallengeMethodsSupported lists the PKCE code challenge methods.
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// SupportsPKCE returns true if the server supports S256 PKCE.
// An empty list is treated as supported, per the OAuth 2.1 requirement.
func (m *Metadata) SupportsPKCE() bool {
	for _, method := range m.CodeChallengeMethodsSupported {
		if method == "S256" {
			return true
		}
	}
	return len(m.CodeChallengeMethodsSupported) == 0
}

// metadataCacheEntry holds cached metadata with its fetch timestamp.
type metadataCacheEntry struct {
	metadata  *Metadata
	fetchedAt time.Time
}

// discoverer fetches and caches authorization server metadata for providers
// configured with an issuer instead of explicit endpoints.
type discoverer struct {
	httpClient *http.Client

	mu    sync.RWMutex
	cache map[string]*metadataCacheEntry
	ttl   time.Duration

	// group deduplicates concurrent fetches for the same issuer.
	group singleflight.Group
}

func newDiscoverer(httpClient *http.Client, ttl time.Duration) *discoverer {
	if ttl <= 0 {
		ttl = DefaultMetadataCacheTTL
	}
	return &discoverer{
		httpClient: httpClient,
		cache:      make(map[string]*metadataCacheEntry),
		ttl:        ttl,
	}
}

// Discover fetches metadata from the issuer's well-known endpoint.
// It tries RFC 8414 (/.well-known/oauth-authorization-server) first, then
// falls back to OpenID Connect (/.well-known/openid-configuration).
// Results are cached with a TTL.
func (d *discoverer) Discover(ctx context.Context, issuer string) (*Metadata, error) {
	issuer = strings.TrimSuffix(issuer, "/")

	d.mu.RLock()
	if entry, ok := d.cache[issuer]; ok && time.Since(entry.fetchedAt) < d.ttl {
		d.mu.RUnlock()
		return entry.metadata, nil
	}
	d.mu.RUnlock()

	result, err, _ := d.group.Do(issuer, func() (interface{}, error) {
		// Double-check the cache after winning the singleflight slot.
		d.mu.RLock()
		if entry, ok := d.cache[issuer]; ok && time.Since(entry.fetchedAt) < d.ttl {
			d.mu.RUnlock()
			return entry.metadata, nil
		}
		d.mu.RUnlock()

		return d.doDiscover(ctx, issuer)
	})
	if err != nil {
		return nil, err
	}

	return result.(*Metadata), nil
}

func (d *discoverer) doDiscover(ctx context.Context, issuer string) (*Metadata, error) {
	wellKnown := []string{
		issuer + "/.well-known/oauth-authorization-server",
		issuer + "/.well-known/openid-configuration",
	}

	var lastErr error
	for _, metadataURL := range wellKnown {
		metadata, err := d.fetch(ctx, metadataURL)
		if err != nil {
			lastErr = err
			continue
		}

		d.mu.Lock()
		d.cache[issuer] = &metadataCacheEntry{metadata: metadata, fetchedAt: time.Now()}
		d.mu.Unlock()
		return metadata, nil
	}

	return nil, fmt.Errorf("failed to discover metadata for %s: %w", issuer, lastErr)
}

func (d *discoverer) fetch(ctx context.Context, metadataURL string) (*Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metadataURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metadata request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata request to %s returned status %d", metadataURL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata response: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(body, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}

	if metadata.AuthorizationEndpoint == "" || metadata.TokenEndpoint == "" {
		return nil, fmt.Errorf("metadata from %s is missing required endpoints", metadataURL)
	}

	return &metadata, nil
}

// ClearCache clears the metadata cache. Useful in tests.
func (d *discoverer) ClearCache() {
	d.mu.Lock()
	d.cache = make(map[string]*metadataCacheEntry)
	d.mu.Unlock()
}
