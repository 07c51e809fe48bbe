package oauth

import (
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// DefaultExpiryBuffer is the margin applied when checking token expiry.
// It accounts for clock skew, network latency, and long-running operations:
// a token within this window of its expiry is treated as already expired so
// that it gets refreshed before a request can fail mid-flight.
const DefaultExpiryBuffer = 60 * time.Second

// Token represents an OAuth token set obtained from a provider.
//
// Tokens are replaced wholesale: a refresh produces a new Token value rather
// than mutating the old one in place.
type Token struct {
	// AccessToken is the bearer token used for authorization.
	AccessToken string `json:"access_token"`

	// TokenType is typically "Bearer".
	TokenType string `json:"token_type"`

	// ExpiresIn is the token lifetime in seconds from IssuedAt, as received
	// on the wire. Nil means the token does not expire.
	ExpiresIn *int64 `json:"expires_in,omitempty"`

	// RefreshToken is used to obtain new access tokens (optional).
	RefreshToken string `json:"refresh_token,omitempty"`

	// Scope is the granted scope(s), space-separated.
	Scope string `json:"scope,omitempty"`

	// IssuedAt is the wall-clock time the token set was received.
	IssuedAt time.Time `json:"issued_at"`
}

// ExpiresAt returns the absolute expiry time, or the zero time if the token
// does not expire.
func (t *Token) ExpiresAt() time.Time {
	if t.ExpiresIn == nil {
		return time.Time{}
	}
	return t.IssuedAt.Add(time.Duration(*t.ExpiresIn) * time.Second)
}

// Expired reports whether the token is expired using DefaultExpiryBuffer.
func (t *Token) Expired() bool {
	return t.ExpiredWithBuffer(DefaultExpiryBuffer)
}

// ExpiredWithBuffer reports whether the token has expired or will expire
// within the given buffer. Tokens without ExpiresIn never expire. A zero or
// negative ExpiresIn is expired from the moment of issue.
func (t *Token) ExpiredWithBuffer(buffer time.Duration) bool {
	if t.ExpiresIn == nil {
		return false
	}
	return !time.Now().Add(buffer).Before(t.ExpiresAt())
}

// Scopes returns the scope string split into individual scopes.
func (t *Token) Scopes() []string {
	if t.Scope == "" {
		return nil
	}
	return strings.Fields(t.Scope)
}

// ToOAuth2Token converts the Token to an oauth2.Token for use with
// golang.org/x/oauth2-based consumers.
func (t *Token) ToOAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
		Expiry:       t.ExpiresAt(),
	}
}

// tokenResponse is the wire form of a token endpoint response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    *int64 `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// newTokenFromResponse builds a Token from a token endpoint response,
// stamping IssuedAt with the current time.
func newTokenFromResponse(resp tokenResponse) *Token {
	return &Token{
		AccessToken:  resp.AccessToken,
		TokenType:    resp.TokenType,
		ExpiresIn:    resp.ExpiresIn,
		RefreshToken: resp.RefreshToken,
		Scope:        resp.Scope,
		IssuedAt:     time.Now(),
	}
}

// AuthStatus represents the authentication state for a provider.
// It is derived on demand from stored tokens and the current time and is
// never persisted.
type AuthStatus int

const (
	// StatusNotAuthenticated means no tokens are stored for the provider.
	StatusNotAuthenticated AuthStatus = iota

	// StatusAuthenticated means a valid (non-expired) token is stored.
	StatusAuthenticated

	// StatusTokenExpired means the stored token is past its expiry buffer.
	StatusTokenExpired

	// StatusTokenRefreshFailed means the last refresh attempt in this process
	// was rejected and the stored token is still expired.
	StatusTokenRefreshFailed
)

// String returns the string representation of the auth status.
func (s AuthStatus) String() string {
	switch s {
	case StatusNotAuthenticated:
		return "not_authenticated"
	case StatusAuthenticated:
		return "authenticated"
	case StatusTokenExpired:
		return "token_expired"
	case StatusTokenRefreshFailed:
		return "token_refresh_failed"
	default:
		return "unknown"
	}
}
