package cli

import (
	"errors"
	"fmt"

	"agentforge/internal/oauth"
)

// AuthRequiredError indicates authentication is needed.
// Implements error with actionable guidance.
type AuthRequiredError struct {
	// Provider is the provider that requires authentication.
	Provider string
}

// Error returns a user-friendly error message with actionable guidance.
func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf(`Authentication required for %s

To authenticate, run:
  agentforge auth login --provider %s

To check current authentication status:
  agentforge auth status`, e.Provider, e.Provider)
}

// Is allows errors.Is() to work with wrapped errors.
func (e *AuthRequiredError) Is(target error) bool {
	_, ok := target.(*AuthRequiredError)
	return ok
}

// AuthExpiredError indicates the stored token has expired and could not be
// refreshed transparently.
type AuthExpiredError struct {
	// Provider is the provider whose token has expired.
	Provider string
}

// Error returns a user-friendly error message with actionable guidance.
func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf(`Authentication expired for %s

To re-authenticate, run:
  agentforge auth login --provider %s

Or try to refresh your token:
  agentforge auth refresh --provider %s`, e.Provider, e.Provider, e.Provider)
}

// Is allows errors.Is() to work with wrapped errors.
func (e *AuthExpiredError) Is(target error) bool {
	_, ok := target.(*AuthExpiredError)
	return ok
}

// AuthFailedError indicates the OAuth flow failed.
type AuthFailedError struct {
	// Provider is the provider where authentication failed.
	Provider string
	// Reason is the underlying error.
	Reason error
	// Hint carries remediation advice specific to how the flow failed,
	// shown before the retry command.
	Hint string
}

// Error returns a user-friendly error message with actionable guidance.
func (e *AuthFailedError) Error() string {
	msg := fmt.Sprintf("Authentication failed for %s: %v\n", e.Provider, e.Reason)
	if e.Hint != "" {
		msg += "\n" + e.Hint + "\n"
	}
	msg += fmt.Sprintf(`
To retry authentication, run:
  agentforge auth login --provider %s`, e.Provider)
	return msg
}

// Unwrap returns the underlying error.
func (e *AuthFailedError) Unwrap() error {
	return e.Reason
}

// Is allows errors.Is() to work with wrapped errors.
func (e *AuthFailedError) Is(target error) bool {
	_, ok := target.(*AuthFailedError)
	return ok
}

// ConfigError indicates missing or invalid client configuration.
type ConfigError struct {
	// Provider is the provider with missing configuration.
	Provider string
	// Reason is the underlying error.
	Reason error
}

// Error returns the underlying configuration problem.
func (e *ConfigError) Error() string {
	return e.Reason.Error()
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Reason
}

// translateFlowError maps flow-level errors onto the CLI error types that
// carry actionable guidance and drive the process exit code.
func translateFlowError(provider string, err error) error {
	if err == nil {
		return nil
	}

	var fe *oauth.FlowError
	if !errors.As(err, &fe) {
		return err
	}

	switch fe.Code {
	case oauth.CodeConfigMissing:
		return &ConfigError{Provider: provider, Reason: err}
	case oauth.CodeAuthRequired:
		return &AuthRequiredError{Provider: provider}
	case oauth.CodeTokenExpired, oauth.CodeTokenRefreshFailed:
		return &AuthExpiredError{Provider: provider}
	case oauth.CodeTimeout:
		return &AuthFailedError{
			Provider: provider,
			Reason:   err,
			Hint:     "Check that your browser opened the authorization page. If it did not, rerun with --no-browser and open the printed URL manually.",
		}
	case oauth.CodeAuthFailed, oauth.CodeAuthCancelled:
		failed := &AuthFailedError{Provider: provider, Reason: err}
		if oauth.IsStateMismatch(err) {
			failed.Hint = "The callback did not match this login attempt. Close any extra browser tabs for this provider and retry."
		}
		return failed
	default:
		return err
	}
}
