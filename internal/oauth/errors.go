package oauth

import (
	"errors"
	"fmt"
)

// ErrorCode classifies the expected failure modes of the authentication flow.
// These are anticipated outcomes that callers branch on, not exceptional
// conditions.
type ErrorCode string

const (
	// CodeConfigMissing means no client ID could be resolved for the provider.
	CodeConfigMissing ErrorCode = "CONFIG_MISSING"

	// CodeAuthRequired means no tokens are stored for the provider.
	CodeAuthRequired ErrorCode = "AUTH_REQUIRED"

	// CodeAuthFailed means the provider rejected the token exchange, or the
	// callback failed the CSRF state check (see FlowError.StateMismatch).
	CodeAuthFailed ErrorCode = "AUTH_FAILED"

	// CodeAuthCancelled means the user denied access at the provider.
	CodeAuthCancelled ErrorCode = "AUTH_CANCELLED"

	// CodeTokenExpired means the stored token is expired and cannot be
	// refreshed because no refresh token exists.
	CodeTokenExpired ErrorCode = "TOKEN_EXPIRED"

	// CodeTokenRefreshFailed means a refresh was attempted and rejected.
	CodeTokenRefreshFailed ErrorCode = "TOKEN_REFRESH_FAILED"

	// CodeTimeout means the authorization callback never arrived.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeNetworkError means a transport-level failure reaching the provider.
	CodeNetworkError ErrorCode = "NETWORK_ERROR"

	// CodeFlowInProgress means an authentication attempt for the provider is
	// already outstanding. Concurrent attempts fail fast instead of racing.
	CodeFlowInProgress ErrorCode = "FLOW_IN_PROGRESS"
)

// FlowError is the error type returned by Service operations for expected
// failure modes.
type FlowError struct {
	// Code classifies the failure.
	Code ErrorCode

	// Provider is the provider name the operation targeted.
	Provider string

	// Message is a human-readable description.
	Message string

	// StateMismatch marks an AUTH_FAILED error caused by the CSRF state
	// check. Raw state values are never included.
	StateMismatch bool

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *FlowError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Provider != "" {
		msg = fmt.Sprintf("%s: %s", e.Provider, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause for error chain inspection.
func (e *FlowError) Unwrap() error {
	return e.Err
}

// newFlowError constructs a FlowError without a cause.
func newFlowError(code ErrorCode, provider, message string) *FlowError {
	return &FlowError{Code: code, Provider: provider, Message: message}
}

// wrapFlowError constructs a FlowError wrapping an underlying cause.
func wrapFlowError(code ErrorCode, provider, message string, err error) *FlowError {
	return &FlowError{Code: code, Provider: provider, Message: message, Err: err}
}

// CodeOf extracts the ErrorCode from err, or "" if err is not a FlowError.
func CodeOf(err error) ErrorCode {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsCode reports whether err is a FlowError with the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsStateMismatch reports whether err is an AUTH_FAILED error caused by the
// CSRF state gate.
func IsStateMismatch(err error) bool {
	var fe *FlowError
	return errors.As(err, &fe) && fe.StateMismatch
}
