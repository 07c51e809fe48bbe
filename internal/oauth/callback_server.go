package oauth

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"sync"
	"time"
)

// DefaultCallbackPorts is the fixed, ordered list of loopback ports tried for
// the callback listener. The list is deterministic so that registered
// redirect URIs stay stable: 8080 and 3000 are the conventional local
// redirect ports, 53682 is a high registered port that is rarely taken.
var DefaultCallbackPorts = []int{8080, 3000, 53682}

// DefaultCallbackTimeout is how long to wait for the OAuth callback.
const DefaultCallbackTimeout = 120 * time.Second

//go:embed templates/callback_success.html
var callbackSuccessHTML string

//go:embed templates/callback_error.html
var callbackErrorHTML string

// CallbackResult represents the parameters received on the OAuth callback.
type CallbackResult struct {
	// Code is the authorization code from the provider.
	Code string

	// State is the state parameter echoed by the provider.
	State string

	// Error is the error code if the authorization failed.
	Error string

	// ErrorDescription is a human-readable error description.
	ErrorDescription string
}

// IsError returns true if the callback carries a provider error.
func (r *CallbackResult) IsError() bool {
	return r.Error != ""
}

// CallbackServer is a temporary loopback HTTP server that receives exactly
// one OAuth callback, acknowledges it to the browser, and shuts down.
type CallbackServer struct {
	ports         []int
	expectedState string
	port          int
	server        *http.Server
	listener      net.Listener
	resultCh      chan *CallbackResult
	errorCh       chan error
	once          sync.Once
	serverURL     string
}

// CallbackServerOption configures a CallbackServer.
type CallbackServerOption func(*CallbackServer)

// WithListenPorts overrides the candidate port list. Tests pass {0} to bind
// an ephemeral port.
func WithListenPorts(ports []int) CallbackServerOption {
	return func(s *CallbackServer) {
		s.ports = ports
	}
}

// NewCallbackServer creates a callback server that accepts only callbacks
// whose state matches expectedState.
func NewCallbackServer(expectedState string, opts ...CallbackServerOption) *CallbackServer {
	s := &CallbackServer{
		ports:         DefaultCallbackPorts,
		expectedState: expectedState,
		resultCh:      make(chan *CallbackResult, 1),
		errorCh:       make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the first available candidate port and begins listening.
// The listener is bound before this returns, so the browser can be launched
// immediately afterwards without racing the redirect.
// Returns the redirect URI to use in the authorization request.
func (s *CallbackServer) Start(ctx context.Context) (string, error) {
	var listener net.Listener
	var lastErr error
	for _, port := range s.ports {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			lastErr = err
			continue
		}
		listener = l
		break
	}
	if listener == nil {
		return "", fmt.Errorf("no available callback port (tried %v): %w", s.ports, lastErr)
	}

	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port
	s.serverURL = fmt.Sprintf("http://127.0.0.1:%d", s.port)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", s.handleCallback)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			select {
			case s.errorCh <- err:
			default:
			}
		}
	}()

	// Stop the server when the surrounding flow is cancelled.
	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return s.RedirectURI(), nil
}

// WaitForCallback blocks until the callback arrives, the listener fails, or
// the context expires. A context deadline maps to a TIMEOUT flow error; a
// provider error parameter maps to AUTH_CANCELLED; a state mismatch maps to
// AUTH_FAILED with the StateMismatch flag and never yields a code.
func (s *CallbackServer) WaitForCallback(ctx context.Context) (*CallbackResult, error) {
	select {
	case result := <-s.resultCh:
		if result.IsError() {
			return nil, &FlowError{
				Code:    CodeAuthCancelled,
				Message: fmt.Sprintf("authorization denied: %s", result.Error),
				Err:     errors.New(result.ErrorDescription),
			}
		}
		if result.State != s.expectedState {
			// CSRF gate: the response does not belong to this attempt.
			// Raw state values are deliberately not surfaced.
			return nil, &FlowError{
				Code:          CodeAuthFailed,
				Message:       "state mismatch on callback",
				StateMismatch: true,
			}
		}
		return result, nil
	case err := <-s.errorCh:
		return nil, err
	case <-ctx.Done():
		s.Stop()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &FlowError{
				Code:    CodeTimeout,
				Message: "timed out waiting for the authorization callback",
				Err:     ctx.Err(),
			}
		}
		return nil, ctx.Err()
	}
}

// handleCallback handles the OAuth callback request. Only the first request
// is processed; later requests to the same server instance are rejected.
func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	var handled bool
	s.once.Do(func() {
		handled = true
		s.processCallback(w, r)
	})

	if !handled {
		http.Error(w, "Callback already processed", http.StatusBadRequest)
	}
}

// processCallback parses the callback, renders the acknowledgment page, and
// delivers the result. Called exactly once via sync.Once.
func (s *CallbackServer) processCallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'unsafe-inline'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")

	query := r.URL.Query()
	result := &CallbackResult{
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}

	var tmpl *template.Template
	var data interface{}

	if result.IsError() || result.State != s.expectedState {
		tmpl = template.Must(template.New("error").Parse(callbackErrorHTML))
		data = map[string]string{
			"Error":       result.Error,
			"Description": result.ErrorDescription,
		}
	} else {
		tmpl = template.Must(template.New("success").Parse(callbackSuccessHTML))
		data = map[string]string{}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}

	select {
	case s.resultCh <- result:
	default:
	}

	// Shut down after giving the response time to flush.
	go func() {
		time.Sleep(1 * time.Second)
		s.Stop()
	}()
}

// Stop gracefully shuts down the callback server. Safe to call repeatedly.
func (s *CallbackServer) Stop() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

// RedirectURI returns the redirect URI for the authorization request.
func (s *CallbackServer) RedirectURI() string {
	return s.serverURL + "/callback"
}

// Port returns the port the server is listening on.
func (s *CallbackServer) Port() int {
	return s.port
}
