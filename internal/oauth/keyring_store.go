package oauth

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/zalando/go-keyring"
)

// keyringService is the service name under which records are filed in the
// OS secret store.
const keyringService = "agentforge"

// KeyringStore decorates another TokenStore with the OS secret service
// (macOS Keychain, the freedesktop Secret Service, Windows Credential
// Manager). The keyring is tried first; on any keyring failure the wrapped
// store is used instead, so an unavailable or locked secret service is
// invisible to callers.
type KeyringStore struct {
	fallback TokenStore
}

// NewKeyringStore wraps fallback with OS keychain storage.
func NewKeyringStore(fallback TokenStore) *KeyringStore {
	return &KeyringStore{fallback: fallback}
}

// Save stores the token set in the keyring, falling back to the wrapped
// store if the keyring is unavailable.
func (s *KeyringStore) Save(provider string, token *Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return err
	}

	if err := keyring.Set(keyringService, recordKey(provider), string(data)); err != nil {
		slog.Debug("Keyring unavailable, using fallback store",
			"provider", provider,
			"error", err.Error(),
		)
		return s.fallback.Save(provider, token)
	}

	// Drop any stale fallback record so a later keyring miss cannot
	// resurrect an older token set.
	_, _ = s.fallback.Delete(provider)
	return nil
}

// Load reads the token set from the keyring, consulting the wrapped store
// when the keyring has no record or fails.
func (s *KeyringStore) Load(provider string) (*Token, error) {
	secret, err := keyring.Get(keyringService, recordKey(provider))
	if err != nil {
		if !errors.Is(err, keyring.ErrNotFound) {
			slog.Debug("Keyring unavailable, using fallback store",
				"provider", provider,
				"error", err.Error(),
			)
		}
		return s.fallback.Load(provider)
	}

	var token Token
	if err := json.Unmarshal([]byte(secret), &token); err != nil {
		slog.Warn("Ignoring corrupted keyring record", "provider", provider)
		return s.fallback.Load(provider)
	}

	return &token, nil
}

// Delete removes the token set from both the keyring and the wrapped store.
// It reports whether anything was deleted from either.
func (s *KeyringStore) Delete(provider string) (bool, error) {
	deleted := false
	if err := keyring.Delete(keyringService, recordKey(provider)); err == nil {
		deleted = true
	}

	fallbackDeleted, err := s.fallback.Delete(provider)
	if err != nil {
		return deleted, err
	}
	return deleted || fallbackDeleted, nil
}
