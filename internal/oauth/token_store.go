package oauth

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// DefaultTokenStorageDir is the default directory for storing OAuth tokens,
// relative to the user's home directory. This follows XDG conventions.
const DefaultTokenStorageDir = ".config/agentforge/tokens"

// TokenStore provides storage for OAuth tokens keyed by provider name.
//
// SECURITY: implementations handle sensitive credentials. The durable store
// creates its directory with 0700 and token records with 0600 permissions,
// and token values are never logged.
type TokenStore interface {
	// Save persists the token set for a provider, replacing any previous one.
	Save(provider string, token *Token) error

	// Load returns the stored token set for a provider, or nil if absent.
	// A corrupted record is treated as absent, not as an error.
	Load(provider string) (*Token, error)

	// Delete removes the stored token set for a provider.
	// It reports whether anything was deleted.
	Delete(provider string) (bool, error)
}

// FileStore is the durable TokenStore: one JSON record per provider under a
// per-user, owner-only directory. Writes are atomic (temp file + rename) so a
// concurrent reader never observes a half-written record. Records for
// different providers are fully independent.
type FileStore struct {
	dir string
}

// NewFileStore creates a file-backed token store rooted at dir.
// If dir is empty, DefaultTokenStorageDir under the user's home is used.
// The directory is created with owner-only access.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, DefaultTokenStorageDir)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create token storage directory: %w", err)
	}

	return &FileStore{dir: dir}, nil
}

// Dir returns the storage directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Save persists the token record for a provider.
// SECURITY: token values are never logged; only the provider name is logged
// for audit purposes.
func (s *FileStore) Save(provider string, token *Token) error {
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	finalPath := s.recordPath(provider)

	// Write to a unique temp file in the same directory, then rename over the
	// final path. Rename within a directory is atomic, so concurrent readers
	// see either the old record or the new one, never a partial write.
	tmpPath := filepath.Join(s.dir, fmt.Sprintf(".%s.%s.tmp", recordKey(provider), uuid.NewString()))
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace token file: %w", err)
	}

	slog.Info("OAuth token stored",
		"provider", provider,
		"has_refresh_token", token.RefreshToken != "",
	)
	return nil
}

// Load reads the token record for a provider. Missing or unparseable records
// are reported as absent.
func (s *FileStore) Load(provider string) (*Token, error) {
	// #nosec G304 -- the path is built from the internal record key, not user input
	data, err := os.ReadFile(s.recordPath(provider))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var token Token
	if err := json.Unmarshal(data, &token); err != nil {
		slog.Warn("Ignoring corrupted token record",
			"provider", provider,
			"error", err.Error(),
		)
		return nil, nil
	}

	return &token, nil
}

// Delete removes the token record for a provider.
func (s *FileStore) Delete(provider string) (bool, error) {
	err := os.Remove(s.recordPath(provider))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to delete token file: %w", err)
	}

	slog.Info("OAuth token deleted", "provider", provider)
	return true, nil
}

// List returns the provider names that currently have a stored record.
func (s *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var providers []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" || strings.HasPrefix(name, ".") {
			continue
		}
		providers = append(providers, strings.TrimSuffix(name, ".json"))
	}
	return providers, nil
}

// recordPath returns the record file path for a provider.
func (s *FileStore) recordPath(provider string) string {
	return filepath.Join(s.dir, recordKey(provider)+".json")
}

// recordKey produces a filesystem-safe key from a provider name. Lookup is
// case-insensitive, matching the registry. When characters have to be
// replaced, a short hash of the name is appended so distinct providers such
// as "my.idp" and "my_idp" never share a record.
func recordKey(provider string) string {
	lower := strings.ToLower(provider)
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, lower)
	if mapped == lower {
		return mapped
	}

	sum := sha256.Sum256([]byte(lower))
	return fmt.Sprintf("%s-%x", mapped, sum[:4])
}

// MemoryStore is the volatile TokenStore used by tests. Semantics match
// FileStore exactly; Reset clears all state for test isolation.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]*Token
}

// NewMemoryStore creates an empty in-memory token store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]*Token)}
}

// Save stores a copy of the token set for a provider.
func (s *MemoryStore) Save(provider string, token *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *token
	s.tokens[recordKey(provider)] = &copied
	return nil
}

// Load returns the stored token set for a provider, or nil if absent.
func (s *MemoryStore) Load(provider string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[recordKey(provider)]
	if !ok {
		return nil, nil
	}
	copied := *token
	return &copied, nil
}

// Delete removes the stored token set for a provider.
func (s *MemoryStore) Delete(provider string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := recordKey(provider)
	_, ok := s.tokens[key]
	delete(s.tokens, key)
	return ok, nil
}

// Reset clears all stored tokens.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]*Token)
}
