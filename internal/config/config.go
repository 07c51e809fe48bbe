// Package config loads the agentforge user configuration: global settings
// plus user-defined OAuth provider templates layered over the built-in set.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"agentforge/internal/oauth"
	"agentforge/pkg/logging"
)

const (
	userConfigDir  = ".config/agentforge"
	configFileName = "config.yaml"
)

// Config is the top-level user configuration.
type Config struct {
	// TokenDir overrides the default token storage directory.
	TokenDir string `yaml:"token_dir,omitempty"`

	// DisableKeyring turns off the OS keychain for token storage. By default
	// tokens go to the keychain when one is available, with the file store as
	// transparent fallback.
	DisableKeyring bool `yaml:"disable_keyring,omitempty"`

	// LogLevel sets the log filter level (debug, info, warn, error).
	LogLevel string `yaml:"log_level,omitempty"`

	// Providers are user-defined provider templates. Entries with a name
	// matching a built-in provider replace it.
	Providers []oauth.Provider `yaml:"providers,omitempty"`
}

// GetDefaultConfigPathOrPanic returns the per-user configuration directory.
func GetDefaultConfigPathOrPanic() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		panic(fmt.Errorf("could not determine user config directory: %w", err))
	}

	return filepath.Join(homeDir, userConfigDir)
}

// LoadConfig loads config.yaml from the given directory. A missing file is
// not an error; defaults apply. A malformed file is an error so that typos
// do not silently fall back to defaults.
func LoadConfig(configPath string) (Config, error) {
	configFilePath := filepath.Join(configPath, configFileName)

	var config Config
	data, err := os.ReadFile(configFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Debug("ConfigLoader", "No config.yaml found at %s, using defaults", configFilePath)
			return config, nil
		}
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("error loading config from %s: %w", configFilePath, err)
	}

	logging.Debug("ConfigLoader", "Loaded configuration from %s", configFilePath)
	return config, nil
}

// BuildRegistry creates a provider registry with the built-in providers and
// the user-defined ones from the configuration layered on top. Invalid
// user-defined entries fail the load rather than being skipped.
func BuildRegistry(config Config) (*oauth.Registry, error) {
	registry := oauth.NewRegistry()
	for _, p := range config.Providers {
		if err := registry.Add(p); err != nil {
			return nil, fmt.Errorf("invalid provider in configuration: %w", err)
		}
	}
	return registry, nil
}
