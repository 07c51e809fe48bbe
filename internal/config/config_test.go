package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentforge/internal/oauth"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0600))
	return dir
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, cfg.TokenDir)
	// The keychain is on by default; only an explicit setting disables it.
	assert.False(t, cfg.DisableKeyring)
	assert.Empty(t, cfg.Providers)
}

func TestLoadConfig_ParsesSettings(t *testing.T) {
	dir := writeConfig(t, `
token_dir: /tmp/tokens
disable_keyring: true
log_level: debug
`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/tokens", cfg.TokenDir)
	assert.True(t, cfg.DisableKeyring)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfig_ParsesProviders(t *testing.T) {
	dir := writeConfig(t, `
providers:
  - name: corp
    display_name: Corp SSO
    auth_url: https://sso.corp.example/authorize
    token_url: https://sso.corp.example/token
    scopes: [openid, profile]
  - name: idp
    issuer: https://idp.example.com
`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	require.Len(t, cfg.Providers, 2)
	assert.Equal(t, "corp", cfg.Providers[0].Name)
	assert.Equal(t, []string{"openid", "profile"}, cfg.Providers[0].Scopes)
	assert.Equal(t, "https://idp.example.com", cfg.Providers[1].Issuer)
}

func TestLoadConfig_MalformedYAML(t *testing.T) {
	dir := writeConfig(t, "providers: [unclosed")

	_, err := LoadConfig(dir)
	require.Error(t, err)
}

func TestBuildRegistry_LayersUserProviders(t *testing.T) {
	dir := writeConfig(t, `
providers:
  - name: corp
    auth_url: https://sso.corp.example/authorize
    token_url: https://sso.corp.example/token
  - name: github
    auth_url: https://ghe.corp.example/login/oauth/authorize
    token_url: https://ghe.corp.example/login/oauth/access_token
`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	registry, err := BuildRegistry(cfg)
	require.NoError(t, err)

	// New provider is registered
	_, ok := registry.Get("corp")
	assert.True(t, ok)

	// Built-in github is overridden
	p, ok := registry.Get("github")
	require.True(t, ok)
	assert.Contains(t, p.AuthURL, "ghe.corp.example")

	// Untouched built-ins remain
	_, ok = registry.Get("google")
	assert.True(t, ok)
}

func TestBuildRegistry_InvalidProvider(t *testing.T) {
	cfg := Config{Providers: []oauth.Provider{{Name: "broken"}}}

	_, err := BuildRegistry(cfg)
	require.Error(t, err)
}
