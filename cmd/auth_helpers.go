package cmd

import (
	"fmt"
	"os"
	"time"

	"agentforge/internal/cli"
	"agentforge/internal/config"
	"agentforge/pkg/logging"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/text"
)

// ensureAuthAdapter loads the user configuration and builds the auth adapter.
func ensureAuthAdapter() (*cli.AuthAdapter, error) {
	configPath := authConfigPath
	if configPath == "" {
		configPath = config.GetDefaultConfigPathOrPanic()
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logging.InitForCLI(logging.ParseLevel(cfg.LogLevel), os.Stderr)

	adapter, err := cli.NewAuthAdapter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize authentication: %w", err)
	}
	return adapter, nil
}

// requireProvider returns the provider from the --provider flag or fails
// with usage guidance.
func requireProvider() (string, error) {
	if authProvider == "" {
		return "", fmt.Errorf("no provider specified; use --provider (e.g. --provider github)")
	}
	return authProvider, nil
}

// startSpinner starts a progress spinner unless --quiet is set.
func startSpinner(suffix string) *spinner.Spinner {
	if authQuiet {
		return nil
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = suffix
	s.Start()
	return s
}

// stopSpinner stops a spinner started by startSpinner. Nil-safe.
func stopSpinner(s *spinner.Spinner) {
	if s != nil {
		s.Stop()
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < 0 {
		return "expired"
	}
	if d < time.Minute {
		return "< 1 minute"
	}
	if d < time.Hour {
		minutes := int(d.Minutes())
		if minutes == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", minutes)
	}
	if d < 24*time.Hour {
		hours := int(d.Hours())
		if hours == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", hours)
	}
	days := int(d.Hours() / 24)
	if days == 1 {
		return "1 day"
	}
	return fmt.Sprintf("%d days", days)
}

// formatExpiryWithDirection formats a time as "in X" or "expired X ago".
func formatExpiryWithDirection(expiresAt time.Time) string {
	remaining := time.Until(expiresAt)
	if remaining > 0 {
		return "in " + formatDuration(remaining)
	}
	expiredAgo := -remaining
	return text.FgYellow.Sprintf("expired %s ago", formatDuration(expiredAgo))
}
