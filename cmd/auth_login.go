package cmd

import (
	"strings"
	"time"

	"agentforge/internal/cli"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

// Login-specific flags
var (
	loginClientID     string
	loginClientSecret string
	loginNoBrowser    bool
	loginTimeout      time.Duration
)

// authLoginCmd represents the auth login command
var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate to a provider",
	Long: `Authenticate to a provider using the OAuth browser flow.

This command starts a local callback listener, opens your browser at the
provider's authorization page, and stores the resulting tokens locally.
The client ID is taken from --client-id or the {PROVIDER}_CLIENT_ID
environment variable.

Examples:
  agentforge auth login --provider github
  agentforge auth login --provider github --client-id <id>
  agentforge auth login --provider google --no-browser`,
	RunE: runAuthLogin,
}

func init() {
	authLoginCmd.Flags().StringVar(&loginClientID, "client-id", "", "OAuth client ID (overrides environment)")
	authLoginCmd.Flags().StringVar(&loginClientSecret, "client-secret", "", "OAuth client secret (overrides environment)")
	authLoginCmd.Flags().BoolVar(&loginNoBrowser, "no-browser", false, "Print the authorization URL instead of opening a browser")
	authLoginCmd.Flags().DurationVar(&loginTimeout, "timeout", 0, "How long to wait for the browser callback (default 2m)")
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	adapter, err := ensureAuthAdapter()
	if err != nil {
		return err
	}
	provider, err := requireProvider()
	if err != nil {
		return err
	}

	opts := cli.LoginOptions{
		ClientID:     loginClientID,
		ClientSecret: loginClientSecret,
		NoBrowser:    loginNoBrowser,
		Timeout:      loginTimeout,
		DisplayURL: func(authURL string) {
			if loginNoBrowser {
				authPrintln("Open this URL in your browser to authenticate:")
			} else {
				authPrintln("Opening browser for authentication...")
				authPrintln("If the browser doesn't open, visit:")
			}
			authPrint("  %s\n\n", authURL)
		},
	}

	s := startSpinner(" Waiting for authentication in your browser...")
	token, err := adapter.Login(cmd.Context(), provider, opts)
	stopSpinner(s)
	if err != nil {
		return err
	}

	authPrint("%s Authenticated to %s\n", text.FgGreen.Sprint("✓"), provider)
	if !token.ExpiresAt().IsZero() {
		authPrint("  Expires: %s\n", formatExpiryWithDirection(token.ExpiresAt()))
	}
	if scopes := token.Scopes(); len(scopes) > 0 {
		authPrint("  Scopes:  %s\n", strings.Join(scopes, ", "))
	}
	if token.RefreshToken == "" {
		authPrint("  %s\n", text.FgYellow.Sprint("No refresh token was issued; you will need to log in again when the token expires."))
	}

	return nil
}
