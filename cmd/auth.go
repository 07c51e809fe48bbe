package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

var (
	authProvider   string
	authConfigPath string
	authQuiet      bool
)

// authCmd represents the auth command group
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage authentication for integrations",
	Long: `Manage OAuth authentication for integrations.

The auth command group provides subcommands to login, logout, check status,
refresh tokens, and print access tokens for providers that integrations
authenticate against.

Examples:
  agentforge auth login --provider github    # Authenticate to GitHub
  agentforge auth status                     # Show status for all providers
  agentforge auth status --watch             # Live status view
  agentforge auth refresh --provider github  # Force a token refresh
  agentforge auth token --provider github    # Print a valid access token
  agentforge auth logout --provider github   # Remove stored tokens
  agentforge auth logout --all               # Remove all stored tokens`,
}

// authLogoutCmd represents the auth logout command
var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear stored authentication tokens",
	Long: `Clear stored OAuth tokens.

This command removes cached tokens, requiring you to re-authenticate on the
next use of the provider. Logging out of a provider with no stored tokens
succeeds without doing anything.

Examples:
  agentforge auth logout --provider github   # Logout from one provider
  agentforge auth logout --all               # Clear all stored tokens
  agentforge auth logout --all --yes         # Clear all without confirmation`,
	RunE: runAuthLogout,
}

// authRefreshCmd represents the auth refresh command
var authRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Force token refresh",
	Long: `Force a refresh of the stored OAuth token.

This can be useful if you are experiencing authentication issues with a
provider. On failure the stored tokens are left in place.

Examples:
  agentforge auth refresh --provider github`,
	RunE: runAuthRefresh,
}

// authTokenCmd represents the auth token command
var authTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a valid access token",
	Long: `Print a valid access token for a provider to stdout.

The token is refreshed transparently if it is expired and a refresh token is
available. Intended for piping into other tools:

  curl -H "Authorization: Bearer $(agentforge auth token -p github)" ...`,
	RunE: runAuthToken,
}

// Logout-specific flags
var (
	logoutAll bool
	logoutYes bool
)

// authPrint prints output only if the --quiet flag is not set.
// Use this for progress messages and non-essential output.
func authPrint(format string, args ...interface{}) {
	if !authQuiet {
		fmt.Printf(format, args...)
	}
}

// authPrintln prints a line only if the --quiet flag is not set.
func authPrintln(a ...interface{}) {
	if !authQuiet {
		fmt.Println(a...)
	}
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authLogoutCmd)
	authCmd.AddCommand(authStatusCmd)
	authCmd.AddCommand(authRefreshCmd)
	authCmd.AddCommand(authTokenCmd)

	authCmd.PersistentFlags().StringVarP(&authProvider, "provider", "p", "", "Provider name (e.g. github)")
	authCmd.PersistentFlags().StringVar(&authConfigPath, "config-path", "", "Configuration directory (default ~/.config/agentforge)")
	authCmd.PersistentFlags().BoolVarP(&authQuiet, "quiet", "q", false, "Suppress non-essential output")

	authLogoutCmd.Flags().BoolVar(&logoutAll, "all", false, "Clear stored tokens for all providers")
	authLogoutCmd.Flags().BoolVar(&logoutYes, "yes", false, "Skip the confirmation prompt for --all")
}

func runAuthLogout(cmd *cobra.Command, args []string) error {
	adapter, err := ensureAuthAdapter()
	if err != nil {
		return err
	}

	if logoutAll {
		if !logoutYes && !confirm("This will remove stored tokens for all providers. Continue?") {
			authPrintln("Aborted.")
			return nil
		}
		cleared, err := adapter.LogoutAll()
		if err != nil {
			return err
		}
		if len(cleared) == 0 {
			authPrintln("No stored tokens.")
			return nil
		}
		for _, provider := range cleared {
			authPrint("%s Logged out of %s\n", text.FgGreen.Sprint("✓"), provider)
		}
		return nil
	}

	provider, err := requireProvider()
	if err != nil {
		return err
	}

	deleted, err := adapter.Logout(provider)
	if err != nil {
		return err
	}
	if deleted {
		authPrint("%s Logged out of %s\n", text.FgGreen.Sprint("✓"), provider)
	} else {
		authPrint("No stored tokens for %s.\n", provider)
	}
	return nil
}

func runAuthRefresh(cmd *cobra.Command, args []string) error {
	adapter, err := ensureAuthAdapter()
	if err != nil {
		return err
	}
	provider, err := requireProvider()
	if err != nil {
		return err
	}

	s := startSpinner(" Refreshing token...")
	token, err := adapter.Refresh(cmd.Context(), provider)
	stopSpinner(s)
	if err != nil {
		return err
	}

	authPrint("%s Token refreshed for %s\n", text.FgGreen.Sprint("✓"), provider)
	if !token.ExpiresAt().IsZero() {
		authPrint("  Expires: %s\n", formatExpiryWithDirection(token.ExpiresAt()))
	}
	return nil
}

func runAuthToken(cmd *cobra.Command, args []string) error {
	adapter, err := ensureAuthAdapter()
	if err != nil {
		return err
	}
	provider, err := requireProvider()
	if err != nil {
		return err
	}

	token, err := adapter.BearerToken(cmd.Context(), provider)
	if err != nil {
		return err
	}

	// The token is the command's output; it prints regardless of --quiet.
	fmt.Println(token)
	return nil
}

// confirm prompts the user with a yes/no question on stdin.
func confirm(question string) bool {
	fmt.Printf("%s [y/N]: ", question)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
