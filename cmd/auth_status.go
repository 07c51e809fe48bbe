package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"agentforge/internal/cli"
	"agentforge/internal/oauth"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

// Status-specific flags
var (
	statusWatch bool
)

// authStatusCmd represents the auth status command
var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show authentication status",
	Long: `Show the current authentication status for all known providers.

Status is derived purely from locally stored tokens; no network requests are
made. With --watch, the view re-renders whenever stored tokens change (for
example when a login completes in another terminal).

Examples:
  agentforge auth status                     # Show all provider status
  agentforge auth status --provider github   # Show one provider
  agentforge auth status --watch             # Live status view`,
	RunE: runAuthStatus,
}

func init() {
	authStatusCmd.Flags().BoolVar(&statusWatch, "watch", false, "Re-render when stored tokens change")
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	adapter, err := ensureAuthAdapter()
	if err != nil {
		return err
	}

	if statusWatch {
		return watchAuthStatus(adapter)
	}

	if authProvider != "" {
		status, err := adapter.Status(authProvider)
		if err != nil {
			return err
		}
		printProviderStatus(status)
		return nil
	}

	return renderStatusTable(adapter)
}

// watchAuthStatus renders the status table and re-renders whenever the token
// store changes, until interrupted.
func watchAuthStatus(adapter *cli.AuthAdapter) error {
	render := func() {
		fmt.Printf("%s %s\n", text.FgHiBlack.Sprint("Last updated:"), time.Now().Format(time.Kitchen))
		if err := renderStatusTable(adapter); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		fmt.Println()
	}

	changed := make(chan struct{}, 1)
	watcher := oauth.NewStoreWatcher(oauth.StoreWatcherConfig{
		Dir: adapter.TokenDir(),
		OnChange: func() {
			select {
			case changed <- struct{}{}:
			default:
			}
		},
	})
	if err := watcher.Start(); err != nil {
		return err
	}
	defer watcher.Stop()

	render()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-changed:
			render()
		case <-sigCh:
			return nil
		}
	}
}

// renderStatusTable prints the status of every known provider as a table.
func renderStatusTable(adapter *cli.AuthAdapter) error {
	statuses, err := adapter.StatusAll()
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{
		text.FgHiCyan.Sprint("PROVIDER"),
		text.FgHiCyan.Sprint("STATUS"),
		text.FgHiCyan.Sprint("EXPIRES"),
		text.FgHiCyan.Sprint("SCOPES"),
	})

	for _, status := range statuses {
		expires := ""
		scopes := ""
		if status.Token != nil {
			if !status.Token.ExpiresAt().IsZero() {
				expires = formatExpiryWithDirection(status.Token.ExpiresAt())
			} else {
				expires = "never"
			}
			scopes = strings.Join(status.Token.Scopes(), ", ")
		}
		t.AppendRow(table.Row{
			status.Provider,
			colorizeStatus(status.Status),
			expires,
			scopes,
		})
	}

	t.Render()
	return nil
}

// printProviderStatus prints the detailed status for one provider.
func printProviderStatus(status cli.ProviderStatus) {
	fmt.Printf("%s\n", status.Provider)
	fmt.Printf("  Status:  %s\n", colorizeStatus(status.Status))
	if status.Token == nil {
		fmt.Printf("  Run: agentforge auth login --provider %s\n", status.Provider)
		return
	}
	if !status.Token.ExpiresAt().IsZero() {
		fmt.Printf("  Expires: %s\n", formatExpiryWithDirection(status.Token.ExpiresAt()))
	} else {
		fmt.Printf("  Expires: never\n")
	}
	if scopes := status.Token.Scopes(); len(scopes) > 0 {
		fmt.Printf("  Scopes:  %s\n", strings.Join(scopes, ", "))
	}
	fmt.Printf("  Refresh: %s\n", yesNo(status.Token.RefreshToken != ""))
}

// colorizeStatus renders an auth status with a semantic color.
func colorizeStatus(status oauth.AuthStatus) string {
	switch status {
	case oauth.StatusAuthenticated:
		return text.FgGreen.Sprint("Authenticated")
	case oauth.StatusTokenExpired:
		return text.FgYellow.Sprint("Token expired")
	case oauth.StatusTokenRefreshFailed:
		return text.FgRed.Sprint("Refresh failed")
	default:
		return text.FgHiBlack.Sprint("Not authenticated")
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
