package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"mangafetch/internal"
	"mangafetch/session"
)

var (
	username      string
	email         string
	passwordStdin bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and, with session.cache enabled, keep the session for later commands",
	Long: `Log in with a username or email and password, or through the browser when
auth.method is "redirect".

Without session.cache the session only lives as long as this command, which
is still useful to check credentials.

Examples:
  mangafetch login -u reader
  echo "$PASS" | mangafetch login --email reader@example.com --password-stdin
  MANGAFETCH_AUTH_METHOD=redirect mangafetch login`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(config)
		if err != nil {
			return err
		}
		defer a.close()

		a.restore(ctx)
		if a.manager.IsLoggedIn() {
			fmt.Println("Already logged in. Run 'mangafetch logout' first to switch accounts.")
			return nil
		}

		if err := login(ctx, a); err != nil {
			return err
		}

		sessionExpiry, _ := a.manager.Expiry()
		fmt.Printf("Logged in, session valid until %s\n", describeExpiry(sessionExpiry))
		if !config.Session.Cache {
			fmt.Println("session.cache is disabled; the session ends when this command exits.")
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the cached session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(config)
		if err != nil {
			return err
		}
		defer a.close()

		a.restore(ctx)
		if err := a.manager.Logout(ctx); err != nil {
			return err
		}
		fmt.Println("Logged out.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the cached session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(config)
		if err != nil {
			return err
		}
		defer a.close()

		if a.persister == nil {
			fmt.Println("session.cache is disabled; no session is kept between commands.")
			return nil
		}

		a.restore(ctx)
		fmt.Printf("State:   %s\n", a.manager.State())
		if a.manager.IsLoggedIn() {
			sessionExpiry, refreshExpiry := a.manager.Expiry()
			fmt.Printf("Session: %s\n", describeExpiry(sessionExpiry))
			fmt.Printf("Refresh: %s\n", describeExpiry(refreshExpiry))
		}
		return nil
	},
}

// login runs the configured login flow, prompting for what is missing
func login(ctx context.Context, a *app) error {
	var creds internal.Credentials
	if a.config.Auth.Method == "password" {
		var err error
		creds, err = readCredentials()
		if err != nil {
			return err
		}
		if err := session.ValidateCredentials(creds); err != nil {
			return err
		}
	}
	return a.manager.Login(ctx, creds)
}

func readCredentials() (internal.Credentials, error) {
	creds := internal.Credentials{Username: username, Email: email}
	stdin := bufio.NewReader(os.Stdin)

	if creds.Username == "" && creds.Email == "" {
		fmt.Fprint(os.Stderr, "Username or email: ")
		line, err := stdin.ReadString('\n')
		if err != nil && line == "" {
			return creds, fmt.Errorf("reading username: %w", err)
		}
		line = strings.TrimSpace(line)
		if strings.Contains(line, "@") {
			creds.Email = line
		} else {
			creds.Username = line
		}
	}

	switch {
	case os.Getenv("MANGAFETCH_PASSWORD") != "":
		creds.Password = os.Getenv("MANGAFETCH_PASSWORD")
	case passwordStdin || !term.IsTerminal(int(os.Stdin.Fd())):
		line, err := stdin.ReadString('\n')
		if err != nil && line == "" {
			return creds, fmt.Errorf("reading password: %w", err)
		}
		creds.Password = strings.TrimRight(line, "\r\n")
	default:
		fmt.Fprint(os.Stderr, "Password: ")
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return creds, fmt.Errorf("reading password: %w", err)
		}
		creds.Password = string(pw)
	}
	return creds, nil
}

func init() {
	loginCmd.Flags().StringVarP(&username, "username", "u", "", "Account username")
	loginCmd.Flags().StringVar(&email, "email", "", "Account email, instead of a username")
	loginCmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin")
	loginCmd.MarkFlagsMutuallyExclusive("username", "email")
}
