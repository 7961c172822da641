package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/scribe-cli/credentials"
	scerrors "github.com/otherjamesbrown/scribe-cli/pkg/errors"
	"github.com/otherjamesbrown/scribe-cli/pkg/transcription"
)

// NewAuthCommand creates the auth command group.
func NewAuthCommand(deps *CommandDeps) *cobra.Command {
	deps = deps.withDefaults()

	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage authentication",
		Long: `Manage the session with the transcription service.

Credentials are stored encrypted in ~/.scribe/credentials.yaml. The key comes
from the system keyring, SCRIBE_ENCRYPTION_KEY, or a passphrase given with
--passphrase at login and SCRIBE_PASSPHRASE afterwards.

Authentication methods:
  - Email and password: a token pair that is refreshed automatically
  - API key: a long-lived key (--api-key flag or SCRIBE_API_KEY env)
  - Token: a bearer token used as-is (--token flag or SCRIBE_TOKEN env)

Environment variables take precedence over stored credentials.`,
	}

	cmd.AddCommand(newAuthLoginCommand(deps))
	cmd.AddCommand(newAuthLogoutCommand(deps))
	cmd.AddCommand(newAuthStatusCommand(deps))
	cmd.AddCommand(newAuthRefreshCommand(deps))

	return cmd
}

type loginOptions struct {
	email          string
	apiKey         string
	token          string
	passphrase     string
	nonInteractive bool
}

// newAuthLoginCommand creates the 'auth login' subcommand.
func newAuthLoginCommand(deps *CommandDeps) *cobra.Command {
	var opts loginOptions

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to the transcription service",
		Long: `Sign in with email and password, or store an API key or token.

Examples:
  # Interactive login (prompts for email and password)
  scribe auth login

  # Password from a pipe
  echo "$PASSWORD" | scribe auth login --email ada@example.com --non-interactive

  # Store an API key
  scribe auth login --api-key sk-abc123...

  # Encrypt the stored session with a passphrase instead of the keyring
  scribe auth login --passphrase "my secret"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd.Context(), deps, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.email, "email", "e", "", "Account email")
	cmd.Flags().StringVar(&opts.apiKey, "api-key", "", "Store an API key instead of signing in")
	cmd.Flags().StringVar(&opts.token, "token", "", "Store a bearer token instead of signing in")
	cmd.Flags().StringVar(&opts.passphrase, "passphrase", "", "Encrypt stored credentials with this passphrase")
	cmd.Flags().BoolVar(&opts.nonInteractive, "non-interactive", false, "Fail instead of prompting; the password is read from stdin")
	cmd.MarkFlagsMutuallyExclusive("api-key", "token", "email")

	return cmd
}

func runLogin(ctx context.Context, deps *CommandDeps, opts loginOptions) error {
	var wopts transcription.WireOptions
	if opts.passphrase != "" {
		store, err := credentials.OpenStore(opts.passphrase)
		if err != nil {
			return fmt.Errorf("initializing credential store: %w", err)
		}
		wopts.CredentialStore = store
	}

	app, err := deps.app(ctx, wopts)
	if err != nil {
		return err
	}
	defer app.Close()

	if app.Credentials == nil {
		return fmt.Errorf("no credential store available: set %s or use --passphrase", credentials.EnvEncryptionKey)
	}

	var creds *credentials.Credentials
	switch {
	case opts.apiKey != "":
		creds = &credentials.Credentials{AuthType: credentials.AuthTypeAPIKey, APIKey: opts.apiKey}
	case opts.token != "":
		creds = &credentials.Credentials{AuthType: credentials.AuthTypeToken, Token: opts.token}
	default:
		creds, err = passwordLogin(ctx, deps, app, opts)
		if err != nil {
			return err
		}
	}

	if err := validateCredential(creds); err != nil {
		return fmt.Errorf("invalid credentials: %w", err)
	}
	if creds.ServerURL == "" {
		creds.ServerURL = app.Config.ServerURL
	}
	if err := app.Session.Login(creds); err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}

	fmt.Fprintln(deps.Out, "Login successful.")
	if creds.Subject != "" {
		fmt.Fprintf(deps.Out, "  Signed in as: %s\n", creds.Subject)
	}
	fmt.Fprintf(deps.Out, "  Server: %s\n", creds.ServerURL)
	if !creds.ExpiresAt.IsZero() {
		fmt.Fprintf(deps.Out, "  Expires in: %s\n", credentials.FormatExpiry(creds.ExpiresAt))
	}
	if opts.passphrase != "" {
		fmt.Fprintf(deps.Out, "\nSet %s to this passphrase for later commands.\n", credentials.EnvPassphrase)
	}
	if os.Getenv(credentials.EnvAPIKey) != "" || os.Getenv(credentials.EnvToken) != "" {
		fmt.Fprintln(deps.Out, "\nNote: SCRIBE_API_KEY or SCRIBE_TOKEN is set and takes precedence over the stored login.")
	}
	return nil
}

func passwordLogin(ctx context.Context, deps *CommandDeps, app *transcription.App, opts loginOptions) (*credentials.Credentials, error) {
	email := opts.email
	if email == "" {
		if opts.nonInteractive {
			return nil, fmt.Errorf("--email is required with --non-interactive")
		}
		fmt.Fprint(deps.Err, "Email: ")
		line, err := deps.readLine()
		if err != nil {
			return nil, fmt.Errorf("reading email: %w", err)
		}
		email = line
	}
	if email == "" {
		return nil, fmt.Errorf("no email provided")
	}

	var (
		password string
		err      error
	)
	if opts.nonInteractive {
		password, err = deps.readLine()
	} else {
		password, err = deps.ReadSecret("Password: ")
	}
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	if password == "" {
		return nil, fmt.Errorf("no password provided")
	}

	resp, err := app.Auth.Login(ctx, email, password)
	if err != nil {
		if scerrors.IsUnauthorized(err) {
			return nil, fmt.Errorf("login failed: wrong email or password")
		}
		return nil, scerrors.Translate("log in", err)
	}
	creds := resp.Credentials(app.Config.ServerURL, time.Now())
	if creds.Subject == "" {
		creds.Subject = email
	}
	return creds, nil
}

func validateCredential(creds *credentials.Credentials) error {
	switch creds.AuthType {
	case credentials.AuthTypeAPIKey:
		if creds.APIKey == "" {
			return fmt.Errorf("API key is empty")
		}
		if len(creds.APIKey) < 8 {
			return fmt.Errorf("API key is too short")
		}
	case credentials.AuthTypeToken:
		if creds.Token == "" {
			return fmt.Errorf("token is empty")
		}
	default:
		return fmt.Errorf("unknown authentication type: %s", creds.AuthType)
	}
	return nil
}

// newAuthLogoutCommand creates the 'auth logout' subcommand.
func newAuthLogoutCommand(deps *CommandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear stored credentials",
		Long: `Sign out and remove the stored credentials.

Environment variables (SCRIBE_API_KEY, SCRIBE_TOKEN) are not affected.

Examples:
  scribe auth logout`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := deps.app(cmd.Context(), transcription.WireOptions{})
			if err != nil {
				return err
			}
			defer app.Close()

			if app.Session.FromEnv() {
				fmt.Fprintln(deps.Out, "Credentials come from the environment and were left alone.")
				for _, name := range []string{credentials.EnvAPIKey, credentials.EnvToken} {
					if os.Getenv(name) != "" {
						fmt.Fprintf(deps.Out, "Unset them with: unset %s\n", name)
					}
				}
				return nil
			}
			if !app.Session.IsAuthenticated() {
				fmt.Fprintln(deps.Out, "No stored credentials found.")
				return nil
			}

			if err := app.Session.Logout(); err != nil {
				return fmt.Errorf("removing credentials: %w", err)
			}
			fmt.Fprintln(deps.Out, "Logged out successfully.")
			fmt.Fprintln(deps.Out, "Stored credentials have been removed.")
			return nil
		},
	}
}

// AuthStatus is the output of 'auth status'.
type AuthStatus struct {
	Authenticated bool      `json:"authenticated" yaml:"authenticated"`
	Source        string    `json:"source" yaml:"source"`
	AuthType      string    `json:"auth_type,omitempty" yaml:"auth_type,omitempty"`
	Credential    string    `json:"credential,omitempty" yaml:"credential,omitempty"`
	Subject       string    `json:"subject,omitempty" yaml:"subject,omitempty"`
	ServerURL     string    `json:"server_url,omitempty" yaml:"server_url,omitempty"`
	ExpiresAt     time.Time `json:"expires_at,omitzero" yaml:"expires_at,omitempty"`
	Valid         bool      `json:"valid" yaml:"valid"`
	Refreshable   bool      `json:"refreshable" yaml:"refreshable"`
	KeySource     string    `json:"key_source,omitempty" yaml:"key_source,omitempty"`
}

// Credential sources reported by 'auth status'.
const (
	sourceNone        = "none"
	sourceEnvironment = "environment"
	sourceStored      = "stored"
)

// newAuthStatusCommand creates the 'auth status' subcommand.
func newAuthStatusCommand(deps *CommandDeps) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show authentication status",
		Long: `Show which credentials are active and when they expire.

Examples:
  scribe auth status
  scribe auth status -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := deps.app(cmd.Context(), transcription.WireOptions{})
			if err != nil {
				return err
			}
			defer app.Close()

			format, err := outputFormat(app.Config, output)
			if err != nil {
				return err
			}

			status := authStatus(app)
			if ok, err := writeStructured(deps.Out, format, status); ok {
				return err
			}
			writeAuthStatus(deps, status)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output format: text, json, yaml")
	return cmd
}

func authStatus(app *transcription.App) AuthStatus {
	status := AuthStatus{Source: sourceNone}
	if d, ok := app.Credentials.(interface{ KeyDescription() string }); ok {
		status.KeySource = d.KeyDescription()
	}

	creds, err := app.Session.Credentials()
	if err != nil {
		return status
	}

	status.Authenticated = true
	status.Source = sourceStored
	if app.Session.FromEnv() {
		status.Source = sourceEnvironment
	}
	status.AuthType = creds.AuthType
	if creds.AuthType == credentials.AuthTypeAPIKey {
		status.Credential = credentials.MaskCredential(creds.APIKey)
	} else {
		status.Credential = credentials.MaskToken(creds.Token)
	}
	status.Subject = creds.Subject
	status.ServerURL = creds.ServerURL
	status.ExpiresAt = creds.ExpiresAt
	status.Valid = app.Session.VerifyTokenValidity()
	status.Refreshable = status.Source == sourceStored && creds.RefreshToken != ""
	return status
}

func writeAuthStatus(deps *CommandDeps, s AuthStatus) {
	w := deps.Out
	fmt.Fprintln(w, "Authentication Status")
	fmt.Fprintln(w, "=====================")
	fmt.Fprintln(w)

	if !s.Authenticated {
		fmt.Fprintln(w, "Not authenticated. Run 'scribe auth login' to sign in.")
		if s.KeySource != "" {
			fmt.Fprintf(w, "\nCredential encryption: %s\n", s.KeySource)
		}
		return
	}

	fmt.Fprintf(w, "  Source:  %s\n", s.Source)
	fmt.Fprintf(w, "  Type:    %s\n", s.AuthType)
	fmt.Fprintf(w, "  Secret:  %s\n", s.Credential)
	if s.Subject != "" {
		fmt.Fprintf(w, "  Subject: %s\n", s.Subject)
	}
	if s.ServerURL != "" {
		fmt.Fprintf(w, "  Server:  %s\n", s.ServerURL)
	}
	if !s.ExpiresAt.IsZero() {
		fmt.Fprintf(w, "  Expires: %s (%s)\n", s.ExpiresAt.Format(time.RFC3339), credentials.FormatExpiry(s.ExpiresAt))
	}
	if s.Refreshable {
		fmt.Fprintln(w, "  Refresh Token: (present)")
	}
	if s.KeySource != "" {
		fmt.Fprintf(w, "  Encryption: %s\n", s.KeySource)
	}

	if !s.Valid {
		if s.Refreshable {
			fmt.Fprintln(w, "\nWarning: Token has expired. It is refreshed on the next request, or run 'scribe auth refresh'.")
		} else {
			fmt.Fprintln(w, "\nWarning: Token has expired. Run 'scribe auth login'.")
		}
	} else if !s.ExpiresAt.IsZero() && time.Until(s.ExpiresAt) < time.Hour {
		fmt.Fprintln(w, "\nWarning: Token expires soon. Consider running 'scribe auth refresh'.")
	}
}

// newAuthRefreshCommand creates the 'auth refresh' subcommand.
func newAuthRefreshCommand(deps *CommandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Renew the access token",
		Long: `Exchange the stored refresh token for a new access token.

Tokens are also refreshed automatically when the service rejects an expired
one, so this is rarely needed.

Examples:
  scribe auth refresh`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := deps.app(cmd.Context(), transcription.WireOptions{})
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Session.Refresh(cmd.Context()); err != nil {
				if errors.Is(err, credentials.ErrNoRefreshToken) {
					return fmt.Errorf("no refresh token available - run 'scribe auth login' to obtain new credentials")
				}
				if scerrors.IsUnauthorized(err) {
					_ = app.Session.Logout()
				}
				return scerrors.Translate("refresh session", err)
			}

			creds, err := app.Session.Credentials()
			if err != nil {
				return err
			}
			fmt.Fprintln(deps.Out, "Token refreshed.")
			fmt.Fprintf(deps.Out, "  Expires in: %s\n", credentials.FormatExpiry(creds.ExpiresAt))
			return nil
		},
	}
}
