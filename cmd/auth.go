package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/otherjamesbrown/penf-transcripts/credentials"
)

// AuthCommandDeps holds the dependencies of the auth commands.
type AuthCommandDeps struct {
	OpenStore func() (*credentials.Store, error)
	// ReadSecret prompts for a value without echoing it.
	ReadSecret func(prompt string) (string, error)
}

// DefaultAuthDeps returns the production dependencies.
func DefaultAuthDeps() *AuthCommandDeps {
	return &AuthCommandDeps{
		OpenStore:  credentials.NewStore,
		ReadSecret: readSecret,
	}
}

// NewAuthCommand creates the 'auth' command group.
func NewAuthCommand(deps *AuthCommandDeps) *cobra.Command {
	if deps == nil {
		deps = DefaultAuthDeps()
	}

	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage stored credentials",
		Long: `Manage the credentials used to reach the conferencing platform.

Two secrets can be stored, both encrypted at rest in
$PENF_CONFIG_DIR/credentials.yaml (default ~/.penf):
  - a delegated bearer token, used by 'fetch --me'
  - the application client secret, used for application-mode acquisitions

PENF_GRAPH_TOKEN and PENF_CLIENT_SECRET take precedence over stored values.`,
	}

	cmd.AddCommand(newAuthLoginCommand(deps))
	cmd.AddCommand(newAuthStatusCommand(deps))
	cmd.AddCommand(newAuthLogoutCommand(deps))
	return cmd
}

func newAuthLoginCommand(deps *AuthCommandDeps) *cobra.Command {
	var (
		token          string
		account        string
		expiresIn      time.Duration
		clientSecret   bool
		nonInteractive bool
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store a delegated token or the client secret",
		Long: `Store a delegated bearer token, or with --client-secret the application
client secret. Values are prompted for with hidden input unless passed as
flags or piped on standard input.

Examples:
  # Prompt for a delegated token valid for one hour
  penf-transcripts auth login --expires-in 1h

  # Store a delegated token from a flag
  penf-transcripts auth login --token eyJ0eXAiOiJKV1Qi... --account ana@example.com

  # Prompt for the application client secret
  penf-transcripts auth login --client-secret`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := deps.OpenStore()
			if err != nil {
				return fmt.Errorf("initializing credential store: %w", err)
			}

			out := cmd.OutOrStdout()
			if clientSecret {
				secret := token
				if secret == "" {
					if nonInteractive {
						return errors.New("no client secret provided and --non-interactive set")
					}
					if secret, err = deps.ReadSecret("Client secret: "); err != nil {
						return fmt.Errorf("reading client secret: %w", err)
					}
				}
				if secret == "" {
					return errors.New("client secret must not be empty")
				}
				if err := store.Update(func(c *credentials.Credentials) { c.ClientSecret = secret }); err != nil {
					return fmt.Errorf("saving credentials: %w", err)
				}
				fmt.Fprintf(out, "Client secret stored: %s\n", credentials.MaskSecret(secret))
				fmt.Fprintf(out, "Credentials stored in: %s\n", store.Path())
				return nil
			}

			if token == "" {
				if nonInteractive {
					return errors.New("no token provided and --non-interactive set")
				}
				if token, err = deps.ReadSecret("Delegated token: "); err != nil {
					return fmt.Errorf("reading token: %w", err)
				}
			}
			token = strings.TrimPrefix(strings.TrimSpace(token), "Bearer ")
			if token == "" {
				return errors.New("token must not be empty")
			}

			var expiresAt time.Time
			if expiresIn > 0 {
				expiresAt = time.Now().Add(expiresIn).UTC()
			}
			if err := store.Update(func(c *credentials.Credentials) {
				c.DelegatedToken = token
				c.ExpiresAt = expiresAt
				if account != "" {
					c.Account = account
				}
			}); err != nil {
				return fmt.Errorf("saving credentials: %w", err)
			}

			fmt.Fprintln(out, "Login successful!")
			fmt.Fprintf(out, "  Token:   %s\n", credentials.MaskToken(token))
			fmt.Fprintf(out, "  Expires: %s\n", credentials.FormatExpiry(expiresAt))
			fmt.Fprintf(out, "Credentials stored in: %s\n", store.Path())
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "Token (or client secret with --client-secret)")
	cmd.Flags().StringVar(&account, "account", "", "Account the delegated token belongs to")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Token lifetime (e.g. 1h); 0 means unknown")
	cmd.Flags().BoolVar(&clientSecret, "client-secret", false, "Store the application client secret instead of a token")
	cmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "Fail instead of prompting for input")

	return cmd
}

func newAuthStatusCommand(deps *AuthCommandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show stored credential status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := deps.OpenStore()
			if err != nil {
				return fmt.Errorf("initializing credential store: %w", err)
			}
			out := cmd.OutOrStdout()

			creds, err := store.Load()
			if err != nil && !errors.Is(err, credentials.ErrNoCredentials) {
				return err
			}
			if creds == nil {
				creds = &credentials.Credentials{}
			}

			fmt.Fprintln(out, "Delegated token:")
			switch {
			case os.Getenv(credentials.EnvDelegatedToken) != "":
				fmt.Fprintf(out, "  Source:  environment (%s)\n", credentials.EnvDelegatedToken)
				fmt.Fprintf(out, "  Token:   %s\n", credentials.MaskToken(os.Getenv(credentials.EnvDelegatedToken)))
			case creds.DelegatedToken != "":
				fmt.Fprintln(out, "  Source:  stored")
				if creds.Account != "" {
					fmt.Fprintf(out, "  Account: %s\n", creds.Account)
				}
				fmt.Fprintf(out, "  Token:   %s\n", credentials.MaskToken(creds.DelegatedToken))
				fmt.Fprintf(out, "  Expires: %s\n", credentials.FormatExpiry(creds.ExpiresAt))
			default:
				fmt.Fprintln(out, "  (none)")
			}

			fmt.Fprintln(out, "Client secret:")
			switch {
			case os.Getenv(credentials.EnvClientSecret) != "":
				fmt.Fprintf(out, "  Source:  environment (%s)\n", credentials.EnvClientSecret)
			case creds.ClientSecret != "":
				fmt.Fprintf(out, "  Source:  stored (%s)\n", credentials.MaskSecret(creds.ClientSecret))
			default:
				fmt.Fprintln(out, "  (none)")
			}

			fmt.Fprintf(out, "\nEncryption key: %s\n", store.KeyDescription())
			fmt.Fprintf(out, "Credentials file: %s\n", store.Path())
			return nil
		},
	}
}

func newAuthLogoutCommand(deps *AuthCommandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove stored credentials",
		Long: `Remove the stored delegated token and client secret.

Environment variables (PENF_GRAPH_TOKEN, PENF_CLIENT_SECRET) are not affected.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := deps.OpenStore()
			if err != nil {
				return fmt.Errorf("initializing credential store: %w", err)
			}
			if !store.Exists() {
				fmt.Fprintln(cmd.OutOrStdout(), "No stored credentials.")
				return nil
			}
			if err := store.Delete(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out. Stored credentials removed.")
			return nil
		},
	}
}

// readSecret prompts on stderr and reads a line without echo, falling back
// to a plain read when stdin is not a terminal.
func readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
