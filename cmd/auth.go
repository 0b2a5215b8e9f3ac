// File: cmd/auth.go
package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/forensync/internal/api"
	"github.com/xkilldash9x/forensync/internal/service"
	"github.com/xkilldash9x/forensync/internal/session"
	"github.com/xkilldash9x/forensync/internal/validation"
)

var errNotLoggedIn = errors.New("not logged in (run `forensync login`)")

// readPassword takes the first line of stdin when --password-stdin is set.
func readPassword(cmd *cobra.Command, fromStdin bool, current string) (string, error) {
	if !fromStdin {
		return current, nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read password from stdin: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// checkForm shows a failed form check as a notification and returns it.
func (a *app) checkForm(cmd *cobra.Command, err error) error {
	var formErr *validation.Error
	if errors.As(err, &formErr) {
		a.notifier(cmd).Notify(formErr.Notification())
	}
	return err
}

func newLoginCmd(a *app) *cobra.Command {
	var email, password string
	var passwordStdin bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := readPassword(cmd, passwordStdin, password)
			if err != nil {
				return err
			}
			form := validation.Login{Email: email, Password: pw}
			if err := form.Validate(); err != nil {
				return a.checkForm(cmd, err)
			}

			components, err := a.components(cmd, service.Options{})
			if err != nil {
				return err
			}
			defer components.Shutdown()

			resp, err := components.API.Login(cmd.Context(), api.LoginRequest{Email: form.Email, Password: form.Password})
			if err != nil {
				return err
			}
			name := form.Email
			if resp.User != nil && resp.User.DisplayName() != "" {
				name = resp.User.DisplayName()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s.\n", name)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from stdin")
	return cmd
}

func newRegisterCmd(a *app) *cobra.Command {
	var form validation.SignUp
	var passwordStdin bool

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := readPassword(cmd, passwordStdin, form.Password)
			if err != nil {
				return err
			}
			form.Password = pw
			if passwordStdin && form.Confirm == "" {
				form.Confirm = pw
			}
			if err := form.Validate(); err != nil {
				return a.checkForm(cmd, err)
			}

			components, err := a.components(cmd, service.Options{})
			if err != nil {
				return err
			}
			defer components.Shutdown()

			resp, err := components.API.Register(cmd.Context(), api.RegisterRequest{
				Name:     form.Name,
				Email:    form.Email,
				Password: form.Password,
			})
			if err != nil {
				return err
			}
			if resp.Credential() != "" {
				fmt.Fprintln(cmd.OutOrStdout(), "Account created. You are logged in.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Account created. Run `forensync login` to sign in.")
			return nil
		},
	}
	cmd.Flags().StringVar(&form.Name, "name", "", "full name")
	cmd.Flags().StringVar(&form.Email, "email", "", "account email")
	cmd.Flags().StringVar(&form.Password, "password", "", "account password")
	cmd.Flags().StringVar(&form.Confirm, "confirm", "", "password confirmation")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from stdin")
	return cmd
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			components, err := a.components(cmd, service.Options{})
			if err != nil {
				return err
			}
			defer components.Shutdown()

			if err := components.API.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out.")
			return nil
		},
	}
}

func newWhoamiCmd(a *app) *cobra.Command {
	var verify bool

	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			components, err := a.components(cmd, service.Options{})
			if err != nil {
				return err
			}
			defer components.Shutdown()

			token, ok := components.Session.Token()
			if !ok {
				return errNotLoggedIn
			}

			out := cmd.OutOrStdout()
			claims, err := session.Inspect(token)
			switch {
			case err != nil:
				fmt.Fprintln(out, "Logged in (opaque token).")
			default:
				fmt.Fprintf(out, "Subject: %s\n", claims.Subject)
				if claims.HasExpiry() {
					state := "valid"
					if claims.ExpiredAt(time.Now()) {
						state = "expired"
					}
					fmt.Fprintf(out, "Expires: %s (%s)\n", claims.ExpiresAt.Format(time.RFC3339), state)
				}
			}

			if !verify {
				return nil
			}
			result, err := components.API.VerifyToken(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(out, result)
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "also ask the server to verify the token")
	return cmd
}

func newOAuthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:       "oauth <google|github>",
		Short:     "Print the provider authorization URL",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"google", "github"},
		RunE: func(cmd *cobra.Command, args []string) error {
			components, err := a.components(cmd, service.Options{})
			if err != nil {
				return err
			}
			defer components.Shutdown()

			var authURL string
			switch strings.ToLower(args[0]) {
			case "google":
				authURL, err = components.API.GoogleAuthURL(cmd.Context())
			case "github":
				authURL, err = components.API.GithubAuthURL(cmd.Context())
			default:
				return fmt.Errorf("unknown provider %q (want google or github)", args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), authURL)
			return nil
		},
	}
}
