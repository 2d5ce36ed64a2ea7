package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"lessons/internal/client"
	"lessons/internal/client/adapter/identity"
	"lessons/internal/domain"
)

func newLoginCmd() *cobra.Command {
	var (
		email     string
		password  string
		federated bool
	)

	c := &cobra.Command{
		Use:   "login",
		Short: "Sign in",
		Long: `Signs in with an email and password, or with the third-party provider.

With --federated the command prints a URL to open in a browser. After approving
the sign-in, paste the address the browser was redirected to.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, stop, err := startApp(cmd)
			if err != nil {
				return err
			}
			defer stop()

			if federated {
				if nonInteractive {
					return fmt.Errorf("federated sign-in needs a browser; run without --non-interactive")
				}
				_, err = a.auth.SignInFederated(cmd.Context(), pasteFlow())
			} else {
				if email, err = promptIfEmpty(email, "Email", false); err != nil {
					return err
				}
				if password, err = promptIfEmpty(password, "Password", true); err != nil {
					return err
				}
				_, err = a.auth.SignInWithPassword(cmd.Context(), email, password)
			}
			if errors.Is(err, domain.ErrFederatedCancelled) {
				pterm.Warning.Println("Sign-in cancelled")
				return nil
			}
			if err != nil {
				return userError("sign-in", err)
			}

			pterm.Success.Println("Signed in")
			return printSession(cmd.Context(), a)
		},
	}

	c.Flags().StringVar(&email, "email", "", "Account email")
	c.Flags().StringVar(&password, "password", "", "Account password (prompted when omitted)")
	c.Flags().BoolVar(&federated, "federated", false, "Sign in with the third-party provider")
	c.MarkFlagsMutuallyExclusive("federated", "email")
	c.MarkFlagsMutuallyExclusive("federated", "password")
	return c
}

// pasteFlow runs the consent step in the user's browser and reads back the
// redirect address they paste.
func pasteFlow() client.FederatedFlowFunc {
	return func(ctx context.Context, authURL string) (string, error) {
		pterm.Info.Println("Open this URL in a browser and approve the sign-in:")
		pterm.Println(authURL)
		cb, err := pterm.DefaultInteractiveTextInput.Show("Redirected URL")
		if err != nil {
			return "", err
		}
		if cb = strings.TrimSpace(cb); cb == "" {
			return "", domain.ErrFederatedCancelled
		}
		return identity.ParseCallback(authURL, cb)
	}
}

func promptIfEmpty(value, label string, secret bool) (string, error) {
	if value != "" {
		return value, nil
	}
	if nonInteractive {
		return "", fmt.Errorf("--%s is required in non-interactive mode", strings.ToLower(label))
	}
	input := pterm.DefaultInteractiveTextInput
	if secret {
		input = *input.WithMask("*")
	}
	v, err := input.Show(label)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(v), nil
}

// userError turns identity errors into messages meant for a terminal.
func userError(op string, err error) error {
	var ae *domain.AuthError
	switch {
	case errors.Is(err, domain.ErrTooManyAttempts) && errors.As(err, &ae) && ae.RetryAfter > 0:
		return fmt.Errorf("%s failed: too many attempts, try again in %ds", op, ae.RetryAfter)
	case errors.Is(err, domain.ErrInvalidCredentials):
		return fmt.Errorf("%s failed: email or password is incorrect", op)
	case errors.Is(err, domain.ErrWeakPassword):
		return fmt.Errorf("%s failed: password is too weak", op)
	default:
		return fmt.Errorf("%s failed: %w", op, err)
	}
}
