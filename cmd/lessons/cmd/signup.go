package cmd

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newSignupCmd() *cobra.Command {
	var email, password, name string

	c := &cobra.Command{
		Use:   "signup",
		Short: "Create an account and sign in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, stop, err := startApp(cmd)
			if err != nil {
				return err
			}
			defer stop()

			if email, err = promptIfEmpty(email, "Email", false); err != nil {
				return err
			}
			if password, err = promptIfEmpty(password, "Password", true); err != nil {
				return err
			}
			if _, err := a.auth.SignUp(cmd.Context(), email, password, name); err != nil {
				return userError("sign-up", err)
			}

			pterm.Success.Println("Account created")
			return printSession(cmd.Context(), a)
		},
	}

	c.Flags().StringVar(&email, "email", "", "Account email")
	c.Flags().StringVar(&password, "password", "", "Account password (prompted when omitted)")
	c.Flags().StringVar(&name, "name", "", "Display name")
	return c
}
