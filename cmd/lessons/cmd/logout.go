package cmd

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, stop, err := startApp(cmd)
			if err != nil {
				return err
			}
			defer stop()

			if !a.auth.Session().Authenticated() {
				pterm.Info.Println("Not signed in")
				return nil
			}
			if err := a.auth.SignOut(cmd.Context()); err != nil {
				return userError("sign-out", err)
			}
			pterm.Success.Println("Signed out")
			return nil
		},
	}
}
