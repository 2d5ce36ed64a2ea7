package cmd

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"lessons/internal/client"
)

func newProfileCmd() *cobra.Command {
	var name, avatar string

	c := &cobra.Command{
		Use:   "profile",
		Short: "Change the display name or avatar",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var update client.ProfileUpdate
			if cmd.Flags().Changed("name") {
				update.DisplayName = &name
			}
			if cmd.Flags().Changed("avatar") {
				update.AvatarURL = &avatar
			}
			if update.DisplayName == nil && update.AvatarURL == nil {
				return fmt.Errorf("nothing to change; pass --name or --avatar")
			}

			a, stop, err := startApp(cmd)
			if err != nil {
				return err
			}
			defer stop()

			if !a.auth.Session().Authenticated() {
				return fmt.Errorf("not signed in; run lessons login first")
			}
			if err := a.auth.UpdateProfile(cmd.Context(), update); err != nil {
				return userError("profile update", err)
			}
			pterm.Success.Println("Profile updated")
			return printSession(cmd.Context(), a)
		},
	}

	c.Flags().StringVar(&name, "name", "", "New display name")
	c.Flags().StringVar(&avatar, "avatar", "", "New avatar URL")
	return c
}
