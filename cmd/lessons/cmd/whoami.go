package cmd

import (
	"context"
	"errors"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

const resolveTimeout = 15 * time.Second

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user and their entitlements",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, stop, err := startApp(cmd)
			if err != nil {
				return err
			}
			defer stop()
			return printSession(cmd.Context(), a)
		},
	}
}

// printSession waits for entitlements to resolve and renders the session.
func printSession(ctx context.Context, a *app) error {
	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()
	s, err := a.auth.AwaitResolved(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		pterm.Warning.Println("Entitlements are still resolving; showing defaults")
	} else if err != nil {
		return err
	}

	if !s.Authenticated() {
		pterm.Info.Println("Not signed in")
		return nil
	}

	p := s.Principal
	pterm.DefaultSection.Println("Session")
	return pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
		{"FIELD", "VALUE"},
		{"Email", p.Email},
		{"Name", p.DisplayName},
		{"Avatar", p.AvatarURL},
		{"Premium", yesNo(s.Premium)},
		{"Admin", yesNo(s.Admin)},
		{"User ID", s.InternalUserID},
	}).Render()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
