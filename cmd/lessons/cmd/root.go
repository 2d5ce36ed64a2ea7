// Package cmd implements the lessons command line.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	verbose        bool
	nonInteractive bool
)

// NewRootCmd builds the lessons command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "lessons",
		Short: "Life lessons client",
		Long: `lessons runs the life lessons client: the local server the web views talk to,
and commands to sign in, inspect and end the session from a terminal.

Configuration is read from the environment (IDENTITY_URL, BACKEND_URL,
CREDENTIALS_DIR, ...). The session is shared between commands through the
credentials file in CREDENTIALS_DIR.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if os.Getenv("LESSONS_NON_INTERACTIVE") == "1" {
				nonInteractive = true
			}
		},
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at LOG_LEVEL instead of warnings only")
	root.PersistentFlags().BoolVar(&nonInteractive, "non-interactive", false, "Disable interactive prompts (also set via LESSONS_NON_INTERACTIVE=1)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newLoginCmd())
	root.AddCommand(newSignupCmd())
	root.AddCommand(newLogoutCmd())
	root.AddCommand(newWhoamiCmd())
	root.AddCommand(newProfileCmd())
	return root
}

// Execute runs the root command
func Execute() {
	if err := NewRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
