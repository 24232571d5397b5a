package commands

import (
	"github.com/reeflective/console"
	"github.com/spf13/cobra"
)

func shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Start an interactive lsendctl shell",
		Long:  "Launches a readline-driven REPL over the same subcommands lsendctl exposes on the command line.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			app := console.New("lsendctl")

			menu := app.ActiveMenu()
			menu.SetCommands(func() *cobra.Command {
				return rootCmd
			})

			return app.Start()
		},
	}
}
