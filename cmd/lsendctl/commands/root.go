// Package commands implements the lsendctl CLI commands.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// admin is the admin JSON client, initialized in PersistentPreRunE.
	admin *adminClient

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the daemon's HttpPlane address (host:port).
	serverAddr string
)

// rootCmd is the top-level cobra command for lsendctl.
var rootCmd = &cobra.Command{
	Use:   "lsendctl",
	Short: "CLI client for the lsendd LAN file-transfer agent",
	Long:  "lsendctl talks to a running lsendd over its admin JSON surface to inspect peers and transfers and to push files.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		admin = newAdminClient(serverAddr)
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:53317",
		"lsendd daemon address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(peersCmd())
	rootCmd.AddCommand(transfersCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
