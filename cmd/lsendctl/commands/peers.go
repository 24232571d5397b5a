package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func peersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "Inspect known LAN peers",
	}

	cmd.AddCommand(peersListCmd())

	return cmd
}

func peersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List currently known peers",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			records, err := admin.Peers()
			if err != nil {
				return fmt.Errorf("list peers: %w", err)
			}

			out, err := formatPeers(records, outputFormat)
			if err != nil {
				return fmt.Errorf("format peers: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}
