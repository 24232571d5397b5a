package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quietwire/lsend/internal/consent"
)

func transfersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfers",
		Short: "Inspect and resolve file-transfer sessions",
	}

	cmd.AddCommand(transfersListCmd())
	cmd.AddCommand(transfersPendingCmd())
	cmd.AddCommand(transfersAcceptCmd())
	cmd.AddCommand(transfersDeclineCmd())

	return cmd
}

func transfersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all transfer sessions",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			sessions, err := admin.Transfers()
			if err != nil {
				return fmt.Errorf("list transfers: %w", err)
			}

			out, err := formatTransfers(sessions, outputFormat)
			if err != nil {
				return fmt.Errorf("format transfers: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

func transfersPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List offers awaiting a consent decision (queue consent mode only)",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			offers, err := admin.Pending()
			if err != nil {
				return fmt.Errorf("list pending offers: %w", err)
			}

			out, err := formatPending(offers, outputFormat)
			if err != nil {
				return fmt.Errorf("format pending offers: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

func transfersAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <session-id>",
		Short: "Accept a pending transfer offer",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := admin.Resolve(args[0], consent.DecisionAccept); err != nil {
				return fmt.Errorf("accept %s: %w", args[0], err)
			}
			fmt.Printf("Session %s accepted.\n", args[0])
			return nil
		},
	}
}

func transfersDeclineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decline <session-id>",
		Short: "Decline a pending transfer offer",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := admin.Resolve(args[0], consent.DecisionDecline); err != nil {
				return fmt.Errorf("decline %s: %w", args[0], err)
			}
			fmt.Printf("Session %s declined.\n", args[0])
			return nil
		},
	}
}
