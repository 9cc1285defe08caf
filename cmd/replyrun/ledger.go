package main

import (
	"github.com/spf13/cobra"

	"github.com/sawpanic/replyrun/internal/ledger"
)

func newLedgerCmd() *cobra.Command {
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect or amend the replied-posts ledger",
	}

	checkCmd := &cobra.Command{
		Use:   "check <post-id>",
		Short: "Report whether a post was already replied to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, func(l ledger.Ledger) error {
				if l.Contains(args[0]) {
					printf(cmd, "%s: replied\n", args[0])
				} else {
					printf(cmd, "%s: not replied\n", args[0])
				}
				printf(cmd, "ledger holds %d posts\n", l.Len())
				return nil
			})
		},
	}

	recordCmd := &cobra.Command{
		Use:   "record <post-id>",
		Short: "Mark a post as replied so the loop skips it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, func(l ledger.Ledger) error {
				if err := l.Record(cmd.Context(), args[0]); err != nil {
					return err
				}
				printf(cmd, "%s recorded\n", args[0])
				return nil
			})
		},
	}

	ledgerCmd.AddCommand(checkCmd, recordCmd)
	return ledgerCmd
}

func withLedger(cmd *cobra.Command, fn func(ledger.Ledger) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	l, err := ledger.Open(cmd.Context(), cfg.Ledger)
	if err != nil {
		return err
	}
	defer l.Close()
	return fn(l)
}
