package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/warp/finance-ledger/ledger"
)

func newBalanceCmd(opts *rootOptions) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Print an owner's stored balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			acct, err := a.Service.Account(ctx, ledger.OwnerID(owner))
			if err != nil {
				return fmt.Errorf("account %s: %w", owner, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t(%s)\n", acct.OwnerID, acct.Balance, a.Display.Format(acct.Balance))
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner ID")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newVerifyCmd(opts *rootOptions) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Replay an owner's entries and compare with the stored balance",
		Long: `Recompute the balance from the opening balance and every entry, and
compare it with the stored balance. Exits non-zero on drift. Never writes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			check, err := a.Service.VerifyBalance(ctx, ledger.OwnerID(owner))
			if err != nil {
				return fmt.Errorf("account %s: %w", owner, err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "owner:    %s\n", check.OwnerID)
			fmt.Fprintf(out, "entries:  %d\n", check.Entries)
			fmt.Fprintf(out, "stored:   %s\n", check.Stored)
			fmt.Fprintf(out, "computed: %s\n", check.Computed)
			if !check.Consistent() {
				return fmt.Errorf("balance drift of %s", check.Drift)
			}
			fmt.Fprintln(out, "consistent")
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner ID")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}
