package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/warp/finance-ledger/ledger"
)

func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Fire every due recurring template once",
		Long: `Run one global recurring sweep and exit. Safe to run next to the
server's own scheduler: each template occurrence fires exactly once.

Exits non-zero if any template failed; failed templates are retried by the
next sweep.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := opts.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Service.Discharger().RunDue(ctx, ledger.Scope{})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run %s: fired=%d skipped=%d failed=%d\n", res.RunID, res.Fired, res.Skipped, res.Failed)
			for _, f := range res.Failures {
				fmt.Fprintf(out, "  template %s: %v\n", f.TemplateID, f.Err)
			}
			if res.Failed > 0 {
				return fmt.Errorf("%d template(s) failed", res.Failed)
			}
			return nil
		},
	}
}
