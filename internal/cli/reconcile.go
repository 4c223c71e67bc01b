package cli

import (
	"fmt"

	"github.com/Bshisia/community-hope/internal/donation"

	"github.com/spf13/cobra"
)

// NewReconcileCommand creates the reconcile command. It applies one provider
// result by hand, e.g. when a callback never arrived and the payment was
// confirmed on the M-Pesa portal.
func NewReconcileCommand(opts *RootOptions) *cobra.Command {
	var (
		outcome string
		receipt string
		amount  int64
	)

	cmd := &cobra.Command{
		Use:   "reconcile <checkout-request-id>",
		Short: "Apply a payment result for one correlation token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := donation.Notification{
				Token:          args[0],
				Outcome:        donation.Outcome(outcome),
				Receipt:        receipt,
				ReportedAmount: amount,
				Description:    "manual reconcile",
			}
			if n.Outcome != donation.OutcomeSuccess && n.Outcome != donation.OutcomeFailure {
				return fmt.Errorf("--outcome must be success or failure, got %q", outcome)
			}

			ctx := cmd.Context()
			a, err := openApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.donations.Reconcile(ctx, n)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res)
			return nil
		},
	}

	cmd.Flags().StringVar(&outcome, "outcome", string(donation.OutcomeSuccess), "success or failure")
	cmd.Flags().StringVar(&receipt, "receipt", "", "M-Pesa receipt number (required for success)")
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount reported by the provider (logged only)")
	return cmd
}
