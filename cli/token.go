package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/code-payments/iap-tracker/iap"
)

func NewFulfilledCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "fulfilled <token>",
		Short:         "Report whether a purchase token was granted",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(rootOpts, cmd, func(ctx context.Context, tracker *iap.Tracker) (any, error) {
				fulfilled, err := tracker.IsTokenFulfilled(ctx, args[0])
				if err != nil {
					return nil, err
				}
				return tokenView{PurchaseToken: args[0], Fulfilled: fulfilled}, nil
			})
		},
	}
}

func NewMarkFulfilledCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mark-fulfilled <token>",
		Short: "Mark a purchase token as granted",
		Long: `Mark a purchase token as granted without changing any quantities.

Marking a token twice is a no-op.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(rootOpts, cmd, func(ctx context.Context, tracker *iap.Tracker) (any, error) {
				if err := tracker.MarkTokenFulfilled(ctx, args[0]); err != nil {
					return nil, err
				}
				return tokenView{PurchaseToken: args[0], Fulfilled: true}, nil
			})
		},
	}
}
