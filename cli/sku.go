package cli

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/code-payments/iap-tracker/iap"
)

func NewConsumeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "consume <sku> <quantity>",
		Short: "Consume units of a consumable sku",
		Long: `Consume units of a consumable sku.

Consuming more than is owned is rejected and changes nothing.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(rootOpts, cmd, func(ctx context.Context, tracker *iap.Tracker) (any, error) {
				quantity, err := strconv.Atoi(args[1])
				if err != nil {
					return nil, &usageError{message: "quantity must be an integer: " + args[1]}
				}

				record, err := tracker.Consume(ctx, args[0], quantity)
				if err != nil {
					return nil, err
				}
				return newSkuView(record), nil
			})
		},
	}
}

func NewSkuCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "sku <sku>",
		Short:         "Show owned and consumed quantities of a sku",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(rootOpts, cmd, func(ctx context.Context, tracker *iap.Tracker) (any, error) {
				record, err := tracker.GetSkuRecord(ctx, args[0])
				if err != nil {
					return nil, err
				}
				return newSkuView(record), nil
			})
		},
	}
}
