package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/code-payments/iap-tracker/iap"
)

func NewBeginCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "begin <request-id> <sku>",
		Short: "Register a purchase request issued by the vendor",
		Long: `Register a purchase request issued by the vendor.

The request is stored in the SENT state until its response is recorded.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(rootOpts, cmd, func(ctx context.Context, tracker *iap.Tracker) (any, error) {
				if err := tracker.BeginPurchase(ctx, args[0], args[1]); err != nil {
					return nil, err
				}

				request, err := tracker.GetRequest(ctx, args[0])
				if err != nil {
					return nil, err
				}
				return newRequestView(request), nil
			})
		},
	}
}

func NewRespondCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "respond <request-id> <sku> <token>",
		Short: "Record the purchase token the vendor returned for a request",
		Long: `Record the purchase token the vendor returned for a request.

The token is not granted until the next reconcile. Responses for unknown
request ids are rejected and leave the store untouched.`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(rootOpts, cmd, func(ctx context.Context, tracker *iap.Tracker) (any, error) {
				request, err := tracker.RecordResponse(ctx, args[0], args[1], args[2])
				if err != nil {
					return nil, err
				}
				return newRequestView(request), nil
			})
		},
	}
}

func NewRequestsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "requests",
		Short:         "List stored purchase requests",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(rootOpts, cmd, func(ctx context.Context, tracker *iap.Tracker) (any, error) {
				requests, err := tracker.Requests(ctx)
				if err != nil {
					return nil, err
				}

				views := make(requestList, 0, len(requests))
				for _, request := range requests {
					views = append(views, newRequestView(request))
				}
				return views, nil
			})
		},
	}
}
