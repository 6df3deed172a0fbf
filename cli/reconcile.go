package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/code-payments/iap-tracker/event"
	"github.com/code-payments/iap-tracker/iap"
)

const (
	eventBufferSize  = 64
	eventSendTimeout = 5 * time.Second
)

func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <user-id>",
		Short: "Grant every recorded purchase that was never fulfilled",
		Long: `Record the current user and grant every purchase whose response was
recorded but whose token was never fulfilled.

Each grant is persisted before it is reported. Requests still waiting on a
vendor response are left alone. Failures on individual requests are reported
and the remaining requests are still processed.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(rootOpts, cmd, func(ctx context.Context, tracker *iap.Tracker) (any, error) {
				userID := args[0]

				stream := event.NewChannelStream[*iap.Event, string]("reconcile", eventBufferSize, describeEvent)
				tracker.Events().AddHandler(event.StreamHandler[string, *iap.Event](stream, eventSendTimeout, nil))

				var described []string
				drained := make(chan struct{})
				go func() {
					defer close(drained)
					for e := range stream.Channel() {
						described = append(described, e)
					}
				}()
				defer func() {
					stream.Close()
					<-drained
				}()

				changed, err := tracker.UpdateUser(ctx, userID)
				if err != nil {
					return nil, err
				}

				view := reconcileView{
					UserID:      userID,
					UserChanged: changed,
					Fulfilled:   []fulfillmentView{},
				}
				for fulfillment, err := range tracker.Reconcile(ctx, userID, changed) {
					if err != nil {
						view.Errors = append(view.Errors, err.Error())
						continue
					}
					view.Fulfilled = append(view.Fulfilled, fulfillmentView{
						RequestID:     fulfillment.RequestID,
						Sku:           fulfillment.Sku,
						PurchaseToken: fulfillment.PurchaseToken,
						Quantity:      fulfillment.Grant.Quantity,
						Entitlement:   fulfillment.Grant.Entitlement,
					})
				}

				stream.Close()
				<-drained
				view.Events = described

				if len(view.Errors) > 0 {
					return nil, fmt.Errorf("%d request(s) could not be reconciled, %d fulfilled: %s",
						len(view.Errors), len(view.Fulfilled), strings.Join(view.Errors, "; "))
				}
				return view, nil
			})
		},
	}
}

func describeEvent(e *iap.Event) (string, bool) {
	if e.Key() == "" {
		return e.Type.String(), true
	}
	return e.Type.String() + " " + e.Key(), true
}
