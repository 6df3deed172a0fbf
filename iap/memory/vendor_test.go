package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/iap-tracker/iap"
	"github.com/code-payments/iap-tracker/iap/memory"
)

type recordingObserver struct {
	userIDs   []*iap.UserIDResponse
	purchases []*iap.PurchaseResponse
}

func (o *recordingObserver) OnGetUserIDResponse(_ context.Context, resp *iap.UserIDResponse) {
	o.userIDs = append(o.userIDs, resp)
}

func (o *recordingObserver) OnItemDataResponse(context.Context, *iap.ItemDataResponse) {}

func (o *recordingObserver) OnPurchaseResponse(_ context.Context, resp *iap.PurchaseResponse) {
	o.purchases = append(o.purchases, resp)
}

func (o *recordingObserver) OnPurchaseUpdatesResponse(context.Context, *iap.PurchaseUpdatesResponse) {}

func TestVendor(t *testing.T) {
	ctx := context.Background()
	vendor := memory.NewVendor()

	first, err := vendor.InitiatePurchaseRequest(ctx, "sku.orange")
	require.NoError(t, err)
	second, err := vendor.InitiateGetUserIDRequest(ctx)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	pending := vendor.Pending()
	require.Len(t, pending, 2)

	resp := &iap.PurchaseResponse{RequestID: first, Status: iap.PurchaseStatusSuccessful, PurchaseToken: "TOK1"}
	require.Error(t, vendor.DeliverPurchase(ctx, resp))

	observer := &recordingObserver{}
	vendor.RegisterObserver(observer)

	require.NoError(t, vendor.DeliverPurchase(ctx, resp))
	require.NoError(t, vendor.DeliverPurchase(ctx, resp))
	require.Len(t, observer.purchases, 2)

	pending = vendor.Pending()
	require.Len(t, pending, 1)
	require.Equal(t, second, pending[0].RequestID)
	require.Equal(t, memory.RequestKindUserID, pending[0].Kind)

	vendor.Drop(second)
	require.Empty(t, vendor.Pending())

	vendor.SetInitiateError(errors.New("billing unavailable"))
	_, err = vendor.InitiatePurchaseUpdatesRequest(ctx)
	require.Error(t, err)

	vendor.SetInitiateError(nil)
	_, err = vendor.InitiateItemDataRequest(ctx, []string{"sku.orange"})
	require.NoError(t, err)
}
