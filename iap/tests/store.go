package tests

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/iap-tracker/iap"
)

func RunStoreTests(t *testing.T, s iap.Store, teardown func()) {
	for _, tf := range []func(t *testing.T, s iap.Store){
		testIapStore_RequestHappyPath,
		testIapStore_UpdateUnknownRequest,
		testIapStore_GetAllRequestIDs,
		testIapStore_TokenMarkers,
		testIapStore_Fulfill,
		testIapStore_FulfillAlreadyFulfilledToken,
		testIapStore_FulfillWithoutRequest,
		testIapStore_UpdateSkuRecord,
		testIapStore_ConcurrentSkuUpdates,
		testIapStore_UserID,
	} {
		tf(t, s)
		teardown()
	}
}

func testIapStore_RequestHappyPath(t *testing.T, s iap.Store) {
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	expected := &iap.PurchaseRequest{
		RequestID: "R1",
		Sku:       "sku.orange",
		State:     iap.StateSent,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.GetRequest(ctx, expected.RequestID)
	require.ErrorIs(t, err, iap.ErrNotFound)

	require.NoError(t, s.CreateRequest(ctx, expected))

	actual, err := s.GetRequest(ctx, expected.RequestID)
	require.NoError(t, err)
	require.Equal(t, expected.RequestID, actual.RequestID)
	require.Equal(t, expected.Sku, actual.Sku)
	require.Equal(t, iap.StateSent, actual.State)
	require.Empty(t, actual.PurchaseToken)
	require.True(t, expected.CreatedAt.Equal(actual.CreatedAt))

	require.ErrorIs(t, s.CreateRequest(ctx, expected), iap.ErrExists)

	actual.State = iap.StateReceived
	actual.PurchaseToken = "TOK1"
	require.NoError(t, s.UpdateRequest(ctx, actual))

	updated, err := s.GetRequest(ctx, expected.RequestID)
	require.NoError(t, err)
	require.Equal(t, iap.StateReceived, updated.State)
	require.Equal(t, "TOK1", updated.PurchaseToken)

	require.Error(t, s.CreateRequest(ctx, &iap.PurchaseRequest{Sku: "sku.orange", State: iap.StateSent}))
}

func testIapStore_UpdateUnknownRequest(t *testing.T, s iap.Store) {
	ctx := context.Background()

	err := s.UpdateRequest(ctx, &iap.PurchaseRequest{RequestID: "R999", State: iap.StateReceived})
	require.ErrorIs(t, err, iap.ErrNotFound)

	requestIDs, err := s.GetAllRequestIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, requestIDs)
}

func testIapStore_GetAllRequestIDs(t *testing.T, s iap.Store) {
	ctx := context.Background()

	requestIDs, err := s.GetAllRequestIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, requestIDs)

	var expected []string
	for i := 0; i < 10; i++ {
		requestID := fmt.Sprintf("R%d", i)
		expected = append(expected, requestID)
		require.NoError(t, s.CreateRequest(ctx, &iap.PurchaseRequest{
			RequestID: requestID,
			Sku:       "sku.orange",
			State:     iap.StateSent,
		}))
	}

	// Ids containing separators and glob characters round trip.
	expected = append(expected, "amzn1:req/odd*id%_[")
	require.NoError(t, s.CreateRequest(ctx, &iap.PurchaseRequest{
		RequestID: "amzn1:req/odd*id%_[",
		Sku:       "sku.orange",
		State:     iap.StateSent,
	}))

	require.NoError(t, s.MarkTokenFulfilled(ctx, "TOK1"))
	_, err = s.SwapUserID(ctx, "user42")
	require.NoError(t, err)

	requestIDs, err = s.GetAllRequestIDs(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, expected, requestIDs)
}

func testIapStore_TokenMarkers(t *testing.T, s iap.Store) {
	ctx := context.Background()

	fulfilled, err := s.IsTokenFulfilled(ctx, "TOK1")
	require.NoError(t, err)
	require.False(t, fulfilled)

	require.NoError(t, s.MarkTokenFulfilled(ctx, "TOK1"))
	require.ErrorIs(t, s.MarkTokenFulfilled(ctx, "TOK1"), iap.ErrAlreadyFulfilled)

	fulfilled, err = s.IsTokenFulfilled(ctx, "TOK1")
	require.NoError(t, err)
	require.True(t, fulfilled)

	fulfilled, err = s.IsTokenFulfilled(ctx, "TOK2")
	require.NoError(t, err)
	require.False(t, fulfilled)
}

func testIapStore_Fulfill(t *testing.T, s iap.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateRequest(ctx, &iap.PurchaseRequest{
		RequestID:     "R1",
		Sku:           "sku.orange",
		State:         iap.StateReceived,
		PurchaseToken: "TOK1",
	}))

	record, err := s.Fulfill(ctx, &iap.Fulfillment{
		RequestID:     "R1",
		Sku:           "sku.orange",
		PurchaseToken: "TOK1",
		Grant:         iap.Grant{Quantity: 1},
	})
	require.NoError(t, err)
	require.Equal(t, &iap.SkuRecord{Sku: "sku.orange", OwnedQuantity: 1}, record)

	request, err := s.GetRequest(ctx, "R1")
	require.NoError(t, err)
	require.Equal(t, iap.StateFulfilled, request.State)

	fulfilled, err := s.IsTokenFulfilled(ctx, "TOK1")
	require.NoError(t, err)
	require.True(t, fulfilled)

	stored, err := s.GetSkuRecord(ctx, "sku.orange")
	require.NoError(t, err)
	require.Equal(t, record, stored)

	// A second fulfillment of the same token grants nothing.
	_, err = s.Fulfill(ctx, &iap.Fulfillment{
		RequestID:     "R1",
		Sku:           "sku.orange",
		PurchaseToken: "TOK1",
		Grant:         iap.Grant{Quantity: 1},
	})
	require.ErrorIs(t, err, iap.ErrAlreadyFulfilled)

	stored, err = s.GetSkuRecord(ctx, "sku.orange")
	require.NoError(t, err)
	require.Equal(t, 1, stored.OwnedQuantity)

	_, err = s.Fulfill(ctx, &iap.Fulfillment{
		RequestID:     "R404",
		Sku:           "sku.orange",
		PurchaseToken: "TOK404",
		Grant:         iap.Grant{Quantity: 1},
	})
	require.ErrorIs(t, err, iap.ErrNotFound)

	fulfilled, err = s.IsTokenFulfilled(ctx, "TOK404")
	require.NoError(t, err)
	require.False(t, fulfilled)
}

func testIapStore_FulfillAlreadyFulfilledToken(t *testing.T, s iap.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateRequest(ctx, &iap.PurchaseRequest{
		RequestID:     "R1",
		Sku:           "sku.orange",
		State:         iap.StateReceived,
		PurchaseToken: "TOK1",
	}))
	require.NoError(t, s.MarkTokenFulfilled(ctx, "TOK1"))

	_, err := s.Fulfill(ctx, &iap.Fulfillment{
		RequestID:     "R1",
		Sku:           "sku.orange",
		PurchaseToken: "TOK1",
		Grant:         iap.Grant{Quantity: 5},
	})
	require.ErrorIs(t, err, iap.ErrAlreadyFulfilled)

	request, err := s.GetRequest(ctx, "R1")
	require.NoError(t, err)
	require.Equal(t, iap.StateFulfilled, request.State)

	_, err = s.GetSkuRecord(ctx, "sku.orange")
	require.ErrorIs(t, err, iap.ErrNotFound)
}

func testIapStore_FulfillWithoutRequest(t *testing.T, s iap.Store) {
	ctx := context.Background()

	record, err := s.Fulfill(ctx, &iap.Fulfillment{
		Sku:           "sku.premium",
		PurchaseToken: "TOK-RESTORED",
		Grant:         iap.Grant{Entitlement: true},
	})
	require.NoError(t, err)
	require.Equal(t, 1, record.OwnedQuantity)

	record, err = s.Fulfill(ctx, &iap.Fulfillment{
		Sku:           "sku.premium",
		PurchaseToken: "TOK-RESTORED-2",
		Grant:         iap.Grant{Entitlement: true},
	})
	require.NoError(t, err)
	require.Equal(t, 1, record.OwnedQuantity)

	requestIDs, err := s.GetAllRequestIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, requestIDs)
}

func testIapStore_UpdateSkuRecord(t *testing.T, s iap.Store) {
	ctx := context.Background()

	_, err := s.GetSkuRecord(ctx, "sku.orange")
	require.ErrorIs(t, err, iap.ErrNotFound)

	record, err := s.UpdateSkuRecord(ctx, "sku.orange", func(record *iap.SkuRecord) error {
		record.OwnedQuantity = 5
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, &iap.SkuRecord{Sku: "sku.orange", OwnedQuantity: 5}, record)

	record, err = s.UpdateSkuRecord(ctx, "sku.orange", func(record *iap.SkuRecord) error {
		return record.Consume(2)
	})
	require.NoError(t, err)
	require.Equal(t, &iap.SkuRecord{Sku: "sku.orange", OwnedQuantity: 3, ConsumedQuantity: 2}, record)

	_, err = s.UpdateSkuRecord(ctx, "sku.orange", func(record *iap.SkuRecord) error {
		return record.Consume(4)
	})
	require.ErrorIs(t, err, iap.ErrInsufficientQuantity)

	stored, err := s.GetSkuRecord(ctx, "sku.orange")
	require.NoError(t, err)
	require.Equal(t, &iap.SkuRecord{Sku: "sku.orange", OwnedQuantity: 3, ConsumedQuantity: 2}, stored)

	// A failed update of a missing record writes nothing.
	_, err = s.UpdateSkuRecord(ctx, "sku.apple", func(record *iap.SkuRecord) error {
		return record.Consume(1)
	})
	require.ErrorIs(t, err, iap.ErrInsufficientQuantity)

	_, err = s.GetSkuRecord(ctx, "sku.apple")
	require.ErrorIs(t, err, iap.ErrNotFound)
}

func testIapStore_ConcurrentSkuUpdates(t *testing.T, s iap.Store) {
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := s.UpdateSkuRecord(ctx, "sku.orange", func(record *iap.SkuRecord) error {
				record.OwnedQuantity++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	record, err := s.GetSkuRecord(ctx, "sku.orange")
	require.NoError(t, err)
	require.Equal(t, 20, record.OwnedQuantity)
}

func testIapStore_UserID(t *testing.T, s iap.Store) {
	ctx := context.Background()

	_, err := s.GetUserID(ctx)
	require.ErrorIs(t, err, iap.ErrNotFound)

	previous, err := s.SwapUserID(ctx, "user42")
	require.NoError(t, err)
	require.Empty(t, previous)

	previous, err = s.SwapUserID(ctx, "user43")
	require.NoError(t, err)
	require.Equal(t, "user42", previous)

	userID, err := s.GetUserID(ctx)
	require.NoError(t, err)
	require.Equal(t, "user43", userID)
}
