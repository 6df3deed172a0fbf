package tests

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/code-payments/iap-tracker/event"
	"github.com/code-payments/iap-tracker/iap"
	"github.com/code-payments/iap-tracker/iap/memory"
)

func RunTrackerTests(t *testing.T, s iap.Store, teardown func()) {
	for _, tf := range []func(t *testing.T, s iap.Store){
		testTracker_ReconcileRecordedResponse,
		testTracker_UnknownResponseIsNoop,
		testTracker_MarkTokenFulfilledIsIdempotent,
		testTracker_ReconcileManyRequests,
		testTracker_ReconcileSkipsSettledRequests,
		testTracker_ReconcileStoppedEarly,
		testTracker_ReconcileContinuesPastStorageErrors,
		testTracker_BeginPurchaseValidation,
		testTracker_Consume,
		testTracker_PurchaseFlow,
		testTracker_PurchaseFailures,
		testTracker_PurchaseAlreadyEntitled,
		testTracker_ContradictoryResponseAfterToken,
		testTracker_UnknownSuccessfulPurchase,
		testTracker_ResumeRecoversLostFulfillment,
		testTracker_ItemData,
		testTracker_PurchaseUpdates,
		testTracker_Requests,
		testTracker_Metrics,
	} {
		tf(t, s)
		teardown()
	}
}

type trackerEnv struct {
	tracker  *iap.Tracker
	vendor   *memory.Vendor
	events   *eventRecorder
	registry *prometheus.Registry
}

func newTrackerEnv(t *testing.T, s iap.Store) *trackerEnv {
	catalog, err := iap.NewCatalog(
		iap.Sku{ID: "sku.orange", Type: iap.ItemTypeConsumable, Quantity: 1, Price: decimal.RequireFromString("0.99")},
		iap.Sku{ID: "sku.gold", Type: iap.ItemTypeConsumable, Quantity: 10, Price: decimal.RequireFromString("4.99")},
		iap.Sku{ID: "sku.premium", Type: iap.ItemTypeEntitlement, Price: decimal.RequireFromString("9.99")},
	)
	require.NoError(t, err)

	recorder := &eventRecorder{}
	bus := event.NewBus[string, *iap.Event]()
	bus.AddHandler(recorder)

	registry := prometheus.NewRegistry()
	vendor := memory.NewVendor()

	tracker := iap.NewTracker(
		zap.Must(zap.NewDevelopment()),
		s,
		catalog,
		vendor,
		bus,
		iap.NewMetrics(registry),
	)
	vendor.RegisterObserver(tracker)

	return &trackerEnv{
		tracker:  tracker,
		vendor:   vendor,
		events:   recorder,
		registry: registry,
	}
}

func (e *trackerEnv) pending(kind memory.RequestKind) []memory.PendingRequest {
	var matching []memory.PendingRequest
	for _, request := range e.vendor.Pending() {
		if request.Kind == kind {
			matching = append(matching, request)
		}
	}
	return matching
}

type eventRecorder struct {
	mu     sync.Mutex
	events []*iap.Event
}

func (r *eventRecorder) OnEvent(_ string, e *iap.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)
}

func (r *eventRecorder) ofType(eventType iap.EventType) []*iap.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matching []*iap.Event
	for _, e := range r.events {
		if e.Type == eventType {
			matching = append(matching, e)
		}
	}
	return matching
}

func drain(seq iter.Seq2[*iap.Fulfillment, error]) ([]*iap.Fulfillment, []error) {
	var fulfillments []*iap.Fulfillment
	var errs []error
	for fulfillment, err := range seq {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		fulfillments = append(fulfillments, fulfillment)
	}
	return fulfillments, errs
}

func counterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	families, err := registry.Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != name {
			continue
		}

	metrics:
		for _, metric := range family.GetMetric() {
			for _, pair := range metric.GetLabel() {
				if labels[pair.GetName()] != pair.GetValue() {
					continue metrics
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}

func testTracker_ReconcileRecordedResponse(t *testing.T, s iap.Store) {
	ctx := context.Background()
	env := newTrackerEnv(t, s)

	require.NoError(t, env.tracker.BeginPurchase(ctx, "R1", "sku.orange"))

	request, err := env.tracker.RecordResponse(ctx, "R1", "sku.orange", "TOK1")
	require.NoError(t, err)
	require.Equal(t, iap.StateReceived, request.State)
	require.Equal(t, "TOK1", request.PurchaseToken)

	fulfilled, err := env.tracker.IsTokenFulfilled(ctx, "TOK1")
	require.NoError(t, err)
	require.False(t, fulfilled)

	fulfillments, errs := drain(env.tracker.Reconcile(ctx, "user42", true))
	require.Empty(t, errs)
	require.Len(t, fulfillments, 1)
	require.Equal(t, "R1", fulfillments[0].RequestID)
	require.Equal(t, "sku.orange", fulfillments[0].Sku)
	require.Equal(t, "TOK1", fulfillments[0].PurchaseToken)
	require.Equal(t, iap.Grant{Quantity: 1}, fulfillments[0].Grant)

	fulfilled, err = env.tracker.IsTokenFulfilled(ctx, "TOK1")
	require.NoError(t, err)
	require.True(t, fulfilled)

	request, err = s.GetRequest(ctx, "R1")
	require.NoError(t, err)
	require.Equal(t, iap.StateFulfilled, request.State)

	record, err := env.tracker.GetSkuRecord(ctx, "sku.orange")
	require.NoError(t, err)
	require.Equal(t, 1, record.OwnedQuantity)

	succeeded := env.events.ofType(iap.EventPurchaseSucceeded)
	require.Len(t, succeeded, 1)
	require.Equal(t, "user42", succeeded[0].UserID)
	require.Equal(t, "TOK1", succeeded[0].PurchaseToken)

	// A second sweep finds nothing left to do.
	fulfillments, errs = drain(env.tracker.Reconcile(ctx, "user42", false))
	require.Empty(t, errs)
	require.Empty(t, fulfillments)

	record, err = env.tracker.GetSkuRecord(ctx, "sku.orange")
	require.NoError(t, err)
	require.Equal(t, 1, record.OwnedQuantity)
}

func testTracker_UnknownResponseIsNoop(t *testing.T, s iap.Store) {
	ctx := context.Background()
	env := newTrackerEnv(t, s)

	_, err := env.tracker.RecordResponse(ctx, "R999", "sku.orange", "TOK9")
	require.ErrorIs(t, err, iap.ErrUnknownRequest)

	requestIDs, err := s.GetAllRequestIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, requestIDs)

	fulfilled, err := env.tracker.IsTokenFulfilled(ctx, "TOK9")
	require.NoError(t, err)
	require.False(t, fulfilled)
}

func testTracker_MarkTokenFulfilledIsIdempotent(t *testing.T, s iap.Store) {
	ctx := context.Background()
	env := newTrackerEnv(t, s)

	require.NoError(t, env.tracker.MarkTokenFulfilled(ctx, "TOK1"))
	require.NoError(t, env.tracker.MarkTokenFulfilled(ctx, "TOK1"))

	fulfilled, err := env.tracker.IsTokenFulfilled(ctx, "TOK1")
	require.NoError(t, err)
	require.True(t, fulfilled)

	require.Error(t, env.tracker.MarkTokenFulfilled(ctx, ""))
}

func testTracker_ReconcileManyRequests(t *testing.T, s iap.Store) {
	ctx := context.Background()
	env := newTrackerEnv(t, s)

	const count = 12
	expected := make(map[string]string)
	for i := 0; i < count; i++ {
		requestID := fmt.Sprintf("R%d", i)
		token := fmt.Sprintf("TOK%d", i)
		expected[requestID] = token

		require.NoError(t, env.tracker.BeginPurchase(ctx, requestID, "sku.orange"))
		_, err := env.tracker.RecordResponse(ctx, requestID, "sku.orange", token)
		require.NoError(t, err)
	}

	fulfillments, errs := drain(env.tracker.Reconcile(ctx, "user42", true))
	require.Empty(t, errs)
	require.Len(t, fulfillments, count)

	actual := make(map[string]string)
	for _, fulfillment := range fulfillments {
		actual[fulfillment.RequestID] = fulfillment.PurchaseToken
	}
	require.Equal(t, expected, actual)

	for requestID, token := range expected {
		fulfilled, err := env.tracker.IsTokenFulfilled(ctx, token)
		require.NoError(t, err)
		require.True(t, fulfilled)

		request, err := s.GetRequest(ctx, requestID)
		require.NoError(t, err)
		require.Equal(t, iap.StateFulfilled, request.State)
	}

	record, err := env.tracker.GetSkuRecord(ctx, "sku.orange")
	require.NoError(t, err)
	require.Equal(t, count, record.OwnedQuantity)
}

func testTracker_ReconcileSkipsSettledRequests(t *testing.T, s iap.Store) {
	ctx := context.Background()
	env := newTrackerEnv(t, s)

	// Still waiting on the vendor.
	require.NoError(t, env.tracker.BeginPurchase(ctx, "R1", "sku.orange"))

	// Token granted through another path.
	require.NoError(t, env.tracker.BeginPurchase(ctx, "R2", "sku.orange"))
	_, err := env.tracker.RecordResponse(ctx, "R2", "sku.orange", "TOK2")
	require.NoError(t, err)
	require.NoError(t, env.tracker.MarkTokenFulfilled(ctx, "TOK2"))

	require.NoError(t, env.tracker.BeginPurchase(ctx, "R3", "sku.gold"))
	_, err = env.tracker.RecordResponse(ctx, "R3", "sku.gold", "TOK3")
	require.NoError(t, err)

	fulfillments, errs := drain(env.tracker.Reconcile(ctx, "user42", false))
	require.Empty(t, errs)
	require.Len(t, fulfillments, 1)
	require.Equal(t, "R3", fulfillments[0].RequestID)
	require.Equal(t, iap.Grant{Quantity: 10}, fulfillments[0].Grant)

	request, err := s.GetRequest(ctx, "R1")
	require.NoError(t, err)
	require.Equal(t, iap.StateSent, request.State)

	request, err = s.GetRequest(ctx, "R2")
	require.NoError(t, err)
	require.Equal(t, iap.StateFulfilled, request.State)

	_, err = env.tracker.GetSkuRecord(ctx, "sku.orange")
	require.ErrorIs(t, err, iap.ErrNotFound)

	record, err := env.tracker.GetSkuRecord(ctx, "sku.gold")
	require.NoError(t, err)
	require.Equal(t, 10, record.OwnedQuantity)
}

func testTracker_ReconcileStoppedEarly(t *testing.T, s iap.Store) {
	ctx := context.Background()
	env := newTrackerEnv(t, s)

	for i := 0; i < 3; i++ {
		requestID := fmt.Sprintf("R%d", i)
		require.NoError(t, env.tracker.BeginPurchase(ctx, requestID, "sku.orange"))
		_, err := env.tracker.RecordResponse(ctx, requestID, "sku.orange", fmt.Sprintf("TOK%d", i))
		require.NoError(t, err)
	}

	var first *iap.Fulfillment
	for fulfillment, err := range env.tracker.Reconcile(ctx, "user42", false) {
		require.NoError(t, err)
		first = fulfillment
		break
	}
	require.NotNil(t, first)

	// The yielded entry was persisted before the caller saw it.
	fulfilled, err := env.tracker.IsTokenFulfilled(ctx, first.PurchaseToken)
	require.NoError(t, err)
	require.True(t, fulfilled)

	fulfillments, errs := drain(env.tracker.Reconcile(ctx, "user42", false))
	require.Empty(t, errs)
	require.Len(t, fulfillments, 2)
	for _, fulfillment := range fulfillments {
		require.NotEqual(t, first.RequestID, fulfillment.RequestID)
	}

	record, err := env.tracker.GetSkuRecord(ctx, "sku.orange")
	require.NoError(t, err)
	require.Equal(t, 3, record.OwnedQuantity)
}

type flakyStore struct {
	iap.Store
	failRequestID string
}

func (s *flakyStore) GetRequest(ctx context.Context, requestID string) (*iap.PurchaseRequest, error) {
	if requestID == s.failRequestID {
		return nil, &iap.StorageError{Op: "get request", Key: requestID, Err: errors.New("disk unavailable")}
	}
	return s.Store.GetRequest(ctx, requestID)
}

func testTracker_ReconcileContinuesPastStorageErrors(t *testing.T, s iap.Store) {
	ctx := context.Background()

	flaky := &flakyStore{Store: s, failRequestID: "R1"}
	env := newTrackerEnv(t, flaky)

	for _, requestID := range []string{"R1", "R2", "R3"} {
		require.NoError(t, env.tracker.BeginPurchase(ctx, requestID, "sku.orange"))

		request, err := s.GetRequest(ctx, requestID)
		require.NoError(t, err)
		request.State = iap.StateReceived
		request.PurchaseToken = "TOK-" + requestID
		require.NoError(t, s.UpdateRequest(ctx, request))
	}

	fulfillments, errs := drain(env.tracker.Reconcile(ctx, "user42", false))
	require.Len(t, errs, 1)

	var storageErr *iap.StorageError
	require.ErrorAs(t, errs[0], &storageErr)

	require.Len(t, fulfillments, 2)
	for _, fulfillment := range fulfillments {
		require.NotEqual(t, "R1", fulfillment.RequestID)
	}

	require.EqualValues(t, 1, counterValue(t, env.registry, "iap_storage_errors_total", nil))

	// Once storage recovers the remaining entry is picked up.
	flaky.failRequestID = ""
	fulfillments, errs = drain(env.tracker.Reconcile(ctx, "user42", false))
	require.Empty(t, errs)
	require.Len(t, fulfillments, 1)
	require.Equal(t, "R1", fulfillments[0].RequestID)
}

func testTracker_BeginPurchaseValidation(t *testing.T, s iap.Store) {
	ctx := context.Background()
	env := newTrackerEnv(t, s)

	require.Error(t, env.tracker.BeginPurchase(ctx, "", "sku.orange"))
	require.Error(t, env.tracker.BeginPurchase(ctx, "R1", ""))

	require.NoError(t, env.tracker.BeginPurchase(ctx, "R1", "sku.orange"))
	require.ErrorIs(t, env.tracker.BeginPurchase(ctx, "R1", "sku.orange"), iap.ErrExists)

	_, err := env.tracker.RecordResponse(ctx, "R1", "sku.orange", "")
	require.Error(t, err)

	request, err := s.GetRequest(ctx, "R1")
	require.NoError(t, err)
	require.Equal(t, iap.StateSent, request.State)
}

func testTracker_Consume(t *testing.T, s iap.Store) {
	ctx := context.Background()
	env := newTrackerEnv(t, s)

	for i := 0; i < 3; i++ {
		requestID := fmt.Sprintf("R%d", i)
		require.NoError(t, env.tracker.BeginPurchase(ctx, requestID, "sku.orange"))
		_, err := env.tracker.RecordResponse(ctx, requestID, "sku.orange", fmt.Sprintf("TOK%d", i))
		require.NoError(t, err)
	}
	_, errs := drain(env.tracker.Reconcile(ctx, "user42", false))
	require.Empty(t, errs)

	record, err := env.tracker.Consume(ctx, "sku.orange", 2)
	require.NoError(t, err)
	require.Equal(t, 1, record.OwnedQuantity)
	require.Equal(t, 2, record.ConsumedQuantity)

	_, err = env.tracker.Consume(ctx, "sku.orange", 5)
	require.ErrorIs(t, err, iap.ErrInsufficientQuantity)

	_, err = env.tracker.Consume(ctx, "sku.orange", 0)
	require.ErrorIs(t, err, iap.ErrInvalidQuantity)

	_, err = env.tracker.Consume(ctx, "sku.orange", -1)
	require.ErrorIs(t, err, iap.ErrInvalidQuantity)

	record, err = env.tracker.GetSkuRecord(ctx, "sku.orange")
	require.NoError(t, err)
	require.Equal(t, &iap.SkuRecord{Sku: "sku.orange", OwnedQuantity: 1, ConsumedQuantity: 2}, record)

	_, err = env.tracker.Consume(ctx, "sku.apple", 1)
	require.ErrorIs(t, err, iap.ErrInsufficientQuantity)

	consumed := env.events.ofType(iap.EventItemConsumed)
	require.Len(t, consumed, 1)
	require.Equal(t, "sku.orange", consumed[0].Sku)
	require.Equal(t, 1, consumed[0].Record.OwnedQuantity)

	require.EqualValues(t, 2, counterValue(t, env.registry, "iap_consumed_units_total", nil))
}

func testTracker_PurchaseFlow(t *testing.T, s iap.Store) {
	ctx := context.Background()
	env := newTrackerEnv(t, s)

	requestID, err := env.tracker.Purchase(ctx, "sku.orange")
	require.NoError(t, err)
	require.NotEmpty(t, requestID)

	pending := env.pending(memory.RequestKindPurchase)
	require.Len(t, pending, 1)
	require.Equal(t, requestID, pending[0].RequestID)
	require.Equal(t, []string{"sku.orange"}, pending[0].Skus)

	request, err := s.GetRequest(ctx, requestID)
	require.NoError(t, err)
	require.Equal(t, iap.StateSent, request.State)

	resp := &iap.PurchaseResponse{
		RequestID:     requestID,
		Status:        iap.PurchaseStatusSuccessful,
		UserID:        "user42",
		Sku:           "sku.orange",
		PurchaseToken: "TOK1",
	}
	require.NoError(t, env.vendor.DeliverPurchase(ctx, resp))
	require.Empty(t, env.pending(memory.RequestKindPurchase))

	request, err = s.GetRequest(ctx, requestID)
	require.NoError(t, err)
	require.Equal(t, iap.StateFulfilled, request.State)
	require.Equal(t, "TOK1", request.PurchaseToken)

	succeeded := env.events.ofType(iap.EventPurchaseSucceeded)
	require.Len(t, succeeded, 1)
	require.Equal(t, requestID, succeeded[0].RequestID)
	require.Equal(t, 1, succeeded[0].Record.OwnedQuantity)

	// Redelivery of the same response grants nothing.
	require.NoError(t, env.vendor.DeliverPurchase(ctx, resp))

	record, err := env.tracker.GetSkuRecord(ctx, "sku.orange")
	require.NoError(t, err)
	require.Equal(t, 1, record.OwnedQuantity)
	require.Len(t, env.events.ofType(iap.EventPurchaseSucceeded), 1)

	fulfillments, errs := drain(env.tracker.Reconcile(ctx, "user42", false))
	require.Empty(t, errs)
	require.Empty(t, fulfillments)

	env.vendor.SetInitiateError(errors.New("billing unavailable"))
	_, err = env.tracker.Purchase(ctx, "sku.orange")
	require.Error(t, err)

	requestIDs, err := s.GetAllRequestIDs(ctx)
	require.NoError(t, err)
	require.Len(t, requestIDs, 1)
}

func testTracker_PurchaseFailures(t *testing.T, s iap.Store) {
	ctx := context.Background()
	env := newTrackerEnv(t, s)

	invalid, err := env.tracker.Purchase(ctx, "sku.missing")
	require.NoError(t, err)
	require.NoError(t, env.vendor.DeliverPurchase(ctx, &iap.PurchaseResponse{
		RequestID: invalid,
		Status:    iap.PurchaseStatusInvalidSku,
		UserID:    "user42",
		Sku:       "sku.missing",
	}))

	failed, err := env.tracker.Purchase(ctx, "sku.orange")
	require.NoError(t, err)
	require.NoError(t, env.vendor.DeliverPurchase(ctx, &iap.PurchaseResponse{
		RequestID: failed,
		Status:    iap.PurchaseStatusFailed,
		UserID:    "user42",
	}))

	for _, requestID := range []string{invalid, failed} {
		request, err := s.GetRequest(ctx, requestID)
		require.NoError(t, err)
		require.Equal(t, iap.StateFailed, request.State)
	}

	events := env.events.ofType(iap.EventPurchaseFailed)
	require.Len(t, events, 2)
	require.ErrorIs(t, events[0].Err, iap.ErrInvalidSku)
	require.Equal(t, "sku.missing", events[0].Sku)
	require.ErrorIs(t, events[1].Err, iap.ErrVendorFailure)
	require.Equal(t, "sku.orange", events[1].Sku)

	// A late token for a failed request does not reopen it.
	request, err := env.tracker.RecordResponse(ctx, failed, "sku.orange", "TOK-LATE")
	require.NoError(t, err)
	require.Equal(t, iap.StateFailed, request.State)

	fulfillments, errs := drain(env.tracker.Reconcile(ctx, "user42", false))
	require.Empty(t, errs)
	require.Empty(t, fulfillments)
}

func testTracker_PurchaseAlreadyEntitled(t *testing.T, s iap.Store) {
	ctx := context.Background()
	env := newTrackerEnv(t, s)

	requestID, err := env.tracker.Purchase(ctx, "sku.premium")
	require.NoError(t, err)
	require.NoError(t, env.vendor.DeliverPurchase(ctx, &iap.PurchaseResponse{
		RequestID: requestID,
		Status:    iap.PurchaseStatusAlreadyEntitled,
		UserID:    "user42",
	}))

	request, err := s.GetRequest(ctx, requestID)
	require.NoError(t, err)
	require.Equal(t, iap.StateFulfilled, request.State)

	record, err := env.tracker.GetSkuRecord(ctx, "sku.premium")
	require.NoError(t, err)
	require.Equal(t, 1, record.OwnedQuantity)

	events := env.events.ofType(iap.EventPurchaseAlreadyEntitled)
	require.Len(t, events, 1)
	require.Equal(t, "sku.premium", events[0].Sku)
	require.Equal(t, 1, events[0].Record.OwnedQuantity)
}

func testTracker_ContradictoryResponseAfterToken(t *testing.T, s iap.Store) {
	ctx := context.Background()
	env := newTrackerEnv(t, s)

	require.NoError(t, env.tracker.BeginPurchase(ctx, "R1", "sku.orange"))
	_, err := env.tracker.RecordResponse(ctx, "R1", "sku.orange", "TOK1")
	require.NoError(t, err)

	require.NoError(t, env.tracker.BeginPurchase(ctx, "R2", "sku.premium"))
	_, err = env.tracker.RecordResponse(ctx, "R2", "sku.premium", "TOK2")
	require.NoError(t, err)

	require.NoError(t, env.tracker.BeginPurchase(ctx, "R3", "sku.gold"))
	_, err = env.tracker.RecordResponse(ctx, "R3", "sku.gold", "TOK3")
	require.NoError(t, err)

	env.tracker.OnPurchaseResponse(ctx, &iap.PurchaseResponse{
		RequestID: "R1",
		Status:    iap.PurchaseStatusFailed,
		UserID:    "user42",
	})
	env.tracker.OnPurchaseResponse(ctx, &iap.PurchaseResponse{
		RequestID: "R2",
		Status:    iap.PurchaseStatusAlreadyEntitled,
		UserID:    "user42",
	})
	env.tracker.OnPurchaseResponse(ctx, &iap.PurchaseResponse{
		RequestID: "R3",
		Status:    iap.PurchaseStatusInvalidSku,
		UserID:    "user42",
	})

	for requestID, token := range map[string]string{"R1": "TOK1", "R2": "TOK2", "R3": "TOK3"} {
		request, err := s.GetRequest(ctx, requestID)
		require.NoError(t, err)
		require.Equal(t, iap.StateReceived, request.State)
		require.Equal(t, token, request.PurchaseToken)
	}

	fulfillments, errs := drain(env.tracker.Reconcile(ctx, "user42", false))
	require.Empty(t, errs)
	require.Len(t, fulfillments, 3)

	for _, requestID := range []string{"R1", "R2", "R3"} {
		request, err := s.GetRequest(ctx, requestID)
		require.NoError(t, err)
		require.Equal(t, iap.StateFulfilled, request.State)
	}
	for _, token := range []string{"TOK1", "TOK2", "TOK3"} {
		fulfilled, err := env.tracker.IsTokenFulfilled(ctx, token)
		require.NoError(t, err)
		require.True(t, fulfilled)
	}

	record, err := env.tracker.GetSkuRecord(ctx, "sku.orange")
	require.NoError(t, err)
	require.Equal(t, 1, record.OwnedQuantity)

	record, err = env.tracker.GetSkuRecord(ctx, "sku.premium")
	require.NoError(t, err)
	require.Equal(t, 1, record.OwnedQuantity)

	record, err = env.tracker.GetSkuRecord(ctx, "sku.gold")
	require.NoError(t, err)
	require.Equal(t, 10, record.OwnedQuantity)
}

func testTracker_UnknownSuccessfulPurchase(t *testing.T, s iap.Store) {
	ctx := context.Background()
	env := newTrackerEnv(t, s)

	require.NoError(t, env.vendor.DeliverPurchase(ctx, &iap.PurchaseResponse{
		RequestID:     "R999",
		Status:        iap.PurchaseStatusSuccessful,
		UserID:        "user42",
		Sku:           "sku.orange",
		PurchaseToken: "TOK9",
	}))

	requestIDs, err := s.GetAllRequestIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, requestIDs)

	fulfilled, err := env.tracker.IsTokenFulfilled(ctx, "TOK9")
	require.NoError(t, err)
	require.True(t, fulfilled)

	record, err := env.tracker.GetSkuRecord(ctx, "sku.orange")
	require.NoError(t, err)
	require.Equal(t, 1, record.OwnedQuantity)

	require.EqualValues(t, 1, counterValue(t, env.registry, "iap_unknown_responses_total", nil))
}

func testTracker_ResumeRecoversLostFulfillment(t *testing.T, s iap.Store) {
	ctx := context.Background()
	env := newTrackerEnv(t, s)

	requestID, err := env.tracker.Purchase(ctx, "sku.gold")
	require.NoError(t, err)

	// The response was recorded but the process died before granting it.
	_, err = env.tracker.RecordResponse(ctx, requestID, "sku.gold", "TOK1")
	require.NoError(t, err)
	env.vendor.Drop(requestID)

	require.NoError(t, env.tracker.Resume(ctx))

	userRequests := env.pending(memory.RequestKindUserID)
	require.Len(t, userRequests, 1)

	itemRequests := env.pending(memory.RequestKindItemData)
	require.Len(t, itemRequests, 1)
	require.Equal(t, []string{"sku.gold", "sku.orange", "sku.premium"}, itemRequests[0].Skus)

	require.NoError(t, env.vendor.DeliverUserID(ctx, &iap.UserIDResponse{
		RequestID: userRequests[0].RequestID,
		Status:    iap.UserIDStatusSuccessful,
		UserID:    "user42",
	}))

	changed := env.events.ofType(iap.EventUserChanged)
	require.Len(t, changed, 1)
	require.Equal(t, "user42", changed[0].UserID)

	record, err := env.tracker.GetSkuRecord(ctx, "sku.gold")
	require.NoError(t, err)
	require.Equal(t, 10, record.OwnedQuantity)

	userID, err := s.GetUserID(ctx)
	require.NoError(t, err)
	require.Equal(t, "user42", userID)

	// Same user again: no user change and nothing granted twice.
	require.NoError(t, env.tracker.Resume(ctx))
	userRequests = env.pending(memory.RequestKindUserID)
	require.Len(t, userRequests, 1)
	require.NoError(t, env.vendor.DeliverUserID(ctx, &iap.UserIDResponse{
		RequestID: userRequests[0].RequestID,
		Status:    iap.UserIDStatusSuccessful,
		UserID:    "user42",
	}))

	require.Len(t, env.events.ofType(iap.EventUserChanged), 1)
	record, err = env.tracker.GetSkuRecord(ctx, "sku.gold")
	require.NoError(t, err)
	require.Equal(t, 10, record.OwnedQuantity)

	// A failed user id response changes nothing.
	require.NoError(t, env.tracker.Resume(ctx))
	userRequests = env.pending(memory.RequestKindUserID)
	require.NoError(t, env.vendor.DeliverUserID(ctx, &iap.UserIDResponse{
		RequestID: userRequests[0].RequestID,
		Status:    iap.UserIDStatusFailed,
	}))

	userID, err = s.GetUserID(ctx)
	require.NoError(t, err)
	require.Equal(t, "user42", userID)
}

func testTracker_ItemData(t *testing.T, s iap.Store) {
	ctx := context.Background()
	env := newTrackerEnv(t, s)

	require.NoError(t, env.tracker.Resume(ctx))
	itemRequests := env.pending(memory.RequestKindItemData)
	require.Len(t, itemRequests, 1)

	require.NoError(t, env.vendor.DeliverItemData(ctx, &iap.ItemDataResponse{
		RequestID: itemRequests[0].RequestID,
		Status:    iap.ItemDataStatusSuccessfulWithUnavailableSkus,
		Items: map[string]iap.ItemData{
			"sku.orange": {
				Sku:      "sku.orange",
				Type:     iap.ItemTypeConsumable,
				Title:    "Orange",
				Price:    decimal.RequireFromString("0.99"),
				Currency: "USD",
			},
			"sku.premium": {
				Sku:      "sku.premium",
				Type:     iap.ItemTypeEntitlement,
				Title:    "Premium",
				Price:    decimal.RequireFromString("9.99"),
				Currency: "USD",
			},
		},
		UnavailableSkus: []string{"sku.gold"},
	}))

	available := env.events.ofType(iap.EventSkuAvailable)
	require.Len(t, available, 2)
	require.Equal(t, "sku.orange", available[0].Sku)
	require.Equal(t, "Orange", available[0].Item.Title)
	require.Equal(t, "sku.premium", available[1].Sku)

	unavailable := env.events.ofType(iap.EventSkuUnavailable)
	require.Len(t, unavailable, 1)
	require.Equal(t, "sku.gold", unavailable[0].Sku)

	require.NoError(t, env.vendor.DeliverItemData(ctx, &iap.ItemDataResponse{
		RequestID: "failed",
		Status:    iap.ItemDataStatusFailed,
	}))
	require.Len(t, env.events.ofType(iap.EventSkuAvailable), 2)
}

func testTracker_PurchaseUpdates(t *testing.T, s iap.Store) {
	ctx := context.Background()
	env := newTrackerEnv(t, s)

	requestID, err := env.tracker.RefreshPurchases(ctx)
	require.NoError(t, err)
	require.NoError(t, env.vendor.DeliverPurchaseUpdates(ctx, &iap.PurchaseUpdatesResponse{
		RequestID: requestID,
		Status:    iap.PurchaseUpdatesStatusSuccessful,
		UserID:    "user42",
		Receipts:  []iap.Receipt{{Sku: "sku.gold", PurchaseToken: "TOK-G"}},
	}))

	record, err := env.tracker.GetSkuRecord(ctx, "sku.gold")
	require.NoError(t, err)
	require.Equal(t, 10, record.OwnedQuantity)

	requestID, err = env.tracker.RefreshPurchases(ctx)
	require.NoError(t, err)
	resp := &iap.PurchaseUpdatesResponse{
		RequestID:   requestID,
		Status:      iap.PurchaseUpdatesStatusSuccessful,
		UserID:      "user42",
		Receipts:    []iap.Receipt{{Sku: "sku.premium", PurchaseToken: "TOK-P"}},
		RevokedSkus: []string{"sku.gold"},
	}
	require.NoError(t, env.vendor.DeliverPurchaseUpdates(ctx, resp))
	require.NoError(t, env.vendor.DeliverPurchaseUpdates(ctx, resp))

	record, err = env.tracker.GetSkuRecord(ctx, "sku.premium")
	require.NoError(t, err)
	require.Equal(t, 1, record.OwnedQuantity)

	record, err = env.tracker.GetSkuRecord(ctx, "sku.gold")
	require.NoError(t, err)
	require.Equal(t, 0, record.OwnedQuantity)

	updated := env.events.ofType(iap.EventPurchaseUpdated)
	require.Len(t, updated, 3)
	require.NotNil(t, updated[1].Record)
	require.Nil(t, updated[2].Record)

	require.Len(t, env.events.ofType(iap.EventSkuRevoked), 2)

	requestIDs, err := s.GetAllRequestIDs(ctx)
	require.NoError(t, err)
	require.Empty(t, requestIDs)

	require.NoError(t, env.vendor.DeliverPurchaseUpdates(ctx, &iap.PurchaseUpdatesResponse{
		RequestID: "failed",
		Status:    iap.PurchaseUpdatesStatusFailed,
		UserID:    "user42",
	}))
	failed := env.events.ofType(iap.EventPurchaseUpdatesFailed)
	require.Len(t, failed, 1)
	require.ErrorIs(t, failed[0].Err, iap.ErrVendorFailure)
}

func testTracker_Requests(t *testing.T, s iap.Store) {
	ctx := context.Background()
	env := newTrackerEnv(t, s)

	requests, err := env.tracker.Requests(ctx)
	require.NoError(t, err)
	require.Empty(t, requests)

	require.NoError(t, env.tracker.BeginPurchase(ctx, "R2", "sku.gold"))
	require.NoError(t, env.tracker.BeginPurchase(ctx, "R1", "sku.orange"))
	_, err = env.tracker.RecordResponse(ctx, "R1", "sku.orange", "TOK1")
	require.NoError(t, err)

	requests, err = env.tracker.Requests(ctx)
	require.NoError(t, err)
	require.Len(t, requests, 2)
	require.Equal(t, "R1", requests[0].RequestID)
	require.Equal(t, iap.StateReceived, requests[0].State)
	require.Equal(t, "R2", requests[1].RequestID)
	require.Equal(t, iap.StateSent, requests[1].State)
}

func testTracker_Metrics(t *testing.T, s iap.Store) {
	ctx := context.Background()
	env := newTrackerEnv(t, s)

	requestID, err := env.tracker.Purchase(ctx, "sku.orange")
	require.NoError(t, err)
	require.NoError(t, env.vendor.DeliverPurchase(ctx, &iap.PurchaseResponse{
		RequestID:     requestID,
		Status:        iap.PurchaseStatusSuccessful,
		Sku:           "sku.orange",
		PurchaseToken: "TOK1",
	}))

	require.NoError(t, env.tracker.BeginPurchase(ctx, "R2", "sku.orange"))
	_, err = env.tracker.RecordResponse(ctx, "R2", "sku.orange", "TOK2")
	require.NoError(t, err)
	_, errs := drain(env.tracker.Reconcile(ctx, "user42", false))
	require.Empty(t, errs)

	require.EqualValues(t, 2, counterValue(t, env.registry, "iap_purchase_requests_total", nil))
	require.EqualValues(t, 1, counterValue(t, env.registry, "iap_vendor_responses_total", map[string]string{
		"kind":   "purchase",
		"status": "successful",
	}))
	require.EqualValues(t, 1, counterValue(t, env.registry, "iap_fulfillments_total", map[string]string{"path": "immediate"}))
	require.EqualValues(t, 1, counterValue(t, env.registry, "iap_fulfillments_total", map[string]string{"path": "reconcile"}))
	require.EqualValues(t, 0, counterValue(t, env.registry, "iap_fulfillments_total", map[string]string{"path": "updates"}))
}
