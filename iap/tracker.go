package iap

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/code-payments/iap-tracker/event"
)

// Tracker reconciles vendor purchase callbacks against durable state, making
// redelivered and delayed responses idempotent across process restarts.
type Tracker struct {
	log     *zap.Logger
	store   Store
	catalog *Catalog
	vendor  Vendor
	events  *event.Bus[string, *Event]
	metrics *Metrics

	// Serializes read-modify-write sequences on purchase requests. Never held
	// while publishing events or yielding to a caller.
	requestMu sync.Mutex

	now func() time.Time
}

// NewTracker builds a Tracker. The vendor, event bus and metrics are optional.
func NewTracker(
	log *zap.Logger,
	store Store,
	catalog *Catalog,
	vendor Vendor,
	events *event.Bus[string, *Event],
	metrics *Metrics,
) *Tracker {
	if catalog == nil {
		catalog, _ = NewCatalog()
	}
	if events == nil {
		events = event.NewBus[string, *Event]()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	return &Tracker{
		log:     log,
		store:   store,
		catalog: catalog,
		vendor:  vendor,
		events:  events,
		metrics: metrics,
		now:     time.Now,
	}
}

// Events returns the bus the tracker publishes to.
func (t *Tracker) Events() *event.Bus[string, *Event] {
	return t.events
}

// Purchase asks the vendor to start a purchase of sku and registers the
// request id it hands back.
func (t *Tracker) Purchase(ctx context.Context, sku string) (string, error) {
	if t.vendor == nil {
		return "", errors.New("no vendor configured")
	}

	requestID, err := t.vendor.InitiatePurchaseRequest(ctx, sku)
	if err != nil {
		return "", fmt.Errorf("failed to initiate purchase request: %w", err)
	}

	if err := t.BeginPurchase(ctx, requestID, sku); err != nil {
		return "", err
	}
	return requestID, nil
}

// BeginPurchase registers a vendor-issued request id in StateSent.
func (t *Tracker) BeginPurchase(ctx context.Context, requestID, sku string) error {
	if requestID == "" {
		return errors.New("request id is required")
	}
	if sku == "" {
		return errors.New("sku is required")
	}

	now := t.now()
	err := t.store.CreateRequest(ctx, &PurchaseRequest{
		RequestID: requestID,
		Sku:       sku,
		State:     StateSent,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.noteError(err)
		return err
	}

	t.metrics.purchaseRequests.Inc()
	t.log.Debug("Registered purchase request",
		zap.String("request_id", requestID),
		zap.String("sku", sku),
	)
	return nil
}

// RecordResponse stores the purchase token the vendor returned for a request
// and moves it from StateSent to StateReceived. Responses for requests that
// were never registered leave the store untouched and return
// ErrUnknownRequest. Responses for settled requests are ignored.
func (t *Tracker) RecordResponse(ctx context.Context, requestID, sku, token string) (*PurchaseRequest, error) {
	if token == "" {
		return nil, errors.New("purchase token is required")
	}

	log := t.log.With(
		zap.String("request_id", requestID),
		zap.String("sku", sku),
	)

	t.requestMu.Lock()
	defer t.requestMu.Unlock()

	request, err := t.store.GetRequest(ctx, requestID)
	if errors.Is(err, ErrNotFound) {
		t.metrics.unknownResponses.Inc()
		log.Warn("Ignoring response for unknown purchase request")
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	} else if err != nil {
		t.noteError(err)
		return nil, err
	}

	if request.State.IsTerminal() {
		log.Debug("Ignoring response for settled purchase request", zap.Stringer("state", request.State))
		return request, nil
	}

	if sku != "" && sku != request.Sku {
		log.Warn("Vendor reported a different sku than requested", zap.String("requested_sku", request.Sku))
		request.Sku = sku
	}
	request.PurchaseToken = token
	request.State = StateReceived
	request.UpdatedAt = t.now()

	if err := t.store.UpdateRequest(ctx, request); err != nil {
		t.noteError(err)
		return nil, err
	}

	log.Debug("Recorded purchase response")
	return request, nil
}

func (t *Tracker) IsTokenFulfilled(ctx context.Context, token string) (bool, error) {
	fulfilled, err := t.store.IsTokenFulfilled(ctx, token)
	if err != nil {
		t.noteError(err)
	}
	return fulfilled, err
}

// MarkTokenFulfilled records that the purchase behind token was granted.
// Marking an already fulfilled token is a no-op.
func (t *Tracker) MarkTokenFulfilled(ctx context.Context, token string) error {
	if token == "" {
		return errors.New("purchase token is required")
	}

	err := t.store.MarkTokenFulfilled(ctx, token)
	if errors.Is(err, ErrAlreadyFulfilled) {
		return nil
	} else if err != nil {
		t.noteError(err)
	}
	return err
}

// Reconcile sweeps every stored purchase request and fulfills those whose
// response arrived but whose token was never granted. Each entry is persisted
// as fulfilled before it is yielded, so a crash mid-sweep cannot grant it
// twice. Requests still in StateSent are left for a later sweep.
//
// The sequence is lazy and can be ranged over again; storage failures are
// yielded per entry and do not stop the sweep. Entries come in no particular
// order.
func (t *Tracker) Reconcile(ctx context.Context, userID string, userChanged bool) iter.Seq2[*Fulfillment, error] {
	return func(yield func(*Fulfillment, error) bool) {
		log := t.log.With(
			zap.String("user_id", userID),
			zap.Bool("user_changed", userChanged),
		)

		requestIDs, err := t.store.GetAllRequestIDs(ctx)
		if err != nil {
			t.noteError(err)
			log.Warn("Failed to list purchase requests", zap.Error(err))
			yield(nil, err)
			return
		}

		log.Debug("Reconciling purchase requests", zap.Int("count", len(requestIDs)))

		for _, requestID := range requestIDs {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			fulfillment, record, err := t.reconcileRequest(ctx, log, requestID)
			if err != nil {
				t.noteError(err)
				log.Warn("Failed to reconcile purchase request", zap.String("request_id", requestID), zap.Error(err))
				if !yield(nil, fmt.Errorf("request %s: %w", requestID, err)) {
					return
				}
				continue
			}
			if fulfillment == nil {
				continue
			}

			t.metrics.fulfillments.WithLabelValues(fulfillmentPathReconcile).Inc()
			t.publish(&Event{
				Type:          EventPurchaseSucceeded,
				UserID:        userID,
				RequestID:     fulfillment.RequestID,
				Sku:           fulfillment.Sku,
				PurchaseToken: fulfillment.PurchaseToken,
				Record:        record,
			})

			if !yield(fulfillment, nil) {
				return
			}
		}
	}
}

func (t *Tracker) reconcileRequest(ctx context.Context, log *zap.Logger, requestID string) (*Fulfillment, *SkuRecord, error) {
	t.requestMu.Lock()
	defer t.requestMu.Unlock()

	log = log.With(zap.String("request_id", requestID))

	request, err := t.store.GetRequest(ctx, requestID)
	if errors.Is(err, ErrNotFound) {
		log.Debug("Could not find purchase request, skipping")
		return nil, nil, nil
	} else if err != nil {
		return nil, nil, err
	}

	switch request.State {
	case StateSent:
		log.Debug("No purchase response received yet, skipping")
		return nil, nil, nil
	case StateFulfilled, StateFailed:
		return nil, nil, nil
	}

	if request.PurchaseToken == "" {
		log.Warn("Purchase request has no purchase token, skipping", zap.Stringer("state", request.State))
		return nil, nil, nil
	}

	fulfillment := &Fulfillment{
		RequestID:     request.RequestID,
		Sku:           request.Sku,
		PurchaseToken: request.PurchaseToken,
		Grant:         t.catalog.GrantFor(request.Sku),
	}

	record, err := t.store.Fulfill(ctx, fulfillment)
	if errors.Is(err, ErrAlreadyFulfilled) {
		log.Debug("Purchase token already fulfilled, skipping")
		return nil, nil, nil
	} else if err != nil {
		return nil, nil, err
	}

	log.Info("Fulfilled purchase", zap.String("sku", request.Sku))
	return fulfillment, record, nil
}

// Consume uses up quantity units of a consumable sku. Quantities larger than
// what is owned are rejected with ErrInsufficientQuantity.
func (t *Tracker) Consume(ctx context.Context, sku string, quantity int) (*SkuRecord, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	record, err := t.store.UpdateSkuRecord(ctx, sku, func(record *SkuRecord) error {
		return record.Consume(quantity)
	})
	if err != nil {
		t.noteError(err)
		return nil, err
	}

	t.metrics.consumedUnits.Add(float64(quantity))
	t.log.Debug("Consumed item",
		zap.String("sku", sku),
		zap.Int("quantity", quantity),
		zap.Int("owned", record.OwnedQuantity),
		zap.Int("consumed", record.ConsumedQuantity),
	)

	t.publish(&Event{
		Type:   EventItemConsumed,
		Sku:    sku,
		Record: record.Clone(),
	})
	return record, nil
}

func (t *Tracker) GetSkuRecord(ctx context.Context, sku string) (*SkuRecord, error) {
	record, err := t.store.GetSkuRecord(ctx, sku)
	if err != nil && !errors.Is(err, ErrNotFound) {
		t.noteError(err)
	}
	return record, err
}

func (t *Tracker) GetRequest(ctx context.Context, requestID string) (*PurchaseRequest, error) {
	request, err := t.store.GetRequest(ctx, requestID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		t.noteError(err)
	}
	return request, err
}

// Requests returns every stored purchase request, sorted by request id.
func (t *Tracker) Requests(ctx context.Context) ([]*PurchaseRequest, error) {
	requestIDs, err := t.store.GetAllRequestIDs(ctx)
	if err != nil {
		t.noteError(err)
		return nil, err
	}

	requests := make([]*PurchaseRequest, 0, len(requestIDs))
	for _, requestID := range requestIDs {
		request, err := t.store.GetRequest(ctx, requestID)
		if errors.Is(err, ErrNotFound) {
			continue
		} else if err != nil {
			t.noteError(err)
			return nil, err
		}
		requests = append(requests, request)
	}

	sort.Slice(requests, func(i, j int) bool {
		return requests[i].RequestID < requests[j].RequestID
	})
	return requests, nil
}

// UpdateUser stores userID as the current user and reports whether it
// differs from the previously stored one.
func (t *Tracker) UpdateUser(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, errors.New("user id is required")
	}

	previous, err := t.store.SwapUserID(ctx, userID)
	if err != nil {
		t.noteError(err)
		return false, err
	}

	changed := previous != userID
	if changed {
		t.log.Info("Current user changed",
			zap.String("user_id", userID),
			zap.String("previous_user_id", previous),
		)
		t.publish(&Event{Type: EventUserChanged, UserID: userID})
	}
	return changed, nil
}

// Resume asks the vendor for the current user and for the metadata of every
// catalog sku. Responses arrive through the Observer methods.
func (t *Tracker) Resume(ctx context.Context) error {
	if t.vendor == nil {
		return errors.New("no vendor configured")
	}

	requestID, err := t.vendor.InitiateGetUserIDRequest(ctx)
	if err != nil {
		return fmt.Errorf("failed to initiate get user id request: %w", err)
	}
	t.log.Debug("Initiated get user id request", zap.String("request_id", requestID))

	skus := t.catalog.Skus()
	if len(skus) == 0 {
		return nil
	}

	requestID, err = t.vendor.InitiateItemDataRequest(ctx, skus)
	if err != nil {
		return fmt.Errorf("failed to initiate item data request: %w", err)
	}
	t.log.Debug("Initiated item data request",
		zap.String("request_id", requestID),
		zap.Strings("skus", skus),
	)
	return nil
}

// RefreshPurchases asks the vendor for the purchases it still considers
// owned by the user.
func (t *Tracker) RefreshPurchases(ctx context.Context) (string, error) {
	if t.vendor == nil {
		return "", errors.New("no vendor configured")
	}

	requestID, err := t.vendor.InitiatePurchaseUpdatesRequest(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to initiate purchase updates request: %w", err)
	}
	return requestID, nil
}

func (t *Tracker) publish(e *Event) {
	e.Timestamp = t.now()
	t.events.OnEvent(e.Key(), e)
}

func (t *Tracker) noteError(err error) {
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		t.metrics.storageErrors.Inc()
	}
}
