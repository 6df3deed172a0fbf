package iap

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

var _ Observer = (*Tracker)(nil)

// OnGetUserIDResponse records the current user and runs a reconciliation
// sweep so purchases whose responses arrived before a crash are granted.
func (t *Tracker) OnGetUserIDResponse(ctx context.Context, resp *UserIDResponse) {
	t.metrics.vendorResponses.WithLabelValues("user_id", resp.Status.String()).Inc()

	log := t.log.With(
		zap.String("request_id", resp.RequestID),
		zap.Stringer("status", resp.Status),
	)

	if resp.Status != UserIDStatusSuccessful {
		log.Info("Get user id request failed")
		return
	}

	changed, err := t.UpdateUser(ctx, resp.UserID)
	if err != nil {
		log.Warn("Failed to update current user", zap.Error(err))
		return
	}

	var fulfilled int
	for fulfillment, err := range t.Reconcile(ctx, resp.UserID, changed) {
		if err != nil {
			continue
		}
		fulfilled++
		log.Debug("Granted purchase during reconciliation",
			zap.String("sku", fulfillment.Sku),
			zap.String("purchase_request_id", fulfillment.RequestID),
		)
	}

	log.Debug("Reconciliation complete", zap.Int("fulfilled", fulfilled))
}

// OnItemDataResponse publishes the availability of every requested sku.
func (t *Tracker) OnItemDataResponse(_ context.Context, resp *ItemDataResponse) {
	t.metrics.vendorResponses.WithLabelValues("item_data", resp.Status.String()).Inc()

	switch resp.Status {
	case ItemDataStatusSuccessful, ItemDataStatusSuccessfulWithUnavailableSkus:
	default:
		t.log.Info("Item data request failed",
			zap.String("request_id", resp.RequestID),
			zap.Stringer("status", resp.Status),
		)
		return
	}

	skus := make([]string, 0, len(resp.Items))
	for sku := range resp.Items {
		skus = append(skus, sku)
	}
	sort.Strings(skus)

	for _, sku := range skus {
		item := resp.Items[sku]
		t.publish(&Event{
			Type:      EventSkuAvailable,
			RequestID: resp.RequestID,
			Sku:       sku,
			Item:      &item,
		})
	}

	for _, sku := range resp.UnavailableSkus {
		t.publish(&Event{
			Type:      EventSkuUnavailable,
			RequestID: resp.RequestID,
			Sku:       sku,
		})
	}
}

// OnPurchaseResponse settles the purchase request the response refers to.
// Successful purchases are granted immediately; if that fails, the request
// stays in StateReceived and the next reconciliation sweep grants it.
func (t *Tracker) OnPurchaseResponse(ctx context.Context, resp *PurchaseResponse) {
	t.metrics.vendorResponses.WithLabelValues("purchase", resp.Status.String()).Inc()

	log := t.log.With(
		zap.String("request_id", resp.RequestID),
		zap.String("user_id", resp.UserID),
		zap.String("sku", resp.Sku),
		zap.Stringer("status", resp.Status),
	)

	switch resp.Status {
	case PurchaseStatusSuccessful:
		t.completePurchase(ctx, log, resp)

	case PurchaseStatusAlreadyEntitled:
		request := t.settleRequest(ctx, log, resp.RequestID, StateFulfilled)

		sku := resp.Sku
		if sku == "" && request != nil {
			sku = request.Sku
		}

		e := &Event{
			Type:      EventPurchaseAlreadyEntitled,
			UserID:    resp.UserID,
			RequestID: resp.RequestID,
			Sku:       sku,
		}
		if sku != "" {
			record, err := t.store.UpdateSkuRecord(ctx, sku, func(record *SkuRecord) error {
				record.Apply(Grant{Entitlement: true})
				return nil
			})
			if err != nil {
				t.noteError(err)
				log.Warn("Failed to restore entitlement", zap.Error(err))
			}
			e.Record = record
		}
		t.publish(e)

	case PurchaseStatusInvalidSku:
		request := t.settleRequest(ctx, log, resp.RequestID, StateFailed)

		sku := resp.Sku
		if sku == "" && request != nil {
			sku = request.Sku
		}
		t.publish(&Event{
			Type:      EventPurchaseFailed,
			UserID:    resp.UserID,
			RequestID: resp.RequestID,
			Sku:       sku,
			Err:       fmt.Errorf("%w: %s", ErrInvalidSku, sku),
		})

	default:
		request := t.settleRequest(ctx, log, resp.RequestID, StateFailed)

		sku := resp.Sku
		if sku == "" && request != nil {
			sku = request.Sku
		}
		t.publish(&Event{
			Type:      EventPurchaseFailed,
			UserID:    resp.UserID,
			RequestID: resp.RequestID,
			Sku:       sku,
			Err:       ErrVendorFailure,
		})
	}
}

func (t *Tracker) completePurchase(ctx context.Context, log *zap.Logger, resp *PurchaseResponse) {
	sku := resp.Sku

	request, err := t.RecordResponse(ctx, resp.RequestID, resp.Sku, resp.PurchaseToken)
	switch {
	case err == nil:
		sku = request.Sku
	case errors.Is(err, ErrUnknownRequest):
		// The token still proves the purchase, so it is granted on its own.
		if sku == "" || resp.PurchaseToken == "" {
			return
		}
	default:
		log.Warn("Failed to record purchase response", zap.Error(err))
		return
	}

	fulfillment := &Fulfillment{
		Sku:           sku,
		PurchaseToken: resp.PurchaseToken,
		Grant:         t.catalog.GrantFor(sku),
	}
	if request != nil {
		fulfillment.RequestID = request.RequestID
	}

	record, err := t.store.Fulfill(ctx, fulfillment)
	if errors.Is(err, ErrAlreadyFulfilled) {
		log.Debug("Purchase token already fulfilled")
		return
	} else if err != nil {
		t.noteError(err)
		log.Warn("Failed to fulfill purchase, leaving it for reconciliation", zap.Error(err))
		return
	}

	t.metrics.fulfillments.WithLabelValues(fulfillmentPathImmediate).Inc()
	log.Info("Fulfilled purchase")

	t.publish(&Event{
		Type:          EventPurchaseSucceeded,
		UserID:        resp.UserID,
		RequestID:     fulfillment.RequestID,
		Sku:           sku,
		PurchaseToken: resp.PurchaseToken,
		Record:        record,
	})
}

// settleRequest moves a SENT request to state. A request that already holds a
// purchase token is left for reconciliation, and terminal requests are left
// alone. It returns the stored request, or nil if it could not be loaded.
func (t *Tracker) settleRequest(ctx context.Context, log *zap.Logger, requestID string, state RequestState) *PurchaseRequest {
	t.requestMu.Lock()
	defer t.requestMu.Unlock()

	request, err := t.store.GetRequest(ctx, requestID)
	if errors.Is(err, ErrNotFound) {
		t.metrics.unknownResponses.Inc()
		log.Warn("Response references unknown purchase request")
		return nil
	} else if err != nil {
		t.noteError(err)
		log.Warn("Failed to load purchase request", zap.Error(err))
		return nil
	}

	if request.State != StateSent {
		if request.State == StateReceived {
			log.Info("Ignoring response for a request that already holds a purchase token",
				zap.Stringer("state", request.State))
		}
		return request
	}

	request.State = state
	request.UpdatedAt = t.now()
	if err := t.store.UpdateRequest(ctx, request); err != nil {
		t.noteError(err)
		log.Warn("Failed to update purchase request", zap.Error(err))
	}
	return request
}

// OnPurchaseUpdatesResponse grants every receipt whose token was never
// fulfilled and clears revoked skus.
func (t *Tracker) OnPurchaseUpdatesResponse(ctx context.Context, resp *PurchaseUpdatesResponse) {
	t.metrics.vendorResponses.WithLabelValues("purchase_updates", resp.Status.String()).Inc()

	log := t.log.With(
		zap.String("request_id", resp.RequestID),
		zap.String("user_id", resp.UserID),
		zap.Stringer("status", resp.Status),
	)

	if resp.Status != PurchaseUpdatesStatusSuccessful {
		log.Info("Purchase updates request failed")
		t.publish(&Event{
			Type:      EventPurchaseUpdatesFailed,
			UserID:    resp.UserID,
			RequestID: resp.RequestID,
			Err:       ErrVendorFailure,
		})
		return
	}

	for _, receipt := range resp.Receipts {
		if receipt.Sku == "" || receipt.PurchaseToken == "" {
			log.Warn("Skipping incomplete receipt", zap.String("sku", receipt.Sku))
			continue
		}

		record, err := t.store.Fulfill(ctx, &Fulfillment{
			Sku:           receipt.Sku,
			PurchaseToken: receipt.PurchaseToken,
			Grant:         t.catalog.GrantFor(receipt.Sku),
		})
		switch {
		case err == nil:
			t.metrics.fulfillments.WithLabelValues(fulfillmentPathUpdates).Inc()
			log.Info("Restored purchase", zap.String("sku", receipt.Sku))
		case errors.Is(err, ErrAlreadyFulfilled):
			record = nil
		default:
			t.noteError(err)
			log.Warn("Failed to restore purchase", zap.String("sku", receipt.Sku), zap.Error(err))
			continue
		}

		t.publish(&Event{
			Type:          EventPurchaseUpdated,
			UserID:        resp.UserID,
			RequestID:     resp.RequestID,
			Sku:           receipt.Sku,
			PurchaseToken: receipt.PurchaseToken,
			Record:        record,
		})
	}

	for _, sku := range resp.RevokedSkus {
		record, err := t.store.UpdateSkuRecord(ctx, sku, func(record *SkuRecord) error {
			record.OwnedQuantity = 0
			return nil
		})
		if err != nil {
			t.noteError(err)
			log.Warn("Failed to revoke sku", zap.String("sku", sku), zap.Error(err))
			continue
		}

		log.Info("Revoked sku", zap.String("sku", sku))
		t.publish(&Event{
			Type:      EventSkuRevoked,
			UserID:    resp.UserID,
			RequestID: resp.RequestID,
			Sku:       sku,
			Record:    record,
		})
	}
}
