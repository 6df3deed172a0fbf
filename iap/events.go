package iap

import (
	"time"
)

type EventType uint8

const (
	EventUnknown EventType = iota
	EventUserChanged
	EventSkuAvailable
	EventSkuUnavailable
	EventPurchaseSucceeded
	EventPurchaseAlreadyEntitled
	EventPurchaseFailed
	EventPurchaseUpdated
	EventSkuRevoked
	EventPurchaseUpdatesFailed
	EventItemConsumed
)

func (t EventType) String() string {
	switch t {
	case EventUserChanged:
		return "user_changed"
	case EventSkuAvailable:
		return "sku_available"
	case EventSkuUnavailable:
		return "sku_unavailable"
	case EventPurchaseSucceeded:
		return "purchase_succeeded"
	case EventPurchaseAlreadyEntitled:
		return "purchase_already_entitled"
	case EventPurchaseFailed:
		return "purchase_failed"
	case EventPurchaseUpdated:
		return "purchase_updated"
	case EventSkuRevoked:
		return "sku_revoked"
	case EventPurchaseUpdatesFailed:
		return "purchase_updates_failed"
	case EventItemConsumed:
		return "item_consumed"
	default:
		return "unknown"
	}
}

// Event is what the tracker publishes for the UI layer. Only the fields
// relevant to the event type are set.
type Event struct {
	Type      EventType
	Timestamp time.Time

	UserID        string
	RequestID     string
	Sku           string
	PurchaseToken string

	Item   *ItemData
	Record *SkuRecord
	Err    error
}

// Key is the bus key of the event: the sku, or the user id for user events.
func (e *Event) Key() string {
	if e.Sku == "" {
		return e.UserID
	}
	return e.Sku
}
