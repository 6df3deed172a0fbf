package iap

import (
	"fmt"
	"strings"
	"time"
)

type RequestState uint8

const (
	StateUnknown RequestState = iota
	StateSent
	StateReceived
	StateFulfilled
	StateFailed
)

var requestStateNames = map[RequestState]string{
	StateUnknown:   "UNKNOWN",
	StateSent:      "SENT",
	StateReceived:  "RECEIVED",
	StateFulfilled: "FULFILLED",
	StateFailed:    "FAILED",
}

func (s RequestState) String() string {
	if name, ok := requestStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("RequestState(%d)", s)
}

// IsTerminal reports whether no further vendor response can change the state.
func (s RequestState) IsTerminal() bool {
	return s == StateFulfilled || s == StateFailed
}

func (s RequestState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *RequestState) UnmarshalText(text []byte) error {
	for state, name := range requestStateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown request state %q", text)
}

// PurchaseRequest tracks a single vendor purchase request, keyed by the
// vendor-assigned request id.
type PurchaseRequest struct {
	RequestID     string       `json:"requestId"`
	Sku           string       `json:"sku"`
	State         RequestState `json:"state"`
	PurchaseToken string       `json:"purchaseToken,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

func (r *PurchaseRequest) Clone() *PurchaseRequest {
	cloned := *r
	return &cloned
}

type SkuRecord struct {
	Sku              string `json:"sku"`
	OwnedQuantity    int    `json:"ownedQuantity"`
	ConsumedQuantity int    `json:"consumedQuantity"`
}

func (r *SkuRecord) Clone() *SkuRecord {
	cloned := *r
	return &cloned
}

// Consume moves quantity units from the owned pool to the consumed pool.
// Requests for more than is owned are rejected rather than clamped.
func (r *SkuRecord) Consume(quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	if quantity > r.OwnedQuantity {
		return ErrInsufficientQuantity
	}

	r.OwnedQuantity -= quantity
	r.ConsumedQuantity += quantity
	return nil
}

// Apply adds the granted units to the record.
func (r *SkuRecord) Apply(grant Grant) {
	if grant.Entitlement {
		if r.OwnedQuantity < 1 {
			r.OwnedQuantity = 1
		}
		return
	}
	r.OwnedQuantity += grant.Quantity
}

type ItemType uint8

const (
	ItemTypeUnknown ItemType = iota
	ItemTypeConsumable
	ItemTypeEntitlement
	ItemTypeSubscription
)

func (t ItemType) String() string {
	switch t {
	case ItemTypeConsumable:
		return "consumable"
	case ItemTypeEntitlement:
		return "entitlement"
	case ItemTypeSubscription:
		return "subscription"
	default:
		return "unknown"
	}
}

func ParseItemType(s string) (ItemType, error) {
	switch strings.ToLower(s) {
	case "consumable":
		return ItemTypeConsumable, nil
	case "entitlement", "non_consumable", "nonconsumable":
		return ItemTypeEntitlement, nil
	case "subscription":
		return ItemTypeSubscription, nil
	default:
		return ItemTypeUnknown, fmt.Errorf("unknown item type %q", s)
	}
}

// Grant describes what fulfilling a purchase gives the user.
type Grant struct {
	Quantity    int
	Entitlement bool
}

// Fulfillment is a purchase token ready to be granted. RequestID is empty for
// purchases restored from a purchase-updates response.
type Fulfillment struct {
	RequestID     string
	Sku           string
	PurchaseToken string
	Grant         Grant
}
