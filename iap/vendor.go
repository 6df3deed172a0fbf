package iap

import (
	"context"

	"github.com/shopspring/decimal"
)

// Vendor is the purchasing SDK of an app store. Every Initiate call returns
// the vendor-assigned request id right away; the matching response arrives
// later through an Observer, possibly never.
type Vendor interface {
	InitiateGetUserIDRequest(ctx context.Context) (string, error)
	InitiateItemDataRequest(ctx context.Context, skus []string) (string, error)
	InitiatePurchaseRequest(ctx context.Context, sku string) (string, error)
	InitiatePurchaseUpdatesRequest(ctx context.Context) (string, error)
}

// Observer receives vendor responses. Responses are delivered one at a time.
type Observer interface {
	OnGetUserIDResponse(ctx context.Context, resp *UserIDResponse)
	OnItemDataResponse(ctx context.Context, resp *ItemDataResponse)
	OnPurchaseResponse(ctx context.Context, resp *PurchaseResponse)
	OnPurchaseUpdatesResponse(ctx context.Context, resp *PurchaseUpdatesResponse)
}

type UserIDStatus uint8

const (
	UserIDStatusUnknown UserIDStatus = iota
	UserIDStatusSuccessful
	UserIDStatusFailed
)

func (s UserIDStatus) String() string {
	switch s {
	case UserIDStatusSuccessful:
		return "successful"
	case UserIDStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type UserIDResponse struct {
	RequestID string
	Status    UserIDStatus
	UserID    string
}

type ItemDataStatus uint8

const (
	ItemDataStatusUnknown ItemDataStatus = iota
	ItemDataStatusSuccessful
	ItemDataStatusSuccessfulWithUnavailableSkus
	ItemDataStatusFailed
)

func (s ItemDataStatus) String() string {
	switch s {
	case ItemDataStatusSuccessful:
		return "successful"
	case ItemDataStatusSuccessfulWithUnavailableSkus:
		return "successful_with_unavailable_skus"
	case ItemDataStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ItemData is the store's metadata for a sku.
type ItemData struct {
	Sku         string
	Type        ItemType
	Title       string
	Description string
	Price       decimal.Decimal
	Currency    string
}

type ItemDataResponse struct {
	RequestID       string
	Status          ItemDataStatus
	Items           map[string]ItemData
	UnavailableSkus []string
}

type PurchaseStatus uint8

const (
	PurchaseStatusUnknown PurchaseStatus = iota
	PurchaseStatusSuccessful
	PurchaseStatusAlreadyEntitled
	PurchaseStatusInvalidSku
	PurchaseStatusFailed
)

func (s PurchaseStatus) String() string {
	switch s {
	case PurchaseStatusSuccessful:
		return "successful"
	case PurchaseStatusAlreadyEntitled:
		return "already_entitled"
	case PurchaseStatusInvalidSku:
		return "invalid_sku"
	case PurchaseStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type PurchaseResponse struct {
	RequestID     string
	Status        PurchaseStatus
	UserID        string
	Sku           string
	PurchaseToken string
}

type PurchaseUpdatesStatus uint8

const (
	PurchaseUpdatesStatusUnknown PurchaseUpdatesStatus = iota
	PurchaseUpdatesStatusSuccessful
	PurchaseUpdatesStatusFailed
)

func (s PurchaseUpdatesStatus) String() string {
	switch s {
	case PurchaseUpdatesStatusSuccessful:
		return "successful"
	case PurchaseUpdatesStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Receipt is a purchase the store still considers owned by the user.
type Receipt struct {
	Sku           string
	PurchaseToken string
}

type PurchaseUpdatesResponse struct {
	RequestID   string
	Status      PurchaseUpdatesStatus
	UserID      string
	Receipts    []Receipt
	RevokedSkus []string
}
