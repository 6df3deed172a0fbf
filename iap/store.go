package iap

import (
	"context"
	"errors"
)

var (
	ErrExists           = errors.New("purchase request already exists")
	ErrNotFound         = errors.New("not found")
	ErrAlreadyFulfilled = errors.New("purchase token is already fulfilled")

	ErrUnknownRequest       = errors.New("unknown purchase request")
	ErrInvalidSku           = errors.New("invalid sku")
	ErrVendorFailure        = errors.New("vendor reported a failure")
	ErrInvalidQuantity      = errors.New("quantity must be positive")
	ErrInsufficientQuantity = errors.New("quantity exceeds owned quantity")
)

// StorageError is returned when the underlying persistence layer fails. Only
// the operation that hit it is affected.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return "iap storage: " + e.Op + " " + e.Key + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Store persists purchase requests, fulfilled tokens, per-sku quantities and
// the current user. Every method is atomic with respect to the others.
type Store interface {
	CreateRequest(ctx context.Context, request *PurchaseRequest) error
	GetRequest(ctx context.Context, requestID string) (*PurchaseRequest, error)
	UpdateRequest(ctx context.Context, request *PurchaseRequest) error

	// GetAllRequestIDs returns every stored request id in no particular order.
	GetAllRequestIDs(ctx context.Context) ([]string, error)

	IsTokenFulfilled(ctx context.Context, token string) (bool, error)
	MarkTokenFulfilled(ctx context.Context, token string) error

	// Fulfill marks the token fulfilled, moves the request (when RequestID is
	// set) to StateFulfilled and applies the grant to the sku record in a
	// single all-or-nothing step. If the token was already fulfilled, the
	// request is still moved to StateFulfilled, nothing is granted and
	// ErrAlreadyFulfilled is returned.
	Fulfill(ctx context.Context, fulfillment *Fulfillment) (*SkuRecord, error)

	GetSkuRecord(ctx context.Context, sku string) (*SkuRecord, error)

	// UpdateSkuRecord applies fn to the current record (a zero record if none
	// exists) and persists the result. Nothing is written if fn fails.
	UpdateSkuRecord(ctx context.Context, sku string, fn func(record *SkuRecord) error) (*SkuRecord, error)

	// SwapUserID stores userID as the current user and returns the previous
	// one, or an empty string if none was stored.
	SwapUserID(ctx context.Context, userID string) (string, error)
	GetUserID(ctx context.Context) (string, error)
}
