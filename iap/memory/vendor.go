package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/code-payments/iap-tracker/iap"
)

type RequestKind uint8

const (
	RequestKindUserID RequestKind = iota + 1
	RequestKindItemData
	RequestKindPurchase
	RequestKindPurchaseUpdates
)

// PendingRequest is a vendor request that has not been answered yet.
type PendingRequest struct {
	RequestID string
	Kind      RequestKind
	Skus      []string
}

// Vendor is a scripted in-process vendor SDK. Requests are only answered when
// a test delivers a response, which makes lost and redelivered responses easy
// to reproduce.
type Vendor struct {
	mu          sync.Mutex
	observer    iap.Observer
	pending     map[string]*PendingRequest
	initiateErr error

	// Held while a response is being delivered, so the observer sees one
	// response at a time.
	deliverMu sync.Mutex
}

func NewVendor() *Vendor {
	return &Vendor{
		pending: make(map[string]*PendingRequest),
	}
}

func (v *Vendor) RegisterObserver(observer iap.Observer) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.observer = observer
}

// SetInitiateError makes every subsequent Initiate call fail with err. A nil
// err restores normal behavior.
func (v *Vendor) SetInitiateError(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.initiateErr = err
}

func (v *Vendor) InitiateGetUserIDRequest(_ context.Context) (string, error) {
	return v.initiate(RequestKindUserID, nil)
}

func (v *Vendor) InitiateItemDataRequest(_ context.Context, skus []string) (string, error) {
	return v.initiate(RequestKindItemData, skus)
}

func (v *Vendor) InitiatePurchaseRequest(_ context.Context, sku string) (string, error) {
	return v.initiate(RequestKindPurchase, []string{sku})
}

func (v *Vendor) InitiatePurchaseUpdatesRequest(_ context.Context) (string, error) {
	return v.initiate(RequestKindPurchaseUpdates, nil)
}

func (v *Vendor) initiate(kind RequestKind, skus []string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.initiateErr != nil {
		return "", v.initiateErr
	}

	requestID := uuid.NewString()
	v.pending[requestID] = &PendingRequest{
		RequestID: requestID,
		Kind:      kind,
		Skus:      append([]string(nil), skus...),
	}
	return requestID, nil
}

// Pending returns the unanswered requests, sorted by request id.
func (v *Vendor) Pending() []PendingRequest {
	v.mu.Lock()
	defer v.mu.Unlock()

	pending := make([]PendingRequest, 0, len(v.pending))
	for _, request := range v.pending {
		pending = append(pending, *request)
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].RequestID < pending[j].RequestID
	})
	return pending
}

// Drop forgets a pending request without answering it.
func (v *Vendor) Drop(requestID string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	delete(v.pending, requestID)
}

func (v *Vendor) DeliverUserID(ctx context.Context, resp *iap.UserIDResponse) error {
	return v.deliver(resp.RequestID, func(observer iap.Observer) {
		observer.OnGetUserIDResponse(ctx, resp)
	})
}

func (v *Vendor) DeliverItemData(ctx context.Context, resp *iap.ItemDataResponse) error {
	return v.deliver(resp.RequestID, func(observer iap.Observer) {
		observer.OnItemDataResponse(ctx, resp)
	})
}

// DeliverPurchase answers a purchase request. The same response may be
// delivered more than once.
func (v *Vendor) DeliverPurchase(ctx context.Context, resp *iap.PurchaseResponse) error {
	return v.deliver(resp.RequestID, func(observer iap.Observer) {
		observer.OnPurchaseResponse(ctx, resp)
	})
}

func (v *Vendor) DeliverPurchaseUpdates(ctx context.Context, resp *iap.PurchaseUpdatesResponse) error {
	return v.deliver(resp.RequestID, func(observer iap.Observer) {
		observer.OnPurchaseUpdatesResponse(ctx, resp)
	})
}

func (v *Vendor) deliver(requestID string, fn func(observer iap.Observer)) error {
	v.mu.Lock()
	observer := v.observer
	if observer == nil {
		v.mu.Unlock()
		return errors.New("no observer registered")
	}
	delete(v.pending, requestID)
	v.mu.Unlock()

	v.deliverMu.Lock()
	defer v.deliverMu.Unlock()

	fn(observer)
	return nil
}
