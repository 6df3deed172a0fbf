package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/code-payments/iap-tracker/iap"
)

type InMemoryStore struct {
	mu        sync.RWMutex
	requests  map[string]*iap.PurchaseRequest
	fulfilled map[string]struct{}
	records   map[string]*iap.SkuRecord
	userID    string
}

func NewInMemory() iap.Store {
	return &InMemoryStore{
		requests:  map[string]*iap.PurchaseRequest{},
		fulfilled: map[string]struct{}{},
		records:   map[string]*iap.SkuRecord{},
	}
}

func (s *InMemoryStore) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = make(map[string]*iap.PurchaseRequest)
	s.fulfilled = make(map[string]struct{})
	s.records = make(map[string]*iap.SkuRecord)
	s.userID = ""
}

func (s *InMemoryStore) CreateRequest(_ context.Context, request *iap.PurchaseRequest) error {
	if request.RequestID == "" {
		return errors.New("request id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[request.RequestID]; ok {
		return iap.ErrExists
	}
	s.requests[request.RequestID] = request.Clone()
	return nil
}

func (s *InMemoryStore) GetRequest(_ context.Context, requestID string) (*iap.PurchaseRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	request, ok := s.requests[requestID]
	if !ok {
		return nil, iap.ErrNotFound
	}
	return request.Clone(), nil
}

func (s *InMemoryStore) UpdateRequest(_ context.Context, request *iap.PurchaseRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[request.RequestID]; !ok {
		return iap.ErrNotFound
	}
	s.requests[request.RequestID] = request.Clone()
	return nil
}

func (s *InMemoryStore) GetAllRequestIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	requestIDs := make([]string, 0, len(s.requests))
	for requestID := range s.requests {
		requestIDs = append(requestIDs, requestID)
	}
	return requestIDs, nil
}

func (s *InMemoryStore) IsTokenFulfilled(_ context.Context, token string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.fulfilled[token]
	return ok, nil
}

func (s *InMemoryStore) MarkTokenFulfilled(_ context.Context, token string) error {
	if token == "" {
		return errors.New("purchase token is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.fulfilled[token]; ok {
		return iap.ErrAlreadyFulfilled
	}
	s.fulfilled[token] = struct{}{}
	return nil
}

func (s *InMemoryStore) Fulfill(_ context.Context, fulfillment *iap.Fulfillment) (*iap.SkuRecord, error) {
	if fulfillment.PurchaseToken == "" {
		return nil, errors.New("purchase token is required")
	}
	if fulfillment.Sku == "" {
		return nil, errors.New("sku is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var request *iap.PurchaseRequest
	if fulfillment.RequestID != "" {
		existing, ok := s.requests[fulfillment.RequestID]
		if !ok {
			return nil, iap.ErrNotFound
		}
		request = existing
	}

	_, alreadyFulfilled := s.fulfilled[fulfillment.PurchaseToken]

	if request != nil && request.State != iap.StateFulfilled {
		request.State = iap.StateFulfilled
		request.PurchaseToken = fulfillment.PurchaseToken
		request.UpdatedAt = time.Now()
	}
	if alreadyFulfilled {
		return nil, iap.ErrAlreadyFulfilled
	}

	s.fulfilled[fulfillment.PurchaseToken] = struct{}{}

	record, ok := s.records[fulfillment.Sku]
	if !ok {
		record = &iap.SkuRecord{Sku: fulfillment.Sku}
		s.records[fulfillment.Sku] = record
	}
	record.Apply(fulfillment.Grant)

	return record.Clone(), nil
}

func (s *InMemoryStore) GetSkuRecord(_ context.Context, sku string) (*iap.SkuRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[sku]
	if !ok {
		return nil, iap.ErrNotFound
	}
	return record.Clone(), nil
}

func (s *InMemoryStore) UpdateSkuRecord(_ context.Context, sku string, fn func(record *iap.SkuRecord) error) (*iap.SkuRecord, error) {
	if sku == "" {
		return nil, errors.New("sku is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updated := &iap.SkuRecord{Sku: sku}
	if existing, ok := s.records[sku]; ok {
		updated = existing.Clone()
	}

	if err := fn(updated); err != nil {
		return nil, err
	}

	s.records[sku] = updated
	return updated.Clone(), nil
}

func (s *InMemoryStore) SwapUserID(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.userID
	s.userID = userID
	return previous, nil
}

func (s *InMemoryStore) GetUserID(_ context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.userID == "" {
		return "", iap.ErrNotFound
	}
	return s.userID, nil
}
