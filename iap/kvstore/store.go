package kvstore

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/code-payments/iap-tracker/iap"
	"github.com/code-payments/iap-tracker/kv"
)

const (
	requestPrefix = "request:"
	tokenPrefix   = "token:"
	skuPrefix     = "sku:"
	userKey       = "session:user"
)

type tokenMarker struct {
	FulfilledAt time.Time `json:"fulfilledAt"`
}

type store struct {
	// Guards read-modify-write sequences against other callers of this
	// instance. The kv.Store itself only guarantees single-call atomicity.
	mu sync.Mutex
	db kv.Store
}

// NewInKV returns an iap.Store persisting JSON documents in db.
func NewInKV(db kv.Store) iap.Store {
	return &store{db: db}
}

func requestKey(requestID string) string {
	return requestPrefix + kv.EncodeKeyPart(requestID)
}

func tokenKey(token string) string {
	return tokenPrefix + kv.EncodeKeyPart(token)
}

func skuKey(sku string) string {
	return skuPrefix + kv.EncodeKeyPart(sku)
}

func storageError(op, key string, err error) error {
	return &iap.StorageError{Op: op, Key: key, Err: err}
}

func (s *store) reset() {
	ctx := context.Background()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, prefix := range []string{requestPrefix, tokenPrefix, skuPrefix, userKey} {
		keys, err := s.db.Keys(ctx, prefix)
		if err != nil {
			panic(err)
		}
		for _, key := range keys {
			if err := s.db.Delete(ctx, key); err != nil {
				panic(err)
			}
		}
	}
}

func (s *store) CreateRequest(ctx context.Context, request *iap.PurchaseRequest) error {
	if request.RequestID == "" {
		return errors.New("request id is required")
	}

	key := requestKey(request.RequestID)
	value, err := json.Marshal(request)
	if err != nil {
		return errors.Wrap(err, "failed to marshal purchase request")
	}

	err = s.db.PutIfAbsent(ctx, key, value)
	if errors.Is(err, kv.ErrExists) {
		return iap.ErrExists
	} else if err != nil {
		return storageError("create request", key, err)
	}
	return nil
}

func (s *store) GetRequest(ctx context.Context, requestID string) (*iap.PurchaseRequest, error) {
	if requestID == "" {
		return nil, iap.ErrNotFound
	}
	return s.getRequest(ctx, requestKey(requestID))
}

func (s *store) getRequest(ctx context.Context, key string) (*iap.PurchaseRequest, error) {
	value, err := s.db.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, iap.ErrNotFound
	} else if err != nil {
		return nil, storageError("get request", key, err)
	}

	var request iap.PurchaseRequest
	if err := json.Unmarshal(value, &request); err != nil {
		return nil, storageError("get request", key, errors.Wrap(err, "corrupt purchase request"))
	}
	return &request, nil
}

func (s *store) UpdateRequest(ctx context.Context, request *iap.PurchaseRequest) error {
	if request.RequestID == "" {
		return iap.ErrNotFound
	}

	key := requestKey(request.RequestID)
	value, err := json.Marshal(request)
	if err != nil {
		return errors.Wrap(err, "failed to marshal purchase request")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getRequest(ctx, key); err != nil {
		return err
	}

	if err := s.db.Put(ctx, key, value); err != nil {
		return storageError("update request", key, err)
	}
	return nil
}

func (s *store) GetAllRequestIDs(ctx context.Context) ([]string, error) {
	keys, err := s.db.Keys(ctx, requestPrefix)
	if err != nil {
		return nil, storageError("list requests", requestPrefix, err)
	}

	requestIDs := make([]string, 0, len(keys))
	for _, key := range keys {
		requestID, err := kv.DecodeKeyPart(strings.TrimPrefix(key, requestPrefix))
		if err != nil {
			return nil, storageError("list requests", key, errors.Wrap(err, "malformed request key"))
		}
		requestIDs = append(requestIDs, requestID)
	}
	return requestIDs, nil
}

func (s *store) IsTokenFulfilled(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}

	key := tokenKey(token)
	_, err := s.db.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, storageError("get token", key, err)
	}
	return true, nil
}

func (s *store) MarkTokenFulfilled(ctx context.Context, token string) error {
	if token == "" {
		return errors.New("purchase token is required")
	}

	key := tokenKey(token)
	value, err := json.Marshal(&tokenMarker{FulfilledAt: time.Now()})
	if err != nil {
		return errors.Wrap(err, "failed to marshal token marker")
	}

	err = s.db.PutIfAbsent(ctx, key, value)
	if errors.Is(err, kv.ErrExists) {
		return iap.ErrAlreadyFulfilled
	} else if err != nil {
		return storageError("mark token", key, err)
	}
	return nil
}

func (s *store) Fulfill(ctx context.Context, fulfillment *iap.Fulfillment) (*iap.SkuRecord, error) {
	if fulfillment.PurchaseToken == "" {
		return nil, errors.New("purchase token is required")
	}
	if fulfillment.Sku == "" {
		return nil, errors.New("sku is required")
	}

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []kv.Entry

	if fulfillment.RequestID != "" {
		key := requestKey(fulfillment.RequestID)
		request, err := s.getRequest(ctx, key)
		if err != nil {
			return nil, err
		}

		if request.State != iap.StateFulfilled {
			request.State = iap.StateFulfilled
			request.PurchaseToken = fulfillment.PurchaseToken
			request.UpdatedAt = now

			value, err := json.Marshal(request)
			if err != nil {
				return nil, errors.Wrap(err, "failed to marshal purchase request")
			}
			entries = append(entries, kv.Entry{Key: key, Value: value})
		}
	}

	fulfilled, err := s.IsTokenFulfilled(ctx, fulfillment.PurchaseToken)
	if err != nil {
		return nil, err
	}

	if fulfilled {
		if len(entries) > 0 {
			if err := s.db.PutAll(ctx, entries); err != nil {
				return nil, storageError("fulfill", entries[0].Key, err)
			}
		}
		return nil, iap.ErrAlreadyFulfilled
	}

	marker, err := json.Marshal(&tokenMarker{FulfilledAt: now})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal token marker")
	}
	entries = append(entries, kv.Entry{Key: tokenKey(fulfillment.PurchaseToken), Value: marker})

	record, err := s.loadSkuRecord(ctx, fulfillment.Sku)
	if err != nil {
		return nil, err
	}
	record.Apply(fulfillment.Grant)

	value, err := json.Marshal(record)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal sku record")
	}
	entries = append(entries, kv.Entry{Key: skuKey(fulfillment.Sku), Value: value})

	if err := s.db.PutAll(ctx, entries); err != nil {
		return nil, storageError("fulfill", tokenKey(fulfillment.PurchaseToken), err)
	}
	return record, nil
}

func (s *store) GetSkuRecord(ctx context.Context, sku string) (*iap.SkuRecord, error) {
	if sku == "" {
		return nil, iap.ErrNotFound
	}

	key := skuKey(sku)
	value, err := s.db.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, iap.ErrNotFound
	} else if err != nil {
		return nil, storageError("get sku", key, err)
	}

	var record iap.SkuRecord
	if err := json.Unmarshal(value, &record); err != nil {
		return nil, storageError("get sku", key, errors.Wrap(err, "corrupt sku record"))
	}
	return &record, nil
}

// loadSkuRecord returns the stored record, or a zero record for the sku.
func (s *store) loadSkuRecord(ctx context.Context, sku string) (*iap.SkuRecord, error) {
	record, err := s.GetSkuRecord(ctx, sku)
	if errors.Is(err, iap.ErrNotFound) {
		return &iap.SkuRecord{Sku: sku}, nil
	}
	return record, err
}

func (s *store) UpdateSkuRecord(ctx context.Context, sku string, fn func(record *iap.SkuRecord) error) (*iap.SkuRecord, error) {
	if sku == "" {
		return nil, errors.New("sku is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := s.loadSkuRecord(ctx, sku)
	if err != nil {
		return nil, err
	}

	if err := fn(record); err != nil {
		return nil, err
	}

	key := skuKey(sku)
	value, err := json.Marshal(record)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal sku record")
	}
	if err := s.db.Put(ctx, key, value); err != nil {
		return nil, storageError("update sku", key, err)
	}
	return record, nil
}

func (s *store) SwapUserID(ctx context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, err := s.GetUserID(ctx)
	if err != nil && !errors.Is(err, iap.ErrNotFound) {
		return "", err
	}

	if err := s.db.Put(ctx, userKey, []byte(userID)); err != nil {
		return "", storageError("swap user", userKey, err)
	}
	return previous, nil
}

func (s *store) GetUserID(ctx context.Context) (string, error) {
	value, err := s.db.Get(ctx, userKey)
	if errors.Is(err, kv.ErrNotFound) {
		return "", iap.ErrNotFound
	} else if err != nil {
		return "", storageError("get user", userKey, err)
	}
	if len(value) == 0 {
		return "", iap.ErrNotFound
	}
	return string(value), nil
}
