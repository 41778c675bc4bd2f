package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ivxp-foundation/ivxp"
)

// MemoryStore is an in-process Store for single-instance deployments.
//
// All state is owned by the constructed instance; independent instances never
// interfere. Records are keyed by the lowercased order id, and every read
// hands out a deep copy.
type MemoryStore struct {
	mu     sync.Mutex
	orders map[string]*ivxp.Order
	now    func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the timestamp source, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

// NewMemoryStore creates an empty in-memory order store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		orders: make(map[string]*ivxp.Order),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create validates the identifier, rejects duplicates, and stamps
// CreatedAt = UpdatedAt = now.
func (s *MemoryStore) Create(_ context.Context, order *ivxp.Order) (*ivxp.Order, error) {
	if err := validateNew(order); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := ivxp.NormalizeOrderID(order.OrderID)
	if _, exists := s.orders[key]; exists {
		return nil, ivxp.NewProtocolError(ivxp.ErrCodeOrderAlreadyExists,
			fmt.Sprintf("order %s already exists", order.OrderID), nil)
	}

	stored := order.Clone()
	if stored.Status == "" {
		stored.Status = ivxp.StatusQuoted
	}
	now := s.now()
	stored.CreatedAt = now
	stored.UpdatedAt = now

	s.orders[key] = stored
	return stored.Clone(), nil
}

// Get returns an independent copy of the record, or order_not_found.
func (s *MemoryStore) Get(_ context.Context, orderID string) (*ivxp.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.orders[ivxp.NormalizeOrderID(orderID)]
	if !exists {
		return nil, errNotFound(orderID)
	}
	return stored.Clone(), nil
}

// Update applies a partial update. See the Store contract for the
// optimistic-locking semantics of expectedUpdatedAt.
func (s *MemoryStore) Update(_ context.Context, orderID string, fields Fields, expectedUpdatedAt *time.Time) (*ivxp.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ivxp.NormalizeOrderID(orderID)
	stored, exists := s.orders[key]
	if !exists {
		return nil, errNotFound(orderID)
	}

	if expectedUpdatedAt != nil && !stored.UpdatedAt.Equal(*expectedUpdatedAt) {
		return nil, errConcurrent(orderID, *expectedUpdatedAt, stored.UpdatedAt)
	}

	// Work on a copy so a rejected transition leaves the record untouched.
	next := stored.Clone()
	if err := applyFields(next, fields); err != nil {
		return nil, err
	}
	next.UpdatedAt = nextStamp(s.now, stored.UpdatedAt)

	s.orders[key] = next
	return next.Clone(), nil
}

// List returns copies of every record matching the filter.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]*ivxp.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*ivxp.Order
	for _, stored := range s.orders {
		if filter.Matches(stored) {
			out = append(out, stored.Clone())
		}
	}
	return out, nil
}

// Delete removes a record. Deleting an absent record fails with
// order_not_found.
func (s *MemoryStore) Delete(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ivxp.NormalizeOrderID(orderID)
	if _, exists := s.orders[key]; !exists {
		return errNotFound(orderID)
	}
	delete(s.orders, key)
	return nil
}

var _ Store = (*MemoryStore)(nil)
