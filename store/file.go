package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/ivxp-foundation/ivxp"
)

// FileStore is a Store backed by a single JSON file, for deployments where
// independent processes share order state. A sibling .lock file serializes
// access across processes; writes go to a temp file that is renamed over the
// original so a crash never leaves a half-written registry.
type FileStore struct {
	path string
	lock *flock.Flock
	now  func() time.Time
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithFileClock overrides the timestamp source, for tests.
func WithFileClock(now func() time.Time) FileOption {
	return func(s *FileStore) {
		s.now = now
	}
}

// NewFileStore creates a file-backed order store at path, creating parent
// directories as needed.
func NewFileStore(path string, opts ...FileOption) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	s := &FileStore{
		path: path,
		lock: flock.New(path + ".lock"),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// withLock runs fn with the cross-process lock held, honoring ctx while
// waiting for the lock.
func (s *FileStore) withLock(ctx context.Context, fn func() error) error {
	locked, err := s.lock.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to acquire store lock: %w", err)
	}
	if !locked {
		return errors.New("store lock unavailable")
	}
	defer s.lock.Unlock()
	return fn()
}

// load reads the full registry. A missing file is an empty registry.
func (s *FileStore) load() (map[string]*ivxp.Order, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]*ivxp.Order), nil
		}
		return nil, fmt.Errorf("failed to read order file: %w", err)
	}
	if len(data) == 0 {
		return make(map[string]*ivxp.Order), nil
	}

	orders := make(map[string]*ivxp.Order)
	if err := json.Unmarshal(data, &orders); err != nil {
		return nil, fmt.Errorf("failed to decode order file: %w", err)
	}
	return orders, nil
}

// save replaces the registry atomically: write temp, fsync, rename.
func (s *FileStore) save(orders map[string]*ivxp.Order) error {
	data, err := json.MarshalIndent(orders, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode order file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".orders-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp order file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp order file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp order file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp order file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace order file: %w", err)
	}
	return nil
}

func (s *FileStore) Create(ctx context.Context, order *ivxp.Order) (*ivxp.Order, error) {
	if err := validateNew(order); err != nil {
		return nil, err
	}

	var created *ivxp.Order
	err := s.withLock(ctx, func() error {
		orders, err := s.load()
		if err != nil {
			return err
		}

		key := ivxp.NormalizeOrderID(order.OrderID)
		if _, exists := orders[key]; exists {
			return ivxp.NewProtocolError(ivxp.ErrCodeOrderAlreadyExists,
				fmt.Sprintf("order %s already exists", order.OrderID), nil)
		}

		stored := order.Clone()
		if stored.Status == "" {
			stored.Status = ivxp.StatusQuoted
		}
		now := s.now()
		stored.CreatedAt = now
		stored.UpdatedAt = now

		orders[key] = stored
		if err := s.save(orders); err != nil {
			return err
		}
		created = stored.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *FileStore) Get(ctx context.Context, orderID string) (*ivxp.Order, error) {
	var found *ivxp.Order
	err := s.withLock(ctx, func() error {
		orders, err := s.load()
		if err != nil {
			return err
		}
		stored, exists := orders[ivxp.NormalizeOrderID(orderID)]
		if !exists {
			return errNotFound(orderID)
		}
		found = stored.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (s *FileStore) Update(ctx context.Context, orderID string, fields Fields, expectedUpdatedAt *time.Time) (*ivxp.Order, error) {
	var updated *ivxp.Order
	err := s.withLock(ctx, func() error {
		orders, err := s.load()
		if err != nil {
			return err
		}

		key := ivxp.NormalizeOrderID(orderID)
		stored, exists := orders[key]
		if !exists {
			return errNotFound(orderID)
		}

		if expectedUpdatedAt != nil && !stored.UpdatedAt.Equal(*expectedUpdatedAt) {
			return errConcurrent(orderID, *expectedUpdatedAt, stored.UpdatedAt)
		}

		next := stored.Clone()
		if err := applyFields(next, fields); err != nil {
			return err
		}
		next.UpdatedAt = nextStamp(s.now, stored.UpdatedAt)

		orders[key] = next
		if err := s.save(orders); err != nil {
			return err
		}
		updated = next.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *FileStore) List(ctx context.Context, filter Filter) ([]*ivxp.Order, error) {
	var out []*ivxp.Order
	err := s.withLock(ctx, func() error {
		orders, err := s.load()
		if err != nil {
			return err
		}
		for _, stored := range orders {
			if filter.Matches(stored) {
				out = append(out, stored.Clone())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *FileStore) Delete(ctx context.Context, orderID string) error {
	return s.withLock(ctx, func() error {
		orders, err := s.load()
		if err != nil {
			return err
		}
		key := ivxp.NormalizeOrderID(orderID)
		if _, exists := orders[key]; !exists {
			return errNotFound(orderID)
		}
		delete(orders, key)
		return s.save(orders)
	})
}

var _ Store = (*FileStore)(nil)
