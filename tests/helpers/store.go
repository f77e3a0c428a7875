package helpers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xiaot623/gogo/dispatcher/internal/ranking"
)

// ErrStoreDown is returned by FlakyStore while failing.
var ErrStoreDown = errors.New("store unavailable")

// FlakyStore wraps a ranking.Store and fails every call while Down is set.
type FlakyStore struct {
	ranking.Store
	mu   sync.Mutex
	down bool
}

func NewFlakyStore(inner ranking.Store) *FlakyStore {
	return &FlakyStore{Store: inner}
}

func (s *FlakyStore) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

func (s *FlakyStore) failing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.down
}

func (s *FlakyStore) Upsert(ctx context.Context, agentID string, idleSince time.Time) error {
	if s.failing() {
		return ErrStoreDown
	}
	return s.Store.Upsert(ctx, agentID, idleSince)
}

func (s *FlakyStore) Remove(ctx context.Context, agentID string) error {
	if s.failing() {
		return ErrStoreDown
	}
	return s.Store.Remove(ctx, agentID)
}

func (s *FlakyStore) LongestIdle(ctx context.Context) (string, bool, error) {
	if s.failing() {
		return "", false, ErrStoreDown
	}
	return s.Store.LongestIdle(ctx)
}

func (s *FlakyStore) PopLongestIdle(ctx context.Context) (string, bool, error) {
	if s.failing() {
		return "", false, ErrStoreDown
	}
	return s.Store.PopLongestIdle(ctx)
}

func (s *FlakyStore) ClaimLongestIdle(ctx context.Context, prefix string) (string, bool, error) {
	if s.failing() {
		return "", false, ErrStoreDown
	}
	return s.Store.ClaimLongestIdle(ctx, prefix)
}

// NewTestSQLiteStore opens an in-memory sqlite ranked store closed at test end.
func NewTestSQLiteStore(t *testing.T) *ranking.SQLiteStore {
	t.Helper()

	s, err := ranking.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}
