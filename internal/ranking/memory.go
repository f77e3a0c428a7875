package ranking

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"
)

type memoryEntry struct {
	score   int64
	agentID string
}

func lessEntry(a, b memoryEntry) bool {
	if a.score != b.score {
		return a.score < b.score
	}
	return a.agentID < b.agentID
}

// MemoryStore is an in-process Store backed by a btree ordered on
// (score, agent id) plus an index from agent id to score.
type MemoryStore struct {
	mu     sync.Mutex
	tree   *btree.BTreeG[memoryEntry]
	scores map[string]int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tree:   btree.NewG[memoryEntry](16, lessEntry),
		scores: make(map[string]int64),
	}
}

func (s *MemoryStore) Upsert(_ context.Context, agentID string, idleSince time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(agentID)
	score := toScore(idleSince)
	s.scores[agentID] = score
	s.tree.ReplaceOrInsert(memoryEntry{score: score, agentID: agentID})
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(agentID)
	return nil
}

func (s *MemoryStore) removeLocked(agentID string) {
	score, ok := s.scores[agentID]
	if !ok {
		return
	}
	s.tree.Delete(memoryEntry{score: score, agentID: agentID})
	delete(s.scores, agentID)
}

func (s *MemoryStore) LongestIdle(_ context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	first, ok := s.tree.Min()
	if !ok {
		return "", false, nil
	}
	return first.agentID, true, nil
}

func (s *MemoryStore) PopLongestIdle(_ context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	first, ok := s.tree.DeleteMin()
	if !ok {
		return "", false, nil
	}
	delete(s.scores, first.agentID)
	return first.agentID, true, nil
}

func (s *MemoryStore) ClaimLongestIdle(_ context.Context, prefix string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		found memoryEntry
		ok    bool
	)
	s.tree.Ascend(func(e memoryEntry) bool {
		if strings.HasPrefix(e.agentID, prefix) {
			found, ok = e, true
			return false
		}
		return true
	})
	if !ok {
		return "", false, nil
	}
	s.removeLocked(found.agentID)
	return found.agentID, true, nil
}

func (s *MemoryStore) IdleSince(_ context.Context, agentID string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	score, ok := s.scores[agentID]
	if !ok {
		return time.Time{}, false, nil
	}
	return fromScore(score), true, nil
}

func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.scores), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
