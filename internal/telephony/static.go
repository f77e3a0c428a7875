package telephony

import (
	"context"
	"sync"

	"github.com/xiaot623/gogo/dispatcher/internal/domain"
)

// StaticLister serves a fixed, replaceable snapshot. It backs local runs
// without a telephony account.
type StaticLister struct {
	mu     sync.RWMutex
	queues []domain.QueueSnapshot
}

// NewStaticLister creates a lister returning queues.
func NewStaticLister(queues ...domain.QueueSnapshot) *StaticLister {
	return &StaticLister{queues: queues}
}

// Set replaces the snapshot.
func (l *StaticLister) Set(queues ...domain.QueueSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queues = queues
}

func (l *StaticLister) ListQueues(_ context.Context) ([]domain.QueueSnapshot, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.QueueSnapshot, len(l.queues))
	copy(out, l.queues)
	return out, nil
}
