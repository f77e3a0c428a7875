package telephony

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/xiaot623/gogo/dispatcher/internal/domain"
	"github.com/xiaot623/gogo/dispatcher/internal/logger"
)

func queue(id string, size int, wait time.Duration) domain.QueueSnapshot {
	return domain.QueueSnapshot{QueueID: id, CurrentSize: size, AverageWaitTime: wait}
}

func TestMostBacklogged(t *testing.T) {
	tests := []struct {
		name   string
		queues []domain.QueueSnapshot
		want   string
		found  bool
	}{
		{
			name: "skips empty queues",
			queues: []domain.QueueSnapshot{
				queue("q1", 3, 50), queue("q2", 0, 999), queue("q3", 1, 80),
			},
			want:  "q3",
			found: true,
		},
		{
			name:   "all empty",
			queues: []domain.QueueSnapshot{queue("q1", 0, 10), queue("q2", 0, 20)},
		},
		{
			name: "nil snapshot",
		},
		{
			name: "tie keeps first seen",
			queues: []domain.QueueSnapshot{
				queue("q1", 1, 10), queue("q2", 2, 40), queue("q3", 5, 40),
			},
			want:  "q2",
			found: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := MostBacklogged(tt.queues)
			assert.Equal(t, tt.found, ok)
			if tt.found {
				assert.Equal(t, tt.want, got.QueueID)
			}
		})
	}
}

type blockingLister struct {
	calls   atomic.Int32
	release chan struct{}
	queues  []domain.QueueSnapshot
}

func (l *blockingLister) ListQueues(ctx context.Context) ([]domain.QueueSnapshot, error) {
	l.calls.Add(1)
	select {
	case <-l.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return l.queues, nil
}

func TestActiveQueuesCoalescesConcurrentFetches(t *testing.T) {
	lister := &blockingLister{
		release: make(chan struct{}),
		queues:  []domain.QueueSnapshot{queue("q1", 1, time.Second)},
	}
	insp := NewInspector(lister, nil, time.Second, logger.NewTestLogger())

	var wg sync.WaitGroup
	results := make([][]domain.QueueSnapshot, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q, err := insp.ActiveQueues(context.Background())
			assert.NoError(t, err)
			results[i] = q
		}(i)
	}

	require.Eventually(t, func() bool { return lister.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(lister.release)
	wg.Wait()

	assert.LessOrEqual(t, lister.calls.Load(), int32(5))
	for _, r := range results {
		require.Len(t, r, 1)
		assert.Equal(t, "q1", r[0].QueueID)
	}
}

type failingLister struct{ err error }

func (l failingLister) ListQueues(context.Context) ([]domain.QueueSnapshot, error) {
	return nil, l.err
}

func TestActiveQueuesWrapsTransportErrors(t *testing.T) {
	boom := errors.New("connection refused")
	insp := NewInspector(failingLister{err: boom}, nil, time.Second, logger.NewTestLogger())

	_, err := insp.ActiveQueues(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	_, ok, err := insp.Backlogged(context.Background())
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestActiveQueuesHonoursTimeout(t *testing.T) {
	lister := &blockingLister{release: make(chan struct{})}
	insp := NewInspector(lister, nil, 10*time.Millisecond, logger.NewTestLogger())

	_, err := insp.ActiveQueues(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestActiveQueuesCancelledCallerDoesNotFailOthers(t *testing.T) {
	lister := &blockingLister{
		release: make(chan struct{}),
		queues:  []domain.QueueSnapshot{queue("q1", 1, time.Second)},
	}
	insp := NewInspector(lister, nil, time.Second, logger.NewTestLogger())

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := insp.ActiveQueues(firstCtx)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return lister.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	type result struct {
		queues []domain.QueueSnapshot
		err    error
	}
	second := make(chan result, 1)
	go func() {
		q, err := insp.ActiveQueues(context.Background())
		second <- result{q, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatalf("cancelled caller did not return")
	}

	close(lister.release)
	select {
	case r := <-second:
		require.NoError(t, r.err)
		require.Len(t, r.queues, 1)
		assert.Equal(t, "q1", r.queues[0].QueueID)
	case <-time.After(time.Second):
		t.Fatalf("second caller did not return")
	}
	assert.Equal(t, int32(1), lister.calls.Load())
}

type denyPolicy struct{ deny map[string]bool }

func (p denyPolicy) Eligible(_ context.Context, q domain.QueueSnapshot) (bool, error) {
	return !p.deny[q.QueueID], nil
}

func TestBackloggedAppliesPolicy(t *testing.T) {
	lister := NewStaticLister(queue("q1", 3, 50), queue("q2", 0, 999), queue("q3", 1, 80))

	insp := NewInspector(lister, nil, time.Second, logger.NewTestLogger())
	got, ok, err := insp.Backlogged(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "q3", got.QueueID)

	insp = NewInspector(lister, denyPolicy{deny: map[string]bool{"q3": true}}, time.Second, logger.NewTestLogger())
	got, ok, err = insp.Backlogged(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "q1", got.QueueID)
}

func TestStaticListerReturnsCopy(t *testing.T) {
	lister := NewStaticLister(queue("q1", 1, 1))
	got, err := lister.ListQueues(context.Background())
	require.NoError(t, err)
	got[0].QueueID = "mutated"

	again, _ := lister.ListQueues(context.Background())
	assert.Equal(t, "q1", again[0].QueueID)

	lister.Set()
	again, _ = lister.ListQueues(context.Background())
	assert.Empty(t, again)
}

func TestConvertTwilioQueues(t *testing.T) {
	sid, name := "QU123", "support"
	size, wait := 4, 37
	negative := -1

	got := convertTwilioQueues([]api.ApiV2010Queue{
		{Sid: &sid, FriendlyName: &name, CurrentSize: &size, AverageWaitTime: &wait},
		{CurrentSize: &negative},
	})

	require.Len(t, got, 2)
	assert.Equal(t, domain.QueueSnapshot{
		QueueID:         "QU123",
		FriendlyName:    "support",
		CurrentSize:     4,
		AverageWaitTime: 37 * time.Second,
	}, got[0])
	assert.Equal(t, domain.QueueSnapshot{}, got[1])
}

func TestNewTwilioListerRequiresCredentials(t *testing.T) {
	_, err := NewTwilioLister("", "token")
	assert.ErrorIs(t, err, ErrNoCredentials)
}
