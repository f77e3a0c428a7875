// Package telephony inspects call queues on the telephony service and picks
// the queue an agent should serve next.
package telephony

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/xiaot623/gogo/dispatcher/internal/domain"
)

// Lister fetches every queue from the telephony service.
type Lister interface {
	ListQueues(ctx context.Context) ([]domain.QueueSnapshot, error)
}

// QueuePolicy decides whether a queue may be offered at all.
type QueuePolicy interface {
	Eligible(ctx context.Context, q domain.QueueSnapshot) (bool, error)
}

// Inspector wraps a Lister with request coalescing and backlog selection.
type Inspector struct {
	lister  Lister
	policy  QueuePolicy
	timeout time.Duration
	group   singleflight.Group
	log     zerolog.Logger
}

// NewInspector creates an Inspector. policy may be nil.
func NewInspector(lister Lister, policy QueuePolicy, timeout time.Duration, log zerolog.Logger) *Inspector {
	return &Inspector{
		lister:  lister,
		policy:  policy,
		timeout: timeout,
		log:     log,
	}
}

// ActiveQueues returns the current queue snapshot. Concurrent callers share
// one in-flight request to the telephony service.
func (i *Inspector) ActiveQueues(ctx context.Context) ([]domain.QueueSnapshot, error) {
	ch := i.group.DoChan("queues", func() (interface{}, error) {
		// The fetch is shared, so it must outlive any single caller.
		fetchCtx := context.WithoutCancel(ctx)
		if i.timeout > 0 {
			var cancel context.CancelFunc
			fetchCtx, cancel = context.WithTimeout(fetchCtx, i.timeout)
			defer cancel()
		}
		return i.lister.ListQueues(fetchCtx)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to list queues: %w", ctx.Err())
	}
	v, err, shared := res.Val, res.Err, res.Shared
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}

	queues := v.([]domain.QueueSnapshot)
	i.log.Debug().Int("queues", len(queues)).Bool("shared", shared).Msg("Fetched queue snapshot")
	if !shared {
		return queues, nil
	}
	out := make([]domain.QueueSnapshot, len(queues))
	copy(out, queues)
	return out, nil
}

// Backlogged fetches the snapshot and returns the most backlogged queue that
// passes the queue policy.
func (i *Inspector) Backlogged(ctx context.Context) (domain.QueueSnapshot, bool, error) {
	queues, err := i.ActiveQueues(ctx)
	if err != nil {
		return domain.QueueSnapshot{}, false, err
	}

	if i.policy != nil {
		eligible := queues[:0]
		for _, q := range queues {
			ok, err := i.policy.Eligible(ctx, q)
			if err != nil {
				return domain.QueueSnapshot{}, false, err
			}
			if ok {
				eligible = append(eligible, q)
			}
		}
		queues = eligible
	}

	q, ok := MostBacklogged(queues)
	if ok {
		i.log.Debug().
			Str("queue_id", q.QueueID).
			Str("friendly_name", q.FriendlyName).
			Int("current_size", q.CurrentSize).
			Dur("average_wait", q.AverageWaitTime).
			Msg("Found queue with max wait time")
	}
	return q, ok, nil
}

// MostBacklogged ignores empty queues and returns the one with the largest
// average wait time. Ties go to the queue seen first.
func MostBacklogged(queues []domain.QueueSnapshot) (domain.QueueSnapshot, bool) {
	var (
		best  domain.QueueSnapshot
		found bool
	)
	for _, q := range queues {
		if q.CurrentSize <= 0 {
			continue
		}
		if !found || q.AverageWaitTime > best.AverageWaitTime {
			best = q
			found = true
		}
	}
	return best, found
}
