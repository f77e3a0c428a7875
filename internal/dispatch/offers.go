package dispatch

import (
	"context"
	"sort"
	"time"

	"github.com/xiaot623/gogo/dispatcher/internal/domain"
)

// RunOfferTimeoutMonitor treats every offer held past its deadline as a miss.
// It returns when ctx is done.
func (e *Engine) RunOfferTimeoutMonitor(ctx context.Context, interval time.Duration) {
	if e.opts.OfferTimeout <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepExpiredOffers(ctx)
		}
	}
}

func (e *Engine) sweepExpiredOffers(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	var expired []*domain.Agent
	for _, a := range e.agents {
		if a.Status == domain.AgentStatusOffered && a.Offer != nil && a.Offer.Expired(now) {
			expired = append(expired, a)
		}
	}
	if len(expired) == 0 {
		return
	}

	sort.Slice(expired, func(i, j int) bool {
		if !expired[i].Offer.ExpiresAt.Equal(expired[j].Offer.ExpiresAt) {
			return expired[i].Offer.ExpiresAt.Before(expired[j].Offer.ExpiresAt)
		}
		return expired[i].ID < expired[j].ID
	})

	for _, a := range expired {
		// An earlier re-offer in this sweep may have changed the agent.
		if _, ok := e.agents[a.ID]; !ok || a.Status != domain.AgentStatusOffered || a.Offer == nil || !a.Offer.Expired(now) {
			continue
		}
		queueID := a.Offer.QueueID
		e.log.Info().
			Str("conn_id", a.ID).
			Str("queue_id", queueID).
			Dur("timeout", e.opts.OfferTimeout).
			Msg("Offer timed out, treating as missed")
		e.metrics.miss("timeout")
		if err := e.missLocked(ctx, a, queueID, triggerTimeout); err != nil {
			e.log.Warn().Err(err).Str("conn_id", a.ID).Msg("Failed to re-offer timed out call")
		}
	}
	e.updateGaugesLocked()
}
