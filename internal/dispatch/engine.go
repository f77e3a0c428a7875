// Package dispatch matches queued calls to the longest-idle agent and owns the
// agent lifecycle: Unregistered -> Ready <-> Offered -> Unregistered.
//
// Every offer claims its agent: the agent leaves the ranked store when it is
// offered a call and returns with a fresh idle-since timestamp when it misses
// the offer or the offer expires. Claim and offer happen under one mutex, so
// two calls can never be offered to the same agent.
//
// Several engines may share one store. Each one writes its members as
// "<instance id>:<connection id>" and only ever claims members under its own
// prefix, so agents connected to another instance are never touched.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/dispatcher/internal/domain"
	"github.com/xiaot623/gogo/dispatcher/internal/protocol"
	"github.com/xiaot623/gogo/dispatcher/internal/ranking"
)

// Emitter pushes named events to a single connection.
type Emitter interface {
	EmitTo(connID, event string, payload interface{}) error
}

// QueueSource finds the most backlogged queue.
type QueueSource interface {
	Backlogged(ctx context.Context) (domain.QueueSnapshot, bool, error)
}

// Offer triggers, used as metric labels.
const (
	triggerRegistered = "registered"
	triggerEnqueued   = "enqueued"
	triggerMissed     = "missed"
	triggerTimeout    = "timeout"
)

// Options tunes the engine.
type Options struct {
	// OfferTimeout bounds how long an agent may hold an offer. Zero disables expiry.
	OfferTimeout time.Duration
	// StoreTimeout bounds each ranked store call. Zero means no extra deadline.
	StoreTimeout time.Duration
	// InstanceID namespaces this engine's members in a shared store. Empty
	// means the engine owns every member.
	InstanceID string
	// Now overrides the clock.
	Now     func() time.Time
	Metrics *Metrics
}

// Engine is the dispatch engine.
type Engine struct {
	store   ranking.Store
	queues  QueueSource
	emitter Emitter
	opts    Options
	prefix  string
	now     func() time.Time
	metrics *Metrics
	log     zerolog.Logger

	mu     sync.Mutex
	agents map[string]*domain.Agent
}

// NewEngine wires the engine to its collaborators.
func NewEngine(store ranking.Store, queues QueueSource, emitter Emitter, opts Options, log zerolog.Logger) *Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	prefix := ""
	if opts.InstanceID != "" {
		prefix = opts.InstanceID + ":"
	}
	return &Engine{
		store:   store,
		queues:  queues,
		emitter: emitter,
		opts:    opts,
		prefix:  prefix,
		now:     now,
		metrics: opts.Metrics,
		log:     log,
		agents:  make(map[string]*domain.Agent),
	}
}

// Handle routes an inbound event to its handler.
func (e *Engine) Handle(ctx context.Context, ev domain.Event) error {
	switch ev.Type {
	case domain.EventTypeRegister:
		return e.AgentRegistered(ctx, ev.ConnID, ev.AgentID)
	case domain.EventTypeDeregister:
		return e.AgentDeregistered(ctx, ev.ConnID)
	case domain.EventTypeCallEnqueued:
		_, _, err := e.CallEnqueued(ctx, ev.QueueID)
		return err
	case domain.EventTypeCallMissed:
		return e.CallMissed(ctx, ev.ConnID, ev.QueueID)
	case domain.EventTypeDisconnect:
		return e.AgentDisconnected(ctx, ev.ConnID)
	default:
		return fmt.Errorf("unknown event type %q", ev.Type)
	}
}

// AgentRegistered puts the agent in the idle ranking, acknowledges with
// ready, and offers the most backlogged queue if one has waiting calls.
func (e *Engine) AgentRegistered(ctx context.Context, connID, externalID string) error {
	log := e.log.With().Str("conn_id", connID).Str("agent_id", externalID).Logger()
	now := e.now()

	e.mu.Lock()
	if err := e.upsert(ctx, connID, now); err != nil {
		delete(e.agents, connID)
		e.updateGaugesLocked()
		e.mu.Unlock()

		e.metrics.failure("register")
		log.Error().Err(err).Msg("Failed to save agent in ranked store")
		if emitErr := e.emitter.EmitTo(connID, protocol.TypeError, protocol.ErrorPayload{
			Code:    protocol.ErrorCodeRegisterFailed,
			Message: "agent could not be registered, try again",
		}); emitErr != nil {
			log.Warn().Err(emitErr).Msg("Failed to send register error")
		}
		return err
	}
	e.agents[connID] = &domain.Agent{
		ID:         connID,
		ExternalID: externalID,
		Status:     domain.AgentStatusReady,
		IdleSince:  now,
	}
	e.updateGaugesLocked()
	// ready goes out before the lock is released so no offer can overtake it.
	if err := e.emitter.EmitTo(connID, protocol.TypeReady, nil); err != nil {
		log.Warn().Err(err).Msg("Failed to send ready")
	}
	e.mu.Unlock()

	log.Info().Int64("idle_since", now.UnixMilli()).Msg("Agent registered")

	q, ok, err := e.queues.Backlogged(ctx)
	if err != nil {
		e.metrics.failure("queues")
		log.Warn().Err(err).Msg("Failed to inspect queues, agent stays ready")
		return nil
	}
	if !ok || q.AverageWaitTime <= 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	agent, ok := e.agents[connID]
	if !ok || agent.Status != domain.AgentStatusReady {
		// Claimed by a concurrent call or gone while the queues were fetched.
		return nil
	}
	if err := e.remove(ctx, connID); err != nil {
		e.metrics.failure("claim")
		log.Warn().Err(err).Msg("Failed to claim agent for backlogged queue")
		return nil
	}
	e.offerLocked(agent, q.Address(), triggerRegistered)
	e.updateGaugesLocked()
	return nil
}

// CallEnqueued offers queueID to the longest-idle agent. It reports the
// agent that received the offer, if any.
func (e *Engine) CallEnqueued(ctx context.Context, queueID string) (string, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	agentID, ok, err := e.dispatchLocked(ctx, queueID, triggerEnqueued)
	e.updateGaugesLocked()
	return agentID, ok, err
}

// CallMissed re-ranks an agent that let an offer go and re-offers the queue
// to the new longest-idle agent. Misses from agents without an offer are ignored.
func (e *Engine) CallMissed(ctx context.Context, connID, queueID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	agent, ok := e.agents[connID]
	if !ok || agent.Status != domain.AgentStatusOffered {
		e.log.Debug().Str("conn_id", connID).Str("queue_id", queueID).Msg("Ignoring miss from agent without offer")
		return nil
	}

	e.metrics.miss("declined")
	err := e.missLocked(ctx, agent, queueID, triggerMissed)
	e.updateGaugesLocked()
	return err
}

// AgentDeregistered takes the agent out of rotation.
func (e *Engine) AgentDeregistered(ctx context.Context, connID string) error {
	return e.forget(ctx, connID, "deregistered")
}

// AgentDisconnected drops an agent whose transport went away.
func (e *Engine) AgentDisconnected(ctx context.Context, connID string) error {
	return e.forget(ctx, connID, "disconnected")
}

func (e *Engine) forget(ctx context.Context, connID, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	log := e.log.With().Str("conn_id", connID).Logger()
	if agent, ok := e.agents[connID]; ok && agent.Offer != nil {
		log.Info().Str("queue_id", agent.Offer.QueueID).Msg("Dropping pending offer")
	}
	delete(e.agents, connID)
	e.updateGaugesLocked()

	if err := e.remove(ctx, connID); err != nil {
		e.metrics.failure("remove")
		log.Warn().Err(err).Msg("Failed to remove agent from ranked store")
		return err
	}
	log.Info().Msg("Agent " + reason)
	return nil
}

// Agents returns a snapshot of every known agent ordered by id.
func (e *Engine) Agents() []domain.Agent {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]domain.Agent, 0, len(e.agents))
	for _, a := range e.agents {
		cp := *a
		if a.Offer != nil {
			offer := *a.Offer
			cp.Offer = &offer
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// dispatchLocked claims this instance's longest-idle agent and offers it
// queueID. Members under our prefix without a live local agent are left over
// from an earlier run; they are discarded and the next one is tried.
func (e *Engine) dispatchLocked(ctx context.Context, queueID, trigger string) (string, bool, error) {
	for {
		agentID, ok, err := e.claimLongestIdle(ctx)
		if err != nil {
			e.metrics.failure("claim")
			e.log.Warn().Err(err).Str("queue_id", queueID).Msg("Failed to claim longest idle agent")
			return "", false, err
		}
		if !ok {
			e.log.Info().Str("queue_id", queueID).Msg("No idle agent for queue")
			return "", false, nil
		}

		agent, known := e.agents[agentID]
		if !known || agent.Status != domain.AgentStatusReady {
			e.log.Warn().Str("conn_id", agentID).Msg("Discarding stale ranked store entry")
			continue
		}
		if e.offerLocked(agent, queueID, trigger) {
			return agentID, true, nil
		}
	}
}

// offerLocked emits call-to-queue to an agent already removed from the
// store. An agent whose connection is gone is forgotten.
func (e *Engine) offerLocked(agent *domain.Agent, queueID, trigger string) bool {
	now := e.now()
	offer := &domain.Offer{AgentID: agent.ID, QueueID: queueID, OfferedAt: now}
	if e.opts.OfferTimeout > 0 {
		offer.ExpiresAt = now.Add(e.opts.OfferTimeout)
	}

	log := e.log.With().Str("conn_id", agent.ID).Str("queue_id", queueID).Str("trigger", trigger).Logger()
	if err := e.emitter.EmitTo(agent.ID, protocol.TypeCallToQueue, protocol.CallToQueuePayload{QueueID: queueID}); err != nil {
		e.metrics.failure("emit")
		log.Warn().Err(err).Msg("Failed to deliver offer, dropping agent")
		delete(e.agents, agent.ID)
		return false
	}

	agent.Status = domain.AgentStatusOffered
	agent.Offer = offer
	e.metrics.offer(trigger)
	log.Info().Msg("Offered call to agent")
	return true
}

// missLocked puts the agent back in the ranking with a fresh timestamp and
// re-offers queueID.
func (e *Engine) missLocked(ctx context.Context, agent *domain.Agent, queueID, trigger string) error {
	now := e.now()
	agent.Offer = nil

	if err := e.upsert(ctx, agent.ID, now); err != nil {
		e.metrics.failure("rerank")
		e.log.Error().Err(err).Str("conn_id", agent.ID).Msg("Failed to re-rank agent, dropping it")
		delete(e.agents, agent.ID)
		_, _, dispatchErr := e.dispatchLocked(ctx, queueID, trigger)
		if dispatchErr != nil {
			return dispatchErr
		}
		return err
	}
	agent.Status = domain.AgentStatusReady
	agent.IdleSince = now
	e.log.Info().Str("conn_id", agent.ID).Int64("idle_since", now.UnixMilli()).Msg("Re-ranked agent after miss")

	_, _, err := e.dispatchLocked(ctx, queueID, trigger)
	return err
}

func (e *Engine) updateGaugesLocked() {
	counts := make(map[domain.AgentStatus]int)
	for _, a := range e.agents {
		counts[a.Status]++
	}
	e.metrics.setAgents(counts)
}

func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opts.StoreTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.opts.StoreTimeout)
}

func (e *Engine) member(connID string) string {
	return e.prefix + connID
}

func (e *Engine) upsert(ctx context.Context, agentID string, idleSince time.Time) error {
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	return e.store.Upsert(ctx, e.member(agentID), idleSince)
}

func (e *Engine) remove(ctx context.Context, agentID string) error {
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	return e.store.Remove(ctx, e.member(agentID))
}

func (e *Engine) claimLongestIdle(ctx context.Context) (string, bool, error) {
	ctx, cancel := e.storeCtx(ctx)
	defer cancel()
	member, ok, err := e.store.ClaimLongestIdle(ctx, e.prefix)
	if err != nil || !ok {
		return "", ok, err
	}
	return strings.TrimPrefix(member, e.prefix), true, nil
}
