package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/dispatcher/internal/domain"
	"github.com/xiaot623/gogo/dispatcher/internal/logger"
	"github.com/xiaot623/gogo/dispatcher/internal/protocol"
	"github.com/xiaot623/gogo/dispatcher/internal/ranking"
	"github.com/xiaot623/gogo/dispatcher/tests/helpers"
)

type fixture struct {
	engine  *Engine
	store   *helpers.FlakyStore
	emitter *helpers.RecordingEmitter
	queues  *helpers.QueueStub
	clock   *helpers.Clock
	metrics *Metrics
}

func newFixture(t *testing.T, offerTimeout time.Duration) *fixture {
	t.Helper()

	f := &fixture{
		store:   helpers.NewFlakyStore(ranking.NewMemoryStore()),
		emitter: helpers.NewRecordingEmitter(),
		queues:  &helpers.QueueStub{},
		clock:   helpers.NewClock(0),
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	f.engine = NewEngine(f.store, f.queues, f.emitter, Options{
		OfferTimeout: offerTimeout,
		StoreTimeout: time.Second,
		Now:          f.clock.Now,
		Metrics:      f.metrics,
	}, logger.NewTestLogger())
	return f
}

func (f *fixture) register(t *testing.T, connID string, atMillis int64) {
	t.Helper()
	f.clock.SetMillis(atMillis)
	if err := f.engine.AgentRegistered(context.Background(), connID, "ext-"+connID); err != nil {
		t.Fatalf("AgentRegistered(%s): %v", connID, err)
	}
}

func (f *fixture) agent(t *testing.T, connID string) domain.Agent {
	t.Helper()
	for _, a := range f.engine.Agents() {
		if a.ID == connID {
			return a
		}
	}
	t.Fatalf("agent %s not found", connID)
	return domain.Agent{}
}

func TestRegisterEmitsReady(t *testing.T) {
	f := newFixture(t, 0)
	f.register(t, "a1", 100)

	ems := f.emitter.Emissions()
	require.Len(t, ems, 1)
	assert.Equal(t, helpers.Emission{ConnID: "a1", Event: protocol.TypeReady}, ems[0])

	a := f.agent(t, "a1")
	assert.Equal(t, domain.AgentStatusReady, a.Status)
	assert.Equal(t, "ext-a1", a.ExternalID)

	ts, ok, err := f.store.IdleSince(context.Background(), "a1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(100), ts.UnixMilli())
}

func TestRegisterOffersBackloggedQueue(t *testing.T) {
	f := newFixture(t, 0)
	f.queues.Queue = domain.QueueSnapshot{QueueID: "QU1", FriendlyName: "support", CurrentSize: 2, AverageWaitTime: 30 * time.Second}
	f.queues.Found = true

	f.register(t, "a1", 100)

	ems := f.emitter.Emissions()
	require.Len(t, ems, 2)
	assert.Equal(t, protocol.TypeReady, ems[0].Event)
	assert.Equal(t, helpers.Emission{ConnID: "a1", Event: protocol.TypeCallToQueue, QueueID: "support"}, ems[1])

	a := f.agent(t, "a1")
	assert.Equal(t, domain.AgentStatusOffered, a.Status)
	require.NotNil(t, a.Offer)
	assert.Equal(t, "support", a.Offer.QueueID)

	n, err := f.store.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "offered agent must leave the ranked store")
}

func TestRegisterSkipsQueueWithoutWait(t *testing.T) {
	f := newFixture(t, 0)
	f.queues.Queue = domain.QueueSnapshot{QueueID: "QU1", CurrentSize: 1}
	f.queues.Found = true

	f.register(t, "a1", 100)

	assert.Empty(t, f.emitter.Offers())
	assert.Equal(t, domain.AgentStatusReady, f.agent(t, "a1").Status)
}

func TestRegisterTelephonyErrorKeepsAgentReady(t *testing.T) {
	f := newFixture(t, 0)
	f.queues.Err = fmt.Errorf("twilio down")

	f.register(t, "a1", 100)

	ems := f.emitter.Emissions()
	require.Len(t, ems, 1)
	assert.Equal(t, protocol.TypeReady, ems[0].Event)
	assert.Equal(t, domain.AgentStatusReady, f.agent(t, "a1").Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.failuresTotal.WithLabelValues("queues")))
}

func TestRegisterStoreFailure(t *testing.T) {
	f := newFixture(t, 0)
	f.store.SetDown(true)

	err := f.engine.AgentRegistered(context.Background(), "a1", "")
	require.ErrorIs(t, err, helpers.ErrStoreDown)

	ems := f.emitter.Emissions()
	require.Len(t, ems, 1)
	assert.Equal(t, protocol.TypeError, ems[0].Event)
	assert.Empty(t, f.engine.Agents())
	assert.Equal(t, 0, f.queues.Calls)
}

func TestCallEnqueuedWithoutAgents(t *testing.T) {
	f := newFixture(t, 0)

	agentID, ok, err := f.engine.CallEnqueued(context.Background(), "Q1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, agentID)
	assert.Empty(t, f.emitter.Emissions())
}

func TestCallEnqueuedOffersLongestIdleFirst(t *testing.T) {
	f := newFixture(t, 0)
	f.register(t, "B", 200)
	f.register(t, "A", 100)
	ctx := context.Background()

	agentID, ok, err := f.engine.CallEnqueued(ctx, "Q1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A", agentID)

	agentID, ok, err = f.engine.CallEnqueued(ctx, "Q2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "B", agentID)

	_, ok, err = f.engine.CallEnqueued(ctx, "Q3")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, []helpers.Emission{
		{ConnID: "A", Event: protocol.TypeCallToQueue, QueueID: "Q1"},
		{ConnID: "B", Event: protocol.TypeCallToQueue, QueueID: "Q2"},
	}, f.emitter.Offers())
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.offersTotal.WithLabelValues(triggerEnqueued)))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.agents.WithLabelValues(string(domain.AgentStatusOffered))))
}

func TestCallEnqueuedTieBreaksOnAgentID(t *testing.T) {
	f := newFixture(t, 0)
	f.register(t, "zeta", 100)
	f.register(t, "alpha", 100)

	agentID, ok, err := f.engine.CallEnqueued(context.Background(), "Q1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alpha", agentID)
}

func TestCallMissedReranksAndReoffers(t *testing.T) {
	f := newFixture(t, 0)
	f.register(t, "A", 100)
	f.register(t, "B", 200)
	ctx := context.Background()

	_, _, err := f.engine.CallEnqueued(ctx, "Q1")
	require.NoError(t, err)

	f.clock.SetMillis(300)
	require.NoError(t, f.engine.CallMissed(ctx, "A", "Q1"))

	assert.Equal(t, []helpers.Emission{
		{ConnID: "A", Event: protocol.TypeCallToQueue, QueueID: "Q1"},
		{ConnID: "B", Event: protocol.TypeCallToQueue, QueueID: "Q1"},
	}, f.emitter.Offers())

	ts, ok, err := f.store.IdleSince(ctx, "A")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(300), ts.UnixMilli())

	a := f.agent(t, "A")
	assert.Equal(t, domain.AgentStatusReady, a.Status)
	assert.Nil(t, a.Offer)
	assert.Equal(t, domain.AgentStatusOffered, f.agent(t, "B").Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.missesTotal.WithLabelValues("declined")))
}

func TestCallMissedSoleAgentIsOfferedAgain(t *testing.T) {
	f := newFixture(t, 0)
	f.register(t, "A", 100)
	ctx := context.Background()

	_, _, err := f.engine.CallEnqueued(ctx, "Q1")
	require.NoError(t, err)

	f.clock.SetMillis(300)
	require.NoError(t, f.engine.CallMissed(ctx, "A", "Q1"))

	offers := f.emitter.Offers()
	require.Len(t, offers, 2)
	assert.Equal(t, "A", offers[1].ConnID)
	assert.Equal(t, domain.AgentStatusOffered, f.agent(t, "A").Status)
}

func TestCallMissedIgnoredWithoutOffer(t *testing.T) {
	f := newFixture(t, 0)
	f.register(t, "A", 100)
	ctx := context.Background()

	require.NoError(t, f.engine.CallMissed(ctx, "A", "Q1"))
	require.NoError(t, f.engine.CallMissed(ctx, "ghost", "Q1"))

	assert.Empty(t, f.emitter.Offers())
	ts, ok, err := f.store.IdleSince(ctx, "A")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(100), ts.UnixMilli())
}

func TestCallMissedStoreFailureDropsAgent(t *testing.T) {
	f := newFixture(t, 0)
	f.register(t, "A", 100)
	ctx := context.Background()

	_, _, err := f.engine.CallEnqueued(ctx, "Q1")
	require.NoError(t, err)

	f.store.SetDown(true)
	err = f.engine.CallMissed(ctx, "A", "Q1")
	require.Error(t, err)
	assert.Empty(t, f.engine.Agents())
}

func TestDeregisterRemovesAgent(t *testing.T) {
	f := newFixture(t, 0)
	f.register(t, "A", 100)
	ctx := context.Background()

	require.NoError(t, f.engine.AgentDeregistered(ctx, "A"))
	require.NoError(t, f.engine.AgentDeregistered(ctx, "A"))

	n, err := f.store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, f.engine.Agents())

	_, ok, err := f.engine.CallEnqueued(ctx, "Q1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDisconnectDropsPendingOffer(t *testing.T) {
	f := newFixture(t, 0)
	f.register(t, "A", 100)
	ctx := context.Background()

	_, _, err := f.engine.CallEnqueued(ctx, "Q1")
	require.NoError(t, err)
	require.NoError(t, f.engine.AgentDisconnected(ctx, "A"))
	assert.Empty(t, f.engine.Agents())

	require.NoError(t, f.engine.CallMissed(ctx, "A", "Q1"))
	assert.Len(t, f.emitter.Offers(), 1)
}

func TestOfferSkipsUnreachableAgent(t *testing.T) {
	f := newFixture(t, 0)
	f.register(t, "A", 100)
	f.register(t, "B", 200)
	f.emitter.MarkGone("A")

	agentID, ok, err := f.engine.CallEnqueued(context.Background(), "Q1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "B", agentID)

	agents := f.engine.Agents()
	require.Len(t, agents, 1)
	assert.Equal(t, "B", agents[0].ID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.failuresTotal.WithLabelValues("emit")))
}

func TestStaleStoreEntryIsDiscarded(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	require.NoError(t, f.store.Upsert(ctx, "ghost", time.UnixMilli(50)))
	f.register(t, "A", 100)

	agentID, ok, err := f.engine.CallEnqueued(ctx, "Q1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A", agentID)

	n, err := f.store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCallEnqueuedStoreFailure(t *testing.T) {
	f := newFixture(t, 0)
	f.register(t, "A", 100)
	f.store.SetDown(true)

	_, ok, err := f.engine.CallEnqueued(context.Background(), "Q1")
	require.ErrorIs(t, err, helpers.ErrStoreDown)
	assert.False(t, ok)
	assert.Equal(t, domain.AgentStatusReady, f.agent(t, "A").Status)
}

func TestConcurrentEnqueuesClaimDistinctAgents(t *testing.T) {
	f := newFixture(t, 0)
	const n = 20
	for i := 0; i < n; i++ {
		f.register(t, fmt.Sprintf("agent-%02d", i), int64(100+i))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = make(map[string]int)
	)
	for i := 0; i < n+5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agentID, ok, err := f.engine.CallEnqueued(context.Background(), fmt.Sprintf("Q%d", i))
			if err != nil || !ok {
				return
			}
			mu.Lock()
			claimed[agentID]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Len(t, claimed, n)
	for id, count := range claimed {
		assert.Equal(t, 1, count, "agent %s offered more than once", id)
	}
}

func TestHandleRoutesEvents(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	f.clock.SetMillis(100)
	require.NoError(t, f.engine.Handle(ctx, domain.Event{Type: domain.EventTypeRegister, ConnID: "A", AgentID: "alice"}))
	require.NoError(t, f.engine.Handle(ctx, domain.Event{Type: domain.EventTypeCallEnqueued, QueueID: "Q1"}))
	assert.Equal(t, domain.AgentStatusOffered, f.agent(t, "A").Status)

	f.clock.SetMillis(200)
	require.NoError(t, f.engine.Handle(ctx, domain.Event{Type: domain.EventTypeCallMissed, ConnID: "A", QueueID: "Q1"}))
	assert.Len(t, f.emitter.Offers(), 2)

	require.NoError(t, f.engine.Handle(ctx, domain.Event{Type: domain.EventTypeDisconnect, ConnID: "A"}))
	assert.Empty(t, f.engine.Agents())

	err := f.engine.Handle(ctx, domain.Event{Type: "bogus"})
	require.Error(t, err)
}

func TestRegisterErrorPayload(t *testing.T) {
	f := newFixture(t, 0)
	f.store.SetDown(true)

	var got interface{}
	emitter := &capturingEmitter{onEmit: func(_, event string, payload interface{}) {
		if event == protocol.TypeError {
			got = payload
		}
	}}
	f.engine.emitter = emitter
	_ = f.engine.AgentRegistered(context.Background(), "a1", "")

	p, ok := got.(protocol.ErrorPayload)
	require.True(t, ok)
	assert.Equal(t, protocol.ErrorCodeRegisterFailed, p.Code)
}

type capturingEmitter struct {
	onEmit func(connID, event string, payload interface{})
}

func (c *capturingEmitter) EmitTo(connID, event string, payload interface{}) error {
	c.onEmit(connID, event, payload)
	return nil
}

func TestReadyPrecedesOfferFromConcurrentCall(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	enqueued := make(chan struct{})
	var once sync.Once
	f.emitter.OnEmit = func(_, event string) {
		if event != protocol.TypeReady {
			return
		}
		once.Do(func() {
			go func() {
				defer close(enqueued)
				_, _, _ = f.engine.CallEnqueued(ctx, "Q1")
			}()
			// Give the call a chance to overtake ready.
			select {
			case <-enqueued:
			case <-time.After(50 * time.Millisecond):
			}
		})
	}

	f.register(t, "a1", 100)

	select {
	case <-enqueued:
	case <-time.After(2 * time.Second):
		t.Fatalf("concurrent call never completed")
	}

	assert.Equal(t, []helpers.Emission{
		{ConnID: "a1", Event: protocol.TypeReady},
		{ConnID: "a1", Event: protocol.TypeCallToQueue, QueueID: "Q1"},
	}, f.emitter.Emissions())
}

func TestEnginesSharingStoreOnlyClaimOwnAgents(t *testing.T) {
	shared := ranking.NewMemoryStore()
	clock := helpers.NewClock(100)
	emitterA := helpers.NewRecordingEmitter()
	emitterB := helpers.NewRecordingEmitter()
	engineA := NewEngine(shared, &helpers.QueueStub{}, emitterA, Options{InstanceID: "replica-a", Now: clock.Now}, logger.NewTestLogger())
	engineB := NewEngine(shared, &helpers.QueueStub{}, emitterB, Options{InstanceID: "replica-b", Now: clock.Now}, logger.NewTestLogger())
	ctx := context.Background()

	require.NoError(t, engineB.AgentRegistered(ctx, "agentOnB", ""))

	agentID, ok, err := engineA.CallEnqueued(ctx, "Q1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, agentID)

	n, err := shared.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "other instance's agent must stay ranked")

	_, ok, err = shared.IdleSince(ctx, "replica-b:agentOnB")
	require.NoError(t, err)
	assert.True(t, ok)

	agentID, ok, err = engineB.CallEnqueued(ctx, "Q1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "agentOnB", agentID)
	assert.Len(t, emitterB.Offers(), 1)
	assert.Empty(t, emitterA.Offers())
}

func TestLeftoverOwnMemberIsDiscarded(t *testing.T) {
	shared := ranking.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, shared.Upsert(ctx, "replica-a:gone", time.UnixMilli(10)))
	require.NoError(t, shared.Upsert(ctx, "replica-b:peer", time.UnixMilli(20)))

	clock := helpers.NewClock(100)
	emitter := helpers.NewRecordingEmitter()
	engine := NewEngine(shared, &helpers.QueueStub{}, emitter, Options{InstanceID: "replica-a", Now: clock.Now}, logger.NewTestLogger())
	require.NoError(t, engine.AgentRegistered(ctx, "live", ""))

	agentID, ok, err := engine.CallEnqueued(ctx, "Q1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "live", agentID)

	_, ok, err = shared.IdleSince(ctx, "replica-b:peer")
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = shared.IdleSince(ctx, "replica-a:gone")
	require.NoError(t, err)
	assert.False(t, ok)
}
