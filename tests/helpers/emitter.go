// Package helpers provides fakes shared by package tests.
package helpers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/xiaot623/gogo/dispatcher/internal/domain"
	"github.com/xiaot623/gogo/dispatcher/internal/protocol"
)

// ErrGone is returned by RecordingEmitter for connections marked gone.
var ErrGone = errors.New("connection gone")

// Emission is one recorded outbound event.
type Emission struct {
	ConnID  string
	Event   string
	QueueID string
}

// RecordingEmitter records every EmitTo call.
type RecordingEmitter struct {
	// OnEmit, when set, runs before an emission is recorded. Set it before
	// the emitter is shared.
	OnEmit func(connID, event string)

	mu        sync.Mutex
	emissions []Emission
	gone      map[string]bool
}

func NewRecordingEmitter() *RecordingEmitter {
	return &RecordingEmitter{gone: make(map[string]bool)}
}

// MarkGone makes emissions to connID fail.
func (r *RecordingEmitter) MarkGone(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gone[connID] = true
}

func (r *RecordingEmitter) EmitTo(connID, event string, payload interface{}) error {
	if r.OnEmit != nil {
		r.OnEmit(connID, event)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gone[connID] {
		return ErrGone
	}
	em := Emission{ConnID: connID, Event: event}
	if p, ok := payload.(protocol.CallToQueuePayload); ok {
		em.QueueID = p.QueueID
	}
	r.emissions = append(r.emissions, em)
	return nil
}

// Emissions returns a copy of everything recorded so far.
func (r *RecordingEmitter) Emissions() []Emission {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Emission, len(r.emissions))
	copy(out, r.emissions)
	return out
}

// Offers returns only call-to-queue emissions.
func (r *RecordingEmitter) Offers() []Emission {
	var out []Emission
	for _, em := range r.Emissions() {
		if em.Event == protocol.TypeCallToQueue {
			out = append(out, em)
		}
	}
	return out
}

// Reset forgets recorded emissions.
func (r *RecordingEmitter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emissions = nil
}

// QueueStub answers Backlogged with a fixed result.
type QueueStub struct {
	mu    sync.Mutex
	Queue domain.QueueSnapshot
	Found bool
	Err   error
	Calls int
}

func (q *QueueStub) Backlogged(context.Context) (domain.QueueSnapshot, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.Calls++
	return q.Queue, q.Found, q.Err
}

// Clock is a settable clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(ms int64) *Clock {
	return &Clock{now: time.UnixMilli(ms)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) SetMillis(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.UnixMilli(ms)
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
