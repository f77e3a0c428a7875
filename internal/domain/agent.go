package domain

import "time"

// Agent is a call-taker known to the dispatcher. ID is the transport
// connection identity and the key in the ranked store.
type Agent struct {
	ID         string      `json:"id"`
	ExternalID string      `json:"external_id,omitempty"`
	Status     AgentStatus `json:"status"`
	IdleSince  time.Time   `json:"idle_since"`
	Offer      *Offer      `json:"offer,omitempty"`
}

// Offer is a pending proposal that an agent take a call from a queue.
type Offer struct {
	AgentID   string    `json:"agent_id"`
	QueueID   string    `json:"queue_id"`
	OfferedAt time.Time `json:"offered_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the offer has a deadline that lies at or before now.
func (o *Offer) Expired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && !now.Before(o.ExpiresAt)
}

// Event is an inbound event tagged with the connection it arrived on.
// ConnID is empty for call-side events that do not originate from an agent.
type Event struct {
	Type    EventType
	ConnID  string
	AgentID string
	QueueID string
}
