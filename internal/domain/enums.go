// Package domain defines the core domain models for the dispatcher.
package domain

// AgentStatus represents where a registered agent is in its dispatch
// lifecycle. Unregistered agents have no record at all.
type AgentStatus string

const (
	AgentStatusReady   AgentStatus = "READY"
	AgentStatusOffered AgentStatus = "OFFERED"
)

// EventType names inbound events delivered to the dispatch engine.
type EventType string

const (
	EventTypeRegister     EventType = "register"
	EventTypeDeregister   EventType = "deregister"
	EventTypeCallEnqueued EventType = "incoming-call-in-queue"
	EventTypeCallMissed   EventType = "missed-queue-call"
	EventTypeDisconnect   EventType = "disconnect"
)

