// Package protocol defines the WebSocket message protocol between agent
// consoles and the dispatcher.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types from agent console to dispatcher
const (
	TypeRegister     = "register"
	TypeDeregister   = "deregister"
	TypeCallEnqueued = "incoming-call-in-queue"
	TypeCallMissed   = "missed-queue-call"
)

// Message types from dispatcher to agent console
const (
	TypeReady       = "ready"
	TypeCallToQueue = "call-to-queue"
	TypeError       = "error"
)

// BaseMessage contains common fields for all messages.
type BaseMessage struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"`
}

// RegisterMessage announces an agent as available.
type RegisterMessage struct {
	BaseMessage
	AgentID string `json:"agent_id,omitempty"`
}

// DeregisterMessage takes an agent out of rotation, typically because it went on a call.
type DeregisterMessage struct {
	BaseMessage
	AgentID string `json:"agent_id,omitempty"`
}

// QueueMessage carries a queue id. Used for incoming-call-in-queue,
// missed-queue-call and call-to-queue.
type QueueMessage struct {
	BaseMessage
	QueueID string `json:"queue_id"`
}

// ErrorMessage is sent by the dispatcher when an event could not be handled.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrorCodeInvalidMessage = "invalid_message"
	ErrorCodeRegisterFailed = "register_failed"
	ErrorCodeInternalError  = "internal_error"
)

// CallToQueuePayload is the body of a call-to-queue offer.
type CallToQueuePayload struct {
	QueueID string `json:"queue_id"`
}

// ErrorPayload is the body of an error event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode renders a named outbound event. Payload fields are merged next to
// the type and ts header; payload may be nil.
func Encode(event string, payload interface{}) ([]byte, error) {
	fields := make(map[string]interface{})
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("%s payload must be a JSON object: %w", event, err)
		}
	}
	fields["type"] = event
	if _, ok := fields["ts"]; !ok {
		fields["ts"] = time.Now().UnixMilli()
	}
	return json.Marshal(fields)
}
