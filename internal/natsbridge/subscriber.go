// Package natsbridge feeds call-side events published on NATS into the dispatcher.
package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// CallDispatcher offers an enqueued call to the longest-idle agent.
type CallDispatcher interface {
	CallEnqueued(ctx context.Context, queueID string) (string, bool, error)
}

// Config selects the subject to consume.
type Config struct {
	URL        string
	Subject    string
	QueueGroup string
	// Timeout bounds the dispatch of one message.
	Timeout time.Duration
}

// CallEnqueued is the message body published for every new call.
type CallEnqueued struct {
	QueueID string `json:"queue_id"`
}

// Reply is sent back when the publisher used request/reply.
type Reply struct {
	OK      bool   `json:"ok"`
	Offered bool   `json:"offered"`
	AgentID string `json:"agent_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Subscriber consumes call-enqueued messages. Each dispatcher instance only
// offers calls to its own agents, so by default every instance subscribes and
// sees every call. Set QueueGroup only when a single instance should handle
// each message.
type Subscriber struct {
	cfg        Config
	dispatcher CallDispatcher
	nc         *nats.Conn
	sub        *nats.Subscription
	log        zerolog.Logger
}

// NewSubscriber creates an unconnected subscriber.
func NewSubscriber(cfg Config, d CallDispatcher, log zerolog.Logger) *Subscriber {
	return &Subscriber{cfg: cfg, dispatcher: d, log: log}
}

// Start connects to NATS and subscribes.
func (s *Subscriber) Start() error {
	if s.cfg.URL == "" {
		return errors.New("nats url is required")
	}

	nc, err := nats.Connect(s.cfg.URL,
		nats.Name("dispatcher"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				s.log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			s.log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to nats: %w", err)
	}

	var sub *nats.Subscription
	if s.cfg.QueueGroup != "" {
		sub, err = nc.QueueSubscribe(s.cfg.Subject, s.cfg.QueueGroup, s.handleMsg)
	} else {
		sub, err = nc.Subscribe(s.cfg.Subject, s.handleMsg)
	}
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", s.cfg.Subject, err)
	}

	s.nc = nc
	s.sub = sub
	s.log.Info().Str("subject", s.cfg.Subject).Str("queue_group", s.cfg.QueueGroup).Msg("Subscribed to call events")
	return nil
}

// Close drains the subscription and closes the connection.
func (s *Subscriber) Close() error {
	if s.nc == nil {
		return nil
	}
	return s.nc.Drain()
}

func (s *Subscriber) handleMsg(msg *nats.Msg) {
	reply := s.process(msg.Data)
	if msg.Reply == "" {
		return
	}

	data, err := json.Marshal(reply)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to marshal reply")
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn().Err(err).Msg("Failed to send reply")
	}
}

func (s *Subscriber) process(data []byte) Reply {
	var ev CallEnqueued
	if err := json.Unmarshal(data, &ev); err != nil {
		s.log.Warn().Err(err).Msg("Dropping malformed call event")
		return Reply{Error: "invalid message"}
	}
	if ev.QueueID == "" {
		s.log.Warn().Msg("Dropping call event without queue_id")
		return Reply{Error: "queue_id is required"}
	}

	ctx := context.Background()
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	agentID, offered, err := s.dispatcher.CallEnqueued(ctx, ev.QueueID)
	if err != nil {
		s.log.Error().Err(err).Str("queue_id", ev.QueueID).Msg("Failed to dispatch call event")
		return Reply{Error: err.Error()}
	}
	return Reply{OK: true, Offered: offered, AgentID: agentID}
}
