// Package ws provides WebSocket server functionality for agent consoles.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/dispatcher/internal/config"
	"github.com/xiaot623/gogo/dispatcher/internal/domain"
	"github.com/xiaot623/gogo/dispatcher/internal/hub"
	"github.com/xiaot623/gogo/dispatcher/internal/protocol"
)

// EventHandler consumes inbound agent events.
type EventHandler interface {
	Handle(ctx context.Context, ev domain.Event) error
}

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	events   EventHandler
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, h *hub.Hub, events EventHandler, log zerolog.Logger) *Server {
	return &Server{
		cfg:    cfg,
		hub:    h,
		events: events,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: log,
	}
}

// Register mounts the websocket route on e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/ws", s.HandleWebSocket)
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to upgrade WebSocket")
		return err
	}

	conn := s.hub.NewConnection(ws)
	s.hub.Register(conn)
	s.log.Debug().Str("conn_id", conn.ID).Str("remote", c.RealIP()).Msg("Agent console connected")

	ws.SetReadLimit(s.cfg.MaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// readPump reads messages from the WebSocket connection. Messages of one
// connection are handled in arrival order.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
		if err := s.events.Handle(context.Background(), domain.Event{Type: domain.EventTypeDisconnect, ConnID: conn.ID}); err != nil {
			s.log.Warn().Err(err).Str("conn_id", conn.ID).Msg("Failed to handle disconnect")
		}
	}()

	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn().Err(err).Str("conn_id", conn.ID).Msg("WebSocket error")
			}
			break
		}

		s.handleMessage(conn, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.log.Warn().Err(err).Str("conn_id", conn.ID).Msg("Failed to write message")
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage maps an inbound message onto an engine event.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) {
	var baseMsg protocol.BaseMessage
	if err := json.Unmarshal(data, &baseMsg); err != nil {
		s.sendError(conn, protocol.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	ev := domain.Event{ConnID: conn.ID}
	switch baseMsg.Type {
	case protocol.TypeRegister:
		var msg protocol.RegisterMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(conn, protocol.ErrorCodeInvalidMessage, "invalid register message")
			return
		}
		ev.Type = domain.EventTypeRegister
		ev.AgentID = msg.AgentID
	case protocol.TypeDeregister:
		ev.Type = domain.EventTypeDeregister
	case protocol.TypeCallEnqueued, protocol.TypeCallMissed:
		var msg protocol.QueueMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.QueueID == "" {
			s.sendError(conn, protocol.ErrorCodeInvalidMessage, "queue_id is required")
			return
		}
		ev.Type = domain.EventTypeCallEnqueued
		if baseMsg.Type == protocol.TypeCallMissed {
			ev.Type = domain.EventTypeCallMissed
		}
		ev.QueueID = msg.QueueID
	default:
		s.sendError(conn, protocol.ErrorCodeInvalidMessage, "unknown message type: "+baseMsg.Type)
		return
	}

	if err := s.events.Handle(context.Background(), ev); err != nil {
		s.log.Warn().Err(err).Str("conn_id", conn.ID).Str("type", baseMsg.Type).Msg("Failed to handle message")
		// Register failures are already reported to the agent.
		if ev.Type != domain.EventTypeRegister {
			s.sendError(conn, protocol.ErrorCodeInternalError, "event could not be processed")
		}
	}
}

// sendError sends an error message to a connection.
func (s *Server) sendError(conn *hub.Connection, code, message string) {
	if err := s.hub.EmitTo(conn.ID, protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message}); err != nil {
		s.log.Debug().Err(err).Str("conn_id", conn.ID).Msg("Failed to send error")
	}
}
