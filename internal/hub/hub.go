// Package hub provides connection management for agent WebSocket clients.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/dispatcher/internal/protocol"
)

var (
	// ErrConnectionNotFound is returned when the target connection is gone.
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrBufferFull is returned when the send buffer is full.
	ErrBufferFull = errors.New("send buffer full")
)

const sendBufferSize = 256

// Connection represents a single WebSocket connection.
type Connection struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
	mu   sync.Mutex
}

// Hub manages all agent connections.
type Hub struct {
	// Connections indexed by connection ID
	connections map[string]*Connection

	// Messages fanned out to every connection by Run
	broadcast chan []byte

	mu  sync.RWMutex
	log zerolog.Logger
}

// NewHub creates a new Hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		broadcast:   make(chan []byte, sendBufferSize),
		log:         log,
	}
}

// Run fans out broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-h.broadcast:
			h.mu.RLock()
			for id, conn := range h.connections {
				select {
				case conn.Send <- data:
				default:
					h.log.Warn().Str("conn_id", id).Msg("Connection buffer full, closing")
					go h.Unregister(conn)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// NewConnection wraps ws with a fresh connection identity.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:   uuid.New().String(),
		Conn: ws,
		Send: make(chan []byte, sendBufferSize),
	}
}

// Register makes the connection addressable. It is visible to EmitTo as soon
// as Register returns.
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	h.connections[conn.ID] = conn
	h.mu.Unlock()
	h.log.Debug().Str("conn_id", conn.ID).Msg("Connection registered")
}

// Unregister removes the connection and closes its send channel. Calling it
// more than once is safe.
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.connections[conn.ID]; ok && current == conn {
		delete(h.connections, conn.ID)
		close(conn.Send)
		h.log.Debug().Str("conn_id", conn.ID).Msg("Connection unregistered")
	}
}

// Send queues raw data for one connection. A connection whose buffer is full
// is unregistered, which closes its socket and lets the read side report the
// disconnect.
func (h *Hub) Send(connID string, data []byte) error {
	h.mu.RLock()
	conn, ok := h.connections[connID]
	if !ok {
		h.mu.RUnlock()
		return ErrConnectionNotFound
	}
	select {
	case conn.Send <- data:
		h.mu.RUnlock()
		return nil
	default:
	}
	h.mu.RUnlock()

	h.log.Warn().Str("conn_id", connID).Msg("Connection buffer full, closing")
	h.Unregister(conn)
	return ErrBufferFull
}

// EmitTo sends a named event to one connection.
func (h *Hub) EmitTo(connID, event string, payload interface{}) error {
	data, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	return h.Send(connID, data)
}

// Broadcast sends a named event to every connection.
func (h *Hub) Broadcast(event string, payload interface{}) error {
	data, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	h.broadcast <- data
	return nil
}

// GetConnectionCount returns the number of active connections.
func (h *Hub) GetConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// HasConnection reports whether connID is currently registered.
func (h *Hub) HasConnection(connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.connections[connID]
	return ok
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	if c.Conn == nil {
		return nil
	}
	return c.Conn.Close()
}
