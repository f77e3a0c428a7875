// Package http provides the internal HTTP server for the dispatcher.
package http

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/dispatcher/internal/domain"
	"github.com/xiaot623/gogo/dispatcher/internal/hub"
)

// Dispatcher is the part of the dispatch engine the HTTP API drives.
type Dispatcher interface {
	CallEnqueued(ctx context.Context, queueID string) (string, bool, error)
	Agents() []domain.Agent
}

// RankedStore reports how many agents are waiting for a call.
type RankedStore interface {
	Len(ctx context.Context) (int, error)
}

// Server is the internal HTTP server.
type Server struct {
	echo       *echo.Echo
	hub        *hub.Hub
	dispatcher Dispatcher
	store      RankedStore
	log        zerolog.Logger
}

// NewServer creates a new internal HTTP server. Metrics are served from gatherer.
func NewServer(h *hub.Hub, d Dispatcher, store RankedStore, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	s := &Server{
		echo:       e,
		hub:        h,
		dispatcher: d,
		store:      store,
		log:        log,
	}

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	e.POST("/internal/calls", s.handleCallEnqueued)
	e.POST("/internal/broadcast", s.handleBroadcast)

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// handleHealth reports connection and agent counts. A failing ranked store
// turns the service unhealthy.
func (s *Server) handleHealth(c echo.Context) error {
	counts := make(map[domain.AgentStatus]int)
	for _, a := range s.dispatcher.Agents() {
		counts[a.Status]++
	}

	body := map[string]interface{}{
		"status":      "healthy",
		"connections": s.hub.GetConnectionCount(),
		"agents": map[string]int{
			"ready":   counts[domain.AgentStatusReady],
			"offered": counts[domain.AgentStatusOffered],
		},
	}

	ranked, err := s.store.Len(c.Request().Context())
	if err != nil {
		s.log.Warn().Err(err).Msg("Health check could not reach ranked store")
		body["status"] = "unhealthy"
		body["error"] = err.Error()
		return c.JSON(http.StatusServiceUnavailable, body)
	}
	body["ranked"] = ranked
	return c.JSON(http.StatusOK, body)
}

// CallRequest is the body of POST /internal/calls.
type CallRequest struct {
	QueueID string `json:"queue_id"`
}

// CallResponse reports which agent, if any, was offered the call.
type CallResponse struct {
	OK      bool   `json:"ok"`
	Offered bool   `json:"offered"`
	AgentID string `json:"agent_id,omitempty"`
}

// handleCallEnqueued is the HTTP entry for incoming-call-in-queue.
func (s *Server) handleCallEnqueued(c echo.Context) error {
	var req CallRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.QueueID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "queue_id is required"})
	}

	agentID, offered, err := s.dispatcher.CallEnqueued(c.Request().Context(), req.QueueID)
	if err != nil {
		s.log.Error().Err(err).Str("queue_id", req.QueueID).Msg("Failed to dispatch call")
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "failed to dispatch call"})
	}

	return c.JSON(http.StatusOK, CallResponse{OK: true, Offered: offered, AgentID: agentID})
}

// BroadcastRequest is the body of POST /internal/broadcast.
type BroadcastRequest struct {
	Event   string                 `json:"event"`
	Payload map[string]interface{} `json:"payload"`
}

// BroadcastResponse reports how many connections were targeted.
type BroadcastResponse struct {
	OK          bool `json:"ok"`
	Connections int  `json:"connections"`
}

// handleBroadcast pushes a named event to every connected console.
func (s *Server) handleBroadcast(c echo.Context) error {
	var req BroadcastRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Event == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "event is required"})
	}

	var payload interface{}
	if req.Payload != nil {
		payload = req.Payload
	}
	if err := s.hub.Broadcast(req.Event, payload); err != nil {
		s.log.Error().Err(err).Str("event", req.Event).Msg("Failed to broadcast event")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to broadcast event"})
	}

	connections := s.hub.GetConnectionCount()
	s.log.Info().Str("event", req.Event).Int("connections", connections).Msg("Event broadcast")

	return c.JSON(http.StatusOK, BroadcastResponse{OK: true, Connections: connections})
}
