// Package rpc exposes dispatcher operations over JSON-RPC for call-side services.
package rpc

import (
	"context"
	"errors"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"github.com/rs/zerolog"
)

// CallDispatcher offers an enqueued call to the longest-idle agent.
type CallDispatcher interface {
	CallEnqueued(ctx context.Context, queueID string) (string, bool, error)
}

// Server exposes dispatcher RPC endpoints.
type Server struct {
	listener  net.Listener
	rpcServer *rpc.Server
	done      chan struct{}
	log       zerolog.Logger
}

// NewServer creates a new dispatcher RPC server. timeout bounds each call.
func NewServer(d CallDispatcher, timeout time.Duration, log zerolog.Logger) (*Server, error) {
	rpcServer := rpc.NewServer()
	handler := &Handler{dispatcher: d, timeout: timeout, log: log}
	if err := rpcServer.RegisterName("Dispatch", handler); err != nil {
		return nil, err
	}

	return &Server{
		rpcServer: rpcServer,
		done:      make(chan struct{}),
		log:       log,
	}, nil
}

// Listen binds addr. Serve must be called to accept connections.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds addr and accepts RPC connections until Shutdown.
func (s *Server) Start(addr string) error {
	if err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts connections on the bound listener.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("rpc server is not listening")
	}
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			s.log.Warn().Err(err).Msg("RPC accept error")
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}

	if err := s.listener.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements dispatcher RPC methods.
type Handler struct {
	dispatcher CallDispatcher
	timeout    time.Duration
	log        zerolog.Logger
}

// CallRequest names the queue a call was placed in.
type CallRequest struct {
	QueueID string `json:"queue_id"`
}

// CallResponse reports which agent, if any, was offered the call.
type CallResponse struct {
	OK      bool   `json:"ok"`
	Offered bool   `json:"offered"`
	AgentID string `json:"agent_id,omitempty"`
}

// NotifyCallEnqueued offers a newly enqueued call to the longest-idle agent.
func (h *Handler) NotifyCallEnqueued(req *CallRequest, resp *CallResponse) error {
	if req == nil {
		return errors.New("call request is required")
	}
	if req.QueueID == "" {
		return errors.New("queue_id is required")
	}

	ctx := context.Background()
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	agentID, offered, err := h.dispatcher.CallEnqueued(ctx, req.QueueID)
	if err != nil {
		return err
	}

	h.log.Info().Str("queue_id", req.QueueID).Bool("offered", offered).Str("conn_id", agentID).Msg("Call enqueued via RPC")

	if resp != nil {
		resp.OK = true
		resp.Offered = offered
		resp.AgentID = agentID
	}
	return nil
}
