// Package main provides a terminal agent console for the dispatcher WebSocket server.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/xiaot623/gogo/dispatcher/internal/protocol"
)

// Client is one agent console connection.
type Client struct {
	conn *websocket.Conn
	log  zerolog.Logger

	mu    sync.Mutex
	offer string
	done  chan struct{}
}

// NewClient connects to the dispatcher.
func NewClient(addr string, log zerolog.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	return &Client{
		conn: conn,
		log:  log,
		done: make(chan struct{}),
	}, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	close(c.done)
	return c.conn.Close()
}

func base(msgType string) protocol.BaseMessage {
	return protocol.BaseMessage{Type: msgType, Ts: time.Now().UnixMilli()}
}

// Register announces the console as an available agent.
func (c *Client) Register(agentID string) error {
	return c.conn.WriteJSON(protocol.RegisterMessage{BaseMessage: base(protocol.TypeRegister), AgentID: agentID})
}

// Deregister takes the console out of rotation.
func (c *Client) Deregister(agentID string) error {
	c.setOffer("")
	return c.conn.WriteJSON(protocol.DeregisterMessage{BaseMessage: base(protocol.TypeDeregister), AgentID: agentID})
}

// Miss declines the current offer. An explicit queue overrides it.
func (c *Client) Miss(queueID string) error {
	if queueID == "" {
		queueID = c.currentOffer()
	}
	if queueID == "" {
		return fmt.Errorf("no pending offer")
	}
	c.setOffer("")
	return c.conn.WriteJSON(protocol.QueueMessage{BaseMessage: base(protocol.TypeCallMissed), QueueID: queueID})
}

// Call reports a new call waiting in queueID.
func (c *Client) Call(queueID string) error {
	if queueID == "" {
		return fmt.Errorf("queue id is required")
	}
	return c.conn.WriteJSON(protocol.QueueMessage{BaseMessage: base(protocol.TypeCallEnqueued), QueueID: queueID})
}

func (c *Client) setOffer(queueID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offer = queueID
}

func (c *Client) currentOffer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offer
}

// ReadMessages prints events from the dispatcher until the connection closes.
func (c *Client) ReadMessages() {
	for {
		select {
		case <-c.done:
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					c.log.Error().Err(err).Msg("Read error")
				}
				return
			}

			var base protocol.BaseMessage
			if err := json.Unmarshal(data, &base); err != nil {
				c.log.Warn().Err(err).Msg("Unmarshal error")
				continue
			}

			switch base.Type {
			case protocol.TypeReady:
				fmt.Println("\n[ready] waiting for calls")
			case protocol.TypeCallToQueue:
				var msg protocol.QueueMessage
				if err := json.Unmarshal(data, &msg); err != nil {
					c.log.Warn().Err(err).Msg("Unmarshal error")
					continue
				}
				c.setOffer(msg.QueueID)
				fmt.Printf("\n[call-to-queue] call waiting in %s (/miss to decline, /deregister to take it)\n", msg.QueueID)
			case protocol.TypeError:
				var msg protocol.ErrorMessage
				if err := json.Unmarshal(data, &msg); err != nil {
					c.log.Warn().Err(err).Msg("Unmarshal error")
					continue
				}
				fmt.Printf("\n[error] %s: %s\n", msg.Code, msg.Message)
			default:
				fmt.Printf("\n[%s] %s\n", base.Type, string(data))
			}
			fmt.Print("> ")
		}
	}
}

func main() {
	addr := flag.String("addr", "ws://localhost:8090/ws", "Dispatcher WebSocket address")
	agentID := flag.String("agent", "", "Agent id reported on register")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()

	fmt.Printf("Connecting to %s...\n", *addr)

	client, err := NewClient(*addr, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect")
	}
	defer client.Close()

	go client.ReadMessages()

	if err := client.Register(*agentID); err != nil {
		log.Fatal().Err(err).Msg("Register failed")
	}

	fmt.Println("Connected.")
	fmt.Println("Commands: /miss [queue], /call <queue>, /register, /deregister, /quit")

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("> ")
		select {
		case <-interrupt:
			fmt.Println("\nInterrupted")
			return
		default:
			if !scanner.Scan() {
				return
			}

			fields := strings.Fields(scanner.Text())
			if len(fields) == 0 {
				continue
			}
			arg := ""
			if len(fields) > 1 {
				arg = fields[1]
			}

			var cmdErr error
			switch fields[0] {
			case "/quit":
				fmt.Println("Bye!")
				return
			case "/miss":
				cmdErr = client.Miss(arg)
			case "/call":
				cmdErr = client.Call(arg)
			case "/register":
				cmdErr = client.Register(*agentID)
			case "/deregister":
				cmdErr = client.Deregister(*agentID)
			default:
				fmt.Println("Unknown command")
				continue
			}
			if cmdErr != nil {
				log.Warn().Err(cmdErr).Str("command", fields[0]).Msg("Command failed")
			}
		}
	}
}
