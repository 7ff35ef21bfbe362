// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	relayWriteWait  = 10 * time.Second
	relayPongWait   = 60 * time.Second
	relayPingPeriod = relayPongWait * 9 / 10
)

// RelayConfig configures a RelayServer.
type RelayConfig struct {
	// AllowedOrigins restricts browser Origin headers. Empty accepts
	// any origin.
	AllowedOrigins []string

	// MaxChannelsPerConnection bounds subscriptions per client.
	// Default: 8.
	MaxChannelsPerConnection int

	// SendBuffer is the per-client outbound queue length. A client
	// whose queue overflows is disconnected. Default: 64.
	SendBuffer int

	Logger *slog.Logger
}

// RelayServer is a WebSocket publish/subscribe relay for signaling
// envelopes. It routes only the four rtc:* message types, never reads
// payloads, and refuses publications whose sender id is not a session
// the publishing connection is subscribed to.
type RelayServer struct {
	upgrader    websocket.Upgrader
	maxChannels int
	sendBuffer  int
	logger      *slog.Logger

	mu       sync.Mutex
	channels map[string]map[*relayClient]struct{}
	clients  int
}

// NewRelayServer creates a relay.
func NewRelayServer(config RelayConfig) *RelayServer {
	server := &RelayServer{
		maxChannels: config.MaxChannelsPerConnection,
		sendBuffer:  config.SendBuffer,
		logger:      config.Logger,
		channels:    make(map[string]map[*relayClient]struct{}),
	}
	if server.maxChannels <= 0 {
		server.maxChannels = 8
	}
	if server.sendBuffer <= 0 {
		server.sendBuffer = 64
	}
	if server.logger == nil {
		server.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	allowed := slices.Clone(config.AllowedOrigins)
	server.upgrader = websocket.Upgrader{
		CheckOrigin: func(request *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			return slices.Contains(allowed, request.Header.Get("Origin"))
		},
	}
	return server
}

// Clients returns the number of connected clients.
func (s *RelayServer) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients
}

type relayClient struct {
	server *RelayServer
	conn   *websocket.Conn
	send   chan Frame
	logger *slog.Logger

	// subscriptions is owned by the read goroutine.
	subscriptions map[string]struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// ServeHTTP upgrades the request and serves one client until it
// disconnects.
func (s *RelayServer) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", request.RemoteAddr, "error", err)
		return
	}

	client := &relayClient{
		server:        s,
		conn:          conn,
		send:          make(chan Frame, s.sendBuffer),
		logger:        s.logger.With("remote", request.RemoteAddr),
		subscriptions: make(map[string]struct{}),
		closed:        make(chan struct{}),
	}

	s.mu.Lock()
	s.clients++
	s.mu.Unlock()
	client.logger.Debug("relay client connected")

	go client.writeLoop()
	client.readLoop()

	s.removeClient(client)
	client.close()
	client.logger.Debug("relay client disconnected")
}

func (s *RelayServer) removeClient(client *relayClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for channel := range client.subscriptions {
		s.unsubscribeLocked(channel, client)
	}
	s.clients--
}

func (s *RelayServer) unsubscribeLocked(channel string, client *relayClient) {
	subscribers := s.channels[channel]
	if subscribers == nil {
		return
	}
	delete(subscribers, client)
	if len(subscribers) == 0 {
		delete(s.channels, channel)
	}
}

func (c *relayClient) readLoop() {
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(relayPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(relayPongWait))
	})

	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("relay read ended", "error", err)
			}
			return
		}
		if err := c.handle(frame); err != nil {
			c.logger.Info("rejected relay frame", "op", frame.Op, "channel", frame.Channel, "error", err)
			c.enqueue(Frame{Op: OpError, Channel: frame.Channel, Error: err.Error()})
		}
	}
}

func (c *relayClient) handle(frame Frame) error {
	switch frame.Op {
	case OpSubscribe:
		if _, ok := SessionFromChannel(frame.Channel); !ok {
			return fmt.Errorf("invalid channel %q", frame.Channel)
		}
		if _, already := c.subscriptions[frame.Channel]; already {
			c.enqueue(Frame{Op: OpSubscribed, Channel: frame.Channel})
			return nil
		}
		if len(c.subscriptions) >= c.server.maxChannels {
			return fmt.Errorf("subscription limit of %d reached", c.server.maxChannels)
		}
		c.subscriptions[frame.Channel] = struct{}{}
		c.server.mu.Lock()
		subscribers := c.server.channels[frame.Channel]
		if subscribers == nil {
			subscribers = make(map[*relayClient]struct{})
			c.server.channels[frame.Channel] = subscribers
		}
		subscribers[c] = struct{}{}
		c.server.mu.Unlock()
		c.enqueue(Frame{Op: OpSubscribed, Channel: frame.Channel})
		return nil

	case OpUnsubscribe:
		if _, subscribed := c.subscriptions[frame.Channel]; !subscribed {
			return nil
		}
		delete(c.subscriptions, frame.Channel)
		c.server.mu.Lock()
		c.server.unsubscribeLocked(frame.Channel, c)
		c.server.mu.Unlock()
		return nil

	case OpPublish:
		if _, ok := SessionFromChannel(frame.Channel); !ok {
			return fmt.Errorf("invalid channel %q", frame.Channel)
		}
		if frame.Envelope == nil {
			return fmt.Errorf("publish without envelope")
		}
		if err := frame.Envelope.Validate(); err != nil {
			return err
		}
		if _, owned := c.subscriptions[ChannelName(frame.Envelope.Data.From)]; !owned {
			return fmt.Errorf("sender %q is not a session of this connection", frame.Envelope.Data.From)
		}
		c.server.publish(frame.Channel, *frame.Envelope)
		return nil

	default:
		return fmt.Errorf("unknown op %q", frame.Op)
	}
}

func (s *RelayServer) publish(channel string, envelope Envelope) {
	s.mu.Lock()
	recipients := make([]*relayClient, 0, len(s.channels[channel]))
	for client := range s.channels[channel] {
		recipients = append(recipients, client)
	}
	s.mu.Unlock()

	for _, client := range recipients {
		client.enqueue(Frame{Op: OpMessage, Channel: channel, Envelope: &envelope})
	}
}

// enqueue hands a frame to the write loop. A client that cannot keep
// up is disconnected rather than allowed to stall the relay.
func (c *relayClient) enqueue(frame Frame) {
	select {
	case <-c.closed:
	case c.send <- frame:
	default:
		c.logger.Warn("relay client send queue full, disconnecting")
		c.close()
	}
}

func (c *relayClient) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

func (c *relayClient) writeLoop() {
	ticker := time.NewTicker(relayPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.logger.Debug("relay write failed", "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(relayWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
