// Package peer holds one outbound websocket connection to a relay.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabtext/internal/logging"
	"collabtext/internal/metrics"
)

var (
	ErrNotConnected     = errors.New("peer: not connected")
	ErrAlreadyConnected = errors.New("peer: connect already in progress or connected")
)

// State is the connection state of a Client.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	}
	return "disconnected"
}

type EventKind int

const (
	EventMessage EventKind = iota
	// EventDisconnected is the last event of a connection. Err is nil for a
	// close initiated by either side and set for transport failures.
	EventDisconnected
)

type Event struct {
	Kind  EventKind
	Frame string
	Err   error
}

const maxMessageSize = 1 << 20

type Config struct {
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	DisconnectTimeout time.Duration
	// EventBuffer is the capacity of each connection's event channel.
	EventBuffer int
	Logger      *zap.Logger
}

func (c *Config) setDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = 5 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
}

// Client is safe for concurrent use. A Client may be reconnected after it
// has disconnected; every connection gets a fresh event channel.
type Client struct {
	cfg    Config
	logger *zap.Logger
	state  atomic.Int32

	mu       sync.Mutex // protects the fields below
	conn     *websocket.Conn
	cancel   context.CancelFunc
	events   chan Event
	recvDone chan struct{}

	writeMu sync.Mutex // one writer at a time on conn
}

func New(cfg Config) *Client {
	cfg.setDefaults()
	return &Client{
		cfg:    cfg,
		logger: logging.OrNop(cfg.Logger).With(zap.String("component", "peer")),
	}
}

func (c *Client) State() State { return State(c.state.Load()) }

// Events returns the event channel of the current connection, or nil before
// the first successful Connect. The channel is closed after its
// EventDisconnected, which is always delivered. Consumers must drain it.
func (c *Client) Events() <-chan Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events
}

// Connect dials uri and starts the receive loop. On failure the client stays
// Disconnected.
func (c *Client) Connect(ctx context.Context, uri string) error {
	if !c.state.CompareAndSwap(int32(Disconnected), int32(Connecting)) {
		return ErrAlreadyConnected
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, uri, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.state.Store(int32(Disconnected))
		c.logger.Warn("Connect failed", zap.String("uri", uri), zap.Error(err))
		return fmt.Errorf("peer: connect %s: %w", uri, err)
	}
	conn.SetReadLimit(maxMessageSize)

	loopCtx, cancel := context.WithCancel(context.Background())
	events := make(chan Event, c.cfg.EventBuffer)
	recvDone := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.events = events
	c.recvDone = recvDone
	c.mu.Unlock()

	c.state.Store(int32(Connected))
	c.logger.Info("Connected to relay", zap.String("uri", uri))

	go c.receive(loopCtx, cancel, conn, events, recvDone)
	return nil
}

func (c *Client) receive(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, events chan Event, recvDone chan struct{}) {
	var cause error
	defer func() {
		cancel()
		_ = conn.Close()
		c.state.Store(int32(Disconnected))
		close(recvDone)
		c.logger.Info("Disconnected from relay", zap.Error(cause))
		finish(events, Event{Kind: EventDisconnected, Err: cause})
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			// 1006 is synthesized locally when the socket drops without a
			// close frame.
			var ce *websocket.CloseError
			graceful := errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure
			if !graceful && ctx.Err() == nil {
				cause = err
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		metrics.FramesReceivedTotal.WithLabelValues("peer").Inc()

		select {
		case events <- Event{Kind: EventMessage, Frame: string(data)}:
		case <-ctx.Done():
			return
		}
	}
}

// finish delivers the final event and closes events. When the buffer is full
// the hand-off waits in its own goroutine until the consumer catches up, so
// the event is never dropped.
func finish(events chan Event, last Event) {
	select {
	case events <- last:
		close(events)
	default:
		go func() {
			events <- last
			close(events)
		}()
	}
}

// Send writes frames in order. It fails with ErrNotConnected unless the
// client is Connected. A write failure closes the connection.
func (c *Client) Send(frames ...string) error {
	if c.State() != Connected {
		return ErrNotConnected
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, f := range frames {
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
			c.logger.Warn("Send failed, closing connection", zap.Error(err))
			_ = conn.Close()
			return fmt.Errorf("peer: send: %w", err)
		}
		metrics.FramesSentTotal.WithLabelValues("peer").Inc()
	}
	return nil
}

// Disconnect stops the receive loop and attempts a close handshake. If the
// relay does not answer within the disconnect timeout the socket is aborted.
// It returns within the timeout either way.
func (c *Client) Disconnect() error {
	if !c.state.CompareAndSwap(int32(Connected), int32(Disconnecting)) {
		return ErrNotConnected
	}
	c.mu.Lock()
	conn, cancel, recvDone := c.conn, c.cancel, c.recvDone
	c.mu.Unlock()

	cancel()
	deadline := time.Now().Add(c.cfg.DisconnectTimeout)
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Client disconnecting")
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		c.logger.Debug("Close handshake failed", zap.Error(err))
		_ = conn.Close()
	}

	select {
	case <-recvDone:
		return nil
	case <-timer.C:
	}

	c.logger.Warn("Relay did not answer close in time, aborting")
	_ = conn.Close()
	return nil
}
