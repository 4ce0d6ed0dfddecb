// Package relay accepts websocket peers, hands each one a full snapshot on
// join, and relays every frame a peer sends to all the others.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"collabtext/internal/logging"
	"collabtext/internal/protocol"
)

var (
	ErrAlreadyRunning = errors.New("relay: already running")
	ErrNotListening   = errors.New("relay: not listening")
	ErrClosed         = errors.New("relay: server was stopped and cannot be restarted")
)

// State is the lifecycle state of a Server.
type State int32

const (
	Stopped State = iota
	Starting
	Listening
	Stopping
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Listening:
		return "listening"
	case Stopping:
		return "stopping"
	}
	return "stopped"
}

// EventKind tells what an Event reports.
type EventKind int

const (
	EventMessage EventKind = iota
	EventPeerJoined
	EventPeerLeft
)

// Event is delivered on the Server's event channel. Frame is only set for
// EventMessage. Frames injected from a Mirror carry a ConnID prefixed with
// MirrorPrefix.
type Event struct {
	Kind   EventKind
	ConnID string
	Frame  string
}

// MirrorPrefix prefixes the ConnID of events for frames that arrived through
// a Mirror rather than from a local peer.
const MirrorPrefix = "mirror:"

// Mirror receives every frame the relay fans out locally, so that it can be
// forwarded to other relay processes.
type Mirror interface {
	Publish(frame string)
}

// maxMessageSize bounds a single inbound websocket message.
const maxMessageSize = 1 << 20

type Config struct {
	// Addr is the host:port to listen on. Port 0 picks a free port.
	Addr string
	// Snapshot returns the buffer contents sent to every peer on join.
	Snapshot func() string

	MaxFrameSize     int
	SendQueueSize    int
	ShutdownTimeout  time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	MetricsEnabled   bool

	Mirror Mirror
	Logger *zap.Logger
}

func (c *Config) setDefaults() {
	if c.Snapshot == nil {
		c.Snapshot = func() string { return "" }
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = 4096
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
}

// Server is the relay. All methods are safe for concurrent use.
type Server struct {
	cfg      Config
	logger   *zap.Logger
	upgrader websocket.Upgrader

	state  atomic.Int32
	events chan Event

	mu    sync.RWMutex // protects peers
	peers map[string]*peer

	used     bool // guarded by mu; a Server is started at most once
	ln       net.Listener
	httpSrv  *http.Server
	ctx      context.Context
	cancel   context.CancelFunc
	pumps    sync.WaitGroup
	serveErr chan error
}

func New(cfg Config) *Server {
	cfg.setDefaults()
	return &Server{
		cfg:    cfg,
		logger: logging.OrNop(cfg.Logger).With(zap.String("component", "relay")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:   cfg.MaxFrameSize,
			WriteBufferSize:  cfg.MaxFrameSize,
			HandshakeTimeout: cfg.HandshakeTimeout,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		events: make(chan Event, cfg.SendQueueSize),
		peers:  make(map[string]*peer),
	}
}

func (s *Server) State() State { return State(s.state.Load()) }

// Events returns the channel on which received frames and peer joins and
// departures are reported. Receive loops block when it is full, so the
// owner must keep draining it while the server runs.
func (s *Server) Events() <-chan Event { return s.events }

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Peers returns the number of registered peers.
func (s *Server) Peers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Start binds the listening endpoint and begins accepting peers. A bind
// failure leaves the server Stopped.
func (s *Server) Start() error {
	if !s.state.CompareAndSwap(int32(Stopped), int32(Starting)) {
		return ErrAlreadyRunning
	}
	s.mu.Lock()
	used := s.used
	s.used = true
	s.mu.Unlock()
	if used {
		s.state.Store(int32(Stopped))
		return ErrClosed
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.state.Store(int32(Stopped))
		s.logger.Error("Failed to listen", zap.String("address", s.cfg.Addr), zap.Error(err))
		return fmt.Errorf("relay: listen %s: %w", s.cfg.Addr, err)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.httpSrv = &http.Server{
		Handler:           s.router(),
		ReadHeaderTimeout: s.cfg.HandshakeTimeout,
	}
	s.serveErr = make(chan error, 1)

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.state.Store(int32(Listening))
	s.logger.Info("Relay listening", zap.String("address", ln.Addr().String()))

	go func() {
		err := s.httpSrv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Relay serve failed", zap.Error(err))
		}
		s.serveErr <- err
	}()
	return nil
}

func (s *Server) router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
	r.PathPrefix("/").HandlerFunc(s.handleConnections)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"state": s.State().String(),
		"peers": s.Peers(),
	})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	if s.State() != Listening {
		http.Error(w, "relay is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	conn.SetReadLimit(maxMessageSize)

	p := s.register(conn)
	if p == nil {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server closing connection")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout))
		_ = conn.Close()
		return
	}
	s.logger.Info("Peer connected",
		zap.String("conn_id", p.id),
		zap.String("remote", r.RemoteAddr),
		zap.Int("peers", s.Peers()))
	s.emit(Event{Kind: EventPeerJoined, ConnID: p.id})

	go s.writePump(p)
	go s.readPump(p)
}

// register queues the join snapshot ahead of anything else and adds the peer
// to the registry in one step, so no broadcast can slip in between. It returns
// nil once Stop has begun; Stop snapshots the registry under the same lock.
func (s *Server) register(conn *websocket.Conn) *peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != Listening {
		return nil
	}

	join := protocol.FullFrames(s.cfg.Snapshot(), s.cfg.MaxFrameSize)
	p := newPeer(uuid.NewString(), conn, s.cfg.SendQueueSize+len(join))
	p.enqueue(join)
	s.peers[p.id] = p
	peersActive.Inc()
	s.pumps.Add(2)
	return p
}

func (s *Server) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// Stop cancels in-flight work, asks every peer to close within the shutdown
// timeout, then tears down the listener. Peers that do not answer in time are
// dropped without waiting further.
func (s *Server) Stop() error {
	if !s.state.CompareAndSwap(int32(Listening), int32(Stopping)) {
		return ErrNotListening
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.cancel()

	s.mu.RLock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()

	var g errgroup.Group
	for _, p := range peers {
		g.Go(func() error {
			s.closePeer(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	err := s.httpSrv.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	select {
	case serr := <-s.serveErr:
		if err == nil && serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			err = fmt.Errorf("relay: serve: %w", serr)
		}
	case <-ctx.Done():
	}

	done := make(chan struct{})
	go func() {
		s.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("Relay stop timed out waiting for peer loops")
	}

	s.mu.Lock()
	s.ln = nil
	s.mu.Unlock()
	s.state.Store(int32(Stopped))
	s.logger.Info("Relay stopped", zap.Int("peers_closed", len(peers)))
	return err
}

// closePeer performs the close handshake with one peer and force-closes the
// socket once the peer answers or ctx expires.
func (s *Server) closePeer(ctx context.Context, p *peer) {
	deadline, _ := ctx.Deadline()
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server closing connection")
	if err := p.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		s.logger.Debug("Close handshake failed", zap.String("conn_id", p.id), zap.Error(err))
	} else {
		select {
		case <-p.done:
		case <-ctx.Done():
			s.logger.Warn("Peer did not answer close in time", zap.String("conn_id", p.id))
		}
	}
	s.deregister(p, false)
}
