// Package session is the per-document sync controller. It decides when a
// local edit is diffed and transmitted and applies edits received from the
// relay or from peers, suppressing the echo of its own applications.
//
// The protocol assumes one writer at a time. Two peers editing concurrently
// can have their relative edits interleaved at a third peer, which shifts
// offsets and silently desynchronizes buffers; nothing here orders or
// transforms concurrent operations.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"collabtext/internal/config"
	"collabtext/internal/diff"
	"collabtext/internal/logging"
	"collabtext/internal/metrics"
	"collabtext/internal/peer"
	"collabtext/internal/protocol"
	"collabtext/internal/relay"
)

var (
	ErrRoleActive   = errors.New("session: a role is already active")
	ErrServerActive = fmt.Errorf("%w: server already started", ErrRoleActive)
	ErrClientActive = fmt.Errorf("%w: client already started", ErrRoleActive)
	ErrNotCommitted = errors.New("session: document must be saved before serving it")
	ErrNoRole       = errors.New("session: no server or client running")
)

// Role is what a session is currently doing.
type Role int

const (
	None Role = iota
	Server
	Client
)

func (r Role) String() string {
	switch r {
	case Server:
		return "server"
	case Client:
		return "client"
	}
	return "none"
}

// StatusDisconnected is reported when the relay closes a client's
// connection.
const StatusDisconnected = "disconnected"

// relayConnID keys the decoder for the single inbound stream of a client.
const relayConnID = "relay"

// Buffer is the editing surface a session synchronizes.
type Buffer interface {
	Text() string
	SetText(text string)
	// OnChange registers fn to run after every edit and returns a function
	// that unregisters it.
	OnChange(fn func()) func()
	// Committed reports whether the document has an identity (has been saved).
	Committed() bool
}

type Options struct {
	// ListenHost is the interface the relay binds; empty means all.
	ListenHost       string
	MaxFrameSize     int
	SendQueueSize    int
	ShutdownTimeout  time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MetricsEnabled   bool
	// MalformedPolicy is config.PolicyDrop or config.PolicyResync.
	MalformedPolicy string

	// Mirror, if set, is attached to every relay this session starts.
	Mirror relay.Mirror
	// Status receives short human-readable progress strings.
	Status func(string)
	Logger *zap.Logger
}

// OptionsFromConfig maps process configuration onto session options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		ListenHost:       cfg.ListenHost,
		MaxFrameSize:     cfg.MaxFrameSize,
		SendQueueSize:    cfg.SendQueueSize,
		ShutdownTimeout:  cfg.ShutdownTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		MetricsEnabled:   cfg.MetricsEnabled,
		MalformedPolicy:  cfg.MalformedPolicy,
	}
}

// Session synchronizes one Buffer. It holds at most one relay server or one
// peer client at a time.
type Session struct {
	buf    Buffer
	opts   Options
	logger *zap.Logger

	// armed is read without mu by the change callback, so that the callback
	// fired by our own SetText returns before trying to take mu.
	armed       atomic.Bool
	unsubscribe func()

	// sendMu orders outbound frames. It is acquired while mu is held and
	// never the other way round.
	sendMu sync.Mutex

	mu        sync.Mutex
	role      Role
	reference string
	server    *relay.Server
	client    *peer.Client
	decoders  map[string]*protocol.Decoder
	pumpStop  chan struct{}
	pumpDone  chan struct{}
}

func New(buf Buffer, opts Options) *Session {
	if opts.MalformedPolicy == "" {
		opts.MalformedPolicy = config.PolicyDrop
	}
	s := &Session{
		buf:    buf,
		opts:   opts,
		logger: logging.OrNop(opts.Logger).With(zap.String("component", "session")),
	}
	s.unsubscribe = buf.OnChange(s.handleLocalChange)
	return s
}

func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Armed reports whether local edits are currently diffed and sent.
func (s *Session) Armed() bool { return s.armed.Load() }

// Reference returns the last text known to be in sync, and false when no
// role is active.
func (s *Session) Reference() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reference, s.role != None
}

// Relay returns the running relay server, or nil unless the session is a
// server.
func (s *Session) Relay() *relay.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server
}

func (s *Session) report(status string) {
	s.logger.Info(status)
	if s.opts.Status != nil {
		s.opts.Status(status)
	}
}

func (s *Session) checkIdle() error {
	switch s.role {
	case Server:
		return ErrServerActive
	case Client:
		return ErrClientActive
	}
	return nil
}

// StartServer hosts a relay on port. The document must be committed.
func (s *Session) StartServer(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkIdle(); err != nil {
		s.report("server did not start: " + err.Error())
		return err
	}
	if !s.buf.Committed() {
		s.report("server did not start: document not saved")
		return ErrNotCommitted
	}

	srv := relay.New(relay.Config{
		Addr:             net.JoinHostPort(s.opts.ListenHost, strconv.Itoa(port)),
		Snapshot:         s.buf.Text,
		MaxFrameSize:     s.opts.MaxFrameSize,
		SendQueueSize:    s.opts.SendQueueSize,
		ShutdownTimeout:  s.opts.ShutdownTimeout,
		WriteTimeout:     s.opts.WriteTimeout,
		HandshakeTimeout: s.opts.HandshakeTimeout,
		MetricsEnabled:   s.opts.MetricsEnabled,
		Mirror:           s.opts.Mirror,
		Logger:           s.opts.Logger,
	})
	if err := srv.Start(); err != nil {
		metrics.SessionStartsTotal.WithLabelValues("server", "error").Inc()
		s.report("server failed to start")
		return err
	}

	s.server = srv
	s.activate(Server)
	stop, done := make(chan struct{}), make(chan struct{})
	s.pumpStop, s.pumpDone = stop, done
	go s.serverPump(srv, stop, done)

	metrics.SessionStartsTotal.WithLabelValues("server", "ok").Inc()
	s.report("server started on " + srv.Addr().String())
	return nil
}

// StartClient connects to the relay at address, either host:port or a
// ws:// URI.
func (s *Session) StartClient(ctx context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkIdle(); err != nil {
		s.report("client did not start: " + err.Error())
		return err
	}

	c := peer.New(peer.Config{
		HandshakeTimeout:  s.opts.HandshakeTimeout,
		WriteTimeout:      s.opts.WriteTimeout,
		DisconnectTimeout: s.opts.ShutdownTimeout,
		EventBuffer:       s.opts.SendQueueSize,
		Logger:            s.opts.Logger,
	})
	if err := c.Connect(ctx, relayURI(address)); err != nil {
		metrics.SessionStartsTotal.WithLabelValues("client", "error").Inc()
		s.report("client did not connect: " + err.Error())
		return err
	}

	s.client = c
	s.activate(Client)
	done := make(chan struct{})
	s.pumpStop, s.pumpDone = nil, done
	go s.clientPump(c, c.Events(), done)

	metrics.SessionStartsTotal.WithLabelValues("client", "ok").Inc()
	s.report("client connected to " + address)
	return nil
}

func relayURI(address string) string {
	if strings.Contains(address, "://") {
		return address
	}
	return "ws://" + address + "/"
}

// activate must be called with mu held.
func (s *Session) activate(role Role) {
	s.role = role
	s.reference = s.buf.Text()
	s.decoders = make(map[string]*protocol.Decoder)
	s.armed.Store(true)
}

// reset must be called with mu held.
func (s *Session) reset() {
	s.armed.Store(false)
	s.role = None
	s.reference = ""
	s.server = nil
	s.client = nil
	s.decoders = nil
	s.pumpStop, s.pumpDone = nil, nil
}

// Stop shuts down the running relay or disconnects the client, then clears
// the role, the armed flag and the reference snapshot.
func (s *Session) Stop() error {
	s.mu.Lock()
	role := s.role
	if role == None {
		s.mu.Unlock()
		s.report("nothing to stop")
		return ErrNoRole
	}
	srv, c := s.server, s.client
	stop, done := s.pumpStop, s.pumpDone
	// Detach first so the pumps ignore the teardown events we are about to
	// cause.
	s.server, s.client = nil, nil
	s.armed.Store(false)
	s.mu.Unlock()

	var err error
	switch {
	case srv != nil:
		err = srv.Stop()
		close(stop)
	case c != nil:
		// The relay may have gone away on its own in the meantime.
		if err = c.Disconnect(); errors.Is(err, peer.ErrNotConnected) {
			err = nil
		}
	}
	if done != nil {
		<-done
	}

	s.mu.Lock()
	s.reset()
	s.mu.Unlock()

	if role == Server {
		s.report("server stopped")
	} else {
		s.report("client disconnected")
	}
	return err
}

// Close stops any running role and detaches from the buffer.
func (s *Session) Close() error {
	var err error
	if s.Role() != None {
		err = s.Stop()
	}
	s.unsubscribe()
	return err
}

func (s *Session) serverPump(srv *relay.Server, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	events := srv.Events()
	for {
		select {
		case ev := <-events:
			switch ev.Kind {
			case relay.EventMessage:
				s.handleFrame(ev.ConnID, ev.Frame)
			case relay.EventPeerJoined:
				s.logger.Debug("Peer joined", zap.String("conn_id", ev.ConnID))
			case relay.EventPeerLeft:
				s.mu.Lock()
				delete(s.decoders, ev.ConnID)
				s.mu.Unlock()
			}
		case <-stop:
			return
		}
	}
}

func (s *Session) clientPump(c *peer.Client, events <-chan peer.Event, done chan<- struct{}) {
	defer close(done)
	for ev := range events {
		switch ev.Kind {
		case peer.EventMessage:
			s.handleFrame(relayConnID, ev.Frame)
		case peer.EventDisconnected:
			s.handleClientDisconnected(c, ev.Err)
		}
	}
}

// handleClientDisconnected tears the role down when the relay went away on
// its own. There is no automatic reconnect.
func (s *Session) handleClientDisconnected(c *peer.Client, cause error) {
	s.mu.Lock()
	if s.client != c {
		s.mu.Unlock()
		return
	}
	s.reset()
	s.mu.Unlock()

	if cause != nil {
		s.logger.Warn("Connection to relay lost", zap.Error(cause))
	}
	s.report(StatusDisconnected)
}

// handleLocalChange runs after every buffer edit.
func (s *Session) handleLocalChange() {
	if !s.armed.Load() {
		return
	}
	s.mu.Lock()
	if !s.armed.Load() || s.role == None {
		s.mu.Unlock()
		return
	}

	text := s.buf.Text()
	// Same-length replacements are never diffed.
	if utf8.RuneCountInString(text) == utf8.RuneCountInString(s.reference) {
		s.mu.Unlock()
		return
	}

	var frames []string
	kind := "full"
	if e, ok := diff.Compute(s.reference, text); ok {
		frames = []string{protocol.EncodeRelative(e)}
		kind = string(e.Op)
	} else {
		frames = protocol.FullFrames(text, s.opts.MaxFrameSize)
	}
	s.reference = text

	if err := s.unlockAndSend(frames); err != nil {
		s.logger.Warn("Failed to send local edit", zap.String("kind", kind), zap.Error(err))
		return
	}
	metrics.OutboundEditsTotal.WithLabelValues(kind).Inc()
}

// unlockAndSend must be called with mu held and returns with it released.
// The transport is captured under mu and used after mu is dropped, so a slow
// or blocked transport never holds up inbound apply or Stop. sendMu is taken
// before mu is released to keep outbound frames in the order they were
// prepared.
func (s *Session) unlockAndSend(frames []string) error {
	srv, c := s.server, s.client
	s.sendMu.Lock()
	s.mu.Unlock()
	defer s.sendMu.Unlock()

	switch {
	case srv != nil:
		return srv.Broadcast(frames...)
	case c != nil:
		return c.Send(frames...)
	}
	return ErrNoRole
}

// handleFrame decodes one inbound frame from connID and applies it.
func (s *Session) handleFrame(connID, frame string) {
	s.mu.Lock()
	if s.server == nil && s.client == nil {
		s.mu.Unlock()
		return
	}

	dec, ok := s.decoders[connID]
	if !ok {
		dec = &protocol.Decoder{}
		s.decoders[connID] = dec
	}
	msg := dec.Decode(frame)
	metrics.DecodeResultsTotal.WithLabelValues(msg.Kind.String()).Inc()

	switch msg.Kind {
	case protocol.FullComplete:
		s.apply(msg.Text, "full")
	case protocol.RelativeComplete:
		s.apply(diff.Apply(s.buf.Text(), msg.Edit), string(msg.Edit.Op))
	case protocol.MalformedRelative:
		s.logger.Warn("Dropping malformed relative message", zap.String("conn_id", connID), zap.Error(msg.Err))
		if s.opts.MalformedPolicy == config.PolicyResync {
			s.resync()
			return
		}
	case protocol.Unrecognized:
		s.logger.Debug("Dropping unrecognized frame", zap.String("conn_id", connID), zap.Int("bytes", len(frame)))
	}
	s.mu.Unlock()
}

// apply replaces the buffer text with echo suppression. mu must be held.
func (s *Session) apply(text, kind string) {
	s.armed.Store(false)
	s.buf.SetText(text)
	s.reference = text
	s.armed.Store(true)
	metrics.AppliedEditsTotal.WithLabelValues(kind).Inc()
}

// resync sends the local buffer as a full snapshot. It must be called with mu
// held and returns with it released.
func (s *Session) resync() {
	text := s.buf.Text()
	s.reference = text
	if err := s.unlockAndSend(protocol.FullFrames(text, s.opts.MaxFrameSize)); err != nil {
		s.logger.Warn("Resync failed", zap.Error(err))
		return
	}
	metrics.OutboundEditsTotal.WithLabelValues("resync").Inc()
}
