package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"collabtext/internal/metrics"
)

var (
	peersActive   = metrics.RelayPeersActive
	framesIn      = metrics.FramesReceivedTotal.WithLabelValues("relay")
	framesOut     = metrics.FramesSentTotal.WithLabelValues("relay")
	broadcastDrop = metrics.BroadcastDropsTotal
)

// peer is one accepted connection. Frames reach the socket only through send,
// drained by the peer's write pump, so per-peer order is the enqueue order.
type peer struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex // protects send against close, and keeps multi-frame enqueues contiguous
	send   chan string
	closed bool

	done chan struct{} // closed when the read pump exits
}

func newPeer(id string, conn *websocket.Conn, queue int) *peer {
	return &peer{
		id:   id,
		conn: conn,
		send: make(chan string, queue),
		done: make(chan struct{}),
	}
}

// enqueue queues frames without blocking. It reports false when the peer is
// closed or its queue is full.
func (p *peer) enqueue(frames []string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	for _, f := range frames {
		select {
		case p.send <- f:
		default:
			return false
		}
	}
	return true
}

func (p *peer) closeSend() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.send)
	}
}

// Broadcast queues frames for every connected peer. Frames of one call stay
// contiguous in each peer's queue. Peers whose queue cannot take them are
// disconnected after the fan-out completes.
func (s *Server) Broadcast(frames ...string) error {
	if s.State() != Listening {
		return ErrNotListening
	}
	s.fanOut("", frames)
	if s.cfg.Mirror != nil {
		for _, f := range frames {
			s.cfg.Mirror.Publish(f)
		}
	}
	return nil
}

// Inject delivers frames that arrived from another relay process: they are
// fanned out to every local peer and reported as EventMessage with a
// MirrorPrefix connection id. They are not published back to the Mirror.
func (s *Server) Inject(origin string, frames ...string) error {
	if s.State() != Listening {
		return ErrNotListening
	}
	s.fanOut("", frames)
	for _, f := range frames {
		s.emit(Event{Kind: EventMessage, ConnID: MirrorPrefix + origin, Frame: f})
	}
	return nil
}

// fanOut queues frames for every peer except the one with id exclude.
func (s *Server) fanOut(exclude string, frames []string) {
	s.mu.RLock()
	targets := make([]*peer, 0, len(s.peers))
	for id, p := range s.peers {
		if id != exclude {
			targets = append(targets, p)
		}
	}
	s.mu.RUnlock()

	var failed []*peer
	for _, p := range targets {
		if !p.enqueue(frames) {
			failed = append(failed, p)
		}
	}
	for _, p := range failed {
		broadcastDrop.Inc()
		s.logger.Warn("Peer queue full, disconnecting", zap.String("conn_id", p.id))
		s.deregister(p, false)
	}
}

// deregister removes p from the registry and closes its socket. Only the
// first call for a peer has any effect. A graceful disconnect attempts the
// close handshake first. It never waits on the event channel: EventPeerLeft
// is reported by the peer's read pump once the socket is gone.
func (s *Server) deregister(p *peer, graceful bool) {
	s.mu.Lock()
	_, ok := s.peers[p.id]
	delete(s.peers, p.id)
	s.mu.Unlock()
	if !ok {
		return
	}

	p.closeSend()
	peersActive.Dec()

	kind := "abrupt"
	if graceful {
		kind = "graceful"
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Server closing connection")
		_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout))
	}
	_ = p.conn.Close()
	metrics.RelayDisconnectsTotal.WithLabelValues(kind).Inc()

	s.logger.Info("Peer disconnected", zap.String("conn_id", p.id), zap.String("kind", kind))
}

// readPump surfaces every frame from the peer and relays it verbatim to all
// other peers, in the order the peer sent them.
func (s *Server) readPump(p *peer) {
	graceful := false
	defer func() {
		s.deregister(p, graceful)
		close(p.done)
		s.emit(Event{Kind: EventPeerLeft, ConnID: p.id})
		s.pumps.Done()
	}()

	for {
		mt, data, err := p.conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok && ce.Code != websocket.CloseAbnormalClosure {
				graceful = true
			} else if s.ctx.Err() == nil {
				s.logger.Warn("Peer read failed", zap.String("conn_id", p.id), zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		framesIn.Inc()
		frame := string(data)

		s.emit(Event{Kind: EventMessage, ConnID: p.id, Frame: frame})
		s.fanOut(p.id, []string{frame})
		if s.cfg.Mirror != nil {
			s.cfg.Mirror.Publish(frame)
		}
	}
}

func (s *Server) writePump(p *peer) {
	defer s.pumps.Done()
	for frame := range p.send {
		_ = p.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err := p.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			s.logger.Warn("Peer write failed", zap.String("conn_id", p.id), zap.Error(err))
			s.deregister(p, false)
			// Keep draining so enqueue never sees a full queue of a dead peer.
			for range p.send {
			}
			return
		}
		framesOut.Inc()
	}
}
