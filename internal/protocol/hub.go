package protocol

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/remindly/remindly/internal/metrics"
)

// HandlerFunc processes one inbound envelope and optionally produces a
// reply. Returning nil means no reply, which is also how unrecognized
// message types are handled: dropped, never an error.
type HandlerFunc func(ctx context.Context, env Envelope) *Envelope

// Hub is the worker end of the message channel. Pages connect over
// WebSocket; the hub fans broadcasts out to every connected page and
// routes correlated replies back to the page that asked.
type Hub struct {
	mu      sync.Mutex
	peers   map[*peer]struct{}
	handler HandlerFunc
	pending *pendingReplies
	logger  *zap.Logger

	upgrader websocket.Upgrader
}

// peer is one connected page. Outbound envelopes go through a buffered
// channel drained by a single write pump, preserving per-channel send
// order. The mutex serializes enqueue against close so a broadcast
// racing a disconnect never sends on a closed channel.
type peer struct {
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan Envelope
	closed bool
}

// NewHub creates a hub that routes inbound envelopes to handler.
func NewHub(handler HandlerFunc, logger *zap.Logger) *Hub {
	return &Hub{
		peers:   make(map[*peer]struct{}),
		handler: handler,
		pending: newPendingReplies(),
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades a page connection and pumps envelopes until the
// page goes away. A READY notice is sent first so the page knows the
// channel is live.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	p := &peer{conn: conn, send: make(chan Envelope, 16)}

	h.mu.Lock()
	h.peers[p] = struct{}{}
	h.mu.Unlock()

	go h.writePump(p)

	ready, _ := NewEnvelope(TypeReady, ReadyPayload{Timestamp: time.Now().UnixMilli()})
	p.enqueue(ready, h.logger)

	h.readPump(r.Context(), p)
}

// PeerCount reports connected pages, for health diagnostics.
func (h *Hub) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// Broadcast sends a fire-and-forget notice to every connected page.
func (h *Hub) Broadcast(env Envelope) {
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	metrics.RecordProtocolMessage(env.Type, "broadcast")
	for _, p := range peers {
		p.enqueue(env, h.logger)
	}
}

func (h *Hub) readPump(ctx context.Context, p *peer) {
	defer h.dropPeer(p)

	for {
		var env Envelope
		if err := p.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("page connection error", zap.Error(err))
			}
			return
		}

		metrics.RecordProtocolMessage(env.Type, "inbound")

		// A correlated envelope that matches one of our own in-flight
		// requests is a reply, not a new request.
		if env.CorrelationID != "" && h.pending.resolve(env) {
			continue
		}

		reply := h.handler(ctx, env)
		if reply == nil {
			continue
		}
		reply.CorrelationID = env.CorrelationID
		p.enqueue(*reply, h.logger)
	}
}

func (h *Hub) writePump(p *peer) {
	for env := range p.send {
		if err := p.conn.WriteJSON(env); err != nil {
			h.logger.Debug("write to page failed", zap.Error(err))
			h.dropPeer(p)
			return
		}
		metrics.RecordProtocolMessage(env.Type, "outbound")
	}
}

func (h *Hub) dropPeer(p *peer) {
	h.mu.Lock()
	delete(h.peers, p)
	h.mu.Unlock()

	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.send)
		p.conn.Close()
	}
	p.mu.Unlock()
}

// Close tears down every page connection.
func (h *Hub) Close() {
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		h.dropPeer(p)
	}
}

// enqueue drops the envelope rather than blocking the hub when a page
// stops draining its channel, and drops silently once the peer has
// been closed.
func (p *peer) enqueue(env Envelope, logger *zap.Logger) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	select {
	case p.send <- env:
	default:
		logger.Warn("page send buffer full, dropping envelope",
			zap.String("type", env.Type),
		)
	}
}
