package protocol

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/remindly/remindly/internal/metrics"
)

// ErrNotConnected means the page has no live channel to the worker.
var ErrNotConnected = errors.New("not connected to worker")

// Link is the page end of the message channel. It dials the worker,
// reconnects with backoff when the worker is recycled, and supports
// both fire-and-forget sends and correlated requests.
type Link struct {
	url     string
	handler HandlerFunc
	pending *pendingReplies
	timeout time.Duration
	logger  *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// LinkConfig configures the page-side link.
type LinkConfig struct {
	// URL is the worker's websocket endpoint (ws://host/ws).
	URL string
	// ReplyTimeout bounds correlated requests; zero means the default 3 s.
	ReplyTimeout time.Duration
}

// NewLink creates a link; Run must be called to connect.
func NewLink(cfg LinkConfig, handler HandlerFunc, logger *zap.Logger) *Link {
	timeout := cfg.ReplyTimeout
	if timeout == 0 {
		timeout = DefaultReplyTimeout
	}
	return &Link{
		url:     cfg.URL,
		handler: handler,
		pending: newPendingReplies(),
		timeout: timeout,
		logger:  logger,
	}
}

// Connected reports whether a channel to the worker is currently up.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// Send posts a fire-and-forget envelope.
func (l *Link) Send(env Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return ErrNotConnected
	}
	if err := l.conn.WriteJSON(env); err != nil {
		return err
	}
	metrics.RecordProtocolMessage(env.Type, "outbound")
	return nil
}

// Request sends a correlated envelope and awaits exactly one reply.
// Resolves to ErrReplyTimeout rather than hanging when no reply
// arrives within the bound.
func (l *Link) Request(ctx context.Context, env Envelope) (Envelope, error) {
	env.CorrelationID = uuid.NewString()
	ch := l.pending.register(env.CorrelationID)

	if err := l.Send(env); err != nil {
		l.pending.drop(env.CorrelationID)
		return Envelope{}, err
	}

	return l.pending.await(ctx, env.CorrelationID, ch, l.timeout)
}

// Run maintains the connection until ctx is cancelled, reconnecting
// with exponential backoff after the worker goes away.
func (l *Link) Run(ctx context.Context) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.url, nil)
		if err != nil {
			l.logger.Debug("worker dial failed",
				zap.Error(err),
				zap.Duration("retry_in", backoff),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		l.logger.Info("connected to worker", zap.String("url", l.url))
		backoff = time.Second

		l.mu.Lock()
		l.conn = conn
		l.mu.Unlock()

		l.readLoop(ctx, conn)

		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
		conn.Close()
	}
}

func (l *Link) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			l.logger.Debug("worker connection lost", zap.Error(err))
			return
		}

		metrics.RecordProtocolMessage(env.Type, "inbound")

		if env.CorrelationID != "" && l.pending.resolve(env) {
			continue
		}

		reply := l.handler(ctx, env)
		if reply == nil {
			continue
		}
		reply.CorrelationID = env.CorrelationID
		if err := l.Send(*reply); err != nil {
			l.logger.Debug("reply to worker failed", zap.Error(err))
		}
	}
}

// Close tears down the current connection, if any.
func (l *Link) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
}
