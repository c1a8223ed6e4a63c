package protocol

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/remindly/remindly/internal/metrics"
)

// ErrReplyTimeout means no correlated reply arrived within the bound.
// Callers treat it exactly like a failed call.
var ErrReplyTimeout = errors.New("no reply within timeout")

// pendingReplies tracks in-flight correlated requests. Each request
// owns a private buffered channel; exactly one reply is delivered and
// any duplicate is dropped.
type pendingReplies struct {
	mu      sync.Mutex
	waiting map[string]chan Envelope
}

func newPendingReplies() *pendingReplies {
	return &pendingReplies{waiting: make(map[string]chan Envelope)}
}

// register creates the reply channel for a correlation id.
func (p *pendingReplies) register(correlationID string) chan Envelope {
	ch := make(chan Envelope, 1)
	p.mu.Lock()
	p.waiting[correlationID] = ch
	p.mu.Unlock()
	return ch
}

// resolve delivers a reply. Returns false when nothing is waiting:
// either the request timed out already or a responder replied twice.
func (p *pendingReplies) resolve(env Envelope) bool {
	p.mu.Lock()
	ch, ok := p.waiting[env.CorrelationID]
	if ok {
		delete(p.waiting, env.CorrelationID)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	ch <- env
	return true
}

// drop abandons a correlation id without delivering a reply.
func (p *pendingReplies) drop(correlationID string) {
	p.mu.Lock()
	delete(p.waiting, correlationID)
	p.mu.Unlock()
}

// await blocks until the reply arrives, the timeout elapses, or ctx is
// cancelled.
func (p *pendingReplies) await(ctx context.Context, correlationID string, ch chan Envelope, timeout time.Duration) (Envelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-ch:
		return env, nil
	case <-timer.C:
		p.drop(correlationID)
		metrics.RecordProtocolTimeout()
		return Envelope{}, ErrReplyTimeout
	case <-ctx.Done():
		p.drop(correlationID)
		return Envelope{}, ctx.Err()
	}
}
