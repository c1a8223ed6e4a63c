package circuitbreaker

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// Poster mirrors the dispatcher's poster interface to avoid circular imports.
type Poster interface {
	Post(ctx context.Context, action, targetID string, payload json.RawMessage) error
}

// ProtectedPoster wraps a Poster with a CircuitBreaker. When the
// remote action endpoint starts failing, the circuit opens and posts
// fail fast; the dispatcher's recovery path (enqueue) takes over
// immediately instead of waiting on a dead endpoint.
type ProtectedPoster struct {
	poster  Poster
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedPoster wraps a poster with circuit breaker protection.
func NewProtectedPoster(poster Poster, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedPoster {
	return &ProtectedPoster{
		poster:  poster,
		breaker: breaker,
		logger:  logger,
	}
}

// Post attempts delivery through the circuit breaker.
// If the circuit is open, returns ErrCircuitOpen immediately.
func (p *ProtectedPoster) Post(ctx context.Context, action, targetID string, payload json.RawMessage) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected action post",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("action", action),
			zap.String("target_id", targetID),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: action endpoint unavailable", ErrCircuitOpen)
	}

	err := p.poster.Post(ctx, action, targetID, payload)
	if err != nil {
		p.breaker.RecordFailure()
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}
