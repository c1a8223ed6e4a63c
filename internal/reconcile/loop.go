package reconcile

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/remindly/remindly/internal/metrics"
)

// Poller fetches fresh reminder status from the backend.
type Poller interface {
	Poll(ctx context.Context) error
}

// ReadinessCheck gates polling. When it reports false the tick is
// skipped (still counted, still backed off) so the loop does not burn
// requests against a backend it cannot reach.
type ReadinessCheck interface {
	Ready(ctx context.Context) bool
}

// ReadinessFunc adapts a function to the ReadinessCheck interface.
type ReadinessFunc func(ctx context.Context) bool

func (f ReadinessFunc) Ready(ctx context.Context) bool { return f(ctx) }

// AllReady combines checks; every one must pass.
func AllReady(checks ...ReadinessCheck) ReadinessCheck {
	return ReadinessFunc(func(ctx context.Context) bool {
		for _, c := range checks {
			if !c.Ready(ctx) {
				return false
			}
		}
		return true
	})
}

// Loop drives the reconciliation schedule. One poll at a time; a
// manual refresh forces the next tick immediately but never interrupts
// a poll already in flight.
type Loop struct {
	poller    Poller
	readiness ReadinessCheck
	logger    *zap.Logger

	mu      sync.Mutex
	state   State
	refresh chan struct{}
}

// NewLoop creates a reconciliation loop.
func NewLoop(poller Poller, readiness ReadinessCheck, logger *zap.Logger) *Loop {
	return &Loop{
		poller:    poller,
		readiness: readiness,
		logger:    logger,
		state:     NewState(),
		refresh:   make(chan struct{}, 1),
	}
}

// State returns a snapshot of the loop's current state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Refresh requests an immediate poll on the next tick. Safe to call
// from any goroutine; repeated calls coalesce.
func (l *Loop) Refresh() {
	l.mu.Lock()
	l.state = RefreshRequested(l.state)
	l.mu.Unlock()

	select {
	case l.refresh <- struct{}{}:
	default:
	}
}

// Run polls until the context is cancelled.
func (l *Loop) Run(ctx context.Context) {
	timer := time.NewTimer(l.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.refresh:
			// Drain the timer so the reset below is clean.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		l.tick(ctx)
		timer.Reset(l.interval())
	}
}

func (l *Loop) tick(ctx context.Context) {
	l.mu.Lock()
	if l.state.IsPolling {
		l.mu.Unlock()
		return
	}
	forced := l.state.ManualRefresh
	l.state = PollStarted(l.state)
	l.mu.Unlock()

	if !forced && !l.readiness.Ready(ctx) {
		l.finish(OutcomeSkipped, "not ready")
		return
	}

	if err := l.poller.Poll(ctx); err != nil {
		l.logger.Warn("status poll failed", zap.Error(err))
		l.finish(OutcomeError, err.Error())
		return
	}
	l.finish(OutcomeSuccess, "")
}

func (l *Loop) finish(outcome Outcome, errMsg string) {
	l.mu.Lock()
	l.state = PollFinished(l.state, outcome, errMsg, time.Now())
	interval := l.state.PollInterval
	l.mu.Unlock()

	switch outcome {
	case OutcomeSuccess:
		metrics.RecordPoll("success")
	case OutcomeError:
		metrics.RecordPoll("error")
	default:
		metrics.RecordPoll("skipped")
	}

	if outcome != OutcomeSuccess {
		l.logger.Debug("poll backed off", zap.Duration("interval", interval))
	}
}

func (l *Loop) interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.PollInterval
}
