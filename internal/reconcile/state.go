// Package reconcile keeps the page's view of reminder status fresh by
// polling on an adaptive interval. The interval logic is a pure
// reducer over poll outcomes so it can be reasoned about and tested
// without timers.
package reconcile

import "time"

const (
	// InitialInterval is the poll interval while everything is healthy.
	InitialInterval = 5000 * time.Millisecond

	// MaxInterval caps the backoff growth.
	MaxInterval = 120000 * time.Millisecond
)

// State is the reconciliation loop's view of the world.
type State struct {
	LastUpdated   time.Time
	IsPolling     bool
	PollCount     int
	PollInterval  time.Duration
	Error         string
	ManualRefresh bool
}

// NewState returns the starting state.
func NewState() State {
	return State{PollInterval: InitialInterval}
}

// Outcome classifies one poll attempt.
type Outcome int

const (
	// OutcomeSuccess means the poll completed and fresh data arrived.
	OutcomeSuccess Outcome = iota
	// OutcomeError means the poll failed outright.
	OutcomeError
	// OutcomeSkipped means readiness checks failed and no request was made.
	OutcomeSkipped
)

// PollStarted marks a poll in flight.
func PollStarted(s State) State {
	s.IsPolling = true
	s.ManualRefresh = false
	return s
}

// PollFinished folds one poll outcome into the state. Success resets
// the interval to InitialInterval; any other outcome doubles it up to
// MaxInterval so a dead backend is not hammered. LastUpdated moves on
// every completed poll, success or not, so the page can show when the
// loop last checked.
func PollFinished(s State, outcome Outcome, errMsg string, now time.Time) State {
	s.IsPolling = false
	s.PollCount++
	s.LastUpdated = now

	switch outcome {
	case OutcomeSuccess:
		s.PollInterval = InitialInterval
		s.Error = ""
	default:
		s.Error = errMsg
		s.PollInterval = nextBackoff(s.PollInterval)
	}
	return s
}

// RefreshRequested flags that the next tick should poll regardless of
// readiness gating. An in-flight poll is never interrupted.
func RefreshRequested(s State) State {
	s.ManualRefresh = true
	return s
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > MaxInterval {
		return MaxInterval
	}
	return next
}
