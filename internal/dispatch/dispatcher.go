// Package dispatch turns a user's notification action into a remote
// call, deferring it to the durable queue whenever delivery is not
// possible right now. "Offline" and "the call failed" collapse into
// the same recovery path: the intent is queued and retried later.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/remindly/remindly/internal/db"
	"github.com/remindly/remindly/internal/metrics"
	"github.com/remindly/remindly/internal/protocol"
)

// Queue is the slice of the offline queue the dispatcher needs.
type Queue interface {
	Enqueue(ctx context.Context, action, targetID string, payload json.RawMessage) (uuid.UUID, error)
	ListAll(ctx context.Context) ([]*db.QueueItem, error)
	Remove(ctx context.Context, id uuid.UUID) (bool, error)
	IncrementRetry(ctx context.Context, id uuid.UUID) (bool, error)
}

// Poster performs the remote call for one action.
type Poster interface {
	Post(ctx context.Context, action, targetID string, payload json.RawMessage) error
}

// Connectivity is the slice of the network monitor the dispatcher needs.
type Connectivity interface {
	IsOnline() bool
}

// Broadcaster fans notices out to connected pages.
type Broadcaster interface {
	Broadcast(env protocol.Envelope)
}

// Config holds dispatcher settings.
type Config struct {
	// MaxRetries is the retry ceiling; items that reach it are skipped
	// by later passes but kept for diagnostics, never silently dropped.
	MaxRetries int
}

// PassResult summarizes one queue processing pass.
type PassResult struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Dead      int `json:"dead"`
}

// Dispatcher delivers actions now when it can and queues them when it
// cannot.
type Dispatcher struct {
	queue   Queue
	poster  Poster
	network Connectivity
	pages   Broadcaster
	config  Config
	logger  *zap.Logger

	// passRunning guards against overlapping queue passes.
	passRunning atomic.Bool
}

// New creates a dispatcher.
func New(queue Queue, poster Poster, network Connectivity, pages Broadcaster, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	return &Dispatcher{
		queue:   queue,
		poster:  poster,
		network: network,
		pages:   pages,
		config:  cfg,
		logger:  logger,
	}
}

// Dispatch handles one user action. It returns nil when the action was
// either delivered or durably queued; the only error case is the queue
// store itself being unavailable, which the caller must surface rather
// than drop.
func (d *Dispatcher) Dispatch(ctx context.Context, action, targetID string, payload json.RawMessage) error {
	if !db.ValidAction(action) {
		return fmt.Errorf("unknown action %q", action)
	}

	// Known-offline: never attempt a network call, record intent.
	if !d.network.IsOnline() {
		return d.deferAction(ctx, action, targetID, payload, "offline")
	}

	if err := d.poster.Post(ctx, action, targetID, payload); err != nil {
		d.logger.Warn("action delivery failed, deferring",
			zap.Error(err),
			zap.String("action", action),
			zap.String("target_id", targetID),
		)
		return d.deferAction(ctx, action, targetID, payload, "failed")
	}

	metrics.RecordActionDispatched(action, "sent")
	return nil
}

func (d *Dispatcher) deferAction(ctx context.Context, action, targetID string, payload json.RawMessage, reason string) error {
	if _, err := d.queue.Enqueue(ctx, action, targetID, payload); err != nil {
		d.logger.Error("could not queue action, user intent at risk",
			zap.Error(err),
			zap.String("action", action),
			zap.String("target_id", targetID),
		)
		return fmt.Errorf("defer %s action: %w", action, err)
	}
	metrics.RecordActionDispatched(action, "deferred_"+reason)
	return nil
}

// ProcessQueue runs one reconciliation pass over the queue, oldest
// first: delivered items are removed, failures get their retry count
// bumped, items at the retry ceiling are skipped. A pass never runs
// concurrently with itself. After the pass (whether or not items
// remain) OFFLINE_QUEUE_PROCESSED is broadcast to all pages.
func (d *Dispatcher) ProcessQueue(ctx context.Context) (PassResult, error) {
	if !d.passRunning.CompareAndSwap(false, true) {
		d.logger.Debug("queue pass already in flight, skipping")
		return PassResult{}, nil
	}
	defer d.passRunning.Store(false)

	var result PassResult

	items, err := d.queue.ListAll(ctx)
	if err != nil {
		return result, fmt.Errorf("list queue: %w", err)
	}

	for _, item := range items {
		if item.RetryCount >= d.config.MaxRetries {
			result.Dead++
			metrics.RecordQueuePassItem("dead_skipped")
			continue
		}

		if err := d.poster.Post(ctx, item.Action, item.TargetID, item.Payload); err != nil {
			d.logger.Warn("queued action still undeliverable",
				zap.Error(err),
				zap.String("id", item.ID.String()),
				zap.Int("retry_count", item.RetryCount+1),
			)
			if _, ierr := d.queue.IncrementRetry(ctx, item.ID); ierr != nil {
				d.logger.Error("failed to bump retry count", zap.Error(ierr), zap.String("id", item.ID.String()))
			}
			result.Failed++
			metrics.RecordQueuePassItem("failed")
			continue
		}

		if _, rerr := d.queue.Remove(ctx, item.ID); rerr != nil {
			d.logger.Error("delivered but could not remove from queue",
				zap.Error(rerr),
				zap.String("id", item.ID.String()),
			)
		}
		result.Delivered++
		metrics.RecordQueuePassItem("delivered")
	}

	metrics.SetQueueDepth(len(items) - result.Delivered)

	if d.pages != nil {
		notice, _ := protocol.NewEnvelope(protocol.TypeOfflineQueueProcessed,
			protocol.QueueProcessedPayload{Timestamp: time.Now().UnixMilli()})
		d.pages.Broadcast(notice)
	}

	d.logger.Info("queue pass complete",
		zap.Int("delivered", result.Delivered),
		zap.Int("failed", result.Failed),
		zap.Int("dead", result.Dead),
	)

	return result, nil
}
