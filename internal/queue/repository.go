// Package queue implements the durable offline action queue. Items
// survive worker restarts because they live in Postgres, never in
// process memory; the worker may be recycled by the platform between
// any two operations.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/remindly/remindly/internal/db"
)

// ErrQueueUnavailable wraps storage failures so callers can distinguish
// "the store rejected this" from "the store is down". Enqueue must
// never fail silently: losing a user's completion or snooze is the
// worst-case outcome this design exists to prevent.
var ErrQueueUnavailable = errors.New("offline queue storage unavailable")

// Repository persists queue items in the offline_queue table
// (primary key id, secondary indices on enqueued_at and action).
type Repository struct {
	db     *db.DB
	logger *zap.Logger
}

// NewRepository creates a queue repository.
func NewRepository(database *db.DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     database,
		logger: logger,
	}
}

// Enqueue appends a new item and returns its id. A storage failure is
// surfaced to the caller wrapped in ErrQueueUnavailable.
func (r *Repository) Enqueue(ctx context.Context, action, targetID string, payload json.RawMessage) (uuid.UUID, error) {
	if !db.ValidAction(action) {
		return uuid.Nil, fmt.Errorf("unknown action %q", action)
	}
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}

	id := uuid.New()
	query := `
		INSERT INTO offline_queue (id, action, target_id, payload, retry_count, enqueued_at)
		VALUES ($1, $2, $3, $4, 0, NOW())
	`

	_, err := r.db.Pool().Exec(ctx, query, id, action, targetID, payload)
	if err != nil {
		r.logger.Error("failed to enqueue offline action",
			zap.Error(err),
			zap.String("action", action),
			zap.String("target_id", targetID),
		)
		return uuid.Nil, fmt.Errorf("%w: insert: %v", ErrQueueUnavailable, err)
	}

	r.logger.Info("offline action enqueued",
		zap.String("id", id.String()),
		zap.String("action", action),
		zap.String("target_id", targetID),
	)

	return id, nil
}

// ListAll returns every queued item ordered by enqueue time, oldest
// first. This is the order a processing pass works through.
func (r *Repository) ListAll(ctx context.Context) ([]*db.QueueItem, error) {
	query := `
		SELECT id, action, target_id, payload, retry_count, enqueued_at
		FROM offline_queue
		ORDER BY enqueued_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrQueueUnavailable, err)
	}
	defer rows.Close()

	var items []*db.QueueItem
	for rows.Next() {
		var item db.QueueItem
		err := rows.Scan(
			&item.ID,
			&item.Action,
			&item.TargetID,
			&item.Payload,
			&item.RetryCount,
			&item.EnqueuedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, &item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return items, nil
}

// Remove deletes an item after successful delivery. Returns false when
// the id was not present (already delivered by a previous pass).
func (r *Repository) Remove(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM offline_queue WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("%w: delete: %v", ErrQueueUnavailable, err)
	}
	return result.RowsAffected() > 0, nil
}

// IncrementRetry bumps the retry counter for a failed delivery. The
// single UPDATE statement gives per-id atomicity, so two operations on
// the same id never interleave.
func (r *Repository) IncrementRetry(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE offline_queue SET retry_count = retry_count + 1 WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("%w: update: %v", ErrQueueUnavailable, err)
	}
	return result.RowsAffected() > 0, nil
}

// Clear removes every item. Operator-driven purge only; this is the
// one path that discards dead items.
func (r *Repository) Clear(ctx context.Context) error {
	_, err := r.db.Pool().Exec(ctx, `DELETE FROM offline_queue`)
	if err != nil {
		return fmt.Errorf("%w: clear: %v", ErrQueueUnavailable, err)
	}
	r.logger.Warn("offline queue cleared")
	return nil
}

// CountByAction returns item counts grouped by action, for diagnostics.
func (r *Repository) CountByAction(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT action, COUNT(*) FROM offline_queue GROUP BY action`)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrQueueUnavailable, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[action] = n
	}

	return counts, rows.Err()
}

// OldestEnqueuedAt returns the enqueue time of the oldest pending item,
// or the zero time when the queue is empty.
func (r *Repository) OldestEnqueuedAt(ctx context.Context) (time.Time, error) {
	var oldest *time.Time
	err := r.db.Pool().QueryRow(ctx,
		`SELECT MIN(enqueued_at) FROM offline_queue`).Scan(&oldest)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: query: %v", ErrQueueUnavailable, err)
	}
	if oldest == nil {
		return time.Time{}, nil
	}
	return *oldest, nil
}
