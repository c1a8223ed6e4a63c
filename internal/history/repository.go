// Package history records every notification the system has shown and
// enforces the user's retention policy over that log.
package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/remindly/remindly/internal/db"
)

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = errors.New("history record not found")

// Repository persists notification records in the notification_history
// table and the retention policy in the single-row cleanup_config table.
type Repository struct {
	db     *db.DB
	logger *zap.Logger
}

// NewRepository creates a history repository.
func NewRepository(database *db.DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     database,
		logger: logger,
	}
}

// Add appends a record to the history log and returns its id.
func (r *Repository) Add(ctx context.Context, record *db.NotificationRecord) (uuid.UUID, error) {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.Priority == "" {
		record.Priority = db.PriorityMedium
	}

	query := `
		INSERT INTO notification_history
			(id, title, body, type, target_id, priority, status, channels, actions, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		record.ID,
		record.Title,
		record.Body,
		record.Type,
		record.TargetID,
		record.Priority,
		record.Status,
		record.Channels,
		record.Actions,
		record.Timestamp,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert history record: %w", err)
	}

	return record.ID, nil
}

// MarkStatus updates a record's delivery status (sent, received,
// clicked, failed).
func (r *Repository) MarkStatus(ctx context.Context, id uuid.UUID, status string) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE notification_history SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("update history status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns records newest first, up to limit (0 means no limit).
func (r *Repository) List(ctx context.Context, limit int) ([]*db.NotificationRecord, error) {
	query := `
		SELECT id, title, body, type, target_id, priority, status, channels, actions, timestamp
		FROM notification_history
		ORDER BY timestamp DESC
	`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var records []*db.NotificationRecord
	for rows.Next() {
		var rec db.NotificationRecord
		err := rows.Scan(
			&rec.ID,
			&rec.Title,
			&rec.Body,
			&rec.Type,
			&rec.TargetID,
			&rec.Priority,
			&rec.Status,
			&rec.Channels,
			&rec.Actions,
			&rec.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("scan history record: %w", err)
		}
		records = append(records, &rec)
	}

	return records, rows.Err()
}

// ListAll returns the full log, newest first. The retention engine
// works over this snapshot.
func (r *Repository) ListAll(ctx context.Context) ([]*db.NotificationRecord, error) {
	return r.List(ctx, 0)
}

// DeleteBatch removes the given records and reports how many rows were
// actually deleted.
func (r *Repository) DeleteBatch(ctx context.Context, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM notification_history WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("delete history records: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// Clear wipes the entire history log.
func (r *Repository) Clear(ctx context.Context) error {
	_, err := r.db.Pool().Exec(ctx, `DELETE FROM notification_history`)
	if err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	r.logger.Warn("notification history cleared")
	return nil
}

// GetCleanupConfig loads the retention policy, falling back to the
// defaults when none has been saved yet.
func (r *Repository) GetCleanupConfig(ctx context.Context) (db.CleanupConfig, error) {
	query := `
		SELECT enabled, max_age_days, max_count, keep_high_priority,
		       high_priority_max_age_days, cleanup_interval_hours, last_cleanup
		FROM cleanup_config
		WHERE id = 1
	`

	var cfg db.CleanupConfig
	err := r.db.Pool().QueryRow(ctx, query).Scan(
		&cfg.Enabled,
		&cfg.MaxAgeDays,
		&cfg.MaxCount,
		&cfg.KeepHighPriority,
		&cfg.HighPriorityMaxAgeDays,
		&cfg.CleanupIntervalHours,
		&cfg.LastCleanup,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return db.DefaultCleanupConfig(), nil
		}
		return db.CleanupConfig{}, fmt.Errorf("query cleanup config: %w", err)
	}

	return cfg, nil
}

// SaveCleanupConfig persists the retention policy. The table holds one
// row; saving upserts it.
func (r *Repository) SaveCleanupConfig(ctx context.Context, cfg db.CleanupConfig) error {
	query := `
		INSERT INTO cleanup_config
			(id, enabled, max_age_days, max_count, keep_high_priority,
			 high_priority_max_age_days, cleanup_interval_hours, last_cleanup)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			max_age_days = EXCLUDED.max_age_days,
			max_count = EXCLUDED.max_count,
			keep_high_priority = EXCLUDED.keep_high_priority,
			high_priority_max_age_days = EXCLUDED.high_priority_max_age_days,
			cleanup_interval_hours = EXCLUDED.cleanup_interval_hours,
			last_cleanup = EXCLUDED.last_cleanup
	`

	_, err := r.db.Pool().Exec(ctx, query,
		cfg.Enabled,
		cfg.MaxAgeDays,
		cfg.MaxCount,
		cfg.KeepHighPriority,
		cfg.HighPriorityMaxAgeDays,
		cfg.CleanupIntervalHours,
		cfg.LastCleanup,
	)
	if err != nil {
		return fmt.Errorf("save cleanup config: %w", err)
	}

	return nil
}
