package history

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/remindly/remindly/internal/db"
	"github.com/remindly/remindly/internal/metrics"
)

// Store is the slice of the history repository the retention engine
// needs.
type Store interface {
	ListAll(ctx context.Context) ([]*db.NotificationRecord, error)
	DeleteBatch(ctx context.Context, ids []uuid.UUID) (int, error)
	GetCleanupConfig(ctx context.Context) (db.CleanupConfig, error)
	SaveCleanupConfig(ctx context.Context, cfg db.CleanupConfig) error
}

// CleanupResult summarizes one retention run. ByAge and ByCount never
// count the same record twice: the count pass only considers records
// the age pass kept.
type CleanupResult struct {
	TotalRemoved int `json:"totalRemoved"`
	ByAge        int `json:"byAge"`
	ByCount      int `json:"byCount"`
}

// Engine applies the retention policy to the history log.
type Engine struct {
	store  Store
	logger *zap.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewEngine creates a retention engine.
func NewEngine(store Store, logger *zap.Logger) *Engine {
	return &Engine{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Cleanup runs the retention passes once. When overrides is non-nil it
// is used instead of the stored policy, which is how a manual "clean
// now" with custom settings works. Two passes run in order:
//
//  1. Age: records older than MaxAgeDays are removed. High-priority
//     records are spared while KeepHighPriority is set, unless they
//     are older than HighPriorityMaxAgeDays.
//  2. Count: of the records the age pass kept, only the newest
//     MaxCount survive.
func (e *Engine) Cleanup(ctx context.Context, overrides *db.CleanupConfig) (CleanupResult, error) {
	var result CleanupResult

	cfg := db.CleanupConfig{}
	if overrides != nil {
		cfg = *overrides
	} else {
		loaded, err := e.store.GetCleanupConfig(ctx)
		if err != nil {
			return result, fmt.Errorf("load retention policy: %w", err)
		}
		cfg = loaded
	}

	records, err := e.store.ListAll(ctx)
	if err != nil {
		return result, fmt.Errorf("list history: %w", err)
	}

	now := e.now()
	expired, survivors := e.agePass(records, cfg, now)
	overflow := e.countPass(survivors, cfg)

	result.ByAge = len(expired)
	result.ByCount = len(overflow)

	victims := append(expired, overflow...)
	if len(victims) > 0 {
		removed, err := e.store.DeleteBatch(ctx, victims)
		if err != nil {
			return result, fmt.Errorf("delete expired records: %w", err)
		}
		result.TotalRemoved = removed
	}

	metrics.RecordHistoryRemoved("age", result.ByAge)
	metrics.RecordHistoryRemoved("count", result.ByCount)

	e.logger.Info("history cleanup complete",
		zap.Int("total_removed", result.TotalRemoved),
		zap.Int("by_age", result.ByAge),
		zap.Int("by_count", result.ByCount),
	)

	return result, nil
}

// RunAutomaticCleanup runs Cleanup with the stored policy when it is
// due. It is a no-op while the policy is disabled or the configured
// interval has not elapsed since the last run. LastCleanup is stamped
// after every run, including runs that removed nothing, so a quiet log
// does not cause back-to-back scans.
func (e *Engine) RunAutomaticCleanup(ctx context.Context) (CleanupResult, error) {
	cfg, err := e.store.GetCleanupConfig(ctx)
	if err != nil {
		return CleanupResult{}, fmt.Errorf("load retention policy: %w", err)
	}

	if !cfg.Enabled {
		return CleanupResult{}, nil
	}

	now := e.now()
	if cfg.LastCleanup != nil {
		due := cfg.LastCleanup.Add(time.Duration(cfg.CleanupIntervalHours) * time.Hour)
		if now.Before(due) {
			return CleanupResult{}, nil
		}
	}

	result, err := e.Cleanup(ctx, &cfg)
	if err != nil {
		return result, err
	}

	cfg.LastCleanup = &now
	if err := e.store.SaveCleanupConfig(ctx, cfg); err != nil {
		return result, fmt.Errorf("stamp last cleanup: %w", err)
	}

	return result, nil
}

// agePass partitions records into expired ids and survivors.
func (e *Engine) agePass(records []*db.NotificationRecord, cfg db.CleanupConfig, now time.Time) ([]uuid.UUID, []*db.NotificationRecord) {
	cutoff := now.AddDate(0, 0, -cfg.MaxAgeDays)
	highCutoff := now.AddDate(0, 0, -cfg.HighPriorityMaxAgeDays)

	var expired []uuid.UUID
	var survivors []*db.NotificationRecord
	for _, rec := range records {
		if rec.Timestamp.Before(cutoff) {
			if cfg.KeepHighPriority && rec.Priority == db.PriorityHigh && !rec.Timestamp.Before(highCutoff) {
				survivors = append(survivors, rec)
				continue
			}
			expired = append(expired, rec.ID)
			continue
		}
		survivors = append(survivors, rec)
	}
	return expired, survivors
}

// countPass returns the ids of survivors beyond the newest MaxCount.
// Zero is honored literally and keeps nothing; a negative value
// disables the pass.
func (e *Engine) countPass(survivors []*db.NotificationRecord, cfg db.CleanupConfig) []uuid.UUID {
	if cfg.MaxCount < 0 || len(survivors) <= cfg.MaxCount {
		return nil
	}

	sorted := make([]*db.NotificationRecord, len(survivors))
	copy(sorted, survivors)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.After(sorted[j].Timestamp)
	})

	var overflow []uuid.UUID
	for _, rec := range sorted[cfg.MaxCount:] {
		overflow = append(overflow, rec.ID)
	}
	return overflow
}
