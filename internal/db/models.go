package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// QueueItem is a durably persisted record of a user action that could
// not be delivered synchronously. Owned exclusively by the offline
// queue: created on deferred dispatch, mutated only by retry-count
// increments, deleted on successful delivery or operator purge.
type QueueItem struct {
	ID         uuid.UUID       `json:"id"`
	Action     string          `json:"action"`
	TargetID   string          `json:"target_id"`
	Payload    json.RawMessage `json:"payload"`
	RetryCount int             `json:"retry_count"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Action constants for queue items and notification interactions.
const (
	ActionComplete = "complete"
	ActionSnooze   = "snooze"
	ActionView     = "view"
	ActionDismiss  = "dismiss"
)

// ValidAction reports whether a is one of the recognized reminder actions.
func ValidAction(a string) bool {
	switch a {
	case ActionComplete, ActionSnooze, ActionView, ActionDismiss:
		return true
	}
	return false
}

// NotificationRecord is one entry in the notification history log.
// Queue items reference reminders only by TargetID, never by record
// pointer, so history and queue can be trimmed independently.
type NotificationRecord struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Type      string    `json:"type"`
	TargetID  string    `json:"target_id,omitempty"`
	Priority  string    `json:"priority"`
	Status    string    `json:"status"`
	Channels  []string  `json:"channels"`
	Actions   []string  `json:"actions"`
	Timestamp time.Time `json:"timestamp"`
}

// Priority constants
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Record status constants
const (
	StatusPending  = "pending"
	StatusSent     = "sent"
	StatusFailed   = "failed"
	StatusReceived = "received"
	StatusClicked  = "clicked"
)

// CleanupConfig is the persisted retention policy for the notification
// history. Mutated by user settings, read by the retention engine.
type CleanupConfig struct {
	Enabled                bool       `json:"enabled"`
	MaxAgeDays             int        `json:"max_age_days"`
	MaxCount               int        `json:"max_count"`
	KeepHighPriority       bool       `json:"keep_high_priority"`
	HighPriorityMaxAgeDays int        `json:"high_priority_max_age_days"`
	CleanupIntervalHours   int        `json:"cleanup_interval_hours"`
	LastCleanup            *time.Time `json:"last_cleanup,omitempty"`
}

// DefaultCleanupConfig returns the retention policy applied before the
// user has saved any settings.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Enabled:                true,
		MaxAgeDays:             30,
		MaxCount:               200,
		KeepHighPriority:       true,
		HighPriorityMaxAgeDays: 90,
		CleanupIntervalHours:   24,
	}
}
