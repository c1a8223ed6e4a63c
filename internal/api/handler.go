// Package api serves the diagnostics and settings surface: queue
// inspection, manual history cleanup, retention settings, and the
// push channel status the UI shows the user.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/remindly/remindly/internal/db"
	"github.com/remindly/remindly/internal/history"
	"github.com/remindly/remindly/internal/reconcile"
)

// QueueReader defines the queue operations the diagnostics surface needs.
type QueueReader interface {
	ListAll(ctx context.Context) ([]*db.QueueItem, error)
	Clear(ctx context.Context) error
	CountByAction(ctx context.Context) (map[string]int, error)
}

// QueueFlusher asks the worker to run a queue pass now.
type QueueFlusher interface {
	RequestFlush(ctx context.Context) error
}

// HistoryStore defines the history operations the API exposes.
type HistoryStore interface {
	List(ctx context.Context, limit int) ([]*db.NotificationRecord, error)
	Clear(ctx context.Context) error
	GetCleanupConfig(ctx context.Context) (db.CleanupConfig, error)
	SaveCleanupConfig(ctx context.Context, cfg db.CleanupConfig) error
}

// Cleaner runs a manual retention pass.
type Cleaner interface {
	Cleanup(ctx context.Context, overrides *db.CleanupConfig) (history.CleanupResult, error)
}

// ChannelStatus reports whether the worker channel is up.
type ChannelStatus interface {
	Connected() bool
}

// PollStatus reports the reconciliation loop's state.
type PollStatus interface {
	State() reconcile.State
}

// Connectivity reports the network monitor's view.
type Connectivity interface {
	IsOnline() bool
}

// QueueItemView is one queue item as the diagnostics surface shows it.
// Dead marks items past the retry ceiling, retained but skipped.
type QueueItemView struct {
	ID         string          `json:"id"`
	Action     string          `json:"action"`
	TargetID   string          `json:"targetId"`
	Payload    json.RawMessage `json:"payload"`
	RetryCount int             `json:"retryCount"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Dead       bool            `json:"dead"`
}

// QueueResponse is returned from GET /v1/queue.
type QueueResponse struct {
	Items    []QueueItemView `json:"items"`
	ByAction map[string]int  `json:"byAction"`
}

// PushStatusResponse is returned from GET /v1/push-status.
type PushStatusResponse struct {
	Connected      bool       `json:"connected"`
	Online         bool       `json:"online"`
	LastUpdated    *time.Time `json:"lastUpdated,omitempty"`
	IsPolling      bool       `json:"isPolling"`
	PollCount      int        `json:"pollCount"`
	PollIntervalMS int64      `json:"pollIntervalMs"`
	Error          string     `json:"error,omitempty"`
}

// ErrorResponse represents an error in problem+json format.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for the diagnostics API handlers.
type Handler struct {
	logger     *zap.Logger
	queue      QueueReader
	flusher    QueueFlusher
	history    HistoryStore
	cleaner    Cleaner
	channel    ChannelStatus
	poll       PollStatus
	network    Connectivity
	maxRetries int
}

// HandlerConfig wires the handler's dependencies.
type HandlerConfig struct {
	Queue      QueueReader
	Flusher    QueueFlusher
	History    HistoryStore
	Cleaner    Cleaner
	Channel    ChannelStatus
	Poll       PollStatus
	Network    Connectivity
	MaxRetries int
}

// NewHandler creates the diagnostics API handler.
func NewHandler(cfg HandlerConfig, logger *zap.Logger) *Handler {
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	return &Handler{
		logger:     logger,
		queue:      cfg.Queue,
		flusher:    cfg.Flusher,
		history:    cfg.History,
		cleaner:    cfg.Cleaner,
		channel:    cfg.Channel,
		poll:       cfg.Poll,
		network:    cfg.Network,
		maxRetries: maxRetries,
	}
}

// ListQueue handles GET /v1/queue.
func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	items, err := h.queue.ListAll(ctx)
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "queue_unavailable", "Failed to read offline queue", "")
		return
	}

	counts, err := h.queue.CountByAction(ctx)
	if err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "queue_unavailable", "Failed to read offline queue", "")
		return
	}

	views := make([]QueueItemView, 0, len(items))
	for _, item := range items {
		views = append(views, QueueItemView{
			ID:         item.ID.String(),
			Action:     item.Action,
			TargetID:   item.TargetID,
			Payload:    item.Payload,
			RetryCount: item.RetryCount,
			EnqueuedAt: item.EnqueuedAt,
			Dead:       item.RetryCount >= h.maxRetries,
		})
	}

	h.writeJSON(w, http.StatusOK, QueueResponse{Items: views, ByAction: counts})
}

// FlushQueue handles POST /v1/queue/flush.
func (h *Handler) FlushQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.flusher.RequestFlush(r.Context()); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "worker_unreachable", "Failed to request a queue pass", err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ClearQueue handles DELETE /v1/queue. This is the only path that
// discards dead items.
func (h *Handler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Clear(r.Context()); err != nil {
		h.writeError(w, http.StatusServiceUnavailable, "queue_unavailable", "Failed to clear offline queue", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListHistory handles GET /v1/history.
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	records, err := h.history.List(r.Context(), limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list history", "")
		return
	}
	if records == nil {
		records = []*db.NotificationRecord{}
	}

	h.writeJSON(w, http.StatusOK, records)
}

// ClearHistory handles DELETE /v1/history.
func (h *Handler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := h.history.Clear(r.Context()); err != nil {
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to clear history", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RunCleanup handles POST /v1/history/cleanup. An optional body
// overrides the stored policy for this run only.
func (h *Handler) RunCleanup(w http.ResponseWriter, r *http.Request) {
	var overrides *db.CleanupConfig
	if r.ContentLength > 0 {
		var cfg db.CleanupConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}
		if err := validateCleanupConfig(cfg); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid retention policy", err.Error())
			return
		}
		overrides = &cfg
	}

	result, err := h.cleaner.Cleanup(r.Context(), overrides)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "cleanup_error", "History cleanup failed", "")
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// GetCleanupSettings handles GET /v1/settings/cleanup.
func (h *Handler) GetCleanupSettings(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.history.GetCleanupConfig(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load retention settings", "")
		return
	}
	h.writeJSON(w, http.StatusOK, cfg)
}

// PutCleanupSettings handles PUT /v1/settings/cleanup.
func (h *Handler) PutCleanupSettings(w http.ResponseWriter, r *http.Request) {
	var cfg db.CleanupConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if err := validateCleanupConfig(cfg); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid retention policy", err.Error())
		return
	}

	// LastCleanup is engine-owned; preserve the stored stamp.
	current, err := h.history.GetCleanupConfig(r.Context())
	if err == nil {
		cfg.LastCleanup = current.LastCleanup
	}

	if err := h.history.SaveCleanupConfig(r.Context(), cfg); err != nil {
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to save retention settings", "")
		return
	}

	h.writeJSON(w, http.StatusOK, cfg)
}

// PushStatus handles GET /v1/push-status.
func (h *Handler) PushStatus(w http.ResponseWriter, r *http.Request) {
	state := h.poll.State()

	resp := PushStatusResponse{
		Connected:      h.channel.Connected(),
		Online:         h.network.IsOnline(),
		IsPolling:      state.IsPolling,
		PollCount:      state.PollCount,
		PollIntervalMS: state.PollInterval.Milliseconds(),
		Error:          state.Error,
	}
	if !state.LastUpdated.IsZero() {
		resp.LastUpdated = &state.LastUpdated
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func validateCleanupConfig(cfg db.CleanupConfig) error {
	if cfg.MaxAgeDays <= 0 {
		return errors.New("max_age_days must be positive")
	}
	if cfg.MaxCount <= 0 {
		return errors.New("max_count must be positive")
	}
	if cfg.KeepHighPriority && cfg.HighPriorityMaxAgeDays < cfg.MaxAgeDays {
		return errors.New("high_priority_max_age_days must be at least max_age_days")
	}
	if cfg.CleanupIntervalHours <= 0 {
		return errors.New("cleanup_interval_hours must be positive")
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
