package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/remindly/remindly/internal/db"
	"github.com/remindly/remindly/internal/history"
	"github.com/remindly/remindly/internal/reconcile"
)

type mockQueue struct {
	items   []*db.QueueItem
	cleared bool
	err     error
}

func (q *mockQueue) ListAll(ctx context.Context) ([]*db.QueueItem, error) {
	return q.items, q.err
}

func (q *mockQueue) Clear(ctx context.Context) error {
	q.cleared = true
	return q.err
}

func (q *mockQueue) CountByAction(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	for _, item := range q.items {
		counts[item.Action]++
	}
	return counts, q.err
}

type mockFlusher struct {
	requested bool
	err       error
}

func (f *mockFlusher) RequestFlush(ctx context.Context) error {
	f.requested = true
	return f.err
}

type mockHistoryStore struct {
	records []*db.NotificationRecord
	config  db.CleanupConfig
	saved   *db.CleanupConfig
	cleared bool
}

func (s *mockHistoryStore) List(ctx context.Context, limit int) ([]*db.NotificationRecord, error) {
	if limit > 0 && limit < len(s.records) {
		return s.records[:limit], nil
	}
	return s.records, nil
}

func (s *mockHistoryStore) Clear(ctx context.Context) error {
	s.cleared = true
	return nil
}

func (s *mockHistoryStore) GetCleanupConfig(ctx context.Context) (db.CleanupConfig, error) {
	return s.config, nil
}

func (s *mockHistoryStore) SaveCleanupConfig(ctx context.Context, cfg db.CleanupConfig) error {
	s.saved = &cfg
	return nil
}

type mockCleaner struct {
	result    history.CleanupResult
	overrides *db.CleanupConfig
	called    bool
}

func (c *mockCleaner) Cleanup(ctx context.Context, overrides *db.CleanupConfig) (history.CleanupResult, error) {
	c.called = true
	c.overrides = overrides
	return c.result, nil
}

type stubChannel struct{ connected bool }

func (s *stubChannel) Connected() bool { return s.connected }

type stubPoll struct{ state reconcile.State }

func (s *stubPoll) State() reconcile.State { return s.state }

type stubNetwork struct{ online bool }

func (s *stubNetwork) IsOnline() bool { return s.online }

type testDeps struct {
	queue   *mockQueue
	flusher *mockFlusher
	store   *mockHistoryStore
	cleaner *mockCleaner
	channel *stubChannel
	poll    *stubPoll
	network *stubNetwork
}

func newTestHandler() (*Handler, *testDeps) {
	deps := &testDeps{
		queue:   &mockQueue{},
		flusher: &mockFlusher{},
		store:   &mockHistoryStore{config: db.DefaultCleanupConfig()},
		cleaner: &mockCleaner{},
		channel: &stubChannel{connected: true},
		poll:    &stubPoll{state: reconcile.NewState()},
		network: &stubNetwork{online: true},
	}
	h := NewHandler(HandlerConfig{
		Queue:      deps.queue,
		Flusher:    deps.flusher,
		History:    deps.store,
		Cleaner:    deps.cleaner,
		Channel:    deps.channel,
		Poll:       deps.poll,
		Network:    deps.network,
		MaxRetries: 3,
	}, zap.NewNop())
	return h, deps
}

func TestListQueue_MarksDeadItems(t *testing.T) {
	h, deps := newTestHandler()
	deps.queue.items = []*db.QueueItem{
		{ID: uuid.New(), Action: db.ActionComplete, TargetID: "r1", RetryCount: 0, EnqueuedAt: time.Now()},
		{ID: uuid.New(), Action: db.ActionSnooze, TargetID: "r2", RetryCount: 3, EnqueuedAt: time.Now()},
	}

	rec := httptest.NewRecorder()
	h.ListQueue(rec, httptest.NewRequest(http.MethodGet, "/v1/queue", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp QueueResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(resp.Items))
	}
	if resp.Items[0].Dead {
		t.Error("item below the ceiling must not be marked dead")
	}
	if !resp.Items[1].Dead {
		t.Error("item at the ceiling must be marked dead")
	}
	if resp.ByAction[db.ActionComplete] != 1 || resp.ByAction[db.ActionSnooze] != 1 {
		t.Errorf("unexpected counts: %v", resp.ByAction)
	}
}

func TestListQueue_StorageUnavailable(t *testing.T) {
	h, deps := newTestHandler()
	deps.queue.err = errors.New("connection refused")

	rec := httptest.NewRecorder()
	h.ListQueue(rec, httptest.NewRequest(http.MethodGet, "/v1/queue", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected problem+json, got %s", ct)
	}
}

func TestFlushQueue_RequestsPass(t *testing.T) {
	h, deps := newTestHandler()

	rec := httptest.NewRecorder()
	h.FlushQueue(rec, httptest.NewRequest(http.MethodPost, "/v1/queue/flush", nil))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if !deps.flusher.requested {
		t.Error("flush must be forwarded to the worker")
	}
}

func TestFlushQueue_WorkerUnreachable(t *testing.T) {
	h, deps := newTestHandler()
	deps.flusher.err = errors.New("channel down")

	rec := httptest.NewRecorder()
	h.FlushQueue(rec, httptest.NewRequest(http.MethodPost, "/v1/queue/flush", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestClearQueue(t *testing.T) {
	h, deps := newTestHandler()

	rec := httptest.NewRecorder()
	h.ClearQueue(rec, httptest.NewRequest(http.MethodDelete, "/v1/queue", nil))

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if !deps.queue.cleared {
		t.Error("clear must reach the queue")
	}
}

func TestListHistory_RespectsLimit(t *testing.T) {
	h, deps := newTestHandler()
	for i := 0; i < 5; i++ {
		deps.store.records = append(deps.store.records, &db.NotificationRecord{
			ID:        uuid.New(),
			Title:     "reminder",
			Timestamp: time.Now(),
		})
	}

	rec := httptest.NewRecorder()
	h.ListHistory(rec, httptest.NewRequest(http.MethodGet, "/v1/history?limit=2", nil))

	var records []*db.NotificationRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Errorf("expected 2 records, got %d", len(records))
	}
}

func TestListHistory_InvalidLimit(t *testing.T) {
	h, _ := newTestHandler()

	rec := httptest.NewRecorder()
	h.ListHistory(rec, httptest.NewRequest(http.MethodGet, "/v1/history?limit=banana", nil))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestListHistory_EmptyIsArray(t *testing.T) {
	h, _ := newTestHandler()

	rec := httptest.NewRecorder()
	h.ListHistory(rec, httptest.NewRequest(http.MethodGet, "/v1/history", nil))

	if body := rec.Body.String(); body != "[]\n" {
		t.Errorf("empty history must serialize as [], got %q", body)
	}
}

func TestRunCleanup_NoBodyUsesStoredPolicy(t *testing.T) {
	h, deps := newTestHandler()
	deps.cleaner.result = history.CleanupResult{TotalRemoved: 4, ByAge: 3, ByCount: 1}

	rec := httptest.NewRecorder()
	h.RunCleanup(rec, httptest.NewRequest(http.MethodPost, "/v1/history/cleanup", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !deps.cleaner.called || deps.cleaner.overrides != nil {
		t.Error("empty body must run with the stored policy")
	}

	var result history.CleanupResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.TotalRemoved != 4 {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestRunCleanup_BodyOverridesPolicy(t *testing.T) {
	h, deps := newTestHandler()

	body := `{"enabled":true,"max_age_days":7,"max_count":50,"keep_high_priority":false,"high_priority_max_age_days":7,"cleanup_interval_hours":12}`
	req := httptest.NewRequest(http.MethodPost, "/v1/history/cleanup", bytes.NewBufferString(body))

	rec := httptest.NewRecorder()
	h.RunCleanup(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if deps.cleaner.overrides == nil || deps.cleaner.overrides.MaxAgeDays != 7 {
		t.Errorf("overrides must reach the engine, got %+v", deps.cleaner.overrides)
	}
}

func TestPutCleanupSettings_ValidatesPolicy(t *testing.T) {
	h, deps := newTestHandler()

	cases := []struct {
		name string
		body string
	}{
		{"zero max age", `{"enabled":true,"max_age_days":0,"max_count":10,"cleanup_interval_hours":1}`},
		{"zero max count", `{"enabled":true,"max_age_days":10,"max_count":0,"cleanup_interval_hours":1}`},
		{"high priority window shorter than base", `{"enabled":true,"max_age_days":30,"max_count":10,"keep_high_priority":true,"high_priority_max_age_days":5,"cleanup_interval_hours":1}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPut, "/v1/settings/cleanup", bytes.NewBufferString(tc.body))
			h.PutCleanupSettings(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
		})
	}

	if deps.store.saved != nil {
		t.Error("invalid policies must not be saved")
	}
}

func TestPutCleanupSettings_PreservesLastCleanup(t *testing.T) {
	h, deps := newTestHandler()
	stamp := time.Now().Add(-time.Hour)
	deps.store.config.LastCleanup = &stamp

	body := `{"enabled":true,"max_age_days":14,"max_count":100,"keep_high_priority":true,"high_priority_max_age_days":60,"cleanup_interval_hours":6}`
	req := httptest.NewRequest(http.MethodPut, "/v1/settings/cleanup", bytes.NewBufferString(body))

	rec := httptest.NewRecorder()
	h.PutCleanupSettings(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if deps.store.saved == nil {
		t.Fatal("settings must be saved")
	}
	if deps.store.saved.LastCleanup == nil || !deps.store.saved.LastCleanup.Equal(stamp) {
		t.Error("saving settings must not move the cleanup stamp")
	}
	if deps.store.saved.MaxAgeDays != 14 {
		t.Errorf("unexpected saved policy: %+v", deps.store.saved)
	}
}

func TestPushStatus_ReportsChannelAndPollState(t *testing.T) {
	h, deps := newTestHandler()
	now := time.Now()
	deps.poll.state = reconcile.State{
		LastUpdated:  now,
		PollCount:    7,
		PollInterval: 10 * time.Second,
		Error:        "backend down",
	}
	deps.channel.connected = false
	deps.network.online = false

	rec := httptest.NewRecorder()
	h.PushStatus(rec, httptest.NewRequest(http.MethodGet, "/v1/push-status", nil))

	var resp PushStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	if resp.Connected || resp.Online {
		t.Error("status must reflect the disconnected state")
	}
	if resp.PollCount != 7 || resp.PollIntervalMS != 10000 {
		t.Errorf("unexpected poll state: %+v", resp)
	}
	if resp.Error != "backend down" {
		t.Errorf("expected error surfaced, got %q", resp.Error)
	}
	if resp.LastUpdated == nil {
		t.Error("expected lastUpdated set")
	}
}
