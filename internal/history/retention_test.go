package history

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/remindly/remindly/internal/db"
)

// mockStore is an in-memory stand-in for the history repository.
type mockStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*db.NotificationRecord
	config  db.CleanupConfig
}

func newMockStore() *mockStore {
	return &mockStore{
		records: make(map[uuid.UUID]*db.NotificationRecord),
		config:  db.DefaultCleanupConfig(),
	}
}

func (s *mockStore) add(age time.Duration, priority string) uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &db.NotificationRecord{
		ID:        uuid.New(),
		Title:     "reminder",
		Type:      "reminder",
		Priority:  priority,
		Status:    db.StatusSent,
		Timestamp: time.Now().Add(-age),
	}
	s.records[rec.ID] = rec
	return rec.ID
}

func (s *mockStore) has(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[id]
	return ok
}

func (s *mockStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *mockStore) ListAll(ctx context.Context) ([]*db.NotificationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*db.NotificationRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, nil
}

func (s *mockStore) DeleteBatch(ctx context.Context, ids []uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, id := range ids {
		if _, ok := s.records[id]; ok {
			delete(s.records, id)
			removed++
		}
	}
	return removed, nil
}

func (s *mockStore) GetCleanupConfig(ctx context.Context) (db.CleanupConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config, nil
}

func (s *mockStore) SaveCleanupConfig(ctx context.Context, cfg db.CleanupConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = cfg
	return nil
}

func day(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func TestCleanup_RemovesExpiredRecords(t *testing.T) {
	store := newMockStore()
	old := store.add(day(40), db.PriorityMedium)
	fresh := store.add(day(5), db.PriorityMedium)

	engine := NewEngine(store, zap.NewNop())
	result, err := engine.Cleanup(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}

	if result.ByAge != 1 || result.TotalRemoved != 1 {
		t.Errorf("expected 1 removed by age, got %+v", result)
	}
	if store.has(old) {
		t.Error("expired record must be removed")
	}
	if !store.has(fresh) {
		t.Error("fresh record must survive")
	}
}

func TestCleanup_ZeroMaxCountKeepsNothing(t *testing.T) {
	store := newMockStore()
	store.add(day(1), db.PriorityMedium)
	store.add(day(2), db.PriorityMedium)

	cfg := db.DefaultCleanupConfig()
	cfg.MaxCount = 0

	engine := NewEngine(store, zap.NewNop())
	result, err := engine.Cleanup(context.Background(), &cfg)
	if err != nil {
		t.Fatal(err)
	}

	if result.ByCount != 2 || result.TotalRemoved != 2 {
		t.Errorf("zero max count must remove every survivor, got %+v", result)
	}
	if store.size() != 0 {
		t.Errorf("expected empty store, %d records remain", store.size())
	}
}

func TestCleanup_HighPriorityGetsLongerRetention(t *testing.T) {
	store := newMockStore()
	spared := store.add(day(40), db.PriorityHigh)
	expired := store.add(day(100), db.PriorityHigh)
	normal := store.add(day(40), db.PriorityMedium)

	engine := NewEngine(store, zap.NewNop())
	result, err := engine.Cleanup(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}

	if !store.has(spared) {
		t.Error("high-priority record inside its window must survive")
	}
	if store.has(expired) {
		t.Error("high-priority record beyond its window must be removed")
	}
	if store.has(normal) {
		t.Error("normal record past the cutoff must be removed")
	}
	if result.ByAge != 2 {
		t.Errorf("expected 2 removed by age, got %+v", result)
	}
}

func TestCleanup_HighPriorityGuardCanBeDisabled(t *testing.T) {
	store := newMockStore()
	store.config.KeepHighPriority = false
	rec := store.add(day(40), db.PriorityHigh)

	engine := NewEngine(store, zap.NewNop())
	if _, err := engine.Cleanup(context.Background(), nil); err != nil {
		t.Fatal(err)
	}

	if store.has(rec) {
		t.Error("without the guard, high priority expires like any other record")
	}
}

func TestCleanup_CountPassKeepsNewest(t *testing.T) {
	store := newMockStore()
	store.config.MaxCount = 3

	var ids []uuid.UUID
	for i := 0; i < 6; i++ {
		ids = append(ids, store.add(day(i+1), db.PriorityMedium))
	}

	engine := NewEngine(store, zap.NewNop())
	result, err := engine.Cleanup(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}

	if result.ByCount != 3 {
		t.Errorf("expected 3 removed by count, got %+v", result)
	}
	// ids[0..2] are the newest three.
	for i, id := range ids {
		if i < 3 && !store.has(id) {
			t.Errorf("newest record %d must survive", i)
		}
		if i >= 3 && store.has(id) {
			t.Errorf("oldest record %d must be removed", i)
		}
	}
}

func TestCleanup_PassesNeverDoubleCount(t *testing.T) {
	store := newMockStore()
	store.config.MaxCount = 1

	store.add(day(40), db.PriorityMedium)
	store.add(day(2), db.PriorityMedium)
	store.add(day(1), db.PriorityMedium)

	engine := NewEngine(store, zap.NewNop())
	result, err := engine.Cleanup(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}

	// The 40-day record expires by age; of the two survivors only the
	// newest stays, so exactly one goes by count.
	if result.ByAge != 1 || result.ByCount != 1 || result.TotalRemoved != 2 {
		t.Errorf("unexpected result: %+v", result)
	}
	if store.size() != 1 {
		t.Errorf("expected 1 record left, got %d", store.size())
	}
}

func TestCleanup_Idempotent(t *testing.T) {
	store := newMockStore()
	store.config.MaxCount = 2
	for i := 0; i < 5; i++ {
		store.add(day(i), db.PriorityMedium)
	}

	engine := NewEngine(store, zap.NewNop())
	ctx := context.Background()

	if _, err := engine.Cleanup(ctx, nil); err != nil {
		t.Fatal(err)
	}
	second, err := engine.Cleanup(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}

	if second.TotalRemoved != 0 {
		t.Errorf("second run over a trimmed log must remove nothing, got %+v", second)
	}
}

func TestCleanup_OverridesReplaceStoredPolicy(t *testing.T) {
	store := newMockStore()
	rec := store.add(day(10), db.PriorityMedium)

	engine := NewEngine(store, zap.NewNop())
	overrides := db.DefaultCleanupConfig()
	overrides.MaxAgeDays = 5

	result, err := engine.Cleanup(context.Background(), &overrides)
	if err != nil {
		t.Fatal(err)
	}
	if result.ByAge != 1 || store.has(rec) {
		t.Error("override policy must apply instead of the stored one")
	}
}

func TestRunAutomaticCleanup_DisabledIsNoOp(t *testing.T) {
	store := newMockStore()
	store.config.Enabled = false
	rec := store.add(day(100), db.PriorityMedium)

	engine := NewEngine(store, zap.NewNop())
	result, err := engine.RunAutomaticCleanup(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if result.TotalRemoved != 0 || !store.has(rec) {
		t.Error("disabled policy must leave the log untouched")
	}
	if store.config.LastCleanup != nil {
		t.Error("a skipped run must not stamp LastCleanup")
	}
}

func TestRunAutomaticCleanup_IntervalGating(t *testing.T) {
	store := newMockStore()
	recent := time.Now().Add(-time.Hour)
	store.config.LastCleanup = &recent
	rec := store.add(day(100), db.PriorityMedium)

	engine := NewEngine(store, zap.NewNop())
	result, err := engine.RunAutomaticCleanup(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if result.TotalRemoved != 0 || !store.has(rec) {
		t.Error("run inside the interval must be skipped")
	}
	if !store.config.LastCleanup.Equal(recent) {
		t.Error("a skipped run must not move LastCleanup")
	}
}

func TestRunAutomaticCleanup_StampsLastCleanupEvenWhenQuiet(t *testing.T) {
	store := newMockStore()
	store.add(day(1), db.PriorityMedium)

	engine := NewEngine(store, zap.NewNop())
	result, err := engine.RunAutomaticCleanup(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if result.TotalRemoved != 0 {
		t.Fatalf("nothing should be old enough to remove, got %+v", result)
	}
	if store.config.LastCleanup == nil {
		t.Error("a completed run must stamp LastCleanup even when it removed nothing")
	}
}

func TestRunAutomaticCleanup_DueRunRemoves(t *testing.T) {
	store := newMockStore()
	stale := time.Now().Add(-48 * time.Hour)
	store.config.LastCleanup = &stale
	rec := store.add(day(100), db.PriorityMedium)

	engine := NewEngine(store, zap.NewNop())
	result, err := engine.RunAutomaticCleanup(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if result.TotalRemoved != 1 || store.has(rec) {
		t.Errorf("due run must remove the expired record, got %+v", result)
	}
	if !store.config.LastCleanup.After(stale) {
		t.Error("LastCleanup must advance after a due run")
	}
}
