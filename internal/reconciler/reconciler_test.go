package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/maferick/corpaudit/internal/domain"
	"github.com/maferick/corpaudit/internal/testutil"
)

// mockStore keeps runs in memory.
type mockStore struct {
	mu   sync.Mutex
	runs []domain.Run
	err  error

	// finishBeforeAbandon simulates a run that completes between scan and update.
	finishBeforeAbandon map[uuid.UUID]bool
}

func (s *mockStore) StaleRuns(ctx context.Context, olderThan time.Time, limit int) ([]domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var result []domain.Run
	for _, r := range s.runs {
		if r.Status == domain.RunStatusRunning && r.StartedAt.Before(olderThan) {
			result = append(result, r)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (s *mockStore) AbandonRun(ctx context.Context, id uuid.UUID, finishedAt time.Time, durationMs int64, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.runs {
		r := &s.runs[i]
		if r.ID != id {
			continue
		}
		if s.finishBeforeAbandon[id] {
			r.Status = domain.RunStatusSuccess
		}
		if r.Status != domain.RunStatusRunning {
			return false, nil
		}
		r.Status = domain.RunStatusFailed
		r.FinishedAt = &finishedAt
		r.DurationMs = durationMs
		r.Message = message
		return true, nil
	}
	return false, nil
}

func (s *mockStore) get(id uuid.UUID) domain.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.ID == id {
			return r
		}
	}
	return domain.Run{}
}

// mockEmitter tracks emitted events.
type mockEmitter struct {
	mu     sync.Mutex
	events []domain.RunEvent
	err    error
}

func (e *mockEmitter) Emit(ctx context.Context, event domain.RunEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.events = append(e.events, event)
	return nil
}

var now = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func newTestReconciler(store Store) *Reconciler {
	clock := testutil.NewFakeClock(now)
	r := New(Config{Interval: time.Minute, Threshold: time.Hour, BatchSize: 10}, store)
	r.clock = clock.Now
	return r
}

func running(started time.Time) domain.Run {
	return domain.Run{ID: uuid.New(), JobKey: "audit.wallet", Status: domain.RunStatusRunning, StartedAt: started}
}

func TestReconcile_AbandonsStaleRuns(t *testing.T) {
	stale := running(now.Add(-90 * time.Minute))
	fresh := running(now.Add(-10 * time.Minute))
	store := &mockStore{runs: []domain.Run{stale, fresh}}
	emitter := &mockEmitter{}
	r := newTestReconciler(store).WithEmitter(emitter)

	n, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("closed %d runs, want 1", n)
	}

	got := store.get(stale.ID)
	if got.Status != domain.RunStatusFailed || got.Message != AbandonedMessage {
		t.Errorf("stale run = %+v", got)
	}
	if got.DurationMs != (90 * time.Minute).Milliseconds() {
		t.Errorf("duration = %d", got.DurationMs)
	}
	if store.get(fresh.ID).Status != domain.RunStatusRunning {
		t.Error("fresh run was touched")
	}
	if len(emitter.events) != 1 || emitter.events[0].RunID != stale.ID || emitter.events[0].Status != domain.RunStatusFailed {
		t.Errorf("events = %+v", emitter.events)
	}
}

func TestReconcile_SkipsRunsFinishedMeanwhile(t *testing.T) {
	run := running(now.Add(-2 * time.Hour))
	store := &mockStore{runs: []domain.Run{run}, finishBeforeAbandon: map[uuid.UUID]bool{run.ID: true}}
	r := newTestReconciler(store)

	n, err := r.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 || store.get(run.ID).Status != domain.RunStatusSuccess {
		t.Errorf("closed=%d status=%s", n, store.get(run.ID).Status)
	}
}

func TestReconcile_StoreError(t *testing.T) {
	store := &mockStore{err: errors.New("connection refused")}
	r := newTestReconciler(store)

	if _, err := r.Reconcile(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestReconcile_EmitErrorDoesNotStopCycle(t *testing.T) {
	store := &mockStore{runs: []domain.Run{running(now.Add(-2 * time.Hour)), running(now.Add(-3 * time.Hour))}}
	r := newTestReconciler(store).WithEmitter(&mockEmitter{err: errors.New("buffer full")})

	n, err := r.Reconcile(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("Reconcile = %d, %v", n, err)
	}
}

func TestReconcile_BatchSize(t *testing.T) {
	var runs []domain.Run
	for i := 0; i < 15; i++ {
		runs = append(runs, running(now.Add(-2*time.Hour)))
	}
	store := &mockStore{runs: runs}
	r := newTestReconciler(store)

	n, err := r.Reconcile(context.Background())
	if err != nil || n != 10 {
		t.Fatalf("first cycle = %d, %v", n, err)
	}
	n, err = r.Reconcile(context.Background())
	if err != nil || n != 5 {
		t.Fatalf("second cycle = %d, %v", n, err)
	}
}

func TestReconcile_CancelledContext(t *testing.T) {
	store := &mockStore{runs: []domain.Run{running(now.Add(-2 * time.Hour))}}
	r := newTestReconciler(store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Reconcile(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	store := &mockStore{}
	r := newTestReconciler(store)
	r.config.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Interval <= 0 || cfg.Threshold <= 0 || cfg.BatchSize <= 0 {
		t.Errorf("invalid defaults: %+v", cfg)
	}
}
