package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/maferick/corpaudit/internal/domain"
)

func newTestEvent() domain.RunEvent {
	return domain.RunEvent{
		RunID:      uuid.New(),
		JobKey:     "audit.wallet",
		Status:     domain.RunStatusSuccess,
		DurationMs: 120,
		FinishedAt: time.Now().UTC(),
	}
}

func TestEventBus_EmitAndReceive(t *testing.T) {
	bus := NewEventBus(10)
	event := newTestEvent()

	ctx := context.Background()
	if err := bus.Emit(ctx, event); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	select {
	case got := <-bus.Channel():
		if got.RunID != event.RunID {
			t.Errorf("RunID = %v, want %v", got.RunID, event.RunID)
		}
		if got.JobKey != event.JobKey {
			t.Errorf("JobKey = %v, want %v", got.JobKey, event.JobKey)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event on channel")
	}
}

func TestEventBus_BufferFull(t *testing.T) {
	bus := NewEventBus(1, WithEmitTimeout(50*time.Millisecond))
	ctx := context.Background()

	if err := bus.Emit(ctx, newTestEvent()); err != nil {
		t.Fatalf("first Emit failed: %v", err)
	}

	err := bus.Emit(ctx, newTestEvent())
	if err != ErrBufferFull {
		t.Errorf("expected ErrBufferFull, got: %v", err)
	}
}

func TestEventBus_ContextCancelled(t *testing.T) {
	bus := NewEventBus(1, WithEmitTimeout(5*time.Second))

	if err := bus.Emit(context.Background(), newTestEvent()); err != nil {
		t.Fatalf("first Emit failed: %v", err)
	}

	cancelledCtx, cancel := context.WithCancel(context.Background())
	cancel()

	err := bus.Emit(cancelledCtx, newTestEvent())
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
}

func TestEventBus_ConcurrentEmit(t *testing.T) {
	bus := NewEventBus(1000)
	ctx := context.Background()

	const numGoroutines = 10
	const eventsPerGoroutine = 100

	var wg sync.WaitGroup
	var emitErrors atomic.Int64

	var received atomic.Int64
	done := make(chan struct{})
	go func() {
		for range bus.Channel() {
			if received.Add(1) >= numGoroutines*eventsPerGoroutine {
				close(done)
				return
			}
		}
	}()

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				if err := bus.Emit(ctx, newTestEvent()); err != nil {
					emitErrors.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Errorf("received %d of %d events", received.Load(), numGoroutines*eventsPerGoroutine)
	}

	if emitErrors.Load() > 0 {
		t.Errorf("had %d emit errors", emitErrors.Load())
	}
}

func TestEventBus_EmitTimeoutOption(t *testing.T) {
	if bus := NewEventBus(10); bus.emitTimeout != DefaultEmitTimeout {
		t.Errorf("emitTimeout = %v, want %v", bus.emitTimeout, DefaultEmitTimeout)
	}
	if bus := NewEventBus(1, WithEmitTimeout(time.Second)); bus.emitTimeout != time.Second {
		t.Errorf("emitTimeout = %v, want 1s", bus.emitTimeout)
	}
}

func TestEventBus_Close(t *testing.T) {
	bus := NewEventBus(2)
	bus.Emit(context.Background(), newTestEvent())
	bus.Close()

	n := 0
	for range bus.Channel() {
		n++
	}
	if n != 1 {
		t.Errorf("drained %d events, want 1", n)
	}
}

type mockBusMetrics struct {
	mu              sync.Mutex
	bufferSizeCalls []int
	emitErrorCalls  int
}

func (m *mockBusMetrics) BufferSizeUpdate(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bufferSizeCalls = append(m.bufferSizeCalls, size)
}

func (m *mockBusMetrics) EmitError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitErrorCalls++
}

func TestEventBus_Metrics(t *testing.T) {
	metrics := &mockBusMetrics{}
	bus := NewEventBus(1, WithEmitTimeout(50*time.Millisecond), WithMetrics(metrics))
	ctx := context.Background()

	bus.Emit(ctx, newTestEvent())
	bus.Emit(ctx, newTestEvent())

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if len(metrics.bufferSizeCalls) != 1 || metrics.bufferSizeCalls[0] != 1 {
		t.Errorf("buffer size calls = %v", metrics.bufferSizeCalls)
	}
	if metrics.emitErrorCalls != 1 {
		t.Errorf("EmitError should be called once on buffer full, got %d", metrics.emitErrorCalls)
	}
}

func TestEventBus_WaitsForSpace(t *testing.T) {
	bus := NewEventBus(1, WithEmitTimeout(time.Second))
	ctx := context.Background()

	if err := bus.Emit(ctx, newTestEvent()); err != nil {
		t.Fatalf("first Emit failed: %v", err)
	}

	// Free the slot while the second Emit waits.
	go func() {
		time.Sleep(20 * time.Millisecond)
		<-bus.Channel()
	}()

	second := newTestEvent()
	if err := bus.Emit(ctx, second); err != nil {
		t.Fatalf("second Emit failed: %v", err)
	}
	if got := <-bus.Channel(); got.RunID != second.RunID {
		t.Errorf("RunID = %v, want %v", got.RunID, second.RunID)
	}
}
