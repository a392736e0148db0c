// Package channel is an in-process bus carrying run events from the runner
// and reconciler to their consumers.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/maferick/corpaudit/internal/domain"
)

var ErrBufferFull = errors.New("event bus buffer full")

// DefaultEmitTimeout bounds how long Emit waits for buffer space.
const DefaultEmitTimeout = 100 * time.Millisecond

// MetricsSink receives buffer metrics.
type MetricsSink interface {
	BufferSizeUpdate(size int)
	EmitError()
}

type EventBus struct {
	ch          chan domain.RunEvent
	emitTimeout time.Duration
	metrics     MetricsSink // optional
}

type Option func(*EventBus)

func WithEmitTimeout(d time.Duration) Option {
	return func(b *EventBus) { b.emitTimeout = d }
}

func WithMetrics(m MetricsSink) Option {
	return func(b *EventBus) { b.metrics = m }
}

func NewEventBus(buffer int, opts ...Option) *EventBus {
	b := &EventBus{
		ch:          make(chan domain.RunEvent, buffer),
		emitTimeout: DefaultEmitTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Emit queues event. A full buffer drops the event after emitTimeout;
// consumers are best-effort and a run never waits on them for longer.
func (b *EventBus) Emit(ctx context.Context, event domain.RunEvent) error {
	select {
	case b.ch <- event:
		b.reportSize()
		return nil
	default:
	}

	t := time.NewTimer(b.emitTimeout)
	defer t.Stop()

	select {
	case b.ch <- event:
		b.reportSize()
		return nil
	case <-ctx.Done():
		b.reportError()
		return ctx.Err()
	case <-t.C:
		b.reportError()
		return ErrBufferFull
	}
}

func (b *EventBus) Channel() <-chan domain.RunEvent {
	return b.ch
}

// Close ends consumers' range over Channel. No Emit may follow.
func (b *EventBus) Close() {
	close(b.ch)
}

func (b *EventBus) reportSize() {
	if b.metrics != nil {
		b.metrics.BufferSizeUpdate(len(b.ch))
	}
}

func (b *EventBus) reportError() {
	if b.metrics != nil {
		b.metrics.EmitError()
	}
}
