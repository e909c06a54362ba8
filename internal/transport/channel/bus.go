// Package channel is the in-process bus that carries outcome events from the
// schedule manager to the notification dispatcher.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/stsix/leaflow-auto-beta/internal/domain"
)

// DefaultEmitTimeout bounds how long Emit waits for buffer space.
const DefaultEmitTimeout = 5 * time.Second

// ErrBufferFull is returned when no buffer space frees up within the emit timeout.
var ErrBufferFull = errors.New("event bus buffer full")

// MetricsSink is the subset of metrics the bus reports.
type MetricsSink interface {
	BufferSizeUpdate(size int)
	EmitError()
}

type Option func(*EventBus)

// WithEmitTimeout sets how long Emit blocks on a full buffer.
func WithEmitTimeout(d time.Duration) Option {
	return func(b *EventBus) {
		b.emitTimeout = d
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m MetricsSink) Option {
	return func(b *EventBus) {
		b.metrics = m
	}
}

type EventBus struct {
	ch          chan domain.OutcomeEvent
	emitTimeout time.Duration
	metrics     MetricsSink
}

func NewEventBus(buffer int, opts ...Option) *EventBus {
	b := &EventBus{
		ch:          make(chan domain.OutcomeEvent, buffer),
		emitTimeout: DefaultEmitTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Emit queues event for the dispatcher. It returns ErrBufferFull after the
// emit timeout, or ctx.Err() if ctx ends first.
func (b *EventBus) Emit(ctx context.Context, event domain.OutcomeEvent) error {
	select {
	case b.ch <- event:
		b.reportSize()
		return nil
	default:
	}

	timer := time.NewTimer(b.emitTimeout)
	defer timer.Stop()

	select {
	case b.ch <- event:
		b.reportSize()
		return nil
	case <-ctx.Done():
		b.reportError()
		return ctx.Err()
	case <-timer.C:
		b.reportError()
		return ErrBufferFull
	}
}

// Channel returns the receive side for the dispatcher.
func (b *EventBus) Channel() <-chan domain.OutcomeEvent {
	return b.ch
}

// Len returns the number of buffered events.
func (b *EventBus) Len() int {
	return len(b.ch)
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
