// Package batch provides Queue, a FIFO buffer that turns a push-driven flow of
// items into bounded batches pulled by a consumer on a fixed interval.
//
// A consumer calling TakeBatch gets at most maxBatchSize items. It blocks for
// up to maxBatchInterval unless more than maxBatchSize items are already
// waiting, in which case it returns immediately.
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/filterstream/errors"
	"github.com/c360/filterstream/metric"
)

// gate is a one-shot wake signal. Releasing it more than once is harmless.
type gate struct {
	ch   chan struct{}
	once sync.Once
}

func newGate() *gate {
	return &gate{ch: make(chan struct{})}
}

func (g *gate) release() {
	g.once.Do(func() { close(g.ch) })
}

type options struct {
	maxBuffered int
	logger      *slog.Logger
	metrics     *metric.Metrics
}

// Option configures a Queue
type Option func(*options)

// WithMaxBuffered caps the number of buffered items. When the cap is reached
// Add evicts the oldest item. Zero, the default, means unbounded.
func WithMaxBuffered(n int) Option {
	return func(o *options) {
		o.maxBuffered = n
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records queue depth, batch sizes and drops
func WithMetrics(m *metric.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// Queue is safe for concurrent use by any number of producers and consumers.
// A single mutex guards the buffer, the current gate and its timer.
type Queue[T any] struct {
	maxBatchSize     int
	maxBatchInterval time.Duration
	maxBuffered      int
	logger           *slog.Logger
	metrics          *metric.Metrics

	mu      sync.Mutex
	items   []T
	gate    *gate
	timer   *time.Timer
	dropped uint64
	closed  bool
}

// NewQueue creates a queue. The initial gate has no timer, so the first
// TakeBatch waits the full interval unless the batch size is exceeded.
func NewQueue[T any](maxBatchSize int, maxBatchInterval time.Duration, opts ...Option) (*Queue[T], error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	if maxBatchSize < 1 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: max batch size %d must be positive", errors.ErrInvalidConfig, maxBatchSize),
			"Queue", "NewQueue", "validate max batch size")
	}
	if maxBatchInterval <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: max batch interval %s must be positive", errors.ErrInvalidConfig, maxBatchInterval),
			"Queue", "NewQueue", "validate max batch interval")
	}
	if o.maxBuffered < 0 || (o.maxBuffered > 0 && o.maxBuffered < maxBatchSize) {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: max buffered %d must be zero or at least the batch size %d",
				errors.ErrInvalidConfig, o.maxBuffered, maxBatchSize),
			"Queue", "NewQueue", "validate max buffered")
	}

	return &Queue[T]{
		maxBatchSize:     maxBatchSize,
		maxBatchInterval: maxBatchInterval,
		maxBuffered:      o.maxBuffered,
		logger:           o.logger.With("component", "batch-queue"),
		metrics:          o.metrics,
		gate:             newGate(),
	}, nil
}

// Add appends an item. Once more than maxBatchSize items are waiting, any
// consumer blocked in TakeBatch is woken.
func (q *Queue[T]) Add(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.maxBuffered > 0 && len(q.items) >= q.maxBuffered {
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.dropped++
		q.metrics.RecordDropped()
		q.logger.Debug("Queue full, dropped oldest item", "max_buffered", q.maxBuffered, "dropped", q.dropped)
	}

	q.items = append(q.items, item)
	q.metrics.RecordQueueDepth(len(q.items))

	if len(q.items) > q.maxBatchSize {
		q.gate.release()
	}
}

// TakeBatch waits for the current gate, bounded by maxBatchInterval, then
// removes and returns up to maxBatchSize of the oldest items. A cancelled ctx
// ends the wait early without error. The result is never nil.
func (q *Queue[T]) TakeBatch(ctx context.Context) []T {
	q.mu.Lock()
	g := q.gate
	closed := q.closed
	q.mu.Unlock()

	if !closed {
		wait := time.NewTimer(q.maxBatchInterval)
		select {
		case <-g.ch:
		case <-wait.C:
		case <-ctx.Done():
			q.logger.Debug("Batch wait interrupted", "reason", ctx.Err())
		}
		wait.Stop()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	n := min(len(q.items), q.maxBatchSize)
	batch := make([]T, n)
	copy(batch, q.items[:n])
	clear(q.items[:n])
	q.items = q.items[n:]
	if len(q.items) == 0 {
		q.items = nil
	}

	q.resetGate()

	q.metrics.RecordBatch(n)
	q.metrics.RecordQueueDepth(len(q.items))

	return batch
}

// resetGate arms a fresh timed gate when the remainder is below a full batch.
// Otherwise the current gate is left released so the next call returns at
// once. Must be called with mu held.
func (q *Queue[T]) resetGate() {
	if q.closed {
		return
	}

	if len(q.items) >= q.maxBatchSize {
		q.gate.release()
		return
	}

	if q.timer != nil {
		q.timer.Stop()
	}
	g := newGate()
	q.gate = g
	q.timer = time.AfterFunc(q.maxBatchInterval, g.release)
}

// Len returns the number of buffered items
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many items were evicted by the WithMaxBuffered cap
func (q *Queue[T]) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close stops the pending timer and wakes any waiting consumer. Buffered
// items stay available and later TakeBatch calls no longer wait.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.gate.release()
}
