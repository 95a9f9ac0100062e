package agent

import (
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/termstream/errors"
	"github.com/c360/termstream/pkg/buffer"
)

// Offer puts item on q, idling between attempts while the queue is full. It gives up
// with ErrShuttingDown once done is closed.
func Offer[T any](q buffer.Queue[T], item T, idle IdleStrategy, done <-chan struct{}) error {
	for !q.Offer(item) {
		select {
		case <-done:
			return errors.ErrShuttingDown
		default:
		}
		idle.Idle(0)
	}
	idle.Reset()
	return nil
}

// Backlog offers items to a queue in order without ever waiting. Items the queue
// cannot take are held by the owner and retried by Flush, ahead of anything offered
// later. A Backlog belongs to a single producer goroutine.
type Backlog[T any] struct {
	q       buffer.Queue[T]
	pending []T
}

// NewBacklog wraps q.
func NewBacklog[T any](q buffer.Queue[T]) *Backlog[T] {
	return &Backlog[T]{q: q}
}

// Offer enqueues item, or holds it when the queue is full or earlier items are
// still held. It reports whether the item reached the queue.
func (b *Backlog[T]) Offer(item T) bool {
	if len(b.pending) == 0 && b.q.Offer(item) {
		return true
	}
	b.pending = append(b.pending, item)
	return false
}

// Flush moves held items to the queue until it fills and returns how many moved.
func (b *Backlog[T]) Flush() int {
	n := 0
	for n < len(b.pending) && b.q.Offer(b.pending[n]) {
		n++
	}
	if n == 0 {
		return 0
	}
	rest := copy(b.pending, b.pending[n:])
	clear(b.pending[rest:])
	b.pending = b.pending[:rest]
	return n
}

// Len returns the number of held items.
func (b *Backlog[T]) Len() int { return len(b.pending) }

// ThrottledLogger emits warnings through a token bucket so that a flood of malformed
// frames or full queues cannot saturate the log. Dropped lines are counted and
// reported with the next line that gets through.
type ThrottledLogger struct {
	logger     *slog.Logger
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

// NewThrottledLogger allows burst lines at once and one more per interval.
func NewThrottledLogger(logger *slog.Logger, interval time.Duration, burst int) *ThrottledLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &ThrottledLogger{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(interval), burst),
	}
}

// Warn logs at warn level when the limiter allows it.
func (t *ThrottledLogger) Warn(msg string, args ...any) {
	if !t.limiter.Allow() {
		t.suppressed.Add(1)
		return
	}
	if n := t.suppressed.Swap(0); n > 0 {
		args = append(args, "suppressed", n)
	}
	t.logger.Warn(msg, args...)
}

// Suppressed returns the number of lines dropped since the last emitted one.
func (t *ThrottledLogger) Suppressed() int64 {
	return t.suppressed.Load()
}
