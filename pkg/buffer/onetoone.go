package buffer

import (
	"sync/atomic"
)

// oneToOne is a single-producer single-consumer ring.
// The producer publishes a slot by storing tail after writing it; the consumer frees a
// slot by storing head after clearing it. Each side caches the other's counter.
type oneToOne[T any] struct {
	buffer []T
	mask   int64

	head      atomic.Int64
	_         cacheLinePad
	headCache int64 // producer-owned
	tail      atomic.Int64
	_         cacheLinePad
	tailCache int64 // consumer-owned

	stats   *Statistics
	metrics *bufferMetrics
}

func newOneToOne[T any](capacity int, opts *bufferOptions[T]) (*oneToOne[T], error) {
	q := &oneToOne[T]{
		buffer: make([]T, capacity),
		mask:   int64(capacity - 1),
		stats:  NewStatistics(),
	}

	if opts.metricsReg != nil {
		m, err := newBufferMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, err
		}
		q.metrics = m
	}

	return q, nil
}

// Offer implements Queue. Must only be called from the single producer.
func (q *oneToOne[T]) Offer(item T) bool {
	capacity := int64(len(q.buffer))
	tail := q.tail.Load()

	if tail-q.headCache >= capacity {
		q.headCache = q.head.Load()
		if tail-q.headCache >= capacity {
			q.stats.Reject()
			if q.metrics != nil {
				q.metrics.recordReject()
			}
			return false
		}
	}

	q.buffer[tail&q.mask] = item
	q.tail.Store(tail + 1)

	q.stats.Offer()
	if q.metrics != nil {
		q.metrics.recordOffer(int(tail+1-q.headCache), len(q.buffer))
	}
	return true
}

// Poll implements Queue.
func (q *oneToOne[T]) Poll() (T, bool) {
	var zero T
	head := q.head.Load()

	if head >= q.tailCache {
		q.tailCache = q.tail.Load()
		if head >= q.tailCache {
			return zero, false
		}
	}

	idx := head & q.mask
	item := q.buffer[idx]
	q.buffer[idx] = zero
	q.head.Store(head + 1)

	q.stats.Poll()
	if q.metrics != nil {
		q.metrics.recordPoll(int(q.tailCache-head-1), len(q.buffer))
	}
	return item, true
}

// Drain implements Queue.
func (q *oneToOne[T]) Drain(handler func(T), limit int) int {
	count := 0
	for count < limit {
		item, ok := q.Poll()
		if !ok {
			break
		}
		handler(item)
		count++
	}
	return count
}

// Size implements Queue.
func (q *oneToOne[T]) Size() int {
	for {
		before := q.head.Load()
		tail := q.tail.Load()
		after := q.head.Load()
		if before == after {
			return int(tail - after)
		}
	}
}

// Capacity implements Queue.
func (q *oneToOne[T]) Capacity() int {
	return len(q.buffer)
}

// IsEmpty implements Queue.
func (q *oneToOne[T]) IsEmpty() bool {
	return q.head.Load() == q.tail.Load()
}

// Stats implements Queue.
func (q *oneToOne[T]) Stats() *Statistics {
	return q.stats
}
