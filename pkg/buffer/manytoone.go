package buffer

import (
	"sync/atomic"
)

type sequencedSlot[T any] struct {
	sequence atomic.Int64
	item     T
}

// manyToOne is a bounded multi-producer single-consumer ring.
// Every slot carries a sequence number: a producer may claim a slot when its sequence
// equals the tail it reserved, and the consumer may take it once the producer has
// advanced the sequence past the reservation.
type manyToOne[T any] struct {
	slots []sequencedSlot[T]
	mask  int64

	tail atomic.Int64
	_    cacheLinePad
	head atomic.Int64

	stats   *Statistics
	metrics *bufferMetrics
}

func newManyToOne[T any](capacity int, opts *bufferOptions[T]) (*manyToOne[T], error) {
	q := &manyToOne[T]{
		slots: make([]sequencedSlot[T], capacity),
		mask:  int64(capacity - 1),
		stats: NewStatistics(),
	}
	for i := range q.slots {
		q.slots[i].sequence.Store(int64(i))
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

// Offer implements Queue. Safe for concurrent producers.
func (q *manyToOne[T]) Offer(item T) bool {
	for {
		tail := q.tail.Load()
		slot := &q.slots[tail&q.mask]
		seq := slot.sequence.Load()

		switch diff := seq - tail; {
		case diff == 0:
			if !q.tail.CompareAndSwap(tail, tail+1) {
				continue
			}
			slot.item = item
			slot.sequence.Store(tail + 1)

			q.stats.Offer()
			if q.metrics != nil {
				q.metrics.recordOffer(q.Size(), len(q.slots))
			}
			return true
		case diff < 0:
			q.stats.Reject()
			if q.metrics != nil {
				q.metrics.recordReject()
			}
			return false
		}
		// Another producer claimed this slot; reload the tail.
	}
}

// Poll implements Queue. Must only be called from the single consumer.
func (q *manyToOne[T]) Poll() (T, bool) {
	var zero T
	head := q.head.Load()
	slot := &q.slots[head&q.mask]

	if slot.sequence.Load() != head+1 {
		return zero, false
	}

	item := slot.item
	slot.item = zero
	slot.sequence.Store(head + int64(len(q.slots)))
	q.head.Store(head + 1)

	q.stats.Poll()
	if q.metrics != nil {
		q.metrics.recordPoll(q.Size(), len(q.slots))
	}
	return item, true
}

// Drain implements Queue.
func (q *manyToOne[T]) Drain(handler func(T), limit int) int {
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
func (q *manyToOne[T]) Size() int {
	size := q.tail.Load() - q.head.Load()
	if size < 0 {
		return 0
	}
	if size > int64(len(q.slots)) {
		return len(q.slots)
	}
	return int(size)
}

// Capacity implements Queue.
func (q *manyToOne[T]) Capacity() int {
	return len(q.slots)
}

// IsEmpty implements Queue.
func (q *manyToOne[T]) IsEmpty() bool {
	return q.Size() == 0
}

// Stats implements Queue.
func (q *manyToOne[T]) Stats() *Statistics {
	return q.stats
}
