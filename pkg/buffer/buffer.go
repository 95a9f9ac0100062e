// Package buffer provides bounded, lock-free command queues used between driver agents.
//
// Two implementations share the Queue interface:
//   - OneToOne: single producer, single consumer (agent to agent)
//   - ManyToOne: many producers, single consumer (client commands into the conductor)
//
// Queues never block and never drop: Offer reports false when the queue is full and the
// producer decides how to back off. Statistics are always collected; Prometheus metrics
// are optional via WithMetrics().
package buffer

import (
	"fmt"

	"github.com/c360/termstream/errors"
)

// DefaultCapacity is the command queue capacity used by the driver.
const DefaultCapacity = 1024

// Queue is a bounded FIFO queue with a single consumer.
type Queue[T any] interface {
	// Offer appends an item. Returns false if the queue is full.
	Offer(item T) bool

	// Poll removes and returns the head item. Returns false if the queue is empty.
	// Only the single consumer may call Poll or Drain.
	Poll() (T, bool)

	// Drain removes up to limit items, passing each to handler, and returns the count.
	Drain(handler func(T), limit int) int

	// Size returns an estimate of the number of queued items.
	Size() int

	// Capacity returns the maximum number of items the queue can hold.
	Capacity() int

	// IsEmpty returns true if the queue holds no items.
	IsEmpty() bool

	// Stats returns queue statistics (always available for observability).
	Stats() *Statistics
}

// NewOneToOne creates a single-producer single-consumer queue.
// The capacity is rounded up to the next power of two.
func NewOneToOne[T any](capacity int, options ...Option[T]) (Queue[T], error) {
	opts := applyOptions(options...)
	capacity, err := validCapacity(capacity)
	if err != nil {
		return nil, errors.WrapInvalid(err, "buffer", "NewOneToOne", "capacity validation")
	}
	return newOneToOne[T](capacity, opts)
}

// NewManyToOne creates a multi-producer single-consumer queue.
// The capacity is rounded up to the next power of two.
func NewManyToOne[T any](capacity int, options ...Option[T]) (Queue[T], error) {
	opts := applyOptions(options...)
	capacity, err := validCapacity(capacity)
	if err != nil {
		return nil, errors.WrapInvalid(err, "buffer", "NewManyToOne", "capacity validation")
	}
	return newManyToOne[T](capacity, opts)
}

func validCapacity(capacity int) (int, error) {
	if capacity <= 0 {
		return 0, fmt.Errorf("capacity must be positive, got %d", capacity)
	}
	if capacity > 1<<30 {
		return 0, fmt.Errorf("capacity %d exceeds maximum %d", capacity, 1<<30)
	}
	return nextPowerOfTwo(capacity), nil
}

func nextPowerOfTwo(v int) int {
	p := 1
	for p < v {
		p <<= 1
	}
	return p
}

// cacheLinePad separates producer and consumer counters.
type cacheLinePad [56]byte
