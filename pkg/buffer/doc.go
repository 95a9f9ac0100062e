// Package buffer provides bounded, lock-free command queues for passing work between
// concurrently scheduled agents.
//
// # Queues
//
// OneToOne is a single-producer single-consumer ring. The producer writes a slot and then
// publishes it with an atomic store of the tail counter; the consumer observes the tail,
// reads the slot, clears it and publishes the head. Each side keeps a cached copy of the
// other side's counter so the common path touches only its own cache line.
//
// ManyToOne accepts concurrent producers. Each slot carries a sequence number; producers
// reserve a slot by CAS on the tail and release it by advancing the slot's sequence.
//
// # Full queues
//
// Offer never blocks and never drops. It returns false when the queue is full and the
// producer applies its own idle strategy before retrying:
//
//	for !q.Offer(cmd) {
//	    idler.Idle(0)
//	}
//
// # Observability
//
// Statistics (offers, polls, rejects) are always collected. Prometheus metrics are
// enabled with WithMetrics:
//
//	q, err := buffer.NewOneToOne[Command](buffer.DefaultCapacity,
//	    buffer.WithMetrics[Command](registry, "conductor_to_sender"))
package buffer
