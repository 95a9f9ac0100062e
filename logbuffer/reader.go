package logbuffer

import (
	"sync/atomic"
)

// Reader is a registered consumer of a log. It holds only a position, so the terms it
// has not yet consumed are kept from being cleaned.
type Reader struct {
	log      *Log
	position atomic.Int64
	closed   atomic.Bool
}

// NewReader registers a reader at position.
func (l *Log) NewReader(position int64) *Reader {
	r := &Reader{log: l}
	r.position.Store(position)

	for {
		old := l.readers.Load()
		next := make([]*Reader, len(*old), len(*old)+1)
		copy(next, *old)
		next = append(next, r)
		if l.readers.CompareAndSwap(old, &next) {
			return r
		}
	}
}

// Position returns the reader's position.
func (r *Reader) Position() int64 {
	return r.position.Load()
}

// SetPosition moves the reader. Positions only move forward.
func (r *Reader) SetPosition(position int64) {
	for {
		current := r.position.Load()
		if position <= current || r.position.CompareAndSwap(current, position) {
			return
		}
	}
}

// Poll reads up to fragmentLimit fragments from the reader's position and advances it.
func (r *Reader) Poll(fragmentLimit int, handler FragmentHandler) (int, error) {
	n, next, err := r.log.Read(r.position.Load(), fragmentLimit, handler)
	r.SetPosition(next)
	return n, err
}

// Close deregisters the reader.
func (r *Reader) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	l := r.log
	for {
		old := l.readers.Load()
		next := make([]*Reader, 0, len(*old))
		for _, other := range *old {
			if other != r {
				next = append(next, other)
			}
		}
		if l.readers.CompareAndSwap(old, &next) {
			return
		}
	}
}

// ReaderCount returns the number of registered readers.
func (l *Log) ReaderCount() int {
	return len(*l.readers.Load())
}

// MinReaderPosition returns the lowest registered reader position, or false when no
// reader is registered.
func (l *Log) MinReaderPosition() (int64, bool) {
	readers := *l.readers.Load()
	if len(readers) == 0 {
		return 0, false
	}
	min := readers[0].Position()
	for _, r := range readers[1:] {
		if p := r.Position(); p < min {
			min = p
		}
	}
	return min, true
}
