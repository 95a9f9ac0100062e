package logbuffer

// Allocator provides the memory backing term buffers.
type Allocator interface {
	// Allocate returns a zeroed region of exactly size bytes.
	Allocate(size int) ([]byte, error)
	// Free releases a region returned by Allocate.
	Free(region []byte) error
}

// HeapAllocator allocates terms on the Go heap.
type HeapAllocator struct{}

// Allocate implements Allocator.
func (HeapAllocator) Allocate(size int) ([]byte, error) {
	return make([]byte, size), nil
}

// Free implements Allocator. Heap terms are left to the garbage collector.
func (HeapAllocator) Free([]byte) error {
	return nil
}

// NewAllocator returns the mmap allocator when mapped is set and the platform
// supports it, and the heap allocator otherwise.
func NewAllocator(mapped bool) Allocator {
	if mapped && mmapSupported {
		return MmapAllocator{}
	}
	return HeapAllocator{}
}
