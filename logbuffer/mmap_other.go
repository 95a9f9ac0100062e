//go:build !unix

package logbuffer

const mmapSupported = false

// MmapAllocator falls back to the heap on platforms without mmap.
type MmapAllocator struct {
	HeapAllocator
}
