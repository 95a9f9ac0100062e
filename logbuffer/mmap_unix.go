//go:build unix

package logbuffer

import (
	"golang.org/x/sys/unix"

	"github.com/c360/termstream/errors"
)

const mmapSupported = true

// MmapAllocator backs terms with anonymous shared mappings outside the Go heap.
type MmapAllocator struct{}

// Allocate implements Allocator.
func (MmapAllocator) Allocate(size int) ([]byte, error) {
	region, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
	if err != nil {
		return nil, errors.WrapTransient(errors.ErrResourceExhausted, "MmapAllocator", "Allocate", err.Error())
	}
	return region, nil
}

// Free implements Allocator.
func (MmapAllocator) Free(region []byte) error {
	if err := unix.Munmap(region); err != nil {
		return errors.Wrap(err, "MmapAllocator", "Free", "unmap term")
	}
	return nil
}
