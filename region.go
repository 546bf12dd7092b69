package transfer

import (
	"fmt"
	"unsafe"
)

// MemoryRegion describes host bytes and where they land in a destination
// buffer. It borrows its source: the slice must stay valid, and must not be
// modified, for the duration of the call that uses the region.
type MemoryRegion struct {
	source     []byte
	destOffset uint64
}

// NewMemoryRegion creates a region copying source to destOffset.
func NewMemoryRegion(source []byte, destOffset uint64) MemoryRegion {
	return MemoryRegion{source: source, destOffset: destOffset}
}

// Source returns the borrowed host bytes.
func (r MemoryRegion) Source() []byte { return r.source }

// Bytes returns the number of bytes to copy.
func (r MemoryRegion) Bytes() uint64 { return uint64(len(r.source)) }

// Offset returns the destination offset.
func (r MemoryRegion) Offset() uint64 { return r.destOffset }

// End returns the destination offset one past the last written byte.
func (r MemoryRegion) End() uint64 { return r.destOffset + r.Bytes() }

func (r MemoryRegion) String() string {
	return fmt.Sprintf("Region of %d bytes from @%p to destination offset : %d",
		r.Bytes(), unsafe.SliceData(r.source), r.destOffset)
}
