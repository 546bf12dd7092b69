package transfer

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/transfer/driver"
)

// stagingUsage is the usage of every host visible buffer: written by the
// host, read by copies, and writable by copies for read-back.
const stagingUsage = gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst

// HostVisibleBuffer is a GPU buffer the host can map and write.
//
// Thread Safety:
// HostVisibleBuffer is safe for concurrent use. Writes to the same buffer
// serialize on a private mutex. Between Map and Unmap other writers and
// Map calls block; Destroy ends an open mapping.
//
// Lifecycle:
//  1. NewHostVisibleBuffer()
//  2. Create() allocates device memory
//  3. WriteData()/WriteRegions() or Map()/Unmap()
//  4. Destroy() (idempotent)
type HostVisibleBuffer struct {
	alloc Allocator
	label string
	size  uint64

	mu  sync.Mutex
	buf driver.Buffer

	// mapped is true between Map and Unmap. unmapped is signaled when it
	// clears.
	mapped   bool
	unmapped *sync.Cond
}

// NewHostVisibleBuffer describes a host visible buffer of size bytes. No
// memory is allocated until Create.
func NewHostVisibleBuffer(alloc Allocator, size uint64, label string) *HostVisibleBuffer {
	b := &HostVisibleBuffer{alloc: alloc, size: size, label: label}
	b.unmapped = sync.NewCond(&b.mu)
	return b
}

// Create allocates the buffer and its memory.
func (b *HostVisibleBuffer) Create() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.buf != nil {
		return fmt.Errorf("%w: buffer %q already created", ErrPrecondition, b.label)
	}
	if b.alloc == nil {
		return fmt.Errorf("%w: buffer %q has no allocator", ErrHardwareCreation, b.label)
	}
	if b.size == 0 {
		return fmt.Errorf("%w: buffer %q has zero size", ErrHardwareCreation, b.label)
	}

	buf, err := b.alloc.Allocate(driver.BufferDesc{
		Label:       b.label,
		Size:        b.size,
		Usage:       stagingUsage,
		HostVisible: true,
	})
	if err != nil {
		Logger().Error("transfer: unable to create host visible buffer", "label", b.label, "bytes", b.size, "err", err)
		return fmt.Errorf("%w: buffer %q (%d bytes): %w", ErrHardwareCreation, b.label, b.size, err)
	}
	b.buf = buf
	return nil
}

// Destroy releases the buffer. Calling Destroy on a buffer that was never
// created or is already destroyed does nothing.
func (b *HostVisibleBuffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf == nil {
		return
	}
	if b.mapped {
		if err := b.buf.Unmap(); err != nil {
			Logger().Warn("transfer: unmapping buffer on destroy failed", "label", b.label, "err", err)
		}
		b.mapped = false
		b.unmapped.Broadcast()
	}
	b.alloc.Release(b.buf)
	b.buf = nil
}

// IsCreated reports whether the buffer holds device memory.
func (b *HostVisibleBuffer) IsCreated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf != nil
}

// IsHostVisible reports whether the memory can be mapped. False before Create.
func (b *HostVisibleBuffer) IsHostVisible() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf != nil && b.buf.HostVisible()
}

// Size returns the usable size in bytes. An allocator may hand out more
// memory than requested; Size reports the requested amount.
func (b *HostVisibleBuffer) Size() uint64 { return b.size }

// Label returns the debug label.
func (b *HostVisibleBuffer) Label() string { return b.label }

// Handle returns the device buffer, or nil before Create.
func (b *HostVisibleBuffer) Handle() driver.Buffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf
}

// checkWritable must be called with mu held.
func (b *HostVisibleBuffer) checkWritable() error {
	if b.buf == nil {
		return fmt.Errorf("%w: buffer %q is not created", ErrPrecondition, b.label)
	}
	if !b.buf.HostVisible() {
		return fmt.Errorf("%w: buffer %q is not host visible", ErrPrecondition, b.label)
	}
	return nil
}

// checkRegion must be called with mu held.
func (b *HostVisibleBuffer) checkRegion(r MemoryRegion) error {
	if r.End() > b.size || r.End() < r.Offset() {
		return fmt.Errorf("%w: %v does not fit in %d byte buffer %q", ErrBoundsOverflow, r, b.size, b.label)
	}
	return nil
}

// waitUnmapped must be called with mu held.
func (b *HostVisibleBuffer) waitUnmapped() {
	for b.mapped {
		b.unmapped.Wait()
	}
}

// WriteData copies one region into the buffer.
func (b *HostVisibleBuffer) WriteData(r MemoryRegion) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.waitUnmapped()

	if err := b.checkWritable(); err != nil {
		return err
	}
	if err := b.checkRegion(r); err != nil {
		return err
	}
	return b.write(r)
}

// WriteRegions copies several regions into the buffer under one lock.
//
// Every region is validated before any memory is mapped: if one region is
// out of bounds, nothing is written. A mapping failure after validation
// stops at the failing region and leaves earlier regions written.
func (b *HostVisibleBuffer) WriteRegions(regions []MemoryRegion) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.waitUnmapped()

	if err := b.checkWritable(); err != nil {
		return err
	}
	for i, r := range regions {
		if err := b.checkRegion(r); err != nil {
			return fmt.Errorf("region %d: %w", i, err)
		}
	}
	for i, r := range regions {
		if err := b.write(r); err != nil {
			return fmt.Errorf("region %d: %w", i, err)
		}
	}
	return nil
}

// write maps, copies, flushes and unmaps. Must be called with mu held.
func (b *HostVisibleBuffer) write(r MemoryRegion) error {
	if r.Bytes() == 0 {
		return nil
	}
	m, err := b.buf.Map(r.Offset(), r.Bytes())
	if err != nil {
		Logger().Error("transfer: unable to map buffer", "label", b.label, "region", r.String(), "err", err)
		return fmt.Errorf("%w: mapping buffer %q: %w", ErrPrecondition, b.label, err)
	}
	copy(m.Bytes, r.Source())
	if !m.Coherent && m.Flush != nil {
		if err := m.Flush(); err != nil {
			_ = b.buf.Unmap()
			return fmt.Errorf("flushing buffer %q: %w", b.label, err)
		}
	}
	if err := b.buf.Unmap(); err != nil {
		return fmt.Errorf("unmapping buffer %q: %w", b.label, err)
	}
	return nil
}

// Map returns a host view of [offset, offset+size). Writers and other
// Map calls block until Unmap.
func (b *HostVisibleBuffer) Map(offset, size uint64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.waitUnmapped()

	if err := b.checkWritable(); err != nil {
		return nil, err
	}
	if offset+size > b.size || offset+size < offset {
		return nil, fmt.Errorf("%w: map [%d, %d) of %d byte buffer %q", ErrBoundsOverflow, offset, offset+size, b.size, b.label)
	}
	m, err := b.buf.Map(offset, size)
	if err != nil {
		return nil, fmt.Errorf("%w: mapping buffer %q: %w", ErrPrecondition, b.label, err)
	}
	b.mapped = true
	return m.Bytes, nil
}

// Unmap ends a mapping started by Map.
func (b *HostVisibleBuffer) Unmap() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.mapped {
		return fmt.Errorf("%w: buffer %q is not mapped", ErrPrecondition, b.label)
	}
	b.mapped = false
	b.unmapped.Broadcast()
	if err := b.buf.Unmap(); err != nil {
		return fmt.Errorf("unmapping buffer %q: %w", b.label, err)
	}
	return nil
}
