package native

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gogpu/transfer/driver"
	"github.com/gogpu/wgpu/hal"
)

// Buffer wraps a hal.Buffer.
type Buffer struct {
	dev     *Device
	buf     hal.Buffer
	size    uint64
	visible bool

	mu sync.Mutex
	// halMapped is true while a non-empty HAL mapping is held.
	halMapped bool
	destroyed bool
}

var _ driver.Buffer = (*Buffer)(nil)

// HAL returns the wrapped HAL buffer.
func (b *Buffer) HAL() hal.Buffer { return b.buf }

// Size implements driver.Buffer.
func (b *Buffer) Size() uint64 { return b.size }

// HostVisible implements driver.Buffer.
func (b *Buffer) HostVisible() bool { return b.visible }

// Map implements driver.Buffer.
//
// Non-coherent memory is flushed by the HAL on UnmapBuffer, so the returned
// mapping never carries a Flush function.
func (b *Buffer) Map(offset, size uint64) (driver.Mapping, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.destroyed:
		return driver.Mapping{}, driver.ErrDestroyed
	case !b.visible:
		return driver.Mapping{}, driver.ErrNotMappable
	case offset > b.size || size > b.size-offset:
		return driver.Mapping{}, fmt.Errorf("%w: [%d, +%d) of %d", driver.ErrMapRange, offset, size, b.size)
	case size == 0:
		return driver.Mapping{Bytes: []byte{}, Coherent: true}, nil
	}

	m, err := b.dev.hal.MapBuffer(b.buf, offset, size)
	if err != nil {
		if errors.Is(err, hal.ErrInvalidMapRange) {
			return driver.Mapping{}, fmt.Errorf("%w: %w", driver.ErrMapRange, err)
		}
		return driver.Mapping{}, fmt.Errorf("native: map buffer: %w", err)
	}
	b.halMapped = true
	return driver.Mapping{
		Bytes:    unsafe.Slice((*byte)(m.Ptr), size),
		Coherent: m.IsCoherent,
	}, nil
}

// Unmap implements driver.Buffer.
func (b *Buffer) Unmap() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.halMapped {
		return nil
	}
	b.halMapped = false
	if err := b.dev.hal.UnmapBuffer(b.buf); err != nil {
		return fmt.Errorf("native: unmap buffer: %w", err)
	}
	return nil
}

// Destroy implements driver.Buffer.
func (b *Buffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	b.destroyed = true
	if b.halMapped {
		_ = b.dev.hal.UnmapBuffer(b.buf)
		b.halMapped = false
	}
	b.dev.hal.DestroyBuffer(b.buf)
}

// Image wraps a 2D hal.Texture.
type Image struct {
	dev       *Device
	tex       hal.Texture
	desc      driver.ImageDesc
	pixelSize int

	destroyOnce sync.Once
}

var _ driver.Image = (*Image)(nil)

// HAL returns the wrapped HAL texture.
func (i *Image) HAL() hal.Texture { return i.tex }

// Desc implements driver.Image.
func (i *Image) Desc() driver.ImageDesc { return i.desc }

// Destroy implements driver.Image.
func (i *Image) Destroy() {
	i.destroyOnce.Do(func() { i.dev.hal.DestroyTexture(i.tex) })
}

// unsubmitted marks a fence that was reset and not yet submitted.
const unsubmitted = math.MaxUint64

// Fence tracks the HAL submission index its last submission received.
// A target of zero means signaled.
type Fence struct {
	q         *Queue
	target    atomic.Uint64
	destroyed atomic.Bool
}

var _ driver.Fence = (*Fence)(nil)

// Signaled implements driver.Fence.
func (f *Fence) Signaled() (bool, error) {
	if f.destroyed.Load() {
		return false, driver.ErrDestroyed
	}
	switch t := f.target.Load(); t {
	case 0:
		return true, nil
	case unsubmitted:
		return false, nil
	default:
		return f.q.completed() >= t, nil
	}
}

// Reset implements driver.Fence.
func (f *Fence) Reset() error {
	if f.destroyed.Load() {
		return driver.ErrDestroyed
	}
	f.target.Store(unsubmitted)
	return nil
}

// Destroy implements driver.Fence.
func (f *Fence) Destroy() { f.destroyed.Store(true) }

// Semaphore is an ordering token. The HAL queue executes submissions in
// order, so a semaphore only records whether a signal is pending.
type Semaphore struct {
	// pending is guarded by the queue mutex.
	pending bool
}

var _ driver.Semaphore = (*Semaphore)(nil)

// Destroy implements driver.Semaphore.
func (s *Semaphore) Destroy() {}

// completed polls the HAL queue. HAL queues are not safe for concurrent
// use, so polling shares the submission lock.
func (q *Queue) completed() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.hq.PollCompleted()
}
