package cpu

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/transfer/driver"
)

// Buffer is host memory standing in for a GPU buffer.
type Buffer struct {
	label   string
	visible bool

	mu        sync.Mutex
	data      []byte
	mapped    bool
	destroyed bool
}

var _ driver.Buffer = (*Buffer)(nil)

// Size implements driver.Buffer.
func (b *Buffer) Size() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(len(b.data))
}

// HostVisible implements driver.Buffer.
func (b *Buffer) HostVisible() bool { return b.visible }

// Map implements driver.Buffer.
func (b *Buffer) Map(offset, size uint64) (driver.Mapping, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.destroyed:
		return driver.Mapping{}, driver.ErrDestroyed
	case !b.visible:
		return driver.Mapping{}, driver.ErrNotMappable
	case offset+size > uint64(len(b.data)) || offset+size < offset:
		return driver.Mapping{}, fmt.Errorf("%w: [%d, %d) of %d bytes", driver.ErrMapRange, offset, offset+size, len(b.data))
	}
	b.mapped = true
	return driver.Mapping{Bytes: b.data[offset : offset+size : offset+size], Coherent: true}, nil
}

// Unmap implements driver.Buffer.
func (b *Buffer) Unmap() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return driver.ErrDestroyed
	}
	b.mapped = false
	return nil
}

// Destroy implements driver.Buffer.
func (b *Buffer) Destroy() {
	b.mu.Lock()
	b.destroyed = true
	b.data = nil
	b.mu.Unlock()
}

// Destroyed reports whether Destroy was called.
func (b *Buffer) Destroyed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroyed
}

// Bytes returns a copy of the buffer contents, whether or not it is host
// visible. It exists for inspection in tests and tools.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...)
}

func (b *Buffer) read(offset, size uint64) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return nil, driver.ErrDestroyed
	}
	if offset+size > uint64(len(b.data)) || offset+size < offset {
		return nil, fmt.Errorf("read [%d, %d) of %d byte buffer %q", offset, offset+size, len(b.data), b.label)
	}
	return append([]byte(nil), b.data[offset:offset+size]...), nil
}

func (b *Buffer) write(offset uint64, src []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return driver.ErrDestroyed
	}
	end := offset + uint64(len(src))
	if end > uint64(len(b.data)) || end < offset {
		return fmt.Errorf("write [%d, %d) of %d byte buffer %q", offset, end, len(b.data), b.label)
	}
	copy(b.data[offset:end], src)
	return nil
}

// Image is host memory standing in for a GPU image. Every level of every
// layer has its own storage and tracked layout.
type Image struct {
	desc      driver.ImageDesc
	pixelSize int

	mu        sync.Mutex
	levels    [][][]byte // [layer][level]
	layouts   [][]driver.Layout
	destroyed bool
}

var _ driver.Image = (*Image)(nil)

func newImage(desc driver.ImageDesc, pixelSize int) *Image {
	img := &Image{desc: desc, pixelSize: pixelSize}
	img.levels = make([][][]byte, desc.Layers)
	img.layouts = make([][]driver.Layout, desc.Layers)
	for l := range desc.Layers {
		img.levels[l] = make([][]byte, desc.Levels)
		img.layouts[l] = make([]driver.Layout, desc.Levels)
		for k := range desc.Levels {
			w, h := driver.MipExtent(desc.Width, desc.Height, k)
			img.levels[l][k] = make([]byte, int(w)*int(h)*pixelSize)
		}
	}
	return img
}

// Desc implements driver.Image.
func (i *Image) Desc() driver.ImageDesc { return i.desc }

// Destroy implements driver.Image.
func (i *Image) Destroy() {
	i.mu.Lock()
	i.destroyed = true
	i.levels = nil
	i.mu.Unlock()
}

// Level returns a copy of one level of one layer.
func (i *Image) Level(layer, level uint32) []byte {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.destroyed || layer >= i.desc.Layers || level >= i.desc.Levels {
		return nil
	}
	return append([]byte(nil), i.levels[layer][level]...)
}

// Layout returns the tracked layout of one level of one layer.
func (i *Image) Layout(layer, level uint32) driver.Layout {
	i.mu.Lock()
	defer i.mu.Unlock()
	if layer >= i.desc.Layers || level >= i.desc.Levels {
		return driver.LayoutUndefined
	}
	return i.layouts[layer][level]
}

// Fence is a host flag set by the queue goroutine.
type Fence struct {
	signaled  atomic.Bool
	destroyed atomic.Bool
}

var _ driver.Fence = (*Fence)(nil)

// Signaled implements driver.Fence.
func (f *Fence) Signaled() (bool, error) {
	if f.destroyed.Load() {
		return false, driver.ErrDestroyed
	}
	return f.signaled.Load(), nil
}

// Reset implements driver.Fence.
func (f *Fence) Reset() error {
	if f.destroyed.Load() {
		return driver.ErrDestroyed
	}
	f.signaled.Store(false)
	return nil
}

// Destroy implements driver.Fence.
func (f *Fence) Destroy() { f.destroyed.Store(true) }

// Semaphore is a binary semaphore between CPU queues. It also counts how
// often it was submitted as a signal and as a wait.
type Semaphore struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending bool

	signals    int
	waits      int
	waitStages []driver.Stage
	destroyed  bool
}

var _ driver.Semaphore = (*Semaphore)(nil)

func newSemaphore() *Semaphore {
	s := &Semaphore{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Destroy implements driver.Semaphore.
func (s *Semaphore) Destroy() {
	s.mu.Lock()
	s.destroyed = true
	s.mu.Unlock()
}

// Signals returns how many submissions signaled the semaphore.
func (s *Semaphore) Signals() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signals
}

// Waits returns how many submissions waited on the semaphore.
func (s *Semaphore) Waits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waits
}

// WaitStages returns the stage of every recorded wait, in order.
func (s *Semaphore) WaitStages() []driver.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]driver.Stage(nil), s.waitStages...)
}

func (s *Semaphore) recordSignal() {
	s.mu.Lock()
	s.signals++
	s.mu.Unlock()
}

func (s *Semaphore) recordWait(stage driver.Stage) {
	s.mu.Lock()
	s.waits++
	s.waitStages = append(s.waitStages, stage)
	s.mu.Unlock()
}

// acquire blocks until the semaphore is signaled, then unsignals it.
func (s *Semaphore) acquire() {
	s.mu.Lock()
	for !s.pending {
		s.cond.Wait()
	}
	s.pending = false
	s.mu.Unlock()
}

// release signals the semaphore. It reports false if it was already signaled.
func (s *Semaphore) release() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := !s.pending
	s.pending = true
	s.cond.Broadcast()
	return ok
}
