package transfer

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/transfer/driver"
)

// AllocatorKind selects how buffer memory is obtained from a device.
type AllocatorKind int

const (
	// AllocatorDirect creates and destroys one device buffer per request.
	AllocatorDirect AllocatorKind = iota

	// AllocatorPooled rounds requests up to power-of-two size classes and
	// keeps released buffers for reuse.
	AllocatorPooled
)

// String returns the string representation of AllocatorKind.
func (k AllocatorKind) String() string {
	switch k {
	case AllocatorDirect:
		return "Direct"
	case AllocatorPooled:
		return "Pooled"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Allocator creates and releases device buffers. One allocator is chosen
// per device and shared by every buffer created through a Manager, so
// buffer code never branches on the allocation strategy.
type Allocator interface {
	// Allocate returns a buffer of at least desc.Size bytes.
	Allocate(desc driver.BufferDesc) (driver.Buffer, error)

	// Release gives a buffer back. The caller must not use it afterwards.
	Release(buf driver.Buffer)

	// Close frees everything the allocator still holds.
	Close()
}

// NewAllocator returns the allocator of the given kind for dev.
func NewAllocator(dev driver.Device, kind AllocatorKind) Allocator {
	if kind == AllocatorPooled {
		return NewPooledAllocator(dev, DefaultPooledMinBlock, DefaultPooledMaxFree)
	}
	return &DirectAllocator{dev: dev}
}

// DirectAllocator passes every request straight to the device.
type DirectAllocator struct {
	dev driver.Device
}

// NewDirectAllocator creates a DirectAllocator.
func NewDirectAllocator(dev driver.Device) *DirectAllocator {
	return &DirectAllocator{dev: dev}
}

// Allocate implements Allocator.
func (a *DirectAllocator) Allocate(desc driver.BufferDesc) (driver.Buffer, error) {
	if a.dev == nil {
		return nil, fmt.Errorf("%w: no device attached", ErrHardwareCreation)
	}
	return a.dev.NewBuffer(desc)
}

// Release implements Allocator.
func (a *DirectAllocator) Release(buf driver.Buffer) {
	if buf != nil {
		buf.Destroy()
	}
}

// Close implements Allocator.
func (a *DirectAllocator) Close() {}

// Pooled allocator defaults.
const (
	// DefaultPooledMinBlock is the smallest size class (4 KiB).
	DefaultPooledMinBlock = 4 << 10

	// DefaultPooledMaxFree is how many released buffers each class keeps.
	DefaultPooledMaxFree = 4
)

type poolKey struct {
	size    uint64
	visible bool
	usage   gputypes.BufferUsage
}

// PooledAllocator recycles released buffers by size class.
//
// Thread Safety:
// PooledAllocator is safe for concurrent use.
type PooledAllocator struct {
	dev      driver.Device
	minBlock uint64
	maxFree  int

	mu     sync.Mutex
	free   map[poolKey][]driver.Buffer
	keys   map[driver.Buffer]poolKey
	reused uint64
	closed bool
}

// NewPooledAllocator creates a PooledAllocator. minBlock is rounded up to a
// power of two.
func NewPooledAllocator(dev driver.Device, minBlock uint64, maxFree int) *PooledAllocator {
	if minBlock == 0 {
		minBlock = DefaultPooledMinBlock
	}
	if maxFree <= 0 {
		maxFree = DefaultPooledMaxFree
	}
	return &PooledAllocator{
		dev:      dev,
		minBlock: roundPow2(minBlock),
		maxFree:  maxFree,
		free:     make(map[poolKey][]driver.Buffer),
		keys:     make(map[driver.Buffer]poolKey),
	}
}

// Allocate implements Allocator.
func (a *PooledAllocator) Allocate(desc driver.BufferDesc) (driver.Buffer, error) {
	if a.dev == nil {
		return nil, fmt.Errorf("%w: no device attached", ErrHardwareCreation)
	}
	key := poolKey{size: max(roundPow2(desc.Size), a.minBlock), visible: desc.HostVisible, usage: desc.Usage}

	a.mu.Lock()
	if list := a.free[key]; len(list) > 0 {
		buf := list[len(list)-1]
		a.free[key] = list[:len(list)-1]
		a.reused++
		a.mu.Unlock()
		return buf, nil
	}
	a.mu.Unlock()

	desc.Size = key.size
	buf, err := a.dev.NewBuffer(desc)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.keys[buf] = key
	a.mu.Unlock()
	return buf, nil
}

// Release implements Allocator.
func (a *PooledAllocator) Release(buf driver.Buffer) {
	if buf == nil {
		return
	}
	a.mu.Lock()
	key, ok := a.keys[buf]
	if ok && !a.closed && len(a.free[key]) < a.maxFree {
		a.free[key] = append(a.free[key], buf)
		a.mu.Unlock()
		return
	}
	delete(a.keys, buf)
	a.mu.Unlock()
	buf.Destroy()
}

// Close implements Allocator. Buffers still held by callers are destroyed
// when released.
func (a *PooledAllocator) Close() {
	a.mu.Lock()
	a.closed = true
	var drop []driver.Buffer
	for k, list := range a.free {
		drop = append(drop, list...)
		delete(a.free, k)
	}
	for _, b := range drop {
		delete(a.keys, b)
	}
	a.mu.Unlock()

	for _, b := range drop {
		b.Destroy()
	}
}

// Reused returns how many allocations were served from the free lists.
func (a *PooledAllocator) Reused() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reused
}

func roundPow2(n uint64) uint64 {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len64(n-1)
}
