package transfer

import (
	"errors"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/transfer/backend/cpu"
	"github.com/gogpu/transfer/driver"
)

func stagingDesc(size uint64) driver.BufferDesc {
	return driver.BufferDesc{Label: "alloc", Size: size, Usage: stagingUsage, HostVisible: true}
}

func TestAllocatorKindString(t *testing.T) {
	tests := []struct {
		kind AllocatorKind
		want string
	}{
		{AllocatorDirect, "Direct"},
		{AllocatorPooled, "Pooled"},
		{AllocatorKind(9), "Unknown(9)"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("AllocatorKind(%d).String() = %q, want %q", int(tt.kind), got, tt.want)
		}
	}
}

func TestNewAllocator(t *testing.T) {
	dev := newTestDevice(t)
	if _, ok := NewAllocator(dev, AllocatorDirect).(*DirectAllocator); !ok {
		t.Error("AllocatorDirect did not produce a *DirectAllocator")
	}
	if _, ok := NewAllocator(dev, AllocatorPooled).(*PooledAllocator); !ok {
		t.Error("AllocatorPooled did not produce a *PooledAllocator")
	}
}

func TestDirectAllocator(t *testing.T) {
	dev := newTestDevice(t)
	a := NewDirectAllocator(dev)

	buf, err := a.Allocate(stagingDesc(100))
	if err != nil {
		t.Fatalf("Allocate() = %v", err)
	}
	if buf.Size() != 100 {
		t.Errorf("Size() = %d, want 100", buf.Size())
	}
	a.Release(buf)
	if !buf.(*cpu.Buffer).Destroyed() {
		t.Error("Release did not destroy the buffer")
	}
	a.Release(nil)
	a.Close()
}

func TestAllocatorWithoutDevice(t *testing.T) {
	for _, a := range []Allocator{NewDirectAllocator(nil), NewPooledAllocator(nil, 0, 0)} {
		if _, err := a.Allocate(stagingDesc(16)); !errors.Is(err, ErrHardwareCreation) {
			t.Errorf("%T.Allocate() = %v, want ErrHardwareCreation", a, err)
		}
	}
}

// =============================================================================
// PooledAllocator
// =============================================================================

func TestPooledAllocatorSizeClasses(t *testing.T) {
	dev := newTestDevice(t)
	a := NewPooledAllocator(dev, 1000, 4)
	defer a.Close()

	tests := []struct {
		size uint64
		want uint64
	}{
		{1, 1024},
		{1024, 1024},
		{1025, 2048},
		{5000, 8192},
	}
	for _, tt := range tests {
		buf, err := a.Allocate(stagingDesc(tt.size))
		if err != nil {
			t.Fatalf("Allocate(%d) = %v", tt.size, err)
		}
		if buf.Size() != tt.want {
			t.Errorf("Allocate(%d).Size() = %d, want %d", tt.size, buf.Size(), tt.want)
		}
		a.Release(buf)
	}
}

func TestPooledAllocatorReuse(t *testing.T) {
	dev := newTestDevice(t)
	a := NewPooledAllocator(dev, DefaultPooledMinBlock, DefaultPooledMaxFree)
	defer a.Close()

	first, err := a.Allocate(stagingDesc(1000))
	if err != nil {
		t.Fatalf("Allocate() = %v", err)
	}
	a.Release(first)

	second, err := a.Allocate(stagingDesc(3000))
	if err != nil {
		t.Fatalf("Allocate() = %v", err)
	}
	if second != first {
		t.Error("same size class did not reuse the released buffer")
	}
	if a.Reused() != 1 {
		t.Errorf("Reused() = %d, want 1", a.Reused())
	}

	// Different usage must not share the free list.
	a.Release(second)
	desc := stagingDesc(1000)
	desc.Usage = gputypes.BufferUsageCopyDst
	desc.HostVisible = false
	third, err := a.Allocate(desc)
	if err != nil {
		t.Fatalf("Allocate() = %v", err)
	}
	if third == first {
		t.Error("device-local request reused a host visible buffer")
	}
	a.Release(third)
}

func TestPooledAllocatorMaxFree(t *testing.T) {
	dev := newTestDevice(t)
	a := NewPooledAllocator(dev, 16, 1)
	defer a.Close()

	b1, _ := a.Allocate(stagingDesc(16))
	b2, _ := a.Allocate(stagingDesc(16))
	a.Release(b1)
	a.Release(b2)

	if b1.(*cpu.Buffer).Destroyed() {
		t.Error("first released buffer destroyed, want kept")
	}
	if !b2.(*cpu.Buffer).Destroyed() {
		t.Error("buffer beyond maxFree kept, want destroyed")
	}
}

func TestPooledAllocatorClose(t *testing.T) {
	dev := newTestDevice(t)
	a := NewPooledAllocator(dev, 16, 4)

	kept, _ := a.Allocate(stagingDesc(16))
	held, _ := a.Allocate(stagingDesc(16))
	a.Release(kept)
	a.Close()

	if !kept.(*cpu.Buffer).Destroyed() {
		t.Error("Close did not destroy free buffers")
	}
	if held.(*cpu.Buffer).Destroyed() {
		t.Error("Close destroyed a buffer still in use")
	}
	a.Release(held)
	if !held.(*cpu.Buffer).Destroyed() {
		t.Error("Release after Close did not destroy the buffer")
	}
}

func TestRoundPow2(t *testing.T) {
	tests := []struct{ in, want uint64 }{
		{0, 1}, {1, 1}, {2, 2}, {3, 4}, {4096, 4096}, {4097, 8192},
	}
	for _, tt := range tests {
		if got := roundPow2(tt.in); got != tt.want {
			t.Errorf("roundPow2(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
