package transfer

import (
	"bytes"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/transfer/backend/cpu"
	"github.com/gogpu/transfer/driver"
)

// errInjected is returned by mocks and injected submit failures.
var errInjected = errors.New("injected failure")

func newTestDevice(t *testing.T, opts ...cpu.Option) *cpu.Device {
	t.Helper()
	dev := cpu.New(opts...)
	t.Cleanup(dev.Close)
	return dev
}

// waitAvailable polls op until it is available, failing after a few seconds.
func waitAvailable(t *testing.T, op interface{ IsAvailable() bool }) {
	t.Helper()
	for i := 0; i < 50000; i++ {
		if op.IsAvailable() {
			return
		}
		time.Sleep(100 * time.Microsecond)
	}
	t.Fatal("operation did not become available")
}

func assertNoValidationErrors(t *testing.T, dev *cpu.Device) {
	t.Helper()
	if err := dev.WaitIdle(); err != nil {
		t.Fatalf("WaitIdle() = %v", err)
	}
	for _, err := range dev.ValidationErrors() {
		t.Errorf("validation: %v", err)
	}
}

func pattern(n int, b byte) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func solid(w, h int, c [4]byte) []byte {
	out := make([]byte, 0, w*h*4)
	for range w * h {
		out = append(out, c[:]...)
	}
	return out
}

var layerColors = [][4]byte{
	{255, 0, 0, 255},
	{0, 255, 0, 255},
	{0, 0, 255, 255},
	{255, 255, 0, 255},
}

func newTestImage(t *testing.T, dev driver.Device, w, h, levels, layers uint32) *Image {
	t.Helper()
	img, err := NewImage(dev, ImageDesc{
		Label:  "test",
		Width:  w,
		Height: h,
		Levels: levels,
		Layers: layers,
		Format: gputypes.TextureFormatRGBA8Unorm,
	})
	if err != nil {
		t.Fatalf("NewImage() = %v", err)
	}
	t.Cleanup(img.Destroy)
	return img
}

// mockAllocator counts calls and can fail or hand out buffers that are
// not host visible.
type mockAllocator struct {
	dev driver.Device

	allocs   atomic.Int32
	releases atomic.Int32
	closes   atomic.Int32

	failAllocate bool
	// failNext fails that many allocations before succeeding again.
	failNext     atomic.Int32
	hideMemory   bool
	nonCoherent  bool
	flushes      atomic.Int32
}

func (a *mockAllocator) Allocate(desc driver.BufferDesc) (driver.Buffer, error) {
	a.allocs.Add(1)
	if a.failAllocate {
		return nil, errInjected
	}
	if a.failNext.Add(-1) >= 0 {
		return nil, errInjected
	}
	if a.hideMemory {
		desc.HostVisible = false
	}
	buf, err := a.dev.NewBuffer(desc)
	if err != nil {
		return nil, err
	}
	if a.nonCoherent {
		return &nonCoherentBuffer{Buffer: buf, flushes: &a.flushes}, nil
	}
	return buf, nil
}

func (a *mockAllocator) Release(buf driver.Buffer) {
	a.releases.Add(1)
	buf.Destroy()
}

func (a *mockAllocator) Close() { a.closes.Add(1) }

// nonCoherentBuffer reports every mapping as non-coherent.
type nonCoherentBuffer struct {
	driver.Buffer
	flushes *atomic.Int32
}

func (b *nonCoherentBuffer) Map(offset, size uint64) (driver.Mapping, error) {
	m, err := b.Buffer.Map(offset, size)
	if err != nil {
		return m, err
	}
	m.Coherent = false
	m.Flush = func() error {
		b.flushes.Add(1)
		return nil
	}
	return m, nil
}
