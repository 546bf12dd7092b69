// Package native implements driver.Device on top of the gogpu/wgpu HAL.
//
// The HAL exposes a single queue per device, so the native device reports
// no dedicated transfer family: both queue kinds resolve to the same queue
// and submissions execute in order. Semaphores are therefore ordering
// tokens, and fences track HAL submission indices.
//
// HAL command encoders have no scaling copy, so the device reports
// Features.Blit as false and mip chains are built on the host.
package native

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/transfer/driver"
	"github.com/gogpu/wgpu/hal"
)

// Family is the only queue family of a native device.
const Family = 0

// halProvider is implemented by device providers that expose their HAL
// objects, such as *wgpu.Device based contexts.
type halProvider interface {
	HalDevice() any
	HalQueue() any
}

// Device adapts a hal.Device and hal.Queue to driver.Device.
//
// Thread Safety:
// Device is safe for concurrent use.
type Device struct {
	hal   hal.Device
	queue *Queue

	// release destroys HAL objects the device owns. Nil for borrowed devices.
	release func()

	closed    atomic.Bool
	closeOnce sync.Once
}

var _ driver.Device = (*Device)(nil)

// New wraps a HAL device and queue owned by the caller. Close does not
// destroy them.
func New(device hal.Device, queue hal.Queue) (*Device, error) {
	if device == nil || queue == nil {
		return nil, ErrNilHALDevice
	}
	d := &Device{hal: device}
	d.queue = &Queue{dev: d, hq: queue}
	slogger().Debug("native: device created")
	return d, nil
}

// Open creates an instance of the given HAL backend and opens a device on
// its first adapter. The returned device owns every HAL object it created.
func Open(backend hal.Backend) (*Device, error) {
	instance, err := backend.CreateInstance(nil)
	if err != nil {
		return nil, fmt.Errorf("native: create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, ErrNoAdapter
	}
	exposed := adapters[0]
	opened, err := exposed.Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("native: open adapter %q: %w", exposed.Info.Name, err)
	}

	d, err := New(opened.Device, opened.Queue)
	if err != nil {
		instance.Destroy()
		return nil, err
	}
	d.release = func() {
		opened.Device.Destroy()
		instance.Destroy()
	}
	slogger().Info("native: adapter opened",
		"backend", backend.Variant(),
		"adapter", exposed.Info.Name,
	)
	return d, nil
}

// FromProvider wraps the HAL device and queue of a gpucontext provider.
// The provider must expose them through HalDevice and HalQueue methods.
// The provider keeps ownership.
func FromProvider(provider gpucontext.DeviceProvider) (*Device, error) {
	if provider == nil {
		return nil, ErrNilHALDevice
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrNoHALAccess
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok {
		return nil, fmt.Errorf("%w: HalDevice returned %T", ErrNoHALAccess, hp.HalDevice())
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok {
		return nil, fmt.Errorf("%w: HalQueue returned %T", ErrNoHALAccess, hp.HalQueue())
	}
	d, err := New(device, queue)
	if err != nil {
		return nil, err
	}
	info := provider.AdapterInfo()
	slogger().Info("native: using provider device", "adapter", info.Name, "type", info.Type)
	return d, nil
}

// HAL returns the wrapped HAL device.
func (d *Device) HAL() hal.Device { return d.hal }

// Queue implements driver.Device. Both kinds share the single HAL queue.
func (d *Device) Queue(driver.QueueKind) driver.Queue { return d.queue }

// Features implements driver.Device.
func (d *Device) Features() driver.Features { return driver.Features{} }

// NewBuffer implements driver.Device.
func (d *Device) NewBuffer(desc driver.BufferDesc) (driver.Buffer, error) {
	if d.closed.Load() {
		return nil, ErrDeviceClosed
	}
	usage := desc.Usage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	if desc.HostVisible {
		usage |= gputypes.BufferUsageMapWrite
	}
	buf, err := d.hal.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: usage,
	})
	if err != nil {
		return nil, fmt.Errorf("native: create buffer %q: %w", desc.Label, err)
	}
	return &Buffer{dev: d, buf: buf, size: desc.Size, visible: desc.HostVisible}, nil
}

// NewImage implements driver.Device.
func (d *Device) NewImage(desc driver.ImageDesc) (driver.Image, error) {
	if d.closed.Load() {
		return nil, ErrDeviceClosed
	}
	ps := driver.PixelSize(desc.Format)
	switch {
	case desc.Width == 0 || desc.Height == 0:
		return nil, fmt.Errorf("%w: zero extent %dx%d", ErrInvalidImage, desc.Width, desc.Height)
	case desc.Levels == 0 || desc.Layers == 0:
		return nil, fmt.Errorf("%w: %d levels, %d layers", ErrInvalidImage, desc.Levels, desc.Layers)
	case ps == 0:
		return nil, fmt.Errorf("%w: format %v has no texel size", ErrInvalidImage, desc.Format)
	}
	tex, err := d.hal.CreateTexture(&hal.TextureDescriptor{
		Label: desc.Label,
		Size: hal.Extent3D{
			Width:              desc.Width,
			Height:             desc.Height,
			DepthOrArrayLayers: desc.Layers,
		},
		MipLevelCount: desc.Levels,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        desc.Format,
		Usage: gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst |
			gputypes.TextureUsageTextureBinding,
	})
	if err != nil {
		return nil, fmt.Errorf("native: create texture %q: %w", desc.Label, err)
	}
	return &Image{dev: d, tex: tex, desc: desc, pixelSize: ps}, nil
}

// NewCommandPool implements driver.Device. Every pool records for the single family.
func (d *Device) NewCommandPool(kind driver.QueueKind) (driver.CommandPool, error) {
	if d.closed.Load() {
		return nil, ErrDeviceClosed
	}
	return &CommandPool{dev: d, kind: kind}, nil
}

// NewFence implements driver.Device.
func (d *Device) NewFence(signaled bool) (driver.Fence, error) {
	if d.closed.Load() {
		return nil, ErrDeviceClosed
	}
	f := &Fence{q: d.queue}
	if !signaled {
		f.target.Store(unsubmitted)
	}
	return f, nil
}

// NewSemaphore implements driver.Device.
func (d *Device) NewSemaphore() (driver.Semaphore, error) {
	if d.closed.Load() {
		return nil, ErrDeviceClosed
	}
	return &Semaphore{}, nil
}

// WaitIdle implements driver.Device.
func (d *Device) WaitIdle() error {
	if err := d.hal.WaitIdle(); err != nil {
		return fmt.Errorf("native: wait idle: %w", err)
	}
	d.queue.reclaim()
	return nil
}

// Close implements driver.Device. Outstanding work is waited for first.
func (d *Device) Close() {
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		if err := d.hal.WaitIdle(); err != nil {
			slogger().Warn("native: wait idle on close", "err", err)
		}
		d.queue.reclaimAll()
		if d.release != nil {
			d.release()
		}
		slogger().Debug("native: device closed")
	})
}

// Queue is the single HAL queue of a device.
type Queue struct {
	dev *Device
	hq  hal.Queue

	mu sync.Mutex
	// last is the index of the most recent HAL submission.
	last    uint64
	retired []retiredCommands
}

var _ driver.Queue = (*Queue)(nil)

// retiredCommands is a HAL command buffer freed once submission index
// completes.
type retiredCommands struct {
	cb    hal.CommandBuffer
	index uint64
}

// Kind implements driver.Queue.
func (q *Queue) Kind() driver.QueueKind { return driver.QueueGraphics }

// Family implements driver.Queue.
func (q *Queue) Family() int { return Family }

// Submit implements driver.Queue.
//
// Submissions run in order on the HAL queue, so a semaphore wait is
// satisfied by the earlier signaling submission. A submission without
// command buffers only retargets its fence at the latest submission.
func (q *Queue) Submit(info driver.SubmitInfo) error {
	if q.dev.closed.Load() {
		return ErrDeviceClosed
	}
	if err := info.Validate(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	waits, err := semaphores(info.Wait)
	if err != nil {
		return err
	}
	signals, err := semaphores(info.Signal)
	if err != nil {
		return err
	}
	for _, s := range waits {
		if !s.pending {
			return ErrSemaphoreUnsignaled
		}
	}
	var fence *Fence
	if info.Fence != nil {
		f, ok := info.Fence.(*Fence)
		if !ok {
			return fmt.Errorf("%w: fence %T", ErrForeignObject, info.Fence)
		}
		fence = f
	}

	cmds := make([]*CommandBuffer, 0, len(info.Commands))
	hcbs := make([]hal.CommandBuffer, 0, len(info.Commands))
	for _, c := range info.Commands {
		cb, ok := c.(*CommandBuffer)
		if !ok {
			return fmt.Errorf("%w: command buffer %T", ErrForeignObject, c)
		}
		h, err := cb.executable()
		if err != nil {
			return err
		}
		cmds = append(cmds, cb)
		hcbs = append(hcbs, h)
	}

	index := q.last
	if len(hcbs) > 0 {
		index, err = q.hq.Submit(hcbs)
		if err != nil {
			return fmt.Errorf("native: submit: %w", err)
		}
		q.last = index
	}

	for _, cb := range cmds {
		cb.submitted(index)
	}
	for _, s := range waits {
		s.pending = false
	}
	for _, s := range signals {
		s.pending = true
	}
	if fence != nil {
		fence.target.Store(index)
	}
	q.reclaimLocked()
	return nil
}

func semaphores(in []driver.Semaphore) ([]*Semaphore, error) {
	out := make([]*Semaphore, len(in))
	for i, s := range in {
		sem, ok := s.(*Semaphore)
		if !ok {
			return nil, fmt.Errorf("%w: semaphore %T", ErrForeignObject, s)
		}
		out[i] = sem
	}
	return out, nil
}

// retire queues a HAL command buffer for release once index completes.
// An index of zero means it was never submitted.
func (q *Queue) retire(cb hal.CommandBuffer, index uint64) {
	q.mu.Lock()
	q.retired = append(q.retired, retiredCommands{cb: cb, index: index})
	q.reclaimLocked()
	q.mu.Unlock()
}

func (q *Queue) reclaim() {
	q.mu.Lock()
	q.reclaimLocked()
	q.mu.Unlock()
}

func (q *Queue) reclaimLocked() {
	if len(q.retired) == 0 {
		return
	}
	done := q.hq.PollCompleted()
	keep := q.retired[:0]
	for _, r := range q.retired {
		if r.index <= done {
			q.dev.hal.FreeCommandBuffer(r.cb)
			continue
		}
		keep = append(keep, r)
	}
	q.retired = keep
}

// reclaimAll frees every retired command buffer. The device must be idle.
func (q *Queue) reclaimAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range q.retired {
		q.dev.hal.FreeCommandBuffer(r.cb)
	}
	q.retired = nil
}

// OpenBest opens a device on the most capable HAL backend registered with
// the hal package, such as those imported by hal/allbackends.
func OpenBest() (*Device, error) {
	backend, err := hal.SelectBestBackend()
	if err != nil {
		return nil, fmt.Errorf("native: select backend: %w", err)
	}
	return Open(backend)
}
