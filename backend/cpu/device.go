// Package cpu implements driver.Device entirely in host memory.
//
// The CPU device executes every recorded command for real: buffer copies
// move bytes, image copies and blits fill per-level storage, barriers update
// per-subresource layouts. Each queue runs its submissions on its own
// goroutine, so fences and semaphores behave as they do on a GPU: a
// submission completes some time after Submit returns, and a semaphore wait
// blocks only the waiting queue.
//
// Misuse that a GPU validation layer would report (layout mismatches,
// out-of-range copies, double-signaled semaphores) is collected and exposed
// through ValidationErrors.
package cpu

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/transfer/driver"
	"github.com/gogpu/transfer/internal/parallel"
)

// CPU device errors.
var (
	// ErrDeviceClosed is returned when using a closed device.
	ErrDeviceClosed = errors.New("cpu: device closed")

	// ErrInvalidImage is returned for image descriptors the device cannot create.
	ErrInvalidImage = errors.New("cpu: invalid image descriptor")

	// ErrBlitUnsupported is returned from End when a blit was recorded on a
	// device created without blit support.
	ErrBlitUnsupported = errors.New("cpu: blit not supported")

	// ErrValidation wraps every entry of ValidationErrors.
	ErrValidation = errors.New("cpu: validation")
)

// Family indices.
const (
	FamilyGraphics = 0
	FamilyTransfer = 1
)

// Option configures a Device.
type Option func(*options)

type options struct {
	blit              bool
	dedicatedTransfer bool
}

func defaultOptions() options {
	return options{blit: true, dedicatedTransfer: true}
}

// WithBlit enables or disables blit support. Enabled by default.
func WithBlit(enabled bool) Option {
	return func(o *options) { o.blit = enabled }
}

// WithDedicatedTransfer selects whether the transfer queue is its own
// family. When false, QueueTransfer returns the graphics queue. Enabled by
// default.
func WithDedicatedTransfer(enabled bool) Option {
	return func(o *options) { o.dedicatedTransfer = enabled }
}

// Device is an in-memory driver.Device.
//
// Thread Safety:
// Device is safe for concurrent use.
type Device struct {
	features driver.Features

	graphics *Queue
	transfer *Queue

	closed atomic.Bool

	mu         sync.Mutex
	validation []error

	failMu   sync.Mutex
	failNext map[int]error
}

var _ driver.Device = (*Device)(nil)

// New creates a CPU device.
func New(opts ...Option) *Device {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	d := &Device{
		features: driver.Features{Blit: o.blit, DedicatedTransfer: o.dedicatedTransfer},
		failNext: make(map[int]error),
	}
	d.graphics = newQueue(d, driver.QueueGraphics, FamilyGraphics)
	if o.dedicatedTransfer {
		d.transfer = newQueue(d, driver.QueueTransfer, FamilyTransfer)
	} else {
		d.transfer = d.graphics
	}
	slogger().Debug("cpu: device created", "blit", o.blit, "dedicatedTransfer", o.dedicatedTransfer)
	return d
}

// Queue implements driver.Device.
func (d *Device) Queue(kind driver.QueueKind) driver.Queue {
	return d.queue(kind)
}

func (d *Device) queue(kind driver.QueueKind) *Queue {
	if kind == driver.QueueTransfer {
		return d.transfer
	}
	return d.graphics
}

// Features implements driver.Device.
func (d *Device) Features() driver.Features { return d.features }

// NewBuffer implements driver.Device.
func (d *Device) NewBuffer(desc driver.BufferDesc) (driver.Buffer, error) {
	if d.closed.Load() {
		return nil, ErrDeviceClosed
	}
	return &Buffer{
		label:   desc.Label,
		data:    make([]byte, desc.Size),
		visible: desc.HostVisible,
	}, nil
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
	return newImage(desc, ps), nil
}

// NewCommandPool implements driver.Device.
func (d *Device) NewCommandPool(kind driver.QueueKind) (driver.CommandPool, error) {
	if d.closed.Load() {
		return nil, ErrDeviceClosed
	}
	q := d.queue(kind)
	return &CommandPool{dev: d, kind: kind, family: q.family}, nil
}

// NewFence implements driver.Device.
func (d *Device) NewFence(signaled bool) (driver.Fence, error) {
	if d.closed.Load() {
		return nil, ErrDeviceClosed
	}
	f := &Fence{}
	f.signaled.Store(signaled)
	return f, nil
}

// NewSemaphore implements driver.Device.
func (d *Device) NewSemaphore() (driver.Semaphore, error) {
	if d.closed.Load() {
		return nil, ErrDeviceClosed
	}
	return newSemaphore(), nil
}

// WaitIdle implements driver.Device. It blocks while the device is paused.
func (d *Device) WaitIdle() error {
	d.graphics.exec.Wait()
	d.transfer.exec.Wait()
	// Graphics work may have been waiting on transfer work.
	d.graphics.exec.Wait()
	return nil
}

// Close implements driver.Device. Queued work is drained first unless the
// device is paused.
func (d *Device) Close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	d.transfer.exec.Close()
	d.graphics.exec.Close()
}

// Pause holds back execution on every queue. Submissions are still
// accepted; fences stay unsignaled until Resume.
func (d *Device) Pause() {
	d.graphics.exec.Pause()
	d.transfer.exec.Pause()
}

// Resume restarts queues stopped by Pause.
func (d *Device) Resume() {
	d.transfer.exec.Resume()
	d.graphics.exec.Resume()
}

// FailNextSubmit makes the next Submit on the queue of the given kind
// return err without executing anything.
func (d *Device) FailNextSubmit(kind driver.QueueKind, err error) {
	d.failMu.Lock()
	d.failNext[d.queue(kind).family] = err
	d.failMu.Unlock()
}

func (d *Device) takeFailure(family int) error {
	d.failMu.Lock()
	defer d.failMu.Unlock()
	err := d.failNext[family]
	delete(d.failNext, family)
	return err
}

// Submissions returns the number of accepted submissions per queue kind.
func (d *Device) Submissions(kind driver.QueueKind) uint64 {
	return d.queue(kind).submitted.Load()
}

// ValidationErrors returns every misuse detected so far.
func (d *Device) ValidationErrors() []error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]error(nil), d.validation...)
}

func (d *Device) report(format string, args ...any) {
	err := fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
	slogger().Warn("cpu: validation error", "err", err)
	d.mu.Lock()
	d.validation = append(d.validation, err)
	d.mu.Unlock()
}

// Queue is one CPU queue backed by an ordered executor.
type Queue struct {
	dev       *Device
	kind      driver.QueueKind
	family    int
	exec      *parallel.Executor
	submitted atomic.Uint64
}

var _ driver.Queue = (*Queue)(nil)

func newQueue(d *Device, kind driver.QueueKind, family int) *Queue {
	return &Queue{dev: d, kind: kind, family: family, exec: parallel.NewExecutor()}
}

// Kind implements driver.Queue.
func (q *Queue) Kind() driver.QueueKind { return q.kind }

// Family implements driver.Queue.
func (q *Queue) Family() int { return q.family }

// Submit implements driver.Queue. The submission executes later on the
// queue's goroutine.
func (q *Queue) Submit(info driver.SubmitInfo) error {
	if q.dev.closed.Load() {
		return ErrDeviceClosed
	}
	if err := info.Validate(); err != nil {
		return err
	}
	if err := q.dev.takeFailure(q.family); err != nil {
		return err
	}

	var work [][]command
	for _, cb := range info.Commands {
		c, ok := cb.(*CommandBuffer)
		if !ok {
			return fmt.Errorf("cpu: foreign command buffer %T", cb)
		}
		cmds, err := c.snapshot()
		if err != nil {
			return err
		}
		if c.Family() != q.family {
			return fmt.Errorf("%w: buffer family %d, queue family %d", driver.ErrWrongQueue, c.Family(), q.family)
		}
		work = append(work, cmds)
	}

	waits := make([]*Semaphore, len(info.Wait))
	for i, s := range info.Wait {
		sem, ok := s.(*Semaphore)
		if !ok {
			return fmt.Errorf("cpu: foreign semaphore %T", s)
		}
		waits[i] = sem
	}
	signals := make([]*Semaphore, len(info.Signal))
	for i, s := range info.Signal {
		sem, ok := s.(*Semaphore)
		if !ok {
			return fmt.Errorf("cpu: foreign semaphore %T", s)
		}
		signals[i] = sem
	}
	var fence *Fence
	if info.Fence != nil {
		f, ok := info.Fence.(*Fence)
		if !ok {
			return fmt.Errorf("cpu: foreign fence %T", info.Fence)
		}
		if sig, _ := f.Signaled(); sig {
			q.dev.report("submit with a fence that is already signaled")
		}
		fence = f
	}

	for i, sem := range waits {
		sem.recordWait(info.WaitStages[i])
	}
	for _, sem := range signals {
		sem.recordSignal()
	}

	q.submitted.Add(1)
	q.exec.Submit(func() {
		for _, sem := range waits {
			sem.acquire()
		}
		for _, cmds := range work {
			for _, c := range cmds {
				if err := c.run(); err != nil {
					q.dev.report("%s on %v queue: %v", c.Op, q.kind, err)
				}
			}
		}
		for _, sem := range signals {
			if !sem.release() {
				q.dev.report("semaphore signaled while already signaled")
			}
		}
		if fence != nil {
			fence.signaled.Store(true)
		}
	})
	return nil
}
