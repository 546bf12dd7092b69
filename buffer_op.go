package transfer

import (
	"fmt"
	"sync"

	"github.com/gogpu/transfer/driver"
)

// BufferTransferOperation uploads a staging buffer into one device buffer.
// It owns a staging buffer, one reusable command buffer and a fence.
//
// Thread Safety:
// Availability queries are safe from any goroutine. Between
// SetRequestedForTransfer and Transfer the operation belongs to the caller
// that reserved it.
//
// Lifecycle:
//  1. Create() (the operation starts available)
//  2. SetRequestedForTransfer()
//  3. Staging().WriteData(...)
//  4. Transfer() submits and returns immediately
//  5. IsAvailable() turns true once the device is done
type BufferTransferOperation struct {
	slot

	dev   driver.Device
	alloc Allocator
	pool  driver.CommandPool
	queue driver.Queue
	opts  options

	mu      sync.Mutex
	staging *HostVisibleBuffer
	cmd     driver.CommandBuffer
}

// NewBufferTransferOperation describes an operation submitting to queue
// with command buffers from pool. Nothing is created until Create.
func NewBufferTransferOperation(dev driver.Device, alloc Allocator, pool driver.CommandPool, queue driver.Queue, opts ...Option) *BufferTransferOperation {
	return &BufferTransferOperation{
		dev:   dev,
		alloc: alloc,
		pool:  pool,
		queue: queue,
		opts:  buildOptions(opts),
	}
}

// Create builds the staging buffer, command buffer and signaled fence.
// Creating an operation twice fails with ErrPrecondition; call Destroy
// first.
func (op *BufferTransferOperation) Create(initialBytes uint64) error {
	if op.dev == nil || op.pool == nil || op.queue == nil {
		return fmt.Errorf("%w: buffer transfer operation has no device", ErrHardwareCreation)
	}
	if op.Staging() != nil {
		return fmt.Errorf("%w: buffer transfer operation is already created", ErrPrecondition)
	}

	staging := NewHostVisibleBuffer(op.alloc, initialBytes, "BufferTransferStaging")
	if err := staging.Create(); err != nil {
		return err
	}
	cmd, err := op.pool.NewCommandBuffer()
	if err != nil {
		staging.Destroy()
		return fmt.Errorf("%w: command buffer: %w", ErrHardwareCreation, err)
	}
	if err := op.slot.create(op.dev); err != nil {
		cmd.Destroy()
		staging.Destroy()
		return err
	}

	op.mu.Lock()
	op.staging = staging
	op.cmd = cmd
	op.mu.Unlock()
	return nil
}

// Destroy releases everything Create built. The caller must make sure no
// submitted work is pending.
func (op *BufferTransferOperation) Destroy() {
	op.mu.Lock()
	if op.staging != nil {
		op.staging.Destroy()
		op.staging = nil
	}
	if op.cmd != nil {
		op.cmd.Destroy()
		op.cmd = nil
	}
	op.mu.Unlock()
	op.slot.destroy()
}

// IsAvailable reports, without blocking, whether the operation can be
// reserved: it is idle, or its last submission completed, or its last
// transfer failed.
func (op *BufferTransferOperation) IsAvailable() bool { return op.slot.available() }

// State returns the current slot state.
func (op *BufferTransferOperation) State() SlotState { return op.slot.current() }

// Idle returns a resize token when the operation is available.
func (op *BufferTransferOperation) Idle() (ResizeToken, bool) { return op.slot.idle() }

// SetRequestedForTransfer reserves the operation and resets its fence. It
// must precede any write into the staging buffer.
func (op *BufferTransferOperation) SetRequestedForTransfer() error { return op.slot.request() }

// Staging returns the staging buffer.
func (op *BufferTransferOperation) Staging() *HostVisibleBuffer {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.staging
}

// Capacity returns the staging size in bytes, or 0 before Create.
func (op *BufferTransferOperation) Capacity() uint64 {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.staging == nil {
		return 0
	}
	return op.staging.Size()
}

// ExpandStagingCapacity replaces the staging buffer with one of at least
// bytes. tok must come from Idle on this operation with no state change
// since. Requests not larger than the current capacity do nothing.
func (op *BufferTransferOperation) ExpandStagingCapacity(tok ResizeToken, bytes uint64) error {
	op.slot.mu.Lock()
	defer op.slot.mu.Unlock()
	if err := op.slot.checkToken(tok); err != nil {
		return err
	}

	op.mu.Lock()
	defer op.mu.Unlock()
	staging, err := resizeStaging(op.staging, op.alloc, bytes, "BufferTransferStaging")
	if err != nil {
		return err
	}
	op.staging = staging
	op.slot.generation++
	return nil
}

// Transfer records and submits the copy of staging[offset:offset+dst.Bytes()]
// to dst at offset 0. The staging buffer must already hold the data and the
// operation must be requested. Transfer returns once the work is submitted.
//
// On failure the operation becomes SlotFailed and is available again.
func (op *BufferTransferOperation) Transfer(dst DestinationBuffer, offset uint64) error {
	if err := op.slot.requested(); err != nil {
		return err
	}
	if dst == nil {
		op.slot.fail()
		return fmt.Errorf("%w: nil destination buffer", ErrPrecondition)
	}
	err := op.record(dst, offset)
	if err == nil {
		err = op.submit()
	}
	if err != nil {
		op.slot.fail()
		Logger().Warn("transfer: buffer transfer failed", "bytes", dst.Bytes(), "offset", offset, "err", err)
		return err
	}
	op.slot.submitted()
	Logger().Debug("transfer: buffer transfer submitted", "bytes", dst.Bytes(), "offset", offset)
	return nil
}

func (op *BufferTransferOperation) record(dst DestinationBuffer, offset uint64) error {
	op.mu.Lock()
	defer op.mu.Unlock()

	if op.staging == nil || op.cmd == nil {
		return fmt.Errorf("%w: buffer transfer operation is not created", ErrPrecondition)
	}
	if dst.Handle() == nil {
		return fmt.Errorf("%w: destination buffer is not created", ErrPrecondition)
	}
	size := dst.Bytes()
	if op.opts.validateCopies {
		if end := offset + size; end > op.staging.Size() || end < offset {
			return fmt.Errorf("%w: copy [%d, %d) from %d byte staging buffer", ErrBoundsOverflow, offset, end, op.staging.Size())
		}
	}

	if err := op.cmd.Begin(true); err != nil {
		return fmt.Errorf("%w: begin: %w", ErrSubmission, err)
	}
	op.cmd.CopyBuffer(op.staging.Handle(), dst.Handle(), driver.BufferCopy{
		SrcOffset: offset,
		DstOffset: 0,
		Size:      size,
	})
	if err := op.cmd.End(); err != nil {
		return fmt.Errorf("%w: end: %w", ErrSubmission, err)
	}
	return nil
}

func (op *BufferTransferOperation) submit() error {
	op.mu.Lock()
	cmd := op.cmd
	op.mu.Unlock()

	err := op.queue.Submit(driver.SubmitInfo{
		Commands: []driver.CommandBuffer{cmd},
		Fence:    op.slot.currentFence(),
	})
	if err != nil {
		return fmt.Errorf("%w: %v queue: %w", ErrSubmission, op.queue.Kind(), err)
	}
	return nil
}

// resizeStaging creates a staging buffer of bytes and destroys old. It
// returns old unchanged when it is already large enough.
func resizeStaging(old *HostVisibleBuffer, alloc Allocator, bytes uint64, label string) (*HostVisibleBuffer, error) {
	if old != nil && old.Size() >= bytes {
		return old, nil
	}
	staging := NewHostVisibleBuffer(alloc, bytes, label)
	if err := staging.Create(); err != nil {
		return old, err
	}
	if old != nil {
		old.Destroy()
	}
	Logger().Debug("transfer: staging buffer resized", "label", label, "bytes", bytes)
	return staging, nil
}
