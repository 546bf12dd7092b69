package transfer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/transfer/driver"
)

// drainInterval is how often Drain polls operation fences.
const drainInterval = 500 * time.Microsecond

// Manager pools buffer and image transfer operations for one device.
//
// Acquire hands out a reserved operation with enough staging space,
// reusing an available one when possible, growing one when none is large
// enough, and creating a new one otherwise.
//
// Thread Safety:
// Manager is safe for concurrent use. Searches of each pool serialize on a
// per-pool mutex.
//
// Lifecycle:
//  1. NewManager()
//  2. AcquireBufferOperation()/AcquireImageOperation() or UploadBuffer()/UploadImage()
//  3. Drain() to wait for outstanding work
//  4. Close()
type Manager struct {
	dev  driver.Device
	opts options

	alloc      Allocator
	ownsAlloc  bool
	transfer   driver.CommandPool
	graphics   driver.CommandPool
	buffers    opPool[*BufferTransferOperation]
	images     opPool[*ImageTransferOperation]
	submitted  atomic.Uint64
	closeMu    sync.RWMutex
	closed     bool
	closeOnce  sync.Once
	closeError error
}

// transferOp is what a pool needs from an operation.
type transferOp interface {
	Create(initialBytes uint64) error
	Destroy()
	IsAvailable() bool
	State() SlotState
	Capacity() uint64
	Idle() (ResizeToken, bool)
	ExpandStagingCapacity(tok ResizeToken, bytes uint64) error
	SetRequestedForTransfer() error
}

type opPool[T transferOp] struct {
	name string
	mu   sync.Mutex
	ops  []T
}

// NewManager creates a manager for dev. It creates a command pool for the
// transfer queue and, when the device has a dedicated transfer family, one
// for the graphics queue.
func NewManager(dev driver.Device, opts ...Option) (*Manager, error) {
	if dev == nil {
		return nil, fmt.Errorf("%w: nil device", ErrPrecondition)
	}
	m := &Manager{
		dev:     dev,
		opts:    buildOptions(opts),
		buffers: opPool[*BufferTransferOperation]{name: "buffer"},
		images:  opPool[*ImageTransferOperation]{name: "image"},
	}

	if m.opts.allocator != nil {
		m.alloc = m.opts.allocator
	} else {
		m.alloc = NewAllocator(dev, m.opts.allocatorKind)
		m.ownsAlloc = true
	}

	tp, err := dev.NewCommandPool(driver.QueueTransfer)
	if err != nil {
		m.closeAllocator()
		return nil, fmt.Errorf("%w: transfer command pool: %w", ErrHardwareCreation, err)
	}
	m.transfer = tp

	if dev.Features().DedicatedTransfer {
		gp, err := dev.NewCommandPool(driver.QueueGraphics)
		if err != nil {
			tp.Destroy()
			m.closeAllocator()
			return nil, fmt.Errorf("%w: graphics command pool: %w", ErrHardwareCreation, err)
		}
		m.graphics = gp
	}

	Logger().Info("transfer: manager created",
		"allocator", m.opts.allocatorKind,
		"dedicatedTransfer", m.graphics != nil,
		"blit", dev.Features().Blit,
		"maxOperations", m.opts.maxOperations)
	return m, nil
}

// Device returns the device the manager submits to.
func (m *Manager) Device() driver.Device { return m.dev }

// AcquireBufferOperation returns a buffer operation, reserved for the
// caller, whose staging buffer holds at least bytes.
func (m *Manager) AcquireBufferOperation(bytes uint64) (*BufferTransferOperation, error) {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	return acquire(&m.buffers, bytes, m.opts, func() *BufferTransferOperation {
		return NewBufferTransferOperation(m.dev, m.alloc, m.transfer, m.dev.Queue(driver.QueueTransfer), m.opOptions()...)
	})
}

// AcquireImageOperation returns an image operation, reserved for the
// caller, whose staging buffer holds at least bytes. Use ImageStagingSize
// to compute bytes for an image.
func (m *Manager) AcquireImageOperation(bytes uint64) (*ImageTransferOperation, error) {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	return acquire(&m.images, bytes, m.opts, func() *ImageTransferOperation {
		return NewImageTransferOperation(m.dev, m.alloc, m.transfer, m.graphics, m.opOptions()...)
	})
}

func (m *Manager) opOptions() []Option {
	return []Option{WithCopyValidation(m.opts.validateCopies)}
}

// acquire searches p in three passes: an available operation that is
// large enough, then any available operation which is grown, then a new
// operation. The winner is reserved before the pool mutex is released.
func acquire[T transferOp](p *opPool[T], bytes uint64, o options, newOp func() T) (T, error) {
	var zero T

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, op := range p.ops {
		if op.IsAvailable() && op.Capacity() >= bytes {
			if err := op.SetRequestedForTransfer(); err != nil {
				continue
			}
			return op, nil
		}
	}

	for _, op := range p.ops {
		tok, ok := op.Idle()
		if !ok {
			continue
		}
		if err := op.ExpandStagingCapacity(tok, bytes); err != nil {
			Logger().Warn("transfer: unable to grow staging", "pool", p.name, "bytes", bytes, "err", err)
			continue
		}
		if err := op.SetRequestedForTransfer(); err != nil {
			continue
		}
		Logger().Debug("transfer: staging grown", "pool", p.name, "bytes", bytes)
		return op, nil
	}

	if o.maxOperations > 0 && len(p.ops) >= o.maxOperations {
		return zero, fmt.Errorf("%w: %d %s operations in flight", ErrPoolExhausted, len(p.ops), p.name)
	}

	op := newOp()
	if err := op.Create(max(bytes, o.stagingBytes)); err != nil {
		return zero, err
	}
	if err := op.SetRequestedForTransfer(); err != nil {
		op.Destroy()
		return zero, err
	}
	p.ops = append(p.ops, op)
	Logger().Info("transfer: operation created", "pool", p.name, "count", len(p.ops), "bytes", op.Capacity())
	return op, nil
}

// UploadBuffer copies data into dst through a pooled buffer operation. It
// returns once the copy is submitted; use Drain to wait for completion.
func (m *Manager) UploadBuffer(dst DestinationBuffer, data []byte) error {
	if dst == nil {
		return fmt.Errorf("%w: nil destination buffer", ErrPrecondition)
	}
	if uint64(len(data)) != dst.Bytes() {
		return fmt.Errorf("%w: %d bytes of data for a %d byte buffer", ErrPrecondition, len(data), dst.Bytes())
	}
	op, err := m.AcquireBufferOperation(dst.Bytes())
	if err != nil {
		return err
	}
	if err := op.Staging().WriteData(NewMemoryRegion(data, 0)); err != nil {
		op.slot.fail()
		return err
	}
	if err := op.Transfer(dst, 0); err != nil {
		return err
	}
	m.submitted.Add(1)
	return nil
}

// UploadImage copies one base level per layer into dst and builds its
// mip chain. Every layer must hold exactly width*height*pixelBytes bytes.
func (m *Manager) UploadImage(dst DestinationImage, layers [][]byte) error {
	if err := checkImage(dst); err != nil {
		return err
	}
	if uint32(len(layers)) != dst.Layers() {
		return fmt.Errorf("%w: %d layers of data for a %d layer image", ErrPrecondition, len(layers), dst.Layers())
	}
	lb := layerBytes(dst)
	regions := make([]MemoryRegion, len(layers))
	for i, data := range layers {
		if uint64(len(data)) != lb {
			return fmt.Errorf("%w: layer %d holds %d bytes, want %d", ErrPrecondition, i, len(data), lb)
		}
		regions[i] = NewMemoryRegion(data, uint64(i)*lb)
	}

	op, err := m.AcquireImageOperation(ImageStagingSize(dst, m.dev.Features().Blit))
	if err != nil {
		return err
	}
	if err := op.Staging().WriteRegions(regions); err != nil {
		op.slot.fail()
		return err
	}
	if err := op.Transfer(dst); err != nil {
		return err
	}
	m.submitted.Add(1)
	return nil
}

// Drain blocks until every operation is available again or ctx is done.
func (m *Manager) Drain(ctx context.Context) error {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()
	for {
		if m.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) idle() bool {
	return poolIdle(&m.buffers) && poolIdle(&m.images)
}

func poolIdle[T transferOp](p *opPool[T]) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, op := range p.ops {
		if !op.IsAvailable() {
			return false
		}
	}
	return true
}

// Stats is a snapshot of a manager's pools.
type Stats struct {
	BufferOps int
	ImageOps  int

	// InFlight counts operations reserved or submitted and not yet complete.
	InFlight int
	Failed   int

	// StagingBytes is the summed staging capacity of every operation.
	StagingBytes uint64

	// Submissions counts transfers submitted through UploadBuffer and UploadImage.
	Submissions uint64
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("Stats{buffers=%d images=%d inFlight=%d failed=%d staging=%dB submissions=%d}",
		s.BufferOps, s.ImageOps, s.InFlight, s.Failed, s.StagingBytes, s.Submissions)
}

// Stats returns a snapshot of the pools.
func (m *Manager) Stats() Stats {
	s := Stats{Submissions: m.submitted.Load()}
	s.BufferOps = poolStats(&m.buffers, &s)
	s.ImageOps = poolStats(&m.images, &s)
	return s
}

func poolStats[T transferOp](p *opPool[T], s *Stats) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, op := range p.ops {
		switch op.State() {
		case SlotInFlight, SlotRequested:
			s.InFlight++
		case SlotFailed:
			s.Failed++
		}
		s.StagingBytes += op.Capacity()
	}
	return len(p.ops)
}

// Close waits for the device to finish, then destroys every operation and
// command pool. The device itself stays open. Close is idempotent.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.closeMu.Lock()
		m.closed = true
		m.closeMu.Unlock()

		if err := m.dev.WaitIdle(); err != nil {
			m.closeError = fmt.Errorf("transfer: wait idle: %w", err)
			Logger().Warn("transfer: wait idle failed on close", "err", err)
		}

		n := destroyPool(&m.buffers) + destroyPool(&m.images)
		if m.graphics != nil {
			m.graphics.Destroy()
		}
		m.transfer.Destroy()
		m.closeAllocator()
		Logger().Info("transfer: manager closed", "operations", n, "submissions", m.submitted.Load())
	})
	return m.closeError
}

func destroyPool[T transferOp](p *opPool[T]) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.ops)
	for _, op := range p.ops {
		op.Destroy()
	}
	p.ops = nil
	return n
}

func (m *Manager) closeAllocator() {
	if m.ownsAlloc {
		m.alloc.Close()
	}
}
