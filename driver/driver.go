// Package driver defines the narrow device contract the transfer subsystem
// records and submits work through.
//
// A backend (backend/cpu, backend/native) implements Device and everything
// reachable from it. The transfer package never talks to a graphics API
// directly.
package driver

import (
	"errors"

	"github.com/gogpu/gputypes"
)

// Driver errors.
var (
	// ErrWaitStageMismatch is returned by SubmitInfo.Validate when the number
	// of wait semaphores differs from the number of wait stages.
	ErrWaitStageMismatch = errors.New("driver: wait semaphore count does not match wait stage count")

	// ErrNotRecording is returned when a command buffer is ended without Begin.
	ErrNotRecording = errors.New("driver: command buffer is not recording")

	// ErrAlreadyRecording is returned when Begin is called twice.
	ErrAlreadyRecording = errors.New("driver: command buffer is already recording")

	// ErrNotMappable is returned when mapping a buffer that is not host visible.
	ErrNotMappable = errors.New("driver: buffer is not host visible")

	// ErrMapRange is returned when a mapping falls outside the buffer.
	ErrMapRange = errors.New("driver: map range out of bounds")

	// ErrDestroyed is returned when using a destroyed object.
	ErrDestroyed = errors.New("driver: object has been destroyed")

	// ErrWrongQueue is returned when a command buffer is submitted to a
	// queue of another family than its pool.
	ErrWrongQueue = errors.New("driver: command buffer submitted to a foreign queue family")
)

// Device is a logical GPU device.
type Device interface {
	// Queue returns the queue used for the given kind. Devices without a
	// dedicated transfer family return the graphics queue for QueueTransfer.
	Queue(kind QueueKind) Queue

	// Features reports optional capabilities.
	Features() Features

	// NewBuffer creates a buffer.
	NewBuffer(desc BufferDesc) (Buffer, error)

	// NewImage creates a 2D image, possibly layered and mipmapped.
	NewImage(desc ImageDesc) (Image, error)

	// NewCommandPool creates a command pool for the family of the given queue kind.
	NewCommandPool(kind QueueKind) (CommandPool, error)

	// NewFence creates a fence, optionally already signaled.
	NewFence(signaled bool) (Fence, error)

	// NewSemaphore creates a binary semaphore.
	NewSemaphore() (Semaphore, error)

	// WaitIdle blocks until every queue has finished its submitted work.
	WaitIdle() error

	// Close releases the device.
	Close()
}

// Features describes optional device capabilities.
type Features struct {
	// Blit is true when command buffers can scale one image level into
	// another. When false, mip chains are built on the host.
	Blit bool

	// DedicatedTransfer is true when the transfer queue belongs to a family
	// distinct from the graphics queue.
	DedicatedTransfer bool
}

// Queue accepts command buffer submissions.
type Queue interface {
	// Kind returns the role the queue was obtained for.
	Kind() QueueKind

	// Family identifies the queue family. Command buffers from a pool of one
	// family may only be submitted to queues of the same family.
	Family() int

	// Submit enqueues work. It does not wait for completion.
	Submit(info SubmitInfo) error
}

// SubmitInfo describes one queue submission.
type SubmitInfo struct {
	// Commands are executed in order.
	Commands []CommandBuffer

	// Wait semaphores must be signaled before Commands reach the matching
	// WaitStages entry.
	Wait       []Semaphore
	WaitStages []Stage

	// Signal semaphores are signaled once Commands complete.
	Signal []Semaphore

	// Fence, if not nil, is signaled once Commands complete.
	Fence Fence
}

// Validate checks the structural rules of a submission.
func (s SubmitInfo) Validate() error {
	if len(s.Wait) != len(s.WaitStages) {
		return ErrWaitStageMismatch
	}
	return nil
}

// BufferDesc describes a buffer to create.
type BufferDesc struct {
	Label string
	Size  uint64
	Usage gputypes.BufferUsage

	// HostVisible requests memory the host can map.
	HostVisible bool
}

// Buffer is a linear GPU allocation.
type Buffer interface {
	Size() uint64
	HostVisible() bool

	// Map returns a host view of [offset, offset+size). The view stays valid
	// until Unmap.
	Map(offset, size uint64) (Mapping, error)
	Unmap() error

	Destroy()
}

// Mapping is a host view of buffer memory.
type Mapping struct {
	Bytes []byte

	// Coherent is false when writes must be flushed before the device can
	// observe them.
	Coherent bool

	// Flush makes host writes visible to the device. Nil when Coherent.
	Flush func() error
}

// ImageDesc describes an image to create.
type ImageDesc struct {
	Label  string
	Width  uint32
	Height uint32
	Levels uint32
	Layers uint32
	Format gputypes.TextureFormat
}

// Image is a 2D, possibly layered and mipmapped, GPU image.
type Image interface {
	Desc() ImageDesc
	Destroy()
}

// CommandPool allocates command buffers for one queue family.
type CommandPool interface {
	Kind() QueueKind
	Family() int
	NewCommandBuffer() (CommandBuffer, error)
	Destroy()
}

// CommandBuffer records commands between Begin and End.
//
// Recording calls do not return errors; a backend that cannot honor one
// reports it from End.
type CommandBuffer interface {
	// Begin starts recording, discarding anything recorded before.
	Begin(oneTime bool) error
	End() error

	CopyBuffer(src, dst Buffer, region BufferCopy)
	CopyBufferToImage(src Buffer, dst Image, regions []BufferImageCopy)
	Barrier(barriers []ImageBarrier)
	Blit(img Image, regions []ImageBlit, filter Filter)

	Family() int
	Destroy()
}

// Fence is a device to host completion signal.
type Fence interface {
	// Signaled polls the fence without blocking.
	Signaled() (bool, error)

	// Reset puts the fence back to the unsignaled state.
	Reset() error

	Destroy()
}

// Semaphore is a device to device ordering signal.
type Semaphore interface {
	Destroy()
}

// BufferCopy is one buffer to buffer copy.
type BufferCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

// BufferImageCopy copies tightly packed texels from a buffer into one level
// and layer of an image.
type BufferImageCopy struct {
	BufferOffset uint64
	Level        uint32
	Layer        uint32
	Width        uint32
	Height       uint32
}

// Subresource selects a range of levels and layers of an image.
type Subresource struct {
	BaseLevel uint32
	Levels    uint32
	BaseLayer uint32
	Layers    uint32
}

// WholeImage returns the subresource range covering every level and layer.
func WholeImage(img Image) Subresource {
	d := img.Desc()
	return Subresource{Levels: d.Levels, Layers: d.Layers}
}

// ImageBarrier is a layout transition plus memory dependency.
type ImageBarrier struct {
	Image Image
	Range Subresource

	LayoutBefore Layout
	LayoutAfter  Layout
	AccessBefore Access
	AccessAfter  Access
	SyncBefore   Stage
	SyncAfter    Stage
}

// ImageBlit scales one level of one layer into another level of the same layer.
type ImageBlit struct {
	Layer uint32

	SrcLevel  uint32
	SrcWidth  uint32
	SrcHeight uint32

	DstLevel  uint32
	DstWidth  uint32
	DstHeight uint32
}
