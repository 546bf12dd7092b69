package transfer

import (
	"fmt"
	"sync"

	"github.com/gogpu/transfer/driver"
	"github.com/gogpu/transfer/internal/mipmap"
	"github.com/gogpu/transfer/internal/parallel"
)

// ImageTransferOperation uploads the base level of every layer of an image
// and builds its mip chain, in two submissions:
//
//   - Upload records the copies on the transfer queue and signals the
//     operation's semaphore;
//   - StagedImage.Finalize records the mip chain and the final layout
//     transition on the graphics queue, waits on that semaphore at the
//     transfer stage and signals the operation's fence.
//
// The staging buffer holds the layers back to back, layer i at
// i*width*height*pixelBytes. On devices without blit support the chain is
// built on the host into the staging space after the layers; see
// ImageStagingSize.
//
// Thread Safety:
// Same contract as BufferTransferOperation.
type ImageTransferOperation struct {
	slot

	dev           driver.Device
	alloc         Allocator
	transferPool  driver.CommandPool
	graphicsPool  driver.CommandPool
	transferQueue driver.Queue
	graphicsQueue driver.Queue
	opts          options

	mu          sync.Mutex
	staging     *HostVisibleBuffer
	transferCmd driver.CommandBuffer
	graphicsCmd driver.CommandBuffer
	semaphore   driver.Semaphore

	// signalPending is true between a successful Upload and the Finalize
	// submission that waits on the semaphore.
	signalPending bool
	signals       uint64
	waits         uint64
}

// NewImageTransferOperation describes an image operation. graphicsPool may
// be nil when the device has no separate graphics family, in which case
// both command buffers come from transferPool.
func NewImageTransferOperation(dev driver.Device, alloc Allocator, transferPool, graphicsPool driver.CommandPool, opts ...Option) *ImageTransferOperation {
	op := &ImageTransferOperation{
		dev:          dev,
		alloc:        alloc,
		transferPool: transferPool,
		graphicsPool: graphicsPool,
		opts:         buildOptions(opts),
	}
	if dev != nil {
		op.transferQueue = dev.Queue(driver.QueueTransfer)
		op.graphicsQueue = dev.Queue(driver.QueueGraphics)
	}
	return op
}

// Create builds the staging buffer, both command buffers, the signaled
// fence and the semaphore. It fails with ErrPrecondition when the
// operation is already created.
func (op *ImageTransferOperation) Create(initialBytes uint64) error {
	if op.dev == nil || op.transferPool == nil {
		return fmt.Errorf("%w: image transfer operation has no device", ErrHardwareCreation)
	}
	if op.Staging() != nil {
		return fmt.Errorf("%w: image transfer operation is already created", ErrPrecondition)
	}

	staging := NewHostVisibleBuffer(op.alloc, initialBytes, "ImageTransferStaging")
	if err := staging.Create(); err != nil {
		return err
	}
	cleanup := []func(){staging.Destroy}
	undo := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	transferCmd, err := op.transferPool.NewCommandBuffer()
	if err != nil {
		undo()
		return fmt.Errorf("%w: transfer command buffer: %w", ErrHardwareCreation, err)
	}
	cleanup = append(cleanup, transferCmd.Destroy)

	gpool := op.graphicsPool
	if gpool == nil {
		gpool = op.transferPool
	}
	graphicsCmd, err := gpool.NewCommandBuffer()
	if err != nil {
		undo()
		return fmt.Errorf("%w: graphics command buffer: %w", ErrHardwareCreation, err)
	}
	cleanup = append(cleanup, graphicsCmd.Destroy)

	if err := op.slot.create(op.dev); err != nil {
		undo()
		return err
	}

	sem, err := op.dev.NewSemaphore()
	if err != nil {
		op.slot.destroy()
		undo()
		return fmt.Errorf("%w: semaphore: %w", ErrHardwareCreation, err)
	}

	op.mu.Lock()
	op.staging = staging
	op.transferCmd = transferCmd
	op.graphicsCmd = graphicsCmd
	op.semaphore = sem
	op.mu.Unlock()
	return nil
}

// Destroy releases everything Create built. The caller must make sure no
// submitted work is pending.
func (op *ImageTransferOperation) Destroy() {
	op.mu.Lock()
	if op.semaphore != nil {
		op.semaphore.Destroy()
		op.semaphore = nil
	}
	if op.staging != nil {
		op.staging.Destroy()
		op.staging = nil
	}
	if op.transferCmd != nil {
		op.transferCmd.Destroy()
		op.transferCmd = nil
	}
	if op.graphicsCmd != nil {
		op.graphicsCmd.Destroy()
		op.graphicsCmd = nil
	}
	op.mu.Unlock()
	op.slot.destroy()
}

// IsAvailable reports, without blocking, whether the operation can be reserved.
func (op *ImageTransferOperation) IsAvailable() bool { return op.slot.available() }

// State returns the current slot state.
func (op *ImageTransferOperation) State() SlotState { return op.slot.current() }

// Idle returns a resize token when the operation is available.
func (op *ImageTransferOperation) Idle() (ResizeToken, bool) { return op.slot.idle() }

// SetRequestedForTransfer reserves the operation and resets its fence.
func (op *ImageTransferOperation) SetRequestedForTransfer() error { return op.slot.request() }

// Staging returns the staging buffer.
func (op *ImageTransferOperation) Staging() *HostVisibleBuffer {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.staging
}

// Capacity returns the staging size in bytes, or 0 before Create.
func (op *ImageTransferOperation) Capacity() uint64 {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.staging == nil {
		return 0
	}
	return op.staging.Size()
}

// ExpandStagingCapacity replaces the staging buffer with one of at least
// bytes. See BufferTransferOperation.ExpandStagingCapacity.
func (op *ImageTransferOperation) ExpandStagingCapacity(tok ResizeToken, bytes uint64) error {
	op.slot.mu.Lock()
	defer op.slot.mu.Unlock()
	if err := op.slot.checkToken(tok); err != nil {
		return err
	}

	op.mu.Lock()
	defer op.mu.Unlock()
	staging, err := resizeStaging(op.staging, op.alloc, bytes, "ImageTransferStaging")
	if err != nil {
		return err
	}
	op.staging = staging
	op.slot.generation++
	return nil
}

// ImageStagingSize returns the staging bytes an upload of img needs. When
// the device cannot blit and the image has more than one level, room for
// the host-built chain of every layer is included.
func ImageStagingSize(img DestinationImage, blit bool) uint64 {
	n := uint64(img.Layers()) * layerBytes(img)
	if !blit && img.Levels() > 1 {
		n += uint64(img.Layers()) * mipmap.ChainSize(img.Width(), img.Height(), img.Levels(), int(img.PixelBytes()))
	}
	return n
}

// Transfer runs both stages: Upload then Finalize.
func (op *ImageTransferOperation) Transfer(dst DestinationImage) error {
	staged, err := op.Upload(dst)
	if err != nil {
		Logger().Error("transfer: the first step of image transfer failed", "err", err)
		return err
	}
	return staged.Finalize()
}

// StagedImage is an image whose base levels were submitted by Upload and
// which still needs Finalize. Finalize may run only once.
type StagedImage struct {
	op  *ImageTransferOperation
	dst DestinationImage

	mu   sync.Mutex
	done bool
}

// Upload records and submits the transfer queue stage.
func (op *ImageTransferOperation) Upload(dst DestinationImage) (*StagedImage, error) {
	if err := op.slot.requested(); err != nil {
		return nil, err
	}
	op.mu.Lock()
	pending := op.signalPending
	op.mu.Unlock()
	if pending {
		// The reservation still belongs to the pending StagedImage.
		return nil, fmt.Errorf("%w: previous upload was never finalized", ErrPrecondition)
	}
	if err := op.upload(dst); err != nil {
		op.slot.fail()
		Logger().Warn("transfer: image upload failed", "err", err)
		return nil, err
	}
	return &StagedImage{op: op, dst: dst}, nil
}

func (op *ImageTransferOperation) upload(dst DestinationImage) error {
	op.mu.Lock()
	defer op.mu.Unlock()

	if err := op.checkCreated(); err != nil {
		return err
	}
	if op.signalPending {
		return fmt.Errorf("%w: previous upload was never finalized", ErrPrecondition)
	}
	if err := checkImage(dst); err != nil {
		return err
	}
	if op.opts.validateCopies {
		need := ImageStagingSize(dst, op.dev.Features().Blit)
		if need > op.staging.Size() {
			return fmt.Errorf("%w: image needs %d staging bytes, operation has %d", ErrBoundsOverflow, need, op.staging.Size())
		}
	}

	img := dst.Handle()
	levels, layers := dst.Levels(), dst.Layers()
	w, h := dst.Width(), dst.Height()
	cmd := op.transferCmd

	if err := cmd.Begin(true); err != nil {
		return fmt.Errorf("%w: begin transfer commands: %w", ErrSubmission, err)
	}
	cmd.Barrier([]driver.ImageBarrier{{
		Image:        img,
		Range:        driver.Subresource{Levels: levels, Layers: layers},
		LayoutBefore: driver.LayoutUndefined,
		LayoutAfter:  driver.LayoutTransferDst,
		AccessBefore: driver.AccessNone,
		AccessAfter:  driver.AccessTransferWrite,
		SyncBefore:   driver.StageTopOfPipe,
		SyncAfter:    driver.StageTransfer,
	}})
	lb := layerBytes(dst)
	for layer := range layers {
		cmd.CopyBufferToImage(op.staging.Handle(), img, []driver.BufferImageCopy{{
			BufferOffset: uint64(layer) * lb,
			Level:        0,
			Layer:        layer,
			Width:        w,
			Height:       h,
		}})
	}
	if levels > 1 {
		cmd.Barrier([]driver.ImageBarrier{{
			Image:        img,
			Range:        driver.Subresource{BaseLevel: 0, Levels: 1, Layers: layers},
			LayoutBefore: driver.LayoutTransferDst,
			LayoutAfter:  driver.LayoutTransferSrc,
			AccessBefore: driver.AccessTransferWrite,
			AccessAfter:  driver.AccessTransferRead,
			SyncBefore:   driver.StageTransfer,
			SyncAfter:    driver.StageTransfer,
		}})
	}
	if err := cmd.End(); err != nil {
		return fmt.Errorf("%w: end transfer commands: %w", ErrSubmission, err)
	}

	err := op.transferQueue.Submit(driver.SubmitInfo{
		Commands: []driver.CommandBuffer{cmd},
		Signal:   []driver.Semaphore{op.semaphore},
	})
	if err != nil {
		return fmt.Errorf("%w: unable to transfer an image (1/2): %w", ErrSubmission, err)
	}
	op.signalPending = true
	op.signals++

	if levels > 1 {
		dst.SetCurrentLayout(driver.LayoutTransferSrc)
	} else {
		dst.SetCurrentLayout(driver.LayoutTransferDst)
	}
	Logger().Debug("transfer: image base levels submitted", "width", w, "height", h, "layers", layers, "levels", levels)
	return nil
}

// Finalize records and submits the graphics queue stage. It waits on the
// semaphore Upload signaled and attaches the operation's fence. When the
// submission fails the operation stays unavailable until the Upload copies
// have completed.
func (s *StagedImage) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return fmt.Errorf("%w: image already finalized", ErrPrecondition)
	}
	s.done = true

	op := s.op
	if err := op.finalize(s.dst); err != nil {
		// The Upload copies may still be reading the staging buffer.
		if op.recoverSignal(op.slot.currentFence()) {
			op.slot.submitted()
		} else {
			op.slot.fail()
		}
		Logger().Warn("transfer: image finalize failed", "err", err)
		return err
	}
	op.slot.submitted()
	return nil
}

func (op *ImageTransferOperation) finalize(dst DestinationImage) error {
	op.mu.Lock()
	defer op.mu.Unlock()

	if err := op.checkCreated(); err != nil {
		return err
	}
	if !op.signalPending {
		return fmt.Errorf("%w: no upload is waiting for finalize", ErrPrecondition)
	}

	img := dst.Handle()
	levels, layers := dst.Levels(), dst.Layers()
	blit := op.dev.Features().Blit

	var chain [][]uint64
	if levels > 1 && !blit {
		var err error
		if chain, err = op.buildChain(dst); err != nil {
			return err
		}
	}

	cmd := op.graphicsCmd
	if err := cmd.Begin(true); err != nil {
		return fmt.Errorf("%w: begin graphics commands: %w", ErrSubmission, err)
	}

	switch {
	case levels > 1 && blit:
		for layer := range layers {
			for k := uint32(1); k < levels; k++ {
				op.recordBlit(cmd, img, dst, layer, k)
			}
		}
		recordShaderReadBarrier(cmd, img, levels, layers, driver.LayoutTransferSrc, driver.AccessTransferRead)
	case levels > 1:
		recordChainCopies(cmd, op.staging.Handle(), img, dst, chain)
		recordShaderReadBarrier(cmd, img, levels, layers, driver.LayoutTransferSrc, driver.AccessTransferRead)
	default:
		recordShaderReadBarrier(cmd, img, levels, layers, driver.LayoutTransferDst, driver.AccessTransferWrite)
	}

	if err := cmd.End(); err != nil {
		return fmt.Errorf("%w: end graphics commands: %w", ErrSubmission, err)
	}

	err := op.graphicsQueue.Submit(driver.SubmitInfo{
		Commands:   []driver.CommandBuffer{cmd},
		Wait:       []driver.Semaphore{op.semaphore},
		WaitStages: []driver.Stage{driver.StageTransfer},
		Fence:      op.slot.currentFence(),
	})
	if err != nil {
		return fmt.Errorf("%w: unable to transfer an image (2/2): %w", ErrSubmission, err)
	}
	op.signalPending = false
	op.waits++

	dst.SetCurrentLayout(driver.LayoutShaderReadOnly)
	Logger().Debug("transfer: image finalize submitted", "levels", levels, "layers", layers, "blit", blit)
	return nil
}

// recordBlit generates level k of one layer from level k-1.
func (op *ImageTransferOperation) recordBlit(cmd driver.CommandBuffer, img driver.Image, dst DestinationImage, layer, k uint32) {
	sw, sh := driver.MipExtent(dst.Width(), dst.Height(), k-1)
	dw, dh := driver.MipExtent(dst.Width(), dst.Height(), k)

	cmd.Barrier([]driver.ImageBarrier{{
		Image:        img,
		Range:        driver.Subresource{BaseLevel: k - 1, Levels: 1, BaseLayer: layer, Layers: 1},
		LayoutBefore: driver.LayoutTransferSrc,
		LayoutAfter:  driver.LayoutTransferSrc,
		AccessBefore: driver.AccessTransferWrite,
		AccessAfter:  driver.AccessTransferRead,
		SyncBefore:   driver.StageTransfer,
		SyncAfter:    driver.StageTransfer,
	}})
	cmd.Blit(img, []driver.ImageBlit{{
		Layer:     layer,
		SrcLevel:  k - 1,
		SrcWidth:  sw,
		SrcHeight: sh,
		DstLevel:  k,
		DstWidth:  dw,
		DstHeight: dh,
	}}, driver.FilterLinear)
	cmd.Barrier([]driver.ImageBarrier{{
		Image:        img,
		Range:        driver.Subresource{BaseLevel: k, Levels: 1, BaseLayer: layer, Layers: 1},
		LayoutBefore: driver.LayoutTransferDst,
		LayoutAfter:  driver.LayoutTransferSrc,
		AccessBefore: driver.AccessTransferWrite,
		AccessAfter:  driver.AccessTransferRead,
		SyncBefore:   driver.StageTransfer,
		SyncAfter:    driver.StageTransfer,
	}})
}

// recordChainCopies copies host-built levels 1.. of every layer and moves
// them to TransferSrc, matching the state blits would leave.
func recordChainCopies(cmd driver.CommandBuffer, staging driver.Buffer, img driver.Image, dst DestinationImage, chain [][]uint64) {
	levels, layers := dst.Levels(), dst.Layers()
	for layer := range layers {
		regions := make([]driver.BufferImageCopy, 0, levels-1)
		for k := uint32(1); k < levels; k++ {
			w, h := driver.MipExtent(dst.Width(), dst.Height(), k)
			regions = append(regions, driver.BufferImageCopy{
				BufferOffset: chain[layer][k-1],
				Level:        k,
				Layer:        layer,
				Width:        w,
				Height:       h,
			})
		}
		cmd.CopyBufferToImage(staging, img, regions)
	}
	cmd.Barrier([]driver.ImageBarrier{{
		Image:        img,
		Range:        driver.Subresource{BaseLevel: 1, Levels: levels - 1, Layers: layers},
		LayoutBefore: driver.LayoutTransferDst,
		LayoutAfter:  driver.LayoutTransferSrc,
		AccessBefore: driver.AccessTransferWrite,
		AccessAfter:  driver.AccessTransferRead,
		SyncBefore:   driver.StageTransfer,
		SyncAfter:    driver.StageTransfer,
	}})
}

func recordShaderReadBarrier(cmd driver.CommandBuffer, img driver.Image, levels, layers uint32, from driver.Layout, access driver.Access) {
	cmd.Barrier([]driver.ImageBarrier{{
		Image:        img,
		Range:        driver.Subresource{Levels: levels, Layers: layers},
		LayoutBefore: from,
		LayoutAfter:  driver.LayoutShaderReadOnly,
		AccessBefore: access,
		AccessAfter:  driver.AccessShaderRead,
		SyncBefore:   driver.StageTransfer,
		SyncAfter:    driver.StageFragmentShader,
	}})
}

// buildChain downsamples every layer on the host into the staging space
// after the base layers. It returns, per layer, the staging offset of each
// level from 1 on. Must be called with mu held.
func (op *ImageTransferOperation) buildChain(dst DestinationImage) ([][]uint64, error) {
	levels, layers := dst.Levels(), dst.Layers()
	w, h := dst.Width(), dst.Height()
	ps := int(dst.PixelBytes())
	lb := layerBytes(dst)
	cs := mipmap.ChainSize(w, h, levels, ps)
	total := uint64(layers) * (lb + cs)

	mem, err := op.staging.Map(0, total)
	if err != nil {
		return nil, err
	}
	linear := mipmap.SupportsLinear(dst.Format())
	chain := make([][]uint64, layers)
	work := make([]func(), layers)
	for layer := range layers {
		work[layer] = func() {
			base := mem[uint64(layer)*lb : uint64(layer+1)*lb]
			start := uint64(layers)*lb + uint64(layer)*cs
			offs := mipmap.Chain(mem[start:start+cs], base, w, h, levels, ps, linear)
			for i := range offs {
				offs[i] += start
			}
			chain[layer] = offs
		}
	}
	// Layers write disjoint staging ranges.
	parallel.Shared().ExecuteAll(work)
	if err := op.staging.Unmap(); err != nil {
		return nil, err
	}
	return chain, nil
}

// recoverSignal consumes a semaphore signal left without a waiter by a
// failed Finalize, so the next Upload starts balanced. The wait carries
// fence, which signals once the Upload copies are done; recoverSignal
// reports whether that submission was accepted. Otherwise the device is
// idle when it returns.
func (op *ImageTransferOperation) recoverSignal(fence driver.Fence) bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.signalPending {
		err := op.graphicsQueue.Submit(driver.SubmitInfo{
			Wait:       []driver.Semaphore{op.semaphore},
			WaitStages: []driver.Stage{driver.StageAllCommands},
			Fence:      fence,
		})
		if err == nil {
			op.signalPending = false
			op.waits++
			return true
		}
		Logger().Warn("transfer: unable to drain image semaphore, recreating it", "err", err)
	}

	if err := op.dev.WaitIdle(); err != nil {
		Logger().Warn("transfer: wait idle failed", "err", err)
		return false
	}
	if !op.signalPending {
		return false
	}
	sem, err := op.dev.NewSemaphore()
	if err != nil {
		Logger().Warn("transfer: unable to recreate semaphore", "err", err)
		return false
	}
	op.semaphore.Destroy()
	op.semaphore = sem
	op.signalPending = false
	return false
}

// checkCreated must be called with mu held.
func (op *ImageTransferOperation) checkCreated() error {
	if op.staging == nil || op.transferCmd == nil || op.graphicsCmd == nil || op.semaphore == nil {
		return fmt.Errorf("%w: image transfer operation is not created", ErrPrecondition)
	}
	return nil
}

func checkImage(dst DestinationImage) error {
	switch {
	case dst == nil || dst.Handle() == nil:
		return fmt.Errorf("%w: destination image is not created", ErrPrecondition)
	case dst.PixelBytes() == 0:
		return fmt.Errorf("%w: destination image has no texel size", ErrPrecondition)
	case dst.Levels() == 0 || dst.Layers() == 0:
		return fmt.Errorf("%w: destination image has %d levels, %d layers", ErrPrecondition, dst.Levels(), dst.Layers())
	}
	return nil
}
