package transfer

import (
	"bytes"
	"errors"
	"slices"
	"testing"

	"github.com/gogpu/transfer/backend/cpu"
	"github.com/gogpu/transfer/driver"
)

func newImageOp(t *testing.T, dev *cpu.Device, staging uint64) *ImageTransferOperation {
	t.Helper()
	tp, err := dev.NewCommandPool(driver.QueueTransfer)
	if err != nil {
		t.Fatalf("NewCommandPool(transfer) = %v", err)
	}
	var gp driver.CommandPool
	if dev.Features().DedicatedTransfer {
		if gp, err = dev.NewCommandPool(driver.QueueGraphics); err != nil {
			t.Fatalf("NewCommandPool(graphics) = %v", err)
		}
	}
	op := NewImageTransferOperation(dev, NewDirectAllocator(dev), tp, gp)
	if err := op.Create(staging); err != nil {
		t.Fatalf("Create() = %v", err)
	}
	t.Cleanup(op.Destroy)
	return op
}

// stageLayers reserves op and writes one solid color per layer.
func stageLayers(t *testing.T, op *ImageTransferOperation, img *Image) {
	t.Helper()
	if err := op.SetRequestedForTransfer(); err != nil {
		t.Fatalf("SetRequestedForTransfer() = %v", err)
	}
	lb := img.LayerBytes()
	regions := make([]MemoryRegion, img.Layers())
	for i := range regions {
		data := solid(int(img.Width()), int(img.Height()), layerColors[i%len(layerColors)])
		regions[i] = NewMemoryRegion(data, uint64(i)*lb)
	}
	if err := op.Staging().WriteRegions(regions); err != nil {
		t.Fatalf("WriteRegions() = %v", err)
	}
}

func commandsOf(cb driver.CommandBuffer) []cpu.Command {
	return cb.(*cpu.CommandBuffer).Commands()
}

func countOps(cmds []cpu.Command, op string) int {
	n := 0
	for _, c := range cmds {
		if c.Op == op {
			n++
		}
	}
	return n
}

// checkLevels verifies that every level of every layer holds its layer
// color and ended in ShaderReadOnly.
func checkLevels(t *testing.T, img *Image) {
	t.Helper()
	ci := img.Handle().(*cpu.Image)
	for layer := range img.Layers() {
		for k := range img.Levels() {
			w, h := driver.MipExtent(img.Width(), img.Height(), k)
			want := solid(int(w), int(h), layerColors[int(layer)%len(layerColors)])
			if !bytes.Equal(ci.Level(layer, k), want) {
				t.Errorf("layer %d level %d does not hold the layer color", layer, k)
			}
			if l := ci.Layout(layer, k); l != driver.LayoutShaderReadOnly {
				t.Errorf("layer %d level %d layout = %v, want ShaderReadOnlyOptimal", layer, k, l)
			}
		}
	}
}

// =============================================================================
// Staging size
// =============================================================================

func TestImageStagingSize(t *testing.T) {
	dev := newTestDevice(t)
	tests := []struct {
		name   string
		levels uint32
		blit   bool
		want   uint64
	}{
		{"single level", 1, true, 4 * 64 * 64 * 4},
		{"single level without blit", 1, false, 4 * 64 * 64 * 4},
		{"mipmapped with blit", 4, true, 4 * 64 * 64 * 4},
		{"mipmapped without blit", 4, false, 4*64*64*4 + 4*(32*32+16*16+8*8)*4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := newTestImage(t, dev, 64, 64, tt.levels, 4)
			if got := ImageStagingSize(img, tt.blit); got != tt.want {
				t.Errorf("ImageStagingSize() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNewImageValidation(t *testing.T) {
	dev := newTestDevice(t)

	img := newTestImage(t, dev, 64, 32, 0, 0)
	if img.Levels() != 1 || img.Layers() != 1 {
		t.Errorf("defaults = %d levels, %d layers, want 1, 1", img.Levels(), img.Layers())
	}
	if img.PixelBytes() != 4 || img.LayerBytes() != 64*32*4 {
		t.Errorf("PixelBytes() = %d, LayerBytes() = %d", img.PixelBytes(), img.LayerBytes())
	}
	if _, err := NewImage(dev, ImageDesc{Width: 64, Height: 64, Levels: 8, Format: img.Format()}); !errors.Is(err, ErrPrecondition) {
		t.Errorf("NewImage() with 8 levels on 64x64 = %v, want ErrPrecondition", err)
	}
	if got := MaxMipLevels(64, 64); got != 7 {
		t.Errorf("MaxMipLevels(64, 64) = %d, want 7", got)
	}
	if got := MaxMipLevels(1, 1); got != 1 {
		t.Errorf("MaxMipLevels(1, 1) = %d, want 1", got)
	}
}

// =============================================================================
// End to end
// =============================================================================

// Four layers, one level: every layer lands at layer*64*64*4 and the image
// ends ready for sampling.
func TestImageTransferLayers(t *testing.T) {
	dev := newTestDevice(t)
	img := newTestImage(t, dev, 64, 64, 1, 4)
	op := newImageOp(t, dev, ImageStagingSize(img, true))

	stageLayers(t, op, img)
	if err := op.Transfer(img); err != nil {
		t.Fatalf("Transfer() = %v", err)
	}
	waitAvailable(t, op)

	if img.CurrentLayout() != driver.LayoutShaderReadOnly {
		t.Errorf("CurrentLayout() = %v, want ShaderReadOnlyOptimal", img.CurrentLayout())
	}

	cmds := commandsOf(op.transferCmd)
	if countOps(cmds, "CopyBufferToImage") != 4 {
		t.Fatalf("transfer commands = %+v, want 4 image copies", cmds)
	}
	layer := uint32(0)
	for _, c := range cmds {
		if c.Op != "CopyBufferToImage" {
			continue
		}
		r := c.ImageCopies[0]
		if r.Layer != layer || r.BufferOffset != uint64(layer)*64*64*4 {
			t.Errorf("copy %d: layer %d at offset %d, want layer %d at %d", layer, r.Layer, r.BufferOffset, layer, uint64(layer)*64*64*4)
		}
		layer++
	}
	if n := countOps(cmds, "Barrier"); n != 1 {
		t.Errorf("%d transfer barriers, want 1 for a single level image", n)
	}
	if n := countOps(commandsOf(op.graphicsCmd), "Blit"); n != 0 {
		t.Errorf("%d blits for a single level image", n)
	}

	checkLevels(t, img)
	assertNoValidationErrors(t, dev)
}

// Four layers, four levels: the chain is blitted levels-1 times per layer
// with halving extents.
func TestImageTransferMipChain(t *testing.T) {
	dev := newTestDevice(t)
	img := newTestImage(t, dev, 64, 64, 4, 4)
	op := newImageOp(t, dev, ImageStagingSize(img, true))

	stageLayers(t, op, img)
	if err := op.Transfer(img); err != nil {
		t.Fatalf("Transfer() = %v", err)
	}
	waitAvailable(t, op)

	perLayer := make(map[uint32]int)
	for _, c := range commandsOf(op.graphicsCmd) {
		if c.Op != "Blit" {
			continue
		}
		if c.Filter != driver.FilterLinear {
			t.Errorf("blit filter = %v, want Linear", c.Filter)
		}
		for _, b := range c.Blits {
			perLayer[b.Layer]++
			if b.SrcLevel+1 != b.DstLevel {
				t.Errorf("blit %d -> %d, want consecutive levels", b.SrcLevel, b.DstLevel)
			}
			if b.DstWidth != 64>>b.DstLevel || b.DstHeight != 64>>b.DstLevel {
				t.Errorf("level %d extent %dx%d, want %d", b.DstLevel, b.DstWidth, b.DstHeight, 64>>b.DstLevel)
			}
		}
	}
	for layer := range uint32(4) {
		if perLayer[layer] != 3 {
			t.Errorf("layer %d: %d blits, want 3", layer, perLayer[layer])
		}
	}

	if img.CurrentLayout() != driver.LayoutShaderReadOnly {
		t.Errorf("CurrentLayout() = %v, want ShaderReadOnlyOptimal", img.CurrentLayout())
	}
	checkLevels(t, img)
	assertNoValidationErrors(t, dev)
}

func TestImageTransferHostMipChain(t *testing.T) {
	dev := newTestDevice(t, cpu.WithBlit(false))
	img := newTestImage(t, dev, 64, 32, 4, 2)
	op := newImageOp(t, dev, ImageStagingSize(img, false))

	stageLayers(t, op, img)
	if err := op.Transfer(img); err != nil {
		t.Fatalf("Transfer() = %v", err)
	}
	waitAvailable(t, op)

	cmds := commandsOf(op.graphicsCmd)
	if n := countOps(cmds, "Blit"); n != 0 {
		t.Errorf("%d blits recorded on a device without blit", n)
	}
	if n := countOps(cmds, "CopyBufferToImage"); n != 2 {
		t.Errorf("%d chain copies, want one per layer", n)
	}
	checkLevels(t, img)
	assertNoValidationErrors(t, dev)
}

func TestImageTransferSharedQueueFamily(t *testing.T) {
	dev := newTestDevice(t, cpu.WithDedicatedTransfer(false))
	img := newTestImage(t, dev, 16, 16, 5, 1)
	op := newImageOp(t, dev, ImageStagingSize(img, true))

	stageLayers(t, op, img)
	if err := op.Transfer(img); err != nil {
		t.Fatalf("Transfer() = %v", err)
	}
	waitAvailable(t, op)
	checkLevels(t, img)
	assertNoValidationErrors(t, dev)
}

// =============================================================================
// Semaphore pairing
// =============================================================================

func TestImageTransferSemaphorePairing(t *testing.T) {
	dev := newTestDevice(t)
	img := newTestImage(t, dev, 32, 32, 3, 2)
	op := newImageOp(t, dev, ImageStagingSize(img, true))
	sem := op.semaphore.(*cpu.Semaphore)

	for i := 1; i <= 2; i++ {
		stageLayers(t, op, img)
		if err := op.Transfer(img); err != nil {
			t.Fatalf("Transfer #%d = %v", i, err)
		}
		waitAvailable(t, op)
		if sem.Signals() != i || sem.Waits() != i {
			t.Errorf("after transfer %d: %d signals, %d waits, want %d each", i, sem.Signals(), sem.Waits(), i)
		}
	}
	want := []driver.Stage{driver.StageTransfer, driver.StageTransfer}
	if got := sem.WaitStages(); !slices.Equal(got, want) {
		t.Errorf("WaitStages() = %v, want %v", got, want)
	}
	assertNoValidationErrors(t, dev)
}

func TestImageTransferTwoStages(t *testing.T) {
	dev := newTestDevice(t)
	img := newTestImage(t, dev, 32, 32, 2, 1)
	op := newImageOp(t, dev, ImageStagingSize(img, true))

	stageLayers(t, op, img)
	staged, err := op.Upload(img)
	if err != nil {
		t.Fatalf("Upload() = %v", err)
	}
	if img.CurrentLayout() != driver.LayoutTransferSrc {
		t.Errorf("layout after Upload = %v, want TransferSrcOptimal", img.CurrentLayout())
	}
	if _, err := op.Upload(img); !errors.Is(err, ErrPrecondition) {
		t.Errorf("second Upload() = %v, want ErrPrecondition", err)
	}

	if err := staged.Finalize(); err != nil {
		t.Fatalf("Finalize() = %v", err)
	}
	if err := staged.Finalize(); !errors.Is(err, ErrPrecondition) {
		t.Errorf("second Finalize() = %v, want ErrPrecondition", err)
	}
	waitAvailable(t, op)
	if img.CurrentLayout() != driver.LayoutShaderReadOnly {
		t.Errorf("CurrentLayout() = %v, want ShaderReadOnlyOptimal", img.CurrentLayout())
	}
}

// =============================================================================
// Failures
// =============================================================================

func TestImageTransferStagingTooSmall(t *testing.T) {
	dev := newTestDevice(t, cpu.WithBlit(false))
	img := newTestImage(t, dev, 64, 64, 4, 1)
	op := newImageOp(t, dev, ImageStagingSize(img, true))

	if err := op.SetRequestedForTransfer(); err != nil {
		t.Fatal(err)
	}
	if err := op.Transfer(img); !errors.Is(err, ErrBoundsOverflow) {
		t.Fatalf("Transfer() = %v, want ErrBoundsOverflow", err)
	}
	if op.State() != SlotFailed {
		t.Errorf("State() = %v, want Failed", op.State())
	}
	if n := dev.Submissions(driver.QueueTransfer); n != 0 {
		t.Errorf("Submissions() = %d, want 0", n)
	}
	if img.CurrentLayout() != driver.LayoutUndefined {
		t.Errorf("CurrentLayout() = %v, want Undefined", img.CurrentLayout())
	}
}

func TestImageTransferUploadSubmitFailure(t *testing.T) {
	dev := newTestDevice(t)
	img := newTestImage(t, dev, 16, 16, 1, 1)
	op := newImageOp(t, dev, ImageStagingSize(img, true))
	sem := op.semaphore.(*cpu.Semaphore)

	stageLayers(t, op, img)
	dev.FailNextSubmit(driver.QueueTransfer, errInjected)
	if err := op.Transfer(img); !errors.Is(err, ErrSubmission) {
		t.Fatalf("Transfer() = %v, want ErrSubmission", err)
	}
	if sem.Signals() != 0 {
		t.Errorf("Signals() = %d after a rejected upload, want 0", sem.Signals())
	}
	if img.CurrentLayout() != driver.LayoutUndefined {
		t.Errorf("CurrentLayout() = %v, want Undefined", img.CurrentLayout())
	}
	if !op.IsAvailable() {
		t.Error("failed operation is not available")
	}
}

func TestImageTransferFinalizeSubmitFailure(t *testing.T) {
	dev := newTestDevice(t)
	img := newTestImage(t, dev, 16, 16, 3, 1)
	op := newImageOp(t, dev, ImageStagingSize(img, true))
	sem := op.semaphore.(*cpu.Semaphore)

	stageLayers(t, op, img)
	staged, err := op.Upload(img)
	if err != nil {
		t.Fatalf("Upload() = %v", err)
	}
	dev.FailNextSubmit(driver.QueueGraphics, errInjected)
	if err := staged.Finalize(); !errors.Is(err, ErrSubmission) {
		t.Fatalf("Finalize() = %v, want ErrSubmission", err)
	}
	// The recovery wait carries the fence, so the slot is in flight rather
	// than failed.
	if st := op.State(); st != SlotInFlight && st != SlotIdle {
		t.Errorf("State() = %v, want InFlight or Idle", st)
	}
	if img.CurrentLayout() != driver.LayoutTransferSrc {
		t.Errorf("CurrentLayout() = %v, want the layout left by Upload", img.CurrentLayout())
	}
	if err := dev.WaitIdle(); err != nil {
		t.Fatal(err)
	}
	if sem.Signals() != sem.Waits() {
		t.Errorf("%d signals, %d waits after recovery, want balanced", sem.Signals(), sem.Waits())
	}

	// The operation is usable again.
	stageLayers(t, op, img)
	if err := op.Transfer(img); err != nil {
		t.Fatalf("Transfer() after failure = %v", err)
	}
	waitAvailable(t, op)
	checkLevels(t, img)
	assertNoValidationErrors(t, dev)
}

func TestImageTransferFailedFinalizeKeepsStagingBusy(t *testing.T) {
	dev := newTestDevice(t)
	img := newTestImage(t, dev, 4, 4, 1, 1)
	op := newImageOp(t, dev, ImageStagingSize(img, true))
	t.Cleanup(dev.Resume)

	stageLayers(t, op, img)
	dev.Pause()
	staged, err := op.Upload(img)
	if err != nil {
		t.Fatalf("Upload() = %v", err)
	}
	dev.FailNextSubmit(driver.QueueGraphics, errInjected)
	if err := staged.Finalize(); !errors.Is(err, ErrSubmission) {
		t.Fatalf("Finalize() = %v, want ErrSubmission", err)
	}

	// The copy from staging has not run yet.
	if op.IsAvailable() {
		t.Fatalf("IsAvailable() = true while the upload copy is pending, state %v", op.State())
	}
	if err := op.SetRequestedForTransfer(); !errors.Is(err, ErrSlotBusy) {
		t.Fatalf("SetRequestedForTransfer() = %v, want ErrSlotBusy", err)
	}
	if _, ok := op.Idle(); ok {
		t.Error("Idle() handed out a resize token while the upload copy is pending")
	}

	dev.Resume()
	waitAvailable(t, op)
	want := solid(4, 4, layerColors[0])
	if got := img.Handle().(*cpu.Image).Level(0, 0); !bytes.Equal(got, want) {
		t.Errorf("first texel = %v, want %v", got[:4], want[:4])
	}
	sem := op.semaphore.(*cpu.Semaphore)
	if sem.Signals() != sem.Waits() {
		t.Errorf("%d signals, %d waits after recovery, want balanced", sem.Signals(), sem.Waits())
	}

	// A second caller can now reuse the staging buffer.
	if err := op.SetRequestedForTransfer(); err != nil {
		t.Fatalf("SetRequestedForTransfer() after completion = %v", err)
	}
	if err := op.Staging().WriteData(NewMemoryRegion(pattern(int(img.LayerBytes()), 0x11), 0)); err != nil {
		t.Fatal(err)
	}
	if err := op.Transfer(img); err != nil {
		t.Fatalf("Transfer() = %v", err)
	}
	waitAvailable(t, op)
	if got := img.Handle().(*cpu.Image).Level(0, 0); !bytes.Equal(got, pattern(len(want), 0x11)) {
		t.Errorf("second upload first texel = %v, want 0x11", got[:4])
	}
	assertNoValidationErrors(t, dev)
}

func TestImageTransferCreateTwice(t *testing.T) {
	dev := newTestDevice(t)
	op := newImageOp(t, dev, 64)
	staging := op.Staging()
	if err := op.Create(128); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("second Create() = %v, want ErrPrecondition", err)
	}
	if op.Staging() != staging {
		t.Error("second Create() replaced the staging buffer")
	}
}

func TestImageTransferPreconditions(t *testing.T) {
	dev := newTestDevice(t)
	img := newTestImage(t, dev, 16, 16, 1, 1)
	op := newImageOp(t, dev, ImageStagingSize(img, true))

	if _, err := op.Upload(img); !errors.Is(err, ErrPrecondition) {
		t.Errorf("Upload() without request = %v, want ErrPrecondition", err)
	}
	if err := op.SetRequestedForTransfer(); err != nil {
		t.Fatal(err)
	}
	if err := op.Transfer(nil); !errors.Is(err, ErrPrecondition) {
		t.Errorf("Transfer(nil) = %v, want ErrPrecondition", err)
	}

	uncreated := NewImageTransferOperation(nil, nil, nil, nil)
	if err := uncreated.Create(64); !errors.Is(err, ErrHardwareCreation) {
		t.Errorf("Create() without device = %v, want ErrHardwareCreation", err)
	}
}

func TestImageOperationResize(t *testing.T) {
	dev := newTestDevice(t)
	op := newImageOp(t, dev, 1024)

	tok, ok := op.Idle()
	if !ok {
		t.Fatal("Idle() = false on a fresh operation")
	}
	if err := op.ExpandStagingCapacity(tok, 8192); err != nil {
		t.Fatalf("ExpandStagingCapacity() = %v", err)
	}
	if op.Capacity() != 8192 {
		t.Errorf("Capacity() = %d, want 8192", op.Capacity())
	}
	op.Destroy()
	op.Destroy()
	if op.Capacity() != 0 {
		t.Error("staging survived Destroy")
	}
}
