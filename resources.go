package transfer

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/transfer/driver"
)

// DestinationBuffer is a device buffer a transfer writes into. The transfer
// borrows it for the duration of one call.
type DestinationBuffer interface {
	Handle() driver.Buffer

	// Bytes is the number of bytes a transfer fills, starting at offset 0.
	Bytes() uint64
}

// DestinationImage is a device image a transfer writes into. SetCurrentLayout
// is the only mutation a transfer performs on it.
type DestinationImage interface {
	Handle() driver.Image
	Width() uint32
	Height() uint32
	Levels() uint32
	Layers() uint32
	PixelBytes() uint32
	Format() gputypes.TextureFormat
	SetCurrentLayout(l driver.Layout)
}

// Buffer is a device-local buffer.
type Buffer struct {
	buf   driver.Buffer
	bytes uint64
}

var _ DestinationBuffer = (*Buffer)(nil)

// NewBuffer creates a device-local buffer of the given size.
func NewBuffer(dev driver.Device, bytes uint64, usage gputypes.BufferUsage, label string) (*Buffer, error) {
	if bytes == 0 {
		return nil, fmt.Errorf("%w: buffer %q has zero size", ErrHardwareCreation, label)
	}
	buf, err := dev.NewBuffer(driver.BufferDesc{
		Label: label,
		Size:  bytes,
		Usage: usage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: buffer %q (%d bytes): %w", ErrHardwareCreation, label, bytes, err)
	}
	return &Buffer{buf: buf, bytes: bytes}, nil
}

// Handle implements DestinationBuffer.
func (b *Buffer) Handle() driver.Buffer { return b.buf }

// Bytes implements DestinationBuffer.
func (b *Buffer) Bytes() uint64 { return b.bytes }

// Destroy releases the buffer.
func (b *Buffer) Destroy() {
	if b.buf != nil {
		b.buf.Destroy()
		b.buf = nil
	}
}

// Image is a device image with a tracked current layout.
type Image struct {
	img  driver.Image
	desc driver.ImageDesc
	ps   uint32

	mu     sync.Mutex
	layout driver.Layout
}

var _ DestinationImage = (*Image)(nil)

// ImageDesc describes an image to create with NewImage.
type ImageDesc = driver.ImageDesc

// NewImage creates a device image. Zero Levels or Layers default to 1.
func NewImage(dev driver.Device, desc ImageDesc) (*Image, error) {
	if desc.Levels == 0 {
		desc.Levels = 1
	}
	if desc.Layers == 0 {
		desc.Layers = 1
	}
	ps := driver.PixelSize(desc.Format)
	if ps == 0 {
		return nil, fmt.Errorf("%w: image %q: format %v cannot be uploaded texel by texel", ErrPrecondition, desc.Label, desc.Format)
	}
	if limit := MaxMipLevels(desc.Width, desc.Height); desc.Levels > limit {
		return nil, fmt.Errorf("%w: image %q: %d levels requested, %dx%d allows %d",
			ErrPrecondition, desc.Label, desc.Levels, desc.Width, desc.Height, limit)
	}
	img, err := dev.NewImage(desc)
	if err != nil {
		return nil, fmt.Errorf("%w: image %q: %w", ErrHardwareCreation, desc.Label, err)
	}
	return &Image{img: img, desc: desc, ps: uint32(ps)}, nil
}

// Handle implements DestinationImage.
func (i *Image) Handle() driver.Image { return i.img }

// Width implements DestinationImage.
func (i *Image) Width() uint32 { return i.desc.Width }

// Height implements DestinationImage.
func (i *Image) Height() uint32 { return i.desc.Height }

// Levels implements DestinationImage.
func (i *Image) Levels() uint32 { return i.desc.Levels }

// Layers implements DestinationImage.
func (i *Image) Layers() uint32 { return i.desc.Layers }

// PixelBytes implements DestinationImage.
func (i *Image) PixelBytes() uint32 { return i.ps }

// Format implements DestinationImage.
func (i *Image) Format() gputypes.TextureFormat { return i.desc.Format }

// SetCurrentLayout implements DestinationImage.
func (i *Image) SetCurrentLayout(l driver.Layout) {
	i.mu.Lock()
	i.layout = l
	i.mu.Unlock()
}

// CurrentLayout returns the layout recorded by the last transfer.
func (i *Image) CurrentLayout() driver.Layout {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.layout
}

// LayerBytes returns the size of mip level 0 of one layer.
func (i *Image) LayerBytes() uint64 {
	return layerBytes(i)
}

// Destroy releases the image.
func (i *Image) Destroy() {
	if i.img != nil {
		i.img.Destroy()
		i.img = nil
	}
}

func layerBytes(img DestinationImage) uint64 {
	return uint64(img.Width()) * uint64(img.Height()) * uint64(img.PixelBytes())
}

// MaxMipLevels returns the length of the full mip chain of a w×h image.
func MaxMipLevels(w, h uint32) uint32 {
	n := uint32(1)
	for m := max(w, h); m > 1; m >>= 1 {
		n++
	}
	return n
}
