package native

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/transfer/driver"
	"github.com/gogpu/wgpu/hal"
)

// CommandPool creates encoder-backed command buffers.
type CommandPool struct {
	dev  *Device
	kind driver.QueueKind
}

var _ driver.CommandPool = (*CommandPool)(nil)

// Kind implements driver.CommandPool.
func (p *CommandPool) Kind() driver.QueueKind { return p.kind }

// Family implements driver.CommandPool.
func (p *CommandPool) Family() int { return Family }

// NewCommandBuffer implements driver.CommandPool.
func (p *CommandPool) NewCommandBuffer() (driver.CommandBuffer, error) {
	if p.dev.closed.Load() {
		return nil, ErrDeviceClosed
	}
	label := "transfer." + p.kind.String()
	enc, err := p.dev.hal.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, fmt.Errorf("native: create command encoder: %w", err)
	}
	return &CommandBuffer{dev: p.dev, enc: enc, label: label}, nil
}

// Destroy implements driver.CommandPool. Command buffers own their encoders.
func (p *CommandPool) Destroy() {}

// CommandBuffer records straight into a hal.CommandEncoder. End produces
// the HAL command buffer that Submit hands to the queue; the next Begin
// retires it.
type CommandBuffer struct {
	dev   *Device
	enc   hal.CommandEncoder
	label string

	mu        sync.Mutex
	recording bool
	err       error
	destroyed bool

	// ready is the result of the last successful End.
	ready hal.CommandBuffer
	// index is the submission index ready last went out with.
	index uint64
}

var _ driver.CommandBuffer = (*CommandBuffer)(nil)

// Begin implements driver.CommandBuffer.
func (c *CommandBuffer) Begin(bool) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return driver.ErrDestroyed
	}
	if c.recording {
		c.mu.Unlock()
		return driver.ErrAlreadyRecording
	}
	old, index := c.ready, c.index
	c.ready, c.index = nil, 0
	err := c.enc.BeginEncoding(c.label)
	if err == nil {
		c.recording = true
		c.err = nil
	}
	c.mu.Unlock()

	// The queue lock is taken outside c.mu; Submit acquires them the other way round.
	if old != nil {
		c.dev.queue.retire(old, index)
	}
	if err != nil {
		return fmt.Errorf("native: begin encoding: %w", err)
	}
	return nil
}

// End implements driver.CommandBuffer.
func (c *CommandBuffer) End() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.recording {
		return driver.ErrNotRecording
	}
	c.recording = false
	if c.err != nil {
		c.enc.DiscardEncoding()
		return c.err
	}
	cb, err := c.enc.EndEncoding()
	if err != nil {
		return fmt.Errorf("native: end encoding: %w", err)
	}
	c.ready = cb
	return nil
}

// Family implements driver.CommandBuffer.
func (c *CommandBuffer) Family() int { return Family }

// Destroy implements driver.CommandBuffer.
func (c *CommandBuffer) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	if c.recording {
		c.enc.DiscardEncoding()
		c.recording = false
	}
	old, index := c.ready, c.index
	c.ready = nil
	c.mu.Unlock()

	if old != nil {
		c.dev.queue.retire(old, index)
	}
	c.enc.Destroy()
}

// executable returns the ended HAL command buffer for submission.
func (c *CommandBuffer) executable() (hal.CommandBuffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, driver.ErrDestroyed
	}
	if c.recording || c.ready == nil {
		return nil, driver.ErrNotRecording
	}
	return c.ready, nil
}

func (c *CommandBuffer) submitted(index uint64) {
	c.mu.Lock()
	c.index = index
	c.mu.Unlock()
}

// encode runs fn against the encoder while recording.
func (c *CommandBuffer) encode(op string, fn func(enc hal.CommandEncoder) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.recording {
		slogger().Warn("native: command recorded outside Begin/End", "op", op)
		return
	}
	if c.err != nil {
		return
	}
	if err := fn(c.enc); err != nil {
		c.err = err
	}
}

// CopyBuffer implements driver.CommandBuffer.
func (c *CommandBuffer) CopyBuffer(src, dst driver.Buffer, region driver.BufferCopy) {
	c.encode("CopyBuffer", func(enc hal.CommandEncoder) error {
		s, sok := src.(*Buffer)
		d, dok := dst.(*Buffer)
		if !sok || !dok {
			return fmt.Errorf("%w: buffers %T, %T", ErrForeignObject, src, dst)
		}
		enc.CopyBufferToBuffer(s.buf, d.buf, []hal.BufferCopy{{
			SrcOffset: region.SrcOffset,
			DstOffset: region.DstOffset,
			Size:      region.Size,
		}})
		return nil
	})
}

// CopyBufferToImage implements driver.CommandBuffer.
func (c *CommandBuffer) CopyBufferToImage(src driver.Buffer, dst driver.Image, regions []driver.BufferImageCopy) {
	c.encode("CopyBufferToImage", func(enc hal.CommandEncoder) error {
		s, sok := src.(*Buffer)
		img, iok := dst.(*Image)
		if !sok || !iok {
			return fmt.Errorf("%w: resources %T, %T", ErrForeignObject, src, dst)
		}
		copies := make([]hal.BufferTextureCopy, len(regions))
		for i, r := range regions {
			copies[i] = hal.BufferTextureCopy{
				BufferLayout: hal.ImageDataLayout{
					Offset:       r.BufferOffset,
					BytesPerRow:  r.Width * uint32(img.pixelSize),
					RowsPerImage: r.Height,
				},
				TextureBase: hal.ImageCopyTexture{
					Texture:  img.tex,
					MipLevel: r.Level,
					Origin:   hal.Origin3D{Z: r.Layer},
					Aspect:   gputypes.TextureAspectAll,
				},
				Size: hal.Extent3D{Width: r.Width, Height: r.Height, DepthOrArrayLayers: 1},
			}
		}
		enc.CopyBufferToTexture(s.buf, img.tex, copies)
		return nil
	})
}

// Barrier implements driver.CommandBuffer.
func (c *CommandBuffer) Barrier(barriers []driver.ImageBarrier) {
	c.encode("Barrier", func(enc hal.CommandEncoder) error {
		out := make([]hal.TextureBarrier, len(barriers))
		for i, b := range barriers {
			img, ok := b.Image.(*Image)
			if !ok {
				return fmt.Errorf("%w: image %T", ErrForeignObject, b.Image)
			}
			out[i] = hal.TextureBarrier{
				Texture: img.tex,
				Range: hal.TextureRange{
					Aspect:          gputypes.TextureAspectAll,
					BaseMipLevel:    b.Range.BaseLevel,
					MipLevelCount:   b.Range.Levels,
					BaseArrayLayer:  b.Range.BaseLayer,
					ArrayLayerCount: b.Range.Layers,
				},
				Usage: hal.TextureUsageTransition{
					OldUsage: LayoutUsage(b.LayoutBefore),
					NewUsage: LayoutUsage(b.LayoutAfter),
				},
			}
		}
		enc.TransitionTextures(out)
		return nil
	})
}

// Blit implements driver.CommandBuffer. The HAL has no scaling copy.
func (c *CommandBuffer) Blit(driver.Image, []driver.ImageBlit, driver.Filter) {
	c.encode("Blit", func(hal.CommandEncoder) error { return ErrBlitUnsupported })
}

// LayoutUsage maps an image layout to the texture usage HAL barriers
// track. Undefined maps to no usage, which lets the HAL discard contents.
func LayoutUsage(l driver.Layout) gputypes.TextureUsage {
	switch l {
	case driver.LayoutGeneral:
		return gputypes.TextureUsageStorageBinding
	case driver.LayoutTransferSrc:
		return gputypes.TextureUsageCopySrc
	case driver.LayoutTransferDst:
		return gputypes.TextureUsageCopyDst
	case driver.LayoutShaderReadOnly:
		return gputypes.TextureUsageTextureBinding
	default:
		return gputypes.TextureUsageNone
	}
}
