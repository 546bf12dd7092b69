package cpu

import (
	"fmt"
	"sync"

	"github.com/gogpu/transfer/driver"
	"github.com/gogpu/transfer/internal/mipmap"
)

// CommandPool hands out command buffers for one queue family.
type CommandPool struct {
	dev    *Device
	kind   driver.QueueKind
	family int
}

var _ driver.CommandPool = (*CommandPool)(nil)

// Kind implements driver.CommandPool.
func (p *CommandPool) Kind() driver.QueueKind { return p.kind }

// Family implements driver.CommandPool.
func (p *CommandPool) Family() int { return p.family }

// NewCommandBuffer implements driver.CommandPool.
func (p *CommandPool) NewCommandBuffer() (driver.CommandBuffer, error) {
	if p.dev.closed.Load() {
		return nil, ErrDeviceClosed
	}
	return &CommandBuffer{dev: p.dev, family: p.family}, nil
}

// Destroy implements driver.CommandPool.
func (p *CommandPool) Destroy() {}

// Command is one recorded command, as seen by tests and tools.
type Command struct {
	Op string

	Copy        driver.BufferCopy
	ImageCopies []driver.BufferImageCopy
	Barriers    []driver.ImageBarrier
	Blits       []driver.ImageBlit
	Filter      driver.Filter
}

type command struct {
	Command
	run func() error
}

// CommandBuffer records commands as closures executed at submit time.
type CommandBuffer struct {
	dev    *Device
	family int

	mu        sync.Mutex
	recording bool
	recorded  bool
	cmds      []command
	err       error
}

var _ driver.CommandBuffer = (*CommandBuffer)(nil)

// Begin implements driver.CommandBuffer.
func (c *CommandBuffer) Begin(bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recording {
		return driver.ErrAlreadyRecording
	}
	c.recording = true
	c.recorded = false
	c.cmds = nil
	c.err = nil
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
		return c.err
	}
	c.recorded = true
	return nil
}

// Family implements driver.CommandBuffer.
func (c *CommandBuffer) Family() int { return c.family }

// Destroy implements driver.CommandBuffer.
func (c *CommandBuffer) Destroy() {
	c.mu.Lock()
	c.cmds = nil
	c.recorded = false
	c.mu.Unlock()
}

// Commands returns the commands of the current or last recording.
func (c *CommandBuffer) Commands() []Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Command, len(c.cmds))
	for i, cmd := range c.cmds {
		out[i] = cmd.Command
	}
	return out
}

func (c *CommandBuffer) snapshot() ([]command, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recording || !c.recorded {
		return nil, driver.ErrNotRecording
	}
	return append([]command(nil), c.cmds...), nil
}

func (c *CommandBuffer) record(cmd command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.recording {
		c.dev.report("%s recorded outside Begin/End", cmd.Op)
		return
	}
	c.cmds = append(c.cmds, cmd)
}

func (c *CommandBuffer) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

// CopyBuffer implements driver.CommandBuffer.
func (c *CommandBuffer) CopyBuffer(src, dst driver.Buffer, region driver.BufferCopy) {
	s, sok := src.(*Buffer)
	d, dok := dst.(*Buffer)
	if !sok || !dok {
		c.fail(fmt.Errorf("cpu: foreign buffers %T, %T", src, dst))
		return
	}
	c.record(command{
		Command: Command{Op: "CopyBuffer", Copy: region},
		run: func() error {
			data, err := s.read(region.SrcOffset, region.Size)
			if err != nil {
				return err
			}
			return d.write(region.DstOffset, data)
		},
	})
}

// CopyBufferToImage implements driver.CommandBuffer.
func (c *CommandBuffer) CopyBufferToImage(src driver.Buffer, dst driver.Image, regions []driver.BufferImageCopy) {
	s, sok := src.(*Buffer)
	img, iok := dst.(*Image)
	if !sok || !iok {
		c.fail(fmt.Errorf("cpu: foreign resources %T, %T", src, dst))
		return
	}
	regions = append([]driver.BufferImageCopy(nil), regions...)
	c.record(command{
		Command: Command{Op: "CopyBufferToImage", ImageCopies: regions},
		run: func() error {
			for _, r := range regions {
				if err := img.copyFrom(s, r); err != nil {
					return err
				}
			}
			return nil
		},
	})
}

// Barrier implements driver.CommandBuffer.
func (c *CommandBuffer) Barrier(barriers []driver.ImageBarrier) {
	imgs := make([]*Image, len(barriers))
	for i, b := range barriers {
		img, ok := b.Image.(*Image)
		if !ok {
			c.fail(fmt.Errorf("cpu: foreign image %T", b.Image))
			return
		}
		imgs[i] = img
	}
	barriers = append([]driver.ImageBarrier(nil), barriers...)
	c.record(command{
		Command: Command{Op: "Barrier", Barriers: barriers},
		run: func() error {
			for i, b := range barriers {
				if err := imgs[i].transition(b); err != nil {
					return err
				}
			}
			return nil
		},
	})
}

// Blit implements driver.CommandBuffer.
func (c *CommandBuffer) Blit(img driver.Image, regions []driver.ImageBlit, filter driver.Filter) {
	if !c.dev.features.Blit {
		c.fail(ErrBlitUnsupported)
		return
	}
	if c.family != FamilyGraphics {
		c.fail(fmt.Errorf("cpu: blit recorded on family %d", c.family))
		return
	}
	im, ok := img.(*Image)
	if !ok {
		c.fail(fmt.Errorf("cpu: foreign image %T", img))
		return
	}
	regions = append([]driver.ImageBlit(nil), regions...)
	c.record(command{
		Command: Command{Op: "Blit", Blits: regions, Filter: filter},
		run: func() error {
			for _, r := range regions {
				if err := im.blit(r, filter); err != nil {
					return err
				}
			}
			return nil
		},
	})
}

func (i *Image) copyFrom(src *Buffer, r driver.BufferImageCopy) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.destroyed {
		return driver.ErrDestroyed
	}
	if r.Layer >= i.desc.Layers || r.Level >= i.desc.Levels {
		return fmt.Errorf("copy into layer %d level %d of a %d layer, %d level image", r.Layer, r.Level, i.desc.Layers, i.desc.Levels)
	}
	w, h := driver.MipExtent(i.desc.Width, i.desc.Height, r.Level)
	if r.Width != w || r.Height != h {
		return fmt.Errorf("copy extent %dx%d into level %d of extent %dx%d", r.Width, r.Height, r.Level, w, h)
	}
	if l := i.layouts[r.Layer][r.Level]; l != driver.LayoutTransferDst && l != driver.LayoutGeneral {
		return fmt.Errorf("copy into layer %d level %d in layout %v", r.Layer, r.Level, l)
	}
	data, err := src.read(r.BufferOffset, uint64(w)*uint64(h)*uint64(i.pixelSize))
	if err != nil {
		return err
	}
	copy(i.levels[r.Layer][r.Level], data)
	return nil
}

func (i *Image) transition(b driver.ImageBarrier) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	rg := b.Range
	if rg.BaseLayer+rg.Layers > i.desc.Layers || rg.BaseLevel+rg.Levels > i.desc.Levels {
		return fmt.Errorf("barrier range %+v outside image", rg)
	}
	var mismatch error
	for l := rg.BaseLayer; l < rg.BaseLayer+rg.Layers; l++ {
		for k := rg.BaseLevel; k < rg.BaseLevel+rg.Levels; k++ {
			cur := i.layouts[l][k]
			if b.LayoutBefore != driver.LayoutUndefined && cur != b.LayoutBefore && mismatch == nil {
				mismatch = fmt.Errorf("layer %d level %d is %v, barrier expects %v", l, k, cur, b.LayoutBefore)
			}
			i.layouts[l][k] = b.LayoutAfter
		}
	}
	return mismatch
}

func (i *Image) blit(r driver.ImageBlit, filter driver.Filter) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if r.Layer >= i.desc.Layers || r.SrcLevel >= i.desc.Levels || r.DstLevel >= i.desc.Levels {
		return fmt.Errorf("blit %+v outside image", r)
	}
	if l := i.layouts[r.Layer][r.SrcLevel]; l != driver.LayoutTransferSrc && l != driver.LayoutGeneral {
		return fmt.Errorf("blit source layer %d level %d in layout %v", r.Layer, r.SrcLevel, l)
	}
	if l := i.layouts[r.Layer][r.DstLevel]; l != driver.LayoutTransferDst && l != driver.LayoutGeneral {
		return fmt.Errorf("blit destination layer %d level %d in layout %v", r.Layer, r.DstLevel, l)
	}
	sw, sh := driver.MipExtent(i.desc.Width, i.desc.Height, r.SrcLevel)
	dw, dh := driver.MipExtent(i.desc.Width, i.desc.Height, r.DstLevel)
	if r.SrcWidth != sw || r.SrcHeight != sh || r.DstWidth != dw || r.DstHeight != dh {
		return fmt.Errorf("blit extents %dx%d -> %dx%d, levels are %dx%d -> %dx%d",
			r.SrcWidth, r.SrcHeight, r.DstWidth, r.DstHeight, sw, sh, dw, dh)
	}
	linear := filter == driver.FilterLinear && mipmap.SupportsLinear(i.desc.Format)
	mipmap.Downsample(i.levels[r.Layer][r.DstLevel], i.levels[r.Layer][r.SrcLevel],
		int(sw), int(sh), int(dw), int(dh), i.pixelSize, linear)
	return nil
}
