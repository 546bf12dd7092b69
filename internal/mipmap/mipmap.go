// Package mipmap scales tightly packed image levels down to the next mip level.
package mipmap

import (
	"image"

	"github.com/gogpu/gputypes"
	"golang.org/x/image/draw"
)

// SupportsLinear reports whether texels of format can be filtered linearly
// here. Only four 8-bit channel formats qualify; everything else is
// downsampled with nearest sampling.
func SupportsLinear(format gputypes.TextureFormat) bool {
	switch format {
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatRGBA8UnormSrgb,
		gputypes.TextureFormatBGRA8Unorm, gputypes.TextureFormatBGRA8UnormSrgb:
		return true
	default:
		return false
	}
}

// Downsample scales src (sw×sh texels of pixelSize bytes) into dst (dw×dh).
// dst must hold dw*dh*pixelSize bytes. Linear filtering requires
// pixelSize 4; other sizes fall back to nearest.
func Downsample(dst, src []byte, sw, sh, dw, dh, pixelSize int, linear bool) {
	if linear && pixelSize == 4 {
		s := &image.NRGBA{Pix: src, Stride: sw * 4, Rect: image.Rect(0, 0, sw, sh)}
		d := &image.NRGBA{Pix: dst, Stride: dw * 4, Rect: image.Rect(0, 0, dw, dh)}
		draw.BiLinear.Scale(d, d.Rect, s, s.Rect, draw.Src, nil)
		return
	}
	nearest(dst, src, sw, sh, dw, dh, pixelSize)
}

func nearest(dst, src []byte, sw, sh, dw, dh, pixelSize int) {
	for y := 0; y < dh; y++ {
		sy := (2*y + 1) * sh / (2 * dh)
		for x := 0; x < dw; x++ {
			sx := (2*x + 1) * sw / (2 * dw)
			so := (sy*sw + sx) * pixelSize
			do := (y*dw + x) * pixelSize
			copy(dst[do:do+pixelSize], src[so:so+pixelSize])
		}
	}
}

// LevelSize returns the byte size of level k of a w×h image.
func LevelSize(w, h, k uint32, pixelSize int) uint64 {
	lw, lh := extent(w, h, k)
	return uint64(lw) * uint64(lh) * uint64(pixelSize)
}

// ChainSize returns the byte size of levels 1..levels-1 of one layer.
func ChainSize(w, h, levels uint32, pixelSize int) uint64 {
	var n uint64
	for k := uint32(1); k < levels; k++ {
		n += LevelSize(w, h, k, pixelSize)
	}
	return n
}

// Chain fills out with levels 1..levels-1 built from base, each level
// downsampled from the previous one. out must hold ChainSize bytes. The
// returned slice holds the offset of each level inside out.
func Chain(out, base []byte, w, h, levels uint32, pixelSize int, linear bool) []uint64 {
	offsets := make([]uint64, 0, levels)
	prev := base
	pw, ph := w, h
	var off uint64
	for k := uint32(1); k < levels; k++ {
		lw, lh := extent(w, h, k)
		n := uint64(lw) * uint64(lh) * uint64(pixelSize)
		dst := out[off : off+n]
		Downsample(dst, prev, int(pw), int(ph), int(lw), int(lh), pixelSize, linear)
		offsets = append(offsets, off)
		prev, pw, ph = dst, lw, lh
		off += n
	}
	return offsets
}

func extent(w, h, k uint32) (uint32, uint32) {
	w >>= k
	h >>= k
	if w == 0 {
		w = 1
	}
	if h == 0 {
		h = 1
	}
	return w, h
}
