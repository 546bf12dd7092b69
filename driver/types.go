package driver

import (
	"fmt"
	"strings"

	"github.com/gogpu/gputypes"
)

// QueueKind is the role a queue is used for.
type QueueKind int

const (
	// QueueGraphics executes graphics and transfer work, including blits.
	QueueGraphics QueueKind = iota
	// QueueTransfer executes copies only.
	QueueTransfer
)

// String returns the string representation of QueueKind.
func (k QueueKind) String() string {
	switch k {
	case QueueGraphics:
		return "Graphics"
	case QueueTransfer:
		return "Transfer"
	default:
		return fmt.Sprintf("Unknown(%d)", int(k))
	}
}

// Layout is the arrangement of an image subresource in memory.
type Layout int

const (
	LayoutUndefined Layout = iota
	LayoutGeneral
	LayoutTransferSrc
	LayoutTransferDst
	LayoutShaderReadOnly
)

// String returns the string representation of Layout.
func (l Layout) String() string {
	switch l {
	case LayoutUndefined:
		return "Undefined"
	case LayoutGeneral:
		return "General"
	case LayoutTransferSrc:
		return "TransferSrcOptimal"
	case LayoutTransferDst:
		return "TransferDstOptimal"
	case LayoutShaderReadOnly:
		return "ShaderReadOnlyOptimal"
	default:
		return fmt.Sprintf("Unknown(%d)", int(l))
	}
}

// Access is a set of memory access kinds.
type Access uint32

const (
	AccessNone          Access = 0
	AccessTransferRead  Access = 1 << 0
	AccessTransferWrite Access = 1 << 1
	AccessShaderRead    Access = 1 << 2
	AccessHostWrite     Access = 1 << 3
)

var accessNames = []struct {
	bit  Access
	name string
}{
	{AccessTransferRead, "TransferRead"},
	{AccessTransferWrite, "TransferWrite"},
	{AccessShaderRead, "ShaderRead"},
	{AccessHostWrite, "HostWrite"},
}

// String returns the access bits joined by '|'.
func (a Access) String() string {
	if a == AccessNone {
		return "None"
	}
	var parts []string
	for _, n := range accessNames {
		if a&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Stage is a set of pipeline stages.
type Stage uint32

const (
	StageNone           Stage = 0
	StageTopOfPipe      Stage = 1 << 0
	StageTransfer       Stage = 1 << 1
	StageFragmentShader Stage = 1 << 2
	StageAllCommands    Stage = 1 << 3
)

var stageNames = []struct {
	bit  Stage
	name string
}{
	{StageTopOfPipe, "TopOfPipe"},
	{StageTransfer, "Transfer"},
	{StageFragmentShader, "FragmentShader"},
	{StageAllCommands, "AllCommands"},
}

// String returns the stage bits joined by '|'.
func (s Stage) String() string {
	if s == StageNone {
		return "None"
	}
	var parts []string
	for _, n := range stageNames {
		if s&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Filter selects the sampling used by a blit.
type Filter int

const (
	FilterNearest Filter = iota
	FilterLinear
)

// String returns the string representation of Filter.
func (f Filter) String() string {
	switch f {
	case FilterNearest:
		return "Nearest"
	case FilterLinear:
		return "Linear"
	default:
		return fmt.Sprintf("Unknown(%d)", int(f))
	}
}

// PixelSize returns the size in bytes of one texel of an uncompressed
// color format, or 0 for formats that cannot be uploaded texel by texel
// (block compressed, depth/stencil).
func PixelSize(format gputypes.TextureFormat) int {
	switch format {
	case gputypes.TextureFormatR8Unorm, gputypes.TextureFormatR8Snorm,
		gputypes.TextureFormatR8Uint, gputypes.TextureFormatR8Sint:
		return 1
	case gputypes.TextureFormatR16Unorm, gputypes.TextureFormatR16Snorm,
		gputypes.TextureFormatR16Uint, gputypes.TextureFormatR16Sint,
		gputypes.TextureFormatR16Float,
		gputypes.TextureFormatRG8Unorm, gputypes.TextureFormatRG8Snorm,
		gputypes.TextureFormatRG8Uint, gputypes.TextureFormatRG8Sint:
		return 2
	case gputypes.TextureFormatR32Float, gputypes.TextureFormatR32Uint,
		gputypes.TextureFormatR32Sint,
		gputypes.TextureFormatRG16Unorm, gputypes.TextureFormatRG16Snorm,
		gputypes.TextureFormatRG16Uint, gputypes.TextureFormatRG16Sint,
		gputypes.TextureFormatRG16Float,
		gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatRGBA8UnormSrgb,
		gputypes.TextureFormatRGBA8Snorm, gputypes.TextureFormatRGBA8Uint,
		gputypes.TextureFormatRGBA8Sint,
		gputypes.TextureFormatBGRA8Unorm, gputypes.TextureFormatBGRA8UnormSrgb,
		gputypes.TextureFormatRGB10A2Uint, gputypes.TextureFormatRGB10A2Unorm,
		gputypes.TextureFormatRG11B10Ufloat, gputypes.TextureFormatRGB9E5Ufloat:
		return 4
	case gputypes.TextureFormatRG32Float, gputypes.TextureFormatRG32Uint,
		gputypes.TextureFormatRG32Sint,
		gputypes.TextureFormatRGBA16Unorm, gputypes.TextureFormatRGBA16Snorm,
		gputypes.TextureFormatRGBA16Uint, gputypes.TextureFormatRGBA16Sint,
		gputypes.TextureFormatRGBA16Float:
		return 8
	case gputypes.TextureFormatRGBA32Float, gputypes.TextureFormatRGBA32Uint,
		gputypes.TextureFormatRGBA32Sint:
		return 16
	default:
		return 0
	}
}

// MipExtent returns the extent of level k of a w×h image. Each dimension
// is halved per level and never drops below 1.
func MipExtent(w, h, k uint32) (uint32, uint32) {
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
