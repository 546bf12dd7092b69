package driver

import (
	"errors"
	"testing"

	"github.com/gogpu/gputypes"
)

type testSemaphore struct{}

func (testSemaphore) Destroy() {}

func TestSubmitInfoValidate(t *testing.T) {
	tests := []struct {
		name    string
		info    SubmitInfo
		wantErr error
	}{
		{"empty", SubmitInfo{}, nil},
		{"matched", SubmitInfo{Wait: []Semaphore{testSemaphore{}}, WaitStages: []Stage{StageTransfer}}, nil},
		{"missing stage", SubmitInfo{Wait: []Semaphore{testSemaphore{}}}, ErrWaitStageMismatch},
		{"extra stage", SubmitInfo{WaitStages: []Stage{StageTransfer}}, ErrWaitStageMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.info.Validate(); !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPixelSize(t *testing.T) {
	tests := []struct {
		format gputypes.TextureFormat
		want   int
	}{
		{gputypes.TextureFormatR8Unorm, 1},
		{gputypes.TextureFormatRG8Unorm, 2},
		{gputypes.TextureFormatRGBA8Unorm, 4},
		{gputypes.TextureFormatBGRA8UnormSrgb, 4},
		{gputypes.TextureFormatRGBA16Float, 8},
		{gputypes.TextureFormatRGBA32Float, 16},
		{gputypes.TextureFormatBC1RGBAUnorm, 0},
		{gputypes.TextureFormatDepth32Float, 0},
	}
	for _, tt := range tests {
		if got := PixelSize(tt.format); got != tt.want {
			t.Errorf("PixelSize(%v) = %d, want %d", tt.format, got, tt.want)
		}
	}
}

func TestMipExtent(t *testing.T) {
	for k := uint32(0); k < 7; k++ {
		w, h := MipExtent(64, 64, k)
		if w != 64>>k || h != 64>>k {
			t.Errorf("MipExtent(64, 64, %d) = %dx%d, want %dx%d", k, w, h, 64>>k, 64>>k)
		}
	}
	if w, h := MipExtent(8, 2, 3); w != 1 || h != 1 {
		t.Errorf("MipExtent(8, 2, 3) = %dx%d, want 1x1", w, h)
	}
}

func TestEnumStrings(t *testing.T) {
	if got := (AccessTransferRead | AccessShaderRead).String(); got != "TransferRead|ShaderRead" {
		t.Errorf("Access.String() = %q", got)
	}
	if got := StageNone.String(); got != "None" {
		t.Errorf("Stage.String() = %q", got)
	}
	if got := LayoutShaderReadOnly.String(); got != "ShaderReadOnlyOptimal" {
		t.Errorf("Layout.String() = %q", got)
	}
	if got := Layout(42).String(); got != "Unknown(42)" {
		t.Errorf("Layout(42).String() = %q", got)
	}
	if got := QueueTransfer.String(); got != "Transfer" {
		t.Errorf("QueueKind.String() = %q", got)
	}
}
