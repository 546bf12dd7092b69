package transfer

import "testing"

func TestDefaultOptions(t *testing.T) {
	o := buildOptions(nil)
	if o.allocatorKind != AllocatorDirect {
		t.Errorf("allocatorKind = %v, want %v", o.allocatorKind, AllocatorDirect)
	}
	if o.stagingBytes != DefaultStagingBytes {
		t.Errorf("stagingBytes = %d, want %d", o.stagingBytes, DefaultStagingBytes)
	}
	if !o.validateCopies {
		t.Error("copy validation disabled by default")
	}
	if o.maxOperations != 0 || o.allocator != nil {
		t.Errorf("maxOperations = %d, allocator = %v; want unlimited and none", o.maxOperations, o.allocator)
	}
}

func TestOptions(t *testing.T) {
	custom := &DirectAllocator{}
	tests := []struct {
		name  string
		opts  []Option
		check func(t *testing.T, o options)
	}{
		{
			name: "allocator kind",
			opts: []Option{WithAllocator(AllocatorPooled)},
			check: func(t *testing.T, o options) {
				if o.allocatorKind != AllocatorPooled {
					t.Errorf("allocatorKind = %v", o.allocatorKind)
				}
			},
		},
		{
			name: "custom allocator",
			opts: []Option{WithCustomAllocator(custom)},
			check: func(t *testing.T, o options) {
				if o.allocator != Allocator(custom) {
					t.Errorf("allocator = %v", o.allocator)
				}
			},
		},
		{
			name: "staging bytes",
			opts: []Option{WithStagingBytes(1 << 20)},
			check: func(t *testing.T, o options) {
				if o.stagingBytes != 1<<20 {
					t.Errorf("stagingBytes = %d", o.stagingBytes)
				}
			},
		},
		{
			name: "zero staging bytes ignored",
			opts: []Option{WithStagingBytes(0)},
			check: func(t *testing.T, o options) {
				if o.stagingBytes != DefaultStagingBytes {
					t.Errorf("stagingBytes = %d", o.stagingBytes)
				}
			},
		},
		{
			name: "copy validation off",
			opts: []Option{WithCopyValidation(false)},
			check: func(t *testing.T, o options) {
				if o.validateCopies {
					t.Error("validateCopies = true")
				}
			},
		},
		{
			name: "negative max operations ignored",
			opts: []Option{WithMaxOperations(3), WithMaxOperations(-1)},
			check: func(t *testing.T, o options) {
				if o.maxOperations != 3 {
					t.Errorf("maxOperations = %d", o.maxOperations)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, buildOptions(tt.opts))
		})
	}
}
