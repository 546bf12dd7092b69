package transfer

// Defaults used when no option overrides them.
const (
	// DefaultStagingBytes is the staging capacity of a newly created
	// operation when the request is smaller (256 KiB).
	DefaultStagingBytes = 256 << 10
)

// Option configures a Manager or a standalone transfer operation.
//
// Example:
//
//	m, err := transfer.NewManager(dev,
//	    transfer.WithAllocator(transfer.AllocatorPooled),
//	    transfer.WithMaxOperations(8),
//	)
type Option func(*options)

// options holds optional configuration.
type options struct {
	allocatorKind  AllocatorKind
	allocator      Allocator
	stagingBytes   uint64
	validateCopies bool
	maxOperations  int
}

// defaultOptions returns the default options.
func defaultOptions() options {
	return options{
		allocatorKind:  AllocatorDirect,
		stagingBytes:   DefaultStagingBytes,
		validateCopies: true,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithAllocator selects the allocation strategy used for every staging
// buffer of a Manager. Ignored when WithCustomAllocator is also given.
func WithAllocator(kind AllocatorKind) Option {
	return func(o *options) {
		o.allocatorKind = kind
	}
}

// WithCustomAllocator injects an allocator. The caller keeps ownership:
// Manager.Close does not close it.
func WithCustomAllocator(a Allocator) Option {
	return func(o *options) {
		o.allocator = a
	}
}

// WithStagingBytes sets the minimum staging capacity of new operations.
func WithStagingBytes(n uint64) Option {
	return func(o *options) {
		if n > 0 {
			o.stagingBytes = n
		}
	}
}

// WithCopyValidation enables or disables the staging bounds check done
// before recording a buffer copy. Enabled by default.
func WithCopyValidation(enabled bool) Option {
	return func(o *options) {
		o.validateCopies = enabled
	}
}

// WithMaxOperations caps how many operations each pool (buffer, image)
// may hold. Zero means unlimited.
func WithMaxOperations(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxOperations = n
		}
	}
}
