package native

import "errors"

// Native backend errors.
var (
	// ErrNilHALDevice is returned when constructing a device without a HAL device or queue.
	ErrNilHALDevice = errors.New("native: HAL device is nil")

	// ErrNoAdapter is returned when a HAL backend exposes no adapter.
	ErrNoAdapter = errors.New("native: no GPU adapter available")

	// ErrNoHALAccess is returned when a device provider does not expose its HAL objects.
	ErrNoHALAccess = errors.New("native: provider does not expose HAL device and queue")

	// ErrDeviceClosed is returned when using a closed device.
	ErrDeviceClosed = errors.New("native: device closed")

	// ErrInvalidImage is returned for image descriptors the device cannot create.
	ErrInvalidImage = errors.New("native: invalid image descriptor")

	// ErrBlitUnsupported is returned from End when a blit was recorded.
	// HAL command encoders have no scaling copy.
	ErrBlitUnsupported = errors.New("native: blit not supported")

	// ErrForeignObject is returned when an object created by another
	// backend is passed to this one.
	ErrForeignObject = errors.New("native: object does not belong to this backend")

	// ErrSemaphoreUnsignaled is returned when a submission waits on a
	// semaphore no earlier submission signals. On real hardware this
	// would hang the queue.
	ErrSemaphoreUnsignaled = errors.New("native: wait on semaphore with no pending signal")
)
