package transfer

import "errors"

// Transfer errors. Operations wrap one of these with context, so callers
// test with errors.Is.
var (
	// ErrPrecondition is returned when an object is used in a state that
	// does not allow the call (buffer not created, not host visible,
	// operation not requested). Nothing has been touched.
	ErrPrecondition = errors.New("transfer: precondition violation")

	// ErrHardwareCreation is returned when the device fails to create a
	// buffer, fence, semaphore or command buffer.
	ErrHardwareCreation = errors.New("transfer: hardware object creation failed")

	// ErrBoundsOverflow is returned when a write or copy would reach past
	// the end of a buffer. Nothing has been recorded or written.
	ErrBoundsOverflow = errors.New("transfer: copy exceeds buffer bounds")

	// ErrSubmission is returned when recording or submitting GPU work fails.
	ErrSubmission = errors.New("transfer: command submission failed")

	// ErrSlotBusy is returned when reserving an operation that is not available.
	ErrSlotBusy = errors.New("transfer: operation is busy")

	// ErrInvalidResizeToken is returned when a resize token was issued by
	// another operation or before the operation last changed state.
	ErrInvalidResizeToken = errors.New("transfer: invalid resize token")

	// ErrPoolExhausted is returned when every operation of a capped pool is busy.
	ErrPoolExhausted = errors.New("transfer: operation pool exhausted")

	// ErrManagerClosed is returned when using a closed manager.
	ErrManagerClosed = errors.New("transfer: manager closed")
)
