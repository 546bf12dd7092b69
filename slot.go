package transfer

import (
	"fmt"
	"sync"

	"github.com/gogpu/transfer/driver"
)

// SlotState is the availability state of a pooled transfer operation.
type SlotState int

const (
	// SlotIdle means the operation may be reserved.
	SlotIdle SlotState = iota
	// SlotRequested means a caller reserved the operation and is filling
	// its staging buffer.
	SlotRequested
	// SlotInFlight means work was submitted and its fence is pending.
	SlotInFlight
	// SlotFailed means the last transfer failed and the device no longer
	// uses the staging buffer. The fence is signaled again, so the
	// operation may be reserved.
	SlotFailed
)

// String returns the string representation of SlotState.
func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "Idle"
	case SlotRequested:
		return "Requested"
	case SlotInFlight:
		return "InFlight"
	case SlotFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// ResizeToken grants permission to resize the staging buffer of one
// operation. It is only handed out while the operation is idle and becomes
// stale as soon as the operation changes state.
type ResizeToken struct {
	slot       *slot
	generation uint64
}

// slot tracks availability through an explicit state plus the fence the
// device signals on completion.
type slot struct {
	dev driver.Device

	mu         sync.Mutex
	state      SlotState
	fence      driver.Fence
	generation uint64
}

func (s *slot) create(dev driver.Device) error {
	f, err := dev.NewFence(true)
	if err != nil {
		return fmt.Errorf("%w: fence: %w", ErrHardwareCreation, err)
	}
	s.mu.Lock()
	s.dev = dev
	s.fence = f
	s.state = SlotIdle
	s.generation++
	s.mu.Unlock()
	return nil
}

func (s *slot) destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fence != nil {
		s.fence.Destroy()
		s.fence = nil
	}
	s.generation++
}

// poll must be called with mu held. It moves InFlight to Idle once the
// fence is signaled.
func (s *slot) poll() {
	if s.state != SlotInFlight || s.fence == nil {
		return
	}
	signaled, err := s.fence.Signaled()
	if err != nil {
		Logger().Warn("transfer: fence status query failed", "err", err)
		return
	}
	if signaled {
		s.state = SlotIdle
		s.generation++
	}
}

func (s *slot) available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.poll()
	return s.fence != nil && (s.state == SlotIdle || s.state == SlotFailed)
}

func (s *slot) current() SlotState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.poll()
	return s.state
}

func (s *slot) idle() (ResizeToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.poll()
	if s.fence == nil || (s.state != SlotIdle && s.state != SlotFailed) {
		return ResizeToken{}, false
	}
	return ResizeToken{slot: s, generation: s.generation}, true
}

// checkToken must be called with mu held.
func (s *slot) checkToken(tok ResizeToken) error {
	if tok.slot != s {
		return fmt.Errorf("%w: token belongs to another operation", ErrInvalidResizeToken)
	}
	if tok.generation != s.generation {
		return fmt.Errorf("%w: operation changed state since the token was issued", ErrInvalidResizeToken)
	}
	if s.state != SlotIdle && s.state != SlotFailed {
		return fmt.Errorf("%w: operation is %v", ErrSlotBusy, s.state)
	}
	return nil
}

func (s *slot) request() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.poll()
	if s.fence == nil {
		return fmt.Errorf("%w: operation is not created", ErrPrecondition)
	}
	if s.state != SlotIdle && s.state != SlotFailed {
		return fmt.Errorf("%w: operation is %v", ErrSlotBusy, s.state)
	}
	if err := s.fence.Reset(); err != nil {
		return fmt.Errorf("%w: resetting fence: %w", ErrSubmission, err)
	}
	s.state = SlotRequested
	s.generation++
	return nil
}

func (s *slot) requested() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SlotRequested {
		return fmt.Errorf("%w: operation is %v, not requested for transfer", ErrPrecondition, s.state)
	}
	return nil
}

func (s *slot) submitted() {
	s.mu.Lock()
	s.state = SlotInFlight
	s.generation++
	s.mu.Unlock()
}

// fail marks the slot failed and replaces its fence with a signaled one, so
// the operation can be reserved again.
func (s *slot) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SlotFailed
	s.generation++

	f, err := s.dev.NewFence(true)
	if err != nil {
		// Keep the old fence; the slot stays reservable since the state is Failed.
		Logger().Warn("transfer: unable to recreate fence after failure", "err", err)
		return
	}
	if s.fence != nil {
		s.fence.Destroy()
	}
	s.fence = f
}

func (s *slot) currentFence() driver.Fence {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fence
}
