package backend

import (
	"errors"
	"fmt"
	"slices"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/transfer/backend/cpu"
	"github.com/gogpu/transfer/backend/native"
	"github.com/gogpu/transfer/driver"
)

// Backend names.
const (
	BackendNative = "native"
	BackendCPU    = "cpu"
)

// ErrBackendNotAvailable is returned when a requested backend is not registered.
var ErrBackendNotAvailable = errors.New("backend: not available")

// Opener opens a device of one backend.
type Opener func() (driver.Device, error)

// priority is the selection order. The CPU device is the fallback.
var priority = []string{BackendNative, BackendCPU}

var registry = gpucontext.NewRegistry[Opener](gpucontext.WithPriority(priority...))

func init() {
	Register(BackendNative, func() (driver.Device, error) { return native.OpenBest() })
	Register(BackendCPU, func() (driver.Device, error) { return cpu.New(), nil })
}

// Register registers an opener under name, replacing any earlier one.
func Register(name string, open Opener) {
	registry.Register(name, func() Opener { return open })
}

// Unregister removes a backend. This is useful for testing.
func Unregister(name string) {
	registry.Unregister(name)
}

// IsRegistered reports whether a backend with the given name is registered.
func IsRegistered(name string) bool {
	return registry.Has(name)
}

// Available returns the registered backend names, sorted.
func Available() []string {
	names := registry.Available()
	slices.Sort(names)
	return names
}

// Preferred returns the name of the highest priority registered backend,
// or "" when none is registered.
func Preferred() string {
	return registry.BestName()
}

// Open opens a device of the named backend.
func Open(name string) (driver.Device, error) {
	open := registry.Get(name)
	if open == nil {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotAvailable, name)
	}
	dev, err := open()
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", name, err)
	}
	return dev, nil
}

// OpenDefault opens the highest priority backend that opens successfully
// and returns its name. Backends outside the priority list are tried last,
// in name order.
func OpenDefault() (driver.Device, string, error) {
	var errs []error
	for _, name := range order() {
		dev, err := Open(name)
		if err == nil {
			return dev, name, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, "", ErrBackendNotAvailable
	}
	return nil, "", errors.Join(errs...)
}

func order() []string {
	names := Available()
	out := make([]string, 0, len(names))
	for _, name := range priority {
		if registry.Has(name) {
			out = append(out, name)
		}
	}
	for _, name := range names {
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}

// MustOpenDefault is like OpenDefault but panics on failure.
func MustOpenDefault() driver.Device {
	dev, _, err := OpenDefault()
	if err != nil {
		panic(err)
	}
	return dev
}
