package backend

import (
	"errors"
	"slices"
	"testing"

	"github.com/gogpu/transfer/backend/cpu"
	"github.com/gogpu/transfer/driver"
)

var errOpen = errors.New("open failed")

// swap replaces the opener of name for the duration of the test.
func swap(t *testing.T, name string, open Opener) {
	t.Helper()
	prev := registry.Get(name)
	if open == nil {
		Unregister(name)
	} else {
		Register(name, open)
	}
	t.Cleanup(func() {
		if prev == nil {
			Unregister(name)
			return
		}
		Register(name, prev)
	})
}

func TestDefaultRegistrations(t *testing.T) {
	got := Available()
	for _, name := range []string{BackendCPU, BackendNative} {
		if !slices.Contains(got, name) {
			t.Errorf("Available() = %v, missing %q", got, name)
		}
		if !IsRegistered(name) {
			t.Errorf("IsRegistered(%q) = false", name)
		}
	}
	if got := Preferred(); got != BackendNative {
		t.Errorf("Preferred() = %q, want %q", got, BackendNative)
	}
}

func TestOpenCPU(t *testing.T) {
	dev, err := Open(BackendCPU)
	if err != nil {
		t.Fatalf("Open(cpu) error = %v", err)
	}
	defer dev.Close()
	if _, ok := dev.(*cpu.Device); !ok {
		t.Errorf("Open(cpu) = %T, want *cpu.Device", dev)
	}
}

func TestOpenUnknown(t *testing.T) {
	if _, err := Open("vulkan-direct"); !errors.Is(err, ErrBackendNotAvailable) {
		t.Errorf("Open() error = %v, want ErrBackendNotAvailable", err)
	}
}

func TestOpenDefaultFallsBack(t *testing.T) {
	swap(t, BackendNative, func() (driver.Device, error) { return nil, errOpen })

	dev, name, err := OpenDefault()
	if err != nil {
		t.Fatalf("OpenDefault() error = %v", err)
	}
	defer dev.Close()
	if name != BackendCPU {
		t.Errorf("OpenDefault() name = %q, want %q", name, BackendCPU)
	}
}

func TestOpenDefaultPrefersNative(t *testing.T) {
	want := cpu.New()
	defer want.Close()
	swap(t, BackendNative, func() (driver.Device, error) { return want, nil })

	dev, name, err := OpenDefault()
	if err != nil {
		t.Fatalf("OpenDefault() error = %v", err)
	}
	if name != BackendNative || dev != driver.Device(want) {
		t.Errorf("OpenDefault() = %v, %q; want the native opener's device", dev, name)
	}
}

func TestOpenDefaultAllFail(t *testing.T) {
	swap(t, BackendNative, func() (driver.Device, error) { return nil, errOpen })
	swap(t, BackendCPU, func() (driver.Device, error) { return nil, errOpen })

	_, _, err := OpenDefault()
	if !errors.Is(err, errOpen) {
		t.Errorf("OpenDefault() error = %v, want errOpen", err)
	}
	defer func() {
		if recover() == nil {
			t.Error("MustOpenDefault() did not panic")
		}
	}()
	MustOpenDefault()
}

func TestOpenDefaultNothingRegistered(t *testing.T) {
	swap(t, BackendNative, nil)
	swap(t, BackendCPU, nil)

	if _, _, err := OpenDefault(); !errors.Is(err, ErrBackendNotAvailable) {
		t.Errorf("OpenDefault() error = %v, want ErrBackendNotAvailable", err)
	}
	if got := Preferred(); got != "" {
		t.Errorf("Preferred() = %q, want empty", got)
	}
}

func TestCustomBackendTriedLast(t *testing.T) {
	swap(t, BackendNative, func() (driver.Device, error) { return nil, errOpen })
	swap(t, BackendCPU, func() (driver.Device, error) { return nil, errOpen })
	swap(t, "custom", func() (driver.Device, error) { return cpu.New(), nil })

	dev, name, err := OpenDefault()
	if err != nil {
		t.Fatalf("OpenDefault() error = %v", err)
	}
	defer dev.Close()
	if name != "custom" {
		t.Errorf("OpenDefault() name = %q, want custom", name)
	}
}
