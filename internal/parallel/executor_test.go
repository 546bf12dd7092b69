package parallel

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestExecutorOrder(t *testing.T) {
	e := NewExecutor()
	defer e.Close()

	var mu sync.Mutex
	var got []int
	for i := range 100 {
		e.Submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	e.Wait()

	if len(got) != 100 {
		t.Fatalf("executed %d items, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("item %d executed at position %d", v, i)
		}
	}
}

func TestExecutorPauseResume(t *testing.T) {
	e := NewExecutor()
	defer e.Close()

	e.Pause()
	var n atomic.Int32
	e.Submit(func() { n.Add(1) })
	e.Submit(func() { n.Add(1) })

	time.Sleep(10 * time.Millisecond)
	if got := n.Load(); got != 0 {
		t.Fatalf("paused executor ran %d items", got)
	}
	if got := e.Pending(); got != 2 {
		t.Errorf("Pending() = %d, want 2", got)
	}

	e.Resume()
	e.Wait()
	if got := n.Load(); got != 2 {
		t.Errorf("ran %d items after Resume, want 2", got)
	}
}

func TestExecutorCloseDrains(t *testing.T) {
	e := NewExecutor()
	var n atomic.Int32
	for range 10 {
		e.Submit(func() { n.Add(1) })
	}
	e.Close()
	if got := n.Load(); got != 10 {
		t.Errorf("ran %d items before Close returned, want 10", got)
	}
	if e.Submit(func() {}) {
		t.Error("Submit after Close should report false")
	}
	e.Close()
}

func TestExecutorCloseWhilePausedDiscards(t *testing.T) {
	e := NewExecutor()
	e.Pause()
	var n atomic.Int32
	e.Submit(func() { n.Add(1) })
	e.Close()
	if got := n.Load(); got != 0 {
		t.Errorf("paused executor ran %d items on Close", got)
	}
}

func TestExecutorSubmitNil(t *testing.T) {
	e := NewExecutor()
	defer e.Close()
	if e.Submit(nil) {
		t.Error("Submit(nil) should report false")
	}
}
