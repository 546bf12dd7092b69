// Package parallel provides the goroutine plumbing used to run device work
// off the submitting goroutine (Executor) and to spread host-side jobs over
// several cores (WorkerPool).
package parallel

import (
	"sync"
)

// Executor runs work items one at a time, in submission order, on a single
// goroutine. It models one device queue: items submitted later never start
// before earlier items finish.
//
// Submit never blocks; the queue is unbounded. An item may itself block
// (for example waiting on a semaphore signaled by another executor), which
// holds back every later item of the same executor only.
//
// Thread safety: Executor is safe for concurrent use.
type Executor struct {
	mu   sync.Mutex
	cond *sync.Cond

	queue   []func()
	running bool // an item is executing
	paused  bool
	closed  bool

	wg sync.WaitGroup
}

// NewExecutor creates an executor and starts its goroutine.
func NewExecutor() *Executor {
	e := &Executor{}
	e.cond = sync.NewCond(&e.mu)
	e.wg.Add(1)
	go e.worker()
	return e
}

// worker is the executor's main loop.
func (e *Executor) worker() {
	defer e.wg.Done()

	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		for !e.closed && (e.paused || len(e.queue) == 0) {
			e.cond.Wait()
		}
		if len(e.queue) == 0 || (e.closed && e.paused) {
			return
		}

		work := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.running = true
		e.mu.Unlock()

		work()

		e.mu.Lock()
		e.running = false
		e.cond.Broadcast()
	}
}

// Submit appends a work item. Items submitted after Close are dropped and
// Submit reports false.
func (e *Executor) Submit(fn func()) bool {
	if fn == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.queue = append(e.queue, fn)
	e.cond.Broadcast()
	return true
}

// Pause stops the executor from starting new items. An item already
// executing runs to completion.
func (e *Executor) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
}

// Resume lets a paused executor continue.
func (e *Executor) Resume() {
	e.mu.Lock()
	e.paused = false
	e.cond.Broadcast()
	e.mu.Unlock()
}

// Wait blocks until the queue is empty and no item is executing.
// Waiting on a paused executor with queued items blocks until Resume.
func (e *Executor) Wait() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for !e.closed && (len(e.queue) > 0 || e.running) {
		e.cond.Wait()
	}
}

// Pending returns the number of queued items, excluding the one executing.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Close drains queued work (unless paused, in which case queued work is
// discarded) and stops the goroutine. Close is safe to call multiple times.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.cond.Broadcast()
	e.mu.Unlock()

	e.wg.Wait()
}
