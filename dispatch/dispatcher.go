// Package dispatch provides the zone-thread scheduler. Every zone of the
// volume owns exactly one serial thread; all mutation of a zone's state
// happens on its thread, and cross-zone coordination is done by enqueueing a
// callback on the target thread rather than by sharing memory. Nothing in
// this package (or in the zones built on it) blocks a thread on a synchronous
// wait: multi-step operations return from their current callback and are
// re-invoked later through a Completion.
package dispatch

import (
	"container/list"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusvolume/core"
)

// Callback is a unit of work to run on a zone thread.
type Callback func()

// thread is one serial run queue. Its mailbox is unbounded so that a zone may
// enqueue follow-up work onto its own thread from within a callback without
// risk of deadlock.
type thread struct {
	id      core.ThreadID
	mu      sync.Mutex
	cond    *sync.Cond
	queue   *list.List
	stopped bool
}

func (t *thread) enqueue(cb Callback) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return core.ErrStopped
	}
	t.queue.PushBack(cb)
	t.cond.Signal()
	return nil
}

func (t *thread) run(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		t.mu.Lock()
		for t.queue.Len() == 0 && !t.stopped {
			t.cond.Wait()
		}
		if t.queue.Len() == 0 && t.stopped {
			t.mu.Unlock()
			return
		}
		cb := t.queue.Remove(t.queue.Front()).(Callback)
		t.mu.Unlock()
		cb()
	}
}

// Dispatcher owns the fixed set of zone threads. Thread IDs are dense,
// starting at zero; by convention thread 0 is the administrative thread and
// the remaining threads are assigned to zones by the engine's thread config.
type Dispatcher struct {
	logger  *slog.Logger
	threads []*thread
	wg      sync.WaitGroup
}

// NewDispatcher creates and starts count serial threads.
func NewDispatcher(count int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		logger:  logger.With("component", "Dispatcher"),
		threads: make([]*thread, count),
	}
	for i := range d.threads {
		t := &thread{id: core.ThreadID(i), queue: list.New()}
		t.cond = sync.NewCond(&t.mu)
		d.threads[i] = t
		d.wg.Add(1)
		go t.run(&d.wg)
	}
	return d
}

// ThreadCount returns the number of threads.
func (d *Dispatcher) ThreadCount() int {
	return len(d.threads)
}

// Enqueue schedules cb to run on the given thread. Callbacks enqueued from
// the same thread run in enqueue order. Returns ErrStopped after Stop.
func (d *Dispatcher) Enqueue(id core.ThreadID, cb Callback) error {
	if int(id) >= len(d.threads) {
		panic("dispatch: thread ID out of range")
	}
	return d.threads[id].enqueue(cb)
}

// Stop drains every thread's remaining queue and waits for the thread
// goroutines to exit. Callbacks already enqueued still run; new enqueues fail
// with ErrStopped.
func (d *Dispatcher) Stop() {
	for _, t := range d.threads {
		t.mu.Lock()
		t.stopped = true
		t.cond.Signal()
		t.mu.Unlock()
	}
	d.wg.Wait()
	d.logger.Debug("All zone threads stopped.")
}
