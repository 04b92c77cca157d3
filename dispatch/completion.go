package dispatch

import (
	"sync"

	"github.com/INLOpen/nexusvolume/core"
)

// Completion is a continuation bound to a thread. An asynchronous operation
// accepts a Completion, does its work, and calls Finish; the completion's
// callback then runs on the completion's thread with the recorded result.
//
// A completion may be prepared and finished many times in sequence (the admin
// sequencer reuses one sub-task completion across every phase of an
// operation), but only one Finish may be outstanding at a time.
type Completion struct {
	d        *Dispatcher
	threadID core.ThreadID

	mu       sync.Mutex
	callback func(error)
	result   error
	hasError bool
}

// NewCompletion creates a completion that will invoke callback on the given
// thread when finished.
func NewCompletion(d *Dispatcher, id core.ThreadID, callback func(error)) *Completion {
	return &Completion{d: d, threadID: id, callback: callback}
}

// ThreadID returns the thread the completion will run on.
func (c *Completion) ThreadID() core.ThreadID {
	return c.threadID
}

// Prepare rebinds the completion to a new thread and callback and clears any
// recorded result. This is the redispatch point: resetting a reused sub-task
// completion before handing it to the next phase's work.
func (c *Completion) Prepare(id core.ThreadID, callback func(error)) *Completion {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threadID = id
	c.callback = callback
	c.result = nil
	c.hasError = false
	return c
}

// SetResult records a result without launching. The first error recorded
// wins; later calls with nil (or with further errors) do not overwrite it.
func (c *Completion) SetResult(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil && !c.hasError {
		c.result = err
		c.hasError = true
	}
}

// Result returns the recorded result.
func (c *Completion) Result() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// Launch enqueues the callback on the completion's thread with whatever
// result has been recorded so far.
func (c *Completion) Launch() {
	c.mu.Lock()
	cb := c.callback
	id := c.threadID
	res := c.result
	c.mu.Unlock()
	if cb == nil {
		return
	}
	if err := c.d.Enqueue(id, func() { cb(res) }); err != nil {
		// The dispatcher is shutting down; run the callback inline so the
		// waiter is never lost.
		cb(core.ErrStopped)
	}
}

// Finish records the result and launches the callback.
func (c *Completion) Finish(err error) {
	c.SetResult(err)
	c.Launch()
}
