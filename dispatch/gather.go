package dispatch

import "sync"

// Gather fans one completion out over several asynchronous sub-operations:
// the parent finishes once every sub-completion has finished, carrying the
// first error any of them reported. Sub-operations may finish on different
// zone threads.
type Gather struct {
	mu        sync.Mutex
	remaining int
	result    error
	parent    *Completion
	launched  bool
}

// NewGather wraps parent. Call Sub once per sub-operation, hand the returned
// completions out, then call Launch exactly once when all subs are issued.
func NewGather(parent *Completion) *Gather {
	return &Gather{parent: parent}
}

// Sub registers one sub-operation and returns the completion it must finish.
func (g *Gather) Sub() *Completion {
	g.mu.Lock()
	g.remaining++
	g.mu.Unlock()
	return &Completion{
		d:        g.parent.d,
		threadID: g.parent.threadID,
		callback: func(err error) { g.finishSub(err) },
	}
}

// Launch arms the gather. If every sub has already finished (or none were
// registered), the parent finishes immediately.
func (g *Gather) Launch() {
	g.mu.Lock()
	g.launched = true
	done := g.remaining == 0
	res := g.result
	g.mu.Unlock()
	if done {
		g.parent.Finish(res)
	}
}

func (g *Gather) finishSub(err error) {
	g.mu.Lock()
	if err != nil && g.result == nil {
		g.result = err
	}
	g.remaining--
	done := g.launched && g.remaining == 0
	res := g.result
	g.mu.Unlock()
	if done {
		g.parent.Finish(res)
	}
}
