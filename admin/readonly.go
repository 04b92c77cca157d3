package admin

import (
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusvolume/core"
	"github.com/INLOpen/nexusvolume/dispatch"
)

// notifierState tracks how far a read-only escalation has progressed.
type notifierState int

const (
	notifierNormal notifierState = iota
	// notifierEntering means listeners are being told on their own threads;
	// quiescing operations must wait for this to settle.
	notifierEntering
	notifierReadOnly
)

// ReadOnlyNotifier is the cross-cutting escalation path. Any subsystem may
// call EnterReadOnlyMode from its own thread; every registered listener is
// told on the thread it registered for, and once all have been told the
// notifier settles into read-only. A quiescing admin operation calls
// WaitUntilNotEntering before draining so it never races the escalation.
type ReadOnlyNotifier struct {
	d           *dispatch.Dispatcher
	adminThread core.ThreadID
	logger      *slog.Logger

	mu        sync.Mutex
	state     notifierState
	reason    error
	listeners map[core.ThreadID][]func(error)
	waiters   []*dispatch.Completion
}

// NewReadOnlyNotifier creates a notifier that settles on the admin thread.
func NewReadOnlyNotifier(d *dispatch.Dispatcher, adminThread core.ThreadID, logger *slog.Logger) *ReadOnlyNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReadOnlyNotifier{
		d:           d,
		adminThread: adminThread,
		logger:      logger.With("component", "ReadOnlyNotifier"),
		listeners:   make(map[core.ThreadID][]func(error)),
	}
}

// RegisterListener adds a callback to be invoked on the given thread if the
// volume enters read-only mode. Must be called before threads start doing
// work (during engine construction).
func (n *ReadOnlyNotifier) RegisterListener(id core.ThreadID, fn func(error)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners[id] = append(n.listeners[id], fn)
}

// IsReadOnly reports whether the notifier has settled into read-only mode.
func (n *ReadOnlyNotifier) IsReadOnly() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state == notifierReadOnly
}

// ReadOnlyError returns the error that triggered read-only mode, or nil.
func (n *ReadOnlyNotifier) ReadOnlyError() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reason
}

// EnterReadOnlyMode starts the escalation. The first caller wins; later calls
// are ignored. Listeners run on their registered threads; when all have run,
// the notifier settles and any blocked waiters are released.
func (n *ReadOnlyNotifier) EnterReadOnlyMode(reason error) {
	n.mu.Lock()
	if n.state != notifierNormal {
		n.mu.Unlock()
		return
	}
	n.state = notifierEntering
	n.reason = reason
	listeners := n.listeners
	n.mu.Unlock()

	n.logger.Error("Entering read-only mode.", "reason", reason)

	settle := dispatch.NewCompletion(n.d, n.adminThread, func(error) {
		n.mu.Lock()
		n.state = notifierReadOnly
		waiters := n.waiters
		n.waiters = nil
		n.mu.Unlock()
		for _, w := range waiters {
			w.Finish(nil)
		}
	})
	gather := dispatch.NewGather(settle)
	for id, fns := range listeners {
		sub := gather.Sub()
		threadFns := fns
		if err := n.d.Enqueue(id, func() {
			for _, fn := range threadFns {
				fn(reason)
			}
			sub.Finish(nil)
		}); err != nil {
			sub.Finish(nil)
		}
	}
	gather.Launch()
}

// WaitUntilNotEntering finishes done once the notifier is not in the middle
// of an escalation: immediately if it is settled (normal or read-only), or
// after the in-flight escalation completes.
func (n *ReadOnlyNotifier) WaitUntilNotEntering(done *dispatch.Completion) {
	n.mu.Lock()
	if n.state == notifierEntering {
		n.waiters = append(n.waiters, done)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()
	done.Finish(nil)
}
