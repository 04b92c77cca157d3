package admin

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexusvolume/dispatch"
)

func TestEnterReadOnlyModeFirstCallerWins(t *testing.T) {
	d := dispatch.NewDispatcher(1, nil)
	defer d.Stop()

	n := NewReadOnlyNotifier(d, 0, nil)
	first := errors.New("disk gone")
	n.EnterReadOnlyMode(first)
	n.EnterReadOnlyMode(errors.New("later failure"))

	require.Eventually(t, n.IsReadOnly, time.Second, time.Millisecond)
	assert.Equal(t, first, n.ReadOnlyError())
}

func TestListenersRunOnTheirThreads(t *testing.T) {
	d := dispatch.NewDispatcher(3, nil)
	defer d.Stop()

	n := NewReadOnlyNotifier(d, 0, nil)
	boom := errors.New("boom")

	// Each listener appends to per-thread state guarded only by thread
	// affinity, then the serial queue proves where it ran.
	heard := make(chan error, 2)
	n.RegisterListener(1, func(reason error) { heard <- reason })
	n.RegisterListener(2, func(reason error) { heard <- reason })

	n.EnterReadOnlyMode(boom)
	assert.Equal(t, boom, <-heard)
	assert.Equal(t, boom, <-heard)
	require.Eventually(t, n.IsReadOnly, time.Second, time.Millisecond)
}

func TestWaitUntilNotEnteringBeforeAnyEscalation(t *testing.T) {
	d := dispatch.NewDispatcher(1, nil)
	defer d.Stop()

	n := NewReadOnlyNotifier(d, 0, nil)
	done := make(chan error, 1)
	n.WaitUntilNotEntering(dispatch.NewCompletion(d, 0, func(err error) { done <- err }))
	require.NoError(t, <-done)
	assert.False(t, n.IsReadOnly())
}

func TestWaitUntilNotEnteringBlocksDuringEscalation(t *testing.T) {
	d := dispatch.NewDispatcher(2, nil)
	defer d.Stop()

	n := NewReadOnlyNotifier(d, 0, nil)

	// A listener that stalls holds the notifier in the entering state.
	gate := make(chan struct{})
	n.RegisterListener(1, func(error) { <-gate })
	n.EnterReadOnlyMode(errors.New("boom"))

	done := make(chan error, 1)
	n.WaitUntilNotEntering(dispatch.NewCompletion(d, 0, func(err error) { done <- err }))
	select {
	case <-done:
		t.Fatal("waiter released while still entering read-only mode")
	case <-time.After(20 * time.Millisecond):
	}

	close(gate)
	require.NoError(t, <-done)
	assert.True(t, n.IsReadOnly())
}
