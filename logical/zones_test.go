package logical

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexusvolume/core"
	"github.com/INLOpen/nexusvolume/dispatch"
)

func newTestZones(t *testing.T, count int) (*Zones, *dispatch.Dispatcher) {
	t.Helper()
	d := dispatch.NewDispatcher(count, nil)
	t.Cleanup(d.Stop)

	threads := make([]core.ThreadID, count)
	for i := range threads {
		threads[i] = core.ThreadID(i)
	}
	zs, err := NewZones(d, threads, nil)
	require.NoError(t, err)
	return zs, d
}

func onZone(t *testing.T, d *dispatch.Dispatcher, z *Zone, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, d.Enqueue(z.Thread(), func() {
		fn()
		close(done)
	}))
	<-done
}

// launch issues a LaunchRequest from the zone thread and returns the channel
// its grant callback reports on.
func launch(t *testing.T, d *dispatch.Dispatcher, z *Zone, lbn core.LogicalBlockNumber) chan error {
	t.Helper()
	ch := make(chan error, 1)
	onZone(t, d, z, func() {
		z.LaunchRequest(lbn, func(err error) { ch <- err })
	})
	return ch
}

func TestDrainWaitsForActiveRequests(t *testing.T) {
	zs, d := newTestZones(t, 1)
	zone := zs.Zone(0)

	require.NoError(t, <-launch(t, d, zone, 0))
	require.NoError(t, <-launch(t, d, zone, 3))

	drained := make(chan error, 1)
	onZone(t, d, zone, func() {
		zone.InitiateDrain(core.StateSuspending,
			dispatch.NewCompletion(d, 0, func(err error) { drained <- err }))
	})

	// Still draining while a request is outstanding; new admissions refused.
	onZone(t, d, zone, func() {
		assert.Equal(t, core.StateSuspending, zone.State().Code())
	})
	assert.ErrorIs(t, <-launch(t, d, zone, 6), core.ErrInvalidState)
	onZone(t, d, zone, func() { zone.FinishRequest(0) })
	select {
	case err := <-drained:
		t.Fatalf("drain settled with one request still active: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	onZone(t, d, zone, func() { zone.FinishRequest(3) })
	require.NoError(t, <-drained)
	onZone(t, d, zone, func() {
		assert.Equal(t, core.StateSuspended, zone.State().Code())
	})
}

func TestRequestsToOneBlockSerialize(t *testing.T) {
	zs, d := newTestZones(t, 1)
	zone := zs.Zone(0)

	first := launch(t, d, zone, 5)
	require.NoError(t, <-first)

	// A racing request to the same block waits; one to another block does
	// not.
	second := launch(t, d, zone, 5)
	other := launch(t, d, zone, 6)
	require.NoError(t, <-other)
	select {
	case err := <-second:
		t.Fatalf("second request ran while the block was held: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	onZone(t, d, zone, func() {
		assert.Equal(t, 2, zone.LockedBlocks())
		assert.Equal(t, 3, zone.ActiveRequests(), "a waiter counts as in flight")
	})

	onZone(t, d, zone, func() { zone.FinishRequest(5) })
	require.NoError(t, <-second, "the waiter takes the lock when the holder finishes")

	onZone(t, d, zone, func() {
		zone.FinishRequest(5)
		zone.FinishRequest(6)
		assert.Equal(t, 0, zone.LockedBlocks())
		assert.Equal(t, 0, zone.ActiveRequests())
	})
}

func TestResumeRestoresAdmission(t *testing.T) {
	zs, d := newTestZones(t, 2)

	drained := make(chan error, 1)
	zs.DrainZones(core.StateSaving, dispatch.NewCompletion(d, 0, func(err error) { drained <- err }))
	require.NoError(t, <-drained)

	resumed := make(chan error, 1)
	zs.ResumeZones(dispatch.NewCompletion(d, 0, func(err error) { resumed <- err }))
	require.NoError(t, <-resumed)

	for i := core.ZoneCount(0); i < zs.ZoneCount(); i++ {
		zone := zs.Zone(i)
		require.NoError(t, <-launch(t, d, zone, core.LogicalBlockNumber(i)))
		onZone(t, d, zone, func() { zone.FinishRequest(core.LogicalBlockNumber(i)) })
	}
}

func TestZoneAssignmentAndFlushGeneration(t *testing.T) {
	zs, d := newTestZones(t, 3)

	assert.Same(t, zs.Zone(1), zs.ZoneForLBN(1))
	assert.Same(t, zs.Zone(0), zs.ZoneForLBN(3))

	zone := zs.Zone(0)
	onZone(t, d, zone, func() {
		zone.NoteFlushGeneration(7)
		zone.NoteFlushGeneration(5) // stale, ignored
		assert.Equal(t, core.SequenceNumber(7), zone.FlushGeneration())
	})
}
