package blockmap

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexusvolume/admin"
	"github.com/INLOpen/nexusvolume/core"
	"github.com/INLOpen/nexusvolume/dispatch"
	"github.com/INLOpen/nexusvolume/physical"
)

// gatedLayer wraps a MemoryLayer to count reads and record write order, with
// optional gates to hold I/O open while a test inspects in-flight state.
type gatedLayer struct {
	*physical.MemoryLayer

	reads    atomic.Int32
	readGate chan struct{}

	mu         sync.Mutex
	writeOrder []core.PhysicalBlockNumber
	writeGate  chan struct{}
}

func (g *gatedLayer) ReadExtent(pbn core.PhysicalBlockNumber, count core.BlockCount, buf []byte) error {
	g.reads.Add(1)
	if g.readGate != nil {
		<-g.readGate
	}
	return g.MemoryLayer.ReadExtent(pbn, count, buf)
}

func (g *gatedLayer) WriteExtent(pbn core.PhysicalBlockNumber, count core.BlockCount, buf []byte) error {
	if g.writeGate != nil {
		<-g.writeGate
	}
	err := g.MemoryLayer.WriteExtent(pbn, count, buf)
	g.mu.Lock()
	g.writeOrder = append(g.writeOrder, pbn)
	g.mu.Unlock()
	return err
}

func (g *gatedLayer) writes() []core.PhysicalBlockNumber {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]core.PhysicalBlockNumber, len(g.writeOrder))
	copy(out, g.writeOrder)
	return out
}

type zoneFixture struct {
	d     *dispatch.Dispatcher
	layer *gatedLayer
	zone  *TreeZone
}

func newZoneFixture(t *testing.T) *zoneFixture {
	t.Helper()
	d := dispatch.NewDispatcher(1, nil)
	t.Cleanup(d.Stop)

	layer := &gatedLayer{MemoryLayer: physical.NewMemoryLayer(1024)}
	state := admin.NewState()
	state.SetCode(core.StateNormal)
	zone := NewTreeZone(TreeZoneOptions{
		Dispatcher:  d,
		Thread:      0,
		Layer:       layer,
		State:       state,
		Cache:       NewPageCache(16, nil),
		CarrierPool: 4,
	})
	return &zoneFixture{d: d, layer: layer, zone: zone}
}

// onZone runs fn on the zone thread and waits for it to return.
func (f *zoneFixture) onZone(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, f.d.Enqueue(0, func() {
		fn()
		close(done)
	}))
	<-done
}

type pageResult struct {
	page *TreePage
	err  error
}

// lookup issues a LookupPage from the zone thread and waits for its callback.
func (f *zoneFixture) lookup(t *testing.T, pbn core.PhysicalBlockNumber) pageResult {
	t.Helper()
	ch := make(chan pageResult, 1)
	f.onZone(t, func() {
		f.zone.LookupPage(pbn, func(p *TreePage, err error) {
			ch <- pageResult{page: p, err: err}
		})
	})
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for page lookup")
		return pageResult{}
	}
}

// loadDirtyPage loads pbn and marks it dirty in the current generation.
func (f *zoneFixture) loadDirtyPage(t *testing.T, pbn core.PhysicalBlockNumber) *TreePage {
	t.Helper()
	res := f.lookup(t, pbn)
	require.NoError(t, res.err)
	f.onZone(t, func() {
		f.zone.MarkDirty(res.page)
	})
	return res.page
}

// waitQuiet polls on the zone thread until cond reports true.
func (f *zoneFixture) waitQuiet(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		var ok bool
		f.onZone(t, func() { ok = cond() })
		return ok
	}, 5*time.Second, 2*time.Millisecond)
}

func TestLookupPageDeduplicatesConcurrentLoads(t *testing.T) {
	f := newZoneFixture(t)
	f.layer.readGate = make(chan struct{})

	results := make(chan pageResult, 3)
	f.onZone(t, func() {
		for i := 0; i < 3; i++ {
			f.zone.LookupPage(7, func(p *TreePage, err error) {
				results <- pageResult{page: p, err: err}
			})
		}
	})

	f.onZone(t, func() {
		assert.Equal(t, 3, f.zone.ActiveLookups())
	})

	close(f.layer.readGate)
	var first *TreePage
	for i := 0; i < 3; i++ {
		res := <-results
		require.NoError(t, res.err)
		if first == nil {
			first = res.page
		}
		assert.Same(t, first, res.page, "all waiters must receive the same page")
	}
	assert.Equal(t, int32(1), f.layer.reads.Load(), "one read serves all waiters")

	f.onZone(t, func() {
		assert.Equal(t, 0, f.zone.ActiveLookups())
	})

	// A later lookup is a cache hit and issues no read.
	res := f.lookup(t, 7)
	require.NoError(t, res.err)
	assert.Same(t, first, res.page)
	assert.Equal(t, int32(1), f.layer.reads.Load())
}

func TestLookupPageReportsReadFailure(t *testing.T) {
	f := newZoneFixture(t)
	injected := errors.New("bad sector")
	f.layer.MemoryLayer.FailPBN(9, injected)

	res := f.lookup(t, 9)
	require.Error(t, res.err)
	assert.ErrorIs(t, res.err, injected)
	assert.Nil(t, res.page)

	f.onZone(t, func() {
		assert.Equal(t, 0, f.zone.ActiveLookups())
	})
}

func TestMarkDirtyGenerationAccounting(t *testing.T) {
	f := newZoneFixture(t)
	page := f.loadDirtyPage(t, 3)

	f.onZone(t, func() {
		assert.Equal(t, uint32(1), f.zone.DirtyPageCount(0))
		assert.Equal(t, uint32(1), f.zone.TotalDirty())

		// Re-dirtying in the same generation is idempotent.
		f.zone.MarkDirty(page)
		assert.Equal(t, uint32(1), f.zone.DirtyPageCount(0))

		require.NoError(t, f.zone.AdvanceGeneration())
		assert.Equal(t, uint8(1), f.zone.Generation())

		// Dirtying again moves the page into the new generation.
		f.zone.MarkDirty(page)
		assert.Equal(t, uint32(0), f.zone.DirtyPageCount(0))
		assert.Equal(t, uint32(1), f.zone.DirtyPageCount(1))
		assert.Equal(t, uint32(1), f.zone.TotalDirty())
	})
}

func TestAdvanceGenerationRefusesWrapOntoDirtyPages(t *testing.T) {
	f := newZoneFixture(t)
	f.loadDirtyPage(t, 3)

	f.onZone(t, func() {
		for i := 0; i < 255; i++ {
			require.NoError(t, f.zone.AdvanceGeneration())
		}
		err := f.zone.AdvanceGeneration()
		require.Error(t, err)
		assert.ErrorIs(t, err, core.ErrOutOfResources)
		assert.Equal(t, uint8(255), f.zone.Generation())
	})
}

func TestRequestFlushElectsSingleFlusher(t *testing.T) {
	f := newZoneFixture(t)
	p1 := f.loadDirtyPage(t, 10)
	p2 := f.loadDirtyPage(t, 11)

	f.layer.writeGate = make(chan struct{})
	f.onZone(t, func() {
		f.zone.RequestFlush(p1)
		require.True(t, f.zone.FlushActive())

		// A second request while a flush is active queues, it does not start
		// another flush.
		f.zone.RequestFlush(p2)
		f.zone.RequestFlush(p2)
		assert.Len(t, f.zone.flushWaiters, 1)
	})

	close(f.layer.writeGate)
	f.waitQuiet(t, func() bool {
		return !f.zone.FlushActive() && f.zone.TotalDirty() == 0
	})
	assert.False(t, p1.IsDirty())
	assert.False(t, p2.IsDirty())
	assert.ElementsMatch(t,
		[]core.PhysicalBlockNumber{10, 11},
		f.layer.writes())
}

func TestFlushWritesOldestGenerationFirst(t *testing.T) {
	f := newZoneFixture(t)
	old := []*TreePage{
		f.loadDirtyPage(t, 20),
		f.loadDirtyPage(t, 21),
		f.loadDirtyPage(t, 22),
	}
	f.onZone(t, func() {
		require.NoError(t, f.zone.AdvanceGeneration())
	})
	young := []*TreePage{
		f.loadDirtyPage(t, 30),
		f.loadDirtyPage(t, 31),
	}

	f.onZone(t, func() {
		assert.Equal(t, uint32(3), f.zone.DirtyPageCount(0))
		assert.Equal(t, uint32(2), f.zone.DirtyPageCount(1))
		f.zone.RequestFlush(old[0])
		f.zone.RequestFlush(young[0])
	})

	f.waitQuiet(t, func() bool {
		return !f.zone.FlushActive() && f.zone.TotalDirty() == 0
	})

	writes := f.layer.writes()
	require.Len(t, writes, 5)
	assert.ElementsMatch(t, []core.PhysicalBlockNumber{20, 21, 22}, writes[:3],
		"the older generation must be fully written before the younger one")
	assert.ElementsMatch(t, []core.PhysicalBlockNumber{30, 31}, writes[3:])

	f.onZone(t, func() {
		assert.Equal(t, f.zone.Generation(), f.zone.OldestGeneration())
	})
}

func TestPageRedirtiedDuringWriteBackKeepsItsData(t *testing.T) {
	f := newZoneFixture(t)
	page := f.loadDirtyPage(t, 80)

	f.layer.writeGate = make(chan struct{})
	f.onZone(t, func() {
		f.zone.RequestFlush(page)
		require.True(t, f.zone.FlushActive())
	})

	// Modify the page while the stale pre-modification copy is still being
	// written. The modification lands in the sealed-off new generation.
	f.onZone(t, func() {
		page.SetEntry(0, core.BlockMapping{PBN: 999, State: core.MappingUncompressed})
		f.zone.MarkDirty(page)
		assert.NotEqual(t, f.zone.flushGeneration, page.Generation(),
			"flush start must have sealed the generation being written")
	})

	close(f.layer.writeGate)
	f.waitQuiet(t, func() bool { return !f.zone.FlushActive() })

	f.onZone(t, func() {
		assert.True(t, page.IsDirty(), "the modification must outlive the stale write")
		assert.Equal(t, uint32(1), f.zone.TotalDirty())
	})

	drained := make(chan error, 1)
	f.onZone(t, func() {
		f.zone.InitiateDrain(core.StateSaving,
			dispatch.NewCompletion(f.d, 0, func(err error) { drained <- err }))
	})
	require.NoError(t, <-drained)

	require.Len(t, f.layer.writes(), 2, "both the stale and the fresh copy are written")
	buf := make([]byte, core.BlockSize)
	require.NoError(t, f.layer.MemoryLayer.ReadMetadata(80, buf))
	assert.Equal(t, core.PhysicalBlockNumber(999), DecodeEntry(buf, 0).PBN)
}

func TestDrainWritesBackAllGenerationsInOrder(t *testing.T) {
	f := newZoneFixture(t)
	f.loadDirtyPage(t, 40)
	f.onZone(t, func() {
		require.NoError(t, f.zone.AdvanceGeneration())
	})
	f.loadDirtyPage(t, 41)

	drained := make(chan error, 1)
	f.onZone(t, func() {
		done := dispatch.NewCompletion(f.d, 0, func(err error) { drained <- err })
		f.zone.InitiateDrain(core.StateSaving, done)
	})

	select {
	case err := <-drained:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("drain never completed")
	}

	f.onZone(t, func() {
		assert.Equal(t, core.StateSaved, f.zone.State().Code())
		assert.Equal(t, uint32(0), f.zone.TotalDirty())
	})
	writes := f.layer.writes()
	require.Len(t, writes, 2)
	assert.Equal(t, core.PhysicalBlockNumber(40), writes[0])
	assert.Equal(t, core.PhysicalBlockNumber(41), writes[1])

	// Lookups are refused once quiescent.
	res := f.lookup(t, 5)
	require.Error(t, res.err)
	assert.ErrorIs(t, res.err, core.ErrInvalidState)
}

func TestDrainCompletesEveryWaiter(t *testing.T) {
	f := newZoneFixture(t)
	f.loadDirtyPage(t, 50)

	f.layer.writeGate = make(chan struct{})
	first := make(chan error, 1)
	second := make(chan error, 1)
	conflicting := make(chan error, 1)
	f.onZone(t, func() {
		f.zone.InitiateDrain(core.StateSaving,
			dispatch.NewCompletion(f.d, 0, func(err error) { first <- err }))
		// Same target while draining: joins the in-flight operation.
		f.zone.InitiateDrain(core.StateSaving,
			dispatch.NewCompletion(f.d, 0, func(err error) { second <- err }))
		// Conflicting target: refused without disturbing the drain.
		f.zone.InitiateDrain(core.StateRecovering,
			dispatch.NewCompletion(f.d, 0, func(err error) { conflicting <- err }))
	})

	require.ErrorIs(t, <-conflicting, core.ErrInvalidState)

	close(f.layer.writeGate)
	require.NoError(t, <-first)
	require.NoError(t, <-second)
	f.onZone(t, func() {
		assert.Equal(t, core.StateSaved, f.zone.State().Code())
	})
}

func TestDrainPropagatesWriteBackFailure(t *testing.T) {
	f := newZoneFixture(t)
	page := f.loadDirtyPage(t, 60)
	_ = page

	injected := errors.New("device gone")
	f.layer.MemoryLayer.FailPBN(60, injected)

	drained := make(chan error, 1)
	f.onZone(t, func() {
		f.zone.InitiateDrain(core.StateSuspending,
			dispatch.NewCompletion(f.d, 0, func(err error) { drained <- err }))
	})

	err := <-drained
	require.Error(t, err)
	assert.ErrorIs(t, err, injected)
	f.onZone(t, func() {
		assert.Equal(t, core.StateSuspended, f.zone.State().Code())
	})
}

func TestResumeReturnsZoneToNormal(t *testing.T) {
	f := newZoneFixture(t)

	drained := make(chan error, 1)
	f.onZone(t, func() {
		f.zone.InitiateDrain(core.StateSuspending,
			dispatch.NewCompletion(f.d, 0, func(err error) { drained <- err }))
	})
	require.NoError(t, <-drained)

	resumed := make(chan error, 1)
	f.onZone(t, func() {
		f.zone.Resume(dispatch.NewCompletion(f.d, 0, func(err error) { resumed <- err }))
	})
	require.NoError(t, <-resumed)

	res := f.lookup(t, 2)
	require.NoError(t, res.err)
	require.NotNil(t, res.page)
}

func TestWriteBackFailureEntersReadOnlyMode(t *testing.T) {
	d := dispatch.NewDispatcher(1, nil)
	t.Cleanup(d.Stop)

	layer := &gatedLayer{MemoryLayer: physical.NewMemoryLayer(1024)}
	notifier := admin.NewReadOnlyNotifier(d, 0, nil)
	state := admin.NewState()
	state.SetCode(core.StateNormal)
	zone := NewTreeZone(TreeZoneOptions{
		Dispatcher: d,
		Thread:     0,
		Layer:      layer,
		State:      state,
		Notifier:   notifier,
	})
	f := &zoneFixture{d: d, layer: layer, zone: zone}

	page := f.loadDirtyPage(t, 70)
	injected := errors.New("media error")
	layer.MemoryLayer.FailPBN(70, injected)

	f.onZone(t, func() {
		zone.RequestFlush(page)
	})

	require.Eventually(t, func() bool {
		return notifier.IsReadOnly()
	}, 5*time.Second, 2*time.Millisecond)
	assert.ErrorIs(t, notifier.ReadOnlyError(), injected)
}
