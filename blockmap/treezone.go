package blockmap

import (
	"fmt"
	"log/slog"

	"github.com/INLOpen/nexusvolume/admin"
	"github.com/INLOpen/nexusvolume/core"
	"github.com/INLOpen/nexusvolume/dispatch"
	"github.com/INLOpen/nexusvolume/physical"
)

// generationCount is the size of the write-back generation space. Generations
// wrap; the current generation may never advance onto a generation that still
// holds dirty pages.
const generationCount = 256

// PageCallback receives the result of a page lookup. It runs on the zone
// thread. The page stays resident at least until the callback returns.
type PageCallback func(page *TreePage, err error)

// TreeZone manages the mapping pages of one zone: their residency, dirtiness
// generations, deduplicated loads and write-back. Every method must be called
// on the zone's thread; state is single-owner and unlocked.
type TreeZone struct {
	d      *dispatch.Dispatcher
	thread core.ThreadID
	layer  physical.Layer
	logger *slog.Logger

	state    *admin.State
	cache    *PageCache
	pool     *carrierPool
	notifier *admin.ReadOnlyNotifier

	// Dirty pages bucketed by generation, plus per-generation counts. A page
	// appears in at most one bucket.
	dirtyPages [generationCount][]*TreePage
	dirtyCount [generationCount]uint32
	dirtyTotal uint32

	generation       uint8
	oldestGeneration uint8

	// In-flight loads keyed by page location. All lookups for a loading page
	// join its waiter list; exactly one read is issued.
	loading       map[core.PhysicalBlockNumber][]PageCallback
	activeLookups int

	// Write-back election. At most one flush runs at a time; the page that
	// won the election is the flusher, later requesters queue in FIFO order.
	flushActive     bool
	flusherPage     *TreePage
	flushWaiters    []*TreePage
	flushRemaining  int
	flushGeneration uint8
	flushErr        error

	// First write-back error observed while draining; delivered as the drain
	// result.
	drainErr error
}

// TreeZoneOptions configures a TreeZone.
type TreeZoneOptions struct {
	Dispatcher  *dispatch.Dispatcher
	Thread      core.ThreadID
	Layer       physical.Layer
	State       *admin.State
	Cache       *PageCache
	CarrierPool int
	Notifier    *admin.ReadOnlyNotifier
	Logger      *slog.Logger
}

// NewTreeZone creates a tree zone bound to its thread.
func NewTreeZone(opts TreeZoneOptions) *TreeZone {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poolSize := opts.CarrierPool
	if poolSize <= 0 {
		poolSize = 4
	}
	state := opts.State
	if state == nil {
		state = admin.NewState()
	}
	z := &TreeZone{
		d:       opts.Dispatcher,
		thread:  opts.Thread,
		layer:   opts.Layer,
		logger:  logger.With("component", "TreeZone"),
		state:    state,
		cache:    opts.Cache,
		pool:     newCarrierPool(opts.Layer, poolSize),
		notifier: opts.Notifier,
		loading:  make(map[core.PhysicalBlockNumber][]PageCallback),
	}
	if z.cache == nil {
		z.cache = NewPageCache(128, nil)
	}
	return z
}

// Thread returns the zone thread that owns this tree zone.
func (z *TreeZone) Thread() core.ThreadID {
	return z.thread
}

// LookupPage delivers the mapping page at pbn to cb. A resident page is
// delivered synchronously; a page already being loaded adds cb to the load's
// waiter list; otherwise a single read is issued through the carrier pool.
// Lookups are refused while the zone is draining or quiescent.
func (z *TreeZone) LookupPage(pbn core.PhysicalBlockNumber, cb PageCallback) {
	if !z.state.IsNormal() {
		cb(nil, fmt.Errorf("page lookup refused in state %s: %w", z.state.Code(), core.ErrInvalidState))
		return
	}

	if page, ok := z.cache.Get(pbn); ok {
		cb(page, nil)
		return
	}

	if waiters, ok := z.loading[pbn]; ok {
		z.loading[pbn] = append(waiters, cb)
		z.activeLookups++
		return
	}

	z.loading[pbn] = []PageCallback{cb}
	z.activeLookups++
	z.pool.acquire(func(c *carrier) {
		go func() {
			err := z.layer.ReadExtent(pbn, 1, c.buf)
			enqErr := z.d.Enqueue(z.thread, func() {
				z.finishLoad(pbn, c, err)
			})
			if enqErr != nil {
				z.logger.Error("dropping page load completion", "pbn", pbn, "error", enqErr)
			}
		}()
	})
}

// finishLoad installs the loaded page and settles every waiter. Runs on the
// zone thread.
func (z *TreeZone) finishLoad(pbn core.PhysicalBlockNumber, c *carrier, err error) {
	var page *TreePage
	if err == nil {
		page = &TreePage{pbn: pbn, buf: make([]byte, len(c.buf))}
		copy(page.buf, c.buf)
		z.cache.Put(pbn, page)
	}
	z.pool.release(c)

	waiters := z.loading[pbn]
	delete(z.loading, pbn)
	for _, w := range waiters {
		z.activeLookups--
		w(page, err)
	}
	z.checkDrainComplete()
}

// MarkDirty records that page was modified in the current generation. A page
// already dirty in an older generation moves to the current one.
func (z *TreeZone) MarkDirty(page *TreePage) {
	if page.dirty {
		if page.generation == z.generation {
			return
		}
		z.removeDirty(page)
	}
	page.dirty = true
	page.generation = z.generation
	z.dirtyPages[z.generation] = append(z.dirtyPages[z.generation], page)
	z.dirtyCount[z.generation]++
	z.dirtyTotal++
}

// removeDirty takes page out of its generation bucket and adjusts counts.
func (z *TreeZone) removeDirty(page *TreePage) {
	gen := page.generation
	bucket := z.dirtyPages[gen]
	for i, p := range bucket {
		if p == page {
			z.dirtyPages[gen] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	z.dirtyCount[gen]--
	z.dirtyTotal--
	page.dirty = false
}

// RequestFlush asks for the zone's oldest dirty generation to be written
// back. If no flush is active the requesting page is elected flusher and
// write-back begins; otherwise the page queues behind the active flush and is
// considered when it completes.
func (z *TreeZone) RequestFlush(page *TreePage) {
	if z.flushActive {
		if page == z.flusherPage || page.flushQueued {
			return
		}
		page.flushQueued = true
		z.flushWaiters = append(z.flushWaiters, page)
		return
	}
	z.flushActive = true
	z.flusherPage = page
	z.startFlush()
}

// startFlush writes back every page dirty in the oldest non-empty
// generation. flushActive must already be set.
func (z *TreeZone) startFlush() {
	z.retireGenerations()
	if z.dirtyTotal == 0 {
		z.finishFlush()
		return
	}

	gen := z.oldestGeneration
	for z.dirtyCount[gen] == 0 {
		gen++
	}
	if gen == z.generation {
		// Seal the generation being written: a page re-dirtied while its
		// write is in flight lands in the new generation and stays dirty
		// through the completion check.
		z.sealGeneration()
	}
	pages := make([]*TreePage, len(z.dirtyPages[gen]))
	copy(pages, z.dirtyPages[gen])

	z.flushGeneration = gen
	z.flushRemaining = len(pages)
	z.flushErr = nil
	for _, p := range pages {
		z.writePage(p)
	}
}

// writePage stages a page's contents into a carrier and writes it out in the
// background, finishing back on the zone thread.
func (z *TreeZone) writePage(page *TreePage) {
	page.writing = true
	z.pool.acquire(func(c *carrier) {
		copy(c.buf, page.buf)
		go func() {
			err := z.layer.WriteExtent(page.pbn, 1, c.buf)
			enqErr := z.d.Enqueue(z.thread, func() {
				z.finishPageWrite(page, c, err)
			})
			if enqErr != nil {
				z.logger.Error("dropping page write completion", "pbn", page.pbn, "error", enqErr)
			}
		}()
	})
}

// finishPageWrite settles one page of the active flush. Runs on the zone
// thread.
func (z *TreeZone) finishPageWrite(page *TreePage, c *carrier, err error) {
	page.writing = false
	z.pool.release(c)

	if err != nil {
		if z.flushErr == nil {
			z.flushErr = err
		}
		z.logger.Error("page write-back failed", "pbn", page.pbn, "error", err)
	} else if page.dirty && page.generation == z.flushGeneration {
		// A concurrent MarkDirty into a newer generation keeps the page
		// dirty; only clean it if it still belongs to the flushed one.
		z.removeDirty(page)
	}

	z.flushRemaining--
	if z.flushRemaining == 0 {
		z.finishFlush()
	}
}

// finishFlush retires the active flush, records any error, and elects the
// next queued flusher if pages are waiting.
func (z *TreeZone) finishFlush() {
	z.retireGenerations()
	if z.flushErr != nil {
		if z.state.IsDraining() {
			if z.drainErr == nil {
				z.drainErr = z.flushErr
			}
		} else if z.notifier != nil {
			z.notifier.EnterReadOnlyMode(z.flushErr)
		}
	}
	z.flushActive = false
	z.flusherPage = nil

	// Drop queued waiters that were written clean by the flush that just
	// finished; elect the first that still needs one.
	for len(z.flushWaiters) > 0 {
		next := z.flushWaiters[0]
		z.flushWaiters = z.flushWaiters[1:]
		next.flushQueued = false
		if next.dirty {
			z.flushActive = true
			z.flusherPage = next
			z.startFlush()
			return
		}
	}
	z.checkDrainComplete()
}

// sealGeneration opens a new generation ahead of write-back of the current
// one. When the generation space has wrapped fully the write-back proceeds
// unsealed; flushing is what relieves the wrap.
func (z *TreeZone) sealGeneration() {
	z.retireGenerations()
	next := z.generation + 1
	if next == z.oldestGeneration && z.dirtyTotal > 0 {
		z.logger.Warn("generation space exhausted", "dirty", z.dirtyTotal)
		return
	}
	z.generation = next
}

// retireGenerations advances the oldest generation past buckets that have
// drained empty, never past the current generation.
func (z *TreeZone) retireGenerations() {
	for z.oldestGeneration != z.generation && z.dirtyCount[z.oldestGeneration] == 0 {
		z.oldestGeneration++
	}
}

// AdvanceGeneration opens a new dirtiness generation. It is refused while a
// flush is active, and refused when the generation space would wrap onto a
// generation still holding dirty pages.
func (z *TreeZone) AdvanceGeneration() error {
	if z.flushActive {
		return fmt.Errorf("cannot advance generation during write-back: %w", core.ErrInvalidState)
	}
	z.retireGenerations()
	next := z.generation + 1
	if next == z.oldestGeneration && z.dirtyTotal > 0 {
		return fmt.Errorf("generation space wrapped onto %d unwritten pages: %w", z.dirtyTotal, core.ErrOutOfResources)
	}
	z.generation = next
	return nil
}

// EraAdvanced reacts to the volume-wide era moving forward: the zone seals
// the current generation and starts writing back its oldest dirty pages,
// unless a flush is already running.
func (z *TreeZone) EraAdvanced() {
	if z.flushActive || z.dirtyTotal == 0 {
		return
	}
	if err := z.AdvanceGeneration(); err != nil {
		z.logger.Warn("holding era write-back", "error", err)
	}
	z.flushActive = true
	z.startFlush()
}

// InitiateDrain begins draining the zone toward target. Page lookups are
// refused from this point; the drain completes once in-flight lookups settle,
// any elected flush runs to completion, and every remaining dirty generation
// has been written back in order. done is finished with the first write-back
// error, if any.
func (z *TreeZone) InitiateDrain(target core.AdminStateCode, done *dispatch.Completion) {
	if !z.state.StartDraining(target, done) {
		return
	}
	z.drainErr = nil
	z.checkDrainComplete()
}

// Resume returns a quiescent zone to normal operation.
func (z *TreeZone) Resume(done *dispatch.Completion) {
	if !z.state.Code().IsQuiescent() {
		done.Finish(fmt.Errorf("resume from state %s: %w", z.state.Code(), core.ErrInvalidState))
		return
	}
	z.state.SetCode(core.StateNormal)
	done.Finish(nil)
}

// checkDrainComplete makes drain progress: once lookups are quiet it drives
// write-back until no dirty page remains, then settles the drain.
func (z *TreeZone) checkDrainComplete() {
	if !z.state.IsDraining() {
		return
	}
	if z.activeLookups > 0 || z.flushActive || z.pool.busyCount() > 0 {
		return
	}
	if z.drainErr != nil {
		// Write-back already failed; do not retry the remaining pages,
		// surface the failure as the drain result.
		z.state.FinishOperation(z.drainErr)
		return
	}
	if z.dirtyTotal > 0 {
		z.flushActive = true
		z.startFlush()
		return
	}
	z.state.FinishOperation(z.drainErr)
}

// DirtyPageCount reports dirty pages in one generation. Test and stats hook.
func (z *TreeZone) DirtyPageCount(generation uint8) uint32 {
	return z.dirtyCount[generation]
}

// TotalDirty reports dirty pages across all generations.
func (z *TreeZone) TotalDirty() uint32 {
	return z.dirtyTotal
}

// ActiveLookups reports lookups waiting on page loads.
func (z *TreeZone) ActiveLookups() int {
	return z.activeLookups
}

// Generation returns the current dirtiness generation.
func (z *TreeZone) Generation() uint8 {
	return z.generation
}

// OldestGeneration returns the oldest generation still holding dirty pages.
func (z *TreeZone) OldestGeneration() uint8 {
	return z.oldestGeneration
}

// FlushActive reports whether a write-back election is running.
func (z *TreeZone) FlushActive() bool {
	return z.flushActive
}

// State exposes the zone's admin state.
func (z *TreeZone) State() *admin.State {
	return z.state
}
