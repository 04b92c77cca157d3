// Package depot tracks physical block allocation. The data region is split
// into slab zones, each owned by a zone thread and tracking its allocations
// in a compressed bitmap. Saving a zone persists its bitmap to a summary
// block through the physical layer.
package depot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/INLOpen/nexusvolume/admin"
	"github.com/INLOpen/nexusvolume/core"
	"github.com/INLOpen/nexusvolume/dispatch"
	"github.com/INLOpen/nexusvolume/physical"
)

// summaryHeaderSize holds the serialized bitmap length.
const summaryHeaderSize = 8

// Zone is one slab zone. All methods run on the zone's thread.
type Zone struct {
	zoneNumber core.ZoneCount
	thread     core.ThreadID
	d          *dispatch.Dispatcher
	layer      physical.Layer
	notifier   *admin.ReadOnlyNotifier
	logger     *slog.Logger
	state      *admin.State

	// base..base+blocks is the physical range this zone allocates from;
	// summaryPBN is where its bitmap is persisted.
	base       core.PhysicalBlockNumber
	blocks     core.BlockCount
	summaryPBN core.PhysicalBlockNumber

	allocated *roaring64.Bitmap
	// refs holds reference counts above one, keyed by offset. A block absent
	// from refs but present in allocated has exactly one reference.
	refs   map[uint64]uint32
	cursor uint64 // next-fit scan hint, relative to base

	busy int // summary writes in flight
}

// ZoneNumber returns the zone's index within the depot.
func (z *Zone) ZoneNumber() core.ZoneCount {
	return z.zoneNumber
}

// Thread returns the zone's owning thread.
func (z *Zone) Thread() core.ThreadID {
	return z.thread
}

// State exposes the zone's admin state.
func (z *Zone) State() *admin.State {
	return z.state
}

// Allocate returns a free physical block from this zone, or ErrNoSpace when
// the zone is full. Allocation is refused while draining.
func (z *Zone) Allocate() (core.PhysicalBlockNumber, error) {
	if !z.state.IsNormal() {
		return 0, fmt.Errorf("allocation in state %s: %w", z.state.Code(), core.ErrInvalidState)
	}
	total := uint64(z.blocks)
	for scanned := uint64(0); scanned < total; scanned++ {
		candidate := (z.cursor + scanned) % total
		if !z.allocated.Contains(candidate) {
			z.allocated.Add(candidate)
			z.cursor = candidate + 1
			return z.base + core.PhysicalBlockNumber(candidate), nil
		}
	}
	return 0, fmt.Errorf("slab zone %d full (%d blocks): %w", z.zoneNumber, z.blocks, core.ErrNoSpace)
}

// Reference adds one reference to an already-allocated block, as when a
// logical block deduplicates against it.
func (z *Zone) Reference(pbn core.PhysicalBlockNumber) error {
	if pbn < z.base || pbn >= z.base+core.PhysicalBlockNumber(z.blocks) {
		return fmt.Errorf("pbn %d outside slab zone %d: %w", pbn, z.zoneNumber, core.ErrInvalidState)
	}
	offset := uint64(pbn - z.base)
	if !z.allocated.Contains(offset) {
		return fmt.Errorf("pbn %d is not allocated: %w", pbn, core.ErrInvalidState)
	}
	if count, ok := z.refs[offset]; ok {
		z.refs[offset] = count + 1
	} else {
		z.refs[offset] = 2
	}
	return nil
}

// Release drops one reference from a block, freeing it when the last
// reference goes.
func (z *Zone) Release(pbn core.PhysicalBlockNumber) error {
	if pbn < z.base || pbn >= z.base+core.PhysicalBlockNumber(z.blocks) {
		return fmt.Errorf("pbn %d outside slab zone %d: %w", pbn, z.zoneNumber, core.ErrInvalidState)
	}
	offset := uint64(pbn - z.base)
	if !z.allocated.Contains(offset) {
		return fmt.Errorf("pbn %d is not allocated: %w", pbn, core.ErrInvalidState)
	}
	if count, ok := z.refs[offset]; ok {
		if count > 2 {
			z.refs[offset] = count - 1
		} else {
			delete(z.refs, offset)
		}
		return nil
	}
	z.allocated.Remove(offset)
	return nil
}

// Restore marks pbn allocated while rebuilding reference counts from the
// block map. Seeing the same block again records it as shared.
func (z *Zone) Restore(pbn core.PhysicalBlockNumber) error {
	if pbn < z.base || pbn >= z.base+core.PhysicalBlockNumber(z.blocks) {
		return fmt.Errorf("pbn %d outside slab zone %d: %w", pbn, z.zoneNumber, core.ErrInvalidState)
	}
	offset := uint64(pbn - z.base)
	if !z.allocated.Contains(offset) {
		z.allocated.Add(offset)
		return nil
	}
	return z.Reference(pbn)
}

// Reset empties the zone so a rebuild can reconstruct it.
func (z *Zone) Reset() {
	z.allocated = roaring64.New()
	z.refs = make(map[uint64]uint32)
	z.cursor = 0
}

// IsAllocated reports whether pbn is currently allocated in this zone.
func (z *Zone) IsAllocated(pbn core.PhysicalBlockNumber) bool {
	if pbn < z.base || pbn >= z.base+core.PhysicalBlockNumber(z.blocks) {
		return false
	}
	return z.allocated.Contains(uint64(pbn - z.base))
}

// AllocatedCount returns the number of allocated blocks.
func (z *Zone) AllocatedCount() uint64 {
	return z.allocated.GetCardinality()
}

// FreeCount returns the number of free blocks.
func (z *Zone) FreeCount() uint64 {
	return uint64(z.blocks) - z.allocated.GetCardinality()
}

// InitiateDrain stops allocation and, when saving, persists the zone's
// bitmap to its summary block before finishing done.
func (z *Zone) InitiateDrain(target core.AdminStateCode, done *dispatch.Completion) {
	if !z.state.StartDraining(target, done) {
		return
	}
	if target != core.StateSaving {
		z.state.FinishOperation(nil)
		return
	}
	z.writeSummary()
}

// Resume returns a quiescent zone to normal operation.
func (z *Zone) Resume(done *dispatch.Completion) {
	if !z.state.Code().IsQuiescent() {
		done.Finish(fmt.Errorf("slab zone resume from state %s: %w", z.state.Code(), core.ErrInvalidState))
		return
	}
	z.state.SetCode(core.StateNormal)
	done.Finish(nil)
}

// writeSummary serializes the allocation bitmap into the summary block and
// writes it in the background, finishing the drain when it settles.
func (z *Zone) writeSummary() {
	var serialized bytes.Buffer
	if _, err := z.allocated.WriteTo(&serialized); err != nil {
		z.state.FinishOperation(fmt.Errorf("serializing slab zone %d bitmap: %w", z.zoneNumber, err))
		return
	}
	refsSize := 8 + len(z.refs)*12
	buf := z.layer.AllocateBuffer("slab summary")
	if summaryHeaderSize+serialized.Len()+refsSize > len(buf) {
		z.state.FinishOperation(fmt.Errorf("slab zone %d bitmap (%d bytes) exceeds the summary block: %w",
			z.zoneNumber, serialized.Len(), core.ErrOutOfResources))
		return
	}
	binary.LittleEndian.PutUint64(buf[0:summaryHeaderSize], uint64(serialized.Len()))
	copy(buf[summaryHeaderSize:], serialized.Bytes())

	off := summaryHeaderSize + serialized.Len()
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(len(z.refs)))
	off += 8
	for offset, count := range z.refs {
		binary.LittleEndian.PutUint64(buf[off:off+8], offset)
		binary.LittleEndian.PutUint32(buf[off+8:off+12], count)
		off += 12
	}

	z.busy++
	go func() {
		err := z.layer.WriteMetadata(z.summaryPBN, buf)
		if enqErr := z.d.Enqueue(z.thread, func() {
			z.busy--
			if err != nil {
				z.logger.Error("slab summary write failed", "error", err)
			}
			z.state.FinishOperation(err)
		}); enqErr != nil {
			z.logger.Error("dropping slab summary completion", "error", enqErr)
		}
	}()
}

// load reads the zone's summary block and restores its bitmap. A summary that
// was never written leaves the zone empty.
func (z *Zone) load() error {
	buf := z.layer.AllocateBuffer("slab summary")
	if err := z.layer.ReadMetadata(z.summaryPBN, buf); err != nil {
		return err
	}
	length := binary.LittleEndian.Uint64(buf[0:summaryHeaderSize])
	if length == 0 {
		z.allocated = roaring64.New()
		z.refs = make(map[uint64]uint32)
		return nil
	}
	if summaryHeaderSize+length+8 > uint64(len(buf)) {
		return fmt.Errorf("slab zone %d summary claims %d bytes: %w", z.zoneNumber, length, core.ErrInvalidState)
	}
	bm := roaring64.New()
	if _, err := bm.ReadFrom(bytes.NewReader(buf[summaryHeaderSize : summaryHeaderSize+length])); err != nil {
		return fmt.Errorf("decoding slab zone %d bitmap: %w", z.zoneNumber, err)
	}
	z.allocated = bm

	off := summaryHeaderSize + int(length)
	refCount := binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	if off+int(refCount)*12 > len(buf) {
		return fmt.Errorf("slab zone %d summary claims %d shared blocks: %w", z.zoneNumber, refCount, core.ErrInvalidState)
	}
	refs := make(map[uint64]uint32, refCount)
	for i := uint64(0); i < refCount; i++ {
		offset := binary.LittleEndian.Uint64(buf[off : off+8])
		refs[offset] = binary.LittleEndian.Uint32(buf[off+8 : off+12])
		off += 12
	}
	z.refs = refs
	return nil
}

// Options configures a Depot.
type Options struct {
	Dispatcher *dispatch.Dispatcher
	Layer      physical.Layer
	Notifier   *admin.ReadOnlyNotifier
	Logger     *slog.Logger

	// DataOrigin..DataOrigin+DataBlocks is the allocatable region, split
	// evenly across zones. SummaryOrigin begins one summary block per zone.
	DataOrigin    core.PhysicalBlockNumber
	DataBlocks    core.BlockCount
	SummaryOrigin core.PhysicalBlockNumber

	// ZoneThreads assigns one thread per slab zone.
	ZoneThreads []core.ThreadID
}

// Depot is the set of slab zones. Admin operations fan out to every zone.
type Depot struct {
	d      *dispatch.Dispatcher
	logger *slog.Logger
	zones  []*Zone
}

// New creates the depot and its zones.
func New(opts Options) (*Depot, error) {
	if opts.Dispatcher == nil || opts.Layer == nil {
		return nil, fmt.Errorf("depot requires a dispatcher and a physical layer: %w", core.ErrInvalidState)
	}
	zoneCount := len(opts.ZoneThreads)
	if zoneCount == 0 {
		return nil, fmt.Errorf("depot requires at least one zone thread: %w", core.ErrInvalidState)
	}
	if opts.DataBlocks < core.BlockCount(zoneCount) {
		return nil, fmt.Errorf("data region of %d blocks cannot back %d zones: %w",
			opts.DataBlocks, zoneCount, core.ErrInvalidState)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "SlabDepot")

	perZone := uint64(opts.DataBlocks) / uint64(zoneCount)
	depot := &Depot{
		d:      opts.Dispatcher,
		logger: logger,
		zones:  make([]*Zone, zoneCount),
	}
	for i := 0; i < zoneCount; i++ {
		state := admin.NewState()
		state.SetCode(core.StateNormal)
		blocks := perZone
		if i == zoneCount-1 {
			blocks = uint64(opts.DataBlocks) - perZone*uint64(zoneCount-1)
		}
		depot.zones[i] = &Zone{
			zoneNumber: core.ZoneCount(i),
			thread:     opts.ZoneThreads[i],
			d:          opts.Dispatcher,
			layer:      opts.Layer,
			notifier:   opts.Notifier,
			logger:     logger.With("zone", i),
			state:      state,
			base:       opts.DataOrigin + core.PhysicalBlockNumber(perZone*uint64(i)),
			blocks:     core.BlockCount(blocks),
			summaryPBN: opts.SummaryOrigin + core.PhysicalBlockNumber(i),
			allocated:  roaring64.New(),
			refs:       make(map[uint64]uint32),
		}
	}
	return depot, nil
}

// ZoneCount returns the number of slab zones.
func (dp *Depot) ZoneCount() core.ZoneCount {
	return core.ZoneCount(len(dp.zones))
}

// Zone returns the zone at index i.
func (dp *Depot) Zone(i core.ZoneCount) *Zone {
	return dp.zones[i]
}

// ZoneForPBN returns the zone whose range contains pbn, or nil.
func (dp *Depot) ZoneForPBN(pbn core.PhysicalBlockNumber) *Zone {
	for _, z := range dp.zones {
		if pbn >= z.base && pbn < z.base+core.PhysicalBlockNumber(z.blocks) {
			return z
		}
	}
	return nil
}

// Allocate asks the preferred zone for a block, falling back to the other
// zones in order; cb runs on the thread of the zone that answered. Only when
// every zone is full does cb receive ErrNoSpace.
func (dp *Depot) Allocate(preferred core.ZoneCount, cb func(pbn core.PhysicalBlockNumber, err error)) {
	dp.allocateFrom(int(preferred), 0, cb)
}

func (dp *Depot) allocateFrom(preferred, attempt int, cb func(core.PhysicalBlockNumber, error)) {
	if attempt >= len(dp.zones) {
		cb(0, fmt.Errorf("all %d slab zones full: %w", len(dp.zones), core.ErrNoSpace))
		return
	}
	zone := dp.zones[(preferred+attempt)%len(dp.zones)]
	if err := dp.d.Enqueue(zone.thread, func() {
		pbn, err := zone.Allocate()
		if err == nil {
			cb(pbn, nil)
			return
		}
		dp.allocateFrom(preferred, attempt+1, cb)
	}); err != nil {
		cb(0, err)
	}
}

// Reference adds a reference to pbn on its owning zone's thread; cb runs
// there.
func (dp *Depot) Reference(pbn core.PhysicalBlockNumber, cb func(err error)) {
	zone := dp.ZoneForPBN(pbn)
	if zone == nil {
		cb(fmt.Errorf("pbn %d outside the data region: %w", pbn, core.ErrInvalidState))
		return
	}
	if err := dp.d.Enqueue(zone.thread, func() {
		cb(zone.Reference(pbn))
	}); err != nil {
		cb(err)
	}
}

// Release frees pbn on its owning zone's thread; cb runs there.
func (dp *Depot) Release(pbn core.PhysicalBlockNumber, cb func(err error)) {
	zone := dp.ZoneForPBN(pbn)
	if zone == nil {
		cb(fmt.Errorf("pbn %d outside the data region: %w", pbn, core.ErrInvalidState))
		return
	}
	if err := dp.d.Enqueue(zone.thread, func() {
		cb(zone.Release(pbn))
	}); err != nil {
		cb(err)
	}
}

// Restore marks pbn allocated on its owning zone's thread; cb runs there.
// Used while rebuilding the depot from surviving block map entries.
func (dp *Depot) Restore(pbn core.PhysicalBlockNumber, cb func(err error)) {
	zone := dp.ZoneForPBN(pbn)
	if zone == nil {
		cb(fmt.Errorf("pbn %d outside the data region: %w", pbn, core.ErrInvalidState))
		return
	}
	if err := dp.d.Enqueue(zone.thread, func() {
		cb(zone.Restore(pbn))
	}); err != nil {
		cb(err)
	}
}

// ResetZones empties every zone ahead of a rebuild.
func (dp *Depot) ResetZones(done *dispatch.Completion) {
	g := dispatch.NewGather(done)
	for _, zone := range dp.zones {
		z := zone
		sub := g.Sub()
		if err := dp.d.Enqueue(z.thread, func() {
			z.Reset()
			sub.Finish(nil)
		}); err != nil {
			sub.Finish(err)
		}
	}
	g.Launch()
}

// AllocatedCount sums allocations across zones. Callers must be quiesced or
// tolerate a racy read.
func (dp *Depot) AllocatedCount() uint64 {
	var total uint64
	for _, z := range dp.zones {
		total += z.allocated.GetCardinality()
	}
	return total
}

// DrainZones drains every slab zone toward target.
func (dp *Depot) DrainZones(target core.AdminStateCode, done *dispatch.Completion) {
	g := dispatch.NewGather(done)
	for _, zone := range dp.zones {
		z := zone
		sub := g.Sub()
		if err := dp.d.Enqueue(z.thread, func() {
			z.InitiateDrain(target, sub)
		}); err != nil {
			sub.Finish(err)
		}
	}
	g.Launch()
}

// ResumeZones resumes every slab zone.
func (dp *Depot) ResumeZones(done *dispatch.Completion) {
	g := dispatch.NewGather(done)
	for _, zone := range dp.zones {
		z := zone
		sub := g.Sub()
		if err := dp.d.Enqueue(z.thread, func() {
			z.Resume(sub)
		}); err != nil {
			sub.Finish(err)
		}
	}
	g.Launch()
}

// LoadZones restores every zone's bitmap from its summary block.
func (dp *Depot) LoadZones(done *dispatch.Completion) {
	g := dispatch.NewGather(done)
	for _, zone := range dp.zones {
		z := zone
		sub := g.Sub()
		if err := dp.d.Enqueue(z.thread, func() {
			sub.Finish(z.load())
		}); err != nil {
			sub.Finish(err)
		}
	}
	g.Launch()
}
