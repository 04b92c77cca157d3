package blockmap

import (
	"expvar"
	"fmt"
	"log/slog"

	"github.com/INLOpen/nexusvolume/admin"
	"github.com/INLOpen/nexusvolume/core"
	"github.com/INLOpen/nexusvolume/dispatch"
	"github.com/INLOpen/nexusvolume/physical"
)

// metricInt returns the published expvar counter with the given name,
// publishing it on first use. Counters survive block map recreation.
func metricInt(name string) *expvar.Int {
	if v, ok := expvar.Get(name).(*expvar.Int); ok {
		return v
	}
	return expvar.NewInt(name)
}

// MappingCallback receives the result of a mapping read.
type MappingCallback func(mapping core.BlockMapping, err error)

// Zone serves the mapping pages assigned to one zone thread. It pairs a page
// cache with a tree zone and exposes entry-level reads and writes.
type Zone struct {
	zoneNumber core.ZoneCount
	thread     core.ThreadID
	blockMap   *BlockMap
	state      *admin.State
	cache      *PageCache
	tree       *TreeZone
	logger     *slog.Logger
}

// ZoneNumber returns the zone's index within the block map.
func (z *Zone) ZoneNumber() core.ZoneCount {
	return z.zoneNumber
}

// Thread returns the thread that owns this zone.
func (z *Zone) Thread() core.ThreadID {
	return z.thread
}

// Tree exposes the zone's tree zone.
func (z *Zone) Tree() *TreeZone {
	return z.tree
}

// GetMapping looks up the mapping for lbn. Must run on the zone thread; the
// callback also runs there.
func (z *Zone) GetMapping(lbn core.LogicalBlockNumber, cb MappingCallback) {
	pbn := z.blockMap.pageLocation(PageNumber(lbn))
	z.tree.LookupPage(pbn, func(page *TreePage, err error) {
		if err != nil {
			cb(core.BlockMapping{}, err)
			return
		}
		m := page.Entry(SlotNumber(lbn))
		m.LBN = lbn
		cb(m, nil)
	})
}

// PutMapping stores a mapping for lbn and marks its page dirty in the
// current generation. Must run on the zone thread.
func (z *Zone) PutMapping(m core.BlockMapping, cb func(err error)) {
	pbn := z.blockMap.pageLocation(PageNumber(m.LBN))
	z.tree.LookupPage(pbn, func(page *TreePage, err error) {
		if err != nil {
			cb(err)
			return
		}
		page.SetEntry(SlotNumber(m.LBN), m)
		z.tree.MarkDirty(page)
		cb(nil)
	})
}

// InitiateDrain drains the zone toward target.
func (z *Zone) InitiateDrain(target core.AdminStateCode, done *dispatch.Completion) {
	z.tree.InitiateDrain(target, done)
}

// Resume returns the zone to normal operation.
func (z *Zone) Resume(done *dispatch.Completion) {
	z.tree.Resume(done)
}

// BlockMapOptions configures a BlockMap.
type BlockMapOptions struct {
	Dispatcher *dispatch.Dispatcher
	Layer      physical.Layer
	Notifier   *admin.ReadOnlyNotifier
	Logger     *slog.Logger

	// Origin is the first physical block of the mapping pages.
	Origin core.PhysicalBlockNumber
	// PageCount is the number of mapping pages the volume holds.
	PageCount core.PageCount

	// ZoneThreads assigns one thread per zone; its length is the zone count.
	ZoneThreads []core.ThreadID

	// CacheSize is the per-zone page cache capacity.
	CacheSize int
	// CarrierPool is the per-zone bound on concurrent page I/O.
	CarrierPool int
}

// BlockMap is the volume's logical-to-physical mapping, striped across zones
// by page number. Entry operations are dispatched to the owning zone's
// thread; admin operations fan out to every zone and aggregate their results.
type BlockMap struct {
	d      *dispatch.Dispatcher
	layer  physical.Layer
	logger *slog.Logger

	origin    core.PhysicalBlockNumber
	pageCount core.PageCount
	zones     []*Zone

	currentEra core.SequenceNumber
}

// NewBlockMap creates the block map and its zones.
func NewBlockMap(opts BlockMapOptions) (*BlockMap, error) {
	if opts.Dispatcher == nil || opts.Layer == nil {
		return nil, fmt.Errorf("block map requires a dispatcher and a physical layer: %w", core.ErrInvalidState)
	}
	if len(opts.ZoneThreads) == 0 {
		return nil, fmt.Errorf("block map requires at least one zone thread: %w", core.ErrInvalidState)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "BlockMap")

	cacheSize := opts.CacheSize
	if cacheSize <= 0 {
		cacheSize = 128
	}

	m := &BlockMap{
		d:         opts.Dispatcher,
		layer:     opts.Layer,
		logger:    logger,
		origin:    opts.Origin,
		pageCount: opts.PageCount,
		zones:     make([]*Zone, len(opts.ZoneThreads)),
	}
	for i, thread := range opts.ZoneThreads {
		zone := &Zone{
			zoneNumber: core.ZoneCount(i),
			thread:     thread,
			blockMap:   m,
			state:      admin.NewState(),
			logger:     logger.With("zone", i),
		}
		zone.state.SetCode(core.StateNormal)
		zone.cache = NewPageCache(cacheSize, nil)
		zone.cache.SetMetrics(
			metricInt(fmt.Sprintf("blockmap.zone%d.cache_hits", i)),
			metricInt(fmt.Sprintf("blockmap.zone%d.cache_misses", i)),
			metricInt(fmt.Sprintf("blockmap.zone%d.cache_pressure", i)),
		)
		zone.tree = NewTreeZone(TreeZoneOptions{
			Dispatcher:  opts.Dispatcher,
			Thread:      thread,
			Layer:       opts.Layer,
			State:       zone.state,
			Cache:       zone.cache,
			CarrierPool: opts.CarrierPool,
			Notifier:    opts.Notifier,
			Logger:      zone.logger,
		})
		m.zones[i] = zone
	}
	return m, nil
}

// ZoneCount returns the number of zones.
func (m *BlockMap) ZoneCount() core.ZoneCount {
	return core.ZoneCount(len(m.zones))
}

// Zone returns the zone at index i.
func (m *BlockMap) Zone(i core.ZoneCount) *Zone {
	return m.zones[i]
}

// ZoneForLBN returns the zone owning the mapping page of lbn.
func (m *BlockMap) ZoneForLBN(lbn core.LogicalBlockNumber) *Zone {
	return m.zones[int(PageNumber(lbn))%len(m.zones)]
}

// pageLocation maps a page number to its physical block.
func (m *BlockMap) pageLocation(page core.PageCount) core.PhysicalBlockNumber {
	return m.origin + core.PhysicalBlockNumber(page)
}

// GetMapping resolves lbn from any thread, dispatching to the owning zone.
// The callback runs on the zone's thread.
func (m *BlockMap) GetMapping(lbn core.LogicalBlockNumber, cb MappingCallback) {
	if PageNumber(lbn) >= m.pageCount {
		cb(core.BlockMapping{}, fmt.Errorf("lbn %d beyond mapped space: %w", lbn, core.ErrInvalidState))
		return
	}
	zone := m.ZoneForLBN(lbn)
	if err := m.d.Enqueue(zone.thread, func() {
		zone.GetMapping(lbn, cb)
	}); err != nil {
		cb(core.BlockMapping{}, err)
	}
}

// PutMapping stores a mapping from any thread, dispatching to the owning
// zone. The callback runs on the zone's thread.
func (m *BlockMap) PutMapping(mapping core.BlockMapping, cb func(err error)) {
	if PageNumber(mapping.LBN) >= m.pageCount {
		cb(fmt.Errorf("lbn %d beyond mapped space: %w", mapping.LBN, core.ErrInvalidState))
		return
	}
	zone := m.ZoneForLBN(mapping.LBN)
	if err := m.d.Enqueue(zone.thread, func() {
		zone.PutMapping(mapping, cb)
	}); err != nil {
		cb(err)
	}
}

// AdvanceEra tells every zone the recovery journal has sealed an era: each
// seals its current dirtiness generation and begins writing back its oldest
// pages.
func (m *BlockMap) AdvanceEra(seq core.SequenceNumber) {
	if seq <= m.currentEra {
		return
	}
	m.currentEra = seq
	for _, zone := range m.zones {
		z := zone
		if err := m.d.Enqueue(z.thread, func() {
			z.tree.EraAdvanced()
		}); err != nil {
			m.logger.Warn("era advance dropped", "zone", z.zoneNumber, "error", err)
		}
	}
}

// CurrentEra reports the last era the block map was advanced to.
func (m *BlockMap) CurrentEra() core.SequenceNumber {
	return m.currentEra
}

// DrainZones drains every zone toward target, finishing done on its thread
// once all zones settle. The first zone error becomes the result.
func (m *BlockMap) DrainZones(target core.AdminStateCode, done *dispatch.Completion) {
	g := dispatch.NewGather(done)
	for _, zone := range m.zones {
		z := zone
		sub := g.Sub()
		if err := m.d.Enqueue(z.thread, func() {
			z.InitiateDrain(target, sub)
		}); err != nil {
			sub.Finish(err)
		}
	}
	g.Launch()
}

// ResumeZones resumes every zone, finishing done once all zones settle.
func (m *BlockMap) ResumeZones(done *dispatch.Completion) {
	g := dispatch.NewGather(done)
	for _, zone := range m.zones {
		z := zone
		sub := g.Sub()
		if err := m.d.Enqueue(z.thread, func() {
			z.Resume(sub)
		}); err != nil {
			sub.Finish(err)
		}
	}
	g.Launch()
}
