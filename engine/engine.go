// Package engine assembles the volume: the dispatcher and its zone threads,
// the admin state machine, the read-only notifier, the block map, recovery
// journal, slab depot, packer and logical zones, plus the data path that ties
// them together. Admin operations (suspend, save, resume, rebuild) run as
// phase sequences over the component zones.
package engine

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/INLOpen/nexusvolume/admin"
	"github.com/INLOpen/nexusvolume/blockmap"
	"github.com/INLOpen/nexusvolume/compressors"
	"github.com/INLOpen/nexusvolume/config"
	"github.com/INLOpen/nexusvolume/core"
	"github.com/INLOpen/nexusvolume/dedupindex"
	"github.com/INLOpen/nexusvolume/depot"
	"github.com/INLOpen/nexusvolume/dispatch"
	"github.com/INLOpen/nexusvolume/journal"
	"github.com/INLOpen/nexusvolume/logical"
	"github.com/INLOpen/nexusvolume/packer"
	"github.com/INLOpen/nexusvolume/physical"
	"github.com/INLOpen/nexusvolume/superblock"
)

// metadataOrigin reserves the first blocks of the layer; block zero is the
// zero block and is never written.
const metadataOrigin = 64

// Options configures a VolumeEngine.
type Options struct {
	// Config supplies sizing; nil uses the defaults.
	Config *config.Config

	// Layer is the backing physical layer. When nil, a file layer is opened
	// in the volume directory.
	Layer physical.Layer

	// Index is the deduplication index; nil uses the in-memory index.
	Index dedupindex.Index

	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
}

// layout is the block layout computed from the configuration.
type layout struct {
	mappingOrigin core.PhysicalBlockNumber
	mappingPages  core.PageCount
	journalOrigin core.PhysicalBlockNumber
	journalBlocks core.BlockCount
	summaryOrigin core.PhysicalBlockNumber
	dataOrigin    core.PhysicalBlockNumber
	dataBlocks    core.BlockCount
}

// EngineMetrics are the engine's expvar counters.
type EngineMetrics struct {
	Writes           *expvar.Int
	Reads            *expvar.Int
	Discards         *expvar.Int
	DedupHits        *expvar.Int
	CompressedBlocks *expvar.Int
}

// metricInt reuses a published counter across engine instances.
func metricInt(name string) *expvar.Int {
	if v, ok := expvar.Get(name).(*expvar.Int); ok {
		return v
	}
	return expvar.NewInt(name)
}

func newEngineMetrics() *EngineMetrics {
	return &EngineMetrics{
		Writes:           metricInt("engine.writes"),
		Reads:            metricInt("engine.reads"),
		Discards:         metricInt("engine.discards"),
		DedupHits:        metricInt("engine.dedup_hits"),
		CompressedBlocks: metricInt("engine.compressed_blocks"),
	}
}

// VolumeEngine is the assembled volume.
type VolumeEngine struct {
	cfg    *config.Config
	logger *slog.Logger
	tracer trace.Tracer

	d           *dispatch.Dispatcher
	adminThread core.ThreadID

	state    *admin.State
	notifier *admin.ReadOnlyNotifier

	layer        physical.Layer
	ownsLayer    bool
	compressor   compressors.Compressor
	blockMap     *blockmap.BlockMap
	journal      *journal.Journal
	depot        *depot.Depot
	packer       *packer.Packer
	logicalZones *logical.Zones
	index        dedupindex.Index

	layout layout
	recMu  sync.Mutex
	record superblock.Record
	dir    string

	isStarted atomic.Bool
	isClosing atomic.Bool

	metrics *EngineMetrics
}

// NewVolumeEngine wires the components together. Start must be called before
// data or admin operations.
func NewVolumeEngine(opts Options) (*VolumeEngine, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.Load(nil); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var logger *slog.Logger
	if opts.Logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn})).With("component", "VolumeEngine")
	} else {
		logger = opts.Logger.With("component", "VolumeEngine")
	}

	e := &VolumeEngine{
		cfg:     cfg,
		logger:  logger,
		dir:     cfg.Volume.Directory,
		metrics: newEngineMetrics(),
	}
	if opts.TracerProvider != nil {
		e.tracer = opts.TracerProvider.Tracer("github.com/INLOpen/nexusvolume/engine")
	} else {
		e.tracer = noop.NewTracerProvider().Tracer("")
	}

	e.compressor = compressors.ForName(cfg.Volume.Compression)

	// Thread layout: admin thread first, then one thread per zone of each
	// component, then the journal and packer threads.
	threadCount := 1 + cfg.Zones.Logical + cfg.Zones.BlockMap + cfg.Zones.Physical + 2
	if threadCount > 255 {
		return nil, fmt.Errorf("thread layout of %d exceeds the dispatcher limit: %w", threadCount, core.ErrOutOfResources)
	}
	e.d = dispatch.NewDispatcher(threadCount, logger)
	e.adminThread = 0

	next := core.ThreadID(1)
	logicalThreads := make([]core.ThreadID, cfg.Zones.Logical)
	for i := range logicalThreads {
		logicalThreads[i] = next
		next++
	}
	blockMapThreads := make([]core.ThreadID, cfg.Zones.BlockMap)
	for i := range blockMapThreads {
		blockMapThreads[i] = next
		next++
	}
	physicalThreads := make([]core.ThreadID, cfg.Zones.Physical)
	for i := range physicalThreads {
		physicalThreads[i] = next
		next++
	}
	journalThread := next
	packerThread := next + 1

	e.notifier = admin.NewReadOnlyNotifier(e.d, e.adminThread, logger)
	e.state = admin.NewState()
	e.notifier.RegisterListener(e.adminThread, func(error) {
		// An admin operation in flight is left to settle; its waiters
		// must still fire.
		if !e.state.Code().IsTransitional() {
			e.state.SetCode(core.StateReadOnly)
		}
		e.recMu.Lock()
		e.record.State = core.VolumeReadOnly
		e.recMu.Unlock()
	})

	layer := opts.Layer
	if layer == nil {
		if err := os.MkdirAll(e.dir, 0o755); err != nil {
			e.d.Stop()
			return nil, fmt.Errorf("failed to create volume directory: %w", err)
		}
		fl, err := physical.NewFileLayer(physical.FileLayerOptions{
			Path:            filepath.Join(e.dir, "volume.data"),
			BlockCount:      core.BlockCount(cfg.Volume.PhysicalBlocks),
			MaxConcurrentIO: int64(cfg.Volume.MaxConcurrentIO),
			Compressor:      e.compressor,
			Logger:          logger,
		})
		if err != nil {
			e.d.Stop()
			return nil, err
		}
		layer = fl
		e.ownsLayer = true
	}
	e.layer = layer

	lay, err := computeLayout(cfg, layer.BlockCount())
	if err != nil {
		e.closeLayer()
		e.d.Stop()
		return nil, err
	}
	e.layout = lay

	e.blockMap, err = blockmap.NewBlockMap(blockmap.BlockMapOptions{
		Dispatcher:  e.d,
		Layer:       layer,
		Notifier:    e.notifier,
		Logger:      logger,
		Origin:      lay.mappingOrigin,
		PageCount:   lay.mappingPages,
		ZoneThreads: blockMapThreads,
		CacheSize:   cfg.Cache.PagesPerZone,
		CarrierPool: cfg.Cache.CarrierPoolSize,
	})
	if err != nil {
		e.closeLayer()
		e.d.Stop()
		return nil, err
	}

	e.journal, err = journal.New(journal.Options{
		Dispatcher: e.d,
		Thread:     journalThread,
		Layer:      layer,
		Notifier:   e.notifier,
		Logger:     logger,
		Origin:     lay.journalOrigin,
		Blocks:     lay.journalBlocks,
		OnCommit:   func(head core.SequenceNumber) { e.blockMap.AdvanceEra(head) },
	})
	if err != nil {
		e.closeLayer()
		e.d.Stop()
		return nil, err
	}

	e.depot, err = depot.New(depot.Options{
		Dispatcher:    e.d,
		Layer:         layer,
		Notifier:      e.notifier,
		Logger:        logger,
		DataOrigin:    lay.dataOrigin,
		DataBlocks:    lay.dataBlocks,
		SummaryOrigin: lay.summaryOrigin,
		ZoneThreads:   physicalThreads,
	})
	if err != nil {
		e.closeLayer()
		e.d.Stop()
		return nil, err
	}

	e.packer, err = packer.New(packer.Options{
		Dispatcher: e.d,
		Thread:     packerThread,
		Layer:      layer,
		Notifier:   e.notifier,
		Logger:     logger,
		Compressor: e.compressor,
		Allocate: func(cb func(core.PhysicalBlockNumber, error)) {
			e.depot.Allocate(0, cb)
		},
	})
	if err != nil {
		e.closeLayer()
		e.d.Stop()
		return nil, err
	}

	e.logicalZones, err = logical.NewZones(e.d, logicalThreads, logger)
	if err != nil {
		e.closeLayer()
		e.d.Stop()
		return nil, err
	}

	if opts.Index != nil {
		e.index = opts.Index
	} else {
		e.index = dedupindex.NewMemoryIndex()
	}

	return e, nil
}

func computeLayout(cfg *config.Config, blocks core.BlockCount) (layout, error) {
	pages := core.PageCount((cfg.Volume.LogicalBlocks + blockmap.EntriesPerPage - 1) / blockmap.EntriesPerPage)
	lay := layout{
		mappingOrigin: metadataOrigin,
		mappingPages:  pages,
		journalBlocks: core.BlockCount(cfg.Journal.Blocks),
	}
	lay.journalOrigin = lay.mappingOrigin + core.PhysicalBlockNumber(pages)
	lay.summaryOrigin = lay.journalOrigin + core.PhysicalBlockNumber(lay.journalBlocks)
	lay.dataOrigin = lay.summaryOrigin + core.PhysicalBlockNumber(cfg.Zones.Physical)
	if core.BlockCount(lay.dataOrigin) >= blocks {
		return layout{}, fmt.Errorf("physical layer of %d blocks cannot hold %d metadata blocks: %w",
			blocks, lay.dataOrigin, core.ErrNoSpace)
	}
	lay.dataBlocks = blocks - core.BlockCount(lay.dataOrigin)
	return lay, nil
}

// Start loads or creates the superblock and opens the volume for traffic. A
// volume left dirty by a crash refuses a plain start; run Rebuild.
func (e *VolumeEngine) Start() error {
	if !e.isStarted.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already started: %w", core.ErrInvalidState)
	}

	rec, found, err := superblock.Read(e.dir)
	if err != nil {
		e.isStarted.Store(false)
		return err
	}
	if !found {
		rec = superblock.NewRecord()
		rec.LogicalBlocks = e.cfg.Volume.LogicalBlocks
		rec.PhysicalBlocks = uint64(e.layer.BlockCount())
		rec.MappingOrigin = uint64(e.layout.mappingOrigin)
		rec.MappingPages = uint64(e.layout.mappingPages)
		rec.JournalOrigin = uint64(e.layout.journalOrigin)
		rec.JournalBlocks = uint64(e.layout.journalBlocks)
		rec.SummaryOrigin = uint64(e.layout.summaryOrigin)
		rec.DataOrigin = uint64(e.layout.dataOrigin)
		rec.DataBlocks = uint64(e.layout.dataBlocks)
	}

	switch rec.State {
	case core.VolumeNew, core.VolumeClean:
	case core.VolumeDirty, core.VolumeForceRebuild:
		e.isStarted.Store(false)
		return fmt.Errorf("volume state %s requires a rebuild before use: %w", rec.State, core.ErrInvalidState)
	case core.VolumeReadOnly:
		e.notifier.EnterReadOnlyMode(fmt.Errorf("volume was saved in read-only mode: %w", core.ErrReadOnly))
	case core.VolumeReplaying, core.VolumeRecovering:
		e.isStarted.Store(false)
		return fmt.Errorf("volume state %s is not startable: %w", rec.State, core.ErrInvalidState)
	}

	if rec.State == core.VolumeClean {
		loaded := make(chan error, 1)
		e.depot.LoadZones(dispatch.NewCompletion(e.d, e.adminThread, func(err error) { loaded <- err }))
		if err := <-loaded; err != nil {
			e.isStarted.Store(false)
			return fmt.Errorf("failed to load slab summaries: %w", err)
		}
	}

	// A running volume is dirty until it saves cleanly again.
	rec.State = core.VolumeDirty
	if err := superblock.Write(e.dir, rec); err != nil {
		e.isStarted.Store(false)
		return err
	}
	e.recMu.Lock()
	e.record = rec
	e.recMu.Unlock()
	e.state.SetCode(core.StateNormal)

	e.logger.Info("volume engine started",
		"nonce", rec.Nonce,
		"logical_blocks", rec.LogicalBlocks,
		"data_blocks", e.layout.dataBlocks)
	return nil
}

// Notifier exposes the engine's read-only notifier.
func (e *VolumeEngine) Notifier() *admin.ReadOnlyNotifier {
	return e.notifier
}

// Metrics exposes the engine's counters.
func (e *VolumeEngine) Metrics() *EngineMetrics {
	return e.metrics
}

// Record returns the current superblock record.
func (e *VolumeEngine) Record() superblock.Record {
	e.recMu.Lock()
	defer e.recMu.Unlock()
	return e.record
}

// Close suspends the volume with a save and releases every resource. Safe to
// call once.
func (e *VolumeEngine) Close() error {
	if !e.isClosing.CompareAndSwap(false, true) {
		return nil
	}
	var closeErr error
	if e.isStarted.Load() && e.state.IsNormal() && e.notifier.ReadOnlyError() == nil {
		closeErr = errors.Join(closeErr, e.Suspend(context.Background(), true))
	} else if e.isStarted.Load() && e.notifier.ReadOnlyError() != nil {
		// Persist the read-only state so the next start sees it.
		rec := e.Record()
		rec.State = core.VolumeReadOnly
		closeErr = errors.Join(closeErr, superblock.Write(e.dir, rec))
	}
	closeErr = errors.Join(closeErr, e.index.Close())
	e.closeLayer()
	e.d.Stop()
	return closeErr
}

func (e *VolumeEngine) closeLayer() {
	if !e.ownsLayer {
		return
	}
	if closer, ok := e.layer.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			e.logger.Error("failed to close physical layer", "error", err)
		}
	}
}

// span starts a tracing span for an engine operation.
func (e *VolumeEngine) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, sp := e.tracer.Start(ctx, name)
	if len(attrs) > 0 {
		sp.SetAttributes(attrs...)
	}
	return ctx, sp
}

func finishSpan(sp trace.Span, err error) {
	if err != nil {
		sp.RecordError(err)
		sp.SetStatus(codes.Error, err.Error())
	}
	sp.End()
}
