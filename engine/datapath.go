package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/INLOpen/nexusvolume/core"
	"github.com/INLOpen/nexusvolume/dedupindex"
	"github.com/INLOpen/nexusvolume/logical"
	"github.com/INLOpen/nexusvolume/packer"
	"github.com/INLOpen/nexusvolume/physical"
)

// Write stores one block of data at lbn, applying zero block elimination,
// deduplication and compression in that order. The block must be exactly one
// block long.
func (e *VolumeEngine) Write(ctx context.Context, lbn core.LogicalBlockNumber, data []byte) error {
	_, sp := e.span(ctx, "VolumeEngine.Write", attribute.Int64("lbn", int64(lbn)))
	err := e.write(lbn, data)
	finishSpan(sp, err)
	return err
}

func (e *VolumeEngine) write(lbn core.LogicalBlockNumber, data []byte) error {
	if len(data) != core.BlockSize {
		return fmt.Errorf("write of %d bytes, block size is %d: %w", len(data), core.BlockSize, core.ErrInvalidState)
	}
	if err := e.checkDataRequest(lbn); err != nil {
		return err
	}
	zone := e.logicalZones.ZoneForLBN(lbn)
	if err := e.launchRequest(zone, lbn); err != nil {
		return err
	}
	defer e.finishRequest(zone, lbn)

	old, err := e.getMapping(lbn)
	if err != nil {
		return err
	}

	mapping, err := e.storeBlock(lbn, data)
	if err != nil {
		return err
	}

	seq, err := e.journalAppend(mapping)
	if err != nil {
		return err
	}
	if err := e.putMapping(mapping); err != nil {
		return err
	}
	e.releaseMapping(old)
	e.onThread(zone.Thread(), func() error {
		zone.NoteFlushGeneration(seq)
		return nil
	})
	e.metrics.Writes.Add(1)
	return nil
}

// storeBlock places the data physically and returns the mapping for it:
// the zero block for all-zero data, a shared reference on a verified dedup
// hit, a packed fragment when the data compresses, or a freshly allocated
// block otherwise.
func (e *VolumeEngine) storeBlock(lbn core.LogicalBlockNumber, data []byte) (core.BlockMapping, error) {
	if isZeroBlock(data) {
		return core.BlockMapping{LBN: lbn, PBN: core.ZeroBlock, State: core.MappingUncompressed}, nil
	}

	name := e.layer.HashBlock(data)
	if mapping, ok := e.tryDedup(lbn, name, data); ok {
		return mapping, nil
	}

	if mapping, ok, err := e.tryCompress(lbn, data); err != nil {
		return core.BlockMapping{}, err
	} else if ok {
		e.index.Update(name, dedupindex.Advice{PBN: mapping.PBN, State: core.MappingCompressed, Slot: mapping.Slot})
		return mapping, nil
	}

	pbn, err := e.allocateFor(lbn)
	if err != nil {
		return core.BlockMapping{}, err
	}
	if err := e.layer.WriteExtent(pbn, 1, data); err != nil {
		e.releasePBN(pbn)
		return core.BlockMapping{}, err
	}
	e.index.Update(name, dedupindex.Advice{PBN: pbn, State: core.MappingUncompressed})
	return core.BlockMapping{LBN: lbn, PBN: pbn, State: core.MappingUncompressed}, nil
}

// tryDedup verifies stored advice against the incoming data and, on a match,
// shares the advised block instead of writing a new one. Advice is never
// trusted without reading the data back.
func (e *VolumeEngine) tryDedup(lbn core.LogicalBlockNumber, name physical.BlockName, data []byte) (core.BlockMapping, bool) {
	advice, ok, err := e.index.Lookup(name)
	if err != nil || !ok {
		return core.BlockMapping{}, false
	}
	buf := e.layer.AllocateBuffer("dedup verify")
	if err := e.layer.ReadExtent(advice.PBN, 1, buf); err != nil {
		e.index.Remove(name)
		return core.BlockMapping{}, false
	}
	candidate := buf
	if advice.State == core.MappingCompressed {
		candidate, err = packer.ReadFragment(buf, int(advice.Slot), e.compressor)
		if err != nil {
			e.index.Remove(name)
			return core.BlockMapping{}, false
		}
	}
	if !e.layer.CompareBlocks(candidate, data) {
		e.index.Remove(name)
		return core.BlockMapping{}, false
	}
	res := make(chan error, 1)
	e.depot.Reference(advice.PBN, func(err error) { res <- err })
	if err := <-res; err != nil {
		e.index.Remove(name)
		return core.BlockMapping{}, false
	}
	e.metrics.DedupHits.Add(1)
	return core.BlockMapping{LBN: lbn, PBN: advice.PBN, State: advice.State, Slot: advice.Slot}, true
}

// tryCompress hands the block to the packer. The flush nudge runs after any
// fragments concurrent writers have queued, so lone writes seal immediately
// while a busy volume still packs full bins.
func (e *VolumeEngine) tryCompress(lbn core.LogicalBlockNumber, data []byte) (core.BlockMapping, bool, error) {
	type fragResult struct {
		loc packer.FragmentLocation
		err error
	}
	res := make(chan fragResult, 1)
	if err := e.d.Enqueue(e.packer.Thread(), func() {
		e.packer.Add(lbn, data, func(loc packer.FragmentLocation, err error) {
			res <- fragResult{loc, err}
		})
	}); err != nil {
		return core.BlockMapping{}, false, err
	}
	if err := e.d.Enqueue(e.packer.Thread(), func() { e.packer.Flush() }); err != nil {
		return core.BlockMapping{}, false, err
	}
	r := <-res
	if r.err != nil {
		if isIncompressible(r.err) {
			return core.BlockMapping{}, false, nil
		}
		return core.BlockMapping{}, false, r.err
	}
	// The first fragment owns the bin's allocation; later fragments add a
	// reference so each mapping can be released independently.
	if r.loc.Slot > 0 {
		ref := make(chan error, 1)
		e.depot.Reference(r.loc.PBN, func(err error) { ref <- err })
		if err := <-ref; err != nil {
			return core.BlockMapping{}, false, err
		}
	}
	e.metrics.CompressedBlocks.Add(1)
	return core.BlockMapping{LBN: lbn, PBN: r.loc.PBN, State: core.MappingCompressed, Slot: r.loc.Slot}, true, nil
}

func isIncompressible(err error) bool {
	return errors.Is(err, packer.ErrFragmentTooBig)
}

// Read returns the block stored at lbn. An unmapped block reads as zeroes.
func (e *VolumeEngine) Read(ctx context.Context, lbn core.LogicalBlockNumber) ([]byte, error) {
	_, sp := e.span(ctx, "VolumeEngine.Read", attribute.Int64("lbn", int64(lbn)))
	data, err := e.read(lbn)
	finishSpan(sp, err)
	return data, err
}

func (e *VolumeEngine) read(lbn core.LogicalBlockNumber) ([]byte, error) {
	if !e.isStarted.Load() {
		return nil, fmt.Errorf("engine is not started: %w", core.ErrInvalidState)
	}
	zone := e.logicalZones.ZoneForLBN(lbn)
	if err := e.launchRequest(zone, lbn); err != nil {
		return nil, err
	}
	defer e.finishRequest(zone, lbn)

	mapping, err := e.getMapping(lbn)
	if err != nil {
		return nil, err
	}
	e.metrics.Reads.Add(1)

	if !mapping.IsMapped() || mapping.PBN == core.ZeroBlock {
		return make([]byte, core.BlockSize), nil
	}
	buf := e.layer.AllocateBuffer("data read")
	if err := e.layer.ReadExtent(mapping.PBN, 1, buf); err != nil {
		return nil, err
	}
	if mapping.State == core.MappingCompressed {
		data, err := packer.ReadFragment(buf, int(mapping.Slot), e.compressor)
		if err != nil {
			return nil, fmt.Errorf("unpacking fragment %d of pbn %d: %w", mapping.Slot, mapping.PBN, err)
		}
		return data, nil
	}
	return buf, nil
}

// Discard unmaps lbn, releasing whatever physical block backed it. Reading a
// discarded block returns zeroes.
func (e *VolumeEngine) Discard(ctx context.Context, lbn core.LogicalBlockNumber) error {
	_, sp := e.span(ctx, "VolumeEngine.Discard", attribute.Int64("lbn", int64(lbn)))
	err := e.discard(lbn)
	finishSpan(sp, err)
	return err
}

func (e *VolumeEngine) discard(lbn core.LogicalBlockNumber) error {
	if err := e.checkDataRequest(lbn); err != nil {
		return err
	}
	zone := e.logicalZones.ZoneForLBN(lbn)
	if err := e.launchRequest(zone, lbn); err != nil {
		return err
	}
	defer e.finishRequest(zone, lbn)

	old, err := e.getMapping(lbn)
	if err != nil {
		return err
	}
	if !old.IsMapped() {
		return nil
	}

	mapping := core.BlockMapping{LBN: lbn, PBN: core.ZeroBlock, State: core.MappingUnmapped}
	seq, err := e.journalAppend(mapping)
	if err != nil {
		return err
	}
	if err := e.putMapping(mapping); err != nil {
		return err
	}
	e.releaseMapping(old)
	e.onThread(zone.Thread(), func() error {
		zone.NoteFlushGeneration(seq)
		return nil
	})
	e.metrics.Discards.Add(1)
	return nil
}

// Flush forces queued fragments, the journal tail and the layer's own
// buffers to stable storage.
func (e *VolumeEngine) Flush(ctx context.Context) error {
	_, sp := e.span(ctx, "VolumeEngine.Flush")
	var err error
	if !e.isStarted.Load() {
		err = fmt.Errorf("engine is not started: %w", core.ErrInvalidState)
	}
	if err == nil {
		err = e.onThread(e.packer.Thread(), func() error {
			e.packer.Flush()
			return nil
		})
	}
	if err == nil {
		err = e.onThread(e.journal.Thread(), func() error {
			e.journal.Commit()
			return nil
		})
	}
	if err == nil {
		err = e.layer.Flush()
	}
	finishSpan(sp, err)
	return err
}

func (e *VolumeEngine) checkDataRequest(lbn core.LogicalBlockNumber) error {
	if !e.isStarted.Load() {
		return fmt.Errorf("engine is not started: %w", core.ErrInvalidState)
	}
	if reason := e.notifier.ReadOnlyError(); reason != nil {
		return fmt.Errorf("volume is read-only: %w", core.ErrReadOnly)
	}
	if uint64(lbn) >= e.cfg.Volume.LogicalBlocks {
		return fmt.Errorf("lbn %d beyond the logical space of %d blocks: %w",
			lbn, e.cfg.Volume.LogicalBlocks, core.ErrInvalidState)
	}
	return nil
}

// onThread runs fn on the given zone thread and waits for it.
func (e *VolumeEngine) onThread(thread core.ThreadID, fn func() error) error {
	res := make(chan error, 1)
	if err := e.d.Enqueue(thread, func() { res <- fn() }); err != nil {
		return err
	}
	return <-res
}

// launchRequest admits a request on lbn's logical zone and waits for its
// per-block lock, so requests racing to one logical block read and supersede
// the mapping one at a time.
func (e *VolumeEngine) launchRequest(zone *logical.Zone, lbn core.LogicalBlockNumber) error {
	res := make(chan error, 1)
	if err := e.d.Enqueue(zone.Thread(), func() {
		zone.LaunchRequest(lbn, func(err error) { res <- err })
	}); err != nil {
		return err
	}
	return <-res
}

func (e *VolumeEngine) finishRequest(zone *logical.Zone, lbn core.LogicalBlockNumber) {
	e.onThread(zone.Thread(), func() error {
		zone.FinishRequest(lbn)
		return nil
	})
}

func (e *VolumeEngine) getMapping(lbn core.LogicalBlockNumber) (core.BlockMapping, error) {
	type out struct {
		m   core.BlockMapping
		err error
	}
	res := make(chan out, 1)
	e.blockMap.GetMapping(lbn, func(m core.BlockMapping, err error) { res <- out{m, err} })
	r := <-res
	return r.m, r.err
}

func (e *VolumeEngine) putMapping(m core.BlockMapping) error {
	res := make(chan error, 1)
	e.blockMap.PutMapping(m, func(err error) { res <- err })
	return <-res
}

// journalAppend records the mapping and nudges a commit so a lone write does
// not wait for the block to fill. Concurrent appends queued ahead of the
// nudge still batch into one block.
func (e *VolumeEngine) journalAppend(m core.BlockMapping) (core.SequenceNumber, error) {
	type out struct {
		seq core.SequenceNumber
		err error
	}
	res := make(chan out, 1)
	if err := e.d.Enqueue(e.journal.Thread(), func() {
		e.journal.Append(m, func(seq core.SequenceNumber, err error) { res <- out{seq, err} })
	}); err != nil {
		return 0, err
	}
	if err := e.d.Enqueue(e.journal.Thread(), func() { e.journal.Commit() }); err != nil {
		return 0, err
	}
	r := <-res
	return r.seq, r.err
}

func (e *VolumeEngine) allocateFor(lbn core.LogicalBlockNumber) (core.PhysicalBlockNumber, error) {
	preferred := core.ZoneCount(uint64(lbn) % uint64(e.depot.ZoneCount()))
	type out struct {
		pbn core.PhysicalBlockNumber
		err error
	}
	res := make(chan out, 1)
	e.depot.Allocate(preferred, func(pbn core.PhysicalBlockNumber, err error) { res <- out{pbn, err} })
	r := <-res
	return r.pbn, r.err
}

// releaseMapping drops the reference held by a superseded mapping. A release
// failure cannot corrupt data, only leak a block, so it is logged rather than
// failing the write that superseded it.
func (e *VolumeEngine) releaseMapping(old core.BlockMapping) {
	if !old.IsMapped() || old.PBN == core.ZeroBlock {
		return
	}
	e.releasePBN(old.PBN)
}

func (e *VolumeEngine) releasePBN(pbn core.PhysicalBlockNumber) {
	res := make(chan error, 1)
	e.depot.Release(pbn, func(err error) { res <- err })
	if err := <-res; err != nil {
		e.logger.Warn("failed to release physical block", "pbn", pbn, "error", err)
	}
}

func isZeroBlock(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}
