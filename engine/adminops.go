package engine

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"github.com/INLOpen/nexusvolume/admin"
	"github.com/INLOpen/nexusvolume/blockmap"
	"github.com/INLOpen/nexusvolume/core"
	"github.com/INLOpen/nexusvolume/dispatch"
	"github.com/INLOpen/nexusvolume/journal"
	"github.com/INLOpen/nexusvolume/superblock"
)

// Suspend drains every component zone and quiesces the volume. With save set
// the superblock is rewritten afterwards so the volume restarts clean; the
// superblock write is skipped when any drain phase failed. A Suspend issued
// while another suspend is in flight toward the same state joins it and
// shares its result.
func (e *VolumeEngine) Suspend(ctx context.Context, save bool) error {
	op := admin.OperationSuspend
	if save {
		op = admin.OperationSave
	}
	target := op.TargetState()
	_, sp := e.span(ctx, "VolumeEngine.Suspend", attribute.Bool("save", save))

	result := make(chan error, 1)
	waiter := dispatch.NewCompletion(e.d, e.adminThread, func(err error) { result <- err })
	if err := e.d.Enqueue(e.adminThread, func() {
		// Suspending a volume that is already quiescent at a state
		// satisfying the request is a no-op, not an error.
		code := e.state.Code()
		if code == target.QuiescentCode() || (!save && code == core.StateSaved) {
			waiter.Finish(nil)
			return
		}
		if !e.state.StartDraining(target, waiter) {
			return
		}
		e.runSuspendPhases(op, target, save)
	}); err != nil {
		finishSpan(sp, err)
		return err
	}

	select {
	case err := <-result:
		finishSpan(sp, err)
		return err
	case <-ctx.Done():
		// The operation keeps running; the caller just stops waiting.
		err := ctx.Err()
		finishSpan(sp, err)
		return err
	}
}

// runSuspendPhases walks the component zones in dependency order: data
// ingress first (packer, logical zones), then the metadata that ingress
// dirties (block map, journal), then the depot. Must run on the admin thread
// after StartDraining accepted the target.
func (e *VolumeEngine) runSuspendPhases(op admin.Operation, target core.AdminStateCode, save bool) {
	phases := []admin.Phase{
		{Name: "start", Thread: e.adminThread, Run: func(s *admin.Sequencer) {
			e.notifier.WaitUntilNotEntering(s.Completion())
		}},
		{Name: "drain packer", Thread: e.packer.Thread(), Run: func(s *admin.Sequencer) {
			e.packer.InitiateDrain(target, s.Completion())
		}},
		{Name: "drain logical zones", Thread: e.adminThread, Run: func(s *admin.Sequencer) {
			e.logicalZones.DrainZones(target, s.Completion())
		}},
		{Name: "drain block map", Thread: e.adminThread, Run: func(s *admin.Sequencer) {
			e.blockMap.DrainZones(target, s.Completion())
		}},
		{Name: "drain journal", Thread: e.journal.Thread(), Run: func(s *admin.Sequencer) {
			e.journal.InitiateDrain(target, s.Completion())
		}},
		{Name: "drain depot", Thread: e.adminThread, Run: func(s *admin.Sequencer) {
			e.depot.DrainZones(target, s.Completion())
		}},
		{Name: "write superblock", Thread: e.journal.Thread(), Run: func(s *admin.Sequencer) {
			if !save || s.Result() != nil {
				s.Continue(nil)
				return
			}
			rec := e.Record()
			rec.JournalHead = uint64(e.journal.Head())
			saved, err := superblock.Save(e.dir, rec)
			if err == nil {
				e.recMu.Lock()
				e.record = saved
				e.recMu.Unlock()
			}
			s.Continue(err)
		}},
		{Name: "end", Thread: e.adminThread, Run: func(s *admin.Sequencer) {
			e.state.FinishOperation(s.Result())
			s.Continue(nil)
		}},
	}
	admin.NewSequencer(e.d, e.logger, op, phases).Start(nil)
}

// Resume returns a suspended or saved volume to normal operation, bringing
// the components back in the reverse of the suspend order. The superblock is
// marked dirty again before traffic is admitted.
func (e *VolumeEngine) Resume(ctx context.Context) error {
	_, sp := e.span(ctx, "VolumeEngine.Resume")

	result := make(chan error, 1)
	phases := []admin.Phase{
		{Name: "start", Thread: e.adminThread, Run: func(s *admin.Sequencer) {
			if err := e.state.StartOperation(core.StateResuming); err != nil {
				s.Abort(err)
				return
			}
			s.Continue(nil)
		}},
		{Name: "resume depot", Thread: e.adminThread, Run: func(s *admin.Sequencer) {
			e.depot.ResumeZones(s.Completion())
		}},
		{Name: "resume journal", Thread: e.journal.Thread(), Run: func(s *admin.Sequencer) {
			e.journal.Resume(s.Completion())
		}},
		{Name: "resume block map", Thread: e.adminThread, Run: func(s *admin.Sequencer) {
			e.blockMap.ResumeZones(s.Completion())
		}},
		{Name: "resume logical zones", Thread: e.adminThread, Run: func(s *admin.Sequencer) {
			e.logicalZones.ResumeZones(s.Completion())
		}},
		{Name: "resume packer", Thread: e.packer.Thread(), Run: func(s *admin.Sequencer) {
			e.packer.Resume(s.Completion())
		}},
		{Name: "mark dirty", Thread: e.journal.Thread(), Run: func(s *admin.Sequencer) {
			if s.Result() != nil {
				s.Continue(nil)
				return
			}
			rec := e.Record()
			rec.State = core.VolumeDirty
			err := superblock.Write(e.dir, rec)
			if err == nil {
				e.recMu.Lock()
				e.record = rec
				e.recMu.Unlock()
			}
			s.Continue(err)
		}},
		{Name: "end", Thread: e.adminThread, Run: func(s *admin.Sequencer) {
			e.state.FinishOperation(s.Result())
			s.Continue(nil)
		}},
	}
	if err := e.d.Enqueue(e.adminThread, func() {
		admin.NewSequencer(e.d, e.logger, admin.OperationResume, phases).Start(func(err error) {
			result <- err
		})
	}); err != nil {
		finishSpan(sp, err)
		return err
	}

	select {
	case err := <-result:
		finishSpan(sp, err)
		return err
	case <-ctx.Done():
		err := ctx.Err()
		finishSpan(sp, err)
		return err
	}
}

// Rebuild reconstructs the volume's derived state after an unclean stop: the
// superblock is marked recovering, the slab depot is reset and rebuilt from
// the surviving block map, the recovery journal is replayed on top, and the
// deduplication index is cleared. On success the volume is started and open
// for traffic. A failed rebuild leaves the volume read-only.
func (e *VolumeEngine) Rebuild(ctx context.Context) error {
	_, sp := e.span(ctx, "VolumeEngine.Rebuild")
	if !e.isStarted.CompareAndSwap(false, true) {
		err := fmt.Errorf("cannot rebuild a started volume: %w", core.ErrInvalidState)
		finishSpan(sp, err)
		return err
	}

	rec, found, err := superblock.Read(e.dir)
	if err == nil && !found {
		err = fmt.Errorf("no superblock to rebuild from: %w", core.ErrInvalidState)
	}
	if err == nil {
		switch rec.State {
		case core.VolumeDirty, core.VolumeForceRebuild, core.VolumeRecovering:
		default:
			err = fmt.Errorf("volume state %s does not need a rebuild: %w", rec.State, core.ErrInvalidState)
		}
	}
	if err == nil {
		rec.State = core.VolumeRecovering
		err = superblock.Write(e.dir, rec)
	}
	if err != nil {
		e.isStarted.Store(false)
		finishSpan(sp, err)
		return err
	}
	e.recMu.Lock()
	e.record = rec
	e.recMu.Unlock()

	result := make(chan error, 1)
	phases := []admin.Phase{
		{Name: "start", Thread: e.adminThread, Run: func(s *admin.Sequencer) {
			if err := e.state.StartOperation(core.StateRecovering); err != nil {
				s.Abort(err)
				return
			}
			s.Continue(nil)
		}},
		{Name: "reset depot", Thread: e.adminThread, Run: func(s *admin.Sequencer) {
			e.depot.ResetZones(s.Completion())
		}},
		{Name: "replay journal", Thread: e.journal.Thread(), Run: func(s *admin.Sequencer) {
			e.replayJournal(s.Completion())
		}},
		{Name: "flush block map", Thread: e.adminThread, Run: func(s *admin.Sequencer) {
			e.blockMap.DrainZones(core.StateRecovering, s.Completion())
		}},
		{Name: "rebuild references", Thread: e.adminThread, Run: func(s *admin.Sequencer) {
			if s.Result() != nil {
				s.Continue(nil)
				return
			}
			e.rebuildReferences(s.Completion())
		}},
		{Name: "rebuild index", Thread: e.adminThread, Run: func(s *admin.Sequencer) {
			s.Continue(e.index.Clear())
		}},
		{Name: "write superblock", Thread: e.journal.Thread(), Run: func(s *admin.Sequencer) {
			if s.Result() != nil {
				s.Continue(nil)
				return
			}
			rec := e.Record()
			rec.State = core.VolumeDirty
			rec.JournalHead = uint64(e.journal.Head())
			err := superblock.Write(e.dir, rec)
			if err == nil {
				e.recMu.Lock()
				e.record = rec
				e.recMu.Unlock()
			}
			s.Continue(err)
		}},
		{Name: "end", Thread: e.adminThread, Run: func(s *admin.Sequencer) {
			e.state.FinishOperation(s.Result())
			s.Continue(nil)
		}},
	}
	if err := e.d.Enqueue(e.adminThread, func() {
		admin.NewSequencer(e.d, e.logger, admin.OperationRebuild, phases).Start(func(err error) {
			result <- err
		})
	}); err != nil {
		e.isStarted.Store(false)
		finishSpan(sp, err)
		return err
	}

	select {
	case err := <-result:
		if err != nil {
			e.notifier.EnterReadOnlyMode(fmt.Errorf("rebuild failed: %w", err))
		} else {
			e.logger.Info("volume rebuild complete", "journal_head", e.Record().JournalHead)
		}
		finishSpan(sp, err)
		return err
	case <-ctx.Done():
		err := ctx.Err()
		finishSpan(sp, err)
		return err
	}
}

// replayJournal reads every recovery journal block, sorts the surviving
// entries by sequence and reapplies them to the block map, oldest first so a
// later mapping for the same logical block wins. The journal tail is then
// positioned after the highest replayed sequence. Runs its block reads and
// mapping updates off-thread, finishing done when the replay settles.
func (e *VolumeEngine) replayJournal(done *dispatch.Completion) {
	go func() {
		entries, err := e.readJournalEntries()
		if err != nil {
			done.Finish(fmt.Errorf("reading recovery journal: %w", err))
			return
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Sequence < entries[j].Sequence })

		var head core.SequenceNumber
		for _, ent := range entries {
			if ent.Sequence > head {
				head = ent.Sequence
			}
			res := make(chan error, 1)
			e.blockMap.PutMapping(ent.Mapping, func(err error) { res <- err })
			if err := <-res; err != nil {
				done.Finish(fmt.Errorf("replaying journal entry %d: %w", ent.Sequence, err))
				return
			}
		}
		if enqErr := e.d.Enqueue(e.journal.Thread(), func() {
			e.journal.ResetTo(head)
			done.Finish(nil)
		}); enqErr != nil {
			done.Finish(enqErr)
		}
	}()
}

func (e *VolumeEngine) readJournalEntries() ([]journal.Entry, error) {
	buf := e.layer.AllocateBuffer("journal replay")
	var entries []journal.Entry
	for i := core.BlockCount(0); i < e.layout.journalBlocks; i++ {
		pbn := e.layout.journalOrigin + core.PhysicalBlockNumber(i)
		if err := e.layer.ReadMetadata(pbn, buf); err != nil {
			return nil, err
		}
		decoded, err := journal.DecodeBlock(buf)
		if err != nil {
			return nil, fmt.Errorf("journal block %d: %w", pbn, err)
		}
		entries = append(entries, decoded...)
	}
	return entries, nil
}

// rebuildReferences scans the flushed block map pages straight off the layer
// and re-marks every referenced physical block in the depot. A physical block
// seen from more than one logical block comes back as shared.
func (e *VolumeEngine) rebuildReferences(done *dispatch.Completion) {
	go func() {
		buf := e.layer.AllocateBuffer("reference rebuild")
		for page := core.PageCount(0); page < e.layout.mappingPages; page++ {
			pbn := e.layout.mappingOrigin + core.PhysicalBlockNumber(page)
			if err := e.layer.ReadExtent(pbn, 1, buf); err != nil {
				done.Finish(fmt.Errorf("scanning block map page %d: %w", page, err))
				return
			}
			for slot := 0; slot < blockmap.EntriesPerPage; slot++ {
				m := blockmap.DecodeEntry(buf, slot)
				if !m.IsMapped() || m.PBN == core.ZeroBlock {
					continue
				}
				res := make(chan error, 1)
				e.depot.Restore(m.PBN, func(err error) { res <- err })
				if err := <-res; err != nil {
					done.Finish(fmt.Errorf("restoring reference to pbn %d: %w", m.PBN, err))
					return
				}
			}
		}
		done.Finish(nil)
	}()
}
