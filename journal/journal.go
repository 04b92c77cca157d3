// Package journal implements the recovery journal: an ordered, bounded log of
// mapping updates written through the physical layer. Committed journal blocks
// advance the volume era, which drives block map write-back.
package journal

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/INLOpen/nexusvolume/admin"
	"github.com/INLOpen/nexusvolume/core"
	"github.com/INLOpen/nexusvolume/dispatch"
	"github.com/INLOpen/nexusvolume/physical"
)

const (
	// entryEncodedSize is seq (8) + lbn (8) + pbn (8) + state (1), padded.
	entryEncodedSize = 32

	// blockHeaderSize holds the entry count of a journal block.
	blockHeaderSize = 8

	// EntriesPerBlock is how many entries one journal block can carry.
	EntriesPerBlock = (core.BlockSize - blockHeaderSize) / entryEncodedSize
)

// Entry is one recorded mapping update.
type Entry struct {
	Sequence core.SequenceNumber
	Mapping  core.BlockMapping
}

// AppendCallback receives the sequence number assigned to an appended entry
// once it is durable, or the write error. Runs on the journal thread.
type AppendCallback func(seq core.SequenceNumber, err error)

// Options configures a Journal.
type Options struct {
	Dispatcher *dispatch.Dispatcher
	Thread     core.ThreadID
	Layer      physical.Layer
	Notifier   *admin.ReadOnlyNotifier
	Logger     *slog.Logger

	// Origin is the first physical block of the journal region; Blocks is its
	// length. The journal reuses blocks cyclically.
	Origin core.PhysicalBlockNumber
	Blocks core.BlockCount

	// OnCommit is invoked on the journal thread each time a block becomes
	// durable, with the highest committed sequence number. The engine wires
	// this to block map era advancement.
	OnCommit func(head core.SequenceNumber)
}

// Journal is a DrainableZone. All methods run on the journal's thread.
type Journal struct {
	d        *dispatch.Dispatcher
	thread   core.ThreadID
	layer    physical.Layer
	notifier *admin.ReadOnlyNotifier
	logger   *slog.Logger
	state    *admin.State

	origin core.PhysicalBlockNumber
	blocks core.BlockCount

	// tail holds entries not yet written; waiters their callbacks, index
	// aligned with tail.
	tail    []Entry
	waiters []AppendCallback

	tailSeq   core.SequenceNumber // last assigned sequence number
	head      core.SequenceNumber // highest durable sequence number
	nextBlock uint64              // journal block cursor

	busy     int // block writes in flight
	onCommit func(core.SequenceNumber)

	// First write failure observed while draining; delivered as the drain
	// result.
	drainErr error
}

// New creates a journal.
func New(opts Options) (*Journal, error) {
	if opts.Dispatcher == nil || opts.Layer == nil {
		return nil, fmt.Errorf("journal requires a dispatcher and a physical layer: %w", core.ErrInvalidState)
	}
	if opts.Blocks == 0 {
		return nil, fmt.Errorf("journal requires a non-empty block region: %w", core.ErrInvalidState)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	state := admin.NewState()
	state.SetCode(core.StateNormal)
	return &Journal{
		d:        opts.Dispatcher,
		thread:   opts.Thread,
		layer:    opts.Layer,
		notifier: opts.Notifier,
		logger:   logger.With("component", "RecoveryJournal"),
		state:    state,
		origin:   opts.Origin,
		blocks:   opts.Blocks,
		onCommit: opts.OnCommit,
	}, nil
}

// Thread returns the journal's owning thread.
func (j *Journal) Thread() core.ThreadID {
	return j.thread
}

// State exposes the journal's admin state.
func (j *Journal) State() *admin.State {
	return j.state
}

// Head returns the highest durable sequence number.
func (j *Journal) Head() core.SequenceNumber {
	return j.head
}

// TailSequence returns the last assigned sequence number.
func (j *Journal) TailSequence() core.SequenceNumber {
	return j.tailSeq
}

// ResetTo positions the journal after recovery: the next append is assigned
// seq+1 and everything at or below seq is considered durable. Must run on the
// journal thread with no appends in flight.
func (j *Journal) ResetTo(seq core.SequenceNumber) {
	j.tailSeq = seq
	j.head = seq
	j.nextBlock = uint64(seq) / uint64(EntriesPerBlock)
}

// Append records a mapping update. The callback fires once the entry's block
// is durable. Appends are refused while draining or in read-only mode.
func (j *Journal) Append(m core.BlockMapping, cb AppendCallback) {
	if j.notifier != nil && j.notifier.IsReadOnly() {
		cb(0, fmt.Errorf("journal append: %w", core.ErrReadOnly))
		return
	}
	if !j.state.IsNormal() {
		cb(0, fmt.Errorf("journal append in state %s: %w", j.state.Code(), core.ErrInvalidState))
		return
	}

	j.tailSeq++
	j.tail = append(j.tail, Entry{Sequence: j.tailSeq, Mapping: m})
	j.waiters = append(j.waiters, cb)
	if len(j.tail) >= EntriesPerBlock {
		j.writeTailBlock()
	}
}

// Commit forces the partial tail block out. No-op when the tail is empty.
func (j *Journal) Commit() {
	if len(j.tail) > 0 {
		j.writeTailBlock()
	}
}

// writeTailBlock encodes the pending tail into one journal block and writes
// it in the background.
func (j *Journal) writeTailBlock() {
	entries := j.tail
	waiters := j.waiters
	j.tail = nil
	j.waiters = nil

	buf := j.layer.AllocateBuffer("journal block")
	binary.LittleEndian.PutUint64(buf[0:8], uint64(len(entries)))
	for i, e := range entries {
		off := blockHeaderSize + i*entryEncodedSize
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(e.Sequence))
		binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(e.Mapping.LBN))
		binary.LittleEndian.PutUint64(buf[off+16:off+24], uint64(e.Mapping.PBN))
		buf[off+24] = byte(e.Mapping.State)
		buf[off+25] = e.Mapping.Slot
	}

	pbn := j.origin + core.PhysicalBlockNumber(j.nextBlock%uint64(j.blocks))
	j.nextBlock++
	j.busy++

	last := entries[len(entries)-1].Sequence
	go func() {
		err := j.layer.WriteMetadata(pbn, buf)
		if err == nil {
			err = j.layer.Flush()
		}
		if enqErr := j.d.Enqueue(j.thread, func() {
			j.finishBlockWrite(last, entries, waiters, err)
		}); enqErr != nil {
			j.logger.Error("dropping journal commit completion", "pbn", pbn, "error", enqErr)
		}
	}()
}

// finishBlockWrite settles one committed block. Runs on the journal thread.
func (j *Journal) finishBlockWrite(last core.SequenceNumber, entries []Entry, waiters []AppendCallback, err error) {
	j.busy--
	if err != nil {
		j.logger.Error("journal block write failed", "error", err)
		if j.state.IsDraining() {
			if j.drainErr == nil {
				j.drainErr = err
			}
		} else if j.notifier != nil {
			j.notifier.EnterReadOnlyMode(err)
		}
	} else if last > j.head {
		j.head = last
	}

	for i, w := range waiters {
		if err != nil {
			w(0, err)
			continue
		}
		w(entries[i].Sequence, nil)
	}

	if err == nil && j.onCommit != nil {
		j.onCommit(j.head)
	}
	j.checkDrainComplete()
}

// InitiateDrain stops admission, commits the partial tail and finishes done
// once every in-flight block write settles. done is finished with the first
// write failure observed while draining, if any.
func (j *Journal) InitiateDrain(target core.AdminStateCode, done *dispatch.Completion) {
	if !j.state.StartDraining(target, done) {
		return
	}
	j.drainErr = nil
	j.Commit()
	j.checkDrainComplete()
}

// Resume returns a quiescent journal to normal operation.
func (j *Journal) Resume(done *dispatch.Completion) {
	if !j.state.Code().IsQuiescent() {
		done.Finish(fmt.Errorf("journal resume from state %s: %w", j.state.Code(), core.ErrInvalidState))
		return
	}
	j.state.SetCode(core.StateNormal)
	done.Finish(nil)
}

func (j *Journal) checkDrainComplete() {
	if !j.state.IsDraining() || j.busy > 0 || len(j.tail) > 0 {
		return
	}
	j.state.FinishOperation(j.drainErr)
}

// DecodeBlock parses one journal block, returning its entries. Used by
// recovery to replay the journal region.
func DecodeBlock(buf []byte) ([]Entry, error) {
	if len(buf) < blockHeaderSize {
		return nil, fmt.Errorf("journal block too short: %d bytes", len(buf))
	}
	count := binary.LittleEndian.Uint64(buf[0:8])
	if count > uint64(EntriesPerBlock) {
		return nil, fmt.Errorf("journal block claims %d entries, max is %d", count, EntriesPerBlock)
	}
	entries := make([]Entry, 0, count)
	for i := uint64(0); i < count; i++ {
		off := blockHeaderSize + int(i)*entryEncodedSize
		entries = append(entries, Entry{
			Sequence: core.SequenceNumber(binary.LittleEndian.Uint64(buf[off : off+8])),
			Mapping: core.BlockMapping{
				LBN:   core.LogicalBlockNumber(binary.LittleEndian.Uint64(buf[off+8 : off+16])),
				PBN:   core.PhysicalBlockNumber(binary.LittleEndian.Uint64(buf[off+16 : off+24])),
				State: core.MappingState(buf[off+24]),
				Slot:  buf[off+25],
			},
		})
	}
	return entries, nil
}
