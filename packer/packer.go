// Package packer coalesces compressed data fragments into shared physical
// blocks. Fragments that compress well enough are collected into a bin; a
// full bin is sealed into one packed block and written through the physical
// layer. Draining seals the open bin so no accepted fragment is lost.
package packer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/nexusvolume/admin"
	"github.com/INLOpen/nexusvolume/compressors"
	"github.com/INLOpen/nexusvolume/core"
	"github.com/INLOpen/nexusvolume/dispatch"
	"github.com/INLOpen/nexusvolume/physical"
)

const (
	// MaxFragments bounds the directory of one packed block.
	MaxFragments = 14

	// directoryEntrySize is lbn (8) + offset (4) + length (4).
	directoryEntrySize = 16

	headerSize = 8

	// dataArea is the payload capacity of a packed block.
	dataArea = core.BlockSize - headerSize - MaxFragments*directoryEntrySize
)

// ErrFragmentTooBig is returned when data does not compress well enough to
// share a block. The caller should store it uncompressed.
var ErrFragmentTooBig = errors.New("fragment does not fit a packed block")

// FragmentLocation identifies a fragment within a packed block. Slot is
// bounded by MaxFragments.
type FragmentLocation struct {
	PBN  core.PhysicalBlockNumber
	Slot uint8
}

// FragmentCallback receives a fragment's final location once its bin is
// durable. Runs on the packer thread.
type FragmentCallback func(loc FragmentLocation, err error)

type fragment struct {
	lbn  core.LogicalBlockNumber
	data []byte
	cb   FragmentCallback
}

// Options configures a Packer.
type Options struct {
	Dispatcher *dispatch.Dispatcher
	Thread     core.ThreadID
	Layer      physical.Layer
	Notifier   *admin.ReadOnlyNotifier
	Logger     *slog.Logger

	// Compressor compresses incoming fragments. Defaults to snappy.
	Compressor compressors.Compressor

	// Allocate obtains a physical block for a sealed bin; its callback may
	// run on any thread.
	Allocate func(cb func(pbn core.PhysicalBlockNumber, err error))
}

// Packer is a DrainableZone. All methods run on the packer's thread.
type Packer struct {
	d        *dispatch.Dispatcher
	thread   core.ThreadID
	layer    physical.Layer
	notifier *admin.ReadOnlyNotifier
	logger   *slog.Logger
	state    *admin.State

	compressor compressors.Compressor
	allocate   func(cb func(core.PhysicalBlockNumber, error))

	open     []fragment
	openSize int
	busy     int // sealed bins in flight

	// First bin write failure observed while draining; delivered as the
	// drain result.
	drainErr error
}

// New creates a packer.
func New(opts Options) (*Packer, error) {
	if opts.Dispatcher == nil || opts.Layer == nil || opts.Allocate == nil {
		return nil, fmt.Errorf("packer requires a dispatcher, a physical layer and an allocator: %w", core.ErrInvalidState)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	compressor := opts.Compressor
	if compressor == nil {
		compressor = compressors.NewSnappyCompressor()
	}
	state := admin.NewState()
	state.SetCode(core.StateNormal)
	return &Packer{
		d:          opts.Dispatcher,
		thread:     opts.Thread,
		layer:      opts.Layer,
		notifier:   opts.Notifier,
		logger:     logger.With("component", "Packer"),
		state:      state,
		compressor: compressor,
		allocate:   opts.Allocate,
	}, nil
}

// Thread returns the packer's owning thread.
func (p *Packer) Thread() core.ThreadID {
	return p.thread
}

// State exposes the packer's admin state.
func (p *Packer) State() *admin.State {
	return p.state
}

// PendingFragments reports fragments waiting in the open bin.
func (p *Packer) PendingFragments() int {
	return len(p.open)
}

// Add compresses data and queues it for packing. If it does not compress
// small enough to share a block the callback fires immediately with
// ErrFragmentTooBig. Admission is refused while draining.
func (p *Packer) Add(lbn core.LogicalBlockNumber, data []byte, cb FragmentCallback) {
	if !p.state.IsNormal() {
		cb(FragmentLocation{}, fmt.Errorf("packer add in state %s: %w", p.state.Code(), core.ErrInvalidState))
		return
	}
	compressed, err := p.compressor.Compress(data)
	if err != nil || len(compressed) >= len(data) || len(compressed) > dataArea/2 {
		cb(FragmentLocation{}, ErrFragmentTooBig)
		return
	}

	if len(p.open) >= MaxFragments || p.openSize+len(compressed) > dataArea {
		p.sealBin()
	}
	p.open = append(p.open, fragment{lbn: lbn, data: compressed, cb: cb})
	p.openSize += len(compressed)
	if len(p.open) >= MaxFragments || p.openSize >= dataArea {
		p.sealBin()
	}
}

// Flush seals the open bin even if partially filled.
func (p *Packer) Flush() {
	if len(p.open) > 0 {
		p.sealBin()
	}
}

// sealBin takes the open bin, allocates a block for it and writes the packed
// block in the background.
func (p *Packer) sealBin() {
	fragments := p.open
	p.open = nil
	p.openSize = 0
	if len(fragments) == 0 {
		return
	}
	p.busy++

	buf := p.layer.AllocateBuffer("packed block")
	binary.LittleEndian.PutUint64(buf[0:8], uint64(len(fragments)))
	offset := headerSize + MaxFragments*directoryEntrySize
	for i, f := range fragments {
		entry := headerSize + i*directoryEntrySize
		binary.LittleEndian.PutUint64(buf[entry:entry+8], uint64(f.lbn))
		binary.LittleEndian.PutUint32(buf[entry+8:entry+12], uint32(offset))
		binary.LittleEndian.PutUint32(buf[entry+12:entry+16], uint32(len(f.data)))
		copy(buf[offset:], f.data)
		offset += len(f.data)
	}

	p.allocate(func(pbn core.PhysicalBlockNumber, err error) {
		if err != nil {
			p.finishBin(fragments, 0, err)
			return
		}
		go func() {
			writeErr := p.layer.WriteExtent(pbn, 1, buf)
			p.finishBin(fragments, pbn, writeErr)
		}()
	})
}

// finishBin redispatches to the packer thread and settles every fragment.
func (p *Packer) finishBin(fragments []fragment, pbn core.PhysicalBlockNumber, err error) {
	if enqErr := p.d.Enqueue(p.thread, func() {
		p.busy--
		if err != nil {
			p.logger.Error("packed block write failed", "pbn", pbn, "error", err)
			if p.state.IsDraining() {
				if p.drainErr == nil {
					p.drainErr = err
				}
			} else if p.notifier != nil {
				p.notifier.EnterReadOnlyMode(err)
			}
		}
		for slot, f := range fragments {
			if err != nil {
				f.cb(FragmentLocation{}, err)
				continue
			}
			f.cb(FragmentLocation{PBN: pbn, Slot: uint8(slot)}, nil)
		}
		p.checkDrainComplete()
	}); enqErr != nil {
		p.logger.Error("dropping packed block completion", "error", enqErr)
	}
}

// InitiateDrain stops admission, seals the open bin and finishes done once
// in-flight bins settle. done is finished with the first bin write failure
// observed while draining, if any.
func (p *Packer) InitiateDrain(target core.AdminStateCode, done *dispatch.Completion) {
	if !p.state.StartDraining(target, done) {
		return
	}
	p.drainErr = nil
	p.Flush()
	p.checkDrainComplete()
}

// Resume returns a quiescent packer to normal operation.
func (p *Packer) Resume(done *dispatch.Completion) {
	if !p.state.Code().IsQuiescent() {
		done.Finish(fmt.Errorf("packer resume from state %s: %w", p.state.Code(), core.ErrInvalidState))
		return
	}
	p.state.SetCode(core.StateNormal)
	done.Finish(nil)
}

func (p *Packer) checkDrainComplete() {
	if !p.state.IsDraining() || p.busy > 0 || len(p.open) > 0 {
		return
	}
	p.state.FinishOperation(p.drainErr)
}

// ReadFragment extracts and decompresses one fragment from a packed block.
func ReadFragment(buf []byte, slot int, compressor compressors.Compressor) ([]byte, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("packed block too short: %d bytes", len(buf))
	}
	count := binary.LittleEndian.Uint64(buf[0:8])
	if count > MaxFragments {
		return nil, fmt.Errorf("packed block claims %d fragments, max is %d", count, MaxFragments)
	}
	if slot < 0 || uint64(slot) >= count {
		return nil, fmt.Errorf("fragment slot %d out of range (%d fragments)", slot, count)
	}
	entry := headerSize + slot*directoryEntrySize
	offset := binary.LittleEndian.Uint32(buf[entry+8 : entry+12])
	length := binary.LittleEndian.Uint32(buf[entry+12 : entry+16])
	if int(offset)+int(length) > len(buf) {
		return nil, fmt.Errorf("fragment slot %d overruns the block", slot)
	}
	rc, err := compressor.Decompress(buf[offset : offset+length])
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
