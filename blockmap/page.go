// Package blockmap implements the zoned logical-to-physical mapping: mapping
// pages cached per zone with generation-tracked dirtiness, deduplicated page
// loads, single-flusher write-back election and a bounded pool of I/O
// carriers.
package blockmap

import (
	"encoding/binary"

	"github.com/INLOpen/nexusvolume/core"
)

const (
	// entrySize is the on-page size of one mapping entry: the physical
	// block number plus the mapping state, padded for alignment.
	entrySize = 16

	// EntriesPerPage is the number of logical blocks mapped by one page.
	EntriesPerPage = core.BlockSize / entrySize
)

// PageNumber returns the mapping page holding the entry for lbn.
func PageNumber(lbn core.LogicalBlockNumber) core.PageCount {
	return core.PageCount(lbn / EntriesPerPage)
}

// SlotNumber returns the slot within its page for lbn.
func SlotNumber(lbn core.LogicalBlockNumber) int {
	return int(lbn % EntriesPerPage)
}

// TreePage is one resident mapping page. A page is dirty in at most one
// generation at a time; a dirty or in-flight page is pinned in the cache.
type TreePage struct {
	pbn core.PhysicalBlockNumber
	buf []byte

	dirty      bool
	generation uint8
	writing    bool

	// flushQueued marks a page waiting behind the active flusher, so a
	// repeated flush request is not queued twice.
	flushQueued bool
}

// PBN returns the page's physical location.
func (p *TreePage) PBN() core.PhysicalBlockNumber {
	return p.pbn
}

// IsDirty reports whether the page has unwritten modifications.
func (p *TreePage) IsDirty() bool {
	return p.dirty
}

// Generation returns the write-back generation the page is dirty in. Only
// meaningful while IsDirty.
func (p *TreePage) Generation() uint8 {
	return p.generation
}

// Busy reports whether the page must stay resident: it holds unwritten data
// or is in the middle of write-back.
func (p *TreePage) Busy() bool {
	return p.dirty || p.writing
}

// DecodeEntry decodes the mapping in the given slot of a raw page buffer.
// Recovery uses it to scan pages straight off the layer.
func DecodeEntry(buf []byte, slot int) core.BlockMapping {
	off := slot * entrySize
	return core.BlockMapping{
		PBN:   core.PhysicalBlockNumber(binary.LittleEndian.Uint64(buf[off : off+8])),
		State: core.MappingState(buf[off+8]),
		Slot:  buf[off+9],
	}
}

// Entry decodes the mapping stored in the given slot.
func (p *TreePage) Entry(slot int) core.BlockMapping {
	return DecodeEntry(p.buf, slot)
}

// SetEntry encodes a mapping into the given slot. The caller must mark the
// page dirty through its tree zone.
func (p *TreePage) SetEntry(slot int, m core.BlockMapping) {
	off := slot * entrySize
	binary.LittleEndian.PutUint64(p.buf[off:off+8], uint64(m.PBN))
	p.buf[off+8] = byte(m.State)
	p.buf[off+9] = m.Slot
	for i := off + 10; i < off+entrySize; i++ {
		p.buf[i] = 0
	}
}
