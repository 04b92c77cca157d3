package core

// PhysicalBlockNumber is the absolute address of a block on the underlying
// storage layer.
type PhysicalBlockNumber uint64

// LogicalBlockNumber is the address of a block as seen by users of the volume.
type LogicalBlockNumber uint64

// SequenceNumber is a monotonically increasing journal sequence number, used
// as the era point for write-back ordering.
type SequenceNumber uint64

// BlockCount counts blocks.
type BlockCount uint64

// PageCount counts mapping pages.
type PageCount uint32

// ZoneCount counts zones.
type ZoneCount uint8

// ThreadID identifies one of the dispatcher's serial zone threads.
type ThreadID uint8

// BlockSize is the fixed size of every data and metadata block, in bytes.
const BlockSize = 4096

// ZeroBlock is the reserved physical block number indicating an unmapped or
// zero block. Block zero is never allocated to data.
const ZeroBlock PhysicalBlockNumber = 0

// MappingState describes how a logical block is stored at its physical
// location.
type MappingState uint8

const (
	// MappingUnmapped marks a logical block with no physical backing.
	MappingUnmapped MappingState = iota
	// MappingUncompressed marks a block stored whole.
	MappingUncompressed
	// MappingCompressed marks a block stored as a compressed fragment.
	MappingCompressed
)

// BlockMapping is a single logical-to-physical mapping decision. These are the
// records carried through the recovery journal and applied to the block map.
type BlockMapping struct {
	LBN   LogicalBlockNumber
	PBN   PhysicalBlockNumber
	State MappingState
	// Slot locates the fragment within a packed block; meaningful only when
	// State is MappingCompressed.
	Slot uint8
}

// IsMapped reports whether the mapping points at real storage.
func (m BlockMapping) IsMapped() bool {
	return m.State != MappingUnmapped && m.PBN != ZeroBlock
}
