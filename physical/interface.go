// Package physical abstracts the storage layer underneath the volume. The
// engine core depends only on the Layer capability set, never on a concrete
// device.
package physical

import (
	"github.com/INLOpen/nexusvolume/core"
)

// BlockName is the content hash of a data block, used as the key into the
// deduplication index.
type BlockName [32]byte

// Layer is the capability set the engine consumes from the storage layer.
// Extent calls are synchronous; zones keep them off their own threads by
// issuing them from I/O carriers.
type Layer interface {
	// BlockCount reports the number of physical blocks the layer holds.
	BlockCount() core.BlockCount

	// AllocateBuffer returns a buffer of exactly one block. why names the
	// occasion for diagnostics.
	AllocateBuffer(why string) []byte

	// ReadExtent fills buf with count blocks starting at pbn.
	ReadExtent(pbn core.PhysicalBlockNumber, count core.BlockCount, buf []byte) error

	// WriteExtent writes count blocks from buf starting at pbn.
	WriteExtent(pbn core.PhysicalBlockNumber, count core.BlockCount, buf []byte) error

	// ReadMetadata reads the single metadata block at pbn.
	ReadMetadata(pbn core.PhysicalBlockNumber, buf []byte) error

	// WriteMetadata writes the single metadata block at pbn.
	WriteMetadata(pbn core.PhysicalBlockNumber, buf []byte) error

	// HashBlock computes the block name of a data payload.
	HashBlock(data []byte) BlockName

	// CompressBlock compresses a data payload. It returns the compressed
	// bytes and true when compression saved space, or the original payload
	// and false when it did not.
	CompressBlock(data []byte) ([]byte, bool)

	// CompareBlocks reports whether two payloads hold identical data. Used
	// to verify deduplication advice before trusting it.
	CompareBlocks(a, b []byte) bool

	// Flush forces outstanding writes to stable storage.
	Flush() error
}
