// Package dedupindex defines the deduplication index capability: a mapping
// from block name (content hash) to dedup advice. The engine consumes the
// index through the Index interface only; the algorithm behind it is
// replaceable.
package dedupindex

import (
	"github.com/INLOpen/nexusvolume/core"
	"github.com/INLOpen/nexusvolume/physical"
)

// Advice is a stored hint: where a block with a given name may already live.
// Advice is not trusted; callers must verify the data before deduplicating
// against it.
type Advice struct {
	PBN   core.PhysicalBlockNumber
	State core.MappingState

	// Slot locates the fragment within a packed block when State is
	// MappingCompressed.
	Slot uint8
}

// Index is the deduplication index capability.
type Index interface {
	// Lookup returns the advice recorded for name, if any.
	Lookup(name physical.BlockName) (Advice, bool, error)

	// Update records or replaces the advice for name.
	Update(name physical.BlockName, advice Advice) error

	// Remove forgets the advice for name. Removing an absent name is not an
	// error.
	Remove(name physical.BlockName) error

	// Len reports the number of named blocks.
	Len() int

	// Clear drops every entry; used by rebuild.
	Clear() error

	Close() error
}
