package admin

import (
	"github.com/INLOpen/nexusvolume/core"
	"github.com/INLOpen/nexusvolume/dispatch"
)

// DrainableZone is the uniform contract every quiescable subsystem exposes:
// the packer, the logical zones, the block map, the recovery journal and the
// slab depot all implement it, which lets the phase sequencer treat them
// identically as phase targets.
type DrainableZone interface {
	// InitiateDrain idempotently begins stopping new work consistent with
	// target and finishes done once the zone's own busy counts reach zero
	// and, if the target requires it, its state has been persisted. Calling
	// it again while a compatible drain is in flight attaches done as an
	// additional waiter.
	InitiateDrain(target core.AdminStateCode, done *dispatch.Completion)

	// Resume returns a quiescent zone to normal operation.
	Resume(done *dispatch.Completion)
}
