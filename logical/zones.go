// Package logical implements the logical zones: the admission layer for data
// requests. Each zone counts its in-flight requests on its own thread and
// holds a per-block lock, so racing requests to the same logical block run
// one at a time; draining a zone stops admission and settles once the count
// reaches zero.
package logical

import (
	"fmt"
	"log/slog"

	"github.com/INLOpen/nexusvolume/admin"
	"github.com/INLOpen/nexusvolume/core"
	"github.com/INLOpen/nexusvolume/dispatch"
)

// Zone is one logical zone. All methods run on the zone's thread.
type Zone struct {
	zoneNumber core.ZoneCount
	thread     core.ThreadID
	logger     *slog.Logger
	state      *admin.State

	activeRequests  int
	flushGeneration core.SequenceNumber

	// locks holds one entry per logical block with a request in flight; the
	// slice queues requests waiting for that block, FIFO.
	locks map[core.LogicalBlockNumber][]func(err error)
}

// ZoneNumber returns the zone's index.
func (z *Zone) ZoneNumber() core.ZoneCount {
	return z.zoneNumber
}

// Thread returns the zone's owning thread.
func (z *Zone) Thread() core.ThreadID {
	return z.thread
}

// State exposes the zone's admin state.
func (z *Zone) State() *admin.State {
	return z.state
}

// ActiveRequests reports data requests currently in flight.
func (z *Zone) ActiveRequests() int {
	return z.activeRequests
}

// LaunchRequest admits one data request for lbn and acquires its block lock.
// granted runs on the zone thread: immediately when the block is free,
// otherwise once the earlier holder finishes, so requests racing to one
// logical block run one at a time. Admission is refused while draining or
// quiescent.
func (z *Zone) LaunchRequest(lbn core.LogicalBlockNumber, granted func(err error)) {
	if !z.state.IsNormal() {
		granted(fmt.Errorf("data request in state %s: %w", z.state.Code(), core.ErrInvalidState))
		return
	}
	z.activeRequests++
	if _, held := z.locks[lbn]; held {
		z.locks[lbn] = append(z.locks[lbn], granted)
		return
	}
	z.locks[lbn] = nil
	granted(nil)
}

// FinishRequest retires one data request, handing lbn's lock to the oldest
// waiter if any.
func (z *Zone) FinishRequest(lbn core.LogicalBlockNumber) {
	if z.activeRequests == 0 {
		z.logger.Error("request count underflow", "lbn", lbn)
		return
	}
	z.activeRequests--
	if waiters := z.locks[lbn]; len(waiters) > 0 {
		next := waiters[0]
		z.locks[lbn] = waiters[1:]
		next(nil)
	} else {
		delete(z.locks, lbn)
	}
	z.checkDrainComplete()
}

// LockedBlocks reports logical blocks with a request in flight.
func (z *Zone) LockedBlocks() int {
	return len(z.locks)
}

// NoteFlushGeneration records the newest journal generation this zone has
// observed; requests admitted afterwards depend on it.
func (z *Zone) NoteFlushGeneration(seq core.SequenceNumber) {
	if seq > z.flushGeneration {
		z.flushGeneration = seq
	}
}

// FlushGeneration returns the newest observed journal generation.
func (z *Zone) FlushGeneration() core.SequenceNumber {
	return z.flushGeneration
}

// InitiateDrain stops admission and finishes done once every in-flight
// request retires.
func (z *Zone) InitiateDrain(target core.AdminStateCode, done *dispatch.Completion) {
	if !z.state.StartDraining(target, done) {
		return
	}
	z.checkDrainComplete()
}

// Resume returns a quiescent zone to normal operation.
func (z *Zone) Resume(done *dispatch.Completion) {
	if !z.state.Code().IsQuiescent() {
		done.Finish(fmt.Errorf("logical zone resume from state %s: %w", z.state.Code(), core.ErrInvalidState))
		return
	}
	z.state.SetCode(core.StateNormal)
	done.Finish(nil)
}

func (z *Zone) checkDrainComplete() {
	if z.state.IsDraining() && z.activeRequests == 0 {
		z.state.FinishOperation(nil)
	}
}

// Zones is the set of logical zones, striped over the logical space.
type Zones struct {
	d      *dispatch.Dispatcher
	logger *slog.Logger
	zones  []*Zone
}

// NewZones creates one logical zone per thread.
func NewZones(d *dispatch.Dispatcher, threads []core.ThreadID, logger *slog.Logger) (*Zones, error) {
	if d == nil || len(threads) == 0 {
		return nil, fmt.Errorf("logical zones require a dispatcher and at least one thread: %w", core.ErrInvalidState)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "LogicalZones")

	zs := &Zones{d: d, logger: logger, zones: make([]*Zone, len(threads))}
	for i, thread := range threads {
		state := admin.NewState()
		state.SetCode(core.StateNormal)
		zs.zones[i] = &Zone{
			zoneNumber: core.ZoneCount(i),
			thread:     thread,
			logger:     logger.With("zone", i),
			state:      state,
			locks:      make(map[core.LogicalBlockNumber][]func(error)),
		}
	}
	return zs, nil
}

// ZoneCount returns the number of logical zones.
func (zs *Zones) ZoneCount() core.ZoneCount {
	return core.ZoneCount(len(zs.zones))
}

// Zone returns the zone at index i.
func (zs *Zones) Zone(i core.ZoneCount) *Zone {
	return zs.zones[i]
}

// ZoneForLBN returns the zone admitting requests for lbn.
func (zs *Zones) ZoneForLBN(lbn core.LogicalBlockNumber) *Zone {
	return zs.zones[int(lbn)%len(zs.zones)]
}

// DrainZones drains every logical zone toward target.
func (zs *Zones) DrainZones(target core.AdminStateCode, done *dispatch.Completion) {
	g := dispatch.NewGather(done)
	for _, zone := range zs.zones {
		z := zone
		sub := g.Sub()
		if err := zs.d.Enqueue(z.thread, func() {
			z.InitiateDrain(target, sub)
		}); err != nil {
			sub.Finish(err)
		}
	}
	g.Launch()
}

// ResumeZones resumes every logical zone.
func (zs *Zones) ResumeZones(done *dispatch.Completion) {
	g := dispatch.NewGather(done)
	for _, zone := range zs.zones {
		z := zone
		sub := g.Sub()
		if err := zs.d.Enqueue(z.thread, func() {
			z.Resume(sub)
		}); err != nil {
			sub.Finish(err)
		}
	}
	g.Launch()
}
