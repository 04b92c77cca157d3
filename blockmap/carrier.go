package blockmap

import (
	"github.com/INLOpen/nexusvolume/physical"
)

// carrier is a reusable buffer for one page-sized read or write. The pool
// bounds how many page I/Os a zone can have in flight at once.
type carrier struct {
	buf []byte
}

// carrierPool hands out carriers on the owning zone thread. When the pool is
// empty, acquirers wait in FIFO order and are resumed as carriers return.
// All methods must be called on the zone thread.
type carrierPool struct {
	free    []*carrier
	waiters []func(*carrier)
	busy    int
}

func newCarrierPool(layer physical.Layer, size int) *carrierPool {
	p := &carrierPool{free: make([]*carrier, 0, size)}
	for i := 0; i < size; i++ {
		p.free = append(p.free, &carrier{buf: layer.AllocateBuffer("block map page carrier")})
	}
	return p
}

// acquire invokes fn with a carrier, immediately if one is free, otherwise
// once a carrier is released. fn runs on the zone thread either way.
func (p *carrierPool) acquire(fn func(*carrier)) {
	if n := len(p.free); n > 0 {
		c := p.free[n-1]
		p.free = p.free[:n-1]
		p.busy++
		fn(c)
		return
	}
	p.waiters = append(p.waiters, fn)
}

// release returns a carrier to the pool, handing it straight to the oldest
// waiter if any.
func (p *carrierPool) release(c *carrier) {
	if len(p.waiters) > 0 {
		fn := p.waiters[0]
		p.waiters = p.waiters[1:]
		fn(c)
		return
	}
	p.busy--
	p.free = append(p.free, c)
}

// busyCount reports carriers currently out of the pool. A zone drain is not
// complete until this returns to zero.
func (p *carrierPool) busyCount() int {
	return p.busy
}
