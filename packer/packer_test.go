package packer

import (
	"bytes"
	"crypto/rand"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexusvolume/compressors"
	"github.com/INLOpen/nexusvolume/core"
	"github.com/INLOpen/nexusvolume/dispatch"
	"github.com/INLOpen/nexusvolume/physical"
)

type packerFixture struct {
	d      *dispatch.Dispatcher
	layer  *physical.MemoryLayer
	packer *Packer
	next   atomic.Uint64
}

func newPackerFixture(t *testing.T) *packerFixture {
	t.Helper()
	d := dispatch.NewDispatcher(1, nil)
	t.Cleanup(d.Stop)

	f := &packerFixture{d: d, layer: physical.NewMemoryLayer(1024)}
	f.next.Store(100)
	p, err := New(Options{
		Dispatcher: d,
		Thread:     0,
		Layer:      f.layer,
		Allocate: func(cb func(pbn core.PhysicalBlockNumber, err error)) {
			cb(core.PhysicalBlockNumber(f.next.Add(1)-1), nil)
		},
	})
	require.NoError(t, err)
	f.packer = p
	return f
}

func (f *packerFixture) onThread(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, f.d.Enqueue(0, func() {
		fn()
		close(done)
	}))
	<-done
}

type fragResult struct {
	loc FragmentLocation
	err error
}

func (f *packerFixture) add(t *testing.T, lbn core.LogicalBlockNumber, data []byte) chan fragResult {
	t.Helper()
	ch := make(chan fragResult, 1)
	f.onThread(t, func() {
		f.packer.Add(lbn, data, func(loc FragmentLocation, err error) {
			ch <- fragResult{loc: loc, err: err}
		})
	})
	return ch
}

// compressibleBlock builds a block-sized buffer that compresses well and is
// distinguishable by seed.
func compressibleBlock(seed byte) []byte {
	data := make([]byte, core.BlockSize)
	for i := range data {
		data[i] = seed
	}
	return data
}

func TestFragmentsShareOnePackedBlock(t *testing.T) {
	f := newPackerFixture(t)

	first := f.add(t, 10, compressibleBlock('a'))
	second := f.add(t, 11, compressibleBlock('b'))
	f.onThread(t, func() {
		assert.Equal(t, 2, f.packer.PendingFragments())
		f.packer.Flush()
	})

	res1 := <-first
	res2 := <-second
	require.NoError(t, res1.err)
	require.NoError(t, res2.err)
	assert.Equal(t, res1.loc.PBN, res2.loc.PBN, "both fragments share the packed block")
	assert.Equal(t, uint8(0), res1.loc.Slot)
	assert.Equal(t, uint8(1), res2.loc.Slot)

	// The fragments read back to the original data.
	buf := make([]byte, core.BlockSize)
	require.NoError(t, f.layer.ReadExtent(res1.loc.PBN, 1, buf))
	compressor := compressors.NewSnappyCompressor()
	got1, err := ReadFragment(buf, int(res1.loc.Slot), compressor)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(compressibleBlock('a'), got1))
	got2, err := ReadFragment(buf, int(res2.loc.Slot), compressor)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(compressibleBlock('b'), got2))
}

func TestIncompressibleDataIsRejected(t *testing.T) {
	f := newPackerFixture(t)

	data := make([]byte, core.BlockSize)
	_, err := rand.Read(data)
	require.NoError(t, err)

	res := <-f.add(t, 5, data)
	assert.ErrorIs(t, res.err, ErrFragmentTooBig)
	f.onThread(t, func() {
		assert.Equal(t, 0, f.packer.PendingFragments())
	})
}

func TestFullBinSealsItself(t *testing.T) {
	f := newPackerFixture(t)

	results := make([]chan fragResult, MaxFragments)
	for i := range results {
		results[i] = f.add(t, core.LogicalBlockNumber(i), compressibleBlock(byte('a'+i)))
	}

	for i, ch := range results {
		select {
		case res := <-ch:
			require.NoError(t, res.err)
			assert.Equal(t, uint8(i), res.loc.Slot)
		case <-time.After(5 * time.Second):
			t.Fatalf("fragment %d never settled", i)
		}
	}
	f.onThread(t, func() {
		assert.Equal(t, 0, f.packer.PendingFragments())
	})
}

func TestDrainSealsPartialBin(t *testing.T) {
	f := newPackerFixture(t)

	pending := f.add(t, 20, compressibleBlock('x'))

	drained := make(chan error, 1)
	f.onThread(t, func() {
		f.packer.InitiateDrain(core.StateSuspending,
			dispatch.NewCompletion(f.d, 0, func(err error) { drained <- err }))
	})
	require.NoError(t, <-drained)
	require.NoError(t, (<-pending).err, "accepted fragments must be durable before the drain settles")

	f.onThread(t, func() {
		assert.Equal(t, core.StateSuspended, f.packer.State().Code())
	})

	refused := f.add(t, 21, compressibleBlock('y'))
	assert.ErrorIs(t, (<-refused).err, core.ErrInvalidState)

	resumed := make(chan error, 1)
	f.onThread(t, func() {
		f.packer.Resume(dispatch.NewCompletion(f.d, 0, func(err error) { resumed <- err }))
	})
	require.NoError(t, <-resumed)

	ok := f.add(t, 22, compressibleBlock('z'))
	f.onThread(t, func() { f.packer.Flush() })
	require.NoError(t, (<-ok).err)
}

func TestDrainReportsEarlierBinWriteFailure(t *testing.T) {
	f := newPackerFixture(t)

	injected := errors.New("packed block device failed")
	f.layer.FailPBN(100, injected)

	// Seal one bin against the failing block, leave a second fragment for the
	// drain to seal cleanly, and drain with both writes in flight. The drain
	// result must carry the first bin's failure even though the second bin
	// settles last.
	failing := make(chan fragResult, 1)
	clean := make(chan fragResult, 1)
	drained := make(chan error, 1)
	f.onThread(t, func() {
		f.packer.Add(30, compressibleBlock('a'), func(loc FragmentLocation, err error) {
			failing <- fragResult{loc: loc, err: err}
		})
		f.packer.Flush()
		f.packer.Add(31, compressibleBlock('b'), func(loc FragmentLocation, err error) {
			clean <- fragResult{loc: loc, err: err}
		})
		f.packer.InitiateDrain(core.StateSuspending,
			dispatch.NewCompletion(f.d, 0, func(err error) { drained <- err }))
	})

	assert.ErrorIs(t, <-drained, injected)
	assert.ErrorIs(t, (<-failing).err, injected)
	require.NoError(t, (<-clean).err)
	f.onThread(t, func() {
		assert.Equal(t, core.StateSuspended, f.packer.State().Code(),
			"a failed drain still comes to rest")
	})
}

func TestAllocationFailureFailsFragments(t *testing.T) {
	d := dispatch.NewDispatcher(1, nil)
	t.Cleanup(d.Stop)

	layer := physical.NewMemoryLayer(1024)
	p, err := New(Options{
		Dispatcher: d,
		Thread:     0,
		Layer:      layer,
		Allocate: func(cb func(pbn core.PhysicalBlockNumber, err error)) {
			cb(0, core.ErrNoSpace)
		},
	})
	require.NoError(t, err)
	f := &packerFixture{d: d, layer: layer, packer: p}

	res := f.add(t, 1, compressibleBlock('q'))
	f.onThread(t, func() { f.packer.Flush() })
	assert.ErrorIs(t, (<-res).err, core.ErrNoSpace)
}
