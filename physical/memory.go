package physical

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/blake2b"

	"github.com/INLOpen/nexusvolume/compressors"
	"github.com/INLOpen/nexusvolume/core"
)

// MemoryLayer is an in-memory Layer for tests. It supports injecting read and
// write failures, either globally (fail the next N operations) or for
// specific physical blocks.
type MemoryLayer struct {
	mu         sync.Mutex
	blocks     [][]byte
	compressor compressors.Compressor

	// TestingOnlyFailReads fails the next N reads when positive.
	TestingOnlyFailReads atomic.Int32
	// TestingOnlyFailWrites fails the next N writes when positive.
	TestingOnlyFailWrites atomic.Int32

	failingPBNs map[core.PhysicalBlockNumber]error
}

var _ Layer = (*MemoryLayer)(nil)

// NewMemoryLayer creates a zero-filled in-memory layer.
func NewMemoryLayer(blockCount core.BlockCount) *MemoryLayer {
	return &MemoryLayer{
		blocks:      make([][]byte, blockCount),
		compressor:  compressors.NewSnappyCompressor(),
		failingPBNs: make(map[core.PhysicalBlockNumber]error),
	}
}

// FailPBN makes every access to pbn fail with err until cleared with a nil
// err.
func (l *MemoryLayer) FailPBN(pbn core.PhysicalBlockNumber, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.failingPBNs, pbn)
		return
	}
	l.failingPBNs[pbn] = err
}

func (l *MemoryLayer) BlockCount() core.BlockCount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return core.BlockCount(len(l.blocks))
}

func (l *MemoryLayer) AllocateBuffer(why string) []byte {
	_ = why
	return make([]byte, core.BlockSize)
}

func (l *MemoryLayer) ReadExtent(pbn core.PhysicalBlockNumber, count core.BlockCount, buf []byte) error {
	if l.TestingOnlyFailReads.Load() > 0 {
		l.TestingOnlyFailReads.Add(-1)
		return &core.IOError{Op: "read extent", PBN: pbn, Count: count, Err: fmt.Errorf("injected read failure")}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if int(pbn)+int(count) > len(l.blocks) {
		return &core.IOError{Op: "read extent", PBN: pbn, Count: count, Err: fmt.Errorf("extent out of range")}
	}
	for i := core.BlockCount(0); i < count; i++ {
		block := pbn + core.PhysicalBlockNumber(i)
		if err, ok := l.failingPBNs[block]; ok {
			return &core.IOError{Op: "read extent", PBN: block, Count: 1, Err: err}
		}
		dst := buf[int(i)*core.BlockSize : int(i+1)*core.BlockSize]
		if src := l.blocks[block]; src != nil {
			copy(dst, src)
		} else {
			for j := range dst {
				dst[j] = 0
			}
		}
	}
	return nil
}

func (l *MemoryLayer) WriteExtent(pbn core.PhysicalBlockNumber, count core.BlockCount, buf []byte) error {
	if l.TestingOnlyFailWrites.Load() > 0 {
		l.TestingOnlyFailWrites.Add(-1)
		return &core.IOError{Op: "write extent", PBN: pbn, Count: count, Err: fmt.Errorf("injected write failure")}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if int(pbn)+int(count) > len(l.blocks) {
		return &core.IOError{Op: "write extent", PBN: pbn, Count: count, Err: fmt.Errorf("extent out of range")}
	}
	for i := core.BlockCount(0); i < count; i++ {
		block := pbn + core.PhysicalBlockNumber(i)
		if err, ok := l.failingPBNs[block]; ok {
			return &core.IOError{Op: "write extent", PBN: block, Count: 1, Err: err}
		}
		src := buf[int(i)*core.BlockSize : int(i+1)*core.BlockSize]
		stored := make([]byte, core.BlockSize)
		copy(stored, src)
		l.blocks[block] = stored
	}
	return nil
}

func (l *MemoryLayer) ReadMetadata(pbn core.PhysicalBlockNumber, buf []byte) error {
	return l.ReadExtent(pbn, 1, buf)
}

func (l *MemoryLayer) WriteMetadata(pbn core.PhysicalBlockNumber, buf []byte) error {
	return l.WriteExtent(pbn, 1, buf)
}

func (l *MemoryLayer) HashBlock(data []byte) BlockName {
	return BlockName(blake2b.Sum256(data))
}

func (l *MemoryLayer) CompressBlock(data []byte) ([]byte, bool) {
	compressed, err := l.compressor.Compress(data)
	if err != nil || len(compressed) >= len(data) {
		return data, false
	}
	return compressed, true
}

func (l *MemoryLayer) CompareBlocks(a, b []byte) bool {
	return bytes.Equal(a, b)
}

func (l *MemoryLayer) Flush() error {
	return nil
}
