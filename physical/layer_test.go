package physical

import (
	"bytes"
	"crypto/rand"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexusvolume/core"
)

func randomBlock(t *testing.T) []byte {
	t.Helper()
	data := make([]byte, core.BlockSize)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

func TestMemoryLayerExtentRoundTrip(t *testing.T) {
	l := NewMemoryLayer(16)
	data := randomBlock(t)
	require.NoError(t, l.WriteExtent(3, 1, data))

	buf := l.AllocateBuffer("test read")
	require.NoError(t, l.ReadExtent(3, 1, buf))
	assert.True(t, bytes.Equal(data, buf))

	// A block never written reads as zeroes.
	require.NoError(t, l.ReadExtent(7, 1, buf))
	assert.Equal(t, make([]byte, core.BlockSize), buf)
}

func TestMemoryLayerRejectsOutOfRangeExtents(t *testing.T) {
	l := NewMemoryLayer(4)
	buf := l.AllocateBuffer("oob")
	err := l.ReadExtent(4, 1, buf)
	require.Error(t, err)
	assert.True(t, core.IsIOError(err))

	err = l.WriteExtent(3, 2, make([]byte, 2*core.BlockSize))
	require.Error(t, err)
	assert.True(t, core.IsIOError(err))
}

func TestMemoryLayerFailPBN(t *testing.T) {
	l := NewMemoryLayer(8)
	boom := errors.New("bad sector")
	l.FailPBN(2, boom)

	buf := l.AllocateBuffer("fail read")
	err := l.ReadExtent(2, 1, buf)
	require.ErrorIs(t, err, boom)
	err = l.WriteExtent(2, 1, buf)
	require.ErrorIs(t, err, boom)

	// Clearing the injection restores the block.
	l.FailPBN(2, nil)
	require.NoError(t, l.WriteExtent(2, 1, buf))
}

func TestMemoryLayerInjectedFailureCounts(t *testing.T) {
	l := NewMemoryLayer(8)
	l.TestingOnlyFailReads.Store(1)

	buf := l.AllocateBuffer("injected")
	require.Error(t, l.ReadExtent(0, 1, buf))
	require.NoError(t, l.ReadExtent(0, 1, buf), "only the next N reads fail")
}

func TestHashBlockNamesContent(t *testing.T) {
	l := NewMemoryLayer(1)
	a := randomBlock(t)
	b := randomBlock(t)

	assert.Equal(t, l.HashBlock(a), l.HashBlock(a), "hashing is deterministic")
	assert.NotEqual(t, l.HashBlock(a), l.HashBlock(b))
}

func TestCompressBlockRefusesIncompressibleData(t *testing.T) {
	l := NewMemoryLayer(1)

	compressible := bytes.Repeat([]byte("pattern "), core.BlockSize/8)
	out, ok := l.CompressBlock(compressible)
	require.True(t, ok)
	assert.Less(t, len(out), len(compressible))

	_, ok = l.CompressBlock(randomBlock(t))
	assert.False(t, ok)
}

func TestFileLayerRoundTripAndStats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.data")
	l, err := NewFileLayer(FileLayerOptions{Path: path, BlockCount: 32})
	require.NoError(t, err)
	defer l.Close()

	data := randomBlock(t)
	require.NoError(t, l.WriteExtent(5, 1, data))
	require.NoError(t, l.Flush())

	buf := l.AllocateBuffer("file read")
	require.NoError(t, l.ReadExtent(5, 1, buf))
	assert.True(t, bytes.Equal(data, buf))

	stats := l.Stats()
	assert.Equal(t, uint64(1), stats.Reads)
	assert.Equal(t, uint64(1), stats.Writes)
}

func TestFileLayerPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.data")
	data := randomBlock(t)

	l, err := NewFileLayer(FileLayerOptions{Path: path, BlockCount: 8})
	require.NoError(t, err)
	require.NoError(t, l.WriteMetadata(2, data))
	require.NoError(t, l.Close())

	reopened, err := NewFileLayer(FileLayerOptions{Path: path, BlockCount: 8})
	require.NoError(t, err)
	defer reopened.Close()

	buf := reopened.AllocateBuffer("reopen read")
	require.NoError(t, reopened.ReadMetadata(2, buf))
	assert.True(t, bytes.Equal(data, buf))
}

func TestFileLayerRejectsShortBuffer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.data")
	l, err := NewFileLayer(FileLayerOptions{Path: path, BlockCount: 8})
	require.NoError(t, err)
	defer l.Close()

	err = l.WriteExtent(0, 2, make([]byte, core.BlockSize))
	require.Error(t, err)
	assert.True(t, core.IsIOError(err))
}
