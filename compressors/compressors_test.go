package compressors

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, c Compressor, data []byte) {
	t.Helper()
	compressed, err := c.Compress(data)
	require.NoError(t, err, "Compress should succeed")

	rc, err := c.Decompress(compressed)
	require.NoError(t, err, "Decompress should succeed")
	defer rc.Close()

	out, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, out), "round trip should restore the original data")
}

func TestCompressors_RoundTrip(t *testing.T) {
	// Repetitive data so every codec actually shrinks it.
	data := bytes.Repeat([]byte("nexusvolume block payload "), 200)

	testCases := []struct {
		name string
		c    Compressor
		typ  CompressionType
	}{
		{"none", &NoCompressionCompressor{}, CompressionNone},
		{"snappy", NewSnappyCompressor(), CompressionSnappy},
		{"lz4", NewLz4Compressor(), CompressionLZ4},
		{"zstd", NewZstdCompressor(), CompressionZstd},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			roundTrip(t, tc.c, data)
			roundTrip(t, tc.c, nil)
			assert.Equal(t, tc.typ, tc.c.Type())
		})
	}
}

func TestForName(t *testing.T) {
	assert.Equal(t, CompressionSnappy, ForName("snappy").Type())
	assert.Equal(t, CompressionLZ4, ForName("lz4").Type())
	assert.Equal(t, CompressionZstd, ForName("zstd").Type())
	assert.Equal(t, CompressionNone, ForName("").Type())
	assert.Equal(t, CompressionNone, ForName("unknown").Type())
}
