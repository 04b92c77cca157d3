// Package compressors provides the block compression codecs used by the
// packer and the physical layer's compress capability.
package compressors

import "io"

// CompressionType identifies a codec in persisted metadata.
type CompressionType uint8

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionLZ4
	CompressionZstd
)

func (t CompressionType) String() string {
	switch t {
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return "none"
	}
}

// Compressor is the codec contract. Compress returns the compressed payload;
// Decompress returns a reader over the original bytes.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) (io.ReadCloser, error)
	Type() CompressionType
}

// ForName returns the compressor registered for a config name. Unknown names
// fall back to no compression.
func ForName(name string) Compressor {
	switch name {
	case "snappy":
		return NewSnappyCompressor()
	case "lz4":
		return NewLz4Compressor()
	case "zstd":
		return NewZstdCompressor()
	default:
		return &NoCompressionCompressor{}
	}
}
