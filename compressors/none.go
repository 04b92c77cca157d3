package compressors

import (
	"bytes"
	"io"
)

// NoCompressionCompressor passes data through unchanged.
type NoCompressionCompressor struct{}

type noopReadCloser struct {
	*bytes.Reader
}

func (nrc *noopReadCloser) Close() error {
	return nil
}

var _ Compressor = (*NoCompressionCompressor)(nil)

func (c *NoCompressionCompressor) Compress(data []byte) ([]byte, error) {
	return data, nil
}

func (c *NoCompressionCompressor) Decompress(data []byte) (io.ReadCloser, error) {
	return &noopReadCloser{Reader: bytes.NewReader(data)}, nil
}

func (c *NoCompressionCompressor) Type() CompressionType {
	return CompressionNone
}
