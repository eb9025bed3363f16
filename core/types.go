package core

import (
	"bytes"
	"io"
)

// CompressionType identifies the compression algorithm used.
// This will be stored on disk to know how to decompress.
type CompressionType byte

const (
	CompressionNone    CompressionType = 0
	CompressionSnappy  CompressionType = 1
	CompressionLZ4     CompressionType = 2
	CompressionZSTD    CompressionType = 3
	CompressionDeflate CompressionType = 4
)

// Compressor defines the interface for compression and decompression algorithms.
type Compressor interface {
	// Compress compresses the input data.
	Compress(data []byte) ([]byte, error)
	CompressTo(dst *bytes.Buffer, src []byte) error
	// Decompress decompresses the input data.
	Decompress(data []byte) (io.ReadCloser, error)
	// Type returns the CompressionType identifier for this compressor.
	Type() CompressionType
}

// String returns the string representation of the CompressionType.
func (ct CompressionType) String() string {
	switch ct {
	case CompressionNone:
		return "none"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	case CompressionDeflate:
		return "deflate"
	default:
		return "unknown"
	}
}

// Serializer turns commands and models into bytes and back.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// DecompressAll is a convenience wrapper reading the whole decompressed stream.
func DecompressAll(c Compressor, data []byte) ([]byte, error) {
	rc, err := c.Decompress(data)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// EqualBytes reports whether a and b hold the same bytes.
func EqualBytes(a, b []byte) bool {
	return bytes.Equal(a, b)
}

const (
	SeqNumSize   = 8
	ChecksumSize = 4
)
