package compressors

import (
	"fmt"
	"strings"

	"github.com/INLOpen/livedb/core"
)

// ParseType maps a config name ("none", "snappy", "lz4", "zstd", "deflate") to a CompressionType.
func ParseType(name string) (core.CompressionType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return core.CompressionNone, nil
	case "snappy":
		return core.CompressionSnappy, nil
	case "lz4":
		return core.CompressionLZ4, nil
	case "zstd":
		return core.CompressionZSTD, nil
	case "deflate", "gzip":
		return core.CompressionDeflate, nil
	default:
		return core.CompressionNone, fmt.Errorf("unknown compression %q", name)
	}
}

// New returns a compressor for the given type.
func New(t core.CompressionType) (core.Compressor, error) {
	switch t {
	case core.CompressionNone:
		return NewNoCompressionCompressor(), nil
	case core.CompressionSnappy:
		return NewSnappyCompressor(), nil
	case core.CompressionLZ4:
		return NewLz4Compressor(), nil
	case core.CompressionZSTD:
		return NewZstdCompressor(), nil
	case core.CompressionDeflate:
		return NewDeflateCompressor(), nil
	default:
		return nil, fmt.Errorf("unsupported compression type %d", t)
	}
}

// FromName is ParseType followed by New.
func FromName(name string) (core.Compressor, error) {
	t, err := ParseType(name)
	if err != nil {
		return nil, err
	}
	return New(t)
}
