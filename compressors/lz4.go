package compressors

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/INLOpen/livedb/core"
	lz4 "github.com/pierrec/lz4/v4"
)

// LZ4Compressor implements the Compressor interface using the LZ4 block format.
// The block format does not carry the raw size, so every frame starts with it
// as a uvarint.
type LZ4Compressor struct{}

var _ core.Compressor = (*LZ4Compressor)(nil)

// maxLZ4RawSize bounds the size prefix accepted on decompression.
const maxLZ4RawSize = 256 * 1024 * 1024

var errLZ4Frame = errors.New("lz4: malformed frame")

func NewLz4Compressor() *LZ4Compressor {
	return &LZ4Compressor{}
}

func (c *LZ4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.CompressTo(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *LZ4Compressor) Decompress(data []byte) (io.ReadCloser, error) {
	rawLen, n := binary.Uvarint(data)
	if n <= 0 || rawLen > maxLZ4RawSize {
		return nil, errLZ4Frame
	}
	if rawLen == 0 {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	dst := make([]byte, rawLen)
	written, err := lz4.UncompressBlock(data[n:], dst)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress error: %w", err)
	}
	if uint64(written) != rawLen {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", errLZ4Frame, rawLen, written)
	}
	return io.NopCloser(bytes.NewReader(dst)), nil
}

func (c *LZ4Compressor) Type() core.CompressionType {
	return core.CompressionLZ4
}

// CompressTo compresses src data into the dst buffer using LZ4.
func (c *LZ4Compressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	var prefix [binary.MaxVarintLen64]byte
	dst.Write(prefix[:binary.PutUvarint(prefix[:], uint64(len(src)))])
	if len(src) == 0 {
		return nil
	}

	block := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := lz4.CompressBlock(src, block, nil)
	if err != nil {
		return fmt.Errorf("lz4 compress error: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("lz4 compression resulted in zero bytes for non-empty input")
	}
	dst.Write(block[:n])
	return nil
}
