package compressors

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/INLOpen/livedb/core"
	"github.com/klauspost/compress/flate"
)

// DeflateCompressor implements the Compressor interface with raw DEFLATE streams.
type DeflateCompressor struct {
	level      int
	writerPool sync.Pool
}

var _ core.Compressor = (*DeflateCompressor)(nil)

// NewDeflateCompressor creates a compressor using flate.DefaultCompression.
func NewDeflateCompressor() *DeflateCompressor {
	return NewDeflateCompressorLevel(flate.DefaultCompression)
}

// NewDeflateCompressorLevel creates a compressor with an explicit flate level.
func NewDeflateCompressorLevel(level int) *DeflateCompressor {
	return &DeflateCompressor{level: level}
}

func (c *DeflateCompressor) writer(w io.Writer) (*flate.Writer, error) {
	if fw, ok := c.writerPool.Get().(*flate.Writer); ok {
		fw.Reset(w)
		return fw, nil
	}
	return flate.NewWriter(w, c.level)
}

func (c *DeflateCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.CompressTo(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *DeflateCompressor) CompressTo(dst *bytes.Buffer, src []byte) error {
	dst.Reset()
	fw, err := c.writer(dst)
	if err != nil {
		return fmt.Errorf("deflate writer: %w", err)
	}
	defer c.writerPool.Put(fw)

	if _, err := fw.Write(src); err != nil {
		return fmt.Errorf("deflate compress write error: %w", err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("deflate compress close error: %w", err)
	}
	return nil
}

func (c *DeflateCompressor) Decompress(data []byte) (io.ReadCloser, error) {
	return flate.NewReader(bytes.NewReader(data)), nil
}

func (c *DeflateCompressor) Type() core.CompressionType {
	return core.CompressionDeflate
}
