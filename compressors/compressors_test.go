package compressors

import (
	"bytes"
	"io"
	"testing"

	"github.com/INLOpen/livedb/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allCompressors() []core.Compressor {
	return []core.Compressor{
		NewNoCompressionCompressor(),
		NewSnappyCompressor(),
		NewLz4Compressor(),
		NewZstdCompressor(),
		NewDeflateCompressor(),
	}
}

func TestCompressors_RoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{name: "simple string", data: []byte("hello world, this is a test of the compressor")},
		{name: "repetitive data", data: bytes.Repeat([]byte("a"), 64*1024)},
		{name: "empty data", data: []byte{}},
		{name: "random-ish data", data: []byte("82f7b5a3e1d9c0f4b8a6d2c1e0f3a9b8d7c6e5f4a3b2c1d0e9f8a7b6c5d4e3f2")},
	}

	for _, c := range allCompressors() {
		for _, tc := range testCases {
			t.Run(c.Type().String()+"/"+tc.name, func(t *testing.T) {
				compressed, err := c.Compress(tc.data)
				require.NoError(t, err)

				rc, err := c.Decompress(compressed)
				require.NoError(t, err)
				got, err := io.ReadAll(rc)
				require.NoError(t, err)
				require.NoError(t, rc.Close())
				assert.True(t, core.EqualBytes(tc.data, got), "Decompress(Compress(x)) != x")

				var buf bytes.Buffer
				buf.WriteString("garbage that must be discarded")
				require.NoError(t, c.CompressTo(&buf, tc.data))
				got, err = core.DecompressAll(c, buf.Bytes())
				require.NoError(t, err)
				assert.True(t, core.EqualBytes(tc.data, got), "Decompress(CompressTo(x)) != x")
			})
		}
	}
}

func TestCompressors_ReuseAcrossCalls(t *testing.T) {
	c := NewZstdCompressor()
	for i := 0; i < 20; i++ {
		data := bytes.Repeat([]byte{byte(i)}, 100+i)
		compressed, err := c.Compress(data)
		require.NoError(t, err)
		got, err := core.DecompressAll(c, compressed)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}
}

func TestCompressors_CorruptInput(t *testing.T) {
	_, err := NewSnappyCompressor().Decompress([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)

	_, err = NewLz4Compressor().Decompress(nil)
	assert.Error(t, err)
}

func TestFactory(t *testing.T) {
	testCases := map[string]core.CompressionType{
		"":        core.CompressionNone,
		"none":    core.CompressionNone,
		"Snappy":  core.CompressionSnappy,
		"lz4":     core.CompressionLZ4,
		"zstd":    core.CompressionZSTD,
		"deflate": core.CompressionDeflate,
	}
	for name, want := range testCases {
		c, err := FromName(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, c.Type())
	}

	_, err := FromName("brotli")
	assert.Error(t, err)
	_, err = New(core.CompressionType(42))
	assert.Error(t, err)
}
