package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSegmentFileName(t *testing.T) {
	name := FormatSegmentFileName(12)
	assert.Equal(t, "00000012.journal", name)

	idx, err := ParseSegmentFileName(name)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), idx)

	_, err = ParseSegmentFileName("00000012.snapshot")
	assert.Error(t, err)
}

func TestSnapshotFileName(t *testing.T) {
	name := FormatSnapshotFileName(42)
	seq, err := ParseSnapshotFileName(name)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), seq)

	_, err = ParseSnapshotFileName("LOCK")
	assert.Error(t, err)
}

func TestNewFileHeader(t *testing.T) {
	h := NewFileHeader(JournalMagicNumber, CompressionZSTD)
	assert.Equal(t, JournalMagicNumber, h.Magic)
	assert.Equal(t, FormatVersion, h.Version)
	assert.Equal(t, "zstd", h.CompressorType.String())
	assert.Equal(t, 14, h.Size())
}

func TestEqualBytes(t *testing.T) {
	assert.True(t, EqualBytes([]byte("abc"), []byte("abc")))
	assert.False(t, EqualBytes([]byte("abc"), []byte("abd")))
	assert.True(t, EqualBytes(nil, []byte{}))
}
