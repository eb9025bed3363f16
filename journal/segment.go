package journal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/INLOpen/livedb/core"
)

// maxRecordSize bounds the length prefix accepted when reading a segment.
const maxRecordSize = 512 * 1024 * 1024

var headerSize = int64(binary.Size(core.FileHeader{}))

// Segment represents a single journal segment file.
type Segment struct {
	file  *os.File
	path  string
	index uint64
}

// SegmentWriter handles writing records to a segment.
type SegmentWriter struct {
	*Segment
	writer *bufio.Writer
	size   int64
}

// SegmentReader handles reading records from a segment.
type SegmentReader struct {
	*Segment
	reader *bufio.Reader
	header core.FileHeader
	// offset is the end of the last complete record.
	offset int64
}

// CreateSegment creates a new segment file in the given directory.
func CreateSegment(dir string, index uint64, compression core.CompressionType) (*SegmentWriter, error) {
	path := filepath.Join(dir, core.FormatSegmentFileName(index))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}

	header := core.NewFileHeader(core.JournalMagicNumber, compression)
	if err := binary.Write(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write segment header to %s: %w", path, err)
	}

	return &SegmentWriter{
		Segment: &Segment{file: file, path: path, index: index},
		writer:  bufio.NewWriter(file),
		size:    headerSize,
	}, nil
}

// OpenSegmentForRead opens an existing segment file for reading.
func OpenSegmentForRead(path string) (*SegmentReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file for reading %s: %w", path, err)
	}

	var header core.FileHeader
	if err := binary.Read(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("segment file %s is truncated at header: %w", path, io.ErrUnexpectedEOF)
		}
		return nil, fmt.Errorf("failed to read segment header from %s: %w", path, err)
	}
	if header.Magic != core.JournalMagicNumber {
		file.Close()
		return nil, fmt.Errorf("%w: invalid magic number in segment %s: got %x, want %x", core.ErrCorrupt, path, header.Magic, core.JournalMagicNumber)
	}

	index, err := core.ParseSegmentFileName(filepath.Base(path))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("could not parse segment index from path %s: %w", path, err)
	}

	return &SegmentReader{
		Segment: &Segment{file: file, path: path, index: index},
		reader:  bufio.NewReader(file),
		header:  header,
		offset:  headerSize,
	}, nil
}

// WriteRecord writes a single record to the segment.
// Format: length (4 bytes) | data (variable) | checksum (4 bytes)
func (sw *SegmentWriter) WriteRecord(data []byte) error {
	if sw.file == nil {
		return os.ErrClosed
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := sw.writer.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("failed to write record length: %w", err)
	}
	if _, err := sw.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write record data: %w", err)
	}
	var crcBuf [core.ChecksumSize]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc32.ChecksumIEEE(data))
	if _, err := sw.writer.Write(crcBuf[:]); err != nil {
		return fmt.Errorf("failed to write record checksum: %w", err)
	}

	sw.size += int64(len(data) + 8)
	return nil
}

// Flush pushes buffered records to the OS without fsync.
func (sw *SegmentWriter) Flush() error {
	if sw.file == nil {
		return os.ErrClosed
	}
	return sw.writer.Flush()
}

// Sync flushes the buffered writer and syncs the file to disk.
func (sw *SegmentWriter) Sync() error {
	if err := sw.Flush(); err != nil {
		return err
	}
	return sw.file.Sync()
}

// Close flushes and closes the segment file.
func (sw *SegmentWriter) Close() error {
	if sw.file == nil {
		return nil
	}
	err := sw.Sync()
	closeErr := sw.file.Close()
	sw.file = nil
	if err != nil {
		return err
	}
	return closeErr
}

// Truncate drops everything past size, buffered or written, and continues
// writing from there.
func (sw *SegmentWriter) Truncate(size int64) error {
	if sw.file == nil {
		return os.ErrClosed
	}
	sw.writer.Reset(sw.file)
	if err := sw.file.Truncate(size); err != nil {
		return fmt.Errorf("failed to truncate segment %s to %d: %w", sw.path, size, err)
	}
	if _, err := sw.file.Seek(size, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek segment %s to %d: %w", sw.path, size, err)
	}
	sw.size = size
	return nil
}

// Size returns the bytes written to the segment, header included.
func (sw *SegmentWriter) Size() int64 {
	return sw.size
}

// ReadRecord reads a single record from the segment. It returns io.EOF at a
// clean end, io.ErrUnexpectedEOF for a record cut short, and core.ErrCorrupt
// for a checksum mismatch.
func (sr *SegmentReader) ReadRecord() ([]byte, error) {
	var lenBuf [4]byte
	n, err := io.ReadFull(sr.reader, lenBuf[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return nil, io.EOF
		}
		return nil, io.ErrUnexpectedEOF
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length > maxRecordSize {
		return nil, fmt.Errorf("%w: record length %d exceeds limit", core.ErrCorrupt, length)
	}

	buf := make([]byte, int(length)+core.ChecksumSize)
	if _, err := io.ReadFull(sr.reader, buf); err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	data := buf[:length]
	want := binary.LittleEndian.Uint32(buf[length:])
	if got := crc32.ChecksumIEEE(data); got != want {
		return nil, fmt.Errorf("%w: checksum mismatch in segment %d (got %08x, want %08x)", core.ErrCorrupt, sr.index, got, want)
	}

	sr.offset += int64(len(lenBuf) + len(buf))
	return data, nil
}

// Offset returns the file offset just past the last complete record read.
func (sr *SegmentReader) Offset() int64 {
	return sr.offset
}

// Compression returns the compression recorded in the segment header.
func (sr *SegmentReader) Compression() core.CompressionType {
	return sr.header.CompressorType
}

// Close closes the segment file.
func (sr *SegmentReader) Close() error {
	if sr.file == nil {
		return nil
	}
	err := sr.file.Close()
	sr.file = nil
	return err
}
