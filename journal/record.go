package journal

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/livedb/core"
)

// encodeRecord lays out an operation record as
// seq (8) | timestamp (8) | uvarint type length | type | payload.
// The payload is compressed with c.
func encodeRecord(buf *bytes.Buffer, rec core.OperationRecord, c core.Compressor) error {
	var fixed [16]byte
	binary.LittleEndian.PutUint64(fixed[0:8], rec.Sequence)
	binary.LittleEndian.PutUint64(fixed[8:16], uint64(rec.Timestamp))
	buf.Write(fixed[:])

	var lenBuf [binary.MaxVarintLen64]byte
	buf.Write(lenBuf[:binary.PutUvarint(lenBuf[:], uint64(len(rec.CommandType)))])
	buf.WriteString(rec.CommandType)

	compressed := core.BufferPool.Get()
	defer core.BufferPool.Put(compressed)
	if err := c.CompressTo(compressed, rec.Payload); err != nil {
		return fmt.Errorf("compress payload of record %d: %w", rec.Sequence, err)
	}
	buf.Write(compressed.Bytes())
	return nil
}

func decodeRecord(data []byte, c core.Compressor) (core.OperationRecord, error) {
	var rec core.OperationRecord
	if len(data) < 16 {
		return rec, fmt.Errorf("%w: record shorter than header", core.ErrCorrupt)
	}
	rec.Sequence = binary.LittleEndian.Uint64(data[0:8])
	rec.Timestamp = int64(binary.LittleEndian.Uint64(data[8:16]))
	rest := data[16:]

	typeLen, n := binary.Uvarint(rest)
	if n <= 0 || uint64(len(rest)-n) < typeLen {
		return rec, fmt.Errorf("%w: bad command type length in record %d", core.ErrCorrupt, rec.Sequence)
	}
	rest = rest[n:]
	rec.CommandType = string(rest[:typeLen])
	rest = rest[typeLen:]

	payload, err := core.DecompressAll(c, rest)
	if err != nil {
		return rec, fmt.Errorf("%w: decompress payload of record %d: %v", core.ErrCorrupt, rec.Sequence, err)
	}
	rec.Payload = payload
	return rec, nil
}
