package replication

import (
	"fmt"
	"time"

	"github.com/INLOpen/livedb/core"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the wire format. Messages are encoded as protobuf so peers
// can skip fields they do not know.
const (
	fieldKind        protowire.Number = 1
	fieldCode        protowire.Number = 2
	fieldError       protowire.Number = 3
	fieldRequiresAck protowire.Number = 4
	fieldNodeID      protowire.Number = 5
	fieldSequence    protowire.Number = 6
	fieldHost        protowire.Number = 7
	fieldPort        protowire.Number = 8
	fieldSnapshot    protowire.Number = 9
	fieldWaitMillis  protowire.Number = 10
	fieldRecord      protowire.Number = 11

	fieldRecordSequence    protowire.Number = 1
	fieldRecordTimestamp   protowire.Number = 2
	fieldRecordCommandType protowire.Number = 3
	fieldRecordPayload     protowire.Number = 4
)

// MarshalMessage encodes m. Zero fields are omitted.
func MarshalMessage(m *Message) ([]byte, error) {
	if m == nil || m.Kind == KindUnknown {
		return nil, fmt.Errorf("%w: missing kind", ErrMalformedMessage)
	}
	size := 32 + len(m.Error) + len(m.NodeID) + len(m.Host) + len(m.Snapshot) + len(m.Record.CommandType) + len(m.Record.Payload)
	b := make([]byte, 0, size)

	b = appendVarint(b, fieldKind, uint64(m.Kind))
	b = appendVarint(b, fieldCode, uint64(m.Code))
	b = appendString(b, fieldError, m.Error)
	if m.RequiresAck {
		b = appendVarint(b, fieldRequiresAck, 1)
	}
	b = appendString(b, fieldNodeID, m.NodeID)
	b = appendVarint(b, fieldSequence, m.Sequence)
	b = appendString(b, fieldHost, m.Host)
	b = appendVarint(b, fieldPort, uint64(m.Port))
	if len(m.Snapshot) > 0 {
		b = protowire.AppendTag(b, fieldSnapshot, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Snapshot)
	}
	b = appendVarint(b, fieldWaitMillis, uint64(m.WaitTime.Milliseconds()))
	if m.Kind == KindOperation {
		b = protowire.AppendTag(b, fieldRecord, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalRecord(m.Record))
	}
	return b, nil
}

func marshalRecord(rec core.OperationRecord) []byte {
	b := make([]byte, 0, 24+len(rec.CommandType)+len(rec.Payload))
	b = appendVarint(b, fieldRecordSequence, rec.Sequence)
	b = appendVarint(b, fieldRecordTimestamp, protowire.EncodeZigZag(rec.Timestamp))
	b = appendString(b, fieldRecordCommandType, rec.CommandType)
	if len(rec.Payload) > 0 {
		b = protowire.AppendTag(b, fieldRecordPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, rec.Payload)
	}
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// UnmarshalMessage decodes a frame produced by MarshalMessage. Unknown
// fields are skipped. Byte fields are copied out of data.
func UnmarshalMessage(data []byte) (*Message, error) {
	m := &Message{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Kind = Kind(v)
			return n, nil
		case num == fieldCode && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Code = ErrorCode(v)
			return n, nil
		case num == fieldError && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.Error = v
			return n, nil
		case num == fieldRequiresAck && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.RequiresAck = v != 0
			return n, nil
		case num == fieldNodeID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.NodeID = v
			return n, nil
		case num == fieldSequence && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Sequence = v
			return n, nil
		case num == fieldHost && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.Host = v
			return n, nil
		case num == fieldPort && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Port = int(v)
			return n, nil
		case num == fieldSnapshot && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			m.Snapshot = append([]byte(nil), v...)
			return n, nil
		case num == fieldWaitMillis && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.WaitTime = time.Duration(v) * time.Millisecond
			return n, nil
		case num == fieldRecord && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			rec, err := unmarshalRecord(v)
			if err != nil {
				return 0, err
			}
			m.Record = rec
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	if m.Kind == KindUnknown || m.Kind > KindAck {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformedMessage, m.Kind)
	}
	if m.Kind == KindOperation && (m.Record.Sequence == 0 || m.Record.CommandType == "") {
		return nil, fmt.Errorf("%w: operation without record", ErrMalformedMessage)
	}
	return m, nil
}

func unmarshalRecord(data []byte) (core.OperationRecord, error) {
	var rec core.OperationRecord
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldRecordSequence && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			rec.Sequence = v
			return n, nil
		case num == fieldRecordTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			rec.Timestamp = protowire.DecodeZigZag(v)
			return n, nil
		case num == fieldRecordCommandType && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			rec.CommandType = v
			return n, nil
		case num == fieldRecordPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			rec.Payload = append([]byte(nil), v...)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return rec, err
}

// walkFields calls fn for every field in b. fn returns the bytes it consumed
// after the tag, or a negative protowire error code.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformedMessage, protowire.ParseError(n))
		}
		b = b[n:]
		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformedMessage, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}
