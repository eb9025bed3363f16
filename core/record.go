package core

import "time"

// OperationRecord is the durable unit written to the journal for every
// applied command.
type OperationRecord struct {
	Sequence    uint64
	Timestamp   int64 // UnixNano
	CommandType string
	Payload     []byte
}

// Time returns the record timestamp.
func (r OperationRecord) Time() time.Time {
	return time.Unix(0, r.Timestamp)
}

// JournalStore is the append-only log of operation records.
type JournalStore interface {
	// Append writes the record and returns once it is durable.
	Append(rec OperationRecord) error
	// ReadFrom returns every stored record with Sequence >= seq in order.
	ReadFrom(seq uint64) ([]OperationRecord, error)
	// Rotate starts a new segment; records appended afterwards land in it.
	Rotate() error
	// PurgeBefore removes closed segments whose records all have Sequence < seq.
	PurgeBefore(seq uint64) error
	// Reset discards every record and continues numbering after seq. Used when
	// a replica installs a snapshot from its primary.
	Reset(seq uint64) error
	// LastSequence is the highest sequence stored, or the Reset position.
	LastSequence() uint64
	// Size returns the total bytes appended since the store was opened.
	Size() int64
	Close() error
}

// SnapshotStore keeps full serialized copies of the model.
type SnapshotStore interface {
	Write(data []byte, seq uint64) (SnapshotInfo, error)
	// ReadLatest returns found=false when no snapshot exists.
	ReadLatest() (data []byte, info SnapshotInfo, found bool, err error)
	List() ([]SnapshotInfo, error)
	Prune(keep int) (deleted []string, err error)
}

// SnapshotInfo describes one stored snapshot.
type SnapshotInfo struct {
	ID        string
	Sequence  uint64
	CreatedAt time.Time
	Size      int64
}
