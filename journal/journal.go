package journal

import (
	"bytes"
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/livedb/compressors"
	"github.com/INLOpen/livedb/core"
	"github.com/INLOpen/livedb/hooks"
	"github.com/INLOpen/livedb/sys"
)

// SyncMode defines how frequently the journal is synced to disk.
type SyncMode string

const (
	SyncAlways   SyncMode = "always"   // fsync after every append
	SyncDisabled SyncMode = "disabled" // no fsync, for tests and benchmarks only
)

// segmentInfo tracks the sequence range held by one segment.
type segmentInfo struct {
	index    uint64
	firstSeq uint64
	lastSeq  uint64
	records  int
}

// Journal is the append-only, segmented operation log.
type Journal struct {
	dir  string
	mu   sync.Mutex
	opts Options

	compressor    core.Compressor
	activeSegment *SegmentWriter
	segments      []*segmentInfo
	lastSeq       uint64
	closed        bool

	bytesAppended atomic.Int64

	metricsBytesWritten   *expvar.Int
	metricsEntriesWritten *expvar.Int

	logger      *slog.Logger
	hookManager hooks.HookManager

	testingOnlyInjectAppendError error
	testingOnlyInjectSyncError   error
}

var _ core.JournalStore = (*Journal)(nil)

// Options holds configuration for the journal.
type Options struct {
	Dir            string
	SyncMode       SyncMode
	MaxSegmentSize int64
	// Compressor is applied to record payloads. Nil means no compression.
	Compressor     core.Compressor
	BytesWritten   *expvar.Int
	EntriesWritten *expvar.Int
	Logger         *slog.Logger
	HookManager    hooks.HookManager
}

// Open creates or opens a journal directory. Existing segments are scanned to
// rebuild the sequence index. A torn record at the tail of the last segment is
// truncated away; damage anywhere else fails Open.
func Open(opts Options) (*Journal, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = core.JournalMaxSegmentSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = SyncAlways
	}
	if opts.Compressor == nil {
		opts.Compressor = compressors.NewNoCompressionCompressor()
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory %s: %w", opts.Dir, err)
	}

	j := &Journal{
		dir:                   opts.Dir,
		opts:                  opts,
		compressor:            opts.Compressor,
		logger:                opts.Logger.With("component", "Journal"),
		metricsBytesWritten:   opts.BytesWritten,
		metricsEntriesWritten: opts.EntriesWritten,
		hookManager:           opts.HookManager,
	}

	if err := j.loadSegments(); err != nil {
		return nil, fmt.Errorf("failed to load journal segments: %w", err)
	}
	if err := j.rotateLocked(); err != nil {
		return nil, fmt.Errorf("failed to open journal for appending: %w", err)
	}
	return j, nil
}

// loadSegments scans the directory and indexes every segment.
func (j *Journal) loadSegments() error {
	files, err := os.ReadDir(j.dir)
	if err != nil {
		return fmt.Errorf("failed to read journal directory %s: %w", j.dir, err)
	}

	var indexes []uint64
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		if index, err := core.ParseSegmentFileName(file.Name()); err == nil {
			indexes = append(indexes, index)
		}
	}
	sort.Slice(indexes, func(a, b int) bool { return indexes[a] < indexes[b] })

	for i, index := range indexes {
		isLast := i == len(indexes)-1
		info, err := j.scanSegment(index, isLast)
		if err != nil {
			return err
		}
		if info.records > 0 {
			if j.lastSeq != 0 && info.firstSeq != j.lastSeq+1 {
				return fmt.Errorf("%w: segment %d starts at %d after %d", core.ErrSequenceGap, index, info.firstSeq, j.lastSeq)
			}
			j.lastSeq = info.lastSeq
		}
		j.segments = append(j.segments, info)
	}
	return nil
}

// scanSegment reads a segment once to find its sequence range.
func (j *Journal) scanSegment(index uint64, isLast bool) (*segmentInfo, error) {
	path := filepath.Join(j.dir, core.FormatSegmentFileName(index))
	info := &segmentInfo{index: index}

	reader, err := OpenSegmentForRead(path)
	if err != nil {
		if isLast && errors.Is(err, io.ErrUnexpectedEOF) {
			// Crash while creating the segment. Nothing in it was ever acknowledged.
			j.logger.Warn("Removing journal segment with a torn header", "path", path)
			return info, os.Remove(path)
		}
		return nil, err
	}
	defer reader.Close()

	c, err := compressors.New(reader.Compression())
	if err != nil {
		return nil, fmt.Errorf("segment %s: %w", path, err)
	}

	for {
		data, err := reader.ReadRecord()
		if err == io.EOF {
			return info, nil
		}
		if err != nil {
			if !isLast {
				return nil, fmt.Errorf("segment %s: %w", path, err)
			}
			j.logger.Warn("Truncating torn record at journal tail", "path", path, "offset", reader.Offset(), "error", err)
			if terr := os.Truncate(path, reader.Offset()); terr != nil {
				return nil, fmt.Errorf("truncate torn tail of %s: %w", path, terr)
			}
			return info, nil
		}
		rec, err := decodeRecord(data, c)
		if err != nil {
			return nil, fmt.Errorf("segment %s: %w", path, err)
		}
		if info.records == 0 {
			info.firstSeq = rec.Sequence
		} else if rec.Sequence != info.lastSeq+1 {
			return nil, fmt.Errorf("%w: segment %s has %d after %d", core.ErrSequenceGap, path, rec.Sequence, info.lastSeq)
		}
		info.lastSeq = rec.Sequence
		info.records++
	}
}

// SetTestingOnlyInjectAppendError makes every following Append fail with err.
func (j *Journal) SetTestingOnlyInjectAppendError(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.testingOnlyInjectAppendError = err
}

// SetTestingOnlyInjectSyncError makes every following fsync in Append fail
// with err after the record was written.
func (j *Journal) SetTestingOnlyInjectSyncError(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.testingOnlyInjectSyncError = err
}

func (j *Journal) rollbackLocked(offset int64) {
	if err := j.activeSegment.Truncate(offset); err != nil {
		j.logger.Error("Failed to roll back partial journal record", "offset", offset, "error", err)
	}
}

// Append writes one record and, in SyncAlways mode, fsyncs before returning.
// Once the journal holds a position, sequences must continue it without gaps.
func (j *Journal) Append(rec core.OperationRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed || j.activeSegment == nil {
		return core.ErrClosed
	}
	if j.testingOnlyInjectAppendError != nil {
		return j.testingOnlyInjectAppendError
	}
	// An empty journal accepts any starting point; the snapshot covers the rest.
	if j.lastSeq != 0 && rec.Sequence != j.lastSeq+1 {
		return fmt.Errorf("%w: append %d after %d", core.ErrSequenceGap, rec.Sequence, j.lastSeq)
	}

	var payload bytes.Buffer
	if err := encodeRecord(&payload, rec, j.compressor); err != nil {
		return err
	}
	recordSize := int64(payload.Len() + 8)

	// A single oversized record may still go into an empty segment.
	active := j.segments[len(j.segments)-1]
	if active.records > 0 && j.activeSegment.Size()+recordSize > j.opts.MaxSegmentSize {
		j.logger.Debug("Rotating journal segment due to size", "current_size", j.activeSegment.Size(), "record_size", recordSize, "max_size", j.opts.MaxSegmentSize)
		if err := j.rotateLocked(); err != nil {
			return fmt.Errorf("failed to rotate journal segment: %w", err)
		}
		active = j.segments[len(j.segments)-1]
	}

	// In SyncAlways mode everything before offset is on disk, so a record
	// that fails to reach disk is cut off again and a restart cannot replay
	// a command the caller saw fail.
	offset := j.activeSegment.Size()
	if err := j.activeSegment.WriteRecord(payload.Bytes()); err != nil {
		if j.opts.SyncMode == SyncAlways {
			j.rollbackLocked(offset)
		}
		return err
	}
	if j.opts.SyncMode == SyncAlways {
		err := j.activeSegment.Sync()
		if err == nil {
			err = j.testingOnlyInjectSyncError
		}
		if err != nil {
			j.rollbackLocked(offset)
			return fmt.Errorf("failed to sync journal: %w", err)
		}
	}

	if active.records == 0 {
		active.firstSeq = rec.Sequence
	}
	active.lastSeq = rec.Sequence
	active.records++
	j.lastSeq = rec.Sequence
	j.bytesAppended.Add(recordSize)

	if j.metricsBytesWritten != nil {
		j.metricsBytesWritten.Add(recordSize)
	}
	if j.metricsEntriesWritten != nil {
		j.metricsEntriesWritten.Add(1)
	}
	return nil
}

// ReadFrom returns every record with Sequence >= seq in order. It returns
// core.ErrJournalPurged when part of the requested range was already removed.
// Appends are only blocked while the segment list is captured.
func (j *Journal) ReadFrom(seq uint64) ([]core.OperationRecord, error) {
	if seq == 0 {
		seq = 1
	}

	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil, core.ErrClosed
	}
	if err := j.activeSegment.Flush(); err != nil {
		j.mu.Unlock()
		return nil, fmt.Errorf("flush active segment: %w", err)
	}
	upTo := j.lastSeq
	var firstAvailable uint64
	var toRead []segmentInfo
	for _, s := range j.segments {
		if s.records == 0 {
			continue
		}
		if firstAvailable == 0 {
			firstAvailable = s.firstSeq
		}
		if s.lastSeq >= seq {
			toRead = append(toRead, *s)
		}
	}
	j.mu.Unlock()

	if seq > upTo {
		return nil, nil
	}
	if firstAvailable == 0 || seq < firstAvailable {
		return nil, fmt.Errorf("%w: requested %d, oldest available %d", core.ErrJournalPurged, seq, firstAvailable)
	}

	var out []core.OperationRecord
	for _, s := range toRead {
		recs, err := j.readSegment(s, seq, upTo)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

func (j *Journal) readSegment(s segmentInfo, from, upTo uint64) ([]core.OperationRecord, error) {
	path := filepath.Join(j.dir, core.FormatSegmentFileName(s.index))
	reader, err := OpenSegmentForRead(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: segment %d removed while reading", core.ErrJournalPurged, s.index)
		}
		return nil, err
	}
	defer reader.Close()

	c, err := compressors.New(reader.Compression())
	if err != nil {
		return nil, err
	}

	var out []core.OperationRecord
	for {
		data, err := reader.ReadRecord()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("segment %s: %w", path, err)
		}
		rec, err := decodeRecord(data, c)
		if err != nil {
			return nil, fmt.Errorf("segment %s: %w", path, err)
		}
		if rec.Sequence > upTo {
			return out, nil
		}
		if rec.Sequence >= from {
			out = append(out, rec)
		}
	}
}

// Rotate closes the active segment and starts a new one.
func (j *Journal) Rotate() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return core.ErrClosed
	}
	// An empty active segment already is a fresh segment.
	if j.activeSegment != nil && j.segments[len(j.segments)-1].records == 0 {
		return nil
	}
	return j.rotateLocked()
}

// rotateLocked creates a new segment file for writing. Must be called with lock held.
func (j *Journal) rotateLocked() error {
	var nextIndex uint64 = 1
	if len(j.segments) > 0 {
		nextIndex = j.segments[len(j.segments)-1].index + 1
	}

	newSegment, err := CreateSegment(j.dir, nextIndex, j.compressor.Type())
	if err != nil {
		return err
	}
	if err := sys.SyncDir(j.dir); err != nil {
		j.logger.Warn("Failed to sync journal directory after segment create", "error", err)
	}

	var oldIndex uint64
	if j.activeSegment != nil {
		oldIndex = j.activeSegment.index
		if err := j.activeSegment.Close(); err != nil {
			j.logger.Error("Failed to close active segment during rotation", "path", j.activeSegment.path, "error", err)
		}
	}

	j.activeSegment = newSegment
	j.segments = append(j.segments, &segmentInfo{index: nextIndex})
	j.logger.Info("Rotated to new journal segment", "index", nextIndex, "path", newSegment.path)

	if j.hookManager != nil && oldIndex > 0 {
		payload := hooks.PostJournalRotatePayload{
			OldSegmentIndex: oldIndex,
			NewSegmentIndex: nextIndex,
			NewSegmentPath:  newSegment.path,
		}
		j.hookManager.Trigger(context.Background(), hooks.NewPostJournalRotateEvent(payload))
	}
	return nil
}

// PurgeBefore deletes closed segments whose records all have Sequence < seq.
// The active segment is never removed.
func (j *Journal) PurgeBefore(seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.purgeLocked(func(s *segmentInfo) bool {
		return s.records == 0 || s.lastSeq < seq
	})
}

func (j *Journal) purgeLocked(removable func(*segmentInfo) bool) error {
	var remaining []*segmentInfo
	var purged int
	var firstErr error
	for i, s := range j.segments {
		isActive := i == len(j.segments)-1
		if isActive || !removable(s) {
			remaining = append(remaining, s)
			continue
		}
		path := filepath.Join(j.dir, core.FormatSegmentFileName(s.index))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			j.logger.Error("Failed to purge journal segment", "path", path, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			remaining = append(remaining, s)
			continue
		}
		purged++
	}
	j.segments = remaining
	if purged > 0 {
		j.logger.Info("Purged journal segments", "count", purged)
	}
	return firstErr
}

// Reset drops every record and continues numbering after seq.
func (j *Journal) Reset(seq uint64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return core.ErrClosed
	}
	if err := j.rotateLocked(); err != nil {
		return err
	}
	if err := j.purgeLocked(func(*segmentInfo) bool { return true }); err != nil {
		return err
	}
	j.lastSeq = seq
	j.logger.Info("Journal reset", "next_sequence", seq+1)
	return nil
}

// LastSequence returns the highest sequence written.
func (j *Journal) LastSequence() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSeq
}

// Size returns the bytes appended since Open.
func (j *Journal) Size() int64 {
	return j.bytesAppended.Load()
}

// Path returns the directory path of the journal.
func (j *Journal) Path() string {
	return j.dir
}

// ActiveSegmentIndex returns the index of the current active segment file.
func (j *Journal) ActiveSegmentIndex() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.activeSegment == nil {
		return 0
	}
	return j.activeSegment.index
}

// SegmentCount returns the number of segment files on disk.
func (j *Journal) SegmentCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.segments)
}

// Close flushes and closes the active segment.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true
	if j.activeSegment == nil {
		return nil
	}
	closeErr := j.activeSegment.Close()
	j.activeSegment = nil
	if closeErr != nil {
		j.logger.Error("Error during journal close.", "error", closeErr)
	} else {
		j.logger.Info("Journal closed.", "last_sequence", j.lastSeq)
	}
	return closeErr
}
