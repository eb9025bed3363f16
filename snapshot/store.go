package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/INLOpen/livedb/compressors"
	"github.com/INLOpen/livedb/core"
	"github.com/INLOpen/livedb/sys"
)

// Options configures a file-backed snapshot store.
type Options struct {
	Dir string
	// Compressor is applied to snapshot bodies. Nil means no compression.
	Compressor core.Compressor
	// MaxAge makes Prune also drop snapshots older than this, always keeping
	// at least the requested number. Zero disables age-based pruning.
	MaxAge time.Duration
	Logger *slog.Logger
}

// Store keeps one file per snapshot, named after the last sequence it reflects.
//
// File layout: FileHeader | seq (8) | raw length (8) | crc32 of body (4) | body.
type Store struct {
	dir        string
	compressor core.Compressor
	maxAge     time.Duration
	logger     *slog.Logger

	// mu serializes writers and pruning against each other.
	mu sync.Mutex
}

var _ core.SnapshotStore = (*Store)(nil)

// NewStore creates the directory if needed and removes leftover temp files.
func NewStore(opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Compressor == nil {
		opts.Compressor = compressors.NewNoCompressionCompressor()
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory %s: %w", opts.Dir, err)
	}
	s := &Store{
		dir:        opts.Dir,
		compressor: opts.Compressor,
		maxAge:     opts.MaxAge,
		logger:     opts.Logger.With("component", "SnapshotStore"),
	}
	s.cleanupTemp()
	return s, nil
}

func (s *Store) cleanupTemp() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			path := filepath.Join(s.dir, e.Name())
			s.logger.Warn("Removing incomplete snapshot file", "path", path)
			_ = os.Remove(path)
		}
	}
}

// Write atomically stores data as the snapshot for seq using write-then-rename.
func (s *Store) Write(data []byte, seq uint64) (core.SnapshotInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	body, err := s.compressor.Compress(data)
	if err != nil {
		return core.SnapshotInfo{}, fmt.Errorf("failed to compress snapshot: %w", err)
	}

	name := core.FormatSnapshotFileName(seq)
	finalPath := filepath.Join(s.dir, name)
	tempPath := filepath.Join(s.dir, core.FormatTempFilename(name, "tmp"))

	// 1. Create a temporary file.
	file, err := os.Create(tempPath)
	if err != nil {
		return core.SnapshotInfo{}, fmt.Errorf("failed to create temp snapshot file: %w", err)
	}
	cleanup := func() {
		file.Close()
		os.Remove(tempPath)
	}

	// 2. Header, trailer fields and body.
	header := core.NewFileHeader(core.SnapshotMagicNumber, s.compressor.Type())
	var meta [20]byte
	binary.LittleEndian.PutUint64(meta[0:8], seq)
	binary.LittleEndian.PutUint64(meta[8:16], uint64(len(data)))
	binary.LittleEndian.PutUint32(meta[16:20], crc32.ChecksumIEEE(body))
	if err := binary.Write(file, binary.LittleEndian, &header); err != nil {
		cleanup()
		return core.SnapshotInfo{}, fmt.Errorf("failed to write snapshot header: %w", err)
	}
	if _, err := file.Write(meta[:]); err != nil {
		cleanup()
		return core.SnapshotInfo{}, fmt.Errorf("failed to write snapshot metadata: %w", err)
	}
	if _, err := file.Write(body); err != nil {
		cleanup()
		return core.SnapshotInfo{}, fmt.Errorf("failed to write snapshot body: %w", err)
	}

	// 3. Fsync the temporary file to ensure it's on disk.
	if err := file.Sync(); err != nil {
		cleanup()
		return core.SnapshotInfo{}, fmt.Errorf("failed to sync temp snapshot file: %w", err)
	}

	// 4. Close before renaming for Windows compatibility.
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return core.SnapshotInfo{}, fmt.Errorf("failed to close temp snapshot file before rename: %w", err)
	}

	// 5. Atomically rename to the final name and persist the directory entry.
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return core.SnapshotInfo{}, fmt.Errorf("failed to rename temp snapshot file: %w", err)
	}
	if err := sys.SyncDir(s.dir); err != nil {
		s.logger.Warn("Failed to sync snapshot directory", "error", err)
	}

	info := core.SnapshotInfo{
		ID:        name,
		Sequence:  seq,
		CreatedAt: time.Unix(0, header.CreatedAt),
		Size:      header.Size64() + int64(len(meta)+len(body)),
	}
	s.logger.Info("Snapshot written", "id", info.ID, "sequence", seq, "size", info.Size)
	return info, nil
}

// ReadLatest returns the newest readable snapshot. A damaged newest file is
// logged and skipped in favour of the previous one.
func (s *Store) ReadLatest() ([]byte, core.SnapshotInfo, bool, error) {
	infos, err := s.List()
	if err != nil {
		return nil, core.SnapshotInfo{}, false, err
	}
	var firstErr error
	for i := len(infos) - 1; i >= 0; i-- {
		data, info, err := s.Read(infos[i].ID)
		if err == nil {
			return data, info, true, nil
		}
		s.logger.Error("Skipping unreadable snapshot", "id", infos[i].ID, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, core.SnapshotInfo{}, false, fmt.Errorf("no readable snapshot: %w", firstErr)
	}
	return nil, core.SnapshotInfo{}, false, nil
}

// Read loads one snapshot by ID.
func (s *Store) Read(id string) ([]byte, core.SnapshotInfo, error) {
	path := filepath.Join(s.dir, id)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, core.SnapshotInfo{}, fmt.Errorf("failed to read snapshot %s: %w", id, err)
	}

	var header core.FileHeader
	r := bytes.NewReader(raw)
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, core.SnapshotInfo{}, fmt.Errorf("%w: snapshot %s header: %v", core.ErrCorrupt, id, err)
	}
	if header.Magic != core.SnapshotMagicNumber {
		return nil, core.SnapshotInfo{}, fmt.Errorf("%w: invalid snapshot magic number: got %x, want %x", core.ErrCorrupt, header.Magic, core.SnapshotMagicNumber)
	}
	var meta [20]byte
	if _, err := io.ReadFull(r, meta[:]); err != nil {
		return nil, core.SnapshotInfo{}, fmt.Errorf("%w: snapshot %s metadata: %v", core.ErrCorrupt, id, err)
	}
	seq := binary.LittleEndian.Uint64(meta[0:8])
	rawLen := binary.LittleEndian.Uint64(meta[8:16])
	sum := binary.LittleEndian.Uint32(meta[16:20])
	body := raw[len(raw)-r.Len():]
	if crc32.ChecksumIEEE(body) != sum {
		return nil, core.SnapshotInfo{}, fmt.Errorf("%w: snapshot %s checksum mismatch", core.ErrCorrupt, id)
	}

	c, err := compressors.New(header.CompressorType)
	if err != nil {
		return nil, core.SnapshotInfo{}, err
	}
	data, err := core.DecompressAll(c, body)
	if err != nil {
		return nil, core.SnapshotInfo{}, fmt.Errorf("%w: snapshot %s: %v", core.ErrCorrupt, id, err)
	}
	if uint64(len(data)) != rawLen {
		return nil, core.SnapshotInfo{}, fmt.Errorf("%w: snapshot %s length %d, expected %d", core.ErrCorrupt, id, len(data), rawLen)
	}
	return data, core.SnapshotInfo{
		ID:        id,
		Sequence:  seq,
		CreatedAt: time.Unix(0, header.CreatedAt),
		Size:      int64(len(raw)),
	}, nil
}

// List returns stored snapshots ordered by sequence, oldest first.
func (s *Store) List() ([]core.SnapshotInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	var infos []core.SnapshotInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		seq, err := core.ParseSnapshotFileName(e.Name())
		if err != nil {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		infos = append(infos, core.SnapshotInfo{
			ID:        e.Name(),
			Sequence:  seq,
			CreatedAt: fi.ModTime(),
			Size:      fi.Size(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Sequence < infos[j].Sequence })
	return infos, nil
}

// Prune keeps the newest keep snapshots and deletes the rest. When MaxAge is
// set, snapshots beyond keep are only deleted once older than MaxAge.
// A keep of zero or less disables pruning.
func (s *Store) Prune(keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	infos, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(infos) <= keep {
		return nil, nil
	}

	now := time.Now()
	var deleted []string
	for _, info := range infos[:len(infos)-keep] {
		if s.maxAge > 0 && now.Sub(info.CreatedAt) < s.maxAge {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, info.ID)); err != nil {
			s.logger.Error("Failed to prune snapshot", "id", info.ID, "error", err)
			continue
		}
		deleted = append(deleted, info.ID)
	}
	if len(deleted) > 0 {
		s.logger.Info("Pruned snapshots", "count", len(deleted), "kept", keep)
	}
	return deleted, nil
}

// Dir returns the snapshot directory.
func (s *Store) Dir() string {
	return s.dir
}
