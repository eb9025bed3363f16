package core

import (
	"fmt"
	"strconv"
	"strings"
)

// This file centralizes constants related to file formats, magic numbers,
// and other protocol-level identifiers.

// --- Magic Numbers ---
const (
	// JournalMagicNumber identifies a journal segment file.
	JournalMagicNumber uint32 = 0x4C4E524A // "JRNL"
	// SnapshotMagicNumber identifies a model snapshot file.
	SnapshotMagicNumber uint32 = 0x50414E53 // "SNAP"
)

// --- File Names & Prefixes ---
const (
	// JournalFileSuffix is the suffix for journal segment files.
	JournalFileSuffix = ".journal"
	// SnapshotFileSuffix is the suffix for snapshot files.
	SnapshotFileSuffix = ".snapshot"
	// JournalDirName and SnapshotDirName live under the engine data directory.
	JournalDirName  = "journal"
	SnapshotDirName = "snapshots"
	// LockFileName guards a data directory against a second engine.
	LockFileName = "LOCK"
)

// --- Protocol & Format Versions ---
const (
	// FormatVersion is the current version for all persistent file formats.
	FormatVersion uint8 = 1
)

// --- Default Sizes & Limits ---
const (
	// JournalMaxSegmentSize is the default maximum size for a journal segment file.
	JournalMaxSegmentSize = 64 * 1024 * 1024 // 64 MB
)

func FormatTempFilename(prefix, postfix string) string {
	return fmt.Sprintf("%s.%s", prefix, postfix)
}

// FormatSegmentFileName creates a segment file name from its index.
func FormatSegmentFileName(index uint64) string {
	return fmt.Sprintf("%08d%s", index, JournalFileSuffix)
}

// ParseSegmentFileName extracts the index from a segment file name.
func ParseSegmentFileName(name string) (uint64, error) {
	if !strings.HasSuffix(name, JournalFileSuffix) {
		return 0, fmt.Errorf("file %s is not a journal segment file", name)
	}
	name = strings.TrimSuffix(name, JournalFileSuffix)
	return strconv.ParseUint(name, 10, 64)
}

// FormatSnapshotFileName names a snapshot by the last sequence it contains.
func FormatSnapshotFileName(seq uint64) string {
	return fmt.Sprintf("%020d%s", seq, SnapshotFileSuffix)
}

// ParseSnapshotFileName extracts the sequence from a snapshot file name.
func ParseSnapshotFileName(name string) (uint64, error) {
	if !strings.HasSuffix(name, SnapshotFileSuffix) {
		return 0, fmt.Errorf("file %s is not a snapshot file", name)
	}
	return strconv.ParseUint(strings.TrimSuffix(name, SnapshotFileSuffix), 10, 64)
}
