package testutil

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/INLOpen/livedb/core"
)

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ListJournalFiles returns the segment files under dataDir/journal, sorted by name.
// Returns an error if the journal directory does not exist or cannot be read.
func ListJournalFiles(dataDir string) ([]string, error) {
	return listWithSuffix(filepath.Join(dataDir, core.JournalDirName), core.JournalFileSuffix)
}

// ListSnapshotFiles returns the snapshot files under dataDir/snapshots.
func ListSnapshotFiles(dataDir string) ([]string, error) {
	return listWithSuffix(filepath.Join(dataDir, core.SnapshotDirName), core.SnapshotFileSuffix)
}

func listWithSuffix(dir, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

// RequireJournalPresent asserts that dataDir/journal holds at least one segment.
func RequireJournalPresent(t *testing.T, dataDir string) {
	t.Helper()
	files, err := ListJournalFiles(dataDir)
	if err != nil {
		t.Fatalf("expected journal directory in %s: %v", dataDir, err)
	}
	if len(files) == 0 {
		t.Fatalf("expected journal segments in %s, none found", dataDir)
	}
}

// RequireSnapshotPresent asserts that at least one snapshot file exists.
func RequireSnapshotPresent(t *testing.T, dataDir string) {
	t.Helper()
	files, err := ListSnapshotFiles(dataDir)
	if err != nil {
		t.Fatalf("expected snapshot directory in %s: %v", dataDir, err)
	}
	if len(files) == 0 {
		t.Fatalf("expected at least one snapshot in %s", dataDir)
	}
}
