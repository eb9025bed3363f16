// Command livedb-util inspects and restores livedb data directories offline.
//
//	livedb-util journal   -data-dir ./data [-from 1] [-format auto|table|tsv]
//	livedb-util snapshots -data-dir ./data [-format auto|table|tsv]
//	livedb-util restore   -data-dir ./data -target-dir ./restored [-id <snapshot>] [-compression snappy]
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/INLOpen/livedb/compressors"
	"github.com/INLOpen/livedb/core"
	"github.com/INLOpen/livedb/journal"
	"github.com/INLOpen/livedb/snapshot"
	"golang.org/x/term"
)

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: livedb-util <journal|snapshots|restore> [flags]")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	var err error
	switch os.Args[1] {
	case "journal":
		err = journalCmd(os.Args[2:], os.Stdout, logger)
	case "snapshots":
		err = snapshotsCmd(os.Args[2:], os.Stdout, logger)
	case "restore":
		err = restoreCmd(os.Args[2:], logger)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// tableOutput resolves -format. "auto" prints aligned tables on a terminal
// and tab-separated rows otherwise.
func tableOutput(format string) (bool, error) {
	switch format {
	case "table":
		return true, nil
	case "tsv":
		return false, nil
	case "auto", "":
		return term.IsTerminal(int(os.Stdout.Fd())), nil
	default:
		return false, fmt.Errorf("unknown format %q", format)
	}
}

// newTable returns the row writer and its flush. Rows are written with tab
// separators either way; only the table form aligns them.
func newTable(out io.Writer, pretty bool) (io.Writer, func() error) {
	if !pretty {
		return out, func() error { return nil }
	}
	tw := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	return tw, tw.Flush
}

func journalCmd(args []string, out io.Writer, logger *slog.Logger) error {
	fs := flag.NewFlagSet("journal", flag.ContinueOnError)
	dataDir := fs.String("data-dir", "", "Engine data directory (required)")
	from := fs.Uint64("from", 0, "First sequence to print; 0 starts at the oldest retained record")
	format := fs.String("format", "auto", "Output format: auto, table or tsv")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dataDir == "" {
		return fmt.Errorf("-data-dir is required")
	}
	pretty, err := tableOutput(*format)
	if err != nil {
		return err
	}

	j, err := journal.Open(journal.Options{
		Dir:      filepath.Join(*dataDir, core.JournalDirName),
		SyncMode: journal.SyncDisabled,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("journal.Open failed: %w", err)
	}
	defer j.Close()

	start := *from
	if start == 0 {
		start = 1
	}
	recs, err := j.ReadFrom(start)
	if err != nil {
		return err
	}
	w, flush := newTable(out, pretty)
	if pretty {
		fmt.Fprintf(out, "Journal has %d segment(s), last sequence %d, %d record(s) from %d\n",
			j.SegmentCount(), j.LastSequence(), len(recs), start)
		fmt.Fprintln(w, "SEQ\tTIME\tCOMMAND\tPAYLOAD BYTES")
	}
	for _, r := range recs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\n", r.Sequence, r.Time().UTC().Format(time.RFC3339Nano), r.CommandType, len(r.Payload))
	}
	return flush()
}

func snapshotsCmd(args []string, out io.Writer, logger *slog.Logger) error {
	fs := flag.NewFlagSet("snapshots", flag.ContinueOnError)
	dataDir := fs.String("data-dir", "", "Engine data directory (required)")
	format := fs.String("format", "auto", "Output format: auto, table or tsv")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dataDir == "" {
		return fmt.Errorf("-data-dir is required")
	}
	pretty, err := tableOutput(*format)
	if err != nil {
		return err
	}

	store, err := snapshot.NewStore(snapshot.Options{Dir: filepath.Join(*dataDir, core.SnapshotDirName), Logger: logger})
	if err != nil {
		return err
	}
	infos, err := store.List()
	if err != nil {
		return fmt.Errorf("listing snapshots: %w", err)
	}
	if len(infos) == 0 {
		fmt.Fprintln(out, "No snapshots found.")
		return nil
	}

	w, flush := newTable(out, pretty)
	if pretty {
		fmt.Fprintln(w, "ID\tSEQUENCE\tCREATED AT\tSIZE (KB)")
		fmt.Fprintln(w, "--\t--------\t----------\t---------")
	}
	for _, s := range infos {
		fmt.Fprintf(w, "%s\t%d\t%s\t%.1f\n",
			s.ID,
			s.Sequence,
			s.CreatedAt.Format("2006-01-02 15:04:05 MST"),
			float64(s.Size)/1024,
		)
	}
	return flush()
}

func restoreCmd(args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	dataDir := fs.String("data-dir", "", "Engine data directory holding the snapshot (required)")
	targetDir := fs.String("target-dir", "", "New, empty data directory to restore into (required)")
	id := fs.String("id", "", "Snapshot ID; the newest readable one when empty")
	compression := fs.String("compression", "snappy", "Compression for the restored snapshot")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dataDir == "" || *targetDir == "" {
		return fmt.Errorf("-data-dir and -target-dir are required")
	}
	return restore(*dataDir, *targetDir, *id, *compression, logger)
}

// restore seeds targetDir with one snapshot from dataDir. An engine opened on
// targetDir starts at the snapshot's sequence with an empty journal.
func restore(dataDir, targetDir, id, compression string, logger *slog.Logger) error {
	logger.Info("Starting restore from snapshot...", "data_dir", dataDir, "target_dir", targetDir, "id", id)
	if entries, err := os.ReadDir(targetDir); err == nil && len(entries) > 0 {
		return fmt.Errorf("target directory %s already exists and is not empty", targetDir)
	} else if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read target directory %s: %w", targetDir, err)
	}

	src, err := snapshot.NewStore(snapshot.Options{Dir: filepath.Join(dataDir, core.SnapshotDirName), Logger: logger})
	if err != nil {
		return err
	}
	var data []byte
	var info core.SnapshotInfo
	if id == "" {
		var found bool
		data, info, found, err = src.ReadLatest()
		if err == nil && !found {
			err = fmt.Errorf("no snapshot in %s", src.Dir())
		}
	} else {
		data, info, err = src.Read(id)
	}
	if err != nil {
		return err
	}

	c, err := compressors.FromName(compression)
	if err != nil {
		return err
	}
	dst, err := snapshot.NewStore(snapshot.Options{
		Dir:        filepath.Join(targetDir, core.SnapshotDirName),
		Compressor: c,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	written, err := dst.Write(data, info.Sequence)
	if err != nil {
		return fmt.Errorf("failed to write restored snapshot: %w", err)
	}
	logger.Info("Restore completed successfully.", "snapshot", written.ID, "sequence", written.Sequence)
	return nil
}
