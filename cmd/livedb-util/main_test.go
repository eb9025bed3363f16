package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/INLOpen/livedb/codec"
	"github.com/INLOpen/livedb/compressors"
	"github.com/INLOpen/livedb/engine"
	"github.com/INLOpen/livedb/internal/testutil"
	"github.com/INLOpen/livedb/journal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func populated(t *testing.T) (string, engine.Options[*testutil.CustomerModel]) {
	t.Helper()
	reg := codec.NewRegistry()
	testutil.RegisterCustomerCommands(reg)
	opts := engine.Options[*testutil.CustomerModel]{
		DataDir:         t.TempDir(),
		NewModel:        testutil.NewCustomerModel,
		Registry:        reg,
		Compressor:      compressors.NewSnappyCompressor(),
		JournalSyncMode: journal.SyncDisabled,
		Logger:          testutil.DiscardLogger(),
	}
	e, err := engine.Open(opts)
	require.NoError(t, err)
	for _, n := range []string{"Zippy", "Droozy"} {
		_, err := e.Execute(context.Background(), &testutil.AddCustomer{Name: n})
		require.NoError(t, err)
	}
	_, err = e.CreateSnapshot(context.Background())
	require.NoError(t, err)
	_, err = e.Execute(context.Background(), &testutil.AddCustomer{Name: "Erin"})
	require.NoError(t, err)
	require.NoError(t, e.Close())
	return opts.DataDir, opts
}

func TestJournalCmd(t *testing.T) {
	dir, _ := populated(t)
	var out bytes.Buffer
	require.NoError(t, journalCmd([]string{"-data-dir", dir, "-from", "2", "-format", "table"}, &out, testutil.DiscardLogger()))
	assert.Contains(t, out.String(), "last sequence 3, 2 record(s) from 2")
	assert.Contains(t, out.String(), "customers.Add")

	out.Reset()
	require.NoError(t, journalCmd([]string{"-data-dir", dir, "-format", "tsv"}, &out, testutil.DiscardLogger()))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	fields := strings.Split(lines[0], "\t")
	require.Len(t, fields, 4)
	assert.Equal(t, "1", fields[0])
	assert.Equal(t, "customers.Add", fields[2])

	assert.Error(t, journalCmd(nil, &out, testutil.DiscardLogger()))
	assert.Error(t, journalCmd([]string{"-data-dir", dir, "-format", "xml"}, &out, testutil.DiscardLogger()))
}

func TestSnapshotsCmd(t *testing.T) {
	dir, _ := populated(t)
	var out bytes.Buffer
	require.NoError(t, snapshotsCmd([]string{"-data-dir", dir, "-format", "table"}, &out, testutil.DiscardLogger()))
	assert.Contains(t, out.String(), "SEQUENCE")

	out.Reset()
	require.NoError(t, snapshotsCmd([]string{"-data-dir", t.TempDir()}, &out, testutil.DiscardLogger()))
	assert.Equal(t, "No snapshots found.\n", out.String())
}

func TestRestore(t *testing.T) {
	dir, opts := populated(t)
	target := filepath.Join(t.TempDir(), "restored")

	require.NoError(t, restore(dir, target, "", "zstd", testutil.DiscardLogger()))
	assert.ErrorContains(t, restore(dir, target, "", "zstd", testutil.DiscardLogger()), "not empty")

	opts.DataDir = target
	e, err := engine.Open(opts)
	require.NoError(t, err)
	defer e.Close()
	// The snapshot covers the first two commands only.
	assert.Equal(t, uint64(2), e.CommittedSequence())
	res, err := e.ExecuteQuery(context.Background(), testutil.CustomerNames())
	require.NoError(t, err)
	assert.Equal(t, []string{"Zippy", "Droozy"}, res.Value)

	res, err = e.Execute(context.Background(), &testutil.AddCustomer{Name: "Frank"})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Sequence)
}
