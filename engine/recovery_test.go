package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/INLOpen/livedb/codec"
	"github.com/INLOpen/livedb/compressors"
	"github.com/INLOpen/livedb/core"
	"github.com/INLOpen/livedb/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecovery_ReplaysJournal(t *testing.T) {
	opts := getBaseOptsForTest(t)
	e, err := Open(opts)
	require.NoError(t, err)
	mustAdd(t, e, "Zippy", "Droozy")
	_, err = e.Execute(context.Background(), &testutil.RemoveCustomer{Name: "Zippy"})
	require.NoError(t, err)
	require.NoError(t, e.Close())
	testutil.RequireJournalPresent(t, opts.DataDir)

	reopened := openForTest(t, opts)
	assert.Equal(t, uint64(3), reopened.CommittedSequence())
	assert.Equal(t, []string{"Droozy"}, names(t, reopened))
	assert.EqualValues(t, 3, reopened.Metrics().RecoveredRecordsTotal.Value())

	// Numbering continues after the recovered position.
	res, err := reopened.Execute(context.Background(), &testutil.AddCustomer{Name: "Erin"})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), res.Sequence)
}

func TestRecovery_FromSnapshotAndJournalTail(t *testing.T) {
	opts := getBaseOptsForTest(t)
	e, err := Open(opts)
	require.NoError(t, err)
	mustAdd(t, e, "a", "b", "c")
	info, err := e.CreateSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), info.Sequence)
	mustAdd(t, e, "d")
	require.NoError(t, e.Close())
	testutil.RequireSnapshotPresent(t, opts.DataDir)

	reopened := openForTest(t, opts)
	assert.Equal(t, []string{"a", "b", "c", "d"}, names(t, reopened))
	assert.Equal(t, uint64(3), reopened.Status().LastSnapshotSequence)
	assert.EqualValues(t, 1, reopened.Metrics().RecoveredRecordsTotal.Value())
}

// Forcing a snapshot after N records and replaying the rest on top of it
// gives the same model as replaying everything from empty.
func TestReplay_SnapshotPlusTailEqualsFullReplay(t *testing.T) {
	opts := getBaseOptsForTest(t)
	e := openForTest(t, opts)
	mustAdd(t, e, "Zippy", "Droozy", "Homer Simpson", "Robert Friberg", "Erin")
	_, err := e.CreateSnapshot(context.Background())
	require.NoError(t, err)
	_, err = e.Execute(context.Background(), &testutil.RemoveCustomer{Name: "Droozy"})
	require.NoError(t, err)
	mustAdd(t, e, "Frank", "Grace")

	snap, info, found, err := e.snapshots.ReadLatest()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint64(5), info.Sequence)
	tail, err := e.ReadJournal(info.Sequence + 1)
	require.NoError(t, err)
	require.Len(t, tail, 3)
	all, err := e.ReadJournal(1)
	require.NoError(t, err)
	require.Len(t, all, 8)

	fromSnapshot, seq1, err := Replay(e.opts, snap, info.Sequence, tail)
	require.NoError(t, err)
	fromEmpty, seq2, err := Replay(e.opts, nil, 0, all)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), seq1)
	assert.Equal(t, seq1, seq2)

	a, err := encodeModel(e.opts, fromSnapshot)
	require.NoError(t, err)
	b, err := encodeModel(e.opts, fromEmpty)
	require.NoError(t, err)
	assert.True(t, core.EqualBytes(a, b), "snapshot replay diverged from full replay")

	e.mu.RLock()
	live, err := encodeModel(e.opts, e.model)
	e.mu.RUnlock()
	require.NoError(t, err)
	assert.True(t, core.EqualBytes(live, b), "live model differs from replay")
}

func TestReplay_IsIdempotentOverCoveredRecords(t *testing.T) {
	opts := getBaseOptsForTest(t)
	e := openForTest(t, opts)
	mustAdd(t, e, "a", "b", "c")
	recs, err := e.ReadJournal(1)
	require.NoError(t, err)

	once, _, err := Replay(e.opts, nil, 0, recs)
	require.NoError(t, err)
	// Records at or below the current position are skipped.
	twice, seq, err := Replay(e.opts, nil, 0, append(recs, recs...))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
	assert.Equal(t, once.Names(), twice.Names())
}

func TestReplay_Failures(t *testing.T) {
	opts := getBaseOptsForTest(t)
	e := openForTest(t, opts)
	mustAdd(t, e, "a", "b")
	recs, err := e.ReadJournal(1)
	require.NoError(t, err)

	_, _, err = Replay(e.opts, nil, 0, recs[1:])
	assert.ErrorIs(t, err, core.ErrSequenceGap)
	assert.ErrorIs(t, err, core.ErrProtocolFault)

	unknown := recs[0]
	unknown.CommandType = "customers.Unknown"
	_, _, err = Replay(e.opts, nil, 0, []core.OperationRecord{unknown})
	assert.ErrorIs(t, err, core.ErrUnknownCommand)

	// A replayed command that no longer applies is fatal.
	dup := recs[0]
	dup.Sequence = 3
	_, _, err = Replay(e.opts, nil, 0, append(recs, dup))
	assert.ErrorIs(t, err, core.ErrApplyFault)

	_, _, err = Replay(Options[*testutil.CustomerModel]{}, nil, 0, nil)
	assert.Error(t, err)
}

func TestSnapshotPolicy_EveryRecords(t *testing.T) {
	opts := getBaseOptsForTest(t)
	opts.Snapshot = SnapshotPolicy{EveryRecords: 3, Keep: 2, TruncateJournal: true}
	opts.JournalMaxSegmentSize = 1 << 20
	e := openForTest(t, opts)

	for i := 0; i < 9; i++ {
		mustAdd(t, e, string(rune('a'+i)))
	}
	// Each snapshot resets the count, so the last one covers at least 7.
	require.Eventually(t, func() bool {
		return e.Status().LastSnapshotSequence >= 7
	}, 2*time.Second, 5*time.Millisecond)

	snaps, err := e.snapshots.List()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(snaps), 2, "old snapshots are pruned")
	_, err = e.ReadJournal(1)
	assert.ErrorIs(t, err, core.ErrJournalPurged, "covered segments are truncated")
	assert.GreaterOrEqual(t, e.Metrics().SnapshotsTotal.Value(), int64(1))
	require.NoError(t, e.Close())

	reopened := openForTest(t, opts)
	assert.Len(t, names(t, reopened), 9)
}

func TestSnapshotPolicy_Interval(t *testing.T) {
	opts := getBaseOptsForTest(t)
	opts.Snapshot = SnapshotPolicy{Interval: 20 * time.Millisecond}
	e := openForTest(t, opts)
	mustAdd(t, e, "a")

	require.Eventually(t, func() bool {
		return e.Status().LastSnapshotSequence == 1
	}, 2*time.Second, 5*time.Millisecond)
	// Nothing new was committed, so the loop stays idle.
	taken := e.Metrics().SnapshotsTotal.Value()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, taken, e.Metrics().SnapshotsTotal.Value())
}

func TestSnapshotPolicy_JournalBytes(t *testing.T) {
	opts := getBaseOptsForTest(t)
	opts.Snapshot = SnapshotPolicy{JournalBytes: 64}
	e := openForTest(t, opts)
	for i := 0; i < 10; i++ {
		mustAdd(t, e, string(rune('a'+i)))
	}
	require.Eventually(t, func() bool {
		return e.Status().LastSnapshotSequence > 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRecovery_WithCompressionAndSerializers(t *testing.T) {
	for _, name := range []string{"json", "yaml", "gob"} {
		for _, comp := range []string{"none", "snappy", "lz4", "zstd", "deflate"} {
			t.Run(name+"/"+comp, func(t *testing.T) {
				opts := getBaseOptsForTest(t)
				var err error
				opts.Serializer, err = codec.SerializerByName(name)
				require.NoError(t, err)
				opts.Compressor, err = compressors.FromName(comp)
				require.NoError(t, err)

				e, err := Open(opts)
				require.NoError(t, err)
				mustAdd(t, e, "a", "b")
				_, err = e.CreateSnapshot(context.Background())
				require.NoError(t, err)
				mustAdd(t, e, "c")
				require.NoError(t, e.Close())

				reopened := openForTest(t, opts)
				assert.Equal(t, []string{"a", "b", "c"}, names(t, reopened))
			})
		}
	}
}

// modelRefusingSerializer fails to encode the model while refuse is set.
// Commands still encode, so they commit while the reader copy cannot be
// refreshed.
type modelRefusingSerializer struct {
	codec.GobSerializer
	refuse *atomic.Bool
}

func (s modelRefusingSerializer) Marshal(v any) ([]byte, error) {
	if _, ok := v.(*testutil.CustomerModel); ok && s.refuse.Load() {
		return nil, errors.New("model encoding refused")
	}
	return s.GobSerializer.Marshal(v)
}

func TestSnapshot_CoversLiveModelWhenReaderCopyLags(t *testing.T) {
	refuse := &atomic.Bool{}
	opts := getBaseOptsForTest(t)
	opts.Isolation = IsolationSnapshot
	opts.Clone = nil
	opts.Serializer = modelRefusingSerializer{refuse: refuse}

	e, err := Open(opts)
	require.NoError(t, err)
	mustAdd(t, e, "a")
	refuse.Store(true)
	mustAdd(t, e, "b")
	refuse.Store(false)
	assert.Equal(t, uint64(2), e.CommittedSequence())

	info, err := e.CreateSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.Sequence)
	mustAdd(t, e, "c")
	require.NoError(t, e.Close())

	reopened := openForTest(t, opts)
	assert.Equal(t, uint64(3), reopened.CommittedSequence())
	assert.Equal(t, []string{"a", "b", "c"}, names(t, reopened))
}
