package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/livedb/codec"
	"github.com/INLOpen/livedb/core"
	"github.com/INLOpen/livedb/engine"
	"github.com/INLOpen/livedb/internal/testutil"
	"github.com/INLOpen/livedb/journal"
	"github.com/stretchr/testify/require"
)

type customerEngine = engine.Engine[*testutil.CustomerModel]

const (
	testHeartbeat = 20 * time.Millisecond
	testTimeout   = 2 * time.Second
)

func openEngine(t *testing.T, role core.Role, mutate ...func(*engine.Options[*testutil.CustomerModel])) *customerEngine {
	t.Helper()
	reg := codec.NewRegistry()
	testutil.RegisterCustomerCommands(reg)
	opts := engine.Options[*testutil.CustomerModel]{
		DataDir:         t.TempDir(),
		NewModel:        testutil.NewCustomerModel,
		Clone:           (*testutil.CustomerModel).Clone,
		Registry:        reg,
		Role:            role,
		JournalSyncMode: journal.SyncDisabled,
		Logger:          testutil.DiscardLogger(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	e, err := engine.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func addCustomers(t *testing.T, e *customerEngine, names ...string) {
	t.Helper()
	for _, n := range names {
		res, err := e.Execute(context.Background(), &testutil.AddCustomer{Name: n})
		require.NoError(t, err)
		require.True(t, res.Applied(), "add %s: %+v", n, res)
	}
}

func customerNames(t *testing.T, e *customerEngine) []string {
	t.Helper()
	res, err := e.ExecuteQuery(context.Background(), testutil.CustomerNames())
	require.NoError(t, err)
	return res.Value.([]string)
}

func testServer(source Source, mutate ...func(*ServerOptions)) *Server {
	opts := ServerOptions{
		NodeID:            "primary",
		HeartbeatInterval: testHeartbeat,
		HeartbeatTimeout:  testTimeout,
		Logger:            testutil.DiscardLogger(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	return NewServer(source, opts)
}

// pipeDialer connects replicas straight to srv.
func pipeDialer(ctx context.Context, srv *Server) Dialer {
	return PipeDialer{Accept: func(tr Transport) { _ = srv.ServeTransport(ctx, tr) }}
}

// runReplica starts a replica loop and returns it with a stop func that
// waits for Run to return.
func runReplica(t *testing.T, target Target, dialer Dialer, mutate ...func(*ReplicaOptions)) (*Replica, func()) {
	t.Helper()
	opts := ReplicaOptions{
		NodeID:            "r1",
		PrimaryAddress:    "primary:7100",
		Dialer:            dialer,
		HeartbeatInterval: testHeartbeat,
		HeartbeatTimeout:  testTimeout,
		RetryInterval:     testHeartbeat,
		Logger:            testutil.DiscardLogger(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	r, err := NewReplica(target, opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			require.NoError(t, <-done)
		})
	}
	t.Cleanup(stop)
	return r, stop
}

func waitForSequence(t *testing.T, e *customerEngine, seq uint64) {
	t.Helper()
	require.Eventually(t, func() bool { return e.CommittedSequence() == seq }, testTimeout, 5*time.Millisecond,
		"replica stuck at %d, want %d", e.CommittedSequence(), seq)
}

// fakeSource is a scripted primary for protocol tests.
type fakeSource struct {
	mu           sync.Mutex
	role         core.Role
	committed    uint64
	records      []core.OperationRecord
	purgedBefore uint64
	snapshot     []byte
	snapshotSeq  uint64
	host         string
	port         int
	tracker      *core.ReplicationTracker
}

func newFakeSource(n int) *fakeSource {
	f := &fakeSource{tracker: core.NewReplicationTracker(testutil.DiscardLogger())}
	for i := 1; i <= n; i++ {
		f.records = append(f.records, fakeRecord(uint64(i)))
	}
	f.committed = uint64(n)
	return f
}

func fakeRecord(seq uint64) core.OperationRecord {
	return core.OperationRecord{Sequence: seq, Timestamp: int64(seq) * 1000, CommandType: "customers.Add", Payload: []byte{byte(seq)}}
}

func (f *fakeSource) Role() core.Role {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.role
}

func (f *fakeSource) CommittedSequence() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.committed
}

func (f *fakeSource) ReadJournal(seq uint64) ([]core.OperationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if seq < f.purgedBefore {
		return nil, core.ErrJournalPurged
	}
	var out []core.OperationRecord
	for _, r := range f.records {
		if r.Sequence >= seq {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeSource) LatestSnapshot(context.Context) ([]byte, core.SnapshotInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot, core.SnapshotInfo{Sequence: f.snapshotSeq}, nil
}

func (f *fakeSource) Tracker() *core.ReplicationTracker { return f.tracker }

func (f *fakeSource) RedirectTarget() (string, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.host, f.port
}

func (f *fakeSource) commit(srv *Server) core.OperationRecord {
	f.mu.Lock()
	f.committed++
	rec := fakeRecord(f.committed)
	f.records = append(f.records, rec)
	f.mu.Unlock()
	srv.Publish(rec)
	return rec
}

// receiveKind reads messages until one of kind arrives, skipping heartbeats.
func receiveKind(t *testing.T, tr Transport, kind Kind) *Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	for {
		m, err := tr.Receive(ctx)
		require.NoError(t, err)
		if m.Kind == kind {
			return m
		}
		require.Equal(t, KindHeartbeat, m.Kind, "unexpected %s while waiting for %s", m, kind)
	}
}
