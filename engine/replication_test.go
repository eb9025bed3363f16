package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/livedb/core"
	"github.com/INLOpen/livedb/hooks"
	"github.com/INLOpen/livedb/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu   sync.Mutex
	recs []core.OperationRecord
}

func (p *recordingPublisher) Publish(rec core.OperationRecord) {
	p.mu.Lock()
	p.recs = append(p.recs, rec)
	p.mu.Unlock()
}

func (p *recordingPublisher) sequences() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint64, len(p.recs))
	for i, r := range p.recs {
		out[i] = r.Sequence
	}
	return out
}

func TestReplication_PublisherSeesCommitsInOrder(t *testing.T) {
	e := openForTest(t, getBaseOptsForTest(t))
	pub := &recordingPublisher{}
	e.SetPublisher(pub)

	mustAdd(t, e, "a", "b")
	_, err := e.Execute(context.Background(), &testutil.RejectCustomer{})
	require.NoError(t, err)
	mustAdd(t, e, "c")

	assert.Equal(t, []uint64{1, 2, 3}, pub.sequences(), "aborted commands are never published")
}

func TestReplication_SyncWithoutReplicasFails(t *testing.T) {
	opts := getBaseOptsForTest(t)
	opts.SyncReplication = true
	opts.AckTimeout = 50 * time.Millisecond
	e := openForTest(t, opts)

	res, err := e.Execute(context.Background(), &testutil.AddCustomer{Name: "Zippy"})
	assert.Equal(t, core.FaultReplication, res.Kind)
	assert.ErrorIs(t, err, core.ErrReplicationFault)
	assert.ErrorIs(t, err, core.ErrNoReplicas)
	// The record stays committed and durable.
	assert.Equal(t, uint64(1), res.Sequence)
	assert.Equal(t, []string{"Zippy"}, names(t, e))
	assert.EqualValues(t, 1, e.Metrics().ReplicationErrorsTotal.Value())
}

func TestReplication_SyncWaitsForTracker(t *testing.T) {
	opts := getBaseOptsForTest(t)
	opts.SyncReplication = true
	opts.AckTimeout = 2 * time.Second
	e := openForTest(t, opts)
	e.Tracker().Register("r1", 0)

	go func() {
		for e.CommittedSequence() < 1 {
			time.Sleep(time.Millisecond)
		}
		e.Tracker().ReportAppliedSequence("r1", 1)
	}()
	res, err := e.Execute(context.Background(), &testutil.AddCustomer{Name: "Zippy"})
	require.NoError(t, err)
	assert.True(t, res.Applied())
	assert.Equal(t, map[string]uint64{"r1": 1}, e.Status().Replicas)
}

func TestReplication_SyncTimeout(t *testing.T) {
	opts := getBaseOptsForTest(t)
	opts.SyncReplication = true
	opts.AckTimeout = 30 * time.Millisecond
	e := openForTest(t, opts)
	e.Tracker().Register("slow", 0)

	res, err := e.Execute(context.Background(), &testutil.AddCustomer{Name: "Zippy"})
	assert.Equal(t, core.FaultReplication, res.Kind)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, e.Metrics().ReplicationWaitTimeouts.Value())
}

func TestReplication_ReplicaRedirectsCommands(t *testing.T) {
	opts := getBaseOptsForTest(t)
	opts.Role = core.RoleReplica
	e := openForTest(t, opts)
	e.SetRedirectTarget("10.0.0.7", 7100)

	res, err := e.Execute(context.Background(), &testutil.AddCustomer{Name: "Zippy"})
	assert.Equal(t, core.FaultNotPrimary, res.Kind)
	var redirect *core.RedirectError
	require.ErrorAs(t, err, &redirect)
	assert.Equal(t, "10.0.0.7", redirect.Host)
	assert.Equal(t, 7100, redirect.Port)

	// Reads are still served.
	assert.Empty(t, names(t, e))
}

func TestReplication_RestoreInstallsSnapshot(t *testing.T) {
	ctx := context.Background()
	primary := openForTest(t, getBaseOptsForTest(t))
	mustAdd(t, primary, "a", "b", "c")
	data, info, err := primary.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), info.Sequence)
	mustAdd(t, primary, "d")

	opts := getBaseOptsForTest(t)
	opts.Role = core.RoleReplica
	replica, err := Open(opts)
	require.NoError(t, err)
	require.NoError(t, replica.Restore(ctx, data, info.Sequence))
	assert.Equal(t, uint64(3), replica.CommittedSequence())
	assert.Equal(t, []string{"a", "b", "c"}, names(t, replica))

	tail, err := primary.ReadJournal(4)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.NoError(t, replica.ApplyRecord(ctx, tail[0]))
	assert.Equal(t, []string{"a", "b", "c", "d"}, names(t, replica))
	require.NoError(t, replica.Close())

	// The restored snapshot survives a restart.
	reopened := openForTest(t, opts)
	assert.Equal(t, uint64(4), reopened.CommittedSequence())
	assert.Equal(t, []string{"a", "b", "c", "d"}, names(t, reopened))

	assert.ErrorIs(t, reopened.Restore(ctx, []byte("garbage"), 9), core.ErrProtocolFault)
}

func TestReplication_LatestSnapshotCreatesOneWhenMissing(t *testing.T) {
	e := openForTest(t, getBaseOptsForTest(t))
	mustAdd(t, e, "a")
	assert.Equal(t, uint64(0), e.Status().LastSnapshotSequence)

	_, info, err := e.LatestSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.Sequence)
	assert.Equal(t, uint64(1), e.Status().LastSnapshotSequence)
}

func TestReplication_PromoteAndDemote(t *testing.T) {
	opts := getBaseOptsForTest(t)
	opts.Role = core.RoleReplica
	opts.TransitioningWait = 250 * time.Millisecond

	var mu sync.Mutex
	var changes []string
	hm := hooks.NewHookManager(testutil.DiscardLogger())
	hm.Register(hooks.EventOnRoleChange, hooks.ListenerFunc(func(_ context.Context, ev hooks.HookEvent) error {
		p := ev.Payload().(hooks.RoleChangePayload)
		mu.Lock()
		changes = append(changes, p.From+"->"+p.To)
		mu.Unlock()
		return nil
	}))
	opts.HookManager = hm
	e := openForTest(t, opts)
	e.SetRedirectTarget("old-primary", 7100)

	require.NoError(t, e.Promote(context.Background()))
	assert.Equal(t, core.RolePrimary, e.Role())
	host, _ := e.RedirectTarget()
	assert.Empty(t, host)
	mustAdd(t, e, "Zippy")
	require.NoError(t, e.Promote(context.Background()), "promoting a primary is a no-op")

	e.Demote(context.Background(), "new-primary", 7200)
	assert.Equal(t, core.RoleReplica, e.Role())
	_, err := e.Execute(context.Background(), &testutil.AddCustomer{Name: "Droozy"})
	var redirect *core.RedirectError
	require.ErrorAs(t, err, &redirect)
	assert.Equal(t, "new-primary", redirect.Host)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"replica->transitioning", "transitioning->primary", "primary->replica"}, changes)
}

func TestReplication_TransitioningRefusesCommands(t *testing.T) {
	opts := getBaseOptsForTest(t)
	opts.TransitioningWait = 250 * time.Millisecond
	e := openForTest(t, opts)
	e.role.Store(uint32(core.RoleTransitioning))

	res, err := e.Execute(context.Background(), &testutil.AddCustomer{Name: "Zippy"})
	assert.Equal(t, core.FaultNotPrimary, res.Kind)
	var transitioning *core.TransitioningError
	require.ErrorAs(t, err, &transitioning)
	assert.Equal(t, 250*time.Millisecond, transitioning.WaitTime)
}

func TestReplication_PromoteRefusedWhenDegraded(t *testing.T) {
	opts := getBaseOptsForTest(t)
	opts.Role = core.RoleReplica
	e := openForTest(t, opts)
	e.degraded.Store(true)

	err := e.Promote(context.Background())
	assert.ErrorIs(t, err, core.ErrDurabilityFault)
	assert.Equal(t, core.RoleReplica, e.Role())
}
