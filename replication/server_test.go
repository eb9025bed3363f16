package replication

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/livedb/core"
	"github.com/INLOpen/livedb/hooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveResult is the outcome of one ServeTransport call.
type serveResult struct {
	ch   chan error
	once sync.Once
	err  error
}

// wait blocks until ServeTransport returns, failing t after testTimeout.
func (r *serveResult) wait(t *testing.T) error {
	t.Helper()
	r.once.Do(func() {
		select {
		case r.err = <-r.ch:
		case <-time.After(testTimeout):
			r.err = errors.New("ServeTransport did not return")
			t.Error(r.err)
		}
	})
	return r.err
}

// connect opens a pipe to srv, sends the handshake heartbeat and returns
// the client end with the server's first reply.
func connect(t *testing.T, srv *Server, nodeID string, resume uint64) (Transport, *Message, *serveResult) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	client, server := NewPipe()
	done := &serveResult{ch: make(chan error, 1)}
	go func() { done.ch <- srv.ServeTransport(ctx, server) }()
	t.Cleanup(func() {
		cancel()
		client.Close()
		done.wait(t)
	})

	require.NoError(t, client.Send(ctx, NewHeartbeat(nodeID, resume)))
	rctx, rcancel := context.WithTimeout(ctx, testTimeout)
	defer rcancel()
	hello, err := client.Receive(rctx)
	require.NoError(t, err)
	return client, hello, done
}

func TestServer_CatchUpThenLive(t *testing.T) {
	src := newFakeSource(3)
	srv := testServer(src, func(o *ServerOptions) {
		o.AdvertiseHost, o.AdvertisePort = "db1", 7100
	})

	client, hello, _ := connect(t, srv, "r1", 1)
	assert.Equal(t, KindHeartbeat, hello.Kind)
	assert.True(t, hello.Succeeded())
	assert.Equal(t, uint64(3), hello.Sequence)
	assert.Equal(t, "db1", hello.Host)
	assert.Equal(t, 7100, hello.Port)

	for _, want := range []uint64{2, 3} {
		m := receiveKind(t, client, KindOperation)
		assert.Equal(t, want, m.Record.Sequence)
		assert.False(t, m.RequiresAcknowledgement())
	}

	require.Eventually(t, func() bool { return len(srv.Replicas()) == 1 }, testTimeout, 5*time.Millisecond)
	rec := src.commit(srv)
	m := receiveKind(t, client, KindOperation)
	assert.Equal(t, rec, m.Record)
}

func TestServer_AcksFeedTracker(t *testing.T) {
	src := newFakeSource(2)
	srv := testServer(src, func(o *ServerOptions) { o.RequireAcks = true })

	client, _, _ := connect(t, srv, "r1", 0)
	// An empty replica of a primary with history must ask for a snapshot;
	// nothing is streamed before that.
	src.mu.Lock()
	src.snapshot, src.snapshotSeq = []byte("state"), 2
	src.mu.Unlock()
	require.NoError(t, client.Send(context.Background(), NewSnapshotRequest("r1")))
	snap := receiveKind(t, client, KindSnapshotResponse)
	assert.Equal(t, []byte("state"), snap.Snapshot)
	assert.Equal(t, uint64(2), snap.Sequence)

	rec := src.commit(srv)
	m := receiveKind(t, client, KindOperation)
	assert.Equal(t, rec.Sequence, m.Record.Sequence)
	require.True(t, m.RequiresAcknowledgement())

	require.NoError(t, client.Send(context.Background(), NewAck("r1", m.Record.Sequence)))
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, src.Tracker().WaitForSequence(ctx, 3, core.AckAll))
	assert.Equal(t, map[string]uint64{"r1": 3}, src.Tracker().Positions())
}

func TestServer_PurgedPositionRequiresSnapshot(t *testing.T) {
	src := newFakeSource(5)
	src.purgedBefore = 4
	src.snapshot, src.snapshotSeq = []byte("at-4"), 4
	srv := testServer(src)

	client, hello, _ := connect(t, srv, "r1", 1)
	require.True(t, hello.Succeeded())

	purged := receiveKind(t, client, KindHeartbeat)
	for purged.Succeeded() {
		purged = receiveKind(t, client, KindHeartbeat)
	}
	assert.ErrorIs(t, purged.Err(), ErrPositionPurged)

	require.NoError(t, client.Send(context.Background(), NewSnapshotRequest("r1")))
	snap := receiveKind(t, client, KindSnapshotResponse)
	assert.Equal(t, uint64(4), snap.Sequence)
	m := receiveKind(t, client, KindOperation)
	assert.Equal(t, uint64(5), m.Record.Sequence)
}

func TestServer_RedirectsWhenReplica(t *testing.T) {
	src := newFakeSource(0)
	src.role, src.host, src.port = core.RoleReplica, "10.0.0.1", 7000
	srv := testServer(src)

	_, reply, done := connect(t, srv, "r1", 0)
	assert.Equal(t, KindRedirect, reply.Kind)
	assert.Equal(t, "10.0.0.1", reply.Host)
	assert.Equal(t, 7000, reply.Port)
	assert.NoError(t, done.wait(t))
	assert.Empty(t, src.Tracker().Positions())
}

func TestServer_TransitioningReply(t *testing.T) {
	src := newFakeSource(0)
	src.role = core.RoleTransitioning
	srv := testServer(src, func(o *ServerOptions) { o.TransitioningWait = 750 * time.Millisecond })

	_, reply, _ := connect(t, srv, "r1", 0)
	assert.Equal(t, KindTransitioning, reply.Kind)
	assert.Equal(t, 750*time.Millisecond, reply.WaitTime)
	assert.True(t, reply.Succeeded())
}

func TestServer_RejectsReplicaAhead(t *testing.T) {
	src := newFakeSource(2)
	srv := testServer(src)

	_, reply, done := connect(t, srv, "r1", 5)
	assert.False(t, reply.Succeeded())
	assert.ErrorIs(t, reply.Err(), ErrUnexpectedMessage)
	assert.Error(t, done.wait(t))
	assert.Equal(t, int64(1), srv.opts.Errors.Value())
}

func TestServer_BadHandshake(t *testing.T) {
	srv := testServer(newFakeSource(0))
	client, server := NewPipe()
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- srv.ServeTransport(context.Background(), server) }()
	require.NoError(t, client.Send(context.Background(), NewAck("r1", 1)))

	assert.ErrorIs(t, <-done, ErrUnexpectedMessage)
}

func TestServer_HeartbeatTimeoutDropsReplica(t *testing.T) {
	src := newFakeSource(0)
	srv := testServer(src, func(o *ServerOptions) { o.HeartbeatTimeout = 100 * time.Millisecond })

	connected := make(chan hooks.ReplicaConnectedPayload, 1)
	srv.opts.HookManager.Register(hooks.EventOnReplicaConnected, hooks.ListenerFunc(func(_ context.Context, ev hooks.HookEvent) error {
		connected <- ev.Payload().(hooks.ReplicaConnectedPayload)
		return nil
	}))

	_, _, done := connect(t, srv, "silent", 0)
	assert.Equal(t, "silent", (<-connected).ReplicaID)

	assert.ErrorContains(t, done.wait(t), "heartbeat timeout")
	assert.Empty(t, srv.Replicas())
	assert.Empty(t, src.Tracker().Positions())
	assert.Equal(t, int64(1), srv.opts.Errors.Value())
}

func TestServer_ReconnectReplacesSession(t *testing.T) {
	src := newFakeSource(1)
	srv := testServer(src)

	_, _, firstDone := connect(t, srv, "r1", 1)
	require.Eventually(t, func() bool { return len(srv.Replicas()) == 1 }, testTimeout, 5*time.Millisecond)
	_, _, _ = connect(t, srv, "r1", 1)

	assert.ErrorIs(t, firstDone.wait(t), context.Canceled)
	assert.Equal(t, []string{"r1"}, srv.Replicas())
	assert.Contains(t, src.Tracker().Positions(), "r1")
}

func TestServer_CloseDisconnectsReplicas(t *testing.T) {
	srv := testServer(newFakeSource(0))
	_, _, done := connect(t, srv, "r1", 0)
	require.Eventually(t, func() bool { return len(srv.Replicas()) == 1 }, testTimeout, 5*time.Millisecond)

	require.NoError(t, srv.Close())
	assert.ErrorIs(t, done.wait(t), context.Canceled)
	assert.Empty(t, srv.Replicas())

	// New connections are refused once closed.
	client, server := NewPipe()
	defer client.Close()
	require.NoError(t, client.Send(context.Background(), NewHeartbeat("r2", 0)))
	assert.ErrorIs(t, srv.ServeTransport(context.Background(), server), ErrTransportClosed)
}
