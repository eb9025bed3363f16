package replication

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/INLOpen/livedb/core"
	"github.com/INLOpen/livedb/hooks"
	"golang.org/x/sync/errgroup"
)

// Source is the engine side of a node that serves replicas.
type Source interface {
	Role() core.Role
	CommittedSequence() uint64
	ReadJournal(seq uint64) ([]core.OperationRecord, error)
	LatestSnapshot(ctx context.Context) ([]byte, core.SnapshotInfo, error)
	Tracker() *core.ReplicationTracker
	RedirectTarget() (string, int)
}

// ServerOptions configures the primary side of replication.
type ServerOptions struct {
	NodeID string
	// AdvertiseHost and AdvertisePort are sent to replicas so they can
	// redirect clients here.
	AdvertiseHost string
	AdvertisePort int
	// RequireAcks makes every operation message request an Ack. Used with
	// synchronous replication.
	RequireAcks       bool
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	TransitioningWait time.Duration
	// QueueSize bounds records buffered per replica before it falls back to
	// reading the journal.
	QueueSize int

	Errors      *expvar.Int
	HookManager hooks.HookManager
	Logger      *slog.Logger
}

func (o *ServerOptions) setDefaults() {
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 5 * o.HeartbeatInterval
	}
	if o.TransitioningWait <= 0 {
		o.TransitioningWait = 2 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 4096
	}
	if o.Errors == nil {
		o.Errors = new(expvar.Int)
	}
	if o.HookManager == nil {
		o.HookManager = hooks.NewHookManager(o.Logger)
	}
}

// Server streams committed records to connected replicas. It implements
// engine.Publisher. A node that is not primary answers every connection
// with a Redirect or Transitioning message.
type Server struct {
	source Source
	opts   ServerOptions
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a server reading from source.
func NewServer(source Source, opts ServerOptions) *Server {
	opts.setDefaults()
	return &Server{
		source:   source,
		opts:     opts,
		logger:   opts.Logger.With("component", "ReplicationServer"),
		sessions: make(map[string]*session),
	}
}

// session is one connected replica.
type session struct {
	id     string
	resume uint64
	cancel context.CancelFunc

	mu       sync.Mutex
	pending  []core.OperationRecord
	overflow bool
	limit    int

	notify      chan struct{}
	snapshotReq chan struct{}
}

func (s *session) enqueue(rec core.OperationRecord) {
	s.mu.Lock()
	if len(s.pending) >= s.limit {
		// The replica is too far behind; it catches up from the journal.
		s.pending = nil
		s.overflow = true
	} else {
		s.pending = append(s.pending, rec)
	}
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *session) take() ([]core.OperationRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, overflow := s.pending, s.overflow
	s.pending, s.overflow = nil, false
	return recs, overflow
}

// Publish queues rec for every connected replica. It never blocks.
func (srv *Server) Publish(rec core.OperationRecord) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for _, s := range srv.sessions {
		s.enqueue(rec)
	}
}

// Replicas returns the IDs of connected replicas.
func (srv *Server) Replicas() []string {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	ids := make([]string, 0, len(srv.sessions))
	for id := range srv.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Serve accepts framed connections from lis until ctx is done or Close is called.
func (srv *Server) Serve(ctx context.Context, lis net.Listener) error {
	stop := context.AfterFunc(ctx, func() { lis.Close() })
	defer stop()
	srv.logger.Info("Replication server listening", "address", lis.Addr().String())
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil || srv.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("replication accept failed: %w", err)
		}
		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			if err := srv.ServeTransport(ctx, NewConnTransport(conn)); err != nil {
				srv.logger.Warn("Replication connection ended", "remote", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

// ServeTransport runs the protocol for one connection until it ends. The
// transport is closed on return.
func (srv *Server) ServeTransport(ctx context.Context, t Transport) (err error) {
	defer t.Close()
	defer func() {
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrTransportClosed) {
			srv.opts.Errors.Add(1)
		}
	}()

	hsCtx, cancel := context.WithTimeout(ctx, srv.opts.HeartbeatTimeout)
	first, err := t.Receive(hsCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if first.Kind != KindHeartbeat || first.NodeID == "" {
		reply := NewHeartbeat(srv.opts.NodeID, 0).WithError(CodeProtocol, ErrUnexpectedMessage)
		_ = t.Send(ctx, reply)
		return fmt.Errorf("%w: handshake started with %s", ErrUnexpectedMessage, first)
	}

	switch srv.source.Role() {
	case core.RoleReplica:
		host, port := srv.source.RedirectTarget()
		srv.logger.Info("Redirecting replica to primary", "replica", first.NodeID, "host", host, "port", port)
		return t.Send(ctx, NewRedirect(host, port))
	case core.RoleTransitioning:
		return t.Send(ctx, NewTransitioning(srv.opts.TransitioningWait))
	}

	committed := srv.source.CommittedSequence()
	if first.Sequence > committed {
		reply := NewHeartbeat(srv.opts.NodeID, committed).WithError(CodeProtocol,
			fmt.Errorf("replica at %d is ahead of primary at %d", first.Sequence, committed))
		_ = t.Send(ctx, reply)
		return fmt.Errorf("replica %s is ahead of primary (%d > %d)", first.NodeID, first.Sequence, committed)
	}

	ctx, cancelSession := context.WithCancel(ctx)
	defer cancelSession()
	s := &session{
		id:          first.NodeID,
		resume:      first.Sequence,
		cancel:      cancelSession,
		limit:       srv.opts.QueueSize,
		notify:      make(chan struct{}, 1),
		snapshotReq: make(chan struct{}, 1),
	}
	if err := srv.register(s); err != nil {
		return err
	}
	defer srv.unregister(s)

	hello := NewHeartbeat(srv.opts.NodeID, committed)
	hello.Host, hello.Port = srv.opts.AdvertiseHost, srv.opts.AdvertisePort
	if err := t.Send(ctx, hello); err != nil {
		return err
	}
	srv.logger.Info("Replica connected", "replica", s.id, "resume_sequence", s.resume, "committed_sequence", committed)
	srv.opts.HookManager.Trigger(ctx, hooks.NewOnReplicaConnectedEvent(hooks.ReplicaConnectedPayload{ReplicaID: s.id, Sequence: s.resume}))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.receiveLoop(gctx, t, s) })
	g.Go(func() error { return srv.sendLoop(gctx, t, s, committed) })
	err = g.Wait()
	srv.logger.Info("Replica disconnected", "replica", s.id, "reason", err)
	return err
}

func (srv *Server) register(s *session) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.closed {
		return ErrTransportClosed
	}
	if old, ok := srv.sessions[s.id]; ok {
		srv.logger.Warn("Replica reconnected, dropping previous session", "replica", s.id)
		old.cancel()
	}
	srv.sessions[s.id] = s
	srv.source.Tracker().Register(s.id, s.resume)
	return nil
}

func (srv *Server) unregister(s *session) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.sessions[s.id] != s {
		return
	}
	delete(srv.sessions, s.id)
	srv.source.Tracker().Unregister(s.id)
}

func (srv *Server) receiveLoop(ctx context.Context, t Transport, s *session) error {
	tracker := srv.source.Tracker()
	for {
		rctx, cancel := context.WithTimeout(ctx, srv.opts.HeartbeatTimeout)
		m, err := t.Receive(rctx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				srv.logger.Warn("Replica missed heartbeats, disconnecting", "replica", s.id, "timeout", srv.opts.HeartbeatTimeout)
				return fmt.Errorf("replica %s heartbeat timeout", s.id)
			}
			return err
		}
		switch m.Kind {
		case KindHeartbeat, KindAck:
			tracker.ReportAppliedSequence(s.id, m.Sequence)
		case KindSnapshotRequest:
			select {
			case s.snapshotReq <- struct{}{}:
			default:
			}
		default:
			return fmt.Errorf("%w: %s from replica %s", ErrUnexpectedMessage, m, s.id)
		}
	}
}

// sendLoop is the only sender on t once the handshake is done.
func (srv *Server) sendLoop(ctx context.Context, t Transport, s *session, committed uint64) error {
	next := s.resume + 1
	// An empty replica joining a primary with history installs a snapshot
	// first and asks for it itself.
	awaitingSnapshot := s.resume == 0 && committed > 0
	catchUp := !awaitingSnapshot

	ticker := time.NewTicker(srv.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if catchUp && !awaitingSnapshot {
			catchUp = false
			recs, err := srv.source.ReadJournal(next)
			if errors.Is(err, core.ErrJournalPurged) {
				srv.logger.Info("Replica resume position purged, waiting for snapshot request", "replica", s.id, "sequence", next)
				awaitingSnapshot = true
				reply := NewHeartbeat(srv.opts.NodeID, srv.source.CommittedSequence()).WithError(CodePositionPurged, err)
				if err := t.Send(ctx, reply); err != nil {
					return err
				}
			} else if err != nil {
				return fmt.Errorf("failed to read journal from %d: %w", next, err)
			} else if next, err = srv.sendRecords(ctx, t, recs, next); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := t.Send(ctx, NewHeartbeat(srv.opts.NodeID, srv.source.CommittedSequence())); err != nil {
				return err
			}
		case <-s.snapshotReq:
			seq, err := srv.sendSnapshot(ctx, t, s)
			if err != nil {
				return err
			}
			next = seq + 1
			awaitingSnapshot = false
			catchUp = true
		case <-s.notify:
			recs, overflow := s.take()
			if awaitingSnapshot {
				continue
			}
			if overflow {
				srv.logger.Warn("Replica queue overflowed, catching up from journal", "replica", s.id, "sequence", next)
				catchUp = true
				continue
			}
			if len(recs) > 0 && recs[0].Sequence > next {
				catchUp = true
				continue
			}
			var err error
			if next, err = srv.sendRecords(ctx, t, recs, next); err != nil {
				return err
			}
		}
	}
}

// sendRecords sends the contiguous run of recs starting at next and returns
// the next sequence to send.
func (srv *Server) sendRecords(ctx context.Context, t Transport, recs []core.OperationRecord, next uint64) (uint64, error) {
	for _, rec := range recs {
		if rec.Sequence < next {
			continue
		}
		if rec.Sequence > next {
			return next, fmt.Errorf("%w: expected %d, read %d", core.ErrSequenceGap, next, rec.Sequence)
		}
		if err := t.Send(ctx, NewOperation(rec, srv.opts.RequireAcks)); err != nil {
			return next, err
		}
		next++
	}
	return next, nil
}

func (srv *Server) sendSnapshot(ctx context.Context, t Transport, s *session) (uint64, error) {
	data, info, err := srv.source.LatestSnapshot(ctx)
	if err != nil {
		srv.logger.Error("Failed to provide snapshot to replica", "replica", s.id, "error", err)
		srv.opts.Errors.Add(1)
		reply := NewSnapshotResponse(nil, 0).WithError(CodeInternal, err)
		if sendErr := t.Send(ctx, reply); sendErr != nil {
			return 0, sendErr
		}
		return 0, err
	}
	srv.logger.Info("Sending snapshot to replica", "replica", s.id, "sequence", info.Sequence, "bytes", len(data))
	if err := t.Send(ctx, NewSnapshotResponse(data, info.Sequence)); err != nil {
		return 0, err
	}
	return info.Sequence, nil
}

func (srv *Server) isClosed() bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.closed
}

// Close disconnects every replica and waits for connection handlers
// started by Serve.
func (srv *Server) Close() error {
	srv.mu.Lock()
	if srv.closed {
		srv.mu.Unlock()
		return nil
	}
	srv.closed = true
	for _, s := range srv.sessions {
		s.cancel()
	}
	srv.mu.Unlock()
	srv.wg.Wait()
	return nil
}
