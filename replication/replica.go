package replication

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/livedb/core"
	"github.com/INLOpen/livedb/hooks"
	"golang.org/x/sync/errgroup"
)

// ErrPrimaryLost is returned by a replica session when the primary stopped
// sending heartbeats.
var ErrPrimaryLost = errors.New("primary heartbeat timeout")

// Target is the engine side of a replica.
type Target interface {
	CommittedSequence() uint64
	ApplyRecord(ctx context.Context, rec core.OperationRecord) error
	Restore(ctx context.Context, data []byte, seq uint64) error
	SetRedirectTarget(host string, port int)
}

// ReplicaOptions configures the replica side of replication.
type ReplicaOptions struct {
	NodeID         string
	PrimaryAddress string
	Dialer         Dialer

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	RetryInterval     time.Duration

	// OnPrimaryLost is called after the heartbeat timeout, before reconnecting.
	OnPrimaryLost func(hooks.PrimaryLostPayload)

	Errors      *expvar.Int
	HookManager hooks.HookManager
	Logger      *slog.Logger
}

func (o *ReplicaOptions) setDefaults() error {
	if o.NodeID == "" {
		return fmt.Errorf("replica: NodeID is required")
	}
	if o.Dialer == nil {
		return fmt.Errorf("replica: Dialer is required")
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = time.Second
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 5 * o.HeartbeatInterval
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = time.Second
	}
	if o.Errors == nil {
		o.Errors = new(expvar.Int)
	}
	if o.HookManager == nil {
		o.HookManager = hooks.NewHookManager(o.Logger)
	}
	return nil
}

// redirectedError ends a session after the node pointed us elsewhere.
type redirectedError struct {
	address string
}

func (e *redirectedError) Error() string { return "redirected to " + e.address }

// Replica follows a primary: it resumes from the target's committed
// sequence, installs snapshots when needed and applies records in order.
type Replica struct {
	target Target
	opts   ReplicaOptions
	logger *slog.Logger

	mu      sync.RWMutex
	address string

	lastHeartbeat atomic.Int64
	connected     atomic.Bool
}

// NewReplica creates a replica applying to target.
func NewReplica(target Target, opts ReplicaOptions) (*Replica, error) {
	if err := opts.setDefaults(); err != nil {
		return nil, err
	}
	return &Replica{
		target:  target,
		opts:    opts,
		logger:  opts.Logger.With("component", "Replica", "node_id", opts.NodeID),
		address: opts.PrimaryAddress,
	}, nil
}

// PrimaryAddress is the address the replica currently follows.
func (r *Replica) PrimaryAddress() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.address
}

func (r *Replica) setPrimaryAddress(addr string) {
	r.mu.Lock()
	r.address = addr
	r.mu.Unlock()
}

// Connected reports whether a session with the primary is established.
func (r *Replica) Connected() bool {
	return r.connected.Load()
}

// LastHeartbeat is when the primary was last heard from.
func (r *Replica) LastHeartbeat() time.Time {
	ns := r.lastHeartbeat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Run follows the primary until ctx is done, reconnecting after failures.
func (r *Replica) Run(ctx context.Context) error {
	r.logger.Info("Starting replica", "primary", r.PrimaryAddress())
	for {
		err := r.runSession(ctx)
		r.connected.Store(false)
		if ctx.Err() != nil {
			r.logger.Info("Replica stopped")
			return nil
		}

		var redirect *redirectedError
		var transitioning *core.TransitioningError
		wait := r.opts.RetryInterval
		switch {
		case errors.As(err, &redirect):
			r.logger.Info("Following redirect", "primary", redirect.address)
			wait = 0
		case errors.As(err, &transitioning):
			r.logger.Info("Primary is transitioning, waiting", "wait", transitioning.WaitTime)
			wait = max(transitioning.WaitTime, wait)
		case errors.Is(err, ErrPrimaryLost):
			r.logger.Warn("Reconnecting after primary loss", "retry_in", wait)
		default:
			r.opts.Errors.Add(1)
			r.logger.Warn("Replication session ended, retrying", "error", err, "retry_in", wait)
		}
		if wait > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
		}
	}
}

// runSession connects once and applies messages until the connection ends.
func (r *Replica) runSession(ctx context.Context) error {
	addr := r.PrimaryAddress()
	t, err := r.opts.Dialer.Dial(ctx, addr)
	if err != nil {
		return err
	}
	defer t.Close()

	var sendMu sync.Mutex
	send := func(ctx context.Context, m *Message) error {
		sendMu.Lock()
		defer sendMu.Unlock()
		return t.Send(ctx, m)
	}

	applied := r.target.CommittedSequence()
	if err := send(ctx, NewHeartbeat(r.opts.NodeID, applied)); err != nil {
		return err
	}
	hello, err := r.receive(ctx, t)
	if err != nil {
		return err
	}
	switch hello.Kind {
	case KindRedirect, KindTransitioning:
		return r.handleRedirect(hello)
	case KindHeartbeat:
		if !hello.Succeeded() {
			return fmt.Errorf("primary refused replica: %w", hello.Err())
		}
	default:
		return fmt.Errorf("%w: handshake answered with %s", ErrUnexpectedMessage, hello)
	}

	host, port := hello.Host, hello.Port
	if host == "" {
		host, port = splitHostPort(addr)
	}
	r.target.SetRedirectTarget(host, port)
	r.connected.Store(true)
	r.logger.Info("Connected to primary", "primary", addr, "primary_sequence", hello.Sequence, "applied_sequence", applied)

	if applied == 0 && hello.Sequence > 0 {
		if err := send(ctx, NewSnapshotRequest(r.opts.NodeID)); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(r.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				if err := send(gctx, NewHeartbeat(r.opts.NodeID, r.target.CommittedSequence())); err != nil {
					return err
				}
			}
		}
	})
	g.Go(func() error {
		for {
			m, err := r.receive(gctx, t)
			if err != nil {
				return err
			}
			if err := r.handle(gctx, m, send); err != nil {
				return err
			}
		}
	})
	return g.Wait()
}

// receive waits one heartbeat timeout for the next message.
func (r *Replica) receive(ctx context.Context, t Transport) (*Message, error) {
	rctx, cancel := context.WithTimeout(ctx, r.opts.HeartbeatTimeout)
	defer cancel()
	m, err := t.Receive(rctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			r.primaryLost(ctx)
			return nil, ErrPrimaryLost
		}
		return nil, err
	}
	r.lastHeartbeat.Store(time.Now().UnixNano())
	return m, nil
}

func (r *Replica) handle(ctx context.Context, m *Message, send func(context.Context, *Message) error) error {
	switch m.Kind {
	case KindHeartbeat:
		if errors.Is(m.Err(), ErrPositionPurged) {
			r.logger.Info("Resume position purged on primary, requesting snapshot", "applied_sequence", r.target.CommittedSequence())
			return send(ctx, NewSnapshotRequest(r.opts.NodeID))
		}
		if !m.Succeeded() {
			return m.Err()
		}
		return nil

	case KindOperation:
		if err := r.target.ApplyRecord(ctx, m.Record); err != nil {
			return fmt.Errorf("failed to apply replicated record %d: %w", m.Record.Sequence, err)
		}
		if m.RequiresAcknowledgement() {
			return send(ctx, NewAck(r.opts.NodeID, m.Record.Sequence))
		}
		return nil

	case KindSnapshotResponse:
		if !m.Succeeded() {
			return fmt.Errorf("primary failed to provide snapshot: %w", m.Err())
		}
		if err := r.target.Restore(ctx, m.Snapshot, m.Sequence); err != nil {
			return fmt.Errorf("failed to restore snapshot at %d: %w", m.Sequence, err)
		}
		r.logger.Info("Installed snapshot from primary", "sequence", m.Sequence)
		return send(ctx, NewHeartbeat(r.opts.NodeID, m.Sequence))

	case KindRedirect, KindTransitioning:
		return r.handleRedirect(m)
	}
	return fmt.Errorf("%w: %s from primary", ErrUnexpectedMessage, m)
}

func (r *Replica) handleRedirect(m *Message) error {
	if m.Kind == KindTransitioning {
		return &core.TransitioningError{WaitTime: m.WaitTime}
	}
	if !m.Succeeded() {
		return m.Err()
	}
	if m.Host == "" {
		return fmt.Errorf("%w: redirect without a primary address", ErrUnexpectedMessage)
	}
	addr := net.JoinHostPort(m.Host, strconv.Itoa(m.Port))
	r.setPrimaryAddress(addr)
	r.target.SetRedirectTarget(m.Host, m.Port)
	return &redirectedError{address: addr}
}

func (r *Replica) primaryLost(ctx context.Context) {
	payload := hooks.PrimaryLostPayload{
		PrimaryAddress: r.PrimaryAddress(),
		LastHeartbeat:  r.LastHeartbeat(),
		AppliedSeq:     r.target.CommittedSequence(),
	}
	r.logger.Warn("Primary lost", "primary", payload.PrimaryAddress, "last_heartbeat", payload.LastHeartbeat, "applied_sequence", payload.AppliedSeq)
	r.opts.Errors.Add(1)
	r.opts.HookManager.Trigger(ctx, hooks.NewOnPrimaryLostEvent(payload))
	if r.opts.OnPrimaryLost != nil {
		r.opts.OnPrimaryLost(payload)
	}
}

func splitHostPort(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}
