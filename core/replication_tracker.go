package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// AckPolicy decides how many replicas must acknowledge a record before a
// synchronous commit returns.
type AckPolicy uint8

const (
	AckAll AckPolicy = iota
	AckQuorum
)

// ParseAckPolicy maps a config value to an AckPolicy. Unknown values mean AckAll.
func ParseAckPolicy(s string) AckPolicy {
	if s == "quorum" {
		return AckQuorum
	}
	return AckAll
}

func (p AckPolicy) String() string {
	if p == AckQuorum {
		return "quorum"
	}
	return "all"
}

// ErrNoReplicas is returned by WaitForSequence when no replica is connected.
var ErrNoReplicas = errors.New("no replicas connected")

// ReplicationTracker manages waiting for replica acknowledgements in synchronous replication.
type ReplicationTracker struct {
	mu       sync.Mutex
	replicas map[string]uint64
	// changed is closed and replaced whenever a position or membership changes.
	changed chan struct{}
	logger  *slog.Logger
}

// NewReplicationTracker creates a new tracker.
func NewReplicationTracker(logger *slog.Logger) *ReplicationTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplicationTracker{
		replicas: make(map[string]uint64),
		changed:  make(chan struct{}),
		logger:   logger.With("component", "ReplicationTracker"),
	}
}

func (t *ReplicationTracker) notifyLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// Register adds a replica starting at the given applied sequence.
func (t *ReplicationTracker) Register(id string, applied uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replicas[id] = applied
	t.notifyLocked()
}

// Unregister drops a replica. Waiters are re-evaluated against the remaining set.
func (t *ReplicationTracker) Unregister(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.replicas[id]; !ok {
		return
	}
	delete(t.replicas, id)
	t.notifyLocked()
}

// ReportAppliedSequence is called when a replica acknowledges progress.
// Positions never move backwards.
func (t *ReplicationTracker) ReportAppliedSequence(id string, seqNum uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	current, ok := t.replicas[id]
	if ok && seqNum <= current {
		return
	}
	t.logger.Debug("Replica progress", "replica", id, "from", current, "to", seqNum)
	t.replicas[id] = seqNum
	t.notifyLocked()
}

func (t *ReplicationTracker) satisfiedLocked(seq uint64, policy AckPolicy) (bool, error) {
	n := len(t.replicas)
	if n == 0 {
		return false, ErrNoReplicas
	}
	acked := 0
	for _, applied := range t.replicas {
		if applied >= seq {
			acked++
		}
	}
	if policy == AckQuorum {
		return acked >= n/2+1, nil
	}
	return acked == n, nil
}

// WaitForSequence blocks until the policy's share of replicas applied seqNum,
// until the context is done, or until every replica disconnected.
func (t *ReplicationTracker) WaitForSequence(ctx context.Context, seqNum uint64, policy AckPolicy) error {
	for {
		t.mu.Lock()
		ok, err := t.satisfiedLocked(seqNum, policy)
		changed := t.changed
		t.mu.Unlock()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			t.logger.Debug("WaitForSequence timed out", "wait_for_seq", seqNum, "error", ctx.Err())
			return ctx.Err()
		}
	}
}

// GetLatestApplied returns the lowest applied sequence across connected replicas.
func (t *ReplicationTracker) GetLatestApplied() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var lowest uint64
	first := true
	for _, applied := range t.replicas {
		if first || applied < lowest {
			lowest = applied
			first = false
		}
	}
	return lowest
}

// Positions returns a copy of every replica's applied sequence.
func (t *ReplicationTracker) Positions() map[string]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]uint64, len(t.replicas))
	for id, seq := range t.replicas {
		out[id] = seq
	}
	return out
}
