package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/INLOpen/livedb/core"
	"github.com/INLOpen/livedb/hooks"
)

// SetPublisher installs the receiver of committed records. Nil detaches it.
func (e *Engine[M]) SetPublisher(p Publisher) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.publisher = p
}

// Tracker returns the tracker fed by replica acknowledgements.
func (e *Engine[M]) Tracker() *core.ReplicationTracker {
	return e.tracker
}

// ReadJournal returns committed records from seq on, for replica catch-up.
func (e *Engine[M]) ReadJournal(seq uint64) ([]core.OperationRecord, error) {
	done, err := e.admit("ReadJournal")
	if err != nil {
		return nil, err
	}
	defer done()
	return e.journal.ReadFrom(seq)
}

// LatestSnapshot returns the newest stored snapshot, creating one when none exists.
func (e *Engine[M]) LatestSnapshot(ctx context.Context) ([]byte, core.SnapshotInfo, error) {
	done, err := e.admit("LatestSnapshot")
	if err != nil {
		return nil, core.SnapshotInfo{}, err
	}
	defer done()

	data, info, found, err := e.snapshots.ReadLatest()
	if err != nil {
		return nil, core.SnapshotInfo{}, err
	}
	if found {
		return data, info, nil
	}
	if _, err := e.createSnapshot(ctx); err != nil {
		return nil, core.SnapshotInfo{}, err
	}
	data, info, found, err = e.snapshots.ReadLatest()
	if err != nil {
		return nil, core.SnapshotInfo{}, err
	}
	if !found {
		return nil, core.SnapshotInfo{}, errors.New("snapshot not found after creation")
	}
	return data, info, nil
}

// ApplyRecord applies a record received from the primary. Records must
// arrive in order; anything but the next sequence is rejected.
func (e *Engine[M]) ApplyRecord(ctx context.Context, rec core.OperationRecord) (err error) {
	done, err := e.admit("ApplyRecord")
	if err != nil {
		return err
	}
	defer done()
	defer func() {
		if err != nil {
			e.metrics.ReplicationErrorsTotal.Add(1)
		}
	}()

	if e.Role() == core.RolePrimary {
		return core.NewFault(core.FaultProtocol, "ApplyRecord", errors.New("node is primary"))
	}
	cmd, err := decodeCommand(e.opts, rec)
	if err != nil {
		return core.NewFault(core.FaultProtocol, "ApplyRecord", err)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.degraded.Load() {
		return core.NewFault(core.FaultDurability, "ApplyRecord", core.ErrEngineDegraded)
	}
	if rec.Sequence != e.seq+1 {
		return core.NewFault(core.FaultProtocol, "ApplyRecord",
			fmt.Errorf("%w: expected %d, received %d", core.ErrSequenceGap, e.seq+1, rec.Sequence))
	}
	if _, err := applySafely(cmd, e.model); err != nil {
		// The primary committed this command, so any failure here means the
		// replica diverged.
		e.tainted.Store(true)
		e.logger.Error("Replicated command failed to apply", "sequence", rec.Sequence, "command_type", rec.CommandType, "error", err)
		return core.NewFault(core.FaultApply, "ApplyRecord", err)
	}
	if err := e.journal.Append(rec); err != nil {
		e.degraded.Store(true)
		return core.NewFault(core.FaultDurability, "ApplyRecord", err)
	}
	e.seq = rec.Sequence
	e.committedSeq.Store(rec.Sequence)
	e.recordsSinceSnapshot.Add(1)
	if err := e.publishLocked(); err != nil {
		e.logger.Error("Failed to publish model copy for readers.", "sequence", rec.Sequence, "error", err)
	}
	e.metrics.ReplicatedRecordsTotal.Add(1)
	e.maybeTriggerSnapshot()
	return nil
}

// Restore replaces the model with a snapshot received from the primary. The
// snapshot is stored first so a restart resumes from it.
func (e *Engine[M]) Restore(ctx context.Context, data []byte, seq uint64) error {
	done, err := e.admit("Restore")
	if err != nil {
		return err
	}
	defer done()

	model, err := decodeModel(e.opts, data)
	if err != nil {
		return core.NewFault(core.FaultProtocol, "Restore", err)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if _, err := e.snapshots.Write(data, seq); err != nil {
		return core.NewFault(core.FaultDurability, "Restore", err)
	}
	if err := e.journal.Reset(seq); err != nil {
		e.degraded.Store(true)
		return core.NewFault(core.FaultDurability, "Restore", err)
	}

	e.mu.Lock()
	e.model = model
	e.seq = seq
	e.committedSeq.Store(seq)
	e.tainted.Store(false)
	err = e.publishLocked()
	e.mu.Unlock()

	e.lastSnapshotSeq.Store(seq)
	e.recordsSinceSnapshot.Store(0)
	e.journalBytesAtSnapshot.Store(e.journal.Size())
	e.metrics.LastSnapshotSequence.Set(int64(seq))
	e.logger.Info("Restored model from primary snapshot", "sequence", seq, "bytes", len(data))
	return err
}

// RedirectTarget is the primary address reported to callers of a replica.
func (e *Engine[M]) RedirectTarget() (string, int) {
	e.redirectMu.RLock()
	defer e.redirectMu.RUnlock()
	return e.redirectHost, e.redirectPort
}

// SetRedirectTarget records where the current primary can be reached.
func (e *Engine[M]) SetRedirectTarget(host string, port int) {
	e.redirectMu.Lock()
	defer e.redirectMu.Unlock()
	e.redirectHost = host
	e.redirectPort = port
}

// Promote turns a replica into the primary. The node reports Transitioning
// until replicated writes in progress have finished.
func (e *Engine[M]) Promote(ctx context.Context) error {
	from := e.Role()
	if from == core.RolePrimary {
		return nil
	}
	e.setRole(ctx, from, core.RoleTransitioning)

	e.writeMu.Lock()
	degraded := e.degraded.Load()
	if !degraded {
		e.role.Store(uint32(core.RolePrimary))
	}
	e.writeMu.Unlock()

	if degraded {
		e.setRole(ctx, core.RoleTransitioning, from)
		return core.NewFault(core.FaultDurability, "Promote", core.ErrEngineDegraded)
	}
	e.SetRedirectTarget("", 0)
	e.fireRoleChange(ctx, core.RoleTransitioning, core.RolePrimary)
	e.logger.Info("Promoted to primary", "sequence", e.CommittedSequence())
	return nil
}

// Demote makes this node a replica of the primary at host:port. Commands are
// redirected there from now on.
func (e *Engine[M]) Demote(ctx context.Context, host string, port int) {
	e.SetRedirectTarget(host, port)
	from := e.Role()
	e.writeMu.Lock()
	e.role.Store(uint32(core.RoleReplica))
	e.writeMu.Unlock()
	if from != core.RoleReplica {
		e.fireRoleChange(ctx, from, core.RoleReplica)
		e.logger.Info("Demoted to replica", "primary_host", host, "primary_port", port)
	}
}

func (e *Engine[M]) setRole(ctx context.Context, from, to core.Role) {
	e.role.Store(uint32(to))
	e.fireRoleChange(ctx, from, to)
}

func (e *Engine[M]) fireRoleChange(ctx context.Context, from, to core.Role) {
	e.hookManager.Trigger(ctx, hooks.NewOnRoleChangeEvent(hooks.RoleChangePayload{From: from.String(), To: to.String()}))
}
