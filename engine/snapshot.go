package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/INLOpen/livedb/core"
	"github.com/INLOpen/livedb/hooks"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// CreateSnapshot serializes the model at the current committed sequence and
// stores it. Mutations wait while the model is serialized; reads continue.
// Afterwards the journal is rotated, covered segments are purged when
// configured, and old snapshots are pruned.
func (e *Engine[M]) CreateSnapshot(ctx context.Context) (core.SnapshotInfo, error) {
	done, err := e.admit("CreateSnapshot")
	if err != nil {
		return core.SnapshotInfo{}, err
	}
	defer done()
	return e.createSnapshot(ctx)
}

// createSnapshot is CreateSnapshot without admission. The background loop
// uses it directly since Close waits for the loop before closing storage.
func (e *Engine[M]) createSnapshot(ctx context.Context) (info core.SnapshotInfo, err error) {
	ctx, span := e.tracer.Start(ctx, "Engine.CreateSnapshot")
	defer func() {
		if err != nil {
			e.metrics.SnapshotErrorsTotal.Add(1)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	e.snapshotMu.Lock()
	defer e.snapshotMu.Unlock()
	start := time.Now()

	seq, data, err := e.captureSnapshot(ctx)
	if err != nil {
		return core.SnapshotInfo{}, err
	}

	info, err = e.snapshots.Write(data, seq)
	if err != nil {
		return core.SnapshotInfo{}, fmt.Errorf("failed to write snapshot at %d: %w", seq, err)
	}
	e.lastSnapshotSeq.Store(seq)
	e.metrics.LastSnapshotSequence.Set(int64(seq))

	if e.opts.Snapshot.TruncateJournal {
		if err := e.journal.PurgeBefore(seq + 1); err != nil {
			e.logger.Warn("Failed to purge journal segments covered by snapshot", "sequence", seq, "error", err)
		}
	}
	if e.opts.Snapshot.Keep > 0 {
		if _, err := e.snapshots.Prune(e.opts.Snapshot.Keep); err != nil {
			e.logger.Warn("Failed to prune old snapshots", "error", err)
		}
	}

	duration := time.Since(start)
	e.metrics.SnapshotsTotal.Add(1)
	observeLatency(e.metrics.SnapshotLatencyHist, duration.Seconds())
	span.SetAttributes(attribute.Int64("sequence", int64(seq)), attribute.Int64("size", info.Size))
	e.hookManager.Trigger(ctx, hooks.NewPostCreateSnapshotEvent(hooks.PostCreateSnapshotPayload{
		Sequence: seq,
		ID:       info.ID,
		Size:     info.Size,
		Duration: duration,
	}))
	e.logger.Info("Snapshot created", "id", info.ID, "sequence", seq, "size", info.Size, "duration", duration)
	return info, nil
}

// captureSnapshot encodes the model with writers paused and rotates the
// journal at that point. The payload and sequence always come from the live
// model, which a failed publish can leave ahead of the reader copy.
func (e *Engine[M]) captureSnapshot(ctx context.Context) (uint64, []byte, error) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	seq := e.seq
	if err := e.hookManager.Trigger(ctx, hooks.NewPreCreateSnapshotEvent(hooks.PreCreateSnapshotPayload{Sequence: seq})); err != nil {
		return 0, nil, fmt.Errorf("snapshot cancelled by hook: %w", err)
	}
	e.mu.RLock()
	data, err := encodeModel(e.opts, e.model)
	e.mu.RUnlock()
	if err != nil {
		return 0, nil, err
	}
	// New records go to a fresh segment so older ones can be purged as a unit.
	if err := e.journal.Rotate(); err != nil {
		e.logger.Warn("Failed to rotate journal at snapshot point", "sequence", seq, "error", err)
	}
	e.recordsSinceSnapshot.Store(0)
	e.journalBytesAtSnapshot.Store(e.journal.Size())
	return seq, data, nil
}

// maybeTriggerSnapshot wakes the snapshot loop when a count or size
// threshold is crossed.
func (e *Engine[M]) maybeTriggerSnapshot() {
	p := e.opts.Snapshot
	due := p.EveryRecords > 0 && e.recordsSinceSnapshot.Load() >= p.EveryRecords
	if !due && p.JournalBytes > 0 {
		due = e.journal.Size()-e.journalBytesAtSnapshot.Load() >= p.JournalBytes
	}
	if !due {
		return
	}
	select {
	case e.snapshotCh <- struct{}{}:
	default:
	}
}

// startSnapshotLoop starts the background goroutine taking policy-driven snapshots.
func (e *Engine[M]) startSnapshotLoop() {
	p := e.opts.Snapshot
	if p.EveryRecords == 0 && p.Interval <= 0 && p.JournalBytes <= 0 {
		e.logger.Info("Automatic snapshots are disabled.")
		return
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		var tick <-chan time.Time
		if p.Interval > 0 {
			ticker := time.NewTicker(p.Interval)
			defer ticker.Stop()
			tick = ticker.C
		}
		e.logger.Info("Automatic snapshots enabled.", "every_records", p.EveryRecords, "interval", p.Interval, "journal_bytes", p.JournalBytes)

		for {
			select {
			case <-tick:
				if e.CommittedSequence() == e.lastSnapshotSeq.Load() {
					continue
				}
				e.snapshotFromLoop("interval")
			case <-e.snapshotCh:
				e.snapshotFromLoop("threshold")
			case <-e.shutdownChan:
				e.logger.Info("Snapshot loop shutting down.")
				return
			}
		}
	}()
}

func (e *Engine[M]) snapshotFromLoop(reason string) {
	e.logger.Debug("Triggering snapshot", "reason", reason)
	if _, err := e.createSnapshot(context.Background()); err != nil {
		e.logger.Error("Error during automatic snapshot.", "reason", reason, "error", err)
	}
}
