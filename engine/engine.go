package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/livedb/core"
	"github.com/INLOpen/livedb/hooks"
	"github.com/INLOpen/livedb/hooks/listeners"
	"github.com/INLOpen/livedb/journal"
	"github.com/INLOpen/livedb/querycache"
	"github.com/INLOpen/livedb/snapshot"
	"github.com/INLOpen/livedb/sys"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Publisher receives committed records in sequence order. Publish is called
// while the writer holds exclusive access, so it must not block.
type Publisher interface {
	Publish(rec core.OperationRecord)
}

// view is a model copy together with the sequence it reflects.
type view[M any] struct {
	model M
	seq   uint64
}

// Status is a point-in-time summary of the engine.
type Status struct {
	Role                 core.Role
	Isolation            Isolation
	CommittedSequence    uint64
	LastSnapshotSequence uint64
	// Tainted is set once a command failed after a partial write.
	Tainted bool
	// Degraded is set after a durability fault; commands are refused.
	Degraded            bool
	Replicas            map[string]uint64
	QueryCacheEntries   int
	CompilerInvocations int64
}

// Engine owns a model of type M and is the only path through which it is
// read or changed.
type Engine[M any] struct {
	opts        Options[M]
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     *EngineMetrics
	hookManager hooks.HookManager
	modelType   reflect.Type

	// writeMu serializes mutations and snapshot capture. Holding it without
	// mu pauses writers while readers continue.
	writeMu sync.Mutex
	// mu guards model. Queries hold it shared, Apply holds it exclusively.
	mu    sync.RWMutex
	model M
	seq   uint64

	committedSeq atomic.Uint64
	published    atomic.Pointer[view[M]]
	publisher    Publisher

	journal    core.JournalStore
	snapshots  core.SnapshotStore
	queryCache *querycache.Cache
	tracker    *core.ReplicationTracker

	role         atomic.Uint32
	redirectMu   sync.RWMutex
	redirectHost string
	redirectPort int

	tainted  atomic.Bool
	degraded atomic.Bool

	snapshotMu             sync.Mutex
	lastSnapshotSeq        atomic.Uint64
	recordsSinceSnapshot   atomic.Uint64
	journalBytesAtSnapshot atomic.Int64
	snapshotCh             chan struct{}

	closeMu      sync.RWMutex
	closed       bool
	inflight     sync.WaitGroup
	shutdownChan chan struct{}
	wg           sync.WaitGroup
	releaseLock  func() error
}

// Open acquires the data directory, recovers the model from the latest
// snapshot plus the journal, and starts background snapshotting.
func Open[M any](opts Options[M]) (eng *Engine[M], err error) {
	if err := opts.setDefaults(); err != nil {
		return nil, err
	}

	e := &Engine[M]{
		opts:         opts,
		logger:       opts.Logger.With("component", "Engine"),
		metrics:      opts.Metrics,
		hookManager:  opts.HookManager,
		modelType:    reflect.TypeOf((*M)(nil)).Elem(),
		tracker:      core.NewReplicationTracker(opts.Logger),
		snapshotCh:   make(chan struct{}, 1),
		shutdownChan: make(chan struct{}),
	}
	if opts.TracerProvider != nil {
		e.tracer = opts.TracerProvider.Tracer("github.com/INLOpen/livedb/engine")
	} else {
		e.tracer = noop.NewTracerProvider().Tracer("")
	}
	e.role.Store(uint32(opts.Role))

	defer func() {
		if err != nil {
			e.cleanup()
		}
	}()

	if err := e.openStorage(); err != nil {
		return nil, err
	}

	e.queryCache, err = querycache.NewCache(querycache.Options{
		Compiler:         opts.QueryCompiler,
		Capacity:         opts.QueryCacheCapacity,
		ForceCompilation: opts.ForceCompilation,
		Logger:           opts.Logger,
		HookManager:      e.hookManager,
		Hits:             e.metrics.QueryCacheHits,
		Misses:           e.metrics.QueryCacheMisses,
	})
	if err != nil {
		return nil, err
	}

	if opts.SlowCommandThreshold > 0 {
		slow := listeners.NewSlowOperationListener(opts.Logger, opts.SlowCommandThreshold)
		e.hookManager.Register(hooks.EventPostExecute, slow)
		e.hookManager.Register(hooks.EventPostQuery, slow)
	}

	if err := e.recover(context.Background()); err != nil {
		return nil, err
	}

	e.startSnapshotLoop()
	e.hookManager.Trigger(context.Background(), hooks.NewPostStartEngineEvent(hooks.EngineLifecyclePayload{DataDir: opts.DataDir}))
	e.logger.Info("Engine started.", "role", e.Role(), "isolation", opts.Isolation, "sequence", e.CommittedSequence())
	return e, nil
}

func (e *Engine[M]) openStorage() error {
	if e.opts.Journal != nil && e.opts.SnapshotStore != nil {
		e.journal = e.opts.Journal
		e.snapshots = e.opts.SnapshotStore
		return nil
	}
	if e.opts.DataDir == "" {
		return fmt.Errorf("engine: DataDir is required")
	}
	if err := os.MkdirAll(e.opts.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", e.opts.DataDir, err)
	}

	release, err := sys.AcquireFileLock(filepath.Join(e.opts.DataDir, core.LockFileName), e.opts.LockRetries, e.opts.LockRetryInterval)
	if err != nil {
		return fmt.Errorf("failed to lock data directory %s: %w", e.opts.DataDir, err)
	}
	e.releaseLock = release

	if e.opts.SnapshotStore != nil {
		e.snapshots = e.opts.SnapshotStore
	} else {
		store, err := snapshot.NewStore(snapshot.Options{
			Dir:        filepath.Join(e.opts.DataDir, core.SnapshotDirName),
			Compressor: e.opts.Compressor,
			MaxAge:     e.opts.Snapshot.MaxAge,
			Logger:     e.opts.Logger,
		})
		if err != nil {
			return err
		}
		e.snapshots = store
	}

	if e.opts.Journal != nil {
		e.journal = e.opts.Journal
	} else {
		j, err := journal.Open(journal.Options{
			Dir:            filepath.Join(e.opts.DataDir, core.JournalDirName),
			SyncMode:       e.opts.JournalSyncMode,
			MaxSegmentSize: e.opts.JournalMaxSegmentSize,
			Compressor:     e.opts.Compressor,
			BytesWritten:   e.metrics.JournalBytesWrittenTotal,
			EntriesWritten: e.metrics.JournalEntriesWrittenTotal,
			Logger:         e.opts.Logger,
			HookManager:    e.hookManager,
		})
		if err != nil {
			return err
		}
		e.journal = j
	}
	return nil
}

// recover loads the latest snapshot and replays the journal after it.
func (e *Engine[M]) recover(ctx context.Context) (err error) {
	_, span := e.tracer.Start(ctx, "Engine.Recover")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	start := time.Now()

	data, info, found, err := e.snapshots.ReadLatest()
	if err != nil {
		return fmt.Errorf("failed to read latest snapshot: %w", err)
	}
	var snapshotSeq uint64
	if found {
		snapshotSeq = info.Sequence
		e.logger.Info("Loading snapshot", "id", info.ID, "sequence", snapshotSeq)
	}

	records, err := e.journal.ReadFrom(snapshotSeq + 1)
	if err != nil {
		return fmt.Errorf("failed to read journal from %d: %w", snapshotSeq+1, err)
	}

	model, seq, err := Replay(e.opts, data, snapshotSeq, records)
	if err != nil {
		return err
	}

	// The journal may end before the snapshot when the snapshot came from a
	// primary. Its records are all covered, so continue numbering after it.
	if last := e.journal.LastSequence(); last != 0 && last < seq {
		if err := e.journal.Reset(seq); err != nil {
			return fmt.Errorf("failed to reset journal to snapshot position %d: %w", seq, err)
		}
	}

	e.model = model
	e.seq = seq
	e.committedSeq.Store(seq)
	e.lastSnapshotSeq.Store(snapshotSeq)
	e.metrics.LastSnapshotSequence.Set(int64(snapshotSeq))
	if err := e.publishLocked(); err != nil {
		return err
	}

	duration := time.Since(start)
	e.metrics.RecoveryDurationSeconds.Set(duration.Seconds())
	e.metrics.RecoveredRecordsTotal.Add(int64(len(records)))
	span.SetAttributes(
		attribute.Int64("snapshot.sequence", int64(snapshotSeq)),
		attribute.Int("records.replayed", len(records)),
	)
	e.hookManager.Trigger(ctx, hooks.NewPostRecoveryEvent(hooks.PostRecoveryPayload{
		SnapshotSequence: snapshotSeq,
		RecordsReplayed:  len(records),
		LastSequence:     seq,
		Duration:         duration,
	}))
	e.logger.Info("Recovery complete", "snapshot_sequence", snapshotSeq, "records_replayed", len(records), "sequence", seq, "duration", duration)
	return nil
}

// publishLocked refreshes the reader copy in snapshot isolation.
// Must be called with exclusive access to the model.
func (e *Engine[M]) publishLocked() error {
	if e.opts.Isolation != IsolationSnapshot {
		return nil
	}
	clone, err := cloneModel(e.opts, e.model)
	if err != nil {
		return fmt.Errorf("failed to publish model copy: %w", err)
	}
	e.published.Store(&view[M]{model: clone, seq: e.seq})
	return nil
}

// admit registers an in-flight operation. The returned func must be called
// when it finishes.
func (e *Engine[M]) admit(op string) (func(), error) {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed {
		return nil, core.NewFault(core.FaultClosed, op, core.ErrClosed)
	}
	e.inflight.Add(1)
	return e.inflight.Done, nil
}

// Role returns the current replication role.
func (e *Engine[M]) Role() core.Role {
	return core.Role(e.role.Load())
}

// CommittedSequence is the sequence of the last durable record.
func (e *Engine[M]) CommittedSequence() uint64 {
	return e.committedSeq.Load()
}

// Metrics returns the engine's metrics.
func (e *Engine[M]) Metrics() *EngineMetrics {
	return e.metrics
}

// HookManager returns the hook manager events are sent to.
func (e *Engine[M]) HookManager() hooks.HookManager {
	return e.hookManager
}

// QueryCache returns the ad-hoc query cache.
func (e *Engine[M]) QueryCache() *querycache.Cache {
	return e.queryCache
}

// Status returns a summary of the engine state.
func (e *Engine[M]) Status() Status {
	return Status{
		Role:                 e.Role(),
		Isolation:            e.opts.Isolation,
		CommittedSequence:    e.CommittedSequence(),
		LastSnapshotSequence: e.lastSnapshotSeq.Load(),
		Tainted:              e.tainted.Load(),
		Degraded:             e.degraded.Load(),
		Replicas:             e.tracker.Positions(),
		QueryCacheEntries:    e.queryCache.Len(),
		CompilerInvocations:  e.queryCache.CompilerInvocations(),
	}
}

// Close stops accepting operations, waits for in-flight ones, stops
// background work and replication hand-off, closes the journal and releases
// the data directory.
func (e *Engine[M]) Close() error {
	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return nil
	}
	e.closed = true
	e.closeMu.Unlock()

	e.hookManager.Trigger(context.Background(), hooks.NewPreCloseEngineEvent(hooks.EngineLifecyclePayload{DataDir: e.opts.DataDir}))
	e.logger.Info("Closing engine...")
	e.inflight.Wait()

	close(e.shutdownChan)
	e.wg.Wait()

	e.writeMu.Lock()
	pub := e.publisher
	e.publisher = nil
	e.writeMu.Unlock()
	if c, ok := pub.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			e.logger.Warn("Error closing replication publisher.", "error", err)
		}
	}

	err := e.cleanup()
	e.hookManager.Stop()
	if err != nil {
		e.logger.Error("Engine closed with errors.", "error", err)
		return err
	}
	e.logger.Info("Engine closed.", "sequence", e.CommittedSequence())
	return nil
}

// cleanup closes storage and releases the directory lock.
func (e *Engine[M]) cleanup() error {
	var errs []error
	if e.journal != nil {
		if err := e.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
		e.journal = nil
	}
	if e.releaseLock != nil {
		if err := e.releaseLock(); err != nil {
			errs = append(errs, fmt.Errorf("release lock: %w", err))
		}
		e.releaseLock = nil
	}
	return errors.Join(errs...)
}
