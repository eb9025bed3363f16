package engine

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/INLOpen/livedb/codec"
	"github.com/INLOpen/livedb/compressors"
	"github.com/INLOpen/livedb/config"
	"github.com/INLOpen/livedb/core"
	"github.com/INLOpen/livedb/hooks"
	"github.com/INLOpen/livedb/journal"
	"github.com/INLOpen/livedb/querycache"
	"go.opentelemetry.io/otel/trace"
)

// Isolation selects how readers are kept apart from the writer.
type Isolation string

const (
	// IsolationReadCommitted makes readers share a lock with each other that
	// excludes the writer. Readers always see the latest committed state.
	IsolationReadCommitted Isolation = "read_committed"
	// IsolationSnapshot lets readers use a copy published after each commit.
	// Readers never wait for the writer and may see slightly stale state.
	IsolationSnapshot Isolation = "snapshot"
)

// ParseIsolation maps a config value. Empty means IsolationReadCommitted.
func ParseIsolation(s string) (Isolation, error) {
	switch Isolation(strings.ToLower(strings.TrimSpace(s))) {
	case "", IsolationReadCommitted:
		return IsolationReadCommitted, nil
	case IsolationSnapshot:
		return IsolationSnapshot, nil
	default:
		return "", fmt.Errorf("unknown isolation level %q", s)
	}
}

// SnapshotPolicy decides when snapshots are taken automatically. Zero values
// disable the corresponding trigger.
type SnapshotPolicy struct {
	EveryRecords uint64
	Interval     time.Duration
	JournalBytes int64
	// Keep is how many snapshots survive pruning. Zero keeps all.
	Keep   int
	MaxAge time.Duration
	// TruncateJournal purges segments fully covered by a new snapshot.
	TruncateJournal bool
}

// Options configures an Engine for model type M.
type Options[M any] struct {
	DataDir string
	// NewModel creates the empty model used when no snapshot exists.
	NewModel func() M
	// Clone copies the model for snapshot isolation. When nil the serializer
	// is used for a round trip.
	Clone func(M) M

	Isolation  Isolation
	Serializer core.Serializer
	Compressor core.Compressor
	// Registry maps journaled type names back to command types.
	Registry *codec.Registry

	JournalSyncMode       journal.SyncMode
	JournalMaxSegmentSize int64
	Snapshot              SnapshotPolicy

	// Journal and SnapshotStore replace the file-backed stores when set.
	Journal       core.JournalStore
	SnapshotStore core.SnapshotStore

	QueryCompiler      querycache.Compiler
	QueryCacheCapacity int
	ForceCompilation   bool

	Role            core.Role
	SyncReplication bool
	AckPolicy       core.AckPolicy
	AckTimeout      time.Duration
	// TransitioningWait is reported to callers while the node changes role.
	TransitioningWait time.Duration

	SlowCommandThreshold time.Duration
	LockRetries          int
	LockRetryInterval    time.Duration

	Metrics        *EngineMetrics
	TracerProvider trace.TracerProvider
	HookManager    hooks.HookManager
	Logger         *slog.Logger
}

func (o *Options[M]) setDefaults() error {
	if o.NewModel == nil {
		return fmt.Errorf("engine: NewModel is required")
	}
	if o.Registry == nil {
		return fmt.Errorf("engine: command Registry is required")
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Isolation == "" {
		o.Isolation = IsolationReadCommitted
	}
	if o.Serializer == nil {
		o.Serializer = codec.GobSerializer{}
	}
	if o.Compressor == nil {
		o.Compressor = compressors.NewNoCompressionCompressor()
	}
	if o.QueryCompiler == nil {
		o.QueryCompiler = &querycache.ExprCompiler{}
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 5 * time.Second
	}
	if o.TransitioningWait <= 0 {
		o.TransitioningWait = 2 * time.Second
	}
	if o.LockRetries <= 0 {
		o.LockRetries = 3
	}
	if o.LockRetryInterval <= 0 {
		o.LockRetryInterval = 100 * time.Millisecond
	}
	if o.Metrics == nil {
		o.Metrics = NewEngineMetrics(false, "")
	}
	if o.HookManager == nil {
		o.HookManager = hooks.NewHookManager(o.Logger)
	}
	return nil
}

// OptionsFromConfig maps the loaded configuration onto engine options.
func OptionsFromConfig[M any](cfg *config.Config, newModel func() M, registry *codec.Registry, logger *slog.Logger) (Options[M], error) {
	if logger == nil {
		logger = slog.Default()
	}
	isolation, err := ParseIsolation(cfg.Engine.Isolation)
	if err != nil {
		return Options[M]{}, err
	}
	compressor, err := compressors.FromName(cfg.Engine.Compression)
	if err != nil {
		return Options[M]{}, err
	}
	serializer, err := codec.SerializerByName(cfg.Engine.Serializer)
	if err != nil {
		return Options[M]{}, err
	}
	role, err := core.ParseRole(cfg.Replication.Mode)
	if err != nil {
		return Options[M]{}, err
	}

	return Options[M]{
		DataDir:               cfg.Engine.DataDir,
		NewModel:              newModel,
		Isolation:             isolation,
		Serializer:            serializer,
		Compressor:            compressor,
		Registry:              registry,
		JournalSyncMode:       journal.SyncMode(cfg.Journal.SyncMode),
		JournalMaxSegmentSize: cfg.Journal.MaxSegmentSizeBytes,
		Snapshot: SnapshotPolicy{
			EveryRecords:    cfg.Snapshot.EveryRecords,
			Interval:        config.ParseDuration(cfg.Snapshot.Interval, 0, logger),
			JournalBytes:    cfg.Snapshot.JournalBytes,
			Keep:            cfg.Snapshot.Keep,
			MaxAge:          config.ParseDuration(cfg.Snapshot.MaxAge, 0, logger),
			TruncateJournal: cfg.Snapshot.TruncateJournal,
		},
		QueryCacheCapacity:   cfg.QueryCache.Capacity,
		ForceCompilation:     cfg.QueryCache.ForceCompilation,
		Role:                 role,
		SyncReplication:      cfg.Replication.Sync,
		AckPolicy:            core.ParseAckPolicy(cfg.Replication.AckPolicy),
		AckTimeout:           config.ParseDuration(cfg.Replication.AckTimeout, 5*time.Second, logger),
		TransitioningWait:    config.ParseDuration(cfg.Replication.TransitioningWait, 2*time.Second, logger),
		SlowCommandThreshold: config.ParseDuration(cfg.Engine.SlowCommandThreshold, 0, logger),
		Logger:               logger,
	}, nil
}
