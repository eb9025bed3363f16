package engine

import (
	"expvar"
	"fmt"
	"sync"

	"github.com/caio/go-tdigest/v4"
)

// latencyBuckets defines the buckets for latency histograms (in seconds).
var latencyBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5}

// EngineMetrics holds all expvar variables for an Engine instance.
type EngineMetrics struct {
	PublishedGlobally bool // Indicates if the metrics are published to the global expvar namespace.

	CommandsTotal        *expvar.Int
	CommandsAbortedTotal *expvar.Int
	QueriesTotal         *expvar.Int
	QueryErrorsTotal     *expvar.Int
	TextQueriesTotal     *expvar.Int
	// FaultsTotal counts faults per kind name.
	FaultsTotal *expvar.Map

	ExecuteLatencyHist *expvar.Map
	QueryLatencyHist   *expvar.Map

	JournalBytesWrittenTotal   *expvar.Int
	JournalEntriesWrittenTotal *expvar.Int

	SnapshotsTotal          *expvar.Int
	SnapshotErrorsTotal     *expvar.Int
	SnapshotLatencyHist     *expvar.Map
	LastSnapshotSequence    *expvar.Int
	RecoveryDurationSeconds *expvar.Float
	RecoveredRecordsTotal   *expvar.Int

	QueryCacheHits   *expvar.Int
	QueryCacheMisses *expvar.Int

	ReplicationErrorsTotal  *expvar.Int
	ReplicatedRecordsTotal  *expvar.Int
	ReplicationWaitTimeouts *expvar.Int

	ActiveQueries *expvar.Int

	// executeDigest keeps execute latencies for quantile estimates.
	digestMu      sync.Mutex
	executeDigest *tdigest.TDigest
}

// NewEngineMetrics creates and initializes a new EngineMetrics struct with expvar variables.
func NewEngineMetrics(publishGlobally bool, prefix string) *EngineMetrics {
	var newIntFunc func(string) *expvar.Int
	var newFloatFunc func(string) *expvar.Float
	var newMapFunc func(string) *expvar.Map

	if publishGlobally {
		newIntFunc = publishExpvarInt
		newFloatFunc = publishExpvarFloat
		newMapFunc = publishExpvarMap
	} else {
		newIntFunc = func(_ string) *expvar.Int { return new(expvar.Int) }
		newFloatFunc = func(_ string) *expvar.Float { return new(expvar.Float) }
		newMapFunc = func(_ string) *expvar.Map {
			m := new(expvar.Map)
			m.Init()
			return m
		}
	}

	em := &EngineMetrics{
		PublishedGlobally:    publishGlobally,
		CommandsTotal:        newIntFunc(prefix + "commands_total"),
		CommandsAbortedTotal: newIntFunc(prefix + "commands_aborted_total"),
		QueriesTotal:         newIntFunc(prefix + "queries_total"),
		QueryErrorsTotal:     newIntFunc(prefix + "query_errors_total"),
		TextQueriesTotal:     newIntFunc(prefix + "text_queries_total"),
		FaultsTotal:          newMapFunc(prefix + "faults_total"),

		ExecuteLatencyHist: newMapFunc(prefix + "execute_latency_seconds"),
		QueryLatencyHist:   newMapFunc(prefix + "query_latency_seconds"),

		JournalBytesWrittenTotal:   newIntFunc(prefix + "journal_bytes_written_total"),
		JournalEntriesWrittenTotal: newIntFunc(prefix + "journal_entries_written_total"),

		SnapshotsTotal:          newIntFunc(prefix + "snapshots_total"),
		SnapshotErrorsTotal:     newIntFunc(prefix + "snapshot_errors_total"),
		SnapshotLatencyHist:     newMapFunc(prefix + "snapshot_latency_seconds"),
		LastSnapshotSequence:    newIntFunc(prefix + "last_snapshot_sequence"),
		RecoveryDurationSeconds: newFloatFunc(prefix + "recovery_duration_seconds"),
		RecoveredRecordsTotal:   newIntFunc(prefix + "recovered_records_total"),

		QueryCacheHits:   newIntFunc(prefix + "query_cache_hits"),
		QueryCacheMisses: newIntFunc(prefix + "query_cache_misses"),

		ReplicationErrorsTotal:  newIntFunc(prefix + "replication_errors_total"),
		ReplicatedRecordsTotal:  newIntFunc(prefix + "replicated_records_total"),
		ReplicationWaitTimeouts: newIntFunc(prefix + "replication_wait_timeouts_total"),

		ActiveQueries: newIntFunc(prefix + "active_queries"),
	}

	for _, m := range []*expvar.Map{em.ExecuteLatencyHist, em.QueryLatencyHist, em.SnapshotLatencyHist} {
		m.Set("count", new(expvar.Int))
		m.Set("sum", new(expvar.Float))
		for _, b := range latencyBuckets {
			m.Set(fmt.Sprintf("le_%.4f", b), new(expvar.Int))
		}
		m.Set("le_inf", new(expvar.Int))
	}

	// tdigest.New only fails on invalid options.
	em.executeDigest, _ = tdigest.New()
	if publishGlobally {
		publishExpvarFunc(prefix+"execute_latency_quantiles", func() interface{} {
			return map[string]float64{
				"p50": em.ExecuteLatencyQuantile(0.50),
				"p90": em.ExecuteLatencyQuantile(0.90),
				"p99": em.ExecuteLatencyQuantile(0.99),
			}
		})
	}
	return em
}

// observeExecute records one Execute latency in the histogram and the digest.
func (em *EngineMetrics) observeExecute(seconds float64) {
	observeLatency(em.ExecuteLatencyHist, seconds)
	em.digestMu.Lock()
	defer em.digestMu.Unlock()
	if em.executeDigest != nil {
		_ = em.executeDigest.Add(seconds)
	}
}

// ExecuteLatencyQuantile estimates the q-quantile of Execute latency in seconds.
// It returns 0 before the first observation.
func (em *EngineMetrics) ExecuteLatencyQuantile(q float64) float64 {
	em.digestMu.Lock()
	defer em.digestMu.Unlock()
	if em.executeDigest == nil || em.executeDigest.Count() == 0 {
		return 0
	}
	return em.executeDigest.Quantile(q)
}

func (em *EngineMetrics) countFault(kind string) {
	em.FaultsTotal.Add(kind, 1)
}

// observeLatency records the duration in the provided histogram map.
func observeLatency(histMap *expvar.Map, durationSeconds float64) {
	if histMap == nil {
		return
	}
	if countVar, ok := histMap.Get("count").(*expvar.Int); ok {
		countVar.Add(1)
	}
	if sumVar, ok := histMap.Get("sum").(*expvar.Float); ok {
		sumVar.Add(durationSeconds)
	}
	// For a cumulative histogram, a value that fits in a smaller bucket
	// must also be counted in all larger buckets.
	for _, b := range latencyBuckets {
		if durationSeconds <= b {
			if bucketVar, ok := histMap.Get(fmt.Sprintf("le_%.4f", b)).(*expvar.Int); ok {
				bucketVar.Add(1)
			}
		}
	}
	if infVar, ok := histMap.Get("le_inf").(*expvar.Int); ok {
		infVar.Add(1)
	}
}

// publishExpvarInt safely publishes an expvar.Int.
// If the name already exists and is an *expvar.Int, it resets it and returns it.
// If the name exists but is not an *expvar.Int, it panics.
func publishExpvarInt(name string) *expvar.Int {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewInt(name)
	}
	if iv, ok := v.(*expvar.Int); ok {
		iv.Set(0)
		return iv
	}
	panic(fmt.Sprintf("expvar: trying to publish Int %s but variable already exists with different type %T", name, v))
}

// publishExpvarFloat safely publishes an expvar.Float.
func publishExpvarFloat(name string) *expvar.Float {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewFloat(name)
	}
	if fv, ok := v.(*expvar.Float); ok {
		fv.Set(0.0)
		return fv
	}
	panic(fmt.Sprintf("expvar: trying to publish Float %s but variable already exists with different type %T", name, v))
}

// publishExpvarMap safely publishes an expvar.Map, resetting an existing one.
func publishExpvarMap(name string) *expvar.Map {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewMap(name)
	}
	if mv, ok := v.(*expvar.Map); ok {
		mv.Init()
		return mv
	}
	panic(fmt.Sprintf("expvar: trying to publish Map %s but variable already exists with different type %T", name, v))
}

// publishExpvarFunc safely publishes an expvar.Func.
func publishExpvarFunc(name string, f func() interface{}) {
	// expvar.Publish panics on reuse. Only publish if it doesn't exist.
	if expvar.Get(name) != nil {
		return
	}
	expvar.Publish(name, expvar.Func(f))
}
