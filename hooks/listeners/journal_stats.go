package listeners

import (
	"context"
	"expvar"
	"sync"
	"sync/atomic"

	"github.com/INLOpen/livedb/hooks"
)

var (
	journalStatsOnce     sync.Once
	journalRecordsTotal  *expvar.Int
	journalBytesTotal    *expvar.Int
	journalRotations     *expvar.Int
	journalLargestRecord *expvar.Int
)

func initJournalStats() {
	journalStatsOnce.Do(func() {
		journalRecordsTotal = expvar.NewInt("livedb_journal_listener_records_total")
		journalBytesTotal = expvar.NewInt("livedb_journal_listener_bytes_total")
		journalRotations = expvar.NewInt("livedb_journal_listener_rotations_total")
		journalLargestRecord = expvar.NewInt("livedb_journal_listener_largest_record_bytes")
		expvar.Publish("livedb_journal_listener_avg_record_bytes", expvar.Func(func() interface{} {
			n := journalRecordsTotal.Value()
			if n == 0 {
				return 0.0
			}
			return float64(journalBytesTotal.Value()) / float64(n)
		}))
	})
}

// JournalStatsListener aggregates journal append and rotation events into expvar counters.
type JournalStatsListener struct {
	largest atomic.Int64
}

// NewJournalStatsListener registers the process-wide counters on first use.
func NewJournalStatsListener() *JournalStatsListener {
	initJournalStats()
	return &JournalStatsListener{}
}

func (l *JournalStatsListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	switch p := event.Payload().(type) {
	case hooks.PostJournalAppendPayload:
		journalRecordsTotal.Add(1)
		journalBytesTotal.Add(int64(p.Bytes))
		for {
			cur := l.largest.Load()
			if int64(p.Bytes) <= cur {
				break
			}
			if l.largest.CompareAndSwap(cur, int64(p.Bytes)) {
				journalLargestRecord.Set(int64(p.Bytes))
				break
			}
		}
	case hooks.PostJournalRotatePayload:
		journalRotations.Add(1)
	}
	return nil
}

func (l *JournalStatsListener) Priority() int { return 1000 }

func (l *JournalStatsListener) IsAsync() bool { return false }
