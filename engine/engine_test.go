package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/INLOpen/livedb/codec"
	"github.com/INLOpen/livedb/core"
	"github.com/INLOpen/livedb/hooks"
	"github.com/INLOpen/livedb/internal/testutil"
	"github.com/INLOpen/livedb/journal"
	"github.com/INLOpen/livedb/querycache"
	"github.com/INLOpen/livedb/sys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type customerEngine = Engine[*testutil.CustomerModel]

func getBaseOptsForTest(t *testing.T) Options[*testutil.CustomerModel] {
	t.Helper()
	reg := codec.NewRegistry()
	testutil.RegisterCustomerCommands(reg)
	return Options[*testutil.CustomerModel]{
		DataDir:           t.TempDir(),
		NewModel:          testutil.NewCustomerModel,
		Clone:             (*testutil.CustomerModel).Clone,
		Registry:          reg,
		JournalSyncMode:   journal.SyncDisabled,
		LockRetries:       1,
		LockRetryInterval: time.Millisecond,
		Logger:            testutil.DiscardLogger(),
	}
}

func openForTest(t *testing.T, opts Options[*testutil.CustomerModel]) *customerEngine {
	t.Helper()
	e, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func mustAdd(t *testing.T, e *customerEngine, names ...string) {
	t.Helper()
	for _, n := range names {
		res, err := e.Execute(context.Background(), &testutil.AddCustomer{Name: n})
		require.NoError(t, err)
		require.True(t, res.Applied(), "add %q: %+v", n, res)
	}
}

func names(t *testing.T, e *customerEngine) []string {
	t.Helper()
	res, err := e.ExecuteQuery(context.Background(), testutil.CustomerNames())
	require.NoError(t, err)
	return res.Value.([]string)
}

func count(t *testing.T, e *customerEngine) int {
	t.Helper()
	res, err := e.ExecuteQuery(context.Background(), testutil.CustomerCount())
	require.NoError(t, err)
	return res.Value.(int)
}

func TestEngine_CommandsAppearInInsertionOrder(t *testing.T) {
	e := openForTest(t, getBaseOptsForTest(t))

	res, err := e.Execute(context.Background(), &testutil.AddCustomer{Name: "Zippy"})
	require.NoError(t, err)
	assert.Equal(t, core.OutcomeApplied, res.Outcome)
	assert.Equal(t, uint64(1), res.Sequence)
	assert.Equal(t, 1, res.Value)
	mustAdd(t, e, "Droozy")

	assert.Equal(t, []string{"Zippy", "Droozy"}, names(t, e))
	assert.Equal(t, uint64(2), e.CommittedSequence())
	assert.EqualValues(t, 2, e.Metrics().CommandsTotal.Value())
}

func TestEngine_CachedTextQuery(t *testing.T) {
	e := openForTest(t, getBaseOptsForTest(t))
	mustAdd(t, e, "Homer Simpson", "Robert Friberg")
	ctx := context.Background()
	const query = `filter(db.Customers, {.Name startsWith arg0})[0].Name`

	res, err := e.ExecuteText(ctx, query, "Ho")
	require.NoError(t, err)
	assert.Equal(t, "Homer Simpson", res.Value)
	assert.Equal(t, int64(1), e.QueryCache().CompilerInvocations())

	res, err = e.ExecuteText(ctx, query, "Ro")
	require.NoError(t, err)
	assert.Equal(t, "Robert Friberg", res.Value)
	assert.Equal(t, int64(1), e.QueryCache().CompilerInvocations(), "same argument types reuse the compiled query")

	// A different argument type is a different entry.
	_, err = e.ExecuteText(ctx, `len(db.Customers) > arg0`, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.QueryCache().CompilerInvocations())
	assert.Equal(t, 2, e.Status().QueryCacheEntries)
	assert.EqualValues(t, 1, e.Metrics().QueryCacheHits.Value())
}

func TestEngine_ExecuteTextFaults(t *testing.T) {
	e := openForTest(t, getBaseOptsForTest(t))
	ctx := context.Background()

	res, err := e.ExecuteText(ctx, `db.Customers[`)
	assert.Equal(t, core.FaultValidation, res.Kind)
	var compileErr *querycache.CompileError
	assert.ErrorAs(t, err, &compileErr)

	_, err = e.ExecuteText(ctx, `arg0`, nil)
	assert.ErrorIs(t, err, querycache.ErrNilArgument)
	assert.ErrorIs(t, err, core.ErrValidationFault)

	// Indexing an empty list fails at run time.
	res, err = e.ExecuteText(ctx, `db.Customers[0].Name`)
	assert.Equal(t, core.FaultApply, res.Kind)
	assert.ErrorIs(t, err, core.ErrApplyFault)
	assert.EqualValues(t, 3, e.Metrics().QueryErrorsTotal.Value())
}

func TestEngine_AbortLeavesModelUnchanged(t *testing.T) {
	e := openForTest(t, getBaseOptsForTest(t))
	mustAdd(t, e, "Zippy", "Droozy")
	before := count(t, e)

	res, err := e.Execute(context.Background(), &testutil.RemoveCustomer{Name: "nobody"})
	require.NoError(t, err, "an abort is not a fault")
	assert.True(t, res.Aborted())
	assert.Equal(t, "no customer named nobody", res.Reason)

	res, err = e.Execute(context.Background(), &testutil.RejectCustomer{Name: "Zippy"})
	require.NoError(t, err)
	assert.True(t, res.Aborted())

	assert.Equal(t, before, count(t, e))
	assert.Equal(t, uint64(2), e.CommittedSequence(), "aborted commands are not journaled")
	assert.False(t, e.Status().Tainted)
	assert.EqualValues(t, 2, e.Metrics().CommandsAbortedTotal.Value())
}

func TestEngine_ValidationFault(t *testing.T) {
	e := openForTest(t, getBaseOptsForTest(t))
	mustAdd(t, e, "Zippy")

	res, err := e.Execute(context.Background(), &testutil.AddCustomer{Name: "  "})
	assert.Equal(t, core.FaultValidation, res.Kind)
	assert.ErrorIs(t, err, core.ErrValidationFault)
	assert.True(t, core.IsValidationError(err))

	_, err = e.Execute(context.Background(), &testutil.AddCustomer{Name: "Zippy"})
	assert.ErrorIs(t, err, core.ErrValidationFault)

	assert.Equal(t, uint64(1), e.CommittedSequence())
	assert.Equal(t, []string{"Zippy"}, names(t, e))
	faults, ok := e.Metrics().FaultsTotal.Get(core.FaultValidation.String()).(interface{ Value() int64 })
	require.True(t, ok)
	assert.EqualValues(t, 2, faults.Value())
}

func TestEngine_CancelledContextNeverApplies(t *testing.T) {
	e := openForTest(t, getBaseOptsForTest(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := e.Execute(ctx, &testutil.AddCustomer{Name: "late"})
	assert.Equal(t, core.FaultValidation, res.Kind)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, count(t, e))
}

// chanCommand cannot be encoded for the journal.
type chanCommand struct {
	C chan int
}

func (*chanCommand) Prepare(context.Context, *testutil.CustomerModel) error { return nil }

func (*chanCommand) Apply(m *testutil.CustomerModel) (any, error) {
	m.Customers = nil
	return nil, nil
}

func TestEngine_UnserializableCommandIsRejected(t *testing.T) {
	e := openForTest(t, getBaseOptsForTest(t))
	mustAdd(t, e, "Zippy")

	res, err := e.Execute(context.Background(), &chanCommand{C: make(chan int)})
	assert.Equal(t, core.FaultValidation, res.Kind)
	assert.ErrorIs(t, err, ErrNotSerializable)
	assert.Equal(t, 1, count(t, e))
}

func TestEngine_ApplyFault(t *testing.T) {
	e := openForTest(t, getBaseOptsForTest(t))
	mustAdd(t, e, "Zippy")

	res, err := e.Execute(context.Background(), &testutil.BrokenCommand{})
	assert.Equal(t, core.FaultApply, res.Kind)
	assert.ErrorIs(t, err, core.ErrApplyFault)
	assert.ErrorIs(t, err, testutil.ErrBrokenCommand)
	assert.False(t, e.Status().Tainted, "a command declaring no partial writes does not taint")

	res, err = e.Execute(context.Background(), &testutil.BrokenCommand{PartialWrite: true})
	assert.Equal(t, core.FaultApply, res.Kind)
	assert.True(t, e.Status().Tainted)
	// No rollback: the partial change stays visible.
	assert.Equal(t, []string{"Zippy", "partial"}, names(t, e))
	assert.Equal(t, uint64(1), e.CommittedSequence())

	// The engine keeps serving independent commands.
	mustAdd(t, e, "Droozy")
	assert.Equal(t, uint64(2), e.CommittedSequence())
}

func TestEngine_PanicInApplyIsAFault(t *testing.T) {
	e := openForTest(t, getBaseOptsForTest(t))

	res, err := e.Execute(context.Background(), &testutil.BrokenCommand{Panic: true})
	assert.Equal(t, core.FaultApply, res.Kind)
	var panicErr *core.PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "broken command", panicErr.Value)

	mustAdd(t, e, "after")
	assert.Equal(t, []string{"after"}, names(t, e))
}

func TestEngine_PanicInQueryIsAFault(t *testing.T) {
	e := openForTest(t, getBaseOptsForTest(t))
	boom := core.QueryFunc[*testutil.CustomerModel](func(context.Context, *testutil.CustomerModel) (any, error) {
		panic("boom")
	})
	res, err := e.ExecuteQuery(context.Background(), boom)
	assert.Equal(t, core.FaultApply, res.Kind)
	var panicErr *core.PanicError
	assert.ErrorAs(t, err, &panicErr)
}

func TestEngine_NonProxiableOperationsAreRefused(t *testing.T) {
	e := openForTest(t, getBaseOptsForTest(t))
	mustAdd(t, e, "Zippy")

	res, err := e.Execute(context.Background(), &testutil.LeakyCommand{})
	assert.Equal(t, core.FaultNotPermitted, res.Kind)
	assert.ErrorIs(t, err, core.ErrNotPermitted)
	assert.Equal(t, []string{"Zippy"}, names(t, e), "the command must never run")

	res, err = e.ExecuteQuery(context.Background(), testutil.ModelReference{})
	assert.Equal(t, core.FaultNotPermitted, res.Kind)
	assert.ErrorIs(t, err, core.ErrNotPermitted)
	assert.Nil(t, res.Value)
}

func TestEngine_DurabilityFaultDegradesEngine(t *testing.T) {
	opts := getBaseOptsForTest(t)
	j, err := journal.Open(journal.Options{
		Dir:      filepath.Join(opts.DataDir, core.JournalDirName),
		SyncMode: journal.SyncDisabled,
		Logger:   testutil.DiscardLogger(),
	})
	require.NoError(t, err)
	opts.Journal = j

	e, err := Open(opts)
	require.NoError(t, err)
	mustAdd(t, e, "Zippy")

	j.SetTestingOnlyInjectAppendError(errors.New("disk full"))
	res, err := e.Execute(context.Background(), &testutil.AddCustomer{Name: "Droozy"})
	assert.Equal(t, core.FaultDurability, res.Kind)
	assert.ErrorIs(t, err, core.ErrDurabilityFault)
	assert.False(t, res.Applied())
	assert.True(t, e.Status().Degraded)
	assert.Equal(t, uint64(1), e.CommittedSequence())

	// Every later command is refused, even once the disk recovers.
	j.SetTestingOnlyInjectAppendError(nil)
	_, err = e.Execute(context.Background(), &testutil.AddCustomer{Name: "Erin"})
	assert.ErrorIs(t, err, core.ErrEngineDegraded)
	require.NoError(t, e.Close())

	// A restart replays the journal, which never saw the failed command.
	opts.Journal = nil
	reopened := openForTest(t, opts)
	assert.Equal(t, []string{"Zippy"}, names(t, reopened))
	assert.False(t, reopened.Status().Degraded)
	mustAdd(t, reopened, "Droozy")
}

func TestEngine_Isolation(t *testing.T) {
	for _, iso := range []Isolation{IsolationReadCommitted, IsolationSnapshot} {
		t.Run(string(iso), func(t *testing.T) {
			opts := getBaseOptsForTest(t)
			opts.Isolation = iso
			e := openForTest(t, opts)
			mustAdd(t, e, "Zippy")

			// Hold exclusive access the way Apply does.
			e.mu.Lock()
			done := make(chan []string, 1)
			go func() {
				res, err := e.ExecuteQuery(context.Background(), testutil.CustomerNames())
				if err == nil {
					done <- res.Value.([]string)
				}
			}()

			if iso == IsolationSnapshot {
				select {
				case got := <-done:
					assert.Equal(t, []string{"Zippy"}, got)
				case <-time.After(time.Second):
					t.Fatal("snapshot reader blocked on the writer")
				}
				e.mu.Unlock()
				return
			}
			select {
			case <-done:
				t.Fatal("read-committed reader did not wait for the writer")
			case <-time.After(50 * time.Millisecond):
			}
			e.mu.Unlock()
			assert.Equal(t, []string{"Zippy"}, <-done)
		})
	}
}

func TestEngine_SnapshotReadersSeeCommittedState(t *testing.T) {
	opts := getBaseOptsForTest(t)
	opts.Isolation = IsolationSnapshot
	opts.Clone = nil // exercise the serializer round trip
	e := openForTest(t, opts)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				res, err := e.ExecuteQuery(context.Background(), testutil.CustomerCount())
				if assert.NoError(t, err) {
					// The published copy always matches the sequence it reflects.
					assert.Equal(t, int(res.Sequence), res.Value)
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		mustAdd(t, e, fmt.Sprintf("customer-%d", i))
	}
	close(stop)
	wg.Wait()
	assert.Equal(t, 50, count(t, e))
}

func TestEngine_ConcurrentWritersAreSerialized(t *testing.T) {
	e := openForTest(t, getBaseOptsForTest(t))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := e.Execute(context.Background(), &testutil.AddCustomers{Names: []string{"w"}})
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, uint64(80), e.CommittedSequence())
	assert.Equal(t, 80, count(t, e))

	recs, err := e.ReadJournal(1)
	require.NoError(t, err)
	require.Len(t, recs, 80)
	for i, rec := range recs {
		assert.Equal(t, uint64(i+1), rec.Sequence)
	}
}

func TestEngine_Hooks(t *testing.T) {
	opts := getBaseOptsForTest(t)
	hm := hooks.NewHookManager(testutil.DiscardLogger())
	opts.HookManager = hm

	var mu sync.Mutex
	var outcomes []string
	hm.Register(hooks.EventPostExecute, hooks.ListenerFunc(func(_ context.Context, ev hooks.HookEvent) error {
		mu.Lock()
		outcomes = append(outcomes, ev.Payload().(hooks.PostExecutePayload).Outcome)
		mu.Unlock()
		return nil
	}))
	hm.Register(hooks.EventPreExecute, hooks.ListenerFunc(func(_ context.Context, ev hooks.HookEvent) error {
		if add, ok := ev.Payload().(hooks.PreExecutePayload).Command.(*testutil.AddCustomer); ok && add.Name == "vetoed" {
			return errors.New("not allowed")
		}
		return nil
	}))

	e := openForTest(t, opts)
	mustAdd(t, e, "Zippy")
	_, err := e.Execute(context.Background(), &testutil.AddCustomer{Name: "vetoed"})
	assert.ErrorIs(t, err, core.ErrValidationFault)
	_, err = e.Execute(context.Background(), &testutil.RejectCustomer{})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"applied", "fault", "aborted"}, outcomes)
	assert.Equal(t, []string{"Zippy"}, names(t, e))
}

func TestEngine_CloseRefusesOperations(t *testing.T) {
	opts := getBaseOptsForTest(t)
	e, err := Open(opts)
	require.NoError(t, err)
	mustAdd(t, e, "Zippy")
	require.NoError(t, e.Close())
	require.NoError(t, e.Close(), "Close is idempotent")

	res, err := e.Execute(context.Background(), &testutil.AddCustomer{Name: "late"})
	assert.Equal(t, core.FaultClosed, res.Kind)
	assert.ErrorIs(t, err, core.ErrClosed)
	_, err = e.ExecuteQuery(context.Background(), testutil.CustomerNames())
	assert.ErrorIs(t, err, core.ErrClosed)
}

func TestEngine_DataDirIsLocked(t *testing.T) {
	opts := getBaseOptsForTest(t)
	openForTest(t, opts)

	_, err := Open(opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, sys.ErrLocked)
}

func TestEngine_RequiredOptions(t *testing.T) {
	opts := getBaseOptsForTest(t)
	opts.NewModel = nil
	_, err := Open(opts)
	assert.Error(t, err)

	opts = getBaseOptsForTest(t)
	opts.Registry = nil
	_, err = Open(opts)
	assert.Error(t, err)

	opts = getBaseOptsForTest(t)
	opts.DataDir = ""
	_, err = Open(opts)
	assert.Error(t, err)
}

func TestEngine_PanickingCloneReleasesWriters(t *testing.T) {
	var explode atomic.Bool
	opts := getBaseOptsForTest(t)
	opts.Isolation = IsolationSnapshot
	opts.Clone = func(m *testutil.CustomerModel) *testutil.CustomerModel {
		if explode.Load() {
			panic("clone failed")
		}
		return m.Clone()
	}
	e := openForTest(t, opts)

	explode.Store(true)
	assert.Panics(t, func() {
		_, _ = e.Execute(context.Background(), &testutil.AddCustomer{Name: "Zippy"})
	})
	explode.Store(false)

	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err := e.Execute(context.Background(), &testutil.AddCustomer{Name: "Droozy"})
		assert.NoError(t, err)
		assert.Equal(t, uint64(2), res.Sequence)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("writer blocked after a panic in Clone")
	}
}
