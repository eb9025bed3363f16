package querycache

import (
	"context"
	"errors"
	"expvar"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/INLOpen/livedb/hooks"
	"github.com/INLOpen/livedb/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var modelType = reflect.TypeOf(&testutil.CustomerModel{})

// countingCompiler returns a query echoing the text and counts calls.
type countingCompiler struct {
	calls atomic.Int64
	delay time.Duration
	err   error
}

func (c *countingCompiler) Compile(text string, _ reflect.Type, _ []reflect.Type) (CompiledQuery, error) {
	c.calls.Add(1)
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.err != nil {
		return nil, c.err
	}
	return func(_ any, args []any) (any, error) { return text, nil }, nil
}

func newTestCache(t *testing.T, opts Options) *Cache {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testutil.DiscardLogger()
	}
	c, err := NewCache(opts)
	require.NoError(t, err)
	return c
}

func TestNewCache_RequiresCompiler(t *testing.T) {
	_, err := NewCache(Options{})
	assert.ErrorIs(t, err, ErrNoCompiler)
}

func TestKey(t *testing.T) {
	k1, types, err := Key("q", []any{"a", 1})
	require.NoError(t, err)
	assert.Equal(t, []reflect.Type{reflect.TypeOf(""), reflect.TypeOf(0)}, types)

	k2, _, err := Key("q", []any{"b", 2})
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "values do not take part in the key")

	k3, _, err := Key("q", []any{1, "a"})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3, "argument order takes part in the key")

	k4, _, err := Key("q", []any{"a", int64(1)})
	require.NoError(t, err)
	assert.NotEqual(t, k1, k4)

	_, _, err = Key("q", []any{"a", nil})
	assert.ErrorIs(t, err, ErrNilArgument)
}

func TestCache_HitAndMiss(t *testing.T) {
	hits, misses := new(expvar.Int), new(expvar.Int)
	comp := &countingCompiler{}
	c := newTestCache(t, Options{Compiler: comp, Hits: hits, Misses: misses})
	ctx := context.Background()

	e1, err := c.GetCompiledQuery(ctx, "q", modelType, []any{"Ho"})
	require.NoError(t, err)
	e2, err := c.GetCompiledQuery(ctx, "q", modelType, []any{"Ro"})
	require.NoError(t, err)
	assert.Same(t, e1, e2)
	assert.Equal(t, int64(1), c.CompilerInvocations())

	_, err = c.GetCompiledQuery(ctx, "q", modelType, []any{42})
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.CompilerInvocations(), "different argument types compile separately")
	assert.Equal(t, 2, c.Len())

	out, err := e1.Invoke(nil, []any{"x"})
	require.NoError(t, err)
	assert.Equal(t, "q", out)
	assert.Equal(t, int64(1), e1.Invocations())

	assert.Equal(t, int64(1), hits.Value())
	assert.Equal(t, int64(2), misses.Value())
	assert.InDelta(t, 1.0/3.0, c.HitRate(), 0.0001)
}

func TestCache_ForceCompilation(t *testing.T) {
	comp := &countingCompiler{}
	c := newTestCache(t, Options{Compiler: comp, ForceCompilation: true})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.GetCompiledQuery(ctx, "q", modelType, []any{"a"})
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), c.CompilerInvocations())
	assert.Equal(t, 0, c.Len(), "forced compilation bypasses the cache")

	c.SetForceCompilation(false)
	assert.False(t, c.ForceCompilation())
	_, err := c.GetCompiledQuery(ctx, "q", modelType, []any{"a"})
	require.NoError(t, err)
	_, err = c.GetCompiledQuery(ctx, "q", modelType, []any{"b"})
	require.NoError(t, err)
	assert.Equal(t, int64(4), c.CompilerInvocations())
}

func TestCache_ConcurrentMissCompilesOnce(t *testing.T) {
	comp := &countingCompiler{delay: 50 * time.Millisecond}
	c := newTestCache(t, Options{Compiler: comp})

	const n = 16
	var wg sync.WaitGroup
	entries := make([]*Entry, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := c.GetCompiledQuery(context.Background(), "slow", modelType, []any{i})
			assert.NoError(t, err)
			entries[i] = e
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), comp.calls.Load())
	for _, e := range entries {
		assert.Same(t, entries[0], e)
	}
}

func TestCache_CompileErrorIsNotCached(t *testing.T) {
	boom := errors.New("syntax error")
	comp := &countingCompiler{err: boom}
	c := newTestCache(t, Options{Compiler: comp})

	_, err := c.GetCompiledQuery(context.Background(), "bad", modelType, nil)
	require.Error(t, err)
	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "bad", ce.Text)
	assert.ErrorIs(t, err, boom)

	_, err = c.GetCompiledQuery(context.Background(), "bad", modelType, nil)
	require.Error(t, err)
	assert.Equal(t, int64(2), c.CompilerInvocations())
	assert.Equal(t, 0, c.Len())
}

func TestCache_NilArgument(t *testing.T) {
	comp := &countingCompiler{}
	c := newTestCache(t, Options{Compiler: comp})
	_, err := c.GetCompiledQuery(context.Background(), "q", modelType, []any{nil})
	assert.ErrorIs(t, err, ErrNilArgument)
	assert.Zero(t, c.CompilerInvocations())
}

func TestCache_CapacityEvictsLeastRecentlyUsed(t *testing.T) {
	comp := &countingCompiler{}
	c := newTestCache(t, Options{Compiler: comp, Capacity: 2})
	ctx := context.Background()

	get := func(text string) {
		_, err := c.GetCompiledQuery(ctx, text, modelType, nil)
		require.NoError(t, err)
	}
	get("a")
	get("b")
	get("a") // b becomes least recently used
	get("c") // evicts b
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, int64(3), c.CompilerInvocations())

	get("a")
	assert.Equal(t, int64(3), c.CompilerInvocations())
	get("b")
	assert.Equal(t, int64(4), c.CompilerInvocations())
}

func TestCache_ClearKeepsCounter(t *testing.T) {
	comp := &countingCompiler{}
	c := newTestCache(t, Options{Compiler: comp})
	_, err := c.GetCompiledQuery(context.Background(), "q", modelType, nil)
	require.NoError(t, err)

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(1), c.CompilerInvocations())

	_, err = c.GetCompiledQuery(context.Background(), "q", modelType, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.CompilerInvocations())
}

func TestCache_CompileHook(t *testing.T) {
	hm := hooks.NewHookManager(testutil.DiscardLogger())
	var got []hooks.QueryCompilePayload
	hm.Register(hooks.EventOnQueryCompile, hooks.ListenerFunc(func(_ context.Context, ev hooks.HookEvent) error {
		got = append(got, ev.Payload().(hooks.QueryCompilePayload))
		return nil
	}))
	c := newTestCache(t, Options{Compiler: &countingCompiler{}, HookManager: hm})

	_, err := c.GetCompiledQuery(context.Background(), "q", modelType, []any{"x", 1})
	require.NoError(t, err)
	_, err = c.GetCompiledQuery(context.Background(), "q", modelType, []any{"y", 2})
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "q", got[0].Text)
	assert.Equal(t, []string{"string", "int"}, got[0].ArgTypes)
	assert.NoError(t, got[0].Error)
}
