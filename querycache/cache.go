package querycache

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync/atomic"
	"time"

	"github.com/INLOpen/livedb/hooks"
	"golang.org/x/sync/singleflight"
)

// CompiledQuery is the callable produced by a Compiler.
type CompiledQuery func(model any, args []any) (any, error)

// Compiler turns query text into a CompiledQuery for the given model and
// argument types.
type Compiler interface {
	Compile(text string, modelType reflect.Type, argTypes []reflect.Type) (CompiledQuery, error)
}

// CompilerFunc adapts a function to the Compiler interface.
type CompilerFunc func(text string, modelType reflect.Type, argTypes []reflect.Type) (CompiledQuery, error)

func (f CompilerFunc) Compile(text string, modelType reflect.Type, argTypes []reflect.Type) (CompiledQuery, error) {
	return f(text, modelType, argTypes)
}

var (
	// ErrNilArgument is returned when an argument has no runtime type to key on.
	ErrNilArgument = errors.New("querycache: nil argument has no type signature")
	// ErrNoCompiler is returned by NewCache when Options.Compiler is nil.
	ErrNoCompiler = errors.New("querycache: compiler is required")
)

// CompileError wraps a failure reported by the Compiler.
type CompileError struct {
	Text string
	Err  error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("failed to compile query %q: %v", e.Text, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// Entry is one compiled query. Only the invocation counter changes after insert.
type Entry struct {
	Key        string
	Text       string
	ArgTypes   []string
	query      CompiledQuery
	invocation atomic.Int64
}

// Invoke runs the compiled query and counts the call.
func (e *Entry) Invoke(model any, args []any) (any, error) {
	e.invocation.Add(1)
	return e.query(model, args)
}

// Invocations returns how many times the entry was invoked.
func (e *Entry) Invocations() int64 {
	return e.invocation.Load()
}

// Options configures a Cache.
type Options struct {
	Compiler Compiler
	// Capacity bounds the number of entries with LRU eviction. 0 is unbounded.
	Capacity int
	// ForceCompilation bypasses the cache and compiles on every call.
	ForceCompilation bool
	Logger           *slog.Logger
	HookManager      hooks.HookManager
	// Hits and Misses receive lookup counters when set.
	Hits   *expvar.Int
	Misses *expvar.Int
}

// Cache maps (text, argument type signature) to compiled queries. Concurrent
// misses for the same key share a single compilation.
type Cache struct {
	compiler Compiler
	force    atomic.Bool
	entries  *lruCache
	group    singleflight.Group

	compilations atomic.Int64
	logger       *slog.Logger
	hookManager  hooks.HookManager
}

// NewCache creates a query cache around the given compiler.
func NewCache(opts Options) (*Cache, error) {
	if opts.Compiler == nil {
		return nil, ErrNoCompiler
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Cache{
		compiler:    opts.Compiler,
		logger:      opts.Logger.With("component", "QueryCache"),
		hookManager: opts.HookManager,
	}
	c.force.Store(opts.ForceCompilation)
	c.entries = newLRUCache(opts.Capacity, func(key string, _ *Entry) {
		c.logger.Debug("Evicted compiled query", "key", key)
	})
	c.entries.setMetrics(opts.Hits, opts.Misses)
	return c, nil
}

// Key builds the cache key for text and argument values. Only argument types
// take part, so different values of the same types share an entry.
func Key(text string, args []any) (string, []reflect.Type, error) {
	types := make([]reflect.Type, len(args))
	var sb strings.Builder
	sb.WriteString(text)
	sb.WriteByte(0)
	for i, a := range args {
		if a == nil {
			return "", nil, fmt.Errorf("argument %d: %w", i, ErrNilArgument)
		}
		t := reflect.TypeOf(a)
		types[i] = t
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(typeName(t))
	}
	return sb.String(), types, nil
}

// typeName qualifies the type with its package path so two identically named
// types from different packages do not collide.
func typeName(t reflect.Type) string {
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// GetCompiledQuery returns the cached entry for text and the types of args,
// compiling it on a miss.
func (c *Cache) GetCompiledQuery(ctx context.Context, text string, modelType reflect.Type, args []any) (*Entry, error) {
	key, argTypes, err := Key(text, args)
	if err != nil {
		return nil, err
	}

	if c.force.Load() {
		return c.compile(ctx, key, text, modelType, argTypes)
	}

	if e, ok := c.entries.get(key); ok {
		return e, nil
	}

	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		// Another caller may have finished compiling between our miss and Do.
		if e, ok := c.entries.peek(key); ok {
			return e, nil
		}
		e, err := c.compile(ctx, key, text, modelType, argTypes)
		if err != nil {
			return nil, err
		}
		return c.entries.put(key, e), nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("Shared in-flight compilation", "key", key)
	}
	return v.(*Entry), nil
}

func (c *Cache) compile(ctx context.Context, key, text string, modelType reflect.Type, argTypes []reflect.Type) (*Entry, error) {
	names := make([]string, len(argTypes))
	for i, t := range argTypes {
		names[i] = typeName(t)
	}

	start := time.Now()
	q, err := c.compiler.Compile(text, modelType, argTypes)
	c.compilations.Add(1)
	duration := time.Since(start)

	if c.hookManager != nil {
		c.hookManager.Trigger(ctx, hooks.NewOnQueryCompileEvent(hooks.QueryCompilePayload{
			Text:     text,
			ArgTypes: names,
			Duration: duration,
			Error:    err,
		}))
	}
	if err != nil {
		c.logger.Warn("Query compilation failed", "text", text, "error", err)
		return nil, &CompileError{Text: text, Err: err}
	}
	c.logger.Debug("Compiled query", "text", text, "arg_types", names, "duration", duration)
	return &Entry{Key: key, Text: text, ArgTypes: names, query: q}, nil
}

// CompilerInvocations returns how many times the compiler has been called.
func (c *Cache) CompilerInvocations() int64 {
	return c.compilations.Load()
}

// SetForceCompilation toggles cache bypass at runtime.
func (c *Cache) SetForceCompilation(force bool) {
	c.force.Store(force)
}

func (c *Cache) ForceCompilation() bool {
	return c.force.Load()
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return c.entries.len()
}

// Clear drops every cached entry. The compilation counter is kept.
func (c *Cache) Clear() {
	c.entries.clear()
}

// HitRate returns hits / (hits + misses) when metrics are attached.
func (c *Cache) HitRate() float64 {
	return c.entries.hitRate()
}
