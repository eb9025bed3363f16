package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/INLOpen/livedb/codec"
	"github.com/INLOpen/livedb/core"
	"github.com/INLOpen/livedb/hooks"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrNotSerializable is wrapped by validation faults for commands the
// serializer cannot encode.
var ErrNotSerializable = errors.New("command cannot be serialized for the journal")

// Execute runs cmd: Prepare without exclusive access, then Apply and a durable
// journal append under it. The record is handed to replication afterwards.
//
// The returned Result is always definite. Aborts are reported through the
// Result with a nil error; every other failure returns a *core.Fault.
func (e *Engine[M]) Execute(ctx context.Context, cmd core.Command[M]) (res core.Result, err error) {
	start := time.Now()
	typeName := codec.TypeName(cmd)
	ctx, span := e.tracer.Start(ctx, "Engine.Execute", trace.WithAttributes(attribute.String("command.type", typeName)))
	defer func() {
		e.finishExecute(ctx, span, typeName, res, err, time.Since(start))
	}()

	if _, ok := any(cmd).(core.NonProxiable); ok {
		return e.fault(core.FaultNotPermitted, "Execute", fmt.Errorf("%w: %s", core.ErrNotPermitted, typeName))
	}
	done, err := e.admit("Execute")
	if err != nil {
		return core.Faulted(core.FaultClosed), err
	}
	defer done()
	if f := e.checkWritable(); f != nil {
		e.metrics.countFault(f.Kind.String())
		return core.Faulted(f.Kind), f
	}

	// 1. Prepare, concurrently with readers.
	if err := ctx.Err(); err != nil {
		return e.fault(core.FaultValidation, "Prepare", err)
	}
	if err := e.prepare(ctx, cmd); err != nil {
		return e.fault(core.FaultValidation, "Prepare", err)
	}
	if err := e.hookManager.Trigger(ctx, hooks.NewPreExecuteEvent(hooks.PreExecutePayload{CommandType: typeName, Command: cmd})); err != nil {
		return e.fault(core.FaultValidation, "PreExecute", err)
	}
	name, payload, err := e.opts.Registry.Encode(e.opts.Serializer, cmd)
	if err != nil {
		return e.fault(core.FaultValidation, "Encode", fmt.Errorf("%w: %v", ErrNotSerializable, err))
	}
	if err := ctx.Err(); err != nil {
		return e.fault(core.FaultValidation, "Prepare", err)
	}

	// 2. Exclusive access. Apply is never cancelled from here on.
	rec, value, applyErr := func() (core.OperationRecord, any, error) {
		e.writeMu.Lock()
		defer e.writeMu.Unlock()
		return e.applyAndJournal(cmd, name, payload)
	}()

	if applyErr != nil {
		if core.IsAborted(applyErr) {
			var abortErr *core.AbortError
			errors.As(applyErr, &abortErr)
			return core.Aborted(abortErr.Reason), nil
		}
		var f *core.Fault
		if errors.As(applyErr, &f) {
			e.metrics.countFault(f.Kind.String())
			return core.Faulted(f.Kind), f
		}
		return e.fault(core.FaultApply, "Apply", applyErr)
	}

	e.hookManager.Trigger(ctx, hooks.NewPostJournalAppendEvent(hooks.PostJournalAppendPayload{
		Sequence:    rec.Sequence,
		CommandType: name,
		Bytes:       len(rec.Payload),
	}))
	e.maybeTriggerSnapshot()

	// 3. Synchronous replication waits outside the lock.
	if e.opts.SyncReplication {
		if err := e.waitForReplicas(ctx, rec.Sequence); err != nil {
			e.metrics.countFault(core.FaultReplication.String())
			return core.Result{Outcome: core.OutcomeFault, Kind: core.FaultReplication, Value: value, Sequence: rec.Sequence},
				core.NewFault(core.FaultReplication, "Replicate", err)
		}
	}
	return core.Applied(value, rec.Sequence), nil
}

// checkWritable rejects commands on non-primaries and degraded engines.
func (e *Engine[M]) checkWritable() *core.Fault {
	switch e.Role() {
	case core.RoleReplica:
		host, port := e.RedirectTarget()
		return core.NewFault(core.FaultNotPrimary, "Execute", &core.RedirectError{Host: host, Port: port})
	case core.RoleTransitioning:
		return core.NewFault(core.FaultNotPrimary, "Execute", &core.TransitioningError{WaitTime: e.opts.TransitioningWait})
	}
	if e.degraded.Load() {
		return core.NewFault(core.FaultDurability, "Execute", core.ErrEngineDegraded)
	}
	return nil
}

// prepare runs Prepare under shared access, or against the published copy in
// snapshot isolation.
func (e *Engine[M]) prepare(ctx context.Context, cmd core.Command[M]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &core.PanicError{Value: r}
		}
	}()
	if e.opts.Isolation == IsolationSnapshot {
		return cmd.Prepare(ctx, e.published.Load().model)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return cmd.Prepare(ctx, e.model)
}

// applyAndJournal applies cmd and appends its record. Must be called with writeMu held.
func (e *Engine[M]) applyAndJournal(cmd core.Command[M], name string, payload []byte) (core.OperationRecord, any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Re-checked under the lock: a durability fault may have happened while
	// this command was preparing.
	if e.degraded.Load() {
		return core.OperationRecord{}, nil, core.NewFault(core.FaultDurability, "Execute", core.ErrEngineDegraded)
	}

	value, err := applySafely(cmd, e.model)
	if err != nil {
		if core.IsAborted(err) {
			return core.OperationRecord{}, nil, err
		}
		if np, ok := any(cmd).(core.NoPartialWrites); !ok || !np.NoPartialWrites() {
			if !e.tainted.Swap(true) {
				e.logger.Error("Command failed after possibly changing the model; later results may depend on the partial change until restart.", "command_type", name, "error", err)
			}
		}
		return core.OperationRecord{}, nil, core.NewFault(core.FaultApply, "Apply", err)
	}

	rec := core.OperationRecord{
		Sequence:    e.seq + 1,
		Timestamp:   time.Now().UnixNano(),
		CommandType: name,
		Payload:     payload,
	}
	if err := e.journal.Append(rec); err != nil {
		// The model already reflects the command. It is not committed and the
		// in-memory state is no longer trusted; a restart replays the journal.
		e.degraded.Store(true)
		e.logger.Error("Journal append failed, engine degraded until restart.", "sequence", rec.Sequence, "error", err)
		return core.OperationRecord{}, nil, core.NewFault(core.FaultDurability, "Journal", err)
	}
	e.seq = rec.Sequence
	e.committedSeq.Store(rec.Sequence)
	e.recordsSinceSnapshot.Add(1)

	if err := e.publishLocked(); err != nil {
		e.logger.Error("Failed to publish model copy for readers.", "sequence", rec.Sequence, "error", err)
	}
	if e.publisher != nil {
		e.publisher.Publish(rec)
	}
	return rec, value, nil
}

func (e *Engine[M]) waitForReplicas(ctx context.Context, seq uint64) error {
	waitCtx, cancel := context.WithTimeout(ctx, e.opts.AckTimeout)
	defer cancel()
	err := e.tracker.WaitForSequence(waitCtx, seq, e.opts.AckPolicy)
	if err != nil {
		e.metrics.ReplicationErrorsTotal.Add(1)
		if errors.Is(err, context.DeadlineExceeded) {
			e.metrics.ReplicationWaitTimeouts.Add(1)
		}
		return fmt.Errorf("sequence %d not acknowledged (%s): %w", seq, e.opts.AckPolicy, err)
	}
	return nil
}

func (e *Engine[M]) fault(kind core.FaultKind, op string, err error) (core.Result, error) {
	e.metrics.countFault(kind.String())
	return core.Faulted(kind), core.NewFault(kind, op, err)
}

func (e *Engine[M]) finishExecute(ctx context.Context, span trace.Span, typeName string, res core.Result, err error, d time.Duration) {
	e.metrics.CommandsTotal.Add(1)
	if res.Aborted() {
		e.metrics.CommandsAbortedTotal.Add(1)
		span.SetAttributes(attribute.String("abort.reason", res.Reason))
	}
	e.metrics.observeExecute(d.Seconds())
	span.SetAttributes(attribute.String("outcome", res.Outcome.String()), attribute.Int64("sequence", int64(res.Sequence)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	e.hookManager.Trigger(ctx, hooks.NewPostExecuteEvent(hooks.PostExecutePayload{
		CommandType: typeName,
		Sequence:    res.Sequence,
		Outcome:     res.Outcome.String(),
		Duration:    d,
		Error:       err,
	}))
}

// ExecuteQuery runs q under shared access, or against the published copy in
// snapshot isolation. Queries never touch the journal.
func (e *Engine[M]) ExecuteQuery(ctx context.Context, q core.Query[M]) (core.Result, error) {
	typeName := codec.TypeName(q)
	if _, ok := any(q).(core.NonProxiable); ok {
		return e.fault(core.FaultNotPermitted, "ExecuteQuery", fmt.Errorf("%w: %s", core.ErrNotPermitted, typeName))
	}
	return e.runQuery(ctx, "Engine.ExecuteQuery", hooks.PostQueryPayload{QueryType: typeName}, func(m M) (any, error) {
		return q.Execute(ctx, m)
	})
}

// ExecuteText compiles text through the query cache, keyed by the text and
// the types of args, and runs it as a query. The model is visible to the
// query as db and arguments as arg0..argN and args.
func (e *Engine[M]) ExecuteText(ctx context.Context, text string, args ...any) (core.Result, error) {
	e.metrics.TextQueriesTotal.Add(1)
	entry, err := e.queryCache.GetCompiledQuery(ctx, text, e.modelType, args)
	if err != nil {
		e.metrics.QueryErrorsTotal.Add(1)
		return e.fault(core.FaultValidation, "Compile", err)
	}
	return e.runQuery(ctx, "Engine.ExecuteText", hooks.PostQueryPayload{QueryType: "text", Text: text}, func(m M) (any, error) {
		return entry.Invoke(m, args)
	})
}

func (e *Engine[M]) runQuery(ctx context.Context, spanName string, payload hooks.PostQueryPayload, fn func(M) (any, error)) (core.Result, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, spanName)
	defer span.End()

	done, err := e.admit("ExecuteQuery")
	if err != nil {
		return core.Faulted(core.FaultClosed), err
	}
	defer done()
	if err := ctx.Err(); err != nil {
		return e.fault(core.FaultValidation, "ExecuteQuery", err)
	}

	e.metrics.QueriesTotal.Add(1)
	e.metrics.ActiveQueries.Add(1)
	value, seq, err := e.read(fn)
	e.metrics.ActiveQueries.Add(-1)

	d := time.Since(start)
	observeLatency(e.metrics.QueryLatencyHist, d.Seconds())
	payload.Duration = d
	payload.Error = err
	e.hookManager.Trigger(ctx, hooks.NewPostQueryEvent(payload))

	if err != nil {
		e.metrics.QueryErrorsTotal.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return e.fault(core.FaultApply, "ExecuteQuery", err)
	}
	return core.Applied(value, seq), nil
}

// read runs fn against a consistent model and returns the sequence it reflects.
func (e *Engine[M]) read(fn func(M) (any, error)) (any, uint64, error) {
	if e.opts.Isolation == IsolationSnapshot {
		v := e.published.Load()
		value, err := callSafely(fn, v.model)
		return value, v.seq, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	value, err := callSafely(fn, e.model)
	return value, e.seq, err
}
