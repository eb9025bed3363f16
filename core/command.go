package core

import "context"

// Command describes one atomic transition of the model. The journal stores the
// command itself, so everything Apply needs must live in its exported fields.
//
// Prepare runs before exclusive access is taken. It may read the model and
// record derived values on the command, it must not mutate the model.
// Apply runs under exclusive access and is the only place the model changes.
// Returning an error created with Abort cancels the command without a fault.
type Command[M any] interface {
	Prepare(ctx context.Context, model M) error
	Apply(model M) (any, error)
}

// Query is a read-only operation against the model.
type Query[M any] interface {
	Execute(ctx context.Context, model M) (any, error)
}

// QueryFunc adapts an ordinary function to the Query interface.
type QueryFunc[M any] func(ctx context.Context, model M) (any, error)

// Execute calls f(ctx, model).
func (f QueryFunc[M]) Execute(ctx context.Context, model M) (any, error) {
	return f(ctx, model)
}

// NonProxiable is implemented by operations that must never be dispatched
// through the engine, e.g. helpers that hand out internal model references.
// The engine rejects them with ErrNotPermitted instead of invoking them.
type NonProxiable interface {
	NoProxy()
}

// NoPartialWrites can be implemented by a command that guarantees it never
// leaves the model half-mutated when Apply fails. The engine then keeps
// serving without marking itself tainted.
type NoPartialWrites interface {
	NoPartialWrites() bool
}

// Named lets a command choose the type name written to the journal. Commands
// without it are journaled under their Go type name.
type Named interface {
	CommandName() string
}
