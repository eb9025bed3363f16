package core

import (
	"errors"
	"fmt"
)

// FaultKind classifies an operation failure.
type FaultKind uint8

const (
	FaultUnknown FaultKind = iota
	// FaultValidation is raised by Prepare. The model and journal are untouched.
	FaultValidation
	// FaultApply is an unexpected error or panic while mutating the model.
	FaultApply
	// FaultDurability means the journal append failed; the command is not committed.
	FaultDurability
	// FaultReplication means propagation to replicas failed (synchronous mode only
	// surfaces it to callers).
	FaultReplication
	// FaultProtocol covers malformed messages and sequence gaps.
	FaultProtocol
	// FaultNotPermitted is returned for operations that may not go through the engine.
	FaultNotPermitted
	// FaultClosed is returned once the engine stopped accepting operations.
	FaultClosed
	// FaultNotPrimary is returned when a command reaches a replica.
	FaultNotPrimary
)

func (k FaultKind) String() string {
	switch k {
	case FaultValidation:
		return "validation"
	case FaultApply:
		return "apply"
	case FaultDurability:
		return "durability"
	case FaultReplication:
		return "replication"
	case FaultProtocol:
		return "protocol"
	case FaultNotPermitted:
		return "not_permitted"
	case FaultClosed:
		return "closed"
	case FaultNotPrimary:
		return "not_primary"
	default:
		return "unknown"
	}
}

// Sentinel values usable with errors.Is against any *Fault of the same kind.
var (
	ErrValidationFault  = &Fault{Kind: FaultValidation}
	ErrApplyFault       = &Fault{Kind: FaultApply}
	ErrDurabilityFault  = &Fault{Kind: FaultDurability}
	ErrReplicationFault = &Fault{Kind: FaultReplication}
	ErrProtocolFault    = &Fault{Kind: FaultProtocol}
)

var (
	// ErrNotPermitted is wrapped by faults for non-proxiable operations.
	ErrNotPermitted = errors.New("operation not permitted through this access path")
	// ErrClosed is returned by components that have been closed.
	ErrClosed = errors.New("livedb: closed")
	// ErrSequenceGap is returned when journal records or replicated operations
	// are not contiguous.
	ErrSequenceGap = errors.New("sequence gap detected")
	// ErrUnknownCommand is returned when a journaled type name is not registered.
	ErrUnknownCommand = errors.New("unknown command type")
	// ErrJournalPurged is returned when records before the requested position
	// were already removed from the journal.
	ErrJournalPurged = errors.New("journal position already purged")
	// ErrCorrupt is returned for records failing their checksum or framing.
	ErrCorrupt = errors.New("corrupt record")
	// ErrEngineDegraded is returned for commands after a durability fault.
	ErrEngineDegraded = errors.New("engine degraded after durability fault, restart required")
)

// Fault is the error type for every failed engine operation.
type Fault struct {
	Kind FaultKind
	Op   string
	Err  error
}

// NewFault wraps err as a fault of the given kind.
func NewFault(kind FaultKind, op string, err error) *Fault {
	return &Fault{Kind: kind, Op: op, Err: err}
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s fault", f.Kind)
	}
	if f.Op == "" {
		return fmt.Sprintf("%s fault: %v", f.Kind, f.Err)
	}
	return fmt.Sprintf("%s fault in %s: %v", f.Kind, f.Op, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Is matches another *Fault with the same kind, so errors.Is(err, ErrApplyFault)
// works for any apply fault.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	if !ok {
		return false
	}
	return t.Kind == f.Kind
}

// IsFault reports whether err is a fault and returns its kind.
func IsFault(err error) (FaultKind, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind, true
	}
	return FaultUnknown, false
}

// AbortError is returned from Command.Apply to cancel the command.
type AbortError struct {
	Reason string
	Err    error
}

// Abort cancels the running command. The engine reports the command as not
// applied; it is not a fault and it is never retried.
func Abort(reason string) error {
	return &AbortError{Reason: reason}
}

// AbortWithError is Abort with an underlying cause.
func AbortWithError(reason string, err error) error {
	return &AbortError{Reason: reason, Err: err}
}

func (e *AbortError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("command aborted: %s: %v", e.Reason, e.Err)
	}
	return "command aborted: " + e.Reason
}

func (e *AbortError) Unwrap() error { return e.Err }

// IsAborted checks if an error is an AbortError.
func IsAborted(err error) bool {
	var abortErr *AbortError
	return errors.As(err, &abortErr)
}

// ValidationError is a custom error type for Prepare failures.
type ValidationError struct {
	Message string
	Field   string
	Value   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for %s '%s': %s", e.Field, e.Value, e.Message)
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var validationError *ValidationError
	return errors.As(err, &validationError)
}

// RedirectError points a caller at the current primary.
type RedirectError struct {
	Host string
	Port int
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("not the primary, redirect to %s:%d", e.Host, e.Port)
}

// PanicError carries a recovered panic value out of Apply.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic during apply: %v", e.Value)
}
