package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// EventType defines the type of a hook event.
type EventType string

const (
	// Command execution
	EventPreExecute  EventType = "PreExecute"
	EventPostExecute EventType = "PostExecute"
	EventPostQuery   EventType = "PostQuery"

	// Journal
	EventPostJournalAppend EventType = "PostJournalAppend"
	EventPostJournalRotate EventType = "PostJournalRotate"

	// Snapshots and recovery
	EventPreCreateSnapshot  EventType = "PreCreateSnapshot"
	EventPostCreateSnapshot EventType = "PostCreateSnapshot"
	EventPostRecovery       EventType = "PostRecovery"

	// Query cache
	EventOnQueryCompile EventType = "OnQueryCompile"

	// Replication
	EventOnReplicaConnected EventType = "OnReplicaConnected"
	EventOnPrimaryLost      EventType = "OnPrimaryLost"
	EventOnRoleChange       EventType = "OnRoleChange"

	// Lifecycle
	EventPostStartEngine EventType = "PostStartEngine"
	EventPreCloseEngine  EventType = "PreCloseEngine"
)

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	// A listener error on a Pre event cancels the operation and is returned.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for in-flight asynchronous listeners.
	Stop()
}

// HookEvent is the interface for all hook events.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// BaseEvent provides a basic implementation of the HookEvent interface.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// HookListener defines the interface for components that want to listen to events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event is triggered.
	OnEvent(ctx context.Context, event HookEvent) error
	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int
	// IsAsync indicates if the listener should be called asynchronously for non-Pre events.
	IsAsync() bool
}

// ListenerFunc adapts a function to HookListener. It runs synchronously at priority 0.
type ListenerFunc func(ctx context.Context, event HookEvent) error

func (f ListenerFunc) OnEvent(ctx context.Context, event HookEvent) error { return f(ctx, event) }
func (f ListenerFunc) Priority() int                                        { return 0 }
func (f ListenerFunc) IsAsync() bool                                        { return false }

// --- Payloads ---

// PreExecutePayload is sent after Prepare and before exclusive access.
// A listener error vetoes the command as a validation failure.
type PreExecutePayload struct {
	CommandType string
	Command     any
}

func NewPreExecuteEvent(payload PreExecutePayload) HookEvent {
	return &BaseEvent{eventType: EventPreExecute, payload: payload}
}

type PostExecutePayload struct {
	CommandType string
	Sequence    uint64
	Outcome     string
	Duration    time.Duration
	Error       error
}

func NewPostExecuteEvent(payload PostExecutePayload) HookEvent {
	return &BaseEvent{eventType: EventPostExecute, payload: payload}
}

type PostQueryPayload struct {
	QueryType string
	// Text is set for ad-hoc text queries.
	Text     string
	Duration time.Duration
	Error    error
}

func NewPostQueryEvent(payload PostQueryPayload) HookEvent {
	return &BaseEvent{eventType: EventPostQuery, payload: payload}
}

type PostJournalAppendPayload struct {
	Sequence    uint64
	CommandType string
	Bytes       int
}

func NewPostJournalAppendEvent(payload PostJournalAppendPayload) HookEvent {
	return &BaseEvent{eventType: EventPostJournalAppend, payload: payload}
}

type PostJournalRotatePayload struct {
	OldSegmentIndex uint64
	NewSegmentIndex uint64
	NewSegmentPath  string
}

func NewPostJournalRotateEvent(payload PostJournalRotatePayload) HookEvent {
	return &BaseEvent{eventType: EventPostJournalRotate, payload: payload}
}

type PreCreateSnapshotPayload struct {
	Sequence uint64
}

func NewPreCreateSnapshotEvent(payload PreCreateSnapshotPayload) HookEvent {
	return &BaseEvent{eventType: EventPreCreateSnapshot, payload: payload}
}

type PostCreateSnapshotPayload struct {
	Sequence uint64
	ID       string
	Size     int64
	Duration time.Duration
}

func NewPostCreateSnapshotEvent(payload PostCreateSnapshotPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCreateSnapshot, payload: payload}
}

type PostRecoveryPayload struct {
	SnapshotSequence uint64
	RecordsReplayed  int
	LastSequence     uint64
	Duration         time.Duration
}

func NewPostRecoveryEvent(payload PostRecoveryPayload) HookEvent {
	return &BaseEvent{eventType: EventPostRecovery, payload: payload}
}

type QueryCompilePayload struct {
	Text     string
	ArgTypes []string
	Duration time.Duration
	Error    error
}

func NewOnQueryCompileEvent(payload QueryCompilePayload) HookEvent {
	return &BaseEvent{eventType: EventOnQueryCompile, payload: payload}
}

type ReplicaConnectedPayload struct {
	ReplicaID string
	Sequence  uint64
}

func NewOnReplicaConnectedEvent(payload ReplicaConnectedPayload) HookEvent {
	return &BaseEvent{eventType: EventOnReplicaConnected, payload: payload}
}

type PrimaryLostPayload struct {
	PrimaryAddress string
	LastHeartbeat  time.Time
	AppliedSeq     uint64
}

func NewOnPrimaryLostEvent(payload PrimaryLostPayload) HookEvent {
	return &BaseEvent{eventType: EventOnPrimaryLost, payload: payload}
}

type RoleChangePayload struct {
	From string
	To   string
}

func NewOnRoleChangeEvent(payload RoleChangePayload) HookEvent {
	return &BaseEvent{eventType: EventOnRoleChange, payload: payload}
}

type EngineLifecyclePayload struct {
	DataDir string
}

func NewPostStartEngineEvent(payload EngineLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPostStartEngine, payload: payload}
}

func NewPreCloseEngineEvent(payload EngineLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPreCloseEngine, payload: payload}
}

// --- Manager ---

type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// Listeners per event, kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger.With("component", "HookManager"),
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
// Listeners with equal priority run in registration order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}

	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority > item.priority
	})
	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item

	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners := m.listeners[event.Type()]
	m.mu.RUnlock()

	if len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		isListenerAsync := item.listener.IsAsync()

		// Pre-hooks are always synchronous so they can cancel the operation.
		if isPreHook || !isListenerAsync {
			if isPreHook && isListenerAsync {
				m.logger.Warn("Listener for Pre-hook requested async execution, but Pre-hooks are always synchronous.", "event", event.Type(), "priority", item.priority)
			}
			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
			continue
		}

		m.wg.Add(1)
		go func(currentItem *listenerWithPriority) {
			defer m.wg.Done()
			// The caller's context may be cancelled as soon as Trigger returns.
			if err := currentItem.listener.OnEvent(context.WithoutCancel(ctx), event); err != nil {
				m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
			}
		}(item)
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}
