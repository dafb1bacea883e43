// ABOUTME: Typed hook bus for instance lifecycle and security extension points.
// ABOUTME: Listeners run synchronously in registration order; only the security hook can veto.

package hooks

import (
	"context"
	"log/slog"
	"sync"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	// Instance lifecycle events
	EventBeforeInstanceCreate EventType = "BeforeInstanceCreate"
	EventAfterInstanceCreate  EventType = "AfterInstanceCreate"
	EventInstanceTimeout      EventType = "InstanceTimeout"
	EventInstanceReconnect    EventType = "InstanceReconnect"

	// Security events (SecurityCheck may short-circuit with a decision)
	EventBeforeSecurityCheck EventType = "BeforeSecurityCheck"
	EventSecurityCheck       EventType = "SecurityCheck"
)

// InstanceCreateEvent is fired before and after the instance set is built.
type InstanceCreateEvent struct {
	URLs []string
}

// InstanceTimeoutEvent is fired when an instance's idle window elapses.
type InstanceTimeoutEvent struct {
	URL string
}

// InstanceReconnectEvent is fired before a reconnection attempt.
type InstanceReconnectEvent struct {
	URL string
}

// SecurityCheckEvent describes the action an external authorization
// collaborator is asked to decide on. The core forwards it opaquely.
type SecurityCheckEvent struct {
	Subject  string
	Action   string
	Resource string
}

// Decision is the result of a security check.
type Decision struct {
	Allowed bool
	Message string
}

// Hook is the interface for all lifecycle hooks.
// Each hook type has its own signature for type safety.
type Hook interface {
	// Type returns the event type this hook handles.
	Type() EventType
}

// BeforeInstanceCreateHook handles BeforeInstanceCreate events.
type BeforeInstanceCreateHook func(ctx context.Context, event *InstanceCreateEvent) error

func (h BeforeInstanceCreateHook) Type() EventType { return EventBeforeInstanceCreate }

// AfterInstanceCreateHook handles AfterInstanceCreate events.
type AfterInstanceCreateHook func(ctx context.Context, event *InstanceCreateEvent) error

func (h AfterInstanceCreateHook) Type() EventType { return EventAfterInstanceCreate }

// InstanceTimeoutHook handles InstanceTimeout events.
type InstanceTimeoutHook func(ctx context.Context, event *InstanceTimeoutEvent) error

func (h InstanceTimeoutHook) Type() EventType { return EventInstanceTimeout }

// InstanceReconnectHook handles InstanceReconnect events.
type InstanceReconnectHook func(ctx context.Context, event *InstanceReconnectEvent) error

func (h InstanceReconnectHook) Type() EventType { return EventInstanceReconnect }

// BeforeSecurityCheckHook handles BeforeSecurityCheck events.
type BeforeSecurityCheckHook func(ctx context.Context, event *SecurityCheckEvent) error

func (h BeforeSecurityCheckHook) Type() EventType { return EventBeforeSecurityCheck }

// SecurityCheckHook handles SecurityCheck events and returns a decision.
type SecurityCheckHook func(ctx context.Context, event *SecurityCheckEvent) (Decision, error)

func (h SecurityCheckHook) Type() EventType { return EventSecurityCheck }

// Manager manages hook registration and dispatch.
type Manager struct {
	mu     sync.RWMutex
	hooks  map[EventType][]Hook
	logger *slog.Logger
}

// NewManager creates a new hook manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		hooks:  make(map[EventType][]Hook),
		logger: logger,
	}
}

// Register adds a hook for its event type.
func (m *Manager) Register(hook Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[hook.Type()] = append(m.hooks[hook.Type()], hook)
}

// OnBeforeInstanceCreate registers a BeforeInstanceCreate hook.
func (m *Manager) OnBeforeInstanceCreate(fn func(ctx context.Context, event *InstanceCreateEvent) error) {
	m.Register(BeforeInstanceCreateHook(fn))
}

// OnAfterInstanceCreate registers an AfterInstanceCreate hook.
func (m *Manager) OnAfterInstanceCreate(fn func(ctx context.Context, event *InstanceCreateEvent) error) {
	m.Register(AfterInstanceCreateHook(fn))
}

// OnInstanceTimeout registers an InstanceTimeout hook.
func (m *Manager) OnInstanceTimeout(fn func(ctx context.Context, event *InstanceTimeoutEvent) error) {
	m.Register(InstanceTimeoutHook(fn))
}

// OnInstanceReconnect registers an InstanceReconnect hook.
func (m *Manager) OnInstanceReconnect(fn func(ctx context.Context, event *InstanceReconnectEvent) error) {
	m.Register(InstanceReconnectHook(fn))
}

// OnBeforeSecurityCheck registers a BeforeSecurityCheck hook.
func (m *Manager) OnBeforeSecurityCheck(fn func(ctx context.Context, event *SecurityCheckEvent) error) {
	m.Register(BeforeSecurityCheckHook(fn))
}

// OnSecurityCheck registers a SecurityCheck hook.
func (m *Manager) OnSecurityCheck(fn func(ctx context.Context, event *SecurityCheckEvent) (Decision, error)) {
	m.Register(SecurityCheckHook(fn))
}

// snapshot copies the listener list for an event type so dispatch never holds
// the lock while user callbacks run.
func (m *Manager) snapshot(t EventType) []Hook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	original := m.hooks[t]
	hooks := make([]Hook, len(original))
	copy(hooks, original)
	return hooks
}

// FireBeforeInstanceCreate dispatches a BeforeInstanceCreate event.
// Listener errors are logged and do not abort the action.
func (m *Manager) FireBeforeInstanceCreate(ctx context.Context, event *InstanceCreateEvent) {
	for _, h := range m.snapshot(EventBeforeInstanceCreate) {
		if fn, ok := h.(BeforeInstanceCreateHook); ok {
			if err := fn(ctx, event); err != nil {
				m.logHookError(EventBeforeInstanceCreate, err)
			}
		}
	}
}

// FireAfterInstanceCreate dispatches an AfterInstanceCreate event.
func (m *Manager) FireAfterInstanceCreate(ctx context.Context, event *InstanceCreateEvent) {
	for _, h := range m.snapshot(EventAfterInstanceCreate) {
		if fn, ok := h.(AfterInstanceCreateHook); ok {
			if err := fn(ctx, event); err != nil {
				m.logHookError(EventAfterInstanceCreate, err)
			}
		}
	}
}

// FireInstanceTimeout dispatches an InstanceTimeout event.
func (m *Manager) FireInstanceTimeout(ctx context.Context, event *InstanceTimeoutEvent) {
	for _, h := range m.snapshot(EventInstanceTimeout) {
		if fn, ok := h.(InstanceTimeoutHook); ok {
			if err := fn(ctx, event); err != nil {
				m.logHookError(EventInstanceTimeout, err)
			}
		}
	}
}

// FireInstanceReconnect dispatches an InstanceReconnect event.
func (m *Manager) FireInstanceReconnect(ctx context.Context, event *InstanceReconnectEvent) {
	for _, h := range m.snapshot(EventInstanceReconnect) {
		if fn, ok := h.(InstanceReconnectHook); ok {
			if err := fn(ctx, event); err != nil {
				m.logHookError(EventInstanceReconnect, err)
			}
		}
	}
}

// FireBeforeSecurityCheck dispatches a BeforeSecurityCheck event.
func (m *Manager) FireBeforeSecurityCheck(ctx context.Context, event *SecurityCheckEvent) {
	for _, h := range m.snapshot(EventBeforeSecurityCheck) {
		if fn, ok := h.(BeforeSecurityCheckHook); ok {
			if err := fn(ctx, event); err != nil {
				m.logHookError(EventBeforeSecurityCheck, err)
			}
		}
	}
}

// FireSecurityCheck dispatches a SecurityCheck event and collapses the
// listeners' results into a single decision. No listeners means allow. A
// listener error means deny: authorization fails closed. The first explicit
// deny short-circuits remaining listeners.
func (m *Manager) FireSecurityCheck(ctx context.Context, event *SecurityCheckEvent) Decision {
	listeners := m.snapshot(EventSecurityCheck)
	if len(listeners) == 0 {
		return Decision{Allowed: true}
	}

	for _, h := range listeners {
		fn, ok := h.(SecurityCheckHook)
		if !ok {
			continue
		}
		decision, err := fn(ctx, event)
		if err != nil {
			m.logHookError(EventSecurityCheck, err)
			return Decision{Allowed: false, Message: "security check failed"}
		}
		if !decision.Allowed {
			return decision
		}
	}
	return Decision{Allowed: true}
}

func (m *Manager) logHookError(t EventType, err error) {
	m.logger.Warn("hook listener failed",
		"hook", string(t),
		"error", err,
	)
}
