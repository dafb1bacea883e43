// ABOUTME: Tests for the typed hook bus: ordering, observer failures, security decisions.
// ABOUTME: Covers default-allow with no listeners and fail-closed on listener errors.

package hooks

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserverHooksRunInRegistrationOrder(t *testing.T) {
	mgr := NewManager(slog.Default())

	var order []string
	mgr.OnInstanceReconnect(func(ctx context.Context, event *InstanceReconnectEvent) error {
		order = append(order, "first")
		return nil
	})
	mgr.OnInstanceReconnect(func(ctx context.Context, event *InstanceReconnectEvent) error {
		order = append(order, "second")
		return nil
	})
	mgr.OnInstanceReconnect(func(ctx context.Context, event *InstanceReconnectEvent) error {
		order = append(order, "third")
		return nil
	})

	mgr.FireInstanceReconnect(context.Background(), &InstanceReconnectEvent{URL: "http://a"})

	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestObserverHookErrorDoesNotAbort(t *testing.T) {
	mgr := NewManager(slog.Default())

	var called []string
	mgr.OnInstanceTimeout(func(ctx context.Context, event *InstanceTimeoutEvent) error {
		called = append(called, "failing")
		return errors.New("listener blew up")
	})
	mgr.OnInstanceTimeout(func(ctx context.Context, event *InstanceTimeoutEvent) error {
		called = append(called, "after")
		return nil
	})

	mgr.FireInstanceTimeout(context.Background(), &InstanceTimeoutEvent{URL: "http://a"})

	// The failing listener never prevents later listeners or the action.
	assert.Equal(t, []string{"failing", "after"}, called)
}

func TestInstanceCreateHooksReceivePayload(t *testing.T) {
	mgr := NewManager(slog.Default())

	var seen []string
	mgr.OnBeforeInstanceCreate(func(ctx context.Context, event *InstanceCreateEvent) error {
		seen = append(seen, event.URLs...)
		return nil
	})

	mgr.FireBeforeInstanceCreate(context.Background(), &InstanceCreateEvent{URLs: []string{"http://a", "http://b"}})

	assert.Equal(t, []string{"http://a", "http://b"}, seen)
}

func TestSecurityCheckDefaultsToAllow(t *testing.T) {
	mgr := NewManager(slog.Default())

	decision := mgr.FireSecurityCheck(context.Background(), &SecurityCheckEvent{Action: "dispatch"})

	assert.True(t, decision.Allowed)
}

func TestSecurityCheckListenerErrorDeniesFailClosed(t *testing.T) {
	mgr := NewManager(slog.Default())

	mgr.OnSecurityCheck(func(ctx context.Context, event *SecurityCheckEvent) (Decision, error) {
		return Decision{}, errors.New("authorization backend unreachable")
	})

	decision := mgr.FireSecurityCheck(context.Background(), &SecurityCheckEvent{Action: "dispatch"})

	require.False(t, decision.Allowed)
	assert.NotEmpty(t, decision.Message)
}

func TestSecurityCheckFirstDenyShortCircuits(t *testing.T) {
	mgr := NewManager(slog.Default())

	var secondCalled bool
	mgr.OnSecurityCheck(func(ctx context.Context, event *SecurityCheckEvent) (Decision, error) {
		return Decision{Allowed: false, Message: "not on the list"}, nil
	})
	mgr.OnSecurityCheck(func(ctx context.Context, event *SecurityCheckEvent) (Decision, error) {
		secondCalled = true
		return Decision{Allowed: true}, nil
	})

	decision := mgr.FireSecurityCheck(context.Background(), &SecurityCheckEvent{Action: "dispatch"})

	require.False(t, decision.Allowed)
	assert.Equal(t, "not on the list", decision.Message)
	assert.False(t, secondCalled)
}

func TestSecurityCheckAllListenersAllow(t *testing.T) {
	mgr := NewManager(slog.Default())

	mgr.OnSecurityCheck(func(ctx context.Context, event *SecurityCheckEvent) (Decision, error) {
		return Decision{Allowed: true}, nil
	})
	mgr.OnSecurityCheck(func(ctx context.Context, event *SecurityCheckEvent) (Decision, error) {
		return Decision{Allowed: true}, nil
	})

	decision := mgr.FireSecurityCheck(context.Background(), &SecurityCheckEvent{Action: "dispatch"})

	assert.True(t, decision.Allowed)
}

func TestBeforeSecurityCheckObservesSubject(t *testing.T) {
	mgr := NewManager(slog.Default())

	var subject string
	mgr.OnBeforeSecurityCheck(func(ctx context.Context, event *SecurityCheckEvent) error {
		subject = event.Subject
		return nil
	})

	mgr.FireBeforeSecurityCheck(context.Background(), &SecurityCheckEvent{Subject: "alice", Action: "dispatch"})

	assert.Equal(t, "alice", subject)
}
