// ABOUTME: Tests for registry state transitions, busy accounting and idle timeouts.
// ABOUTME: Uses the in-process stub backend for real dial/reconnect cycles.

package comfy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtyszkiew/ImageSmith/internal/config"
	"github.com/jtyszkiew/ImageSmith/internal/hooks"
)

func stubRegistry(t *testing.T, backend *stubBackend, hookMgr *hooks.Manager) (*Registry, *Instance) {
	t.Helper()
	inst := NewInstance(config.InstanceConfig{URL: backend.URL(), Weight: 1})
	registry := NewRegistry(RegistryParams{
		Instances: []*Instance{inst},
		Hooks:     hookMgr,
		Logger:    testLogger(),
	})
	t.Cleanup(registry.Close)
	return registry, inst
}

func TestAcquireReleaseTracksBusy(t *testing.T) {
	inst := NewInstance(config.InstanceConfig{URL: "http://backend:8188"})
	registry := NewRegistry(RegistryParams{Instances: []*Instance{inst}, Logger: testLogger()})

	registry.Acquire(inst)
	registry.Acquire(inst)
	assert.Equal(t, 2, inst.Busy())

	registry.Release(inst)
	registry.Release(inst)
	assert.Equal(t, 0, inst.Busy())

	// A spurious extra release must clamp, not go negative.
	registry.Release(inst)
	assert.Equal(t, 0, inst.Busy())
}

func TestHealthyPreservesDeclarationOrder(t *testing.T) {
	instances := testInstances(1, 1, 1)
	registry := testRegistry(instances)

	for _, inst := range instances {
		inst.mu.Lock()
		inst.state = StateConnected
		inst.mu.Unlock()
	}
	instances[1].mu.Lock()
	instances[1].state = StateTimedOut
	instances[1].mu.Unlock()

	healthy := registry.Healthy()
	require.Len(t, healthy, 2)
	assert.Same(t, instances[0], healthy[0])
	assert.Same(t, instances[2], healthy[1])
}

func TestEnsureConnectedReusesLiveConnection(t *testing.T) {
	backend := newStubBackend(t)
	registry, inst := stubRegistry(t, backend, nil)

	first, err := registry.EnsureConnected(context.Background(), inst)
	require.NoError(t, err)
	backend.waitConn()
	assert.Equal(t, StateConnected, inst.State())

	second, err := registry.EnsureConnected(context.Background(), inst)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), backend.dials.Load())
}

func TestEnsureConnectedSerializesConcurrentDials(t *testing.T) {
	backend := newStubBackend(t)
	registry, inst := stubRegistry(t, backend, nil)

	var wg sync.WaitGroup
	conns := make([]*Connection, 4)
	errs := make([]error, 4)
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conns[i], errs[i] = registry.EnsureConnected(context.Background(), inst)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), backend.dials.Load())
	for _, conn := range conns[1:] {
		assert.Same(t, conns[0], conn)
	}
}

func TestEnsureConnectedFailureKeepsPreviousState(t *testing.T) {
	backend := newStubBackend(t)
	url := backend.URL()
	backend.srv.Close()

	inst := NewInstance(config.InstanceConfig{URL: url})
	registry := NewRegistry(RegistryParams{Instances: []*Instance{inst}, Logger: testLogger()})

	_, err := registry.EnsureConnected(context.Background(), inst)
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, inst.State())
	assert.Empty(t, registry.Healthy())
}

func TestMarkTimedOutFiresHookAndDisconnects(t *testing.T) {
	backend := newStubBackend(t)

	hookMgr := hooks.NewManager(testLogger())
	timedOut := make(chan string, 1)
	hookMgr.OnInstanceTimeout(func(ctx context.Context, event *hooks.InstanceTimeoutEvent) error {
		timedOut <- event.URL
		return nil
	})

	registry, inst := stubRegistry(t, backend, hookMgr)
	_, err := registry.EnsureConnected(context.Background(), inst)
	require.NoError(t, err)
	backend.waitConn()

	registry.MarkTimedOut(inst)
	assert.Equal(t, StateTimedOut, inst.State())
	assert.Empty(t, registry.Healthy())

	select {
	case url := <-timedOut:
		assert.Equal(t, inst.BaseURL, url)
	case <-time.After(time.Second):
		t.Fatal("timeout hook never fired")
	}

	// Repeated marking of a non-connected instance is a no-op.
	registry.MarkTimedOut(inst)
	select {
	case <-timedOut:
		t.Fatal("timeout hook fired for an already timed out instance")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReviveIdleReconnectsTimedOutInstance(t *testing.T) {
	backend := newStubBackend(t)

	hookMgr := hooks.NewManager(testLogger())
	var reconnects []string
	var mu sync.Mutex
	hookMgr.OnInstanceReconnect(func(ctx context.Context, event *hooks.InstanceReconnectEvent) error {
		mu.Lock()
		reconnects = append(reconnects, event.URL)
		mu.Unlock()
		return nil
	})

	registry, inst := stubRegistry(t, backend, hookMgr)
	_, err := registry.EnsureConnected(context.Background(), inst)
	require.NoError(t, err)
	backend.waitConn()

	registry.MarkTimedOut(inst)
	require.Empty(t, registry.Healthy())

	registry.ReviveIdle(context.Background())
	backend.waitConn()

	assert.Equal(t, StateConnected, inst.State())
	assert.Len(t, registry.Healthy(), 1)
	assert.Equal(t, int32(2), backend.dials.Load())

	mu.Lock()
	assert.Equal(t, []string{inst.BaseURL, inst.BaseURL}, reconnects)
	mu.Unlock()
}

func TestReviveIdleSkipsBusyInstances(t *testing.T) {
	backend := newStubBackend(t)
	registry, inst := stubRegistry(t, backend, nil)

	_, err := registry.EnsureConnected(context.Background(), inst)
	require.NoError(t, err)
	backend.waitConn()

	registry.Acquire(inst)
	registry.MarkTimedOut(inst)

	// An instance with in-flight work keeps its timed-out state until drained.
	registry.ReviveIdle(context.Background())
	assert.Equal(t, StateTimedOut, inst.State())
	assert.Equal(t, int32(1), backend.dials.Load())
}

func TestScanIdleTimesOutQuietInstances(t *testing.T) {
	backend := newStubBackend(t)
	inst := NewInstance(config.InstanceConfig{URL: backend.URL(), IdleTimeout: time.Minute})
	registry := NewRegistry(RegistryParams{Instances: []*Instance{inst}, Logger: testLogger()})
	t.Cleanup(registry.Close)

	_, err := registry.EnsureConnected(context.Background(), inst)
	require.NoError(t, err)
	backend.waitConn()

	// Not idle long enough yet.
	registry.scanIdle(time.Now().Add(30 * time.Second))
	assert.Equal(t, StateConnected, inst.State())

	registry.scanIdle(time.Now().Add(2 * time.Minute))
	assert.Equal(t, StateTimedOut, inst.State())
}

func TestScanIdleIgnoresDisabledTimeout(t *testing.T) {
	backend := newStubBackend(t)
	registry, inst := stubRegistry(t, backend, nil)

	_, err := registry.EnsureConnected(context.Background(), inst)
	require.NoError(t, err)
	backend.waitConn()

	registry.scanIdle(time.Now().Add(24 * time.Hour))
	assert.Equal(t, StateConnected, inst.State())
}

func TestCloseDisconnectsEverything(t *testing.T) {
	backend := newStubBackend(t)
	registry, inst := stubRegistry(t, backend, nil)

	_, err := registry.EnsureConnected(context.Background(), inst)
	require.NoError(t, err)
	backend.waitConn()

	registry.Close()
	assert.Equal(t, StateDisconnected, inst.State())
	assert.Empty(t, registry.Healthy())
}
