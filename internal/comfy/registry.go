// ABOUTME: Registry owns the configured instance set: state transitions, busy counts, reconnection.
// ABOUTME: A background watchdog times out instances whose idle window elapses without traffic.

package comfy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jtyszkiew/ImageSmith/internal/hooks"
)

// defaultWatchInterval is how often the idle watchdog scans the instance set.
const defaultWatchInterval = 30 * time.Second

// Registry holds the configured instances and exclusively owns their state.
// All state transitions and busy-count changes go through it.
type Registry struct {
	instances []*Instance
	hooks     *hooks.Manager
	logger    *slog.Logger

	connectTimeout time.Duration
	watchInterval  time.Duration

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// RegistryParams configures a Registry.
type RegistryParams struct {
	Instances      []*Instance
	Hooks          *hooks.Manager
	Logger         *slog.Logger
	ConnectTimeout time.Duration

	// WatchInterval overrides the idle watchdog period; zero means the default.
	WatchInterval time.Duration
}

// NewRegistry creates a Registry over the given instances. Declaration order
// is preserved and is the tie-break order for balancing.
func NewRegistry(params RegistryParams) *Registry {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hookMgr := params.Hooks
	if hookMgr == nil {
		hookMgr = hooks.NewManager(logger)
	}
	interval := params.WatchInterval
	if interval == 0 {
		interval = defaultWatchInterval
	}

	return &Registry{
		instances:      params.Instances,
		hooks:          hookMgr,
		logger:         logger,
		connectTimeout: params.ConnectTimeout,
		watchInterval:  interval,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Start launches the idle watchdog. Safe to skip in tests that drive
// timeouts directly.
func (r *Registry) Start() {
	go r.watch()
}

// Instances returns the full configured set in declaration order.
func (r *Registry) Instances() []*Instance {
	return r.instances
}

// ByURL looks up an instance by its base URL.
func (r *Registry) ByURL(url string) (*Instance, bool) {
	for _, inst := range r.instances {
		if inst.BaseURL == url {
			return inst, true
		}
	}
	return nil, false
}

// Healthy returns the connected, not timed-out instances in declaration order.
func (r *Registry) Healthy() []*Instance {
	var healthy []*Instance
	for _, inst := range r.instances {
		if inst.Healthy() {
			healthy = append(healthy, inst)
		}
	}
	return healthy
}

// Acquire increments the instance's busy count for a newly assigned job.
func (r *Registry) Acquire(inst *Instance) {
	inst.mu.Lock()
	inst.busy++
	inst.lastUsed = time.Now()
	inst.mu.Unlock()
}

// Release decrements the instance's busy count. Going below zero is a
// dispatcher bookkeeping bug: it is logged loudly and clamped.
func (r *Registry) Release(inst *Instance) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.busy == 0 {
		r.logger.Error("busy count released below zero", "instance", inst.BaseURL)
		return
	}
	inst.busy--
}

// EnsureConnected returns the instance's live connection, dialing if the
// instance is disconnected or timed out. On failure the previous state is
// kept and the error returned; the registry itself is unaffected.
func (r *Registry) EnsureConnected(ctx context.Context, inst *Instance) (*Connection, error) {
	inst.connectMu.Lock()
	defer inst.connectMu.Unlock()

	inst.mu.Lock()
	if inst.state == StateConnected && inst.conn != nil {
		conn := inst.conn
		inst.mu.Unlock()
		return conn, nil
	}
	prev := inst.state
	inst.state = StateConnecting
	inst.mu.Unlock()

	r.hooks.FireInstanceReconnect(ctx, &hooks.InstanceReconnectEvent{URL: inst.BaseURL})

	dialCtx := ctx
	if r.connectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, r.connectTimeout)
		defer cancel()
	}

	conn, err := Dial(dialCtx, inst, r.logger, func(closed *Connection, closeErr error) {
		r.onConnectionClosed(inst, closed, closeErr)
	})
	if err != nil {
		inst.mu.Lock()
		inst.state = prev
		inst.mu.Unlock()
		return nil, fmt.Errorf("connecting to %s: %w", inst.BaseURL, err)
	}

	inst.mu.Lock()
	inst.state = StateConnected
	inst.conn = conn
	inst.lastUsed = time.Now()
	inst.mu.Unlock()

	r.logger.Info("instance connected", "instance", inst.BaseURL)
	return conn, nil
}

// onConnectionClosed transitions an instance back to disconnected when its
// stream ends. A stale callback from a connection that has already been
// replaced is ignored.
func (r *Registry) onConnectionClosed(inst *Instance, closed *Connection, err error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.conn != closed {
		return
	}
	inst.state = StateDisconnected
	inst.conn = nil
	if err != nil {
		r.logger.Warn("instance connection lost", "instance", inst.BaseURL, "error", err)
	}
}

// MarkTimedOut transitions an instance to TIMED_OUT, fires the timeout hook,
// and closes its connection. In-flight jobs on other instances are unaffected.
func (r *Registry) MarkTimedOut(inst *Instance) {
	inst.mu.Lock()
	if inst.state != StateConnected {
		inst.mu.Unlock()
		return
	}
	inst.state = StateTimedOut
	conn := inst.conn
	inst.conn = nil
	inst.mu.Unlock()

	r.logger.Info("instance timed out after idle window", "instance", inst.BaseURL)
	r.hooks.FireInstanceTimeout(context.Background(), &hooks.InstanceTimeoutEvent{URL: inst.BaseURL})

	if conn != nil {
		if err := conn.Close(); err != nil {
			r.logger.Warn("closing timed out connection", "instance", inst.BaseURL, "error", err)
		}
	}
}

// ReviveIdle attempts reconnection of unhealthy instances that have no
// in-flight jobs. Reconnect-on-demand: this only runs when a caller needs an
// instance and none is healthy, never eagerly in the background.
func (r *Registry) ReviveIdle(ctx context.Context) {
	for _, inst := range r.instances {
		if inst.Healthy() || inst.Busy() > 0 {
			continue
		}
		if _, err := r.EnsureConnected(ctx, inst); err != nil {
			r.logger.Warn("reconnect attempt failed", "instance", inst.BaseURL, "error", err)
		}
	}
}

// watch runs the idle-timeout scan until Close.
func (r *Registry) watch() {
	defer close(r.done)

	ticker := time.NewTicker(r.watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case now := <-ticker.C:
			r.scanIdle(now)
		}
	}
}

// scanIdle times out connected instances whose idle window has elapsed.
func (r *Registry) scanIdle(now time.Time) {
	for _, inst := range r.instances {
		if inst.IdleTimeout <= 0 || !inst.Healthy() {
			continue
		}
		if inst.idleFor(now) > inst.IdleTimeout {
			r.MarkTimedOut(inst)
		}
	}
}

// Close stops the watchdog and closes all live connections.
func (r *Registry) Close() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})

	for _, inst := range r.instances {
		inst.mu.Lock()
		conn := inst.conn
		inst.conn = nil
		inst.state = StateDisconnected
		inst.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
	}
}
