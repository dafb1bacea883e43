// ABOUTME: Instance models one backend engine endpoint with auth, TLS policy and live state.
// ABOUTME: Busy count and state are guarded by a per-instance mutex; transitions go through the Registry.

package comfy

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jtyszkiew/ImageSmith/internal/config"
)

// State is the connection state of an instance.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateTimedOut:
		return "TIMED_OUT"
	}
	return "UNKNOWN"
}

// Auth describes how to authenticate against one instance. APIKey takes
// precedence over basic credentials.
type Auth struct {
	APIKey   string
	Username string
	Password string
}

// TLSPolicy controls certificate verification for one instance.
type TLSPolicy struct {
	Verify bool
	// CertPath is an optional CA bundle used instead of the system pool.
	CertPath string
}

// Instance is one backend engine endpoint. Mutable fields (state, busy count,
// last-used time) are guarded by mu; the Registry owns all state transitions.
type Instance struct {
	BaseURL string
	Weight  int
	Auth    Auth
	TLS     TLSPolicy

	// ClientID identifies this client on the websocket handshake.
	ClientID string

	// IdleTimeout is the idle window after which the instance is timed out.
	// Zero or negative disables idle detection.
	IdleTimeout time.Duration

	mu       sync.Mutex
	state    State
	busy     int
	lastUsed time.Time
	conn     *Connection

	// connectMu serializes connection attempts so two concurrent
	// EnsureConnected calls dial at most once.
	connectMu sync.Mutex
}

// NewInstance builds an Instance from its configuration entry.
func NewInstance(cfg config.InstanceConfig) *Instance {
	return &Instance{
		BaseURL: strings.TrimRight(cfg.URL, "/"),
		Weight:  cfg.Weight,
		Auth: Auth{
			APIKey:   cfg.APIKey,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		TLS: TLSPolicy{
			Verify:   cfg.SSLVerifyEnabled(),
			CertPath: cfg.SSLCert,
		},
		ClientID:    uuid.New().String(),
		IdleTimeout: cfg.IdleTimeout,
		lastUsed:    time.Now(),
	}
}

// WSURL returns the websocket endpoint derived from the base URL.
func (i *Instance) WSURL() string {
	ws := i.BaseURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return ws + "/ws?clientId=" + i.ClientID
}

// State returns the current connection state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Busy returns the number of in-flight jobs assigned to this instance.
func (i *Instance) Busy() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.busy
}

// Healthy reports whether the instance can accept new jobs.
func (i *Instance) Healthy() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state == StateConnected
}

// MarkUsed records traffic on the instance for idle-timeout accounting.
func (i *Instance) MarkUsed() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lastUsed = time.Now()
}

// idleFor reports how long the instance has been without traffic.
func (i *Instance) idleFor(now time.Time) time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	return now.Sub(i.lastUsed)
}
