// Package comfy talks to ComfyUI-style generation backends.
//
// # Overview
//
// The package owns everything below the dispatcher: the configured Instance
// set, the per-instance Connection (HTTP client plus streaming websocket),
// the wire protocol, and the load balancing strategies.
//
// # Instance and Registry
//
// An Instance is one backend endpoint with its auth mode, TLS policy, weight
// and live state (DISCONNECTED, CONNECTING, CONNECTED, TIMED_OUT). The
// Registry exclusively owns state transitions and busy counts:
//
//	registry := comfy.NewRegistry(comfy.RegistryParams{Instances: instances})
//	registry.Start() // idle watchdog
//
// Key operations:
//
//   - Healthy(): connected instances in declaration order
//   - Acquire(inst) / Release(inst): busy-count bookkeeping
//   - EnsureConnected(ctx, inst): cached connection, or reconnect on demand
//   - ReviveIdle(ctx): reconnect idle unhealthy instances when nothing is healthy
//
// Reconnection is on demand by design: an instance is only dialed when a
// caller is about to use it. The watchdog times out instances whose idle
// window elapses without websocket traffic and fires the timeout hook.
//
// # Connection
//
// A Connection owns one instance's socket resources. Submission goes over
// HTTP (POST /prompt returns the server-assigned prompt id); lifecycle
// events arrive over the websocket and are routed to per-prompt channels:
//
//	msgs := conn.Register(promptID)
//	defer conn.Unregister(promptID)
//
// Messages for prompt ids with no live registration are dropped with a log
// line. Binary preview frames carry no prompt id and are attributed to the
// prompt currently executing on the connection. Replacing a connection after
// reconnect never re-binds registrations from its predecessor; those jobs
// simply stop receiving events and hit the dispatch timeout upstream.
//
// # Load balancing
//
// Balancer.Pick selects from the healthy snapshot using one of LEAST_BUSY
// (min busy/weight, ties by declaration order), ROUND_ROBIN (cursor over the
// live healthy list) or RANDOM (weighted by configured weight).
//
// # Artifacts
//
// Completed generations reference produced files by filename/subfolder/type.
// Bytes are fetched through the /view endpoint or re-derived later from the
// /history side channel keyed by prompt id.
package comfy
