// Package dispatch submits generation jobs and streams their lifecycle back
// to the caller.
//
// Dispatch picks a healthy instance through the balancer, submits the
// workflow graph verbatim, and returns a channel of ordered Events (queued,
// node progress, previews, terminal completed/failed). One goroutine per job
// multiplexes the instance connection's stream by prompt id.
//
// The busy count acquired for a job is released exactly once, whether the
// job completes, fails, times out waiting for events, or the consumer
// cancels its context and walks away.
package dispatch
