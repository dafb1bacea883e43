// ABOUTME: Error taxonomy for the backend client: connection, auth, availability.
// ABOUTME: Sentinel errors for callers to match with errors.Is.

package comfy

import "errors"

var (
	// ErrNoAvailableInstance means the balancer found no healthy backend.
	ErrNoAvailableInstance = errors.New("no available backend instance")

	// ErrAuthFailed means the backend rejected the configured credentials.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrNotConnected means an operation was attempted on a closed connection.
	ErrNotConnected = errors.New("instance not connected")
)
