// ABOUTME: Defines the job lifecycle event union delivered to dispatch consumers.
// ABOUTME: Events for one job arrive in the exact order the backend emitted them.

package dispatch

import "github.com/jtyszkiew/ImageSmith/internal/comfy"

// EventType identifies the kind of job lifecycle event.
type EventType string

const (
	EventQueued       EventType = "queued"
	EventNodeStarted  EventType = "node_started"
	EventNodeProgress EventType = "node_progress"
	EventPreview      EventType = "preview"
	EventCompleted    EventType = "completed"
	EventFailed       EventType = "failed"
)

// Event is one job lifecycle event. EventCompleted and EventFailed are
// terminal: the event channel closes after delivering one of them.
type Event struct {
	Type EventType

	// For EventNodeStarted and EventNodeProgress; also set on EventFailed
	// when the backend attributed the failure to a node.
	Node string

	// For EventNodeProgress
	Value int
	Max   int

	// For EventPreview
	PreviewFormat int
	Preview       []byte

	// For EventCompleted. ExecutionID keys the backend's history side
	// channel so collaborators can re-fetch artifacts after the stream ends;
	// InstanceURL names the instance holding them.
	Artifacts   []comfy.ArtifactRef
	Media       comfy.MediaKind
	ExecutionID string
	InstanceURL string

	// For EventFailed
	Reason string
}

// NewQueuedEvent creates a queued event.
func NewQueuedEvent() Event {
	return Event{Type: EventQueued}
}

// NewNodeStartedEvent creates a node start event.
func NewNodeStartedEvent(node string) Event {
	return Event{Type: EventNodeStarted, Node: node}
}

// NewNodeProgressEvent creates a node progress event.
func NewNodeProgressEvent(node string, value, max int) Event {
	return Event{Type: EventNodeProgress, Node: node, Value: value, Max: max}
}

// NewPreviewEvent creates a preview event carrying an intermediate frame.
func NewPreviewEvent(format int, data []byte) Event {
	return Event{Type: EventPreview, PreviewFormat: format, Preview: data}
}

// NewCompletedEvent creates the terminal success event.
func NewCompletedEvent(executionID, instanceURL string, artifacts []comfy.ArtifactRef) Event {
	ev := Event{Type: EventCompleted, ExecutionID: executionID, InstanceURL: instanceURL, Artifacts: artifacts}
	if len(artifacts) > 0 {
		ev.Media = artifacts[0].Kind
	}
	return ev
}

// NewFailedEvent creates the terminal failure event.
func NewFailedEvent(reason, node string) Event {
	return Event{Type: EventFailed, Reason: reason, Node: node}
}

// Terminal reports whether the event ends its job's stream.
func (e Event) Terminal() bool {
	return e.Type == EventCompleted || e.Type == EventFailed
}
