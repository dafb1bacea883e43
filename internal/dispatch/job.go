// ABOUTME: In-flight job record: correlation ids, lifecycle status, accumulated progress.
// ABOUTME: The busy count it holds is released exactly once, whatever path ends the job.

package dispatch

import (
	"sync"

	"github.com/jtyszkiew/ImageSmith/internal/comfy"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Progress is the last reported progress for one node.
type Progress struct {
	Value int
	Max   int
}

// Job tracks one submitted generation end to end. It is mutated only by the
// goroutine pumping its instance's event stream, so the fields need no lock;
// releaseOnce is the sole cross-goroutine guard.
type Job struct {
	// ID is the caller-supplied correlation id, unique per submission.
	ID string

	// PromptID is the backend-assigned execution id.
	PromptID string

	Instance *comfy.Instance

	status    Status
	progress  map[string]Progress
	artifacts []comfy.ArtifactRef

	releaseOnce sync.Once
}

func newJob(id, promptID string, inst *comfy.Instance) *Job {
	return &Job{
		ID:       id,
		PromptID: promptID,
		Instance: inst,
		status:   StatusPending,
		progress: make(map[string]Progress),
	}
}

// Status returns the job's current lifecycle state.
func (j *Job) Status() Status {
	return j.status
}

// NodeProgress returns the accumulated per-node progress.
func (j *Job) NodeProgress() map[string]Progress {
	return j.progress
}

// release decrements the instance's busy count, at most once per job.
func (j *Job) release(registry *comfy.Registry) {
	j.releaseOnce.Do(func() {
		registry.Release(j.Instance)
	})
}
