// ABOUTME: Job dispatcher: picks an instance, submits the workflow, correlates stream events.
// ABOUTME: Returns a consumer-pull event channel; busy counts are released exactly once per job.

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jtyszkiew/ImageSmith/internal/comfy"
	"github.com/jtyszkiew/ImageSmith/internal/config"
	"github.com/jtyszkiew/ImageSmith/internal/hooks"
)

// eventBuffer is the consumer channel capacity.
const eventBuffer = 64

// interruptTimeout bounds the best-effort backend interrupt on cancellation.
const interruptTimeout = 5 * time.Second

var (
	// ErrDenied means the security check hook vetoed the dispatch.
	ErrDenied = errors.New("dispatch denied")

	// ErrDuplicateJob means the caller reused a correlation id that is still in flight.
	ErrDuplicateJob = errors.New("job with this correlation id already in flight")
)

// SubmitRequest describes one generation to dispatch.
type SubmitRequest struct {
	// CorrelationID is the caller-supplied unique id; generated when empty.
	CorrelationID string

	// Workflow is the finalized workflow graph, forwarded verbatim.
	Workflow json.RawMessage

	// Subject identifies the requester for the security check hook.
	Subject string
}

// Dispatcher routes generation requests to backend instances and multiplexes
// each connection's event stream across its in-flight jobs.
type Dispatcher struct {
	registry *comfy.Registry
	balancer *comfy.Balancer
	hooks    *hooks.Manager
	logger   *slog.Logger

	timeout time.Duration
	verbose bool

	mu   sync.Mutex
	jobs map[string]*Job
}

// Params configures a Dispatcher.
type Params struct {
	Registry *comfy.Registry
	Balancer *comfy.Balancer
	Hooks    *hooks.Manager
	Logger   *slog.Logger

	// DispatchTimeout fails a job when no stream event arrives within the
	// window; zero disables the guard.
	DispatchTimeout time.Duration

	// VerboseErrors passes raw error text through in Failed events.
	VerboseErrors bool
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(params Params) *Dispatcher {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hookMgr := params.Hooks
	if hookMgr == nil {
		hookMgr = hooks.NewManager(logger)
	}

	return &Dispatcher{
		registry: params.Registry,
		balancer: params.Balancer,
		hooks:    hookMgr,
		logger:   logger,
		timeout:  params.DispatchTimeout,
		verbose:  params.VerboseErrors,
		jobs:     make(map[string]*Job),
	}
}

// NewFromConfig wires a Dispatcher, Registry and Balancer from configuration.
// Instance-create hooks fire around construction of the instance set.
func NewFromConfig(ctx context.Context, cfg *config.Config, hookMgr *hooks.Manager, logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if hookMgr == nil {
		hookMgr = hooks.NewManager(logger)
	}

	strategy, err := comfy.ParseStrategy(cfg.ComfyUI.LoadBalancer.Strategy)
	if err != nil {
		return nil, err
	}

	urls := make([]string, len(cfg.ComfyUI.Instances))
	for i, ic := range cfg.ComfyUI.Instances {
		urls[i] = ic.URL
	}
	hookMgr.FireBeforeInstanceCreate(ctx, &hooks.InstanceCreateEvent{URLs: urls})

	instances := make([]*comfy.Instance, len(cfg.ComfyUI.Instances))
	for i, ic := range cfg.ComfyUI.Instances {
		instances[i] = comfy.NewInstance(ic)
	}

	registry := comfy.NewRegistry(comfy.RegistryParams{
		Instances:      instances,
		Hooks:          hookMgr,
		Logger:         logger,
		ConnectTimeout: cfg.ComfyUI.ConnectTimeout,
	})
	registry.Start()

	hookMgr.FireAfterInstanceCreate(ctx, &hooks.InstanceCreateEvent{URLs: urls})

	return NewDispatcher(Params{
		Registry:        registry,
		Balancer:        comfy.NewBalancer(strategy),
		Hooks:           hookMgr,
		Logger:          logger,
		DispatchTimeout: cfg.ComfyUI.DispatchTimeout,
		VerboseErrors:   cfg.Errors.Verbose,
	}), nil
}

// Registry returns the instance registry the dispatcher submits through.
func (d *Dispatcher) Registry() *comfy.Registry {
	return d.registry
}

// InFlight returns the number of jobs currently being tracked.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

// Dispatch submits a workflow to one healthy instance and returns the job's
// event channel. The channel delivers events in backend order and closes
// after a terminal event. Cancelling ctx abandons the job: the busy count is
// released and the backend is asked, best effort, to stop.
//
// Synchronous errors (no Job record is created): security denial, no
// available instance, connection and auth failures, submit rejection.
func (d *Dispatcher) Dispatch(ctx context.Context, req SubmitRequest) (<-chan Event, error) {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.New().String()
	}

	secEvent := &hooks.SecurityCheckEvent{
		Subject:  req.Subject,
		Action:   "dispatch",
		Resource: req.CorrelationID,
	}
	d.hooks.FireBeforeSecurityCheck(ctx, secEvent)
	if decision := d.hooks.FireSecurityCheck(ctx, secEvent); !decision.Allowed {
		if decision.Message != "" {
			return nil, fmt.Errorf("%w: %s", ErrDenied, decision.Message)
		}
		return nil, ErrDenied
	}

	healthy := d.registry.Healthy()
	if len(healthy) == 0 {
		// Reconnect-on-demand: only dials instances when a caller needs one.
		d.registry.ReviveIdle(ctx)
		healthy = d.registry.Healthy()
	}

	inst, err := d.balancer.Pick(healthy)
	if err != nil {
		return nil, err
	}

	conn, err := d.registry.EnsureConnected(ctx, inst)
	if err != nil {
		return nil, err
	}

	d.registry.Acquire(inst)

	promptID, err := conn.SubmitPrompt(ctx, req.Workflow)
	if err != nil {
		d.registry.Release(inst)
		return nil, fmt.Errorf("submitting job: %w", err)
	}

	job := newJob(req.CorrelationID, promptID, inst)
	if err := d.track(job); err != nil {
		d.registry.Release(inst)
		return nil, err
	}

	msgs := conn.Register(promptID)
	out := make(chan Event, eventBuffer)

	job.status = StatusQueued
	out <- NewQueuedEvent()

	d.logger.Debug("job dispatched",
		"job_id", job.ID,
		"prompt_id", promptID,
		"instance", inst.BaseURL,
	)

	go d.pump(ctx, job, conn, msgs, out)

	return out, nil
}

// track registers an in-flight job, rejecting duplicate correlation ids.
func (d *Dispatcher) track(job *Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	d.jobs[job.ID] = job
	return nil
}

func (d *Dispatcher) forget(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.jobs, jobID)
}

// pump transforms a connection's wire messages into job events until a
// terminal event, the dispatch timeout, or consumer cancellation. All exit
// paths run the same cleanup, so the busy count drops exactly once.
func (d *Dispatcher) pump(ctx context.Context, job *Job, conn *comfy.Connection, msgs <-chan *comfy.Message, out chan<- Event) {
	defer func() {
		conn.Unregister(job.PromptID)
		d.forget(job.ID)
		job.release(d.registry)
		close(out)
	}()

	var timerC <-chan time.Time
	var timer *time.Timer
	if d.timeout > 0 {
		timer = time.NewTimer(d.timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			job.status = StatusCancelled
			d.interrupt(job, conn)
			return

		case <-timerC:
			job.status = StatusFailed
			d.logger.Warn("job timed out waiting for backend events",
				"job_id", job.ID,
				"prompt_id", job.PromptID,
			)
			d.send(ctx, out, NewFailedEvent("generation timed out waiting for the backend", ""))
			return

		case msg, ok := <-msgs:
			if !ok {
				job.status = StatusFailed
				d.send(ctx, out, NewFailedEvent("backend connection closed", ""))
				return
			}

			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(d.timeout)
			}

			event, emit, terminal := d.transform(job, msg)
			if emit && !d.send(ctx, out, event) {
				job.status = StatusCancelled
				d.interrupt(job, conn)
				return
			}
			if terminal {
				return
			}
		}
	}
}

// transform folds one wire message into the job record and produces the
// event to deliver, if any.
func (d *Dispatcher) transform(job *Job, msg *comfy.Message) (event Event, emit, terminal bool) {
	switch msg.Type {
	case comfy.MessageExecutionStart:
		job.status = StatusRunning

	case comfy.MessageExecuting:
		if msg.Node == "" {
			job.status = StatusSucceeded
			return NewCompletedEvent(job.PromptID, job.Instance.BaseURL, job.artifacts), true, true
		}
		job.status = StatusRunning
		delete(job.progress, msg.Node)
		return NewNodeStartedEvent(msg.Node), true, false

	case comfy.MessageProgress:
		job.progress[msg.Node] = Progress{Value: msg.Value, Max: msg.Max}
		return NewNodeProgressEvent(msg.Node, msg.Value, msg.Max), true, false

	case comfy.MessageExecuted:
		job.artifacts = append(job.artifacts, comfy.RefsFromOutput(msg.Output)...)

	case comfy.MessageExecutionError:
		job.status = StatusFailed
		return NewFailedEvent(d.failReason(msg), msg.Node), true, true

	case comfy.MessagePreview:
		return NewPreviewEvent(msg.PreviewFormat, msg.PreviewData), true, false
	}

	return Event{}, false, false
}

// failReason builds the user-facing failure text for a backend node error.
// Raw backend exception text is only included in verbose mode.
func (d *Dispatcher) failReason(msg *comfy.Message) string {
	if d.verbose && msg.ErrorMessage != "" {
		return fmt.Sprintf("generation failed: %s", msg.ErrorMessage)
	}
	if msg.Node != "" {
		return fmt.Sprintf("generation failed at node %s", msg.Node)
	}
	return "generation failed"
}

// send delivers an event to the consumer, honoring cancellation. Returns
// false when the consumer is gone.
func (d *Dispatcher) send(ctx context.Context, out chan<- Event, event Event) bool {
	select {
	case out <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

// interrupt asks the backend to stop the job's execution. Best effort: a
// failure only logs.
func (d *Dispatcher) interrupt(job *Job, conn *comfy.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), interruptTimeout)
	defer cancel()

	if err := conn.Interrupt(ctx); err != nil {
		d.logger.Debug("best-effort interrupt failed",
			"job_id", job.ID,
			"error", err,
		)
	}
}
