package jobs

import (
	"context"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"media-workbench/internal/domain"
)

// ErrJobAlreadyRunning is returned when a page starts a second active job.
var ErrJobAlreadyRunning = errors.New("job already running")

// ErrNoRunningJob is returned when cancel is requested outside Running.
var ErrNoRunningJob = errors.New("no running job")

// ErrMissingInput is returned when a start request lacks required inputs.
var ErrMissingInput = errors.New("required inputs are missing")

// ErrStagingFailed marks failures to materialize the input artifact.
var ErrStagingFailed = errors.New("failed to stage input")

// ErrSaveCanceled marks a declined destination prompt or overwrite.
var ErrSaveCanceled = errors.New("save canceled by user")

// ErrCancelFailed marks a cancellation the execution context refused.
var ErrCancelFailed = errors.New("error canceling")

// User-visible terminal messages.
const (
	MessageSucceeded     = "Processing complete"
	MessageCancelled     = "Processing cancelled"
	MessageFailed        = "Processing failed"
	MessageStagingFailed = "Failed to stage input"
	MessageSaveCanceled  = "Save canceled by user"
	MessageCancelFailed  = "Error canceling"
)

// killedSignature is how ffmpeg failures read when the process was
// terminated by a signal.
const killedSignature = "was killed with signal"

// InputStager materializes user-supplied bytes for the external processor.
type InputStager interface {
	StageInput(data []byte, ext string) (string, error)
	DiscardInput(path string) error
}

// DestinationPicker asks the user where to write the output. An empty path
// with a nil error means the user declined.
type DestinationPicker interface {
	ChooseOutputDestination(suggestedName string) (string, error)
	ConfirmOverwrite(path string) (bool, error)
}

// OperationRunner executes and cancels external operations by job id.
type OperationRunner interface {
	RunOperation(ctx context.Context, operation string, params domain.OperationParams) domain.Outcome
	CancelOperation(id domain.JobID) error
}

// StartRequest is one user action on a tool page.
type StartRequest struct {
	Operation     string            `json:"operation"`
	Name          string            `json:"name"`
	InputData     []byte            `json:"inputData"`
	InputExt      string            `json:"inputExt"`
	SuggestedName string            `json:"suggestedName"`
	Options       map[string]string `json:"options,omitempty"`
}

// Result is the terminal resolution of one job.
type Result struct {
	JobID      domain.JobID    `json:"jobId"`
	State      domain.JobState `json:"state"`
	Message    string          `json:"message"`
	OutputPath string          `json:"outputPath,omitempty"`
	Err        error           `json:"-"`
}

// Status is the page-facing view of a driver.
type Status struct {
	State      domain.JobState `json:"state"`
	JobID      domain.JobID    `json:"jobId,omitempty"`
	Name       string          `json:"name,omitempty"`
	Message    string          `json:"message,omitempty"`
	OutputPath string          `json:"outputPath,omitempty"`
}

// DriverConfig wires a driver to its collaborators.
type DriverConfig struct {
	Page         string
	Registry     *Registry
	Stager       InputStager
	Destinations DestinationPicker
	Runner       OperationRunner
	Events       *EventBus
	Logger       *zap.SugaredLogger
	NewID        func() domain.JobID
}

// Driver runs one job at a time for a single tool page.
type Driver struct {
	page         string
	registry     *Registry
	stager       InputStager
	destinations DestinationPicker
	runner       OperationRunner
	events       *EventBus
	log          *zap.SugaredLogger
	newID        func() domain.JobID

	mu              sync.Mutex
	state           domain.JobState
	jobID           domain.JobID
	name            string
	message         string
	outputPath      string
	cancelRequested bool
	cancelRun       context.CancelFunc
	done            chan struct{}
	last            Result
}

// NewDriver validates collaborators and returns an idle driver.
func NewDriver(cfg DriverConfig) (*Driver, error) {
	if strings.TrimSpace(cfg.Page) == "" {
		return nil, errors.New("driver page is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("driver registry is nil")
	}
	if cfg.Stager == nil || cfg.Destinations == nil || cfg.Runner == nil {
		return nil, errors.Newf("driver collaborators are incomplete for page %s", cfg.Page)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.NewID == nil {
		cfg.NewID = domain.NewJobID
	}

	return &Driver{
		page:         cfg.Page,
		registry:     cfg.Registry,
		stager:       cfg.Stager,
		destinations: cfg.Destinations,
		runner:       cfg.Runner,
		events:       cfg.Events,
		log:          cfg.Logger.With("page", cfg.Page),
		newID:        cfg.NewID,
		state:        domain.JobStateIdle,
	}, nil
}

// Page returns the tool page this driver serves.
func (d *Driver) Page() string {
	return d.page
}

// Run executes the full lifecycle and blocks until a terminal state.
// Only request validation and busy errors are returned; every later
// failure is reported through the Result.
func (d *Driver) Run(ctx context.Context, req StartRequest) (Result, error) {
	id, err := d.begin(req)
	if err != nil {
		return Result{}, err
	}
	return d.execute(ctx, id, req), nil
}

// Start creates the job and runs the remaining lifecycle asynchronously.
func (d *Driver) Start(ctx context.Context, req StartRequest) (domain.JobID, error) {
	id, err := d.begin(req)
	if err != nil {
		return "", err
	}
	go d.execute(ctx, id, req)
	return id, nil
}

// Cancel asks the execution context to stop the running job. On success
// the progress is reset and the job resolves as cancelled when its
// outcome arrives.
func (d *Driver) Cancel() error {
	d.mu.Lock()
	if d.state != domain.JobStateRunning {
		d.mu.Unlock()
		return ErrNoRunningJob
	}
	id := d.jobID
	name := d.name
	d.cancelRequested = true
	d.mu.Unlock()

	if err := d.runner.CancelOperation(id); err != nil {
		if errors.Is(err, domain.ErrOperationNotRunning) && d.abortPending(id) {
			d.log.Infow("cancelled before the process registered", "job_id", id)
			d.registry.UpdateProgress(id, 0)
			d.publishStatus(id, name, domain.JobStateRunning, "Cancellation requested")
			return nil
		}

		d.mu.Lock()
		if d.jobID == id {
			d.cancelRequested = false
		}
		d.mu.Unlock()

		d.log.Warnw("cancel request rejected", "job_id", id, "error", err)
		d.publish(Event{
			JobID:   id,
			Name:    name,
			Type:    EventTypeError,
			State:   domain.JobStateRunning,
			Message: MessageCancelFailed,
		})
		return errors.WithHint(
			errors.Mark(errors.Wrapf(err, "cancel job %s", id), ErrCancelFailed),
			"The job may have already finished.",
		)
	}

	d.registry.UpdateProgress(id, 0)
	d.publishStatus(id, name, domain.JobStateRunning, "Cancellation requested")
	return nil
}

// Rebind returns the live job with the given name, if any.
func (d *Driver) Rebind(name string) (domain.JobHandle, bool) {
	id, ok := d.registry.GetJobIDByName(name)
	if !ok {
		return domain.JobHandle{}, false
	}
	return d.registry.GetJobByID(id)
}

// Snapshot returns the current page-facing status.
func (d *Driver) Snapshot() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		State:      d.state,
		JobID:      d.jobID,
		Name:       d.name,
		Message:    d.message,
		OutputPath: d.outputPath,
	}
}

// Wait blocks until the current job resolves or ctx ends.
func (d *Driver) Wait(ctx context.Context) (Result, error) {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	if done == nil {
		return Result{}, ErrNoRunningJob
	}

	select {
	case <-done:
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.last, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// begin validates the request and moves Idle or terminal to Staging.
func (d *Driver) begin(req StartRequest) (domain.JobID, error) {
	if err := validateRequest(req); err != nil {
		return "", err
	}

	d.mu.Lock()
	if d.state.IsActive() {
		d.mu.Unlock()
		return "", ErrJobAlreadyRunning
	}
	if !isValidTransition(d.state, domain.JobStateStaging) {
		from := d.state
		d.mu.Unlock()
		return "", errors.Newf("invalid transition: %s -> %s", from, domain.JobStateStaging)
	}

	id := d.newID()
	prev := d.state
	d.state = domain.JobStateStaging
	d.jobID = id
	d.name = req.Name
	d.message = ""
	d.outputPath = ""
	d.cancelRequested = false
	d.cancelRun = nil
	d.done = make(chan struct{})
	d.last = Result{}
	d.mu.Unlock()

	// Observers run synchronously and may read the driver.
	if err := d.registry.CreateJob(id, req.Name, d.page); err != nil {
		d.mu.Lock()
		if d.jobID == id {
			d.state = prev
			d.jobID = ""
			d.name = ""
			close(d.done)
			d.done = nil
		}
		d.mu.Unlock()
		return "", errors.Wrap(err, "register job")
	}

	d.log.Infow("job created", "job_id", id, "name", req.Name, "operation", req.Operation)
	d.publishStatus(id, req.Name, domain.JobStateStaging, "Preparing input")
	return id, nil
}

// execute stages input, processes it and resolves the job. The staged
// input is gone before the terminal state is published.
func (d *Driver) execute(ctx context.Context, id domain.JobID, req StartRequest) Result {
	stagedPath, err := d.stager.StageInput(req.InputData, req.InputExt)
	if err != nil {
		return d.finish(id, Result{
			State:   domain.JobStateFailed,
			Message: MessageStagingFailed,
			Err:     errors.Mark(errors.Wrap(err, "stage input"), ErrStagingFailed),
		})
	}

	res := d.process(ctx, id, req, stagedPath)
	if err := d.stager.DiscardInput(stagedPath); err != nil {
		d.log.Warnw("discard staged input", "job_id", id, "path", stagedPath, "error", err)
	}
	return d.finish(id, res)
}

// process picks a destination and runs the operation on the staged input.
func (d *Driver) process(ctx context.Context, id domain.JobID, req StartRequest, stagedPath string) Result {
	outputPath, abort := d.chooseDestination(req)
	if abort != nil {
		return *abort
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	if err := d.enterRunning(id, cancelRun); err != nil {
		return Result{State: domain.JobStateFailed, Message: MessageFailed, Err: err}
	}

	outcome := d.runner.RunOperation(runCtx, req.Operation, domain.OperationParams{
		InputPath:  stagedPath,
		OutputPath: outputPath,
		JobID:      id,
		Options:    req.Options,
	})
	if outcome.OutputPath == "" {
		outcome.OutputPath = outputPath
	}
	return d.resolve(id, outcome)
}

// chooseDestination prompts for the output path and overwrite consent.
func (d *Driver) chooseDestination(req StartRequest) (string, *Result) {
	suggested := strings.TrimSpace(req.SuggestedName)
	if suggested == "" {
		suggested = "output" + normalizeExt(req.InputExt)
	}

	path, err := d.destinations.ChooseOutputDestination(suggested)
	if err != nil {
		return "", &Result{
			State:   domain.JobStateFailed,
			Message: MessageSaveCanceled,
			Err:     errors.Mark(errors.Wrap(err, "choose output destination"), ErrSaveCanceled),
		}
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return "", &Result{State: domain.JobStateFailed, Message: MessageSaveCanceled, Err: ErrSaveCanceled}
	}

	overwrite, err := d.destinations.ConfirmOverwrite(path)
	if err != nil {
		return "", &Result{
			State:   domain.JobStateFailed,
			Message: MessageSaveCanceled,
			Err:     errors.Mark(errors.Wrap(err, "confirm overwrite"), ErrSaveCanceled),
		}
	}
	if !overwrite {
		return "", &Result{State: domain.JobStateFailed, Message: MessageSaveCanceled, Err: ErrSaveCanceled}
	}
	return path, nil
}

// enterRunning moves Staging to Running and resets progress to zero.
// cancelRun stops the run context if a cancel arrives before the host
// has registered the process.
func (d *Driver) enterRunning(id domain.JobID, cancelRun context.CancelFunc) error {
	d.mu.Lock()
	if d.jobID != id || !isValidTransition(d.state, domain.JobStateRunning) {
		from := d.state
		d.mu.Unlock()
		return errors.Newf("invalid transition: %s -> %s", from, domain.JobStateRunning)
	}
	d.state = domain.JobStateRunning
	d.cancelRun = cancelRun
	name := d.name
	d.mu.Unlock()

	d.registry.UpdateProgress(id, 0)
	d.publishStatus(id, name, domain.JobStateRunning, "Processing")
	return nil
}

// abortPending cancels the run context of id while it is still Running.
func (d *Driver) abortPending(id domain.JobID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.jobID != id || d.state != domain.JobStateRunning || d.cancelRun == nil {
		return false
	}
	d.cancelRun()
	return true
}

// resolve maps an operation outcome to a terminal result.
func (d *Driver) resolve(id domain.JobID, outcome domain.Outcome) Result {
	d.mu.Lock()
	cancelRequested := d.jobID == id && d.cancelRequested
	d.mu.Unlock()

	reason := ClassifyOutcome(outcome)
	if reason == domain.OutcomeFailed && cancelRequested {
		reason = domain.OutcomeCancelled
	}

	switch reason {
	case domain.OutcomeSucceeded:
		message := strings.TrimSpace(outcome.Message)
		if message == "" {
			message = MessageSucceeded
		}
		return Result{State: domain.JobStateSucceeded, Message: message, OutputPath: outcome.OutputPath}
	case domain.OutcomeCancelled:
		return Result{State: domain.JobStateCancelled, Message: MessageCancelled}
	default:
		message := strings.TrimSpace(outcome.Message)
		if message == "" {
			message = MessageFailed
		}
		return Result{State: domain.JobStateFailed, Message: message, Err: errors.New(message)}
	}
}

// finish records the terminal result once, removes the job and wakes
// waiters.
func (d *Driver) finish(id domain.JobID, res Result) Result {
	res.JobID = id

	d.mu.Lock()
	if d.jobID != id || d.state.IsTerminal() {
		last := d.last
		d.mu.Unlock()
		return last
	}
	d.state = res.State
	d.message = res.Message
	d.outputPath = res.OutputPath
	d.cancelRequested = false
	d.cancelRun = nil
	d.last = res
	name := d.name
	done := d.done
	d.mu.Unlock()

	d.registry.RemoveJob(id)
	if done != nil {
		close(done)
	}

	event := Event{
		JobID:      id,
		Name:       name,
		Type:       EventTypeResult,
		State:      res.State,
		Message:    res.Message,
		OutputPath: res.OutputPath,
	}
	if res.State == domain.JobStateFailed {
		event.Type = EventTypeError
		d.log.Warnw("job failed", "job_id", id, "error", res.Err)
	} else {
		d.log.Infow("job finished", "job_id", id, "state", res.State)
	}
	d.publish(event)
	return res
}

func (d *Driver) publishStatus(id domain.JobID, name string, state domain.JobState, message string) {
	d.publish(Event{
		JobID:   id,
		Name:    name,
		Type:    EventTypeStatus,
		State:   state,
		Message: message,
	})
}

func (d *Driver) publish(event Event) {
	if d.events == nil {
		return
	}
	event.Page = d.page
	d.events.Publish(event)
}

// ClassifyOutcome returns the reason carried by the outcome, falling back
// to the success flag and the killed-by-signal failure signature.
func ClassifyOutcome(outcome domain.Outcome) domain.OutcomeReason {
	switch outcome.Reason {
	case domain.OutcomeSucceeded, domain.OutcomeCancelled, domain.OutcomeFailed:
		return outcome.Reason
	}
	if outcome.Success {
		return domain.OutcomeSucceeded
	}
	if strings.Contains(outcome.Message, killedSignature) {
		return domain.OutcomeCancelled
	}
	return domain.OutcomeFailed
}

// validateRequest enforces the inputs a page needs before starting.
func validateRequest(req StartRequest) error {
	switch {
	case strings.TrimSpace(req.Operation) == "":
		return errors.Wrap(ErrMissingInput, "operation is required")
	case strings.TrimSpace(req.Name) == "":
		return errors.Wrap(ErrMissingInput, "job name is required")
	case len(req.InputData) == 0:
		return errors.Wrap(ErrMissingInput, "source file is required")
	default:
		return nil
	}
}

// isValidTransition enforces the allowed job state machine edges.
func isValidTransition(from, to domain.JobState) bool {
	switch from {
	case domain.JobStateIdle:
		return to == domain.JobStateStaging
	case domain.JobStateStaging:
		return to == domain.JobStateRunning || to == domain.JobStateFailed
	case domain.JobStateRunning:
		return to == domain.JobStateSucceeded || to == domain.JobStateFailed || to == domain.JobStateCancelled
	case domain.JobStateSucceeded, domain.JobStateFailed, domain.JobStateCancelled:
		return to == domain.JobStateStaging
	default:
		return false
	}
}

func normalizeExt(ext string) string {
	ext = strings.TrimSpace(ext)
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
