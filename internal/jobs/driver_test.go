package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"media-workbench/internal/domain"
)

// fakeStager records staged and discarded paths.
type fakeStager struct {
	mu        sync.Mutex
	err       error
	staged    []string
	discarded []string
}

// StageInput returns a fake temp path or the injected error.
func (s *fakeStager) StageInput(data []byte, ext string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	path := "/tmp/stage-input" + ext
	s.staged = append(s.staged, path)
	return path, nil
}

// DiscardInput tracks cleanup calls.
func (s *fakeStager) DiscardInput(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discarded = append(s.discarded, path)
	return nil
}

// fakeDestinations returns a fixed path and overwrite answer.
type fakeDestinations struct {
	path      string
	err       error
	overwrite bool
	suggested string
}

// ChooseOutputDestination returns the configured path.
func (d *fakeDestinations) ChooseOutputDestination(suggestedName string) (string, error) {
	d.suggested = suggestedName
	return d.path, d.err
}

// ConfirmOverwrite returns the configured answer.
func (d *fakeDestinations) ConfirmOverwrite(string) (bool, error) {
	return d.overwrite, nil
}

// fakeRunner allows injecting run and cancel behavior per test.
type fakeRunner struct {
	run       func(ctx context.Context, operation string, params domain.OperationParams) domain.Outcome
	cancel    func(id domain.JobID) error
	mu        sync.Mutex
	cancelled []domain.JobID
}

// RunOperation delegates to the injected function.
func (r *fakeRunner) RunOperation(ctx context.Context, operation string, params domain.OperationParams) domain.Outcome {
	if r.run == nil {
		return domain.Outcome{Success: true, Reason: domain.OutcomeSucceeded}
	}
	return r.run(ctx, operation, params)
}

// CancelOperation records the request and delegates when configured.
func (r *fakeRunner) CancelOperation(id domain.JobID) error {
	r.mu.Lock()
	r.cancelled = append(r.cancelled, id)
	r.mu.Unlock()
	if r.cancel == nil {
		return nil
	}
	return r.cancel(id)
}

type driverFixture struct {
	registry     *Registry
	stager       *fakeStager
	destinations *fakeDestinations
	runner       *fakeRunner
	events       *EventBus
	driver       *Driver
}

func newDriverFixture(t *testing.T, runner *fakeRunner) *driverFixture {
	t.Helper()
	f := &driverFixture{
		registry:     NewRegistry(),
		stager:       &fakeStager{},
		destinations: &fakeDestinations{path: "/out/clip.mp3", overwrite: true},
		runner:       runner,
		events:       NewEventBus(100),
	}
	driver, err := NewDriver(DriverConfig{
		Page:         "/audio/trim",
		Registry:     f.registry,
		Stager:       f.stager,
		Destinations: f.destinations,
		Runner:       f.runner,
		Events:       f.events,
	})
	require.NoError(t, err)
	f.driver = driver
	return f
}

func trimRequest() StartRequest {
	return StartRequest{
		Operation: "trim-audio",
		Name:      "Trimming Audio",
		InputData: []byte("audio"),
		InputExt:  ".mp3",
		Options:   map[string]string{"start": "1", "duration": "2"},
	}
}

// TestDriverRunSucceeds checks the happy path removes the job and cleans staging.
func TestDriverRunSucceeds(t *testing.T) {
	var seen domain.OperationParams
	var progressAtRun float64
	f := newDriverFixture(t, &fakeRunner{})
	f.runner.run = func(ctx context.Context, operation string, params domain.OperationParams) domain.Outcome {
		seen = params
		job, ok := f.registry.GetJobByID(params.JobID)
		require.True(t, ok)
		progressAtRun = job.ProgressPercent
		assert.Equal(t, domain.JobStateRunning, f.driver.Snapshot().State)
		f.registry.UpdateProgress(params.JobID, 100)
		return domain.Outcome{Success: true, Reason: domain.OutcomeSucceeded, Message: "Audio trimmed"}
	}

	res, err := f.driver.Run(context.Background(), trimRequest())
	require.NoError(t, err)

	assert.Equal(t, domain.JobStateSucceeded, res.State)
	assert.Equal(t, "Audio trimmed", res.Message)
	assert.Equal(t, "/out/clip.mp3", res.OutputPath)
	assert.Equal(t, "/tmp/stage-input.mp3", seen.InputPath)
	assert.Equal(t, "/out/clip.mp3", seen.OutputPath)
	assert.Equal(t, "2", seen.Options["duration"])
	assert.Equal(t, float64(0), progressAtRun)
	assert.Equal(t, "output.mp3", f.destinations.suggested)

	_, ok := f.registry.GetJobByID(res.JobID)
	assert.False(t, ok)
	assert.Equal(t, f.stager.staged, f.stager.discarded)
	assert.Equal(t, domain.JobStateSucceeded, f.driver.Snapshot().State)
	assertHasEventType(t, f.events.Since(0), EventTypeResult)
}

// TestDriverClassifiesKilledSignalAsCancelled covers hosts that only report a message.
func TestDriverClassifiesKilledSignalAsCancelled(t *testing.T) {
	f := newDriverFixture(t, &fakeRunner{
		run: func(context.Context, string, domain.OperationParams) domain.Outcome {
			return domain.Outcome{Success: false, Message: "Processing failed: ffmpeg was killed with signal SIGTERM"}
		},
	})

	res, err := f.driver.Run(context.Background(), trimRequest())
	require.NoError(t, err)

	assert.Equal(t, domain.JobStateCancelled, res.State)
	assert.Equal(t, MessageCancelled, res.Message)
	_, ok := f.registry.GetJobByID(res.JobID)
	assert.False(t, ok)
}

// TestDriverSurfacesOperationFailureVerbatim checks domain failures keep their message.
func TestDriverSurfacesOperationFailureVerbatim(t *testing.T) {
	f := newDriverFixture(t, &fakeRunner{
		run: func(context.Context, string, domain.OperationParams) domain.Outcome {
			return domain.Outcome{Reason: domain.OutcomeFailed, Message: "Invalid data found when processing input"}
		},
	})

	res, err := f.driver.Run(context.Background(), trimRequest())
	require.NoError(t, err)

	assert.Equal(t, domain.JobStateFailed, res.State)
	assert.Equal(t, "Invalid data found when processing input", res.Message)
	require.Error(t, res.Err)
	assert.Zero(t, f.registry.Len())
	assertHasEventType(t, f.events.Since(0), EventTypeError)
}

// TestDriverStagingFailureRemovesJob checks no orphaned registry entry remains.
func TestDriverStagingFailureRemovesJob(t *testing.T) {
	f := newDriverFixture(t, &fakeRunner{})
	f.stager.err = errors.New("disk full")

	res, err := f.driver.Run(context.Background(), trimRequest())
	require.NoError(t, err)

	assert.Equal(t, domain.JobStateFailed, res.State)
	assert.Equal(t, MessageStagingFailed, res.Message)
	assert.True(t, errors.Is(res.Err, ErrStagingFailed))
	assert.Zero(t, f.registry.Len())
	assert.Empty(t, f.stager.discarded)
}

// TestDriverDeclinedDestination treats a dismissed save prompt as a user cancellation.
func TestDriverDeclinedDestination(t *testing.T) {
	ran := false
	f := newDriverFixture(t, &fakeRunner{
		run: func(context.Context, string, domain.OperationParams) domain.Outcome {
			ran = true
			return domain.Outcome{Success: true}
		},
	})
	f.destinations.path = ""

	res, err := f.driver.Run(context.Background(), trimRequest())
	require.NoError(t, err)

	assert.False(t, ran)
	assert.Equal(t, domain.JobStateFailed, res.State)
	assert.Equal(t, MessageSaveCanceled, res.Message)
	assert.True(t, errors.Is(res.Err, ErrSaveCanceled))
	assert.Zero(t, f.registry.Len())
	assert.Equal(t, f.stager.staged, f.stager.discarded)
}

// TestDriverDeclinedOverwrite aborts before running the operation.
func TestDriverDeclinedOverwrite(t *testing.T) {
	f := newDriverFixture(t, &fakeRunner{})
	f.destinations.overwrite = false

	res, err := f.driver.Run(context.Background(), trimRequest())
	require.NoError(t, err)

	assert.Equal(t, domain.JobStateFailed, res.State)
	assert.True(t, errors.Is(res.Err, ErrSaveCanceled))
	assert.Zero(t, f.registry.Len())
}

// TestDriverRejectsMissingInputs keeps the page idle without a source file.
func TestDriverRejectsMissingInputs(t *testing.T) {
	f := newDriverFixture(t, &fakeRunner{})
	req := trimRequest()
	req.InputData = nil

	_, err := f.driver.Run(context.Background(), req)
	assert.True(t, errors.Is(err, ErrMissingInput))
	assert.Equal(t, domain.JobStateIdle, f.driver.Snapshot().State)
	assert.Zero(t, f.registry.Len())
}

// TestDriverCancelRunningJob resets progress and resolves as cancelled.
func TestDriverCancelRunningJob(t *testing.T) {
	started := make(chan domain.JobID, 1)
	f := newDriverFixture(t, &fakeRunner{})
	f.runner.run = func(ctx context.Context, _ string, params domain.OperationParams) domain.Outcome {
		f.registry.UpdateProgress(params.JobID, 40)
		started <- params.JobID
		<-ctx.Done()
		return domain.Outcome{Message: "exit status 255"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := f.driver.Start(ctx, trimRequest())
	require.NoError(t, err)
	require.Equal(t, id, <-started)

	_, err = f.driver.Start(ctx, trimRequest())
	assert.ErrorIs(t, err, ErrJobAlreadyRunning)

	var progressAfterCancel float64 = -1
	f.registry.Watch(id, func(c Change) {
		if c.Kind == ChangeProgress {
			progressAfterCancel = c.Job.ProgressPercent
		}
	})
	require.NoError(t, f.driver.Cancel())
	assert.Equal(t, float64(0), progressAfterCancel)
	cancel()

	res, err := waitResult(t, f.driver)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCancelled, res.State)
	assert.Equal(t, MessageCancelled, res.Message)
	assert.Equal(t, []domain.JobID{id}, f.runner.cancelled)
	assert.Zero(t, f.registry.Len())
}

// TestDriverCancelRejected reports a benign error and keeps running.
func TestDriverCancelRejected(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	f := newDriverFixture(t, &fakeRunner{
		run: func(context.Context, string, domain.OperationParams) domain.Outcome {
			close(started)
			<-release
			return domain.Outcome{Success: true}
		},
		cancel: func(domain.JobID) error { return errors.New("job not running") },
	})

	_, err := f.driver.Start(context.Background(), trimRequest())
	require.NoError(t, err)
	<-started

	err = f.driver.Cancel()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCancelFailed))
	assert.Equal(t, domain.JobStateRunning, f.driver.Snapshot().State)

	close(release)
	res, err := waitResult(t, f.driver)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateSucceeded, res.State)

	found := false
	for _, e := range f.events.Since(0) {
		if e.Type == EventTypeError && e.Message == MessageCancelFailed {
			found = true
		}
	}
	assert.True(t, found)
}

// TestDriverCancelBeforeHostRegisters resolves as cancelled when the host
// has not registered the process yet.
func TestDriverCancelBeforeHostRegisters(t *testing.T) {
	entered := make(chan struct{})
	proceed := make(chan struct{})
	f := newDriverFixture(t, &fakeRunner{
		run: func(ctx context.Context, _ string, _ domain.OperationParams) domain.Outcome {
			close(entered)
			<-proceed
			if ctx.Err() != nil {
				return domain.Outcome{Reason: domain.OutcomeCancelled}
			}
			return domain.Outcome{Success: true}
		},
		cancel: func(id domain.JobID) error {
			return errors.Wrapf(domain.ErrOperationNotRunning, "cancel %s", id)
		},
	})

	_, err := f.driver.Start(context.Background(), trimRequest())
	require.NoError(t, err)
	<-entered

	require.NoError(t, f.driver.Cancel())
	close(proceed)

	res, err := waitResult(t, f.driver)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCancelled, res.State)
	for _, e := range f.events.Since(0) {
		assert.NotEqual(t, MessageCancelFailed, e.Message)
	}
}

// TestDriverDiscardsInputBeforeTerminal checks the staged input is gone by
// the time the job leaves the registry.
func TestDriverDiscardsInputBeforeTerminal(t *testing.T) {
	f := newDriverFixture(t, &fakeRunner{})
	discardedAtRemoval := -1
	f.registry.WatchAll(func(c Change) {
		if c.Kind == ChangeRemoved {
			f.stager.mu.Lock()
			discardedAtRemoval = len(f.stager.discarded)
			f.stager.mu.Unlock()
		}
	})

	res, err := f.driver.Run(context.Background(), trimRequest())
	require.NoError(t, err)
	require.Equal(t, domain.JobStateSucceeded, res.State)
	assert.Equal(t, 1, discardedAtRemoval)
}

// TestDriverObserverReadsSnapshotOnCreate checks registry observers may
// query the driver while a job is being created.
func TestDriverObserverReadsSnapshotOnCreate(t *testing.T) {
	f := newDriverFixture(t, &fakeRunner{})
	var seen domain.JobState
	f.registry.WatchAll(func(c Change) {
		if c.Kind == ChangeCreated {
			seen = f.driver.Snapshot().State
		}
	})

	done := make(chan error, 1)
	go func() {
		_, err := f.driver.Run(context.Background(), trimRequest())
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("driver deadlocked while notifying observers")
	}
	assert.Equal(t, domain.JobStateStaging, seen)
}

// TestDriverCancelWhenIdle returns a sentinel instead of touching the runner.
func TestDriverCancelWhenIdle(t *testing.T) {
	f := newDriverFixture(t, &fakeRunner{})
	assert.ErrorIs(t, f.driver.Cancel(), ErrNoRunningJob)
	assert.Empty(t, f.runner.cancelled)
}

// TestDriverRunsAgainAfterTerminalState checks terminal states allow a fresh start.
func TestDriverRunsAgainAfterTerminalState(t *testing.T) {
	f := newDriverFixture(t, &fakeRunner{})

	first, err := f.driver.Run(context.Background(), trimRequest())
	require.NoError(t, err)
	second, err := f.driver.Run(context.Background(), trimRequest())
	require.NoError(t, err)

	assert.NotEqual(t, first.JobID, second.JobID)
	assert.Equal(t, domain.JobStateSucceeded, second.State)
}

// TestDriverRebindByName finds a live job after navigating back.
func TestDriverRebindByName(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	f := newDriverFixture(t, &fakeRunner{
		run: func(context.Context, string, domain.OperationParams) domain.Outcome {
			close(started)
			<-release
			return domain.Outcome{Success: true}
		},
	})

	id, err := f.driver.Start(context.Background(), trimRequest())
	require.NoError(t, err)
	<-started

	job, ok := f.driver.Rebind("Trimming Audio")
	require.True(t, ok)
	assert.Equal(t, id, job.ID)

	close(release)
	_, err = waitResult(t, f.driver)
	require.NoError(t, err)

	_, ok = f.driver.Rebind("Trimming Audio")
	assert.False(t, ok)
}

// TestDriversShareRegistry runs two pages concurrently without interference.
func TestDriversShareRegistry(t *testing.T) {
	registry := NewRegistry()
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	runner := &fakeRunner{run: func(_ context.Context, _ string, params domain.OperationParams) domain.Outcome {
		registry.UpdateProgress(params.JobID, 50)
		wg.Done()
		<-release
		return domain.Outcome{Success: true}
	}}

	newPage := func(page string) *Driver {
		d, err := NewDriver(DriverConfig{
			Page:         page,
			Registry:     registry,
			Stager:       &fakeStager{},
			Destinations: &fakeDestinations{path: "/out/x", overwrite: true},
			Runner:       runner,
		})
		require.NoError(t, err)
		return d
	}
	trim := newPage("/audio/trim")
	compress := newPage("/video/compress")

	req := trimRequest()
	idA, err := trim.Start(context.Background(), req)
	require.NoError(t, err)
	req.Name = "Compressing Video"
	idB, err := compress.Start(context.Background(), req)
	require.NoError(t, err)

	wg.Wait()
	assert.Equal(t, 2, registry.Len())
	jobA, _ := registry.GetJobByID(idA)
	jobB, _ := registry.GetJobByID(idB)
	assert.Equal(t, "/audio/trim", jobA.OriginPage)
	assert.Equal(t, "/video/compress", jobB.OriginPage)

	close(release)
	_, err = waitResult(t, trim)
	require.NoError(t, err)
	_, err = waitResult(t, compress)
	require.NoError(t, err)
	assert.Zero(t, registry.Len())
}

// TestClassifyOutcome covers tagged and untagged outcomes.
func TestClassifyOutcome(t *testing.T) {
	tests := []struct {
		name    string
		outcome domain.Outcome
		want    domain.OutcomeReason
	}{
		{"tag wins over flag", domain.Outcome{Success: true, Reason: domain.OutcomeCancelled}, domain.OutcomeCancelled},
		{"success flag", domain.Outcome{Success: true}, domain.OutcomeSucceeded},
		{"killed signature", domain.Outcome{Message: "Processing failed: ffmpeg was killed with signal SIGTERM"}, domain.OutcomeCancelled},
		{"generic failure", domain.Outcome{Message: "exit status 1"}, domain.OutcomeFailed},
		{"unknown tag", domain.Outcome{Reason: "weird", Message: "x"}, domain.OutcomeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyOutcome(tt.outcome))
		})
	}
}

// TestIsValidTransition spot-checks state machine edges.
func TestIsValidTransition(t *testing.T) {
	assert.True(t, isValidTransition(domain.JobStateIdle, domain.JobStateStaging))
	assert.True(t, isValidTransition(domain.JobStateStaging, domain.JobStateFailed))
	assert.False(t, isValidTransition(domain.JobStateStaging, domain.JobStateSucceeded))
	assert.False(t, isValidTransition(domain.JobStateIdle, domain.JobStateRunning))
	assert.True(t, isValidTransition(domain.JobStateCancelled, domain.JobStateStaging))
}

// waitResult waits for the driver's current job with a deadline.
func waitResult(t *testing.T, d *Driver) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return d.Wait(ctx)
}

// assertHasEventType verifies at least one event of given type exists.
func assertHasEventType(t *testing.T, events []Event, want EventType) {
	t.Helper()
	for _, event := range events {
		if event.Type == want {
			return
		}
	}
	t.Fatalf("event type %s not found", want)
}
