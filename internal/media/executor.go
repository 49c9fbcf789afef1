package media

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"media-workbench/internal/domain"
)

// ErrJobNotRunning is returned when cancelling an id with no live process.
var ErrJobNotRunning = domain.ErrOperationNotRunning

// ErrOperationBusy is returned when a job id already has a live process.
var ErrOperationBusy = errors.New("operation already running for job")

// killedMessage mirrors how a signalled ffmpeg run is reported.
const killedMessage = "Processing failed: ffmpeg was killed with signal SIGTERM"

// Config controls how the executor locates and throttles ffmpeg.
type Config struct {
	FFmpegPath     string
	FFprobePath    string
	ProgressRateHz float64
}

// runningJob is one live ffmpeg process.
type runningJob struct {
	cancel    context.CancelFunc
	cancelled bool
}

// Executor runs catalog operations through ffmpeg and publishes their
// progress by job id.
type Executor struct {
	runner commandRunner
	remove func(string) error
	log    *zap.SugaredLogger

	mu      sync.Mutex
	cfg     Config
	running map[domain.JobID]*runningJob

	subMu     sync.RWMutex
	nextSub   int
	listeners map[int]func(domain.JobID, float64)
}

// NewExecutor creates an executor backed by os/exec.
func NewExecutor(cfg Config, logger *zap.SugaredLogger) *Executor {
	return newExecutor(cfg, &execRunner{}, os.Remove, logger)
}

func newExecutor(cfg Config, runner commandRunner, remove func(string) error, logger *zap.SugaredLogger) *Executor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Executor{
		cfg:       normalizeConfig(cfg),
		runner:    runner,
		remove:    remove,
		log:       logger.Named("executor"),
		running:   make(map[domain.JobID]*runningJob),
		listeners: make(map[int]func(domain.JobID, float64)),
	}
}

// Configure replaces tool paths and the progress rate for jobs started
// afterwards.
func (e *Executor) Configure(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = normalizeConfig(cfg)
}

func (e *Executor) config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

func normalizeConfig(cfg Config) Config {
	cfg.FFmpegPath = strings.TrimSpace(cfg.FFmpegPath)
	cfg.FFprobePath = strings.TrimSpace(cfg.FFprobePath)
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	return cfg
}

// SubscribeProgress registers handler for progress of every job.
func (e *Executor) SubscribeProgress(handler func(id domain.JobID, percent float64)) func() {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	e.nextSub++
	key := e.nextSub
	e.listeners[key] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			e.subMu.Lock()
			defer e.subMu.Unlock()
			delete(e.listeners, key)
		})
	}
}

// RunOperation executes one catalog operation and blocks until ffmpeg
// exits. Every failure is reported in the Outcome.
func (e *Executor) RunOperation(ctx context.Context, name string, params domain.OperationParams) domain.Outcome {
	log := e.log.With("job_id", params.JobID, "operation", name)
	cfg := e.config()

	op, err := lookupOperation(name)
	if err != nil {
		return failed(err.Error())
	}
	if err := validateParams(params); err != nil {
		return failed(err.Error())
	}
	p, err := op.build(params)
	if err != nil {
		return failed(err.Error())
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	job, err := e.track(params.JobID, cancel)
	if err != nil {
		return failed(err.Error())
	}
	defer e.untrack(params.JobID)

	if ctx.Err() != nil {
		log.Infow("cancelled before ffmpeg started")
		return domain.Outcome{Reason: domain.OutcomeCancelled, Message: killedMessage}
	}

	duration := p.durationSec
	if duration <= 0 {
		duration, err = e.probeDuration(runCtx, cfg.FFprobePath, params.InputPath)
		if err != nil {
			log.Warnw("duration probe failed; progress limited to completion", "error", err)
		}
	}

	th := newThrottle(cfg.ProgressRateHz, func(pct float64) { e.emit(params.JobID, pct) })
	th.report(0)

	args := append([]string{"-y", "-hide_banner", "-nostats", "-loglevel", "error", "-progress", "pipe:1"}, p.args...)
	args = append(args, params.OutputPath)

	pw := newProgressWriter(duration, th.report)
	log.Infow("ffmpeg started", "input", params.InputPath, "output", params.OutputPath)
	log.Debugw("ffmpeg command", "cmd", shellquote.Join(append([]string{cfg.FFmpegPath}, args...)...))
	result, runErr := e.runner.Run(runCtx, cfg.FFmpegPath, args, pw)
	pw.Flush()

	e.mu.Lock()
	wasCancelled := job.cancelled
	e.mu.Unlock()

	if wasCancelled || (runErr != nil && ctx.Err() != nil) {
		e.discardOutput(params.OutputPath)
		log.Infow("ffmpeg cancelled")
		return domain.Outcome{Reason: domain.OutcomeCancelled, Message: killedMessage}
	}
	if runErr != nil {
		e.discardOutput(params.OutputPath)
		msg := "Processing failed: " + summarizeStderr(result.Stderr, runErr)
		log.Warnw("ffmpeg failed", "exit_code", result.ExitCode, "error", runErr)
		return failed(msg)
	}

	th.report(100)
	log.Infow("ffmpeg finished")
	return domain.Outcome{
		Success:    true,
		Reason:     domain.OutcomeSucceeded,
		Message:    op.label,
		OutputPath: params.OutputPath,
	}
}

// CancelOperation terminates the process running for id.
func (e *Executor) CancelOperation(id domain.JobID) error {
	e.mu.Lock()
	job, ok := e.running[id]
	if ok {
		job.cancelled = true
	}
	e.mu.Unlock()

	if !ok {
		return errors.Wrapf(ErrJobNotRunning, "cancel %s", id)
	}
	job.cancel()
	e.log.Infow("cancel requested", "job_id", id)
	return nil
}

// Running reports whether a process is live for id.
func (e *Executor) Running(id domain.JobID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[id]
	return ok
}

func (e *Executor) track(id domain.JobID, cancel context.CancelFunc) (*runningJob, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.running[id]; exists {
		return nil, errors.Wrapf(ErrOperationBusy, "job %s", id)
	}
	job := &runningJob{cancel: cancel}
	e.running[id] = job
	return job, nil
}

func (e *Executor) untrack(id domain.JobID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.running, id)
}

func (e *Executor) emit(id domain.JobID, percent float64) {
	e.subMu.RLock()
	handlers := make([]func(domain.JobID, float64), 0, len(e.listeners))
	for _, fn := range e.listeners {
		handlers = append(handlers, fn)
	}
	e.subMu.RUnlock()

	for _, fn := range handlers {
		fn(id, percent)
	}
}

// probeDuration asks ffprobe for the container duration in seconds.
func (e *Executor) probeDuration(ctx context.Context, ffprobe, inputPath string) (float64, error) {
	result, err := e.runner.Run(ctx, ffprobe, []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "csv=p=0",
		inputPath,
	}, nil)
	if err != nil {
		return 0, errors.Wrap(err, "probe duration")
	}
	raw := strings.TrimSpace(result.Stdout)
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs <= 0 {
		return 0, errors.Newf("unusable duration %q", raw)
	}
	return secs, nil
}

func (e *Executor) discardOutput(path string) {
	if strings.TrimSpace(path) == "" {
		return
	}
	if err := e.remove(path); err != nil && !os.IsNotExist(err) {
		e.log.Warnw("remove partial output", "path", path, "error", err)
	}
}

func validateParams(p domain.OperationParams) error {
	switch {
	case strings.TrimSpace(string(p.JobID)) == "":
		return errors.New("job id is required")
	case strings.TrimSpace(p.InputPath) == "":
		return errors.New("input path is required")
	case strings.TrimSpace(p.OutputPath) == "":
		return errors.New("output path is required")
	case p.InputPath == p.OutputPath:
		return errors.New("output path must differ from input path")
	}
	return nil
}

func failed(message string) domain.Outcome {
	if !strings.HasPrefix(message, "Processing failed") {
		message = "Processing failed: " + message
	}
	return domain.Outcome{Reason: domain.OutcomeFailed, Message: message}
}

// summarizeStderr keeps the last meaningful ffmpeg line.
func summarizeStderr(stderr string, err error) string {
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return err.Error()
}
