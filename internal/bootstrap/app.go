package bootstrap

import (
	"context"
	"io/fs"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/wailsapp/wails/v2"
	"github.com/wailsapp/wails/v2/pkg/options"
	"github.com/wailsapp/wails/v2/pkg/options/assetserver"
	"go.uber.org/zap"

	"media-workbench/internal/config"
	"media-workbench/internal/diagnostics"
	"media-workbench/internal/domain"
	"media-workbench/internal/jobs"
	"media-workbench/internal/media"

	wailsruntime "github.com/wailsapp/wails/v2/pkg/runtime"
)

// RuntimeEventName is the frontend event carrying every published job event.
const RuntimeEventName = "job:event"

// shutdownGrace bounds how long shutdown waits for cancelled jobs to clean
// up. It exceeds the ffmpeg kill delay.
const shutdownGrace = 10 * time.Second

// ErrJobNotFound is returned when no live job matches a lookup.
var ErrJobNotFound = errors.New("job not found")

var mediaDialogFilter = []wailsruntime.FileFilter{
	{
		DisplayName: "Media files",
		Pattern:     "*.mp4;*.mov;*.mkv;*.avi;*.mp3;*.wav;*.m4a;*.flac;*.aac;*.ogg;*.webm",
	},
	{
		DisplayName: "All files",
		Pattern:     "*",
	},
}

// operationHost runs operations, reports their progress and accepts new
// tool settings.
type operationHost interface {
	jobs.OperationRunner
	jobs.ProgressSource
	Configure(media.Config)
}

// inputStager stages inputs into a configurable directory.
type inputStager interface {
	jobs.InputStager
	SetDir(dir string)
}

// Options configures New.
type Options struct {
	SettingsPath string
	Assets       fs.FS
	Logger       *zap.SugaredLogger
}

// StartJobRequest is one tool page action sent from the frontend. When
// InputData is empty the file at InputPath is read instead.
type StartJobRequest struct {
	Page          string            `json:"page"`
	Operation     string            `json:"operation"`
	Name          string            `json:"name"`
	InputPath     string            `json:"inputPath,omitempty"`
	InputData     []byte            `json:"inputData,omitempty"`
	InputExt      string            `json:"inputExt,omitempty"`
	SuggestedName string            `json:"suggestedName,omitempty"`
	Options       map[string]string `json:"options,omitempty"`
}

// App wires configuration, the job core, the ffmpeg host and UI runtime
// callbacks.
type App struct {
	Settings    domain.Settings
	Store       config.Store
	Registry    *jobs.Registry
	Relay       *jobs.Relay
	Diagnostics domain.DiagnosticReport

	host         operationHost
	stager       inputStager
	destinations jobs.DestinationPicker
	events       *jobs.EventBus
	checker      *diagnostics.Checker
	installer    *installer
	assets       fs.FS
	log          *zap.SugaredLogger

	jobsCtx  context.Context
	stopJobs context.CancelFunc
	stopHook []func()

	mu         sync.Mutex
	drivers    map[string]*jobs.Driver
	runtimeCtx context.Context
}

// appDeps are the replaceable collaborators behind an App.
type appDeps struct {
	store        config.Store
	host         operationHost
	stager       inputStager
	destinations jobs.DestinationPicker
	checker      *diagnostics.Checker
	logger       *zap.SugaredLogger
}

// New builds the application with persisted settings and startup diagnostics.
func New(opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	store := config.NewJSONStore(opts.SettingsPath)
	app, err := newApp(appDeps{
		store:   store,
		host:    media.NewExecutor(media.Config{}, logger),
		stager:  media.NewStager(""),
		checker: diagnostics.NewChecker(),
		logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	app.assets = opts.Assets
	logger.Infow("settings loaded", "path", store.Path(), "failed_checks", len(app.Diagnostics.Failed()))
	return app, nil
}

func newApp(deps appDeps) (*App, error) {
	if deps.store == nil || deps.host == nil || deps.stager == nil {
		return nil, errors.New("app dependencies are incomplete")
	}
	if deps.logger == nil {
		deps.logger = zap.NewNop().Sugar()
	}

	settings, err := deps.store.Load()
	if err != nil {
		return nil, errors.Wrap(err, "load settings")
	}

	registry := jobs.NewRegistry()
	jobsCtx, stopJobs := context.WithCancel(context.Background())
	app := &App{
		Store:     deps.store,
		Registry:  registry,
		Relay:     jobs.NewRelay(registry, deps.host, deps.logger),
		host:      deps.host,
		stager:    deps.stager,
		events:    jobs.NewEventBus(1000),
		checker:   deps.checker,
		installer: newSystemInstaller(),
		log:       deps.logger,
		jobsCtx:   jobsCtx,
		stopJobs:  stopJobs,
		drivers:   make(map[string]*jobs.Driver),
	}
	app.destinations = deps.destinations
	if app.destinations == nil {
		app.destinations = &dialogDestinations{app: app}
	}
	app.applySettings(config.WithDefaults(settings))

	app.stopHook = append(app.stopHook,
		registry.WatchAll(app.publishRegistryChange),
		app.events.Listen(app.emitRuntimeEvent),
	)
	return app, nil
}

// Run starts the Wails desktop application and binds backend methods.
func (a *App) Run() error {
	assetOptions := &assetserver.Options{}
	if a.assets != nil {
		assetOptions.Assets = a.assets
	} else {
		assetOptions.Handler = http.FileServer(http.Dir("./frontend"))
	}

	return wails.Run(&options.App{
		Title:       "Media Workbench",
		Width:       1180,
		Height:      780,
		AssetServer: assetOptions,
		OnStartup:   a.Startup,
		OnShutdown:  a.Shutdown,
		Bind:        []interface{}{a},
	})
}

// Startup stores the Wails runtime context and subscribes to progress.
func (a *App) Startup(ctx context.Context) {
	a.mu.Lock()
	a.runtimeCtx = ctx
	a.mu.Unlock()

	a.start()
}

// Shutdown cancels running jobs and releases subscriptions.
func (a *App) Shutdown(context.Context) {
	a.mu.Lock()
	a.runtimeCtx = nil
	a.mu.Unlock()

	a.stop()
}

func (a *App) start() {
	if err := a.Relay.Start(); err != nil && !errors.Is(err, jobs.ErrRelayActive) {
		a.log.Errorw("start progress relay", "error", err)
	}
}

func (a *App) stop() {
	a.stopJobs()
	a.waitForDrivers(shutdownGrace)
	a.Relay.Stop()
	for _, fn := range a.stopHook {
		fn()
	}
	a.stopHook = nil
}

// waitForDrivers blocks until every cancelled job has torn down or the
// grace period ends.
func (a *App) waitForDrivers(grace time.Duration) {
	a.mu.Lock()
	drivers := make([]*jobs.Driver, 0, len(a.drivers))
	for _, d := range a.drivers {
		drivers = append(drivers, d)
	}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	for _, d := range drivers {
		if _, err := d.Wait(ctx); err != nil && errors.Is(err, context.DeadlineExceeded) {
			a.log.Warnw("job did not stop before shutdown", "page", d.Page())
		}
	}
}

// StartJob begins a job on the requesting page and returns its handle.
func (a *App) StartJob(req StartJobRequest) (domain.JobHandle, error) {
	startReq, err := a.buildStartRequest(req)
	if err != nil {
		return domain.JobHandle{}, err
	}

	driver, err := a.driverFor(req.Page)
	if err != nil {
		return domain.JobHandle{}, err
	}

	id, err := driver.Start(a.jobsCtx, startReq)
	if err != nil {
		return domain.JobHandle{}, err
	}
	handle, ok := a.Registry.GetJobByID(id)
	if !ok {
		// Resolved before the lookup, e.g. staging failed immediately.
		return domain.JobHandle{ID: id, Name: startReq.Name, OriginPage: req.Page}, nil
	}
	return handle, nil
}

// CancelJob stops the running job on a page.
func (a *App) CancelJob(page string) error {
	a.mu.Lock()
	driver, ok := a.drivers[page]
	a.mu.Unlock()
	if !ok {
		return jobs.ErrNoRunningJob
	}
	return driver.Cancel()
}

// GetJob returns one live job by id.
func (a *App) GetJob(id string) (domain.JobHandle, error) {
	handle, ok := a.Registry.GetJobByID(domain.JobID(id))
	if !ok {
		return domain.JobHandle{}, errors.Wrapf(ErrJobNotFound, "id %s", id)
	}
	return handle, nil
}

// FindJob rebinds a page to a live job by name after navigation.
func (a *App) FindJob(page, name string) (domain.JobHandle, error) {
	driver, err := a.driverFor(page)
	if err != nil {
		return domain.JobHandle{}, err
	}
	handle, ok := driver.Rebind(name)
	if !ok {
		return domain.JobHandle{}, errors.Wrapf(ErrJobNotFound, "name %q", name)
	}
	return handle, nil
}

// ListJobs returns all live jobs in creation order.
func (a *App) ListJobs() []domain.JobHandle {
	return a.Registry.Jobs()
}

// JobStatus returns a page's lifecycle state.
func (a *App) JobStatus(page string) jobs.Status {
	a.mu.Lock()
	driver, ok := a.drivers[page]
	a.mu.Unlock()
	if !ok {
		return jobs.Status{State: domain.JobStateIdle}
	}
	return driver.Snapshot()
}

// JobEvents returns all events with sequence greater than sinceSeq.
func (a *App) JobEvents(sinceSeq int64) []jobs.Event {
	return a.events.Since(sinceSeq)
}

// Operations lists the operations tool pages may request.
func (a *App) Operations() []string {
	return media.Operations()
}

// GetDiagnostics returns the latest cached diagnostics report.
func (a *App) GetDiagnostics() domain.DiagnosticReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Diagnostics
}

// GetSettings loads and returns the latest persisted settings.
func (a *App) GetSettings() (domain.Settings, error) {
	settings, err := a.Store.Load()
	if err != nil {
		return domain.Settings{}, errors.Wrap(err, "load settings")
	}

	a.mu.Lock()
	a.Settings = settings
	a.mu.Unlock()

	return settings, nil
}

// SaveSettings normalizes and persists settings, applies them to the
// media host, then refreshes diagnostics.
func (a *App) SaveSettings(settings domain.Settings) (domain.Settings, error) {
	normalized := normalizeSettings(settings)
	if err := a.Store.Save(normalized); err != nil {
		return domain.Settings{}, errors.Wrap(err, "save settings")
	}

	a.applySettings(normalized)
	return normalized, nil
}

// RefreshDiagnostics reloads settings and reruns dependency checks.
func (a *App) RefreshDiagnostics() (domain.DiagnosticReport, error) {
	settings, err := a.Store.Load()
	if err != nil {
		return domain.DiagnosticReport{}, errors.Wrap(err, "load settings")
	}
	return a.applySettings(config.WithDefaults(settings)), nil
}

// PickInputFile opens a native file dialog for media selection.
func (a *App) PickInputFile() (string, error) {
	ctx, err := a.runtimeContext()
	if err != nil {
		return "", err
	}

	path, err := wailsruntime.OpenFileDialog(ctx, wailsruntime.OpenDialogOptions{
		Title:   "Select media file",
		Filters: mediaDialogFilter,
	})
	if err != nil {
		return "", errors.Wrap(err, "open file dialog")
	}

	return strings.TrimSpace(path), nil
}

// PickOutputDirectory opens a native directory picker for processed files.
func (a *App) PickOutputDirectory() (string, error) {
	ctx, err := a.runtimeContext()
	if err != nil {
		return "", err
	}

	path, err := wailsruntime.OpenDirectoryDialog(ctx, wailsruntime.OpenDialogOptions{
		Title: "Select output directory",
	})
	if err != nil {
		return "", errors.Wrap(err, "open directory dialog")
	}

	return strings.TrimSpace(path), nil
}

// OpenOutputFolder opens the given path (or configured output dir) in file manager.
func (a *App) OpenOutputFolder(path string) error {
	target := strings.TrimSpace(path)
	if target == "" {
		a.mu.Lock()
		target = a.Settings.OutputDir
		a.mu.Unlock()
	}
	if target == "" {
		return errors.New("output path is empty")
	}

	info, err := os.Stat(target)
	if err != nil {
		return errors.Wrap(err, "resolve output path")
	}

	openPath := target
	if !info.IsDir() {
		openPath = filepath.Dir(target)
	}

	return openInFileManager(openPath)
}

// driverFor returns the page's driver, creating it on first use.
func (a *App) driverFor(page string) (*jobs.Driver, error) {
	page = strings.TrimSpace(page)
	if page == "" {
		return nil, errors.Wrap(jobs.ErrMissingInput, "page is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if driver, ok := a.drivers[page]; ok {
		return driver, nil
	}

	driver, err := jobs.NewDriver(jobs.DriverConfig{
		Page:         page,
		Registry:     a.Registry,
		Stager:       a.stager,
		Destinations: a.destinations,
		Runner:       a.host,
		Events:       a.events,
		Logger:       a.log.Named("driver"),
	})
	if err != nil {
		return nil, err
	}
	a.drivers[page] = driver
	return driver, nil
}

// buildStartRequest reads a path-based input and fills naming defaults.
func (a *App) buildStartRequest(req StartJobRequest) (jobs.StartRequest, error) {
	out := jobs.StartRequest{
		Operation:     strings.TrimSpace(req.Operation),
		Name:          strings.TrimSpace(req.Name),
		InputData:     req.InputData,
		InputExt:      req.InputExt,
		SuggestedName: strings.TrimSpace(req.SuggestedName),
		Options:       req.Options,
	}

	inputPath := strings.TrimSpace(req.InputPath)
	if len(out.InputData) == 0 && inputPath != "" {
		data, err := os.ReadFile(inputPath)
		if err != nil {
			return jobs.StartRequest{}, errors.WithHint(
				errors.Wrapf(err, "read input %s", inputPath),
				"Pick the source file again.",
			)
		}
		out.InputData = data
	}
	if inputPath != "" {
		base := filepath.Base(inputPath)
		ext := filepath.Ext(base)
		if out.InputExt == "" {
			out.InputExt = ext
		}
		if out.Name == "" {
			out.Name = base
		}
		if out.SuggestedName == "" {
			out.SuggestedName = strings.TrimSuffix(base, ext) + "-" + out.Operation + ext
		}
	}
	return out, nil
}

// applySettings pushes settings into the host and stager and reruns checks.
func (a *App) applySettings(settings domain.Settings) domain.DiagnosticReport {
	a.host.Configure(executorConfig(settings))
	a.stager.SetDir(settings.StagingDir)

	var report domain.DiagnosticReport
	if a.checker != nil {
		report = a.checker.Run(settings)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.Settings = settings
	if a.checker != nil {
		a.Diagnostics = report
	}
	return a.Diagnostics
}

// publishRegistryChange turns progress and removal into job events.
func (a *App) publishRegistryChange(change jobs.Change) {
	event := jobs.Event{
		JobID:   change.Job.ID,
		Page:    change.Job.OriginPage,
		Name:    change.Job.Name,
		Percent: change.Job.ProgressPercent,
	}
	switch change.Kind {
	case jobs.ChangeProgress:
		event.Type = jobs.EventTypeProgress
	case jobs.ChangeRemoved:
		event.Type = jobs.EventTypeStatus
		event.Removed = true
	default:
		return
	}
	a.events.Publish(event)
}

// emitRuntimeEvent pushes a published event to the frontend.
func (a *App) emitRuntimeEvent(event jobs.Event) {
	a.mu.Lock()
	ctx := a.runtimeCtx
	a.mu.Unlock()
	if ctx != nil {
		wailsruntime.EventsEmit(ctx, RuntimeEventName, event)
	}
}

// runtimeContext returns current Wails runtime context for dialog APIs.
func (a *App) runtimeContext() (context.Context, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runtimeCtx == nil {
		return nil, errors.New("runtime context is not initialized")
	}
	return a.runtimeCtx, nil
}

func (a *App) outputDir() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Settings.OutputDir
}

func executorConfig(settings domain.Settings) media.Config {
	return media.Config{
		FFmpegPath:     settings.FFmpegPath,
		FFprobePath:    settings.FFprobePath,
		ProgressRateHz: settings.ProgressRateHz,
	}
}

// normalizeSettings trims user inputs and fills defaults.
func normalizeSettings(settings domain.Settings) domain.Settings {
	settings.FFmpegPath = strings.TrimSpace(settings.FFmpegPath)
	settings.FFprobePath = strings.TrimSpace(settings.FFprobePath)
	settings.StagingDir = strings.TrimSpace(settings.StagingDir)
	settings.OutputDir = strings.TrimSpace(settings.OutputDir)
	return config.WithDefaults(settings)
}

// openInFileManager launches the platform file explorer for the provided path.
func openInFileManager(path string) error {
	var cmd *exec.Cmd
	switch goruntime.GOOS {
	case "darwin":
		cmd = exec.Command("open", path)
	case "windows":
		cmd = exec.Command("explorer", filepath.Clean(path))
	default:
		cmd = exec.Command("xdg-open", path)
	}

	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "launch file manager")
	}
	return nil
}
