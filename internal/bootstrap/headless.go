package bootstrap

import (
	"context"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"media-workbench/internal/config"
	"media-workbench/internal/domain"
	"media-workbench/internal/jobs"
	"media-workbench/internal/media"
)

// headlessPage is the origin recorded for jobs started from the CLI.
const headlessPage = "cli"

// HeadlessRequest is one operation run without the desktop window.
type HeadlessRequest struct {
	Operation  string
	InputPath  string
	OutputPath string
	Overwrite  bool
	Options    map[string]string
}

// RunHeadless drives one job to completion and reports progress to
// onProgress. A job that ends failed or cancelled is returned as an error
// alongside its result.
func RunHeadless(ctx context.Context, opts Options, req HeadlessRequest, onProgress func(domain.JobHandle)) (jobs.Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return runHeadless(ctx, appDeps{
		store:  config.NewJSONStore(opts.SettingsPath),
		host:   media.NewExecutor(media.Config{}, logger),
		stager: media.NewStager(""),
		logger: logger,
	}, req, onProgress)
}

func runHeadless(ctx context.Context, deps appDeps, req HeadlessRequest, onProgress func(domain.JobHandle)) (jobs.Result, error) {
	deps.destinations = FixedDestination{Path: req.OutputPath, Overwrite: req.Overwrite}
	app, err := newApp(deps)
	if err != nil {
		return jobs.Result{}, err
	}
	app.start()
	defer app.stop()

	if onProgress != nil {
		unwatch := app.Registry.WatchAll(func(change jobs.Change) {
			if change.Kind == jobs.ChangeProgress {
				onProgress(change.Job)
			}
		})
		defer unwatch()
	}

	startReq, err := app.buildStartRequest(StartJobRequest{
		Page:          headlessPage,
		Operation:     req.Operation,
		InputPath:     req.InputPath,
		SuggestedName: filepath.Base(req.OutputPath),
		Options:       req.Options,
	})
	if err != nil {
		return jobs.Result{}, err
	}
	driver, err := app.driverFor(headlessPage)
	if err != nil {
		return jobs.Result{}, err
	}

	res, err := driver.Run(ctx, startReq)
	if err != nil {
		return res, err
	}
	switch res.State {
	case domain.JobStateSucceeded:
		return res, nil
	case domain.JobStateCancelled:
		return res, errors.Wrap(context.Canceled, res.Message)
	default:
		if res.Err != nil {
			return res, res.Err
		}
		return res, errors.New(res.Message)
	}
}
