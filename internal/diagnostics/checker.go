package diagnostics

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"media-workbench/internal/domain"
)

// Diagnostic item ids.
const (
	IDFFmpeg     = "tool_ffmpeg"
	IDFFprobe    = "tool_ffprobe"
	IDStagingDir = "staging_dir"
	IDOutputDir  = "output_dir"
)

// Checker validates external tools and required filesystem paths.
type Checker struct {
	lookPath   func(string) (string, error)
	stat       func(string) (os.FileInfo, error)
	mkdirAll   func(string, os.FileMode) error
	createTemp func(string, string) (*os.File, error)
	remove     func(string) error
	now        func() time.Time
}

// NewChecker builds a checker using real OS dependencies.
func NewChecker() *Checker {
	return NewCheckerForTests(exec.LookPath, os.Stat, os.MkdirAll, os.CreateTemp, os.Remove)
}

// NewCheckerForTests creates checker with injectable dependencies.
func NewCheckerForTests(
	lookPath func(string) (string, error),
	stat func(string) (os.FileInfo, error),
	mkdirAll func(string, os.FileMode) error,
	createTemp func(string, string) (*os.File, error),
	remove func(string) error,
) *Checker {
	return &Checker{
		lookPath:   lookPath,
		stat:       stat,
		mkdirAll:   mkdirAll,
		createTemp: createTemp,
		remove:     remove,
		now:        time.Now,
	}
}

// Run executes all startup checks and returns a combined report.
func (c *Checker) Run(settings domain.Settings) domain.DiagnosticReport {
	items := []domain.DiagnosticItem{
		c.checkTool(IDFFmpeg, "ffmpeg", settings.FFmpegPath),
		c.checkTool(IDFFprobe, "ffprobe", settings.FFprobePath),
		c.checkWritableDir(IDStagingDir, "Staging directory", settings.StagingDir,
			"Staged inputs are written here before ffmpeg reads them."),
		c.checkWritableDir(IDOutputDir, "Output directory", settings.OutputDir,
			"Choose a writable location for processed files."),
	}

	report := domain.DiagnosticReport{
		GeneratedAt: c.now().UTC(),
		Items:       items,
	}
	report.HasFailures = len(report.Failed()) > 0
	return report
}

// checkTool verifies a configured executable. Bare names are resolved on
// PATH; anything with a separator must exist as given.
func (c *Checker) checkTool(id, name, configured string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{ID: id, Name: name}

	target := strings.TrimSpace(configured)
	if target == "" {
		target = name
	}

	var (
		path string
		err  error
	)
	if strings.ContainsRune(target, filepath.Separator) || strings.ContainsRune(target, '/') {
		path = target
		var info os.FileInfo
		info, err = c.stat(target)
		if err == nil && info.IsDir() {
			err = fmt.Errorf("%s is a directory", target)
		}
	} else {
		path, err = c.lookPath(target)
	}

	if err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Tool not found: %s", target)
		item.Hint = "Install ffmpeg or set the tool path in settings before starting a job."
		item.Fixable = true
		return item
	}

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Found at %s", path)
	return item
}

// checkWritableDir validates directory existence and write access.
func (c *Checker) checkWritableDir(id, name, dir, hint string) domain.DiagnosticItem {
	item := domain.DiagnosticItem{ID: id, Name: name}

	if strings.TrimSpace(dir) == "" {
		item.Status = domain.DiagnosticStatusFail
		item.Message = name + " is empty."
		item.Hint = hint
		return item
	}

	if err := c.mkdirAll(dir, 0o755); err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("Cannot create %s: %s", strings.ToLower(name), dir)
		item.Hint = "Choose a writable location or adjust filesystem permissions."
		item.Fixable = true
		return item
	}

	tmpFile, err := c.createTemp(dir, ".write-check-*")
	if err != nil {
		item.Status = domain.DiagnosticStatusFail
		item.Message = fmt.Sprintf("%s is not writable: %s", name, dir)
		item.Hint = hint
		item.Fixable = true
		return item
	}

	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()
	_ = c.remove(tmpPath)

	item.Status = domain.DiagnosticStatusPass
	item.Message = fmt.Sprintf("Writable directory: %s", dir)
	return item
}
