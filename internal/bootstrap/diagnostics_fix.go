package bootstrap

import (
	"context"
	"os"
	"os/exec"
	goruntime "runtime"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"media-workbench/internal/config"
	"media-workbench/internal/diagnostics"
	"media-workbench/internal/domain"
)

const installCommandTimeout = 45 * time.Minute

type installOption struct {
	manager  string
	commands [][]string
}

// installer runs package-manager commands. Fields are swapped in tests.
type installer struct {
	goos     string
	lookPath func(string) (string, error)
	run      func(ctx context.Context, name string, args ...string) ([]byte, error)
	mkdirAll func(string, os.FileMode) error
}

func newSystemInstaller() *installer {
	return &installer{
		goos:     goruntime.GOOS,
		lookPath: exec.LookPath,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
		mkdirAll: os.MkdirAll,
	}
}

// InstallOrFixDiagnostic applies an OS-specific remediation for one failed diagnostic item.
func (a *App) InstallOrFixDiagnostic(itemID string) (domain.DiagnosticReport, error) {
	if a.Store == nil {
		return domain.DiagnosticReport{}, errors.New("settings store is not configured")
	}

	id := strings.TrimSpace(itemID)
	if id == "" {
		return domain.DiagnosticReport{}, errors.New("diagnostic item id is required")
	}

	settings, err := a.Store.Load()
	if err != nil {
		return domain.DiagnosticReport{}, errors.Wrap(err, "load settings")
	}
	settings = normalizeSettings(settings)

	inst := a.installer
	if inst == nil {
		inst = newSystemInstaller()
	}

	settingsChanged := false
	var fixErr error

	switch id {
	case diagnostics.IDFFmpeg, diagnostics.IDFFprobe:
		fixErr = inst.installFFmpeg()
	case diagnostics.IDStagingDir:
		settings, settingsChanged, fixErr = inst.fixStagingDir(settings)
	case diagnostics.IDOutputDir:
		settings, settingsChanged, fixErr = inst.fixOutputDir(settings)
	default:
		return domain.DiagnosticReport{}, errors.Newf("unsupported diagnostic item id: %s", id)
	}
	a.log.Infow("diagnostic fix attempted", "item", id, "error", fixErr)

	if settingsChanged {
		if saveErr := a.Store.Save(settings); saveErr != nil {
			report := a.applySettings(settings)
			return report, errors.Wrap(saveErr, "save settings after fix")
		}
	}

	report := a.applySettings(settings)
	return report, fixErr
}

func ffmpegInstallOptions(goos string) []installOption {
	switch goos {
	case "windows":
		return []installOption{
			{manager: "winget", commands: [][]string{
				{"winget", "install", "--id", "Gyan.FFmpeg", "--exact", "--accept-source-agreements", "--accept-package-agreements"},
			}},
			{manager: "choco", commands: [][]string{{"choco", "install", "ffmpeg", "-y"}}},
			{manager: "scoop", commands: [][]string{{"scoop", "install", "ffmpeg"}}},
		}
	case "darwin":
		return []installOption{
			{manager: "brew", commands: [][]string{{"brew", "install", "ffmpeg"}}},
		}
	default:
		return []installOption{
			{manager: "apt-get", commands: [][]string{
				{"apt-get", "update"},
				{"apt-get", "install", "-y", "ffmpeg"},
			}},
			{manager: "dnf", commands: [][]string{{"dnf", "install", "-y", "ffmpeg"}}},
			{manager: "pacman", commands: [][]string{{"pacman", "-Sy", "--noconfirm", "ffmpeg"}}},
			{manager: "zypper", commands: [][]string{{"zypper", "install", "-y", "ffmpeg"}}},
			{manager: "brew", commands: [][]string{{"brew", "install", "ffmpeg"}}},
		}
	}
}

func (i *installer) installFFmpeg() error {
	if err := i.runFirstSuccessfulInstall(ffmpegInstallOptions(i.goos)); err != nil {
		return errors.WithHint(
			errors.Wrap(err, "install ffmpeg/ffprobe"),
			"Install ffmpeg manually and set its path in settings.",
		)
	}
	if err := i.requireToolsOnPath("ffmpeg", "ffprobe"); err != nil {
		return errors.Wrap(err, "verify ffmpeg/ffprobe on PATH")
	}
	return nil
}

func (i *installer) runFirstSuccessfulInstall(options []installOption) error {
	if len(options) == 0 {
		return errors.Newf("no install commands configured for OS %s", i.goos)
	}

	failures := make([]string, 0, len(options))
	for _, option := range options {
		if !i.commandAvailable(option.manager) {
			continue
		}
		err := i.runInstallCommands(option.commands)
		if err == nil {
			return nil
		}
		failures = append(failures, option.manager+": "+err.Error())
	}

	if len(failures) == 0 {
		return errors.Newf("no supported package manager found for %s", i.goos)
	}
	return errors.Newf("%s", strings.Join(failures, " | "))
}

func (i *installer) runInstallCommands(commands [][]string) error {
	for _, command := range commands {
		if err := i.runWithPossibleElevation(command); err != nil {
			return err
		}
	}
	return nil
}

// runWithPossibleElevation retries Linux system package managers through
// pkexec and non-interactive sudo.
func (i *installer) runWithPossibleElevation(command []string) error {
	if len(command) == 0 {
		return errors.New("empty command")
	}

	candidates := [][]string{command}
	if i.goos == "linux" && requiresElevation(command[0]) {
		if i.commandAvailable("pkexec") {
			candidates = append(candidates, append([]string{"pkexec"}, command...))
		}
		if i.commandAvailable("sudo") {
			candidates = append(candidates, append([]string{"sudo", "-n"}, command...))
		}
	}

	attempts := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		err := i.runCommand(candidate[0], candidate[1:]...)
		if err == nil {
			return nil
		}
		attempts = append(attempts, err.Error())
	}
	return errors.Newf("%s", strings.Join(attempts, " | "))
}

func (i *installer) runCommand(name string, args ...string) error {
	ctx, cancel := context.WithTimeout(context.Background(), installCommandTimeout)
	defer cancel()

	output, err := i.run(ctx, name, args...)
	if err == nil {
		return nil
	}

	command := strings.Join(append([]string{name}, args...), " ")
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Newf("%s timed out after %s", command, installCommandTimeout)
	}

	trimmed := strings.TrimSpace(string(output))
	if len(trimmed) > 500 {
		trimmed = trimmed[:500] + "..."
	}
	if trimmed == "" {
		return errors.Wrapf(err, "%s failed", command)
	}
	return errors.Wrapf(err, "%s failed (%s)", command, trimmed)
}

func requiresElevation(manager string) bool {
	switch manager {
	case "apt-get", "dnf", "pacman", "zypper":
		return true
	default:
		return false
	}
}

func (i *installer) commandAvailable(name string) bool {
	_, err := i.lookPath(name)
	return err == nil
}

func (i *installer) requireToolsOnPath(names ...string) error {
	missing := make([]string, 0, len(names))
	for _, name := range names {
		if !i.commandAvailable(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return errors.Newf("missing tools on PATH: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (i *installer) fixStagingDir(settings domain.Settings) (domain.Settings, bool, error) {
	dir, changed := strings.TrimSpace(settings.StagingDir), false
	if dir == "" {
		dir, changed = config.DefaultSettings().StagingDir, true
		settings.StagingDir = dir
	}
	if err := i.mkdirAll(dir, 0o755); err != nil {
		return settings, changed, errors.Wrapf(err, "create staging directory %s", dir)
	}
	return settings, changed, nil
}

func (i *installer) fixOutputDir(settings domain.Settings) (domain.Settings, bool, error) {
	dir, changed := strings.TrimSpace(settings.OutputDir), false
	if dir == "" {
		dir, changed = config.DefaultSettings().OutputDir, true
		settings.OutputDir = dir
	}
	if err := i.mkdirAll(dir, 0o755); err != nil {
		return settings, changed, errors.Wrapf(err, "create output directory %s", dir)
	}
	return settings, changed, nil
}
