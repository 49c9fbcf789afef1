package media

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
)

// terminateGrace bounds how long a signalled process may keep its pipes open.
const terminateGrace = 5 * time.Second

// commandResult is an internal process execution response.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts process execution for testability. When
// progress is non-nil stdout is streamed to it instead of being captured.
type commandRunner interface {
	Run(ctx context.Context, name string, args []string, progress io.Writer) (commandResult, error)
}

// execRunner executes commands via os/exec.
type execRunner struct{}

// Run executes one command. Cancelling ctx sends SIGTERM, falling back
// to kill where signals are unsupported.
func (r *execRunner) Run(ctx context.Context, name string, args []string, progress io.Writer) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Cancel = func() error {
		return terminate(cmd.Process)
	}
	cmd.WaitDelay = terminateGrace

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	if progress != nil {
		cmd.Stdout = progress
	} else {
		cmd.Stdout = &stdout
	}
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := commandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: 0,
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, errors.Wrapf(err, "run %s", name)
	}

	return result, nil
}

// terminate asks the process to exit.
func terminate(p *os.Process) error {
	if p == nil {
		return nil
	}
	if err := p.Signal(syscall.SIGTERM); err != nil {
		return p.Kill()
	}
	return nil
}
