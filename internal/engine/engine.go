// Package engine runs the workflow engine as a foreground subprocess.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"github.com/chr1sbest/pipetrack/internal/logger"
	"github.com/chr1sbest/pipetrack/internal/procutil"
)

// ErrForced is the cancellation cause that skips the grace period.
var ErrForced = errors.New("forced stop")

// Engine is the foreground run call. Run blocks until the engine exits or
// ctx is cancelled and the engine has been stopped.
type Engine interface {
	Run(ctx context.Context) error
}

// Options configures a Process.
type Options struct {
	Argv      []string
	Env       map[string]string
	Dir       string
	StopGrace time.Duration
	Stdout    io.Writer
	Stderr    io.Writer
}

// Process runs the engine command in its own process group.
type Process struct {
	opts   Options
	logger logger.Logger
}

// NewProcess creates a Process. Argv must name at least the binary.
func NewProcess(opts Options, log logger.Logger) (*Process, error) {
	if len(opts.Argv) == 0 {
		return nil, errors.New("engine command is empty")
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 30 * time.Second
	}
	return &Process{opts: opts, logger: logger.Component(log, "engine")}, nil
}

// ExitError reports a non-zero engine exit.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("engine exited with status %d", e.Code) }

// StoppedError reports that the engine was stopped through ctx.
type StoppedError struct {
	Cause  error
	Forced bool
}

func (e *StoppedError) Error() string {
	mode := "graceful"
	if e.Forced {
		mode = "forced"
	}
	return fmt.Sprintf("engine stopped (%s): %v", mode, e.Cause)
}

func (e *StoppedError) Unwrap() error { return e.Cause }

func (p *Process) Run(ctx context.Context) error {
	cmd := exec.Command(p.opts.Argv[0], p.opts.Argv[1:]...)
	cmd.Dir = p.opts.Dir
	cmd.Env = p.environ()
	cmd.Stdout = p.opts.Stdout
	cmd.Stderr = p.opts.Stderr
	procutil.Detach(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	p.logger.Info("Engine started", logger.F("pid", cmd.Process.Pid), logger.F("binary", p.opts.Argv[0]))

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case err := <-waitCh:
		return exitError(err)
	case <-ctx.Done():
	}

	cause := context.Cause(ctx)
	forced := errors.Is(cause, ErrForced)
	stopped := &StoppedError{Cause: cause, Forced: forced}

	if !forced {
		p.logger.Info("Stopping engine", logger.F("grace", p.opts.StopGrace.String()))
		if err := procutil.SignalGroup(cmd, syscall.SIGTERM); err != nil {
			p.logger.Warn("SIGTERM failed", logger.F("error", err))
		}
		select {
		case <-waitCh:
			return stopped
		case <-time.After(p.opts.StopGrace):
			p.logger.Warn("Engine ignored SIGTERM, killing")
		}
	}
	if err := procutil.SignalGroup(cmd, syscall.SIGKILL); err != nil {
		p.logger.Warn("SIGKILL failed", logger.F("error", err))
	}
	select {
	case <-waitCh:
	case <-time.After(10 * time.Second):
		return fmt.Errorf("engine did not exit after SIGKILL: %w", stopped)
	}
	return stopped
}

func (p *Process) environ() []string {
	env := os.Environ()
	keys := make([]string, 0, len(p.opts.Env))
	for k := range p.opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+p.opts.Env[k])
	}
	return env
}

func exitError(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode()}
	}
	return err
}

// Func adapts a function to Engine.
type Func func(ctx context.Context) error

func (f Func) Run(ctx context.Context) error { return f(ctx) }
