// Package batch cancels the jobs a run has placed on its batch system.
package batch

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/chr1sbest/pipetrack/internal/config"
	"github.com/chr1sbest/pipetrack/internal/logger"
	"github.com/chr1sbest/pipetrack/internal/procutil"
)

// Runner runs a scheduler command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Canceller cancels jobs on one batch system.
type Canceller interface {
	Name() string
	// CancelIssued cancels jobs by the batch ids the engine recorded.
	CancelIssued(ctx context.Context, ids []string) error
	// OutOfBand reports whether the system also needs CancelRun, because
	// it may hold jobs the engine never recorded.
	OutOfBand() bool
	// CancelRun cancels every job tagged with the run uuid.
	CancelRun(ctx context.Context, runUUID string) error
}

// New returns the canceller for system. A nil runner uses ExecRunner.
func New(system string, runner Runner, log logger.Logger) (Canceller, error) {
	if runner == nil {
		runner = ExecRunner{}
	}
	log = logger.Component(log, "batch")
	switch system {
	case config.BatchSingleMachine, "":
		return &singleMachine{logger: log}, nil
	case config.BatchLSF:
		return &lsf{runner: runner, logger: log}, nil
	case config.BatchSlurm:
		return &slurm{runner: runner, logger: log}, nil
	default:
		return nil, fmt.Errorf("unknown batch system %q", system)
	}
}

// singleMachine jobs are local processes; their batch ids are pids.
type singleMachine struct {
	logger logger.Logger
}

func (s *singleMachine) Name() string    { return config.BatchSingleMachine }
func (s *singleMachine) OutOfBand() bool { return false }

func (s *singleMachine) CancelIssued(ctx context.Context, ids []string) error {
	var errs []error
	for _, id := range ids {
		pid, err := strconv.Atoi(id)
		if err != nil || pid <= 0 {
			errs = append(errs, fmt.Errorf("batch id %q is not a pid", id))
			continue
		}
		if err := procutil.Signal(pid, syscall.SIGTERM); err != nil {
			errs = append(errs, fmt.Errorf("signal pid %d: %w", pid, err))
			continue
		}
		s.logger.Debug("Sent SIGTERM", logger.F("pid", pid))
	}
	return errors.Join(errs...)
}

func (s *singleMachine) CancelRun(ctx context.Context, runUUID string) error { return nil }

type lsf struct {
	runner Runner
	logger logger.Logger
}

func (l *lsf) Name() string    { return config.BatchLSF }
func (l *lsf) OutOfBand() bool { return true }

func (l *lsf) CancelIssued(ctx context.Context, ids []string) error {
	return killEach(ctx, l.runner, l.logger, "bkill", ids)
}

// CancelRun lists the run's project jobs and kills each one.
func (l *lsf) CancelRun(ctx context.Context, runUUID string) error {
	out, err := l.runner.Run(ctx, "bjobs", "-P", runUUID, "-o", "jobid delimiter=','", "-noheader")
	if err != nil {
		return fmt.Errorf("list project jobs: %w", err)
	}
	return killEach(ctx, l.runner, l.logger, "bkill", parseJobIDs(string(out)))
}

type slurm struct {
	runner Runner
	logger logger.Logger
}

func (s *slurm) Name() string    { return config.BatchSlurm }
func (s *slurm) OutOfBand() bool { return true }

func (s *slurm) CancelIssued(ctx context.Context, ids []string) error {
	return killEach(ctx, s.runner, s.logger, "scancel", ids)
}

// CancelRun cancels every job whose name is the run uuid.
func (s *slurm) CancelRun(ctx context.Context, runUUID string) error {
	if _, err := s.runner.Run(ctx, "scancel", "--name", runUUID); err != nil {
		return err
	}
	s.logger.Debug("Cancelled jobs by name", logger.F("name", runUUID))
	return nil
}

func killEach(ctx context.Context, runner Runner, log logger.Logger, bin string, ids []string) error {
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if _, err := runner.Run(ctx, bin, id); err != nil {
			errs = append(errs, err)
			continue
		}
		log.Debug("Cancelled batch job", logger.F("job", id))
	}
	return errors.Join(errs...)
}

// parseJobIDs splits bjobs output, one id per line with an optional
// trailing delimiter.
func parseJobIDs(out string) []string {
	var ids []string
	for _, line := range strings.Split(out, "\n") {
		for _, field := range strings.Split(line, ",") {
			field = strings.TrimSpace(field)
			if field == "" || strings.HasPrefix(field, "No ") {
				continue
			}
			ids = append(ids, field)
		}
	}
	return ids
}
