package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/chr1sbest/pipetrack/internal/logger"
	"github.com/chr1sbest/pipetrack/internal/resilience"
)

// Source produces the raw bytes of the engine state.
type Source interface {
	Fetch(ctx context.Context) ([]byte, error)
	String() string
}

// FileSource reads a state file the engine keeps up to date.
type FileSource struct {
	Path string
}

func (s FileSource) Fetch(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, resilience.NewTransientError(fmt.Errorf("%w: %s does not exist yet", ErrNotReady, s.Path))
		}
		return nil, resilience.NewTransientError(err)
	}
	return data, nil
}

func (s FileSource) String() string { return s.Path }

// CommandSource asks the engine's own inspection tool for the state and
// reads it from stdout.
type CommandSource struct {
	Argv []string
	Dir  string
}

func (s CommandSource) Fetch(ctx context.Context) ([]byte, error) {
	if len(s.Argv) == 0 {
		return nil, resilience.NewPermanentError(errors.New("snapshot command is empty"))
	}
	cmd := exec.CommandContext(ctx, s.Argv[0], s.Argv[1:]...)
	cmd.Dir = s.Dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return nil, resilience.NewPermanentError(err)
		}
		return nil, resilience.NewTransientError(fmt.Errorf("%w: %v: %s", ErrNotReady, err, bytes.TrimSpace(stderr.Bytes())))
	}
	return out, nil
}

func (s CommandSource) String() string { return fmt.Sprintf("%v", s.Argv) }

// ErrResumeExhausted is returned by Resume once the retry ceiling is hit.
var ErrResumeExhausted = errors.New("snapshot resume exhausted")

// ReaderOptions configures a Reader.
type ReaderOptions struct {
	SchemaVersion  int
	ResumeAttempts int
	ResumeInterval time.Duration
}

// Reader obtains consistent snapshots from a Source.
type Reader struct {
	src    Source
	opts   ReaderOptions
	policy resilience.RetryPolicy
	logger logger.Logger
}

// NewReader creates a reader. Zero options fall back to schema version 1,
// 5000 attempts and a 5s interval.
func NewReader(src Source, opts ReaderOptions, log logger.Logger) *Reader {
	if opts.SchemaVersion < 1 {
		opts.SchemaVersion = 1
	}
	if opts.ResumeAttempts < 1 {
		opts.ResumeAttempts = 5000
	}
	if opts.ResumeInterval <= 0 {
		opts.ResumeInterval = 5 * time.Second
	}
	return &Reader{
		src:    src,
		opts:   opts,
		policy: resilience.SnapshotResume(opts.ResumeAttempts, opts.ResumeInterval),
		logger: logger.Component(log, "snapshot"),
	}
}

// ReadOnce makes a single attempt.
func (r *Reader) ReadOnce(ctx context.Context) (*Snapshot, error) {
	data, err := r.src.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return Decode(data, r.opts.SchemaVersion)
}

// Resume reads a snapshot, retrying transient failures on a fixed interval.
// Cancellation of ctx abandons the read and returns ctx.Err(). A permanent
// failure or an exhausted ceiling is returned wrapped in ErrResumeExhausted;
// callers treat both as fatal.
func (r *Reader) Resume(ctx context.Context) (*Snapshot, error) {
	var snap *Snapshot
	attempts := 0

	err := resilience.RetryWithCallback(ctx, r.policy.ToConfig(), func(ctx context.Context) error {
		attempts++
		s, err := r.ReadOnce(ctx)
		if err != nil {
			return err
		}
		snap = s
		return nil
	}, func(attempt int, err error, next time.Duration) {
		fields := []logger.Field{
			logger.F("source", r.src.String()),
			logger.F("attempt", attempt),
			logger.F("max_attempts", r.opts.ResumeAttempts),
			logger.F("error", err),
		}
		if attempt == 1 {
			r.logger.Warn("Engine state unavailable, retrying", fields...)
			return
		}
		r.logger.Debug("Engine state still unavailable", fields...)
	})

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return nil, fmt.Errorf("%w after %d attempt(s) from %s: %v", ErrResumeExhausted, attempts, r.src.String(), err)
	}
	return snap, nil
}
