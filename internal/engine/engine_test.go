package engine

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chr1sbest/pipetrack/internal/logger"
)

func TestProcessExitCodes(t *testing.T) {
	tests := []struct {
		name string
		argv []string
		code int
	}{
		{"success", []string{"sh", "-c", "exit 0"}, 0},
		{"failure", []string{"sh", "-c", "exit 3"}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProcess(Options{Argv: tt.argv}, logger.NewNoopLogger())
			if err != nil {
				t.Fatal(err)
			}
			err = p.Run(context.Background())
			if tt.code == 0 {
				if err != nil {
					t.Fatalf("Run: %v", err)
				}
				return
			}
			var exitErr *ExitError
			if !errors.As(err, &exitErr) || exitErr.Code != tt.code {
				t.Fatalf("Run err = %v, want exit %d", err, tt.code)
			}
		})
	}
}

func TestProcessEnvAndOutput(t *testing.T) {
	var out bytes.Buffer
	p, _ := NewProcess(Options{
		Argv:   []string{"sh", "-c", "printf %s \"$RUN_NAME\""},
		Env:    map[string]string{"RUN_NAME": "alpha"},
		Stdout: &out,
	}, logger.NewNoopLogger())
	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if out.String() != "alpha" {
		t.Errorf("stdout = %q", out.String())
	}
}

func TestProcessGracefulStop(t *testing.T) {
	p, _ := NewProcess(Options{
		Argv:      []string{"sleep", "30"},
		StopGrace: 5 * time.Second,
	}, logger.NewNoopLogger())

	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel(errors.New("user kill"))
	}()

	start := time.Now()
	err := p.Run(ctx)
	var stopped *StoppedError
	if !errors.As(err, &stopped) || stopped.Forced {
		t.Fatalf("Run err = %v, want graceful stop", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Error("sleep should exit on SIGTERM without waiting for the grace period")
	}
}

func TestProcessForcedStopSkipsGrace(t *testing.T) {
	p, _ := NewProcess(Options{
		Argv:      []string{"sh", "-c", "trap '' TERM; sleep 30"},
		StopGrace: time.Minute,
	}, logger.NewNoopLogger())

	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel(ErrForced)
	}()

	start := time.Now()
	err := p.Run(ctx)
	if !errors.Is(err, ErrForced) {
		t.Fatalf("Run err = %v, want ErrForced", err)
	}
	if time.Since(start) > 15*time.Second {
		t.Error("forced stop waited for the grace period")
	}
}

func TestNewProcessRequiresArgv(t *testing.T) {
	if _, err := NewProcess(Options{}, logger.NewNoopLogger()); err == nil {
		t.Fatal("expected an error")
	}
}
