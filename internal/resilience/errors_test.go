package resilience

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"testing"
)

func TestIsPermanentError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"wrapped permanent", fmt.Errorf("read: %w", NewPermanentError(errors.New("bad"))), true},
		{"transient wins over ENOENT", NewTransientError(&os.PathError{Op: "open", Path: "x", Err: syscall.ENOENT}), false},
		{"bare ENOENT", &os.PathError{Op: "open", Path: "x", Err: syscall.ENOENT}, true},
		{"permission", &os.PathError{Op: "open", Path: "x", Err: syscall.EACCES}, true},
		{"cancelled", context.Canceled, true},
		{"busy", syscall.EBUSY, false},
		{"interrupted", &os.SyscallError{Syscall: "read", Err: syscall.EINTR}, false},
		{"disk full", &os.PathError{Op: "write", Path: "x", Err: syscall.ENOSPC}, true},
		{"io deadline", fmt.Errorf("read state: %w", os.ErrDeadlineExceeded), false},
		{"scheduler missing", &exec.Error{Name: "bkill", Err: exec.ErrNotFound}, true},
		{"outer transient mark wins", NewTransientError(fmt.Errorf("retry: %w", NewPermanentError(errors.New("x")))), false},
		{"outer permanent mark wins", NewPermanentError(NewTransientError(errors.New("x"))), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanentError(tt.err); got != tt.want {
				t.Errorf("IsPermanentError(%v) = %v, want %v", tt.err, got, tt.want)
			}
			if tt.err != nil && IsTransientError(tt.err) == tt.want {
				t.Errorf("IsTransientError should be the complement for %v", tt.err)
			}
		})
	}
}

func TestNewErrorWrappersNil(t *testing.T) {
	if NewPermanentError(nil) != nil || NewTransientError(nil) != nil {
		t.Fatal("wrapping nil should return nil")
	}
}
