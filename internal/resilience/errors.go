package resilience

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"syscall"
)

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// NewPermanentError marks err as not worth retrying. A nil err stays nil.
func NewPermanentError(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// TransientError marks a failure that is expected to clear up, such as
// engine state that has not been written yet. The mark overrides the
// classification of the wrapped error, so a missing file can be retried.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError marks err as retryable. A nil err stays nil.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsPermanentError reports whether err should end a retry loop. Explicit
// marks win; the outermost mark decides when both are present.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		switch e.(type) {
		case *PermanentError:
			return true
		case *TransientError:
			return false
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return permanentByKind(err)
}

// IsTransientError reports whether err may succeed on a later attempt.
func IsTransientError(err error) bool {
	return err != nil && !IsPermanentError(err)
}

// Errnos seen from the state file, the registry database and the batch
// commands.
var (
	permanentErrnos = []syscall.Errno{syscall.ENOTDIR, syscall.EISDIR, syscall.ENOSPC, syscall.EROFS}
	transientErrnos = []syscall.Errno{syscall.EBUSY, syscall.EAGAIN, syscall.EINTR, syscall.ETIMEDOUT}
)

// permanentByKind classifies unmarked errors. Anything unknown is retried.
func permanentByKind(err error) bool {
	// A scheduler command that is not installed will not appear later.
	if errors.Is(err, exec.ErrNotFound) {
		return true
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return false
	}
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return true
	}
	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return false
		}
	}
	for _, errno := range permanentErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
