package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/chr1sbest/pipetrack/internal/procutil"
)

// Lock is the content of the leader lock file.
type Lock struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	RunUUID   string    `json:"run_uuid"`
}

var ErrLockHeld = errors.New("leader lock is held")

// AcquireLock makes this process the only leader of the log directory. A
// lock left by a dead process is replaced.
func (w *Writer) AcquireLock(runUUID string) (func() error, error) {
	pid := os.Getpid()

	// Try to create lock file exclusively (O_EXCL fails if file exists)
	l := Lock{PID: pid, StartedAt: time.Now(), RunUUID: runUUID}
	data, err := json.MarshalIndent(l, "", "    ")
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(w.LockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			// Lock file exists - check if stale
			if b, readErr := os.ReadFile(w.LockPath); readErr == nil {
				var existing Lock
				if json.Unmarshal(b, &existing) == nil && existing.PID > 0 {
					if procutil.PIDAlive(existing.PID) {
						return nil, fmt.Errorf("%w by pid %d (run=%s)", ErrLockHeld, existing.PID, existing.RunUUID)
					}
					// Process is dead, remove stale lock and retry once
					if removeErr := os.Remove(w.LockPath); removeErr == nil {
						return w.AcquireLock(runUUID)
					}
				}
			}
			return nil, fmt.Errorf("%w (lock file exists)", ErrLockHeld)
		}
		return nil, err
	}

	// Write lock data with fsync
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(w.LockPath)
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(w.LockPath)
		return nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(w.LockPath)
		return nil, err
	}

	release := func() error {
		return os.Remove(w.LockPath)
	}
	return release, nil
}
