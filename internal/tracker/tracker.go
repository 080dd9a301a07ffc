// Package tracker mirrors the leader's view of a run into its log directory
// so that the status command and operators can read it without a registry.
package tracker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// File names inside the log directory.
const (
	RunStateFile = "run_state.json"
	MetricsFile  = "poll_metrics.json"
	LockFile     = ".pipetrack_lock"
	PIDFile      = "leader.pid"
)

type Writer struct {
	Dir          string
	RunStatePath string
	LockPath     string
	MetricsPath  string
	PIDPath      string
}

func NewWriter(dir string) *Writer {
	return &Writer{
		Dir:          dir,
		RunStatePath: filepath.Join(dir, RunStateFile),
		LockPath:     filepath.Join(dir, LockFile),
		MetricsPath:  filepath.Join(dir, MetricsFile),
		PIDPath:      filepath.Join(dir, PIDFile),
	}
}

func (w *Writer) WriteRunState(s RunState) error {
	return writeJSONAtomic(w.RunStatePath, s)
}

// WritePID records the leader pid.
func (w *Writer) WritePID(pid int) error {
	return os.WriteFile(w.PIDPath, []byte(fmt.Sprintf("%d\n", pid)), 0644)
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}

	tmp := fmt.Sprintf("%s.tmp.%d", path, time.Now().UnixNano())
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
