// Package liveness promotes submitted work units to running by finding the
// heartbeat files their workers write.
package liveness

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/chr1sbest/pipetrack/internal/logger"
)

// Target receives heartbeats. It returns false when stream does not belong
// to a known work unit yet.
type Target interface {
	MarkAlive(stream string, started, lastModified time.Time, logPath string) bool
}

// Options configures a Scanner.
type Options struct {
	// Root is the run's working directory.
	Root string
	// HeartbeatFile is the worker log file name (default worker_log.txt).
	HeartbeatFile string
	// JobStateFile is the per-job pointer file next to the heartbeat
	// (default .jobState).
	JobStateFile string
	Now          func() time.Time
}

// Result counts what one scan saw.
type Result struct {
	Heartbeats int
	Resolved   int
	Unresolved int
}

// Scanner walks the working directory for heartbeats. A heartbeat is
// resolved to its progress streams once; later scans only refresh the
// last-modified time.
type Scanner struct {
	opts   Options
	fsys   fs.FS
	known  map[string][]string
	logger logger.Logger
}

// NewScanner creates a scanner rooted at opts.Root.
func NewScanner(opts Options, log logger.Logger) *Scanner {
	if opts.HeartbeatFile == "" {
		opts.HeartbeatFile = "worker_log.txt"
	}
	if opts.JobStateFile == "" {
		opts.JobStateFile = ".jobState"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scanner{
		opts:   opts,
		fsys:   os.DirFS(opts.Root),
		known:  make(map[string][]string),
		logger: logger.Component(log, "liveness"),
	}
}

// Scan finds every heartbeat under the root and reports it to target.
// Errors are logged and never returned.
func (s *Scanner) Scan(ctx context.Context, target Target) Result {
	var res Result
	if _, err := os.Stat(s.opts.Root); err != nil {
		s.logger.Debug("Working directory not available", logger.F("root", s.opts.Root), logger.F("error", err))
		return res
	}

	heartbeats, err := doublestar.Glob(s.fsys, "**/"+s.opts.HeartbeatFile, doublestar.WithFilesOnly())
	if err != nil {
		s.logger.Warn("Heartbeat glob failed", logger.F("error", err))
		return res
	}
	sort.Strings(heartbeats)

	now := s.opts.Now()
	for _, rel := range heartbeats {
		if ctx.Err() != nil {
			break
		}
		res.Heartbeats++

		info, err := fs.Stat(s.fsys, rel)
		if err != nil {
			continue
		}
		logPath := filepath.Join(s.opts.Root, filepath.FromSlash(rel))

		streams, cached := s.known[rel]
		if !cached {
			streams = s.resolve(path.Dir(rel))
		}

		matched := false
		for _, stream := range streams {
			if target.MarkAlive(stream, now, info.ModTime(), logPath) {
				matched = true
			}
		}
		if !matched {
			res.Unresolved++
			continue
		}
		if !cached {
			s.known[rel] = streams
		}
		res.Resolved++
	}
	return res
}

// resolve reads every job state file under dir and returns the progress
// streams they point at.
func (s *Scanner) resolve(dir string) []string {
	sub, err := fs.Sub(s.fsys, dir)
	if err != nil {
		return nil
	}
	files, err := doublestar.Glob(sub, "**/"+s.opts.JobStateFile, doublestar.WithFilesOnly())
	if err != nil {
		return nil
	}
	sort.Strings(files)

	var streams []string
	for _, f := range files {
		stream, err := readJobState(sub, f)
		if err != nil {
			s.logger.Debug("Job state not readable yet", logger.F("file", f), logger.F("error", err))
			continue
		}
		if stream != "" {
			streams = append(streams, stream)
		}
	}
	return streams
}

type jobState struct {
	ProgressStream string `json:"progress_stream"`
	JobStream      string `json:"job_stream"`
	JobName        string `json:"jobName"`
}

func readJobState(fsys fs.FS, name string) (string, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return "", err
	}
	var st jobState
	if err := json.Unmarshal(data, &st); err != nil {
		return "", err
	}
	switch {
	case st.ProgressStream != "":
		return st.ProgressStream, nil
	case st.JobStream != "":
		return st.JobStream, nil
	default:
		return st.JobName, nil
	}
}
