package liveness

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chr1sbest/pipetrack/internal/logger"
)

type heartbeat struct {
	started, lastModified time.Time
	logPath               string
}

type recordingTarget struct {
	known map[string]bool
	seen  map[string][]heartbeat
}

func (r *recordingTarget) MarkAlive(stream string, started, lastModified time.Time, logPath string) bool {
	if !r.known[stream] {
		return false
	}
	r.seen[stream] = append(r.seen[stream], heartbeat{started, lastModified, logPath})
	return true
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestScanResolvesThroughJobState(t *testing.T) {
	root := t.TempDir()
	worker := filepath.Join(root, "toil-wf", "worker-a")
	writeFile(t, filepath.Join(worker, "worker_log.txt"), "started\n")
	writeFile(t, filepath.Join(worker, "job-1", ".jobState"), `{"job_stream": "a/b/stream7"}`)

	orphan := filepath.Join(root, "toil-wf", "worker-b")
	writeFile(t, filepath.Join(orphan, "worker_log.txt"), "started\n")
	writeFile(t, filepath.Join(orphan, ".jobState"), `{"jobName": "a/c/stream9"}`)

	target := &recordingTarget{known: map[string]bool{"a/b/stream7": true}, seen: map[string][]heartbeat{}}
	clock := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	s := NewScanner(Options{Root: root, Now: func() time.Time { return clock }}, logger.NewNoopLogger())

	res := s.Scan(context.Background(), target)
	if res.Heartbeats != 2 || res.Resolved != 1 || res.Unresolved != 1 {
		t.Fatalf("result = %+v", res)
	}
	hb := target.seen["a/b/stream7"]
	if len(hb) != 1 || !hb[0].started.Equal(clock) || filepath.Base(hb[0].logPath) != "worker_log.txt" {
		t.Errorf("heartbeat = %+v", hb)
	}

	// The orphan resolves once its stream is known.
	target.known["a/c/stream9"] = true
	clock = clock.Add(time.Minute)
	res = s.Scan(context.Background(), target)
	if res.Resolved != 2 || res.Unresolved != 0 {
		t.Fatalf("second result = %+v", res)
	}
	if len(target.seen["a/b/stream7"]) != 2 || len(target.seen["a/c/stream9"]) != 1 {
		t.Errorf("seen = %+v", target.seen)
	}
}

func TestScanCachesResolution(t *testing.T) {
	root := t.TempDir()
	worker := filepath.Join(root, "w")
	writeFile(t, filepath.Join(worker, "worker_log.txt"), "x")
	statePath := filepath.Join(worker, ".jobState")
	writeFile(t, statePath, `{"progress_stream": "s1"}`)

	target := &recordingTarget{known: map[string]bool{"s1": true}, seen: map[string][]heartbeat{}}
	s := NewScanner(Options{Root: root}, logger.NewNoopLogger())
	s.Scan(context.Background(), target)

	if err := os.Remove(statePath); err != nil {
		t.Fatal(err)
	}
	mtime := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if err := os.Chtimes(filepath.Join(worker, "worker_log.txt"), mtime, mtime); err != nil {
		t.Fatal(err)
	}

	if res := s.Scan(context.Background(), target); res.Resolved != 1 {
		t.Fatalf("cached heartbeat should still resolve, got %+v", res)
	}
	last := target.seen["s1"][len(target.seen["s1"])-1]
	if !last.lastModified.Equal(mtime) {
		t.Errorf("last modified = %v, want %v", last.lastModified, mtime)
	}
}

func TestScanMissingRoot(t *testing.T) {
	s := NewScanner(Options{Root: filepath.Join(t.TempDir(), "absent")}, logger.NewNoopLogger())
	target := &recordingTarget{known: map[string]bool{}, seen: map[string][]heartbeat{}}
	if res := s.Scan(context.Background(), target); res != (Result{}) {
		t.Errorf("result = %+v", res)
	}
}

func TestScanMalformedJobState(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "w", "worker_log.txt"), "x")
	writeFile(t, filepath.Join(root, "w", ".jobState"), `{"job_str`)

	target := &recordingTarget{known: map[string]bool{}, seen: map[string][]heartbeat{}}
	res := NewScanner(Options{Root: root}, logger.NewNoopLogger()).Scan(context.Background(), target)
	if res.Unresolved != 1 {
		t.Errorf("result = %+v", res)
	}
}
