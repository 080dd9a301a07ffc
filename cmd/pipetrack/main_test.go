package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chr1sbest/pipetrack/internal/identity"
	"github.com/chr1sbest/pipetrack/internal/killsignal"
	"github.com/chr1sbest/pipetrack/internal/track"
	"github.com/chr1sbest/pipetrack/internal/tracker"
)

func TestVersionLine(t *testing.T) {
	oldVersion, oldCommit, oldDate := version, commit, date
	defer func() { version, commit, date = oldVersion, oldCommit, oldDate }()

	tests := []struct {
		name, version, commit, date string
		want                        string
	}{
		{"release", "v1.2.3", "none", "unknown", "pipetrack version v1.2.3"},
		{"dev no metadata", "dev", "none", "unknown", "pipetrack version dev"},
		{"dev commit only", "dev", "abcdef012345", "unknown", "pipetrack version dev (commit abcdef0)"},
		{"dev date only", "dev", "none", "2026-01-18T16:00:00Z", "pipetrack version dev (built 2026-01-18T16:00:00Z)"},
		{"dev commit and date", "dev", "abcdef012345", "2026-01-18T16:00:00Z", "pipetrack version dev (commit abcdef0, built 2026-01-18T16:00:00Z)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, commit, date = tt.version, tt.commit, tt.date
			if got := versionLine(); got != tt.want {
				t.Errorf("versionLine() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRootHasCommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"leader", "kill", "status", "serve", "version"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestKillWritesRequest(t *testing.T) {
	dir := t.TempDir()
	if code := execute([]string{"kill", "--log-dir", dir, "--force"}); code != 0 {
		t.Fatalf("kill exit code = %d", code)
	}
	req, err := killsignal.Read(dir)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if req.ExitGraceful {
		t.Error("--force should request a non-graceful exit")
	}
	if req.Rejected() {
		t.Errorf("request rejected: %s", *req.ErrorMessage)
	}
}

func TestKillRejectsOtherOwner(t *testing.T) {
	dir := t.TempDir()
	err := killsignal.WriteSubmission(dir, killsignal.Submission{
		User:     "someone-else",
		Hostname: "elsewhere",
		Time:     time.Now(),
		RunUUID:  "run-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if code := execute([]string{"kill", "--log-dir", dir}); code != 1 {
		t.Errorf("kill exit code = %d, want 1", code)
	}
	req, err := killsignal.Read(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !req.Rejected() {
		t.Error("request for another user's run should carry an error message")
	}
}

func TestStatusRendersMirror(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	rs := tracker.RunState{
		RunUUID:   "run-1",
		Status:    "DONE",
		UpdatedAt: now,
		Polls:     4,
		Tools: map[string]track.ToolStatus{
			"align": {
				Submitted: map[identity.WorkUnitID]time.Time{"0-1-0": now, "0-2-0": now},
				Workers:   map[identity.WorkUnitID]*track.WorkerProgress{},
				Done:      map[identity.WorkUnitID]time.Time{"0-1-0": now},
				Exit:      map[identity.WorkUnitID]time.Time{"0-2-0": now},
			},
		},
	}
	if err := tracker.NewWriter(dir).WriteRunState(rs); err != nil {
		t.Fatal(err)
	}

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"status", "--log-dir", dir})
	if err := root.Execute(); err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"run-1", "DONE", "align", "2/2"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestStatusWithoutMirror(t *testing.T) {
	if code := execute([]string{"status", "--log-dir", t.TempDir()}); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}

func TestLeaderRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipetrack.yaml")
	if err := os.WriteFile(path, []byte("batch:\n  system: pbs\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if code := execute([]string{"leader", "--config", path}); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
}
