package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadFileYAML(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PT_WORK", "/scratch/work")
	path := writeFile(t, dir, "leader.yaml", `
run:
  uuid: 0d6f
  attempt: 2
  restart: true
paths:
  job_store: /scratch/jobstore
  work_dir: ${PT_WORK}
  log_dir: /scratch/log
batch:
  system: lsf
tracker:
  poll_interval: 1s
`)

	cfg, err := NewLoader(dir).LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Run.UUID != "0d6f" || cfg.Run.Attempt != 2 || !cfg.Run.Restart {
		t.Errorf("run section not decoded: %+v", cfg.Run)
	}
	if cfg.Paths.WorkDir != "/scratch/work" {
		t.Errorf("env expansion failed: %q", cfg.Paths.WorkDir)
	}
	if cfg.GetPollInterval() != time.Second {
		t.Errorf("poll interval = %v", cfg.GetPollInterval())
	}
	if cfg.Snapshot.ResumeAttempts != 5000 || cfg.GetResumeInterval() != 5*time.Second {
		t.Errorf("defaults not applied: %+v", cfg.Snapshot)
	}
	if cfg.SnapshotPath() != "/scratch/jobstore/state/snapshot.json" {
		t.Errorf("SnapshotPath = %q", cfg.SnapshotPath())
	}
	if cfg.RegistryPath() != "/scratch/log/registry.db" {
		t.Errorf("RegistryPath = %q", cfg.RegistryPath())
	}
	if !cfg.RegistryEnabled() {
		t.Error("registry should default to enabled")
	}
}

func TestLoadFileJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "leader.json", `{
  "paths": {"job_store": "js", "work_dir": "wd", "log_dir": "ld"},
  "registry": {"enabled": false},
  "retry": {"max_depth": 3}
}`)

	cfg, err := NewLoader(dir).LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.RegistryEnabled() {
		t.Error("registry.enabled=false ignored")
	}
	if cfg.Retry.MaxDepth != 3 || cfg.Retry.DefaultRemaining != 1 {
		t.Errorf("retry = %+v", cfg.Retry)
	}
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"bad.yaml": "trackr:\n  poll_interval: 1s\n",
		"bad.json": `{"trackr": {}}`,
	} {
		path := writeFile(t, dir, name, body)
		if _, err := NewLoader(dir).LoadFile(path); err == nil {
			t.Errorf("%s: expected unknown-key error", name)
		}
	}
}

func TestLoadDefaultMissingFile(t *testing.T) {
	cfg, err := NewLoader(t.TempDir()).LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault: %v", err)
	}
	if cfg.Batch.System != BatchSingleMachine {
		t.Errorf("expected defaults, got batch system %q", cfg.Batch.System)
	}
}

func TestLoadAndValidate(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "leader.yaml", "batch:\n  system: pbs\n")

	_, err := NewLoader(dir).LoadAndValidate(path, []string{"cwl"})
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"job_store", "unknown batch system"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}
