package config

import (
	"path/filepath"
	"time"
)

// Config is the leader configuration. One value is built at start-up and
// handed to every constructor that needs part of it.
type Config struct {
	Run      RunConfig      `json:"run" yaml:"run"`
	Paths    PathsConfig    `json:"paths" yaml:"paths"`
	Tracker  TrackerConfig  `json:"tracker" yaml:"tracker"`
	Snapshot SnapshotConfig `json:"snapshot" yaml:"snapshot"`
	Retry    RetryConfig    `json:"retry" yaml:"retry"`
	Engine   EngineConfig   `json:"engine" yaml:"engine"`
	Batch    BatchConfig    `json:"batch" yaml:"batch"`
	Registry RegistryConfig `json:"registry" yaml:"registry"`
	Workflow WorkflowConfig `json:"workflow" yaml:"workflow"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	API      APIConfig      `json:"api" yaml:"api"`
}

// RunConfig identifies the run being led.
type RunConfig struct {
	UUID            string `json:"uuid,omitempty" yaml:"uuid,omitempty"`
	ProjectID       string `json:"project_id,omitempty" yaml:"project_id,omitempty"`
	PipelineName    string `json:"pipeline_name,omitempty" yaml:"pipeline_name,omitempty"`
	PipelineVersion string `json:"pipeline_version,omitempty" yaml:"pipeline_version,omitempty"`
	Attempt         int    `json:"attempt,omitempty" yaml:"attempt,omitempty"`
	Restart         bool   `json:"restart,omitempty" yaml:"restart,omitempty"`
}

// PathsConfig locates the engine job store and the run directories.
type PathsConfig struct {
	JobStore  string `json:"job_store" yaml:"job_store"`
	WorkDir   string `json:"work_dir" yaml:"work_dir"`
	LogDir    string `json:"log_dir" yaml:"log_dir"`
	OutputDir string `json:"output_dir,omitempty" yaml:"output_dir,omitempty"`
	TmpDir    string `json:"tmp_dir,omitempty" yaml:"tmp_dir,omitempty"`
}

// TrackerConfig tunes the reconciler loop.
type TrackerConfig struct {
	PollInterval  string   `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	HeartbeatFile string   `json:"heartbeat_file,omitempty" yaml:"heartbeat_file,omitempty"`
	JobStateFile  string   `json:"job_state_file,omitempty" yaml:"job_state_file,omitempty"`
	StatsGlob     string   `json:"stats_glob,omitempty" yaml:"stats_glob,omitempty"`
	HiddenJobs    []string `json:"hidden_jobs,omitempty" yaml:"hidden_jobs,omitempty"`
	ShowInternal  bool     `json:"show_internal,omitempty" yaml:"show_internal,omitempty"`
}

// SnapshotConfig describes where the engine's execution state comes from.
type SnapshotConfig struct {
	Path           string   `json:"path,omitempty" yaml:"path,omitempty"`
	Command        []string `json:"command,omitempty" yaml:"command,omitempty"`
	SchemaVersion  int      `json:"schema_version,omitempty" yaml:"schema_version,omitempty"`
	ResumeInterval string   `json:"resume_interval,omitempty" yaml:"resume_interval,omitempty"`
	ResumeAttempts int      `json:"resume_attempts,omitempty" yaml:"resume_attempts,omitempty"`
}

// RetryConfig models the engine's retry bookkeeping.
type RetryConfig struct {
	// DefaultRemaining is the remaining-retry-count the engine stamps on a
	// job's first retry. Fresh jobs carry one more than this.
	DefaultRemaining int `json:"default_remaining,omitempty" yaml:"default_remaining,omitempty"`
	// MaxDepth caps retry suffixes.
	MaxDepth int `json:"max_depth,omitempty" yaml:"max_depth,omitempty"`
}

// EngineConfig describes the foreground engine process.
type EngineConfig struct {
	Binary    string            `json:"binary,omitempty" yaml:"binary,omitempty"`
	ExtraArgs []string          `json:"extra_args,omitempty" yaml:"extra_args,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	StopGrace string            `json:"stop_grace,omitempty" yaml:"stop_grace,omitempty"`
}

// BatchConfig names the batch system the engine submits to.
type BatchConfig struct {
	System string `json:"system,omitempty" yaml:"system,omitempty"`
}

// RegistryConfig configures the run registry document store.
type RegistryConfig struct {
	Enabled           *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Path              string `json:"path,omitempty" yaml:"path,omitempty"`
	BreakerThreshold  int    `json:"breaker_threshold,omitempty" yaml:"breaker_threshold,omitempty"`
	BreakerResetAfter string `json:"breaker_reset_after,omitempty" yaml:"breaker_reset_after,omitempty"`
}

// WorkflowConfig selects a workflow variant and its parameters.
type WorkflowConfig struct {
	Name   string            `json:"name" yaml:"name"`
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
	Hooks  HooksConfig       `json:"hooks,omitempty" yaml:"hooks,omitempty"`
}

// HooksConfig holds shell commands run on workflow transitions.
type HooksConfig struct {
	OnStart    string `json:"on_start,omitempty" yaml:"on_start,omitempty"`
	OnSuccess  string `json:"on_success,omitempty" yaml:"on_success,omitempty"`
	OnFail     string `json:"on_fail,omitempty" yaml:"on_fail,omitempty"`
	OnComplete string `json:"on_complete,omitempty" yaml:"on_complete,omitempty"`
	Timeout    string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// LoggingConfig controls the leader log.
type LoggingConfig struct {
	Level string `json:"level,omitempty" yaml:"level,omitempty"`
	File  string `json:"file,omitempty" yaml:"file,omitempty"`
}

// APIConfig configures the read-only HTTP view.
type APIConfig struct {
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`
}

// RegistryEnabled reports whether registry pushes are on (default true).
func (c *Config) RegistryEnabled() bool {
	if c.Registry.Enabled == nil {
		return true
	}
	return *c.Registry.Enabled
}

// RegistryPath returns the registry database path, relative paths resolved
// against the log directory.
func (c *Config) RegistryPath() string {
	if filepath.IsAbs(c.Registry.Path) || c.Paths.LogDir == "" {
		return c.Registry.Path
	}
	return filepath.Join(c.Paths.LogDir, c.Registry.Path)
}

// SnapshotPath returns the snapshot file path, relative paths resolved
// against the job store.
func (c *Config) SnapshotPath() string {
	if filepath.IsAbs(c.Snapshot.Path) {
		return c.Snapshot.Path
	}
	return filepath.Join(c.Paths.JobStore, c.Snapshot.Path)
}

// GetPollInterval parses the reconciler interval.
func (c *Config) GetPollInterval() time.Duration {
	return parseDuration(c.Tracker.PollInterval, 2*time.Second)
}

// GetResumeInterval parses the snapshot resume interval.
func (c *Config) GetResumeInterval() time.Duration {
	return parseDuration(c.Snapshot.ResumeInterval, 5*time.Second)
}

// GetStopGrace parses how long the engine gets between SIGTERM and SIGKILL.
func (c *Config) GetStopGrace() time.Duration {
	return parseDuration(c.Engine.StopGrace, 30*time.Second)
}

// GetBreakerResetAfter parses the registry circuit breaker reset duration.
func (c *Config) GetBreakerResetAfter() time.Duration {
	return parseDuration(c.Registry.BreakerResetAfter, 30*time.Second)
}

// GetHookTimeout parses the workflow hook timeout.
func (c *Config) GetHookTimeout() time.Duration {
	return parseDuration(c.Workflow.Hooks.Timeout, 5*time.Minute)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
