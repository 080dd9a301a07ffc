package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// ValidationError holds details about a configuration validation failure.
type ValidationError struct {
	Field   string
	Message string
	Context string
}

func (e ValidationError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (in %s)", e.Field, e.Message, e.Context)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	if len(errs) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, e := range errs {
		msgs = append(msgs, "  - "+e.Error())
	}
	return fmt.Sprintf("validation failed with %d error(s):\n%s", len(errs), strings.Join(msgs, "\n"))
}

// HasErrors returns true if there are any validation errors.
func (errs ValidationErrors) HasErrors() bool {
	return len(errs) > 0
}

// Validator validates configuration files.
type Validator struct {
	knownWorkflows []string
}

// NewValidator creates a new config validator. An empty knownWorkflows
// list skips the workflow name check.
func NewValidator(knownWorkflows []string) *Validator {
	return &Validator{knownWorkflows: knownWorkflows}
}

// Validate checks a config for errors and returns every problem found.
func (v *Validator) Validate(cfg *Config) ValidationErrors {
	var errs ValidationErrors
	add := func(field, msg, ctx string) {
		errs = append(errs, ValidationError{Field: field, Message: msg, Context: ctx})
	}

	if cfg.Paths.JobStore == "" {
		add("job_store", "engine job store path is required", "paths")
	}
	if cfg.Paths.WorkDir == "" {
		add("work_dir", "work directory is required", "paths")
	}
	if cfg.Paths.LogDir == "" {
		add("log_dir", "log directory is required", "paths")
	}

	if cfg.Run.Attempt < 0 {
		add("attempt", "run attempt cannot be negative", "run")
	}

	for field, s := range map[string]string{
		"tracker.poll_interval":        cfg.Tracker.PollInterval,
		"snapshot.resume_interval":     cfg.Snapshot.ResumeInterval,
		"engine.stop_grace":            cfg.Engine.StopGrace,
		"registry.breaker_reset_after": cfg.Registry.BreakerResetAfter,
		"workflow.hooks.timeout":       cfg.Workflow.Hooks.Timeout,
	} {
		if s == "" {
			continue
		}
		if d, err := time.ParseDuration(s); err != nil || d <= 0 {
			add(field, fmt.Sprintf("invalid duration %q", s), "")
		}
	}

	if cfg.Snapshot.ResumeAttempts < 1 {
		add("resume_attempts", "must be at least 1", "snapshot")
	}
	if cfg.Snapshot.SchemaVersion < 1 {
		add("schema_version", "must be at least 1", "snapshot")
	}
	if cfg.Retry.DefaultRemaining < 1 {
		add("default_remaining", "must be at least 1", "retry")
	}
	if cfg.Retry.MaxDepth < 1 {
		add("max_depth", "must be at least 1", "retry")
	}

	if !slices.Contains(KnownBatchSystems, cfg.Batch.System) {
		add("system", fmt.Sprintf("unknown batch system %q, known systems: %s", cfg.Batch.System, strings.Join(KnownBatchSystems, ", ")), "batch")
	}

	if cfg.Workflow.Name == "" {
		add("name", "workflow name is required", "workflow")
	} else if len(v.knownWorkflows) > 0 && !slices.Contains(v.knownWorkflows, cfg.Workflow.Name) {
		add("name", fmt.Sprintf("unknown workflow %q, known workflows: %s", cfg.Workflow.Name, strings.Join(v.knownWorkflows, ", ")), "workflow")
	}

	if !doublestar.ValidatePattern(cfg.Tracker.StatsGlob) {
		add("stats_glob", fmt.Sprintf("invalid pattern %q", cfg.Tracker.StatsGlob), "tracker")
	}
	for i, p := range cfg.Tracker.HiddenJobs {
		if !doublestar.ValidatePattern(p) {
			add("hidden_jobs", fmt.Sprintf("invalid pattern %q", p), fmt.Sprintf("tracker.hidden_jobs[%d]", i))
		}
	}

	if _, err := parseLevel(cfg.Logging.Level); err != nil {
		add("level", err.Error(), "logging")
	}

	return errs
}

func parseLevel(s string) (string, error) {
	switch strings.ToLower(s) {
	case "", "debug", "info", "warn", "warning", "error":
		return s, nil
	}
	return "", fmt.Errorf("unknown log level %q", s)
}

// ValidateConfig is a convenience function to validate a config.
func ValidateConfig(cfg *Config, knownWorkflows []string) error {
	validator := NewValidator(knownWorkflows)
	errs := validator.Validate(cfg)
	if errs.HasErrors() {
		return errs
	}
	return nil
}
