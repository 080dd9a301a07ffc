package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Paths = PathsConfig{JobStore: "/js", WorkDir: "/wd", LogDir: "/ld"}
	return cfg
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if errs := NewValidator([]string{"cwl", "command"}).Validate(validConfig()); errs.HasErrors() {
		t.Fatalf("unexpected errors: %v", errs)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := validConfig()
	cfg.Tracker.PollInterval = "soon"
	cfg.Retry.MaxDepth = -1
	cfg.Workflow.Name = "nextflow"
	cfg.Tracker.HiddenJobs = []string{"[unclosed"}
	cfg.Logging.Level = "chatty"

	errs := NewValidator([]string{"cwl"}).Validate(cfg)
	if len(errs) != 5 {
		t.Fatalf("expected 5 errors, got %d: %v", len(errs), errs)
	}

	msg := errs.Error()
	for _, want := range []string{"invalid duration", "max_depth", "unknown workflow", "invalid pattern", "unknown log level"} {
		if !strings.Contains(msg, want) {
			t.Errorf("missing %q in %s", want, msg)
		}
	}
}

func TestValidateConfigNilOnSuccess(t *testing.T) {
	if err := ValidateConfig(validConfig(), nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}
