package config

// Batch systems the leader knows how to cancel.
const (
	BatchSingleMachine = "singleMachine"
	BatchLSF           = "lsf"
	BatchSlurm         = "slurm"
)

// KnownBatchSystems lists the accepted values of batch.system.
var KnownBatchSystems = []string{BatchSingleMachine, BatchLSF, BatchSlurm}

// DefaultHiddenJobs are engine bookkeeping jobs that never represent a tool.
var DefaultHiddenJobs = []string{
	"CWLJobWrapper",
	"CWLWorkflow",
	"CWLScatter",
	"CWLGather",
	"ResolveIndirect",
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every zero-valued setting.
func ApplyDefaults(cfg *Config) {
	setString(&cfg.Tracker.PollInterval, "2s")
	setString(&cfg.Tracker.HeartbeatFile, "worker_log.txt")
	setString(&cfg.Tracker.JobStateFile, ".jobState")
	setString(&cfg.Tracker.StatsGlob, "tmp/**/stats*")
	if cfg.Tracker.HiddenJobs == nil {
		cfg.Tracker.HiddenJobs = append([]string(nil), DefaultHiddenJobs...)
	}

	setString(&cfg.Snapshot.Path, "state/snapshot.json")
	setInt(&cfg.Snapshot.SchemaVersion, 1)
	setString(&cfg.Snapshot.ResumeInterval, "5s")
	setInt(&cfg.Snapshot.ResumeAttempts, 5000)

	setInt(&cfg.Retry.DefaultRemaining, 1)
	setInt(&cfg.Retry.MaxDepth, 1)

	setString(&cfg.Engine.Binary, "cwltoil")
	setString(&cfg.Engine.StopGrace, "30s")

	setString(&cfg.Batch.System, BatchSingleMachine)

	setString(&cfg.Registry.Path, "registry.db")
	setInt(&cfg.Registry.BreakerThreshold, 5)
	setString(&cfg.Registry.BreakerResetAfter, "30s")

	setString(&cfg.Workflow.Name, "cwl")
	setString(&cfg.Workflow.Hooks.Timeout, "5m")

	setString(&cfg.Logging.Level, "info")
	setString(&cfg.Logging.File, "leader.log")

	setString(&cfg.API.Addr, ":8080")
}

func setString(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if *dst == 0 {
		*dst = v
	}
}
