package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/chr1sbest/pipetrack/internal/banner"
	"github.com/chr1sbest/pipetrack/internal/batch"
	"github.com/chr1sbest/pipetrack/internal/config"
	"github.com/chr1sbest/pipetrack/internal/engine"
	"github.com/chr1sbest/pipetrack/internal/identity"
	"github.com/chr1sbest/pipetrack/internal/killsignal"
	"github.com/chr1sbest/pipetrack/internal/lifecycle"
	"github.com/chr1sbest/pipetrack/internal/liveness"
	"github.com/chr1sbest/pipetrack/internal/logger"
	"github.com/chr1sbest/pipetrack/internal/loop"
	"github.com/chr1sbest/pipetrack/internal/registry"
	"github.com/chr1sbest/pipetrack/internal/resilience"
	"github.com/chr1sbest/pipetrack/internal/snapshot"
	"github.com/chr1sbest/pipetrack/internal/status"
	"github.com/chr1sbest/pipetrack/internal/track"
	"github.com/chr1sbest/pipetrack/internal/tracker"
	"github.com/chr1sbest/pipetrack/internal/workflow"
)

type leaderOptions struct {
	runUUID string
	attempt int
	restart bool
}

func newLeaderCmd(root *rootOptions) *cobra.Command {
	opts := &leaderOptions{}
	cmd := &cobra.Command{
		Use:   "leader",
		Short: "Run the engine and track the run until it ends",
		Long: `leader starts the configured workflow engine in the foreground and
tracks the run in the background until the engine exits or the run is
killed. It exits 0 when the run completed and 1 when it failed or was
cancelled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("run-uuid") {
				cfg.Run.UUID = opts.runUUID
			}
			if cmd.Flags().Changed("attempt") {
				cfg.Run.Attempt = opts.attempt
			}
			if cmd.Flags().Changed("restart") {
				cfg.Run.Restart = opts.restart
			}
			if root.debug {
				cfg.Logging.Level = "debug"
			}
			if code := runLeader(cmd.Context(), cfg); code != lifecycle.ExitDone {
				return exitCode(code)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.runUUID, "run-uuid", "", "run uuid (default: from config, else generated)")
	cmd.Flags().IntVar(&opts.attempt, "attempt", 0, "run attempt counter")
	cmd.Flags().BoolVar(&opts.restart, "restart", false, "restart an existing job store")
	return cmd
}

func runLeader(ctx context.Context, cfg *config.Config) int {
	if cfg.Run.UUID == "" {
		cfg.Run.UUID = tracker.NewRunUUID()
	}
	logDir := cfg.Paths.LogDir
	if err := os.MkdirAll(logDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create log directory: %v\n", err)
		return lifecycle.ExitFailed
	}

	log, closeLog, err := leaderLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open leader log: %v\n", err)
		return lifecycle.ExitFailed
	}
	defer closeLog()

	trk := tracker.NewWriter(logDir)
	releaseLock, err := trk.AcquireLock(cfg.Run.UUID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return lifecycle.ExitFailed
	}
	defer func() { _ = releaseLock() }()
	if err := trk.WritePID(os.Getpid()); err != nil {
		log.Warn("Cannot write pid file", logger.F("error", err))
	}
	if _, err := trk.LoadOrInitMetrics(cfg.Run.UUID); err != nil {
		log.Warn("Cannot initialise poll metrics", logger.F("error", err))
	}
	if err := prepareSignalFiles(cfg, logDir, log); err != nil {
		log.Warn("Cannot record submission", logger.F("error", err))
	}

	banner.New().Print(cfg, version)

	if _, err := os.Stat(cfg.Paths.JobStore); err == nil && !cfg.Run.Restart {
		log.Error("The job store already exists, remove it or restart", logger.F("job_store", cfg.Paths.JobStore))
		return lifecycle.ExitFailed
	}

	variant, err := workflow.DefaultRegistry().Resolve(cfg.Workflow.Name, workflowParams(cfg))
	if err != nil {
		log.Error("Cannot configure workflow", logger.F("error", err))
		return lifecycle.ExitFailed
	}
	argv, err := variant.Command()
	if err != nil {
		log.Error("Cannot build engine command", logger.F("error", err))
		return lifecycle.ExitFailed
	}
	proc, err := engine.NewProcess(engine.Options{
		Argv:      argv,
		Env:       cfg.Engine.Env,
		Dir:       cfg.Paths.WorkDir,
		StopGrace: cfg.GetStopGrace(),
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
	}, log)
	if err != nil {
		log.Error("Cannot create engine", logger.F("error", err))
		return lifecycle.ExitFailed
	}

	canceller, err := batch.New(cfg.Batch.System, nil, log)
	if err != nil {
		log.Error("Cannot set up batch cancellation", logger.F("error", err))
		return lifecycle.ExitFailed
	}

	store := openRegistry(cfg, log)
	if store != nil {
		defer store.Close()
	}
	adapter := registry.NewAdapter(store, registry.Run{
		UUID:            cfg.Run.UUID,
		ProjectID:       cfg.Run.ProjectID,
		PipelineName:    cfg.Run.PipelineName,
		PipelineVersion: cfg.Run.PipelineVersion,
		Workflow:        cfg.Workflow.Name,
		BatchSystem:     cfg.Batch.System,
		RunAttempt:      cfg.Run.Attempt,
	}, registry.AdapterOptions{
		Breaker: resilience.CircuitBreakerConfig{
			Threshold:  cfg.Registry.BreakerThreshold,
			ResetAfter: cfg.GetBreakerResetAfter(),
		},
	}, log)
	adapter.Register(ctx, cfg.Run.Restart)

	reader := snapshot.NewReader(snapshotSource(cfg), snapshot.ReaderOptions{
		SchemaVersion:  cfg.Snapshot.SchemaVersion,
		ResumeAttempts: cfg.Snapshot.ResumeAttempts,
		ResumeInterval: cfg.GetResumeInterval(),
	}, log)

	loopOpts := loop.Options{
		Reader: reader,
		Aggregator: track.New(track.Options{
			Identity: identity.Options{
				RunAttempt:       cfg.Run.Attempt,
				Restart:          cfg.Run.Restart,
				DefaultRemaining: cfg.Retry.DefaultRemaining,
				MaxDepth:         cfg.Retry.MaxDepth,
			},
			HiddenJobs:   cfg.Tracker.HiddenJobs,
			ShowInternal: cfg.Tracker.ShowInternal,
		}, log),
		Scanner: liveness.NewScanner(liveness.Options{
			Root:          cfg.Paths.WorkDir,
			HeartbeatFile: cfg.Tracker.HeartbeatFile,
			JobStateFile:  cfg.Tracker.JobStateFile,
		}, log),
		Stats:     snapshot.NewStatsCollector(cfg.Paths.WorkDir, cfg.Tracker.StatsGlob, log),
		Kill:      killsignal.NewMonitor(logDir, log),
		Publisher: adapter,
		Mirror:    trk,
		Status:    status.New(),
		Interval:  cfg.GetPollInterval(),
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if w, err := killsignal.NewWatcher(logDir, log); err != nil {
		log.Warn("Termination requests are only checked once per poll", logger.F("error", err))
	} else {
		defer w.Close()
		if err := w.Start(watchCtx); err != nil {
			log.Warn("Termination requests are only checked once per poll", logger.F("error", err))
		} else {
			loopOpts.Wake = w.Wake()
		}
	}

	ctrl, err := lifecycle.New(lifecycle.Options{
		Workflow: cfg.Workflow.Name,
		Engine:   proc,
		Recorder: adapter,
		Hooks:    variant,
		Batch:    canceller,
		Jobs:     reader,
		Loop:     loopOpts,
	}, log)
	if err != nil {
		log.Error("Cannot start leader", logger.F("error", err))
		return lifecycle.ExitFailed
	}

	code := ctrl.Run(ctx)
	if err := trk.MarkComplete(cfg.Run.UUID); err != nil {
		log.Warn("Cannot finalise poll metrics", logger.F("error", err))
	}
	return code
}

// leaderLogger writes everything at the configured level to the leader log
// and only warnings to the terminal, which already shows the transitions.
func leaderLogger(cfg *config.Config) (logger.Logger, func(), error) {
	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logger.LevelInfo
	}
	consoleLevel := logger.LevelWarn
	if level == logger.LevelDebug {
		consoleLevel = logger.LevelDebug
	}
	console := logger.NewStdoutLogger(consoleLevel)
	if cfg.Logging.File == "" {
		return console, func() {}, nil
	}

	path := cfg.Logging.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.Paths.LogDir, path)
	}
	file, err := logger.NewFileLogger(path, level)
	if err != nil {
		return nil, nil, err
	}
	return logger.NewMultiLogger(console, file), func() { _ = file.Close() }, nil
}

// prepareSignalFiles records who submitted the run and clears a termination
// request left by an earlier attempt.
func prepareSignalFiles(cfg *config.Config, logDir string, log logger.Logger) error {
	if cfg.Run.Restart {
		stale := filepath.Join(logDir, killsignal.FileName)
		if err := os.Remove(stale); err == nil {
			log.Info("Removed termination request of the previous attempt", logger.F("path", stale))
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	userName, host, err := killsignal.Identity()
	if err != nil {
		return err
	}
	return killsignal.WriteSubmission(logDir, killsignal.Submission{
		User:        userName,
		Hostname:    host,
		Time:        time.Now(),
		RunUUID:     cfg.Run.UUID,
		BatchSystem: cfg.Batch.System,
		PID:         os.Getpid(),
	})
}

func openRegistry(cfg *config.Config, log logger.Logger) registry.Store {
	if !cfg.RegistryEnabled() {
		log.Info("Run registry disabled")
		return nil
	}
	store, err := registry.NewSQLiteStore(cfg.RegistryPath())
	if err != nil {
		log.Warn("Run registry unavailable, tracking continues without it", logger.F("error", err))
		return nil
	}
	return store
}

func snapshotSource(cfg *config.Config) snapshot.Source {
	if len(cfg.Snapshot.Command) > 0 {
		return snapshot.CommandSource{Argv: cfg.Snapshot.Command, Dir: cfg.Paths.WorkDir}
	}
	return snapshot.FileSource{Path: cfg.SnapshotPath()}
}

func workflowParams(cfg *config.Config) workflow.Params {
	return workflow.Params{
		RunUUID:      cfg.Run.UUID,
		ProjectID:    cfg.Run.ProjectID,
		PipelineName: cfg.Run.PipelineName,
		JobStore:     cfg.Paths.JobStore,
		WorkDir:      cfg.Paths.WorkDir,
		LogDir:       cfg.Paths.LogDir,
		OutputDir:    cfg.Paths.OutputDir,
		TmpDir:       cfg.Paths.TmpDir,
		BatchSystem:  cfg.Batch.System,
		EngineBinary: cfg.Engine.Binary,
		ExtraArgs:    cfg.Engine.ExtraArgs,
		Restart:      cfg.Run.Restart,
		Values:       cfg.Workflow.Params,
		Hooks: workflow.Hooks{
			OnStart:    cfg.Workflow.Hooks.OnStart,
			OnSuccess:  cfg.Workflow.Hooks.OnSuccess,
			OnFail:     cfg.Workflow.Hooks.OnFail,
			OnComplete: cfg.Workflow.Hooks.OnComplete,
			Timeout:    cfg.GetHookTimeout(),
		},
	}
}
