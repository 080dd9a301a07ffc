package main

import (
	"github.com/spf13/cobra"

	"github.com/chr1sbest/pipetrack/internal/config"
	"github.com/chr1sbest/pipetrack/internal/workflow"
)

type rootOptions struct {
	configPath string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "pipetrack",
		Short: "Run a workflow engine and track every unit of work it schedules",
		Long: `pipetrack leads one run of a workflow engine. The leader starts the
engine, polls its execution state, reports every work unit as it moves
from pending to running to done or exit, and cancels the run's batch jobs
when the run is killed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default ./"+config.DefaultFileName+")")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "log at debug level")

	cmd.AddCommand(
		newLeaderCmd(opts),
		newKillCmd(opts),
		newStatusCmd(opts),
		newServeCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// loadConfig reads the config file named by --config, or the default file
// in the current directory when there is one.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	known := workflow.DefaultRegistry().Names()
	if o.configPath == "" {
		cfg, err := config.NewLoader(".").LoadDefault()
		if err != nil {
			return nil, err
		}
		return cfg, config.ValidateConfig(cfg, known)
	}
	return config.NewLoader(".").LoadAndValidate(o.configPath, known)
}

// logDir resolves the log directory from a flag, falling back to the config.
func (o *rootOptions) logDir(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	cfg, err := o.loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Paths.LogDir, nil
}
