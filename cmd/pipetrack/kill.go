package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/chr1sbest/pipetrack/internal/killsignal"
)

func newKillCmd(root *rootOptions) *cobra.Command {
	var (
		logDir string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "kill",
		Short: "Ask the leader of a run to cancel it",
		Long: `kill writes the termination request file into the run's log
directory. The leader picks it up on its next poll and cancels the run.
With --force the engine is killed at once instead of being given its
grace period.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := root.logDir(logDir)
			if err != nil {
				return err
			}
			userName, host, err := killsignal.Identity()
			if err != nil {
				return err
			}
			req, err := killsignal.Send(dir, userName, host, force, time.Now())
			if errors.Is(err, killsignal.ErrNotOwner) {
				fmt.Fprintln(os.Stderr, *req.ErrorMessage)
				return exitCode(1)
			}
			if err != nil {
				return fmt.Errorf("write termination request: %w", err)
			}
			mode := "gracefully"
			if !req.ExitGraceful {
				mode = "immediately"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requested %s termination of the run in %s\n", mode, dir)
			return nil
		},
	}
	cmd.Flags().StringVar(&logDir, "log-dir", "", "log directory of the run (default: from config)")
	cmd.Flags().BoolVar(&force, "force", false, "kill the engine without a grace period")
	return cmd
}
