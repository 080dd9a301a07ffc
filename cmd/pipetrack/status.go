package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chr1sbest/pipetrack/internal/procutil"
	"github.com/chr1sbest/pipetrack/internal/registry"
	"github.com/chr1sbest/pipetrack/internal/status"
	"github.com/chr1sbest/pipetrack/internal/tracker"
)

func newStatusCmd(root *rootOptions) *cobra.Command {
	var logDir string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the job status of a run from its log directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := root.logDir(logDir)
			if err != nil {
				return err
			}
			trk := tracker.NewWriter(dir)
			rs, err := trk.LoadRunState()
			if err != nil {
				return err
			}
			if rs == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "No run state in %s yet\n", dir)
				return exitCode(1)
			}

			out := cmd.OutOrStdout()
			state := rs.Status
			if state == "" {
				state = "UNKNOWN"
			}
			if !registry.Status(rs.Status).Terminal() && rs.PID > 0 && !procutil.PIDAlive(rs.PID) {
				state += " (leader not running)"
			}
			fmt.Fprintf(out, "Run:      %s (attempt %d)\n", rs.RunUUID, rs.RunAttempt)
			if rs.WorkflowID != "" {
				fmt.Fprintf(out, "Workflow: %s\n", rs.WorkflowID)
			}
			fmt.Fprintf(out, "Status:   %s\n", state)
			fmt.Fprintf(out, "Updated:  %s (%d polls)\n\n", rs.UpdatedAt.Format(time.RFC3339), rs.Polls)
			fmt.Fprint(out, status.RenderOverview(rs.Overview()))

			if m, _ := trk.LoadMetrics(); m != nil && m.RunUUID == rs.RunUUID {
				fmt.Fprintf(out, "\n%d transitions, %d statistics files, last poll %dms\n",
					m.Transitions, m.StatsFilesProcessed, m.LastPollMillis)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&logDir, "log-dir", "", "log directory of the run (default: from config)")
	return cmd
}
