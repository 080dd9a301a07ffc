package main

import (
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"
)

var version = "dev"

var commit = "none"

var date = "unknown"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionLine())
		},
	}
}

func versionLine() string {
	if version != "dev" {
		return fmt.Sprintf("pipetrack version %s", version)
	}

	c := strings.TrimSpace(commit)
	d := strings.TrimSpace(date)

	if unset(c, "none") || unset(d, "unknown") {
		if bi, ok := debug.ReadBuildInfo(); ok {
			for _, s := range bi.Settings {
				v := strings.TrimSpace(s.Value)
				switch s.Key {
				case "vcs.revision":
					if unset(c, "none") && v != "" {
						c = v
					}
				case "vcs.time":
					if unset(d, "unknown") && v != "" {
						d = v
					}
				}
			}
		}
	}

	if len(c) > 7 {
		c = c[:7]
	}

	switch {
	case unset(c, "none") && unset(d, "unknown"):
		return "pipetrack version dev"
	case unset(c, "none"):
		return fmt.Sprintf("pipetrack version dev (built %s)", d)
	case unset(d, "unknown"):
		return fmt.Sprintf("pipetrack version dev (commit %s)", c)
	}
	return fmt.Sprintf("pipetrack version dev (commit %s, built %s)", c, d)
}

func unset(v, placeholder string) bool {
	return v == "" || v == placeholder
}
