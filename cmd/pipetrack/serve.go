package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chr1sbest/pipetrack/internal/api"
	"github.com/chr1sbest/pipetrack/internal/logger"
	"github.com/chr1sbest/pipetrack/internal/registry"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var (
		addr   string
		dbPath string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a read-only HTTP view of the run registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := logger.LevelInfo
			if root.debug {
				level = logger.LevelDebug
			}
			log := logger.NewStdoutLogger(level)

			if dbPath == "" || addr == "" {
				cfg, err := root.loadConfig()
				if err != nil {
					return err
				}
				if dbPath == "" {
					dbPath = cfg.RegistryPath()
				}
				if addr == "" {
					addr = cfg.API.Addr
				}
			}
			store, err := registry.NewSQLiteStore(dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return api.NewServer(store, log).ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: api.addr from config)")
	cmd.Flags().StringVar(&dbPath, "db", "", "registry database (default: registry.path from config)")
	return cmd
}
