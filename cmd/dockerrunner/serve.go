package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/dockerrunner/httpapi"
	"pkt.systems/pslog"
)

func newServeCmd() *cobra.Command {
	var flags configFlags
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.HTTP.Addr = addr
			}
			st, err := openStack(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer st.shutdown(cmd.Context())

			if cfg.Janitor.OnStart {
				minAge := time.Duration(cfg.Janitor.MinAgeMinutes) * time.Minute
				if _, err := runJanitor(cmd.Context(), st.yard, minAge); err != nil {
					logger.Warn("startup janitor skipped", "err", err)
				}
			}

			server := httpapi.NewServer(httpapi.Config{Addr: cfg.HTTP.Addr}, st.service, st.metrics.Handler())
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := httpapi.ListenAndServe(ctx, cfg.HTTP.Addr, server.Handler()); err != nil {
				return err
			}
			logger.Info("http server stopped")
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config and PORT)")
	return cmd
}
