package main

import (
	"github.com/fgeck/gosftp-homelab/internal/httpserver"
	"github.com/fgeck/gosftp-homelab/internal/services/ledger"
	"github.com/fgeck/gosftp-homelab/internal/services/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve snapshot progress and history over HTTP",
	Long: `Serve the monitoring API:
  GET  /api/health       liveness
  GET  /api/progress     completion percentage of the current run (0 when idle)
  GET  /api/backups      recorded snapshots, newest first (?limit=N)
  POST /api/backups/run  start a snapshot in the background (409 while one runs)
  GET  /api/backups/run  whether a snapshot is running and how the last one ended`,
	RunE: serve,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", httpserver.DefaultAddr, "listen address")
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil || cfg == nil {
		return err
	}

	l, err := ledger.Open(cfg.Ledger)
	if err != nil {
		log.Error().Err(err).Msg("failed to open ledger")
		return err
	}
	defer func() { _ = l.Close() }()

	srv := httpserver.NewServer(log.Logger, serveAddr, l, cfg.Transfer.StatusFile).
		WithRunner(runner.New(log.Logger, nil), *cfg)
	if _, err := srv.Start(); err != nil {
		log.Error().Err(err).Str("addr", serveAddr).Msg("failed to start server")
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	<-ctx.Done()

	return srv.Stop()
}
