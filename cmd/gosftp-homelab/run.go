package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/fgeck/gosftp-homelab/internal/config"
	"github.com/fgeck/gosftp-homelab/internal/models"
	"github.com/fgeck/gosftp-homelab/internal/services/runner"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create a new snapshot",
	Long: `Create a new timestamped snapshot on the SFTP server:
1. Wake-on-LAN (if configured)
2. Resolve passwords from Vault (if configured)
3. Database dump into the staging directory (if configured)
4. Count files, connect, create <remote_path>/<timestamp> and mirror every folder
5. Record the snapshot in the ledger
6. Send Telegram notification (if configured)`,
	RunE: runBackup,
}

func runBackup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil || cfg == nil {
		return err
	}

	log.Info().
		Str("config", configFile).
		Str("host", cfg.SFTP.Host).
		Str("remote_path", cfg.SFTP.RemotePath).
		Int("folders", len(cfg.Sources.Folders)).
		Msg("configuration loaded")

	ctx, cancel := signalContext()
	defer cancel()

	runnerSvc := runner.New(log.Logger, progressOutput())
	if err := runnerSvc.Run(ctx, *cfg); err != nil {
		log.Error().Err(err).Msg("snapshot failed")
		return err
	}

	log.Info().Msg("snapshot completed successfully")
	return nil
}

// loadConfig parses and validates --config. A nil config with a nil error
// means help was printed instead.
func loadConfig(cmd *cobra.Command) (*models.BackupConfig, error) {
	if configFile == "" {
		log.Error().Msg("config file is required")
		return nil, cmd.Help()
	}

	parser := config.NewParser()
	cfg, err := parser.LoadFile(configFile)
	if err != nil {
		log.Error().Err(err).Str("file", configFile).Msg("failed to load config")
		return nil, err
	}

	return cfg, nil
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}
