// Package runner orchestrates one snapshot run.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/gosftp-homelab/internal/models"
	"github.com/fgeck/gosftp-homelab/internal/services/ledger"
	"github.com/fgeck/gosftp-homelab/internal/services/mysqldump"
	"github.com/fgeck/gosftp-homelab/internal/services/progress"
	"github.com/fgeck/gosftp-homelab/internal/services/sftp"
	"github.com/fgeck/gosftp-homelab/internal/services/telegram"
	"github.com/fgeck/gosftp-homelab/internal/services/transfer"
	"github.com/fgeck/gosftp-homelab/internal/services/vault"
	"github.com/fgeck/gosftp-homelab/internal/services/wol"
	"github.com/rs/zerolog"
)

const notifyTimeout = 30 * time.Second

// Service defines the interface for the backup runner.
type Service interface {
	Run(ctx context.Context, cfg models.BackupConfig) error
}

// EngineFactory builds the transfer engine for one run. The returned closer
// releases the ledger the engine writes to.
type EngineFactory func(logger zerolog.Logger, cfg models.BackupConfig) (transfer.Service, io.Closer, error)

// DefaultEngineFactory opens the configured ledger and wires it to an SFTP backed engine.
func DefaultEngineFactory(logger zerolog.Logger, cfg models.BackupConfig) (transfer.Service, io.Closer, error) {
	l, err := ledger.Open(cfg.Ledger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening ledger: %w", err)
	}
	return transfer.New(logger, sftp.New(logger), l, cfg.Transfer), l, nil
}

// Impl implements the runner Service interface.
type Impl struct {
	engineFactory EngineFactory
	wolSvc        wol.Service
	dumpSvc       mysqldump.Service
	vaultSvc      vault.Service
	telegramSvc   telegram.Service
	progressOut   io.Writer
	logger        zerolog.Logger
}

// New creates a new runner service. Progress is rendered to progressOut; nil disables it.
func New(logger zerolog.Logger, progressOut io.Writer) *Impl {
	return &Impl{
		engineFactory: DefaultEngineFactory,
		wolSvc:        wol.New(logger),
		dumpSvc:       mysqldump.New(logger),
		vaultSvc:      vault.New(logger),
		telegramSvc:   telegram.New(logger),
		progressOut:   progressOut,
		logger:        logger,
	}
}

// NewWithServices creates a new runner service with custom services (for testing).
func NewWithServices(
	logger zerolog.Logger,
	engineFactory EngineFactory,
	wolSvc wol.Service,
	dumpSvc mysqldump.Service,
	vaultSvc vault.Service,
	telegramSvc telegram.Service,
	progressOut io.Writer,
) *Impl {
	return &Impl{
		engineFactory: engineFactory,
		wolSvc:        wolSvc,
		dumpSvc:       dumpSvc,
		vaultSvc:      vaultSvc,
		telegramSvc:   telegramSvc,
		progressOut:   progressOut,
		logger:        logger,
	}
}

// summary collects what the notification reports.
type summary struct {
	transfer     *models.TransferResult
	dumpFailures []string
}

// Run executes the complete snapshot workflow.
//
//nolint:gocognit,gocyclo // backup workflow has multiple steps by design
func (s *Impl) Run(ctx context.Context, cfg models.BackupConfig) error {
	startTime := time.Now()
	var failedStep string
	var runErr error
	sum := &summary{}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	s.logger.Info().
		Str("host", cfg.SFTP.Host).
		Str("remote_path", cfg.SFTP.RemotePath).
		Strs("folders", cfg.Sources.Folders).
		Msg("starting snapshot run")

	defer func() {
		// Send notification if configured
		if cfg.Telegram != nil {
			s.sendNotification(ctx, cfg, startTime, failedStep, runErr, sum)
		}
	}()

	// Step 1: Wake-on-LAN (if configured)
	if cfg.WOL != nil {
		failedStep = "wol"
		if err := s.runWOL(ctx, cfg.WOL); err != nil {
			runErr = err
			return err
		}
	}

	// Step 2: Resolve credentials (if configured)
	if cfg.Vault != nil {
		failedStep = "vault"
		creds, err := s.vaultSvc.Credentials(ctx, *cfg.Vault)
		if err != nil {
			runErr = fmt.Errorf("vault lookup failed: %w", err)
			return runErr
		}
		vault.Apply(&cfg, creds)
		if cfg.SFTP.Password == "" {
			runErr = errors.New("no SFTP password in config or vault")
			return runErr
		}
	}

	sources := append([]string(nil), cfg.Sources.Folders...)

	// Step 3: Database dump (if configured)
	if cfg.Database != nil {
		failedStep = "dump"
		if err := checkStagingName(cfg.Sources.Folders, cfg.Database.StagingDir); err != nil {
			runErr = err
			return err
		}
		result, err := s.runDump(ctx, cfg.Database, sum)
		if err != nil {
			runErr = err
			return err
		}
		if len(result.Artifacts) > 0 {
			sources = append(sources, result.StagingDir)
			defer s.removeArtifacts(result.Artifacts)
		}
	}

	// Step 4: Transfer
	failedStep = "transfer"
	engine, closer, err := s.engineFactory(s.logger, cfg)
	if err != nil {
		runErr = err
		return err
	}
	defer func() {
		if err := closer.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close ledger")
		}
	}()

	req := models.TransferRequest{
		Connection: cfg.SFTP,
		Sources:    sources,
		Exclude:    cfg.Sources.Exclude,
		Timestamp:  startTime.Format(models.TimestampFormat),
	}
	tracker := progress.New(s.logger, s.progressOut, cfg.Transfer.StatusFile)

	result, err := engine.Run(ctx, req, tracker)
	if err != nil {
		runErr = fmt.Errorf("transfer failed: %w", err)
		return runErr
	}
	sum.transfer = result
	if result.Error != nil {
		if result.State == models.StateClosed {
			// The snapshot is complete remotely; only recording it failed.
			failedStep = "ledger"
			runErr = fmt.Errorf("snapshot %s completed but was not recorded: %w", result.Run.RemoteRoot, result.Error)
			return runErr
		}
		runErr = fmt.Errorf("transfer failed: %w", result.Error)
		return runErr
	}

	if len(result.Failures) > 0 {
		s.logger.Warn().
			Int("failed", len(result.Failures)).
			Int("uploaded", result.Run.UploadedFiles).
			Int("total", result.Run.TotalFiles).
			Msg("snapshot completed with upload failures")
	}

	// Success - clear failedStep
	failedStep = ""
	s.logger.Info().
		Str("remote_root", result.Run.RemoteRoot).
		Str("sent", humanize.IBytes(uint64(max(result.BytesUploaded, 0)))).
		Dur("duration", time.Since(startTime)).
		Msg("snapshot run completed")

	return nil
}

func (s *Impl) runWOL(ctx context.Context, cfg *models.WOLConfig) error {
	s.logger.Info().
		Str("mac", cfg.MACAddress).
		Str("target", cfg.TargetAddress).
		Msg("sending Wake-on-LAN packet")

	result, err := s.wolSvc.Wake(ctx, *cfg)
	if err != nil {
		return fmt.Errorf("WOL failed: %w", err)
	}
	if result.Error != nil {
		return fmt.Errorf("WOL failed: %w", result.Error)
	}

	if !result.TargetReady && cfg.TargetAddress != "" {
		return fmt.Errorf("target did not become ready after WOL")
	}

	s.logger.Info().
		Bool("packet_sent", result.PacketSent).
		Bool("target_ready", result.TargetReady).
		Dur("wait_duration", result.WaitDuration).
		Msg("WOL completed")

	return nil
}

// runDump exports the configured databases. A DumpError is logged and the
// run continues with whatever was produced, unless AbortOnFailure is set.
func (s *Impl) runDump(ctx context.Context, cfg *models.DatabaseConfig, sum *summary) (*models.DumpResult, error) {
	s.logger.Info().
		Strs("databases", cfg.Databases).
		Str("staging_dir", cfg.StagingDir).
		Msg("starting database dump")

	result, err := s.dumpSvc.Dump(ctx, *cfg)
	if err != nil {
		return nil, fmt.Errorf("database dump failed: %w", err)
	}

	if result.Error != nil {
		var dumpErr *mysqldump.DumpError
		if errors.As(result.Error, &dumpErr) {
			sum.dumpFailures = append(sum.dumpFailures, dumpErr.Database)
		}
		if cfg.AbortOnFailure {
			s.removeArtifacts(result.Artifacts)
			return nil, fmt.Errorf("database dump failed: %w", result.Error)
		}
		s.logger.Error().
			Err(result.Error).
			Int("dumped", len(result.Artifacts)).
			Msg("database dump failed, continuing without the remaining databases")
	}

	s.logger.Info().
		Int("artifacts", len(result.Artifacts)).
		Str("size", humanize.IBytes(uint64(max(result.SizeBytes, 0)))).
		Dur("duration", result.Duration).
		Msg("database dump finished")

	return result, nil
}

// checkStagingName rejects a staging directory that would be mirrored into
// the same snapshot folder as one of the configured sources.
func checkStagingName(folders []string, stagingDir string) error {
	name := filepath.Base(filepath.Clean(stagingDir))
	for _, f := range folders {
		if filepath.Base(filepath.Clean(f)) == name {
			return fmt.Errorf("staging directory %s and folder %s share the name %q", stagingDir, f, name)
		}
	}
	return nil
}

func (s *Impl) removeArtifacts(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Str("path", p).Msg("failed to remove dump artifact")
		}
	}
}

func (s *Impl) sendNotification(
	ctx context.Context,
	cfg models.BackupConfig,
	startTime time.Time,
	failedStep string,
	runErr error,
	sum *summary,
) {
	// The run deadline may already have expired.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	msg := models.TelegramMessage{
		Success:      runErr == nil,
		Host:         host,
		StartTime:    startTime,
		Duration:     time.Since(startTime),
		DumpFailures: sum.dumpFailures,
	}

	if t := sum.transfer; t != nil {
		msg.RemoteRoot = t.Run.RemoteRoot
		msg.TotalFiles = t.Run.TotalFiles
		msg.UploadedFiles = t.Run.UploadedFiles
		msg.FailedFiles = len(t.Failures)
		msg.BytesUploaded = t.BytesUploaded
	}

	if runErr != nil {
		msg.FailedStep = failedStep
		msg.ErrorMessage = runErr.Error()
	}

	result, err := s.telegramSvc.SendNotification(ctx, *cfg.Telegram, msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to send Telegram notification")
		return
	}
	if result.Error != nil {
		s.logger.Error().Err(result.Error).Msg("failed to send Telegram notification")
		return
	}

	s.logger.Info().Msg("Telegram notification sent")
}
