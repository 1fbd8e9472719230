// Package mysqldump exports databases into a staging directory with mysqldump.
package mysqldump

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fgeck/gosftp-homelab/internal/models"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
)

// DefaultBinary is the dump utility used when none is configured.
const DefaultBinary = "mysqldump"

// DumpError reports the database whose export failed.
type DumpError struct {
	Database string
	Err      error
}

func (e *DumpError) Error() string {
	return fmt.Sprintf("dump of database %q failed: %v", e.Database, e.Err)
}

func (e *DumpError) Unwrap() error { return e.Err }

// Service defines the interface for database export operations.
type Service interface {
	Dump(ctx context.Context, cfg models.DatabaseConfig) (*models.DumpResult, error)
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	ExecuteWithEnv(ctx context.Context, env []string, outputPath string, name string, args ...string) error
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// ExecuteWithEnv runs the dump utility and writes its stdout to outputPath.
func (e *DefaultExecutor) ExecuteWithEnv(ctx context.Context, env []string, outputPath string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)

	output, err := os.Create(outputPath) //nolint:gosec // outputPath is controlled by caller
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer func() { _ = output.Close() }()

	var stderr bytes.Buffer
	cmd.Stdout = output
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s failed: %w: %s", name, err, msg)
		}
		return fmt.Errorf("%s failed: %w", name, err)
	}

	return nil
}

// Impl implements the mysqldump Service interface.
type Impl struct {
	executor CommandExecutor
	logger   zerolog.Logger
}

// New creates a new mysqldump service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		executor: &DefaultExecutor{},
		logger:   logger,
	}
}

// NewWithExecutor creates a new mysqldump service with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, executor CommandExecutor) *Impl {
	return &Impl{
		executor: executor,
		logger:   logger,
	}
}

// Dump exports each configured database in order into cfg.StagingDir.
// It stops at the first failing database; artifacts produced before it are
// kept and listed in the result.
func (s *Impl) Dump(ctx context.Context, cfg models.DatabaseConfig) (*models.DumpResult, error) {
	start := time.Now()
	result := &models.DumpResult{StagingDir: cfg.StagingDir}

	if cfg.StagingDir == "" {
		return nil, fmt.Errorf("staging directory is required")
	}
	if err := os.MkdirAll(cfg.StagingDir, 0o750); err != nil {
		result.Error = fmt.Errorf("failed to create staging directory: %w", err)
		result.Duration = time.Since(start)
		return result, nil
	}

	binary := cfg.DumpBinary
	if binary == "" {
		binary = DefaultBinary
	}

	env := []string{}
	if cfg.Password != "" {
		env = append(env, "MYSQL_PWD="+cfg.Password)
	}

	for _, name := range cfg.Databases {
		artifact, size, err := s.dumpOne(ctx, cfg, binary, env, name)
		if err != nil {
			result.Error = &DumpError{Database: name, Err: err}
			result.Duration = time.Since(start)
			return result, nil
		}
		result.Artifacts = append(result.Artifacts, artifact)
		result.SizeBytes += size
	}

	result.Duration = time.Since(start)
	return result, nil
}

func (s *Impl) dumpOne(ctx context.Context, cfg models.DatabaseConfig, binary string, env []string, name string) (string, int64, error) {
	if name == "" || name != filepath.Base(name) || name == ".." {
		return "", 0, fmt.Errorf("invalid database name")
	}

	outputPath := filepath.Join(cfg.StagingDir, name+".sql")

	s.logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", name).
		Str("output", outputPath).
		Msg("starting database dump")

	start := time.Now()
	args := []string{
		"-h", cfg.Host,
		"-P", strconv.Itoa(cfg.Port),
		"-u", cfg.User,
		"--events",
		"--routines",
		"--triggers",
		"--single-transaction",
		name,
	}

	if err := s.executor.ExecuteWithEnv(ctx, env, outputPath, binary, args...); err != nil {
		// Clean up partial file
		_ = os.Remove(outputPath)
		return "", 0, err
	}

	if cfg.Compress {
		compressed, err := compressZstd(outputPath)
		if err != nil {
			_ = os.Remove(outputPath)
			return "", 0, err
		}
		outputPath = compressed
	}

	var size int64
	if info, err := os.Stat(outputPath); err == nil {
		size = info.Size()
	}

	s.logger.Info().
		Str("database", name).
		Str("output", outputPath).
		Int64("size_bytes", size).
		Dur("duration", time.Since(start)).
		Msg("database dump completed")

	return outputPath, size, nil
}

// compressZstd replaces inputPath with inputPath.zst.
func compressZstd(inputPath string) (string, error) {
	outputPath := inputPath + ".zst"

	in, err := os.Open(inputPath) //nolint:gosec // path built from staging dir
	if err != nil {
		return "", fmt.Errorf("failed to open dump: %w", err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(outputPath) //nolint:gosec // path built from staging dir
	if err != nil {
		return "", fmt.Errorf("failed to create compressed dump: %w", err)
	}

	enc, err := zstd.NewWriter(out)
	if err != nil {
		_ = out.Close()
		_ = os.Remove(outputPath)
		return "", fmt.Errorf("failed to create zstd writer: %w", err)
	}
	if _, err := io.Copy(enc, in); err != nil {
		_ = enc.Close()
		_ = out.Close()
		_ = os.Remove(outputPath)
		return "", fmt.Errorf("failed to compress dump: %w", err)
	}
	if err := enc.Close(); err != nil {
		_ = out.Close()
		_ = os.Remove(outputPath)
		return "", fmt.Errorf("failed to finish compressed dump: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(outputPath)
		return "", fmt.Errorf("failed to close compressed dump: %w", err)
	}

	if err := os.Remove(inputPath); err != nil {
		return "", fmt.Errorf("failed to remove uncompressed dump: %w", err)
	}
	return outputPath, nil
}
