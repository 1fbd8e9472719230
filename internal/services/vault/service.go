// Package vault resolves backup credentials from HashiCorp Vault.
package vault

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fgeck/gosftp-homelab/internal/models"
	vaultapi "github.com/hashicorp/vault/api"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"
)

// ErrNoSecret indicates nothing is stored at the configured path.
var ErrNoSecret = errors.New("no secret found")

// Service defines the interface for credential lookups.
type Service interface {
	Credentials(ctx context.Context, cfg models.VaultConfig) (*models.Credentials, error)
}

// SecretReader reads a logical path. *vaultapi.Logical satisfies it.
type SecretReader interface {
	ReadWithContext(ctx context.Context, path string) (*vaultapi.Secret, error)
}

// ReaderFactory builds a SecretReader for a Vault server.
type ReaderFactory interface {
	NewReader(cfg models.VaultConfig) (SecretReader, error)
}

// DefaultReaderFactory creates readers backed by the Vault API client.
type DefaultReaderFactory struct{}

// NewReader creates a Vault API client. Address and token fall back to
// VAULT_ADDR and VAULT_TOKEN.
func (f *DefaultReaderFactory) NewReader(cfg models.VaultConfig) (SecretReader, error) {
	apiCfg := vaultapi.DefaultConfig()
	if cfg.Address != "" {
		apiCfg.Address = cfg.Address
	}

	client, err := vaultapi.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	token := cfg.Token
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}
	if token != "" {
		client.SetToken(token)
	}

	return client.Logical(), nil
}

// Impl implements the vault Service interface.
type Impl struct {
	factory ReaderFactory
	logger  zerolog.Logger
}

// New creates a new vault service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		factory: &DefaultReaderFactory{},
		logger:  logger,
	}
}

// NewWithReaderFactory creates a new vault service with a custom factory (for testing).
func NewWithReaderFactory(logger zerolog.Logger, factory ReaderFactory) *Impl {
	return &Impl{
		factory: factory,
		logger:  logger,
	}
}

// Credentials reads cfg.SecretPath and decodes the known password fields.
// KV version 2 responses nest the payload under "data"; both layouts are accepted.
func (s *Impl) Credentials(ctx context.Context, cfg models.VaultConfig) (*models.Credentials, error) {
	if cfg.SecretPath == "" {
		return nil, errors.New("vault secret path is required")
	}

	reader, err := s.factory.NewReader(cfg)
	if err != nil {
		return nil, err
	}

	secret, err := reader.ReadWithContext(ctx, cfg.SecretPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", cfg.SecretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w at %s", ErrNoSecret, cfg.SecretPath)
	}

	data := secret.Data
	if nested, ok := data["data"].(map[string]any); ok {
		data = nested
	}

	var creds models.Credentials
	if err := mapstructure.Decode(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to decode secret at %s: %w", cfg.SecretPath, err)
	}

	s.logger.Info().
		Str("path", cfg.SecretPath).
		Bool("sftp_password", creds.SFTPPassword != "").
		Bool("database_password", creds.DatabasePassword != "").
		Msg("credentials resolved from vault")

	return &creds, nil
}

// Apply copies non-empty credentials into cfg.
func Apply(cfg *models.BackupConfig, creds *models.Credentials) {
	if creds == nil {
		return
	}
	if creds.SFTPPassword != "" {
		cfg.SFTP.Password = creds.SFTPPassword
	}
	if creds.DatabasePassword != "" && cfg.Database != nil {
		cfg.Database.Password = creds.DatabasePassword
	}
}
