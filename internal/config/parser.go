// Package config provides configuration file parsing.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fgeck/gosftp-homelab/internal/models"
	"github.com/spf13/viper"
)

// ErrConfig marks missing, unreadable or malformed configuration.
var ErrConfig = errors.New("invalid configuration")

// Defaults applied when a key is absent.
const (
	DefaultSFTPPort    = 22
	DefaultRemotePath  = "backups"
	DefaultStatusFile  = "progress.txt"
	DefaultLedgerPath  = "backups.jsonl"
	DefaultMySQLPort   = 3306
	DefaultDumpBinary  = "mysqldump"
	defaultStagingName = "gosftp-homelab-dumps"
)

// Parser handles configuration file parsing.
type Parser struct {
	v *viper.Viper
}

// NewParser creates a new configuration parser.
func NewParser() *Parser {
	return &Parser{v: newViper()}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("json")
	return v
}

// LoadFile loads the main configuration from a file path. A relative
// database_config path is resolved against the directory of path.
func (p *Parser) LoadFile(path string) (*models.BackupConfig, error) {
	p.v.SetConfigFile(path)

	if err := p.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: reading config file: %w", ErrConfig, err)
	}

	return p.parse(filepath.Dir(path))
}

// LoadReader loads the main configuration from a string (useful for testing).
func (p *Parser) LoadReader(content string) (*models.BackupConfig, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("%w: reading config: %w", ErrConfig, err)
	}

	return p.parse("")
}

// LoadDatabaseFile loads a database export configuration from a file path.
func LoadDatabaseFile(path string) (*models.DatabaseConfig, error) {
	v := newViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: reading database config file: %w", ErrConfig, err)
	}

	return parseDatabase(v)
}

// LoadDatabaseReader loads a database export configuration from a string.
func LoadDatabaseReader(content string) (*models.DatabaseConfig, error) {
	v := newViper()
	if err := v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("%w: reading database config: %w", ErrConfig, err)
	}

	return parseDatabase(v)
}

//nolint:gocognit,gocyclo // parsing config requires checking many fields
func (p *Parser) parse(baseDir string) (*models.BackupConfig, error) {
	cfg := &models.BackupConfig{}

	// Parse connection (required).
	cfg.SFTP = models.SFTPConfig{
		Host:           p.v.GetString("hostname"),
		Port:           p.v.GetInt("port"),
		Username:       p.expandEnv(p.v.GetString("username")),
		Password:       p.expandEnv(p.v.GetString("password")),
		KnownHostsPath: p.expandEnv(p.v.GetString("known_hosts")),
		RemotePath:     p.v.GetString("remote_path"),
	}

	if cfg.SFTP.Port == 0 {
		cfg.SFTP.Port = DefaultSFTPPort
	}
	if cfg.SFTP.RemotePath == "" {
		cfg.SFTP.RemotePath = DefaultRemotePath
	}

	// Parse sources (required).
	cfg.Sources = models.SourceSettings{
		Folders: p.v.GetStringSlice("folders"),
		Exclude: p.v.GetStringSlice("exclude"),
	}

	// Parse transfer tuning.
	cfg.Transfer = models.TransferSettings{
		Workers:             p.v.GetInt("workers"),
		UploadFailurePolicy: p.v.GetString("upload_failure_policy"),
		StatusFile:          p.expandEnv(p.v.GetString("status_file")),
	}

	if cfg.Transfer.Workers == 0 {
		cfg.Transfer.Workers = 1
	}
	if cfg.Transfer.UploadFailurePolicy == "" {
		cfg.Transfer.UploadFailurePolicy = models.UploadPolicyAbort
	}
	if cfg.Transfer.StatusFile == "" {
		cfg.Transfer.StatusFile = DefaultStatusFile
	}

	// Parse ledger stores.
	cfg.Ledger = models.LedgerConfig{
		Path:       p.expandEnv(p.v.GetString("ledger.path")),
		SQLitePath: p.expandEnv(p.v.GetString("ledger.sqlite_path")),
	}

	if cfg.Ledger.Path == "" {
		cfg.Ledger.Path = DefaultLedgerPath
	}

	cfg.Timeout = p.v.GetDuration("timeout")

	// Parse optional database export config.
	if dbPath := p.expandEnv(p.v.GetString("database_config")); dbPath != "" {
		if baseDir != "" && !filepath.IsAbs(dbPath) {
			dbPath = filepath.Join(baseDir, dbPath)
		}
		db, err := LoadDatabaseFile(dbPath)
		if err != nil {
			return nil, err
		}
		cfg.Database = db
	}

	// Parse optional WOL config.
	if p.v.IsSet("wol") { //nolint:nestif // config parsing with defaults
		cfg.WOL = &models.WOLConfig{
			MACAddress:    p.v.GetString("wol.mac_address"),
			BroadcastIP:   p.v.GetString("wol.broadcast_ip"),
			TargetAddress: p.v.GetString("wol.target_address"),
			Timeout:       p.v.GetDuration("wol.timeout"),
			PollInterval:  p.v.GetDuration("wol.poll_interval"),
			StabilizeWait: p.v.GetDuration("wol.stabilize_wait"),
		}

		if cfg.WOL.MACAddress == "" {
			return nil, fmt.Errorf("%w: wol.mac_address is required when wol is configured", ErrConfig)
		}

		// Set defaults.
		if cfg.WOL.BroadcastIP == "" {
			cfg.WOL.BroadcastIP = "255.255.255.255"
		}
		if cfg.WOL.TargetAddress == "" && cfg.SFTP.Host != "" {
			cfg.WOL.TargetAddress = fmt.Sprintf("%s:%d", cfg.SFTP.Host, cfg.SFTP.Port)
		}
		if cfg.WOL.Timeout == 0 {
			cfg.WOL.Timeout = 5 * time.Minute
		}
		if cfg.WOL.PollInterval == 0 {
			cfg.WOL.PollInterval = 10 * time.Second
		}
		if cfg.WOL.StabilizeWait == 0 {
			cfg.WOL.StabilizeWait = 10 * time.Second
		}
	}

	// Parse optional Telegram config.
	if p.v.IsSet("telegram") {
		cfg.Telegram = &models.TelegramConfig{
			BotToken: p.expandEnv(p.v.GetString("telegram.bot_token")),
			ChatID:   p.expandEnv(p.v.GetString("telegram.chat_id")),
		}

		if cfg.Telegram.BotToken == "" {
			return nil, fmt.Errorf("%w: telegram.bot_token is required when telegram is configured", ErrConfig)
		}
		if cfg.Telegram.ChatID == "" {
			return nil, fmt.Errorf("%w: telegram.chat_id is required when telegram is configured", ErrConfig)
		}
	}

	// Parse optional Vault config.
	if p.v.IsSet("vault") {
		cfg.Vault = &models.VaultConfig{
			Address:    p.expandEnv(p.v.GetString("vault.address")),
			Token:      p.expandEnv(p.v.GetString("vault.token")),
			SecretPath: p.v.GetString("vault.secret_path"),
		}

		if cfg.Vault.SecretPath == "" {
			return nil, fmt.Errorf("%w: vault.secret_path is required when vault is configured", ErrConfig)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func parseDatabase(v *viper.Viper) (*models.DatabaseConfig, error) {
	db := &models.DatabaseConfig{
		Host:           v.GetString("host"),
		Port:           v.GetInt("port"),
		User:           os.ExpandEnv(v.GetString("user")),
		Password:       os.ExpandEnv(v.GetString("password")),
		Databases:      v.GetStringSlice("databases"),
		StagingDir:     os.ExpandEnv(v.GetString("staging_dir")),
		DumpBinary:     v.GetString("dump_binary"),
		Compress:       v.GetBool("compress"),
		AbortOnFailure: v.GetBool("abort_on_failure"),
	}

	if db.Host == "" {
		db.Host = "localhost"
	}
	if db.Port == 0 {
		db.Port = DefaultMySQLPort
	}
	if db.StagingDir == "" {
		db.StagingDir = filepath.Join(os.TempDir(), defaultStagingName)
	}
	if db.DumpBinary == "" {
		db.DumpBinary = DefaultDumpBinary
	}

	if err := ValidateDatabase(db); err != nil {
		return nil, err
	}

	return db, nil
}

// expandEnv expands environment variables in the format ${VAR} or $VAR.
func (p *Parser) expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate performs validation on the loaded configuration.
func Validate(cfg *models.BackupConfig) error {
	if cfg == nil {
		return fmt.Errorf("%w: configuration is nil", ErrConfig)
	}

	if cfg.SFTP.Host == "" {
		return fmt.Errorf("%w: hostname is required", ErrConfig)
	}

	if cfg.SFTP.Port < 1 || cfg.SFTP.Port > 65535 {
		return fmt.Errorf("%w: port %d is out of range", ErrConfig, cfg.SFTP.Port)
	}

	if cfg.SFTP.Username == "" {
		return fmt.Errorf("%w: username is required", ErrConfig)
	}

	// The password may come from vault at run time.
	if cfg.SFTP.Password == "" && cfg.Vault == nil {
		return fmt.Errorf("%w: password is required", ErrConfig)
	}

	if len(cfg.Sources.Folders) == 0 {
		return fmt.Errorf("%w: folders is required", ErrConfig)
	}

	for _, name := range cfg.Sources.Exclude {
		if name == "" || strings.ContainsAny(name, `/\`) {
			return fmt.Errorf("%w: exclude entry %q must be a single name", ErrConfig, name)
		}
	}

	// Each folder lands in <snapshot>/<base name>, so base names must be unique.
	seen := make(map[string]string, len(cfg.Sources.Folders))
	for _, f := range cfg.Sources.Folders {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("%w: folders contains an empty path", ErrConfig)
		}
		base := filepath.Base(filepath.Clean(f))
		if prev, ok := seen[base]; ok {
			return fmt.Errorf("%w: folders %q and %q share the name %q", ErrConfig, prev, f, base)
		}
		seen[base] = f
		if slices.Contains(cfg.Sources.Exclude, base) {
			return fmt.Errorf("%w: folder %q is itself excluded by name", ErrConfig, f)
		}
	}

	if cfg.Transfer.Workers < 1 {
		return fmt.Errorf("%w: workers must be at least 1", ErrConfig)
	}

	switch cfg.Transfer.UploadFailurePolicy {
	case models.UploadPolicyAbort, models.UploadPolicyContinue:
	default:
		return fmt.Errorf("%w: upload_failure_policy must be one of: abort, continue", ErrConfig)
	}

	if cfg.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrConfig)
	}

	if cfg.Database != nil {
		if err := ValidateDatabase(cfg.Database); err != nil {
			return err
		}
		if prev, ok := seen[filepath.Base(filepath.Clean(cfg.Database.StagingDir))]; ok && cfg.Database.StagingDir != "" {
			return fmt.Errorf("%w: staging_dir %q shares its name with folder %q", ErrConfig, cfg.Database.StagingDir, prev)
		}
	}

	return nil
}

// ValidateDatabase performs validation on a database export configuration.
func ValidateDatabase(db *models.DatabaseConfig) error {
	if db.User == "" {
		return fmt.Errorf("%w: database user is required", ErrConfig)
	}

	if len(db.Databases) == 0 {
		return fmt.Errorf("%w: databases is required", ErrConfig)
	}

	if db.Port < 1 || db.Port > 65535 {
		return fmt.Errorf("%w: database port %d is out of range", ErrConfig, db.Port)
	}

	return nil
}
