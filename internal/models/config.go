// Package models contains the data structures used throughout gosftp-homelab.
package models

import "time"

// Upload failure policies.
const (
	UploadPolicyAbort    = "abort"
	UploadPolicyContinue = "continue"
)

// BackupConfig holds the complete configuration for a backup run.
type BackupConfig struct {
	SFTP     SFTPConfig
	Sources  SourceSettings
	Transfer TransferSettings
	Ledger   LedgerConfig
	Timeout  time.Duration   // zero means no run deadline
	Database *DatabaseConfig // nil if not configured
	WOL      *WOLConfig      // nil if not configured
	Telegram *TelegramConfig // nil if not configured
	Vault    *VaultConfig    // nil if not configured
}

// SFTPConfig holds the remote host connection settings.
type SFTPConfig struct {
	Host           string
	Port           int
	Username       string
	Password       string
	KnownHostsPath string // optional; host keys are not verified when empty
	RemotePath     string // base path under which timestamped snapshots are created
}

// SourceSettings describes what gets mirrored.
type SourceSettings struct {
	Folders []string // ordered tree roots
	Exclude []string // directory entry names pruned anywhere in a tree
}

// TransferSettings tunes the transfer engine.
type TransferSettings struct {
	Workers             int    // concurrent uploads per remote directory
	UploadFailurePolicy string // "abort" (default) or "continue"
	StatusFile          string // continuously overwritten completion percentage
}

// LedgerConfig locates the backup history stores.
type LedgerConfig struct {
	Path       string // JSON lines file
	SQLitePath string // optional SQLite mirror
}
