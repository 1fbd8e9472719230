package models

// VaultConfig locates credentials kept in HashiCorp Vault.
type VaultConfig struct {
	Address    string
	Token      string
	SecretPath string // e.g. "secret/data/backup"
}

// Credentials are passwords resolved from Vault. Empty fields leave the config untouched.
type Credentials struct {
	SFTPPassword     string `mapstructure:"sftp_password"`
	DatabasePassword string `mapstructure:"database_password"`
}
