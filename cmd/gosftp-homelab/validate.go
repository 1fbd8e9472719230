package main

import (
	"fmt"
	"os"

	"github.com/fgeck/gosftp-homelab/internal/services/sftp"
	"github.com/fgeck/gosftp-homelab/internal/services/vault"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var checkConnection bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate the configuration file without creating a snapshot.
With --connect, also log in to the SFTP server.`,
	RunE: validateConfig,
}

func init() {
	validateCmd.Flags().BoolVar(&checkConnection, "connect", false, "also test the SFTP login")
}

func validateConfig(cmd *cobra.Command, args []string) error {
	if configFile != "" {
		if _, err := os.Stat(configFile); os.IsNotExist(err) {
			log.Error().Str("file", configFile).Msg("config file not found")
			return fmt.Errorf("config file not found: %s", configFile)
		}
	}

	cfg, err := loadConfig(cmd)
	if err != nil || cfg == nil {
		return err
	}

	// Print configuration summary
	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  Server: %s@%s:%d\n", cfg.SFTP.Username, cfg.SFTP.Host, cfg.SFTP.Port)
	fmt.Printf("  Remote path: %s\n", cfg.SFTP.RemotePath)
	fmt.Printf("  Folders: %v\n", cfg.Sources.Folders)
	fmt.Printf("  Exclude: %v\n", cfg.Sources.Exclude)
	fmt.Printf("  Host key check: %v\n", cfg.SFTP.KnownHostsPath != "")
	fmt.Println()
	fmt.Println("Transfer:")
	fmt.Printf("  Workers: %d\n", cfg.Transfer.Workers)
	fmt.Printf("  Upload failures: %s\n", cfg.Transfer.UploadFailurePolicy)
	fmt.Printf("  Status file: %s\n", cfg.Transfer.StatusFile)
	fmt.Printf("  Ledger: %s\n", cfg.Ledger.Path)
	if cfg.Ledger.SQLitePath != "" {
		fmt.Printf("  SQLite ledger: %s\n", cfg.Ledger.SQLitePath)
	}
	if cfg.Timeout > 0 {
		fmt.Printf("  Timeout: %s\n", cfg.Timeout)
	}
	fmt.Println()
	fmt.Println("Optional Features:")
	fmt.Printf("  Wake-on-LAN: %v\n", cfg.WOL != nil)
	fmt.Printf("  Database dump: %v\n", cfg.Database != nil)
	fmt.Printf("  Vault: %v\n", cfg.Vault != nil)
	fmt.Printf("  Telegram: %v\n", cfg.Telegram != nil)

	if cfg.WOL != nil {
		fmt.Println()
		fmt.Println("WOL Configuration:")
		fmt.Printf("  MAC Address: %s\n", cfg.WOL.MACAddress)
		fmt.Printf("  Broadcast IP: %s\n", cfg.WOL.BroadcastIP)
		if cfg.WOL.TargetAddress != "" {
			fmt.Printf("  Target: %s\n", cfg.WOL.TargetAddress)
		}
	}

	if cfg.Database != nil {
		fmt.Println()
		fmt.Println("Database Configuration:")
		fmt.Printf("  Host: %s\n", cfg.Database.Host)
		fmt.Printf("  Port: %d\n", cfg.Database.Port)
		fmt.Printf("  Databases: %v\n", cfg.Database.Databases)
		fmt.Printf("  Staging dir: %s\n", cfg.Database.StagingDir)
		fmt.Printf("  Compress: %v\n", cfg.Database.Compress)
		fmt.Printf("  Abort on failure: %v\n", cfg.Database.AbortOnFailure)
	}

	if cfg.Vault != nil {
		fmt.Println()
		fmt.Println("Vault Configuration:")
		fmt.Printf("  Address: %s\n", cfg.Vault.Address)
		fmt.Printf("  Secret path: %s\n", cfg.Vault.SecretPath)
	}

	if cfg.Telegram != nil {
		fmt.Println()
		fmt.Println("Telegram Configuration:")
		fmt.Printf("  Chat ID: %s\n", cfg.Telegram.ChatID)
		fmt.Printf("  Bot Token: (configured)\n")
	}

	if !checkConnection {
		return nil
	}

	ctx, cancel := signalContext()
	defer cancel()

	if cfg.Vault != nil {
		creds, err := vault.New(log.Logger).Credentials(ctx, *cfg.Vault)
		if err != nil {
			log.Error().Err(err).Msg("vault lookup failed")
			return err
		}
		vault.Apply(cfg, creds)
	}

	fmt.Println()
	if err := sftp.New(log.Logger).TestConnection(ctx, cfg.SFTP); err != nil {
		log.Error().Err(err).Msg("connection test failed")
		return err
	}
	fmt.Println("Connection test passed.")

	return nil
}
