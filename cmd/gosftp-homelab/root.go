package main

import (
	"io"
	"os"
	"strings"

	"github.com/juju/lumberjack/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "dev"

	// Configuration flags.
	configFile string
	verbose    bool
	quiet      bool
	jsonOutput bool
	logFile    string

	// fileLog is closed after the command finishes.
	fileLog io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "gosftp-homelab",
	Short: "Timestamped SFTP snapshots for homelab environments",
	Long: `gosftp-homelab copies local folders into a new timestamped directory on an
SFTP server on every run. It handles:
  - Wake-on-LAN to wake the backup target
  - MySQL/MariaDB exports via mysqldump, shipped with the snapshot
  - credentials from HashiCorp Vault
  - a JSON lines (and optional SQLite) history of every snapshot
  - Telegram notifications

Use as a one-shot command with an external scheduler (cron, systemd timer, etc.)`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if fileLog != nil {
			_ = fileLog.Close()
		}
	},
	SilenceUsage: true,
	Version:      Version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (required)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose (debug) output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "enable quiet mode (errors only)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output logs in JSON format")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write JSON logs to a rotating file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(serveCmd)
}

func setupLogging() {
	// Set output format
	var console io.Writer
	if jsonOutput {
		console = os.Stdout
	} else {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
		output.FormatLevel = func(i interface{}) string {
			if s, ok := i.(string); ok {
				return strings.ToUpper(s)
			}
			return ""
		}
		console = output
	}

	if logFile != "" {
		rotating := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			Compress:   true,
		}
		fileLog = rotating
		console = zerolog.MultiLevelWriter(console, rotating)
	}

	log.Logger = zerolog.New(console).With().Timestamp().Logger()

	// Set log level
	switch {
	case quiet:
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case verbose:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// progressOutput is where the progress bar is drawn. Logs go to stdout, so the
// bar uses stderr; nil when it would interleave with machine readable or
// suppressed output.
func progressOutput() io.Writer {
	if jsonOutput || quiet {
		return nil
	}
	return os.Stderr
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
