package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/gosftp-homelab/internal/models"
	"github.com/fgeck/gosftp-homelab/internal/services/ledger"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded snapshots, newest first",
	RunE:  showHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of snapshots to show (0 for all)")
}

func showHistory(cmd *cobra.Command, args []string) error {
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

	runs, err := l.List(context.Background())
	if err != nil {
		log.Error().Err(err).Msg("failed to read ledger")
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No snapshots recorded yet.")
		return nil
	}
	if historyLimit > 0 && historyLimit < len(runs) {
		runs = runs[:historyLimit]
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tAGE\tFILES\tREMOTE PATH")
	for _, r := range runs {
		files := fmt.Sprintf("%d/%d", r.UploadedFiles, r.TotalFiles)
		if r.UploadedFiles < r.TotalFiles {
			files += " (partial)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Timestamp, age(r.Timestamp), files, r.RemoteRoot)
	}
	return w.Flush()
}

// age renders a snapshot timestamp relative to now.
func age(timestamp string) string {
	t, err := time.ParseInLocation(models.TimestampFormat, timestamp, time.Local)
	if err != nil {
		return "-"
	}
	return humanize.Time(t)
}
