// Package progress tracks upload completion and publishes it.
package progress

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fgeck/gosftp-homelab/internal/models"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

const defaultBarWidth = 40

// Tracker receives one event per completed file upload.
type Tracker interface {
	// OnFileCompleted returns the completion percentage for the new state.
	OnFileCompleted(uploaded, total int) float64
}

// Compute derives percentage and remaining time from counters and elapsed time.
// An empty manifest is reported as complete.
func Compute(uploaded, total int, elapsed time.Duration) models.ProgressSnapshot {
	snap := models.ProgressSnapshot{
		Uploaded: uploaded,
		Total:    total,
		Elapsed:  elapsed,
	}

	if total <= 0 {
		snap.Percentage = 100
		return snap
	}

	snap.Percentage = 100 * float64(uploaded) / float64(total)
	if snap.Percentage > 100 {
		snap.Percentage = 100
	}
	if snap.Percentage < 0 {
		snap.Percentage = 0
	}

	if uploaded > 0 && uploaded < total {
		perFile := elapsed / time.Duration(uploaded)
		snap.Remaining = perFile * time.Duration(total-uploaded)
	}
	return snap
}

// FormatDuration renders d as hh:mm:ss.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int64(d.Round(time.Second) / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs/60)%60, secs%60)
}

// Impl renders a console bar and overwrites a status file on every update.
type Impl struct {
	clock      clock.Clock
	startedAt  time.Time
	out        io.Writer
	statusFile string
	barWidth   int
	filled     lipgloss.Style
	empty      lipgloss.Style
	logger     zerolog.Logger

	mu   sync.Mutex
	last models.ProgressSnapshot
}

// New creates a tracker whose elapsed time starts now. A nil out disables the
// console view; an empty statusFile disables the status artifact.
func New(logger zerolog.Logger, out io.Writer, statusFile string) *Impl {
	return NewWithClock(logger, out, statusFile, clock.WallClock)
}

// NewWithClock creates a tracker with a custom clock (for testing).
func NewWithClock(logger zerolog.Logger, out io.Writer, statusFile string, clk clock.Clock) *Impl {
	return &Impl{
		clock:      clk,
		startedAt:  clk.Now(),
		out:        out,
		statusFile: statusFile,
		barWidth:   defaultBarWidth,
		filled:     lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		empty:      lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		logger:     logger,
	}
}

// OnFileCompleted implements Tracker. Updates never move the counter backwards.
func (t *Impl) OnFileCompleted(uploaded, total int) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if uploaded < t.last.Uploaded && total == t.last.Total {
		uploaded = t.last.Uploaded
	}
	snap := Compute(uploaded, total, t.clock.Now().Sub(t.startedAt))
	t.last = snap

	t.render(snap)
	t.persist(snap)

	t.logger.Debug().
		Int("uploaded", snap.Uploaded).
		Int("total", snap.Total).
		Float64("percentage", snap.Percentage).
		Str("remaining", FormatDuration(snap.Remaining)).
		Msg("progress updated")

	return snap.Percentage
}

// Snapshot returns the last published state.
func (t *Impl) Snapshot() models.ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

func (t *Impl) render(snap models.ProgressSnapshot) {
	if t.out == nil {
		return
	}

	done := int(snap.Percentage / 100 * float64(t.barWidth))
	bar := t.filled.Render(strings.Repeat("█", done)) +
		t.empty.Render(strings.Repeat("░", t.barWidth-done))

	line := fmt.Sprintf("\r[%s] %6.2f%% (%d/%d) elapsed %s remaining %s",
		bar, snap.Percentage, snap.Uploaded, snap.Total,
		FormatDuration(snap.Elapsed), FormatDuration(snap.Remaining))
	if snap.Uploaded >= snap.Total {
		line += "\n"
	}
	_, _ = io.WriteString(t.out, line)
}

// persist replaces the status file atomically so pollers never read a partial value.
func (t *Impl) persist(snap models.ProgressSnapshot) {
	if t.statusFile == "" {
		return
	}
	if err := writeStatus(t.statusFile, snap.Percentage); err != nil {
		t.logger.Warn().Err(err).Str("file", t.statusFile).Msg("failed to write status file")
	}
}

func writeStatus(path string, percentage float64) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".status-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.WriteString(strconv.FormatFloat(percentage, 'f', 2, 64)); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing status: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// ReadStatus returns the percentage stored in a status file, or 0 when absent.
func ReadStatus(path string) (float64, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
}
