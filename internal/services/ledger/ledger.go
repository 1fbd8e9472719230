// Package ledger records completed backup runs in append-only stores.
package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fgeck/gosftp-homelab/internal/models"
)

// Ledger is an append-only history of backup runs.
type Ledger interface {
	Append(ctx context.Context, run models.BackupRun) error
	// List returns every recorded run, newest first.
	List(ctx context.Context) ([]models.BackupRun, error)
	Close() error
}

// File stores one JSON record per line.
type File struct {
	path string
	mu   sync.Mutex
}

// OpenFile prepares a JSON lines ledger at path, creating its directory.
func OpenFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("ledger path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	return &File{path: path}, nil
}

// Append writes run as a single line at the end of the file.
func (f *File) Append(_ context.Context, run models.BackupRun) error {
	line, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode ledger record: %w", err)
	}
	line = append(line, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()

	fh, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640) //nolint:gosec // operator supplied path
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	if _, err := fh.Write(line); err != nil {
		_ = fh.Close()
		return fmt.Errorf("append ledger record: %w", err)
	}
	if err := fh.Sync(); err != nil {
		_ = fh.Close()
		return fmt.Errorf("sync ledger: %w", err)
	}
	return fh.Close()
}

// List reads all records. Lines that fail to decode are reported as an error.
func (f *File) List(ctx context.Context) ([]models.BackupRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fh, err := os.Open(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer func() { _ = fh.Close() }()

	var runs []models.BackupRun
	scanner := bufio.NewScanner(fh)
	lineNo := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lineNo++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var run models.BackupRun
		if err := json.Unmarshal(scanner.Bytes(), &run); err != nil {
			return nil, fmt.Errorf("decode ledger line %d: %w", lineNo, err)
		}
		runs = append(runs, run)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	// Timestamps sort lexically in chronological order.
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].Timestamp > runs[j].Timestamp })
	return runs, nil
}

// Close is a no-op; the file is opened per append.
func (f *File) Close() error { return nil }

// Multi fans appends out to several ledgers and lists from the first.
type Multi struct {
	ledgers []Ledger
}

// NewMulti combines ledgers. The first one is the primary read source.
func NewMulti(ledgers ...Ledger) *Multi {
	return &Multi{ledgers: ledgers}
}

// Append writes to every ledger and reports all failures.
func (m *Multi) Append(ctx context.Context, run models.BackupRun) error {
	var errs []error
	for _, l := range m.ledgers {
		if err := l.Append(ctx, run); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// List reads from the primary ledger.
func (m *Multi) List(ctx context.Context) ([]models.BackupRun, error) {
	if len(m.ledgers) == 0 {
		return nil, nil
	}
	return m.ledgers[0].List(ctx)
}

// Close closes every ledger.
func (m *Multi) Close() error {
	var errs []error
	for _, l := range m.ledgers {
		errs = append(errs, l.Close())
	}
	return errors.Join(errs...)
}

// Open builds the ledger described by cfg: the JSON lines file, plus the
// SQLite mirror when configured.
func Open(cfg models.LedgerConfig) (Ledger, error) {
	file, err := OpenFile(cfg.Path)
	if err != nil {
		return nil, err
	}
	if cfg.SQLitePath == "" {
		return file, nil
	}
	db, err := OpenSQLite(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	return NewMulti(file, db), nil
}
