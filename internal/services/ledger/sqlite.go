package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fgeck/gosftp-homelab/internal/models"

	_ "modernc.org/sqlite"
)

// SQLite persists runs in a `backups` table.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite initializes (or reuses) a SQLite ledger at the provided path.
func OpenSQLite(path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("database path cannot be empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	const schema = `
CREATE TABLE IF NOT EXISTS backups (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        timestamp TEXT NOT NULL,
        total_files INTEGER NOT NULL,
        uploaded_files INTEGER NOT NULL,
        remote_path TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_backups_timestamp ON backups(timestamp);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Append inserts one row.
func (s *SQLite) Append(ctx context.Context, run models.BackupRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO backups (timestamp, total_files, uploaded_files, remote_path) VALUES (?, ?, ?, ?)`,
		run.Timestamp, run.TotalFiles, run.UploadedFiles, run.RemoteRoot)
	if err != nil {
		return fmt.Errorf("insert backup record: %w", err)
	}
	return nil
}

// List returns every row, newest first.
func (s *SQLite) List(ctx context.Context) ([]models.BackupRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, total_files, uploaded_files, remote_path FROM backups ORDER BY timestamp DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query backups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []models.BackupRun
	for rows.Next() {
		var run models.BackupRun
		if err := rows.Scan(&run.Timestamp, &run.TotalFiles, &run.UploadedFiles, &run.RemoteRoot); err != nil {
			return nil, fmt.Errorf("scan backup record: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backups: %w", err)
	}
	return runs, nil
}

// Close releases the underlying database resources.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
