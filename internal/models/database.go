package models

import "time"

// DatabaseConfig holds the optional database export settings.
type DatabaseConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	Databases      []string // each maps to <name>.sql in StagingDir
	StagingDir     string
	DumpBinary     string
	Compress       bool // zstd the artifact into <name>.sql.zst
	AbortOnFailure bool
}

// DumpResult holds the result of a database export.
type DumpResult struct {
	StagingDir string
	Artifacts  []string // in database order
	SizeBytes  int64
	Duration   time.Duration
	Error      error // first failure, if any; Artifacts holds what succeeded before it
}
