package models

import "time"

// TimestampFormat is the layout of snapshot directory names (YYYY-MM-DD-HH-MM-SS).
const TimestampFormat = "2006-01-02-15-04-05"

// TransferState is a step of the transfer engine state machine.
type TransferState string

// Transfer engine states.
const (
	StateIdle        TransferState = "idle"
	StateConnected   TransferState = "connected"
	StateRootCreated TransferState = "root_created"
	StateMirroring   TransferState = "mirroring"
	StateClosed      TransferState = "closed"
	StateAborted     TransferState = "aborted"
)

// BackupRun is the auditable record of one snapshot.
type BackupRun struct {
	Timestamp     string `json:"timestamp"`
	RemoteRoot    string `json:"remote_path"`
	TotalFiles    int    `json:"total_files"`
	UploadedFiles int    `json:"uploaded_files"`
}

// FileFailure records a single file that could not be uploaded.
type FileFailure struct {
	LocalPath  string
	RemotePath string
	Error      error
}

// TransferRequest describes one run of the transfer engine.
type TransferRequest struct {
	Connection SFTPConfig
	Sources    []string
	Exclude    []string
	Timestamp  string // fixed once at run creation
}

// TransferResult holds the outcome of a transfer engine run.
type TransferResult struct {
	Run           BackupRun
	State         TransferState
	Folder        string // folder being mirrored when the run stopped
	BytesUploaded int64
	Failures      []FileFailure
	Duration      time.Duration
	Error         error
}

// ProgressSnapshot is a consistent view of upload progress.
type ProgressSnapshot struct {
	Uploaded   int
	Total      int
	Percentage float64
	Elapsed    time.Duration
	Remaining  time.Duration
}
