package models

import "time"

// TelegramConfig holds Telegram notification configuration.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// TelegramMessage holds the data for a backup notification.
type TelegramMessage struct {
	Success   bool
	Host      string
	StartTime time.Time
	Duration  time.Duration

	// Snapshot stats.
	RemoteRoot    string
	TotalFiles    int
	UploadedFiles int
	FailedFiles   int
	BytesUploaded int64
	DumpFailures  []string

	// Error info (if failed).
	ErrorMessage string
	FailedStep   string
}

// TelegramResult holds the result of a Telegram notification.
type TelegramResult struct {
	MessageSent bool
	Error       error
}
