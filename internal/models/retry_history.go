package models

import "time"

// RetryOutcome is the terminal result of a single retry attempt.
type RetryOutcome string

const (
	RetrySuccess RetryOutcome = "success"
	RetryFailed  RetryOutcome = "failed"
)

// RetryHistoryEntry records one attempt made by the retry engine (C6)
// against a crawler execution (spec §3.1, §4.6).
type RetryHistoryEntry struct {
	Attempt         int          `json:"attempt"`
	Engine          Engine       `json:"engine"`
	UseProxy        bool         `json:"use_proxy"`
	StartedAt       time.Time    `json:"started_at"`
	CompletedAt     time.Time    `json:"completed_at"`
	Status          RetryOutcome `json:"status"`
	ErrorType       string       `json:"error_type,omitempty"`
	ErrorMessage    string       `json:"error_message,omitempty"`
	DurationSeconds float64      `json:"duration_seconds"`
}
