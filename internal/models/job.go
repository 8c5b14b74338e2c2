// Package models defines the persisted entities of the job store (C2):
// Job (single-table, discriminated by JobType), Page, and CrawledFile, plus
// the CrawlerConfig/CrawlerSchedule value objects carried as JSON blobs on
// crawler jobs.
package models

import "time"

// JobType discriminates the single jobs table (spec §3.1, §9 single-table
// polymorphism).
type JobType string

const (
	JobTypeMain    JobType = "main"
	JobTypeSplit   JobType = "split"
	JobTypePage    JobType = "page"
	JobTypeMerge   JobType = "merge"
	JobTypeCrawler JobType = "crawler"
)

// JobStatus enumerates every state in the §4.5.3 state machine, including
// the crawler-only extra states.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
	StatusPaused     JobStatus = "paused"
	StatusStopped    JobStatus = "stopped"
	StatusActive     JobStatus = "active" // crawler-only: registered and scheduled
)

// SourceType enumerates where a main job's input came from.
type SourceType string

const (
	SourceFile    SourceType = "file"
	SourceURL     SourceType = "url"
	SourceGDrive  SourceType = "gdrive"
	SourceDropbox SourceType = "dropbox"
	SourceCrawler SourceType = "crawler"
)

// Job is the single polymorphic job row described in spec §3.1. Pipeline
// specifics for crawler jobs live in the two nullable JSON blobs.
type Job struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	JobType         JobType    `json:"job_type"`
	Status          JobStatus  `json:"status"`
	Progress        int        `json:"progress"` // 0..100, monotonic within one execution (invariant 1)
	SourceType      SourceType `json:"source_type"`
	SourceURL       string     `json:"source_url,omitempty"`
	Name            string     `json:"name"`
	ParentJobID     string     `json:"parent_job_id,omitempty"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       time.Time  `json:"started_at,omitempty"`
	CompletedAt     time.Time  `json:"completed_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
	TotalPages      int        `json:"total_pages"`
	PagesCompleted  int        `json:"pages_completed"`
	PagesFailed     int        `json:"pages_failed"`
	MinioUploadPath string     `json:"minio_upload_path,omitempty"`
	MinioResultPath string     `json:"minio_result_path,omitempty"`

	// Crawler-specific JSON blobs. Invariant: non-nil only when
	// JobType == JobTypeCrawler; both nil otherwise (spec §3.1 invariant 1).
	CrawlerConfig   *CrawlerConfig   `json:"crawler_config,omitempty"`
	CrawlerSchedule *CrawlerSchedule `json:"crawler_schedule,omitempty"`

	// Crawler-execution-only fields, populated on execution (JobTypeCrawler
	// child rows representing a single run), per spec §3.1 invariant 4.
	EngineUsed   string              `json:"engine_used,omitempty"`
	ProxyUsed    bool                `json:"proxy_used,omitempty"`
	RetryHistory []RetryHistoryEntry `json:"retry_history,omitempty"`

	// LastHeartbeat tracks worker liveness for idempotency checks and the
	// stale-job sweep (SPEC_FULL §3 supplemented feature).
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`

	// Version backs optimistic concurrency (spec §4.2 transactional
	// boundary). Incremented on every successful Put.
	Version int64 `json:"version"`

	// MergeDeadlineExceeded records §4.5.1's "merge never blocks
	// indefinitely" condition for observability.
	MergeDeadlineExceeded bool `json:"merge_deadline_exceeded,omitempty"`

	// URLPattern is the normalized+wildcarded pattern of SourceURL used by
	// C2's FindSimilar fuzzy duplicate detection (spec §4.2).
	URLPattern string `json:"url_pattern,omitempty"`
}

// IsTerminal reports whether status cannot transition further under normal
// operation (spec §4.5.3).
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusStopped:
		return true
	default:
		return false
	}
}

// validTransitions enumerates the state machine from spec §4.5.3. A
// transition not listed here is rejected (testable property P2).
var validTransitions = map[JobStatus]map[JobStatus]bool{
	StatusQueued: {
		StatusProcessing: true,
		StatusCancelled:  true,
	},
	StatusProcessing: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	// crawler-only extra states
	StatusActive: {
		StatusPaused:  true,
		StatusStopped: true,
	},
	StatusPaused: {
		StatusActive:  true,
		StatusStopped: true,
	},
}

// CanTransition reports whether moving from 'from' to 'to' is a legal
// transition under the §4.5.3 state machine. Cancelling an already-terminal
// job is idempotent (law L3) and is special-cased by callers, not here.
func CanTransition(from, to JobStatus) bool {
	if from == to {
		return true
	}
	next, ok := validTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}
