// Package storage defines the Job Store (C2) contract: an ordered mapping
// from job_id to job record, plus owned collections of pages and crawled
// files, with optimistic concurrency and fuzzy duplicate detection.
package storage

import (
	"context"
	"time"

	"github.com/ternarybob/docuflow/internal/models"
)

// ListFilter narrows ListByUser and FindCrawlerJobs queries (spec §4.2).
type ListFilter struct {
	Status models.JobStatus
	Type   models.JobType
	Limit  int
	Offset int
}

// JobStore is the Job Store contract (spec §4.2). Concurrent updates to the
// same job use optimistic concurrency on Version: Put writes only when the
// caller's Version matches the stored one and otherwise, after a bounded
// number of re-reads, surfaces errs.Conflict; it does not re-apply the
// caller's changes to a fresh copy. Each job, page and crawled-file row is
// written by its own store call: multi-row calls (UpdatePages,
// PutCrawledFiles, Delete's cascade) are not one transaction, and a failure
// partway through leaves the rows written before it in place.
type JobStore interface {
	// Put inserts or updates job, enforcing optimistic concurrency via
	// job.Version. Callers pass the version they last read; Put increments
	// it on success or returns errs.Conflict after exhausting retries.
	Put(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)
	// Delete cascades to owned pages and crawled files.
	Delete(ctx context.Context, id string) error

	ListByUser(ctx context.Context, userID string, filter ListFilter) ([]*models.Job, error)
	FindCrawlerJobs(ctx context.Context, userID string, filter ListFilter) ([]*models.Job, error)
	// FindActiveCrawlers returns every crawler job in StatusActive, used by
	// the scheduler to rehydrate its in-memory registry on startup.
	FindActiveCrawlers(ctx context.Context) ([]*models.Job, error)
	// FindCrawlerExecutions returns the execution child rows of a crawler
	// job, newest first.
	FindCrawlerExecutions(ctx context.Context, crawlerJobID string) ([]*models.Job, error)
	// FindStaleProcessing returns every job in StatusProcessing whose
	// LastHeartbeat (or UpdatedAt, if LastHeartbeat was never stamped) is
	// older than cutoff, used by the background heartbeat sweep to detect
	// jobs a crashed worker abandoned mid-flight.
	FindStaleProcessing(ctx context.Context, cutoff time.Time) ([]*models.Job, error)

	UpdatePages(ctx context.Context, jobID string, pages []*models.Page) error
	GetPages(ctx context.Context, jobID string, filter ListFilter) ([]*models.Page, error)
	// FindPageByID looks up a page by its own ID, independent of its owning
	// job, for RetryPage (spec §6.4) where callers hold only the page_job_id.
	FindPageByID(ctx context.Context, pageID string) (*models.Page, error)

	PutCrawledFiles(ctx context.Context, executionID string, files []*models.CrawledFile) error
	GetCrawledFiles(ctx context.Context, executionID string) ([]*models.CrawledFile, error)

	// FindSimilar returns the non-terminal jobs whose stored URLPattern
	// matches pattern exactly or by Levenshtein distance <= 2 (spec §4.2
	// duplicate detection contract). Never blocks job creation; callers
	// attach the result as an advisory warning.
	FindSimilar(ctx context.Context, pattern string) ([]*models.Job, error)
}
