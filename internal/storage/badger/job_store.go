package badger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/docuflow/internal/blobstore"
	"github.com/ternarybob/docuflow/internal/errs"
	"github.com/ternarybob/docuflow/internal/models"
	"github.com/ternarybob/docuflow/internal/storage"
)

var (
	errMissingID       = errors.New("job store: job ID is required")
	errVersionMismatch = errors.New("job store: version mismatch on concurrent update")
)

// maxSimilarDistance is the Levenshtein edit-distance threshold for fuzzy
// duplicate detection (spec §4.2 duplicate detection contract).
const maxSimilarDistance = 2

// JobStore is the badgerhold-backed implementation of storage.JobStore.
type JobStore struct {
	db              *DB
	blobs           blobstore.Store
	logger          arbor.ILogger
	conflictRetries int
}

// NewJobStore constructs a JobStore. conflictRetries bounds the
// read-modify-write retry loop on optimistic concurrency conflicts
// (spec §4.2 transactional boundary). blobs is used by Delete to cascade
// to a job's stored blobs alongside its owned rows (spec §4.2).
func NewJobStore(db *DB, blobs blobstore.Store, logger arbor.ILogger, conflictRetries int) storage.JobStore {
	if conflictRetries <= 0 {
		conflictRetries = 5
	}
	return &JobStore{db: db, blobs: blobs, logger: logger, conflictRetries: conflictRetries}
}

// Put enforces optimistic concurrency on models.Job.Version: the caller's
// in-memory job must match the stored version. On a mismatch Put re-reads
// the stored row up to conflictRetries times with a short jittered backoff
// and writes only if a later read matches; the caller's changes are not
// re-applied to the freshly-read copy, so a mismatch that persists ends in
// errs.Conflict (spec §4.2).
func (s *JobStore) Put(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return errs.New(errs.InvalidInput, "JobStore.Put", errMissingID)
	}

	for attempt := 0; attempt <= s.conflictRetries; attempt++ {
		var existing models.Job
		err := s.db.Store().Get(job.ID, &existing)
		switch err {
		case nil:
			if existing.Version != job.Version {
				if attempt == s.conflictRetries {
					return errs.New(errs.Conflict, "JobStore.Put", errVersionMismatch)
				}
				s.backoff(attempt)
				continue
			}
		case badgerhold.ErrNotFound:
			if job.Version != 0 {
				return errs.New(errs.Conflict, "JobStore.Put", errVersionMismatch)
			}
		default:
			return errs.New(errs.Fatal, "JobStore.Put", err)
		}

		job.Version++
		job.UpdatedAt = time.Now()
		if err := s.db.Store().Upsert(job.ID, job); err != nil {
			return errs.New(errs.Fatal, "JobStore.Put", err)
		}
		return nil
	}
	return errs.New(errs.Conflict, "JobStore.Put", errVersionMismatch)
}

// backoff applies a small jittered delay between optimistic-concurrency
// retry attempts.
func (s *JobStore) backoff(attempt int) {
	time.Sleep(time.Duration(attempt+1)*5*time.Millisecond + time.Duration(rand.Intn(5))*time.Millisecond)
}

func (s *JobStore) Get(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(id, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, errs.New(errs.NotFound, "JobStore.Get", err)
		}
		return nil, errs.New(errs.Fatal, "JobStore.Get", err)
	}
	return &job, nil
}

// Delete removes job and cascades to its owned pages, crawled files, their
// stored blobs, and any child jobs (split/merge trackers, crawler
// executions), recursively (spec §4.2, §3.2: "a crawler job exclusively
// owns its execution-job children and, transitively, their CrawledFile
// rows and stored blobs").
func (s *JobStore) Delete(ctx context.Context, id string) error {
	var children []models.Job
	if err := s.db.Store().Find(&children, badgerhold.Where("ParentJobID").Eq(id)); err != nil {
		return errs.New(errs.Fatal, "JobStore.Delete", err)
	}
	for _, child := range children {
		if err := s.Delete(ctx, child.ID); err != nil {
			return err
		}
	}

	if err := s.db.Store().DeleteMatching(&models.Page{}, badgerhold.Where("JobID").Eq(id)); err != nil {
		return errs.New(errs.Fatal, "JobStore.Delete", err)
	}
	if err := s.db.Store().DeleteMatching(&models.CrawledFile{}, badgerhold.Where("ExecutionID").Eq(id)); err != nil {
		return errs.New(errs.Fatal, "JobStore.Delete", err)
	}

	if s.blobs != nil {
		for _, bucket := range []string{blobstore.BucketUploads, blobstore.BucketPages, blobstore.BucketResults, blobstore.BucketCrawled} {
			if err := s.blobs.DeletePrefix(ctx, bucket, id+"/"); err != nil {
				return errs.New(errs.Fatal, "JobStore.Delete", fmt.Errorf("delete blobs in %s: %w", bucket, err))
			}
		}
	}

	if err := s.db.Store().Delete(id, &models.Job{}); err != nil && err != badgerhold.ErrNotFound {
		return errs.New(errs.Fatal, "JobStore.Delete", err)
	}
	return nil
}

func (s *JobStore) ListByUser(ctx context.Context, userID string, filter storage.ListFilter) ([]*models.Job, error) {
	query := badgerhold.Where("UserID").Eq(userID)
	query = applyFilter(query, filter)
	query = query.SortBy("CreatedAt").Reverse()

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, errs.New(errs.Fatal, "JobStore.ListByUser", err)
	}
	return toPointers(jobs), nil
}

func (s *JobStore) FindCrawlerJobs(ctx context.Context, userID string, filter storage.ListFilter) ([]*models.Job, error) {
	query := badgerhold.Where("UserID").Eq(userID).And("JobType").Eq(models.JobTypeCrawler)
	query = applyFilter(query, filter)
	query = query.SortBy("CreatedAt").Reverse()

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, errs.New(errs.Fatal, "JobStore.FindCrawlerJobs", err)
	}
	return toPointers(jobs), nil
}

// FindActiveCrawlers returns every crawler job in StatusActive, used by the
// scheduler to rehydrate its in-memory registry on startup.
func (s *JobStore) FindActiveCrawlers(ctx context.Context) ([]*models.Job, error) {
	query := badgerhold.Where("JobType").Eq(models.JobTypeCrawler).And("Status").Eq(models.StatusActive)
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, errs.New(errs.Fatal, "JobStore.FindActiveCrawlers", err)
	}
	return toPointers(jobs), nil
}

func (s *JobStore) FindCrawlerExecutions(ctx context.Context, crawlerJobID string) ([]*models.Job, error) {
	query := badgerhold.Where("ParentJobID").Eq(crawlerJobID).SortBy("CreatedAt").Reverse()
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, errs.New(errs.Fatal, "JobStore.FindCrawlerExecutions", err)
	}
	return toPointers(jobs), nil
}

// FindStaleProcessing returns every StatusProcessing job whose last-seen
// liveness signal predates cutoff, grounded on the teacher's
// GetStaleJobs/DetectStaleJobs pattern (staleJobDetectorLoop).
func (s *JobStore) FindStaleProcessing(ctx context.Context, cutoff time.Time) ([]*models.Job, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("Status").Eq(models.StatusProcessing)); err != nil {
		return nil, errs.New(errs.Fatal, "JobStore.FindStaleProcessing", err)
	}
	var stale []*models.Job
	for i := range jobs {
		j := &jobs[i]
		last := j.LastHeartbeat
		if last.IsZero() {
			last = j.UpdatedAt
		}
		if last.Before(cutoff) {
			stale = append(stale, j)
		}
	}
	return stale, nil
}

func (s *JobStore) UpdatePages(ctx context.Context, jobID string, pages []*models.Page) error {
	for _, p := range pages {
		p.JobID = jobID
		p.UpdatedAt = time.Now()
		key := pageKey(jobID, p.PageNumber)
		if err := s.db.Store().Upsert(key, p); err != nil {
			return errs.New(errs.Fatal, "JobStore.UpdatePages", err)
		}
	}
	return nil
}

func (s *JobStore) GetPages(ctx context.Context, jobID string, filter storage.ListFilter) ([]*models.Page, error) {
	query := badgerhold.Where("JobID").Eq(jobID).SortBy("PageNumber")
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Skip(filter.Offset)
	}
	var pages []models.Page
	if err := s.db.Store().Find(&pages, query); err != nil {
		return nil, errs.New(errs.Fatal, "JobStore.GetPages", err)
	}
	result := make([]*models.Page, len(pages))
	for i := range pages {
		result[i] = &pages[i]
	}
	return result, nil
}

func (s *JobStore) FindPageByID(ctx context.Context, pageID string) (*models.Page, error) {
	var pages []models.Page
	if err := s.db.Store().Find(&pages, badgerhold.Where("ID").Eq(pageID)); err != nil {
		return nil, errs.New(errs.Fatal, "JobStore.FindPageByID", err)
	}
	if len(pages) == 0 {
		return nil, errs.New(errs.NotFound, "JobStore.FindPageByID", fmt.Errorf("page %s not found", pageID))
	}
	return &pages[0], nil
}

func (s *JobStore) PutCrawledFiles(ctx context.Context, executionID string, files []*models.CrawledFile) error {
	for _, f := range files {
		f.ExecutionID = executionID
		if err := s.db.Store().Upsert(f.ID, f); err != nil {
			return errs.New(errs.Fatal, "JobStore.PutCrawledFiles", err)
		}
	}
	return nil
}

func (s *JobStore) GetCrawledFiles(ctx context.Context, executionID string) ([]*models.CrawledFile, error) {
	query := badgerhold.Where("ExecutionID").Eq(executionID).SortBy("DownloadedAt")
	var files []models.CrawledFile
	if err := s.db.Store().Find(&files, query); err != nil {
		return nil, errs.New(errs.Fatal, "JobStore.GetCrawledFiles", err)
	}
	result := make([]*models.CrawledFile, len(files))
	for i := range files {
		result[i] = &files[i]
	}
	return result, nil
}

// FindSimilar scans non-terminal jobs and keeps those whose URLPattern
// matches pattern exactly or within maxSimilarDistance Levenshtein edits
// (spec §4.2). The scan never blocks or fails job creation: callers treat
// errors here as "no matches found".
func (s *JobStore) FindSimilar(ctx context.Context, pattern string) ([]*models.Job, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("URLPattern").Ne("")); err != nil {
		return nil, errs.New(errs.Fatal, "JobStore.FindSimilar", err)
	}

	var matches []*models.Job
	for i := range jobs {
		j := &jobs[i]
		if j.Status.IsTerminal() {
			continue
		}
		if j.URLPattern == pattern {
			matches = append(matches, j)
			continue
		}
		if levenshtein.ComputeDistance(j.URLPattern, pattern) <= maxSimilarDistance {
			matches = append(matches, j)
		}
	}
	return matches, nil
}

func applyFilter(query *badgerhold.Query, filter storage.ListFilter) *badgerhold.Query {
	if filter.Status != "" {
		query = query.And("Status").Eq(filter.Status)
	}
	if filter.Type != "" {
		query = query.And("JobType").Eq(filter.Type)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Skip(filter.Offset)
	}
	return query
}

func toPointers(jobs []models.Job) []*models.Job {
	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result
}

func pageKey(jobID string, pageNumber int) string {
	return jobID + "#page#" + strconv.Itoa(pageNumber)
}
