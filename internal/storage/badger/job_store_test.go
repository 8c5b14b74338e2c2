package badger

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/docuflow/internal/blobstore"
	"github.com/ternarybob/docuflow/internal/config"
	"github.com/ternarybob/docuflow/internal/errs"
	"github.com/ternarybob/docuflow/internal/models"
	"github.com/ternarybob/docuflow/internal/storage"
)

func newTestStore(t *testing.T) *JobStore {
	t.Helper()
	dir, err := os.MkdirTemp("", "docuflow-jobstore-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := Open(arbor.NewNoOpLogger(), config.StorageConfig{BadgerPath: dir})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	blobs, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	return NewJobStore(db, blobs, arbor.NewNoOpLogger(), 3).(*JobStore)
}

func TestJobStore_PutGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := &models.Job{ID: "job-1", UserID: "user-1", JobType: models.JobTypeMain, Status: models.StatusQueued}
	require.NoError(t, store.Put(ctx, job))
	assert.Equal(t, int64(1), job.Version)

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.ID)
	assert.Equal(t, int64(1), got.Version)
}

func TestJobStore_Get_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "missing")
	assert.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestJobStore_Put_OptimisticConcurrencyConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := &models.Job{ID: "job-2", UserID: "user-1", JobType: models.JobTypeMain, Status: models.StatusQueued}
	require.NoError(t, store.Put(ctx, job))

	stale := &models.Job{ID: "job-2", UserID: "user-1", JobType: models.JobTypeMain, Status: models.StatusQueued, Version: 0}
	err := store.Put(ctx, stale)
	assert.Error(t, err)
	assert.Equal(t, errs.Conflict, errs.KindOf(err))
}

func TestJobStore_Delete_CascadesPagesAndFiles(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := &models.Job{ID: "job-3", UserID: "user-1", JobType: models.JobTypeMain, Status: models.StatusQueued}
	require.NoError(t, store.Put(ctx, job))
	require.NoError(t, store.UpdatePages(ctx, "job-3", []*models.Page{
		{ID: "p1", PageNumber: 1, Status: models.PageQueued},
	}))
	require.NoError(t, store.PutCrawledFiles(ctx, "job-3", []*models.CrawledFile{
		{ID: "f1", URL: "http://example.com/a"},
	}))

	require.NoError(t, store.Delete(ctx, "job-3"))

	_, err := store.Get(ctx, "job-3")
	assert.Error(t, err)

	pages, err := store.GetPages(ctx, "job-3", storage.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, pages)

	files, err := store.GetCrawledFiles(ctx, "job-3")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestJobStore_Delete_CascadesBlobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := &models.Job{ID: "job-blobs", UserID: "user-1", JobType: models.JobTypeMain, Status: models.StatusQueued}
	require.NoError(t, store.Put(ctx, job))

	_, err := store.blobs.Put(ctx, blobstore.BucketUploads, "job-blobs/source.pdf", []byte("source"), "application/pdf")
	require.NoError(t, err)
	_, err = store.blobs.Put(ctx, blobstore.BucketResults, "job-blobs/merged.md", []byte("# result"), "text/markdown")
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "job-blobs"))

	_, err = store.blobs.Get(ctx, blobstore.BucketUploads, "job-blobs/source.pdf")
	assert.Error(t, err, "uploaded source blob must be removed on job deletion")

	_, err = store.blobs.Get(ctx, blobstore.BucketResults, "job-blobs/merged.md")
	assert.Error(t, err, "merged result blob must be removed on job deletion")
}

func TestJobStore_Delete_CascadesCrawlerExecutionChildren(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	crawlerJob := &models.Job{ID: "crawler-job", UserID: "user-1", JobType: models.JobTypeCrawler, Status: models.StatusActive}
	require.NoError(t, store.Put(ctx, crawlerJob))

	execution := &models.Job{
		ID:          "crawler-job-exec-1",
		UserID:      "user-1",
		JobType:     models.JobTypeCrawler,
		Status:      models.StatusCompleted,
		ParentJobID: crawlerJob.ID,
	}
	require.NoError(t, store.Put(ctx, execution))
	require.NoError(t, store.PutCrawledFiles(ctx, execution.ID, []*models.CrawledFile{
		{ID: "exec-file-1", URL: "http://example.com/a"},
	}))
	_, err := store.blobs.Put(ctx, blobstore.BucketCrawled, execution.ID+"/a.html", []byte("<html></html>"), "text/html")
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, crawlerJob.ID))

	_, err = store.Get(ctx, crawlerJob.ID)
	assert.Error(t, err, "crawler job itself must be deleted")

	_, err = store.Get(ctx, execution.ID)
	assert.Error(t, err, "execution child job must not be orphaned by deleting its parent")

	remainingFiles, err := store.GetCrawledFiles(ctx, execution.ID)
	require.NoError(t, err)
	assert.Empty(t, remainingFiles, "execution child's crawled file rows must cascade-delete with the parent")

	_, err = store.blobs.Get(ctx, blobstore.BucketCrawled, execution.ID+"/a.html")
	assert.Error(t, err, "execution child's crawled blobs must cascade-delete with the parent")
}

func TestJobStore_FindPageByID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &models.Job{ID: "job-6", UserID: "user-1", JobType: models.JobTypeMain, Status: models.StatusQueued}))
	require.NoError(t, store.UpdatePages(ctx, "job-6", []*models.Page{
		{ID: "page-abc", PageNumber: 1, Status: models.PageFailed, RetryCount: 1},
	}))

	got, err := store.FindPageByID(ctx, "page-abc")
	require.NoError(t, err)
	assert.Equal(t, "job-6", got.JobID)
	assert.Equal(t, 1, got.PageNumber)

	_, err = store.FindPageByID(ctx, "missing-page")
	assert.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestJobStore_FindSimilar(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &models.Job{
		ID: "job-4", UserID: "user-1", JobType: models.JobTypeMain,
		Status: models.StatusQueued, URLPattern: "http://example.com/docs/*",
	}))
	require.NoError(t, store.Put(ctx, &models.Job{
		ID: "job-5", UserID: "user-1", JobType: models.JobTypeMain,
		Status: models.StatusCompleted, URLPattern: "http://example.com/docs/*",
	}))

	matches, err := store.FindSimilar(ctx, "http://example.com/docs/*")
	require.NoError(t, err)
	assert.Len(t, matches, 1, "terminal jobs must not be returned as similar matches")
	assert.Equal(t, "job-4", matches[0].ID)

	fuzzy, err := store.FindSimilar(ctx, "http://example.com/docz/*")
	require.NoError(t, err)
	assert.Len(t, fuzzy, 1)
}
