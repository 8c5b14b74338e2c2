package crawler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/docuflow/internal/blobstore"
	"github.com/ternarybob/docuflow/internal/config"
	"github.com/ternarybob/docuflow/internal/models"
	"github.com/ternarybob/docuflow/internal/retry"
	"github.com/ternarybob/docuflow/internal/storage/badger"
)

func newTestJobStore(t *testing.T) *badger.JobStore {
	t.Helper()
	dir, err := os.MkdirTemp("", "docuflow-pipeline-jobstore-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := badger.Open(arbor.NewNoOpLogger(), config.StorageConfig{BadgerPath: dir})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	blobs, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	return badger.NewJobStore(db, blobs, arbor.NewNoOpLogger(), 3).(*badger.JobStore)
}

func TestPipeline_Run_SinglePageSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><h1>hello</h1></body></html>`))
	}))
	defer srv.Close()

	store := newTestJobStore(t)
	blobs, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	parent := &models.Job{
		ID:      "crawler-1",
		UserID:  "user-1",
		JobType: models.JobTypeCrawler,
		Status:  models.StatusActive,
		CrawlerConfig: &models.CrawlerConfig{
			Mode:        models.ModePageOnly,
			PDFHandling: models.PDFIndividual,
			RetryStrategy: []models.RetryStrategyEntry{
				{Attempt: 0, Engine: models.EngineHTMLParser, UseProxy: false, DelaySeconds: 0},
			},
		},
	}
	require.NoError(t, store.Put(ctx, parent))

	execution := &models.Job{
		ID:          "exec-1",
		UserID:      "user-1",
		JobType:     models.JobTypeCrawler,
		ParentJobID: parent.ID,
		SourceURL:   srv.URL,
		Status:      models.StatusQueued,
	}
	require.NoError(t, store.Put(ctx, execution))

	p := New(store, blobs, retry.New(arbor.NewNoOpLogger()), nil, arbor.NewNoOpLogger(), Options{
		UserAgent:          "docuflow-test",
		RequestTimeoutSecs: 5,
		RespectRobotsTxt:   false,
	})

	require.NoError(t, p.Run(ctx, execution.ID))

	got, err := store.Get(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, models.EngineHTMLParser, models.Engine(got.EngineUsed))

	files, err := store.GetCrawledFiles(ctx, execution.ID)
	require.NoError(t, err)
	require.NotEmpty(t, files)

	var sawPage bool
	for _, f := range files {
		if f.FileType == "html" {
			sawPage = true
			assert.Equal(t, models.FileDownloaded, f.Status)
			assert.NotEmpty(t, f.MinioPath)
		}
	}
	assert.True(t, sawPage, "expected the seed page to be published")

	updatedParent, err := store.Get(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updatedParent.PagesCompleted)
}

func TestPipeline_Run_AllAttemptsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := newTestJobStore(t)
	blobs, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	parent := &models.Job{
		ID:      "crawler-2",
		UserID:  "user-1",
		JobType: models.JobTypeCrawler,
		Status:  models.StatusActive,
		CrawlerConfig: &models.CrawlerConfig{
			Mode:        models.ModePageOnly,
			PDFHandling: models.PDFIndividual,
			RetryStrategy: []models.RetryStrategyEntry{
				{Attempt: 0, Engine: models.EngineHTMLParser, UseProxy: false, DelaySeconds: 0},
			},
		},
	}
	require.NoError(t, store.Put(ctx, parent))

	execution := &models.Job{
		ID:          "exec-2",
		UserID:      "user-1",
		JobType:     models.JobTypeCrawler,
		ParentJobID: parent.ID,
		SourceURL:   srv.URL,
		Status:      models.StatusQueued,
	}
	require.NoError(t, store.Put(ctx, execution))

	p := New(store, blobs, retry.New(arbor.NewNoOpLogger()), nil, arbor.NewNoOpLogger(), Options{
		UserAgent:          "docuflow-test",
		RequestTimeoutSecs: 5,
	})

	require.NoError(t, p.Run(ctx, execution.ID))

	got, err := store.Get(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.NotEmpty(t, got.Error)
}

func TestPipeline_StartExecution_CreatesQueuedChildJob(t *testing.T) {
	store := newTestJobStore(t)
	blobs, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	fireInstant := time.Unix(1700000000, 0)
	parent := &models.Job{
		ID:      "crawler-3",
		UserID:  "user-1",
		JobType: models.JobTypeCrawler,
		Status:  models.StatusActive,
		Name:    "nightly docs crawl",
	}
	require.NoError(t, store.Put(ctx, parent))

	p := New(store, blobs, retry.New(arbor.NewNoOpLogger()), nil, arbor.NewNoOpLogger(), Options{})

	executionID, err := p.StartExecution(ctx, parent.ID, fireInstant)
	require.NoError(t, err)
	assert.Equal(t, ExecutionID(parent.ID, fireInstant), executionID)

	execution, err := store.Get(ctx, executionID)
	require.NoError(t, err)
	assert.Equal(t, models.JobTypeCrawler, execution.JobType)
	assert.Equal(t, models.StatusQueued, execution.Status)
	assert.Equal(t, parent.ID, execution.ParentJobID)
	assert.Equal(t, parent.Name, execution.Name)
}

func TestPipeline_StartExecution_RedeliveredTriggerIsIdempotent(t *testing.T) {
	store := newTestJobStore(t)
	blobs, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	fireInstant := time.Unix(1700000100, 0)
	parent := &models.Job{ID: "crawler-4", UserID: "user-1", JobType: models.JobTypeCrawler, Status: models.StatusActive}
	require.NoError(t, store.Put(ctx, parent))

	p := New(store, blobs, retry.New(arbor.NewNoOpLogger()), nil, arbor.NewNoOpLogger(), Options{})

	first, err := p.StartExecution(ctx, parent.ID, fireInstant)
	require.NoError(t, err)

	// Mark it processing, as Run would, then redeliver the same trigger.
	running, err := store.Get(ctx, first)
	require.NoError(t, err)
	running.Status = models.StatusProcessing
	require.NoError(t, store.Put(ctx, running))

	second, err := p.StartExecution(ctx, parent.ID, fireInstant)
	require.NoError(t, err)
	assert.Equal(t, first, second, "redelivering the same trigger must resolve to the same execution row, not start a second run")

	got, err := store.Get(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status, "existing execution's state must not be reset")
}
