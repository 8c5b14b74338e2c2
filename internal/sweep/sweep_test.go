package sweep

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/docuflow/internal/blobstore"
	"github.com/ternarybob/docuflow/internal/config"
	"github.com/ternarybob/docuflow/internal/models"
	"github.com/ternarybob/docuflow/internal/storage/badger"
)

func newTestStore(t *testing.T) *badger.JobStore {
	t.Helper()
	dir, err := os.MkdirTemp("", "docuflow-sweep-store-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	db, err := badger.Open(arbor.NewNoOpLogger(), config.StorageConfig{BadgerPath: dir})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	blobs, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	return badger.NewJobStore(db, blobs, arbor.NewNoOpLogger(), 3).(*badger.JobStore)
}

func TestDetector_SweepOnce_FailsStaleProcessingJob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stale := &models.Job{
		ID:            "job-stale",
		UserID:        "user-1",
		JobType:       models.JobTypeMain,
		Status:        models.StatusProcessing,
		LastHeartbeat: time.Now().Add(-10 * time.Minute),
	}
	require.NoError(t, store.Put(ctx, stale))

	fresh := &models.Job{
		ID:            "job-fresh",
		UserID:        "user-1",
		JobType:       models.JobTypeMain,
		Status:        models.StatusProcessing,
		LastHeartbeat: time.Now(),
	}
	require.NoError(t, store.Put(ctx, fresh))

	d := New(store, arbor.NewNoOpLogger(), 2*time.Minute, time.Minute)
	d.sweepOnce(ctx)

	gotStale, err := store.Get(ctx, "job-stale")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, gotStale.Status)
	assert.Equal(t, staleReason, gotStale.Error)

	gotFresh, err := store.Get(ctx, "job-fresh")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, gotFresh.Status, "a job with a recent heartbeat must not be touched")
}

func TestDetector_SweepOnce_FallsBackToUpdatedAtWithoutHeartbeat(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := &models.Job{
		ID:      "job-no-heartbeat",
		UserID:  "user-1",
		JobType: models.JobTypeMain,
		Status:  models.StatusProcessing,
	}
	require.NoError(t, store.Put(ctx, job))

	// Put() stamps UpdatedAt to now, so this job looks fresh immediately
	// after creation even though LastHeartbeat was never set.
	d := New(store, arbor.NewNoOpLogger(), 2*time.Minute, time.Minute)
	d.sweepOnce(ctx)

	got, err := store.Get(ctx, "job-no-heartbeat")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status, "a just-created job must not be swept before its TTL elapses")
}
