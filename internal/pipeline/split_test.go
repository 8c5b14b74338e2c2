package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/docuflow/internal/blobstore"
	"github.com/ternarybob/docuflow/internal/models"
)

func TestSplitPdf_CorruptUploadFailsMainAndSplitJobs(t *testing.T) {
	p, _ := newTestPipeline(t, nil, Options{})
	ctx := context.Background()

	require.NoError(t, p.store.Put(ctx, &models.Job{
		ID: "job-20", JobType: models.JobTypeMain, Status: models.StatusQueued,
		MinioUploadPath: "job-20/source.pdf",
	}))
	_, err := p.blobs.Put(ctx, blobstore.BucketUploads, "job-20/source.pdf", []byte("not a pdf"), "application/pdf")
	require.NoError(t, err)

	err = p.SplitPdf(ctx, "job-20")
	assert.Error(t, err)

	job, getErr := p.store.Get(ctx, "job-20")
	require.NoError(t, getErr)
	assert.Equal(t, models.StatusFailed, job.Status)
	assert.NotEmpty(t, job.Error)

	split, getErr := p.store.Get(ctx, splitJobID("job-20"))
	require.NoError(t, getErr)
	assert.Equal(t, models.StatusFailed, split.Status)
}

func TestSplitPdf_AlreadyTerminalIsNoop(t *testing.T) {
	p, _ := newTestPipeline(t, nil, Options{})
	ctx := context.Background()

	require.NoError(t, p.store.Put(ctx, &models.Job{ID: "job-21", JobType: models.JobTypeMain, Status: models.StatusCompleted}))

	require.NoError(t, p.SplitPdf(ctx, "job-21"))

	_, err := p.store.Get(ctx, splitJobID("job-21"))
	assert.Error(t, err, "split tracker must not be created for an already-terminal main job")
}
