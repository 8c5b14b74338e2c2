package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/docuflow/internal/errs"
	"github.com/ternarybob/docuflow/internal/models"
	"github.com/ternarybob/docuflow/internal/queue"
)

func TestRetryPage_CreatesFreshPageAndEnqueuesConvert(t *testing.T) {
	p, captured := newTestPipeline(t, nil, Options{})
	ctx := context.Background()

	seedPage(t, p, "job-30", &models.Page{
		ID: "page-30", PageNumber: 3, Status: models.PageFailed,
		RetryCount: 1, MinioPagePath: "job-30/page-0003.pdf", Error: "timeout",
	})

	newID, err := p.RetryPage(ctx, "page-30")
	require.NoError(t, err)
	assert.NotEqual(t, "page-30", newID)

	fresh, err := p.store.FindPageByID(ctx, newID)
	require.NoError(t, err)
	assert.Equal(t, models.PageQueued, fresh.Status)
	assert.Equal(t, 3, fresh.PageNumber)
	assert.Equal(t, 2, fresh.RetryCount)
	assert.Equal(t, "job-30/page-0003.pdf", fresh.MinioPagePath)

	task := expectTask(t, captured, queue.TaskConvertPage)
	assert.Equal(t, newID, task.PageID)
	assert.Equal(t, "job-30", task.JobID)
}

func TestRetryPage_RejectsNonFailedPage(t *testing.T) {
	p, _ := newTestPipeline(t, nil, Options{})
	ctx := context.Background()

	seedPage(t, p, "job-31", &models.Page{ID: "page-31", PageNumber: 1, Status: models.PageCompleted})

	_, err := p.RetryPage(ctx, "page-31")
	assert.Error(t, err)
	assert.Equal(t, errs.InvalidInput, errs.KindOf(err))
}

func TestRetryPage_RejectsExhaustedRetries(t *testing.T) {
	p, _ := newTestPipeline(t, nil, Options{})
	ctx := context.Background()

	seedPage(t, p, "job-32", &models.Page{
		ID: "page-32", PageNumber: 1, Status: models.PageFailed,
		RetryCount: models.MaxPageRetries,
	})

	_, err := p.RetryPage(ctx, "page-32")
	assert.Error(t, err)
	assert.Equal(t, errs.InvalidInput, errs.KindOf(err))
}
