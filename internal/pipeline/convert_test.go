package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/docuflow/internal/blobstore"
	"github.com/ternarybob/docuflow/internal/models"
)

func seedPage(t *testing.T, p *Pipeline, jobID string, page *models.Page) {
	t.Helper()
	require.NoError(t, p.store.Put(context.Background(), &models.Job{ID: jobID, JobType: models.JobTypeMain, Status: models.StatusProcessing}))
	require.NoError(t, p.store.UpdatePages(context.Background(), jobID, []*models.Page{page}))
}

func TestConvertPage_Success_InlinesSmallMarkdown(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeConverter{markdown: "# hello"}, Options{})
	ctx := context.Background()

	_, err := p.blobs.Put(ctx, blobstore.BucketPages, "job-1/page-0001.pdf", []byte("%PDF-fake"), "application/pdf")
	require.NoError(t, err)
	seedPage(t, p, "job-1", &models.Page{ID: "page-1", PageNumber: 1, Status: models.PageQueued, MinioPagePath: "job-1/page-0001.pdf"})

	require.NoError(t, p.ConvertPage(ctx, "page-1"))

	got, err := p.store.FindPageByID(ctx, "page-1")
	require.NoError(t, err)
	assert.Equal(t, models.PageCompleted, got.Status)
	assert.Equal(t, "# hello", got.MarkdownContent)
	assert.Equal(t, "job-1/page-0001.pdf", got.MinioPagePath, "small markdown stays inline, blob pointer is untouched")
}

func TestConvertPage_ExternalizesLargeMarkdown(t *testing.T) {
	big := strings.Repeat("x", inlineContentLimit+1)
	p, _ := newTestPipeline(t, &fakeConverter{markdown: big}, Options{})
	ctx := context.Background()

	_, err := p.blobs.Put(ctx, blobstore.BucketPages, "job-2/page-0001.pdf", []byte("%PDF-fake"), "application/pdf")
	require.NoError(t, err)
	seedPage(t, p, "job-2", &models.Page{ID: "page-2", PageNumber: 1, Status: models.PageQueued, MinioPagePath: "job-2/page-0001.pdf"})

	require.NoError(t, p.ConvertPage(ctx, "page-2"))

	got, err := p.store.FindPageByID(ctx, "page-2")
	require.NoError(t, err)
	assert.Equal(t, models.PageCompleted, got.Status)
	assert.Empty(t, got.MarkdownContent)
	assert.Equal(t, "job-2/page-0001.md", got.MinioPagePath)

	blob, err := p.blobs.Get(ctx, blobstore.BucketPages, got.MinioPagePath)
	require.NoError(t, err)
	assert.Equal(t, big, string(blob))
}

func TestConvertPage_ConverterErrorFailsPage(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeConverter{err: errors.New("corrupt content stream")}, Options{})
	ctx := context.Background()

	_, err := p.blobs.Put(ctx, blobstore.BucketPages, "job-3/page-0001.pdf", []byte("%PDF-fake"), "application/pdf")
	require.NoError(t, err)
	seedPage(t, p, "job-3", &models.Page{ID: "page-3", PageNumber: 1, Status: models.PageQueued, MinioPagePath: "job-3/page-0001.pdf"})

	err = p.ConvertPage(ctx, "page-3")
	assert.Error(t, err)

	got, lookupErr := p.store.FindPageByID(ctx, "page-3")
	require.NoError(t, lookupErr)
	assert.Equal(t, models.PageFailed, got.Status)
	assert.Contains(t, got.Error, "corrupt content stream")
}

func TestConvertPage_AlreadyTerminalIsNoop(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeConverter{markdown: "should not run"}, Options{})
	ctx := context.Background()

	seedPage(t, p, "job-4", &models.Page{ID: "page-4", PageNumber: 1, Status: models.PageCompleted, MarkdownContent: "already done"})

	require.NoError(t, p.ConvertPage(ctx, "page-4"))

	got, err := p.store.FindPageByID(ctx, "page-4")
	require.NoError(t, err)
	assert.Equal(t, "already done", got.MarkdownContent, "idempotency check must short-circuit before reconverting")
}
