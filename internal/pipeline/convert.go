package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/docuflow/internal/blobstore"
	"github.com/ternarybob/docuflow/internal/models"
)

// ConvertPage fetches the per-page PDF blob for pageID, converts it to
// markdown, and transitions the page to completed/failed (spec §4.5 task
// 2). Markdown above inlineContentLimit is stored in the blob store with
// the page row holding only the pointer.
func (p *Pipeline) ConvertPage(ctx context.Context, pageID string) error {
	page, err := p.store.FindPageByID(ctx, pageID)
	if err != nil {
		return fmt.Errorf("pipeline: convert page: find %s: %w", pageID, err)
	}
	if page.Status.IsTerminal() {
		return nil // idempotency: already converted by a redelivered task
	}

	raw, err := p.blobs.Get(ctx, blobstore.BucketPages, page.MinioPagePath)
	if err != nil {
		return p.failPage(ctx, page, fmt.Errorf("read page blob: %w", err))
	}

	markdown, _, err := p.pdf.Convert(raw, "pdf")
	if err != nil {
		return p.failPage(ctx, page, fmt.Errorf("convert: %w", err))
	}

	if len(markdown) > inlineContentLimit {
		key := fmt.Sprintf("%s/page-%04d.md", page.JobID, page.PageNumber)
		if _, err := p.blobs.Put(ctx, blobstore.BucketPages, key, []byte(markdown), "text/markdown"); err != nil {
			return p.failPage(ctx, page, fmt.Errorf("store markdown: %w", err))
		}
		page.MarkdownContent = ""
		page.MinioPagePath = key
	} else {
		page.MarkdownContent = markdown
	}

	page.Status = models.PageCompleted
	page.Error = ""
	page.UpdatedAt = time.Now()
	if err := p.store.UpdatePages(ctx, page.JobID, []*models.Page{page}); err != nil {
		return fmt.Errorf("pipeline: convert page: persist %s: %w", pageID, err)
	}
	p.touchHeartbeat(ctx, page.JobID)
	return nil
}

// touchHeartbeat stamps the owning main job's LastHeartbeat so the
// background sweep doesn't mistake an actively-converting document for a
// crashed worker. Best-effort: a failed touch doesn't fail the page.
func (p *Pipeline) touchHeartbeat(ctx context.Context, mainJobID string) {
	job, err := p.store.Get(ctx, mainJobID)
	if err != nil {
		return
	}
	job.LastHeartbeat = time.Now()
	if err := p.store.Put(ctx, job); err != nil {
		p.logger.Warn().Err(err).Str("job_id", mainJobID).Msg("pipeline: failed to stamp heartbeat")
	}
}

func (p *Pipeline) failPage(ctx context.Context, page *models.Page, cause error) error {
	page.Status = models.PageFailed
	page.Error = cause.Error()
	page.UpdatedAt = time.Now()
	if err := p.store.UpdatePages(ctx, page.JobID, []*models.Page{page}); err != nil {
		return fmt.Errorf("pipeline: convert page: persist failure %s: %w", page.ID, err)
	}
	return cause
}
