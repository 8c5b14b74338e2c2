package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ternarybob/docuflow/internal/errs"
	"github.com/ternarybob/docuflow/internal/models"
	"github.com/ternarybob/docuflow/internal/queue"
)

// RetryPage implements the API-exposed RetryPage(page_job_id) operation
// (spec §6.4): valid only when the page is failed and retry_count < 3. It
// writes a fresh page row with a new ID, pointing at the same source blob
// and carrying the original's retry_count + 1, into the original's
// (job_id, page_number) slot, which replaces the original row; it then
// enqueues a ConvertPage task for the fresh row. Returns the new page's ID.
func (p *Pipeline) RetryPage(ctx context.Context, pageID string) (string, error) {
	original, err := p.store.FindPageByID(ctx, pageID)
	if err != nil {
		return "", fmt.Errorf("pipeline: retry page: find %s: %w", pageID, err)
	}
	if !original.CanRetry() {
		return "", errs.NewInvalid("Pipeline.RetryPage", errs.ReasonMalformed,
			fmt.Errorf("page %s is not retryable (status=%s, retry_count=%d)", pageID, original.Status, original.RetryCount))
	}

	// Pages are unique on (job_id, page_number) (spec §6.5), so the fresh
	// row occupies the same slot as original rather than coexisting with
	// it; its retry_count carries the increment forward.
	fresh := &models.Page{
		ID:            uuid.NewString(),
		JobID:         original.JobID,
		PageNumber:    original.PageNumber,
		Status:        models.PageQueued,
		MinioPagePath: original.MinioPagePath,
		RetryCount:    original.RetryCount + 1,
	}

	if err := p.store.UpdatePages(ctx, original.JobID, []*models.Page{fresh}); err != nil {
		return "", fmt.Errorf("pipeline: retry page: persist: %w", err)
	}

	if err := p.dispatcher.Enqueue(ctx, queue.Task{Kind: queue.TaskConvertPage, JobID: original.JobID, PageID: fresh.ID}); err != nil {
		return "", fmt.Errorf("pipeline: retry page: enqueue convert: %w", err)
	}

	p.recordEvent(original.JobID, "page_retried", map[string]interface{}{
		"original_page_id": pageID,
		"new_page_id":      fresh.ID,
		"page_number":      original.PageNumber,
	})
	return fresh.ID, nil
}
