package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/ternarybob/docuflow/internal/blobstore"
	"github.com/ternarybob/docuflow/internal/converter"
	"github.com/ternarybob/docuflow/internal/errs"
	"github.com/ternarybob/docuflow/internal/models"
	"github.com/ternarybob/docuflow/internal/queue"
)

// SplitPdf reads the uploaded PDF for mainJobID, produces one per-page PDF
// blob per page, upserts page rows, enqueues one ConvertPage task per page,
// and enqueues the Merge task (spec §4.5 task 1).
func (p *Pipeline) SplitPdf(ctx context.Context, mainJobID string) error {
	job, err := p.store.Get(ctx, mainJobID)
	if err != nil {
		return fmt.Errorf("pipeline: split: load job %s: %w", mainJobID, err)
	}
	if job.Status.IsTerminal() {
		return nil // idempotency: already settled, nothing to do
	}

	if job.Status == models.StatusQueued {
		job.Status = models.StatusProcessing
		job.StartedAt = time.Now()
		job.LastHeartbeat = time.Now()
		if err := p.store.Put(ctx, job); err != nil {
			return fmt.Errorf("pipeline: split: mark processing: %w", err)
		}
	}

	split, err := p.upsertTracker(ctx, splitJobID(mainJobID), mainJobID)
	if err != nil {
		return err
	}
	if split.Status.IsTerminal() {
		return nil // split already ran for this main job
	}

	raw, err := p.blobs.Get(ctx, blobstore.BucketUploads, job.MinioUploadPath)
	if err != nil {
		return p.failSplit(ctx, job, split, fmt.Errorf("read upload %s: %w", job.MinioUploadPath, err))
	}

	workDir, err := os.MkdirTemp(p.opts.TempDir, "docuflow-split-")
	if err != nil {
		return fmt.Errorf("pipeline: split: mkdir temp: %w", err)
	}
	defer os.RemoveAll(workDir)

	inFile := filepath.Join(workDir, "source.pdf")
	if err := os.WriteFile(inFile, raw, 0o644); err != nil {
		return fmt.Errorf("pipeline: split: write temp source: %w", err)
	}

	conf := model.NewDefaultConfiguration()
	pageCount, err := api.PageCountFile(inFile)
	if err != nil {
		return p.failSplit(ctx, job, split, fmt.Errorf("read page count: %w", err))
	}
	if pageCount > p.opts.MaxPagesPerDocument {
		return p.failSplit(ctx, job, split, fmt.Errorf("document has %d pages, exceeds maximum of %d", pageCount, p.opts.MaxPagesPerDocument))
	}
	if pageCount == 0 {
		return p.failSplit(ctx, job, split, &converter.ConvertError{Kind: converter.ErrCorruptInput, Err: errors.New("document has 0 pages")})
	}

	pages := make([]*models.Page, 0, pageCount)
	for n := 1; n <= pageCount; n++ {
		outFile := filepath.Join(workDir, fmt.Sprintf("page-%d.pdf", n))
		if err := api.TrimFile(inFile, outFile, []string{strconv.Itoa(n)}, conf); err != nil {
			return p.failSplit(ctx, job, split, fmt.Errorf("trim page %d: %w", n, err))
		}
		data, err := os.ReadFile(outFile)
		if err != nil {
			return p.failSplit(ctx, job, split, fmt.Errorf("read trimmed page %d: %w", n, err))
		}

		key := fmt.Sprintf("%s/page-%04d.pdf", mainJobID, n)
		if _, err := p.blobs.Put(ctx, blobstore.BucketPages, key, data, "application/pdf"); err != nil {
			return p.failSplit(ctx, job, split, fmt.Errorf("store page %d: %w", n, err))
		}

		pages = append(pages, &models.Page{
			ID:            uuid.NewString(),
			JobID:         mainJobID,
			PageNumber:    n,
			Status:        models.PageQueued,
			MinioPagePath: key,
		})
	}

	if err := p.store.UpdatePages(ctx, mainJobID, pages); err != nil {
		return p.failSplit(ctx, job, split, fmt.Errorf("persist page rows: %w", err))
	}

	job.TotalPages = pageCount
	if err := p.store.Put(ctx, job); err != nil {
		return fmt.Errorf("pipeline: split: update total_pages: %w", err)
	}

	for _, pg := range pages {
		if err := p.dispatcher.Enqueue(ctx, queue.Task{Kind: queue.TaskConvertPage, JobID: mainJobID, PageID: pg.ID}); err != nil {
			return fmt.Errorf("pipeline: split: enqueue convert page %d: %w", pg.PageNumber, err)
		}
	}

	split.Status = models.StatusCompleted
	if err := p.store.Put(ctx, split); err != nil {
		return fmt.Errorf("pipeline: split: mark split job completed: %w", err)
	}

	if err := p.dispatcher.Enqueue(ctx, queue.Task{Kind: queue.TaskMerge, JobID: mainJobID}); err != nil {
		return fmt.Errorf("pipeline: split: enqueue merge: %w", err)
	}

	p.recordEvent(mainJobID, "split_completed", map[string]interface{}{"total_pages": pageCount})
	return nil
}

// failSplit marks both the split tracker and the owning main job failed.
// Invariant 3 (spec §3.3) reserves "failed" for split/merge/whole-pipeline
// fatal errors, which this is.
func (p *Pipeline) failSplit(ctx context.Context, job, split *models.Job, cause error) error {
	split.Status = models.StatusFailed
	split.Error = cause.Error()
	_ = p.store.Put(ctx, split)

	job.Status = models.StatusFailed
	job.Error = cause.Error()
	if err := p.store.Put(ctx, job); err != nil {
		return fmt.Errorf("pipeline: split: mark main job failed after %v: %w", cause, err)
	}
	p.recordEvent(job.ID, "split_failed", map[string]interface{}{"error": cause.Error()})
	return cause
}

// upsertTracker loads or creates the deterministic tracking job row id,
// owned by mainJobID (spec §9 single-table polymorphism, adapted: split and
// merge steps get their own trackable row; individual pages do not).
func (p *Pipeline) upsertTracker(ctx context.Context, id, mainJobID string) (*models.Job, error) {
	existing, err := p.store.Get(ctx, id)
	if err == nil {
		return existing, nil
	}
	if errs.KindOf(err) != errs.NotFound {
		return nil, fmt.Errorf("pipeline: load tracker %s: %w", id, err)
	}

	jobType := models.JobTypeSplit
	if id == mergeJobID(mainJobID) {
		jobType = models.JobTypeMerge
	}
	created := &models.Job{
		ID:          id,
		JobType:     jobType,
		Status:      models.StatusProcessing,
		ParentJobID: mainJobID,
	}
	if err := p.store.Put(ctx, created); err != nil {
		return nil, fmt.Errorf("pipeline: create tracker %s: %w", id, err)
	}
	return created, nil
}
