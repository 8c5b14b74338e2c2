package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/ternarybob/docuflow/internal/blobstore"
	"github.com/ternarybob/docuflow/internal/models"
	"github.com/ternarybob/docuflow/internal/queue"
	"github.com/ternarybob/docuflow/internal/storage"
)

// Merge waits until every page owned by mainJobID is terminal, concatenates
// their markdown in page order, stores the result, and updates the main
// job's counters and status per invariant 3 (spec §3.3, §4.5 task 3).
func (p *Pipeline) Merge(ctx context.Context, mainJobID string) error {
	job, err := p.store.Get(ctx, mainJobID)
	if err != nil {
		return fmt.Errorf("pipeline: merge: load job %s: %w", mainJobID, err)
	}
	if job.Status.IsTerminal() {
		return nil
	}

	merge, err := p.upsertTracker(ctx, mergeJobID(mainJobID), mainJobID)
	if err != nil {
		return err
	}
	if merge.Status.IsTerminal() {
		return nil
	}
	if merge.StartedAt.IsZero() {
		merge.StartedAt = time.Now()
		if err := p.store.Put(ctx, merge); err != nil {
			return fmt.Errorf("pipeline: merge: record first consideration: %w", err)
		}
	}

	pages, err := p.store.GetPages(ctx, mainJobID, storage.ListFilter{})
	if err != nil {
		return fmt.Errorf("pipeline: merge: load pages: %w", err)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].PageNumber < pages[j].PageNumber })

	lastTerminal := merge.StartedAt
	var pending []*models.Page
	for _, pg := range pages {
		if pg.Status.IsTerminal() {
			if pg.UpdatedAt.After(lastTerminal) {
				lastTerminal = pg.UpdatedAt
			}
			continue
		}
		pending = append(pending, pg)
	}

	deadlineExceeded := false
	if len(pending) > 0 {
		if time.Since(lastTerminal) < p.opts.MergeGracePeriod {
			return p.deferMerge(ctx, mainJobID)
		}
		// Grace period exceeded: pending pages are treated as failed for
		// the purpose of merge (spec §4.5.1), and the condition is
		// recorded on the main job (invariant: merge never blocks
		// indefinitely).
		deadlineExceeded = true
		for _, pg := range pending {
			pg.Status = models.PageFailed
			pg.Error = "merge grace period exceeded before page completed"
			pg.UpdatedAt = time.Now()
		}
		if err := p.store.UpdatePages(ctx, mainJobID, pending); err != nil {
			return fmt.Errorf("pipeline: merge: persist grace-period failures: %w", err)
		}
	}

	// Reload so in-order concatenation sees the just-applied failures.
	pages, err = p.store.GetPages(ctx, mainJobID, storage.ListFilter{})
	if err != nil {
		return fmt.Errorf("pipeline: merge: reload pages: %w", err)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].PageNumber < pages[j].PageNumber })

	var body strings.Builder
	completed, failed := 0, 0
	for _, pg := range pages {
		if pg.Status != models.PageCompleted {
			failed++
			continue
		}
		completed++
		content := pg.MarkdownContent
		if content == "" && pg.MinioPagePath != "" {
			raw, err := p.blobs.Get(ctx, blobstore.BucketPages, pg.MinioPagePath)
			if err != nil {
				p.logger.Warn().Err(err).Str("page_id", pg.ID).Msg("pipeline: merge: failed to read externalized page markdown, skipping")
				failed++
				completed--
				continue
			}
			content = string(raw)
		}
		body.WriteString(content)
		body.WriteString("\n\n")
	}

	merged := body.String()
	var sink bytes.Buffer
	if err := goldmark.New().Convert([]byte(merged), bufio.NewWriter(&sink)); err != nil {
		p.logger.Warn().Err(err).Str("job_id", mainJobID).Msg("pipeline: merge: concatenated markdown failed sanity parse, keeping result anyway")
	}

	resultKey := fmt.Sprintf("%s/merged.md", mainJobID)
	if _, err := p.blobs.Put(ctx, blobstore.BucketResults, resultKey, []byte(merged), "text/markdown"); err != nil {
		return fmt.Errorf("pipeline: merge: store result: %w", err)
	}

	job.MinioResultPath = resultKey
	job.PagesCompleted = completed
	job.PagesFailed = failed
	job.Progress = 100
	job.Status = models.StatusCompleted
	job.CompletedAt = time.Now()
	job.MergeDeadlineExceeded = deadlineExceeded
	if err := p.store.Put(ctx, job); err != nil {
		return fmt.Errorf("pipeline: merge: finalize main job: %w", err)
	}

	merge.Status = models.StatusCompleted
	merge.CompletedAt = time.Now()
	if err := p.store.Put(ctx, merge); err != nil {
		return fmt.Errorf("pipeline: merge: finalize merge tracker: %w", err)
	}

	p.recordEvent(mainJobID, "merge_completed", map[string]interface{}{
		"pages_completed":         completed,
		"pages_failed":            failed,
		"merge_deadline_exceeded": deadlineExceeded,
	})
	return nil
}

// deferMerge re-enqueues the Merge task after p.opts.MergeDeferDelay without
// blocking the calling worker, matching the "re-enqueued with a short
// delay" behavior described in spec §4.5.1.
func (p *Pipeline) deferMerge(ctx context.Context, mainJobID string) error {
	go func() {
		select {
		case <-time.After(p.opts.MergeDeferDelay):
		case <-ctx.Done():
			return
		}
		if err := p.dispatcher.Enqueue(context.Background(), queue.Task{Kind: queue.TaskMerge, JobID: mainJobID}); err != nil {
			p.logger.Warn().Err(err).Str("job_id", mainJobID).Msg("pipeline: merge: failed to re-enqueue deferred merge")
		}
	}()
	return nil
}
