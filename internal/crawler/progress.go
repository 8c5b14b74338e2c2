package crawler

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/docuflow/internal/indexer"
	"github.com/ternarybob/docuflow/internal/storage"
)

// progressTracker owns the execution job's in-process progress reporting
// discipline (spec §4.5.2 "Progress reporting discipline"): it debounces
// job-store writes and indexer samples to at most once per flush interval,
// always writing a final sample on terminal transition.
type progressTracker struct {
	store       storage.JobStore
	idx         *indexer.Indexer
	jobID       string
	interval    time.Duration
	mu          sync.Mutex
	lastFlush   time.Time
	maxProgress int
}

func newProgressTracker(store storage.JobStore, idx *indexer.Indexer, jobID string, interval time.Duration) *progressTracker {
	return &progressTracker{store: store, idx: idx, jobID: jobID, interval: interval}
}

// reset prepares the tracker for a new retry attempt: it clears the
// debounce timer so the attempt's first update flushes immediately. The
// highest progress already reported is kept, so the client-visible value
// never goes down across attempts.
func (t *progressTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastFlush = time.Time{}
}

// update records progress and flushes to the job store and indexer if the
// debounce interval has elapsed since the last flush.
func (t *progressTracker) update(progress int) {
	t.mu.Lock()
	if progress > t.maxProgress {
		t.maxProgress = progress
	}
	due := time.Since(t.lastFlush) >= t.interval
	reported := t.maxProgress
	t.mu.Unlock()

	if !due {
		return
	}
	t.flush(reported)
}

func (t *progressTracker) flush(progress int) {
	t.mu.Lock()
	t.lastFlush = time.Now()
	t.mu.Unlock()

	ctx := context.Background()
	job, err := t.store.Get(ctx, t.jobID)
	if err == nil {
		job.Progress = progress
		job.LastHeartbeat = time.Now()
		_ = t.store.Put(ctx, job)
	}
	if t.idx != nil {
		t.idx.Record(indexer.StreamExecutionMetrics, t.jobID, map[string]interface{}{
			"progress": progress,
		})
	}
}

// flushFinal writes the terminal progress sample unconditionally, bypassing
// the debounce window (spec §4.5.2: "writes a final sample on terminal
// transition").
func (t *progressTracker) flushFinal(success bool) {
	t.mu.Lock()
	progress := t.maxProgress
	if success {
		progress = 100
	}
	t.mu.Unlock()
	t.flush(progress)
}
