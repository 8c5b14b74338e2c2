// Package pipeline implements the Split/Merge pipeline (spec §4.5.1): the
// SplitPdf, ConvertPage, and Merge task handlers registered with the
// Dispatcher's conversion queue, plus the RetryPage operation exposed to
// the API layer (spec §6.4).
package pipeline

import (
	"context"
	"os"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/docuflow/internal/blobstore"
	"github.com/ternarybob/docuflow/internal/converter"
	"github.com/ternarybob/docuflow/internal/indexer"
	"github.com/ternarybob/docuflow/internal/queue"
	"github.com/ternarybob/docuflow/internal/storage"
)

// inlineContentLimit is the threshold above which a page's markdown is
// stored in the blob store with the row holding only a pointer (spec §4.5
// task 2: "short content inline in the page row; long content in the blob
// store").
const inlineContentLimit = 4096

// Options configures a Pipeline instance (spec §6.6, §4.5.1).
type Options struct {
	MaxPagesPerDocument int
	MergeGracePeriod    time.Duration
	// MergeDeferDelay is the re-enqueue delay when Merge runs before every
	// page is terminal (spec §4.5.1 "re-enqueued with a short delay").
	MergeDeferDelay time.Duration
	TempDir         string
}

// Pipeline owns the SplitPdf/ConvertPage/Merge task handlers. A single
// instance is shared across worker goroutines; all state lives in the job
// store and blob store.
type Pipeline struct {
	store      storage.JobStore
	blobs      blobstore.Store
	pdf        converter.Converter
	dispatcher *queue.Dispatcher
	idx        *indexer.Indexer
	logger     arbor.ILogger
	opts       Options
}

func New(store storage.JobStore, blobs blobstore.Store, pdfConverter converter.Converter, dispatcher *queue.Dispatcher, idx *indexer.Indexer, logger arbor.ILogger, opts Options) *Pipeline {
	if opts.MaxPagesPerDocument <= 0 {
		opts.MaxPagesPerDocument = 2000
	}
	if opts.MergeGracePeriod <= 0 {
		opts.MergeGracePeriod = 30 * time.Minute
	}
	if opts.MergeDeferDelay <= 0 {
		opts.MergeDeferDelay = 10 * time.Second
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	return &Pipeline{
		store:      store,
		blobs:      blobs,
		pdf:        pdfConverter,
		dispatcher: dispatcher,
		idx:        idx,
		logger:     logger,
		opts:       opts,
	}
}

// RegisterHandlers installs SplitPdf, ConvertPage, and Merge on d, adapting
// each to the queue.Handler signature.
func (p *Pipeline) RegisterHandlers(d *queue.Dispatcher) {
	d.RegisterHandler(queue.TaskSplitPdf, func(ctx context.Context, t queue.Task) error {
		return p.SplitPdf(ctx, t.JobID)
	})
	d.RegisterHandler(queue.TaskConvertPage, func(ctx context.Context, t queue.Task) error {
		return p.ConvertPage(ctx, t.PageID)
	})
	d.RegisterHandler(queue.TaskMerge, func(ctx context.Context, t queue.Task) error {
		return p.Merge(ctx, t.JobID)
	})
}

// splitJobID and mergeJobID derive the tracking Job rows for the split and
// merge steps of mainJobID. Neither is exposed to the API; they exist so
// each step's own status/error is inspectable the same way any other job
// is, without materializing a row per page (a 2 000-page document would
// otherwise add 2 000 extra job rows for no operational benefit).
func splitJobID(mainJobID string) string { return mainJobID + "-split" }
func mergeJobID(mainJobID string) string { return mainJobID + "-merge" }

func (p *Pipeline) recordEvent(jobID, event string, fields map[string]interface{}) {
	if p.idx == nil {
		return
	}
	if fields == nil {
		fields = map[string]interface{}{}
	}
	fields["event"] = event
	p.idx.Record(indexer.StreamJobEvents, jobID, fields)
}
