// Package indexer implements the Progress Indexer (C3): an append-only bag
// of documents across three logical streams (job-events, execution-metrics,
// retry-metrics), bulk-buffered and flushed on a count/time threshold.
// This store is strictly observational — it is never consulted to decide
// job progress or completion.
package indexer

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/docuflow/internal/config"
)

// Stream names the three logical document streams (spec §4.3).
type Stream string

const (
	StreamJobEvents        Stream = "job-events"
	StreamExecutionMetrics Stream = "execution-metrics"
	StreamRetryMetrics     Stream = "retry-metrics"
)

// Document is one indexed record. Payload is stream-specific JSON-shaped
// data (job snapshot, execution sample, or retry attempt outcome).
type Document struct {
	ID        string                 `json:"id"`
	Stream    Stream                 `json:"stream"`
	JobID     string                 `json:"job_id"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// Indexer buffers documents and flushes them in bulk, matching the bulk
// write contract in spec §4.3: up to 100 documents or 5 seconds, whichever
// comes first. A flush failure is logged and retried on the next sample; it
// never fails the owning job.
type Indexer struct {
	db     *badgerhold.Store
	logger arbor.ILogger
	cfg    config.IndexerConfig

	mu      sync.Mutex
	pending []*Document

	flushNow chan struct{}
	done     chan struct{}
	closeOnce sync.Once
}

// New constructs an Indexer over db and starts its background flush loop.
// Callers must call Close to flush remaining documents on shutdown.
func New(ctx context.Context, db *badgerhold.Store, logger arbor.ILogger, cfg config.IndexerConfig) *Indexer {
	if cfg.FlushBatchSize <= 0 {
		cfg.FlushBatchSize = 100
	}
	if cfg.FlushIntervalSecs <= 0 {
		cfg.FlushIntervalSecs = 5
	}
	idx := &Indexer{
		db:       db,
		logger:   logger,
		cfg:      cfg,
		flushNow: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go idx.loop(ctx)
	return idx
}

// Record appends a document to the in-memory buffer, dropping the oldest
// buffered document if the buffer is at capacity (spec §9 backpressure:
// drop-oldest rather than block the caller).
func (idx *Indexer) Record(stream Stream, jobID string, payload map[string]interface{}) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	doc := &Document{
		ID:        newDocID(),
		Stream:    stream,
		JobID:     jobID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	idx.pending = append(idx.pending, doc)

	if idx.cfg.MaxBufferedDocs > 0 && len(idx.pending) > idx.cfg.MaxBufferedDocs {
		dropped := len(idx.pending) - idx.cfg.MaxBufferedDocs
		idx.logger.Warn().Int("dropped", dropped).Msg("indexer buffer over capacity, dropping oldest documents")
		idx.pending = idx.pending[dropped:]
	}

	if len(idx.pending) >= idx.cfg.FlushBatchSize {
		select {
		case idx.flushNow <- struct{}{}:
		default:
		}
	}
}

func (idx *Indexer) loop(ctx context.Context) {
	interval := time.Duration(idx.cfg.FlushIntervalSecs) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			idx.flush()
			close(idx.done)
			return
		case <-ticker.C:
			idx.flush()
		case <-idx.flushNow:
			idx.flush()
		}
	}
}

// flush writes the buffered documents, retaining them on failure so the
// next tick retries (spec §4.3: "A flush failure does not fail the owning
// job; it is logged and retried on next sample").
func (idx *Indexer) flush() {
	idx.mu.Lock()
	if len(idx.pending) == 0 {
		idx.mu.Unlock()
		return
	}
	batch := idx.pending
	idx.pending = nil
	idx.mu.Unlock()

	for i, doc := range batch {
		if err := idx.db.Upsert(doc.ID, doc); err != nil {
			idx.logger.Warn().Err(err).Str("stream", string(doc.Stream)).Msg("indexer flush failed, requeuing remaining batch")
			idx.mu.Lock()
			idx.pending = append(batch[i:], idx.pending...)
			idx.mu.Unlock()
			return
		}
	}
}

// Close flushes any remaining buffered documents. Safe to call multiple
// times: only the first call flushes. It does not stop the background
// loop, which exits when its context is cancelled.
func (idx *Indexer) Close() {
	idx.closeOnce.Do(func() {
		idx.flush()
	})
}

// QueryByJob returns every document recorded for jobID across all streams,
// oldest first. Used by observability surfaces only — never by core
// job-completion logic (spec §4.3 authority rule).
func (idx *Indexer) QueryByJob(jobID string) ([]*Document, error) {
	var docs []Document
	if err := idx.db.Find(&docs, badgerhold.Where("JobID").Eq(jobID).SortBy("Timestamp")); err != nil {
		return nil, err
	}
	result := make([]*Document, len(docs))
	for i := range docs {
		result[i] = &docs[i]
	}
	return result, nil
}

// PurgeOlderThan deletes documents in stream older than cutoff, implementing
// the retention rules in spec §4.3 (metric streams 7 days, event stream
// >= 90 days — callers pass the appropriate cutoff per stream).
func (idx *Indexer) PurgeOlderThan(stream Stream, cutoff time.Time) error {
	return idx.db.DeleteMatching(&Document{}, badgerhold.Where("Stream").Eq(stream).And("Timestamp").Lt(cutoff))
}

var docIDCounter uint64
var docIDMu sync.Mutex

// newDocID generates a monotonically ordered document ID. Uniqueness within
// a process is all that is required; documents are never looked up by ID
// directly, only scanned by JobID/Stream/Timestamp.
func newDocID() string {
	docIDMu.Lock()
	defer docIDMu.Unlock()
	docIDCounter++
	return time.Now().UTC().Format("20060102T150405.000000000") + "-" + strconv.FormatUint(docIDCounter, 10)
}
