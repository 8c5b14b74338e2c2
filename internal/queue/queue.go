// Package queue implements the Dispatcher + Workers (C5): two independently
// scalable queues (conversion, crawler) feeding worker pools that execute
// SplitPdf, ConvertPage, Merge, and ExecuteCrawler tasks with late acks,
// bounded requeue-on-error, and idempotency checks.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
)

// defaultMaxAttempts bounds how many times a failed task is requeued
// before the dispatcher gives up on it (spec §4.5 "late acks").
const defaultMaxAttempts = 5

// TaskKind enumerates the four task kinds routed across the two queues
// (spec §4.5).
type TaskKind string

const (
	TaskSplitPdf       TaskKind = "split_pdf"
	TaskConvertPage    TaskKind = "convert_page"
	TaskMerge          TaskKind = "merge"
	TaskExecuteCrawler TaskKind = "execute_crawler"
)

// QueueName names the two independently scalable queues. SplitPdf,
// ConvertPage, and Merge route to QueueConversion; ExecuteCrawler routes to
// QueueCrawler (spec §4.5 "Queue model").
type QueueName string

const (
	QueueConversion QueueName = "conversion"
	QueueCrawler    QueueName = "crawler"
)

func (k TaskKind) Queue() QueueName {
	if k == TaskExecuteCrawler {
		return QueueCrawler
	}
	return QueueConversion
}

// Task is a unit of dispatchable work. JobID is always the main job the
// task belongs to. ExecutionID is set only for ExecuteCrawler tasks.
// PageID is set only for ConvertPage tasks, naming the models.Page.ID to
// convert (a page is never materialized as its own Job row, so JobID alone
// cannot address it).
type Task struct {
	Kind        TaskKind
	JobID       string
	ExecutionID string
	PageID      string
	Attempt     int
	EnqueuedAt  time.Time
}

// Handler processes a Task. Returning an error causes the task to be
// requeued with an incremented Attempt, up to the dispatcher's MaxAttempts,
// after which it is logged and dropped. The dispatcher does not inspect
// error kinds: handlers are expected to check job/page status for
// idempotency before doing any work (spec §4.5 "Idempotency"), so
// redelivering a task whose job already settled to a terminal state is a
// safe no-op rather than a double-apply.
type Handler func(ctx context.Context, task Task) error

// SoftTimeoutError signals the worker checkpointed its progress after the
// soft timeout elapsed and should be retried (spec §4.5 "Timeouts").
type SoftTimeoutError struct{ Task Task }

func (e *SoftTimeoutError) Error() string { return "task exceeded soft timeout" }

// Dispatcher routes tasks to per-queue worker pools. Acks are late: a task
// is considered complete only after its handler returns without error. A
// handler error requeues the task (see Handler) rather than dropping it, so
// a crashed worker's in-flight task is never silently lost.
type Dispatcher struct {
	logger arbor.ILogger

	conversionCh chan Task
	crawlerCh    chan Task

	handlers map[TaskKind]Handler

	softTimeout time.Duration
	hardTimeout time.Duration
	maxAttempts int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Config bounds the worker pool sizes and per-task timeouts.
type Config struct {
	ConversionWorkers int
	CrawlerWorkers    int
	SoftTimeout       time.Duration
	HardTimeout       time.Duration
	QueueDepth        int
	MaxAttempts       int // requeue cap per task; default defaultMaxAttempts
}

// New constructs a Dispatcher with buffered per-queue channels. Handlers
// must be registered with RegisterHandler before Start.
func New(logger arbor.ILogger, cfg Config) *Dispatcher {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1000
	}
	if cfg.SoftTimeout <= 0 {
		cfg.SoftTimeout = 55 * time.Minute
	}
	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = 60 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return &Dispatcher{
		logger:       logger,
		conversionCh: make(chan Task, cfg.QueueDepth),
		crawlerCh:    make(chan Task, cfg.QueueDepth),
		handlers:     make(map[TaskKind]Handler),
		softTimeout:  cfg.SoftTimeout,
		hardTimeout:  cfg.HardTimeout,
		maxAttempts:  cfg.MaxAttempts,
	}
}

// RegisterHandler installs the handler invoked for every task of kind.
func (d *Dispatcher) RegisterHandler(kind TaskKind, h Handler) {
	d.handlers[kind] = h
}

// Enqueue routes task to its queue's channel. Backpressure: if the
// conversion queue depth exceeds capacity, Enqueue blocks the caller,
// implementing the rate-limiting described in spec §5 "Backpressure".
func (d *Dispatcher) Enqueue(ctx context.Context, task Task) error {
	task.EnqueuedAt = time.Now()
	ch := d.channelFor(task.Kind.Queue())
	select {
	case ch <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) channelFor(q QueueName) chan Task {
	if q == QueueCrawler {
		return d.crawlerCh
	}
	return d.conversionCh
}

// QueueDepth reports the current backlog of queue, used by callers that
// need to rate-limit split enqueues under backpressure (spec §5).
func (d *Dispatcher) QueueDepth(q QueueName) int {
	return len(d.channelFor(q))
}

// Start launches conversionWorkers and crawlerWorkers goroutines pulling
// from their respective queues. It returns immediately; call Stop to drain
// and shut down.
func (d *Dispatcher) Start(ctx context.Context, conversionWorkers, crawlerWorkers int) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	for i := 0; i < conversionWorkers; i++ {
		d.wg.Add(1)
		go d.workerLoop(ctx, "conversion", i, d.conversionCh)
	}
	for i := 0; i < crawlerWorkers; i++ {
		d.wg.Add(1)
		go d.workerLoop(ctx, "crawler", i, d.crawlerCh)
	}
}

// Stop cancels all worker goroutines and waits for in-flight tasks to
// observe cancellation.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Dispatcher) workerLoop(ctx context.Context, queueName string, workerID int, ch chan Task) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-ch:
			d.runTask(ctx, queueName, workerID, task)
		}
	}
}

// runTask invokes the registered handler with soft/hard timeout enforcement
// (spec §4.5 "Timeouts"): a soft timeout logs and lets the handler's own
// checkpoint-and-return-retryable-error path take over; a hard timeout
// abandons waiting on the handler (the goroutine is left to exit on its own
// when it eventually observes ctx.Done(), matching the broker-kills-worker
// semantics of a real external queue).
func (d *Dispatcher) runTask(ctx context.Context, queueName string, workerID int, task Task) {
	handler, ok := d.handlers[task.Kind]
	if !ok {
		d.logger.Warn().Str("kind", string(task.Kind)).Msg("dispatcher: no handler registered for task kind")
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, d.hardTimeout)
	defer cancel()

	done := make(chan error, 1)
	softTimer := time.NewTimer(d.softTimeout)
	defer softTimer.Stop()

	go func() {
		done <- handler(taskCtx, task)
	}()

	for {
		select {
		case err := <-done:
			if err != nil {
				d.handleFailure(queueName, workerID, task, err)
			}
			return
		case <-softTimer.C:
			d.logger.Warn().
				Str("queue", queueName).
				Int("worker", workerID).
				Str("kind", string(task.Kind)).
				Str("job_id", task.JobID).
				Msg("dispatcher: task exceeded soft timeout, expecting handler to checkpoint")
		case <-taskCtx.Done():
			d.logger.Error().
				Str("queue", queueName).
				Int("worker", workerID).
				Str("kind", string(task.Kind)).
				Str("job_id", task.JobID).
				Msg("dispatcher: task exceeded hard timeout, abandoning")
			return
		}
	}
}

// handleFailure requeues task with an incremented Attempt, up to
// maxAttempts, after which it is logged and dropped (spec §4.5 "late acks").
// Requeueing uses a background context: the worker's own ctx may already be
// cancelled by a shutdown, but the task still belongs in the queue for the
// next dispatcher to pick up.
func (d *Dispatcher) handleFailure(queueName string, workerID int, task Task, cause error) {
	if task.Attempt+1 >= d.maxAttempts {
		d.logger.Error().
			Str("queue", queueName).
			Int("worker", workerID).
			Str("kind", string(task.Kind)).
			Str("job_id", task.JobID).
			Int("attempt", task.Attempt).
			Err(cause).
			Msg("dispatcher: task exhausted retries, dropping")
		return
	}

	d.logger.Warn().
		Str("queue", queueName).
		Int("worker", workerID).
		Str("kind", string(task.Kind)).
		Str("job_id", task.JobID).
		Int("attempt", task.Attempt).
		Err(cause).
		Msg("dispatcher: task failed, requeueing")

	requeued := task
	requeued.Attempt++
	if err := d.Enqueue(context.Background(), requeued); err != nil {
		d.logger.Warn().Err(err).Str("job_id", task.JobID).Msg("dispatcher: failed to requeue failed task")
	}
}
