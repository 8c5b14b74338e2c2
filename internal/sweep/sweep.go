// Package sweep implements the background heartbeat-TTL detector: a
// periodic loop that finds jobs stuck StatusProcessing past a heartbeat
// TTL and marks them failed, unblocking merge and scheduler idempotency
// checks on top of a worker crash the broker itself never noticed.
// Grounded on the teacher's staleJobDetectorLoop/DetectStaleJobs
// (internal/services/scheduler/scheduler_service.go).
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/docuflow/internal/models"
	"github.com/ternarybob/docuflow/internal/storage"
)

const staleReason = "stale: no heartbeat"

// Detector periodically marks StatusProcessing jobs failed once their
// heartbeat has gone stale for longer than ttl (spec §4.4 idempotency,
// §4.5 late-ack model).
type Detector struct {
	store    storage.JobStore
	logger   arbor.ILogger
	ttl      time.Duration
	interval time.Duration
}

// New constructs a Detector. ttl and interval fall back to sane defaults
// when unset so a zero-value config.Duration parse doesn't disable the
// sweep outright.
func New(store storage.JobStore, logger arbor.ILogger, ttl, interval time.Duration) *Detector {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	return &Detector{store: store, logger: logger, ttl: ttl, interval: interval}
}

// Run blocks, sweeping once per interval until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepOnce(ctx)
		}
	}
}

// sweepOnce runs a single detection pass, recovering from a panic so one
// bad pass doesn't kill the whole detector loop.
func (d *Detector) sweepOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Str("panic", fmt.Sprintf("%v", r)).Msg("sweep: recovered from panic, detector continues on next tick")
		}
	}()

	stale, err := d.store.FindStaleProcessing(ctx, time.Now().Add(-d.ttl))
	if err != nil {
		d.logger.Warn().Err(err).Msg("sweep: failed to query stale jobs")
		return
	}
	if len(stale) == 0 {
		return
	}
	d.logger.Warn().Int("count", len(stale)).Msg("sweep: detected stale processing jobs")

	for _, job := range stale {
		job.Status = models.StatusFailed
		job.Error = staleReason
		job.CompletedAt = time.Now()
		if err := d.store.Put(ctx, job); err != nil {
			d.logger.Warn().Err(err).Str("job_id", job.ID).Msg("sweep: failed to mark stale job failed")
		}
	}
}
