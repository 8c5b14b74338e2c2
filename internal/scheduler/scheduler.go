// Package scheduler implements the Scheduler (C4): a single logical process
// that tracks crawler jobs in an in-memory ordered set keyed by next fire
// time and emits execution triggers to the Dispatcher queue when due.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/docuflow/internal/errs"
	"github.com/ternarybob/docuflow/internal/models"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Trigger carries a crawler_job_id and the intended fire instant to the
// Dispatcher queue (spec §4.4 trigger semantics).
type Trigger struct {
	CrawlerJobID string
	FireInstant  time.Time
	TTL          time.Duration
}

// Expired reports whether the trigger has aged past its TTL, in which case
// it must be dropped rather than executed or stacked (spec §4.4).
func (t Trigger) Expired(now time.Time) bool {
	return now.Sub(t.FireInstant) > t.TTL
}

// Dispatch is the callback the scheduler invokes for every due trigger. The
// caller (Dispatcher) is responsible for idempotency: no earlier execution
// of the same crawler already processing for the same fire instant (spec
// §4.4).
type Dispatch func(ctx context.Context, trig Trigger)

type entry struct {
	crawlerJobID string
	schedule     cron.Schedule
	location     *time.Location
	oneShot      bool
	nextFire     time.Time
	fired        bool // for one-shot: whether its single fire has been emitted
	paused       bool
	index        int // heap index
}

// entryHeap orders entries by nextFire, earliest first.
type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].nextFire.Before(h[j].nextFire) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler maintains the in-memory ordered set of registered crawlers and
// wakes at the earliest next_fire_time to emit due triggers.
type Scheduler struct {
	logger   arbor.ILogger
	dispatch Dispatch
	pollEvery time.Duration

	mu      sync.Mutex
	byID    map[string]*entry
	pending entryHeap

	wake chan struct{}
	done chan struct{}
}

// New constructs a Scheduler. dispatch is invoked (on its own goroutine) for
// every due trigger.
func New(logger arbor.ILogger, dispatch Dispatch, pollEvery time.Duration) *Scheduler {
	if pollEvery <= 0 {
		pollEvery = time.Second
	}
	return &Scheduler{
		logger:    logger,
		dispatch:  dispatch,
		pollEvery: pollEvery,
		byID:      make(map[string]*entry),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Rehydrate loads every crawler job in StatusActive and installs it, per
// spec §4.4 "On startup, load all crawler jobs with status=active via
// FindActiveCrawlers() and install an entry in an in-memory ordered set".
func (s *Scheduler) Rehydrate(jobs []*models.Job) error {
	for _, job := range jobs {
		if err := s.RegisterCrawler(job); err != nil {
			s.logger.Warn().Err(err).Str("crawler_job_id", job.ID).Msg("failed to rehydrate crawler schedule")
		}
	}
	return nil
}

// RegisterCrawler installs job's schedule in the in-memory set, computing
// next_fire_time by interpreting the cron expression in the stored time
// zone and converting to UTC for storage and comparison (spec §4.4).
func (s *Scheduler) RegisterCrawler(job *models.Job) error {
	if job.CrawlerSchedule == nil {
		return errs.New(errs.InvalidInput, "Scheduler.RegisterCrawler", fmt.Errorf("job %s has no crawler_schedule", job.ID))
	}

	loc, err := time.LoadLocation(job.CrawlerSchedule.Timezone)
	if err != nil {
		loc = time.UTC
	}

	e := &entry{crawlerJobID: job.ID, location: loc}

	switch job.CrawlerSchedule.Type {
	case models.ScheduleOneTime:
		e.oneShot = true
		if len(job.CrawlerSchedule.NextRuns) > 0 {
			e.nextFire = job.CrawlerSchedule.NextRuns[0].UTC()
		} else {
			e.nextFire = time.Now().UTC()
		}
	case models.ScheduleRecurring:
		sched, err := cronParser.Parse(job.CrawlerSchedule.CronExpression)
		if err != nil {
			return errs.New(errs.InvalidInput, "Scheduler.RegisterCrawler", err)
		}
		e.schedule = sched
		e.nextFire = nextFireUTC(sched, loc, time.Now())
	default:
		return errs.New(errs.InvalidInput, "Scheduler.RegisterCrawler", fmt.Errorf("unknown schedule type %q", job.CrawlerSchedule.Type))
	}

	s.mu.Lock()
	if old, exists := s.byID[job.ID]; exists {
		s.removeLocked(old)
	}
	s.byID[job.ID] = e
	heap.Push(&s.pending, e)
	s.mu.Unlock()

	s.nudge()
	return nil
}

// UpdateCrawler re-registers job, replacing its prior schedule entry.
func (s *Scheduler) UpdateCrawler(job *models.Job) error {
	return s.RegisterCrawler(job)
}

// UnregisterCrawler removes crawlerJobID from the in-memory set.
func (s *Scheduler) UnregisterCrawler(crawlerJobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, exists := s.byID[crawlerJobID]; exists {
		s.removeLocked(e)
		delete(s.byID, crawlerJobID)
	}
}

// PauseCrawler marks crawlerJobID paused: its pending trigger, if any, is
// discarded on dequeue rather than dispatched (spec §4.4 ordering &
// cancellation).
func (s *Scheduler) PauseCrawler(crawlerJobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, exists := s.byID[crawlerJobID]; exists {
		e.paused = true
	}
}

// Resume clears a prior PauseCrawler.
func (s *Scheduler) Resume(crawlerJobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, exists := s.byID[crawlerJobID]; exists {
		e.paused = false
	}
}

func (s *Scheduler) removeLocked(e *entry) {
	if e.index >= 0 && e.index < len(s.pending) && s.pending[e.index] == e {
		heap.Remove(&s.pending, e.index)
	}
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run starts the wake loop. It blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		wait := s.nextWait()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
			s.fireDue(ctx)
		}
	}
}

func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return s.pollEvery
	}
	d := time.Until(s.pending[0].nextFire)
	if d < 0 {
		return 0
	}
	if d > s.pollEvery {
		return s.pollEvery
	}
	return d
}

// fireDue emits a trigger for every entry whose nextFire has passed,
// recomputing the next occurrence for recurring entries and
// auto-unregistering one-shot entries after their single fire (spec §4.4
// "One-shot schedules (type=one_time) fire once and are auto-unregistered").
func (s *Scheduler) fireDue(ctx context.Context) {
	now := time.Now().UTC()

	var due []*entry
	s.mu.Lock()
	for len(s.pending) > 0 && !s.pending[0].nextFire.After(now) {
		e := heap.Pop(&s.pending).(*entry)
		due = append(due, e)
	}
	s.mu.Unlock()

	for _, e := range due {
		s.mu.Lock()
		paused := e.paused
		s.mu.Unlock()

		trig := Trigger{
			CrawlerJobID: e.crawlerJobID,
			FireInstant:  e.nextFire,
			TTL:          triggerTTL(e),
		}

		if paused {
			s.logger.Debug().Str("crawler_job_id", e.crawlerJobID).Msg("trigger discarded: crawler paused")
		} else if trig.Expired(now) {
			s.logger.Warn().Str("crawler_job_id", e.crawlerJobID).Msg("trigger dropped: exceeded TTL")
		} else {
			go s.dispatch(ctx, trig)
		}

		if e.oneShot {
			s.mu.Lock()
			delete(s.byID, e.crawlerJobID)
			s.mu.Unlock()
			continue
		}

		e.nextFire = nextFireUTC(e.schedule, e.location, now)
		s.mu.Lock()
		heap.Push(&s.pending, e)
		s.mu.Unlock()
	}
}

// triggerTTL is the cron period or one hour, whichever is smaller (spec
// §4.4): late triggers are dropped rather than stacked. One-shot entries
// get the one-hour ceiling since they have no "period".
func triggerTTL(e *entry) time.Duration {
	const ceiling = time.Hour
	if e.schedule == nil {
		return ceiling
	}
	period := nextFireUTC(e.schedule, e.location, e.nextFire).Sub(e.nextFire)
	if period <= 0 || period > ceiling {
		return ceiling
	}
	return period
}

// nextFireUTC interprets sched in loc from 'after', then converts the
// resulting wall-clock instant to UTC (spec §4.4 conversion rule).
func nextFireUTC(sched cron.Schedule, loc *time.Location, after time.Time) time.Time {
	local := after.In(loc)
	return sched.Next(local).UTC()
}

// RunNow bypasses the scheduler and returns a trigger for immediate
// dispatch. It does not advance next_runs (spec §4.4 "Manual run now").
func RunNow(crawlerJobID string) Trigger {
	now := time.Now().UTC()
	return Trigger{CrawlerJobID: crawlerJobID, FireInstant: now, TTL: time.Hour}
}
