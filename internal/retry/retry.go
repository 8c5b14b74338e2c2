// Package retry implements the Retry Engine (C6): a pure coordinator that
// walks a crawler's ordered retry_strategy, invoking the execution step with
// each entry's engine/proxy combination and recording RetryHistoryEntry
// outcomes.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/docuflow/internal/models"
)

// ErrorClass enumerates the failure classifications recorded on a failed
// RetryHistoryEntry (spec §4.6 step 3).
type ErrorClass string

const (
	ClassTimeout         ErrorClass = "timeout"
	ClassHTTP4xx         ErrorClass = "http_4xx"
	ClassHTTP5xx         ErrorClass = "http_5xx"
	ClassJavaScriptError ErrorClass = "javascript_error"
	ClassProxyError      ErrorClass = "proxy_error"
	ClassOther           ErrorClass = "other"
)

// AttemptError carries a classified failure from an Attempt execution step.
type AttemptError struct {
	Class ErrorClass
	Err   error
}

func (e *AttemptError) Error() string { return fmt.Sprintf("%s: %v", e.Class, e.Err) }
func (e *AttemptError) Unwrap() error { return e.Err }

// ClassifyError infers an ErrorClass from err using the same heuristics the
// engine's callers already classify HTTP status codes with: context
// deadlines and net.Error timeouts as ClassTimeout, everything else as
// ClassOther unless the caller wraps its own *AttemptError.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var ae *AttemptError
	if errors.As(err, &ae) {
		return ae.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}
	return ClassOther
}

// Attempt executes a single retry_strategy entry against a target engine
// and proxy flag. Implemented by the crawler execution pipeline.
type Attempt func(ctx context.Context, entry models.RetryStrategyEntry) error

// StatusLookup reports the current status of the execution job, used to
// detect a concurrent cancellation between attempts (spec §4.6
// "Cancellation").
type StatusLookup func(ctx context.Context) (models.JobStatus, error)

// Outcome is the terminal result of running the ordered retry strategy.
type Outcome struct {
	Success      bool
	EngineUsed   models.Engine
	ProxyUsed    bool
	History      []models.RetryHistoryEntry
	FailSummary  string
	WasCancelled bool
}

// Engine walks a crawler config's retry_strategy in order, sleeping each
// entry's delay, invoking attempt, and recording a RetryHistoryEntry for
// every try (spec §4.6).
type Engine struct {
	logger arbor.ILogger
}

func New(logger arbor.ILogger) *Engine {
	return &Engine{logger: logger}
}

// Run executes cfg.RetryStrategy in order until attempt succeeds, the
// strategy is exhausted, or status transitions to cancelled between
// attempts.
func (e *Engine) Run(ctx context.Context, cfg *models.CrawlerConfig, attempt Attempt, status StatusLookup) Outcome {
	var history []models.RetryHistoryEntry

	for i, strategyEntry := range cfg.RetryStrategy {
		if i > 0 {
			if cancelled := e.checkCancelled(ctx, status); cancelled {
				history = append(history, models.RetryHistoryEntry{
					Attempt:     strategyEntry.Attempt,
					Engine:      strategyEntry.Engine,
					UseProxy:    strategyEntry.UseProxy,
					StartedAt:   time.Now(),
					CompletedAt: time.Now(),
					Status:      models.RetryFailed,
					ErrorType:   "cancelled",
				})
				return Outcome{WasCancelled: true, History: history, FailSummary: "execution cancelled between retry attempts"}
			}
		}

		delay := time.Duration(strategyEntry.DelaySeconds * float64(time.Second))
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Outcome{WasCancelled: true, History: history, FailSummary: "context cancelled during retry delay"}
			case <-timer.C:
			}
		}

		start := time.Now()
		err := attempt(ctx, strategyEntry)
		completed := time.Now()

		if err == nil {
			history = append(history, models.RetryHistoryEntry{
				Attempt:         strategyEntry.Attempt,
				Engine:          strategyEntry.Engine,
				UseProxy:        strategyEntry.UseProxy,
				StartedAt:       start,
				CompletedAt:     completed,
				Status:          models.RetrySuccess,
				DurationSeconds: completed.Sub(start).Seconds(),
			})
			return Outcome{
				Success:    true,
				EngineUsed: strategyEntry.Engine,
				ProxyUsed:  strategyEntry.UseProxy,
				History:    history,
			}
		}

		class := ClassifyError(err)
		e.logger.Debug().
			Int("attempt", strategyEntry.Attempt).
			Str("engine", string(strategyEntry.Engine)).
			Str("error_class", string(class)).
			Err(err).
			Msg("retry engine: attempt failed")

		history = append(history, models.RetryHistoryEntry{
			Attempt:         strategyEntry.Attempt,
			Engine:          strategyEntry.Engine,
			UseProxy:        strategyEntry.UseProxy,
			StartedAt:       start,
			CompletedAt:     completed,
			Status:          models.RetryFailed,
			ErrorType:       string(class),
			ErrorMessage:    err.Error(),
			DurationSeconds: completed.Sub(start).Seconds(),
		})

		if i == len(cfg.RetryStrategy)-1 {
			return Outcome{
				Success:     false,
				EngineUsed:  strategyEntry.Engine,
				ProxyUsed:   strategyEntry.UseProxy,
				History:     history,
				FailSummary: fmt.Sprintf("all %d retry attempts exhausted, last error: %v", len(cfg.RetryStrategy), err),
			}
		}
	}

	return Outcome{Success: false, History: history, FailSummary: "empty retry strategy"}
}

func (e *Engine) checkCancelled(ctx context.Context, status StatusLookup) bool {
	if status == nil {
		return false
	}
	s, err := status(ctx)
	if err != nil {
		return false
	}
	return s == models.StatusCancelled
}
