package retry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/docuflow/internal/models"
)

func strategy() *models.CrawlerConfig {
	return &models.CrawlerConfig{
		RetryStrategy: []models.RetryStrategyEntry{
			{Attempt: 0, Engine: models.EngineHTMLParser, UseProxy: false, DelaySeconds: 0},
			{Attempt: 1, Engine: models.EngineHTMLParser, UseProxy: true, DelaySeconds: 0},
			{Attempt: 2, Engine: models.EngineHeadlessBrowser, UseProxy: false, DelaySeconds: 0},
		},
	}
}

func TestEngine_SucceedsOnFirstAttempt(t *testing.T) {
	e := New(arbor.NewNoOpLogger())
	calls := 0
	outcome := e.Run(context.Background(), strategy(), func(ctx context.Context, entry models.RetryStrategyEntry) error {
		calls++
		return nil
	}, nil)

	assert.True(t, outcome.Success)
	assert.Equal(t, 1, calls)
	assert.Equal(t, models.EngineHTMLParser, outcome.EngineUsed)
	assert.Len(t, outcome.History, 1)
	assert.Equal(t, models.RetrySuccess, outcome.History[0].Status)
}

func TestEngine_FallsThroughToLaterEntry(t *testing.T) {
	e := New(arbor.NewNoOpLogger())
	calls := 0
	outcome := e.Run(context.Background(), strategy(), func(ctx context.Context, entry models.RetryStrategyEntry) error {
		calls++
		if entry.Attempt < 2 {
			return &AttemptError{Class: ClassHTTP5xx, Err: errors.New("server error")}
		}
		return nil
	}, nil)

	assert.True(t, outcome.Success)
	assert.Equal(t, 3, calls)
	assert.Equal(t, models.EngineHeadlessBrowser, outcome.EngineUsed)
	assert.Len(t, outcome.History, 3)
	assert.Equal(t, models.RetryFailed, outcome.History[0].Status)
	assert.Equal(t, string(ClassHTTP5xx), outcome.History[0].ErrorType)
	assert.Equal(t, models.RetrySuccess, outcome.History[2].Status)
}

func TestEngine_ExhaustsAllAttempts(t *testing.T) {
	e := New(arbor.NewNoOpLogger())
	outcome := e.Run(context.Background(), strategy(), func(ctx context.Context, entry models.RetryStrategyEntry) error {
		return &AttemptError{Class: ClassTimeout, Err: errors.New("timed out")}
	}, nil)

	assert.False(t, outcome.Success)
	assert.Len(t, outcome.History, 3)
	assert.NotEmpty(t, outcome.FailSummary)
	for _, h := range outcome.History {
		assert.Equal(t, models.RetryFailed, h.Status)
	}
}

func TestEngine_AbortsOnCancellationBetweenAttempts(t *testing.T) {
	e := New(arbor.NewNoOpLogger())
	calls := 0
	outcome := e.Run(context.Background(), strategy(), func(ctx context.Context, entry models.RetryStrategyEntry) error {
		calls++
		return &AttemptError{Class: ClassOther, Err: errors.New("boom")}
	}, func(ctx context.Context) (models.JobStatus, error) {
		return models.StatusCancelled, nil
	})

	assert.True(t, outcome.WasCancelled)
	assert.Equal(t, 1, calls, "only the first attempt should run before the cancellation check blocks the second")
	assert.Equal(t, models.RetryFailed, outcome.History[len(outcome.History)-1].Status)
	assert.Equal(t, "cancelled", outcome.History[len(outcome.History)-1].ErrorType)
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, ClassHTTP5xx, ClassifyError(&AttemptError{Class: ClassHTTP5xx, Err: errors.New("x")}))
	assert.Equal(t, ClassOther, ClassifyError(errors.New("unclassified")))
	assert.Equal(t, ErrorClass(""), ClassifyError(nil))
}
