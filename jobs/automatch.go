package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-books/internal/jobs"
	"github.com/odyssey-erp/odyssey-books/internal/platform/httpx"
)

// MatchRetrier re-runs auto-match for one approved bank mutation.
type MatchRetrier interface {
	RetryMatch(ctx context.Context, id int64) error
}

// AutoMatchJob retries bank mutation matching until it succeeds or asynq
// gives up.
type AutoMatchJob struct {
	matcher MatchRetrier
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewAutoMatchJob builds the auto-match retry handler.
func NewAutoMatchJob(matcher MatchRetrier, logger *slog.Logger, metrics *jobmetrics.Metrics) *AutoMatchJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoMatchJob{matcher: matcher, logger: logger.With(slog.String("job", TaskBankAutoMatch)), metrics: metrics}
}

// Handle processes TaskBankAutoMatch tasks.
func (j *AutoMatchJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	var payload AutoMatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.MutationID <= 0 {
		return fmt.Errorf("auto match: bad payload: %w", asynq.SkipRetry)
	}
	tracker := j.metrics.Track(TaskBankAutoMatch)
	defer func() { err = tracker.End(err) }()

	if err := j.matcher.RetryMatch(ctx, payload.MutationID); err != nil {
		if errors.Is(err, httpx.ErrNotFound) {
			return fmt.Errorf("auto match %d: %v: %w", payload.MutationID, err, asynq.SkipRetry)
		}
		j.logger.Info("auto match still pending", slog.Int64("mutation_id", payload.MutationID), slog.Any("error", err))
		return err
	}
	j.logger.Info("auto match succeeded", slog.Int64("mutation_id", payload.MutationID))
	return nil
}
