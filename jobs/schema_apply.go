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

// SchemaApplier applies an approved schema change request.
type SchemaApplier interface {
	Apply(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause error) error
}

// SchemaApplyJob runs reviewed column additions.
type SchemaApplyJob struct {
	applier SchemaApplier
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
	retries func(ctx context.Context) (retried, maxRetry int, ok bool)
}

// NewSchemaApplyJob builds the schema apply handler.
func NewSchemaApplyJob(applier SchemaApplier, logger *slog.Logger, metrics *jobmetrics.Metrics) *SchemaApplyJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &SchemaApplyJob{
		applier: applier,
		logger:  logger.With(slog.String("job", TaskSchemaApply)),
		metrics: metrics,
		retries: asynqRetries,
	}
}

func asynqRetries(ctx context.Context) (int, int, bool) {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return 0, 0, false
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	return retried, maxRetry, ok
}

// Handle processes TaskSchemaApply tasks. Permanent DDL errors are marked
// FAILED by the applier; transient ones are retried and the change is marked
// FAILED once the last retry is used up.
func (j *SchemaApplyJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	var payload SchemaApplyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.ChangeID == "" {
		return fmt.Errorf("schema apply: bad payload: %w", asynq.SkipRetry)
	}
	tracker := j.metrics.Track(TaskSchemaApply)
	defer func() { err = tracker.End(err) }()

	if err := j.applier.Apply(ctx, payload.ChangeID); err != nil {
		j.logger.Error("schema change failed", slog.String("change_id", payload.ChangeID), slog.Any("error", err))
		if errors.Is(err, httpx.ErrNotFound) || errors.Is(err, httpx.ErrValidation) || errors.Is(err, httpx.ErrUnprocessable) {
			return fmt.Errorf("schema apply %s: %v: %w", payload.ChangeID, err, asynq.SkipRetry)
		}
		if retried, maxRetry, ok := j.retries(ctx); ok && retried >= maxRetry {
			if merr := j.applier.MarkFailed(ctx, payload.ChangeID, err); merr != nil {
				j.logger.Error("mark schema change failed", slog.String("change_id", payload.ChangeID), slog.Any("error", merr))
			}
		}
		return err
	}
	j.logger.Info("schema change applied", slog.String("change_id", payload.ChangeID))
	return nil
}
