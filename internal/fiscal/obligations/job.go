package obligations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/fiscal-engine/internal/jobs"
	"github.com/odyssey-erp/fiscal-engine/jobs"
)

// Generator is the part of Service the generate job needs.
type Generator interface {
	Get(ctx context.Context, id int64) (Obligation, error)
	Generate(ctx context.Context, id int64, in GenerateInput) (Obligation, error)
}

// GenerateJob processes obligation generation requests coming from the queue.
type GenerateJob struct {
	service Generator
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewGenerateJob constructs a GenerateJob handler.
func NewGenerateJob(service Generator, logger *slog.Logger, metrics *jobmetrics.Metrics) *GenerateJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &GenerateJob{service: service, logger: logger, metrics: metrics}
}

// Handle fulfils the asynq.HandlerFunc contract. Obligations already past
// generation are left alone. Render failures are not retried by the queue:
// the client retried already and the obligation now sits in erro.
func (j *GenerateJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.service == nil {
		return fmt.Errorf("obligation generate job not configured")
	}
	var payload jobs.ObligationGeneratePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", asynq.SkipRetry)
	}
	if payload.ObligationID <= 0 {
		return fmt.Errorf("missing obligation id: %w", asynq.SkipRetry)
	}
	ob, err := j.service.Get(ctx, payload.ObligationID)
	if err != nil {
		if errors.Is(err, ErrObligationNotFound) {
			j.metrics.Skipped(jobs.TaskObligationGenerate, "not_found")
			return fmt.Errorf("obligation %d: %w", payload.ObligationID, asynq.SkipRetry)
		}
		return err
	}
	switch ob.Status {
	case StatusGerado, StatusValidado, StatusEnviado:
		j.metrics.Skipped(jobs.TaskObligationGenerate, string(ob.Status))
		j.logger.Info("obligation already generated, task skipped",
			slog.Int64("obligation_id", ob.ID),
			slog.String("status", string(ob.Status)))
		return nil
	}

	tracker := j.metrics.Track(jobs.TaskObligationGenerate)
	_, err = j.service.Generate(ctx, ob.ID, GenerateInput{FileType: payload.FileType, Format: payload.Format})
	switch {
	case err == nil:
		return tracker.End(nil)
	case errors.Is(err, ErrInvalidTransition):
		j.metrics.Skipped(jobs.TaskObligationGenerate, "invalid_transition")
		return tracker.End(nil)
	case errors.Is(err, ErrRenderFailed), errors.Is(err, ErrStorage):
		return tracker.End(fmt.Errorf("%v: %w", err, asynq.SkipRetry))
	default:
		return tracker.End(err)
	}
}
