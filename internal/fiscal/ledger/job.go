package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/fiscal-engine/internal/fiscal"
	jobmetrics "github.com/odyssey-erp/fiscal-engine/internal/jobs"
	"github.com/odyssey-erp/fiscal-engine/jobs"
)

// Closer is the part of Service the close job needs.
type Closer interface {
	Close(ctx context.Context, p fiscal.Period) (CloseResult, error)
	Location() *time.Location
}

// CloseJob runs ledger closes coming from the queue, including the
// month-end cron.
type CloseJob struct {
	closer  Closer
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewCloseJob constructs the job handler.
func NewCloseJob(closer Closer, logger *slog.Logger, metrics *jobmetrics.Metrics) *CloseJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloseJob{closer: closer, logger: logger, metrics: metrics, clock: time.Now}
}

// Handle fulfils the asynq.HandlerFunc contract.
func (j *CloseJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.closer == nil {
		return fmt.Errorf("ledger close job not configured")
	}
	var payload jobs.LedgerClosePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %w", asynq.SkipRetry)
	}
	period := fiscal.Period{Month: payload.Month, Year: payload.Year}
	if payload.Month == 0 {
		period = fiscal.PeriodOf(j.clock(), j.closer.Location()).Previous()
	}
	if err := period.Validate(); err != nil {
		j.logger.Warn("ledger close task rejected", slog.Any("error", err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics.Track(jobs.TaskLedgerClose)
	res, err := j.closer.Close(ctx, period)
	if err != nil {
		if errors.Is(err, fiscal.ErrInvalidPeriod) {
			return tracker.End(fmt.Errorf("%v: %w", err, asynq.SkipRetry))
		}
		return tracker.End(err)
	}
	j.logger.Info("ledger close task done",
		slog.String("period", period.String()),
		slog.Int("ledgers", len(res.Ledgers)),
		slog.Int("skipped", len(res.Skipped)))
	return tracker.End(nil)
}
