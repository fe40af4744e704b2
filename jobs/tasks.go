package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerClose closes the ledgers of a fiscal period.
	TaskLedgerClose = "fiscal:ledger:close"
	// TaskObligationGenerate renders the file of an obligation.
	TaskObligationGenerate = "fiscal:obligation:generate"
)

// LedgerClosePayload selects the period to close. A zero month closes the
// month before the one the task runs in.
type LedgerClosePayload struct {
	Month int `json:"month,omitempty"`
	Year  int `json:"year,omitempty"`
}

// ObligationGeneratePayload identifies the obligation to render.
type ObligationGeneratePayload struct {
	ObligationID int64  `json:"obligation_id"`
	FileType     string `json:"file_type,omitempty"`
	Format       string `json:"format,omitempty"`
}

// NewLedgerCloseTask constructs an Asynq task.
func NewLedgerCloseTask(payload LedgerClosePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerClose, data, asynq.Queue(QueueDefault)), nil
}

// NewObligationGenerateTask constructs an Asynq task.
func NewObligationGenerateTask(payload ObligationGeneratePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskObligationGenerate, data, asynq.Queue(QueueDefault)), nil
}
