package obligations

import (
	"errors"
	"time"

	"github.com/odyssey-erp/fiscal-engine/internal/fiscal"
)

var (
	// ErrObligationNotFound indicates the obligation does not exist.
	ErrObligationNotFound = errors.New("obligations: obligation not found")
	// ErrObligationExists indicates an obligation for the kind and period already exists.
	ErrObligationExists = errors.New("obligations: obligation already exists for period")
	// ErrKindNotFound indicates the obligation kind does not exist.
	ErrKindNotFound = errors.New("obligations: kind not found")
	// ErrDuplicateKind indicates the kind code is taken.
	ErrDuplicateKind = errors.New("obligations: kind code already exists")
	// ErrInvalidTransition indicates a status change outside the state machine.
	ErrInvalidTransition = errors.New("obligations: invalid status transition")
	// ErrRenderFailed indicates the render function failed, timed out or was cancelled.
	ErrRenderFailed = errors.New("obligations: render failed")
	// ErrStorage indicates the object store rejected a read, write or delete.
	ErrStorage = errors.New("obligations: storage failure")
	// ErrFileNotFound indicates the file row or its object does not exist.
	ErrFileNotFound = errors.New("obligations: file not found")
)

// Status is the lifecycle state of an obligation.
type Status string

const (
	StatusRascunho Status = "rascunho"
	StatusGerado   Status = "gerado"
	StatusValidado Status = "validado"
	StatusEnviado  Status = "enviado"
	StatusErro     Status = "erro"
)

var transitions = map[Status][]Status{
	StatusRascunho: {StatusGerado, StatusErro},
	StatusGerado:   {StatusGerado, StatusValidado, StatusErro},
	StatusValidado: {StatusEnviado, StatusErro},
	StatusErro:     {StatusRascunho, StatusGerado},
	StatusEnviado:  nil,
}

// CanTransition reports whether an obligation in from may move to to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Kind is a type of regulatory obligation (e.g. a monthly declaration).
type Kind struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Obligation is one filing of a kind for a period.
type Obligation struct {
	ID                int64      `json:"id"`
	KindID            int64      `json:"obligation_kind_id"`
	KindCode          string     `json:"obligation_kind_code,omitempty"`
	PeriodMonth       int        `json:"period_month"`
	PeriodYear        int        `json:"period_year"`
	Status            Status     `json:"status"`
	GeneratedFilePath string     `json:"generated_file_path,omitempty"`
	Protocol          string     `json:"protocol,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	Message           string     `json:"message,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Period returns the obligation period.
func (o Obligation) Period() fiscal.Period {
	return fiscal.Period{Month: o.PeriodMonth, Year: o.PeriodYear}
}

// File is one generated artefact of an obligation. Rows are append-only.
type File struct {
	ID           int64     `json:"id"`
	ObligationID int64     `json:"obligation_id"`
	FilePath     string    `json:"file_path"`
	FileType     string    `json:"file_type"`
	Format       string    `json:"format"`
	GeneratedAt  time.Time `json:"generated_at"`
}

// KindInput creates an obligation kind.
type KindInput struct {
	Code string `json:"code" validate:"required,max=40"`
	Name string `json:"name" validate:"required,max=160"`
}

// CreateInput opens a new obligation in rascunho.
type CreateInput struct {
	KindID int64 `json:"obligation_kind_id" validate:"required,gt=0"`
	Month  int   `json:"period_month" validate:"required,min=1,max=12"`
	Year   int   `json:"period_year" validate:"required,min=1900,max=9999"`
}

// GenerateInput selects the artefact asked of the render function. Empty
// fields fall back to the kind code and DefaultFormat.
type GenerateInput struct {
	FileType string `json:"file_type" validate:"omitempty,max=40"`
	Format   string `json:"format" validate:"omitempty,max=20"`
}

// DefaultFormat is requested when GenerateInput.Format is empty.
const DefaultFormat = "txt"

// ListFilter narrows obligation listings. Zero values do not filter.
type ListFilter struct {
	Month  int
	Year   int
	KindID int64
	Status Status
}

// StatusUpdate is the column set written on a status change. Nil fields are
// left unchanged; a pointer to an empty string clears the column.
type StatusUpdate struct {
	Status            Status
	GeneratedFilePath *string
	Protocol          *string
	StartedAt         *time.Time
	FinishedAt        *time.Time
	Message           *string
}
