// Package fiscalhttp exposes the fiscal engine as a JSON API.
package fiscalhttp

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/fiscal-engine/internal/fiscal"
	"github.com/odyssey-erp/fiscal-engine/internal/fiscal/calc"
	"github.com/odyssey-erp/fiscal-engine/internal/fiscal/ledger"
	"github.com/odyssey-erp/fiscal-engine/internal/fiscal/obligations"
	"github.com/odyssey-erp/fiscal-engine/internal/fiscal/rules"
	"github.com/odyssey-erp/fiscal-engine/internal/platform/httpx"
	"github.com/odyssey-erp/fiscal-engine/internal/shared"
	"github.com/odyssey-erp/fiscal-engine/jobs"
)

type ruleService interface {
	Applicable(ctx context.Context, q rules.Query) ([]rules.TaxRule, error)
	Get(ctx context.Context, id int64) (rules.TaxRule, error)
	List(ctx context.Context, f rules.ListFilter) ([]rules.TaxRule, error)
	Create(ctx context.Context, in rules.RuleInput) (rules.TaxRule, error)
	Update(ctx context.Context, id int64, in rules.RuleInput) (rules.TaxRule, error)
	Deactivate(ctx context.Context, id int64) error
	ListTaxTypes(ctx context.Context) ([]rules.TaxType, error)
	CreateTaxType(ctx context.Context, in rules.TaxTypeInput) (rules.TaxType, error)
	ListRegimes(ctx context.Context) ([]rules.TaxRegime, error)
	CreateRegime(ctx context.Context, in rules.RegimeInput) (rules.TaxRegime, error)
	ListClassifications(ctx context.Context, typ fiscal.ClassificationType) ([]rules.Classification, error)
	CreateClassification(ctx context.Context, in rules.ClassificationInput) (rules.Classification, error)
}

type calcService interface {
	Calculate(ctx context.Context, req calc.Request) (calc.TaxCalculation, error)
	Preview(ctx context.Context, req calc.Request) (fiscal.CalculationResult, error)
	Get(ctx context.Context, id int64) (calc.TaxCalculation, error)
	List(ctx context.Context, f calc.ListFilter) ([]calc.TaxCalculation, shared.Pagination, error)
}

type ledgerService interface {
	Summary(ctx context.Context, p fiscal.Period) (ledger.PeriodSummary, error)
	Ledgers(ctx context.Context, p fiscal.Period) ([]ledger.TaxLedger, error)
	Close(ctx context.Context, p fiscal.Period) (ledger.CloseResult, error)
	Reopen(ctx context.Context, p fiscal.Period) ([]ledger.TaxLedger, error)
}

type obligationService interface {
	ListKinds(ctx context.Context) ([]obligations.Kind, error)
	CreateKind(ctx context.Context, in obligations.KindInput) (obligations.Kind, error)
	Create(ctx context.Context, in obligations.CreateInput) (obligations.Obligation, error)
	Get(ctx context.Context, id int64) (obligations.Obligation, error)
	List(ctx context.Context, f obligations.ListFilter) ([]obligations.Obligation, error)
	Generate(ctx context.Context, id int64, in obligations.GenerateInput) (obligations.Obligation, error)
	Validate(ctx context.Context, id int64) (obligations.Obligation, error)
	Submit(ctx context.Context, id int64, protocol string) (obligations.Obligation, error)
	MarkError(ctx context.Context, id int64, message string) (obligations.Obligation, error)
	Reset(ctx context.Context, id int64) (obligations.Obligation, error)
	ListFiles(ctx context.Context, obligationID int64) ([]obligations.File, error)
	OpenFile(ctx context.Context, fileID int64) (obligations.File, io.ReadCloser, error)
	DeleteFile(ctx context.Context, fileID int64) error
}

// Enqueuer submits background tasks. *jobs.Client satisfies it.
type Enqueuer interface {
	EnqueueLedgerClose(ctx context.Context, payload jobs.LedgerClosePayload) (*asynq.TaskInfo, error)
	EnqueueObligationGenerate(ctx context.Context, payload jobs.ObligationGeneratePayload) (*asynq.TaskInfo, error)
}

// Config wires the handler's collaborators. Queue may be nil, in which case
// async requests are refused.
type Config struct {
	Rules       ruleService
	Calc        calcService
	Ledger      ledgerService
	Obligations obligationService
	Queue       Enqueuer
	Logger      *slog.Logger
}

// Handler serves the /fiscal API.
type Handler struct {
	rules       ruleService
	calc        calcService
	ledger      ledgerService
	obligations obligationService
	queue       Enqueuer
	logger      *slog.Logger
	errors      *httpx.Responder
}

// NewHandler constructs the fiscal API handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		rules:       cfg.Rules,
		calc:        cfg.Calc,
		ledger:      cfg.Ledger,
		obligations: cfg.Obligations,
		queue:       cfg.Queue,
		logger:      logger,
		errors:      httpx.NewResponder(logger, errorMappings...),
	}
}

var errorMappings = []httpx.ErrorMapping{
	{Err: fiscal.ErrInvalidPeriod, Status: http.StatusBadRequest, Title: "Invalid Period"},

	{Err: rules.ErrRuleNotFound, Status: http.StatusNotFound, Title: "Not Found"},
	{Err: rules.ErrTaxTypeNotFound, Status: http.StatusNotFound, Title: "Not Found"},
	{Err: rules.ErrRegimeNotFound, Status: http.StatusNotFound, Title: "Not Found"},
	{Err: rules.ErrClassificationNotFound, Status: http.StatusNotFound, Title: "Not Found"},
	{Err: calc.ErrCalculationNotFound, Status: http.StatusNotFound, Title: "Not Found"},
	{Err: obligations.ErrObligationNotFound, Status: http.StatusNotFound, Title: "Not Found"},
	{Err: obligations.ErrKindNotFound, Status: http.StatusNotFound, Title: "Not Found"},
	{Err: obligations.ErrFileNotFound, Status: http.StatusNotFound, Title: "Not Found"},

	{Err: rules.ErrDuplicateCode, Status: http.StatusConflict, Title: "Duplicate"},
	{Err: obligations.ErrObligationExists, Status: http.StatusConflict, Title: "Duplicate"},
	{Err: obligations.ErrDuplicateKind, Status: http.StatusConflict, Title: "Duplicate"},
	{Err: obligations.ErrInvalidTransition, Status: http.StatusConflict, Title: "Invalid Transition"},
	{Err: ledger.ErrPeriodNotClosed, Status: http.StatusConflict, Title: "Period Not Closed"},

	{Err: calc.ErrMethodUnsupported, Status: http.StatusUnprocessableEntity, Title: "Method Unsupported"},

	{Err: obligations.ErrRenderFailed, Status: http.StatusBadGateway, Title: "Render Failed"},
	{Err: obligations.ErrStorage, Status: http.StatusBadGateway, Title: "Storage Failure"},
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/fiscal", func(r chi.Router) {
		r.Route("/calculations", func(r chi.Router) {
			r.Get("/", h.listCalculations)
			r.Post("/", h.calculate)
			r.Post("/preview", h.preview)
			r.Get("/{id}", h.getCalculation)
		})
		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.listRules)
			r.Post("/", h.createRule)
			r.Get("/applicable", h.applicableRules)
			r.Get("/{id}", h.getRule)
			r.Put("/{id}", h.updateRule)
			r.Post("/{id}/deactivate", h.deactivateRule)
		})
		r.Get("/tax-types", h.listTaxTypes)
		r.Post("/tax-types", h.createTaxType)
		r.Get("/regimes", h.listRegimes)
		r.Post("/regimes", h.createRegime)
		r.Get("/classifications", h.listClassifications)
		r.Post("/classifications", h.createClassification)
		r.Get("/obligation-kinds", h.listKinds)
		r.Post("/obligation-kinds", h.createKind)

		r.Route("/periods/{year}/{month}", func(r chi.Router) {
			r.Get("/summary", h.periodSummary)
			r.Get("/ledgers", h.periodLedgers)
			r.Post("/close", h.closePeriod)
			r.Post("/reopen", h.reopenPeriod)
		})

		r.Route("/obligations", func(r chi.Router) {
			r.Get("/", h.listObligations)
			r.Post("/", h.createObligation)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.getObligation)
				r.Post("/generate", h.generateObligation)
				r.Post("/validate", h.validateObligation)
				r.Post("/submit", h.submitObligation)
				r.Post("/error", h.markObligationError)
				r.Post("/reset", h.resetObligation)
				r.Get("/files", h.listObligationFiles)
			})
		})
		r.Get("/obligation-files/{id}/download", h.downloadFile)
		r.Delete("/obligation-files/{id}", h.deleteFile)
	})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.errors.Error(w, r, err)
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, shared.FieldError(name, "must be a positive integer")
	}
	return id, nil
}

func pathPeriod(r *http.Request) (fiscal.Period, error) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		return fiscal.Period{}, shared.FieldError("year", "must be an integer")
	}
	month, err := strconv.Atoi(chi.URLParam(r, "month"))
	if err != nil {
		return fiscal.Period{}, shared.FieldError("month", "must be an integer")
	}
	return fiscal.NewPeriod(month, year)
}

type enqueuedResponse struct {
	TaskID string `json:"task_id"`
	Queue  string `json:"queue"`
}

func (h *Handler) enqueued(w http.ResponseWriter, info *asynq.TaskInfo) {
	resp := enqueuedResponse{Queue: jobs.QueueDefault}
	if info != nil {
		resp.TaskID = info.ID
		resp.Queue = info.Queue
	}
	httpx.JSON(w, http.StatusAccepted, resp)
}

func (h *Handler) queueUnavailable(w http.ResponseWriter) {
	httpx.Problem(w, http.StatusServiceUnavailable, "Queue Unavailable", "background queue is not configured")
}
