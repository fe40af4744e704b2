// Package httpx provides HTTP response utilities.
package httpx

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/odyssey-erp/fiscal-engine/internal/shared"
)

// ErrorMapping pairs a sentinel error with the problem response it produces.
type ErrorMapping struct {
	Err    error
	Status int
	Title  string
}

// baseMappings apply after the caller's own mappings.
var baseMappings = []ErrorMapping{
	{Err: shared.ErrValidation, Status: http.StatusBadRequest, Title: "Validation Failed"},
	{Err: shared.ErrNotFound, Status: http.StatusNotFound, Title: "Not Found"},
	{Err: shared.ErrConflict, Status: http.StatusConflict, Title: "Conflict"},
	{Err: shared.ErrIdempotencyConflict, Status: http.StatusConflict, Title: "Idempotency Conflict"},
	{Err: context.DeadlineExceeded, Status: http.StatusGatewayTimeout, Title: "Timeout"},
}

// Responder maps domain errors to HTTP responses using RFC7807.
type Responder struct {
	mappings []ErrorMapping
	logger   *slog.Logger
}

// NewResponder builds a Responder. Mappings are checked in order with
// errors.Is; the first match wins.
func NewResponder(logger *slog.Logger, mappings ...ErrorMapping) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	all := make([]ErrorMapping, 0, len(mappings)+len(baseMappings))
	all = append(all, mappings...)
	all = append(all, baseMappings...)
	return &Responder{mappings: all, logger: logger}
}

// Error writes the problem document for err. Unmapped errors are logged and
// answered with a bare 500.
func (rs *Responder) Error(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range rs.mappings {
		if !errors.Is(err, m.Err) {
			continue
		}
		problem := ProblemDetail{Title: m.Title, Status: m.Status, Detail: err.Error()}
		var verr *shared.ValidationError
		if errors.As(err, &verr) {
			problem.Errors = verr.Fields
		}
		if m.Status >= http.StatusInternalServerError {
			rs.logger.Warn("request failed upstream",
				slog.String("path", r.URL.Path),
				slog.Int("status", m.Status),
				slog.Any("error", err))
		}
		WriteProblem(w, problem)
		return
	}
	rs.logger.Error("request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Any("error", err))
	Problem(w, http.StatusInternalServerError, "Internal Error", "")
}
