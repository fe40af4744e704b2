package fiscalhttp

import (
	"net/http"
	"strings"

	"github.com/odyssey-erp/fiscal-engine/internal/fiscal"
	"github.com/odyssey-erp/fiscal-engine/internal/fiscal/calc"
	"github.com/odyssey-erp/fiscal-engine/internal/platform/httpx"
	"github.com/odyssey-erp/fiscal-engine/internal/shared"
)

// IdempotencyHeader lets clients retry calculation requests safely.
const IdempotencyHeader = "Idempotency-Key"

type calculationList struct {
	Items      []calc.TaxCalculation `json:"items"`
	Pagination shared.Pagination     `json:"pagination"`
}

func (h *Handler) calculate(w http.ResponseWriter, r *http.Request) {
	var req calc.Request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	req.IdempotencyKey = strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	out, err := h.calc.Calculate(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, out)
}

func (h *Handler) preview(w http.ResponseWriter, r *http.Request) {
	var req calc.Request
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	result, err := h.calc.Preview(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) getCalculation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := h.calc.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

// listCalculations pages with limit/offset; offset is rounded down to a
// page boundary.
func (h *Handler) listCalculations(w http.ResponseWriter, r *http.Request) {
	month, err := httpx.QueryInt(r, "month", 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	year, err := httpx.QueryInt(r, "year", 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit, err := httpx.QueryInt(r, "limit", 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	offset, err := httpx.QueryInt(r, "offset", 0)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if offset < 0 {
		h.fail(w, r, shared.FieldError("offset", "must not be negative"))
		return
	}
	regimeID, err := queryID(r, "regime_id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	page, perPage := shared.ClampPage(0, limit)
	page += offset / perPage

	list, pagination, err := h.calc.List(r.Context(), calc.ListFilter{
		Period:   fiscal.Period{Month: month, Year: year},
		RegimeID: regimeID,
		Page:     page,
		PerPage:  perPage,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []calc.TaxCalculation{}
	}
	httpx.JSON(w, http.StatusOK, calculationList{Items: list, Pagination: pagination})
}
