package fiscalhttp

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/fiscal-engine/internal/fiscal"
	"github.com/odyssey-erp/fiscal-engine/internal/fiscal/obligations"
	"github.com/odyssey-erp/fiscal-engine/internal/fiscal/rules"
	"github.com/odyssey-erp/fiscal-engine/internal/platform/httpx"
	"github.com/odyssey-erp/fiscal-engine/internal/shared"
)

const dateLayout = "2006-01-02"

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	var f rules.ListFilter
	var err error
	if f.RegimeID, err = queryID(r, "regime_id"); err != nil {
		h.fail(w, r, err)
		return
	}
	if f.TaxTypeID, err = queryID(r, "tax_type_id"); err != nil {
		h.fail(w, r, err)
		return
	}
	f.Operation = fiscal.Operation(strings.TrimSpace(r.URL.Query().Get("operation")))
	if f.Operation != "" && !f.Operation.Valid() {
		h.fail(w, r, shared.FieldError("operation", "is not a known operation"))
		return
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("active")); raw != "" {
		active, perr := strconv.ParseBool(raw)
		if perr != nil {
			h.fail(w, r, shared.FieldError("active", "must be a boolean"))
			return
		}
		f.Active = &active
	}
	if f.Limit, err = httpx.QueryInt(r, "limit", 0); err != nil {
		h.fail(w, r, err)
		return
	}
	if f.Offset, err = httpx.QueryInt(r, "offset", 0); err != nil {
		h.fail(w, r, err)
		return
	}
	list, err := h.rules.List(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, list)
}

func (h *Handler) applicableRules(w http.ResponseWriter, r *http.Request) {
	q := rules.Query{
		Operation:     fiscal.Operation(strings.TrimSpace(r.URL.Query().Get("operation"))),
		OriginUF:      strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("origin_uf"))),
		DestinationUF: strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("destination_uf"))),
	}
	var err error
	if q.RegimeID, err = queryID(r, "regime_id"); err != nil {
		h.fail(w, r, err)
		return
	}
	if q.RegimeID == 0 {
		h.fail(w, r, shared.FieldError("regime_id", "is required"))
		return
	}
	if !q.Operation.Valid() {
		h.fail(w, r, shared.FieldError("operation", "is not a known operation"))
		return
	}
	classID, err := queryID(r, "classification_id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if classID > 0 {
		q.ClassificationID = &classID
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("date")); raw != "" {
		asOf, perr := time.Parse(dateLayout, raw)
		if perr != nil {
			h.fail(w, r, shared.FieldError("date", "must be YYYY-MM-DD"))
			return
		}
		q.AsOf = asOf
	}
	list, err := h.rules.Applicable(r.Context(), q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, list)
}

func (h *Handler) getRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	rule, err := h.rules.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rule)
}

func (h *Handler) createRule(w http.ResponseWriter, r *http.Request) {
	var in rules.RuleInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	rule, err := h.rules.Create(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rule)
}

func (h *Handler) updateRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var in rules.RuleInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	rule, err := h.rules.Update(r.Context(), id, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rule)
}

func (h *Handler) deactivateRule(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.rules.Deactivate(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listTaxTypes(w http.ResponseWriter, r *http.Request) {
	list, err := h.rules.ListTaxTypes(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, list)
}

func (h *Handler) createTaxType(w http.ResponseWriter, r *http.Request) {
	var in rules.TaxTypeInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	tt, err := h.rules.CreateTaxType(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, tt)
}

func (h *Handler) listRegimes(w http.ResponseWriter, r *http.Request) {
	list, err := h.rules.ListRegimes(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, list)
}

func (h *Handler) createRegime(w http.ResponseWriter, r *http.Request) {
	var in rules.RegimeInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	regime, err := h.rules.CreateRegime(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, regime)
}

func (h *Handler) listClassifications(w http.ResponseWriter, r *http.Request) {
	typ := fiscal.ClassificationType(strings.TrimSpace(r.URL.Query().Get("type")))
	if typ != "" && typ != fiscal.ClassificationProduto && typ != fiscal.ClassificationServico {
		h.fail(w, r, shared.FieldError("type", "must be produto or servico"))
		return
	}
	list, err := h.rules.ListClassifications(r.Context(), typ)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, list)
}

func (h *Handler) createClassification(w http.ResponseWriter, r *http.Request) {
	var in rules.ClassificationInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	c, err := h.rules.CreateClassification(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, c)
}

func (h *Handler) listKinds(w http.ResponseWriter, r *http.Request) {
	list, err := h.obligations.ListKinds(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, list)
}

func (h *Handler) createKind(w http.ResponseWriter, r *http.Request) {
	var in obligations.KindInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	k, err := h.obligations.CreateKind(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, k)
}

// queryID parses an optional positive id query parameter; absent means 0.
func queryID(r *http.Request, name string) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, shared.FieldError(name, "must be a positive integer")
	}
	return id, nil
}
