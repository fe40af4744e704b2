package fiscalhttp

import (
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/fiscal-engine/internal/fiscal"
	"github.com/odyssey-erp/fiscal-engine/internal/fiscal/ledger"
	"github.com/odyssey-erp/fiscal-engine/internal/platform/httpx"
	"github.com/odyssey-erp/fiscal-engine/jobs"
)

type periodView struct {
	Period  fiscal.Period        `json:"period"`
	Summary ledger.PeriodSummary `json:"summary"`
	Ledgers []ledger.TaxLedger   `json:"ledgers"`
}

type ledgerList struct {
	Period  fiscal.Period      `json:"period"`
	Ledgers []ledger.TaxLedger `json:"ledgers"`
}

// periodSummary returns the live aggregate alongside whatever ledgers were
// last closed, so callers can spot drift before closing again.
func (h *Handler) periodSummary(w http.ResponseWriter, r *http.Request) {
	period, err := pathPeriod(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	view := periodView{Period: period}
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		summary, err := h.ledger.Summary(ctx, period)
		view.Summary = summary
		return err
	})
	g.Go(func() error {
		ledgers, err := h.ledger.Ledgers(ctx, period)
		view.Ledgers = ledgers
		return err
	})
	if err := g.Wait(); err != nil {
		h.fail(w, r, err)
		return
	}
	if view.Ledgers == nil {
		view.Ledgers = []ledger.TaxLedger{}
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) periodLedgers(w http.ResponseWriter, r *http.Request) {
	period, err := pathPeriod(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	list, err := h.ledger.Ledgers(r.Context(), period)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []ledger.TaxLedger{}
	}
	httpx.JSON(w, http.StatusOK, ledgerList{Period: period, Ledgers: list})
}

func (h *Handler) closePeriod(w http.ResponseWriter, r *http.Request) {
	period, err := pathPeriod(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if httpx.QueryBool(r, "async") {
		if h.queue == nil {
			h.queueUnavailable(w)
			return
		}
		info, err := h.queue.EnqueueLedgerClose(r.Context(), jobs.LedgerClosePayload{Month: period.Month, Year: period.Year})
		if err != nil {
			h.fail(w, r, err)
			return
		}
		h.logger.Info("ledger close enqueued", slog.String("period", period.String()))
		h.enqueued(w, info)
		return
	}
	res, err := h.ledger.Close(r.Context(), period)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) reopenPeriod(w http.ResponseWriter, r *http.Request) {
	period, err := pathPeriod(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	list, err := h.ledger.Reopen(r.Context(), period)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ledgerList{Period: period, Ledgers: list})
}
