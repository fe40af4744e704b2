package fiscalhttp

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/odyssey-erp/fiscal-engine/internal/fiscal/obligations"
	"github.com/odyssey-erp/fiscal-engine/internal/platform/httpx"
	"github.com/odyssey-erp/fiscal-engine/jobs"
)

type submitRequest struct {
	Protocol string `json:"protocol"`
}

type errorRequest struct {
	Message string `json:"message"`
}

func (h *Handler) listObligations(w http.ResponseWriter, r *http.Request) {
	var f obligations.ListFilter
	var err error
	if f.Month, err = httpx.QueryInt(r, "month", 0); err != nil {
		h.fail(w, r, err)
		return
	}
	if f.Year, err = httpx.QueryInt(r, "year", 0); err != nil {
		h.fail(w, r, err)
		return
	}
	if f.KindID, err = queryID(r, "kind_id"); err != nil {
		h.fail(w, r, err)
		return
	}
	f.Status = obligations.Status(strings.TrimSpace(r.URL.Query().Get("status")))
	list, err := h.obligations.List(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []obligations.Obligation{}
	}
	httpx.JSON(w, http.StatusOK, list)
}

func (h *Handler) createObligation(w http.ResponseWriter, r *http.Request) {
	var in obligations.CreateInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	ob, err := h.obligations.Create(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, ob)
}

func (h *Handler) getObligation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ob, err := h.obligations.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ob)
}

// generateObligation accepts an empty body; the render then uses the kind
// code and the default format.
func (h *Handler) generateObligation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var in obligations.GenerateInput
	if err := httpx.DecodeJSON(r, &in); err != nil && !errors.Is(err, io.EOF) {
		h.fail(w, r, err)
		return
	}
	if httpx.QueryBool(r, "async") {
		if h.queue == nil {
			h.queueUnavailable(w)
			return
		}
		if _, err := h.obligations.Get(r.Context(), id); err != nil {
			h.fail(w, r, err)
			return
		}
		info, err := h.queue.EnqueueObligationGenerate(r.Context(), jobs.ObligationGeneratePayload{
			ObligationID: id,
			FileType:     in.FileType,
			Format:       in.Format,
		})
		if err != nil {
			h.fail(w, r, err)
			return
		}
		h.logger.Info("obligation generation enqueued", slog.Int64("obligation_id", id))
		h.enqueued(w, info)
		return
	}
	ob, err := h.obligations.Generate(r.Context(), id, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ob)
}

func (h *Handler) validateObligation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ob, err := h.obligations.Validate(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ob)
}

func (h *Handler) submitObligation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var body submitRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	ob, err := h.obligations.Submit(r.Context(), id, body.Protocol)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ob)
}

func (h *Handler) markObligationError(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var body errorRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	ob, err := h.obligations.MarkError(r.Context(), id, body.Message)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ob)
}

func (h *Handler) resetObligation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ob, err := h.obligations.Reset(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ob)
}

func (h *Handler) listObligationFiles(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	files, err := h.obligations.ListFiles(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if files == nil {
		files = []obligations.File{}
	}
	httpx.JSON(w, http.StatusOK, files)
}

func (h *Handler) downloadFile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	file, body, err := h.obligations.OpenFile(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", obligations.ContentType(file.Format))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": path.Base(file.FilePath),
	}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Warn("obligation file download interrupted",
			slog.Int64("file_id", id),
			slog.Any("error", err))
	}
}

func (h *Handler) deleteFile(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.obligations.DeleteFile(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
