package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"ciomsdb/internal/transfer"
	"ciomsdb/pkg/domain"
)

type purgeResponse struct {
	Removed int `json:"removed"`
}

// recentAudit handles GET /audit?limit=.
func (h *handler) recentAudit(w http.ResponseWriter, r *http.Request) {
	verr := &domain.ValidationError{}
	limit := queryInt(r, "limit", verr)
	if err := verr.OrNil(); err != nil {
		h.writeError(w, r, err)
		return
	}
	entries, err := h.audit.QueryRecent(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entries))
}

// recordAudit handles GET /audit/{table}/{id}.
func (h *handler) recordAudit(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	entries, err := h.audit.QueryByRecord(r.Context(), chi.URLParam(r, "table"), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(entries))
}

// purgeAudit handles DELETE /audit?older_than_days=. Without the parameter the
// configured retention applies.
func (h *handler) purgeAudit(w http.ResponseWriter, r *http.Request) {
	verr := &domain.ValidationError{}
	days := h.retention
	if r.URL.Query().Has("older_than_days") {
		days = queryInt(r, "older_than_days", verr)
	}
	if err := verr.OrNil(); err != nil {
		h.writeError(w, r, err)
		return
	}
	removed, err := h.audit.PurgeOlderThan(r.Context(), days)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, purgeResponse{Removed: removed})
}

// export handles GET /export. scope=forms limits the document to report roots.
func (h *handler) export(w http.ResponseWriter, r *http.Request) {
	var (
		doc transfer.Document
		err error
	)
	switch scope := r.URL.Query().Get("scope"); scope {
	case "", "all":
		doc, err = h.transfer.ExportAll(r.Context())
	case "forms":
		doc, err = h.transfer.ExportReports(r.Context())
	default:
		err = domain.NewValidationError("scope", fmt.Sprintf("must be all or forms, got %q", scope))
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="cioms-forms-%s.json"`, doc.ExportedAt.Format("2006-01-02")))
	writeJSON(w, http.StatusOK, doc)
}

// importDocument handles POST /import?clear_first=.
func (h *handler) importDocument(w http.ResponseWriter, r *http.Request) {
	var opts transfer.ImportOptions
	if raw := r.URL.Query().Get("clear_first"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeError(w, r, domain.NewValidationError("clear_first", "must be a boolean"))
			return
		}
		opts.ClearFirst = v
	}
	var doc transfer.Document
	if !h.decodeBody(w, r, &doc) {
		return
	}
	res, err := h.transfer.ImportAll(r.Context(), doc, opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("import request finished",
		zap.Int("errors", len(res.Errors)),
		zap.Bool("clear_first", opts.ClearFirst),
		zap.String("request_id", GetRequestID(r.Context())))
	writeJSON(w, http.StatusOK, res)
}

// saveArchive handles POST /export/archive: a full export written to the blob store.
func (h *handler) saveArchive(w http.ResponseWriter, r *http.Request) {
	doc, err := h.transfer.ExportAll(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	info, err := h.archive.Save(r.Context(), doc)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// listArchive handles GET /export/archive.
func (h *handler) listArchive(w http.ResponseWriter, r *http.Request) {
	infos, err := h.archive.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(infos))
}

// loadArchive handles GET /export/archive/{key...}.
func (h *handler) loadArchive(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if key == "" {
		h.writeError(w, r, domain.NewValidationError("key", "is required"))
		return
	}
	doc, err := h.archive.Load(r.Context(), key)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

