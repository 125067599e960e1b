package api

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"ciomsdb/pkg/domain"
)

type createdResponse struct {
	ID int64 `json:"id"`
}

type countResponse struct {
	Count int `json:"count"`
}

// createReport handles POST /reports.
func (h *handler) createReport(w http.ResponseWriter, r *http.Request) {
	var in domain.CreateReportInput
	if !h.decodeBody(w, r, &in) {
		return
	}
	if err := domain.ValidateCreate(in, h.reports.Now()); err != nil {
		h.writeError(w, r, err)
		return
	}
	id, err := h.reports.CreateReport(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Debug("report created over http",
		zap.Int64("form_id", id),
		zap.String("request_id", GetRequestID(r.Context())))
	w.Header().Set("Location", "/reports/"+strconv.FormatInt(id, 10))
	writeJSON(w, http.StatusCreated, createdResponse{ID: id})
}

// getReport handles GET /reports/{id}.
func (h *handler) getReport(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	agg, err := h.reports.GetReport(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if agg == nil {
		h.writeError(w, r, &domain.NotFoundError{Collection: domain.CollectionReports, ID: id})
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

// listReports handles GET /reports?limit=&offset=&sort=&order=.
func (h *handler) listReports(w http.ResponseWriter, r *http.Request) {
	verr := &domain.ValidationError{}
	opts := domain.ListOptions{
		Limit:         queryInt(r, "limit", verr),
		Offset:        queryInt(r, "offset", verr),
		SortField:     r.URL.Query().Get("sort"),
		SortDirection: domain.SortDirection(r.URL.Query().Get("order")),
	}
	if err := verr.OrNil(); err != nil {
		h.writeError(w, r, err)
		return
	}
	page, err := h.reports.ListReports(r.Context(), opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// searchReports handles GET /reports/search.
func (h *handler) searchReports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	verr := &domain.ValidationError{}
	criteria := domain.SearchCriteria{
		ControlNumber:   q.Get("control_no"),
		PatientInitials: q.Get("initials"),
		Country:         q.Get("country"),
		DateFrom:        queryDate(r, "date_from", verr),
		DateTo:          queryDate(r, "date_to", verr),
		Reaction:        q.Get("reaction"),
		Drug:            q.Get("drug"),
		Limit:           queryInt(r, "limit", verr),
	}
	if criteria.Limit < 0 {
		verr.Add("limit", "must not be negative")
	}
	if err := verr.OrNil(); err != nil {
		h.writeError(w, r, err)
		return
	}
	reports, err := h.reports.SearchReports(r.Context(), criteria)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if reports == nil {
		reports = []domain.Report{}
	}
	writeJSON(w, http.StatusOK, reports)
}

// countReports handles GET /reports/count.
func (h *handler) countReports(w http.ResponseWriter, r *http.Request) {
	n, err := h.reports.CountReports(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n})
}

// updateReport handles PATCH /reports/{id} and returns the updated aggregate.
func (h *handler) updateReport(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var patch domain.ReportPatch
	if !h.decodeBody(w, r, &patch) {
		return
	}
	if err := domain.ValidatePatch(patch, h.reports.Now()); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.reports.UpdateReport(r.Context(), id, patch); err != nil {
		h.writeError(w, r, err)
		return
	}
	agg, err := h.reports.GetReport(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if agg == nil {
		h.writeError(w, r, &domain.NotFoundError{Collection: domain.CollectionReports, ID: id})
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

// deleteReport handles DELETE /reports/{id}.
func (h *handler) deleteReport(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.reports.DeleteReport(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// stats handles GET /stats.
func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.reports.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// health handles GET /healthz by counting reports, which opens the store.
func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if _, err := h.reports.CountReports(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
