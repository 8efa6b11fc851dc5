package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Nano112/polymerase-sub001/internal/flow"
	"github.com/Nano112/polymerase-sub001/internal/repository"
)

// listRuns pages run records, filterable by flow, flow API, and status.
// GET /api/v1/runs?flowId=&flowApiId=&status=&limit=&offset=
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.RunFilter{
		FlowID:    q.Get("flowId"),
		FlowAPIID: q.Get("flowApiId"),
		Status:    flow.RunStatus(q.Get("status")),
	}
	filter.Limit, filter.Offset = parsePagination(r)

	records, total, err := s.runs.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []*flow.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": records, "total": total})
}

// GET /api/v1/runs/{id}
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// cancelRun requests cancellation of an in-flight run.
// POST /api/v1/runs/{id}/cancel
func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.CancelRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// getBlob serves an artifact blob stored out of band.
// GET /api/v1/blobs/{id}
func (s *Server) getBlob(w http.ResponseWriter, r *http.Request) {
	if s.blobs == nil {
		writeErrorKind(w, http.StatusNotFound, "not_found", "blob storage not configured")
		return
	}
	info, reader, err := s.blobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErrorKind(w, http.StatusNotFound, "not_found", "blob not found")
		return
	}
	defer reader.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	io.Copy(w, reader)
}

// parsePagination extracts limit and offset with server-side bounds.
func parsePagination(r *http.Request) (int, int) {
	limit := repository.DefaultPageSize
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
