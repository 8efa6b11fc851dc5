package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Nano112/polymerase-sub001/internal/flow"
	"github.com/Nano112/polymerase-sub001/internal/openapi"
)

// flowAPIRequest is the body for publishing a flow as an API.
type flowAPIRequest struct {
	Slug          string               `json:"slug"`
	Title         string               `json:"title"`
	Description   string               `json:"description"`
	APIVersion    string               `json:"apiVersion"`
	Enabled       *bool                `json:"enabled"`
	DefaultTTL    int                  `json:"defaultTtl"`
	MaxTTL        int                  `json:"maxTtl"`
	Timeout       int                  `json:"timeout"`
	RateLimit     flow.RateLimitPolicy `json:"rateLimit"`
	WebhookSecret string               `json:"webhookSecret"`
}

// createFlowAPI publishes a flow at a slug. The OpenAPI document is
// generated eagerly so schema problems (duplicate labels) surface here as a
// 400 instead of at first request.
// POST /api/v1/flows/{id}/apis
func (s *Server) createFlowAPI(w http.ResponseWriter, r *http.Request) {
	f, err := s.flows.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	var req flowAPIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorKind(w, http.StatusBadRequest, "validation", "invalid body: "+err.Error())
		return
	}

	slug := req.Slug
	if slug == "" {
		name := req.Title
		if name == "" {
			name = f.Name
		}
		slug = flow.Slugify(name)
	}
	if slug == "" {
		writeErrorKind(w, http.StatusBadRequest, "validation", "cannot derive a slug")
		return
	}

	now := time.Now()
	api := &flow.FlowAPI{
		ID:            flow.GenerateID("fapi"),
		FlowID:        f.ID,
		FlowVersion:   f.Version,
		Slug:          slug,
		Enabled:       true,
		DefaultTTL:    req.DefaultTTL,
		MaxTTL:        req.MaxTTL,
		Timeout:       req.Timeout,
		RateLimit:     req.RateLimit,
		Title:         req.Title,
		Description:   req.Description,
		APIVersion:    req.APIVersion,
		WebhookSecret: req.WebhookSecret,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.Enabled != nil {
		api.Enabled = *req.Enabled
	}

	spec, err := openapi.Generate(f, api, s.baseURL)
	if err != nil {
		writeError(w, err)
		return
	}
	if raw, err := json.Marshal(spec); err == nil {
		api.CachedSpec = raw
	}

	if err := s.apis.Create(r.Context(), api); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, api)
}

// GET /api/v1/flows/{id}/apis
func (s *Server) listFlowAPIs(w http.ResponseWriter, r *http.Request) {
	flowID := chi.URLParam(r, "id")
	all, err := s.apis.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	filtered := []*flow.FlowAPI{}
	for _, a := range all {
		if a.FlowID == flowID {
			filtered = append(filtered, a)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"apis": filtered, "total": len(filtered)})
}

// GET /api/v1/apis
func (s *Server) listAPIs(w http.ResponseWriter, r *http.Request) {
	all, err := s.apis.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"apis": all, "total": len(all)})
}

// DELETE /api/v1/apis/{id}
func (s *Server) deleteFlowAPI(w http.ResponseWriter, r *http.Request) {
	if err := s.apis.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
