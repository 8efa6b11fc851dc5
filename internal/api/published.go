package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Nano112/polymerase-sub001/internal/auth"
	"github.com/Nano112/polymerase-sub001/internal/flow"
	"github.com/Nano112/polymerase-sub001/internal/openapi"
	"github.com/Nano112/polymerase-sub001/internal/repository"
	"github.com/Nano112/polymerase-sub001/internal/runs"
)

// resolvePublished maps the slug path segment to an enabled flow API and its
// flow document. Disabled APIs are indistinguishable from absent ones.
func (s *Server) resolvePublished(r *http.Request) (*flow.FlowAPI, *flow.Flow, error) {
	slug := chi.URLParam(r, "id")
	api, err := s.apis.GetBySlug(r.Context(), slug)
	if err != nil || !api.Enabled {
		return nil, nil, repository.ErrNotFound
	}
	f, err := s.flows.Get(r.Context(), api.FlowID)
	if err != nil {
		return nil, nil, err
	}
	return api, f, nil
}

// publishedLimit resolves the request quota for a published endpoint: the
// flow API's policy, with the caller's own quota as fallback.
func (s *Server) publishedLimit(r *http.Request) int {
	api, err := s.apis.GetBySlug(r.Context(), chi.URLParam(r, "id"))
	if err == nil && api.RateLimit.PerMinute > 0 {
		return api.RateLimit.PerMinute
	}
	return s.keyLimit(r)
}

// runFlow invokes a published flow, synchronously by default.
// POST /api/v1/flows/{slug}/run
func (s *Server) runFlow(w http.ResponseWriter, r *http.Request) {
	api, f, err := s.resolvePublished(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req runs.ExecuteRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorKind(w, http.StatusBadRequest, "validation", "invalid body: "+err.Error())
			return
		}
	}
	ac := authContext(r)

	if req.Options.Async {
		if ac == nil || !ac.Has(auth.ScopeFlowExecuteAsync) {
			writeErrorKind(w, http.StatusForbidden, "auth",
				fmt.Sprintf("missing scope: %s", auth.ScopeFlowExecuteAsync))
			return
		}
		acc, err := s.runs.ExecuteFlowAsync(r.Context(), f, api, ac, req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, acc)
		return
	}

	run, err := s.runs.ExecuteFlowSync(r.Context(), f, api, ac, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// getPublishedRun returns a run scoped to its flow API: a run id from a
// different API is a 404, not a 403, so ids cannot be probed across slugs.
// GET /api/v1/flows/{slug}/runs/{runId}
func (s *Server) getPublishedRun(w http.ResponseWriter, r *http.Request) {
	api, _, err := s.resolvePublished(r)
	if err != nil {
		writeError(w, err)
		return
	}
	run, err := s.runs.GetRun(r.Context(), chi.URLParam(r, "runId"))
	if err != nil {
		writeError(w, err)
		return
	}
	if run.FlowAPIID == nil || *run.FlowAPIID != api.ID {
		writeError(w, repository.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// getFlowSchema returns the generated input/output schema of the flow.
// GET /api/v1/flows/{slug}/schema
func (s *Server) getFlowSchema(w http.ResponseWriter, r *http.Request) {
	_, f, err := s.resolvePublished(r)
	if err != nil {
		writeError(w, err)
		return
	}
	inputs, err := openapi.ExtractInputs(f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"inputs":  inputs,
		"outputs": openapi.ExtractOutputs(f),
	})
}

// getOpenAPISpec serves the cached OpenAPI document, regenerating when the
// cache is cold.
// GET /api/v1/flows/{slug}/openapi.json
func (s *Server) getOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	api, f, err := s.resolvePublished(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(api.CachedSpec) > 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(api.CachedSpec)
		return
	}
	spec, err := openapi.Generate(f, api, s.baseURL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

// streamRunEvents streams a run's buffered events over SSE. Reconnects
// resume from Last-Event-ID; the run itself is unaffected by disconnects.
// GET /api/v1/flows/{slug}/runs/{runId}/events
func (s *Server) streamRunEvents(w http.ResponseWriter, r *http.Request) {
	api, _, err := s.resolvePublished(r)
	if err != nil {
		writeError(w, err)
		return
	}
	runID := chi.URLParam(r, "runId")

	lastSeq := -1
	if idStr := r.Header.Get("Last-Event-ID"); idStr != "" {
		if n, err := strconv.Atoi(idStr); err == nil {
			lastSeq = n
		}
	}
	startSeq := lastSeq + 1

	manager := s.runs.Manager()
	events, notify, done, donePayload, found := manager.Subscribe(runID, startSeq)
	if !found {
		// The buffer has been collected; fall back to the durable record.
		run, err := s.runs.GetRun(r.Context(), runID)
		if err != nil || run.FlowAPIID == nil || *run.FlowAPIID != api.ID {
			writeError(w, repository.ErrNotFound)
			return
		}
		s.sendSyntheticDone(w, run)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorKind(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for _, ev := range events {
		writeSSEEvent(w, ev)
	}
	flusher.Flush()

	if done {
		writeDoneEvent(w, donePayload)
		flusher.Flush()
		return
	}

	for {
		select {
		case <-r.Context().Done():
			// Client gone; the run continues in the background.
			return
		case <-notify:
			nextSeq := startSeq + len(events)
			events, notify, done, donePayload, found = manager.Subscribe(runID, nextSeq)
			if !found {
				return
			}
			startSeq = nextSeq

			for _, ev := range events {
				writeSSEEvent(w, ev)
			}
			if done {
				writeDoneEvent(w, donePayload)
				flusher.Flush()
				return
			}
			flusher.Flush()
		}
	}
}

// sendSyntheticDone emits a single done event built from the stored record,
// for clients connecting after the live buffer is gone.
func (s *Server) sendSyntheticDone(w http.ResponseWriter, run *flow.Run) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	payload := map[string]any{"status": string(run.Status)}
	if run.Error != nil {
		payload["error"] = run.Error.Message
	}
	writeDoneEvent(w, payload)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func writeSSEEvent(w http.ResponseWriter, ev runs.EventRecord) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
}

func writeDoneEvent(w http.ResponseWriter, payload map[string]any) {
	data, _ := json.Marshal(payload)
	fmt.Fprintf(w, "event: done\ndata: %s\n\n", data)
}
