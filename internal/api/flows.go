package api

import (
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Nano112/polymerase-sub001/internal/flow"
	"github.com/Nano112/polymerase-sub001/internal/scheduler"
	"github.com/Nano112/polymerase-sub001/internal/script"
	"github.com/Nano112/polymerase-sub001/internal/typecheck"
)

// createFlow stores a new flow document.
// POST /api/v1/flows
func (s *Server) createFlow(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorKind(w, http.StatusBadRequest, "validation", "unreadable body")
		return
	}
	f, err := flow.Parse(body)
	if err != nil {
		writeError(w, err)
		return
	}
	if f.ID == "" {
		f.ID = flow.GenerateID("flow")
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	if err := s.flows.Create(r.Context(), f); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

// GET /api/v1/flows
func (s *Server) listFlows(w http.ResponseWriter, r *http.Request) {
	flows, err := s.flows.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flows": flows, "total": len(flows)})
}

// GET /api/v1/flows/{id}
func (s *Server) getFlow(w http.ResponseWriter, r *http.Request) {
	f, err := s.flows.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// PUT /api/v1/flows/{id}
func (s *Server) updateFlow(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorKind(w, http.StatusBadRequest, "validation", "unreadable body")
		return
	}
	f, err := flow.Parse(body)
	if err != nil {
		writeError(w, err)
		return
	}
	f.ID = chi.URLParam(r, "id")
	if err := s.flows.Update(r.Context(), f); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// DELETE /api/v1/flows/{id}
func (s *Server) deleteFlow(w http.ResponseWriter, r *http.Request) {
	if err := s.flows.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ConnectionIssue flags one suspect edge in a validation report.
type ConnectionIssue struct {
	EdgeID  string            `json:"edgeId"`
	Verdict typecheck.Verdict `json:"verdict"`
	Message string            `json:"message"`
}

// validateFlow checks a stored flow: structural integrity, acyclicity, and
// declared port type compatibility along every edge.
// POST /api/v1/flows/{id}/validate
func (s *Server) validateFlow(w http.ResponseWriter, r *http.Request) {
	f, err := s.flows.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := f.Validate(); err != nil {
		writeError(w, err)
		return
	}
	if err := scheduler.CheckAcyclic(f); err != nil {
		writeError(w, err)
		return
	}
	issues := connectionIssues(f)
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":  len(issues) == 0,
		"issues": issues,
	})
}

// connectionIssues type-checks every edge whose two endpoints declare port
// types: input nodes via their data type, code nodes via their directive
// header. Edges with an undeclared side pass.
func connectionIssues(f *flow.Flow) []ConnectionIssue {
	outTypes := map[string]map[string]string{}
	inTypes := map[string]map[string]string{}
	for _, n := range f.Nodes {
		switch {
		case n.Kind.IsInput():
			dt := n.Kind.DataType()
			if p, ok := n.Payload().(flow.InputPayload); ok && p.DataType != "" {
				dt = p.DataType
			}
			if dt != "" {
				outTypes[n.ID] = map[string]string{"output": dt, flow.DefaultHandle: dt}
			}
		case n.Kind == flow.KindCode:
			p, _ := n.Payload().(flow.CodePayload)
			schema, _ := script.ParseDirectives(p.Code)
			if schema == nil {
				continue
			}
			in := map[string]string{}
			for _, port := range schema.Inputs {
				in[port.Name] = port.Type
			}
			out := map[string]string{}
			for _, port := range schema.Outputs {
				out[port.Name] = port.Type
			}
			inTypes[n.ID] = in
			outTypes[n.ID] = out
		}
	}

	issues := []ConnectionIssue{}
	for _, e := range f.Edges {
		st := outTypes[e.Source][e.SourceName()]
		tt := inTypes[e.Target][e.TargetName()]
		if st == "" || tt == "" {
			continue
		}
		if v := typecheck.Check(st, tt); v == typecheck.Incompatible {
			issues = append(issues, ConnectionIssue{
				EdgeID:  e.ID,
				Verdict: v,
				Message: st + " cannot feed " + tt,
			})
		}
	}
	return issues
}
