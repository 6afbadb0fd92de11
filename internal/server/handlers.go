package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/lead-pipeline/internal/model"
	"github.com/sells-group/lead-pipeline/internal/pipeline"
	"github.com/sells-group/lead-pipeline/internal/resilience"
)

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request) {
	var in pipeline.IngestItem
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	item, err := s.pipeline.Ingest(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

type deleteRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) deleteItems(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	n, err := s.pipeline.DeleteItems(r.Context(), req.IDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

type stuckResponse struct {
	Count int              `json:"count"`
	Items []model.WorkItem `json:"items"`
}

func (s *Server) stuck(w http.ResponseWriter, r *http.Request) {
	items, err := s.pipeline.Stuck(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if items == nil {
		items = []model.WorkItem{}
	}
	writeJSON(w, http.StatusOK, stuckResponse{Count: len(items), Items: items})
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.pipeline.RetryItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]pipeline.Outcome{"outcome": outcome})
}

func (s *Server) callback(w http.ResponseWriter, r *http.Request) {
	var cb pipeline.Callback
	if err := decodeBody(r, &cb); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.pipeline.ApplyCallback(r.Context(), cb)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type enrichResponse struct {
	Outcome pipeline.Outcome        `json:"outcome"`
	Record  *model.EnrichmentRecord `json:"record,omitempty"`
}

func (s *Server) enrichCompany(w http.ResponseWriter, r *http.Request) {
	force, err := queryBool(r, "force")
	if err != nil {
		writeError(w, r, err)
		return
	}
	async, err := queryBool(r, "async")
	if err != nil {
		writeError(w, r, err)
		return
	}

	outcome, rec, err := s.enricher.EnrichCompany(r.Context(), chi.URLParam(r, "ref"), force, async)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if outcome == pipeline.OutcomeQueued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, enrichResponse{Outcome: outcome, Record: rec})
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	stats, err := s.reconciler.Run(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// queryBool parses an optional boolean query parameter; absent means false.
func queryBool(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, resilience.NewValidationError(name, "must be a boolean", err)
	}
	return v, nil
}
