package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/orneryd/muninn/pkg/memerr"
	"github.com/orneryd/muninn/pkg/muninn"
	"github.com/orneryd/muninn/pkg/search"
	"github.com/orneryd/muninn/pkg/wm"
)

// handleHealth serves GET /health. With a checker wired it runs the real
// probes; otherwise it falls back to the facade status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)
		return
	}

	if s.checker != nil {
		report := s.checker.Check(r.Context())
		status := http.StatusOK
		if !report.Healthy {
			status = http.StatusServiceUnavailable
		}
		s.writeJSON(w, status, report)
		return
	}

	st, err := s.svc.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if !st.DatabaseHealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]any{"healthy": st.DatabaseHealthy})
}

// handleStatus serves GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)
		return
	}
	st, err := s.svc.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

type rememberRequest struct {
	Content           string         `json:"content"`
	Tags              []string       `json:"tags,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	SkipWorkingMemory bool           `json:"skip_working_memory,omitempty"`
}

// handleMemory serves POST /api/memory.
func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, r)
		return
	}
	var req rememberRequest
	if !s.decode(w, r, &req) {
		return
	}

	res, err := s.svc.Remember(r.Context(), req.Content, muninn.RememberOptions{
		Metadata:          req.Metadata,
		Tags:              req.Tags,
		SkipWorkingMemory: req.SkipWorkingMemory,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, res)
}

// handleMemoryByID serves DELETE /api/memory/{id} and
// POST /api/memory/{id}/restore.
func (s *Server) handleMemoryByID(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r.URL.Path, "/api/memory/")
	if err != nil {
		s.writeError(w, err)
		return
	}

	switch {
	case r.Method == http.MethodDelete:
		hard := r.URL.Query().Get("hard") == "true"
		confirm := r.URL.Query().Get("confirm")
		if err := s.svc.Forget(r.Context(), id, hard, confirm); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"node_id": id, "hard": hard})

	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/restore"):
		if err := s.svc.Restore(r.Context(), id); err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"node_id": id, "restored": true})

	default:
		s.methodNotAllowed(w, r)
	}
}

// handleSearch serves GET /api/search. Query parameters:
//
//	q          search text
//	strategy   fulltext|vector|hybrid (default hybrid)
//	limit      max results
//	timeframe  natural-language phrase, YYYY-MM-DD, or ":auto"
//	tags       comma-separated tag filter
//	raw        skip working-memory promotion
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)
		return
	}
	q := r.URL.Query()

	opts := muninn.RecallOptions{
		Query:         q.Get("q"),
		Strategy:      q.Get("strategy"),
		TimeframeExpr: q.Get("timeframe"),
		Raw:           q.Get("raw") == "true",
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			s.writeError(w, memerr.Ef(memerr.Validation, "invalid limit %q", raw))
			return
		}
		opts.Limit = limit
	}
	if raw := q.Get("tags"); raw != "" {
		opts.Tags = strings.Split(raw, ",")
	}

	results, err := s.svc.Recall(r.Context(), opts)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if results == nil {
		results = []search.Result{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

type importRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// handleImport serves POST /api/import with inline content.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, r)
		return
	}
	var req importRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Path == "" {
		s.writeError(w, memerr.Ef(memerr.Validation, "path is required"))
		return
	}

	res, err := s.svc.LoadExternalContent(r.Context(), req.Path, req.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

// handleContext serves GET /api/context: the assembled working-memory
// context block.
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, r)
		return
	}
	q := r.URL.Query()

	strategy := wm.Strategy(q.Get("strategy"))
	if strategy == "" {
		strategy = wm.StrategyRecent
	}
	budget := 0
	if raw := q.Get("budget"); raw != "" {
		b, err := strconv.Atoi(raw)
		if err != nil || b < 0 {
			s.writeError(w, memerr.Ef(memerr.Validation, "invalid budget %q", raw))
			return
		}
		budget = b
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"context": s.svc.AssembleContext(strategy, budget),
	})
}
