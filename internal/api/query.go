package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/erpflow/internal/graph"
	"github.com/kalambet/erpflow/internal/retrieval"
	"github.com/kalambet/erpflow/internal/usage"
)

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		hits, err := deps.Index.Query(r.Context(), q, parseIntParam(r, "limit", 5, 50))
		if err != nil {
			domainError(w, err)
			return
		}
		if hits == nil {
			hits = []retrieval.Hit{}
		}
		writeJSON(w, http.StatusOK, hits)
	}
}

// graphStatsResponse adds the index size to the graph statistics.
type graphStatsResponse struct {
	graph.Stats
	Documents int `json:"documents"`
}

func handleGraphStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Graph.Statistics(r.Context())
		if err != nil {
			domainError(w, err)
			return
		}
		n, err := deps.Index.Count(r.Context())
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, graphStatsResponse{Stats: st, Documents: n})
	}
}

func handleTraverse(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		start := q.Get("start")
		if start == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "start is required")
			return
		}
		var opts []graph.TraverseOption
		if q.Get("direction") == "both" {
			opts = append(opts, graph.WithIncoming())
		}
		visits, err := graph.Collect(deps.Graph.Traverse(r.Context(), start, q["relation"], parseIntParam(r, "hops", 2, 5), opts...))
		if err != nil {
			domainError(w, err)
			return
		}
		if visits == nil {
			visits = []graph.Visit{}
		}
		writeJSON(w, http.StatusOK, visits)
	}
}

// handleTraces streams traces recorded in [since, until) as JSON lines.
func handleTraces(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rng usage.Range
		for key, dst := range map[string]*time.Time{"since": &rng.Since, "until": &rng.Until} {
			s := r.URL.Query().Get(key)
			if s == "" {
				continue
			}
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%s must be RFC 3339: %v", key, err)
				return
			}
			*dst = t
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		flusher, _ := w.(http.Flusher)
		n := 0
		for t, err := range deps.Traces.Export(r.Context(), rng) {
			if err != nil {
				// Headers are gone once a line was written; end the stream with an error line.
				enc.Encode(map[string]any{"error": map[string]any{"message": err.Error(), "type": "api_error"}})
				return
			}
			if err := enc.Encode(t); err != nil {
				return
			}
			if n++; flusher != nil && n%100 == 0 {
				flusher.Flush()
			}
		}
	}
}
