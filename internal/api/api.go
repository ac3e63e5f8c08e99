// Package api serves the erpflow HTTP surface: workflow submission and
// inspection, document ingestion, search, graph queries and trace export.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/kalambet/erpflow/internal/errs"
	"github.com/kalambet/erpflow/internal/graph"
	"github.com/kalambet/erpflow/internal/retrieval"
	"github.com/kalambet/erpflow/internal/storage"
	"github.com/kalambet/erpflow/internal/usage"
	"github.com/kalambet/erpflow/internal/workflow"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Workflows is the engine surface. *workflow.Engine satisfies it.
type Workflows interface {
	Submit(ctx context.Context, goal string, opts workflow.Options) (string, error)
	Status(ctx context.Context, id string) (workflow.StatusReport, error)
	Deliverables(ctx context.Context, id string) (map[string]string, error)
	Cancel(id string) error
	Wait(ctx context.Context, id string) (workflow.StatusReport, error)
	List(ctx context.Context, limit int) ([]string, error)
}

// Index is the retrieval surface. *retrieval.Index satisfies it.
type Index interface {
	Query(ctx context.Context, text string, k int) ([]retrieval.Hit, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

// Graph is the read side of the relationship graph. *graph.Store satisfies it.
type Graph interface {
	Statistics(ctx context.Context) (graph.Stats, error)
	Traverse(ctx context.Context, start string, relations []string, maxHops int, opts ...graph.TraverseOption) *graph.Traversal
}

// Traces exports recorded traces. *usage.Recorder satisfies it.
type Traces interface {
	Export(ctx context.Context, rng usage.Range) iter.Seq2[usage.Trace, error]
}

// Jobs is the job queue. *storage.Store satisfies it.
type Jobs interface {
	EnqueueJob(job storage.Job) error
	HasPendingJob(jobType string) (bool, error)
}

// Deps wires the handler. Metrics may be nil.
type Deps struct {
	Workflows  Workflows
	Index      Index
	Graph      Graph
	Traces     Traces
	Jobs       Jobs
	Metrics    http.Handler
	Token      string
	HTTPClient *http.Client
	// ERPEnabled gates POST /sync.
	ERPEnabled bool
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// NewHandler returns the full router. /health and /metrics are public; all
// other routes require the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}
	r := chi.NewRouter()
	r.Get("/health", handleHealth)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/workflows", handleSubmit(deps))
		r.Get("/workflows", handleListWorkflows(deps))
		r.Get("/workflows/{id}", handleWorkflowStatus(deps))
		r.Get("/workflows/{id}/deliverables", handleDeliverables(deps))
		r.Post("/workflows/{id}/cancel", handleCancel(deps))

		r.Post("/documents", handleIngest(deps))
		r.Delete("/documents/{id}", handleDeleteDocument(deps))
		r.Get("/search", handleSearch(deps))

		r.Get("/graph/stats", handleGraphStats(deps))
		r.Get("/graph/traverse", handleTraverse(deps))

		r.Get("/traces", handleTraces(deps))
		r.Post("/sync", handleSync(deps))
	})
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

// domainError maps engine and store errors onto HTTP statuses.
func domainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errs.Is(err, errs.InputError):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errs.Is(err, errs.WriteConflict):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	case errs.Is(err, errs.RetrievalUnavailable):
		httpError(w, http.StatusServiceUnavailable, "unavailable", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

// decodeBody reads a JSON body into v and validates it.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	if err := validate.Struct(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		fe := ve[0]
		if fe.Param() != "" {
			return fmt.Sprintf("%s: failed %s=%s", fe.Field(), fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("%s: failed %s", fe.Field(), fe.Tag())
	}
	return err.Error()
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
