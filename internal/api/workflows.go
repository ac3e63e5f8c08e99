package api

import (
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/erpflow/internal/workflow"
)

// SubmitRequest is the body of POST /workflows.
type SubmitRequest struct {
	Goal         string `json:"goal" validate:"required,max=4000"`
	Template     string `json:"template,omitempty" validate:"omitempty,max=64"`
	MaxAttempts  int    `json:"max_attempts,omitempty" validate:"gte=0,lte=10"`
	StageTimeout string `json:"stage_timeout,omitempty"`
	K            int    `json:"k,omitempty" validate:"gte=0,lte=50"`
	HopDepth     int    `json:"hop_depth,omitempty" validate:"gte=-1,lte=5"`
	ByteBudget   int    `json:"byte_budget,omitempty" validate:"gte=0"`
	// Wait holds the response until the workflow is terminal.
	Wait bool `json:"wait,omitempty"`
}

func (req SubmitRequest) options() (workflow.Options, error) {
	opts := workflow.Options{
		Template:    req.Template,
		MaxAttempts: req.MaxAttempts,
		K:           req.K,
		HopDepth:    req.HopDepth,
		ByteBudget:  req.ByteBudget,
	}
	if req.StageTimeout != "" {
		d, err := time.ParseDuration(req.StageTimeout)
		if err != nil {
			return opts, err
		}
		opts.StageTimeout = d
	}
	return opts, nil
}

func handleSubmit(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubmitRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		opts, err := req.options()
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid stage_timeout: %v", err)
			return
		}

		id, err := deps.Workflows.Submit(r.Context(), req.Goal, opts)
		if err != nil {
			if id == "" {
				domainError(w, err)
				return
			}
			// The workflow exists in state FAILED; hand back its id with the reason.
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"id":    id,
				"state": workflow.StateFailed,
				"error": map[string]any{"message": err.Error(), "type": "invalid_request_error"},
			})
			return
		}

		if !req.Wait {
			writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "state": workflow.StateRunning})
			return
		}
		rep, err := deps.Workflows.Wait(r.Context(), id)
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

func handleListWorkflows(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ids, err := deps.Workflows.List(r.Context(), parseIntParam(r, "limit", 50, 500))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		reports := make([]workflow.StatusReport, 0, len(ids))
		for _, id := range ids {
			rep, err := deps.Workflows.Status(r.Context(), id)
			if err != nil {
				continue
			}
			reports = append(reports, rep)
		}
		sort.Slice(reports, func(i, j int) bool {
			return reports[i].CreatedAt.After(reports[j].CreatedAt)
		})
		writeJSON(w, http.StatusOK, reports)
	}
}

func handleWorkflowStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep, err := deps.Workflows.Status(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

func handleDeliverables(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out, err := deps.Workflows.Deliverables(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleCancel(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Workflows.Cancel(id); err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancellation requested"})
	}
}
