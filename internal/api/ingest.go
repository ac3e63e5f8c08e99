package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/erpflow/internal/erp"
	"github.com/kalambet/erpflow/internal/ingest"
	"github.com/kalambet/erpflow/internal/storage"
)

const maxIngestBodySize = 10 << 20 // 10MB
const maxURLFetchSize = 5 << 20    // 5MB

// IngestRequest is the body of POST /documents. Type is one of text, html,
// file (base64 content, PDF or plain text) or url.
type IngestRequest struct {
	ID         string `json:"id,omitempty" validate:"omitempty,max=256"`
	SourceType string `json:"source_type,omitempty" validate:"omitempty,max=64"`
	Type       string `json:"type,omitempty" validate:"omitempty,oneof=text html file url"`
	Content    string `json:"content,omitempty" validate:"required_without=URL"`
	URL        string `json:"url,omitempty" validate:"omitempty,url"`
	EntityID   string `json:"entity_id,omitempty" validate:"omitempty,max=256"`
}

func handleIngest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req IngestRequest
		if !decodeBody(w, r, maxIngestBodySize, &req) {
			return
		}
		if req.Type == "" {
			req.Type = "text"
			if req.URL != "" && req.Content == "" {
				req.Type = "url"
			}
		}

		content, status, err := resolveContent(r.Context(), deps.HTTPClient, req)
		if err != nil {
			httpError(w, status, "invalid_request_error", "%v", err)
			return
		}
		if strings.TrimSpace(content) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "document has no text content")
			return
		}

		if req.ID == "" {
			req.ID = uuid.New().String()
		}
		if req.SourceType == "" {
			req.SourceType = req.Type
		}
		payload, err := json.Marshal(ingest.DocumentPayload{
			ID:         req.ID,
			SourceType: req.SourceType,
			Content:    content,
			EntityID:   req.EntityID,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create job payload: %v", err)
			return
		}
		job := storage.Job{
			ID:          uuid.New().String(),
			Type:        storage.JobIngestDocument,
			PayloadJSON: string(payload),
		}
		if err := deps.Jobs.EnqueueJob(job); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue job: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]string{"id": req.ID, "status": "queued"})
	}
}

// resolveContent turns a request into plain text. The returned status is
// meaningful only with a non-nil error.
func resolveContent(ctx context.Context, client *http.Client, req IngestRequest) (string, int, error) {
	switch req.Type {
	case "url":
		if req.URL == "" {
			return "", http.StatusBadRequest, fmt.Errorf("url is required for type url")
		}
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
		if err != nil {
			return "", http.StatusBadRequest, fmt.Errorf("invalid url: %v", err)
		}
		resp, err := client.Do(httpReq)
		if err != nil {
			return "", http.StatusBadGateway, fmt.Errorf("failed to fetch url: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return "", http.StatusBadGateway, fmt.Errorf("url returned status %d", resp.StatusCode)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxURLFetchSize))
		if err != nil {
			return "", http.StatusBadGateway, fmt.Errorf("failed to read url response: %v", err)
		}
		return bytesToText(body, resp.Header.Get("Content-Type"))

	case "file":
		decoded, err := base64.StdEncoding.DecodeString(req.Content)
		if err != nil {
			return "", http.StatusBadRequest, fmt.Errorf("invalid base64 content")
		}
		return bytesToText(decoded, "")

	case "html":
		return erp.StripHTML(req.Content), 0, nil

	default:
		return req.Content, 0, nil
	}
}

func bytesToText(b []byte, contentType string) (string, int, error) {
	switch {
	case erp.IsPDF(b):
		text, err := erp.PDFText(b)
		if err != nil {
			return "", http.StatusBadRequest, err
		}
		return text, 0, nil
	case strings.Contains(contentType, "html"):
		return erp.StripHTML(string(b)), 0, nil
	default:
		return string(b), 0, nil
	}
}

func handleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Index.Delete(r.Context(), id); err != nil {
			domainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
	}
}

func handleSync(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !deps.ERPEnabled {
			httpError(w, http.StatusConflict, "invalid_request_error", "erp.base_url is not configured")
			return
		}
		var body erp.SyncPayload
		if r.ContentLength > 0 && !decodeBody(w, r, maxRequestBodySize, &body) {
			return
		}
		queued, err := erp.EnqueueSync(deps.Jobs, body)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
			return
		}
		status := "queued"
		if !queued {
			status = "already pending"
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": status})
	}
}
