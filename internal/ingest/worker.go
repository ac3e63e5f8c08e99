// Package ingest drains the SQLite job queue: manually ingested documents
// are embedded into the retrieval index and ERP sync passes are executed.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/erpflow/internal/erp"
	"github.com/kalambet/erpflow/internal/retrieval"
	"github.com/kalambet/erpflow/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	AbandonJob(id string, errMsg string) error
}

// DocumentWriter upserts index documents.
type DocumentWriter interface {
	Put(ctx context.Context, doc retrieval.Document) (retrieval.Document, error)
}

// Syncer runs the ERP sync pass a job payload describes. *erp.Syncer
// satisfies it.
type Syncer interface {
	Run(ctx context.Context, p erp.SyncPayload) (erp.Result, error)
}

// permanentError marks a job failure that retrying cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return permanentError{err} }

// DocumentPayload is the ingest_document job payload.
type DocumentPayload struct {
	ID         string `json:"id"`
	SourceType string `json:"source_type"`
	Content    string `json:"content"`
	EntityID   string `json:"entity_id,omitempty"`
}

// Worker processes queued jobs one at a time.
type Worker struct {
	store    JobStore
	docs     DocumentWriter
	syncer   Syncer
	poll     time.Duration
	logger   *slog.Logger
	afterJob func(ctx context.Context)
}

// NewWorker creates a Worker. syncer may be nil when no ERP is configured;
// erp_sync jobs are then left in the queue.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, docs DocumentWriter, syncer Syncer, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:  store,
		docs:   docs,
		syncer: syncer,
		poll:   pollInterval,
		logger: slog.Default(),
	}
}

// AfterJob registers fn to run after every processed job, successful or not.
func (w *Worker) AfterJob(fn func(ctx context.Context)) {
	w.afterJob = fn
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

func (w *Worker) jobTypes() []string {
	if w.syncer == nil {
		return []string{storage.JobIngestDocument}
	}
	return []string{storage.JobIngestDocument, storage.JobERPSync}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(w.jobTypes())
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}
	if w.afterJob != nil {
		defer w.afterJob(ctx)
	}

	if err := w.processJob(ctx, job); err != nil {
		var pe permanentError
		if errors.As(err, &pe) {
			w.logger.Warn("job failed permanently", "job_id", job.ID, "type", job.Type, "error", err)
			if failErr := w.store.AbandonJob(job.ID, err.Error()); failErr != nil {
				w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
			}
			return true, nil
		}
		w.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	switch job.Type {
	case storage.JobIngestDocument:
		var p DocumentPayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
			return permanent(fmt.Errorf("parsing payload: %w", err))
		}
		return w.ingestDocument(ctx, p)
	case storage.JobERPSync:
		var p erp.SyncPayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
			return permanent(fmt.Errorf("parsing payload: %w", err))
		}
		res, err := w.syncer.Run(ctx, p)
		if err != nil && res.Documents == 0 && res.Nodes == 0 {
			// Auth and not-found answers will not change on retry.
			if !erp.IsTransient(err) {
				return permanent(err)
			}
			return err
		}
		// Partial passes complete; failed doctypes wait for the next tick.
		if err != nil {
			w.logger.Warn("erp sync finished with failures", "job_id", job.ID, "failed", res.Failed)
		}
		return nil
	default:
		return permanent(fmt.Errorf("unknown job type %q", job.Type))
	}
}

func (w *Worker) ingestDocument(ctx context.Context, p DocumentPayload) error {
	if p.ID == "" || p.Content == "" {
		return permanent(errors.New("payload needs id and content"))
	}
	if p.SourceType == "" {
		p.SourceType = "manual"
	}
	doc, err := w.docs.Put(ctx, retrieval.Document{
		ID:         p.ID,
		SourceType: p.SourceType,
		Content:    p.Content,
		EntityID:   p.EntityID,
	})
	if err != nil {
		return fmt.Errorf("indexing %s: %w", p.ID, err)
	}
	w.logger.Debug("document indexed", "id", doc.ID, "version", doc.Version)
	return nil
}
