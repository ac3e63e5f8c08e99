package erp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/kalambet/erpflow/internal/graph"
	"github.com/kalambet/erpflow/internal/retrieval"
	"github.com/kalambet/erpflow/internal/storage"
)

// DefaultLimit bounds the records fetched per doctype in one pass.
const DefaultLimit = 100

// DiscoverLimit bounds the doctypes an "all" pass lists from the site.
const DiscoverLimit = 500

// Source is the ERP read surface. *Client satisfies it.
type Source interface {
	Documents(ctx context.Context, doctype string, limit int) ([]Document, error)
	Meta(ctx context.Context, doctype string) (Meta, error)
	DocTypes(ctx context.Context, limit int) ([]string, error)
}

// DocumentWriter upserts index documents. *retrieval.Index satisfies it.
type DocumentWriter interface {
	Put(ctx context.Context, doc retrieval.Document) (retrieval.Document, error)
}

// GraphWriter upserts graph entities. *graph.Store satisfies it.
type GraphWriter interface {
	PutEntity(ctx context.Context, n graph.Node) (graph.Node, error)
	PutRelationship(ctx context.Context, e graph.Edge) (graph.Edge, error)
}

// Reporter is told about every finished pass.
type Reporter interface {
	SyncFinished(documents int, err error)
}

// Result counts what one pass wrote.
type Result struct {
	DocTypes  int      `json:"doctypes"`
	Documents int      `json:"documents"`
	Nodes     int      `json:"nodes"`
	Edges     int      `json:"edges"`
	Failed    []string `json:"failed,omitempty"`
}

// Syncer copies ERP records into the retrieval index and the graph. Writes
// go through the Put paths, so a pass can run alongside workflows reading
// the same stores.
type Syncer struct {
	source   Source
	index    DocumentWriter
	graph    GraphWriter
	doctypes []string
	limit    int
	reporter Reporter
	logger   *slog.Logger
}

// SyncerOptions configures a Syncer. Zero values use DefaultDocTypes and
// DefaultLimit.
type SyncerOptions struct {
	DocTypes []string
	Limit    int
	Reporter Reporter
}

func NewSyncer(src Source, index DocumentWriter, g GraphWriter, opts SyncerOptions) *Syncer {
	if len(opts.DocTypes) == 0 {
		opts.DocTypes = DefaultDocTypes
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	return &Syncer{
		source:   src,
		index:    index,
		graph:    g,
		doctypes: opts.DocTypes,
		limit:    opts.Limit,
		reporter: opts.Reporter,
		logger:   slog.Default(),
	}
}

// Sync runs one pass over doctypes, or the configured list when empty. A
// failing doctype is recorded in Result.Failed and does not stop the others.
func (s *Syncer) Sync(ctx context.Context, doctypes []string) (Result, error) {
	if len(doctypes) == 0 {
		doctypes = s.doctypes
	}
	start := time.Now()
	var res Result
	var failures []error
	for _, dt := range doctypes {
		if err := ctx.Err(); err != nil {
			failures = append(failures, err)
			break
		}
		if err := s.syncDocType(ctx, dt, &res); err != nil {
			s.logger.Warn("erp sync failed for doctype", "doctype", dt, "error", err)
			res.Failed = append(res.Failed, dt)
			failures = append(failures, fmt.Errorf("syncing %s: %w", dt, err))
			continue
		}
		res.DocTypes++
	}
	err := errors.Join(failures...)
	if s.reporter != nil {
		s.reporter.SyncFinished(res.Documents, err)
	}
	s.logger.Info("erp sync finished",
		"doctypes", res.DocTypes, "documents", res.Documents,
		"nodes", res.Nodes, "edges", res.Edges,
		"failed", len(res.Failed), "elapsed", time.Since(start))
	return res, err
}

// Run executes the pass a job payload asks for. With All set the doctypes
// are discovered from the site instead of taken from configuration.
func (s *Syncer) Run(ctx context.Context, p SyncPayload) (Result, error) {
	if !p.All {
		return s.Sync(ctx, p.DocTypes)
	}
	doctypes, err := s.source.DocTypes(ctx, DiscoverLimit)
	if err != nil {
		return Result{}, fmt.Errorf("discovering doctypes: %w", err)
	}
	if len(doctypes) == 0 {
		return Result{}, nil
	}
	s.logger.Info("erp sync discovered doctypes", "count", len(doctypes))
	return s.Sync(ctx, doctypes)
}

func (s *Syncer) syncDocType(ctx context.Context, doctype string, res *Result) error {
	meta, err := s.source.Meta(ctx, doctype)
	if err != nil {
		return fmt.Errorf("loading meta: %w", err)
	}
	node, edges := schemaGraph(meta)
	if err := s.write(ctx, node, edges, res); err != nil {
		return err
	}

	docs, err := s.source.Documents(ctx, doctype, s.limit)
	if err != nil {
		return fmt.Errorf("listing documents: %w", err)
	}
	for _, doc := range docs {
		if doc.Name() == "" {
			continue
		}
		id := DocumentID(doctype, doc.Name())
		if text := ExtractText(doc); text != "" {
			if _, err := s.index.Put(ctx, retrieval.Document{
				ID:         id,
				SourceType: doctype,
				Content:    text,
				EntityID:   id,
			}); err != nil {
				return fmt.Errorf("indexing %s: %w", id, err)
			}
			res.Documents++
		}
		node, edges := documentGraph(meta, doc)
		if err := s.write(ctx, node, edges, res); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) write(ctx context.Context, n graph.Node, edges []graph.Edge, res *Result) error {
	if _, err := s.graph.PutEntity(ctx, n); err != nil {
		return fmt.Errorf("writing node %s: %w", n.ID, err)
	}
	res.Nodes++
	for _, e := range edges {
		if _, err := s.graph.PutRelationship(ctx, e); err != nil {
			return fmt.Errorf("writing edge %s: %w", e.Key(), err)
		}
		res.Edges++
	}
	return nil
}

// JobQueue is the part of the job store the scheduler needs.
type JobQueue interface {
	HasPendingJob(jobType string) (bool, error)
	EnqueueJob(job storage.Job) error
}

// SyncPayload is the erp_sync job payload. All overrides DocTypes.
type SyncPayload struct {
	DocTypes []string `json:"doctypes,omitempty"`
	All      bool     `json:"all,omitempty"`
}

// EnqueueSync queues an erp_sync job unless one is already pending or
// running. It reports whether a job was queued.
func EnqueueSync(jobs JobQueue, p SyncPayload) (bool, error) {
	pending, err := jobs.HasPendingJob(storage.JobERPSync)
	if err != nil {
		return false, fmt.Errorf("checking pending sync: %w", err)
	}
	if pending {
		return false, nil
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return false, err
	}
	if err := jobs.EnqueueJob(storage.Job{
		ID:          uuid.New().String(),
		Type:        storage.JobERPSync,
		PayloadJSON: string(payload),
	}); err != nil {
		return false, fmt.Errorf("enqueueing sync: %w", err)
	}
	return true, nil
}

// Scheduler queues sync passes on a cron schedule.
type Scheduler struct {
	cron   *cron.Cron
	jobs   JobQueue
	logger *slog.Logger
}

func NewScheduler(jobs JobQueue) *Scheduler {
	return &Scheduler{cron: cron.New(), jobs: jobs, logger: slog.Default()}
}

// Start registers spec (standard five-field cron syntax or a descriptor
// such as "@every 15m") and starts the scheduler.
func (s *Scheduler) Start(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", spec, err)
	}
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return fmt.Errorf("scheduling sync: %w", err)
	}
	s.cron.Start()
	s.logger.Info("erp sync scheduled", "schedule", spec)
	return nil
}

func (s *Scheduler) tick() {
	queued, err := EnqueueSync(s.jobs, SyncPayload{})
	if err != nil {
		s.logger.Error("scheduling erp sync", "error", err)
		return
	}
	if !queued {
		s.logger.Debug("erp sync already pending, skipping tick")
	}
}

// Stop halts the schedule. The returned context is done once a running
// tick has returned.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
