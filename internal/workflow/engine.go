package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/kalambet/erpflow/internal/agent"
	"github.com/kalambet/erpflow/internal/assembler"
	"github.com/kalambet/erpflow/internal/errs"
	"github.com/kalambet/erpflow/internal/storage"
	"github.com/kalambet/erpflow/internal/usage"
)

// ContextSource assembles the context bundle a stage runs on.
type ContextSource interface {
	Assemble(ctx context.Context, goal string, p assembler.Params) (assembler.Bundle, error)
}

// Store persists workflow and stage rows. *storage.Store implements it.
type Store interface {
	SaveWorkflow(ctx context.Context, w storage.WorkflowRow) error
	SaveStage(ctx context.Context, s storage.StageRow) error
	GetWorkflow(ctx context.Context, id string) (storage.WorkflowRow, []storage.StageRow, error)
	ListWorkflowIDs(ctx context.Context, state string, limit int) ([]string, error)
}

// TraceRecorder receives a trace every time a stage ends.
type TraceRecorder interface {
	Record(ctx context.Context, t usage.Trace) (usage.Trace, error)
}

// Observer is notified of lifecycle events, typically to update metrics.
type Observer interface {
	WorkflowSubmitted()
	WorkflowFinished(state string, elapsed time.Duration)
	StageFinished(role, status string, attempts int, elapsed time.Duration)
	StageRetried(role, kind string)
}

type nopObserver struct{}

func (nopObserver) WorkflowSubmitted() {}

func (nopObserver) WorkflowFinished(string, time.Duration) {}

func (nopObserver) StageFinished(string, string, int, time.Duration) {}

func (nopObserver) StageRetried(string, string) {}

// Config holds engine-wide defaults.
type Config struct {
	WorkerPoolSize int              `validate:"gte=1,lte=64"`
	MaxAttempts    int              `validate:"gte=1,lte=10"`
	StageTimeout   time.Duration    `validate:"gt=0"`
	BackoffInitial time.Duration    `validate:"gt=0"`
	BackoffMax     time.Duration    `validate:"gtefield=BackoffInitial"`
	Retention      time.Duration    `validate:"gte=0"` // how long finished workflows stay in memory
	Context        assembler.Params `validate:"-"`
}

// DefaultConfig returns the values used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		WorkerPoolSize: 4,
		MaxAttempts:    3,
		StageTimeout:   2 * time.Minute,
		BackoffInitial: 500 * time.Millisecond,
		BackoffMax:     10 * time.Second,
		Retention:      time.Hour,
		Context: assembler.Params{
			K:          assembler.DefaultK,
			HopDepth:   assembler.DefaultHopDepth,
			ByteBudget: assembler.DefaultByteBudget,
		},
	}
}

// Deps are the collaborators of an Engine. Observer may be nil.
type Deps struct {
	Planner  *Planner
	Registry *agent.Registry
	Context  ContextSource
	Store    Store
	Recorder TraceRecorder
	Observer Observer
}

// Engine runs workflows. Every workflow it accepted is tracked in an
// in-memory registry keyed by id until it has been terminal for
// Config.Retention; after that Status and Deliverables read it back from the
// store.
type Engine struct {
	cfg      Config
	planner  *Planner
	registry *agent.Registry
	context  ContextSource
	store    Store
	recorder TraceRecorder
	observer Observer
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	runs   map[string]*run
	wg     sync.WaitGroup
	closed bool
}

// run is the registry entry of one workflow.
type run struct {
	mu     sync.Mutex // guards wf
	wf     *Workflow
	opts   Options
	start  time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an Engine.
func New(deps Deps, cfg Config) (*Engine, error) {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid workflow config: %w", err)
	}
	if deps.Planner == nil || deps.Registry == nil || deps.Context == nil || deps.Store == nil || deps.Recorder == nil {
		return nil, errors.New("workflow engine: missing dependency")
	}
	obs := deps.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	return &Engine{
		cfg:      cfg,
		planner:  deps.Planner,
		registry: deps.Registry,
		context:  deps.Context,
		store:    deps.Store,
		recorder: deps.Recorder,
		observer: obs,
		validate: v,
		logger:   slog.Default(),
		now:      time.Now,
		runs:     map[string]*run{},
	}, nil
}

// Submit plans goal and starts running it in the background. If the goal
// cannot be decomposed the workflow is still registered, in state FAILED,
// and its id is returned together with the InputError.
func (e *Engine) Submit(ctx context.Context, goal string, opts Options) (string, error) {
	if err := e.validate.Struct(opts); err != nil {
		return "", errs.Input("submit", "invalid options: %v", err)
	}

	e.Collect()

	now := e.now().UTC()
	wf := &Workflow{
		ID:        uuid.New().String(),
		Goal:      goal,
		State:     StateCreated,
		CreatedAt: now,
	}
	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{wf: wf, opts: opts, start: now, cancel: cancel, done: make(chan struct{})}

	// Registration and wg.Add share the lock with Shutdown, so a workflow
	// is either refused or waited for.
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return "", errors.New("workflow engine is shut down")
	}
	e.runs[wf.ID] = r
	e.wg.Add(1)
	e.mu.Unlock()
	e.observer.WorkflowSubmitted()
	e.saveWorkflow(ctx, r)

	r.mu.Lock()
	_ = wf.transition(StatePlanning)
	r.mu.Unlock()

	template, stages, err := e.planner.Plan(goal, opts.Template)
	if err != nil {
		r.mu.Lock()
		_ = wf.transition(StateFailed)
		wf.Error = err.Error()
		wf.EndedAt = e.now().UTC()
		r.mu.Unlock()
		cancel()
		close(r.done)
		defer e.wg.Done()

		e.saveWorkflow(ctx, r)
		e.record(ctx, r)
		e.observer.WorkflowFinished(string(StateFailed), 0)
		e.logger.Warn("workflow planning failed", "workflow_id", wf.ID, "error", err)
		return wf.ID, err
	}

	r.mu.Lock()
	wf.Template = template
	for _, st := range stages {
		st.WorkflowID = wf.ID
		st.history = []StageStatus{StagePending}
	}
	wf.Stages = stages
	_ = wf.transition(StateRunning)
	r.mu.Unlock()

	e.saveWorkflow(ctx, r)
	for _, st := range stages {
		e.saveStage(ctx, r, st)
	}

	e.logger.Info("workflow started", "workflow_id", wf.ID, "template", template, "stages", len(stages))
	go e.execute(runCtx, r)
	return wf.ID, nil
}

// Status reports the workflow state and every stage's outcome.
func (e *Engine) Status(ctx context.Context, id string) (StatusReport, error) {
	if r := e.lookup(id); r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		return report(r.wf), nil
	}
	wf, err := e.load(ctx, id)
	if err != nil {
		return StatusReport{}, err
	}
	return report(wf), nil
}

// Deliverables maps artifact type to content for every stage that
// succeeded so far. Partial results are returned whatever the final state.
func (e *Engine) Deliverables(ctx context.Context, id string) (map[string]string, error) {
	if r := e.lookup(id); r != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		return deliverables(r.wf), nil
	}
	wf, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return deliverables(wf), nil
}

// Cancel requests cancellation. Running stages are cancelled at their next
// suspension point and pending stages never start. Cancelling a finished
// workflow is a no-op.
func (e *Engine) Cancel(id string) error {
	r := e.lookup(id)
	if r == nil {
		return errs.E(errs.InputError, "cancel", fmt.Errorf("workflow %s: %w", id, storage.ErrNotFound))
	}
	r.mu.Lock()
	terminal := r.wf.State.Terminal()
	r.mu.Unlock()
	if !terminal {
		e.logger.Info("workflow cancellation requested", "workflow_id", id)
		r.cancel()
	}
	return nil
}

// Wait blocks until the workflow is terminal or ctx is done.
func (e *Engine) Wait(ctx context.Context, id string) (StatusReport, error) {
	if r := e.lookup(id); r != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return StatusReport{}, ctx.Err()
		}
	}
	return e.Status(ctx, id)
}

// List returns up to limit workflow ids, newest first: those held in memory,
// then collected ones read back from the store.
func (e *Engine) List(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	e.mu.Lock()
	live := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		live = append(live, r)
	}
	e.mu.Unlock()
	sort.Slice(live, func(i, j int) bool { return live[i].start.After(live[j].start) })

	ids := make([]string, 0, limit)
	seen := make(map[string]bool, limit)
	for _, r := range live {
		if len(ids) == limit {
			return ids, nil
		}
		ids = append(ids, r.wf.ID)
		seen[r.wf.ID] = true
	}

	stored, err := e.store.ListWorkflowIDs(ctx, "", limit+len(seen))
	if err != nil {
		return ids, fmt.Errorf("listing stored workflows: %w", err)
	}
	for _, id := range stored {
		if len(ids) == limit {
			break
		}
		if !seen[id] {
			ids = append(ids, id)
			seen[id] = true
		}
	}
	return ids, nil
}

// Collect drops finished workflows older than the retention period from the
// registry. Their final trace has been recorded and their rows persisted.
func (e *Engine) Collect() int {
	cutoff := e.now().Add(-e.cfg.Retention)
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, r := range e.runs {
		select {
		case <-r.done:
		default:
			continue
		}
		r.mu.Lock()
		expired := !r.wf.EndedAt.After(cutoff)
		r.mu.Unlock()
		if expired {
			delete(e.runs, id)
			n++
		}
	}
	if n > 0 {
		e.logger.Debug("workflows collected", "count", n)
	}
	return n
}

// Shutdown cancels every running workflow and waits for them to settle.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	for _, r := range e.runs {
		r.cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) lookup(id string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[id]
}

// load rebuilds a collected workflow from the store.
func (e *Engine) load(ctx context.Context, id string) (*Workflow, error) {
	row, stageRows, err := e.store.GetWorkflow(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errs.E(errs.InputError, "status", fmt.Errorf("workflow %s: %w", id, err))
	}
	if err != nil {
		return nil, err
	}
	return fromRows(row, stageRows), nil
}
