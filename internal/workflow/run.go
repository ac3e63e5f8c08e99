package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/erpflow/internal/agent"
	"github.com/kalambet/erpflow/internal/assembler"
	"github.com/kalambet/erpflow/internal/errs"
)

type stageResult struct {
	stage   *Stage
	status  StageStatus
	output  *agent.Output
	err     error
	elapsed time.Duration
}

// execute schedules the stages of r until none can make progress. Ready
// stages run on a pool of Config.WorkerPoolSize goroutines; each completion
// is applied on this goroutine only, so stage state changes are serialized.
func (e *Engine) execute(ctx context.Context, r *run) {
	defer e.wg.Done()
	defer r.cancel()

	r.mu.Lock()
	total := len(r.wf.Stages)
	r.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(e.cfg.WorkerPoolSize)
	results := make(chan stageResult, total)
	launched := map[string]bool{}
	inFlight := 0

	for {
		if ctx.Err() == nil {
			for _, st := range e.ready(r, launched) {
				launched[st.ID] = true
				inFlight++
				g.Go(func() error {
					results <- e.runStage(ctx, r, st)
					return nil
				})
			}
		}
		if inFlight == 0 {
			break
		}
		res := <-results
		inFlight--
		e.finishStage(r, res)
	}
	_ = g.Wait()

	e.finalize(ctx, r)
}

// ready returns the pending stages whose dependencies all succeeded.
func (e *Engine) ready(r *run, launched map[string]bool) []*Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Stage
	for _, st := range r.wf.Stages {
		if st.Status != StagePending || launched[st.ID] {
			continue
		}
		ok := true
		for _, dep := range st.DependsOn {
			if d := r.wf.stage(dep); d == nil || d.Status != StageSucceeded {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, st)
		}
	}
	return out
}

// runStage moves st to running, captures its input snapshot and executes its
// agent with retries. A stage that reaches a worker after cancellation is
// reported cancelled without ever running.
func (e *Engine) runStage(ctx context.Context, r *run, st *Stage) stageResult {
	r.mu.Lock()
	if ctx.Err() != nil {
		r.mu.Unlock()
		return stageResult{stage: st, status: StageCancelled, err: errs.E(errs.CancellationRequested, st.ID, ctx.Err())}
	}
	_ = st.transition(StageRunning)
	st.StartedAt = e.now().UTC()
	goal := r.wf.Goal
	upstream := upstreamDeliverables(r.wf, st)
	opts := r.opts
	r.mu.Unlock()
	e.saveStage(context.WithoutCancel(ctx), r, st)

	start := time.Now()
	a, ok := e.registry.ForRole(st.Role)
	if !ok {
		return stageResult{stage: st, status: StageFailed, err: errs.Input(st.ID, "no agent for role %s", st.Role), elapsed: time.Since(start)}
	}

	maxAttempts := e.cfg.MaxAttempts
	if opts.MaxAttempts > 0 {
		maxAttempts = opts.MaxAttempts
	}
	timeout := e.cfg.StageTimeout
	if opts.StageTimeout > 0 {
		timeout = opts.StageTimeout
	}
	params := e.contextParams(opts)

	var (
		in  *agent.Input
		out agent.Output
	)
	attempt := func() error {
		r.mu.Lock()
		st.Attempts++
		r.mu.Unlock()

		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if in == nil {
			bundle, err := e.context.Assemble(actx, goal, params)
			if err != nil {
				return classify(ctx, actx, st.ID, err)
			}
			in = &agent.Input{
				WorkflowID: st.WorkflowID,
				StageID:    st.ID,
				Goal:       goal,
				Context:    bundle.Render(),
				Upstream:   upstream,
			}
			r.mu.Lock()
			st.ContextIDs = bundle.IDs()
			r.mu.Unlock()
			e.logger.Debug("stage context assembled",
				"workflow_id", st.WorkflowID, "stage", st.ID, "items", len(bundle.Items),
				"tokens", bundle.EstimatedTokens(), "truncated", bundle.Truncated)
		}

		res, err := a.Execute(actx, *in)
		if err != nil {
			return classify(ctx, actx, st.ID, err)
		}
		out = res
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.BackoffInitial
	b.MaxInterval = e.cfg.BackoffMax
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxAttempts-1)), ctx)
	notify := func(err error, wait time.Duration) {
		e.observer.StageRetried(st.Role, string(errs.KindOf(err)))
		e.logger.Warn("stage attempt failed, retrying",
			"workflow_id", st.WorkflowID, "stage", st.ID, "error", err, "retry_in", wait)
	}

	err := backoff.RetryNotify(attempt, policy, notify)
	elapsed := time.Since(start)
	switch {
	case err == nil:
		// A cancel that lands after the agent returned does not discard its work.
	case ctx.Err() != nil:
		return stageResult{stage: st, status: StageCancelled, err: errs.E(errs.CancellationRequested, st.ID, ctx.Err()), elapsed: elapsed}
	default:
		return stageResult{stage: st, status: StageFailed, err: err, elapsed: elapsed}
	}
	if out.ArtifactType == "" {
		out.ArtifactType = a.Spec().ArtifactType
	}
	return stageResult{stage: st, status: StageSucceeded, output: &out, elapsed: elapsed}
}

// classify decides whether an attempt error is worth retrying. Workflow
// cancellation and terminal kinds stop the retry loop immediately; an
// attempt that ran past its own deadline becomes a StageTimeout.
func classify(ctx, attemptCtx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return backoff.Permanent(errs.E(errs.CancellationRequested, op, ctx.Err()))
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return errs.E(errs.StageTimeout, op, err)
	}
	if errs.IsTransient(err) {
		return err
	}
	return backoff.Permanent(err)
}

// finishStage applies a stage result, marks dependents of a failed stage
// dependency_failed and records a trace.
func (e *Engine) finishStage(r *run, res stageResult) {
	ctx := context.Background()
	now := e.now().UTC()
	st := res.stage

	r.mu.Lock()
	if err := st.transition(res.status); err != nil {
		r.mu.Unlock()
		e.logger.Error("stage transition rejected", "workflow_id", st.WorkflowID, "stage", st.ID, "error", err)
		return
	}
	st.EndedAt = now
	if res.output != nil {
		st.Output = &Deliverable{StageID: st.ID, ArtifactType: res.output.ArtifactType, Content: res.output.Content}
	}
	if res.err != nil && res.status != StageCancelled {
		st.Error = res.err.Error()
	}

	changed := []*Stage{st}
	if res.status == StageFailed {
		changed = append(changed, propagateFailure(r.wf, st, now)...)
	}
	r.mu.Unlock()

	for _, c := range changed {
		e.saveStage(ctx, r, c)
	}
	e.observer.StageFinished(st.Role, string(res.status), st.Attempts, res.elapsed)
	for _, c := range changed[1:] {
		e.observer.StageFinished(c.Role, string(c.Status), 0, 0)
	}
	e.record(ctx, r)

	e.logger.Info("stage finished",
		"workflow_id", st.WorkflowID, "stage", st.ID, "status", res.status,
		"attempts", st.Attempts, "duration_ms", res.elapsed.Milliseconds())
}

// propagateFailure marks every pending stage that transitively depends on
// failed as dependency_failed. Caller holds r.mu.
func propagateFailure(wf *Workflow, failed *Stage, now time.Time) []*Stage {
	var out []*Stage
	blocked := map[string]bool{failed.ID: true}
	for changed := true; changed; {
		changed = false
		for _, st := range wf.Stages {
			if blocked[st.ID] || st.Status != StagePending {
				continue
			}
			for _, dep := range st.DependsOn {
				if blocked[dep] {
					_ = st.transition(StageDependencyFailed)
					st.EndedAt = now
					st.Error = errs.E(errs.DependencyFailed, st.ID, fmt.Errorf("upstream stage %s failed", dep)).Error()
					blocked[st.ID] = true
					out = append(out, st)
					changed = true
					break
				}
			}
		}
	}
	return out
}

// finalize cancels stages that never started, sets the terminal state and
// records the final trace.
func (e *Engine) finalize(ctx context.Context, r *run) {
	bg := context.Background()
	now := e.now().UTC()

	r.mu.Lock()
	var changed []*Stage
	for _, st := range r.wf.Stages {
		if st.Status == StagePending {
			_ = st.transition(StageCancelled)
			st.EndedAt = now
			changed = append(changed, st)
		}
	}
	state := outcome(r.wf, ctx.Err() != nil)
	_ = r.wf.transition(state)
	r.wf.EndedAt = now
	r.mu.Unlock()

	for _, st := range changed {
		e.saveStage(bg, r, st)
	}
	e.saveWorkflow(bg, r)
	e.record(bg, r)
	close(r.done)

	e.observer.WorkflowFinished(string(state), now.Sub(r.start))
	e.logger.Info("workflow finished", "workflow_id", r.wf.ID, "state", state)
}

func (e *Engine) contextParams(opts Options) assembler.Params {
	p := e.cfg.Context
	if opts.K > 0 {
		p.K = opts.K
	}
	if opts.HopDepth != 0 {
		p.HopDepth = opts.HopDepth
	}
	if opts.ByteBudget > 0 {
		p.ByteBudget = opts.ByteBudget
	}
	return p
}

// upstreamDeliverables collects the outputs of every ancestor of st, keyed
// by artifact type. Caller holds r.mu.
func upstreamDeliverables(wf *Workflow, st *Stage) map[string]string {
	out := map[string]string{}
	seen := map[string]bool{}
	queue := append([]string(nil), st.DependsOn...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		dep := wf.stage(id)
		if dep == nil {
			continue
		}
		if dep.Output != nil {
			out[dep.Output.ArtifactType] = dep.Output.Content
		}
		queue = append(queue, dep.DependsOn...)
	}
	return out
}
