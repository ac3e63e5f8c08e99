package workflow

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/erpflow/internal/agent"
	"github.com/kalambet/erpflow/internal/assembler"
	"github.com/kalambet/erpflow/internal/errs"
	"github.com/kalambet/erpflow/internal/graph"
	"github.com/kalambet/erpflow/internal/retrieval"
	"github.com/kalambet/erpflow/internal/storage"
	"github.com/kalambet/erpflow/internal/usage"
)

const salesGoal = "Design a sales management system with quotes, orders, and invoicing"

type execFunc func(ctx context.Context, in agent.Input) (agent.Output, error)

type fakeAgent struct {
	spec  agent.Spec
	run   execFunc
	calls atomic.Int32

	mu     sync.Mutex
	inputs []agent.Input
}

func (f *fakeAgent) Spec() agent.Spec { return f.spec }

func (f *fakeAgent) Execute(ctx context.Context, in agent.Input) (agent.Output, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.inputs = append(f.inputs, in)
	f.mu.Unlock()
	if f.run != nil {
		return f.run(ctx, in)
	}
	return agent.Output{ArtifactType: f.spec.ArtifactType, Content: f.spec.Role + ": " + in.Goal}, nil
}

func (f *fakeAgent) lastInput() agent.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inputs[len(f.inputs)-1]
}

// fixedEmbedder maps every text to the same vector.
type fixedEmbedder struct{}

func (fixedEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (fixedEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type fakeObserver struct {
	mu       sync.Mutex
	retries  []string
	finished []string
	onStage  func(role, status string)
}

func (o *fakeObserver) WorkflowSubmitted() {}

func (o *fakeObserver) WorkflowFinished(state string, _ time.Duration) {
	o.mu.Lock()
	o.finished = append(o.finished, state)
	o.mu.Unlock()
}

func (o *fakeObserver) StageFinished(role, status string, _ int, _ time.Duration) {
	if o.onStage != nil {
		o.onStage(role, status)
	}
}

func (o *fakeObserver) StageRetried(role, kind string) {
	o.mu.Lock()
	o.retries = append(o.retries, role+"/"+kind)
	o.mu.Unlock()
}

type harness struct {
	engine   *Engine
	store    *storage.Store
	recorder *usage.Recorder
	agents   map[string]*fakeAgent
	observer *fakeObserver
}

func newHarness(t *testing.T, runs map[string]execFunc, tweak func(*Config)) *harness {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := agent.NewRegistry()
	agents := map[string]*fakeAgent{}
	for _, spec := range agent.BuiltinSpecs() {
		a := &fakeAgent{spec: spec, run: runs[spec.Role]}
		agents[spec.Role] = a
		if err := reg.Register(a); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	planner, err := NewPlanner(reg, "")
	if err != nil {
		t.Fatalf("NewPlanner: %v", err)
	}

	index := retrieval.NewIndex(s.DB(), fixedEmbedder{})
	asm := assembler.New(index, graph.NewStore(s.DB()))
	rec := usage.NewRecorder(s.DB())
	obs := &fakeObserver{}

	cfg := DefaultConfig()
	cfg.StageTimeout = 5 * time.Second
	cfg.BackoffInitial = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	if tweak != nil {
		tweak(&cfg)
	}
	e, err := New(Deps{Planner: planner, Registry: reg, Context: asm, Store: s, Recorder: rec, Observer: obs}, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Shutdown(context.Background()) })
	return &harness{engine: e, store: s, recorder: rec, agents: agents, observer: obs}
}

func (h *harness) run(t *testing.T, goal string, opts Options) StatusReport {
	t.Helper()
	id, err := h.engine.Submit(context.Background(), goal, opts)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rep, err := h.engine.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return rep
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stageByID(rep StatusReport, id string) StageReport {
	for _, s := range rep.Stages {
		if s.ID == id {
			return s
		}
	}
	return StageReport{}
}

func TestSalesGoal_ThreeStagesComplete(t *testing.T) {
	h := newHarness(t, nil, nil)
	rep := h.run(t, salesGoal, Options{})

	if rep.State != StateCompleted {
		t.Fatalf("State = %s, want COMPLETED (%+v)", rep.State, rep.Stages)
	}
	var ids []string
	for _, s := range rep.Stages {
		ids = append(ids, s.ID)
		if s.Status != StageSucceeded || s.Attempts != 1 {
			t.Errorf("stage %s = %s after %d attempts", s.ID, s.Status, s.Attempts)
		}
	}
	if !reflect.DeepEqual(ids, []string{"requirements", "architecture", "schema"}) {
		t.Errorf("stages = %v", ids)
	}

	d, err := h.engine.Deliverables(context.Background(), rep.ID)
	if err != nil {
		t.Fatalf("Deliverables: %v", err)
	}
	if len(d) != 3 || d[agent.ArtifactRequirements] == "" || d[agent.ArtifactArchitecture] == "" || d[agent.ArtifactSchema] == "" {
		t.Errorf("deliverables = %v", d)
	}
	if !strings.Contains(rep.ImplementationGuide, "1. Create the DocTypes") {
		t.Errorf("guide = %q", rep.ImplementationGuide)
	}

	in := h.agents[agent.RoleSchema].lastInput()
	if _, ok := in.Upstream[agent.ArtifactRequirements]; !ok {
		t.Error("schema stage did not see the requirements deliverable")
	}
	if _, ok := in.Upstream[agent.ArtifactArchitecture]; !ok {
		t.Error("schema stage did not see the architecture deliverable")
	}
}

func TestArchitectureTimeouts_SchemaDependencyFailed_Partial(t *testing.T) {
	block := func(ctx context.Context, _ agent.Input) (agent.Output, error) {
		<-ctx.Done()
		return agent.Output{}, ctx.Err()
	}
	h := newHarness(t, map[string]execFunc{agent.RoleArchitecture: block}, func(c *Config) {
		c.StageTimeout = 20 * time.Millisecond
		c.MaxAttempts = 3
	})
	rep := h.run(t, salesGoal, Options{})

	if rep.State != StatePartial {
		t.Fatalf("State = %s, want PARTIAL", rep.State)
	}
	arch := stageByID(rep, "architecture")
	if arch.Status != StageFailed || arch.Attempts != 3 || !strings.Contains(arch.Error, string(errs.StageTimeout)) {
		t.Errorf("architecture = %+v", arch)
	}
	schema := stageByID(rep, "schema")
	if schema.Status != StageDependencyFailed || schema.Attempts != 0 || !schema.StartedAt.IsZero() {
		t.Errorf("schema = %+v", schema)
	}
	if h.agents[agent.RoleSchema].calls.Load() != 0 {
		t.Error("schema agent ran")
	}

	d, _ := h.engine.Deliverables(context.Background(), rep.ID)
	if len(d) != 1 || d[agent.ArtifactRequirements] == "" {
		t.Errorf("deliverables = %v, want only requirements", d)
	}
	h.observer.mu.Lock()
	retries := len(h.observer.retries)
	h.observer.mu.Unlock()
	if retries != 2 {
		t.Errorf("retries = %d, want 2", retries)
	}
}

func TestIndependentStages_CompletionOrderDoesNotMatter(t *testing.T) {
	delayed := func(d time.Duration) execFunc {
		return func(ctx context.Context, in agent.Input) (agent.Output, error) {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return agent.Output{}, ctx.Err()
			}
			return agent.Output{Content: "built from " + strings.Join(sortedKeys(in.Upstream), ",")}, nil
		}
	}
	goal := "Prepare a documentation pack for the warehouse team"

	first := newHarness(t, map[string]execFunc{
		agent.RoleDocumentation: delayed(40 * time.Millisecond),
		agent.RoleDiagram:       delayed(0),
	}, nil)
	second := newHarness(t, map[string]execFunc{
		agent.RoleDocumentation: delayed(0),
		agent.RoleDiagram:       delayed(40 * time.Millisecond),
	}, nil)

	r1 := first.run(t, goal, Options{})
	r2 := second.run(t, goal, Options{})
	if r1.Template != "documentation-pack" || r1.State != StateCompleted || r2.State != StateCompleted {
		t.Fatalf("runs = %s/%s, %s", r1.Template, r1.State, r2.State)
	}
	if !stageByID(r1, "documentation").EndedAt.After(stageByID(r1, "diagram").EndedAt) ||
		!stageByID(r2, "diagram").EndedAt.After(stageByID(r2, "documentation").EndedAt) {
		t.Error("stages did not finish in the intended order")
	}

	d1, _ := first.engine.Deliverables(context.Background(), r1.ID)
	d2, _ := second.engine.Deliverables(context.Background(), r2.ID)
	if !reflect.DeepEqual(d1, d2) {
		t.Errorf("deliverables differ:\n%v\n%v", d1, d2)
	}
	if r1.ImplementationGuide != r2.ImplementationGuide {
		t.Error("implementation guide differs")
	}
}

func TestCancelAfterFirstStage(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.observer.onStage = func(role, status string) {
		if role == agent.RoleRequirements && status == string(StageSucceeded) {
			ids, _ := h.engine.List(context.Background(), 100)
			for _, id := range ids {
				h.engine.Cancel(id)
			}
		}
	}
	rep := h.run(t, salesGoal, Options{})

	if rep.State != StateCancelled {
		t.Fatalf("State = %s, want CANCELLED", rep.State)
	}
	d, _ := h.engine.Deliverables(context.Background(), rep.ID)
	if len(d) != 1 || d[agent.ArtifactRequirements] == "" {
		t.Errorf("deliverables = %v", d)
	}
	for _, id := range []string{"architecture", "schema"} {
		s := stageByID(rep, id)
		if s.Status != StageCancelled || s.Attempts != 0 || !s.StartedAt.IsZero() {
			t.Errorf("%s = %+v", id, s)
		}
	}
	if n := h.agents[agent.RoleArchitecture].calls.Load(); n != 0 {
		t.Errorf("architecture agent called %d times", n)
	}

	traces, err := h.recorder.ForWorkflow(context.Background(), rep.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, tr := range traces {
		for _, sr := range tr.Stages {
			if sr.StageID == "architecture" && (sr.Attempts != 0 || !sr.StartedAt.IsZero()) {
				t.Errorf("trace holds a run of architecture: %+v", sr)
			}
		}
	}
}

func TestCancelRunningStage(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, map[string]execFunc{
		agent.RoleRequirements: func(ctx context.Context, _ agent.Input) (agent.Output, error) {
			close(started)
			<-ctx.Done()
			return agent.Output{}, ctx.Err()
		},
	}, nil)

	id, err := h.engine.Submit(context.Background(), salesGoal, Options{})
	if err != nil {
		t.Fatal(err)
	}
	<-started
	if err := h.engine.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	rep, err := h.engine.Wait(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if rep.State != StateCancelled || stageByID(rep, "requirements").Status != StageCancelled {
		t.Errorf("report = %+v", rep)
	}
	if err := h.engine.Cancel(id); err != nil {
		t.Errorf("second Cancel: %v", err)
	}
	if err := h.engine.Cancel("nope"); !errs.Is(err, errs.InputError) {
		t.Errorf("unknown id err = %v", err)
	}
}

func TestTerminalErrorIsNotRetried(t *testing.T) {
	h := newHarness(t, map[string]execFunc{
		agent.RoleRequirements: func(context.Context, agent.Input) (agent.Output, error) {
			return agent.Output{}, errs.Agent("generate", false, errors.New("model rejected prompt"))
		},
	}, nil)
	rep := h.run(t, salesGoal, Options{})

	if rep.State != StateFailed {
		t.Fatalf("State = %s, want FAILED", rep.State)
	}
	if req := stageByID(rep, "requirements"); req.Status != StageFailed || req.Attempts != 1 {
		t.Errorf("requirements = %+v", req)
	}
	for _, id := range []string{"architecture", "schema"} {
		if s := stageByID(rep, id); s.Status != StageDependencyFailed {
			t.Errorf("%s = %s", id, s.Status)
		}
	}
	if rep.ImplementationGuide != "" {
		t.Error("failed workflow has an implementation guide")
	}
}

func TestTransientErrorRetriedThenSucceeds(t *testing.T) {
	var n atomic.Int32
	h := newHarness(t, map[string]execFunc{
		agent.RoleArchitecture: func(_ context.Context, in agent.Input) (agent.Output, error) {
			if n.Add(1) == 1 {
				return agent.Output{}, errs.Agent("generate", true, errors.New("503"))
			}
			return agent.Output{Content: "arch"}, nil
		},
	}, nil)
	rep := h.run(t, salesGoal, Options{})

	if rep.State != StateCompleted {
		t.Fatalf("State = %s", rep.State)
	}
	if a := stageByID(rep, "architecture"); a.Attempts != 2 || a.ArtifactType != agent.ArtifactArchitecture {
		t.Errorf("architecture = %+v", a)
	}
}

func TestStageStatusPathsAreStrict(t *testing.T) {
	h := newHarness(t, map[string]execFunc{
		agent.RoleArchitecture: func(context.Context, agent.Input) (agent.Output, error) {
			return agent.Output{}, errs.Input("generate", "bad")
		},
	}, nil)
	rep := h.run(t, salesGoal, Options{})

	r := h.engine.lookup(rep.ID)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.wf.Stages {
		hist := st.history
		if len(hist) < 2 || hist[0] != StagePending || !hist[len(hist)-1].Terminal() {
			t.Errorf("%s history = %v", st.ID, hist)
			continue
		}
		for i := 1; i < len(hist); i++ {
			if !canTransition(stageTransitions, hist[i-1], hist[i]) {
				t.Errorf("%s: illegal step %s -> %s", st.ID, hist[i-1], hist[i])
			}
		}
		if err := st.transition(StageRunning); err == nil {
			t.Errorf("%s re-entered running from %s", st.ID, st.Status)
		}
	}
}

func TestSubmit_InvalidGoalFails(t *testing.T) {
	h := newHarness(t, nil, nil)
	for _, goal := range []string{"", "   ", "1234 !!"} {
		id, err := h.engine.Submit(context.Background(), goal, Options{})
		if !errs.Is(err, errs.InputError) {
			t.Fatalf("goal %q: err = %v, want InputError", goal, err)
		}
		rep, err := h.engine.Status(context.Background(), id)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if rep.State != StateFailed || len(rep.Stages) != 0 || rep.Error == "" {
			t.Errorf("goal %q: report = %+v", goal, rep)
		}
	}

	if _, err := h.engine.Submit(context.Background(), salesGoal, Options{MaxAttempts: 99}); !errs.Is(err, errs.InputError) {
		t.Errorf("invalid options err = %v", err)
	}
	if _, err := h.engine.Submit(context.Background(), salesGoal, Options{Template: "missing"}); !errs.Is(err, errs.InputError) {
		t.Errorf("unknown template err = %v", err)
	}
}

func TestTracesRecordedPerStage(t *testing.T) {
	h := newHarness(t, nil, nil)
	rep := h.run(t, salesGoal, Options{})

	traces, err := h.recorder.ForWorkflow(context.Background(), rep.ID)
	if err != nil {
		t.Fatal(err)
	}
	// one per finished stage plus the final one
	if len(traces) != 4 {
		t.Fatalf("traces = %d, want 4", len(traces))
	}
	last := traces[len(traces)-1]
	if last.State != string(StateCompleted) || len(last.Stages) != 3 {
		t.Errorf("last trace = %+v", last)
	}
	if traces[0].Stages[0].Status != string(StageSucceeded) || traces[0].Stages[1].Status != string(StagePending) {
		t.Errorf("first trace = %+v", traces[0].Stages)
	}
}

func TestCollect_StatusFallsBackToStore(t *testing.T) {
	h := newHarness(t, nil, func(c *Config) { c.Retention = 0 })
	rep := h.run(t, salesGoal, Options{})

	if n := h.engine.Collect(); n != 1 {
		t.Fatalf("Collect = %d, want 1", n)
	}
	if h.engine.lookup(rep.ID) != nil {
		t.Fatal("workflow still registered")
	}

	again, err := h.engine.Status(context.Background(), rep.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if again.State != StateCompleted || len(again.Stages) != 3 || again.ImplementationGuide == "" {
		t.Errorf("reloaded = %+v", again)
	}
	d, err := h.engine.Deliverables(context.Background(), rep.ID)
	if err != nil || len(d) != 3 {
		t.Errorf("reloaded deliverables = %v, %v", d, err)
	}
	if _, err := h.engine.Status(context.Background(), "unknown"); !errs.Is(err, errs.InputError) {
		t.Errorf("unknown id err = %v", err)
	}
}

func TestNew_RejectsBadConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkerPoolSize = 0
	if _, err := New(Deps{}, cfg); err == nil {
		t.Error("expected error")
	}
}

func TestCancelAfterAgentReturned_KeepsOutput(t *testing.T) {
	var h *harness
	h = newHarness(t, map[string]execFunc{
		agent.RoleRequirements: func(_ context.Context, in agent.Input) (agent.Output, error) {
			if err := h.engine.Cancel(in.WorkflowID); err != nil {
				t.Errorf("Cancel: %v", err)
			}
			return agent.Output{ArtifactType: agent.ArtifactRequirements, Content: "requirements done"}, nil
		},
	}, nil)
	rep := h.run(t, salesGoal, Options{})

	if rep.State != StateCancelled {
		t.Fatalf("State = %s, want CANCELLED", rep.State)
	}
	if s := stageByID(rep, "requirements"); s.Status != StageSucceeded || s.Attempts != 1 {
		t.Errorf("requirements = %+v", s)
	}
	if s := stageByID(rep, "architecture"); s.Status != StageCancelled {
		t.Errorf("architecture = %+v", s)
	}
	d, _ := h.engine.Deliverables(context.Background(), rep.ID)
	if d[agent.ArtifactRequirements] != "requirements done" {
		t.Errorf("deliverables = %v", d)
	}
}

func TestShutdown_WaitsForConcurrentSubmits(t *testing.T) {
	h := newHarness(t, map[string]execFunc{
		agent.RoleRequirements: func(ctx context.Context, in agent.Input) (agent.Output, error) {
			select {
			case <-ctx.Done():
				return agent.Output{}, ctx.Err()
			case <-time.After(time.Millisecond):
			}
			return agent.Output{ArtifactType: agent.ArtifactRequirements, Content: in.Goal}, nil
		},
	}, nil)

	var (
		mu       sync.Mutex
		accepted []string
		wg       sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 5 {
				id, err := h.engine.Submit(context.Background(), salesGoal, Options{})
				if err != nil {
					return
				}
				mu.Lock()
				accepted = append(accepted, id)
				mu.Unlock()
			}
		}()
	}
	time.Sleep(2 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.engine.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	// Anything accepted before Shutdown returned must already be terminal.
	mu.Lock()
	settled := append([]string(nil), accepted...)
	mu.Unlock()
	for _, id := range settled {
		rep, err := h.engine.Status(context.Background(), id)
		if err != nil {
			t.Fatalf("Status(%s): %v", id, err)
		}
		if !rep.State.Terminal() {
			t.Errorf("workflow %s is %s after Shutdown", id, rep.State)
		}
	}
	wg.Wait()

	if _, err := h.engine.Submit(context.Background(), salesGoal, Options{}); err == nil {
		t.Error("Submit after Shutdown succeeded")
	}
}

func TestStageContextIDsSurviveCollect(t *testing.T) {
	h := newHarness(t, nil, func(c *Config) { c.Retention = 0 })
	index := retrieval.NewIndex(h.store.DB(), fixedEmbedder{})
	if _, err := index.Put(context.Background(), retrieval.Document{
		ID: "doc-quotes", SourceType: "note", Content: "Quotes convert into sales orders.",
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rep := h.run(t, salesGoal, Options{})
	if got := stageByID(rep, "requirements").ContextIDs; !reflect.DeepEqual(got, []string{"doc-quotes"}) {
		t.Fatalf("live ContextIDs = %v", got)
	}
	h.engine.Collect()

	again, err := h.engine.Status(context.Background(), rep.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	for _, s := range again.Stages {
		if !reflect.DeepEqual(s.ContextIDs, []string{"doc-quotes"}) {
			t.Errorf("stored %s ContextIDs = %v", s.ID, s.ContextIDs)
		}
	}
}

func TestList_IncludesCollectedWorkflows(t *testing.T) {
	h := newHarness(t, nil, func(c *Config) { c.Retention = 0 })
	first := h.run(t, salesGoal, Options{})
	second := h.run(t, salesGoal, Options{})
	h.engine.Collect()
	if h.engine.lookup(first.ID) != nil {
		t.Fatal("first workflow still registered")
	}

	ids, err := h.engine.List(context.Background(), 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	got := map[string]bool{}
	for _, id := range ids {
		got[id] = true
	}
	if len(ids) != 2 || !got[first.ID] || !got[second.ID] {
		t.Errorf("List = %v, want both workflows", ids)
	}

	if ids, _ := h.engine.List(context.Background(), 1); len(ids) != 1 {
		t.Errorf("List(1) = %v", ids)
	}
	if ids, _ := h.engine.List(context.Background(), 0); ids != nil {
		t.Errorf("List(0) = %v", ids)
	}
}
