package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/erpflow/internal/storage"
	"github.com/kalambet/erpflow/internal/usage"
)

var implementationSteps = []string{
	"Create the DocTypes with the specified fields",
	"Set up workflows and approval processes",
	"Configure user permissions and roles",
	"Test with sample data",
	"Deploy to production with monitoring",
}

// outcome derives the terminal state. It depends only on the set of stage
// statuses, never on the order they finished in.
func outcome(wf *Workflow, cancelRequested bool) State {
	if cancelRequested {
		for _, st := range wf.Stages {
			if st.Status == StageCancelled {
				return StateCancelled
			}
		}
	}
	degraded := false
	for _, st := range wf.Stages {
		if st.Status == StageSucceeded {
			continue
		}
		if !st.Optional {
			return StateFailed
		}
		degraded = true
	}
	if degraded {
		return StatePartial
	}
	return StateCompleted
}

// deliverables maps artifact type to content for succeeded stages.
func deliverables(wf *Workflow) map[string]string {
	out := map[string]string{}
	for _, st := range wf.Stages {
		if st.Status == StageSucceeded && st.Output != nil {
			out[st.Output.ArtifactType] = st.Output.Content
		}
	}
	return out
}

// implementationGuide lists the rollout steps for a finished design, with the
// artifacts they build on.
func implementationGuide(wf *Workflow) string {
	if wf.State != StateCompleted && wf.State != StatePartial {
		return ""
	}
	artifacts := make([]string, 0, len(wf.Stages))
	for art := range deliverables(wf) {
		artifacts = append(artifacts, art)
	}
	sort.Strings(artifacts)

	var sb strings.Builder
	sb.WriteString("# Implementation Guide\n\n")
	for i, step := range implementationSteps {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, step)
	}
	if len(artifacts) > 0 {
		fmt.Fprintf(&sb, "\nBased on: %s\n", strings.Join(artifacts, ", "))
	}
	return sb.String()
}

func report(wf *Workflow) StatusReport {
	rep := StatusReport{
		ID:                  wf.ID,
		Goal:                wf.Goal,
		Template:            wf.Template,
		State:               wf.State,
		Error:               wf.Error,
		CreatedAt:           wf.CreatedAt,
		Stages:              make([]StageReport, 0, len(wf.Stages)),
		ImplementationGuide: implementationGuide(wf),
	}
	for _, st := range wf.Stages {
		sr := StageReport{
			ID:         st.ID,
			Role:       st.Role,
			Optional:   st.Optional,
			DependsOn:  append([]string{}, st.DependsOn...),
			Status:     st.Status,
			Attempts:   st.Attempts,
			Error:      st.Error,
			ContextIDs: append([]string(nil), st.ContextIDs...),
			StartedAt:  st.StartedAt,
			EndedAt:    st.EndedAt,
		}
		if st.Output != nil {
			sr.ArtifactType = st.Output.ArtifactType
		}
		rep.Stages = append(rep.Stages, sr)
	}
	return rep
}

func traceOf(wf *Workflow) usage.Trace {
	t := usage.Trace{
		WorkflowID: wf.ID,
		Goal:       wf.Goal,
		State:      string(wf.State),
		Stages:     make([]usage.StageRecord, 0, len(wf.Stages)),
	}
	for _, st := range wf.Stages {
		t.Stages = append(t.Stages, usage.StageRecord{
			StageID:   st.ID,
			Role:      st.Role,
			Status:    string(st.Status),
			Attempts:  st.Attempts,
			StartedAt: st.StartedAt,
			EndedAt:   st.EndedAt,
			Error:     st.Error,
		})
	}
	return t
}

func workflowRow(wf *Workflow) storage.WorkflowRow {
	return storage.WorkflowRow{
		ID:        wf.ID,
		Goal:      wf.Goal,
		Template:  wf.Template,
		State:     string(wf.State),
		Error:     wf.Error,
		CreatedAt: wf.CreatedAt,
	}
}

func stageRow(wf *Workflow, st *Stage) storage.StageRow {
	row := storage.StageRow{
		ID:         st.ID,
		WorkflowID: wf.ID,
		Role:       st.Role,
		AgentID:    st.AgentID,
		DependsOn:  st.DependsOn,
		Optional:   st.Optional,
		Status:     string(st.Status),
		Attempts:   st.Attempts,
		Error:      st.Error,
		ContextIDs: st.ContextIDs,
		StartedAt:  st.StartedAt,
		EndedAt:    st.EndedAt,
	}
	for i, s := range wf.Stages {
		if s == st {
			row.Position = i
		}
	}
	if st.Output != nil {
		row.ArtifactType = st.Output.ArtifactType
		row.Deliverable = st.Output.Content
	}
	return row
}

func fromRows(row storage.WorkflowRow, rows []storage.StageRow) *Workflow {
	wf := &Workflow{
		ID:        row.ID,
		Goal:      row.Goal,
		Template:  row.Template,
		State:     State(row.State),
		Error:     row.Error,
		CreatedAt: row.CreatedAt,
	}
	if wf.State.Terminal() {
		wf.EndedAt = row.UpdatedAt
	}
	for _, r := range rows {
		st := &Stage{
			ID:         r.ID,
			WorkflowID: r.WorkflowID,
			Role:       r.Role,
			AgentID:    r.AgentID,
			DependsOn:  r.DependsOn,
			Optional:   r.Optional,
			Status:     StageStatus(r.Status),
			Attempts:   r.Attempts,
			Error:      r.Error,
			ContextIDs: r.ContextIDs,
			StartedAt:  r.StartedAt,
			EndedAt:    r.EndedAt,
		}
		if st.Status == StageSucceeded {
			st.Output = &Deliverable{StageID: r.ID, ArtifactType: r.ArtifactType, Content: r.Deliverable}
		}
		wf.Stages = append(wf.Stages, st)
	}
	return wf
}

// Persistence and trace failures are logged; they never change the outcome
// of a workflow that is already running.

func (e *Engine) saveWorkflow(ctx context.Context, r *run) {
	r.mu.Lock()
	row := workflowRow(r.wf)
	r.mu.Unlock()
	if err := e.store.SaveWorkflow(ctx, row); err != nil {
		e.logger.Error("persisting workflow", "workflow_id", row.ID, "error", err)
	}
}

func (e *Engine) saveStage(ctx context.Context, r *run, st *Stage) {
	r.mu.Lock()
	row := stageRow(r.wf, st)
	r.mu.Unlock()
	if err := e.store.SaveStage(ctx, row); err != nil {
		e.logger.Error("persisting stage", "workflow_id", row.WorkflowID, "stage", row.ID, "error", err)
	}
}

func (e *Engine) record(ctx context.Context, r *run) {
	r.mu.Lock()
	t := traceOf(r.wf)
	r.mu.Unlock()
	if _, err := e.recorder.Record(ctx, t); err != nil {
		e.logger.Error("recording trace", "workflow_id", t.WorkflowID, "error", err)
	}
}
