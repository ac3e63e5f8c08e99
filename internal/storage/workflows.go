package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SaveWorkflow inserts or overwrites the header row of a workflow run.
func (s *Store) SaveWorkflow(ctx context.Context, w WorkflowRow) error {
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, goal, template, state, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			template = excluded.template,
			state = excluded.state,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		w.ID, w.Goal, w.Template, w.State, w.Error,
		formatTime(w.CreatedAt), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("saving workflow %s: %w", w.ID, err)
	}
	return nil
}

// SaveStage inserts or overwrites one stage row.
func (s *Store) SaveStage(ctx context.Context, st StageRow) error {
	deps, err := json.Marshal(st.DependsOn)
	if err != nil {
		return fmt.Errorf("encoding depends_on: %w", err)
	}
	if st.DependsOn == nil {
		deps = []byte("[]")
	}
	refs, err := json.Marshal(st.ContextIDs)
	if err != nil {
		return fmt.Errorf("encoding context ids: %w", err)
	}
	if st.ContextIDs == nil {
		refs = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO stages (id, workflow_id, position, role, agent_id, depends_on_json, optional,
			status, attempts, error, artifact_type, deliverable, context_ids_json, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workflow_id, id) DO UPDATE SET
			agent_id = excluded.agent_id,
			context_ids_json = excluded.context_ids_json,
			status = excluded.status,
			attempts = excluded.attempts,
			error = excluded.error,
			artifact_type = excluded.artifact_type,
			deliverable = excluded.deliverable,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at`,
		st.ID, st.WorkflowID, st.Position, st.Role, st.AgentID, string(deps), boolToInt(st.Optional),
		st.Status, st.Attempts, st.Error, st.ArtifactType, st.Deliverable, string(refs),
		formatTime(st.StartedAt), formatTime(st.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("saving stage %s/%s: %w", st.WorkflowID, st.ID, err)
	}
	return nil
}

// GetWorkflow loads a workflow run and its stages ordered by position.
func (s *Store) GetWorkflow(ctx context.Context, id string) (WorkflowRow, []StageRow, error) {
	var w WorkflowRow
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, goal, template, state, error, created_at, updated_at
		FROM workflows WHERE id = ?`, id,
	).Scan(&w.ID, &w.Goal, &w.Template, &w.State, &w.Error, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return WorkflowRow{}, nil, ErrNotFound
	}
	if err != nil {
		return WorkflowRow{}, nil, fmt.Errorf("loading workflow %s: %w", id, err)
	}
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return WorkflowRow{}, nil, err
	}
	if w.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return WorkflowRow{}, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, position, role, agent_id, depends_on_json, optional,
			status, attempts, error, artifact_type, deliverable, context_ids_json, started_at, ended_at
		FROM stages WHERE workflow_id = ? ORDER BY position ASC`, id)
	if err != nil {
		return WorkflowRow{}, nil, fmt.Errorf("loading stages of %s: %w", id, err)
	}
	defer rows.Close()

	var stages []StageRow
	for rows.Next() {
		var st StageRow
		var deps, refs, started, ended string
		var optional int
		if err := rows.Scan(&st.ID, &st.WorkflowID, &st.Position, &st.Role, &st.AgentID, &deps, &optional,
			&st.Status, &st.Attempts, &st.Error, &st.ArtifactType, &st.Deliverable, &refs, &started, &ended); err != nil {
			return WorkflowRow{}, nil, fmt.Errorf("scanning stage: %w", err)
		}
		if err := json.Unmarshal([]byte(deps), &st.DependsOn); err != nil {
			return WorkflowRow{}, nil, fmt.Errorf("decoding depends_on of %s: %w", st.ID, err)
		}
		if err := json.Unmarshal([]byte(refs), &st.ContextIDs); err != nil {
			return WorkflowRow{}, nil, fmt.Errorf("decoding context ids of %s: %w", st.ID, err)
		}
		st.Optional = optional != 0
		if st.StartedAt, err = parseTime(started); err != nil {
			return WorkflowRow{}, nil, err
		}
		if st.EndedAt, err = parseTime(ended); err != nil {
			return WorkflowRow{}, nil, err
		}
		stages = append(stages, st)
	}
	return w, stages, rows.Err()
}

// ListWorkflowIDs returns ids of workflows in the given state, newest first.
// An empty state matches every workflow.
func (s *Store) ListWorkflowIDs(ctx context.Context, state string, limit int) ([]string, error) {
	q := `SELECT id FROM workflows`
	var args []any
	if state != "" {
		q += ` WHERE state = ?`
		args = append(args, state)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.reader.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// formatTime renders t as RFC3339Nano, or "" for the zero time.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
