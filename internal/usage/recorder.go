// Package usage keeps an append-only log of workflow traces for offline
// analysis and export.
package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/erpflow/internal/errs"
)

// recordedAtLayout is fixed width so the column sorts lexically.
const recordedAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

const exportPageSize = 200

// StageRecord is the state of one stage when the trace was taken.
type StageRecord struct {
	StageID   string    `json:"stage_id"`
	Role      string    `json:"role"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	StartedAt time.Time `json:"started_at,omitzero"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
	Error     string    `json:"error,omitempty"`
}

// Trace is a snapshot of a workflow taken after one of its stages ended.
type Trace struct {
	ID         string        `json:"id"`
	WorkflowID string        `json:"workflow_id"`
	Goal       string        `json:"goal"`
	State      string        `json:"state"`
	Stages     []StageRecord `json:"stages"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// Range bounds an export by RecordedAt. Zero ends are open.
type Range struct {
	Since time.Time
	Until time.Time
}

// Recorder appends traces to the traces table. It never updates a row.
type Recorder struct {
	db     *sql.DB
	reader *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db, reader: db, now: time.Now, logger: slog.Default()}
}

// ReadFrom serves Export and ForWorkflow from a read-only pool, so a long
// export does not hold the writer connection.
func (r *Recorder) ReadFrom(reader *sql.DB) *Recorder {
	r.reader = reader
	return r
}

// Record appends t as a new row and returns it with ID and RecordedAt set.
func (r *Recorder) Record(ctx context.Context, t Trace) (Trace, error) {
	if t.WorkflowID == "" {
		return Trace{}, errs.Input("record trace", "workflow id is required")
	}
	t.ID = uuid.New().String()
	if t.RecordedAt.IsZero() {
		t.RecordedAt = r.now()
	}
	t.RecordedAt = t.RecordedAt.UTC()
	if t.Stages == nil {
		t.Stages = []StageRecord{}
	}

	stages, err := json.Marshal(t.Stages)
	if err != nil {
		return Trace{}, fmt.Errorf("encoding stages: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO traces (id, workflow_id, goal, state, stages_json, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.WorkflowID, t.Goal, t.State, string(stages), t.RecordedAt.Format(recordedAtLayout),
	)
	if err != nil {
		return Trace{}, fmt.Errorf("recording trace for %s: %w", t.WorkflowID, err)
	}
	r.logger.Debug("trace recorded", "workflow_id", t.WorkflowID, "state", t.State)
	return t, nil
}

// Export returns the traces in rng in insertion order. The sequence is lazy
// and restartable: every range-over starts a fresh query, so traces recorded
// in between show up on the next pass.
func (r *Recorder) Export(ctx context.Context, rng Range) iter.Seq2[Trace, error] {
	return func(yield func(Trace, error) bool) {
		var after int64
		for {
			page, last, err := r.page(ctx, rng, after)
			if err != nil {
				yield(Trace{}, err)
				return
			}
			for _, t := range page {
				if !yield(t, nil) {
					return
				}
			}
			if len(page) < exportPageSize {
				return
			}
			after = last
		}
	}
}

// ForWorkflow returns every trace recorded for one workflow, oldest first.
func (r *Recorder) ForWorkflow(ctx context.Context, workflowID string) ([]Trace, error) {
	rows, err := r.reader.QueryContext(ctx, `
		SELECT seq, id, workflow_id, goal, state, stages_json, recorded_at
		FROM traces WHERE workflow_id = ? ORDER BY seq`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("querying traces: %w", err)
	}
	defer rows.Close()
	out, _, err := scanTraces(rows)
	return out, err
}

func (r *Recorder) page(ctx context.Context, rng Range, after int64) ([]Trace, int64, error) {
	since, until := "", "9999"
	if !rng.Since.IsZero() {
		since = rng.Since.UTC().Format(recordedAtLayout)
	}
	if !rng.Until.IsZero() {
		until = rng.Until.UTC().Format(recordedAtLayout)
	}
	rows, err := r.reader.QueryContext(ctx, `
		SELECT seq, id, workflow_id, goal, state, stages_json, recorded_at
		FROM traces
		WHERE seq > ? AND recorded_at >= ? AND recorded_at < ?
		ORDER BY seq
		LIMIT ?`, after, since, until, exportPageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("querying traces: %w", err)
	}
	defer rows.Close()
	return scanTraces(rows)
}

func scanTraces(rows *sql.Rows) ([]Trace, int64, error) {
	var (
		out  []Trace
		last int64
	)
	for rows.Next() {
		var (
			t          Trace
			stagesJSON string
			recordedAt string
		)
		if err := rows.Scan(&last, &t.ID, &t.WorkflowID, &t.Goal, &t.State, &stagesJSON, &recordedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning trace: %w", err)
		}
		if err := json.Unmarshal([]byte(stagesJSON), &t.Stages); err != nil {
			return nil, 0, fmt.Errorf("decoding stages of trace %s: %w", t.ID, err)
		}
		ts, err := time.Parse(recordedAtLayout, recordedAt)
		if err != nil {
			return nil, 0, fmt.Errorf("parsing recorded_at of trace %s: %w", t.ID, err)
		}
		t.RecordedAt = ts
		out = append(out, t)
	}
	return out, last, rows.Err()
}
