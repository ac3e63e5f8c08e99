// Package workflow turns a goal into a stage dependency graph, runs each
// stage's agent on an assembled context snapshot, and aggregates the
// deliverables.
package workflow

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a workflow.
type State string

const (
	StateCreated   State = "CREATED"
	StatePlanning  State = "PLANNING"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StatePartial   State = "PARTIAL"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StatePartial, StateFailed, StateCancelled:
		return true
	}
	return false
}

var workflowTransitions = map[State][]State{
	StateCreated:  {StatePlanning, StateCancelled},
	StatePlanning: {StateRunning, StateFailed, StateCancelled},
	StateRunning:  {StateCompleted, StatePartial, StateFailed, StateCancelled},
}

// StageStatus is the lifecycle state of a stage.
type StageStatus string

const (
	StagePending          StageStatus = "pending"
	StageRunning          StageStatus = "running"
	StageSucceeded        StageStatus = "succeeded"
	StageFailed           StageStatus = "failed"
	StageCancelled        StageStatus = "cancelled"
	StageDependencyFailed StageStatus = "dependency_failed"
)

// Terminal reports whether the stage has finished.
func (s StageStatus) Terminal() bool {
	switch s {
	case StageSucceeded, StageFailed, StageCancelled, StageDependencyFailed:
		return true
	}
	return false
}

// A pending stage may end without running (cancelled, dependency_failed).
var stageTransitions = map[StageStatus][]StageStatus{
	StagePending: {StageRunning, StageCancelled, StageDependencyFailed},
	StageRunning: {StageSucceeded, StageFailed, StageCancelled},
}

func canTransition[T comparable](table map[T][]T, from, to T) bool {
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is returned when a state change is not in the table.
type ErrInvalidTransition struct {
	From, To string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// Deliverable is the artifact a stage produced. Immutable once set.
type Deliverable struct {
	StageID      string `json:"stage_id"`
	ArtifactType string `json:"artifact_type"`
	Content      string `json:"content"`
}

// Stage is one unit of work run by a single agent.
type Stage struct {
	ID         string       `json:"id"`
	WorkflowID string       `json:"workflow_id"`
	Role       string       `json:"role"`
	AgentID    string       `json:"agent_id"`
	DependsOn  []string     `json:"depends_on"`
	Optional   bool         `json:"optional"`
	Status     StageStatus  `json:"status"`
	Attempts   int          `json:"attempts"`
	Error      string       `json:"error,omitempty"`
	ContextIDs []string     `json:"context_ids,omitempty"` // documents and entities the snapshot held
	Output     *Deliverable `json:"deliverable,omitempty"`
	StartedAt  time.Time    `json:"started_at,omitzero"`
	EndedAt    time.Time    `json:"ended_at,omitzero"`

	history []StageStatus
}

func (s *Stage) transition(to StageStatus) error {
	if !canTransition(stageTransitions, s.Status, to) {
		return &ErrInvalidTransition{From: string(s.Status), To: string(to)}
	}
	s.Status = to
	s.history = append(s.history, to)
	return nil
}

// Workflow is a submitted goal and the stages planned for it.
type Workflow struct {
	ID        string    `json:"id"`
	Goal      string    `json:"goal"`
	Template  string    `json:"template"`
	State     State     `json:"state"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
	Stages    []*Stage  `json:"stages"`
}

func (w *Workflow) transition(to State) error {
	if !canTransition(workflowTransitions, w.State, to) {
		return &ErrInvalidTransition{From: string(w.State), To: string(to)}
	}
	w.State = to
	return nil
}

func (w *Workflow) stage(id string) *Stage {
	for _, s := range w.Stages {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// StageReport is the externally visible state of one stage.
type StageReport struct {
	ID           string      `json:"id"`
	Role         string      `json:"role"`
	Optional     bool        `json:"optional"`
	DependsOn    []string    `json:"depends_on"`
	Status       StageStatus `json:"status"`
	Attempts     int         `json:"attempts"`
	Error        string      `json:"error,omitempty"`
	ArtifactType string      `json:"artifact_type,omitempty"`
	ContextIDs   []string    `json:"context_ids,omitempty"`
	StartedAt    time.Time   `json:"started_at,omitzero"`
	EndedAt      time.Time   `json:"ended_at,omitzero"`
}

// StatusReport is returned by Engine.Status.
type StatusReport struct {
	ID                  string        `json:"id"`
	Goal                string        `json:"goal"`
	Template            string        `json:"template"`
	State               State         `json:"state"`
	Error               string        `json:"error,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	Stages              []StageReport `json:"stages"`
	ImplementationGuide string        `json:"implementation_guide,omitempty"`
}

// Options tunes a single submission. Zero values use the engine defaults.
type Options struct {
	Template     string        `json:"template,omitempty" validate:"omitempty,max=64"`
	MaxAttempts  int           `json:"max_attempts,omitempty" validate:"gte=0,lte=10"`
	StageTimeout time.Duration `json:"stage_timeout,omitempty" validate:"gte=0"`
	K            int           `json:"k,omitempty" validate:"gte=0,lte=50"`
	HopDepth     int           `json:"hop_depth,omitempty" validate:"gte=-1,lte=5"`
	ByteBudget   int           `json:"byte_budget,omitempty" validate:"gte=0,lte=1048576"`
}
