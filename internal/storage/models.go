package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Job types understood by the ingest worker.
const (
	JobIngestDocument = "ingest_document"
	JobERPSync        = "erp_sync"
)

type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// WorkflowRow is the persisted header of a workflow run.
type WorkflowRow struct {
	ID        string
	Goal      string
	Template  string
	State     string
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StageRow is the persisted state of one stage of a workflow run.
type StageRow struct {
	ID           string
	WorkflowID   string
	Position     int
	Role         string
	AgentID      string
	DependsOn    []string
	Optional     bool
	Status       string
	Attempts     int
	Error        string
	ArtifactType string
	Deliverable  string
	ContextIDs   []string  // documents and entities in the stage's input snapshot
	StartedAt    time.Time // zero until the stage starts
	EndedAt      time.Time // zero until the stage terminates
}
