// Package engine abstracts the model capability behind agents and the
// retrieval index: chat completion (used as "generate") and embeddings.
package engine

import "context"

// Generator produces a chat completion. Failures are errs.AgentExecutionError,
// transient when the backend was unreachable or overloaded.
type Generator interface {
	// Chat returns the assistant's reply. A non-nil jsonSchema requests
	// structured output in that shape.
	Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error)
}

// Embedding turns text into a vector. Failures are errs.RetrievalUnavailable.
type Embedding interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}

// Models manages which models the backend has available.
type Models interface {
	IsRunning(ctx context.Context) bool
	HasModel(ctx context.Context, name string) bool
	// PullModel downloads a model; onProgress may be nil.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

// Engine is the full model backend the server wires into agents, the index
// and startup checks.
type Engine interface {
	Generator
	Embedding
	Models
}

// Message is one chat turn. Role is "system", "user" or "assistant".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Schema is the JSON shape requested from a structured chat.
type Schema struct {
	Type       string                    `json:"type"`
	Properties map[string]SchemaProperty `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

type SchemaProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// PullProgress is one progress update of a model download.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}
