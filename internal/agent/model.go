package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/erpflow/internal/engine"
	"github.com/kalambet/erpflow/internal/errs"
)

// Chatter is the generation capability agents run on.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []engine.Message, jsonSchema *engine.Schema) (string, error)
}

// Prompter turns a stage input into the role's chat messages. Roles that
// need deterministic pre-analysis (keyword seeding, known field designs) do
// it here.
type Prompter func(in Input) []engine.Message

// Finisher post-processes the raw model response into the deliverable.
type Finisher func(in Input, raw string) (string, error)

// ModelAgent is a role backed by a chat model.
type ModelAgent struct {
	spec   Spec
	chat   Chatter
	model  string
	schema *engine.Schema
	prompt Prompter
	finish Finisher
}

// NewModelAgent builds a ModelAgent. schema and finish are optional.
func NewModelAgent(spec Spec, chat Chatter, model string, prompt Prompter, schema *engine.Schema, finish Finisher) *ModelAgent {
	return &ModelAgent{spec: spec, chat: chat, model: model, schema: schema, prompt: prompt, finish: finish}
}

func (a *ModelAgent) Spec() Spec { return a.spec }

// Model is the chat model the agent generates with.
func (a *ModelAgent) Model() string { return a.model }

// Execute runs one generation. Every failure is an AgentExecutionError;
// backend failures keep the transience the engine assigned.
func (a *ModelAgent) Execute(ctx context.Context, in Input) (Output, error) {
	op := a.spec.Role + " " + in.StageID
	raw, err := a.chat.Chat(ctx, a.model, a.prompt(in), a.schema)
	if err != nil {
		if errs.KindOf(err) == errs.AgentExecutionError || ctx.Err() != nil {
			return Output{}, err
		}
		return Output{}, errs.Agent(op, false, err)
	}
	if strings.TrimSpace(raw) == "" {
		// Small local models occasionally return nothing; a retry usually helps.
		return Output{}, errs.Agent(op, true, errors.New("empty response"))
	}

	content := strings.TrimSpace(raw)
	if a.finish != nil {
		content, err = a.finish(in, raw)
		if err != nil {
			return Output{}, errs.Agent(op, true, err)
		}
	}
	return Output{ArtifactType: a.spec.ArtifactType, Content: content}, nil
}

// baseMessages builds the system/user pair shared by all built-in roles.
func baseMessages(system string, in Input, extra string) []engine.Message {
	var sb strings.Builder
	sb.WriteString(system)
	if in.Context != "" {
		sb.WriteString("\n\n")
		sb.WriteString(in.Context)
	}

	var user strings.Builder
	fmt.Fprintf(&user, "Goal: %s\n", in.Goal)
	for _, art := range sortedKeys(in.Upstream) {
		fmt.Fprintf(&user, "\n[%s]\n%s\n", art, in.Upstream[art])
	}
	if extra != "" {
		user.WriteString("\n")
		user.WriteString(extra)
	}

	return []engine.Message{
		{Role: "system", Content: sb.String()},
		{Role: "user", Content: user.String()},
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
