// Package agent defines the uniform execution contract shared by all agent
// roles and the registry the workflow engine dispatches through. Adding a
// role means registering another Agent; the engine never inspects types.
package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Built-in roles.
const (
	RoleRequirements  = "requirements-analyzer"
	RoleArchitecture  = "architecture-designer"
	RoleSchema        = "schema-designer"
	RoleDocumentation = "documentation-writer"
	RoleDiagram       = "diagram-generator"
)

// Artifact types produced by the built-in roles.
const (
	ArtifactRequirements  = "requirements_spec"
	ArtifactArchitecture  = "architecture_design"
	ArtifactSchema        = "database_schema"
	ArtifactDocumentation = "documentation"
	ArtifactDiagram       = "diagram"
)

// Spec describes a role to the planner.
type Spec struct {
	ID           string   `json:"id" yaml:"id"`
	Role         string   `json:"role" yaml:"role"`
	ArtifactType string   `json:"artifact_type" yaml:"artifact_type"`
	Capabilities []string `json:"capabilities" yaml:"capabilities"` // goal keywords that select the role
	Upstream     []string `json:"upstream,omitempty" yaml:"upstream"`
	Core         bool     `json:"core" yaml:"core"`         // part of every keyword-built pipeline
	Optional     bool     `json:"optional" yaml:"optional"` // failure degrades the workflow instead of failing it
}

// Input is the immutable snapshot a stage hands to its agent.
type Input struct {
	WorkflowID string
	StageID    string
	Goal       string
	Context    string            // rendered context bundle
	Upstream   map[string]string // artifact type -> deliverable of an upstream stage
}

// Output is what an agent returns on success.
type Output struct {
	ArtifactType string
	Content      string
}

// Agent is stateless: Execute depends only on its Input.
type Agent interface {
	Spec() Spec
	Execute(ctx context.Context, in Input) (Output, error)
}

// Registry maps roles to agents. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byRole map[string]Agent
}

func NewRegistry() *Registry {
	return &Registry{byRole: map[string]Agent{}}
}

// Register adds a. Roles are unique.
func (r *Registry) Register(a Agent) error {
	spec := a.Spec()
	if spec.Role == "" || spec.ArtifactType == "" {
		return fmt.Errorf("agent %q: role and artifact type are required", spec.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byRole[spec.Role]; ok {
		return fmt.Errorf("role %q already registered", spec.Role)
	}
	r.byRole[spec.Role] = a
	return nil
}

// ForRole returns the agent registered for role.
func (r *Registry) ForRole(role string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byRole[role]
	return a, ok
}

// Specs returns all registered specs sorted by role.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.byRole))
	for _, a := range r.byRole {
		out = append(out, a.Spec())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out
}

// Matches reports whether any of spec's capability keywords occurs in goal.
func Matches(spec Spec, goal string) bool {
	g := strings.ToLower(goal)
	for _, c := range spec.Capabilities {
		if c != "" && strings.Contains(g, strings.ToLower(c)) {
			return true
		}
	}
	return false
}
