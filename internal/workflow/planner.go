package workflow

import (
	"embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/erpflow/internal/agent"
	"github.com/kalambet/erpflow/internal/errs"
)

//go:embed templates/*.yaml
var builtinTemplates embed.FS

const maxGoalLen = 4000

// StageDef is one stage of a template.
type StageDef struct {
	ID        string   `yaml:"id" json:"id"`
	Role      string   `yaml:"role" json:"role"`
	DependsOn []string `yaml:"depends_on" json:"depends_on,omitempty"`
	Optional  *bool    `yaml:"optional" json:"optional,omitempty"` // nil inherits the role default
}

// Template is a fixed stage graph for a known workflow type.
type Template struct {
	Name        string     `yaml:"name" json:"name"`
	Description string     `yaml:"description" json:"description"`
	Keywords    []string   `yaml:"keywords" json:"keywords"`
	Stages      []StageDef `yaml:"stages" json:"stages"`
}

func (t Template) matches(goal string) bool {
	g := strings.ToLower(goal)
	for _, k := range t.Keywords {
		if k != "" && strings.Contains(g, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// ParseTemplates decodes a templates document and checks each template's
// stage graph: unique ids, known dependencies listed before their dependents.
func ParseTemplates(data []byte) ([]Template, error) {
	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing templates: %w", err)
	}
	for _, t := range f.Templates {
		if err := checkTemplate(t); err != nil {
			return nil, err
		}
	}
	return f.Templates, nil
}

func checkTemplate(t Template) error {
	if t.Name == "" {
		return fmt.Errorf("template without a name")
	}
	if len(t.Stages) == 0 {
		return fmt.Errorf("template %s: no stages", t.Name)
	}
	seen := map[string]bool{}
	for _, s := range t.Stages {
		if s.ID == "" || s.Role == "" {
			return fmt.Errorf("template %s: stage needs id and role", t.Name)
		}
		if seen[s.ID] {
			return fmt.Errorf("template %s: duplicate stage %s", t.Name, s.ID)
		}
		for _, d := range s.DependsOn {
			if !seen[d] {
				return fmt.Errorf("template %s: stage %s depends on %s, which is not declared before it", t.Name, s.ID, d)
			}
		}
		seen[s.ID] = true
	}
	return nil
}

// Planner decomposes goals into stages.
type Planner struct {
	registry  *agent.Registry
	templates []Template
}

// NewPlanner loads the built-in templates and, if extraFile is set, the
// templates in that file. File templates take precedence over built-ins of
// the same name and are matched first.
func NewPlanner(registry *agent.Registry, extraFile string) (*Planner, error) {
	data, err := builtinTemplates.ReadFile("templates/builtin.yaml")
	if err != nil {
		return nil, fmt.Errorf("reading built-in templates: %w", err)
	}
	builtin, err := ParseTemplates(data)
	if err != nil {
		return nil, err
	}

	var extra []Template
	if extraFile != "" {
		data, err := os.ReadFile(extraFile)
		if err != nil {
			return nil, fmt.Errorf("reading templates file: %w", err)
		}
		if extra, err = ParseTemplates(data); err != nil {
			return nil, fmt.Errorf("%s: %w", extraFile, err)
		}
	}

	p := &Planner{registry: registry}
	names := map[string]bool{}
	for _, t := range append(extra, builtin...) {
		if names[t.Name] {
			continue
		}
		names[t.Name] = true
		for _, s := range t.Stages {
			if _, ok := registry.ForRole(s.Role); !ok {
				return nil, fmt.Errorf("template %s: no agent for role %s", t.Name, s.Role)
			}
		}
		p.templates = append(p.templates, t)
	}
	return p, nil
}

// Templates returns the loaded templates in match order.
func (p *Planner) Templates() []Template {
	return append([]Template(nil), p.templates...)
}

// Plan returns the template name ("" for keyword pipelines) and the pending
// stages for goal, in topological order. forced selects a template by name.
func (p *Planner) Plan(goal, forced string) (string, []*Stage, error) {
	if err := ValidateGoal(goal); err != nil {
		return "", nil, err
	}

	if forced != "" {
		for _, t := range p.templates {
			if t.Name == forced {
				return t.Name, p.fromTemplate(t), nil
			}
		}
		return "", nil, errs.Input("plan", "unknown template %q", forced)
	}
	for _, t := range p.templates {
		if t.matches(goal) {
			return t.Name, p.fromTemplate(t), nil
		}
	}

	stages, err := p.fromKeywords(goal)
	return "", stages, err
}

// ValidateGoal rejects goals that cannot be decomposed.
func ValidateGoal(goal string) error {
	g := strings.TrimSpace(goal)
	switch {
	case g == "":
		return errs.Input("plan", "goal is empty")
	case len(g) > maxGoalLen:
		return errs.Input("plan", "goal exceeds %d bytes", maxGoalLen)
	case strings.IndexFunc(g, unicode.IsLetter) < 0:
		return errs.Input("plan", "goal contains no words")
	}
	return nil
}

func (p *Planner) fromTemplate(t Template) []*Stage {
	out := make([]*Stage, 0, len(t.Stages))
	for _, def := range t.Stages {
		a, _ := p.registry.ForRole(def.Role)
		spec := a.Spec()
		optional := spec.Optional
		if def.Optional != nil {
			optional = *def.Optional
		}
		out = append(out, &Stage{
			ID:        def.ID,
			Role:      def.Role,
			AgentID:   spec.ID,
			DependsOn: append([]string(nil), def.DependsOn...),
			Optional:  optional,
			Status:    StagePending,
		})
	}
	return out
}

// fromKeywords builds the default pipeline: every core role plus the custom
// roles whose capability keywords occur in the goal, wired by their declared
// upstream roles.
func (p *Planner) fromKeywords(goal string) ([]*Stage, error) {
	selected := map[string]agent.Spec{}
	for _, spec := range p.registry.Specs() {
		if spec.Core || agent.Matches(spec, goal) {
			selected[spec.Role] = spec
		}
	}
	if len(selected) == 0 {
		return nil, errs.Input("plan", "no agent role applies to the goal")
	}

	// Kahn's algorithm; ties broken by role so plans are stable.
	indegree := map[string]int{}
	dependents := map[string][]string{}
	for role, spec := range selected {
		indegree[role] += 0
		for _, up := range spec.Upstream {
			if _, ok := selected[up]; ok {
				indegree[role]++
				dependents[up] = append(dependents[up], role)
			}
		}
	}
	var ready []string
	for role, n := range indegree {
		if n == 0 {
			ready = append(ready, role)
		}
	}

	ids := map[string]string{}
	var out []*Stage
	for len(ready) > 0 {
		sort.Strings(ready)
		role := ready[0]
		ready = ready[1:]

		spec := selected[role]
		st := &Stage{
			ID:       stageID(role, ids),
			Role:     role,
			AgentID:  spec.ID,
			Optional: spec.Optional,
			Status:   StagePending,
		}
		for _, up := range spec.Upstream {
			if id, ok := ids[up]; ok {
				st.DependsOn = append(st.DependsOn, id)
			}
		}
		ids[role] = st.ID
		out = append(out, st)

		for _, d := range dependents[role] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}
	if len(out) != len(selected) {
		return nil, fmt.Errorf("planning: agent roles have cyclic upstream declarations")
	}
	return out, nil
}

// stageID shortens "schema-designer" to "schema", falling back to the full
// role if the short form is taken.
func stageID(role string, taken map[string]string) string {
	short, _, _ := strings.Cut(role, "-")
	for _, id := range taken {
		if id == short {
			return role
		}
	}
	return short
}
